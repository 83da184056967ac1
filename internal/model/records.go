package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Envelope is a named allocation bucket.
type Envelope struct {
	Name     string          `json:"name"`
	Category string          `json:"category,omitempty"`
	Balance  decimal.Decimal `json:"balance"`
	Target   decimal.Decimal `json:"target"`
	Archived bool            `json:"archived,omitempty"`
}

// Transaction is a single ledger line, optionally assigned to an envelope.
type Transaction struct {
	Date        time.Time       `json:"date"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	EnvelopeID  string          `json:"envelopeId,omitempty"`
	Cleared     bool            `json:"cleared,omitempty"`
}

// Bill is a recurring obligation.
type Bill struct {
	Name       string          `json:"name"`
	Amount     decimal.Decimal `json:"amount"`
	DueDay     int             `json:"dueDay"`
	Frequency  string          `json:"frequency"`
	EnvelopeID string          `json:"envelopeId,omitempty"`
}

// Paycheck is one entry in the paycheck history.
type Paycheck struct {
	Date   time.Time       `json:"date"`
	Payer  string          `json:"payer"`
	Amount decimal.Decimal `json:"amount"`
}

// SavingsGoal tracks progress toward a target amount.
type SavingsGoal struct {
	Name     string          `json:"name"`
	Target   decimal.Decimal `json:"target"`
	Saved    decimal.Decimal `json:"saved"`
	Deadline *time.Time      `json:"deadline,omitempty"`
}

// Debt is an outstanding balance being paid down.
type Debt struct {
	Name           string          `json:"name"`
	Balance        decimal.Decimal `json:"balance"`
	InterestRate   decimal.Decimal `json:"interestRate"`
	MinimumPayment decimal.Decimal `json:"minimumPayment"`
}
