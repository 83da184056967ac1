package codec

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doc struct {
	BudgetID  string    `json:"budgetId"`
	Main      []byte    `json:"main"`
	UpdatedAt time.Time `json:"updatedAt"`
	Chunks    []string  `json:"chunks,omitempty"`
}

func TestMsgpackUsesJSONFieldNames(t *testing.T) {
	in := doc{BudgetID: "b1", Main: []byte{0, 1, 2}, UpdatedAt: time.Unix(1700000000, 0).UTC()}

	data, err := Marshal(Msgpack, in)
	require.NoError(t, err)
	assert.True(t, bytes.Contains(data, []byte("budgetId")))

	var out map[string]any
	require.NoError(t, Unmarshal(Msgpack, data, &out))
	assert.Equal(t, "b1", out["budgetId"])

	var back doc
	require.NoError(t, Unmarshal(Msgpack, data, &back))
	assert.Equal(t, in.Main, back.Main)
	assert.True(t, in.UpdatedAt.Equal(back.UpdatedAt))
}

func TestFormatFor(t *testing.T) {
	assert.Equal(t, Msgpack, FormatFor("application/msgpack"))
	assert.Equal(t, Msgpack, FormatFor("application/x-msgpack; charset=binary"))
	assert.Equal(t, JSON, FormatFor("application/json"))
	assert.Equal(t, JSON, FormatFor(""))
	assert.Equal(t, "application/msgpack", Msgpack.ContentType())
}

func TestCompressRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte(`{"id":"t-1","amount":"12.50"},`), 500)

	packed, err := Compress(payload)
	require.NoError(t, err)
	assert.Less(t, len(packed), len(payload))

	back, err := Decompress(packed, int64(len(payload)))
	require.NoError(t, err)
	assert.Equal(t, payload, back)
}

func TestDecompressLimit(t *testing.T) {
	packed, err := Compress(make([]byte, 1024))
	require.NoError(t, err)

	_, err = Decompress(packed, 100)
	assert.ErrorContains(t, err, "exceeds 100 bytes")
}
