package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnv(string) string { return "" }

func TestResolveDevelopment(t *testing.T) {
	r := Resolver{Mode: Development, Getenv: noEnv}

	got, err := r.Resolve(Sync)
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8790", got)

	got, err = r.Resolve(Budget)
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8791", got)
}

func TestResolveProduction(t *testing.T) {
	r := Resolver{Mode: Production, Origin: "https://budget.example.com/", Getenv: noEnv}

	got, err := r.Resolve(Import)
	require.NoError(t, err)
	assert.Equal(t, "https://budget.example.com/api/import", got)
}

func TestResolveEnvironmentWins(t *testing.T) {
	env := map[string]string{"ENVSYNC_SYNC_URL": "https://sync.internal:9000/"}
	r := Resolver{
		Mode:      Production,
		Origin:    "https://budget.example.com",
		Overrides: map[string]string{Sync: "https://override.example.com"},
		Getenv:    func(k string) string { return env[k] },
	}

	got, err := r.Resolve(Sync)
	require.NoError(t, err)
	assert.Equal(t, "https://sync.internal:9000", got)

	delete(env, "ENVSYNC_SYNC_URL")
	got, err = r.Resolve(Sync)
	require.NoError(t, err)
	assert.Equal(t, "https://override.example.com", got)
}

func TestResolveUnknownService(t *testing.T) {
	_, err := Resolver{Getenv: noEnv}.Resolve("payroll")

	assert.ErrorIs(t, err, ErrUnknownService)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "payroll", cfgErr.Service)
	assert.Contains(t, err.Error(), "budget, import, sync")
}

func TestEnvVar(t *testing.T) {
	assert.Equal(t, "ENVSYNC_BUDGET_URL", EnvVar(Budget))
}
