package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
[general]
env = "prod"
log_level = "debug"

[chain]
rpc_url = "http://localhost:8545"
chain_id = 31337
contract_address = "0x5FbDB2315678afecb367f032d93F642f64180aa3"

[reader]
rate_limit = 5.0
burst = 2
call_timeout = "3s"
concurrency = 4
refresh_every = "1m"
receipt_timeout = "30s"

[relay]
redis_addr = "localhost:6379"
kafka_brokers = ["localhost:9092"]
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "surebet.toml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "prod", cfg.General.Env)
	assert.Equal(t, int64(31337), cfg.Chain.ChainID)
	assert.Equal(t, 3*time.Second, cfg.Reader.CallTimeout.Duration)
	assert.Equal(t, time.Minute, cfg.Reader.RefreshEvery.Duration)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Relay.KafkaBrokers)
	// Unset sections keep their defaults.
	assert.Equal(t, 5*time.Second, cfg.Dispatch.ErrorDismissDelay.Duration)
	assert.Equal(t, uint64(300), cfg.Dispatch.FeeBasisPoints)
	require.NoError(t, cfg.Validate())
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, int64(5003), cfg.Chain.ChainID)
}

func TestLoadBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[reader]\ncall_timeout = \"soon\"\n"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"SUREBET_CHAIN_ID":      "1",
		"SUREBET_ACCOUNT":       "0x5FbDB2315678afecb367f032d93F642f64180aa3",
		"SUREBET_KAFKA_BROKERS": "a:9092,b:9092",
		"SUREBET_PAPER":         "true",
	}
	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(func(k string) string { return env[k] }))

	assert.Equal(t, int64(1), cfg.Chain.ChainID)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Relay.KafkaBrokers)
	assert.True(t, cfg.Paper.Enabled)
	require.NoError(t, cfg.Validate())

	env["SUREBET_CHAIN_ID"] = "one"
	assert.Error(t, Default().ApplyEnv(func(k string) string { return env[k] }))
}

func TestValidate(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.Validate(), "live mode needs a contract address")

	cfg.Chain.ContractAddress = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	assert.NoError(t, cfg.Validate())

	cfg.Reader.Concurrency = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Paper.Enabled = true
	cfg.Chain.ContractAddress = "not-an-address"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Paper.Enabled = true
	cfg.Chain.PrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	cfg.Chain.Account = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	assert.Error(t, cfg.Validate())
}
