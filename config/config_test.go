package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentrelay/router"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentrelay.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, LedgerMemory, cfg.Ledger.Backend)
	assert.Equal(t, ChannelMemory, cfg.Channel.Backend)
	assert.Equal(t, 30, cfg.Poll.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Poll.Delay)
	assert.Equal(t, 20, cfg.Session.MaxIterations)
	assert.Equal(t, 30*time.Second, cfg.Session.SendTimeout)
	assert.Equal(t, ":3000", cfg.Server.Addr)
	assert.Equal(t, []string{"TechAgent", "SocialAgent"}, cfg.PersonaNames())

	g, err := cfg.Grammar()
	require.NoError(t, err)
	assert.Equal(t, []router.Style{router.StyleDirective}, g.Styles)
	assert.Equal(t, []string{"FINISH"}, g.TerminalMarkers)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
[ledger]
backend = "sqlite"
sqlite_path = "relay.db"

[poll]
max_attempts = 5
delay = "250ms"

[router]
styles = ["prefix", "directive"]

[[personas]]
name = "Paul"
role = "the developer"

[[personas]]
name = "Emile"
role = "the friend"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, LedgerSQLite, cfg.Ledger.Backend)
	assert.Equal(t, "relay.db", cfg.Ledger.SQLitePath)
	assert.Equal(t, 5, cfg.PollPolicy().MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.PollPolicy().Delay)
	assert.Equal(t, []string{"Paul", "Emile"}, cfg.PersonaNames())
	assert.Equal(t, "the friend", cfg.Personas[1].Role)

	g, err := cfg.Grammar()
	require.NoError(t, err)
	assert.Equal(t, []router.Style{router.StylePrefix, router.StyleDirective}, g.Styles)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("RPC_URL", "http://localhost:8545")
	t.Setenv("PRIVATE_KEY", "0xabc")
	t.Setenv("AGENT_CONTRACT_ADDRESS", "0x1111111111111111111111111111111111111111")
	t.Setenv("MSG_LOG", "true")
	t.Setenv("LEAD_MATRIX_TOKEN", "lead-token")
	t.Setenv("TECHAGENT_MATRIX_TOKEN", "tech-token")
	t.Setenv("TECHAGENT_AGENT_KEY", "0xdef")
	t.Setenv("SOCIALAGENT_MATRIX_TOKEN", "social-token")

	path := writeConfig(t, `
[ledger]
backend = "evm"

[channel]
backend = "matrix"
homeserver_url = "https://matrix.example.org"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8545", cfg.Ledger.RPCURL)
	assert.Equal(t, "0xabc", cfg.Ledger.PrivateKey)
	assert.True(t, cfg.Log.Messages)
	assert.Equal(t, "0xdef", cfg.Personas[0].LedgerKey)
	assert.Empty(t, cfg.Personas[1].LedgerKey)
	assert.Equal(t, map[string]string{
		LeadIdentity:  "lead-token",
		"TechAgent":   "tech-token",
		"SocialAgent": "social-token",
	}, cfg.Tokens())
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"evm needs rpc", func(c *Config) { c.Ledger.Backend = LedgerEVM }, "RPC_URL"},
		{"evm needs contract", func(c *Config) { c.Ledger.Backend = LedgerEVM }, "AGENT_CONTRACT_ADDRESS"},
		{"unknown ledger", func(c *Config) { c.Ledger.Backend = "redis" }, `unknown ledger backend "redis"`},
		{"matrix needs persona token", func(c *Config) { c.Channel.Backend = ChannelMatrix }, "TECHAGENT_MATRIX_TOKEN"},
		{"no personas", func(c *Config) { c.Personas = nil }, "at least one persona"},
		{"duplicate persona", func(c *Config) { c.Personas[1].Name = "TechAgent" }, `duplicate persona "TechAgent"`},
		{"bad style", func(c *Config) { c.Router.Styles = []string{"shout"} }, `unknown marker style "shout"`},
		{"bad poll", func(c *Config) { c.Poll.MaxAttempts = 0 }, "max attempts"},
		{"bad provider", func(c *Config) { c.Simulator.Provider = "llama" }, `unknown simulator provider "llama"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := *base
			c.Personas = append([]PersonaConfig(nil), base.Personas...)
			tt.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestEnvPrefix(t *testing.T) {
	assert.Equal(t, "TECHAGENT_", EnvPrefix("TechAgent"))
	assert.Equal(t, "PAUL_", EnvPrefix("Paul"))
	assert.Equal(t, "MR_X_", EnvPrefix("Mr X"))
}

func TestWriteTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "agentrelay.toml")
	require.NoError(t, WriteTemplate(path, false))

	err := WriteTemplate(path, false)
	assert.ErrorIs(t, err, ErrExists)
	require.NoError(t, WriteTemplate(path, true))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"TechAgent", "SocialAgent"}, cfg.PersonaNames())
	assert.Equal(t, 2*time.Second, cfg.Poll.Delay)
}
