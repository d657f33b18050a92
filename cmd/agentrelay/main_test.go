package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentrelay/briefing"
	"github.com/hupe1980/agentrelay/config"
	"github.com/hupe1980/agentrelay/model"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentrelay.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestScriptedLead(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, ""))
	require.NoError(t, err)
	lead := newScriptedLead(cfg)

	reply := func(system string, msgs ...string) string {
		req := model.Request{System: system}
		for _, m := range msgs {
			req.Messages = append(req.Messages, model.Message{Role: "user", Content: m})
		}
		out, err := lead.reply(req)
		require.NoError(t, err)
		return out
	}

	orchestration := "You are running a group chat simulation."
	assert.Equal(t, "OK", reply(orchestration))
	assert.Equal(t, `TechAgent do: reply to "gm"`, reply(orchestration, "gm"))
	assert.Equal(t, `SocialAgent do: reply to "wagmi"`, reply(orchestration, "gm", "wagmi"))
	assert.Equal(t, "FINISH", reply(orchestration, "ok bye"))

	persona := briefing.PersonaPrompt(briefing.PersonaRole{Name: "TechAgent", Role: "a developer"}, "say hi")
	assert.Equal(t, "TechAgent: say hi", reply(persona))
}

func TestScriptedLead_PrefixStyle(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, "[router]\nstyles = [\"prefix\"]\nterminal_markers = [\"DONE\"]\n"))
	require.NoError(t, err)
	lead := newScriptedLead(cfg)

	out, err := lead.reply(model.Request{System: "x", Messages: []model.Message{{Role: "user", Content: "gm"}}})
	require.NoError(t, err)
	assert.Equal(t, `TechAgent: you said "gm"`, out)

	out, err = lead.reply(model.Request{System: "x", Messages: []model.Message{{Role: "user", Content: "bye"}}})
	require.NoError(t, err)
	assert.Equal(t, "DONE", out)
}

func TestSimulate(t *testing.T) {
	path := writeConfig(t, `
[poll]
max_attempts = 1000
delay = "2ms"

[simulator]
poll_interval = "2ms"
`)

	out, err := execute(t, "gm\nbye\n", "simulate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Session 0 started in !local:localhost")
	assert.Contains(t, out, "The lead ended the conversation.")
}

func TestSimulate_RejectsEVMLedger(t *testing.T) {
	path := writeConfig(t, `
[ledger]
backend = "evm"
rpc_url = "http://127.0.0.1:8545"
private_key = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
contract_address = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
`)

	_, err := execute(t, "", "simulate", "--config", path)
	assert.ErrorContains(t, err, "memory or sqlite ledger")
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentrelay.toml")

	out, err := execute(t, "", "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote "+path)

	_, err = execute(t, "", "config", "init", path)
	assert.ErrorIs(t, err, config.ErrExists)

	_, err = execute(t, "", "config", "init", "--force", path)
	assert.NoError(t, err)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.LedgerMemory, cfg.Ledger.Backend)
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, version)
}
