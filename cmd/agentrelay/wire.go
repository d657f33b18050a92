package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/ethereum/go-ethereum/common"

	"github.com/hupe1980/agentrelay"
	"github.com/hupe1980/agentrelay/briefing"
	"github.com/hupe1980/agentrelay/channel/matrix"
	chmemory "github.com/hupe1980/agentrelay/channel/memory"
	"github.com/hupe1980/agentrelay/config"
	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/ledger"
	"github.com/hupe1980/agentrelay/ledger/evm"
	"github.com/hupe1980/agentrelay/ledger/memory"
	"github.com/hupe1980/agentrelay/ledger/sqlite"
	"github.com/hupe1980/agentrelay/logging"
	"github.com/hupe1980/agentrelay/model"
	"github.com/hupe1980/agentrelay/model/anthropic"
	"github.com/hupe1980/agentrelay/model/openai"
	"github.com/hupe1980/agentrelay/relay"
	"github.com/hupe1980/agentrelay/supervisor"
)

// app is the composition root of one command.
type app struct {
	cfg    *config.Config
	logger logging.Logger

	ledger core.Ledger
	// writable is set for local ledgers the simulator can answer.
	writable ledger.Writable
	channel  core.Channel
	matrix   *matrix.Client
	relay    *agentrelay.AgentRelay

	closers []func() error
}

// wireOptions overrides parts of the wiring.
type wireOptions struct {
	// channel replaces the configured channel.
	channel core.Channel
	// echo receives memory channel output.
	echo io.Writer
}

func wireApp(ctx context.Context, cfg *config.Config, logger logging.Logger, wo wireOptions) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	personaLedgers, err := a.wireLedger(ctx)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("wire ledger: %w", err), a.close())
	}

	if wo.channel != nil {
		a.channel = wo.channel
	} else if err := a.wireChannel(wo.echo); err != nil {
		return nil, errors.Join(fmt.Errorf("wire channel: %w", err), a.close())
	}

	grammar, err := cfg.Grammar()
	if err != nil {
		return nil, errors.Join(err, a.close())
	}

	personas := make([]agentrelay.Persona, 0, len(cfg.Personas))
	for _, p := range cfg.Personas {
		personas = append(personas, agentrelay.Persona{
			Name:     p.Name,
			Role:     p.Role,
			Identity: core.Identity{Name: p.Name, Address: p.Address},
			Ledger:   personaLedgers[p.Name],
		})
	}

	a.relay, err = agentrelay.New(func(o *agentrelay.Options) {
		o.Ledger = a.ledger
		o.Channel = a.channel
		o.Personas = personas
		o.Grammar = &grammar
		o.PollPolicy = cfg.PollPolicy()
		o.MaxIterations = cfg.Session.MaxIterations
		o.Logger = logger
		o.Prompt = []func(o *briefing.Options){func(o *briefing.Options) {
			o.LeadName = cfg.Session.LeadName
			o.TerminalMarker = grammar.TerminalMarkers[0]
			o.MarkerStyle = string(grammar.Styles[0])
		}}
		o.Relay = []func(o *relay.Options){func(o *relay.Options) {
			o.SendTimeout = cfg.Session.SendTimeout
			o.MaxIterations = cfg.Session.PersonaMaxIterations
		}}
		o.Supervisor = []func(o *supervisor.Options){func(o *supervisor.Options) {
			o.InboxSize = cfg.Session.InboxSize
			o.ResumeConcurrency = cfg.Session.ResumeConcurrency
		}}
	})
	if err != nil {
		return nil, errors.Join(err, a.close())
	}

	return a, nil
}

// wireLedger opens the lead ledger and returns per-persona ledgers where
// they differ from it.
func (a *app) wireLedger(ctx context.Context) (map[string]core.Ledger, error) {
	cfg := a.cfg
	personas := make(map[string]core.Ledger)

	switch cfg.Ledger.Backend {
	case config.LedgerMemory:
		l := memory.New()
		a.ledger, a.writable = l, l

	case config.LedgerSQLite:
		l, err := sqlite.Open(ctx, cfg.Ledger.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.ledger, a.writable = l, l
		a.closers = append(a.closers, l.Close)

	case config.LedgerEVM:
		client, err := evm.Dial(ctx, cfg.Ledger.RPCURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { client.Close(); return nil })

		key, err := evm.ParseKey(cfg.Ledger.PrivateKey)
		if err != nil {
			return nil, err
		}
		lead, err := evm.New(ctx, client, common.HexToAddress(cfg.Ledger.Contract), key, func(o *evm.Options) {
			o.Logger = a.logger
			o.FromBlock = cfg.Ledger.FromBlock
			o.GasLimit = cfg.Ledger.GasLimit
		})
		if err != nil {
			return nil, err
		}
		a.ledger = lead
		a.logger.Info("Ledger connected", "backend", "evm", "contract", cfg.Ledger.Contract, "from", lead.From().Hex())

		for _, p := range cfg.Personas {
			if p.LedgerKey == "" {
				continue
			}
			pk, err := evm.ParseKey(p.LedgerKey)
			if err != nil {
				return nil, fmt.Errorf("persona %s: %w", p.Name, err)
			}
			personas[p.Name] = lead.ForKey(pk)
		}

	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Ledger.Backend)
	}

	return personas, nil
}

func (a *app) wireChannel(echo io.Writer) error {
	switch a.cfg.Channel.Backend {
	case config.ChannelMatrix:
		client, err := matrix.New(matrix.Config{
			HomeserverURL: a.cfg.Channel.HomeserverURL,
			Tokens:        a.cfg.Tokens(),
			Logger:        a.logger,
		})
		if err != nil {
			return err
		}
		a.channel, a.matrix = client, client
	case config.ChannelMemory:
		a.channel = chmemory.New(func(o *chmemory.Options) { o.Echo = echo })
	default:
		return fmt.Errorf("unknown channel backend %q", a.cfg.Channel.Backend)
	}
	return nil
}

// ignored lists every identity whose channel messages are not forwarded.
func (a *app) ignored() []core.Identity {
	return append(a.relay.Identities(), core.Identity{Name: config.LeadIdentity, Address: a.cfg.Channel.LeadAddress})
}

// newModel builds the simulator's language model.
func newModel(c *config.Config) (model.Model, error) {
	cfg := c.Simulator
	switch cfg.Provider {
	case config.ProviderOpenAI:
		return openai.NewModel(func(o *openai.Options) {
			if cfg.Model != "" {
				o.Model = cfg.Model
			}
			o.APIKey = cfg.APIKey
		}), nil
	case config.ProviderAnthropic:
		return anthropic.NewModel(func(o *anthropic.Options) {
			if cfg.Model != "" {
				o.Model = anthropicsdk.Model(cfg.Model)
			}
			o.APIKey = cfg.APIKey
		}), nil
	case config.ProviderMock:
		m := model.NewMockModel("scripted", "mock")
		m.RespondWith(newScriptedLead(c).reply)
		return m, nil
	default:
		return nil, fmt.Errorf("unknown simulator provider %q", cfg.Provider)
	}
}

func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
