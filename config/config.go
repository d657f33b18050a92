// Package config loads the relay's process configuration.
//
// Settings come from a TOML file read through viper, with defaults for
// everything but secrets. Secrets and deployment toggles are then
// overridden from the environment, keeping the variable names operators
// already use (RPC_URL, PRIVATE_KEY, AGENT_CONTRACT_ADDRESS, MSG_LOG and
// one <NAME>_AGENT_KEY / <NAME>_MATRIX_TOKEN pair per persona).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"

	"github.com/hupe1980/agentrelay/poller"
	"github.com/hupe1980/agentrelay/router"
)

// Ledger backends.
const (
	LedgerMemory = "memory"
	LedgerSQLite = "sqlite"
	LedgerEVM    = "evm"
)

// Channel backends.
const (
	ChannelMatrix = "matrix"
	ChannelMemory = "memory"
)

// Simulator providers.
const (
	ProviderMock      = "mock"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Config is the complete process configuration.
type Config struct {
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Channel   ChannelConfig   `mapstructure:"channel"`
	Router    RouterConfig    `mapstructure:"router"`
	Poll      PollConfig      `mapstructure:"poll"`
	Session   SessionConfig   `mapstructure:"session"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Simulator SimulatorConfig `mapstructure:"simulator"`
	Personas  []PersonaConfig `mapstructure:"personas"`
}

// LedgerConfig selects and configures the conversation ledger.
type LedgerConfig struct {
	Backend    string `mapstructure:"backend"`
	SQLitePath string `mapstructure:"sqlite_path"`
	RPCURL     string `mapstructure:"rpc_url" env:"RPC_URL"`
	PrivateKey string `mapstructure:"private_key" env:"PRIVATE_KEY"`
	Contract   string `mapstructure:"contract_address" env:"AGENT_CONTRACT_ADDRESS"`
	FromBlock  uint64 `mapstructure:"from_block"`
	GasLimit   uint64 `mapstructure:"gas_limit"`
}

// ChannelConfig selects and configures the group messaging channel.
type ChannelConfig struct {
	Backend       string        `mapstructure:"backend"`
	HomeserverURL string        `mapstructure:"homeserver_url" env:"MATRIX_HOMESERVER_URL"`
	LeadAddress   string        `mapstructure:"lead_address"`
	LeadToken     string        `mapstructure:"lead_token" env:"LEAD_MATRIX_TOKEN"`
	SyncTimeout   time.Duration `mapstructure:"sync_timeout"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
}

// RouterConfig is the routing grammar.
type RouterConfig struct {
	Styles          []string `mapstructure:"styles"`
	TerminalMarkers []string `mapstructure:"terminal_markers"`
}

// PollConfig bounds every ledger poll.
type PollConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Delay       time.Duration `mapstructure:"delay"`
	Multiplier  float64       `mapstructure:"multiplier"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// SessionConfig tunes the supervisor and relay.
type SessionConfig struct {
	MaxIterations        int           `mapstructure:"max_iterations"`
	PersonaMaxIterations int           `mapstructure:"persona_max_iterations"`
	InboxSize            int           `mapstructure:"inbox_size"`
	ResumeConcurrency    int           `mapstructure:"resume_concurrency"`
	SendTimeout          time.Duration `mapstructure:"send_timeout"`
	LeadName             string        `mapstructure:"lead_name"`
}

// ServerConfig configures the HTTP boundary.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" env:"LISTEN_ADDR"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LogConfig configures logging.
type LogConfig struct {
	Verbose  bool `mapstructure:"verbose" env:"VERBOSE"`
	Messages bool `mapstructure:"messages" env:"MSG_LOG"`
}

// TelemetryConfig enables trace export when Endpoint is set.
type TelemetryConfig struct {
	Endpoint    string `mapstructure:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName string `mapstructure:"service_name" env:"OTEL_SERVICE_NAME"`
}

// SimulatorConfig configures the local contract simulator.
type SimulatorConfig struct {
	Provider     string        `mapstructure:"provider"`
	Model        string        `mapstructure:"model"`
	APIKey       string        `mapstructure:"api_key" env:"SIMULATOR_API_KEY"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// PersonaConfig describes one simulated group member.
type PersonaConfig struct {
	Name string `mapstructure:"name"`
	Role string `mapstructure:"role"`
	// Address is the persona's channel user id.
	Address string `mapstructure:"address"`
	// Token authenticates the persona on the channel.
	Token string `mapstructure:"token"`
	// LedgerKey signs the persona's sub-channel transactions. Empty
	// falls back to the lead key.
	LedgerKey string `mapstructure:"ledger_key"`
}

// personaEnv holds the per-persona overrides read under the <NAME>_ prefix.
type personaEnv struct {
	AgentKey    string `env:"AGENT_KEY"`
	MatrixToken string `env:"MATRIX_TOKEN"`
}

// DefaultPath is the file Load reads when given no path.
const DefaultPath = "agentrelay.toml"

func setDefaults(v *viper.Viper) {
	v.SetDefault("ledger.backend", LedgerMemory)
	v.SetDefault("ledger.sqlite_path", "agentrelay.db")
	v.SetDefault("ledger.rpc_url", "")
	v.SetDefault("ledger.contract_address", "")
	v.SetDefault("ledger.from_block", 0)
	v.SetDefault("ledger.gas_limit", 0)

	v.SetDefault("channel.backend", ChannelMemory)
	v.SetDefault("channel.homeserver_url", "")
	v.SetDefault("channel.lead_address", "@lead:localhost")
	v.SetDefault("channel.sync_timeout", "30s")
	v.SetDefault("channel.retry_delay", "5s")

	v.SetDefault("router.styles", []string{string(router.StyleDirective)})
	v.SetDefault("router.terminal_markers", []string{router.DefaultTerminalMarker})

	v.SetDefault("poll.max_attempts", poller.DefaultMaxAttempts)
	v.SetDefault("poll.delay", poller.DefaultDelay.String())
	v.SetDefault("poll.multiplier", 1.0)
	v.SetDefault("poll.max_delay", "0s")

	v.SetDefault("session.max_iterations", 20)
	v.SetDefault("session.persona_max_iterations", 20)
	v.SetDefault("session.inbox_size", 8)
	v.SetDefault("session.resume_concurrency", 4)
	v.SetDefault("session.send_timeout", "30s")
	v.SetDefault("session.lead_name", "Mario")

	v.SetDefault("server.addr", ":3000")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("log.verbose", false)
	v.SetDefault("log.messages", false)

	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.service_name", "agentrelay")

	v.SetDefault("simulator.provider", ProviderMock)
	v.SetDefault("simulator.model", "")
	v.SetDefault("simulator.poll_interval", "500ms")

	v.SetDefault("personas", []map[string]any{
		{"name": "TechAgent", "role": "a developer who explains the technical side", "address": "@tech:localhost"},
		{"name": "SocialAgent", "role": "an enthusiastic friend who keeps the mood up", "address": "@social:localhost"},
	})
}

// Load reads path (or DefaultPath when empty), applies defaults and
// environment overrides, and validates the result. A missing DefaultPath
// is not an error; a missing explicit path is.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("toml")

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !(errors.As(err, &notFound) || isNotExist(err)) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := ApplyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func isNotExist(err error) bool { return errors.Is(err, fs.ErrNotExist) }

// ApplyEnv overrides cfg from the environment.
func ApplyEnv(cfg *Config) error {
	targets := []any{&cfg.Ledger, &cfg.Channel, &cfg.Server, &cfg.Log, &cfg.Telemetry, &cfg.Simulator}
	for _, t := range targets {
		if err := env.Parse(t); err != nil {
			return fmt.Errorf("parse env: %w", err)
		}
	}

	for i := range cfg.Personas {
		p := &cfg.Personas[i]
		pe := personaEnv{AgentKey: p.LedgerKey, MatrixToken: p.Token}
		if err := env.ParseWithOptions(&pe, env.Options{Prefix: EnvPrefix(p.Name)}); err != nil {
			return fmt.Errorf("parse env for persona %s: %w", p.Name, err)
		}
		p.LedgerKey, p.Token = pe.AgentKey, pe.MatrixToken
	}
	return nil
}

// EnvPrefix returns the environment prefix of a persona, e.g.
// "TECHAGENT_" for TechAgent.
func EnvPrefix(persona string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(strings.TrimSpace(persona)) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	b.WriteRune('_')
	return b.String()
}

// Validate reports every problem with cfg at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	switch c.Ledger.Backend {
	case LedgerMemory:
	case LedgerSQLite:
		if c.Ledger.SQLitePath == "" {
			add("ledger.sqlite_path is required for the sqlite backend")
		}
	case LedgerEVM:
		if c.Ledger.RPCURL == "" {
			add("ledger.rpc_url (RPC_URL) is required for the evm backend")
		}
		if c.Ledger.PrivateKey == "" {
			add("ledger.private_key (PRIVATE_KEY) is required for the evm backend")
		}
		if !common.IsHexAddress(c.Ledger.Contract) {
			add("ledger.contract_address (AGENT_CONTRACT_ADDRESS) must be a hex address, got %q", c.Ledger.Contract)
		}
	default:
		add("unknown ledger backend %q", c.Ledger.Backend)
	}

	switch c.Channel.Backend {
	case ChannelMemory:
	case ChannelMatrix:
		if c.Channel.HomeserverURL == "" {
			add("channel.homeserver_url is required for the matrix backend")
		}
		if c.Channel.LeadToken == "" {
			add("channel.lead_token (LEAD_MATRIX_TOKEN) is required for the matrix backend")
		}
		for _, p := range c.Personas {
			if p.Token == "" {
				add("persona %s has no channel token (%sMATRIX_TOKEN)", p.Name, EnvPrefix(p.Name))
			}
		}
	default:
		add("unknown channel backend %q", c.Channel.Backend)
	}

	if len(c.Personas) == 0 {
		add("at least one persona is required")
	}
	seen := make(map[string]bool, len(c.Personas))
	for i, p := range c.Personas {
		switch {
		case strings.TrimSpace(p.Name) == "":
			add("personas[%d].name is required", i)
		case seen[p.Name]:
			add("duplicate persona %q", p.Name)
		}
		seen[p.Name] = true
	}

	if len(c.Router.Styles) == 0 {
		add("router.styles must name at least one marker style")
	}
	for _, s := range c.Router.Styles {
		if _, err := router.ParseStyle(s); err != nil {
			errs = append(errs, err)
		}
	}
	if len(c.Router.TerminalMarkers) == 0 {
		add("router.terminal_markers must not be empty")
	}

	if err := c.PollPolicy().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Session.MaxIterations < 1 {
		add("session.max_iterations must be >= 1")
	}

	switch c.Simulator.Provider {
	case ProviderMock, ProviderOpenAI, ProviderAnthropic:
	default:
		add("unknown simulator provider %q", c.Simulator.Provider)
	}

	return errors.Join(errs...)
}

// PollPolicy converts the poll section.
func (c *Config) PollPolicy() poller.Policy {
	return poller.Policy{
		MaxAttempts: c.Poll.MaxAttempts,
		Delay:       c.Poll.Delay,
		Multiplier:  c.Poll.Multiplier,
		MaxDelay:    c.Poll.MaxDelay,
	}
}

// Grammar builds the routing grammar for the configured personas.
func (c *Config) Grammar() (router.Grammar, error) {
	g := router.Grammar{
		Personas:        c.PersonaNames(),
		TerminalMarkers: append([]string(nil), c.Router.TerminalMarkers...),
	}
	for _, s := range c.Router.Styles {
		style, err := router.ParseStyle(s)
		if err != nil {
			return router.Grammar{}, err
		}
		g.Styles = append(g.Styles, style)
	}
	return g, nil
}

// PersonaNames lists persona names in configuration order.
func (c *Config) PersonaNames() []string {
	names := make([]string, 0, len(c.Personas))
	for _, p := range c.Personas {
		names = append(names, p.Name)
	}
	return names
}

// Tokens maps channel identity names to access tokens, the lead under "lead".
func (c *Config) Tokens() map[string]string {
	tokens := map[string]string{LeadIdentity: c.Channel.LeadToken}
	for _, p := range c.Personas {
		tokens[p.Name] = p.Token
	}
	return tokens
}

// LeadIdentity names the watcher identity in Tokens.
const LeadIdentity = "lead"
