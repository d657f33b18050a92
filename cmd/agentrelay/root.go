package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hupe1980/agentrelay/config"
	"github.com/hupe1980/agentrelay/logging"
)

// cli carries global flag values and the process logger.
type cli struct {
	configPath string
	verbose    bool

	zap    *zap.Logger
	logger *logging.ZapAdapter
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	rootCmd := &cobra.Command{
		Use:   "agentrelay",
		Short: "Relay a ledger-hosted lead agent into a group chat",
		Long: `agentrelay runs group chat sessions in which a lead agent, hosted on a
conversation ledger, decides which persona speaks next. Messages from the
group are appended to the lead's run; the lead's replies are routed to the
addressed persona, who speaks in the group under its own identity.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := logging.NewZapProduction(c.verbose)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			c.zap = logger
			c.logger = logging.NewZapAdapter(logger)
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if c.zap != nil {
				_ = c.zap.Sync()
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "Config file (default ./"+config.DefaultPath+")")
	rootCmd.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "Enable verbose logging")

	rootCmd.AddCommand(
		newServeCmd(c),
		newSimulateCmd(c),
		newConfigCmd(),
		newVersionCmd(),
	)

	return rootCmd
}

// loadConfig reads the configuration; the verbose flag and the config
// file's log.verbose both enable debug logging.
func (c *cli) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, err
	}
	if cfg.Log.Verbose && !c.verbose {
		logger, err := logging.NewZapProduction(true)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize logger: %w", err)
		}
		_ = c.zap.Sync()
		c.zap = logger
		c.logger = logging.NewZapAdapter(logger)
	}
	return cfg, nil
}
