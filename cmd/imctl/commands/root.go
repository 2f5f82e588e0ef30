package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"imcontext/internal/config"
	"imcontext/internal/logging"
)

// Set at build time with -ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

var (
	configPath string
	logLevel   string
	cfg        *config.Config
)

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "imctl",
		Short:         "Input method context client",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if logLevel != "" {
				loaded.Logging.Level = logLevel
				if err := loaded.Validate(); err != nil {
					return err
				}
			}
			cfg = loaded
			return setupLogging(cfg.Logging)
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default "+config.ConfigPath()+")")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(runCmd(), configCmd(), versionCmd())
	return root
}

func setupLogging(lc config.LoggingConfig) error {
	lcfg, err := lc.LoggerConfig()
	if err != nil {
		return err
	}
	lcfg.Service = "imctl"
	logger, err := logging.New(lcfg)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	logging.SetDefault(logger)
	return nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "imctl %s (built %s)\n", Version, BuildTime)
			return nil
		},
	}
}
