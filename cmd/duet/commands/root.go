package commands

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dkeye/Duet/internal/config"
)

var logLevel string

// NewRootCmd builds the duet command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "duet",
		Short: "Pair two strangers for a peer-to-peer audio, video and text session",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	root.AddCommand(newRelayCmd(), newAgentCmd())
	return root
}

// setupLogging initializes the zerolog global logger early so config.Load
// can use it.
func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func applyLogLevel(cfg *config.Config) {
	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		log.Warn().Str("level", cfg.LogLevel).Msg("unknown log level, keeping info")
		return
	}
	zerolog.SetGlobalLevel(lvl)
}

func loadConfig(cmd *cobra.Command, opts ...config.Option) (*config.Config, error) {
	opts = append(opts, config.WithFlag("log_level", cmd.Flags().Lookup("log-level")))
	cfg, err := config.Load(opts...)
	if err != nil {
		return nil, err
	}
	applyLogLevel(cfg)
	return cfg, nil
}
