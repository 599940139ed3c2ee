package credence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/soundprediction/credence"
	"github.com/soundprediction/credence/pkg/config"
	"github.com/soundprediction/credence/pkg/types"
)

var (
	cfgFile  string
	logLevel string

	cfg       *config.Config
	log       *slog.Logger
	closeLogs func() error

	rootCmd = &cobra.Command{
		Use:   "credence",
		Short: "Credence: confidence-tracked knowledge graphs",
		Long: `Credence builds knowledge graphs in which every entity, relationship and
claim carries a calibrated confidence and a provenance chain.

Configuration is read from the --config file and from CREDENCE_* environment
variables, e.g. CREDENCE_GRAPH_URI or CREDENCE_NLP_API_KEY.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if closeLogs != nil {
				return closeLogs()
			}
			return nil
		},
	}
)

// Execute adds all child commands to the root command and runs it.
// SIGINT and SIGTERM cancel the command between documents.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
}

func initConfig(cmd *cobra.Command) error {
	var err error
	if cfg, err = config.Load(cfgFile); err != nil {
		return err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if log, closeLogs, err = credence.NewLogger(cfg); err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	slog.SetDefault(log)
	return nil
}

// openClient builds a client from the loaded configuration.
func openClient(ctx context.Context) (*credence.Client, error) {
	client, err := credence.NewClientFromConfig(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize credence: %w", err)
	}
	return client, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	return context.WithValue(cmd.Context(), types.ContextKeyRequestSource, "cli")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
