package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"caserun/internal/config"
	"caserun/internal/logging"
)

var (
	configFlag  string
	envFileFlag string

	cfg    *config.Config
	logger zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "caserun",
	Short: "caserun - grade submissions against coding cases in sandboxes",
	Long: `caserun runs untrusted submissions against the hidden test vectors of a
coding case. Every vector runs in a fresh, network-less container that is
destroyed afterwards.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configFlag, envFileFlag)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		l, err := logging.New(loaded.Logging())
		if err != nil {
			return err
		}
		cfg, logger = loaded, l
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Path to a YAML config file (default ./caserun.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFileFlag, "env-file", ".env", "Environment file loaded before the config")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
