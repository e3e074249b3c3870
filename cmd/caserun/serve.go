package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"caserun/internal/infra/httpapi"
)

var addrFlag string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the grading HTTP API",
	Long: `Start the HTTP server. Grading endpoints are under /api, with /healthz,
/readyz and /metrics at the root.

Examples:
  caserun serve
  caserun serve --addr :9090`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&addrFlag, "addr", "", "Listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	app, err := newApplication(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := app.Close(); cerr != nil {
			logger.Warn().Err(cerr).Msg("failed to close application")
		}
	}()

	httpCfg := cfg.HTTPServerConfig()
	if addrFlag != "" {
		httpCfg.Addr = addrFlag
	}
	srv := httpapi.New(httpCfg, app.service, app.cases, app.engine, app.engine, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	if err := srv.Shutdown(context.Background()); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}
