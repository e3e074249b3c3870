package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"caserun/internal/app/producer"
)

var (
	batchParallelFlag int
	batchVerboseFlag  bool
)

var batchCmd = &cobra.Command{
	Use:   "batch <requests.yaml>",
	Short: "Grade every request listed in a YAML batch file",
	Long: `Grade the requests of a batch file and print one summary per request.

Batch file format:
  requests:
    - id: alice
      case_id: 1
      language: python
      source_file: solutions/alice.py

Exits non-zero when any submission does not pass.`,
	Args: cobra.ExactArgs(1),
	RunE: runBatch,
}

func init() {
	batchCmd.Flags().IntVar(&batchParallelFlag, "max-parallel", 0, "Requests graded at once (default kafka.max_parallel)")
	batchCmd.Flags().BoolVarP(&batchVerboseFlag, "verbose", "v", false, "Print every vector and wrong-answer diffs")
	rootCmd.AddCommand(batchCmd)
}

func runBatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	source, err := producer.Load(args[0])
	if err != nil {
		return err
	}

	app, err := newApplication(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := app.Close(); cerr != nil {
			logger.Warn().Err(cerr).Msg("failed to close application")
		}
	}()

	parallel := batchParallelFlag
	if parallel <= 0 {
		parallel = cfg.Kafka.MaxParallel
	}

	out := newReportWriter(cmd.OutOrStdout(), batchVerboseFlag)
	if err := app.service.ExecuteFromSource(ctx, source, source.Len(), parallel, out.write); err != nil {
		return fmt.Errorf("grade batch: %w", err)
	}
	return out.summary()
}
