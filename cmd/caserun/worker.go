package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"caserun/internal/domain/execution"
	kafkainfra "caserun/internal/infra/kafka"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Grade run requests consumed from Kafka",
	Long: `Consume run-request messages from the configured Kafka topic and publish
one report per request to the reports topic. A {"type":"done"} message stops
the worker.`,
	Args: cobra.NoArgs,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
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

	consumer, err := kafkainfra.NewConsumer(kafkainfra.Config{
		Brokers: cfg.Kafka.Brokers,
		Topic:   cfg.Kafka.RequestsTopic,
		GroupID: cfg.Kafka.GroupID,
	})
	if err != nil {
		return fmt.Errorf("initialize kafka consumer: %w", err)
	}
	defer func() {
		if cerr := consumer.Close(); cerr != nil {
			logger.Warn().Err(cerr).Msg("failed to close kafka consumer")
		}
	}()

	publisher, err := kafkainfra.NewPublisher(kafkainfra.PublisherConfig{
		Brokers: cfg.Kafka.Brokers,
		Topic:   cfg.Kafka.ReportsTopic,
	})
	if err != nil {
		return fmt.Errorf("initialize kafka publisher: %w", err)
	}
	defer func() {
		if cerr := publisher.Close(); cerr != nil {
			logger.Warn().Err(cerr).Msg("failed to close kafka publisher")
		}
	}()

	logger.Info().
		Strs("brokers", cfg.Kafka.Brokers).
		Str("topic", cfg.Kafka.RequestsTopic).
		Int("max_parallel", cfg.Kafka.MaxParallel).
		Msg("worker started")

	err = app.service.ExecuteFromSource(ctx, consumer, cfg.Kafka.MaxRequests, cfg.Kafka.MaxParallel,
		func(report execution.RunReport) {
			if perr := publisher.PublishRunReport(ctx, report); perr != nil {
				logger.Error().Err(perr).Str("request", report.Request.ID).Msg("failed to publish report")
			}
		})
	if err != nil {
		return fmt.Errorf("consume run requests: %w", err)
	}
	return nil
}
