// Command order-events is the AWS Lambda that consumes order lifecycle
// events from SQS and applies them to the loyalty ledger.
//
// The event source mapping must enable ReportBatchItemFailures so that
// only messages that failed for a transient reason are redelivered.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/warp/loyalty-ledger/cache"
	"github.com/warp/loyalty-ledger/config"
	"github.com/warp/loyalty-ledger/events"
	"github.com/warp/loyalty-ledger/loyalty"
	"github.com/warp/loyalty-ledger/store"
)

func main() {
	cfg, err := config.Load(os.Getenv("LOYALTY_CONFIG_FILE"))
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	logger := cfg.NewLogger(os.Stdout).With("service", "order-events")
	slog.SetDefault(logger)

	if cfg.Store.Driver == config.DriverMemory {
		logger.Warn("memory store selected; state is lost between cold starts")
	}

	// Initialize dependencies once per container.
	st, err := store.Open(context.Background(), cfg.Store)
	if err != nil {
		logger.Error("open store", "driver", cfg.Store.Driver, "error", err)
		os.Exit(1)
	}

	program, err := cfg.LoyaltyProgram()
	if err != nil {
		logger.Error("program settings", "error", err)
		os.Exit(1)
	}

	opts := []loyalty.Option{loyalty.WithProgram(program), loyalty.WithLogger(logger)}

	// Mutations here must drop the views the API server cached.
	if cfg.Redis.Enabled() {
		opts = append(opts, loyalty.WithCache(cache.Connect(cfg.Redis)))
	}

	engine := loyalty.NewEngine(st, opts...)
	consumer := events.NewSQSConsumer(events.NewDispatcher(engine, logger), logger)

	lambda.Start(consumer.Handle)
}
