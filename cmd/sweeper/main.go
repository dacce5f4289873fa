package main

import (
	"context"
	"log"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-idempotent-reportsync/internal/app"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/aws"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/config"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/idempotency"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/reconcile"
)

func main() {
	dotenvErr := config.LoadDotEnv()
	env, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	logger := app.Logger(env, "sweeper")
	defer func() { _ = logger.Sync() }()
	if dotenvErr != nil {
		logger.Debug(".env not loaded", zap.Error(dotenvErr))
	}

	clients, err := aws.NewAWSClients(context.Background())
	if err != nil {
		logger.Fatal("failed to init aws clients", zap.Error(err))
	}
	a := app.New(env, clients, logger)
	pageSize := int32(env.SweepPageSize)
	job := NewJob(
		idempotency.NewSweeper(a.Keys, pageSize, logger.Named("idempotency")),
		reconcile.NewSweeper(a.Linker, pageSize, logger.Named("reconcile")),
		a.Metrics,
		logger,
	)

	// If RUN_LOCAL=true, run a single pass and exit.
	if env.RunLocal {
		if err := job.Handle(context.Background(), events.CloudWatchEvent{ID: "local"}); err != nil {
			logger.Fatal("local sweep failed", zap.Error(err))
		}
		return
	}

	lambda.Start(job.Handle)
}
