package main

import (
	"context"
	"log"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-idempotent-reportsync/internal/app"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/aws"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/config"
)

func main() {
	dotenvErr := config.LoadDotEnv()
	env, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	logger := app.Logger(env, "worker")
	defer func() { _ = logger.Sync() }()
	if dotenvErr != nil {
		logger.Debug(".env not loaded", zap.Error(dotenvErr))
	}

	clients, err := aws.NewAWSClients(context.Background())
	if err != nil {
		logger.Fatal("failed to init aws clients", zap.Error(err))
	}
	a := app.New(env, clients, logger)
	p := NewProcessor(a.Linker, a.Metrics, logger)

	// If RUN_LOCAL=true, process a single simulated SQS event for local testing.
	if env.RunLocal {
		body := os.Getenv("LOCAL_SQS_BODY")
		if body == "" {
			body = `{"client_uuid":"local-draft-1"}`
		}
		resp, err := p.Handle(context.Background(), events.SQSEvent{
			Records: []events.SQSMessage{{MessageId: "local-1", Body: body}},
		})
		if err != nil || len(resp.BatchItemFailures) > 0 {
			logger.Fatal("local handler failed", zap.Error(err), zap.Int("failures", len(resp.BatchItemFailures)))
		}
		return
	}

	lambda.Start(p.Handle)
}
