// Package app wires the stores and services shared by the api, worker and
// sweeper binaries.
package app

import (
	"go.uber.org/zap"

	"github.com/imrishuroy/go-idempotent-reportsync/internal/aws"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/config"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/idempotency"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/logging"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/media"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/reconcile"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/reports"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/submission"
)

// App holds every server-side component built from one configuration.
type App struct {
	Env         config.Env
	Log         *zap.Logger
	Keys        *idempotency.Store
	Processor   *idempotency.Processor
	Reports     *reports.Store
	Attachments *media.Store
	Pipeline    *media.Pipeline
	Linker      *reconcile.Linker
	Publisher   *aws.Publisher
	Metrics     *aws.Metrics
	Submissions *submission.Service
}

// New builds the components on top of clients.
func New(env config.Env, clients *aws.AWSClients, log *zap.Logger) *App {
	if log == nil {
		log = zap.NewNop()
	}
	a := &App{Env: env, Log: log}
	limits := media.Limits{MaxPhotos: env.MaxPhotos, MaxVideos: env.MaxVideos}

	a.Keys = idempotency.NewStore(clients.DynamoDB, env.IdempotencyTable, env.IdempotencyTTL)
	a.Processor = idempotency.NewProcessor(a.Keys, log.Named("idempotency"))
	a.Reports = reports.NewStore(clients.DynamoDB, env.DraftsTable, env.ReportsTable)
	a.Attachments = media.NewStore(clients.DynamoDB, env.AttachmentsTable, env.OwnerIndex)
	a.Pipeline = media.NewPipeline(a.Attachments, media.NewObjectStore(clients.S3, env.Bucket), a.Reports, media.PipelineConfig{
		Limits:      limits,
		MaxAttempts: env.MaxUploadAttempts,
		MaxBytes:    env.MaxUploadBytes,
		StaleAfter:  env.StaleAfter,
	}, log.Named("media"))
	a.Linker = reconcile.NewLinker(a.Attachments, a.Reports, log.Named("reconcile"))
	a.Publisher = aws.NewPublisher(clients.SQS, env.QueueURL)
	a.Metrics = aws.NewMetrics(clients.CloudWatch, env.MetricsNamespace, map[string]string{"Stage": env.Stage})
	a.Submissions = submission.NewService(submission.Deps{
		Processor:   a.Processor,
		Reports:     a.Reports,
		Attachments: a.Attachments,
		Linker:      a.Linker,
		Publisher:   a.Publisher,
		Limits:      limits,
		StaleAfter:  env.StaleAfter,
		Logger:      log.Named("submission"),
	})
	return a
}

// Logger returns the logger for a binary: console output when running
// locally, JSON otherwise.
func Logger(env config.Env, component string) *zap.Logger {
	return logging.New(logging.Config{
		Level:       env.LogLevel,
		Development: env.RunLocal,
		Component:   component,
	})
}
