package main

import (
	"context"
	"log"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-idempotent-reportsync/internal/app"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/aws"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/config"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/handlers"
)

func setupRouter(a *app.App) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(a.Log))

	handlers.RegisterRoutes(r, handlers.HandlerConfig{
		Submissions:    a.Submissions,
		Pipeline:       a.Pipeline,
		Logger:         a.Log,
		RequestTimeout: a.Env.RequestTimeout,
		MaxUploadBytes: a.Env.MaxUploadBytes,
		RetryAfter:     a.Env.BackoffBase,
		DevBypassAuth:  a.Env.DevBypassAuth,
		AdminSubjects:  a.Env.AdminSubjects,
	})
	return r
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("route", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", c.GetHeader("X-Request-Id")))
	}
}

func main() {
	dotenvErr := config.LoadDotEnv()
	env, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	logger := app.Logger(env, "api")
	defer func() { _ = logger.Sync() }()
	if dotenvErr != nil {
		logger.Debug(".env not loaded", zap.Error(dotenvErr))
	}

	clients, err := aws.NewAWSClients(context.Background())
	if err != nil {
		logger.Fatal("failed to init aws clients", zap.Error(err))
	}
	r := setupRouter(app.New(env, clients, logger))

	// if environment variable RUN_LOCAL is set to "true", run local HTTP server for development.
	if env.RunLocal {
		logger.Info("running local server", zap.String("addr", env.Addr))
		if err := r.Run(env.Addr); err != nil {
			logger.Fatal("failed to run local server", zap.Error(err))
		}
		return
	}

	adapter := ginadapter.New(r)
	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		return adapter.ProxyWithContext(ctx, req)
	})
}
