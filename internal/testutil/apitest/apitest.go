// Package apitest runs the full HTTP API over in-memory AWS fakes for
// device-side tests.
package apitest

import (
	"encoding/base64"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/go-idempotent-reportsync/internal/app"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/aws"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/config"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/handlers"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/testutil/awsfake"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/testutil/dynamofake"
)

// Server is a running API.
type Server struct {
	*httptest.Server
	App  *app.App
	DB   *dynamofake.Fake
	S3   *awsfake.S3
	SQS  *awsfake.SQS
	Gate *Gate
}

// Gate lets a test fail requests before they reach the API.
type Gate struct {
	mu     sync.Mutex
	status int
	calls  map[string]int
}

// Fail makes every following request answer status; 0 lets them through.
func (g *Gate) Fail(status int) {
	g.mu.Lock()
	g.status = status
	g.mu.Unlock()
}

// Calls returns how many requests reached path.
func (g *Gate) Calls(path string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[path]
}

func (g *Gate) handle(c *gin.Context) {
	g.mu.Lock()
	g.calls[c.Request.URL.Path]++
	status := g.status
	g.mu.Unlock()
	if status != 0 {
		c.AbortWithStatusJSON(status, gin.H{"error": "gate"})
		return
	}
	c.Next()
}

// New starts the API and stops it when the test ends.
func New(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	env, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	env.QueueURL = "https://sqs.local/reconcile"

	s := &Server{
		DB: dynamofake.New().
			CreateTable(env.IdempotencyTable, "idempotency_key").
			CreateTable(env.DraftsTable, "client_uuid").
			CreateTable(env.ReportsTable, "report_id").
			CreateTable(env.AttachmentsTable, "attachment_id").
			AddIndex(env.AttachmentsTable, env.OwnerIndex, "owner_client_uuid"),
		S3:   &awsfake.S3{},
		SQS:  &awsfake.SQS{},
		Gate: &Gate{calls: map[string]int{}},
	}
	s.App = app.New(env, &aws.AWSClients{DynamoDB: s.DB, SQS: s.SQS, CloudWatch: &awsfake.CloudWatch{}, S3: s.S3}, nil)

	r := gin.New()
	r.Use(s.Gate.handle)
	handlers.RegisterRoutes(r, handlers.HandlerConfig{
		Submissions:    s.App.Submissions,
		Pipeline:       s.App.Pipeline,
		RequestTimeout: env.RequestTimeout,
		MaxUploadBytes: env.MaxUploadBytes,
		RetryAfter:     env.BackoffBase,
	})
	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Server.Close)
	return s
}

// Token returns an unsigned bearer token for sub. The API reads the subject
// without verifying the signature; verification happens at the gateway.
func Token(sub string) string {
	enc := base64.RawURLEncoding
	claims, _ := json.Marshal(map[string]string{"sub": sub})
	return enc.EncodeToString([]byte(`{"alg":"none"}`)) + "." + enc.EncodeToString(claims) + ".sig"
}
