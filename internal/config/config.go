// Package config loads the service configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/imrishuroy/go-idempotent-reportsync/internal/lifecycle"
)

// Env holds the configuration values for the api, worker and sweeper.
type Env struct {
	Region string

	IdempotencyTable string
	DraftsTable      string
	ReportsTable     string
	AttachmentsTable string
	OwnerIndex       string
	Bucket           string
	QueueURL         string

	IdempotencyTTL        time.Duration
	MaxSubmissionAttempts int
	MaxUploadAttempts     int
	BackoffBase           time.Duration
	BackoffCeiling        time.Duration
	RequestTimeout        time.Duration
	StaleAfter            time.Duration
	SweepPageSize         int

	MaxPhotos      int
	MaxVideos      int
	MaxUploadBytes int64

	MetricsNamespace string
	Stage            string
	LogLevel         string

	RunLocal      bool
	Addr          string
	DevBypassAuth bool
	// AdminSubjects may call the operator endpoints.
	AdminSubjects []string
}

// LoadDotEnv reads a .env file into the process environment when present.
// Variables already set win. A missing file is not an error; anything else
// (unreadable or malformed) is returned so the caller can log it once a
// logger exists.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var errs []error
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("load %s: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

// Load reads the environment and validates the result.
func Load() (Env, error) {
	var errs []error
	dur := func(k, def string) time.Duration {
		d, err := time.ParseDuration(get(k, def))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", k, err))
		}
		return d
	}
	num := func(k, def string) int {
		n, err := strconv.Atoi(get(k, def))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", k, err))
		}
		return n
	}

	e := Env{
		Region:           get("AWS_REGION", "us-east-1"),
		IdempotencyTable: get("IDEMPOTENCY_TABLE", "idempotency"),
		DraftsTable:      get("DRAFTS_TABLE", "drafts"),
		ReportsTable:     get("REPORTS_TABLE", "reports"),
		AttachmentsTable: get("ATTACHMENTS_TABLE", "attachments"),
		OwnerIndex:       get("ATTACHMENTS_OWNER_INDEX", "owner_client_uuid-index"),
		Bucket:           get("ATTACHMENTS_BUCKET", ""),
		QueueURL:         get("RECONCILE_QUEUE_URL", ""),

		IdempotencyTTL:        dur("IDEMPOTENCY_TTL", "48h"),
		MaxSubmissionAttempts: num("MAX_SUBMISSION_ATTEMPTS", "10"),
		MaxUploadAttempts:     num("MAX_UPLOAD_ATTEMPTS", "5"),
		BackoffBase:           dur("BACKOFF_BASE", "1s"),
		BackoffCeiling:        dur("BACKOFF_CEILING", "10s"),
		RequestTimeout:        dur("REQUEST_TIMEOUT", "10s"),
		StaleAfter:            dur("STALE_PENDING_AFTER", "15m"),
		SweepPageSize:         num("SWEEP_PAGE_SIZE", "100"),

		MaxPhotos: num("MAX_PHOTOS_PER_DRAFT", "3"),
		MaxVideos: num("MAX_VIDEOS_PER_DRAFT", "1"),

		MetricsNamespace: get("METRICS_NAMESPACE", "ReportSync"),
		Stage:            get("STAGE", "dev"),
		LogLevel:         get("LOG_LEVEL", "info"),

		RunLocal:      get("RUN_LOCAL", "") == "true",
		Addr:          get("ADDR", ":8080"),
		DevBypassAuth: get("DEV_BYPASS_AUTH", "") == "true",
	}
	e.MaxUploadBytes = int64(num("MAX_UPLOAD_BYTES", "26214400"))
	for _, sub := range strings.Split(get("ADMIN_SUBJECTS", ""), ",") {
		if sub = strings.TrimSpace(sub); sub != "" {
			e.AdminSubjects = append(e.AdminSubjects, sub)
		}
	}

	if len(errs) > 0 {
		return Env{}, fmt.Errorf("config: %v", errs)
	}
	if err := e.Validate(); err != nil {
		return Env{}, err
	}
	return e, nil
}

// MustLoad is Load that panics on error.
func MustLoad() Env {
	e, err := Load()
	if err != nil {
		panic(err)
	}
	return e
}

// Backoff returns the retry policy described by the configuration.
func (e Env) Backoff() lifecycle.Backoff {
	return lifecycle.Backoff{Base: e.BackoffBase, Ceiling: e.BackoffCeiling, Jitter: true}
}

// Validate rejects settings that would break the retry guarantees. The
// idempotency TTL must outlive the longest client retry window, otherwise a
// late retry would find no key and process the submission again.
func (e Env) Validate() error {
	if e.MaxSubmissionAttempts < 1 {
		return fmt.Errorf("config: MAX_SUBMISSION_ATTEMPTS must be >= 1")
	}
	if e.MaxUploadAttempts < 1 {
		return fmt.Errorf("config: MAX_UPLOAD_ATTEMPTS must be >= 1")
	}
	if e.BackoffBase <= 0 || e.BackoffCeiling < e.BackoffBase {
		return fmt.Errorf("config: BACKOFF_BASE must be > 0 and <= BACKOFF_CEILING")
	}
	window := e.BackoffCeiling * time.Duration(e.MaxSubmissionAttempts)
	if e.IdempotencyTTL <= window {
		return fmt.Errorf("config: IDEMPOTENCY_TTL %s must exceed the retry window %s", e.IdempotencyTTL, window)
	}
	if e.MaxPhotos < 0 || e.MaxVideos < 0 {
		return fmt.Errorf("config: attachment limits must be >= 0")
	}
	return nil
}

// get returns the value of the environment variable k or def if not set.
func get(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
