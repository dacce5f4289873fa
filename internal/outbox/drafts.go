package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/imrishuroy/go-idempotent-reportsync/internal/apperr"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/lifecycle"
)

// Draft is one report on the device.
type Draft struct {
	ClientUUID        string               `json:"client_uuid"`
	SubmissionKey     string               `json:"submission_key"`
	Kind              lifecycle.ReportKind `json:"report_kind"`
	Payload           json.RawMessage      `json:"payload"`
	State             lifecycle.DraftState `json:"state"`
	AttemptCount      int                  `json:"attempt_count"`
	LastError         string               `json:"last_error,omitempty"`
	LastAttemptAt     time.Time            `json:"last_attempt_at,omitempty"`
	NextAttemptAt     time.Time            `json:"next_attempt_at,omitempty"`
	CanonicalEntityID string               `json:"canonical_entity_id,omitempty"`
	CreatedAt         time.Time            `json:"created_at"`
	UpdatedAt         time.Time            `json:"updated_at"`
}

// SubmitResult is how one submission attempt ended.
type SubmitResult struct {
	State             lifecycle.DraftState
	CanonicalEntityID string
	LastError         string
	// NextAttemptAt applies when State is QUEUED.
	NextAttemptAt time.Time
	// Uncounted leaves attempt_count alone, for attempts that never
	// reached the server.
	Uncounted bool
}

const draftColumns = `client_uuid, submission_key, report_kind, payload, state, attempt_count,
	last_error, last_attempt_at, next_attempt_at, canonical_entity_id, created_at, updated_at`

func newUUID() string { return uuid.NewString() }

func checkPayload(payload json.RawMessage) error {
	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err != nil || obj == nil {
		return apperr.Permanent("invalid_payload", "payload must be a JSON object")
	}
	return nil
}

// CreateDraft stores a new LOCAL draft with a fresh client uuid and
// submission key.
func (s *Store) CreateDraft(ctx context.Context, kind lifecycle.ReportKind, payload json.RawMessage) (*Draft, error) {
	if !kind.Valid() {
		return nil, apperr.Permanent("invalid_report_kind", fmt.Sprintf("unknown report kind %q", kind))
	}
	if err := checkPayload(payload); err != nil {
		return nil, err
	}
	now := s.millis()
	d := &Draft{
		ClientUUID:    s.newID(),
		SubmissionKey: s.newID(),
		Kind:          kind,
		Payload:       payload,
		State:         lifecycle.DraftLocal,
		CreatedAt:     fromMillis(now),
		UpdatedAt:     fromMillis(now),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO drafts (client_uuid, submission_key, report_kind, payload, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ClientUUID, d.SubmissionKey, string(kind), string(payload), string(d.State), now, now)
	if err != nil {
		return nil, storageErr("create draft", err)
	}
	return d, nil
}

// GetDraft returns the draft with clientUUID.
func (s *Store) GetDraft(ctx context.Context, clientUUID string) (*Draft, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+draftColumns+` FROM drafts WHERE client_uuid = ?`, clientUUID)
	d, err := scanDraft(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get draft", err)
	}
	return d, nil
}

// ListDrafts returns drafts in the given states, oldest first. No states
// means every draft; abandoned drafts stay listable.
func (s *Store) ListDrafts(ctx context.Context, states ...lifecycle.DraftState) ([]Draft, error) {
	q := `SELECT ` + draftColumns + ` FROM drafts`
	args := make([]any, 0, len(states))
	if len(states) > 0 {
		q += ` WHERE state IN (` + placeholders(len(states)) + `)`
		for _, st := range states {
			args = append(args, string(st))
		}
	}
	return s.queryDrafts(ctx, "list drafts", q+` ORDER BY created_at, client_uuid`, args...)
}

// DueDrafts returns QUEUED drafts whose backoff has elapsed.
func (s *Store) DueDrafts(ctx context.Context, limit int) ([]Draft, error) {
	return s.queryDrafts(ctx, "due drafts", `SELECT `+draftColumns+` FROM drafts
		WHERE state = 'QUEUED' AND next_attempt_at <= ?
		ORDER BY next_attempt_at, created_at LIMIT ?`, s.millis(), limit)
}

func (s *Store) queryDrafts(ctx context.Context, op, q string, args ...any) ([]Draft, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()
	var out []Draft
	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			return nil, storageErr(op, err)
		}
		out = append(out, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}
	return out, nil
}

// EditDraft replaces the payload of a LOCAL draft.
func (s *Store) EditDraft(ctx context.Context, clientUUID string, payload json.RawMessage) error {
	if err := checkPayload(payload); err != nil {
		return err
	}
	return s.transition(ctx, "edit draft", clientUUID, []lifecycle.DraftState{lifecycle.DraftLocal},
		`payload = ?`, string(payload))
}

// QueueDraft hands a LOCAL draft to the sync loop.
func (s *Store) QueueDraft(ctx context.Context, clientUUID string) error {
	return s.transition(ctx, "queue draft", clientUUID, []lifecycle.DraftState{lifecycle.DraftLocal},
		`state = 'QUEUED', next_attempt_at = ?`, s.millis())
}

// CorrectDraft replaces the payload of a FAILED draft and queues it again
// under a new submission key. The old key stays rejected on the server.
func (s *Store) CorrectDraft(ctx context.Context, clientUUID string, payload json.RawMessage) (*Draft, error) {
	if err := checkPayload(payload); err != nil {
		return nil, err
	}
	err := s.transition(ctx, "correct draft", clientUUID, []lifecycle.DraftState{lifecycle.DraftFailed},
		`state = 'QUEUED', payload = ?, submission_key = ?, attempt_count = 0, next_attempt_at = ?`,
		string(payload), s.newID(), s.millis())
	if err != nil {
		return nil, err
	}
	return s.GetDraft(ctx, clientUUID)
}

// AbandonDraft discards a draft that has not synced. Work already running
// on the server is not cancelled.
func (s *Store) AbandonDraft(ctx context.Context, clientUUID string) error {
	return s.transition(ctx, "abandon draft", clientUUID,
		[]lifecycle.DraftState{lifecycle.DraftLocal, lifecycle.DraftQueued, lifecycle.DraftFailed},
		`state = 'ABANDONED'`)
}

// BeginSubmit claims a QUEUED draft for one submission attempt.
func (s *Store) BeginSubmit(ctx context.Context, clientUUID string) (*Draft, error) {
	err := s.transition(ctx, "begin submit", clientUUID, []lifecycle.DraftState{lifecycle.DraftQueued},
		`state = 'SUBMITTING', last_attempt_at = ?`, s.millis())
	if err != nil {
		return nil, err
	}
	return s.GetDraft(ctx, clientUUID)
}

// FinishSubmit settles a SUBMITTING draft. Every call counts one attempt
// unless the result is Uncounted.
// A canonical id already on the draft is never replaced, and a SYNCED
// draft passes its canonical id to uploaded attachments that lack one.
func (s *Store) FinishSubmit(ctx context.Context, clientUUID string, r SubmitResult) error {
	if err := lifecycle.CheckTransition(lifecycle.DraftSubmitting, r.State); err != nil {
		return err
	}
	now := s.millis()
	counted := 1
	if r.Uncounted {
		counted = 0
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE drafts SET state = ?, attempt_count = attempt_count + ?, last_error = ?,
				next_attempt_at = ?,
				canonical_entity_id = CASE WHEN canonical_entity_id = '' THEN ? ELSE canonical_entity_id END,
				updated_at = ?
			WHERE client_uuid = ? AND state = 'SUBMITTING'`,
			string(r.State), counted, r.LastError, toMillis(r.NextAttemptAt), r.CanonicalEntityID, now, clientUUID)
		if err != nil {
			return err
		}
		if err := s.expectOne(ctx, tx, res, "drafts", "client_uuid", clientUUID); err != nil {
			return err
		}
		if r.State != lifecycle.DraftSynced {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE attachments SET canonical_entity_id =
				(SELECT canonical_entity_id FROM drafts WHERE client_uuid = ?), updated_at = ?
			WHERE owner_client_uuid = ? AND state = 'UPLOADED' AND canonical_entity_id = ''`,
			clientUUID, now, clientUUID)
		return err
	})
	if err != nil {
		return storageErr("finish submit", err)
	}
	return nil
}

// transition applies set to the draft when it is in one of from.
func (s *Store) transition(ctx context.Context, op, clientUUID string, from []lifecycle.DraftState, set string, args ...any) error {
	q := `UPDATE drafts SET ` + set + `, updated_at = ? WHERE client_uuid = ? AND state IN (` + placeholders(len(from)) + `)`
	args = append(args, s.millis(), clientUUID)
	for _, st := range from {
		args = append(args, string(st))
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return err
		}
		return s.expectOne(ctx, tx, res, "drafts", "client_uuid", clientUUID)
	})
	if err != nil {
		return storageErr(op, err)
	}
	return nil
}

// expectOne turns a conditional update that touched nothing into
// ErrNotFound or ErrStateMismatch.
func (s *Store) expectOne(ctx context.Context, tx *sql.Tx, res sql.Result, table, pk, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE `+pk+` = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrStateMismatch
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDraft(r scanner) (*Draft, error) {
	var (
		d                    Draft
		kind, payload, state string
		lastAttempt, next    int64
		created, updated     int64
	)
	err := r.Scan(&d.ClientUUID, &d.SubmissionKey, &kind, &payload, &state, &d.AttemptCount,
		&d.LastError, &lastAttempt, &next, &d.CanonicalEntityID, &created, &updated)
	if err != nil {
		return nil, err
	}
	d.Kind = lifecycle.ReportKind(kind)
	d.Payload = json.RawMessage(payload)
	d.State = lifecycle.DraftState(state)
	d.LastAttemptAt = fromMillis(lastAttempt)
	d.NextAttemptAt = fromMillis(next)
	d.CreatedAt = fromMillis(created)
	d.UpdatedAt = fromMillis(updated)
	return &d, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
