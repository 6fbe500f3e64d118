package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	EventRegister      = "auth.register"
	EventLogin         = "auth.login"
	EventLoginFailed   = "auth.login_failed"
	EventLogout        = "auth.logout"
	EventWebhook       = "webhook.github"
	EventFeedbackRetry = "feedback.retry"
)

const (
	OutcomeSuccess = "success"
	OutcomeDenied  = "denied"
	OutcomeError   = "error"
)

// Writer appends security-relevant API events to the audit_records
// table. When Redact is set, actor references and sensitive detail
// fields are replaced with salted hashes before they reach the store.
type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

type Record struct {
	ID        uuid.UUID       `json:"id"`
	EventType string          `json:"event_type"`
	ActorID   string          `json:"actor_id,omitempty"`
	ActorRef  string          `json:"actor_ref,omitempty"`
	Path      string          `json:"path,omitempty"`
	Outcome   string          `json:"outcome"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if w.Redact {
		rec = redactRecord(rec, w.HashSalt)
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO audit_records (id, event_type, actor_id, actor_ref, path, outcome, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rec.ID, rec.EventType, rec.ActorID, rec.ActorRef, rec.Path, rec.Outcome, rec.Detail, rec.CreatedAt)
	return err
}

func (w *Writer) Get(ctx context.Context, id uuid.UUID) (Record, error) {
	var rec Record
	row := w.DB.QueryRow(ctx, `
		SELECT id, event_type, actor_id, actor_ref, path, outcome, detail, created_at
		FROM audit_records WHERE id = $1
	`, id)
	err := row.Scan(&rec.ID, &rec.EventType, &rec.ActorID, &rec.ActorRef, &rec.Path, &rec.Outcome, &rec.Detail, &rec.CreatedAt)
	return rec, err
}

// Recent returns the newest records, optionally filtered by event type.
func (w *Writer) Recent(ctx context.Context, eventType string, limit int) ([]Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var (
		rows pgx.Rows
		err  error
	)
	if eventType != "" {
		rows, err = w.DB.Query(ctx, `
			SELECT id, event_type, actor_id, actor_ref, path, outcome, detail, created_at
			FROM audit_records WHERE event_type = $1 ORDER BY created_at DESC LIMIT $2
		`, eventType, limit)
	} else {
		rows, err = w.DB.Query(ctx, `
			SELECT id, event_type, actor_id, actor_ref, path, outcome, detail, created_at
			FROM audit_records ORDER BY created_at DESC LIMIT $1
		`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.EventType, &rec.ActorID, &rec.ActorRef, &rec.Path, &rec.Outcome, &rec.Detail, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
