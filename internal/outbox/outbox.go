// Package outbox implements at-least-once delivery of lifecycle events:
// transitions write rows transactionally with the status change, and a relay
// drains pending rows to Kafka.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"social-publisher/internal/events"
)

const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// Message is one event row awaiting delivery.
type Message struct {
	ID         int64
	MessageID  string
	Topic      string
	Payload    json.RawMessage
	Status     string
	RetryCount int
	CreatedAt  time.Time
	SentAt     *time.Time
	LastError  *string
}

// InsertTx writes an event row inside the caller's transaction so the event
// becomes durable exactly when the status change does.
func InsertTx(ctx context.Context, tx pgx.Tx, topic string, e events.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal lifecycle event: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO event_outbox (topic, payload, status, retry_count)
		VALUES ($1, $2, $3, 0)
	`, topic, payload, StatusPending)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

// Repository reads and settles outbox rows for the relay.
type Repository struct {
	db         *pgxpool.Pool
	sb         sq.StatementBuilderType
	maxRetries int
}

func NewRepository(db *pgxpool.Pool, maxRetries int) *Repository {
	if maxRetries <= 0 {
		maxRetries = 10
	}
	return &Repository{
		db:         db,
		sb:         sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		maxRetries: maxRetries,
	}
}

// GetPending returns up to limit undelivered rows, oldest first.
func (r *Repository) GetPending(ctx context.Context, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 100
	}
	q := r.sb.
		Select("id", "message_id::text", "topic", "payload", "status", "retry_count", "created_at", "sent_at", "last_error").
		From("event_outbox").
		Where(sq.Eq{"status": StatusPending}).
		OrderBy("created_at ASC", "id ASC").
		Limit(uint64(limit))

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build outbox select: %w", err)
	}
	rows, err := r.db.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query outbox pending: %w", err)
	}
	defer rows.Close()

	out := make([]*Message, 0, limit)
	for rows.Next() {
		var (
			m         Message
			payload   []byte
			sentAt    pgtype.Timestamptz
			lastError pgtype.Text
		)
		if err := rows.Scan(&m.ID, &m.MessageID, &m.Topic, &payload, &m.Status, &m.RetryCount, &m.CreatedAt, &sentAt, &lastError); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		m.Payload = payload
		if sentAt.Valid {
			t := sentAt.Time
			m.SentAt = &t
		}
		if lastError.Valid {
			s := lastError.String
			m.LastError = &s
		}
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox rows: %w", err)
	}
	return out, nil
}

// MarkSent settles a delivered row.
func (r *Repository) MarkSent(ctx context.Context, messageID string) error {
	q := r.sb.
		Update("event_outbox").
		Set("status", StatusSent).
		Set("sent_at", sq.Expr("NOW()")).
		Set("last_error", nil).
		Where(sq.Eq{"message_id": messageID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build outbox mark sent: %w", err)
	}
	if _, err := r.db.Exec(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("mark outbox sent: %w", err)
	}
	return nil
}

// MarkFailed bumps the retry count; rows past the retry limit are parked as
// failed for operator inspection.
func (r *Repository) MarkFailed(ctx context.Context, messageID, errorMsg string) error {
	if errorMsg == "" {
		errorMsg = "unknown error"
	}
	q := r.sb.
		Update("event_outbox").
		Set("retry_count", sq.Expr("retry_count + 1")).
		Set("last_error", errorMsg).
		Set("status", sq.Expr(
			"CASE WHEN (retry_count + 1) >= ? THEN ? ELSE ? END",
			r.maxRetries, StatusFailed, StatusPending,
		)).
		Where(sq.Eq{"message_id": messageID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build outbox mark failed: %w", err)
	}
	if _, err := r.db.Exec(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("mark outbox failed: %w", err)
	}
	return nil
}

// Cleanup deletes sent rows older than the retention window.
func (r *Repository) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, nil
	}
	q := r.sb.
		Delete("event_outbox").
		Where(sq.Eq{"status": StatusSent}).
		Where(sq.Expr("created_at < NOW() - (? * INTERVAL '1 second')", int64(retention.Seconds())))
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build outbox cleanup: %w", err)
	}
	tag, err := r.db.Exec(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("cleanup outbox: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
