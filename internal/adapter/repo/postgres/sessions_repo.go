// Package postgres persists conversations. Repositories take a minimal pgx
// pool interface so tests can run against hand-written fakes.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/openmake/infergate/internal/domain"
)

// PgxPool is the subset of pgxpool the repos use.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// SessionRepo implements domain.SessionRepository on Postgres.
type SessionRepo struct{ Pool PgxPool }

// NewSessionRepo constructs a SessionRepo with the given pool.
func NewSessionRepo(p PgxPool) *SessionRepo { return &SessionRepo{Pool: p} }

// CreateSession stores a new conversation and returns it with a generated id.
func (r *SessionRepo) CreateSession(ctx context.Context, userID *int64, title, parentSessionID, anonSessionID string) (domain.Session, error) {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "sessions"),
	)

	sess := domain.Session{
		ID:              uuid.New().String(),
		UserID:          userID,
		Title:           title,
		ParentSessionID: parentSessionID,
		AnonSessionID:   anonSessionID,
		CreatedAt:       time.Now().UTC(),
	}
	q := `INSERT INTO sessions (id, user_id, title, parent_session_id, anon_session_id, created_at) VALUES ($1,$2,$3,$4,$5,$6)`
	if _, err := r.Pool.Exec(ctx, q, sess.ID, sess.UserID, sess.Title, nullable(sess.ParentSessionID), nullable(sess.AnonSessionID), sess.CreatedAt); err != nil {
		return domain.Session{}, fmt.Errorf("op=session.create: %w", err)
	}
	return sess, nil
}

// AddMessage appends one turn to a conversation.
func (r *SessionRepo) AddMessage(ctx context.Context, sessionID, role, content string, meta map[string]any) error {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.AddMessage")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "messages"),
	)

	var metaJSON []byte
	if meta != nil {
		var err error
		if metaJSON, err = json.Marshal(meta); err != nil {
			return fmt.Errorf("op=session.add_message: marshal meta: %w", err)
		}
	}
	q := `INSERT INTO messages (id, session_id, role, content, meta, created_at) VALUES ($1,$2,$3,$4,$5,$6)`
	if _, err := r.Pool.Exec(ctx, q, uuid.New().String(), sessionID, role, content, metaJSON, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=session.add_message: %w", err)
	}
	return nil
}

// GetMessages loads a conversation's turns in insertion order.
func (r *SessionRepo) GetMessages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error) {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.GetMessages")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "messages"),
	)

	if limit <= 0 {
		limit = 100
	}
	q := `SELECT id, session_id, role, content, meta, created_at FROM messages WHERE session_id=$1 ORDER BY created_at ASC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=session.get_messages: %w", err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		var m domain.Message
		var metaJSON []byte
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &metaJSON, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=session.get_messages: scan: %w", err)
		}
		if len(metaJSON) > 0 {
			_ = json.Unmarshal(metaJSON, &m.Meta)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=session.get_messages: %w", err)
	}
	return out, nil
}

// nullable maps "" to NULL for optional text columns.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
