package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"logosrelay/internal/models"
	"logosrelay/internal/storage"
)

// SQLStore keeps sessions in the relay_sessions / relay_turns tables.
type SQLStore struct {
	db     *sql.DB
	driver string
	ttl    time.Duration
	now    func() time.Time
}

// NewSQLStore expects a database already migrated with storage.Migrate.
func NewSQLStore(db *sql.DB, driver string, ttl time.Duration) *SQLStore {
	return &SQLStore{db: db, driver: storage.Normalize(driver), ttl: ttl, now: time.Now}
}

func (s *SQLStore) Get(ctx context.Context, key string) (*models.Session, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	sess := &models.Session{Key: key}
	err := s.db.QueryRowContext(ctx,
		`SELECT created_at, last_activity FROM relay_sessions WHERE session_key = ?`, key,
	).Scan(&sess.CreatedAt, &sess.LastActivity)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.NewSession(key, s.now()), nil
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	if sess.Expired(s.now(), s.ttl) {
		return models.NewSession(key, s.now()), nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content FROM relay_turns WHERE session_key = ? ORDER BY position ASC`, key,
	)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.Role, &m.Content); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		sess.History = append(sess.History, m)
	}
	return sess, rows.Err()
}

// Put rewrites the session row and its turns in one transaction.
func (s *SQLStore) Put(ctx context.Context, sess *models.Session) (err error) {
	if sess == nil || sess.Key == "" {
		return ErrEmptyKey
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	createdAt := sess.CreatedAt.UTC()
	lastActivity := sess.LastActivity.UTC()
	if _, err = tx.ExecContext(ctx, s.upsertSessionSQL(), sess.Key, createdAt, lastActivity); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM relay_turns WHERE session_key = ?`, sess.Key); err != nil {
		return fmt.Errorf("clear turns: %w", err)
	}
	for i, m := range sess.History {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO relay_turns (session_key, position, role, content) VALUES (?, ?, ?, ?)`,
			sess.Key, i, m.Role, m.Content,
		); err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit session: %w", err)
	}
	return nil
}

func (s *SQLStore) upsertSessionSQL() string {
	if s.driver == "mysql" {
		return `INSERT INTO relay_sessions (session_key, created_at, last_activity) VALUES (?, ?, ?)
			ON DUPLICATE KEY UPDATE created_at = VALUES(created_at), last_activity = VALUES(last_activity)`
	}
	return `INSERT INTO relay_sessions (session_key, created_at, last_activity) VALUES (?, ?, ?)
		ON CONFLICT(session_key) DO UPDATE SET created_at = excluded.created_at, last_activity = excluded.last_activity`
}

func (s *SQLStore) Evict(ctx context.Context, key string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, `DELETE FROM relay_turns WHERE session_key = ?`, key); err != nil {
		return fmt.Errorf("delete turns: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM relay_sessions WHERE session_key = ?`, key); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit evict: %w", err)
	}
	return nil
}

// PurgeExpired deletes sessions idle for longer than the TTL.
func (s *SQLStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	if s.ttl <= 0 {
		return 0, nil
	}
	cutoff := now.Add(-s.ttl).UTC()
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM relay_turns WHERE session_key IN (SELECT session_key FROM relay_sessions WHERE last_activity < ?)`,
		cutoff,
	); err != nil {
		return 0, fmt.Errorf("purge turns: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM relay_sessions WHERE last_activity < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge rows affected: %w", err)
	}
	return int(n), nil
}
