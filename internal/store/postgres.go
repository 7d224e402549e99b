package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const queryTimeout = 5 * time.Second

const postgresSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	container_uuid TEXT PRIMARY KEY,
	ip             TEXT NOT NULL DEFAULT '',
	username       TEXT NOT NULL DEFAULT '',
	listen_port    INTEGER NOT NULL DEFAULT 0,
	iso_checksum   TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	destroyed_at   TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
`

// PostgresStore keeps session records in PostgreSQL, for deployments where
// several servers report to one database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and creates the schema.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*queryTimeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) CreateSession(sess *Session) error {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	query := `INSERT INTO sessions (` + sessionColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := s.pool.Exec(ctx, query, sess.ContainerUUID, sess.IP, sess.Username, sess.ListenPort,
		sess.ISOChecksum, sess.Status, sess.CreatedAt, sess.DestroyedAt)
	return err
}

func (s *PostgresStore) GetSession(containerUUID string) (*Session, error) {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE container_uuid = $1`
	sess, err := scanPgSession(s.pool.QueryRow(ctx, query, containerUUID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return sess, err
}

func (s *PostgresStore) ListSessions(status string) ([]*Session, error) {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []any
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanPgSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *PostgresStore) MarkSessionDestroyed(containerUUID string, at time.Time) error {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	query := `UPDATE sessions SET status = $1, destroyed_at = $2 WHERE container_uuid = $3`
	_, err := s.pool.Exec(ctx, query, StatusDestroyed, at, containerUUID)
	return err
}

func (s *PostgresStore) DeleteSession(containerUUID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE container_uuid = $1`, containerUUID)
	return err
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPgSession(row pgx.Row) (*Session, error) {
	sess := &Session{}
	err := row.Scan(&sess.ContainerUUID, &sess.IP, &sess.Username, &sess.ListenPort,
		&sess.ISOChecksum, &sess.Status, &sess.CreatedAt, &sess.DestroyedAt)
	if err != nil {
		return nil, err
	}
	return sess, nil
}
