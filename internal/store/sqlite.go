package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	container_uuid TEXT PRIMARY KEY,
	ip             TEXT NOT NULL DEFAULT '',
	username       TEXT NOT NULL DEFAULT '',
	listen_port    INTEGER NOT NULL DEFAULT 0,
	iso_checksum   TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL,
	created_at     DATETIME NOT NULL,
	destroyed_at   DATETIME
);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
`

// InitDB opens the SQLite database at path and creates the schema.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return db, nil
}

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const sessionColumns = `container_uuid, ip, username, listen_port, iso_checksum, status, created_at, destroyed_at`

func (s *SQLiteStore) CreateSession(sess *Session) error {
	query := `INSERT INTO sessions (` + sessionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.Exec(query, sess.ContainerUUID, sess.IP, sess.Username, sess.ListenPort,
		sess.ISOChecksum, sess.Status, sess.CreatedAt, sess.DestroyedAt)
	return err
}

func (s *SQLiteStore) GetSession(containerUUID string) (*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE container_uuid = ?`
	sess, err := scanSession(s.db.QueryRow(query, containerUUID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sess, err
}

func (s *SQLiteStore) ListSessions(status string) ([]*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) MarkSessionDestroyed(containerUUID string, at time.Time) error {
	query := `UPDATE sessions SET status = ?, destroyed_at = ? WHERE container_uuid = ?`
	_, err := s.db.Exec(query, StatusDestroyed, at, containerUUID)
	return err
}

func (s *SQLiteStore) DeleteSession(containerUUID string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE container_uuid = ?`, containerUUID)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	sess := &Session{}
	var destroyedAt sql.NullTime
	err := row.Scan(&sess.ContainerUUID, &sess.IP, &sess.Username, &sess.ListenPort,
		&sess.ISOChecksum, &sess.Status, &sess.CreatedAt, &destroyedAt)
	if err != nil {
		return nil, err
	}
	if destroyedAt.Valid {
		t := destroyedAt.Time
		sess.DestroyedAt = &t
	}
	return sess, nil
}
