package store

import (
	"fmt"
	"strings"
	"time"
)

// Session statuses
const (
	StatusRunning   = "running"
	StatusDestroyed = "destroyed"
)

// Session records one container handed out to a client
type Session struct {
	ContainerUUID string     `json:"container_uuid"`
	IP            string     `json:"ip"`
	Username      string     `json:"username"`    // Session SSH user pushed to the guest
	ListenPort    int        `json:"listen_port"` // Session SSH port inside the guest
	ISOChecksum   string     `json:"iso_checksum"`
	Status        string     `json:"status"` // "running" or "destroyed"
	CreatedAt     time.Time  `json:"created_at"`
	DestroyedAt   *time.Time `json:"destroyed_at,omitempty"`
}

// Store persists session records. Getters return (nil, nil) when nothing matches.
type Store interface {
	CreateSession(s *Session) error
	GetSession(containerUUID string) (*Session, error)
	ListSessions(status string) ([]*Session, error) // empty status lists every session
	MarkSessionDestroyed(containerUUID string, at time.Time) error
	DeleteSession(containerUUID string) error
	Close() error
}

// Open returns the store for a driver name: "sqlite" (dsn is a file path) or
// "postgres" (dsn is a connection string).
func Open(driver, dsn string) (Store, error) {
	switch strings.ToLower(driver) {
	case "", "sqlite", "sqlite3":
		db, err := InitDB(dsn)
		if err != nil {
			return nil, err
		}
		return NewSQLiteStore(db), nil
	case "postgres", "postgresql":
		return NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}
}
