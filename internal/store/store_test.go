package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setupTestDB(t *testing.T) (*SQLiteStore, func()) {
	t.Helper()

	db, err := InitDB(filepath.Join(t.TempDir(), "anwdl_test.db"))
	if err != nil {
		t.Fatalf("Failed to initialize database: %v", err)
	}

	store := NewSQLiteStore(db)
	cleanup := func() {
		store.Close()
	}
	return store, cleanup
}

func newSession(uuid string, created time.Time) *Session {
	return &Session{
		ContainerUUID: uuid,
		IP:            "192.168.122.10",
		Username:      "user_12345",
		ListenPort:    12000,
		ISOChecksum:   "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		Status:        StatusRunning,
		CreatedAt:     created,
	}
}

// runStoreTests exercises a Store implementation against a fresh schema.
func runStoreTests(t *testing.T, s Store) {
	now := time.Now().UTC().Truncate(time.Second)

	t.Run("CreateAndGet", func(t *testing.T) {
		sess := newSession("c-1", now)
		if err := s.CreateSession(sess); err != nil {
			t.Fatalf("CreateSession() error = %v", err)
		}

		got, err := s.GetSession("c-1")
		if err != nil {
			t.Fatalf("GetSession() error = %v", err)
		}
		if got == nil {
			t.Fatal("GetSession() returned nil")
		}
		if got.IP != sess.IP || got.Username != sess.Username || got.ListenPort != sess.ListenPort {
			t.Errorf("GetSession() = %+v, want %+v", got, sess)
		}
		if got.ISOChecksum != sess.ISOChecksum || got.Status != StatusRunning {
			t.Errorf("GetSession() = %+v, want %+v", got, sess)
		}
		if !got.CreatedAt.Equal(now) {
			t.Errorf("GetSession() CreatedAt = %v, want %v", got.CreatedAt, now)
		}
		if got.DestroyedAt != nil {
			t.Errorf("GetSession() DestroyedAt = %v, want nil", got.DestroyedAt)
		}
	})

	t.Run("Duplicate", func(t *testing.T) {
		if err := s.CreateSession(newSession("c-1", now)); err == nil {
			t.Error("CreateSession() with duplicate uuid should fail")
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		got, err := s.GetSession("missing")
		if err != nil {
			t.Fatalf("GetSession() error = %v", err)
		}
		if got != nil {
			t.Errorf("GetSession() = %+v, want nil", got)
		}
	})

	t.Run("MarkDestroyed", func(t *testing.T) {
		if err := s.CreateSession(newSession("c-2", now.Add(time.Second))); err != nil {
			t.Fatalf("CreateSession() error = %v", err)
		}

		at := now.Add(time.Minute)
		if err := s.MarkSessionDestroyed("c-2", at); err != nil {
			t.Fatalf("MarkSessionDestroyed() error = %v", err)
		}

		got, err := s.GetSession("c-2")
		if err != nil {
			t.Fatalf("GetSession() error = %v", err)
		}
		if got.Status != StatusDestroyed {
			t.Errorf("Status = %v, want %v", got.Status, StatusDestroyed)
		}
		if got.DestroyedAt == nil || !got.DestroyedAt.Equal(at) {
			t.Errorf("DestroyedAt = %v, want %v", got.DestroyedAt, at)
		}
	})

	t.Run("List", func(t *testing.T) {
		all, err := s.ListSessions("")
		if err != nil {
			t.Fatalf("ListSessions() error = %v", err)
		}
		if len(all) != 2 {
			t.Fatalf("ListSessions() returned %d sessions, want 2", len(all))
		}
		if all[0].ContainerUUID != "c-2" {
			t.Errorf("ListSessions() not ordered newest first: %s", all[0].ContainerUUID)
		}

		running, err := s.ListSessions(StatusRunning)
		if err != nil {
			t.Fatalf("ListSessions() error = %v", err)
		}
		if len(running) != 1 || running[0].ContainerUUID != "c-1" {
			t.Errorf("ListSessions(running) = %v", running)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := s.DeleteSession("c-1"); err != nil {
			t.Fatalf("DeleteSession() error = %v", err)
		}
		got, err := s.GetSession("c-1")
		if err != nil {
			t.Fatalf("GetSession() error = %v", err)
		}
		if got != nil {
			t.Error("session still present after DeleteSession()")
		}
	})
}

func TestSQLiteStore(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	runStoreTests(t, store)
}

func TestInitDBIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "anwdl_test.db")

	db, err := InitDB(path)
	if err != nil {
		t.Fatalf("InitDB() error = %v", err)
	}
	s := NewSQLiteStore(db)
	if err := s.CreateSession(newSession("c-1", time.Now())); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	s.Close()

	db, err = InitDB(path)
	if err != nil {
		t.Fatalf("second InitDB() error = %v", err)
	}
	s = NewSQLiteStore(db)
	defer s.Close()

	got, err := s.GetSession("c-1")
	if err != nil || got == nil {
		t.Fatalf("session lost across InitDB(): %v, %v", got, err)
	}
}

func TestOpen(t *testing.T) {
	s, err := Open("sqlite", filepath.Join(t.TempDir(), "anwdl_test.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	s.Close()

	if _, err := Open("mongodb", "x"); err == nil {
		t.Error("Open() with unknown driver should fail")
	}
}

// TestPostgresStore runs against a scratch database named by
// ANWDL_TEST_POSTGRES_DSN, e.g. postgres://postgres@localhost:5432/anwdl_test.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("ANWDL_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ANWDL_TEST_POSTGRES_DSN not set")
	}

	s, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("NewPostgresStore() error = %v", err)
	}
	defer s.Close()

	for _, id := range []string{"c-1", "c-2"} {
		s.DeleteSession(id)
	}
	runStoreTests(t, s)
}
