package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/reasonance-lab/streamcoder/internal/sandbox"
	"github.com/reasonance-lab/streamcoder/internal/storage"
	"github.com/reasonance-lab/streamcoder/internal/storage/storagetest"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("opening memory db: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store { return testStore(t) })
}

func TestReopenKeepsSessions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "streamcoder.db")
	ctx := context.Background()

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Put(ctx, storagetest.Session("persist", "print(1)", sandbox.StatusDenied)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	got, err := s.Get(ctx, "persist")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if got.Status() != sandbox.StatusDenied {
		t.Errorf("status = %q, want denied", got.Status())
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	s := testStore(t)
	if err := runMigrations(s.db); err != nil {
		t.Fatalf("second migration run: %v", err)
	}
	var version int
	if err := s.db.QueryRow("SELECT version FROM schema_version").Scan(&version); err != nil {
		t.Fatal(err)
	}
	if version != schemaVersion {
		t.Errorf("schema version = %d, want %d", version, schemaVersion)
	}
}

func TestPutRequiresIdentity(t *testing.T) {
	s := testStore(t)
	if err := s.Put(context.Background(), &storage.SandboxSession{}); err == nil {
		t.Fatal("expected error for empty identity")
	}
}

func TestSessionWithoutResult(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	sess := storagetest.Session("bare", "x = 1", sandbox.StatusSucceeded)
	sess.Result = nil
	if err := s.Put(ctx, sess); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, "bare")
	if err != nil {
		t.Fatal(err)
	}
	if got.Result != nil {
		t.Errorf("result = %+v, want nil", got.Result)
	}
}
