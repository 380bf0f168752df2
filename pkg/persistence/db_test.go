package persistence

import (
	"context"
	"path/filepath"
	"testing"

	"parley/pkg/proto"
)

func TestSingletonLifecycle(t *testing.T) {
	if err := Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	t.Cleanup(func() { _ = Reset() })

	if IsInitialized() {
		t.Fatal("Expected uninitialized store after Reset")
	}

	path := filepath.Join(t.TempDir(), "checkpoints.db")
	if err := Initialize(path, "session-lifecycle"); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if !IsInitialized() {
		t.Fatal("Expected initialized store")
	}
	if got := GetSessionID(); got != "session-lifecycle" {
		t.Errorf("Expected session ID 'session-lifecycle', got '%s'", got)
	}

	seq, err := Store().Append(context.Background(), "session-lifecycle",
		sampleCheckpoint("session-lifecycle", proto.PhaseAwaitingUserInput, proto.NewUserText("hello")))
	if err != nil {
		t.Fatalf("Append through singleton failed: %v", err)
	}
	if seq != 1 {
		t.Errorf("Expected seq 1, got %d", seq)
	}

	// A second Initialize is a no-op; the original connection and
	// session stay.
	if err := Initialize(filepath.Join(t.TempDir(), "other.db"), "session-other"); err != nil {
		t.Fatalf("Second Initialize failed: %v", err)
	}
	if got := GetSessionID(); got != "session-lifecycle" {
		t.Errorf("Expected original session ID after re-Initialize, got '%s'", got)
	}
}

func TestGetDBPanicsBeforeInitialize(t *testing.T) {
	if err := Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	defer func() {
		if r := recover(); r == nil {
			t.Error("Expected GetDB to panic before Initialize")
		}
	}()
	GetDB()
}

// TestReopenPreservesCheckpoints is the crash story: everything committed
// before the process died must come back on the next open.
func TestReopenPreservesCheckpoints(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "checkpoints.db")

	db, err := InitializeDatabase(path)
	if err != nil {
		t.Fatalf("InitializeDatabase failed: %v", err)
	}
	cp := sampleCheckpoint("session-crash", proto.PhaseAwaitingUserInput, conversationHistory()...)
	seq, err := NewSQLiteStore(db).Append(ctx, "session-crash", cp)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := InitializeDatabase(path)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })

	loaded, err := NewSQLiteStore(reopened).LoadLatest(ctx, "session-crash")
	if err != nil {
		t.Fatalf("LoadLatest after reopen failed: %v", err)
	}
	if loaded == nil {
		t.Fatal("Expected checkpoint after reopen, got nil")
	}
	if loaded.Seq != seq {
		t.Errorf("Expected seq %d after reopen, got %d", seq, loaded.Seq)
	}
	if len(loaded.Messages) != len(cp.Messages) {
		t.Errorf("Expected %d messages after reopen, got %d", len(cp.Messages), len(loaded.Messages))
	}
}
