package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"parley/pkg/proto"
)

// newTestDB opens an in-memory SQLite database with the current schema.
func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	// An in-memory database exists per connection; a second pooled
	// connection would see an empty schema.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := initializeSchemaWithMigrations(db); err != nil {
		t.Fatalf("Failed to initialize schema: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// forEachStore runs the same subtest against both store implementations,
// which are required to behave identically.
func forEachStore(t *testing.T, fn func(t *testing.T, store CheckpointStore)) {
	t.Helper()
	t.Run("sqlite", func(t *testing.T) {
		fn(t, NewSQLiteStore(newTestDB(t)))
	})
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
}

func sampleCheckpoint(sessionID string, phase proto.Phase, msgs ...proto.Message) proto.Checkpoint {
	return proto.Checkpoint{
		SessionID: sessionID,
		Phase:     phase,
		Messages:  msgs,
		CreatedAt: time.Now().UTC(),
	}
}

// conversationHistory builds a history covering every message kind,
// including an error-bearing tool result.
func conversationHistory() []proto.Message {
	return []proto.Message{
		proto.NewUserText("run the tests"),
		proto.NewToolRequest([]proto.ToolCall{
			{ID: "call-1", Name: "run_tests", Args: map[string]any{"args": "-run TestStore"}},
			{ID: "call-2", Name: "read_file", Args: map[string]any{"path": "go.mod"}},
		}),
		proto.NewToolResult("call-1", `{"success":true,"exit_code":0}`),
		proto.NewErrorToolResult("call-2", "ERROR: tool 'read_file' execution failed: file not found"),
		proto.NewAssistantText("Tests pass."),
	}
}

func TestAppendAssignsIncreasingSequence(t *testing.T) {
	forEachStore(t, func(t *testing.T, store CheckpointStore) {
		ctx := context.Background()

		for want := int64(1); want <= 3; want++ {
			seq, err := store.Append(ctx, "session-seq", sampleCheckpoint("session-seq", proto.PhaseAwaitingUserInput))
			if err != nil {
				t.Fatalf("Append %d failed: %v", want, err)
			}
			if seq != want {
				t.Errorf("Expected seq %d, got %d", want, seq)
			}
		}
	})
}

func TestLoadLatestRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, store CheckpointStore) {
		ctx := context.Background()
		cp := sampleCheckpoint("session-rt", proto.PhaseAwaitingUserInput, conversationHistory()...)

		seq, err := store.Append(ctx, "session-rt", cp)
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}

		loaded, err := store.LoadLatest(ctx, "session-rt")
		if err != nil {
			t.Fatalf("LoadLatest failed: %v", err)
		}
		if loaded == nil {
			t.Fatal("Expected checkpoint, got nil")
		}
		if loaded.SessionID != "session-rt" {
			t.Errorf("Expected session 'session-rt', got '%s'", loaded.SessionID)
		}
		if loaded.Seq != seq {
			t.Errorf("Expected seq %d, got %d", seq, loaded.Seq)
		}
		if loaded.Phase != cp.Phase {
			t.Errorf("Expected phase %s, got %s", cp.Phase, loaded.Phase)
		}

		// The history must survive byte for byte, IDs and timestamps
		// included.
		wantJSON, err := json.Marshal(cp.Messages)
		if err != nil {
			t.Fatalf("Failed to marshal expected history: %v", err)
		}
		gotJSON, err := json.Marshal(loaded.Messages)
		if err != nil {
			t.Fatalf("Failed to marshal loaded history: %v", err)
		}
		if string(gotJSON) != string(wantJSON) {
			t.Errorf("History did not round-trip:\nwant %s\ngot  %s", wantJSON, gotJSON)
		}
	})
}

func TestLoadLatestEmptySession(t *testing.T) {
	forEachStore(t, func(t *testing.T, store CheckpointStore) {
		loaded, err := store.LoadLatest(context.Background(), "session-none")
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if loaded != nil {
			t.Errorf("Expected nil checkpoint for unknown session, got: %+v", loaded)
		}
	})
}

func TestLoadAt(t *testing.T) {
	forEachStore(t, func(t *testing.T, store CheckpointStore) {
		ctx := context.Background()

		histories := [][]proto.Message{
			{proto.NewUserText("first")},
			{proto.NewUserText("first"), proto.NewAssistantText("hello")},
			{proto.NewUserText("first"), proto.NewAssistantText("hello"), proto.NewUserText("second")},
		}
		for _, msgs := range histories {
			if _, err := store.Append(ctx, "session-pit", sampleCheckpoint("session-pit", proto.PhaseAwaitingModelResponse, msgs...)); err != nil {
				t.Fatalf("Append failed: %v", err)
			}
		}

		cp, err := store.LoadAt(ctx, "session-pit", 2)
		if err != nil {
			t.Fatalf("LoadAt failed: %v", err)
		}
		if cp.Seq != 2 {
			t.Errorf("Expected seq 2, got %d", cp.Seq)
		}
		if len(cp.Messages) != 2 {
			t.Errorf("Expected 2 messages at seq 2, got %d", len(cp.Messages))
		}

		if _, err := store.LoadAt(ctx, "session-pit", 99); !errors.Is(err, ErrCheckpointNotFound) {
			t.Errorf("Expected ErrCheckpointNotFound for seq 99, got: %v", err)
		}
		if _, err := store.LoadAt(ctx, "session-other", 1); !errors.Is(err, ErrCheckpointNotFound) {
			t.Errorf("Expected ErrCheckpointNotFound for unknown session, got: %v", err)
		}
	})
}

func TestHistory(t *testing.T) {
	forEachStore(t, func(t *testing.T, store CheckpointStore) {
		ctx := context.Background()

		msgs := []proto.Message{proto.NewUserText("hello")}
		phases := []proto.Phase{
			proto.PhaseAwaitingModelResponse,
			proto.PhaseDispatchingTools,
			proto.PhaseAwaitingUserInput,
		}
		for _, phase := range phases {
			if _, err := store.Append(ctx, "session-hist", sampleCheckpoint("session-hist", phase, msgs...)); err != nil {
				t.Fatalf("Append failed: %v", err)
			}
			msgs = append(msgs, proto.NewAssistantText("and again"))
		}

		infos, err := store.History(ctx, "session-hist")
		if err != nil {
			t.Fatalf("History failed: %v", err)
		}
		if len(infos) != 3 {
			t.Fatalf("Expected 3 history entries, got %d", len(infos))
		}
		for i, info := range infos {
			if info.Seq != int64(i+1) {
				t.Errorf("Entry %d: expected seq %d, got %d", i, i+1, info.Seq)
			}
			if info.Phase != phases[i] {
				t.Errorf("Entry %d: expected phase %s, got %s", i, phases[i], info.Phase)
			}
			if info.MessageCount != i+1 {
				t.Errorf("Entry %d: expected %d messages, got %d", i, i+1, info.MessageCount)
			}
		}
	})
}

func TestSessionIsolation(t *testing.T) {
	forEachStore(t, func(t *testing.T, store CheckpointStore) {
		ctx := context.Background()

		// Interleaved appends. Each session keeps its own sequence.
		seqA1, err := store.Append(ctx, "session-a", sampleCheckpoint("session-a", proto.PhaseAwaitingUserInput, proto.NewUserText("a")))
		if err != nil {
			t.Fatalf("Append a1 failed: %v", err)
		}
		seqB1, err := store.Append(ctx, "session-b", sampleCheckpoint("session-b", proto.PhaseAwaitingModelResponse, proto.NewUserText("b")))
		if err != nil {
			t.Fatalf("Append b1 failed: %v", err)
		}
		seqA2, err := store.Append(ctx, "session-a", sampleCheckpoint("session-a", proto.PhaseAwaitingModelResponse, proto.NewUserText("a"), proto.NewUserText("a2")))
		if err != nil {
			t.Fatalf("Append a2 failed: %v", err)
		}

		if seqA1 != 1 || seqA2 != 2 || seqB1 != 1 {
			t.Errorf("Expected seqs a=1,2 b=1, got a=%d,%d b=%d", seqA1, seqA2, seqB1)
		}

		latestA, err := store.LoadLatest(ctx, "session-a")
		if err != nil {
			t.Fatalf("LoadLatest a failed: %v", err)
		}
		latestB, err := store.LoadLatest(ctx, "session-b")
		if err != nil {
			t.Fatalf("LoadLatest b failed: %v", err)
		}
		if len(latestA.Messages) != 2 {
			t.Errorf("Expected 2 messages in session-a, got %d", len(latestA.Messages))
		}
		if len(latestB.Messages) != 1 {
			t.Errorf("Expected 1 message in session-b, got %d", len(latestB.Messages))
		}
		if latestB.Phase != proto.PhaseAwaitingModelResponse {
			t.Errorf("Expected session-b phase %s, got %s", proto.PhaseAwaitingModelResponse, latestB.Phase)
		}
	})
}

func TestAppendRejectsInvalidCheckpoint(t *testing.T) {
	forEachStore(t, func(t *testing.T, store CheckpointStore) {
		ctx := context.Background()

		cases := []struct {
			name      string
			sessionID string
			cp        proto.Checkpoint
		}{
			{
				name:      "unknown phase",
				sessionID: "session-bad",
				cp:        proto.Checkpoint{SessionID: "session-bad", Phase: "NAPPING"},
			},
			{
				name:      "session mismatch",
				sessionID: "session-bad",
				cp:        sampleCheckpoint("session-elsewhere", proto.PhaseAwaitingUserInput),
			},
			{
				name:      "empty session ID",
				sessionID: "",
				cp:        sampleCheckpoint("", proto.PhaseAwaitingUserInput),
			},
			{
				name:      "dangling tool result",
				sessionID: "session-bad",
				cp: sampleCheckpoint("session-bad", proto.PhaseAwaitingModelResponse,
					proto.NewToolResult("call-9", "orphaned")),
			},
		}

		for _, tc := range cases {
			if _, err := store.Append(ctx, tc.sessionID, tc.cp); err == nil {
				t.Errorf("%s: expected Append to fail", tc.name)
			}
		}

		// Nothing should have been committed.
		loaded, err := store.LoadLatest(ctx, "session-bad")
		if err != nil {
			t.Fatalf("LoadLatest failed: %v", err)
		}
		if loaded != nil {
			t.Errorf("Expected no committed checkpoints, got seq %d", loaded.Seq)
		}
	})
}

func TestAppendAcceptsPendingDispatch(t *testing.T) {
	forEachStore(t, func(t *testing.T, store CheckpointStore) {
		ctx := context.Background()

		// Dispatch commits the tool_request before any result exists.
		cp := sampleCheckpoint("session-dispatch", proto.PhaseDispatchingTools,
			proto.NewUserText("run the tests"),
			proto.NewToolRequest([]proto.ToolCall{{ID: "call-1", Name: "run_tests"}}))
		if _, err := store.Append(ctx, "session-dispatch", cp); err != nil {
			t.Fatalf("Expected pending dispatch checkpoint to commit, got %v", err)
		}

		loaded, err := store.LoadLatest(ctx, "session-dispatch")
		if err != nil {
			t.Fatalf("LoadLatest failed: %v", err)
		}
		if loaded.Phase != proto.PhaseDispatchingTools {
			t.Errorf("Expected phase %s, got %s", proto.PhaseDispatchingTools, loaded.Phase)
		}
		if len(loaded.Messages) != 2 || loaded.Messages[1].Kind != proto.KindToolRequest {
			t.Errorf("Expected trailing tool_request, got %+v", loaded.Messages)
		}
	})
}

func TestAppendStampsTimestamp(t *testing.T) {
	forEachStore(t, func(t *testing.T, store CheckpointStore) {
		ctx := context.Background()

		cp := proto.Checkpoint{SessionID: "session-ts", Phase: proto.PhaseAwaitingUserInput}
		if _, err := store.Append(ctx, "session-ts", cp); err != nil {
			t.Fatalf("Append failed: %v", err)
		}

		loaded, err := store.LoadLatest(ctx, "session-ts")
		if err != nil {
			t.Fatalf("LoadLatest failed: %v", err)
		}
		if loaded.CreatedAt.IsZero() {
			t.Error("Expected CreatedAt to be stamped on append")
		}
	})
}

func TestSessionListing(t *testing.T) {
	base := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	run := func(t *testing.T, store CheckpointStore, sessions func(context.Context) ([]SessionInfo, error), mostRecent func(context.Context) (*SessionInfo, error)) {
		ctx := context.Background()

		none, err := mostRecent(ctx)
		if err != nil {
			t.Fatalf("MostRecentSession on empty store failed: %v", err)
		}
		if none != nil {
			t.Errorf("Expected nil for empty store, got: %+v", none)
		}

		alpha := sampleCheckpoint("session-alpha", proto.PhaseAwaitingUserInput, proto.NewUserText("hi"))
		alpha.CreatedAt = base
		if _, err := store.Append(ctx, "session-alpha", alpha); err != nil {
			t.Fatalf("Append alpha failed: %v", err)
		}

		beta := sampleCheckpoint("session-beta", proto.PhaseDispatchingTools, proto.NewUserText("hi"), proto.NewAssistantText("yo"))
		beta.CreatedAt = base.Add(time.Minute)
		if _, err := store.Append(ctx, "session-beta", beta); err != nil {
			t.Fatalf("Append beta failed: %v", err)
		}

		infos, err := sessions(ctx)
		if err != nil {
			t.Fatalf("Sessions failed: %v", err)
		}
		if len(infos) != 2 {
			t.Fatalf("Expected 2 sessions, got %d", len(infos))
		}
		if infos[0].SessionID != "session-beta" || infos[1].SessionID != "session-alpha" {
			t.Errorf("Expected beta before alpha, got %s, %s", infos[0].SessionID, infos[1].SessionID)
		}
		if infos[0].LatestSeq != 1 || infos[0].MessageCount != 2 {
			t.Errorf("Expected beta latest_seq=1 message_count=2, got %d/%d", infos[0].LatestSeq, infos[0].MessageCount)
		}
		if infos[0].Phase != proto.PhaseDispatchingTools {
			t.Errorf("Expected beta phase %s, got %s", proto.PhaseDispatchingTools, infos[0].Phase)
		}

		recent, err := mostRecent(ctx)
		if err != nil {
			t.Fatalf("MostRecentSession failed: %v", err)
		}
		if recent == nil || recent.SessionID != "session-beta" {
			t.Errorf("Expected most recent session-beta, got: %+v", recent)
		}
	}

	t.Run("sqlite", func(t *testing.T) {
		store := NewSQLiteStore(newTestDB(t))
		run(t, store, store.Sessions, store.MostRecentSession)
	})
	t.Run("memory", func(t *testing.T) {
		store := NewMemoryStore()
		run(t, store, store.Sessions, store.MostRecentSession)
	})
}

func TestLoadLatestCorruptPayload(t *testing.T) {
	db := newTestDB(t)
	store := NewSQLiteStore(db)
	ctx := context.Background()

	_, err := db.Exec(`
		INSERT INTO checkpoints (session_id, seq, phase, message_count, messages_json)
		VALUES (?, 1, ?, 1, ?)
	`, "session-corrupt", string(proto.PhaseAwaitingUserInput), `{"not*valid json`)
	if err != nil {
		t.Fatalf("Failed to insert corrupt row: %v", err)
	}

	if _, err := store.LoadLatest(ctx, "session-corrupt"); !errors.Is(err, ErrStoreCorrupt) {
		t.Errorf("Expected ErrStoreCorrupt for broken payload, got: %v", err)
	}
	if _, err := store.LoadAt(ctx, "session-corrupt", 1); !errors.Is(err, ErrStoreCorrupt) {
		t.Errorf("Expected ErrStoreCorrupt from LoadAt, got: %v", err)
	}
}

func TestLoadLatestCorruptHistory(t *testing.T) {
	db := newTestDB(t)
	store := NewSQLiteStore(db)

	// Parses as JSON but violates the history ordering: a tool_result
	// with no preceding tool_request.
	dangling := `[{"id":"m1","kind":"tool_result","call_id":"call-9","content":"x","timestamp":"2026-02-10T12:00:00Z"}]`
	_, err := db.Exec(`
		INSERT INTO checkpoints (session_id, seq, phase, message_count, messages_json)
		VALUES (?, 1, ?, 1, ?)
	`, "session-dangling", string(proto.PhaseAwaitingUserInput), dangling)
	if err != nil {
		t.Fatalf("Failed to insert row: %v", err)
	}

	if _, err := store.LoadLatest(context.Background(), "session-dangling"); !errors.Is(err, ErrStoreCorrupt) {
		t.Errorf("Expected ErrStoreCorrupt for invalid history, got: %v", err)
	}
}

func TestSchemaMigrationFromV1(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	// Recreate the version 1 layout by hand: checkpoints only, no
	// sessions summary.
	v1 := []string{
		`CREATE TABLE schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,
		`CREATE TABLE checkpoints (
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL CHECK (seq > 0),
			phase TEXT NOT NULL,
			message_count INTEGER NOT NULL DEFAULT 0,
			messages_json TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			PRIMARY KEY (session_id, seq)
		)`,
		`INSERT INTO schema_version (version) VALUES (1)`,
		`INSERT INTO checkpoints (session_id, seq, phase, message_count, messages_json, created_at)
			VALUES ('session-old', 1, 'AWAITING_USER_INPUT', 0, 'null', '2026-02-01T08:00:00Z')`,
		`INSERT INTO checkpoints (session_id, seq, phase, message_count, messages_json, created_at)
			VALUES ('session-old', 2, 'AWAITING_MODEL_RESPONSE', 1, '[]', '2026-02-01T08:01:00Z')`,
		`INSERT INTO checkpoints (session_id, seq, phase, message_count, messages_json, created_at)
			VALUES ('session-young', 1, 'AWAITING_USER_INPUT', 0, 'null', '2026-02-02T09:00:00Z')`,
	}
	for _, stmt := range v1 {
		if _, execErr := db.Exec(stmt); execErr != nil {
			t.Fatalf("Failed to build v1 fixture: %v", execErr)
		}
	}

	if err := initializeSchemaWithMigrations(db); err != nil {
		t.Fatalf("Migration failed: %v", err)
	}

	version, err := GetSchemaVersion(db)
	if err != nil {
		t.Fatalf("GetSchemaVersion failed: %v", err)
	}
	if version != CurrentSchemaVersion {
		t.Errorf("Expected schema version %d, got %d", CurrentSchemaVersion, version)
	}

	// The backfill seeds one summary row per session from its latest
	// checkpoint.
	infos, err := NewSQLiteStore(db).Sessions(context.Background())
	if err != nil {
		t.Fatalf("Sessions failed after migration: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("Expected 2 backfilled sessions, got %d", len(infos))
	}
	byID := make(map[string]SessionInfo, len(infos))
	for _, info := range infos {
		byID[info.SessionID] = info
	}
	old, ok := byID["session-old"]
	if !ok {
		t.Fatal("Expected session-old in summary")
	}
	if old.LatestSeq != 2 || old.Phase != proto.PhaseAwaitingModelResponse {
		t.Errorf("Expected session-old seq=2 phase=%s, got seq=%d phase=%s",
			proto.PhaseAwaitingModelResponse, old.LatestSeq, old.Phase)
	}
}

func TestGetSchemaVersionFreshDatabase(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	version, err := GetSchemaVersion(db)
	if err != nil {
		t.Fatalf("GetSchemaVersion failed: %v", err)
	}
	if version != 0 {
		t.Errorf("Expected version 0 for fresh database, got %d", version)
	}

	if err := initializeSchemaWithMigrations(db); err != nil {
		t.Fatalf("Schema creation failed: %v", err)
	}
	version, err = GetSchemaVersion(db)
	if err != nil {
		t.Fatalf("GetSchemaVersion failed: %v", err)
	}
	if version != CurrentSchemaVersion {
		t.Errorf("Expected version %d after creation, got %d", CurrentSchemaVersion, version)
	}
}
