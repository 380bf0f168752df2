package persistence

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"parley/pkg/proto"
)

// MemoryStore implements CheckpointStore in process memory, for tests and
// embedding. Semantics mirror SQLiteStore: sequence numbers start at 1
// per session, and snapshots are isolated from caller mutation by deep
// copy on both write and read.
type MemoryStore struct {
	sessions map[string][]proto.Checkpoint
	mu       sync.Mutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string][]proto.Checkpoint),
	}
}

// Append commits a checkpoint and returns its assigned sequence number.
func (m *MemoryStore) Append(ctx context.Context, sessionID string, cp proto.Checkpoint) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := prepareForAppend(sessionID, &cp); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.sessions[sessionID]
	cp.Seq = int64(len(list)) + 1
	cp.Messages = proto.CloneMessages(cp.Messages)
	m.sessions[sessionID] = append(list, cp)
	return cp.Seq, nil
}

// LoadLatest returns the most recent checkpoint for a session.
// Returns nil, nil if the session has no checkpoints.
//
//nolint:nilnil // Absence of a checkpoint is a valid (non-error) outcome
func (m *MemoryStore) LoadLatest(ctx context.Context, sessionID string) (*proto.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.sessions[sessionID]
	if len(list) == 0 {
		return nil, nil
	}
	cp := list[len(list)-1]
	cp.Messages = proto.CloneMessages(cp.Messages)
	return &cp, nil
}

// LoadAt returns the checkpoint with the given sequence number.
func (m *MemoryStore) LoadAt(ctx context.Context, sessionID string, seq int64) (*proto.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.sessions[sessionID]
	// Sequence numbers are dense here, so the slice index is the lookup.
	if seq < 1 || seq > int64(len(list)) {
		return nil, fmt.Errorf("%w: session %s seq %d", ErrCheckpointNotFound, sessionID, seq)
	}
	cp := list[seq-1]
	cp.Messages = proto.CloneMessages(cp.Messages)
	return &cp, nil
}

// History lists a session's checkpoints in ascending sequence order.
func (m *MemoryStore) History(ctx context.Context, sessionID string) ([]CheckpointInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.sessions[sessionID]
	var infos []CheckpointInfo
	for i := range list {
		infos = append(infos, CheckpointInfo{
			CreatedAt:    list[i].CreatedAt,
			SessionID:    list[i].SessionID,
			Phase:        list[i].Phase,
			Seq:          list[i].Seq,
			MessageCount: len(list[i].Messages),
		})
	}
	return infos, nil
}

// Sessions lists all known sessions, most recently updated first.
func (m *MemoryStore) Sessions(ctx context.Context) ([]SessionInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var infos []SessionInfo
	for id, list := range m.sessions {
		if len(list) == 0 {
			continue
		}
		first, last := list[0], list[len(list)-1]
		infos = append(infos, SessionInfo{
			CreatedAt:    first.CreatedAt,
			UpdatedAt:    last.CreatedAt,
			SessionID:    id,
			Phase:        last.Phase,
			LatestSeq:    last.Seq,
			MessageCount: len(last.Messages),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].UpdatedAt.Equal(infos[j].UpdatedAt) {
			return infos[i].UpdatedAt.After(infos[j].UpdatedAt)
		}
		return infos[i].SessionID < infos[j].SessionID
	})
	return infos, nil
}

// MostRecentSession returns the session with the newest checkpoint.
// Returns nil, nil if the store holds no sessions at all.
//
//nolint:nilnil // An empty store is a valid (non-error) outcome
func (m *MemoryStore) MostRecentSession(ctx context.Context) (*SessionInfo, error) {
	infos, err := m.Sessions(ctx)
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, nil
	}
	return &infos[0], nil
}

// Ensure interface compliance at compile time.
var (
	_ CheckpointStore = (*MemoryStore)(nil)
	_ CheckpointStore = (*SQLiteStore)(nil)
)
