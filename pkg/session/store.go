package session

import (
	"context"
	"sync"

	"github.com/uplinkd/uplink/pkg/apperrors"
	"github.com/uplinkd/uplink/pkg/types"
)

// SessionStore is the persistence boundary for upload sessions. The
// registry is its sole writer; per-uploadId locking lives in the
// registry, so implementations only need to be individually
// thread-safe.
type SessionStore interface {
	Get(ctx context.Context, uploadID string) (*types.UploadSession, error)
	Put(ctx context.Context, session *types.UploadSession) error
	Delete(ctx context.Context, uploadID string) error
	List(ctx context.Context) ([]*types.UploadSession, error)
}

// FileStore persists permanent file records created at completion.
type FileStore interface {
	Save(ctx context.Context, record *types.FileRecord) error
	Get(ctx context.Context, id string) (*types.FileRecord, error)
	Delete(ctx context.Context, id string) error
}

// MemoryStore keeps sessions and file records in process memory.
// Default backing store; swap in the SQLite store for durability
// across server restarts.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*types.UploadSession
	files    map[string]*types.FileRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*types.UploadSession),
		files:    make(map[string]*types.FileRecord),
	}
}

func (m *MemoryStore) Get(ctx context.Context, uploadID string) (*types.UploadSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[uploadID]
	if !ok {
		return nil, apperrors.ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) Put(ctx context.Context, session *types.UploadSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.UploadID] = session.Clone()
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, uploadID)
	return nil
}

func (m *MemoryStore) List(ctx context.Context) ([]*types.UploadSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.UploadSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Clone())
	}
	return out, nil
}

func (m *MemoryStore) Save(ctx context.Context, record *types.FileRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *record
	m.files[record.ID] = &cp
	return nil
}

func (m *MemoryStore) fileGet(id string) (*types.FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.files[id]
	if !ok {
		return nil, apperrors.ErrFileNotFound
	}
	cp := *r
	return &cp, nil
}

// memoryFiles adapts MemoryStore to the FileStore interface.
type memoryFiles struct{ *MemoryStore }

func (m memoryFiles) Get(ctx context.Context, id string) (*types.FileRecord, error) {
	return m.fileGet(id)
}

func (m memoryFiles) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, id)
	return nil
}

// Files returns the FileStore view of the memory store.
func (m *MemoryStore) Files() FileStore { return memoryFiles{m} }
