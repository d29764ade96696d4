package storage

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrNoCredentials is returned when no credential blob exists for a session id.
var ErrNoCredentials = errors.New("no credentials for session")

// Credentials persists opaque provider credential blobs keyed by session id,
// so that a repeated adapter create for the same id resumes without re-pairing.
// The blob format belongs to the provider client; the store never inspects it.
type Credentials interface {
	Load(ctx context.Context, sessionID string) ([]byte, error)
	Save(ctx context.Context, sessionID string, blob []byte) error
	Delete(ctx context.Context, sessionID string) error
}

// Memory is the default, process-local credential store.
type Memory struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

func (m *Memory) Load(_ context.Context, sessionID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	blob, ok := m.blobs[sessionID]
	if !ok {
		return nil, ErrNoCredentials
	}
	out := make([]byte, len(blob))
	copy(out, blob)
	return out, nil
}

func (m *Memory) Save(_ context.Context, sessionID string, blob []byte) error {
	if sessionID == "" {
		return errors.New("empty session id")
	}
	cp := make([]byte, len(blob))
	copy(cp, blob)
	m.mu.Lock()
	m.blobs[sessionID] = cp
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	delete(m.blobs, sessionID)
	m.mu.Unlock()
	return nil
}
