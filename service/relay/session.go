package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mikecreed256/whatsapp-linking-service/logger"
	"github.com/Mikecreed256/whatsapp-linking-service/service/provider"
	"github.com/Mikecreed256/whatsapp-linking-service/service/storage"
)

// Session is one durable provider link. The adapter is exclusively owned:
// exactly one live adapter exists per session id, and Destroy tears it down
// exactly once.
type Session struct {
	ID        string
	Adapter   *provider.Adapter
	CreatedAt time.Time
}

func (s *Session) State() provider.State { return s.Adapter.State() }

type SessionRegistryConf struct {
	Factory provider.Factory
	Creds   storage.Credentials
	Sink    provider.Sink
	Adapter provider.Conf
	Clock   func() time.Time // injectable for tests; nil => time.Now
}

func (c *SessionRegistryConf) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// SessionRegistry owns creation, lookup and teardown of provider sessions.
// One mutex covers the lookup-or-construct step; adapter construction does no
// I/O, so holding it is cheap and guarantees concurrent GetOrCreate calls for
// the same id construct a single adapter.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	conf     SessionRegistryConf
}

func NewSessionRegistry(conf SessionRegistryConf) *SessionRegistry {
	conf.norm()
	return &SessionRegistry{
		sessions: make(map[string]*Session),
		conf:     conf,
	}
}

// GetOrCreate returns the session for sessionID when it is known. An unknown
// non-empty id creates the session under that id, so credential restore keyed
// by it can skip re-pairing; an empty id allocates a fresh one. The single
// lock over lookup-and-construct means concurrent calls racing on the same id
// construct exactly one adapter.
func (r *SessionRegistry) GetOrCreate(sessionID string) (*Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := sessionID
	if id != "" {
		if s, ok := r.sessions[id]; ok {
			return s, false, nil
		}
	} else {
		id = uuid.NewString()
	}
	adapter, err := provider.New(id, r.conf.Factory, r.conf.Creds, r.conf.Sink, r.conf.Adapter)
	if err != nil {
		return nil, false, err
	}
	s := &Session{
		ID:        id,
		Adapter:   adapter,
		CreatedAt: r.conf.Clock(),
	}
	r.sessions[id] = s
	adapter.Start()
	logger.Infof("[sessions] created session=%s", id)
	return s, true, nil
}

func (r *SessionRegistry) Get(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// Destroy removes the session and tears down its adapter. Calling it for an
// absent id is a no-op.
func (r *SessionRegistry) Destroy(sessionID string) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	s.Adapter.Destroy()
	logger.Infof("[sessions] destroyed session=%s", sessionID)
}

func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns all sessions at a point in time. Used by the reaper so it
// never holds the registry lock while destroying adapters.
func (r *SessionRegistry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
