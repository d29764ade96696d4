package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Mikecreed256/whatsapp-linking-service/logger"
)

type ConnConf struct {
	SendQueue int              // per-connection outbound queue size
	Clock     func() time.Time // injectable for tests; nil => time.Now
}

func (c *ConnConf) norm() {
	if c.SendQueue <= 0 {
		c.SendQueue = 256
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// ClientConn is one client record. The transport reference is cleared, not the
// record, when the socket drops; the record survives so the same client_id can
// resume its session binding on the next physical connect. transportAttached
// makes the resumption-vs-eviction distinction an explicit, testable condition.
type ClientConn struct {
	ClientID  string
	SessionID string // empty while no session is bound

	CreatedAt      time.Time
	LastActivityAt time.Time

	transportAttached bool
	ws                *websocket.Conn
	send              chan []byte
}

// Attachment is the pair a write pump works against. It is snapshotted at
// Register time so a later rebind never races the old pump.
type Attachment struct {
	WS    *websocket.Conn
	Queue chan []byte
}

// ConnRegistry maps client ids to connection records, double-indexed by the
// session they are bound to for fan-out.
type ConnRegistry struct {
	mu        sync.RWMutex
	byClient  map[string]*ClientConn
	bySession map[string]map[string]*ClientConn
	conf      ConnConf
}

func NewConnRegistry(conf ConnConf) *ConnRegistry {
	conf.norm()
	return &ConnRegistry{
		byClient:  make(map[string]*ClientConn),
		bySession: make(map[string]map[string]*ClientConn),
		conf:      conf,
	}
}

// Register records a new transport for clientID. An existing record with a
// detached transport is rebound (resumption path); an existing record with a
// live transport has it evicted first, newest transport wins. resumed reports
// whether an existing record was reused.
func (r *ConnRegistry) Register(clientID string, ws *websocket.Conn) (*ClientConn, Attachment, bool) {
	now := r.conf.Clock()
	r.mu.Lock()
	defer r.mu.Unlock()

	c, resumed := r.byClient[clientID]
	if resumed {
		if c.transportAttached && c.ws != nil && c.ws != ws {
			closeQuiet(c.ws)
		}
		if c.send != nil {
			close(c.send)
		}
	} else {
		c = &ClientConn{ClientID: clientID, CreatedAt: now}
		r.byClient[clientID] = c
	}

	c.ws = ws
	c.transportAttached = true
	c.send = make(chan []byte, r.conf.SendQueue)
	c.LastActivityAt = now

	return c, Attachment{WS: ws, Queue: c.send}, resumed
}

// BindSession binds clientID to sessionID and maintains the session index.
func (r *ConnRegistry) BindSession(clientID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byClient[clientID]
	if !ok {
		return
	}
	if c.SessionID != "" && c.SessionID != sessionID {
		r.dropSessionIndexLocked(c)
	}
	c.SessionID = sessionID
	if sessionID == "" {
		return
	}
	m := r.bySession[sessionID]
	if m == nil {
		m = make(map[string]*ClientConn)
		r.bySession[sessionID] = m
	}
	m[clientID] = c
}

// UnbindSession clears the binding of every connection bound to sessionID.
// Called after a session is destroyed so records never dangle.
func (r *ConnRegistry) UnbindSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.bySession[sessionID] {
		c.SessionID = ""
	}
	delete(r.bySession, sessionID)
}

// MarkTransportClosed clears the transport reference only; the record and its
// session binding survive for resumption. The ws argument guards against a
// stale read loop detaching a newer transport after a quick reconnect.
func (r *ConnRegistry) MarkTransportClosed(clientID string, ws *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byClient[clientID]
	if !ok || c.ws != ws {
		return
	}
	c.ws = nil
	c.transportAttached = false
	if c.send != nil {
		close(c.send)
		c.send = nil
	}
}

// Touch refreshes the activity timestamp; called on every inbound message and
// on heartbeat/pong.
func (r *ConnRegistry) Touch(clientID string) {
	now := r.conf.Clock()
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.byClient[clientID]; ok {
		c.LastActivityAt = now
	}
}

// SessionOf returns the session binding for a client id.
func (r *ConnRegistry) SessionOf(clientID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byClient[clientID]
	if !ok {
		return "", false
	}
	return c.SessionID, true
}

// TransportAttached reports whether the client currently has a live transport.
func (r *ConnRegistry) TransportAttached(clientID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byClient[clientID]
	return ok && c.transportAttached
}

// AllBoundTo returns the client ids currently bound to a session.
func (r *ConnRegistry) AllBoundTo(sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := r.bySession[sessionID]
	out := make([]string, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	return out
}

func (r *ConnRegistry) CountBoundTo(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySession[sessionID])
}

// SendTo enqueues a payload for one client. Detached transports and full
// queues are skipped silently: delivery is at-most-once, best-effort while
// connected.
func (r *ConnRegistry) SendTo(clientID string, payload []byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.byClient[clientID]
	if !ok || !c.transportAttached || c.send == nil {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		logger.Warnf("[conns] send queue full, drop frame client=%s", clientID)
		return false
	}
}

// Remove deletes the record entirely and closes any live transport.
func (r *ConnRegistry) Remove(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(clientID)
}

func (r *ConnRegistry) removeLocked(clientID string) {
	c, ok := r.byClient[clientID]
	if !ok {
		return
	}
	delete(r.byClient, clientID)
	r.dropSessionIndexLocked(c)
	if c.send != nil {
		close(c.send)
		c.send = nil
	}
	closeQuiet(c.ws)
	c.ws = nil
	c.transportAttached = false
}

func (r *ConnRegistry) dropSessionIndexLocked(c *ClientConn) {
	if c.SessionID == "" {
		return
	}
	if m := r.bySession[c.SessionID]; m != nil {
		delete(m, c.ClientID)
		if len(m) == 0 {
			delete(r.bySession, c.SessionID)
		}
	}
}

// ExpireDetached removes every record whose transport is gone and whose last
// activity is older than timeout. Returns the removed client ids.
func (r *ConnRegistry) ExpireDetached(now time.Time, timeout time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for id, c := range r.byClient {
		if c.transportAttached {
			continue
		}
		if now.Sub(c.LastActivityAt) > timeout {
			removed = append(removed, id)
		}
	}
	for _, id := range removed {
		r.removeLocked(id)
	}
	return removed
}

func (r *ConnRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byClient)
}

// LiveCount counts connections with an attached transport.
func (r *ConnRegistry) LiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, c := range r.byClient {
		if c.transportAttached {
			n++
		}
	}
	return n
}

func closeQuiet(c *websocket.Conn) {
	if c != nil {
		_ = c.Close()
	}
}
