package provider

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Mikecreed256/whatsapp-linking-service/service/storage"
	errs "github.com/Mikecreed256/whatsapp-linking-service/tools/errs"
	"github.com/Mikecreed256/whatsapp-linking-service/tools/ids"
	"github.com/Mikecreed256/whatsapp-linking-service/tools/safe"
)

// ScriptedHub hands out in-process provider clients for dev mode and tests.
// Each session id gets one client; the hub keeps a handle so a test (or the
// dev REPL of the future) can drive pairing, drops and incoming statuses.
type ScriptedHub struct {
	mu      sync.Mutex
	clients map[string]*ScriptedClient

	// PairDelay postpones the connected signal after a QR challenge, to mimic
	// the human scanning step. Zero pairs instantly.
	PairDelay time.Duration
}

func NewScriptedHub() *ScriptedHub {
	return &ScriptedHub{clients: make(map[string]*ScriptedClient)}
}

// Factory returns the provider.Factory backed by this hub.
func (h *ScriptedHub) Factory() Factory {
	return func(sessionID string, creds storage.Credentials, cb Callbacks) (Client, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		c := &ScriptedClient{
			sessionID: sessionID,
			creds:     creds,
			cb:        cb,
			pairDelay: h.PairDelay,
			media:     make(map[string]scriptedMedia),
		}
		h.clients[sessionID] = c
		return c, nil
	}
}

// Client returns the client created for a session id, or nil.
func (h *ScriptedHub) Client(sessionID string) *ScriptedClient {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clients[sessionID]
}

type scriptedMedia struct {
	data []byte
	mime string
}

// ScriptedClient is a provider client whose behavior is driven by the caller
// instead of a real network. First connect for an unpaired session raises a QR
// challenge; once paired, the credential blob makes later connects resume
// silently.
type ScriptedClient struct {
	sessionID string
	creds     storage.Credentials
	cb        Callbacks
	pairDelay time.Duration

	mu        sync.Mutex
	connected bool
	loggedOut bool
	items     []StatusItem
	media     map[string]scriptedMedia

	// ConnectErr, when non-nil, fails the next Connect calls until cleared.
	ConnectErr error
}

func (c *ScriptedClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.loggedOut {
		c.mu.Unlock()
		return errs.ErrAuthFailure.WrapMsg("session is logged out", "session", c.sessionID)
	}
	if err := c.ConnectErr; err != nil {
		c.mu.Unlock()
		return err
	}
	delay := c.pairDelay
	c.mu.Unlock()

	if _, err := c.creds.Load(ctx, c.sessionID); err == nil {
		// valid credentials: resume without pairing
		c.markConnected()
		return nil
	}

	c.cb.QR("wls-pair:" + c.sessionID)
	if delay == 0 {
		c.finishPairing()
		return nil
	}
	safe.Go(func() {
		time.Sleep(delay)
		c.finishPairing()
	})
	return nil
}

func (c *ScriptedClient) finishPairing() {
	c.mu.Lock()
	if c.loggedOut {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	_ = c.creds.Save(context.Background(), c.sessionID, []byte("scripted-creds"))
	c.markConnected()
}

func (c *ScriptedClient) markConnected() {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.cb.Connected()
}

func (c *ScriptedClient) Disconnect() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func (c *ScriptedClient) Logout(ctx context.Context) error {
	c.mu.Lock()
	c.connected = false
	c.loggedOut = true
	c.mu.Unlock()
	_ = c.creds.Delete(ctx, c.sessionID)
	c.cb.Disconnected(ReasonLoggedOut, false)
	return nil
}

func (c *ScriptedClient) RecentBroadcasts(_ context.Context, limit int) ([]StatusItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]StatusItem, len(c.items))
	copy(out, c.items)
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (c *ScriptedClient) MediaByID(_ context.Context, statusID string) ([]byte, string, error) {
	c.mu.Lock()
	m, ok := c.media[statusID]
	c.mu.Unlock()
	if !ok {
		return nil, "", errs.ErrNotFound.WrapMsg("scripted media", "status_id", statusID)
	}
	return m.data, m.mime, nil
}

// ---- scripting surface ----

// Publish records a broadcast item and pushes it as a live status event.
// An empty item id gets a generated one.
func (c *ScriptedClient) Publish(item StatusItem, data []byte, mime string) {
	if item.ID == "" {
		item.ID = ids.GenerateString()
	}
	c.mu.Lock()
	c.items = append(c.items, item)
	if data != nil {
		c.media[item.ID] = scriptedMedia{data: data, mime: mime}
	}
	c.mu.Unlock()
	c.cb.Status(item)
}

// DropLink simulates a transport-level provider disconnect.
func (c *ScriptedClient) DropLink(reason string, recoverable bool) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.cb.Disconnected(reason, recoverable)
}
