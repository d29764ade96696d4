package relay

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock for registry tests.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time               { return c.now }
func (c *fakeClock) Advance(d time.Duration)      { c.now = c.now.Add(d) }
func (c *fakeClock) At(d time.Duration) time.Time { return c.now.Add(d) }

func TestRegisterThenResume(t *testing.T) {
	clk := newFakeClock()
	r := NewConnRegistry(ConnConf{Clock: clk.Now})

	c, att, resumed := r.Register("viewer-1", nil)
	require.False(t, resumed)
	require.NotNil(t, att.Queue)
	assert.Equal(t, "viewer-1", c.ClientID)
	assert.Equal(t, 1, r.Count())
	assert.Equal(t, 1, r.LiveCount())

	r.BindSession("viewer-1", "sess-a")

	// transport drops; record and binding survive
	r.MarkTransportClosed("viewer-1", nil)
	assert.Equal(t, 1, r.Count())
	assert.Equal(t, 0, r.LiveCount())
	assert.False(t, r.TransportAttached("viewer-1"))
	sid, ok := r.SessionOf("viewer-1")
	require.True(t, ok)
	assert.Equal(t, "sess-a", sid)

	// the old queue was closed on detach
	_, open := <-att.Queue
	assert.False(t, open)

	c2, att2, resumed := r.Register("viewer-1", nil)
	assert.True(t, resumed)
	assert.Same(t, c, c2)
	require.NotNil(t, att2.Queue)
	sid, _ = r.SessionOf("viewer-1")
	assert.Equal(t, "sess-a", sid)
	assert.True(t, r.SendTo("viewer-1", []byte(`{"type":"info"}`)))
}

func TestMarkTransportClosedIgnoresStaleTransport(t *testing.T) {
	r := NewConnRegistry(ConnConf{})

	current := &websocket.Conn{}
	r.Register("viewer-1", current)

	// a read loop from an older, already replaced socket must not detach the
	// live one
	stale := &websocket.Conn{}
	r.MarkTransportClosed("viewer-1", stale)
	assert.True(t, r.TransportAttached("viewer-1"))

	r.MarkTransportClosed("viewer-1", current)
	assert.False(t, r.TransportAttached("viewer-1"))
}

func TestBindSessionMaintainsIndex(t *testing.T) {
	r := NewConnRegistry(ConnConf{})

	r.Register("a", nil)
	r.Register("b", nil)
	r.BindSession("a", "sess-1")
	r.BindSession("b", "sess-1")
	assert.ElementsMatch(t, []string{"a", "b"}, r.AllBoundTo("sess-1"))
	assert.Equal(t, 2, r.CountBoundTo("sess-1"))

	// rebinding moves the client between session buckets
	r.BindSession("b", "sess-2")
	assert.ElementsMatch(t, []string{"a"}, r.AllBoundTo("sess-1"))
	assert.ElementsMatch(t, []string{"b"}, r.AllBoundTo("sess-2"))

	r.UnbindSession("sess-1")
	assert.Empty(t, r.AllBoundTo("sess-1"))
	sid, ok := r.SessionOf("a")
	require.True(t, ok)
	assert.Empty(t, sid)

	// binding an unknown client is a no-op
	r.BindSession("ghost", "sess-1")
	assert.Equal(t, 0, r.CountBoundTo("sess-1"))
}

func TestSendToRequiresLiveTransport(t *testing.T) {
	r := NewConnRegistry(ConnConf{SendQueue: 1})

	assert.False(t, r.SendTo("nobody", []byte("x")))

	_, att, _ := r.Register("viewer-1", nil)
	require.True(t, r.SendTo("viewer-1", []byte("one")))
	// queue of one is now full: drop, not block
	assert.False(t, r.SendTo("viewer-1", []byte("two")))
	assert.Equal(t, []byte("one"), <-att.Queue)

	r.MarkTransportClosed("viewer-1", nil)
	assert.False(t, r.SendTo("viewer-1", []byte("three")))
}

func TestExpireDetached(t *testing.T) {
	clk := newFakeClock()
	r := NewConnRegistry(ConnConf{Clock: clk.Now})
	const timeout = time.Hour

	r.Register("live", nil)
	r.Register("idle", nil)
	r.Register("fresh", nil)
	r.BindSession("idle", "sess-1")
	r.MarkTransportClosed("idle", nil)

	clk.Advance(2 * time.Hour)
	r.MarkTransportClosed("fresh", nil)
	r.Touch("fresh")

	// "live" is ancient but still attached; "fresh" detached just now
	removed := r.ExpireDetached(clk.Now(), timeout)
	assert.ElementsMatch(t, []string{"idle"}, removed)
	assert.Equal(t, 2, r.Count())
	assert.Equal(t, 0, r.CountBoundTo("sess-1"))

	clk.Advance(2 * time.Hour)
	removed = r.ExpireDetached(clk.Now(), timeout)
	assert.ElementsMatch(t, []string{"fresh"}, removed)
	assert.Equal(t, 1, r.Count())
	assert.True(t, r.TransportAttached("live"))
}
