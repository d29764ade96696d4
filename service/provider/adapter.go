package provider

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Mikecreed256/whatsapp-linking-service/logger"
	"github.com/Mikecreed256/whatsapp-linking-service/service/storage"
	errs "github.com/Mikecreed256/whatsapp-linking-service/tools/errs"
	"github.com/Mikecreed256/whatsapp-linking-service/tools/safe"
)

// State is the provider-link lifecycle. It is owned by the adapter; the
// session record mirrors it for the registry's benefit.
type State int32

const (
	StatePairing State = iota + 1
	StateConnected
	StateDisconnected
	StateLoggedOut
)

func (s State) String() string {
	switch s {
	case StatePairing:
		return "pairing"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateLoggedOut:
		return "logged_out"
	default:
		return "unknown"
	}
}

type Conf struct {
	RetryMax  int           // max consecutive reconnect attempts per outage
	RetryBase time.Duration // first backoff delay; doubles per attempt
}

func (c *Conf) norm() {
	if c.RetryMax <= 0 {
		c.RetryMax = 5
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
}

// Adapter wraps exactly one provider Client and owns its reconnect policy.
// Recoverable disconnects trigger a bounded backoff reconnect out-of-band from
// any request handling; logout is terminal and suppresses all reconnects.
type Adapter struct {
	sessionID string
	client    Client
	conf      Conf
	sink      Sink

	state atomic.Int32

	ctx         context.Context
	cancel      context.CancelFunc
	retryCh     chan struct{}
	destroyOnce sync.Once
}

// New builds the adapter and its client; it performs no I/O. Call Start to
// kick off the provider handshake in the background.
func New(sessionID string, factory Factory, creds storage.Credentials, sink Sink, conf Conf) (*Adapter, error) {
	conf.norm()
	ctx, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		sessionID: sessionID,
		conf:      conf,
		sink:      sink,
		ctx:       ctx,
		cancel:    cancel,
		retryCh:   make(chan struct{}, 1),
	}
	a.state.Store(int32(StatePairing))

	client, err := factory(sessionID, creds, Callbacks{
		QR:           a.onQR,
		Connected:    a.onConnected,
		Disconnected: a.onDisconnected,
		Status:       a.onStatus,
	})
	if err != nil {
		cancel()
		return nil, errs.ErrAuthFailure.WrapMsg("construct provider client", "session", sessionID)
	}
	a.client = client
	return a, nil
}

func (a *Adapter) SessionID() string { return a.sessionID }

func (a *Adapter) State() State { return State(a.state.Load()) }

func (a *Adapter) setState(s State) { a.state.Store(int32(s)) }

// Start launches the connect/reconnect loop. Safe to call once; the accept
// path must never wait on it.
func (a *Adapter) Start() {
	safe.Go(a.run)
}

func (a *Adapter) run() {
	a.tryConnect()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-a.retryCh:
			a.tryConnect()
		}
	}
}

// tryConnect drives one bounded connect sequence. A nil Connect return means
// the attempt was started; the connected signal itself arrives via callback.
func (a *Adapter) tryConnect() {
	delay := a.conf.RetryBase
	for attempt := 1; ; attempt++ {
		if a.State() == StateLoggedOut || a.ctx.Err() != nil {
			return
		}
		err := a.client.Connect(a.ctx)
		if err == nil {
			return
		}
		logger.Warnf("[adapter] connect failed session=%s attempt=%d err=%v", a.sessionID, attempt, err)
		if attempt >= a.conf.RetryMax {
			a.setState(StateDisconnected)
			a.emit(Event{Kind: EventDisconnected, Reason: ReasonRetryExhausted, Recoverable: false})
			return
		}
		select {
		case <-a.ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
	}
}

// RecentBroadcasts forwards to the client, guarded by connection state.
func (a *Adapter) RecentBroadcasts(ctx context.Context, limit int) ([]StatusItem, error) {
	if a.State() != StateConnected {
		return nil, errs.ErrProviderUnavailable.WrapMsg("fetch broadcasts", "session", a.sessionID, "state", a.State())
	}
	return a.client.RecentBroadcasts(ctx, limit)
}

// MediaByID forwards to the client, guarded by connection state.
func (a *Adapter) MediaByID(ctx context.Context, statusID string) ([]byte, string, error) {
	if a.State() != StateConnected {
		return nil, "", errs.ErrProviderUnavailable.WrapMsg("fetch media", "session", a.sessionID, "state", a.State())
	}
	return a.client.MediaByID(ctx, statusID)
}

// Logout signs out on the provider side. The adapter always ends up in
// LoggedOut, even when the provider call fails, and never reconnects again.
func (a *Adapter) Logout(ctx context.Context) error {
	a.setState(StateLoggedOut)
	err := a.client.Logout(ctx)
	a.setState(StateLoggedOut) // client callbacks may have raced a state change
	return err
}

// Destroy releases all adapter resources. Idempotent: a second call is a no-op.
func (a *Adapter) Destroy() {
	a.destroyOnce.Do(func() {
		a.cancel()
		a.client.Disconnect()
	})
}

func (a *Adapter) emit(e Event) {
	if a.ctx.Err() != nil {
		return
	}
	if a.sink == nil {
		return
	}
	e.SessionID = a.sessionID
	a.sink(e)
}

// ---- client callbacks ----

func (a *Adapter) onQR(payload string) {
	if a.State() == StateLoggedOut {
		return
	}
	a.setState(StatePairing)
	a.emit(Event{Kind: EventPairing, Pairing: payload})
}

func (a *Adapter) onConnected() {
	if a.State() == StateLoggedOut {
		return
	}
	a.setState(StateConnected)
	a.emit(Event{Kind: EventConnected})
}

func (a *Adapter) onDisconnected(reason string, recoverable bool) {
	if a.State() == StateLoggedOut {
		// terminal; a stale client callback must not resurrect the adapter
		a.emit(Event{Kind: EventDisconnected, Reason: ReasonLoggedOut, Recoverable: false})
		return
	}
	if recoverable {
		a.setState(StateDisconnected)
		a.emit(Event{Kind: EventDisconnected, Reason: reason, Recoverable: true})
		select {
		case a.retryCh <- struct{}{}:
		default:
		}
		return
	}
	a.setState(StateLoggedOut)
	a.emit(Event{Kind: EventDisconnected, Reason: reason, Recoverable: false})
}

func (a *Adapter) onStatus(item StatusItem) {
	if a.State() != StateConnected {
		return
	}
	a.emit(Event{Kind: EventStatus, Status: item})
}
