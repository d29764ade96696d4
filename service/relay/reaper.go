package relay

import (
	"sync"
	"time"

	"github.com/Mikecreed256/whatsapp-linking-service/logger"
	"github.com/Mikecreed256/whatsapp-linking-service/tools/safe"
)

type ReaperConf struct {
	SweepEvery        time.Duration // sweep period
	InactivityTimeout time.Duration // dead-transport connection eviction age
	SessionGrace      time.Duration // minimum session age before orphan teardown
	Clock             func() time.Time
}

func (c *ReaperConf) norm() {
	if c.SweepEvery <= 0 {
		c.SweepEvery = 15 * time.Minute
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = time.Hour
	}
	if c.SessionGrace <= 0 {
		c.SessionGrace = c.InactivityTimeout
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Reaper periodically evicts connections whose transport is gone and idle past
// the timeout, then tears down sessions left with zero bound connections. The
// two-phase order guarantees a session is never destroyed while a still-live
// connection references it, even a momentarily transport-less one.
type Reaper struct {
	conns    *ConnRegistry
	sessions *SessionRegistry
	conf     ReaperConf

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewReaper(conns *ConnRegistry, sessions *SessionRegistry, conf ReaperConf) *Reaper {
	conf.norm()
	return &Reaper{
		conns:    conns,
		sessions: sessions,
		conf:     conf,
		stopCh:   make(chan struct{}),
	}
}

func (rp *Reaper) Start() {
	safe.Go(func() {
		t := time.NewTicker(rp.conf.SweepEvery)
		defer t.Stop()
		for {
			select {
			case <-rp.stopCh:
				return
			case now := <-t.C:
				rp.SweepOnce(now)
			}
		}
	})
}

func (rp *Reaper) Stop() {
	rp.stopOnce.Do(func() { close(rp.stopCh) })
}

// SweepOnce runs both phases against the given time. Exported with an explicit
// clock so tests drive it deterministically.
func (rp *Reaper) SweepOnce(now time.Time) {
	removed := rp.conns.ExpireDetached(now, rp.conf.InactivityTimeout)
	for _, id := range removed {
		logger.Infof("[reaper] evicted connection client=%s", id)
	}

	for _, s := range rp.sessions.Snapshot() {
		if rp.conns.CountBoundTo(s.ID) > 0 {
			continue
		}
		if now.Sub(s.CreatedAt) <= rp.conf.SessionGrace {
			// fresh session that may still be mid-pairing
			continue
		}
		logger.Infof("[reaper] destroying orphaned session=%s", s.ID)
		rp.sessions.Destroy(s.ID)
	}
}
