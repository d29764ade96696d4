package relay

import (
	"context"
	"encoding/base64"
	"time"

	qrcode "github.com/skip2/go-qrcode"
	"golang.org/x/sync/singleflight"

	"github.com/Mikecreed256/whatsapp-linking-service/logger"
	"github.com/Mikecreed256/whatsapp-linking-service/service/provider"
	errs "github.com/Mikecreed256/whatsapp-linking-service/tools/errs"
	"github.com/Mikecreed256/whatsapp-linking-service/tools/safe"
)

type RouterConf struct {
	DisconnectTimeout time.Duration // deadline on provider logout during disconnect
	RequestTimeout    time.Duration // deadline on fetch-type requests
	FetchLimit        int           // broadcast history page size
}

func (c *RouterConf) norm() {
	if c.DisconnectTimeout <= 0 {
		c.DisconnectTimeout = 30 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 60 * time.Second
	}
	if c.FetchLimit <= 0 {
		c.FetchLimit = 50
	}
}

// HandlerFunc processes one inbound frame for one client. A returned error is
// converted into an error event for that client only.
type HandlerFunc func(clientID string, in *Inbound) error

// Router dispatches inbound client frames to the bound provider session and
// provider events to every connection bound to that session. Every handler is
// failure-isolated: a panic or error reaches the requesting connection as a
// structured error event and nothing else.
type Router struct {
	sessions *SessionRegistry
	conns    *ConnRegistry
	fanout   *Fanout
	conf     RouterConf

	handlers map[string]HandlerFunc
	media    singleflight.Group
}

func NewRouter(sessions *SessionRegistry, conns *ConnRegistry, fanout *Fanout, conf RouterConf) *Router {
	conf.norm()
	r := &Router{
		sessions: sessions,
		conns:    conns,
		fanout:   fanout,
		conf:     conf,
	}
	r.handlers = map[string]HandlerFunc{
		KindHeartbeat:     r.handleHeartbeat,
		KindAuthenticate:  r.handleAuthenticate,
		KindRequestStatus: r.handleRequestStatus,
		KindRequestMedia:  r.handleRequestMedia,
		KindRequestThumb:  r.handleRequestThumbnail,
		KindDisconnect:    r.handleDisconnect,
	}
	return r
}

// HandleFrame is the single entry point for inbound client traffic.
func (r *Router) HandleFrame(clientID string, raw []byte) {
	r.conns.Touch(clientID)

	in, perr := ParseInbound(raw)
	if perr != nil {
		logger.Warnf("[router] parse frame client=%s err=%v len=%d", clientID, perr, len(raw))
		r.conns.SendTo(clientID, BuildError(errs.CodeMessageParse, errs.ErrMessageParse.Msg))
		return
	}

	h, ok := r.handlers[in.Type]
	if !ok {
		logger.Warnf("[router] no handler client=%s type=%s", clientID, in.Type)
		r.conns.SendTo(clientID, BuildError(errs.CodeMessageParse, "unknown message type"))
		return
	}

	var herr error
	if rec := safe.Call(func() { herr = h(clientID, in) }); rec != nil {
		herr = errs.ErrPanic(rec)
	}
	if herr != nil {
		code := errs.CodeOf(herr, errs.CodeInternal)
		msg := errs.MsgOf(herr, "internal server error")
		logger.Errorf("[router] handler failed client=%s type=%s err=%+v", clientID, in.Type, herr)
		r.conns.SendTo(clientID, BuildError(code, msg))
	}
}

// ---- inbound handlers ----

func (r *Router) handleHeartbeat(string, *Inbound) error {
	// activity already touched in HandleFrame
	return nil
}

func (r *Router) handleAuthenticate(string, *Inbound) error {
	// post-handshake no-op kept for wire compatibility
	return nil
}

func (r *Router) handleRequestStatus(clientID string, _ *Inbound) error {
	s, err := r.boundSession(clientID)
	if err != nil {
		return err
	}

	r.conns.SendTo(clientID, BuildStatusFetchStart("Refreshing status updates"))

	ctx, cancel := context.WithTimeout(context.Background(), r.conf.RequestTimeout)
	defer cancel()
	items, err := s.Adapter.RecentBroadcasts(ctx, r.conf.FetchLimit)
	if err != nil {
		return errs.ErrRefresh.WrapMsg("recent broadcasts", "session", s.ID, "cause", err)
	}
	r.conns.SendTo(clientID, BuildStatusUpdate(items))
	return nil
}

func (r *Router) handleRequestMedia(clientID string, in *Inbound) error {
	data, mime, err := r.fetchMedia(clientID, in)
	if err != nil {
		if precondition(err) {
			return err
		}
		return errs.ErrMedia.WrapMsg("fetch media", "status_id", in.StatusID, "cause", err)
	}
	r.conns.SendTo(clientID, BuildMediaData(in.StatusID, data, mime))
	return nil
}

// handleRequestThumbnail is intentionally the same fetch as handleRequestMedia
// with its own event and error code: no thumbnail downscaling exists today,
// the full media payload is passed through.
func (r *Router) handleRequestThumbnail(clientID string, in *Inbound) error {
	data, mime, err := r.fetchMedia(clientID, in)
	if err != nil {
		if precondition(err) {
			return err
		}
		return errs.ErrThumbnail.WrapMsg("fetch thumbnail", "status_id", in.StatusID, "cause", err)
	}
	r.conns.SendTo(clientID, BuildThumbnailData(in.StatusID, data, mime))
	return nil
}

type mediaResult struct {
	data []byte
	mime string
}

// precondition reports whether err is a request precondition failure (no
// session bound, bad frame) whose code must reach the client unmasked.
func precondition(err error) bool {
	switch errs.CodeOf(err, "") {
	case errs.CodeNoSession, errs.CodeMessageParse:
		return true
	}
	return false
}

func (r *Router) fetchMedia(clientID string, in *Inbound) ([]byte, string, error) {
	s, err := r.boundSession(clientID)
	if err != nil {
		return nil, "", err
	}
	if in.StatusID == "" {
		return nil, "", errs.ErrMessageParse.WrapMsg("status_id required")
	}

	// concurrent requests for the same status share one provider download
	key := s.ID + "/" + in.StatusID
	v, err, _ := r.media.Do(key, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), r.conf.RequestTimeout)
		defer cancel()
		data, mime, ferr := s.Adapter.MediaByID(ctx, in.StatusID)
		if ferr != nil {
			return nil, ferr
		}
		return mediaResult{data: data, mime: mime}, nil
	})
	if err != nil {
		return nil, "", err
	}
	res := v.(mediaResult)
	return res.data, res.mime, nil
}

func (r *Router) handleDisconnect(clientID string, _ *Inbound) error {
	sid, _ := r.conns.SessionOf(clientID)
	if sid != "" {
		if s, ok := r.sessions.Get(sid); ok {
			ctx, cancel := context.WithTimeout(context.Background(), r.conf.DisconnectTimeout)
			if err := s.Adapter.Logout(ctx); err != nil {
				logger.Warnf("[router] provider logout failed session=%s err=%v", sid, err)
			}
			cancel()
			r.teardownSession(sid, "Session disconnected")
		}
	}
	// always acknowledged, even when no session was bound (idempotent)
	r.conns.SendTo(clientID, BuildDisconnected("Session disconnected"))
	return nil
}

// boundSession resolves the requester's session; any miss (no binding, dead
// session, provider not connected) is NO_SESSION toward the client.
func (r *Router) boundSession(clientID string) (*Session, error) {
	sid, ok := r.conns.SessionOf(clientID)
	if !ok || sid == "" {
		return nil, errs.ErrNoSession.WrapMsg("no session bound", "client", clientID)
	}
	s, ok := r.sessions.Get(sid)
	if !ok {
		// orphaned binding: the session is gone
		return nil, errs.ErrNoSession.WrapMsg("session not in registry", "client", clientID, "session", sid)
	}
	if s.State() != provider.StateConnected {
		return nil, errs.ErrNoSession.WrapMsg("session not connected", "session", sid, "state", s.State())
	}
	return s, nil
}

// teardownSession destroys the session, notifies every bound connection and
// clears their bindings. Safe to call twice; the second call finds nothing.
func (r *Router) teardownSession(sessionID, message string) {
	bound := r.conns.AllBoundTo(sessionID)
	r.sessions.Destroy(sessionID)
	r.fanout.Broadcast(bound, BuildQRCodeStatus(QRStatusDisconnected, "", message))
	r.fanout.Broadcast(bound, BuildDisconnected(message))
	r.conns.UnbindSession(sessionID)
}

// ---- provider events ----

// HandleProviderEvent fans one adapter event out to every connection bound to
// the owning session. Called from the server's event pump goroutine.
func (r *Router) HandleProviderEvent(e provider.Event) {
	switch e.Kind {
	case provider.EventPairing:
		r.broadcast(e.SessionID, BuildQRCodeStatus(QRStatusGenerated, encodeQR(e.Pairing), "Scan the QR code with your phone"))

	case provider.EventConnected:
		r.broadcast(e.SessionID, BuildQRCodeStatus(QRStatusAuthenticated, "", "WhatsApp session authenticated"))
		r.broadcast(e.SessionID, BuildConnectionSuccess(e.SessionID))

	case provider.EventStatus:
		r.broadcast(e.SessionID, BuildStatusUpdate([]provider.StatusItem{e.Status}))

	case provider.EventDisconnected:
		if e.Recoverable {
			// adapter reconnects out-of-band; clients see no events until
			// connected fires again
			logger.Infof("[router] session=%s recoverable disconnect reason=%s", e.SessionID, e.Reason)
			return
		}
		logger.Infof("[router] session=%s terminal disconnect reason=%s", e.SessionID, e.Reason)
		r.teardownSession(e.SessionID, "WhatsApp session ended: "+e.Reason)
	}
}

func (r *Router) broadcast(sessionID string, payload []byte) {
	r.fanout.Broadcast(r.conns.AllBoundTo(sessionID), payload)
}

// encodeQR renders the pairing payload as a base64 PNG. On render failure the
// raw payload is passed through so the client can still pair manually.
func encodeQR(payload string) string {
	png, err := qrcode.Encode(payload, qrcode.Medium, 256)
	if err != nil {
		logger.Warnf("[router] qr encode failed: %v", err)
		return payload
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
}
