package relay

import (
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/Mikecreed256/whatsapp-linking-service/logger"
	"github.com/Mikecreed256/whatsapp-linking-service/service/provider"
	errs "github.com/Mikecreed256/whatsapp-linking-service/tools/errs"
	"github.com/Mikecreed256/whatsapp-linking-service/tools/safe"
)

// Close code sent when the connect query is missing client_id.
const CloseMissingClientID = 4000

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandleWS accepts one client transport. client_id is required; session_id is
// optional and triggers resumption of an existing provider session.
func (s *Server) HandleWS(c *gin.Context) {
	clientID := c.Query("client_id")
	sessionID := c.Query("session_id")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warnf("[ws] upgrade failed: %v", err)
		return
	}

	if clientID == "" {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseMissingClientID, "Missing client ID"),
			time.Now().Add(s.cfg.WriteWait))
		_ = ws.Close()
		return
	}

	_, att, resumed := s.conns.Register(clientID, ws)
	logger.Infof("[ws] client=%s connected resumed=%v remote=%s", clientID, resumed, ws.RemoteAddr())
	s.startWritePump(clientID, att)

	s.conns.SendTo(clientID, BuildInfo("Connected to status relay"))

	ws.SetPongHandler(func(string) error {
		s.conns.Touch(clientID)
		return nil
	})

	// resolve the session binding without blocking the read loop; provider
	// handshakes can take many seconds and happen in the adapter's goroutines
	s.bindOrCreate(clientID, sessionID)

	for {
		mt, data, rerr := ws.ReadMessage()
		if rerr != nil {
			if websocket.IsCloseError(rerr,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Infof("[ws] peer closed client=%s", clientID)
			} else if ne, ok := rerr.(net.Error); ok && ne.Timeout() {
				logger.Infof("[ws] read timeout client=%s err=%v", clientID, rerr)
			} else {
				logger.Infof("[ws] read err client=%s err=%v", clientID, rerr)
			}
			break
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		s.router.HandleFrame(clientID, data)
	}

	// transport gone; the record survives for resumption until the reaper
	// gives up on it
	s.conns.MarkTransportClosed(clientID, ws)
}

// bindOrCreate resolves which session this connection belongs to: a provided
// known session id wins, then a surviving binding from a previous transport,
// otherwise a fresh session is created.
func (s *Server) bindOrCreate(clientID, providedSessionID string) {
	sid := providedSessionID
	if sid == "" {
		if prev, ok := s.conns.SessionOf(clientID); ok {
			sid = prev
		}
	}

	sess, isNew, err := s.sessions.GetOrCreate(sid)
	if err != nil {
		logger.Errorf("[ws] session create failed client=%s err=%+v", clientID, err)
		s.conns.SendTo(clientID, BuildError(errs.CodeAuthFailure, "could not create provider session"))
		return
	}
	s.conns.BindSession(clientID, sess.ID)

	if isNew {
		logger.Infof("[ws] client=%s bound to new session=%s", clientID, sess.ID)
	} else {
		logger.Infof("[ws] client=%s resumed session=%s state=%s", clientID, sess.ID, sess.State())
	}
	if sess.State() == provider.StateConnected {
		// already paired (resumption, or the adapter connected before the
		// binding landed): success is immediate
		s.conns.SendTo(clientID, BuildConnectionSuccess(sess.ID))
	}
}

// startWritePump runs the single writer goroutine for one attachment. All
// frames and pings for this transport funnel through here; gorilla conns do
// not allow concurrent writers.
func (s *Server) startWritePump(clientID string, att Attachment) {
	pingInterval := s.cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = 25 * time.Second
	}
	writeWait := s.cfg.WriteWait
	if writeWait <= 0 {
		writeWait = 10 * time.Second
	}

	safe.Go(func() {
		ticker := time.NewTicker(pingInterval)
		defer func() {
			ticker.Stop()
			closeQuiet(att.WS)
		}()

		for {
			select {
			case payload, ok := <-att.Queue:
				if !ok {
					// detached: say goodbye and release the socket
					_ = att.WS.SetWriteDeadline(time.Now().Add(writeWait))
					_ = att.WS.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
				_ = att.WS.SetWriteDeadline(time.Now().Add(writeWait))
				if err := att.WS.WriteMessage(websocket.TextMessage, payload); err != nil {
					logger.Infof("[ws] write err client=%s err=%v", clientID, err)
					return
				}
			case <-ticker.C:
				if err := att.WS.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeWait)); err != nil {
					logger.Infof("[ws] ping err client=%s err=%v", clientID, err)
					return
				}
			}
		}
	})
}

// HandleHealth reports the relay's registry sizes.
func (s *Server) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"clients":  s.conns.Count(),
		"sessions": s.sessions.Count(),
	})
}
