package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mikecreed256/whatsapp-linking-service/global/config"
	"github.com/Mikecreed256/whatsapp-linking-service/service/provider"
	"github.com/Mikecreed256/whatsapp-linking-service/service/storage"
)

type wsFixture struct {
	srv *Server
	hub *provider.ScriptedHub
	ts  *httptest.Server
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.AppConfig{
		WSPath:            "/ws",
		PingInterval:      10 * time.Second,
		WriteWait:         2 * time.Second,
		SendQueueSize:     64,
		SweepEvery:        time.Minute,
		InactivityTimeout: time.Hour,
		SessionGrace:      time.Hour,
		DisconnectTimeout: time.Second,
		RequestTimeout:    2 * time.Second,
		FetchLimit:        10,
		Provider: config.ProviderConfig{
			RetryMax:  3,
			RetryBase: 5 * time.Millisecond,
		},
	}

	hub := provider.NewScriptedHub()
	// leave time for the transport to bind before the scripted phone "scans"
	hub.PairDelay = 100 * time.Millisecond

	srv := NewServer(cfg, hub.Factory(), storage.NewMemory())
	srv.Start()

	r := gin.New()
	r.GET(cfg.WSPath, srv.HandleWS)
	r.GET("/health", srv.HandleHealth)
	ts := httptest.NewServer(r)

	t.Cleanup(func() {
		ts.Close()
		srv.Stop()
		for _, s := range srv.Sessions().Snapshot() {
			srv.Sessions().Destroy(s.ID)
		}
	})
	return &wsFixture{srv: srv, hub: hub, ts: ts}
}

func (f *wsFixture) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws?" + query
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

// readUntil reads frames until one of the wanted type arrives, returning it
// and every frame that came before.
func readUntil(t *testing.T, ws *websocket.Conn, want string) (map[string]any, []map[string]any) {
	t.Helper()
	var seen []map[string]any
	for i := 0; i < 20; i++ {
		m := readFrame(t, ws)
		if m["type"] == want {
			return m, seen
		}
		seen = append(seen, m)
	}
	t.Fatalf("frame type %q never arrived", want)
	return nil, nil
}

func sendFrame(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, raw))
}

func TestWSRejectsMissingClientID(t *testing.T) {
	f := newWSFixture(t)
	ws := f.dial(t, "session_id=whatever")

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected a close error, got %v", err)
	assert.Equal(t, CloseMissingClientID, closeErr.Code)
	assert.Equal(t, "Missing client ID", closeErr.Text)
}

func TestWSPairResumeAndFanout(t *testing.T) {
	f := newWSFixture(t)

	// first-ever connect: greeting, QR challenge, then the paired session
	wsA := f.dial(t, "client_id=phone-a")
	m, _ := readUntil(t, wsA, EvtInfo)
	assert.Contains(t, m["message"], "Connected")

	m, _ = readUntil(t, wsA, EvtQRCodeStatus)
	assert.Equal(t, QRStatusGenerated, m["status"])
	assert.True(t, strings.HasPrefix(m["data"].(string), "data:image/png;base64,"),
		"qr payload should be a rendered png data uri")

	m, earlier := readUntil(t, wsA, EvtConnectionSuccess)
	sessionID, _ := m["session_id"].(string)
	require.NotEmpty(t, sessionID)
	authenticated := false
	for _, e := range earlier {
		if e["type"] == EvtQRCodeStatus && e["status"] == QRStatusAuthenticated {
			authenticated = true
		}
	}
	assert.True(t, authenticated, "authenticated qr status should precede connection_success")

	// a second client resumes the same session: no new pairing challenge
	wsB := f.dial(t, "client_id=phone-b&session_id="+sessionID)
	m, earlier = readUntil(t, wsB, EvtConnectionSuccess)
	assert.Equal(t, sessionID, m["session_id"])
	for _, e := range earlier {
		require.NotEqual(t, EvtQRCodeStatus, e["type"], "resume must not re-pair: %v", e)
	}

	// a provider status lands on every bound transport
	sc := f.hub.Client(sessionID)
	require.NotNil(t, sc)
	sc.Publish(provider.StatusItem{ID: "st-1", Timestamp: 42, Author: "+999"}, []byte("img"), "image/jpeg")

	for _, ws := range []*websocket.Conn{wsA, wsB} {
		m, _ = readUntil(t, ws, EvtStatusUpdate)
		statuses := m["statuses"].([]any)
		require.Len(t, statuses, 1)
		assert.Equal(t, "st-1", statuses[0].(map[string]any)["id"])
	}

	// fetch flows over the real transport
	sendFrame(t, wsB, map[string]any{"type": KindRequestStatus})
	readUntil(t, wsB, EvtStatusFetchStart)
	m, _ = readUntil(t, wsB, EvtStatusUpdate)
	require.Len(t, m["statuses"].([]any), 1)

	sendFrame(t, wsB, map[string]any{"type": KindRequestMedia, "status_id": "st-1"})
	m, _ = readUntil(t, wsB, EvtMediaData)
	assert.Equal(t, "image/jpeg", m["mime_type"])

	// disconnect from A ends the session for everyone
	sendFrame(t, wsA, map[string]any{"type": KindDisconnect})
	readUntil(t, wsA, EvtDisconnected)
	readUntil(t, wsB, EvtDisconnected)

	require.Eventually(t, func() bool { return f.srv.Sessions().Count() == 0 },
		2*time.Second, 5*time.Millisecond)
}

func TestWSResumeAfterTransportDrop(t *testing.T) {
	f := newWSFixture(t)

	wsA := f.dial(t, "client_id=phone-a")
	m, _ := readUntil(t, wsA, EvtConnectionSuccess)
	sessionID := m["session_id"].(string)

	// transport dies without a disconnect frame; the session must survive
	require.NoError(t, wsA.Close())
	require.Eventually(t, func() bool { return f.srv.Conns().LiveCount() == 0 },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.srv.Sessions().Count())

	// same client_id reconnects without naming the session and lands back in
	// it, already connected
	wsA2 := f.dial(t, "client_id=phone-a")
	m, earlier := readUntil(t, wsA2, EvtConnectionSuccess)
	assert.Equal(t, sessionID, m["session_id"])
	for _, e := range earlier {
		require.NotEqual(t, EvtQRCodeStatus, e["type"], "resume must not re-pair: %v", e)
	}
}

func TestHealthEndpoint(t *testing.T) {
	f := newWSFixture(t)

	wsA := f.dial(t, "client_id=phone-a")
	readUntil(t, wsA, EvtConnectionSuccess)

	resp, err := http.Get(f.ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["clients"])
	assert.Equal(t, float64(1), body["sessions"])
}
