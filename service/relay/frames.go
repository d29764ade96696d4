package relay

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/Mikecreed256/whatsapp-linking-service/service/provider"
	decode "github.com/Mikecreed256/whatsapp-linking-service/tools/decode"
)

// Inbound message kinds (client -> server).
const (
	KindHeartbeat     = "heartbeat"
	KindAuthenticate  = "authenticate"
	KindRequestStatus = "request_status_updates"
	KindRequestMedia  = "request_media"
	KindRequestThumb  = "request_thumbnail"
	KindDisconnect    = "disconnect"
)

// Outbound event kinds (server -> client).
const (
	EvtConnectionSuccess = "connection_success"
	EvtQRCodeStatus      = "qr_code_status"
	EvtStatusUpdate      = "status_update"
	EvtMediaData         = "media_data"
	EvtThumbnailData     = "thumbnail_data"
	EvtStatusFetchStart  = "status_fetch_start"
	EvtInfo              = "info"
	EvtDisconnected      = "disconnected"
	EvtError             = "error"
)

// qr_code_status sub-states.
const (
	QRStatusGenerated     = "generated"
	QRStatusAuthenticated = "authenticated"
	QRStatusDisconnected  = "disconnected"
	QRStatusError         = "error"
)

// Inbound is the parsed client frame. status_id only matters for the media
// and thumbnail requests.
type Inbound struct {
	Type     string `json:"type"`
	StatusID string `json:"status_id"`
}

// ParseInbound decodes one text frame from a client. Unknown fields are
// ignored; a missing type is a parse error.
func ParseInbound(raw []byte) (*Inbound, error) {
	in, err := decode.DecodeRaw[Inbound](raw)
	if err != nil {
		return nil, err
	}
	if in.Type == "" {
		return nil, fmt.Errorf("frame has no type")
	}
	return in, nil
}

// ---- server event constructors ----

func marshalEvent(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

func BuildConnectionSuccess(sessionID string) []byte {
	return marshalEvent(struct {
		Type      string `json:"type"`
		SessionID string `json:"session_id"`
	}{EvtConnectionSuccess, sessionID})
}

func BuildQRCodeStatus(status, data, message string) []byte {
	return marshalEvent(struct {
		Type    string `json:"type"`
		Status  string `json:"status"`
		Data    string `json:"data,omitempty"`
		Message string `json:"message,omitempty"`
	}{EvtQRCodeStatus, status, data, message})
}

func BuildStatusUpdate(items []provider.StatusItem) []byte {
	if items == nil {
		items = []provider.StatusItem{}
	}
	return marshalEvent(struct {
		Type     string                `json:"type"`
		Statuses []provider.StatusItem `json:"statuses"`
	}{EvtStatusUpdate, items})
}

func BuildMediaData(statusID string, data []byte, mime string) []byte {
	return marshalEvent(struct {
		Type     string `json:"type"`
		StatusID string `json:"status_id"`
		Data     string `json:"data"`
		MimeType string `json:"mime_type"`
	}{EvtMediaData, statusID, base64.StdEncoding.EncodeToString(data), mime})
}

func BuildThumbnailData(statusID string, data []byte, mime string) []byte {
	return marshalEvent(struct {
		Type     string `json:"type"`
		StatusID string `json:"status_id"`
		Data     string `json:"data"`
		MimeType string `json:"mime_type"`
	}{EvtThumbnailData, statusID, base64.StdEncoding.EncodeToString(data), mime})
}

func BuildStatusFetchStart(message string) []byte {
	return marshalEvent(struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}{EvtStatusFetchStart, message})
}

func BuildInfo(message string) []byte {
	return marshalEvent(struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}{EvtInfo, message})
}

func BuildDisconnected(message string) []byte {
	return marshalEvent(struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}{EvtDisconnected, message})
}

func BuildError(code, message string) []byte {
	return marshalEvent(struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	}{EvtError, code, message})
}
