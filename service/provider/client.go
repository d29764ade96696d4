package provider

import (
	"context"

	"github.com/Mikecreed256/whatsapp-linking-service/service/storage"
)

// StatusItem is one broadcast-channel message. Media payloads are never
// materialized here; mediaRef is an opaque handle the client resolves on an
// explicit MediaByID call.
type StatusItem struct {
	ID           string `json:"id"`
	Timestamp    int64  `json:"timestamp"` // epoch millis
	IsVideo      bool   `json:"is_video"`
	ThumbnailURL string `json:"thumbnail_url"`
	MediaURL     string `json:"media_url"`
	Author       string `json:"author"`

	MediaRef string `json:"-"`
}

// Callbacks is how a provider client pushes lifecycle events back into the
// adapter that owns it. All funcs must be non-nil; clients may call them from
// any goroutine.
type Callbacks struct {
	QR           func(payload string)
	Connected    func()
	Disconnected func(reason string, recoverable bool)
	Status       func(item StatusItem)
}

// Client is the interface boundary around the external messaging provider.
// Everything below this line (pairing protocol, message retrieval, media
// download) is the provider library's business.
type Client interface {
	// Connect establishes or resumes the provider link. Pairing challenges and
	// the eventual connected signal arrive through Callbacks, not the return
	// value; a nil return only means the attempt was started cleanly.
	Connect(ctx context.Context) error

	// Disconnect drops the link without signing out. Credentials survive.
	Disconnect()

	// Logout signs out on the provider side and invalidates credentials.
	Logout(ctx context.Context) error

	// RecentBroadcasts fetches up to limit broadcast messages, newest first.
	RecentBroadcasts(ctx context.Context, limit int) ([]StatusItem, error)

	// MediaByID downloads the media payload for one broadcast message.
	MediaByID(ctx context.Context, statusID string) (data []byte, mime string, err error)
}

// Factory constructs a provider client for one session. The credential store
// is scoped by sessionID so a second construction with the same id resumes
// without re-pairing while the saved credentials are still valid.
type Factory func(sessionID string, creds storage.Credentials, cb Callbacks) (Client, error)
