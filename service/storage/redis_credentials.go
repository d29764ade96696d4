package storage

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const credKeyPrefix = "wls:cred:"

// Redis stores credential blobs in a shared redis instance. This does not
// change the single-process model: the relay that owns a session is still the
// only writer for its key. It exists so deployments that already run redis can
// survive a provider client re-create without forcing a new QR pairing.
type Redis struct {
	client *goredis.Client
	ttl    time.Duration // 0 means no expiry
}

func NewRedis(client *goredis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

func (r *Redis) Load(ctx context.Context, sessionID string) ([]byte, error) {
	blob, err := r.client.Get(ctx, credKeyPrefix+sessionID).Bytes()
	if err == goredis.Nil {
		return nil, ErrNoCredentials
	}
	if err != nil {
		return nil, err
	}
	return blob, nil
}

func (r *Redis) Save(ctx context.Context, sessionID string, blob []byte) error {
	return r.client.Set(ctx, credKeyPrefix+sessionID, blob, r.ttl).Err()
}

func (r *Redis) Delete(ctx context.Context, sessionID string) error {
	return r.client.Del(ctx, credKeyPrefix+sessionID).Err()
}
