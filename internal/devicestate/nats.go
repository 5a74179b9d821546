package devicestate

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSKV stores device state in a JetStream key-value bucket.
type NATSKV struct {
	nc *nats.Conn
	kv jetstream.KeyValue
}

func NewNATSKV(ctx context.Context, natsURL, bucket string) (*NATSKV, error) {
	nc, err := nats.Connect(natsURL, nats.Name("carlink-devicestate"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "last known car device state",
		History:     1,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create KV bucket: %w", err)
	}

	return &NATSKV{nc: nc, kv: kv}, nil
}

// natsKey maps arbitrary keys onto the restricted JetStream key alphabet.
// Device ids are often MAC addresses, and ':' is not a legal key rune.
func natsKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func (n *NATSKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	entry, err := n.kv.Get(ctx, natsKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return entry.Value(), true, nil
}

// Put ignores ttl; expiry is a bucket-level setting in JetStream.
func (n *NATSKV) Put(ctx context.Context, key string, value []byte, _ time.Duration) error {
	if _, err := n.kv.Put(ctx, natsKey(key), value); err != nil {
		return fmt.Errorf("failed to put key %s: %w", key, err)
	}
	return nil
}

func (n *NATSKV) Delete(ctx context.Context, key string) error {
	err := n.kv.Delete(ctx, natsKey(key))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

func (n *NATSKV) Close() error {
	n.nc.Close()
	return nil
}
