package devicestate

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runJetStreamServer(t *testing.T) *server.Server {
	t.Helper()

	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
	}

	srv, err := server.NewServer(opts)
	require.NoError(t, err)

	go srv.Start()

	if !srv.ReadyForConnections(10 * time.Second) {
		srv.Shutdown()
		t.Fatalf("embedded NATS server not ready for connections")
	}
	t.Cleanup(srv.Shutdown)
	return srv
}

func TestNATSKVRoundTrip(t *testing.T) {
	srv := runJetStreamServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	kv, err := NewNATSKV(ctx, srv.ClientURL(), "device_info_test")
	require.NoError(t, err)
	defer kv.Close()

	_, found, err := kv.Get(ctx, "device_info:aa:bb:cc")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, kv.Put(ctx, "device_info:aa:bb:cc", []byte(`{"online":true}`), 0))
	raw, found, err := kv.Get(ctx, "device_info:aa:bb:cc")
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"online":true}`, string(raw))

	require.NoError(t, kv.Delete(ctx, "device_info:aa:bb:cc"))
	require.NoError(t, kv.Delete(ctx, "device_info:aa:bb:cc"))
	_, found, err = kv.Get(ctx, "device_info:aa:bb:cc")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCacheOverNATS(t *testing.T) {
	srv := runJetStreamServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	kv, mode, err := NewKV(ctx, Options{Backend: "auto", NATSURL: srv.ClientURL(), NATSBucket: "device_info_cache"})
	require.NoError(t, err)
	defer kv.Close()
	assert.Equal(t, "nats", mode)

	c := NewCache(kv)
	require.NoError(t, c.SetVolume(ctx, "dev-1", 42))
	st, found, err := c.Get(ctx, "dev-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 42, *st.Volume)
}
