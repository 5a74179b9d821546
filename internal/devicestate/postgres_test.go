package devicestate

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresKVRoundTrip(t *testing.T) {
	dsn := os.Getenv("CARLINK_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("CARLINK_TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	kv, err := NewPostgresKV(ctx, dsn)
	require.NoError(t, err)
	defer kv.Close()

	key := Key("test-" + uuid.NewString())
	defer kv.Delete(ctx, key)

	require.NoError(t, kv.Put(ctx, key, []byte(`{"online":true}`), 0))
	raw, found, err := kv.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"online":true}`, string(raw))

	require.NoError(t, kv.Put(ctx, key, []byte(`{}`), time.Millisecond))
	time.Sleep(20 * time.Millisecond)
	_, found, err = kv.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)
}
