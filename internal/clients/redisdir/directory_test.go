package redisdir

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"im-gateway/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "IM-USER-U1", Key("U1"))
	assert.Equal(t, "IM-USER-", Key(""))
}

func TestRecordJSONShape(t *testing.T) {
	raw, err := json.Marshal(Record{
		BrokerID:    "im-gateway-a",
		SessionID:   "01ARZ3NDEKTSV4RRFFQ69G5FAV",
		ConnectedAt: 1700000000000,
	})
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"broker_id":"im-gateway-a","session_id":"01ARZ3NDEKTSV4RRFFQ69G5FAV","connected_at":1700000000000}`,
		string(raw))
}

// integrationClient connects to the Redis named by IMGW_TEST_REDIS_ADDR, or
// skips the test when the variable is unset.
func integrationClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("IMGW_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set IMGW_TEST_REDIS_ADDR to run directory integration tests")
	}
	c := New(config.DirectoryConfig{Endpoint: addr, TTL: 30 * time.Second})
	t.Cleanup(func() {
		if err := c.Close(); err != nil {
			t.Logf("close: %v", err)
		}
	})
	require.NoError(t, c.Ping(context.Background()))
	return c
}

func TestPutDelRoundTrip(t *testing.T) {
	c := integrationClient(t)
	ctx := context.Background()
	uid := "it-user-roundtrip"

	rec := Record{BrokerID: "node-a", SessionID: "s1", ConnectedAt: time.Now().UnixMilli()}
	require.NoError(t, c.Put(ctx, uid, rec))

	raw, err := c.rdb.Get(ctx, Key(uid)).Bytes()
	require.NoError(t, err)
	var got Record
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, rec, got)

	ttl, err := c.rdb.TTL(ctx, Key(uid)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0), "record must carry a TTL")

	require.NoError(t, c.Del(ctx, uid, "s1", true))
	exists, err := c.rdb.Exists(ctx, Key(uid)).Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}

func TestCompareAndDeleteSparesNewerRecord(t *testing.T) {
	c := integrationClient(t)
	ctx := context.Background()
	uid := "it-user-cad"

	// A newer login (possibly on another node) overwrote the record.
	require.NoError(t, c.Put(ctx, uid, Record{BrokerID: "node-b", SessionID: "s2"}))

	// The old session's guarded delete must be a no-op.
	require.NoError(t, c.Del(ctx, uid, "s1", true))
	exists, err := c.rdb.Exists(ctx, Key(uid)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), exists, "newer record must survive")

	require.NoError(t, c.Del(ctx, uid, "s2", false))
}
