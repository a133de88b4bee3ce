// Package redisdir is the routing-directory client. The directory tells
// other nodes which broker queue reaches a user; it is an optimization for
// cross-node routing, never the source of truth for this node's sessions,
// so every operation here is best-effort from the session's point of view.
package redisdir

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"im-gateway/internal/config"

	"github.com/redis/go-redis/v9"
)

// KeyPrefix matches the upstream IM services' directory keyspace.
const KeyPrefix = "IM-USER-"

// Record is the routing record stored per online user.
type Record struct {
	BrokerID    string `json:"broker_id"`
	SessionID   string `json:"session_id"`
	ConnectedAt int64  `json:"connected_at"` // unix millis
}

// compareAndDelete removes the key only when the stored session_id matches
// ARGV[1]. Undecodable records are removed unconditionally.
var compareAndDelete = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return 0 end
local ok, rec = pcall(cjson.decode, raw)
if not ok then return redis.call('DEL', KEYS[1]) end
if rec['session_id'] == ARGV[1] then return redis.call('DEL', KEYS[1]) end
return 0
`)

// Client wraps the shared Redis connection. Safe for concurrent callers.
type Client struct {
	rdb *redis.Client
	ttl time.Duration
}

// New builds a directory client from config. The connection pool inside
// go-redis is shared by every session.
func New(cfg config.DirectoryConfig) *Client {
	return &Client{
		rdb: redis.NewClient(&redis.Options{
			Addr:     cfg.Endpoint,
			Password: cfg.Credentials,
			DB:       cfg.DB,
		}),
		ttl: cfg.TTL,
	}
}

// Key returns the directory key for a user.
func Key(userID string) string {
	return KeyPrefix + userID
}

// Put upserts the routing record for userID with the configured TTL.
func (c *Client) Put(ctx context.Context, userID string, rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redisdir: marshal record: %w", err)
	}
	if err := c.rdb.Set(ctx, Key(userID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("redisdir: put %s: %w", Key(userID), err)
	}
	return nil
}

// Del removes the routing record. With onlyIfOwner set the delete is
// compare-and-delete against the stored session id, so a record already
// overwritten by a newer login on any node survives.
func (c *Client) Del(ctx context.Context, userID, sessionID string, onlyIfOwner bool) error {
	if !onlyIfOwner {
		if err := c.rdb.Del(ctx, Key(userID)).Err(); err != nil {
			return fmt.Errorf("redisdir: del %s: %w", Key(userID), err)
		}
		return nil
	}
	if err := compareAndDelete.Run(ctx, c.rdb, []string{Key(userID)}, sessionID).Err(); err != nil {
		return fmt.Errorf("redisdir: compare-and-delete %s: %w", Key(userID), err)
	}
	return nil
}

// Ping verifies connectivity at startup.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redisdir: ping: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}
