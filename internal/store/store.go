// Package store is the C1 KV/Stream client: a typed wrapper over Redis
// providing get/set-with-TTL, atomic log append/range-read, competing-
// consumer groups, and pub/sub. It is the sole point of contact with the
// ephemeral backing store; every other component composes a *store.Client
// rather than importing go-redis directly.
//
// Grounded on the teacher's *redis.Client composition in
// internal/service/ratelimit.go, expanded to the full contract of
// SPEC_FULL.md §4 "KV / streams / pub-sub".
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"familycore/internal/apperr"
	"familycore/internal/config"
	"familycore/internal/models"
)

const (
	connectTimeout = 30 * time.Second
	pingRetries    = 3
	pingRetryDelay = 100 * time.Millisecond
)

// Client wraps three independent Redis connections, per SPEC_FULL.md §6:
// pub/sub connections cannot interleave with regular commands, so commands,
// publishing, and subscribing each get their own connection.
type Client struct {
	cmd *redis.Client
	pub *redis.Client
	sub *redis.Client

	logger *slog.Logger

	dispatch *dispatcher
}

// New opens the three connections and pings each, per spec §5
// "Startup/teardown" and §9 "readiness probe". Failure of any connection
// fails construction.
func New(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("store: invalid REDIS_URL: %w", err)
	}
	opts.PoolSize = cfg.PoolSize
	opts.DialTimeout = connectTimeout

	cmd := redis.NewClient(opts)
	pub := redis.NewClient(opts)
	sub := redis.NewClient(opts)

	for name, conn := range map[string]*redis.Client{"command": cmd, "publisher": pub, "subscriber": sub} {
		if err := pingWithRetry(ctx, conn); err != nil {
			_ = cmd.Close()
			_ = pub.Close()
			_ = sub.Close()
			return nil, fmt.Errorf("store: %s connection not ready: %w", name, err)
		}
	}

	c := &Client{cmd: cmd, pub: pub, sub: sub, logger: logger}
	c.dispatch = newDispatcher(sub, logger)

	logger.Info("store connections ready")
	return c, nil
}

func pingWithRetry(ctx context.Context, c *redis.Client) error {
	var lastErr error
	for i := 0; i < pingRetries; i++ {
		pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		err := c.Ping(pingCtx).Err()
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		time.Sleep(pingRetryDelay)
	}
	return lastErr
}

// Ready reports whether all three connections still answer a ping.
func (c *Client) Ready(ctx context.Context) bool {
	for _, conn := range []*redis.Client{c.cmd, c.pub, c.sub} {
		if err := conn.Ping(ctx).Err(); err != nil {
			return false
		}
	}
	return true
}

// Close quits all three connections, abandoning any in-flight subscriptions.
func (c *Client) Close() error {
	var errs []error
	c.dispatch.close()
	if err := c.cmd.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.pub.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.sub.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ErrNotFound is returned by typed Get helpers when a key is absent.
var ErrNotFound = errors.New("store: key not found")

// Get returns the raw bytes stored at key, or ErrNotFound if absent.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := c.cmd.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientBackend, "store: get "+key, err)
	}
	return b, nil
}

// GetJSON reads key and JSON-decodes it into out. There is no raw fallback:
// a value that is not valid JSON (such as a plain string Set stored
// verbatim) yields a decode error. Values Set JSON-encoded (anything other
// than a string or []byte) round-trip exactly; use Get for raw values.
func (c *Client) GetJSON(ctx context.Context, key string, out interface{}) (bool, error) {
	b, err := c.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(b, out); err != nil {
		return false, fmt.Errorf("store: decode %s: %w", key, err)
	}
	return true, nil
}

// Set stores value at key with the given TTL (0 = no expiry). Byte slices
// and strings are stored verbatim; anything else is JSON-encoded first, per
// spec §4.1.
func (c *Client) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	payload, err := encode(value)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", key, err)
	}
	if err := c.cmd.Set(ctx, key, payload, ttl).Err(); err != nil {
		return apperr.Wrap(apperr.KindTransientBackend, "store: set "+key, err)
	}
	return nil
}

func encode(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return v, nil
	default:
		return json.Marshal(value)
	}
}

// Del removes a key. Deleting an absent key is not an error.
func (c *Client) Del(ctx context.Context, key string) error {
	if err := c.cmd.Del(ctx, key).Err(); err != nil {
		return apperr.Wrap(apperr.KindTransientBackend, "store: del "+key, err)
	}
	return nil
}

// Exists reports whether key is present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.cmd.Exists(ctx, key).Result()
	if err != nil {
		return false, apperr.Wrap(apperr.KindTransientBackend, "store: exists "+key, err)
	}
	return n > 0, nil
}

// Incr atomically increments the integer stored at key and returns the
// result.
func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	n, err := c.cmd.Incr(ctx, key).Result()
	if err != nil {
		return 0, apperr.Wrap(apperr.KindTransientBackend, "store: incr "+key, err)
	}
	return n, nil
}

// MGet returns the raw bytes for each of keys; a missing key yields a nil
// slice at that index rather than aborting the whole batch.
func (c *Client) MGet(ctx context.Context, keys []string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := c.cmd.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientBackend, "store: mget", err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			out[i] = []byte(s)
		}
	}
	return out, nil
}

// MSet stores every key/value in kv with the same TTL.
func (c *Client) MSet(ctx context.Context, kv map[string]interface{}, ttl time.Duration) error {
	pipe := c.cmd.Pipeline()
	for k, v := range kv {
		payload, err := encode(v)
		if err != nil {
			return fmt.Errorf("store: encode %s: %w", k, err)
		}
		pipe.Set(ctx, k, payload, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return apperr.Wrap(apperr.KindTransientBackend, "store: mset", err)
	}
	return nil
}

// Append adds one record to the named log and returns its server-assigned
// monotonic ID (spec §4.1 `append`).
func (c *Client) Append(ctx context.Context, logKey string, fields map[string]string) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	id, err := c.cmd.XAdd(ctx, &redis.XAddArgs{
		Stream: logKey,
		Values: values,
	}).Result()
	if err != nil {
		return "", apperr.Wrap(apperr.KindTransientBackend, "store: append "+logKey, err)
	}
	return id, nil
}

// ReadLog reads up to count entries after afterID ("-" for "from the
// beginning"), per spec §4.1 `read_log`.
func (c *Client) ReadLog(ctx context.Context, logKey, afterID string, count int64) ([]models.LogEntry, error) {
	start := "-"
	if afterID != "" && afterID != "-" {
		start = "(" + afterID
	}
	msgs, err := c.cmd.XRangeN(ctx, logKey, start, "+", count).Result()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientBackend, "store: read_log "+logKey, err)
	}
	return toLogEntries(msgs), nil
}

func toLogEntries(msgs []redis.XMessage) []models.LogEntry {
	out := make([]models.LogEntry, 0, len(msgs))
	for _, m := range msgs {
		fields := make(map[string]string, len(m.Values))
		for k, v := range m.Values {
			if s, ok := v.(string); ok {
				fields[k] = s
			} else {
				fields[k] = fmt.Sprintf("%v", v)
			}
		}
		out = append(out, models.LogEntry{ID: m.ID, Fields: fields})
	}
	return out
}

// CreateGroup creates a competing-consumer group on logKey starting at
// startID. Idempotent: if the group already exists this silently succeeds
// (spec §4.1).
func (c *Client) CreateGroup(ctx context.Context, logKey, group, startID string) error {
	err := c.cmd.XGroupCreateMkStream(ctx, logKey, group, startID).Err()
	if err != nil && !isBusyGroup(err) {
		return apperr.Wrap(apperr.KindTransientBackend, "store: create_group "+group, err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

// ReadGroup reads up to count new entries for consumer within group, per
// spec §4.1 `read_group`. blockMs of 0 does not block.
func (c *Client) ReadGroup(ctx context.Context, logKey, group, consumer string, count int64, blockMs int) ([]models.LogEntry, error) {
	res, err := c.cmd.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{logKey, ">"},
		Count:    count,
		Block:    time.Duration(blockMs) * time.Millisecond,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientBackend, "store: read_group "+group, err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	return toLogEntries(res[0].Messages), nil
}

// Ack acknowledges id as processed within group.
func (c *Client) Ack(ctx context.Context, logKey, group, id string) error {
	if err := c.cmd.XAck(ctx, logKey, group, id).Err(); err != nil {
		return apperr.Wrap(apperr.KindTransientBackend, "store: ack "+id, err)
	}
	return nil
}

// Trim soft-caps logKey to approximately maxLen entries (spec §4.1 `trim`).
func (c *Client) Trim(ctx context.Context, logKey string, maxLen int64) error {
	if err := c.cmd.XTrimMaxLenApprox(ctx, logKey, maxLen, 0).Err(); err != nil {
		return apperr.Wrap(apperr.KindTransientBackend, "store: trim "+logKey, err)
	}
	return nil
}

// Publish fire-and-forgets payload on channel.
func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := c.pub.Publish(ctx, channel, payload).Err(); err != nil {
		return apperr.Wrap(apperr.KindTransientBackend, "store: publish "+channel, err)
	}
	return nil
}
