// Package redishost provides a Redis-backed sessions.SessionHost suitable
// for horizontally scaled deployments: session metadata as JSON values with
// TTLs, per-session message streams on Redis Streams, and topic fan-out on
// Redis pub/sub.
package redishost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/ibrohimislam/mcp-odoo/sessions"
)

const (
	readBlock      = 500 * time.Millisecond
	mutateAttempts = 5
)

// Config for the Redis-backed SessionHost. Defaults load via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=mcp:sessions:"`
}

type Host struct {
	client    *redis.Client
	keyPrefix string
}

func New(cfg Config) (*Host, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "mcp:sessions:"
	}
	return &Host{client: cl, keyPrefix: prefix}, nil
}

// NewFromEnv builds a Host with Config populated from the environment.
func NewFromEnv() (*Host, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode redis host config: %w", err)
	}
	return New(cfg)
}

func (h *Host) Close() error { return h.client.Close() }

// --- Key helpers ---

func (h *Host) metaKey(sessionID string) string   { return h.keyPrefix + "meta:" + sessionID }
func (h *Host) streamKey(sessionID string) string { return h.keyPrefix + "stream:" + sessionID }
func (h *Host) topicChannel(topic string) string  { return h.keyPrefix + "topic:" + topic }

// expiry is the Redis-level TTL for a session's keys: the sliding window,
// capped by the remaining absolute lifetime.
func expiry(meta *sessions.SessionMetadata, now time.Time) time.Duration {
	d := meta.TTL
	if d <= 0 {
		d = time.Hour
	}
	if meta.MaxLifetime > 0 {
		if rem := meta.CreatedAt.Add(meta.MaxLifetime).Sub(now); rem < d {
			d = rem
		}
	}
	if d < time.Second {
		d = time.Second
	}
	return d
}

// --- Metadata lifecycle ---

func (h *Host) CreateSession(ctx context.Context, meta *sessions.SessionMetadata) error {
	if meta == nil || meta.SessionID == "" {
		return fmt.Errorf("session metadata with id required")
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}
	ok, err := h.client.SetNX(ctx, h.metaKey(meta.SessionID), raw, expiry(meta, time.Now())).Result()
	if err != nil {
		return fmt.Errorf("store session metadata: %w", err)
	}
	if !ok {
		return sessions.ErrSessionExists
	}
	return nil
}

func (h *Host) GetSession(ctx context.Context, sessionID string) (*sessions.SessionMetadata, error) {
	raw, err := h.client.Get(ctx, h.metaKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, sessions.ErrSessionNotFound
		}
		return nil, fmt.Errorf("load session metadata: %w", err)
	}
	var meta sessions.SessionMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode session metadata: %w", err)
	}
	// The sliding window is enforced by the Redis TTL; the absolute lifetime
	// cap still needs a local check.
	if meta.Expired(time.Now()) {
		_ = h.DeleteSession(context.WithoutCancel(ctx), sessionID)
		return nil, sessions.ErrSessionNotFound
	}
	return &meta, nil
}

func (h *Host) MutateSession(ctx context.Context, sessionID string, fn func(*sessions.SessionMetadata) error) error {
	key := h.metaKey(sessionID)
	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return sessions.ErrSessionNotFound
			}
			return err
		}
		var meta sessions.SessionMetadata
		if err := json.Unmarshal(raw, &meta); err != nil {
			return fmt.Errorf("decode session metadata: %w", err)
		}
		if err := fn(&meta); err != nil {
			return err
		}
		meta.UpdatedAt = time.Now().UTC()
		out, err := json.Marshal(&meta)
		if err != nil {
			return fmt.Errorf("marshal session metadata: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, redis.KeepTTL)
			return nil
		})
		return err
	}

	for i := 0; i < mutateAttempts; i++ {
		err := h.client.Watch(ctx, txn, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("session %s: too many concurrent mutations", sessionID)
}

func (h *Host) TouchSession(ctx context.Context, sessionID string) error {
	now := time.Now().UTC()
	if err := h.MutateSession(ctx, sessionID, func(m *sessions.SessionMetadata) error {
		m.LastAccess = now
		return nil
	}); err != nil {
		return err
	}
	meta, err := h.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	d := expiry(meta, now)
	pipe := h.client.Pipeline()
	pipe.Expire(ctx, h.metaKey(sessionID), d)
	pipe.Expire(ctx, h.streamKey(sessionID), d)
	_, err = pipe.Exec(ctx)
	return err
}

func (h *Host) DeleteSession(ctx context.Context, sessionID string) error {
	c := context.WithoutCancel(ctx)
	return h.client.Del(c, h.metaKey(sessionID), h.streamKey(sessionID)).Err()
}

// --- Per-session messaging via Redis Streams ---

func (h *Host) PublishSession(ctx context.Context, sessionID string, data []byte) (string, error) {
	exists, err := h.client.Exists(ctx, h.metaKey(sessionID)).Result()
	if err != nil {
		return "", err
	}
	if exists == 0 {
		return "", sessions.ErrSessionNotFound
	}
	id, err := h.client.XAdd(ctx, &redis.XAddArgs{
		Stream: h.streamKey(sessionID),
		Values: map[string]interface{}{"d": data},
	}).Result()
	if err != nil {
		return "", err
	}
	return id, nil
}

func (h *Host) SubscribeSession(ctx context.Context, sessionID string, lastEventID string, handler sessions.MessageHandlerFunction) error {
	key := h.streamKey(sessionID)
	start := lastEventID
	if start == "" {
		// "future messages only": pin the current end of the stream so
		// nothing published between blocking reads can slip past.
		info, err := h.client.XInfoStream(ctx, key).Result()
		switch {
		case err == nil:
			start = info.LastGeneratedID
		case strings.Contains(err.Error(), "no such key"):
			start = "0"
		case errors.Is(err, redis.Nil):
			start = "0"
		default:
			return fmt.Errorf("inspect session stream: %w", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		res, err := h.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, start},
			Count:   16,
			Block:   readBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				// Idle window: detect session teardown so the stream ends
				// instead of blocking forever.
				exists, eerr := h.client.Exists(ctx, h.metaKey(sessionID)).Result()
				if eerr == nil && exists == 0 {
					return nil
				}
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if len(res) == 0 {
			continue
		}
		for _, m := range res[0].Messages {
			start = m.ID
			var payload []byte
			switch v := m.Values["d"].(type) {
			case string:
				payload = []byte(v)
			case []byte:
				payload = v
			default:
				payload = []byte(fmt.Sprintf("%v", v))
			}
			if err := handler(ctx, m.ID, payload); err != nil {
				return err
			}
		}
	}
}

// --- Topic fan-out via Redis pub/sub ---

func (h *Host) PublishEvent(ctx context.Context, topic string, data []byte) error {
	return h.client.Publish(ctx, h.topicChannel(topic), data).Err()
}

func (h *Host) SubscribeEvents(ctx context.Context, topic string, handler sessions.EventHandlerFunction) error {
	sub := h.client.Subscribe(ctx, h.topicChannel(topic))
	// Force the subscription onto the wire before returning so callers can
	// rely on seeing events published after this call.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe topic %s: %w", topic, err)
	}
	ch := sub.Channel()
	go func() {
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if err := handler(ctx, []byte(msg.Payload)); err != nil {
					return
				}
			}
		}
	}()
	return nil
}

var _ sessions.SessionHost = (*Host)(nil)
