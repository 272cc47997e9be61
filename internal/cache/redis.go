package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/stocklens/stocklens/internal/models"
)

const redisKeyPrefix = "stocklens:"

// redisEnvelope wraps a payload with cache metadata for the distributed
// tier. Encoded with msgpack to keep entries compact.
type redisEnvelope struct {
	Payload   []byte          `msgpack:"p"`
	DataType  models.DataType `msgpack:"t"`
	CachedAt  time.Time       `msgpack:"c"`
	ExpiresAt time.Time       `msgpack:"e"`
}

// RedisTier is the distributed cache tier. All failures degrade to a
// miss so the fabric can fall through to the persistent tier; errors
// are logged, never returned to callers.
type RedisTier struct {
	client redis.UniversalClient
	log    zerolog.Logger
	now    func() time.Time
}

// NewRedisTier connects a go-redis client with the pool and retry
// settings the fabric expects.
func NewRedisTier(addr, password string, db int, log zerolog.Logger) *RedisTier {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,

		PoolSize:     10,
		MinIdleConns: 2,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		MaxRetries:      3,
		MinRetryBackoff: 100 * time.Millisecond,
		MaxRetryBackoff: 500 * time.Millisecond,
	})

	return &RedisTier{
		client: client,
		log:    log.With().Str("component", "cache").Str("tier", "distributed").Logger(),
		now:    time.Now,
	}
}

// NewRedisTierWithClient wraps an existing client; used by tests.
func NewRedisTierWithClient(client redis.UniversalClient, log zerolog.Logger) *RedisTier {
	return &RedisTier{client: client, log: log, now: time.Now}
}

// Get returns the payload and its remaining TTL when present and
// unexpired.
func (r *RedisTier) Get(ctx context.Context, key string) (payload []byte, dataType models.DataType, remaining time.Duration, ok bool) {
	raw, err := r.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			r.log.Warn().Err(err).Str("key", key).Msg("distributed tier get failed")
		}
		return nil, models.DataUnknown, 0, false
	}

	var env redisEnvelope
	if err := msgpack.Unmarshal(raw, &env); err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("distributed tier decode failed")
		return nil, models.DataUnknown, 0, false
	}

	now := r.now()
	if !now.Before(env.ExpiresAt) {
		_ = r.client.Del(ctx, redisKeyPrefix+key).Err()
		return nil, models.DataUnknown, 0, false
	}
	return env.Payload, env.DataType, env.ExpiresAt.Sub(now), true
}

// Set stores the payload with a server-side TTL matching the envelope.
func (r *RedisTier) Set(ctx context.Context, key string, payload []byte, ttl time.Duration, dataType models.DataType) {
	now := r.now()
	env := redisEnvelope{
		Payload:   payload,
		DataType:  dataType,
		CachedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	raw, err := msgpack.Marshal(env)
	if err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("distributed tier encode failed")
		return
	}
	if err := r.client.Set(ctx, redisKeyPrefix+key, raw, ttl).Err(); err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("distributed tier set failed")
	}
}

// Delete removes a single entry.
func (r *RedisTier) Delete(ctx context.Context, key string) {
	if err := r.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("distributed tier delete failed")
	}
}

// Clear removes every fabric-owned key by prefix scan.
func (r *RedisTier) Clear(ctx context.Context) {
	iter := r.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			r.log.Warn().Err(err).Msg("distributed tier clear failed")
			return
		}
	}
	if err := iter.Err(); err != nil {
		r.log.Warn().Err(err).Msg("distributed tier scan failed")
	}
}

// Healthy pings the server.
func (r *RedisTier) Healthy(ctx context.Context) bool {
	return r.client.Ping(ctx).Err() == nil
}

// Close releases the connection pool.
func (r *RedisTier) Close() error {
	return r.client.Close()
}
