// Package redis provides a read-through Redis cache in front of a user
// directory.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cory-johannsen/cloudtown/internal/config"
	"github.com/cory-johannsen/cloudtown/internal/directory"
)

const keyPrefix = "cloudtown:user:"

// versionTTL bounds how long an identity's invalidation counter survives
// without writes.
const versionTTL = 24 * time.Hour

var errStaleFill = errors.New("record changed during fill")

func userKey(identity string) string {
	return keyPrefix + identity
}

// versionKey holds a counter bumped by every Upsert. A fill only lands when
// the counter still matches the value read before the backing lookup.
func versionKey(identity string) string {
	return keyPrefix + identity + ":v"
}

type cachedRecord struct {
	Identity  string    `json:"userId"`
	Username  string    `json:"username"`
	About     string    `json:"about"`
	LinkedIn  string    `json:"linkedin,omitempty"`
	Twitter   string    `json:"twitter,omitempty"`
	Portfolio string    `json:"portfolio,omitempty"`
	GitHub    string    `json:"github,omitempty"`
	LastSeen  time.Time `json:"lastSeen"`
}

// CachedDirectory serves FindByIdentity from Redis when possible and falls
// back to the wrapped directory. Upsert writes through and invalidates the
// cached entry. Cache failures are logged and never fail a call.
type CachedDirectory struct {
	client  *redis.Client
	backing directory.UserDirectory
	ttl     time.Duration
	logger  *zap.Logger
}

// New connects to Redis and wraps backing.
//
// Precondition: cfg.URL must be a valid redis:// URL; backing must be non-nil.
// Postcondition: Returns a CachedDirectory with a reachable client, or an error.
func New(ctx context.Context, cfg config.RedisConfig, backing directory.UserDirectory, logger *zap.Logger) (*CachedDirectory, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return NewWithClient(client, cfg.TTL, backing, logger), nil
}

// NewWithClient wraps backing with an existing client.
func NewWithClient(client *redis.Client, ttl time.Duration, backing directory.UserDirectory, logger *zap.Logger) *CachedDirectory {
	return &CachedDirectory{client: client, backing: backing, ttl: ttl, logger: logger}
}

// Close closes the Redis client. The backing directory is not closed.
func (c *CachedDirectory) Close() error {
	return c.client.Close()
}

// FindByIdentity implements directory.UserDirectory.
func (c *CachedDirectory) FindByIdentity(ctx context.Context, identity string) (*directory.Record, error) {
	data, err := c.client.Get(ctx, userKey(identity)).Bytes()
	switch {
	case err == nil:
		var cr cachedRecord
		if err := json.Unmarshal(data, &cr); err == nil {
			rec := directory.Record(cr)
			return &rec, nil
		}
		c.logger.Warn("discarding corrupt cache entry", zap.String("identity", identity))
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("redis get failed", zap.String("identity", identity), zap.Error(err))
	}

	ver, verErr := c.version(ctx, identity)
	rec, err := c.backing.FindByIdentity(ctx, identity)
	if err != nil {
		return nil, err
	}
	if verErr == nil {
		c.store(ctx, rec, ver)
	}
	return rec, nil
}

// Upsert implements directory.UserDirectory.
func (c *CachedDirectory) Upsert(ctx context.Context, identity string, f directory.Fields) error {
	if err := c.backing.Upsert(ctx, identity, f); err != nil {
		return err
	}
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, versionKey(identity))
		pipe.Expire(ctx, versionKey(identity), versionTTL)
		pipe.Del(ctx, userKey(identity))
		return nil
	})
	if err != nil {
		c.logger.Warn("redis invalidate failed", zap.String("identity", identity), zap.Error(err))
	}
	return nil
}

func (c *CachedDirectory) version(ctx context.Context, identity string) (int64, error) {
	v, err := c.client.Get(ctx, versionKey(identity)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

// store caches rec unless an Upsert has bumped the version since ver was read.
func (c *CachedDirectory) store(ctx context.Context, rec *directory.Record, ver int64) {
	data, err := json.Marshal(cachedRecord(*rec))
	if err != nil {
		c.logger.Warn("encoding cache entry", zap.String("identity", rec.Identity), zap.Error(err))
		return
	}

	vkey := versionKey(rec.Identity)
	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, vkey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur != ver {
			return errStaleFill
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, userKey(rec.Identity), data, c.ttl)
			return nil
		})
		return err
	}, vkey)

	switch {
	case err == nil:
	case errors.Is(err, errStaleFill), errors.Is(err, redis.TxFailedErr):
		c.logger.Debug("skipping stale cache fill", zap.String("identity", rec.Identity))
	default:
		c.logger.Warn("redis set failed", zap.String("identity", rec.Identity), zap.Error(err))
	}
}

var _ directory.UserDirectory = (*CachedDirectory)(nil)
