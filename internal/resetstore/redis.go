package resetstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pilotdata/authsvc/internal/config"
)

const keyPrefix = "authsvc:reset:"

// Redis stores tokens as JSON values with a TTL of expiry plus grace.
type Redis struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, cfg config.RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Address, err)
	}
	return &Redis{client: client, now: time.Now}, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Save(ctx context.Context, token string, rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode reset record: %w", err)
	}
	ttl := time.Until(rec.ExpiresAt) + gracePeriod
	if err := r.client.Set(ctx, keyPrefix+token, raw, ttl).Err(); err != nil {
		return fmt.Errorf("store reset token: %w", err)
	}
	return nil
}

func (r *Redis) Lookup(ctx context.Context, token string) (*Record, error) {
	raw, err := r.client.Get(ctx, keyPrefix+token).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load reset token: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode reset record: %w", err)
	}
	return &rec, nil
}

func (r *Redis) Expire(ctx context.Context, token string) error {
	rec, err := r.Lookup(ctx, token)
	if err != nil {
		return err
	}
	rec.ExpiresAt = r.now()
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode reset record: %w", err)
	}
	if err := r.client.Set(ctx, keyPrefix+token, raw, gracePeriod).Err(); err != nil {
		return fmt.Errorf("expire reset token: %w", err)
	}
	return nil
}
