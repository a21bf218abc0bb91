package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gamedeck/panel-gateway/pkg/model"
)

// RedisBackend persists the pair as a single JSON value so both tokens are
// always written together.
type RedisBackend struct {
	client *redis.Client
	key    string
}

// NewRedisBackend connects to Redis and verifies the connection.
func NewRedisBackend(addr, password string, db int, key string) (*RedisBackend, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisBackendFromClient(rdb, key), nil
}

// NewRedisBackendFromClient wraps an existing client.
func NewRedisBackendFromClient(rdb *redis.Client, key string) *RedisBackend {
	if key == "" {
		key = "panel:credentials"
	}
	return &RedisBackend{client: rdb, key: key}
}

func (r *RedisBackend) Load(ctx context.Context) (model.CredentialPair, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.CredentialPair{}, ErrNotFound
	} else if err != nil {
		return model.CredentialPair{}, err
	}

	var pair model.CredentialPair
	if err := json.Unmarshal(data, &pair); err != nil {
		return model.CredentialPair{}, fmt.Errorf("decode stored credentials: %w", err)
	}
	return pair, nil
}

func (r *RedisBackend) Save(ctx context.Context, pair model.CredentialPair) error {
	data, err := json.Marshal(pair)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key, data, 0).Err()
}

func (r *RedisBackend) Delete(ctx context.Context) error {
	return r.client.Del(ctx, r.key).Err()
}

func (r *RedisBackend) HealthCheck(ctx context.Context) error {
	if r.client == nil {
		return fmt.Errorf("redis not initialized")
	}
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Close releases the Redis connection pool.
func (r *RedisBackend) Close() error {
	return r.client.Close()
}
