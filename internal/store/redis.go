package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sweeney/relay-scheduler/internal/schedule"
)

// Redis key layout.
const (
	KeyAccount  = "relay:account:" // + account id
	KeyEmail    = "relay:email:"   // + normalized email
	KeyAccounts = "relay:accounts"
)

// RedisConfig addresses a Redis server.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Redis is a Backend storing one key per account document.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to Redis and checks the connection.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis %s: %w", cfg.Addr, err)
	}
	return &Redis{client: client}, nil
}

// Get implements Backend.
func (r *Redis) Get(ctx context.Context, id string) (Account, error) {
	data, err := r.client.Get(ctx, KeyAccount+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return Account{}, fmt.Errorf("account %s: %w", id, schedule.ErrNotFound)
	}
	if err != nil {
		return Account{}, err
	}
	return decodeAccount(id, data)
}

// Put implements Backend.
func (r *Redis) Put(ctx context.Context, acct Account) error {
	data, err := encodeAccount(acct)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, KeyAccount+acct.ID, data, 0)
		pipe.SAdd(ctx, KeyAccounts, acct.ID)
		if email := normalizeEmail(acct.Email); email != "" {
			pipe.Set(ctx, KeyEmail+email, acct.ID, 0)
		}
		return nil
	})
	return err
}

// FindByEmail implements Backend.
func (r *Redis) FindByEmail(ctx context.Context, email string) (Account, error) {
	id, err := r.client.Get(ctx, KeyEmail+normalizeEmail(email)).Result()
	if errors.Is(err, redis.Nil) {
		return Account{}, fmt.Errorf("account %q: %w", email, schedule.ErrNotFound)
	}
	if err != nil {
		return Account{}, err
	}
	return r.Get(ctx, id)
}

// Delete implements Backend.
func (r *Redis) Delete(ctx context.Context, id string) error {
	acct, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, KeyAccount+id)
		pipe.SRem(ctx, KeyAccounts, id)
		if email := normalizeEmail(acct.Email); email != "" {
			pipe.Del(ctx, KeyEmail+email)
		}
		return nil
	})
	return err
}

// AccountIDs implements Backend.
func (r *Redis) AccountIDs(ctx context.Context) ([]string, error) {
	ids, err := r.client.SMembers(ctx, KeyAccounts).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// Close closes the Redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}
