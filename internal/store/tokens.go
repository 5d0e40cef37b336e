package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const connectTokenPrefix = "octolab:connect:"

// DefaultConnectTokenTTL bounds how long a minted connect redirect stays
// usable.
const DefaultConnectTokenTTL = 60 * time.Second

// TokenStore mints and validates one-time connect tokens backed by Redis.
// The token only proves that a Connect call recently authorized this lab;
// the desktop gateway consumes it once.
type TokenStore struct {
	client *redis.Client
}

func NewTokenStore(addr, password string, db int) (*TokenStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &TokenStore{client: client}, nil
}

func (t *TokenStore) Close() error {
	return t.client.Close()
}

// MintConnectToken stores a fresh random token mapped to the lab id with a
// short TTL and returns it.
func (t *TokenStore) MintConnectToken(ctx context.Context, labID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultConnectTokenTTL
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	token := hex.EncodeToString(buf)

	if err := t.client.Set(ctx, connectTokenPrefix+token, labID, ttl).Err(); err != nil {
		return "", fmt.Errorf("store connect token: %w", err)
	}
	return token, nil
}

// ConsumeConnectToken validates a token and deletes it, returning the lab
// it was minted for. GETDEL keeps consumption single-use under concurrency.
func (t *TokenStore) ConsumeConnectToken(ctx context.Context, token string) (string, error) {
	labID, err := t.client.GetDel(ctx, connectTokenPrefix+token).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("connect token unknown or expired")
	}
	if err != nil {
		return "", fmt.Errorf("consume connect token: %w", err)
	}
	return labID, nil
}
