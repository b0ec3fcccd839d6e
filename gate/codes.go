package gate

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCodeStore holds the one-time codes delivered to signers out of band.
// It implements CodeVerifier.
type RedisCodeStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCodeStore(rdb *redis.Client, ttl time.Duration) *RedisCodeStore {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &RedisCodeStore{rdb: rdb, ttl: ttl}
}

func codeKey(signerID string) string {
	return "signflow:gate:code:" + signerID
}

// Generate mints a fresh six-digit code for the signer, replacing any
// outstanding one. The caller is responsible for delivering it.
func (c *RedisCodeStore) Generate(ctx context.Context, signerID string) (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", fmt.Errorf("gate: generate code: %w", err)
	}
	code := fmt.Sprintf("%06d", n.Int64())

	if err := c.rdb.Set(ctx, codeKey(signerID), code, c.ttl).Err(); err != nil {
		return "", fmt.Errorf("gate: store code: %w", err)
	}
	return code, nil
}

// Verify checks the submitted code and burns it on success. A wrong guess
// leaves the stored code in place until its TTL lapses.
func (c *RedisCodeStore) Verify(ctx context.Context, signerID, code string) (bool, error) {
	stored, err := c.rdb.Get(ctx, codeKey(signerID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("gate: load code: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(code)) != 1 {
		return false, nil
	}
	if err := c.rdb.Del(ctx, codeKey(signerID)).Err(); err != nil {
		return false, fmt.Errorf("gate: burn code: %w", err)
	}
	return true, nil
}
