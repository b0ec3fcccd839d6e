package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// TokenStore issues and consumes single-use signing-session tokens. The token
// itself is a signed JWT; single-use accounting lives in Redis keyed by jti,
// so a token survives exactly one Consume across any number of processes.
type TokenStore struct {
	rdb    *redis.Client
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenStore(rdb *redis.Client, secret []byte, ttl time.Duration) *TokenStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &TokenStore{rdb: rdb, secret: secret, ttl: ttl, now: time.Now}
}

func (t *TokenStore) WithClock(now func() time.Time) *TokenStore {
	t.now = now
	return t
}

func tokenKey(jti string) string {
	return "signflow:gate:token:" + jti
}

// Issue mints a session token bound to the signer after a successful code
// verification.
func (t *TokenStore) Issue(ctx context.Context, signerID string) (string, error) {
	jti := uuid.NewString()
	now := t.now()

	claims := jwt.RegisteredClaims{
		Subject:   signerID,
		ID:        jti,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("gate: sign session token: %w", err)
	}

	if err := t.rdb.Set(ctx, tokenKey(jti), signerID, t.ttl).Err(); err != nil {
		return "", fmt.Errorf("gate: store session token: %w", err)
	}
	return signed, nil
}

// Consume validates the token for the signer and burns it. GETDEL makes the
// burn atomic: of N concurrent consumers of the same token, exactly one
// succeeds.
func (t *TokenStore) Consume(ctx context.Context, tokenStr, signerID string) error {
	parsed, err := jwt.ParseWithClaims(tokenStr, &jwt.RegisteredClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("gate: unexpected signing method %v", token.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(t.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrCodeExpired
		}
		return ErrCodeInvalid
	}

	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject != signerID || claims.ID == "" {
		return ErrCodeInvalid
	}

	stored, err := t.rdb.GetDel(ctx, tokenKey(claims.ID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Never issued here, lapsed, or already consumed.
			return ErrCodeExpired
		}
		return fmt.Errorf("gate: consume session token: %w", err)
	}
	if stored != signerID {
		return ErrCodeInvalid
	}
	return nil
}
