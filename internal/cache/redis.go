// Package cache regroupe les usages Redis : verrous distribués, clés
// d'idempotence, limitation de débit et cache des magasins.
package cache

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrLockHeld = errors.New("verrou déjà détenu")

// releaseScript supprime la clé seulement si le jeton correspond
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// --- Verrous ---

type RedisLocker struct {
	client *redis.Client
	prefix string
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client, prefix: "lock:"}
}

// Acquire pose un verrou SET NX PX et retourne la fonction de libération
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token, err := randomToken()
	if err != nil {
		return nil, err
	}
	fullKey := l.prefix + key

	ok, err := l.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("pose verrou %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		releaseScript.Run(releaseCtx, l.client, []string{fullKey}, token)
	}, nil
}

// --- Idempotence ---

type RedisIdempotency struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisIdempotency(client *redis.Client, ttl time.Duration) *RedisIdempotency {
	return &RedisIdempotency{client: client, ttl: ttl}
}

func idemKey(scope, key string) string {
	return "idem:" + scope + ":" + key
}

// Reserve associe key à id. Si key est déjà connue, retourne l'ID existant et fresh=false.
func (s *RedisIdempotency) Reserve(ctx context.Context, scope, key string, id uuid.UUID) (uuid.UUID, bool, error) {
	k := idemKey(scope, key)
	ok, err := s.client.SetNX(ctx, k, id.String(), s.ttl).Result()
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("réservation idempotence: %w", err)
	}
	if ok {
		return id, true, nil
	}

	existing, err := s.client.Get(ctx, k).Result()
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("lecture idempotence: %w", err)
	}
	parsed, err := uuid.Parse(existing)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("clé idempotence corrompue: %w", err)
	}
	return parsed, false, nil
}

// Forget libère la clé après un échec pour permettre un nouvel essai
func (s *RedisIdempotency) Forget(ctx context.Context, scope, key string) error {
	return s.client.Del(ctx, idemKey(scope, key)).Err()
}

// --- Rate limiting (fenêtre fixe) ---

type RedisRateLimiter struct {
	client *redis.Client
}

func NewRedisRateLimiter(client *redis.Client) *RedisRateLimiter {
	return &RedisRateLimiter{client: client}
}

// Allow incrémente le compteur de la fenêtre et indique s'il reste du quota
func (r *RedisRateLimiter) Allow(ctx context.Context, key string, max int64, window time.Duration) (int64, bool, error) {
	pipe := r.client.Pipeline()
	incr := pipe.Incr(ctx, "rate:"+key)
	pipe.ExpireNX(ctx, "rate:"+key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, false, err
	}
	count := incr.Val()
	remaining := max - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, count <= max, nil
}

func randomToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
