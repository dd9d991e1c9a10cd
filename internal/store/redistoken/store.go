// Package redistoken keeps refresh-token hashes in Redis so token rotation
// can live outside the primary database.
//
// Each user owns one record under <prefix>:user:<id> holding the current
// hash and its expiry, plus a reverse index <prefix>:hash:<hash> pointing
// back at the user. Every mutation runs as a Lua script so the compare and
// the swap cannot interleave with a concurrent refresh.
package redistoken

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"qazna.org/identity/internal/auth"
)

var ErrRedisUnavailable = errors.New("redis unavailable")

const (
	defaultPrefix    = "refresh"
	defaultRetention = time.Hour
)

const lookupScript = `
local uid = redis.call("GET", KEYS[1])
if not uid then
  return false
end
local vals = redis.call("HMGET", ARGV[1] .. uid, "hash", "exp")
if vals[1] ~= ARGV[2] then
  return false
end
return {uid, vals[2]}
`

const persistScript = `
local old = redis.call("HGET", KEYS[1], "hash")
if old then
  redis.call("DEL", ARGV[1] .. old)
end
redis.call("HSET", KEYS[1], "hash", ARGV[2], "exp", ARGV[3])
redis.call("PEXPIRE", KEYS[1], ARGV[4])
redis.call("SET", KEYS[2], ARGV[5], "PX", ARGV[4])
return 1
`

const rotateScript = `
local cur = redis.call("HGET", KEYS[1], "hash")
if cur ~= ARGV[1] then
  return 0
end
redis.call("DEL", KEYS[2])
redis.call("HSET", KEYS[1], "hash", ARGV[2], "exp", ARGV[3])
redis.call("PEXPIRE", KEYS[1], ARGV[4])
redis.call("SET", KEYS[3], ARGV[5], "PX", ARGV[4])
return 1
`

const clearScript = `
local cur = redis.call("HGET", KEYS[1], "hash")
if cur ~= ARGV[1] then
  return 0
end
redis.call("DEL", KEYS[1], KEYS[2])
return 1
`

const revokeScript = `
local cur = redis.call("HGET", KEYS[1], "hash")
if cur then
  redis.call("DEL", ARGV[1] .. cur)
end
redis.call("DEL", KEYS[1])
return 1
`

var (
	lookupLua  = redis.NewScript(lookupScript)
	persistLua = redis.NewScript(persistScript)
	rotateLua  = redis.NewScript(rotateScript)
	clearLua   = redis.NewScript(clearScript)
	revokeLua  = redis.NewScript(revokeScript)
)

// Store implements auth.TokenStore on Redis.
//
// Records outlive their expiry by the retention window so that a late
// refresh is reported as expired rather than unknown.
type Store struct {
	redis     redis.UniversalClient
	prefix    string
	retention time.Duration
	now       func() time.Time
}

var _ auth.TokenStore = (*Store)(nil)

type Option func(*Store)

func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

func WithRetention(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.retention = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		redis:     client,
		prefix:    defaultPrefix,
		retention: defaultRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) userPrefix() string { return s.prefix + ":user:" }

func (s *Store) hashPrefix() string { return s.prefix + ":hash:" }

func (s *Store) userKey(userID string) string { return s.userPrefix() + userID }

func (s *Store) hashKey(hash string) string { return s.hashPrefix() + hash }

func (s *Store) Ping(ctx context.Context) error {
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func (s *Store) LookupByHash(ctx context.Context, hash string) (auth.RefreshRecord, error) {
	res, err := lookupLua.Run(ctx, s.redis, []string{s.hashKey(hash)}, s.userPrefix(), hash).StringSlice()
	if errors.Is(err, redis.Nil) {
		return auth.RefreshRecord{}, auth.ErrTokenNotFound
	}
	if err != nil {
		return auth.RefreshRecord{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(res) != 2 {
		return auth.RefreshRecord{}, auth.ErrTokenNotFound
	}
	ms, err := strconv.ParseInt(res[1], 10, 64)
	if err != nil {
		return auth.RefreshRecord{}, fmt.Errorf("redistoken: corrupt expiry for user %s: %w", res[0], err)
	}
	return auth.RefreshRecord{UserID: res[0], Hash: hash, ExpiresAt: time.UnixMilli(ms).UTC()}, nil
}

// Persist replaces whatever refresh record the user had. The user's
// existence is not checked here; the caller has just authenticated them.
func (s *Store) Persist(ctx context.Context, userID, hash string, expiresAt time.Time) error {
	err := persistLua.Run(ctx, s.redis,
		[]string{s.userKey(userID), s.hashKey(hash)},
		s.hashPrefix(), hash, expiresAt.UnixMilli(), s.ttlMillis(expiresAt), userID,
	).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func (s *Store) Rotate(ctx context.Context, userID, oldHash, newHash string, expiresAt time.Time) error {
	swapped, err := rotateLua.Run(ctx, s.redis,
		[]string{s.userKey(userID), s.hashKey(oldHash), s.hashKey(newHash)},
		oldHash, newHash, expiresAt.UnixMilli(), s.ttlMillis(expiresAt), userID,
	).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if swapped == 0 {
		return auth.ErrTokenNotFound
	}
	return nil
}

func (s *Store) Clear(ctx context.Context, userID, hash string) error {
	cleared, err := clearLua.Run(ctx, s.redis, []string{s.userKey(userID), s.hashKey(hash)}, hash).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if cleared == 0 {
		return auth.ErrTokenNotFound
	}
	return nil
}

func (s *Store) Revoke(ctx context.Context, userID string) error {
	if err := revokeLua.Run(ctx, s.redis, []string{s.userKey(userID)}, s.hashPrefix()).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func (s *Store) ttlMillis(expiresAt time.Time) int64 {
	ttl := expiresAt.Sub(s.now()) + s.retention
	if ttl < s.retention {
		ttl = s.retention
	}
	return ttl.Milliseconds()
}
