/*
Package cache keeps computed experience views in Redis.

PURPOSE:
  The experience view replays a user's whole ledger. Views are cached per
  user and history limit, and dropped as soon as a mutation touches the
  user. The cache is never a source of truth: on any Redis failure the
  engine recomputes from the ledger.

LAYOUT:
  loyalty:experience:<userID>       hash, field = history limit, value = JSON view
  loyalty:experience:<userID>:gen   counter, bumped on every invalidation

  One hash per user means invalidation is a single DEL, whatever limits
  were cached.

GENERATIONS:
  A reader takes the generation together with its cache lookup, before it
  reads the ledger. Set only writes if the generation is still the same,
  checked and written in one Lua script. Invalidate bumps the generation
  before dropping the hash, in one MULTI. A view computed from a ledger
  read that raced a mutation is therefore never stored.

  The counter has no TTL. A counter that expired and restarted could hand
  a stale reader its old value back.

SEE ALSO:
  - loyalty/experience.go: The view and the ExperienceCache interface
*/
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/warp/loyalty-ledger/config"
	"github.com/warp/loyalty-ledger/ledger"
	"github.com/warp/loyalty-ledger/loyalty"
)

const keyPrefix = "loyalty:experience:"

// DefaultTTL bounds staleness from the rolling window sliding, which no
// mutation announces.
const DefaultTTL = 5 * time.Minute

// Redis implements loyalty.ExperienceCache.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

var _ loyalty.ExperienceCache = (*Redis)(nil)

func NewRedis(rdb *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{rdb: rdb, ttl: ttl}
}

// Connect builds a cache from settings. The connection is lazy; use Ping
// to check it.
func Connect(cfg config.RedisConfig) *Redis {
	return NewRedis(redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}), cfg.TTL)
}

// Key returns the hash holding a user's cached views.
func Key(userID ledger.UserID) string { return keyPrefix + string(userID) }

// GenerationKey returns the counter bumped whenever a user's views are
// invalidated.
func GenerationKey(userID ledger.UserID) string { return Key(userID) + ":gen" }

// setIfCurrent writes one view and refreshes the hash TTL, unless the
// generation moved on since the caller read it.
//
//	KEYS[1] generation counter   ARGV[1] generation read by the caller
//	KEYS[2] view hash            ARGV[2] field   ARGV[3] view   ARGV[4] TTL ms
const setIfCurrent = `
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current ~= tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[2], ARGV[2], ARGV[3])
redis.call('PEXPIRE', KEYS[2], ARGV[4])
return 1
`

func (c *Redis) Get(ctx context.Context, userID ledger.UserID, limit int) (*loyalty.Experience, int64, error) {
	var genCmd, viewCmd *redis.StringCmd
	_, err := c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		genCmd = pipe.Get(ctx, GenerationKey(userID))
		viewCmd = pipe.HGet(ctx, Key(userID), strconv.Itoa(limit))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, 0, fmt.Errorf("read cached experience: %w", err)
	}

	generation, err := genCmd.Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, 0, fmt.Errorf("read experience generation: %w", err)
	}

	raw, err := viewCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, generation, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("read cached experience: %w", err)
	}

	var exp loyalty.Experience
	if err := json.Unmarshal(raw, &exp); err != nil {
		return nil, 0, fmt.Errorf("decode cached experience: %w", err)
	}
	return &exp, generation, nil
}

func (c *Redis) Set(ctx context.Context, userID ledger.UserID, limit int, generation int64, exp loyalty.Experience) error {
	raw, err := json.Marshal(exp)
	if err != nil {
		return fmt.Errorf("encode experience: %w", err)
	}

	keys := []string{GenerationKey(userID), Key(userID)}
	err = c.rdb.Eval(ctx, setIfCurrent, keys, generation, strconv.Itoa(limit), raw, c.ttl.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("write cached experience: %w", err)
	}
	return nil
}

func (c *Redis) Invalidate(ctx context.Context, userIDs ...ledger.UserID) error {
	if len(userIDs) == 0 {
		return nil
	}
	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = Key(id)
	}
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range userIDs {
			pipe.Incr(ctx, GenerationKey(id))
		}
		pipe.Del(ctx, keys...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("invalidate cached experience: %w", err)
	}
	return nil
}

// Ping reports whether Redis is reachable.
func (c *Redis) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Redis) Close() error {
	return c.rdb.Close()
}
