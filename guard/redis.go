package guard

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Each nonce is a hash {state, exp}. Outstanding and dead entries carry a
// Redis expiry at the requirement's expiry, so Redis performs the sweep.
var (
	reserveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'state', 'outstanding', 'exp', ARGV[1])
if tonumber(ARGV[1]) > 0 then
	redis.call('PEXPIREAT', KEYS[1], ARGV[1])
end
return 1
`)

	claimScript = redis.NewScript(`
local s = redis.call('HGET', KEYS[1], 'state')
if not s then
	redis.call('HSET', KEYS[1], 'state', 'claimed', 'exp', ARGV[1])
	return {1, ''}
end
if s == 'outstanding' then
	redis.call('HSET', KEYS[1], 'state', 'claimed')
	redis.call('PERSIST', KEYS[1])
	return {1, s}
end
return {0, s}
`)

	finalizeScript = redis.NewScript(`
local s = redis.call('HGET', KEYS[1], 'state')
if s ~= 'claimed' then
	return 0
end
redis.call('HSET', KEYS[1], 'state', ARGV[1])
if ARGV[1] == 'dead' then
	local exp = tonumber(redis.call('HGET', KEYS[1], 'exp'))
	if exp and exp > 0 then
		redis.call('PEXPIREAT', KEYS[1], exp)
	end
end
return 1
`)
)

// RedisStore is a Store shared by every facilitator process that points at
// the same Redis. All transitions run as Lua scripts.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix overrides the default "x402:nonce:" key prefix.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// NewRedisStore creates a RedisStore on an existing client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: "x402:nonce:"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(nonce string) string {
	return s.prefix + nonce
}

func (s *RedisStore) Reserve(ctx context.Context, nonce string, expiresAt time.Time) error {
	if nonce == "" {
		return ErrEmptyNonce
	}
	n, err := reserveScript.Run(ctx, s.client, []string{s.key(nonce)}, expiryMillis(expiresAt)).Int()
	if err != nil {
		return fmt.Errorf("guard: redis reserve: %w", err)
	}
	if n == 0 {
		return ErrNonceExists
	}
	return nil
}

func (s *RedisStore) Claim(ctx context.Context, nonce string, expiresAt time.Time) (bool, State, error) {
	if nonce == "" {
		return false, StateAbsent, ErrEmptyNonce
	}
	res, err := claimScript.Run(ctx, s.client, []string{s.key(nonce)}, expiryMillis(expiresAt)).Slice()
	if err != nil {
		return false, StateAbsent, fmt.Errorf("guard: redis claim: %w", err)
	}
	if len(res) != 2 {
		return false, StateAbsent, fmt.Errorf("guard: redis claim: unexpected reply %v", res)
	}
	won, _ := res[0].(int64)
	prior, _ := res[1].(string)
	return won == 1, State(prior), nil
}

func (s *RedisStore) Finalize(ctx context.Context, nonce string, outcome State) error {
	if err := checkOutcome(outcome); err != nil {
		return err
	}
	n, err := finalizeScript.Run(ctx, s.client, []string{s.key(nonce)}, string(outcome)).Int()
	if err != nil {
		return fmt.Errorf("guard: redis finalize: %w", err)
	}
	if n == 0 {
		return ErrNotClaimed
	}
	return nil
}

func (s *RedisStore) State(ctx context.Context, nonce string) (State, error) {
	v, err := s.client.HGet(ctx, s.key(nonce), "state").Result()
	if errors.Is(err, redis.Nil) {
		return StateAbsent, nil
	}
	if err != nil {
		return StateAbsent, fmt.Errorf("guard: redis state: %w", err)
	}
	return State(v), nil
}

// Sweep is a no-op: outstanding and dead keys expire inside Redis.
func (s *RedisStore) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}

func (s *RedisStore) Lookup(ctx context.Context, nonce string) (Entry, error) {
	vals, err := s.client.HMGet(ctx, s.key(nonce), "state", "exp").Result()
	if err != nil {
		return Entry{}, fmt.Errorf("guard: redis lookup: %w", err)
	}
	state, _ := vals[0].(string)
	if state == "" {
		return Entry{}, nil
	}
	var ms int64
	if exp, ok := vals[1].(string); ok && exp != "" {
		if ms, err = strconv.ParseInt(exp, 10, 64); err != nil {
			return Entry{}, fmt.Errorf("guard: redis lookup: bad expiry %q: %w", exp, err)
		}
	}
	return Entry{State: State(state), ExpiresAt: fromMillis(ms)}, nil
}
