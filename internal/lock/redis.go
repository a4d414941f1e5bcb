package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// acquireScript sets the key only when absent. Returns 1 if set, 0 otherwise.
const acquireScript = `
if redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2]) then
  return 1
end
return 0
`

// releaseScript deletes the key only when it still holds the caller's token.
const releaseScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`

// Evaler is the minimal Redis surface the lock needs.
type Evaler interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
}

// GoRedis adapts a go-redis client to Evaler.
type GoRedis struct{ c *redis.Client }

// NewGoRedis connects to a Redis server at addr ("host:port").
func NewGoRedis(addr, password string, db int) *GoRedis {
	return &GoRedis{c: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})}
}

func (g *GoRedis) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	return g.c.Eval(ctx, script, keys, args...).Result()
}

// Close closes the underlying client.
func (g *GoRedis) Close() error {
	return g.c.Close()
}

// Redis holds a lock as a key with a random owner token and a TTL. The TTL
// frees the lock if the process dies while holding it.
type Redis struct {
	client       Evaler
	ttl          time.Duration
	pollInterval time.Duration
}

// NewRedis creates a Redis lock backend. ttl defaults to one hour.
func NewRedis(client Evaler, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Redis{client: client, ttl: ttl, pollInterval: defaultPollInterval}
}

func (r *Redis) Acquire(ctx context.Context, key string, timeout time.Duration) (Lock, error) {
	token := uuid.NewString()
	err := poll(ctx, timeout, r.pollInterval, func(ctx context.Context) (bool, error) {
		res, err := r.client.Eval(ctx, acquireScript, []string{key}, token, r.ttl.Milliseconds())
		if err != nil {
			return false, fmt.Errorf("redis lock acquire failed: %w", err)
		}
		return scriptResult(res) == 1, nil
	})
	if err != nil {
		return nil, err
	}
	return &redisLock{client: r.client, key: key, token: token}, nil
}

type redisLock struct {
	client   Evaler
	key      string
	token    string
	released bool
}

func (l *redisLock) Key() string { return l.key }

func (l *redisLock) Release(ctx context.Context) error {
	if l.released {
		return ErrNotHeld
	}
	l.released = true
	res, err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.token)
	if err != nil {
		return fmt.Errorf("redis lock release failed: %w", err)
	}
	if scriptResult(res) != 1 {
		return ErrNotHeld
	}
	return nil
}

func scriptResult(res interface{}) int64 {
	switch v := res.(type) {
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}
