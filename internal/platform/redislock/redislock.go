// Package redislock implements a lease lock on a single Redis key, used to keep
// periodic jobs from overlapping across processes.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/rubberband/internal/platform/env"
	"github.com/gomodule/redigo/redis"
	"github.com/google/uuid"
)

// ErrNotAcquired is returned by Acquire when another holder owns the key.
var ErrNotAcquired = errors.New("lock held by another process")

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

func ConfigFromEnv() (Config, error) {
	db, err := env.Int("RUBBERBAND_REDIS_DB", 0)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Addr:      strings.TrimSpace(env.String("RUBBERBAND_REDIS_ADDR", "")),
		Password:  env.String("RUBBERBAND_REDIS_PASSWORD", ""),
		DB:        db,
		KeyPrefix: env.String("RUBBERBAND_REDIS_KEY_PREFIX", "rubberband:lock:"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.DB < 0 {
		return errors.New("RUBBERBAND_REDIS_DB must be >= 0")
	}
	if c.Addr != "" && strings.Contains(c.Addr, "://") {
		return fmt.Errorf("RUBBERBAND_REDIS_ADDR must be host:port (got %q)", c.Addr)
	}
	return nil
}

// Enabled reports whether a Redis address is configured.
func (c Config) Enabled() bool {
	return c.Addr != ""
}

func NewPool(cfg Config) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     2,
		IdleTimeout: 5 * time.Minute,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			opts := []redis.DialOption{
				redis.DialDatabase(cfg.DB),
				redis.DialConnectTimeout(5 * time.Second),
			}
			if cfg.Password != "" {
				opts = append(opts, redis.DialPassword(cfg.Password))
			}
			return redis.DialContext(ctx, "tcp", cfg.Addr, opts...)
		},
	}
}

type Locker struct {
	pool   *redis.Pool
	prefix string
	script *redis.Script
}

func New(pool *redis.Pool, prefix string) (*Locker, error) {
	if pool == nil {
		return nil, errors.New("redis pool is required")
	}
	return &Locker{
		pool:   pool,
		prefix: prefix,
		script: redis.NewScript(1, releaseScript),
	}, nil
}

// Lease is a held lock. Release is safe to call more than once.
type Lease struct {
	locker *Locker
	key    string
	token  string
}

// Acquire takes the named lock for ttl. It does not wait.
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		return nil, errors.New("ttl must be positive")
	}
	conn, err := l.pool.GetContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("redis conn: %w", err)
	}
	defer conn.Close()

	key := l.prefix + name
	token := uuid.NewString()
	_, err = redis.String(conn.Do("SET", key, token, "NX", "PX", ttl.Milliseconds()))
	if errors.Is(err, redis.ErrNil) {
		return nil, ErrNotAcquired
	}
	if err != nil {
		return nil, fmt.Errorf("redis set %s: %w", key, err)
	}
	return &Lease{locker: l, key: key, token: token}, nil
}

// Release deletes the key only while it still carries this lease's token.
func (ls *Lease) Release(ctx context.Context) error {
	if ls == nil || ls.locker == nil {
		return nil
	}
	conn, err := ls.locker.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("redis conn: %w", err)
	}
	defer conn.Close()
	if _, err := ls.locker.script.Do(conn, ls.key, ls.token); err != nil {
		return fmt.Errorf("redis release %s: %w", ls.key, err)
	}
	ls.locker = nil
	return nil
}
