package serv

import (
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const redisPoolSize = 10

// RedisCache is the production session store: history, mutation form state
// and response cache all live under hashed keys with per-kind TTLs. It also
// implements per-session locking via SETNX.
type RedisCache struct {
	pool *redis.Pool
	log  *zap.SugaredLogger
}

// NewRedisCache opens a pooled connection to redisURL and verifies it with a
// PING.
func NewRedisCache(redisURL string, log *zap.SugaredLogger) (*RedisCache, error) {
	pool := &redis.Pool{
		MaxIdle:     redisPoolSize,
		MaxActive:   redisPoolSize,
		IdleTimeout: 5 * time.Minute,
		Wait:        true,
		Dial: func() (redis.Conn, error) {
			return redis.DialURL(redisURL)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}

	c := pool.Get()
	defer c.Close()
	if _, err := c.Do("PING"); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "failed to connect to redis")
	}

	return &RedisCache{pool: pool, log: log}, nil
}

// Get implements core.Cache.
func (r *RedisCache) Get(key string) ([]byte, bool) {
	c := r.pool.Get()
	defer c.Close()

	data, err := redis.Bytes(c.Do("GET", key))
	if err != nil {
		if err != redis.ErrNil {
			r.log.Warnf("redis get failed: %s", err)
		}
		return nil, false
	}
	return data, true
}

// Set implements core.Cache.
func (r *RedisCache) Set(key string, value []byte, ttl time.Duration) {
	c := r.pool.Get()
	defer c.Close()

	if _, err := c.Do("SET", key, value, "PX", ttl.Milliseconds()); err != nil {
		r.log.Warnf("redis set failed: %s", err)
	}
}

// Delete implements core.Cache.
func (r *RedisCache) Delete(key string) {
	c := r.pool.Get()
	defer c.Close()

	if _, err := c.Do("DEL", key); err != nil {
		r.log.Warnf("redis del failed: %s", err)
	}
}

// Acquire implements core.Locker with SET NX PX. Returns false when another
// request holds the session.
func (r *RedisCache) Acquire(key string, ttl time.Duration) bool {
	c := r.pool.Get()
	defer c.Close()

	reply, err := c.Do("SET", key, "1", "NX", "PX", ttl.Milliseconds())
	if err != nil {
		r.log.Warnf("redis lock failed: %s", err)
		// A cache outage must not deadlock every session.
		return true
	}
	return reply != nil
}

// Release implements core.Locker.
func (r *RedisCache) Release(key string) {
	r.Delete(key)
}

// Close drains the pool.
func (r *RedisCache) Close() error {
	return r.pool.Close()
}
