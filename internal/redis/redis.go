package redis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"logosrelay/internal/config"

	goredis "github.com/redis/go-redis/v9"
)

// SessionNamespace prefixes every key the relay writes.
const SessionNamespace = "relay:session:"

const dialTimeout = 3 * time.Second

// ErrNotFound is returned by Load when the blob is absent or has expired.
var ErrNotFound = errors.New("redis: blob not found")

// Store holds opaque blobs under one key namespace, each with its own expiry.
type Store struct {
	rdb       *goredis.Client
	namespace string
}

// Options builds go-redis options from the redis config section.
func Options(cfg config.RedisConfig) *goredis.Options {
	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.Port
	if port == 0 {
		port = 6379
	}
	return &goredis.Options{
		Addr:        net.JoinHostPort(host, strconv.Itoa(port)),
		Username:    cfg.Username,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: dialTimeout,
	}
}

// Open connects and pings so a bad address fails at startup.
func Open(ctx context.Context, cfg config.RedisConfig, namespace string) (*Store, error) {
	opts := Options(cfg)
	rdb := goredis.NewClient(opts)
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	return &Store{rdb: rdb, namespace: namespace}, nil
}

// Key is the full redis key for id.
func (s *Store) Key(id string) string {
	return s.namespace + id
}

// Save writes data under id. A non-positive ttl keeps the blob forever.
func (s *Store) Save(ctx context.Context, id string, data []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.rdb.Set(ctx, s.Key(id), data, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", s.Key(id), err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, id string) ([]byte, error) {
	data, err := s.rdb.Get(ctx, s.Key(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", s.Key(id), err)
	}
	return data, nil
}

// Delete is a no-op for missing ids.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.rdb.Del(ctx, s.Key(id)).Err(); err != nil {
		return fmt.Errorf("del %s: %w", s.Key(id), err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.rdb.Close()
}
