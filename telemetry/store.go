package telemetry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is a remote attribute store: named items holding string attributes.
type Store interface {
	// Put merges attrs into item.
	Put(ctx context.Context, item string, attrs map[string]string) error
	// Get returns every attribute of item; a missing item has none.
	Get(ctx context.Context, item string) (map[string]string, error)
	// Items lists the item names starting with prefix.
	Items(ctx context.Context, prefix string) ([]string, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]map[string]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]map[string]string)}
}

func (m *MemoryStore) Put(ctx context.Context, item string, attrs map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dst, ok := m.items[item]
	if !ok {
		dst = make(map[string]string, len(attrs))
		m.items[item] = dst
	}
	for k, v := range attrs {
		dst[k] = v
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, item string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.items[item]))
	for k, v := range m.items[item] {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStore) Items(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for name := range m.items {
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// RedisStore keeps each item as a redis hash under keyPrefix+item.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

// NewRedisStore creates a store over client. A positive ttl expires items
// that have not been written for that long.
func NewRedisStore(client redis.UniversalClient, keyPrefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

// DialRedis connects to a redis server and checks it answers.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}
	return client, nil
}

func (s *RedisStore) Put(ctx context.Context, item string, attrs map[string]string) error {
	if len(attrs) == 0 {
		return nil
	}
	key := s.keyPrefix + item
	values := make(map[string]interface{}, len(attrs))
	for k, v := range attrs {
		values[k] = v
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, values)
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, item string) (map[string]string, error) {
	key := s.keyPrefix + item
	attrs, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	return attrs, nil
}

func (s *RedisStore) Items(ctx context.Context, prefix string) ([]string, error) {
	var (
		out    []string
		cursor uint64
	)
	match := s.keyPrefix + prefix + "*"
	for {
		keys, next, err := s.client.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", match, err)
		}
		for _, k := range keys {
			out = append(out, strings.TrimPrefix(k, s.keyPrefix))
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	sort.Strings(out)
	return out, nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*RedisStore)(nil)
)
