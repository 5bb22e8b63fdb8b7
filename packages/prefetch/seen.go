package prefetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Seen remembers URLs that were already prefetched. MarkSeen reports true
// when url was newly recorded.
type Seen interface {
	MarkSeen(ctx context.Context, url string) (bool, error)
}

type MemorySeen struct {
	mu   sync.Mutex
	urls map[string]struct{}
}

func NewMemorySeen() *MemorySeen {
	return &MemorySeen{urls: make(map[string]struct{})}
}

func (m *MemorySeen) MarkSeen(_ context.Context, url string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.urls[url]; ok {
		return false, nil
	}
	m.urls[url] = struct{}{}
	return true, nil
}

// RedisSeen shares the seen set between processes through a Redis set that
// expires ttl after its last write.
type RedisSeen struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

var ErrEmptyKey = errors.New("seen set key is required")

func NewRedisSeen(client *redis.Client, key string, ttl time.Duration) (*RedisSeen, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	return &RedisSeen{client: client, key: key, ttl: ttl}, nil
}

func (r *RedisSeen) MarkSeen(ctx context.Context, url string) (bool, error) {
	pipe := r.client.TxPipeline()
	added := pipe.SAdd(ctx, r.key, url)
	if r.ttl > 0 {
		pipe.Expire(ctx, r.key, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("mark seen %q: %w", url, err)
	}
	return added.Val() == 1, nil
}

// connectionTimeout bounds the startup ping.
const connectionTimeout = 5 * time.Second

// NewRedisClient connects and pings, closing the client when Redis is unreachable.
func NewRedisClient(addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}
