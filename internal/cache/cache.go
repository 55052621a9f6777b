// Package cache — хранилище ключ-значение с TTL для ответов Idempotency-Key.
// Основная реализация — Redis; без REDIS_ADDR используется память процесса
// (подходит только для одного экземпляра сервиса).
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound — ключа нет или он истёк.
var ErrNotFound = errors.New("cache: ключ не найден")

// Cache — минимальный набор операций, нужный middleware идемпотентности.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX записывает значение, только если ключа ещё нет. true — записали.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
}

// RedisCache — Cache поверх go-redis.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache подключается к Redis и проверяет соединение.
func NewRedisCache(ctx context.Context, addr, password string, db int) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ошибка подключения к Redis: %w", err)
	}

	return &RedisCache{client: client, prefix: "points-ledger:"}, nil
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, r.prefix+key, value, ttl).Err()
}

func (r *RedisCache) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, r.prefix+key, value, ttl).Result()
}

func (r *RedisCache) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.prefix+key).Err()
}

// Ping — для /health.
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close закрывает соединения с Redis.
func (r *RedisCache) Close() error {
	return r.client.Close()
}

// sweepInterval — как часто InMemoryCache вычищает истёкшие ключи,
// до которых никто не дошёл чтением.
const sweepInterval = 5 * time.Minute

// InMemoryCache — Cache в памяти процесса.
type InMemoryCache struct {
	mu   sync.Mutex
	data map[string]cacheEntry
	now  func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewInMemoryCache создаёт пустой кеш в памяти и запускает фоновую очистку.
// Остановить её — Close.
func NewInMemoryCache() *InMemoryCache {
	m := &InMemoryCache{
		data:   make(map[string]cacheEntry),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	go m.sweepLoop(sweepInterval)
	return m
}

// Close останавливает фоновую очистку. Повторный вызов безопасен.
func (m *InMemoryCache) Close() error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	return nil
}

func (m *InMemoryCache) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep удаляет все истёкшие ключи и возвращает, сколько удалено.
func (m *InMemoryCache) sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for key, entry := range m.data {
		if !now.Before(entry.expiresAt) {
			delete(m.data, key)
			removed++
		}
	}
	return removed
}

// get вызывается под мьютексом. Истёкшие ключи удаляются при чтении.
func (m *InMemoryCache) get(key string) (cacheEntry, bool) {
	entry, ok := m.data[key]
	if !ok {
		return cacheEntry{}, false
	}
	if !m.now().Before(entry.expiresAt) {
		delete(m.data, key)
		return cacheEntry{}, false
	}
	return entry, true
}

func (m *InMemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.get(key)
	if !ok {
		return nil, ErrNotFound
	}
	return entry.value, nil
}

func (m *InMemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = cacheEntry{value: value, expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *InMemoryCache) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.get(key); ok {
		return false, nil
	}
	m.data[key] = cacheEntry{value: value, expiresAt: m.now().Add(ttl)}
	return true, nil
}

func (m *InMemoryCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

// GetJSON читает значение и раскладывает JSON в dest.
func GetJSON(ctx context.Context, c Cache, key string, dest interface{}) error {
	data, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// SetJSON сериализует value в JSON и сохраняет.
func SetJSON(ctx context.Context, c Cache, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, data, ttl)
}
