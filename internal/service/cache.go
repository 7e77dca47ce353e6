package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"paygate/internal/models"
	"paygate/pkg/redis"
)

// Cache is the key/value surface the service needs. *redis.Client
// satisfies it; MemoryCache stands in when no Redis is configured.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
}

// MemoryCache is a process-local Cache with per-entry expiry.
type MemoryCache struct {
	mu   sync.RWMutex
	data map[string]cacheEntry
	now  func() time.Time
}

type cacheEntry struct {
	value     string
	expiresAt time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		data: make(map[string]cacheEntry),
		now:  time.Now,
	}
}

func (mc *MemoryCache) Get(_ context.Context, key string) (string, error) {
	mc.mu.RLock()
	entry, ok := mc.data[key]
	mc.mu.RUnlock()

	if !ok {
		return "", redis.ErrKeyNotFound
	}
	if !entry.expiresAt.IsZero() && mc.now().After(entry.expiresAt) {
		mc.mu.Lock()
		delete(mc.data, key)
		mc.mu.Unlock()
		return "", redis.ErrKeyNotFound
	}
	return entry.value, nil
}

func (mc *MemoryCache) Set(_ context.Context, key string, value interface{}, ttl time.Duration) error {
	entry, err := mc.entry(value, ttl)
	if err != nil {
		return err
	}
	mc.mu.Lock()
	mc.data[key] = entry
	mc.mu.Unlock()
	return nil
}

// SetNX stores value only if key is absent or expired.
func (mc *MemoryCache) SetNX(_ context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	entry, err := mc.entry(value, ttl)
	if err != nil {
		return false, err
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()
	if cur, ok := mc.data[key]; ok && (cur.expiresAt.IsZero() || !mc.now().After(cur.expiresAt)) {
		return false, nil
	}
	mc.data[key] = entry
	return true, nil
}

func (mc *MemoryCache) Delete(_ context.Context, key string) error {
	mc.mu.Lock()
	delete(mc.data, key)
	mc.mu.Unlock()
	return nil
}

func (mc *MemoryCache) entry(value interface{}, ttl time.Duration) (cacheEntry, error) {
	var s string
	switch v := value.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return cacheEntry{}, fmt.Errorf("failed to marshal cache value: %w", err)
		}
		s = string(data)
	}

	entry := cacheEntry{value: s}
	if ttl > 0 {
		entry.expiresAt = mc.now().Add(ttl)
	}
	return entry, nil
}

// QuoteCache keeps crypto conversion estimates in a local layer in front
// of the shared cache.
type QuoteCache struct {
	shared Cache
	local  *MemoryCache
	ttl    time.Duration
	logger *zap.Logger
}

func NewQuoteCache(shared Cache, ttl time.Duration, logger *zap.Logger) *QuoteCache {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &QuoteCache{
		shared: shared,
		local:  NewMemoryCache(),
		ttl:    ttl,
		logger: logger,
	}
}

// Get returns nil on a miss.
func (qc *QuoteCache) Get(ctx context.Context, gatewayName, from, to, amount string) *models.CryptoQuote {
	key := quoteKey(gatewayName, from, to, amount)

	if data, err := qc.local.Get(ctx, key); err == nil {
		if quote := decodeQuote(data); quote != nil {
			qc.logger.Debug("quote cache hit (memory)", zap.String("key", key))
			return quote
		}
	}

	if qc.shared == nil {
		return nil
	}
	data, err := qc.shared.Get(ctx, key)
	if err != nil {
		return nil
	}
	quote := decodeQuote(data)
	if quote != nil {
		qc.logger.Debug("quote cache hit (shared)", zap.String("key", key))
		_ = qc.local.Set(ctx, key, data, qc.ttl)
	}
	return quote
}

func (qc *QuoteCache) Set(ctx context.Context, quote *models.CryptoQuote) error {
	key := quoteKey(quote.Gateway, quote.From, quote.To, quote.Amount.String())
	data, err := json.Marshal(quote)
	if err != nil {
		return fmt.Errorf("failed to marshal quote: %w", err)
	}

	_ = qc.local.Set(ctx, key, data, qc.ttl)
	if qc.shared == nil {
		return nil
	}
	if err := qc.shared.Set(ctx, key, data, qc.ttl); err != nil {
		qc.logger.Error("failed to cache quote",
			zap.String("key", key),
			zap.Error(err))
		return err
	}
	return nil
}

func quoteKey(gatewayName, from, to, amount string) string {
	return fmt.Sprintf("quote:%s:%s:%s:%s",
		strings.ToLower(gatewayName), strings.ToUpper(from), strings.ToUpper(to), amount)
}

func decodeQuote(data string) *models.CryptoQuote {
	var quote models.CryptoQuote
	if err := json.Unmarshal([]byte(data), &quote); err != nil {
		return nil
	}
	return &quote
}
