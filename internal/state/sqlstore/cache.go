package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"funding-arb-state/internal/config"
	"funding-arb-state/internal/state"
	"funding-arb-state/internal/state/redis"
	"funding-arb-state/internal/state/sqlite"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

const (
	kindStrategy = "strategy"
	kindAccount  = "account"
	cacheVersion = 1
)

// cacheEntry wraps a JSON-encoded state document. The document stays JSON so
// decimals and schema-less maps keep their exact persisted form.
type cacheEntry struct {
	Kind     string `msgpack:"kind"`
	Version  int    `msgpack:"v"`
	Doc      []byte `msgpack:"doc"`
	CachedAt int64  `msgpack:"cached_at"`
}

func strategyKey(strategyID string) string {
	return kindStrategy + ":" + strategyID
}

func accountKey(accountID string) string {
	return kindAccount + ":" + accountID
}

func openCache(ctx context.Context, cfg config.CacheConfig) (state.Cache, error) {
	switch cfg.Driver {
	case "", config.CacheNone:
		return nil, nil
	case config.CacheRedis:
		cache, err := redis.New(ctx, redis.Options{
			Addr:     cfg.Addr(),
			Password: cfg.Password(),
			DB:       cfg.DB,
			TTL:      cfg.TTL,
		})
		if err != nil {
			return nil, err
		}
		return cache, nil
	case config.CacheSQLite:
		cache, err := sqlite.New(cfg.SQLitePath, cfg.TTL)
		if err != nil {
			return nil, err
		}
		return cache, nil
	default:
		return nil, fmt.Errorf("unsupported cache driver %q", cfg.Driver)
	}
}

func encodeEntry(kind string, v any) ([]byte, error) {
	doc, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(cacheEntry{
		Kind:     kind,
		Version:  cacheVersion,
		Doc:      doc,
		CachedAt: time.Now().UnixMilli(),
	})
}

func decodeEntry(raw []byte, kind string, v any) error {
	var entry cacheEntry
	if err := msgpack.Unmarshal(raw, &entry); err != nil {
		return err
	}
	if entry.Kind != kind || entry.Version != cacheVersion {
		return fmt.Errorf("cache entry kind %q version %d does not match %q", entry.Kind, entry.Version, kind)
	}
	return json.Unmarshal(entry.Doc, v)
}

// cacheGet reports a hit only for an entry that decodes cleanly. Cache errors
// are logged and treated as a miss.
func (s *Store) cacheGet(ctx context.Context, key, kind string, v any) bool {
	if s.cache == nil {
		return false
	}
	raw, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.log.Warn("state cache read failed", zap.String("key", key), zap.Error(err))
		return false
	}
	if !ok {
		return false
	}
	if err := decodeEntry(raw, kind, v); err != nil {
		s.log.Warn("dropping undecodable cache entry", zap.String("key", key), zap.Error(err))
		s.cacheDelete(ctx, key)
		return false
	}
	return true
}

func (s *Store) cacheSet(ctx context.Context, key, kind string, v any) {
	if s.cache == nil {
		return
	}
	raw, err := encodeEntry(kind, v)
	if err != nil {
		s.log.Warn("state cache encode failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := s.cache.Set(ctx, key, raw); err != nil {
		s.log.Warn("state cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func (s *Store) cacheDelete(ctx context.Context, key string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, key); err != nil {
		s.log.Warn("state cache delete failed", zap.String("key", key), zap.Error(err))
	}
}
