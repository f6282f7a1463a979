package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
)

// Local is an in-process cache bounded by size and TTL.
type Local struct {
	bc *bigcache.BigCache
}

// NewLocal builds a cache evicting entries after ttl and holding at most maxMB.
func NewLocal(ctx context.Context, ttl time.Duration, maxMB int) (*Local, error) {
	cfg := bigcache.DefaultConfig(ttl)
	cfg.CleanWindow = max(ttl/2, time.Second)
	cfg.HardMaxCacheSize = maxMB
	cfg.Shards = 64
	cfg.Verbose = false
	bc, err := bigcache.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create local cache: %w", err)
	}
	return &Local{bc: bc}, nil
}

func (l *Local) Get(_ context.Context, key string) ([]byte, error) {
	v, err := l.bc.Get(key)
	if errors.Is(err, bigcache.ErrEntryNotFound) {
		return nil, ErrMiss
	}
	return v, err
}

func (l *Local) Set(_ context.Context, key string, value []byte) error {
	return l.bc.Set(key, value)
}

func (l *Local) Delete(_ context.Context, key string) error {
	if err := l.bc.Delete(key); err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
		return err
	}
	return nil
}

func (l *Local) Close() error {
	return l.bc.Close()
}
