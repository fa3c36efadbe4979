// Package pool caches initialized exchange adapters per credential set.
// Adapter initialization is expensive (market metadata, leverage setup), so
// agents sharing an exchange account share one adapter instance.
package pool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"agentledger/internal/exchange"
	"agentledger/internal/logger"
	"agentledger/internal/metrics"
)

const (
	defaultMaxSize     = 32
	defaultIdleTimeout = 30 * time.Minute
	defaultSweepEvery  = 5 * time.Minute
)

// Credentials identifies one venue connection. Key() hashes the secret so
// the raw key pair never appears in logs or metric labels.
type Credentials struct {
	Exchange  string
	APIKey    string
	APISecret string
	Network   string // "mainnet" | "testnet"
}

func (c Credentials) Key() string {
	h := sha256.New()
	h.Write([]byte(c.Exchange))
	h.Write([]byte{0})
	h.Write([]byte(c.APIKey))
	h.Write([]byte{0})
	h.Write([]byte(c.APISecret))
	h.Write([]byte{0})
	h.Write([]byte(c.Network))
	return c.Exchange + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}

// Factory builds an uninitialized adapter for a credential set.
type Factory func(creds Credentials) (exchange.Adapter, error)

type entry struct {
	adapter  exchange.Adapter
	lastUsed time.Time
}

// Pool is a bounded adapter cache with LRU eviction and idle reaping.
type Pool struct {
	factory     Factory
	maxSize     int
	idleTimeout time.Duration

	mu      sync.Mutex
	entries map[string]*entry
	group   singleflight.Group

	stopOnce sync.Once
	stop     chan struct{}
}

type Option func(*Pool)

func WithMaxSize(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.maxSize = n
		}
	}
}

func WithIdleTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.idleTimeout = d
		}
	}
}

func New(factory Factory, opts ...Option) (*Pool, error) {
	if factory == nil {
		return nil, fmt.Errorf("pool: nil factory")
	}
	p := &Pool{
		factory:     factory,
		maxSize:     defaultMaxSize,
		idleTimeout: defaultIdleTimeout,
		entries:     make(map[string]*entry),
		stop:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	go p.sweepLoop()
	return p, nil
}

// Get returns the cached adapter for creds, building and initializing one
// on first use. Concurrent first calls for the same credentials share a
// single initialization through singleflight.
func (p *Pool) Get(ctx context.Context, creds Credentials) (exchange.Adapter, error) {
	key := creds.Key()

	p.mu.Lock()
	if e, ok := p.entries[key]; ok {
		e.lastUsed = time.Now()
		p.mu.Unlock()
		return e.adapter, nil
	}
	p.mu.Unlock()

	v, err, _ := p.group.Do(key, func() (interface{}, error) {
		// Re-check: another flight may have finished between the unlock
		// above and this call.
		p.mu.Lock()
		if e, ok := p.entries[key]; ok {
			e.lastUsed = time.Now()
			p.mu.Unlock()
			return e.adapter, nil
		}
		p.mu.Unlock()

		adapter, err := p.factory(creds)
		if err != nil {
			return nil, fmt.Errorf("pool: building adapter for %s: %w", key, err)
		}
		if err := adapter.Initialize(ctx); err != nil {
			_ = adapter.Close()
			return nil, fmt.Errorf("pool: initializing adapter for %s: %w", key, err)
		}

		p.mu.Lock()
		p.evictIfFullLocked()
		p.entries[key] = &entry{adapter: adapter, lastUsed: time.Now()}
		metrics.SetPoolSize(len(p.entries))
		p.mu.Unlock()

		logger.Infof("pool: adapter ready for %s (%d cached)", key, p.Size())
		return adapter, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(exchange.Adapter), nil
}

// Invalidate drops and closes the adapter for creds, forcing a rebuild on
// the next Get. Used after credential rotation or persistent auth errors.
func (p *Pool) Invalidate(creds Credentials) {
	key := creds.Key()
	p.mu.Lock()
	e, ok := p.entries[key]
	if ok {
		delete(p.entries, key)
		metrics.SetPoolSize(len(p.entries))
	}
	p.mu.Unlock()
	if ok {
		if err := e.adapter.Close(); err != nil {
			logger.Warnf("pool: closing invalidated adapter %s: %v", key, err)
		}
		metrics.RecordPoolEviction("invalidated")
	}
}

func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Close stops the sweeper and closes every cached adapter.
func (p *Pool) Close() error {
	p.stopOnce.Do(func() { close(p.stop) })
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*entry)
	metrics.SetPoolSize(0)
	p.mu.Unlock()
	for key, e := range entries {
		if err := e.adapter.Close(); err != nil {
			logger.Warnf("pool: closing adapter %s: %v", key, err)
		}
	}
	return nil
}

// evictIfFullLocked removes the least recently used entry when at capacity.
// Caller holds p.mu.
func (p *Pool) evictIfFullLocked() {
	if len(p.entries) < p.maxSize {
		return
	}
	var (
		oldestKey string
		oldest    time.Time
	)
	for key, e := range p.entries {
		if oldestKey == "" || e.lastUsed.Before(oldest) {
			oldestKey = key
			oldest = e.lastUsed
		}
	}
	if oldestKey == "" {
		return
	}
	e := p.entries[oldestKey]
	delete(p.entries, oldestKey)
	go func() {
		if err := e.adapter.Close(); err != nil {
			logger.Warnf("pool: closing evicted adapter %s: %v", oldestKey, err)
		}
	}()
	metrics.RecordPoolEviction("lru")
	logger.Infof("pool: evicted least recently used adapter %s", oldestKey)
}

func (p *Pool) sweepLoop() {
	ticker := time.NewTicker(defaultSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.sweepIdle()
		}
	}
}

// sweepIdle closes adapters unused for longer than the idle timeout.
func (p *Pool) sweepIdle() {
	cutoff := time.Now().Add(-p.idleTimeout)
	var victims []*entry
	p.mu.Lock()
	for key, e := range p.entries {
		if e.lastUsed.Before(cutoff) {
			delete(p.entries, key)
			victims = append(victims, e)
			logger.Infof("pool: reaping idle adapter %s", key)
		}
	}
	metrics.SetPoolSize(len(p.entries))
	p.mu.Unlock()
	for _, e := range victims {
		if err := e.adapter.Close(); err != nil {
			logger.Warnf("pool: closing idle adapter: %v", err)
		}
		metrics.RecordPoolEviction("idle")
	}
}
