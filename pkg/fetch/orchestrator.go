// Package fetch coordinates loading remote resources through a memory tier,
// a persistent tier, a per-key request throttle and a single pending retry
// per key, serving the best cached data when the network fails.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/igorao79/soulcycle/pkg/models"
	"github.com/igorao79/soulcycle/pkg/store"
)

// Loader performs the network transfer for one resource. It may return a
// *StatusError so rate limiting can be told apart from other failures.
type Loader func(ctx context.Context) (json.RawMessage, error)

// Config holds orchestrator tuning. Zero durations take the defaults; a
// negative ThrottleInterval disables throttling.
type Config struct {
	TTL              time.Duration
	ThrottleInterval time.Duration
	RetryInterval    time.Duration
	BustParams       []string
	// Now overrides the clock used for freshness and throttling.
	Now func() time.Time
}

// Defaults.
const (
	DefaultTTL              = 10 * time.Minute
	DefaultThrottleInterval = 2 * time.Second
	DefaultRetryInterval    = 10 * time.Second
)

// Options tune a single Fetch call.
type Options struct {
	// SkipCache bypasses both tiers on the way in. Failures still fall back
	// to cached data.
	SkipCache bool
	// RetryInterval is the delay before the background retry after a failed
	// load that was answered from cache.
	RetryInterval time.Duration
	// Scope bounds the background retry. Cancelling it stops a pending retry
	// and suppresses OnRefresh. Nil means the orchestrator's lifetime.
	Scope context.Context
	// OnRefresh receives the network result of a background retry while
	// Scope is still live.
	OnRefresh func(Result)
}

// Result is the data returned by Fetch with its provenance.
type Result struct {
	Data      json.RawMessage `json:"data"`
	Source    models.Source   `json:"source"`
	Stale     bool            `json:"stale"`
	Timestamp time.Time       `json:"timestamp"`
	// Throttled is set when no network call was made because one for the
	// same key went out within the throttle interval.
	Throttled bool `json:"throttled,omitempty"`
}

// EmptyReason explains a Result with Source none: the call was either
// throttled or rate limited upstream, and nothing was cached.
func (r Result) EmptyReason() error {
	if r.Throttled {
		return ErrThrottled
	}
	return ErrRateLimited
}

// keyState is the per-key throttle record and retry slot.
type keyState struct {
	lastRequest time.Time
	retry       *time.Timer
	retryGen    uint64
	stopScope   func() bool
}

// Orchestrator is the process-wide cache service. Create one per process and
// share it; tests create isolated instances.
type Orchestrator struct {
	cfg   Config
	store *store.Persistent

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	memory map[string]models.CacheEntry
	keys   map[string]*keyState
	closed bool

	sf singleflight.Group

	hits         atomic.Int64
	misses       atomic.Int64
	networkCalls atomic.Int64
	throttled    atomic.Int64
	fallbacks    atomic.Int64
	retries      atomic.Int64
}

// New creates an Orchestrator. p may be nil for a memory-only cache.
func New(cfg Config, p *store.Persistent) *Orchestrator {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.ThrottleInterval == 0 {
		cfg.ThrottleInterval = DefaultThrottleInterval
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:    cfg,
		store:  p,
		ctx:    ctx,
		cancel: cancel,
		memory: make(map[string]models.CacheEntry),
		keys:   make(map[string]*keyState),
	}
}

// CacheKey returns the cache slot used for resourceKey.
func (o *Orchestrator) CacheKey(resourceKey string) string {
	return CacheKey(resourceKey, o.cfg.BustParams)
}

// Fetch returns the resource identified by resourceKey, consulting the memory
// tier, then the persistent tier, then load. It only returns an error when
// load fails and neither tier holds any data for the key.
func (o *Orchestrator) Fetch(ctx context.Context, resourceKey string, load Loader, opts Options) (Result, error) {
	if o.isClosed() {
		return Result{}, ErrClosed
	}
	key := o.CacheKey(resourceKey)

	if !opts.SkipCache {
		if res, ok := o.cached(key); ok {
			o.hits.Add(1)
			return res, nil
		}
		o.misses.Add(1)
	}

	// Callers that arrive while a load is in flight share its outcome. The
	// load is detached from whichever caller started it, so one caller going
	// away does not fail the others; Close still cancels it.
	ch := o.sf.DoChan(key, func() (any, error) {
		loadCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		defer cancel()
		stop := context.AfterFunc(o.ctx, cancel)
		defer stop()
		return o.refresh(loadCtx, key, load, opts)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return Result{}, r.Err
		}
		return r.Val.(Result), nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// cached returns a fresh entry from memory or, failing that, from the
// persistent tier, promoting it into memory.
func (o *Orchestrator) cached(key string) (Result, bool) {
	now := o.cfg.Now()

	o.mu.Lock()
	ent, ok := o.memory[key]
	o.mu.Unlock()
	if ok && ent.Fresh(now, o.cfg.TTL) {
		return resultOf(ent, models.SourceMemory, false), true
	}

	if o.store == nil {
		return Result{}, false
	}
	pent, ok := o.store.Entry(key)
	if !ok || !pent.Fresh(now, o.cfg.TTL) {
		return Result{}, false
	}

	o.mu.Lock()
	if cur, ok := o.memory[key]; !ok || cur.Timestamp <= pent.Timestamp {
		o.memory[key] = pent
	}
	o.mu.Unlock()
	return resultOf(pent, models.SourcePersistent, false), true
}

func (o *Orchestrator) refresh(ctx context.Context, key string, load Loader, opts Options) (Result, error) {
	if !o.acquire(key, o.cfg.Now()) {
		o.throttled.Add(1)
		res, _ := o.fallback(key)
		res.Throttled = true
		return res, nil
	}

	o.networkCalls.Add(1)
	data, err := load(ctx)
	if err == nil {
		ent := o.write(key, data)
		o.dropRetry(key, 0)
		return resultOf(ent, models.SourceNetwork, false), nil
	}

	res, ok := o.fallback(key)
	if IsRateLimited(err) {
		log.Printf("fetch: %s rate limited, serving %s data", key, res.Source)
		res.Stale = ok
		return res, nil
	}
	if !ok {
		return Result{}, fmt.Errorf("fetch %s: %w", key, err)
	}

	o.fallbacks.Add(1)
	res.Stale = true
	if !errors.Is(err, context.Canceled) {
		o.scheduleRetry(key, load, opts)
	}
	log.Printf("fetch: %s failed, serving cached %s data: %v", key, res.Source, err)
	return res, nil
}

// acquire records a network request for key unless one was issued within
// the throttle interval.
func (o *Orchestrator) acquire(key string, now time.Time) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.state(key)
	if o.cfg.ThrottleInterval > 0 && !st.lastRequest.IsZero() && now.Sub(st.lastRequest) < o.cfg.ThrottleInterval {
		return false
	}
	st.lastRequest = now
	return true
}

// fallback returns whatever is cached for key regardless of age: memory
// first, then the persistent tier.
func (o *Orchestrator) fallback(key string) (Result, bool) {
	now := o.cfg.Now()

	o.mu.Lock()
	ent, ok := o.memory[key]
	o.mu.Unlock()
	if ok {
		return resultOf(ent, models.SourceMemory, !ent.Fresh(now, o.cfg.TTL)), true
	}
	if o.store != nil {
		if pent, ok := o.store.Entry(key); ok {
			return resultOf(pent, models.SourcePersistent, !pent.Fresh(now, o.cfg.TTL)), true
		}
	}
	return Result{Source: models.SourceNone}, false
}

// write stores data in both tiers stamped with the completion time.
func (o *Orchestrator) write(key string, data json.RawMessage) models.CacheEntry {
	ent := models.NewCacheEntry(key, data, o.cfg.Now())

	o.mu.Lock()
	o.memory[key] = ent
	o.mu.Unlock()

	if o.store != nil {
		o.store.PutEntry(ent)
	}
	return ent
}

// scheduleRetry arms the retry timer for key unless one is already pending.
func (o *Orchestrator) scheduleRetry(key string, load Loader, opts Options) {
	interval := opts.RetryInterval
	if interval <= 0 {
		interval = o.cfg.RetryInterval
	}
	scope := opts.Scope
	if scope == nil {
		scope = o.ctx
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || scope.Err() != nil {
		return
	}
	st := o.state(key)
	if st.retry != nil {
		return
	}
	st.retryGen++
	gen := st.retryGen
	st.retry = time.AfterFunc(interval, func() {
		o.runRetry(key, gen, load, opts, scope)
	})
	st.stopScope = context.AfterFunc(scope, func() {
		o.dropRetry(key, gen)
	})
}

func (o *Orchestrator) runRetry(key string, gen uint64, load Loader, opts Options, scope context.Context) {
	if !o.claimRetry(key, gen) || scope.Err() != nil {
		return
	}
	o.retries.Add(1)

	res, err := o.Fetch(scope, key, load, Options{
		SkipCache:     true,
		RetryInterval: opts.RetryInterval,
		Scope:         opts.Scope,
		OnRefresh:     opts.OnRefresh,
	})
	if err != nil {
		log.Printf("fetch: retry of %s failed: %v", key, err)
		return
	}
	if res.Source != models.SourceNetwork || opts.OnRefresh == nil || scope.Err() != nil {
		return
	}
	opts.OnRefresh(res)
}

// claimRetry clears the retry slot if it still belongs to gen.
func (o *Orchestrator) claimRetry(key string, gen uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.keys[key]
	if !ok || st.retry == nil || st.retryGen != gen {
		return false
	}
	st.retry = nil
	if st.stopScope != nil {
		st.stopScope()
		st.stopScope = nil
	}
	return true
}

// dropRetry stops the pending retry for key. A zero gen matches any retry.
func (o *Orchestrator) dropRetry(key string, gen uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.keys[key]
	if !ok || st.retry == nil || (gen != 0 && st.retryGen != gen) {
		return
	}
	stopRetry(st)
}

func stopRetry(st *keyState) {
	st.retry.Stop()
	st.retry = nil
	if st.stopScope != nil {
		st.stopScope()
		st.stopScope = nil
	}
}

// state returns the record for key. Callers hold o.mu.
func (o *Orchestrator) state(key string) *keyState {
	st, ok := o.keys[key]
	if !ok {
		st = &keyState{}
		o.keys[key] = st
	}
	return st
}

// RetryPending reports whether a background retry is armed for resourceKey.
func (o *Orchestrator) RetryPending(resourceKey string) bool {
	key := o.CacheKey(resourceKey)
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.keys[key]
	return ok && st.retry != nil
}

// Invalidate removes resourceKey from both tiers and cancels its retry.
func (o *Orchestrator) Invalidate(resourceKey string) {
	key := o.CacheKey(resourceKey)

	o.mu.Lock()
	delete(o.memory, key)
	if st, ok := o.keys[key]; ok && st.retry != nil {
		stopRetry(st)
	}
	o.mu.Unlock()

	if o.store != nil {
		o.store.Remove(key)
	}
}

// Clear empties the memory tier and removes every key this orchestrator has
// seen from the persistent tier.
func (o *Orchestrator) Clear() {
	o.mu.Lock()
	keys := make([]string, 0, len(o.keys)+len(o.memory))
	for k := range o.memory {
		keys = append(keys, k)
	}
	for k, st := range o.keys {
		if _, ok := o.memory[k]; !ok {
			keys = append(keys, k)
		}
		if st.retry != nil {
			stopRetry(st)
		}
	}
	o.memory = make(map[string]models.CacheEntry)
	o.mu.Unlock()

	if o.store == nil {
		return
	}
	for _, k := range keys {
		o.store.Remove(k)
	}
}

// Stats returns the orchestrator counters, plus persistent tier figures when
// the backend can report them.
func (o *Orchestrator) Stats() (models.CacheStats, error) {
	o.mu.Lock()
	entries := int64(len(o.memory))
	o.mu.Unlock()

	stats := models.CacheStats{
		Entries:      entries,
		Hits:         o.hits.Load(),
		Misses:       o.misses.Load(),
		NetworkCalls: o.networkCalls.Load(),
		Throttled:    o.throttled.Load(),
		Fallbacks:    o.fallbacks.Load(),
		Retries:      o.retries.Load(),
	}

	if o.store == nil {
		return stats, nil
	}
	if s, ok := o.store.Backend().(interface {
		Stats() (models.StoreStats, error)
	}); ok {
		ps, err := s.Stats()
		if err != nil {
			return stats, fmt.Errorf("persistent stats: %w", err)
		}
		stats.PersistentEntries = ps.Entries
		stats.PersistentBytes = ps.Bytes
	}
	return stats, nil
}

// Close stops all pending retries. Fetch returns ErrClosed afterwards.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	o.closed = true
	for _, st := range o.keys {
		if st.retry != nil {
			stopRetry(st)
		}
	}
	o.mu.Unlock()
	o.cancel()
	return nil
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func resultOf(ent models.CacheEntry, src models.Source, stale bool) Result {
	return Result{
		Data:      ent.Data,
		Source:    src,
		Stale:     stale,
		Timestamp: ent.FetchedAt(),
	}
}
