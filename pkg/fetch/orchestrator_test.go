package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/igorao79/soulcycle/pkg/models"
	"github.com/igorao79/soulcycle/pkg/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingLoader serves payload, or err when fail is set.
type countingLoader struct {
	calls   atomic.Int64
	fail    atomic.Bool
	err     error
	payload string
}

func (l *countingLoader) Load(context.Context) (json.RawMessage, error) {
	l.calls.Add(1)
	if l.fail.Load() {
		return nil, l.err
	}
	return json.RawMessage(l.payload), nil
}

func newTestOrchestrator(t *testing.T, clock *fakeClock, cfg Config) (*Orchestrator, *store.MemoryBackend) {
	t.Helper()
	backend := store.NewMemoryBackend(0)
	if clock != nil {
		cfg.Now = clock.Now
	}
	cfg.BustParams = []string{"_t"}
	o := New(cfg, store.NewPersistent(backend))
	t.Cleanup(func() { _ = o.Close() })
	return o, backend
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestFetchCachesWithinTTL(t *testing.T) {
	clock := newFakeClock()
	o, _ := newTestOrchestrator(t, clock, Config{})
	l := &countingLoader{payload: `{"posts":[1,2]}`}
	ctx := context.Background()

	first, err := o.Fetch(ctx, "/posts", l.Load, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if first.Source != models.SourceNetwork {
		t.Errorf("expected network source, got %s", first.Source)
	}

	clock.Advance(5 * time.Minute)
	second, err := o.Fetch(ctx, "/posts", l.Load, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if second.Source != models.SourceMemory {
		t.Errorf("expected memory source, got %s", second.Source)
	}
	if string(second.Data) != `{"posts":[1,2]}` {
		t.Errorf("unexpected data: %s", second.Data)
	}
	if n := l.calls.Load(); n != 1 {
		t.Errorf("expected 1 network call, got %d", n)
	}
}

func TestFetchRefreshesAfterTTL(t *testing.T) {
	clock := newFakeClock()
	o, _ := newTestOrchestrator(t, clock, Config{})
	l := &countingLoader{payload: `1`}
	ctx := context.Background()

	_, _ = o.Fetch(ctx, "/posts", l.Load, Options{})
	clock.Advance(11 * time.Minute)
	res, err := o.Fetch(ctx, "/posts", l.Load, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Source != models.SourceNetwork {
		t.Errorf("expected network source after TTL, got %s", res.Source)
	}
	if n := l.calls.Load(); n != 2 {
		t.Errorf("expected 2 network calls, got %d", n)
	}
}

func TestThrottle(t *testing.T) {
	clock := newFakeClock()
	o, _ := newTestOrchestrator(t, clock, Config{})
	l := &countingLoader{payload: `"v1"`}
	ctx := context.Background()

	first, _ := o.Fetch(ctx, "/feed", l.Load, Options{SkipCache: true})
	clock.Advance(time.Second)
	second, err := o.Fetch(ctx, "/feed", l.Load, Options{SkipCache: true})
	if err != nil {
		t.Fatal(err)
	}
	if n := l.calls.Load(); n != 1 {
		t.Errorf("expected 1 network call inside throttle window, got %d", n)
	}
	if string(second.Data) != string(first.Data) {
		t.Errorf("expected same data, got %s and %s", first.Data, second.Data)
	}

	clock.Advance(2 * time.Second)
	if _, err := o.Fetch(ctx, "/feed", l.Load, Options{SkipCache: true}); err != nil {
		t.Fatal(err)
	}
	if n := l.calls.Load(); n != 2 {
		t.Errorf("expected 2 network calls after throttle window, got %d", n)
	}
}

func TestThrottleWithoutCacheReturnsEmpty(t *testing.T) {
	clock := newFakeClock()
	o, _ := newTestOrchestrator(t, clock, Config{})
	l := &countingLoader{err: errors.New("connection refused")}
	l.fail.Store(true)
	ctx := context.Background()

	if _, err := o.Fetch(ctx, "/feed", l.Load, Options{}); err == nil {
		t.Fatal("expected error on total miss")
	}

	res, err := o.Fetch(ctx, "/feed", l.Load, Options{})
	if err != nil {
		t.Fatalf("throttled call should not fail: %v", err)
	}
	if res.Source != models.SourceNone || res.Data != nil {
		t.Errorf("expected empty result, got %+v", res)
	}
	if !res.Throttled || !errors.Is(res.EmptyReason(), ErrThrottled) {
		t.Errorf("expected throttled empty result, got %+v", res)
	}
	if n := l.calls.Load(); n != 1 {
		t.Errorf("expected 1 network call, got %d", n)
	}
}

func TestPersistentPromotion(t *testing.T) {
	clock := newFakeClock()
	o, backend := newTestOrchestrator(t, clock, Config{})
	p := store.NewPersistent(backend)
	p.PutEntry(models.NewCacheEntry("/profile", json.RawMessage(`{"name":"ann"}`), clock.Now().Add(-time.Minute)))

	l := &countingLoader{payload: `{}`}
	ctx := context.Background()

	res, err := o.Fetch(ctx, "/profile", l.Load, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Source != models.SourcePersistent {
		t.Errorf("expected persistent source, got %s", res.Source)
	}
	res, _ = o.Fetch(ctx, "/profile", l.Load, Options{})
	if res.Source != models.SourceMemory {
		t.Errorf("expected promoted memory hit, got %s", res.Source)
	}
	if n := l.calls.Load(); n != 0 {
		t.Errorf("expected no network calls, got %d", n)
	}
}

func TestExpiredPersistentEntryRefetches(t *testing.T) {
	clock := newFakeClock()
	o, backend := newTestOrchestrator(t, clock, Config{})
	p := store.NewPersistent(backend)
	p.PutEntry(models.NewCacheEntry("/profile", json.RawMessage(`"old"`), clock.Now().Add(-time.Hour)))

	l := &countingLoader{payload: `"new"`}
	res, err := o.Fetch(context.Background(), "/profile", l.Load, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if string(res.Data) != `"new"` || res.Source != models.SourceNetwork {
		t.Errorf("expected fresh network data, got %+v", res)
	}

	ent, ok := p.Entry("/profile")
	if !ok || string(ent.Data) != `"new"` {
		t.Errorf("expected write-through to persistent tier, got %+v", ent)
	}
}

func TestCorruptPersistentEntryIsMiss(t *testing.T) {
	clock := newFakeClock()
	o, backend := newTestOrchestrator(t, clock, Config{})
	_ = backend.SetItem("/profile", "{garbage")

	l := &countingLoader{payload: `"ok"`}
	res, err := o.Fetch(context.Background(), "/profile", l.Load, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Source != models.SourceNetwork {
		t.Errorf("expected network source, got %s", res.Source)
	}
}

func TestPersistentQuotaFailureIsAbsorbed(t *testing.T) {
	clock := newFakeClock()
	o := New(Config{Now: clock.Now}, store.NewPersistent(store.NewMemoryBackend(8)))
	t.Cleanup(func() { _ = o.Close() })

	l := &countingLoader{payload: `"a payload larger than the quota"`}
	ctx := context.Background()

	if _, err := o.Fetch(ctx, "/big", l.Load, Options{}); err != nil {
		t.Fatal(err)
	}
	res, err := o.Fetch(ctx, "/big", l.Load, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Source != models.SourceMemory {
		t.Errorf("memory tier should still serve, got %s", res.Source)
	}
}

func TestGracefulDegradation(t *testing.T) {
	clock := newFakeClock()
	o, _ := newTestOrchestrator(t, clock, Config{RetryInterval: time.Hour})
	l := &countingLoader{payload: `[1]`, err: errors.New("network down")}
	ctx := context.Background()

	if _, err := o.Fetch(ctx, "/posts", l.Load, Options{}); err != nil {
		t.Fatal(err)
	}

	l.fail.Store(true)
	clock.Advance(11 * time.Minute)

	res, err := o.Fetch(ctx, "/posts", l.Load, Options{})
	if err != nil {
		t.Fatalf("expected cached fallback, got error %v", err)
	}
	if string(res.Data) != `[1]` {
		t.Errorf("unexpected data: %s", res.Data)
	}
	if !res.Stale {
		t.Error("expected stale flag on fallback")
	}
	if !o.RetryPending("/posts") {
		t.Error("expected a pending retry")
	}
}

func TestTotalMissSurfacesError(t *testing.T) {
	o, _ := newTestOrchestrator(t, newFakeClock(), Config{})
	loadErr := errors.New("dns failure")
	l := &countingLoader{err: loadErr}
	l.fail.Store(true)

	_, err := o.Fetch(context.Background(), "/posts", l.Load, Options{})
	if !errors.Is(err, loadErr) {
		t.Errorf("expected loader error, got %v", err)
	}
	if o.RetryPending("/posts") {
		t.Error("no retry should be scheduled without cached data")
	}
}

func TestRateLimitedFallsBackWithoutRetry(t *testing.T) {
	clock := newFakeClock()
	o, _ := newTestOrchestrator(t, clock, Config{})
	l := &countingLoader{payload: `"cached"`, err: &StatusError{StatusCode: http.StatusTooManyRequests}}
	ctx := context.Background()

	_, _ = o.Fetch(ctx, "/posts", l.Load, Options{})
	l.fail.Store(true)
	clock.Advance(11 * time.Minute)

	res, err := o.Fetch(ctx, "/posts", l.Load, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if string(res.Data) != `"cached"` {
		t.Errorf("expected cached data, got %s", res.Data)
	}
	if o.RetryPending("/posts") {
		t.Error("rate limiting should not schedule a retry")
	}

	// Nothing cached: still no error.
	res, err = o.Fetch(ctx, "/comments", l.Load, Options{})
	if err != nil {
		t.Fatalf("rate limited miss should not fail: %v", err)
	}
	if res.Source != models.SourceNone {
		t.Errorf("expected no data, got %+v", res)
	}
	if res.Throttled || !IsRateLimited(res.EmptyReason()) {
		t.Errorf("expected rate limited empty result, got %+v", res)
	}
}

func TestSingleRetryTimer(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil, Config{ThrottleInterval: -1})
	l := &countingLoader{payload: `"v"`, err: errors.New("timeout")}
	ctx := context.Background()

	refreshed := make(chan Result, 4)
	opts := Options{
		SkipCache:     true,
		RetryInterval: 50 * time.Millisecond,
		OnRefresh:     func(r Result) { refreshed <- r },
	}

	if _, err := o.Fetch(ctx, "/posts", l.Load, opts); err != nil {
		t.Fatal(err)
	}

	l.fail.Store(true)
	for range 3 {
		if _, err := o.Fetch(ctx, "/posts", l.Load, opts); err != nil {
			t.Fatal(err)
		}
	}
	if n := l.calls.Load(); n != 4 {
		t.Fatalf("expected 4 calls before retry, got %d", n)
	}

	l.fail.Store(false)
	select {
	case r := <-refreshed:
		if r.Source != models.SourceNetwork {
			t.Errorf("expected network refresh, got %s", r.Source)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("retry did not run")
	}

	time.Sleep(150 * time.Millisecond)
	if n := l.calls.Load(); n != 5 {
		t.Errorf("expected exactly one retry call, got %d total", n)
	}
	if o.RetryPending("/posts") {
		t.Error("retry slot should be empty after success")
	}
	if len(refreshed) != 0 {
		t.Error("expected a single refresh notification")
	}
}

func TestScopeCancelStopsRetry(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil, Config{ThrottleInterval: -1})
	l := &countingLoader{payload: `"v"`, err: errors.New("timeout")}
	ctx := context.Background()

	_, _ = o.Fetch(ctx, "/posts", l.Load, Options{})
	l.fail.Store(true)

	scope, cancel := context.WithCancel(context.Background())
	var notified atomic.Bool
	_, err := o.Fetch(ctx, "/posts", l.Load, Options{
		SkipCache:     true,
		RetryInterval: 50 * time.Millisecond,
		Scope:         scope,
		OnRefresh:     func(Result) { notified.Store(true) },
	})
	if err != nil {
		t.Fatal(err)
	}
	if !o.RetryPending("/posts") {
		t.Fatal("expected pending retry")
	}

	cancel()
	waitFor(t, func() bool { return !o.RetryPending("/posts") })

	l.fail.Store(false)
	time.Sleep(150 * time.Millisecond)
	if n := l.calls.Load(); n != 2 {
		t.Errorf("expected no retry call after teardown, got %d total", n)
	}
	if notified.Load() {
		t.Error("OnRefresh must not run after teardown")
	}
}

func TestSuccessClearsPendingRetry(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil, Config{ThrottleInterval: -1, RetryInterval: time.Hour})
	l := &countingLoader{payload: `"v"`, err: errors.New("timeout")}
	ctx := context.Background()

	_, _ = o.Fetch(ctx, "/posts", l.Load, Options{})
	l.fail.Store(true)
	_, _ = o.Fetch(ctx, "/posts", l.Load, Options{SkipCache: true})
	if !o.RetryPending("/posts") {
		t.Fatal("expected pending retry")
	}

	l.fail.Store(false)
	if _, err := o.Fetch(ctx, "/posts", l.Load, Options{SkipCache: true}); err != nil {
		t.Fatal(err)
	}
	if o.RetryPending("/posts") {
		t.Error("successful fetch should clear the pending retry")
	}
}

func TestConcurrentFetchSingleCall(t *testing.T) {
	clock := newFakeClock()
	o, _ := newTestOrchestrator(t, clock, Config{})

	release := make(chan struct{})
	var calls atomic.Int64
	load := func(context.Context) (json.RawMessage, error) {
		calls.Add(1)
		<-release
		return json.RawMessage(`"shared"`), nil
	}

	const n = 20
	var wg sync.WaitGroup
	results := make([]Result, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = o.Fetch(context.Background(), "/feed", load, Options{})
		}(i)
	}

	waitFor(t, func() bool { return calls.Load() == 1 })
	close(release)
	wg.Wait()

	if c := calls.Load(); c != 1 {
		t.Errorf("expected 1 network call, got %d", c)
	}
	for i := range n {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if string(results[i].Data) != `"shared"` {
			t.Errorf("caller %d got %q", i, results[i].Data)
		}
	}
}

func TestCancelledCallerDoesNotFailSharedLoad(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil, Config{ThrottleInterval: -1})

	var calls atomic.Int64
	started := make(chan struct{})
	release := make(chan struct{})
	load := func(ctx context.Context) (json.RawMessage, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		select {
		case <-release:
			return json.RawMessage(`"shared"`), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := o.Fetch(ctxA, "/r", load, Options{})
		errA <- err
	}()
	<-started
	cancelA()
	if err := <-errA; !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled caller: expected context.Canceled, got %v", err)
	}

	// The load is still in flight; a live caller joins it.
	resB := make(chan Result, 1)
	errB := make(chan error, 1)
	go func() {
		res, err := o.Fetch(context.Background(), "/r", load, Options{})
		resB <- res
		errB <- err
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)

	if err := <-errB; err != nil {
		t.Fatalf("live caller failed: %v", err)
	}
	if res := <-resB; string(res.Data) != `"shared"` {
		t.Errorf("unexpected data: %s", res.Data)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("expected 1 load, got %d", n)
	}
}

func TestCacheBustingSharesSlot(t *testing.T) {
	clock := newFakeClock()
	o, _ := newTestOrchestrator(t, clock, Config{})
	l := &countingLoader{payload: `1`}
	ctx := context.Background()

	_, _ = o.Fetch(ctx, "/posts?limit=5&_t=100", l.Load, Options{})
	clock.Advance(3 * time.Second)
	res, _ := o.Fetch(ctx, "/posts?_t=200&limit=5", l.Load, Options{})

	if res.Source != models.SourceMemory {
		t.Errorf("expected cache hit, got %s", res.Source)
	}
	if n := l.calls.Load(); n != 1 {
		t.Errorf("expected 1 network call, got %d", n)
	}
}

func TestInvalidate(t *testing.T) {
	clock := newFakeClock()
	o, backend := newTestOrchestrator(t, clock, Config{})
	l := &countingLoader{payload: `1`}
	ctx := context.Background()

	_, _ = o.Fetch(ctx, "/posts", l.Load, Options{})
	o.Invalidate("/posts?_t=5")
	if backend.Len() != 0 {
		t.Error("expected persistent entry removed")
	}

	clock.Advance(3 * time.Second)
	res, _ := o.Fetch(ctx, "/posts", l.Load, Options{})
	if res.Source != models.SourceNetwork {
		t.Errorf("expected refetch after invalidation, got %s", res.Source)
	}
}

func TestClear(t *testing.T) {
	clock := newFakeClock()
	o, backend := newTestOrchestrator(t, clock, Config{})
	l := &countingLoader{payload: `1`}
	ctx := context.Background()

	_, _ = o.Fetch(ctx, "/a", l.Load, Options{})
	_, _ = o.Fetch(ctx, "/b", l.Load, Options{})
	o.Clear()

	stats, err := o.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Entries != 0 {
		t.Errorf("expected empty memory tier, got %d", stats.Entries)
	}
	if backend.Len() != 0 {
		t.Errorf("expected empty persistent tier, got %d", backend.Len())
	}
}

func TestCloseRejectsFetch(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil, Config{ThrottleInterval: -1, RetryInterval: time.Hour})
	l := &countingLoader{payload: `1`, err: errors.New("down")}
	ctx := context.Background()

	_, _ = o.Fetch(ctx, "/posts", l.Load, Options{})
	l.fail.Store(true)
	_, _ = o.Fetch(ctx, "/posts", l.Load, Options{SkipCache: true})

	_ = o.Close()
	if o.RetryPending("/posts") {
		t.Error("close should stop pending retries")
	}
	if _, err := o.Fetch(ctx, "/posts", l.Load, Options{}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestStats(t *testing.T) {
	clock := newFakeClock()
	o, _ := newTestOrchestrator(t, clock, Config{})
	l := &countingLoader{payload: `1`}
	ctx := context.Background()

	_, _ = o.Fetch(ctx, "/a", l.Load, Options{})                // miss, network
	_, _ = o.Fetch(ctx, "/a", l.Load, Options{})                // hit
	_, _ = o.Fetch(ctx, "/a", l.Load, Options{SkipCache: true}) // throttled

	stats, err := o.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("expected 1 hit and 1 miss, got %+v", stats)
	}
	if stats.NetworkCalls != 1 || stats.Throttled != 1 {
		t.Errorf("expected 1 network call and 1 throttled, got %+v", stats)
	}
	if stats.Entries != 1 {
		t.Errorf("expected 1 entry, got %d", stats.Entries)
	}
}
