package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/shareq/internal/delivery"
	"github.com/kalambet/shareq/internal/network"
	"github.com/kalambet/shareq/internal/retry"
	"github.com/kalambet/shareq/internal/share"
	"github.com/kalambet/shareq/internal/storage"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// scriptedTransport records every call and answers with fn.
type scriptedTransport struct {
	mu    sync.Mutex
	calls []string
	fn    func(n int, c share.Content) delivery.Outcome
}

func (s *scriptedTransport) Deliver(ctx context.Context, c share.Content) delivery.Outcome {
	s.mu.Lock()
	s.calls = append(s.calls, c.ID)
	n := len(s.calls)
	fn := s.fn
	s.mu.Unlock()
	if fn == nil {
		return delivery.Success()
	}
	return fn(n, c)
}

func (s *scriptedTransport) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *scriptedTransport) set(fn func(n int, c share.Content) delivery.Outcome) {
	s.mu.Lock()
	s.fn = fn
	s.mu.Unlock()
}

type harness struct {
	store     *storage.Store
	transport *scriptedTransport
	signal    *network.Static
	clock     *fakeClock
	engine    *Engine
}

func newHarness(t *testing.T, online bool, opts Options) *harness {
	t.Helper()
	st, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	h := &harness{
		store:     st,
		transport: &scriptedTransport{},
		signal:    network.NewStatic(online),
		clock:     newClock(),
	}
	opts.Now = h.clock.Now
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	if opts.Interval == 0 {
		opts.Interval = time.Hour
	}
	h.engine = New(st, h.transport, h.signal, opts)
	return h
}

// start runs the engine loop until the test ends.
func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Start: %v", err)
		}
	})
}

var seq atomic.Int64

func urlShare(clock *fakeClock) share.Content {
	n := seq.Add(1)
	at := clock.Now().Add(time.Duration(n) * time.Millisecond)
	return share.Content{
		ID:         share.NewID(at),
		Kind:       share.KindURL,
		URL:        fmt.Sprintf("https://example.com/article/%d", n),
		CapturedAt: at,
		Origin:     share.OriginShareSheet,
	}
}

// seed writes directly to the store so no pass is triggered.
func (h *harness) seed(t *testing.T, n int) []string {
	t.Helper()
	var ids []string
	for i := 0; i < n; i++ {
		c := urlShare(h.clock)
		if _, err := h.store.Enqueue(context.Background(), c, 0); err != nil {
			t.Fatalf("seeding: %v", err)
		}
		ids = append(ids, c.ID)
	}
	return ids
}

func (h *harness) item(t *testing.T, id string) storage.QueueItem {
	t.Helper()
	it, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return it
}

func (h *harness) stats(t *testing.T) storage.Stats {
	t.Helper()
	st, err := h.engine.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	return st
}

func (h *harness) setStatus(t *testing.T, id string, status storage.Status, attempts int) {
	t.Helper()
	it := h.item(t, id)
	it.Status = status
	it.AttemptCount = attempts
	if status == storage.StatusFailed {
		it.LastError = &storage.ItemError{Kind: "client", Message: "HTTP 400"}
	}
	if err := h.store.Update(context.Background(), it); err != nil {
		t.Fatalf("Update: %v", err)
	}
}

func (h *harness) pass(t *testing.T) PassReport {
	t.Helper()
	report, err := h.engine.RunPass(context.Background())
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	return report
}

// waitStatus polls the store until id reaches want.
func (h *harness) waitStatus(t *testing.T, id string, want storage.Status) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		it, err := h.store.Get(context.Background(), id)
		if err == nil && it.Status == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s to become %s (now %s)", id, want, it.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestEnqueueWhileOfflineDeliversWhenOnline(t *testing.T) {
	h := newHarness(t, false, Options{})
	h.start(t)

	id, err := h.engine.Enqueue(context.Background(), urlShare(h.clock))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if s := h.item(t, id).Status; s != storage.StatusPending {
		t.Fatalf("status = %s, want pending", s)
	}
	if calls := h.transport.Calls(); len(calls) != 0 {
		t.Fatalf("delivered while offline: %v", calls)
	}

	h.signal.Set(true)

	h.waitStatus(t, id, storage.StatusCompleted)
	if calls := h.transport.Calls(); !slices.Equal(calls, []string{id}) {
		t.Errorf("calls = %v, want [%s]", calls, id)
	}
	if n := h.item(t, id).AttemptCount; n != 0 {
		t.Errorf("AttemptCount after first-try success = %d, want 0", n)
	}
}

func TestSuccessAfterFailureKeepsFailedAttempts(t *testing.T) {
	h := newHarness(t, true, Options{Policy: retry.DefaultPolicy()})
	h.transport.set(func(n int, _ share.Content) delivery.Outcome {
		if n == 1 {
			return delivery.Retry(delivery.KindNetwork, "connection reset", 0)
		}
		return delivery.Success()
	})
	ids := h.seed(t, 1)

	if r := h.pass(t); r.Retrying != 1 {
		t.Fatalf("first pass = %+v, want one retrying", r)
	}
	h.clock.Advance(time.Minute)
	if r := h.pass(t); r.Completed != 1 {
		t.Fatalf("second pass = %+v, want one completed", r)
	}

	it := h.item(t, ids[0])
	if it.Status != storage.StatusCompleted {
		t.Errorf("status = %s, want completed", it.Status)
	}
	if it.AttemptCount != 1 {
		t.Errorf("AttemptCount = %d, want 1", it.AttemptCount)
	}
	if it.LastError != nil || it.NextAttemptAt != nil || it.CompletedAt == nil {
		t.Errorf("completed item bookkeeping: err=%v next=%v completed=%v", it.LastError, it.NextAttemptAt, it.CompletedAt)
	}
}

func TestThreeRetryableFailuresEndInFailed(t *testing.T) {
	h := newHarness(t, true, Options{Policy: retry.DefaultPolicy()})
	h.transport.set(func(int, share.Content) delivery.Outcome {
		return delivery.Retry(delivery.KindServer, "HTTP 503", 0)
	})
	ids := h.seed(t, 1)

	for i := 1; i <= 2; i++ {
		if r := h.pass(t); r.Retrying != 1 {
			t.Fatalf("pass %d = %+v, want one retrying", i, r)
		}

		it := h.item(t, ids[0])
		if it.Status != storage.StatusPending || it.AttemptCount != i {
			t.Fatalf("after pass %d: status=%s attempts=%d", i, it.Status, it.AttemptCount)
		}
		if it.NextAttemptAt == nil || !it.NextAttemptAt.After(h.clock.Now()) {
			t.Fatalf("after pass %d: NextAttemptAt = %v, want in the future", i, it.NextAttemptAt)
		}

		// Still backing off: a pass right now skips it.
		if r := h.pass(t); r.Attempted != 0 {
			t.Fatalf("pass during backoff attempted %d items", r.Attempted)
		}

		h.clock.Advance(time.Minute)
	}

	if r := h.pass(t); r.Failed != 1 {
		t.Fatalf("final pass = %+v, want one failed", r)
	}

	it := h.item(t, ids[0])
	if it.Status != storage.StatusFailed || it.AttemptCount != 3 {
		t.Errorf("status=%s attempts=%d, want failed/3", it.Status, it.AttemptCount)
	}
	if it.LastError == nil || it.LastError.Kind != "server" {
		t.Errorf("LastError = %+v, want server", it.LastError)
	}
	if n := len(h.transport.Calls()); n != 3 {
		t.Errorf("transport called %d times, want 3", n)
	}
}

func TestStartRecoversSyncingItems(t *testing.T) {
	h := newHarness(t, true, Options{})
	ids := h.seed(t, 1)
	h.setStatus(t, ids[0], storage.StatusSyncing, 0)

	h.start(t)

	h.waitStatus(t, ids[0], storage.StatusCompleted)
}

func TestTimerDrivesPassesUnlessPaused(t *testing.T) {
	h := newHarness(t, true, Options{Interval: 20 * time.Millisecond})
	ids := h.seed(t, 1)

	// Paused before Start, so neither the start trigger nor any tick runs a pass.
	h.engine.Pause()
	h.start(t)

	time.Sleep(150 * time.Millisecond)
	if s := h.item(t, ids[0]).Status; s != storage.StatusPending {
		t.Fatalf("status while paused = %s, want pending", s)
	}
	if calls := h.transport.Calls(); len(calls) != 0 {
		t.Fatalf("delivered while paused: %v", calls)
	}

	// Clear the flag directly: Resume would trigger a pass itself, and only
	// the ticker may deliver here.
	h.engine.paused.Store(false)

	h.waitStatus(t, ids[0], storage.StatusCompleted)
	if calls := h.transport.Calls(); !slices.Equal(calls, ids) {
		t.Errorf("calls = %v, want %v", calls, ids)
	}
}

func TestConcurrentTriggersCoalesce(t *testing.T) {
	h := newHarness(t, true, Options{})
	ids := h.seed(t, 1)

	entered := make(chan struct{})
	release := make(chan struct{})
	var inFlight, maxInFlight atomic.Int32
	h.transport.set(func(n int, c share.Content) delivery.Outcome {
		cur := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			m := maxInFlight.Load()
			if cur <= m || maxInFlight.CompareAndSwap(m, cur) {
				break
			}
		}
		if n == 1 {
			close(entered)
			<-release
		}
		return delivery.Success()
	})

	ctx := context.Background()
	first := make(chan PassReport, 1)
	go func() {
		r, err := h.engine.RunPass(ctx)
		if err != nil {
			t.Errorf("first RunPass: %v", err)
		}
		first <- r
	}()
	<-entered

	late, err := h.engine.Enqueue(ctx, urlShare(h.clock))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	var wg sync.WaitGroup
	var coalesced atomic.Int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := h.engine.RunPass(ctx)
			if err != nil {
				t.Errorf("RunPass: %v", err)
			}
			if r.Coalesced {
				coalesced.Add(1)
			}
		}()
	}
	wg.Wait()
	if n := coalesced.Load(); n != 50 {
		t.Errorf("coalesced = %d, want 50", n)
	}
	if !h.engine.State().Running {
		t.Error("State().Running = false during a pass")
	}

	close(release)
	r := <-first
	if r.Coalesced || r.Attempted != 1 {
		t.Errorf("first pass = %+v, want one attempt", r)
	}
	if calls := h.transport.Calls(); !slices.Equal(calls, []string{ids[0]}) {
		t.Errorf("calls = %v, want [%s]", calls, ids[0])
	}

	// The item enqueued mid-pass waits for the next trigger.
	if s := h.item(t, late).Status; s != storage.StatusPending {
		t.Errorf("late item status = %s, want pending", s)
	}
	if r := h.pass(t); r.Completed != 1 {
		t.Errorf("follow-up pass = %+v, want one completed", r)
	}
	if calls := h.transport.Calls(); !slices.Equal(calls, []string{ids[0], late}) {
		t.Errorf("calls = %v", calls)
	}
	if m := maxInFlight.Load(); m != 1 {
		t.Errorf("max concurrent deliveries = %d, want 1", m)
	}
}

func TestRateLimitHintIsFloor(t *testing.T) {
	h := newHarness(t, true, Options{})
	h.transport.set(func(int, share.Content) delivery.Outcome {
		return delivery.Retry(delivery.KindRateLimited, "HTTP 429", 45*time.Second)
	})
	ids := h.seed(t, 1)

	h.pass(t)

	it := h.item(t, ids[0])
	if it.Status != storage.StatusPending || it.AttemptCount != 1 {
		t.Fatalf("status=%s attempts=%d, want pending/1", it.Status, it.AttemptCount)
	}
	if it.NextAttemptAt == nil {
		t.Fatal("NextAttemptAt not set")
	}
	if d := it.NextAttemptAt.Sub(h.clock.Now()); d != 45*time.Second {
		t.Errorf("delay = %v, want 45s", d)
	}
}

func TestPassDeliversInCaptureOrder(t *testing.T) {
	h := newHarness(t, true, Options{})

	// Enqueue out of capture order.
	var cs []share.Content
	for i := 0; i < 3; i++ {
		cs = append(cs, urlShare(h.clock))
	}
	for _, i := range []int{2, 0, 1} {
		if _, err := h.store.Enqueue(context.Background(), cs[i], 0); err != nil {
			t.Fatal(err)
		}
	}

	h.pass(t)
	want := []string{cs[0].ID, cs[1].ID, cs[2].ID}
	if calls := h.transport.Calls(); !slices.Equal(calls, want) {
		t.Errorf("delivery order = %v, want %v", calls, want)
	}
}

func TestAuthFailurePausesEngine(t *testing.T) {
	h := newHarness(t, true, Options{})
	ids := h.seed(t, 2)

	var events []EventType
	var mu sync.Mutex
	h.engine.Subscribe(func(ev Event) {
		mu.Lock()
		events = append(events, ev.Type)
		mu.Unlock()
	})

	h.transport.set(func(int, share.Content) delivery.Outcome {
		return delivery.Terminal(delivery.KindAuth, "HTTP 401: token expired")
	})

	report := h.pass(t)
	if report.Aborted != AbortReauth || report.Attempted != 1 {
		t.Fatalf("report = %+v, want reauth abort after one attempt", report)
	}

	first := h.item(t, ids[0])
	if first.Status != storage.StatusPending || first.AttemptCount != 0 {
		t.Errorf("first item status=%s attempts=%d, want pending/0", first.Status, first.AttemptCount)
	}
	if first.LastError == nil || first.LastError.Kind != "auth" {
		t.Errorf("LastError = %+v, want auth", first.LastError)
	}
	if s := h.item(t, ids[1]).Status; s != storage.StatusPending {
		t.Errorf("second item status = %s, want pending", s)
	}

	st := h.engine.State()
	if !st.Paused || !st.NeedsReauth {
		t.Errorf("state = %+v, want paused and needing reauth", st)
	}
	mu.Lock()
	if !slices.Contains(events, EventReauthRequired) {
		t.Errorf("events = %v, want %s", events, EventReauthRequired)
	}
	mu.Unlock()

	// Paused: a pass does nothing.
	if r := h.pass(t); r.Attempted != 0 {
		t.Errorf("paused pass attempted %d items", r.Attempted)
	}

	h.transport.set(nil)
	h.engine.Reauthenticated()
	if h.engine.State().NeedsReauth {
		t.Error("NeedsReauth still set after Reauthenticated")
	}

	h.waitStatus(t, ids[1], storage.StatusCompleted)
	h.waitStatus(t, ids[0], storage.StatusCompleted)
	// Neither the auth rejection nor the success counted as a failed attempt.
	if n := h.item(t, ids[0]).AttemptCount; n != 0 {
		t.Errorf("AttemptCount = %d, want 0", n)
	}
}

func TestClientErrorIsTerminal(t *testing.T) {
	h := newHarness(t, true, Options{})
	h.transport.set(func(int, share.Content) delivery.Outcome {
		return delivery.Terminal(delivery.KindClient, "HTTP 422: url is not reachable")
	})
	ids := h.seed(t, 1)

	report, err := h.engine.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("SyncNow: %v", err)
	}
	if !report.AnyFailed || report.FailedTotal != 1 {
		t.Errorf("report = %+v, want one failed", report)
	}

	it := h.item(t, ids[0])
	if it.Status != storage.StatusFailed || it.AttemptCount != 1 {
		t.Errorf("status=%s attempts=%d, want failed/1", it.Status, it.AttemptCount)
	}
	if it.LastError == nil || it.LastError.Message != "HTTP 422: url is not reachable" {
		t.Errorf("LastError = %+v", it.LastError)
	}
}

func TestRetryFailed(t *testing.T) {
	h := newHarness(t, true, Options{})
	ids := h.seed(t, 2)
	h.setStatus(t, ids[0], storage.StatusFailed, 3)
	ctx := context.Background()

	// Pending item: no-op, no state change.
	before := h.item(t, ids[1])
	ok, err := h.engine.RetryFailed(ctx, ids[1])
	if err != nil || ok {
		t.Fatalf("RetryFailed(pending) = %v, %v, want false, nil", ok, err)
	}
	after := h.item(t, ids[1])
	if after.Status != before.Status || !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Errorf("pending item changed: %+v -> %+v", before, after)
	}

	// Paused so the retry trigger does not deliver before the checks below.
	h.engine.Pause()
	ok, err = h.engine.RetryFailed(ctx, ids[0])
	if err != nil || !ok {
		t.Fatalf("RetryFailed(failed) = %v, %v, want true, nil", ok, err)
	}

	it := h.item(t, ids[0])
	if it.Status != storage.StatusPending || it.AttemptCount != 0 || it.LastError != nil {
		t.Errorf("after retry: status=%s attempts=%d err=%+v", it.Status, it.AttemptCount, it.LastError)
	}

	if _, err := h.engine.RetryFailed(ctx, "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("RetryFailed(unknown) err = %v, want ErrNotFound", err)
	}
}

func TestRetryAllFailed(t *testing.T) {
	h := newHarness(t, true, Options{})
	ids := h.seed(t, 3)
	h.setStatus(t, ids[0], storage.StatusFailed, 3)
	h.setStatus(t, ids[2], storage.StatusFailed, 1)
	h.engine.Pause()

	n, err := h.engine.RetryAllFailed(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("RetryAllFailed = %d, %v, want 2, nil", n, err)
	}

	st := h.stats(t)
	if st.Pending != 3 || st.Failed != 0 {
		t.Errorf("stats = %+v, want 3 pending, 0 failed", st)
	}
}

func TestOfflineMidPassAborts(t *testing.T) {
	h := newHarness(t, true, Options{})
	ids := h.seed(t, 3)
	h.transport.set(func(n int, c share.Content) delivery.Outcome {
		h.signal.Set(false)
		return delivery.Retry(delivery.KindNetwork, "connection reset", 0)
	})

	report := h.pass(t)
	if report.Aborted != AbortOffline || report.Attempted != 1 {
		t.Fatalf("report = %+v, want offline abort after one attempt", report)
	}

	st := h.stats(t)
	if st.Syncing != 0 || st.Pending != 3 {
		t.Errorf("stats = %+v, want 3 pending, none syncing", st)
	}
	if n := h.item(t, ids[0]).AttemptCount; n != 1 {
		t.Errorf("attempted item AttemptCount = %d, want 1", n)
	}
	if n := h.item(t, ids[1]).AttemptCount; n != 0 {
		t.Errorf("skipped item AttemptCount = %d, want 0", n)
	}
}

// flakyStore fails the write that records a delivery outcome.
type flakyStore struct {
	*storage.Store
	fail atomic.Bool
}

func (f *flakyStore) Update(ctx context.Context, item storage.QueueItem) error {
	if f.fail.Load() && item.Status != storage.StatusSyncing {
		return errors.New("disk I/O error")
	}
	return f.Store.Update(ctx, item)
}

func TestStorageFailureAbortsPass(t *testing.T) {
	h := newHarness(t, true, Options{})
	fs := &flakyStore{Store: h.store}
	fs.fail.Store(true)
	e := New(fs, h.transport, h.signal, Options{Now: h.clock.Now, Logger: h.engine.log})
	ids := h.seed(t, 2)

	_, err := e.RunPass(context.Background())
	if err == nil || !strings.Contains(err.Error(), "disk I/O error") {
		t.Fatalf("RunPass err = %v, want disk I/O error", err)
	}
	if n := len(h.transport.Calls()); n != 1 {
		t.Errorf("transport called %d times, want 1", n)
	}
	if e.State().Running {
		t.Error("engine still running after aborted pass")
	}

	fs.fail.Store(false)
	report, err := e.RunPass(context.Background())
	if err != nil {
		t.Fatalf("RunPass after recovery: %v", err)
	}
	if report.Completed != 2 {
		t.Errorf("Completed = %d, want 2", report.Completed)
	}
	for _, id := range ids {
		if s := h.item(t, id).Status; s != storage.StatusCompleted {
			t.Errorf("%s status = %s, want completed", id, s)
		}
	}
}

func TestEnqueueCapacity(t *testing.T) {
	h := newHarness(t, false, Options{MaxQueueSize: 1})
	ctx := context.Background()

	if _, err := h.engine.Enqueue(ctx, urlShare(h.clock)); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	if _, err := h.engine.Enqueue(ctx, urlShare(h.clock)); !errors.Is(err, storage.ErrCapacity) {
		t.Errorf("second Enqueue err = %v, want ErrCapacity", err)
	}
}

func TestEnqueueRejectsInvalidContent(t *testing.T) {
	h := newHarness(t, false, Options{})
	c := urlShare(h.clock)
	c.URL = "not a url"

	if _, err := h.engine.Enqueue(context.Background(), c); !errors.Is(err, share.ErrInvalidContent) {
		t.Errorf("Enqueue err = %v, want ErrInvalidContent", err)
	}
}

func TestPanickingTransportIsRetryable(t *testing.T) {
	h := newHarness(t, true, Options{})
	h.transport.set(func(int, share.Content) delivery.Outcome {
		panic("nil pointer in uploader")
	})
	ids := h.seed(t, 1)

	h.pass(t)

	it := h.item(t, ids[0])
	if it.Status != storage.StatusPending {
		t.Errorf("status = %s, want pending", it.Status)
	}
	if it.LastError == nil || it.LastError.Kind != "unknown" {
		t.Errorf("LastError = %+v, want unknown", it.LastError)
	}
}

func TestCancelledDeliveryDoesNotCountAttempt(t *testing.T) {
	h := newHarness(t, true, Options{})
	ids := h.seed(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	h.transport.set(func(int, share.Content) delivery.Outcome {
		cancel()
		return delivery.Retry(delivery.KindTimeout, "context canceled", 0)
	})

	report, err := h.engine.RunPass(ctx)
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if report.Aborted != AbortCancelled {
		t.Errorf("Aborted = %q, want %q", report.Aborted, AbortCancelled)
	}

	it := h.item(t, ids[0])
	if it.Status != storage.StatusPending || it.AttemptCount != 0 {
		t.Errorf("status=%s attempts=%d, want pending/0", it.Status, it.AttemptCount)
	}
}

func TestPassEvictsExpiredCompleted(t *testing.T) {
	h := newHarness(t, true, Options{Retention: time.Hour})
	ids := h.seed(t, 1)

	h.pass(t)
	if s := h.item(t, ids[0]).Status; s != storage.StatusCompleted {
		t.Fatalf("status = %s, want completed", s)
	}

	h.clock.Advance(2 * time.Hour)
	if r := h.pass(t); r.Evicted != 1 {
		t.Errorf("Evicted = %d, want 1", r.Evicted)
	}

	if _, err := h.store.Get(context.Background(), ids[0]); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get after eviction err = %v, want ErrNotFound", err)
	}
}

func TestObserversSeeTransitions(t *testing.T) {
	h := newHarness(t, true, Options{})
	ids := h.seed(t, 1)

	var mu sync.Mutex
	var changes []StatusChange
	cancel := h.engine.Subscribe(func(ev Event) {
		if ev.Type != EventStatusChanged {
			return
		}
		mu.Lock()
		changes = append(changes, *ev.Change)
		mu.Unlock()
	})
	defer cancel()

	h.pass(t)

	mu.Lock()
	defer mu.Unlock()
	if len(changes) != 2 {
		t.Fatalf("got %d status changes, want 2: %+v", len(changes), changes)
	}
	if c := changes[0]; c.ID != ids[0] || c.From != storage.StatusPending || c.To != storage.StatusSyncing {
		t.Errorf("first change = %+v, want pending -> syncing", c)
	}
	if c := changes[1]; c.From != storage.StatusSyncing || c.To != storage.StatusCompleted {
		t.Errorf("second change = %+v, want syncing -> completed", c)
	}
}
