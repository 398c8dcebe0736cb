// Package syncer drives queued shares to the backend.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/kalambet/shareq/internal/delivery"
	"github.com/kalambet/shareq/internal/network"
	"github.com/kalambet/shareq/internal/retry"
	"github.com/kalambet/shareq/internal/share"
	"github.com/kalambet/shareq/internal/storage"
)

const (
	DefaultMaxQueueSize = 500
	DefaultRetention    = 24 * time.Hour
	DefaultInterval     = 30 * time.Second
)

// Reasons a pass stopped before reaching the end of the eligible list.
const (
	AbortOffline   = "offline"
	AbortPaused    = "paused"
	AbortReauth    = "reauth_required"
	AbortCancelled = "cancelled"
)

// QueueStore abstracts the durable queue operations.
type QueueStore interface {
	Enqueue(ctx context.Context, c share.Content, maxSize int) (string, error)
	LoadAll(ctx context.Context) ([]storage.QueueItem, error)
	Get(ctx context.Context, id string) (storage.QueueItem, error)
	List(ctx context.Context, f storage.ListFilter) ([]storage.QueueItem, error)
	Eligible(ctx context.Context, now time.Time) ([]storage.QueueItem, error)
	Update(ctx context.Context, item storage.QueueItem) error
	ResetSyncing(ctx context.Context) (int, error)
	EvictCompleted(ctx context.Context, retention time.Duration, now time.Time) (int, error)
	Stats(ctx context.Context) (storage.Stats, error)
}

// Options configures an Engine. Zero values take the package defaults.
type Options struct {
	MaxQueueSize int
	Retention    time.Duration
	Interval     time.Duration
	Policy       retry.Policy
	Logger       *slog.Logger
	Now          func() time.Time
}

// PassReport summarises one run of RunPass.
type PassReport struct {
	// Coalesced is set when another pass was already running and this call did nothing.
	Coalesced bool   `json:"coalesced"`
	Attempted int    `json:"attempted"`
	Completed int    `json:"completed"`
	Retrying  int    `json:"retrying"`
	Failed    int    `json:"failed"`
	Evicted   int    `json:"evicted"`
	Aborted   string `json:"aborted,omitempty"`
}

// SyncReport is returned by SyncNow for UI error reporting.
type SyncReport struct {
	PassReport
	AnyFailed bool `json:"any_failed"`
	// FailedTotal counts every item in Failed after the pass, not only those
	// that failed during it.
	FailedTotal int `json:"failed_total"`
}

// EngineState is a snapshot of the engine-level flags.
type EngineState struct {
	Running     bool `json:"running"`
	Paused      bool `json:"paused"`
	NeedsReauth bool `json:"needs_reauth"`
	Online      bool `json:"online"`
}

// Engine owns the queue store and is the only component that mutates it.
type Engine struct {
	store     QueueStore
	transport delivery.Transport
	signal    network.Signal
	policy    retry.Policy
	maxSize   int
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
	log       *slog.Logger

	running     atomic.Bool
	paused      atomic.Bool
	needsReauth atomic.Bool

	// baseCtx is the context async passes run under; set by Start.
	ctxMu   sync.Mutex
	baseCtx context.Context
	passes  sync.WaitGroup

	obsMu     sync.Mutex
	observers map[int]func(Event)
	nextObs   int
}

// New creates an engine. The transport is wrapped with delivery.Safe.
func New(store QueueStore, transport delivery.Transport, signal network.Signal, opts Options) *Engine {
	if opts.MaxQueueSize <= 0 {
		opts.MaxQueueSize = DefaultMaxQueueSize
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Policy.MaxRetries <= 0 && opts.Policy.Base <= 0 && opts.Policy.Cap <= 0 {
		opts.Policy = retry.DefaultPolicy()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if signal == nil {
		signal = network.NewStatic(true)
	}
	return &Engine{
		store:     store,
		transport: delivery.Safe(transport),
		signal:    signal,
		policy:    opts.Policy,
		maxSize:   opts.MaxQueueSize,
		retention: opts.Retention,
		interval:  opts.Interval,
		now:       opts.Now,
		log:       opts.Logger,
		baseCtx:   context.Background(),
		observers: make(map[int]func(Event)),
	}
}

// Enqueue durably queues c and, if the engine is idle and online, schedules
// a pass without waiting for it.
func (e *Engine) Enqueue(ctx context.Context, c share.Content) (string, error) {
	if err := c.Validate(); err != nil {
		return "", err
	}
	id, err := e.store.Enqueue(ctx, c, e.maxSize)
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	e.log.Info("share queued", "id", id, "kind", c.Kind, "origin", c.Origin)
	e.emit(Event{Type: EventStatusChanged, Change: &StatusChange{ID: id, To: storage.StatusPending}})
	e.trigger("enqueue")
	return id, nil
}

// RunPass delivers every eligible item once, oldest capture first. If a pass
// is already running it returns immediately with Coalesced set.
func (e *Engine) RunPass(ctx context.Context) (PassReport, error) {
	if !e.running.CompareAndSwap(false, true) {
		return PassReport{Coalesced: true}, nil
	}
	defer e.running.Store(false)
	return e.pass(ctx)
}

func (e *Engine) pass(ctx context.Context) (PassReport, error) {
	var report PassReport

	// Only one pass runs, so anything still syncing was left by a pass that
	// died between its two writes.
	if n, err := e.store.ResetSyncing(ctx); err != nil {
		return report, fmt.Errorf("resetting stale items: %w", err)
	} else if n > 0 {
		e.log.Warn("reset stale syncing items", "count", n)
	}

	items, err := e.store.Eligible(ctx, e.now())
	if err != nil {
		return report, fmt.Errorf("loading eligible items: %w", err)
	}

	for _, item := range items {
		if reason := e.stopReason(ctx); reason != "" {
			report.Aborted = reason
			break
		}

		stop, err := e.deliver(ctx, item, &report)
		if err != nil {
			e.log.Error("sync pass aborted", "id", item.ID(), "error", err)
			return report, err
		}
		if stop != "" {
			report.Aborted = stop
			break
		}
	}

	if ctx.Err() != nil {
		return report, nil
	}
	evicted, err := e.store.EvictCompleted(ctx, e.retention, e.now())
	if err != nil {
		return report, fmt.Errorf("evicting completed items: %w", err)
	}
	report.Evicted = evicted

	if report.Attempted > 0 || report.Aborted != "" {
		e.log.Info("sync pass finished",
			"attempted", report.Attempted,
			"completed", report.Completed,
			"retrying", report.Retrying,
			"failed", report.Failed,
			"evicted", report.Evicted,
			"aborted", report.Aborted,
		)
	}
	return report, nil
}

func (e *Engine) stopReason(ctx context.Context) string {
	switch {
	case ctx.Err() != nil:
		return AbortCancelled
	case e.needsReauth.Load():
		return AbortReauth
	case e.paused.Load():
		return AbortPaused
	case !e.signal.Online():
		return AbortOffline
	}
	return ""
}

// deliver drives one item through the transport and records the result. It
// returns a non-empty abort reason when the rest of the pass must be skipped.
func (e *Engine) deliver(ctx context.Context, item storage.QueueItem, report *PassReport) (string, error) {
	prev := item

	now := e.now()
	item.Status = storage.StatusSyncing
	item.LastAttemptAt = &now
	if err := e.store.Update(ctx, item); err != nil {
		return "", fmt.Errorf("marking %s syncing: %w", item.ID(), err)
	}
	e.emitChange(item, storage.StatusPending)
	report.Attempted++

	out := e.transport.Deliver(ctx, item.Content)

	if !out.OK() && ctx.Err() != nil {
		// Shutdown interrupted the attempt; it does not count against the item.
		item = prev
		if err := e.store.Update(context.WithoutCancel(ctx), item); err != nil {
			return "", fmt.Errorf("restoring %s after cancellation: %w", item.ID(), err)
		}
		e.emitChange(item, storage.StatusSyncing)
		return AbortCancelled, nil
	}

	abort := e.apply(&item, out, report)
	if err := e.store.Update(ctx, item); err != nil {
		return "", fmt.Errorf("recording outcome for %s: %w", item.ID(), err)
	}
	e.emitChange(item, storage.StatusSyncing)

	if abort == AbortReauth {
		e.requireReauth(out.Message)
	}
	return abort, nil
}

// apply moves item to the status implied by out.
func (e *Engine) apply(item *storage.QueueItem, out delivery.Outcome, report *PassReport) string {
	now := e.now()

	if out.OK() {
		item.Status = storage.StatusCompleted
		item.CompletedAt = &now
		item.NextAttemptAt = nil
		item.LastError = nil
		report.Completed++
		e.log.Info("share delivered", "id", item.ID(), "failed_attempts", item.AttemptCount)
		return ""
	}

	kind := out.Kind
	if kind == "" {
		kind = delivery.KindUnknown
	}
	item.LastError = &storage.ItemError{Kind: string(kind), Message: out.Message}

	if kind == delivery.KindAuth {
		// Systemic: the item waits for new credentials without losing an attempt.
		item.Status = storage.StatusPending
		return AbortReauth
	}

	item.AttemptCount++
	decision := e.policy.Decide(item.AttemptCount, kind, out.Hint)
	if out.Status == delivery.StatusTerminal || decision.Terminal {
		item.Status = storage.StatusFailed
		item.NextAttemptAt = nil
		report.Failed++
		e.log.Warn("share failed", "id", item.ID(), "kind", kind, "attempts", item.AttemptCount, "error", out.Message)
		return ""
	}

	next := now.Add(decision.Delay)
	item.Status = storage.StatusPending
	item.NextAttemptAt = &next
	report.Retrying++
	e.log.Info("share will retry", "id", item.ID(), "kind", kind, "attempts", item.AttemptCount, "delay", decision.Delay)
	return ""
}

func (e *Engine) requireReauth(msg string) {
	e.paused.Store(true)
	if e.needsReauth.CompareAndSwap(false, true) {
		e.log.Warn("backend rejected credentials, pausing sync", "error", msg)
		e.emit(Event{Type: EventReauthRequired})
	}
}

// SyncNow runs a pass on demand and reports whether anything is in Failed
// afterwards.
func (e *Engine) SyncNow(ctx context.Context) (SyncReport, error) {
	pass, err := e.RunPass(ctx)
	report := SyncReport{PassReport: pass}
	if err != nil {
		return report, err
	}
	st, err := e.store.Stats(ctx)
	if err != nil {
		return report, fmt.Errorf("reading stats: %w", err)
	}
	report.FailedTotal = st.Failed
	report.AnyFailed = st.Failed > 0
	return report, nil
}

// RetryFailed resets a Failed item to Pending with a fresh attempt budget and
// triggers a pass. It reports false without changing anything when the item
// is not Failed.
func (e *Engine) RetryFailed(ctx context.Context, id string) (bool, error) {
	item, err := e.store.Get(ctx, id)
	if err != nil {
		return false, fmt.Errorf("retry %s: %w", id, err)
	}
	if item.Status != storage.StatusFailed {
		return false, nil
	}
	if err := e.reset(ctx, item); err != nil {
		return false, err
	}
	e.trigger("retry")
	return true, nil
}

// RetryAllFailed resets every Failed item. Items that could not be reset are
// reported together in the returned error; the others stay reset.
func (e *Engine) RetryAllFailed(ctx context.Context) (int, error) {
	failed, err := e.store.List(ctx, storage.ListFilter{Status: storage.StatusFailed})
	if err != nil {
		return 0, fmt.Errorf("listing failed items: %w", err)
	}

	var result *multierror.Error
	n := 0
	for _, item := range failed {
		if err := e.reset(ctx, item); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		n++
	}
	if n > 0 {
		e.trigger("retry")
	}
	return n, result.ErrorOrNil()
}

func (e *Engine) reset(ctx context.Context, item storage.QueueItem) error {
	from := item.Status
	item.Status = storage.StatusPending
	item.AttemptCount = 0
	item.LastError = nil
	item.NextAttemptAt = nil
	if err := e.store.Update(ctx, item); err != nil {
		return fmt.Errorf("resetting %s: %w", item.ID(), err)
	}
	e.log.Info("failed share reset for retry", "id", item.ID())
	e.emitChange(item, from)
	return nil
}

// Pause stops triggered passes. A pass already running finishes its current
// item and then stops.
func (e *Engine) Pause() {
	if e.paused.CompareAndSwap(false, true) {
		e.log.Info("sync paused")
		e.emit(Event{Type: EventPaused})
	}
}

// Resume re-enables passes, clears a pending reauthentication and triggers a pass.
func (e *Engine) Resume() {
	wasPaused := e.paused.Swap(false)
	hadReauth := e.needsReauth.Swap(false)
	if wasPaused || hadReauth {
		e.log.Info("sync resumed")
		e.emit(Event{Type: EventResumed})
	}
	e.trigger("resume")
}

// Reauthenticated is called once the host has refreshed credentials.
func (e *Engine) Reauthenticated() {
	e.Resume()
}

func (e *Engine) State() EngineState {
	return EngineState{
		Running:     e.running.Load(),
		Paused:      e.paused.Load(),
		NeedsReauth: e.needsReauth.Load(),
		Online:      e.signal.Online(),
	}
}

func (e *Engine) Stats(ctx context.Context) (storage.Stats, error) {
	return e.store.Stats(ctx)
}

// Get returns a single queue item.
func (e *Engine) Get(ctx context.Context, id string) (storage.QueueItem, error) {
	return e.store.Get(ctx, id)
}

// List returns queue items in capture order.
func (e *Engine) List(ctx context.Context, f storage.ListFilter) ([]storage.QueueItem, error) {
	return e.store.List(ctx, f)
}

// trigger starts an asynchronous pass unless one is running or the engine
// is paused or offline. Dropped triggers are not remembered.
func (e *Engine) trigger(source string) {
	if e.paused.Load() || e.running.Load() || !e.signal.Online() {
		return
	}

	e.ctxMu.Lock()
	ctx := e.baseCtx
	if ctx.Err() != nil {
		e.ctxMu.Unlock()
		return
	}
	e.passes.Add(1)
	e.ctxMu.Unlock()

	go func() {
		defer e.passes.Done()
		report, err := e.RunPass(ctx)
		if err != nil {
			e.log.Error("triggered sync pass failed", "trigger", source, "error", err)
			return
		}
		if report.Coalesced {
			e.log.Debug("trigger coalesced", "trigger", source)
		}
	}()
}

// Start reconciles the store, then runs the interval timer and follows
// network transitions until ctx is cancelled. It waits for any in-flight
// pass before returning.
func (e *Engine) Start(ctx context.Context) error {
	e.ctxMu.Lock()
	e.baseCtx = ctx
	e.ctxMu.Unlock()
	defer func() {
		// Once ctx is done no trigger can add a pass, so Wait cannot race Add.
		e.ctxMu.Lock()
		e.ctxMu.Unlock()
		e.passes.Wait()
	}()

	items, err := e.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("loading queue: %w", err)
	}
	e.log.Info("sync engine started", "items", len(items), "interval", e.interval, "online", e.signal.Online())

	cancel := e.signal.Subscribe(func(online bool) {
		if online {
			e.trigger("network")
		}
	})
	defer cancel()

	e.trigger("start")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			e.trigger("timer")
		}
	}
}
