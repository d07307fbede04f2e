// Package writebuffer implements the per-kind write buffer, coalescer,
// and backpressure limiter (C5) sitting in front of the object store:
// Submit deduplicates and enqueues an op for a noun/verb/metadata/hnsw
// id, a background flush loop drains the buffer under the same
// ticker+select+stopCh shape the teacher uses for its background
// reconciliation and health-monitor loops, and failed ops retry with
// backoff before being reported and dropped.
package writebuffer

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/lattice/pkg/backoff"
	"github.com/cuemby/lattice/pkg/config"
	"github.com/cuemby/lattice/pkg/metrics"
	"github.com/cuemby/lattice/pkg/objectstore"
	"github.com/cuemby/lattice/pkg/types"
)

// Kind names the four buffered entity classes.
type Kind string

const (
	KindNoun     Kind = "noun"
	KindVerb     Kind = "verb"
	KindMetadata Kind = "metadata"
	KindHNSW     Kind = "hnsw"
)

var allKinds = []Kind{KindNoun, KindVerb, KindMetadata, KindHNSW}

// pendingOp is one buffered mutation, keyed by its storage key so a
// second write to the same key before a flush overwrites the first.
type pendingOp struct {
	op         opCode
	key        string
	value      []byte
	enqueuedAt time.Time
	notBefore  time.Time
	retryCount int
}

// WriteBuffer owns one kindBuffer per Kind, a shared Backpressure
// limiter, and a Coalescer writing through to store.
type WriteBuffer struct {
	store        objectstore.Store
	cfg          config.WriteConfig
	backpressure *Backpressure
	coalescer    *Coalescer
	retryPolicy  backoff.Policy

	buffers   map[Kind]*kindBuffer
	failedOps chan FailedOp
	stopCh    chan struct{}
	wg        sync.WaitGroup

	onFlushed func(key string)
}

// OnFlushed registers fn to be called with each key as its buffered
// write (put or delete) lands durably in the store. pkg/entitystore uses
// this to drop the corresponding pkg/cache witness once it is no longer
// needed to cover the gap between Submit and the eventual flush.
func (wb *WriteBuffer) OnFlushed(fn func(key string)) {
	wb.onFlushed = fn
}

// New creates a WriteBuffer over store using cfg's base tuning, sharing
// bp across all four kinds so one shared view of load governs every
// buffer's flush aggressiveness.
func New(store objectstore.Store, cfg config.WriteConfig, bp *Backpressure) *WriteBuffer {
	wb := &WriteBuffer{
		store:        store,
		cfg:          cfg,
		backpressure: bp,
		coalescer:    NewCoalescer(store, cfg.MaxBufferSize),
		retryPolicy:  backoff.Policy{Base: time.Second, Multiplier: 2, Cap: 10 * time.Second, MaxRetries: cfg.MaxRetries},
		buffers:      make(map[Kind]*kindBuffer, len(allKinds)),
		failedOps:    make(chan FailedOp, 256),
		stopCh:       make(chan struct{}),
	}
	for _, k := range allKinds {
		wb.buffers[k] = newKindBuffer(k, wb)
	}
	return wb
}

// FailedOps exposes the channel FailedOp reports are delivered on.
// Callers (typically pkg/engine) should drain it; reports that arrive
// while its buffer is full are dropped.
func (wb *WriteBuffer) FailedOps() <-chan FailedOp {
	return wb.failedOps
}

// Start launches the background flush loop for every kind.
func (wb *WriteBuffer) Start() {
	for _, b := range wb.buffers {
		wb.wg.Add(1)
		go func(b *kindBuffer) {
			defer wb.wg.Done()
			b.flushLoop()
		}(b)
	}
}

// Stop signals every flush loop to exit and waits for them to drain.
func (wb *WriteBuffer) Stop() {
	close(wb.stopCh)
	wb.wg.Wait()
}

// Submit enqueues a put for key under kind.
func (wb *WriteBuffer) Submit(kind Kind, key string, value []byte) {
	wb.buffers[kind].submit(pendingOp{op: opPut, key: key, value: value, enqueuedAt: time.Now()})
}

// SubmitDelete enqueues a delete for key under kind.
func (wb *WriteBuffer) SubmitDelete(kind Kind, key string) {
	wb.buffers[kind].submit(pendingOp{op: opDelete, key: key, enqueuedAt: time.Now()})
}

// ForceFlush synchronously drains every kind's buffer, used by pkg/vcs
// before taking a commit snapshot.
func (wb *WriteBuffer) ForceFlush(ctx context.Context) {
	for _, b := range wb.buffers {
		b.flush(ctx, "force")
	}
}

// kindBuffer holds the pending map for a single Kind.
type kindBuffer struct {
	kind Kind
	wb   *WriteBuffer

	mu      sync.Mutex
	pending map[string]*pendingOp

	requestFlush chan struct{}
}

func newKindBuffer(kind Kind, wb *WriteBuffer) *kindBuffer {
	return &kindBuffer{
		kind:         kind,
		wb:           wb,
		pending:      make(map[string]*pendingOp),
		requestFlush: make(chan struct{}, 1),
	}
}

func (b *kindBuffer) baseSettings() bandSettings {
	return bandSettings{
		maxBufferSize: b.wb.cfg.MaxBufferSize,
		flushInterval: time.Duration(b.wb.cfg.FlushIntervalMs) * time.Millisecond,
		minFlushSize:  b.wb.cfg.MinFlushSize,
	}
}

func (b *kindBuffer) submit(op pendingOp) {
	b.mu.Lock()
	b.pending[op.key] = &op
	count := len(b.pending)
	b.mu.Unlock()

	metrics.WriteBufferDepth.WithLabelValues(string(b.kind)).Set(float64(count))

	band := b.wb.backpressure.Pressure()
	settings := settingsFor(band, b.baseSettings())
	if count >= settings.maxBufferSize || band == Extreme {
		select {
		case b.requestFlush <- struct{}{}:
		default:
		}
	}
}

// flushLoop is the background drain loop, grounded on the teacher's
// ticker+select+stopCh reconciliation/health-monitor pattern.
func (b *kindBuffer) flushLoop() {
	tick := b.baseSettings().flushInterval / 4
	if tick <= 0 {
		tick = 50 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.maybeFlush(context.Background())
		case <-b.requestFlush:
			b.flush(context.Background(), "backpressure")
		case <-b.wb.stopCh:
			b.flush(context.Background(), "shutdown")
			return
		}
	}
}

// maybeFlush flushes if any of the count/age/pressure conditions hold.
func (b *kindBuffer) maybeFlush(ctx context.Context) {
	band := b.wb.backpressure.Pressure()
	settings := settingsFor(band, b.baseSettings())

	b.mu.Lock()
	count := len(b.pending)
	var oldest time.Time
	for _, op := range b.pending {
		if oldest.IsZero() || op.enqueuedAt.Before(oldest) {
			oldest = op.enqueuedAt
		}
	}
	b.mu.Unlock()

	if count == 0 {
		return
	}
	if count >= settings.maxBufferSize {
		b.flush(ctx, "size")
		return
	}
	if !oldest.IsZero() && time.Since(oldest) >= settings.flushInterval {
		b.flush(ctx, "interval")
		return
	}
	if band == Extreme && count >= settings.minFlushSize {
		b.flush(ctx, "backpressure")
	}
}

// flush drains the pending map, applies it through the coalescer, and
// re-enqueues retryable failures with backoff; trigger labels the metric
// for observability only.
func (b *kindBuffer) flush(ctx context.Context, trigger string) {
	now := time.Now()

	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	ready := make([]Command, 0, len(b.pending))
	for key, op := range b.pending {
		if now.Before(op.notBefore) {
			continue
		}
		ready = append(ready, Command{Op: op.op, Entry: *op})
		delete(b.pending, key)
	}
	b.mu.Unlock()

	if len(ready) == 0 {
		return
	}

	tok, err := b.wb.backpressure.RequestPermission(ctx, PriorityFlush)
	if err != nil {
		b.requeueAll(ready)
		return
	}
	failed := b.wb.coalescer.Flush(ctx, b.kind, ready)
	b.wb.backpressure.Release(tok, err == nil)

	metrics.WriteBufferFlushesTotal.WithLabelValues(string(b.kind), trigger).Inc()

	if b.wb.onFlushed != nil {
		failedKeys := make(map[string]struct{}, len(failed))
		for _, f := range failed {
			failedKeys[f.Entry.key] = struct{}{}
		}
		for _, cmd := range ready {
			if _, bad := failedKeys[cmd.Entry.key]; !bad {
				b.wb.onFlushed(cmd.Entry.key)
			}
		}
	}

	b.mu.Lock()
	metrics.WriteBufferDepth.WithLabelValues(string(b.kind)).Set(float64(len(b.pending)))
	b.mu.Unlock()

	b.handleFailures(failed)
}

func (b *kindBuffer) requeueAll(cmds []Command) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, cmd := range cmds {
		op := cmd.Entry
		b.pending[op.key] = &op
	}
}

func (b *kindBuffer) handleFailures(failed []FailedOp) {
	for _, f := range failed {
		if types.Retryable(f.Err) && f.Entry.retryCount < b.wb.cfg.MaxRetries {
			metrics.WriteRetriesTotal.WithLabelValues(string(b.kind)).Inc()
			retried := f.Entry
			retried.enqueuedAt = time.Now()
			retried.notBefore = time.Now().Add(b.wb.retryPolicy.Delay(f.Entry.retryCount))
			retried.retryCount = f.Entry.retryCount + 1

			b.mu.Lock()
			b.pending[retried.key] = &retried
			b.mu.Unlock()
			continue
		}

		metrics.WriteFailuresTotal.WithLabelValues(string(b.kind)).Inc()
		select {
		case b.wb.failedOps <- f:
		default:
		}
	}
}
