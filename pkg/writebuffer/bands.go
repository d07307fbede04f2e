package writebuffer

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/lattice/pkg/metrics"
	"github.com/cuemby/lattice/pkg/types"
)

// Band classifies how loaded the storage path currently is, coarsest
// first.
type Band int

const (
	Low Band = iota
	Moderate
	High
	Extreme
)

func (b Band) String() string {
	switch b {
	case Low:
		return "low"
	case Moderate:
		return "moderate"
	case High:
		return "high"
	case Extreme:
		return "extreme"
	default:
		return "unknown"
	}
}

// bandOf classifies an inflight count into a Band. Thresholds are a
// fixed tuning table, not a correctness boundary: Low <100, Moderate
// 100-499, High 500-1999, Extreme >=2000.
func bandOf(inflight int) Band {
	switch {
	case inflight >= 2000:
		return Extreme
	case inflight >= 500:
		return High
	case inflight >= 100:
		return Moderate
	default:
		return Low
	}
}

// bandSettings scales the base write-buffer configuration down as the
// band worsens, so the buffer flushes smaller batches more often under
// load instead of accumulating an ever-larger backlog.
type bandSettings struct {
	maxBufferSize int
	flushInterval time.Duration
	minFlushSize  int
}

func settingsFor(band Band, base bandSettings) bandSettings {
	switch band {
	case Extreme:
		return bandSettings{maxBufferSize: max1(base.maxBufferSize / 8), flushInterval: base.flushInterval / 8, minFlushSize: max1(base.minFlushSize / 8)}
	case High:
		return bandSettings{maxBufferSize: max1(base.maxBufferSize / 4), flushInterval: base.flushInterval / 4, minFlushSize: max1(base.minFlushSize / 4)}
	case Moderate:
		return bandSettings{maxBufferSize: max1(base.maxBufferSize / 2), flushInterval: base.flushInterval / 2, minFlushSize: max1(base.minFlushSize / 2)}
	default:
		return base
	}
}

func max1(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// Priority orders who gets admitted first when the backing store is
// under pressure: reads outrank flushes, which outrank new writes.
type Priority int

const (
	PriorityWrite Priority = iota
	PriorityFlush
	PriorityRead
)

// Token is returned by RequestPermission and must be passed back to
// Release once the admitted operation completes.
type Token struct {
	priority Priority
}

// Backpressure tracks inflight storage operations and classifies load
// into a Band, shedding new writes once that band reaches Extreme.
type Backpressure struct {
	mu       sync.Mutex
	inflight int
}

// NewBackpressure creates an idle Backpressure tracker.
func NewBackpressure() *Backpressure {
	return &Backpressure{}
}

// Pressure reports the current band.
func (bp *Backpressure) Pressure() Band {
	bp.mu.Lock()
	n := bp.inflight
	bp.mu.Unlock()
	return bandOf(n)
}

// RequestPermission admits an operation at the given priority, tracking
// it as inflight. Under Extreme pressure, new writes (the lowest
// priority) are rejected with ErrThrottled so the caller can back off;
// flushes and reads are always admitted since blocking them would only
// deepen the backlog they exist to drain.
func (bp *Backpressure) RequestPermission(ctx context.Context, priority Priority) (Token, error) {
	if err := ctx.Err(); err != nil {
		return Token{}, err
	}

	bp.mu.Lock()
	n := bp.inflight
	band := bandOf(n)
	if band == Extreme && priority == PriorityWrite {
		bp.mu.Unlock()
		return Token{}, types.NewError(types.ErrThrottled, "writebuffer.RequestPermission",
			"extreme backpressure: new writes rejected")
	}
	bp.inflight++
	n = bp.inflight
	bp.mu.Unlock()

	metrics.BackpressureInflight.Set(float64(n))
	metrics.BackpressureBand.Set(float64(band))
	return Token{priority: priority}, nil
}

// Release returns an admitted token's capacity. ok is accepted for
// symmetry with other release-style APIs but does not change accounting
// — a failed operation still frees its inflight slot.
func (bp *Backpressure) Release(_ Token, _ bool) {
	bp.mu.Lock()
	if bp.inflight > 0 {
		bp.inflight--
	}
	n := bp.inflight
	bp.mu.Unlock()

	metrics.BackpressureInflight.Set(float64(n))
	metrics.BackpressureBand.Set(float64(bandOf(n)))
}
