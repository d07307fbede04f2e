package writebuffer

import (
	"context"

	"github.com/cuemby/lattice/pkg/objectstore"
)

// opCode distinguishes the two operations a buffered entry can carry.
type opCode string

const (
	opPut    opCode = "put"
	opDelete opCode = "delete"
)

// Command is the flush-time unit of work, named and shaped after the
// teacher's Command{Op, Data} / Apply switch pattern (style reuse only —
// no consensus log backs it here, see DESIGN.md).
type Command struct {
	Op    opCode
	Entry pendingOp
}

// FailedOp reports a command that failed to apply, carrying its
// original entry so the caller can re-enqueue it without losing the
// value of a put.
type FailedOp struct {
	Kind  Kind
	Entry pendingOp
	Err   error
}

// Coalescer groups a flush batch's commands into the fewest possible
// calls against a Store: every put collapses into a single PutBatch
// (chunked at maxBatch), and deletes are issued individually since Store
// has no batch-delete call.
type Coalescer struct {
	store    objectstore.Store
	maxBatch int
}

// NewCoalescer creates a Coalescer writing through store, chunking put
// batches at maxBatch entries.
func NewCoalescer(store objectstore.Store, maxBatch int) *Coalescer {
	if maxBatch < 1 {
		maxBatch = 1
	}
	return &Coalescer{store: store, maxBatch: maxBatch}
}

// Flush applies cmds and returns the subset that failed, tagged with the
// causing error so the caller can decide whether to retry.
func (c *Coalescer) Flush(ctx context.Context, kind Kind, cmds []Command) []FailedOp {
	var failed []FailedOp

	chunk := make(map[string][]byte, c.maxBatch)
	entryOf := make(map[string]pendingOp, c.maxBatch)

	flushChunk := func() {
		if len(chunk) == 0 {
			return
		}
		if err := c.store.PutBatch(ctx, chunk); err != nil {
			for k := range chunk {
				failed = append(failed, FailedOp{Kind: kind, Entry: entryOf[k], Err: err})
			}
		}
		chunk = make(map[string][]byte, c.maxBatch)
		entryOf = make(map[string]pendingOp, c.maxBatch)
	}

	for _, cmd := range cmds {
		switch cmd.Op {
		case opPut:
			chunk[cmd.Entry.key] = cmd.Entry.value
			entryOf[cmd.Entry.key] = cmd.Entry
			if len(chunk) >= c.maxBatch {
				flushChunk()
			}
		case opDelete:
			if err := c.store.Delete(ctx, cmd.Entry.key); err != nil {
				failed = append(failed, FailedOp{Kind: kind, Entry: cmd.Entry, Err: err})
			}
		}
	}
	flushChunk()

	return failed
}
