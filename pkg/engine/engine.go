// Package engine is the public façade (C12): it composes every
// subsystem (C1-C11) behind one flat operation set, the way
// pkg/manager composes raft, storage, and the cluster subsystems
// behind Manager's own flat Create/Update/Delete/Get/List methods.
// Constructed once via New, an *Engine is safe for concurrent use by
// multiple goroutines.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/lattice/pkg/blobpool"
	"github.com/cuemby/lattice/pkg/cache"
	"github.com/cuemby/lattice/pkg/config"
	"github.com/cuemby/lattice/pkg/embedtext"
	"github.com/cuemby/lattice/pkg/entitystore"
	"github.com/cuemby/lattice/pkg/graphindex"
	"github.com/cuemby/lattice/pkg/hnsw"
	"github.com/cuemby/lattice/pkg/log"
	"github.com/cuemby/lattice/pkg/metaindex"
	"github.com/cuemby/lattice/pkg/metrics"
	"github.com/cuemby/lattice/pkg/objectstore"
	"github.com/cuemby/lattice/pkg/query"
	"github.com/cuemby/lattice/pkg/refs"
	"github.com/cuemby/lattice/pkg/types"
	"github.com/cuemby/lattice/pkg/vcs"
	"github.com/cuemby/lattice/pkg/writebuffer"
)

// Engine composes C1-C11 behind the operations spec.md §6 names.
type Engine struct {
	cfg config.Config

	store objectstore.Store
	cache *cache.Cache
	wb    *writebuffer.WriteBuffer
	bp    *writebuffer.Backpressure
	blobs *blobpool.Pool
	refs  *refs.Manager

	entities *entitystore.Store
	meta     *metaindex.Index
	graph    *graphindex.Index
	vcs      *vcs.Manager

	embedder      embedtext.Embedder
	augmentations []Augmentation
	logger        log.Collaborator
	readOnly      bool

	// Version namespaces pkg/vcs's per-entity snapshot operations,
	// scoped to whichever branch is currently checked out.
	Version *VersionOps
}

// New constructs an Engine over cfg, mirroring manager.NewManager's
// one-constructor-plus-functional-options shape: collaborators
// (Embedder, Augmentation, a custom storage provider) are supplied via
// Option rather than growing cfg's surface.
func New(cfg config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	store, err := openStorage(cfg, o)
	if err != nil {
		return nil, fmt.Errorf("engine: open storage: %w", err)
	}

	c := cache.New(store)
	bp := writebuffer.NewBackpressure()
	wb := writebuffer.New(store, cfg.Write, bp)
	wb.Start()

	entities := entitystore.New(store, c, wb)
	meta := metaindex.New(c, wb, cfg.Index)
	graph := graphindex.New(c, wb)

	blobs, err := blobpool.Open(store, "")
	if err != nil {
		return nil, fmt.Errorf("engine: open blob pool: %w", err)
	}
	refsMgr := refs.New(store)
	rootHNSW := hnsw.NewTypedIndex(c, "main", cfg.HNSW, entities)
	vcsManager := vcs.New(refsMgr, blobs, c, wb, store, entities, rootHNSW, nowMs)

	logger := o.logger
	if logger == nil {
		logger = log.AsCollaborator()
	}

	e := &Engine{
		cfg:           cfg,
		store:         store,
		cache:         c,
		wb:            wb,
		bp:            bp,
		blobs:         blobs,
		refs:          refsMgr,
		entities:      entities,
		meta:          meta,
		graph:         graph,
		vcs:           vcsManager,
		embedder:      o.embedder,
		augmentations: o.augmentations,
		logger:        logger,
		readOnly:      o.readOnly,
	}
	e.Version = &VersionOps{e: e}
	return e, nil
}

func openStorage(cfg config.Config, o *options) (objectstore.Store, error) {
	if o.storageProvider != nil {
		return o.storageProvider(cfg.Storage)
	}
	return objectstore.Open(cfg.Storage)
}

func nowMs() int64 { return time.Now().UnixMilli() }

// Close flushes any buffered writes and releases the blob pool's
// refcount database, if any.
func (e *Engine) Close() error {
	e.wb.ForceFlush(context.Background())
	e.wb.Stop()
	return e.blobs.Close()
}

// AddInput is Add's argument: exactly one of Data/Vector should be set.
type AddInput struct {
	ID       string
	Type     types.NounType
	Data     string
	Vector   []float32
	Metadata types.Value
	Service  string
}

// Add computes in's vector via the embedding collaborator (unless one
// is supplied directly), persists the resulting noun through C6, and
// indexes it into C7 (metadata) and C9 (HNSW).
func (e *Engine) Add(ctx context.Context, in AddInput) (string, error) {
	res, err := e.runOp(ctx, "add", in, func(ctx context.Context) (any, error) {
		return e.add(ctx, in)
	})
	if err != nil {
		return "", err
	}
	id, _ := res.(string)
	return id, nil
}

func (e *Engine) add(ctx context.Context, in AddInput) (string, error) {
	if e.readOnly {
		return "", types.NewError(types.ErrReadOnly, "engine.Add", "engine is read-only")
	}

	vector, err := e.resolveVector(ctx, "engine.Add", in.Data, in.Vector)
	if err != nil {
		return "", err
	}

	id := in.ID
	if id == "" {
		id = uuid.New().String()
	}
	nounType := in.Type
	if nounType == "" {
		nounType = types.NounOther
	}
	branch := e.vcs.GetCurrentBranch()
	now := nowMs()

	n := &types.Noun{
		ID: id, Type: nounType, Vector: vector, Metadata: in.Metadata,
		Service: in.Service, CreatedAt: now, UpdatedAt: now,
	}
	if err := e.entities.SaveNoun(ctx, branch, n); err != nil {
		return "", fmt.Errorf("engine: save noun %s: %w", id, err)
	}
	if err := e.meta.Add(ctx, branch, id, metaindex.Record{Type: string(nounType), Service: in.Service, Metadata: in.Metadata}); err != nil {
		return "", fmt.Errorf("engine: index metadata for %s: %w", id, err)
	}
	if len(vector) > 0 {
		idx, err := e.vcs.HNSW(branch)
		if err != nil {
			return "", err
		}
		if err := idx.Insert(ctx, string(nounType), id, vector); err != nil {
			return "", fmt.Errorf("engine: insert into hnsw index for %s: %w", id, err)
		}
	}
	return id, nil
}

// resolveVector returns vector unchanged if non-empty, else embeds data
// via e.embedder and validates the result's dimension against cfg.
func (e *Engine) resolveVector(ctx context.Context, op, data string, vector []float32) ([]float32, error) {
	if len(vector) == 0 && data != "" {
		if e.embedder == nil {
			return nil, types.NewError(types.ErrEmbeddingFailed, op, "no embedding collaborator configured")
		}
		v, err := e.embedder.Embed(ctx, data)
		if err != nil {
			return nil, types.Wrap(types.ErrEmbeddingFailed, op, "embed data", err)
		}
		vector = v
	}
	if len(vector) > 0 && len(vector) != e.cfg.Dimension {
		return nil, types.NewError(types.ErrInvalidInput, op,
			fmt.Sprintf("vector dimension %d does not match configured dimension %d", len(vector), e.cfg.Dimension))
	}
	return vector, nil
}

// AddManyInput batches Add calls; ContinueOnError controls whether a
// single failure aborts the remaining items.
type AddManyInput struct {
	Items           []AddInput
	ContinueOnError bool
}

// AddManyFailure records one failed item by its position in Items.
type AddManyFailure struct {
	Index int
	Error string
}

// AddManyResult is AddMany's outcome.
type AddManyResult struct {
	Successful []string
	Failed     []AddManyFailure
	Total      int
	DurationMs int64
}

// AddMany runs Add over in.Items in order, stopping at the first
// failure unless ContinueOnError is set.
func (e *Engine) AddMany(ctx context.Context, in AddManyInput) (AddManyResult, error) {
	start := time.Now()
	res := AddManyResult{Total: len(in.Items)}
	for i, item := range in.Items {
		id, err := e.Add(ctx, item)
		if err != nil {
			res.Failed = append(res.Failed, AddManyFailure{Index: i, Error: err.Error()})
			if !in.ContinueOnError {
				res.DurationMs = time.Since(start).Milliseconds()
				return res, err
			}
			continue
		}
		res.Successful = append(res.Successful, id)
	}
	res.DurationMs = time.Since(start).Milliseconds()
	return res, nil
}

// GetOptions narrows Get's result.
type GetOptions struct {
	IncludeVectors bool
}

// Get returns id's noun, or (nil, nil) if id is absent or tombstoned.
func (e *Engine) Get(ctx context.Context, id string, opts GetOptions) (*types.Noun, error) {
	res, err := e.runOp(ctx, "get", id, func(ctx context.Context) (any, error) {
		return e.get(ctx, id, opts)
	})
	if err != nil {
		return nil, err
	}
	n, _ := res.(*types.Noun)
	return n, nil
}

func (e *Engine) get(ctx context.Context, id string, opts GetOptions) (*types.Noun, error) {
	branch := e.vcs.GetCurrentBranch()
	n, err := e.entities.GetNounByID(ctx, branch, id)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if !opts.IncludeVectors {
		n.Vector = nil
	}
	return n, nil
}

// UpdateInput partially updates an existing noun: a nil Metadata leaves
// metadata untouched, an empty Data leaves the vector untouched.
type UpdateInput struct {
	ID       string
	Metadata *types.Value
	Data     string
}

// Update applies in to the noun identified by in.ID, re-embedding when
// Data is supplied, then re-indexing C7 and, whenever the noun has a
// vector, reinserting it into C9.
func (e *Engine) Update(ctx context.Context, in UpdateInput) error {
	_, err := e.runOp(ctx, "update", in, func(ctx context.Context) (any, error) {
		return nil, e.update(ctx, in)
	})
	return err
}

func (e *Engine) update(ctx context.Context, in UpdateInput) error {
	if e.readOnly {
		return types.NewError(types.ErrReadOnly, "engine.Update", "engine is read-only")
	}
	branch := e.vcs.GetCurrentBranch()
	n, err := e.entities.GetNounByID(ctx, branch, in.ID)
	if err != nil {
		return err
	}
	oldRecord := metaindex.Record{Type: string(n.Type), Service: n.Service, Metadata: n.Metadata}

	if in.Metadata != nil {
		n.Metadata = *in.Metadata
	}
	if in.Data != "" {
		vector, err := e.resolveVector(ctx, "engine.Update", in.Data, nil)
		if err != nil {
			return err
		}
		n.Vector = vector
	}
	n.UpdatedAt = nowMs()

	if err := e.entities.SaveNoun(ctx, branch, n); err != nil {
		return fmt.Errorf("engine: save updated noun %s: %w", in.ID, err)
	}
	if err := e.meta.Remove(ctx, branch, in.ID, oldRecord); err != nil {
		return fmt.Errorf("engine: unindex stale metadata for %s: %w", in.ID, err)
	}
	if err := e.meta.Add(ctx, branch, in.ID, metaindex.Record{Type: string(n.Type), Service: n.Service, Metadata: n.Metadata}); err != nil {
		return fmt.Errorf("engine: reindex metadata for %s: %w", in.ID, err)
	}
	if len(n.Vector) > 0 {
		idx, err := e.vcs.HNSW(branch)
		if err != nil {
			return err
		}
		if err := idx.Insert(ctx, string(n.Type), in.ID, n.Vector); err != nil {
			return fmt.Errorf("engine: reinsert hnsw for %s: %w", in.ID, err)
		}
	}
	return nil
}

// Delete removes id. Deleting an already-absent id is a no-op, not an
// error, matching spec's tombstone-read convention.
func (e *Engine) Delete(ctx context.Context, id string) error {
	_, err := e.runOp(ctx, "delete", id, func(ctx context.Context) (any, error) {
		return nil, e.delete(ctx, id)
	})
	return err
}

func (e *Engine) delete(ctx context.Context, id string) error {
	if e.readOnly {
		return types.NewError(types.ErrReadOnly, "engine.Delete", "engine is read-only")
	}
	branch := e.vcs.GetCurrentBranch()
	n, err := e.entities.GetNounByID(ctx, branch, id)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := e.entities.DeleteNoun(ctx, branch, string(n.Type), id); err != nil {
		return fmt.Errorf("engine: delete noun %s: %w", id, err)
	}
	if err := e.meta.Remove(ctx, branch, id, metaindex.Record{Type: string(n.Type), Service: n.Service, Metadata: n.Metadata}); err != nil {
		return fmt.Errorf("engine: unindex metadata for %s: %w", id, err)
	}
	idx, err := e.vcs.HNSW(branch)
	if err != nil {
		return err
	}
	if err := idx.Delete(ctx, string(n.Type), id); err != nil {
		return fmt.Errorf("engine: delete from hnsw index for %s: %w", id, err)
	}
	return nil
}

// RelateInput is Relate's argument.
type RelateInput struct {
	From          string
	To            string
	Type          types.VerbType
	Weight        *float64
	Confidence    *float64
	Bidirectional bool
	Metadata      types.Value
}

// Relate creates a verb from in.From to in.To, and its mirror if
// Bidirectional is set. Both endpoints must already exist.
func (e *Engine) Relate(ctx context.Context, in RelateInput) (string, error) {
	res, err := e.runOp(ctx, "relate", in, func(ctx context.Context) (any, error) {
		return e.relate(ctx, in)
	})
	if err != nil {
		return "", err
	}
	id, _ := res.(string)
	return id, nil
}

func (e *Engine) relate(ctx context.Context, in RelateInput) (string, error) {
	if e.readOnly {
		return "", types.NewError(types.ErrReadOnly, "engine.Relate", "engine is read-only")
	}
	branch := e.vcs.GetCurrentBranch()
	if _, err := e.entities.GetNounByID(ctx, branch, in.From); err != nil {
		return "", types.NewError(types.ErrInvalidInput, "engine.Relate", "source entity not found")
	}
	if _, err := e.entities.GetNounByID(ctx, branch, in.To); err != nil {
		return "", types.NewError(types.ErrInvalidInput, "engine.Relate", "target entity not found")
	}

	now := nowMs()
	id := uuid.New().String()
	v := &types.Verb{
		ID: id, SourceID: in.From, TargetID: in.To, Type: in.Type,
		Weight: in.Weight, Confidence: in.Confidence, Metadata: in.Metadata,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := e.entities.SaveVerb(ctx, branch, v); err != nil {
		return "", fmt.Errorf("engine: save verb %s: %w", id, err)
	}
	if err := e.graph.Add(ctx, branch, v); err != nil {
		return "", fmt.Errorf("engine: index relation %s: %w", id, err)
	}

	if in.Bidirectional {
		back := &types.Verb{
			ID: uuid.New().String(), SourceID: in.To, TargetID: in.From, Type: in.Type,
			Weight: in.Weight, Confidence: in.Confidence, Metadata: in.Metadata,
			CreatedAt: now, UpdatedAt: now,
		}
		if err := e.entities.SaveVerb(ctx, branch, back); err != nil {
			return "", fmt.Errorf("engine: save reverse verb %s: %w", back.ID, err)
		}
		if err := e.graph.Add(ctx, branch, back); err != nil {
			return "", fmt.Errorf("engine: index reverse relation %s: %w", back.ID, err)
		}
	}
	return id, nil
}

// Unrelate removes verbID. Removing an already-absent id is a no-op.
func (e *Engine) Unrelate(ctx context.Context, verbID string) error {
	_, err := e.runOp(ctx, "unrelate", verbID, func(ctx context.Context) (any, error) {
		return nil, e.unrelate(ctx, verbID)
	})
	return err
}

func (e *Engine) unrelate(ctx context.Context, verbID string) error {
	if e.readOnly {
		return types.NewError(types.ErrReadOnly, "engine.Unrelate", "engine is read-only")
	}
	branch := e.vcs.GetCurrentBranch()
	v, err := e.entities.GetVerbByID(ctx, branch, verbID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := e.entities.DeleteVerb(ctx, branch, string(v.Type), verbID); err != nil {
		return fmt.Errorf("engine: delete verb %s: %w", verbID, err)
	}
	if err := e.graph.Remove(ctx, branch, v); err != nil {
		return fmt.Errorf("engine: unindex relation %s: %w", verbID, err)
	}
	return nil
}

// RelationsQuery narrows GetRelations; exactly one of From/To should be
// set, Type optionally restricts to one verb type.
type RelationsQuery struct {
	From string
	To   string
	Type string
}

// GetRelations returns the verbs adjacent to From or To.
func (e *Engine) GetRelations(ctx context.Context, q RelationsQuery) ([]*types.Verb, error) {
	res, err := e.runOp(ctx, "getRelations", q, func(ctx context.Context) (any, error) {
		return e.getRelations(ctx, q)
	})
	if err != nil {
		return nil, err
	}
	vs, _ := res.([]*types.Verb)
	return vs, nil
}

func (e *Engine) getRelations(ctx context.Context, q RelationsQuery) ([]*types.Verb, error) {
	branch := e.vcs.GetCurrentBranch()
	ids, err := e.graph.GetRelations(ctx, branch, graphindex.Query{From: q.From, To: q.To, Type: q.Type})
	if err != nil {
		return nil, fmt.Errorf("engine: get relations: %w", err)
	}
	out := make([]*types.Verb, 0, len(ids))
	for _, id := range ids {
		v, err := e.entities.GetVerbByID(ctx, branch, id)
		if err != nil {
			continue
		}
		if q.Type != "" && string(v.Type) != q.Type {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// Find executes q against the current branch's C6-C9 collaborators.
func (e *Engine) Find(ctx context.Context, q query.Query) ([]query.Result, error) {
	res, err := e.runOp(ctx, "find", q, func(ctx context.Context) (any, error) {
		return e.find(ctx, q)
	})
	if err != nil {
		return nil, err
	}
	rs, _ := res.([]query.Result)
	return rs, nil
}

func (e *Engine) find(ctx context.Context, q query.Query) ([]query.Result, error) {
	branch := e.vcs.GetCurrentBranch()
	idx, err := e.vcs.HNSW(branch)
	if err != nil {
		return nil, err
	}
	planner := query.New(e.entities, e.meta, e.graph, idx, e.embedder)
	timer := metrics.NewTimer()
	results, err := planner.Execute(ctx, branch, q)
	timer.ObserveDurationVec(metrics.QueryDuration, queryShape(q))
	if err != nil {
		return nil, fmt.Errorf("engine: find: %w", err)
	}
	if results == nil {
		results = []query.Result{}
	}
	return results, nil
}

func queryShape(q query.Query) string {
	switch {
	case q.Connected != nil && (len(q.Similar) > 0 || q.Like != ""):
		return "combined"
	case q.Connected != nil:
		return "graph"
	case len(q.Similar) > 0 || q.Like != "":
		return "similar"
	default:
		return "filter"
	}
}

// Fork creates a new branch named name (a generated id if empty) as a
// copy-on-write child of the current branch.
func (e *Engine) Fork(ctx context.Context, name string) (string, error) {
	if name == "" {
		name = uuid.New().String()
	}
	timer := metrics.NewTimer()
	_, err := e.runOp(ctx, "fork", name, func(ctx context.Context) (any, error) {
		return nil, e.vcs.Fork(ctx, name, e.vcs.GetCurrentBranch())
	})
	timer.ObserveDuration(metrics.ForkDuration)
	if err != nil {
		return "", err
	}
	return name, nil
}

// Checkout switches the engine's current branch.
func (e *Engine) Checkout(ctx context.Context, name string) error {
	_, err := e.runOp(ctx, "checkout", name, func(ctx context.Context) (any, error) {
		return nil, e.vcs.Checkout(ctx, name)
	})
	return err
}

// ListBranches returns every branch name.
func (e *Engine) ListBranches(ctx context.Context) ([]string, error) {
	return e.vcs.ListBranches(ctx)
}

// DeleteBranch removes name; force is required to delete the currently
// checked-out branch.
func (e *Engine) DeleteBranch(ctx context.Context, name string, force bool) error {
	_, err := e.runOp(ctx, "deleteBranch", name, func(ctx context.Context) (any, error) {
		if e.readOnly {
			return nil, types.NewError(types.ErrReadOnly, "engine.DeleteBranch", "engine is read-only")
		}
		return nil, e.vcs.DeleteBranch(ctx, name, force)
	})
	return err
}

// GetCurrentBranch returns the branch currently checked out.
func (e *Engine) GetCurrentBranch() string { return e.vcs.GetCurrentBranch() }

// Commit flushes buffered writes and records a commit on the current
// branch, returning its content-addressed hash.
func (e *Engine) Commit(ctx context.Context, author, message string) (string, error) {
	timer := metrics.NewTimer()
	res, err := e.runOp(ctx, "commit", message, func(ctx context.Context) (any, error) {
		return e.vcs.Commit(ctx, e.vcs.GetCurrentBranch(), author, message)
	})
	timer.ObserveDuration(metrics.CommitDuration)
	if err != nil {
		return "", err
	}
	hash, _ := res.(string)
	return hash, nil
}

// GetHistory returns the current branch's commits, newest first,
// bounded by limit (0 meaning unbounded).
func (e *Engine) GetHistory(ctx context.Context, limit int) ([]types.Commit, error) {
	return e.vcs.GetHistory(ctx, e.vcs.GetCurrentBranch(), limit)
}

// GetStatistics reports entity counts, branch count, and the current
// write-pipeline backpressure band for the current branch.
func (e *Engine) GetStatistics(ctx context.Context) (metrics.Snapshot, error) {
	return e.computeSnapshot(ctx)
}

// Snapshot implements metrics.StatsProvider so pkg/metrics.Collector can
// poll gauge-style statistics without importing this package.
func (e *Engine) Snapshot() metrics.Snapshot {
	snap, err := e.computeSnapshot(context.Background())
	if err != nil {
		return metrics.Snapshot{Branch: e.vcs.GetCurrentBranch()}
	}
	return snap
}

func (e *Engine) computeSnapshot(ctx context.Context) (metrics.Snapshot, error) {
	branch := e.vcs.GetCurrentBranch()

	nounCounts := make(map[string]int)
	for _, nt := range types.AllNounTypes() {
		ids, err := e.entities.ListNounsByType(ctx, branch, string(nt))
		if err != nil {
			continue
		}
		if len(ids) > 0 {
			nounCounts[string(nt)] = len(ids)
		}
	}

	verbCounts := make(map[string]int)
	for _, vt := range types.AllVerbTypes() {
		ids, err := e.entities.ListVerbsByType(ctx, branch, string(vt))
		if err != nil {
			continue
		}
		if len(ids) > 0 {
			verbCounts[string(vt)] = len(ids)
		}
	}

	branches, err := e.vcs.ListBranches(ctx)
	if err != nil {
		return metrics.Snapshot{}, fmt.Errorf("engine: list branches for statistics: %w", err)
	}

	return metrics.Snapshot{
		NounsByType:  nounCounts,
		VerbsByType:  verbCounts,
		Branch:       branch,
		Branches:     len(branches),
		Backpressure: int(e.bp.Pressure()),
	}, nil
}
