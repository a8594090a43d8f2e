// Package learningloop wires the trace store, document builder, fused
// index and wrong-turn miner into the coordinator described in spec
// §4.7. The hint-policy entry point is hintpolicy.Synthesize, which
// drives this coordinator.
package learningloop

import (
	"context"
	"fmt"
	"sync"

	"github.com/vinayprograms/learnloop/internal/bm25index"
	"github.com/vinayprograms/learnloop/internal/docbuilder"
	"github.com/vinayprograms/learnloop/internal/fusedindex"
	"github.com/vinayprograms/learnloop/internal/logutil"
	"github.com/vinayprograms/learnloop/internal/miner"
	"github.com/vinayprograms/learnloop/internal/store"
	"github.com/vinayprograms/learnloop/internal/trace"
)

// Reranker is an optional second-pass scorer applied by Retrieve.
type Reranker interface {
	Rerank(ctx context.Context, query string, results []fusedindex.Result) ([]fusedindex.Result, error)
}

// Query is a retrieval request against the coordinator.
type Query struct {
	Text   string
	Filter trace.Filter
	Limit  int
}

// Loop coordinates the trace store, index, document builder and miner.
type Loop struct {
	store    *store.Store
	index    *fusedindex.Index
	primary  *bm25index.Index
	builder  *docbuilder.Builder
	miner    *miner.Miner
	reranker Reranker
	log      *logutil.Logger

	secondary fusedindex.SecondarySource
	idxCfg    bm25index.Config
	fusedCfg  fusedindex.Config

	bootstrapped bool
	bootstrapMu  sync.Mutex
}

// New wires a Loop over an existing store. secondary may be nil.
func New(st *store.Store, secondary fusedindex.SecondarySource, reranker Reranker, idxCfg bm25index.Config, fusedCfg fusedindex.Config) *Loop {
	primary := bm25index.New(idxCfg)
	return &Loop{
		store:     st,
		primary:   primary,
		index:     fusedindex.New(primary, secondary, fusedCfg),
		builder:   docbuilder.New(),
		miner:     miner.New(),
		reranker:  reranker,
		log:       logutil.Default.WithComponent("learningloop"),
		secondary: secondary,
		idxCfg:    idxCfg,
		fusedCfg:  fusedCfg,
	}
}

// Ingest appends event to the store, builds and indexes its documents,
// and streams it into the miner. Each step runs exactly once per event.
func (l *Loop) Ingest(event trace.Event) error {
	if err := l.store.Append(event); err != nil {
		return fmt.Errorf("learningloop: append event %s: %w", event.ID, err)
	}
	docs := l.builder.Build(event)
	l.index.UpsertMany(docs)
	l.miner.Ingest(event)
	return nil
}

// BootstrapFromStore rebuilds the index and miner state from every
// stored event. It is a no-op on calls after the first unless force is
// set.
func (l *Loop) BootstrapFromStore(force bool) (eventCount, documentCount int, err error) {
	l.bootstrapMu.Lock()
	defer l.bootstrapMu.Unlock()

	if l.bootstrapped && !force {
		return 0, 0, nil
	}

	events, err := l.store.Query(store.Filter{})
	if err != nil {
		return 0, 0, fmt.Errorf("learningloop: bootstrap query: %w", err)
	}

	l.primary = bm25index.New(l.idxCfg)
	l.index = fusedindex.New(l.primary, l.secondary, l.fusedCfg)
	l.miner = miner.New()

	docCount := 0
	for _, e := range events {
		docs := l.builder.Build(e)
		l.index.UpsertMany(docs)
		docCount += len(docs)
		l.miner.Ingest(e)
	}

	l.bootstrapped = true
	return len(events), docCount, nil
}

// Mine delegates to the underlying miner.
func (l *Loop) Mine(limit int) []trace.MinedArtifact {
	return l.miner.Mine(limit)
}

// Retrieve runs an index search, then an optional reranker pass.
// Reranker output is normalized: filtered to ids present in the
// initial result set, deduped by id, and padded (in original order) up
// to limit.
func (l *Loop) Retrieve(ctx context.Context, q Query) ([]fusedindex.Result, error) {
	initial, err := l.index.Search(ctx, bm25index.Query{Text: q.Text, Filter: q.Filter, Limit: q.Limit})
	if err != nil {
		return nil, fmt.Errorf("learningloop: retrieve: %w", err)
	}
	if l.reranker == nil {
		return initial, nil
	}

	reranked, err := l.reranker.Rerank(ctx, q.Text, initial)
	if err != nil {
		l.log.Warn("reranker failed, falling back to initial results", map[string]any{"error": err.Error()})
		return initial, nil
	}
	return normalizeReranked(initial, reranked, q.Limit), nil
}

func normalizeReranked(initial, reranked []fusedindex.Result, limit int) []fusedindex.Result {
	allowed := make(map[string]fusedindex.Result, len(initial))
	for _, r := range initial {
		allowed[r.DocID] = r
	}

	seen := make(map[string]struct{}, len(reranked))
	out := make([]fusedindex.Result, 0, len(initial))
	for _, r := range reranked {
		if _, ok := allowed[r.DocID]; !ok {
			continue
		}
		if _, dup := seen[r.DocID]; dup {
			continue
		}
		seen[r.DocID] = struct{}{}
		out = append(out, r)
		if limit > 0 && len(out) >= limit {
			return out
		}
	}

	// Pad with remaining initial-order results not yet included.
	for _, r := range initial {
		if limit > 0 && len(out) >= limit {
			break
		}
		if _, dup := seen[r.DocID]; dup {
			continue
		}
		seen[r.DocID] = struct{}{}
		out = append(out, r)
	}
	return out
}

// FailureWarningLane runs a second, parallel search with isError=true
// when the incoming filter requested isError=false, merging unique
// evidence event ids for the hint policy's negative lane.
func (l *Loop) FailureWarningLane(ctx context.Context, q Query) ([]fusedindex.Result, error) {
	isErr, ok := q.Filter["isError"]
	if !ok {
		return nil, nil
	}
	wantsSuccessOnly, ok := isErr.(bool)
	if !ok || wantsSuccessOnly {
		return nil, nil
	}

	failFilter := make(trace.Filter, len(q.Filter))
	for k, v := range q.Filter {
		failFilter[k] = v
	}
	failFilter["isError"] = true

	results, err := l.index.Search(ctx, bm25index.Query{Text: q.Text, Filter: failFilter, Limit: q.Limit})
	if err != nil {
		return nil, fmt.Errorf("learningloop: failure warning lane: %w", err)
	}
	seen := make(map[string]struct{}, len(results))
	out := make([]fusedindex.Result, 0, len(results))
	for _, r := range results {
		if _, dup := seen[r.Doc.SourceEventID]; dup {
			continue
		}
		seen[r.Doc.SourceEventID] = struct{}{}
		out = append(out, r)
	}
	return out, nil
}

// Store exposes the underlying trace store for adapters/CLI commands.
func (l *Loop) Store() *store.Store { return l.store }
