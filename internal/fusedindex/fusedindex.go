// Package fusedindex composes a primary lexical index with an optional
// secondary retrieval source via reciprocal rank fusion, per spec §4.4.
package fusedindex

import (
	"context"
	"sort"

	"github.com/vinayprograms/learnloop/internal/bm25index"
	"github.com/vinayprograms/learnloop/internal/trace"
)

// Config tunes the fusion weights. Zero values fall back to DefaultConfig.
type Config struct {
	K           float64
	WPrimary    float64
	WSecondary  float64
}

// DefaultConfig returns the spec §4.4 defaults.
func DefaultConfig() Config {
	return Config{K: 60, WPrimary: 1.25, WSecondary: 1}
}

// SecondarySource is an opaque retrieval backend the fused index may
// consult in addition to the primary BM25 index. Implementations may
// wrap bleve, an embedding store, or any other ranked-retrieval system.
type SecondarySource interface {
	Search(ctx context.Context, q bm25index.Query) ([]bm25index.Result, error)
}

// Index fuses a primary BM25 index with an optional secondary source.
type Index struct {
	cfg       Config
	primary   *bm25index.Index
	secondary SecondarySource
}

// New builds a fused index over primary, optionally consulting
// secondary when non-nil.
func New(primary *bm25index.Index, secondary SecondarySource, cfg Config) *Index {
	if cfg.K == 0 {
		cfg.K = DefaultConfig().K
	}
	if cfg.WPrimary == 0 {
		cfg.WPrimary = DefaultConfig().WPrimary
	}
	if cfg.WSecondary == 0 {
		cfg.WSecondary = DefaultConfig().WSecondary
	}
	return &Index{cfg: cfg, primary: primary, secondary: secondary}
}

// Result is one fused, ranked search hit.
type Result struct {
	DocID string
	Score float64
	Doc   trace.IndexedDocument
}

// noRank marks a document absent from a given source's ranked list.
const noRank = -1

// Search runs q against the primary index and, if configured, the
// secondary source, with a fanout of max(limit, 20), then fuses both
// ranked lists by reciprocal rank fusion. Ties break on higher primary
// rank (lower rank number), then higher secondary rank, then
// lexicographic document id.
func (idx *Index) Search(ctx context.Context, q bm25index.Query) ([]Result, error) {
	fanout := q.Limit
	if fanout < 20 {
		fanout = 20
	}

	primaryResults, err := idx.primary.Search(bm25index.Query{Text: q.Text, Filter: q.Filter, Limit: fanout})
	if err != nil {
		return nil, err
	}

	var secondaryResults []bm25index.Result
	if idx.secondary != nil {
		secondaryResults, err = idx.secondary.Search(ctx, bm25index.Query{Text: q.Text, Filter: q.Filter, Limit: fanout})
		if err != nil {
			return nil, err
		}
	}

	scores := make(map[string]float64)
	docs := make(map[string]trace.IndexedDocument)
	primaryRank := make(map[string]int)
	secondaryRank := make(map[string]int)

	for rank, r := range primaryResults {
		scores[r.DocID] += idx.cfg.WPrimary * rrf(rank, idx.cfg.K)
		docs[r.DocID] = r.Doc
		primaryRank[r.DocID] = rank
	}
	for rank, r := range secondaryResults {
		scores[r.DocID] += idx.cfg.WSecondary * rrf(rank, idx.cfg.K)
		if _, ok := docs[r.DocID]; !ok {
			docs[r.DocID] = r.Doc
		}
		secondaryRank[r.DocID] = rank
	}

	rankOf := func(m map[string]int, id string) int {
		if r, ok := m[id]; ok {
			return r
		}
		return noRank
	}

	results := make([]Result, 0, len(scores))
	for docID, score := range scores {
		results = append(results, Result{DocID: docID, Score: score, Doc: docs[docID]})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		pi, pj := rankOf(primaryRank, results[i].DocID), rankOf(primaryRank, results[j].DocID)
		if pi != pj {
			return betterRank(pi, pj)
		}
		si, sj := rankOf(secondaryRank, results[i].DocID), rankOf(secondaryRank, results[j].DocID)
		if si != sj {
			return betterRank(si, sj)
		}
		return results[i].DocID < results[j].DocID
	})

	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results, nil
}

// betterRank reports whether rank a outranks rank b (lower number wins;
// noRank is worse than any real rank).
func betterRank(a, b int) bool {
	if a == noRank {
		return false
	}
	if b == noRank {
		return true
	}
	return a < b
}

// rrf computes the reciprocal-rank contribution for a zero-based rank.
func rrf(rank int, k float64) float64 {
	return 1 / (k + float64(rank+1))
}

// Upsert forwards to the primary index. Secondary sources are assumed
// externally managed (e.g. a caller-owned embedding store).
func (idx *Index) Upsert(doc trace.IndexedDocument) {
	idx.primary.Upsert(doc)
}

// UpsertMany forwards a batch upsert to the primary index.
func (idx *Index) UpsertMany(docs []trace.IndexedDocument) {
	idx.primary.UpsertMany(docs)
}
