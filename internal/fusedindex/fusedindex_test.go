package fusedindex

import (
	"context"
	"testing"

	"github.com/vinayprograms/learnloop/internal/bm25index"
	"github.com/vinayprograms/learnloop/internal/trace"
)

type fakeSecondary struct {
	results []bm25index.Result
}

func (f *fakeSecondary) Search(ctx context.Context, q bm25index.Query) ([]bm25index.Result, error) {
	return f.results, nil
}

func TestSearchPrimaryOnly(t *testing.T) {
	primary := bm25index.New(bm25index.DefaultConfig())
	primary.Upsert(trace.IndexedDocument{ID: "a", Text: "pytest failing case"})
	primary.Upsert(trace.IndexedDocument{ID: "b", Text: "unrelated text"})

	idx := New(primary, nil, DefaultConfig())
	results, err := idx.Search(context.Background(), bm25index.Query{Text: "pytest failing case", Limit: 10})
	if err != nil {
		t.Fatalf("Search() error: %v", err)
	}
	if len(results) != 1 || results[0].DocID != "a" {
		t.Fatalf("expected only doc a, got %v", results)
	}
}

func TestSearchFusesSecondaryBoost(t *testing.T) {
	primary := bm25index.New(bm25index.DefaultConfig())
	primary.Upsert(trace.IndexedDocument{ID: "a", Text: "alpha beta gamma"})
	primary.Upsert(trace.IndexedDocument{ID: "b", Text: "alpha beta"})

	// Secondary ranks "a" first even though primary ranks "b" first;
	// fusion should lift a's combined score via the secondary boost.
	secondary := &fakeSecondary{results: []bm25index.Result{
		{DocID: "a", Score: 1.0},
	}}

	idx := New(primary, secondary, DefaultConfig())
	results, err := idx.Search(context.Background(), bm25index.Query{Text: "alpha beta", Limit: 10})
	if err != nil {
		t.Fatalf("Search() error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 fused results, got %d", len(results))
	}
	if results[0].DocID != "a" {
		t.Fatalf("expected doc a ranked first after secondary fusion, got %v", results)
	}
}

func TestSearchDocOnlyInSecondaryStillScored(t *testing.T) {
	primary := bm25index.New(bm25index.DefaultConfig())
	primary.Upsert(trace.IndexedDocument{ID: "a", Text: "alpha beta"})

	secondary := &fakeSecondary{results: []bm25index.Result{
		{DocID: "z", Score: 1.0, Doc: trace.IndexedDocument{ID: "z", Text: "only in secondary"}},
	}}

	idx := New(primary, secondary, DefaultConfig())
	results, err := idx.Search(context.Background(), bm25index.Query{Text: "alpha beta", Limit: 10})
	if err != nil {
		t.Fatalf("Search() error: %v", err)
	}
	foundZ := false
	for _, r := range results {
		if r.DocID == "z" {
			foundZ = true
		}
	}
	if !foundZ {
		t.Fatalf("expected secondary-only doc z present in fused results: %v", results)
	}
}

func TestSearchLimit(t *testing.T) {
	primary := bm25index.New(bm25index.DefaultConfig())
	for _, id := range []string{"a", "b", "c"} {
		primary.Upsert(trace.IndexedDocument{ID: id, Text: "alpha beta gamma"})
	}
	idx := New(primary, nil, DefaultConfig())
	results, err := idx.Search(context.Background(), bm25index.Query{Text: "alpha", Limit: 2})
	if err != nil {
		t.Fatalf("Search() error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results due to limit, got %d", len(results))
	}
}
