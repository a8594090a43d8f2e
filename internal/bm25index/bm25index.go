// Package bm25index implements the in-memory inverted-index lexical
// retrieval layer described in spec §4.3. It is grounded in shape on
// the teacher's internal/memory.BleveStore (mapping, upsert, search)
// but reimplements BM25 scoring directly per the spec's closed-form
// formula, since bleve does not expose that formula in the needed form.
package bm25index

import (
	"errors"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/vinayprograms/learnloop/internal/trace"
)

// ErrEmptyQuery is returned by Search callers that care to distinguish
// a zero-term query; Search itself just returns an empty result set.
var ErrEmptyQuery = errors.New("bm25index: empty query")

// Config tunes the scoring function. Zero values are replaced with
// spec defaults by New.
type Config struct {
	K1            float64
	B             float64
	MaxQueryTerms int
}

// DefaultConfig returns the spec §4.3 defaults.
func DefaultConfig() Config {
	return Config{K1: 1.2, B: 0.75, MaxQueryTerms: 128}
}

type posting struct {
	docID string
	tf    int
}

// Index is an in-memory BM25 inverted index over IndexedDocuments.
type Index struct {
	mu sync.RWMutex

	cfg Config

	docs       map[string]trace.IndexedDocument
	docLen     map[string]int
	totalLen   int
	postings   map[string][]posting // term -> postings, docID order arbitrary
}

// New creates an empty Index. Zero-valued fields in cfg fall back to
// DefaultConfig.
func New(cfg Config) *Index {
	if cfg.K1 == 0 {
		cfg.K1 = DefaultConfig().K1
	}
	if cfg.B == 0 {
		cfg.B = DefaultConfig().B
	}
	if cfg.MaxQueryTerms == 0 {
		cfg.MaxQueryTerms = DefaultConfig().MaxQueryTerms
	}
	return &Index{
		cfg:      cfg,
		docs:     make(map[string]trace.IndexedDocument),
		docLen:   make(map[string]int),
		postings: make(map[string][]posting),
	}
}

var tokenSplitRe = regexp.MustCompile(`[^a-z0-9_./:-]+`)

// Tokenize lowercases text and splits on runs of characters outside
// [a-z0-9_./:-], dropping tokens of length <= 1.
func Tokenize(text string) []string {
	lower := strings.ToLower(text)
	raw := tokenSplitRe.Split(lower, -1)
	out := make([]string, 0, len(raw))
	for _, t := range raw {
		if len(t) > 1 {
			out = append(out, t)
		}
	}
	return out
}

// Upsert replaces any prior document with the same id, updating
// posting lists and document length atomically.
func (idx *Index) Upsert(doc trace.IndexedDocument) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.upsertLocked(doc)
}

// UpsertMany upserts a batch of documents under one write lock.
func (idx *Index) UpsertMany(docs []trace.IndexedDocument) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, d := range docs {
		idx.upsertLocked(d)
	}
}

func (idx *Index) upsertLocked(doc trace.IndexedDocument) {
	if old, ok := idx.docs[doc.ID]; ok {
		idx.removeLocked(old)
	}

	terms := Tokenize(doc.Text)
	tf := make(map[string]int, len(terms))
	for _, t := range terms {
		tf[t]++
	}
	for term, count := range tf {
		idx.postings[term] = append(idx.postings[term], posting{docID: doc.ID, tf: count})
	}

	idx.docs[doc.ID] = doc
	idx.docLen[doc.ID] = len(terms)
	idx.totalLen += len(terms)
}

func (idx *Index) removeLocked(doc trace.IndexedDocument) {
	terms := Tokenize(doc.Text)
	seen := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		seen[t] = struct{}{}
	}
	for term := range seen {
		postings := idx.postings[term]
		filtered := postings[:0]
		for _, p := range postings {
			if p.docID != doc.ID {
				filtered = append(filtered, p)
			}
		}
		if len(filtered) == 0 {
			delete(idx.postings, term)
		} else {
			idx.postings[term] = filtered
		}
	}
	idx.totalLen -= idx.docLen[doc.ID]
	delete(idx.docLen, doc.ID)
	delete(idx.docs, doc.ID)
}

// Delete removes a document by id, if present.
func (idx *Index) Delete(id string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if doc, ok := idx.docs[id]; ok {
		idx.removeLocked(doc)
	}
}

// Result is one ranked search hit.
type Result struct {
	DocID string
	Score float64
	Doc   trace.IndexedDocument
}

// Query is a bounded-term full text query with an optional metadata filter.
type Query struct {
	Text   string
	Filter trace.Filter
	Limit  int
}

// BoundTerms applies the spec §4.3 query-bounding rule: terms are
// capped at MaxQueryTerms; when exceeded, keep first ceil(0.75*max)
// unique terms then fill with the tail-most unique remaining terms,
// preserving relative order after reassembly.
func (idx *Index) BoundTerms(text string) []string {
	terms := Tokenize(text)
	return boundTerms(terms, idx.cfg.MaxQueryTerms)
}

func boundTerms(terms []string, max int) []string {
	unique := dedupePreserveOrder(terms)
	if len(unique) <= max {
		return unique
	}
	headCount := int(math.Ceil(0.75 * float64(max)))
	if headCount > len(unique) {
		headCount = len(unique)
	}
	head := unique[:headCount]
	headSet := make(map[string]struct{}, len(head))
	for _, t := range head {
		headSet[t] = struct{}{}
	}

	remaining := max - headCount
	if remaining <= 0 {
		return head
	}

	// Tail-most unique remaining terms: walk from the end of the full
	// unique list, skipping anything already in head, until remaining
	// slots are filled; reassemble preserving relative (original) order.
	var tailPicked []string
	tailSet := make(map[string]struct{})
	for i := len(unique) - 1; i >= headCount && len(tailPicked) < remaining; i-- {
		t := unique[i]
		if _, inHead := headSet[t]; inHead {
			continue
		}
		if _, dup := tailSet[t]; dup {
			continue
		}
		tailSet[t] = struct{}{}
		tailPicked = append(tailPicked, t)
	}

	// Reassemble in original relative order: walk the whole unique
	// slice once, emitting any term that's in head or tailSet.
	out := make([]string, 0, headCount+len(tailPicked))
	for _, t := range unique {
		if _, ok := headSet[t]; ok {
			out = append(out, t)
			continue
		}
		if _, ok := tailSet[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

func dedupePreserveOrder(terms []string) []string {
	seen := make(map[string]struct{}, len(terms))
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// Search ranks documents matching q.Filter against the BM25 score of
// q.Text, returning at most q.Limit results (default: all). An empty
// query or empty index returns an empty, non-error result.
func (idx *Index) Search(q Query) ([]Result, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	terms := boundTerms(Tokenize(q.Text), idx.cfg.MaxQueryTerms)
	if len(terms) == 0 || len(idx.docs) == 0 {
		return nil, nil
	}

	n := len(idx.docs)
	avgdl := 0.0
	if n > 0 {
		avgdl = float64(idx.totalLen) / float64(n)
	}

	scores := make(map[string]float64)
	for _, term := range terms {
		postings := idx.postings[term]
		df := len(postings)
		if df == 0 {
			continue
		}
		idf := math.Log(1 + (float64(n)-float64(df)+0.5)/(float64(df)+0.5))
		for _, p := range postings {
			dl := float64(idx.docLen[p.docID])
			tf := float64(p.tf)
			denom := tf + idx.cfg.K1*(1-idx.cfg.B+idx.cfg.B*dl/avgdlOrOne(avgdl))
			score := idf * (tf * (idx.cfg.K1 + 1) / denom)
			scores[p.docID] += score
		}
	}

	results := make([]Result, 0, len(scores))
	for docID, score := range scores {
		doc := idx.docs[docID]
		if !q.Filter.Match(doc) {
			continue
		}
		results = append(results, Result{DocID: docID, Score: score, Doc: doc})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].DocID < results[j].DocID
	})

	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results, nil
}

func avgdlOrOne(avgdl float64) float64 {
	if avgdl == 0 {
		return 1
	}
	return avgdl
}

// Len returns the number of documents currently indexed.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.docs)
}
