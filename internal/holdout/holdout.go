// Package holdout implements the long-horizon holdout and
// family-disjoint evaluation lane described in spec §4.12.
package holdout

import (
	"sort"
	"time"

	"github.com/vinayprograms/learnloop/internal/trace"
)

// SessionSummary is the minimal per-session shape the holdout filter
// and split operate over.
type SessionSummary struct {
	SessionID       string
	StartedAt       time.Time
	Duration        time.Duration
	TotalLatencyMs  int64
	ToolResultCount int
	Families        map[string]struct{}
}

// Floors gate which sessions participate in the holdout lane at all.
type Floors struct {
	MinDuration        time.Duration
	MinTotalLatencyMs  int64
	MinToolResultCount int
}

// FilterSessions keeps only sessions meeting every configured floor.
func FilterSessions(sessions []SessionSummary, floors Floors) []SessionSummary {
	var out []SessionSummary
	for _, s := range sessions {
		if s.Duration < floors.MinDuration {
			continue
		}
		if s.TotalLatencyMs < floors.MinTotalLatencyMs {
			continue
		}
		if s.ToolResultCount < floors.MinToolResultCount {
			continue
		}
		out = append(out, s)
	}
	return out
}

// SplitConfig tunes the chronological train/eval split.
type SplitConfig struct {
	EvalRatio float64
	Strict    bool
}

// DefaultSplitConfig returns the spec §4.12 default (0.30, clamped [0.05, 0.95]).
func DefaultSplitConfig() SplitConfig {
	return SplitConfig{EvalRatio: 0.30}
}

func clampRatio(r float64) float64 {
	if r < 0.05 {
		return 0.05
	}
	if r > 0.95 {
		return 0.95
	}
	return r
}

// Split is the result of a chronological train/eval split.
type Split struct {
	Train []SessionSummary
	Eval  []SessionSummary
}

// SplitChronological orders sessions by startedAt and assigns the last
// evalRatio fraction to eval.
func SplitChronological(sessions []SessionSummary, cfg SplitConfig) Split {
	ratio := clampRatio(cfg.EvalRatio)
	if ratio == 0 {
		ratio = DefaultSplitConfig().EvalRatio
	}

	sorted := append([]SessionSummary{}, sessions...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StartedAt.Before(sorted[j].StartedAt) })

	evalCount := int(float64(len(sorted)) * ratio)
	if evalCount == 0 && len(sorted) > 0 {
		evalCount = 1
	}
	if evalCount > len(sorted) {
		evalCount = len(sorted)
	}
	splitIdx := len(sorted) - evalCount

	return Split{
		Train: sorted[:splitIdx],
		Eval:  sorted[splitIdx:],
	}
}

// FamilyOverlap reports the family sets shared between train and eval.
type FamilyOverlap struct {
	TrainFamilies             map[string]struct{}
	EvalFamilies              map[string]struct{}
	OverlappingFamilies       []string
	OverlapCount              int
	OverlapRateByEvalFamilies float64
}

// ComputeFamilyOverlap computes the overlap diagnostics for a split.
func ComputeFamilyOverlap(split Split) FamilyOverlap {
	trainFamilies := unionFamilies(split.Train)
	evalFamilies := unionFamilies(split.Eval)

	var overlapping []string
	for f := range evalFamilies {
		if _, ok := trainFamilies[f]; ok {
			overlapping = append(overlapping, f)
		}
	}
	sort.Strings(overlapping)

	rate := 0.0
	if len(evalFamilies) > 0 {
		rate = float64(len(overlapping)) / float64(len(evalFamilies))
	}

	return FamilyOverlap{
		TrainFamilies:             trainFamilies,
		EvalFamilies:              evalFamilies,
		OverlappingFamilies:       overlapping,
		OverlapCount:              len(overlapping),
		OverlapRateByEvalFamilies: rate,
	}
}

func unionFamilies(sessions []SessionSummary) map[string]struct{} {
	out := make(map[string]struct{})
	for _, s := range sessions {
		for f := range s.Families {
			out[f] = struct{}{}
		}
	}
	return out
}

// StrictModeViolated reports whether strict mode should exit non-zero:
// any family overlap at all.
func StrictModeViolated(overlap FamilyOverlap, strict bool) bool {
	return strict && overlap.OverlapCount > 0
}

// FamilyDisjointPairs drops every eval-side pair whose family appears
// in the train set.
func FamilyDisjointPairs(pairs []trace.FailurePair, trainFamilies map[string]struct{}) []trace.FailurePair {
	var out []trace.FailurePair
	for _, p := range pairs {
		if _, inTrain := trainFamilies[p.Family]; inTrain {
			continue
		}
		out = append(out, p)
	}
	return out
}

// MinFamilyDisjointPairCount is the default floor at which a report
// prefers the family-disjoint lane over the full eval lane.
const MinFamilyDisjointPairCount = 20

// PreferDisjointLane reports whether the family-disjoint lane is
// populous enough to be the primary lane.
func PreferDisjointLane(disjointPairCount, minCount int) bool {
	if minCount == 0 {
		minCount = MinFamilyDisjointPairCount
	}
	return disjointPairCount >= minCount
}
