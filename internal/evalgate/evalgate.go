// Package evalgate implements the observed A/B gate described in spec
// §4.10: aggregate relative reductions over failure pairs, a
// pass/fail threshold gate, and a deterministic paired bootstrap.
package evalgate

import (
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strings"

	"github.com/vinayprograms/learnloop/internal/trace"
)

// Thresholds tunes the gate. EvaluateGate uses every field as given;
// zero-valued fields are not replaced by DefaultThresholds.
type Thresholds struct {
	MinPairCount                    int
	MinRelativeDeadEndReduction     float64
	MinRelativeWallTimeReduction    float64
	MinRelativeTokenCountReduction  float64
	MinRelativeTokenProxyReduction  float64
	MinRecoverySuccessRateOn        float64
	MaxRecoverySuccessRateDrop      float64
}

// DefaultThresholds returns the spec §4.10 defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinPairCount:                   3,
		MinRelativeDeadEndReduction:    0.25,
		MinRelativeWallTimeReduction:   0.10,
		MinRelativeTokenCountReduction: 0.10,
		MinRelativeTokenProxyReduction: 0.10,
		MinRecoverySuccessRateOn:       0.90,
		MaxRecoverySuccessRateDrop:     0,
	}
}

// Aggregate holds the computed metrics over a set of pairs.
type Aggregate struct {
	NPairs                       int
	RepeatedDeadEndRateOff       float64
	RepeatedDeadEndRateOn        float64
	RecoverySuccessRateOff       float64
	RecoverySuccessRateOn        float64
	RelativeDeadEndReduction     float64
	RelativeWallTimeReduction    float64
	RelativeTokenCountReduction  float64
	RelativeTokenProxyReduction  float64
	AbsRecoveryDelta             float64
}

// relativeReduction implements the boundary-behavior law: 0 when both
// totals are zero, -1 when off is zero and on is positive.
func relativeReduction(off, on float64) float64 {
	if off == 0 && on == 0 {
		return 0
	}
	if off == 0 {
		return -1
	}
	return (off - on) / off
}

// ComputeAggregate computes the §4.10 aggregate over pairs.
func ComputeAggregate(pairs []trace.FailurePair) Aggregate {
	n := len(pairs)
	if n == 0 {
		return Aggregate{}
	}

	var retriesOff, retriesOn int
	var wallOff, wallOn float64
	var tokenOff, tokenOn float64
	var proxyOff, proxyOn float64
	var successOff, successOn int

	for _, p := range pairs {
		retriesOff += p.Off.Retries
		retriesOn += p.On.Retries
		wallOff += float64(p.Off.WallTimeMs)
		wallOn += float64(p.On.WallTimeMs)
		tokenOff += float64(p.Off.TokenTotal)
		tokenOn += float64(p.On.TokenTotal)
		proxyOff += p.Off.TokenProxy
		proxyOn += p.On.TokenProxy
		if p.Off.Success {
			successOff++
		}
		if p.On.Success {
			successOn++
		}
	}

	rateOff := float64(successOff) / float64(n)
	rateOn := float64(successOn) / float64(n)

	return Aggregate{
		NPairs:                      n,
		RepeatedDeadEndRateOff:      float64(retriesOff) / float64(n),
		RepeatedDeadEndRateOn:       float64(retriesOn) / float64(n),
		RecoverySuccessRateOff:      rateOff,
		RecoverySuccessRateOn:       rateOn,
		RelativeDeadEndReduction:    relativeReduction(float64(retriesOff), float64(retriesOn)),
		RelativeWallTimeReduction:   relativeReduction(wallOff, wallOn),
		RelativeTokenCountReduction: relativeReduction(tokenOff, tokenOn),
		RelativeTokenProxyReduction: relativeReduction(proxyOff, proxyOn),
		AbsRecoveryDelta:            rateOn - rateOff,
	}
}

// GateResult is the pass/fail outcome with human-readable failures.
type GateResult struct {
	Pass     bool
	Failures []string
}

// EvaluateGate checks every threshold condition; all must hold to pass.
func EvaluateGate(agg Aggregate, th Thresholds) GateResult {
	var failures []string

	if agg.NPairs < th.MinPairCount {
		failures = append(failures, fmt.Sprintf("pair count %d below minimum %d", agg.NPairs, th.MinPairCount))
	}
	if agg.RelativeDeadEndReduction < th.MinRelativeDeadEndReduction {
		failures = append(failures, fmt.Sprintf("relative dead-end reduction %.4f below minimum %.4f", agg.RelativeDeadEndReduction, th.MinRelativeDeadEndReduction))
	}
	if agg.RelativeWallTimeReduction < th.MinRelativeWallTimeReduction {
		failures = append(failures, fmt.Sprintf("relative wall-time reduction %.4f below minimum %.4f", agg.RelativeWallTimeReduction, th.MinRelativeWallTimeReduction))
	}
	if agg.RelativeTokenCountReduction < th.MinRelativeTokenCountReduction {
		failures = append(failures, fmt.Sprintf("relative token-count reduction %.4f below minimum %.4f", agg.RelativeTokenCountReduction, th.MinRelativeTokenCountReduction))
	}
	if agg.RelativeTokenProxyReduction < th.MinRelativeTokenProxyReduction {
		failures = append(failures, fmt.Sprintf("relative token-proxy reduction %.4f below minimum %.4f", agg.RelativeTokenProxyReduction, th.MinRelativeTokenProxyReduction))
	}
	if agg.RecoverySuccessRateOn < th.MinRecoverySuccessRateOn {
		failures = append(failures, fmt.Sprintf("recovery success rate on %.4f below minimum %.4f", agg.RecoverySuccessRateOn, th.MinRecoverySuccessRateOn))
	}
	if drop := agg.RecoverySuccessRateOff - agg.RecoverySuccessRateOn; drop > th.MaxRecoverySuccessRateDrop {
		failures = append(failures, fmt.Sprintf("recovery success rate drop %.4f exceeds maximum %.4f", drop, th.MaxRecoverySuccessRateDrop))
	}

	return GateResult{Pass: len(failures) == 0, Failures: failures}
}

// BootstrapConfig tunes the paired bootstrap.
type BootstrapConfig struct {
	Samples         int
	ConfidenceLevel float64
	Seed            uint64
}

// DefaultBootstrapConfig returns the spec §6.3 defaults.
func DefaultBootstrapConfig() BootstrapConfig {
	return BootstrapConfig{Samples: 2000, ConfidenceLevel: 0.95, Seed: 1}
}

// Interval is a (low, median, high) confidence interval.
type Interval struct {
	Low, Median, High float64
}

// BootstrapResult holds intervals for the four relative reductions
// plus expected dead-ends avoided.
type BootstrapResult struct {
	DeadEndReduction    Interval
	WallTimeReduction   Interval
	TokenCountReduction Interval
	TokenProxyReduction Interval
	DeadEndsAvoided     Interval
}

// LCG is a simple deterministic linear congruential generator (64-bit
// Knuth MMIX constants), chosen for byte-identical cross-run
// reproducibility rather than statistical rigor. Exported so other
// gates (trajgate's harmful-retry bootstrap) share the exact same
// draw sequence discipline instead of re-deriving their own.
type LCG struct{ state uint64 }

// NewLCG seeds an LCG, substituting 1 for a zero seed.
func NewLCG(seed uint64) *LCG {
	if seed == 0 {
		seed = 1
	}
	return &LCG{state: seed}
}

func (g *LCG) next() uint64 {
	g.state = g.state*6364136223846793005 + 1442695040888963407
	return g.state
}

// Intn returns a deterministic pseudo-random value in [0, n).
func (g *LCG) Intn(n int) int {
	if n <= 0 {
		return 0
	}
	return int(g.next() % uint64(n))
}

// HashPairIDs hashes the ordered list of pair identifiers (off/on
// episode start-event ids) into a deterministic seed component.
func HashPairIDs(pairs []trace.FailurePair) uint64 {
	h := fnv.New64a()
	for _, p := range pairs {
		h.Write([]byte(p.Off.StartEventID))
		h.Write([]byte("|"))
		h.Write([]byte(p.On.StartEventID))
		h.Write([]byte(";"))
	}
	return h.Sum64()
}

// RunBootstrap resamples N_pairs with replacement Samples times using
// a deterministic LCG seeded from seed XOR hash(pair ids), recomputing
// the aggregate for each draw and reporting quantile intervals.
func RunBootstrap(pairs []trace.FailurePair, cfg BootstrapConfig) BootstrapResult {
	if cfg.Samples == 0 {
		cfg = DefaultBootstrapConfig()
	}
	n := len(pairs)
	if n == 0 {
		return BootstrapResult{}
	}

	seed := cfg.Seed ^ HashPairIDs(pairs)
	gen := NewLCG(seed)

	deadEnd := make([]float64, cfg.Samples)
	wallTime := make([]float64, cfg.Samples)
	tokenCount := make([]float64, cfg.Samples)
	tokenProxy := make([]float64, cfg.Samples)
	deadEndsAvoided := make([]float64, cfg.Samples)

	draw := make([]trace.FailurePair, n)
	for b := 0; b < cfg.Samples; b++ {
		for i := 0; i < n; i++ {
			draw[i] = pairs[gen.Intn(n)]
		}
		agg := ComputeAggregate(draw)
		deadEnd[b] = agg.RelativeDeadEndReduction
		wallTime[b] = agg.RelativeWallTimeReduction
		tokenCount[b] = agg.RelativeTokenCountReduction
		tokenProxy[b] = agg.RelativeTokenProxyReduction

		var retriesOff, retriesOn int
		for _, p := range draw {
			retriesOff += p.Off.Retries
			retriesOn += p.On.Retries
		}
		deadEndsAvoided[b] = float64(retriesOff - retriesOn)
	}

	alpha := 1 - cfg.ConfidenceLevel

	return BootstrapResult{
		DeadEndReduction:    QuantileInterval(deadEnd, alpha),
		WallTimeReduction:   QuantileInterval(wallTime, alpha),
		TokenCountReduction: QuantileInterval(tokenCount, alpha),
		TokenProxyReduction: QuantileInterval(tokenProxy, alpha),
		DeadEndsAvoided:     QuantileInterval(deadEndsAvoided, alpha),
	}
}

// QuantileInterval sorts values and reports the (low, median, high)
// interval at quantiles (alpha/2, 0.5, 1-alpha/2). Exported so other
// gates can report intervals over their own bootstrap draws using the
// same quantile convention.
func QuantileInterval(values []float64, alpha float64) Interval {
	sorted := append([]float64{}, values...)
	sort.Float64s(sorted)
	return Interval{
		Low:    quantile(sorted, alpha/2),
		Median: quantile(sorted, 0.5),
		High:   quantile(sorted, 1-alpha/2),
	}
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Round(q * float64(len(sorted)-1)))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// ToolSurfaceTable is the closed vocabulary used to derive a pair's
// tool surface from the first token of its family signature.
var ToolSurfaceTable = map[string]string{
	"git":     "git",
	"kubectl": "k8s",
	"docker":  "container:docker",
	"npm":     "js-toolchain",
	"yarn":    "js-toolchain",
	"pnpm":    "js-toolchain",
	"node":    "js-toolchain",
	"pip":     "python-toolchain",
	"python":  "python-toolchain",
	"python3": "python-toolchain",
	"pytest":  "python-toolchain",
	"poetry":  "python-toolchain",
	"go":      "go-toolchain",
	"curl":    "http-probe",
	"wget":    "http-probe",
	"bash":    "shell",
	"sh":      "shell",
}

// ToolSurfaceFor derives the tool-surface label for a family signature
// from its first whitespace-delimited token via the closed table,
// falling back to "other".
func ToolSurfaceFor(familySignature string) string {
	fields := strings.Fields(familySignature)
	if len(fields) == 0 {
		return "other"
	}
	if surface, ok := ToolSurfaceTable[fields[0]]; ok {
		return surface
	}
	return "other"
}

// StratifyByToolSurface groups pairs by the §4.10 tool-surface table.
func StratifyByToolSurface(pairs []trace.FailurePair) map[string][]trace.FailurePair {
	out := make(map[string][]trace.FailurePair)
	for _, p := range pairs {
		surface := ToolSurfaceFor(p.Family)
		out[surface] = append(out[surface], p)
	}
	return out
}

// ModelOf resolves the model label for one side of a pair; callers
// supply this since model identity lives in adapter-specific session
// metadata outside this package's pure pair/episode model.
type ModelOf func(p trace.FailurePair) (offModel, onModel string)

// StratifyByModel groups pairs by model, collapsing pairs that span
// two distinct models into a sorted "mixed:a|b" label.
func StratifyByModel(pairs []trace.FailurePair, modelOf ModelOf) map[string][]trace.FailurePair {
	out := make(map[string][]trace.FailurePair)
	for _, p := range pairs {
		off, on := modelOf(p)
		label := modelLabel(off, on)
		out[label] = append(out[label], p)
	}
	return out
}

// modelLabel derives the §4.10 model stratum label: the shared model
// name, or a sorted "mixed:a|b" when a pair spans two models.
func modelLabel(off, on string) string {
	if off == on {
		return off
	}
	a, b := off, on
	if b < a {
		a, b = b, a
	}
	return fmt.Sprintf("mixed:%s|%s", a, b)
}

// StratifyByModelToolSurface groups pairs by the cross product of
// model and tool surface, e.g. "gpt-4×python-toolchain".
func StratifyByModelToolSurface(pairs []trace.FailurePair, modelOf ModelOf) map[string][]trace.FailurePair {
	out := make(map[string][]trace.FailurePair)
	for _, p := range pairs {
		off, on := modelOf(p)
		label := modelLabel(off, on) + "×" + ToolSurfaceFor(p.Family)
		out[label] = append(out[label], p)
	}
	return out
}

// Stratum is one (label, pairs, aggregate, gateResult) stratified slice.
type Stratum struct {
	Label      string
	Pairs      []trace.FailurePair
	Aggregate  Aggregate
	GateResult GateResult
}

// EvaluateStrata produces one aggregate+gate result per group.
func EvaluateStrata(groups map[string][]trace.FailurePair, th Thresholds) []Stratum {
	strata := make([]Stratum, 0, len(groups))
	for label, pairs := range groups {
		agg := ComputeAggregate(pairs)
		strata = append(strata, Stratum{
			Label:      label,
			Pairs:      pairs,
			Aggregate:  agg,
			GateResult: EvaluateGate(agg, th),
		})
	}
	sort.Slice(strata, func(i, j int) bool { return strata[i].Label < strata[j].Label })
	return strata
}
