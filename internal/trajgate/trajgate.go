// Package trajgate implements the trajectory-outcome gate from spec
// §4.11: a precedence-ordered failure classifier and a harmful-retry
// aggregate gate layered on top of episode/pair extraction.
package trajgate

import (
	"fmt"
	"regexp"

	"github.com/vinayprograms/learnloop/internal/evalgate"
	"github.com/vinayprograms/learnloop/internal/signature"
	"github.com/vinayprograms/learnloop/internal/trace"
)

// Kind is a failure classification, in fixed precedence order.
type Kind string

const (
	KindTransientExternal   Kind = "transient_external"
	KindBenignProbe         Kind = "benign_probe"
	KindCommandMismatch     Kind = "command_mismatch"
	KindEnvironmentMismatch Kind = "environment_mismatch"
	KindMissingContext      Kind = "missing_context"
	KindUnknownFailure      Kind = "unknown_failure"
)

// Verdict is the classifier's output for one failure.
type Verdict struct {
	Kind       Kind
	Harmful    bool
	Confidence float64
	Abstained  bool
}

var (
	transientRe = regexp.MustCompile(`(?i)\b(timeout|timed out|connection reset|econnreset|rate limit(ed)?|too many requests|\b429\b|\b5\d\d\b)\b`)

	probeCommandRe = regexp.MustCompile(`(?i)^\s*(curl|wget|rg|grep|find|ls|stat|test)\b`)
	probeFailureRe = regexp.MustCompile(`(?i)\b(404|not found|no matches|no such file or directory|empty|could not parse|jq:\s*error)\b`)

	commandMismatchRe = regexp.MustCompile(`(?i)\b(unknown option|invalid argument|did you mean|requires (the|a) [-\w]+ flag|unrecognized arguments)\b`)

	environmentMismatchRe = regexp.MustCompile(`(?i)\b(command not found|no such file or directory|externally[- ]managed[- ]environment|err_module_not_found|permission denied)\b`)

	missingContextRe = regexp.MustCompile(`(?i)\b(traceback \(most recent call last\)|keyerror|attributeerror|merge (policy )?block(ed|s)?|\b401\b|\b403\b|not found in repo)\b`)
)

// Classify determines the failure kind of one tool_result event by
// regex precedence over its normalized command+output text.
func Classify(e trace.Event) Verdict {
	command := e.Command()
	combined := signature.NormalizeText(command + " " + e.Text())

	if transientRe.MatchString(combined) {
		return Verdict{Kind: KindTransientExternal, Harmful: false, Confidence: 0.84}
	}
	if probeCommandRe.MatchString(command) && probeFailureRe.MatchString(combined) {
		return Verdict{Kind: KindBenignProbe, Harmful: false, Confidence: 0.82}
	}
	if commandMismatchRe.MatchString(combined) {
		return Verdict{Kind: KindCommandMismatch, Harmful: true, Confidence: 0.90}
	}
	if environmentMismatchRe.MatchString(combined) {
		return Verdict{Kind: KindEnvironmentMismatch, Harmful: true, Confidence: 0.86}
	}
	if missingContextRe.MatchString(combined) {
		return Verdict{Kind: KindMissingContext, Harmful: true, Confidence: 0.78}
	}
	return Verdict{Kind: KindUnknownFailure, Harmful: false, Confidence: 0.35, Abstained: true}
}

// ClassifyEpisode classifies every failing event within ep's span
// (looked up by id in results) and returns a copy of ep with
// FailureKinds populated, in span order.
func ClassifyEpisode(results []trace.Event, ep trace.RecoveryEpisode) trace.RecoveryEpisode {
	byID := make(map[string]trace.Event, len(results))
	for _, e := range results {
		byID[e.ID] = e
	}

	var kinds []string
	for _, id := range ep.EventIDs {
		e, ok := byID[id]
		if !ok || !e.IsError() {
			continue
		}
		kinds = append(kinds, string(Classify(e).Kind))
	}
	ep.FailureKinds = kinds
	return ep
}

// CountsByCategory tallies harmful/benign/abstained failures from a
// classified episode's FailureKinds.
func CountsByCategory(kinds []string) (harmful, benign, abstained int) {
	for _, k := range kinds {
		switch Kind(k) {
		case KindCommandMismatch, KindEnvironmentMismatch, KindMissingContext:
			harmful++
		case KindTransientExternal, KindBenignProbe:
			benign++
		default:
			abstained++
		}
	}
	return
}

// JudgeableCoverage computes (retries - abstained) / retries for one
// side, per spec §4.11; retries=0 yields full coverage (1.0).
func JudgeableCoverage(retries, abstained int) float64 {
	if retries == 0 {
		return 1.0
	}
	return float64(retries-abstained) / float64(retries)
}

// Thresholds extends the observed-gate thresholds with the
// trajectory-specific conditions.
type Thresholds struct {
	MinRelativeHarmfulRetryReduction float64
	MinJudgeableCoverage             float64
}

// DefaultThresholds returns the spec §4.11 defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{MinRelativeHarmfulRetryReduction: 0.20, MinJudgeableCoverage: 0.60}
}

// PairHarmfulCounts is the per-pair harmful/benign/abstained retry
// breakdown used by the trajectory aggregate.
type PairHarmfulCounts struct {
	OffHarmful, OffBenign, OffAbstained, OffRetries int
	OnHarmful, OnBenign, OnAbstained, OnRetries     int
}

// CountPair derives harmful counts for both sides of a classified pair.
func CountPair(p trace.FailurePair) PairHarmfulCounts {
	offH, offB, offA := CountsByCategory(p.Off.FailureKinds)
	onH, onB, onA := CountsByCategory(p.On.FailureKinds)
	return PairHarmfulCounts{
		OffHarmful: offH, OffBenign: offB, OffAbstained: offA, OffRetries: p.Off.Retries,
		OnHarmful: onH, OnBenign: onB, OnAbstained: onA, OnRetries: p.On.Retries,
	}
}

// Aggregate holds the trajectory-specific aggregate over a set of
// classified pairs, layered on top of evalgate.Aggregate.
type Aggregate struct {
	evalgate.Aggregate
	HarmfulRetriesOff          int
	HarmfulRetriesOn           int
	RelativeHarmfulReduction   float64
	JudgeableCoverageOff       float64
	JudgeableCoverageOn        float64
}

// ComputeAggregate computes the base observed aggregate plus the
// harmful-retry aggregate over classified pairs.
func ComputeAggregate(pairs []trace.FailurePair) Aggregate {
	base := evalgate.ComputeAggregate(pairs)

	var harmfulOff, harmfulOn, retriesOff, retriesOn, abstainedOff, abstainedOn int
	for _, p := range pairs {
		c := CountPair(p)
		harmfulOff += c.OffHarmful
		harmfulOn += c.OnHarmful
		retriesOff += c.OffRetries
		retriesOn += c.OnRetries
		abstainedOff += c.OffAbstained
		abstainedOn += c.OnAbstained
	}

	return Aggregate{
		Aggregate:                base,
		HarmfulRetriesOff:        harmfulOff,
		HarmfulRetriesOn:         harmfulOn,
		RelativeHarmfulReduction: relativeReduction(float64(harmfulOff), float64(harmfulOn)),
		JudgeableCoverageOff:     JudgeableCoverage(retriesOff, abstainedOff),
		JudgeableCoverageOn:      JudgeableCoverage(retriesOn, abstainedOn),
	}
}

// RunBootstrap resamples pairs the same way evalgate.RunBootstrap does
// (deterministic LCG seeded from cfg.Seed XOR hash(pair ids)) and
// reports the relative harmful-retry reduction's confidence interval,
// per spec §4.11's "same bootstrap discipline as §4.10".
func RunBootstrap(pairs []trace.FailurePair, cfg evalgate.BootstrapConfig) evalgate.Interval {
	if cfg.Samples == 0 {
		cfg = evalgate.DefaultBootstrapConfig()
	}
	n := len(pairs)
	if n == 0 {
		return evalgate.Interval{}
	}

	seed := cfg.Seed ^ evalgate.HashPairIDs(pairs)
	gen := evalgate.NewLCG(seed)

	reductions := make([]float64, cfg.Samples)
	draw := make([]trace.FailurePair, n)
	for b := 0; b < cfg.Samples; b++ {
		for i := 0; i < n; i++ {
			draw[i] = pairs[gen.Intn(n)]
		}
		reductions[b] = ComputeAggregate(draw).RelativeHarmfulReduction
	}

	alpha := 1 - cfg.ConfidenceLevel
	return evalgate.QuantileInterval(reductions, alpha)
}

func relativeReduction(off, on float64) float64 {
	if off == 0 && on == 0 {
		return 0
	}
	if off == 0 {
		return -1
	}
	return (off - on) / off
}

// EvaluateGate runs the base observed-gate thresholds plus the
// trajectory-specific harmful-reduction and judgeable-coverage floors.
func EvaluateGate(agg Aggregate, baseTh evalgate.Thresholds, th Thresholds) evalgate.GateResult {
	result := evalgate.EvaluateGate(agg.Aggregate, baseTh)

	if agg.RelativeHarmfulReduction < th.MinRelativeHarmfulRetryReduction {
		result.Failures = append(result.Failures, fmt.Sprintf("relative harmful-retry reduction %.4f below minimum %.4f", agg.RelativeHarmfulReduction, th.MinRelativeHarmfulRetryReduction))
	}
	if agg.JudgeableCoverageOff < th.MinJudgeableCoverage {
		result.Failures = append(result.Failures, fmt.Sprintf("judgeable coverage off %.4f below minimum %.4f", agg.JudgeableCoverageOff, th.MinJudgeableCoverage))
	}
	if agg.JudgeableCoverageOn < th.MinJudgeableCoverage {
		result.Failures = append(result.Failures, fmt.Sprintf("judgeable coverage on %.4f below minimum %.4f", agg.JudgeableCoverageOn, th.MinJudgeableCoverage))
	}

	result.Pass = len(result.Failures) == 0
	return result
}
