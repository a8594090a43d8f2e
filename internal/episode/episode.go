// Package episode extracts offline recovery episodes and cross-session
// family pairs from a session's tool_result history, per spec §4.9.
package episode

import (
	"math"
	"sort"

	"github.com/vinayprograms/learnloop/internal/signature"
	"github.com/vinayprograms/learnloop/internal/trace"
)

const familySigMaxRunes = 240

// ExtractEpisodes performs a per-session chronological scan: for each
// failing tool_result f, find the next succeeding tool_result s in the
// same session; the inclusive slice [f..s] is one episode. Trailing
// failures with no following success do not start an episode.
func ExtractEpisodes(sessionID string, results []trace.Event) []trace.RecoveryEpisode {
	var episodes []trace.RecoveryEpisode

	i := 0
	for i < len(results) {
		if !results[i].IsError() {
			i++
			continue
		}
		f := results[i]
		sIdx := -1
		for j := i + 1; j < len(results); j++ {
			if !results[j].IsError() {
				sIdx = j
				break
			}
		}
		if sIdx == -1 {
			// No following success: f does not start an episode.
			i++
			continue
		}
		s := results[sIdx]

		retries := 0
		for j := i + 1; j < sIdx; j++ {
			if results[j].IsError() {
				retries++
			}
		}

		eventIDs := make([]string, 0, sIdx-i+1)
		var failureKinds []string
		tokenTotal := 0
		tokenProxy := 0.0
		for j := i; j <= sIdx; j++ {
			eventIDs = append(eventIDs, results[j].ID)
			if results[j].Metrics != nil && results[j].Metrics.Tokens != nil {
				tokenTotal += results[j].Metrics.Tokens.Total()
				tokenProxy += tokenProxyWeight(*results[j].Metrics.Tokens)
			}
		}

		episodes = append(episodes, trace.RecoveryEpisode{
			SessionID:       sessionID,
			StartEventID:    f.ID,
			EndEventID:      s.ID,
			StartTime:       f.Timestamp,
			EndTime:         s.Timestamp,
			FamilySignature: familySignature(f),
			Retries:         retries,
			WallTimeMs:      s.Timestamp.Sub(f.Timestamp).Milliseconds(),
			TokenTotal:      tokenTotal,
			TokenProxy:      tokenProxy,
			Success:         true,
			EventIDs:        eventIDs,
			FailureKinds:    failureKinds,
		})

		// Each failure participates in at most one episode as its
		// start; resume scanning strictly after this episode's success.
		i = sIdx + 1
	}

	return episodes
}

// tokenProxyWeight is a monotone, implementation-defined weighted sum
// of token buckets; its exact weights are not spec-mandated, only that
// it summarizes tokens monotonically.
func tokenProxyWeight(tok trace.Tokens) float64 {
	return float64(tok.InputUncached) + 0.25*float64(tok.InputCached) + 1.5*float64(tok.Output) + float64(tok.CacheWrite) + 0.1*float64(tok.Thinking)
}

func familySignature(f trace.Event) string {
	cmdSig := signature.NormalizeCommandSignature(f.Command())
	errSig := ""
	if sigs := signature.ExtractErrorSignatures(f.Text(), 1); len(sigs) > 0 {
		errSig = sigs[0]
	}
	combined := cmdSig
	if errSig != "" {
		combined = cmdSig + " " + errSig
	}
	if combined == "" {
		combined = signature.NormalizeText(f.Text())
	}
	norm := signature.NormalizeText(combined)
	r := []rune(norm)
	if len(r) > familySigMaxRunes {
		return string(r[:familySigMaxRunes])
	}
	return norm
}

// PairingConfig tunes family pairing. BuildPairs replaces the whole
// config with DefaultPairingConfig when MinOccurrencesPerFamily is 0;
// other zero fields are used as given.
type PairingConfig struct {
	MinOccurrencesPerFamily int
	RequireCrossSession     bool
	MaxWallTimeRatio        float64
	MaxTokenCountRatio      float64
}

// DefaultPairingConfig returns the spec §4.9 defaults.
func DefaultPairingConfig() PairingConfig {
	return PairingConfig{
		MinOccurrencesPerFamily: 2,
		RequireCrossSession:     true,
		MaxWallTimeRatio:        4,
		MaxTokenCountRatio:      4,
	}
}

// PairingDiagnostics records extraction diagnostics for a gate report.
type PairingDiagnostics struct {
	FamiliesSeen         int
	FamiliesEligible     int
	CandidateTransitions int
	DropsByCause         map[string]int
	PairsBuilt           int
}

func newPairingDiagnostics() PairingDiagnostics {
	return PairingDiagnostics{DropsByCause: make(map[string]int)}
}

// BuildPairs groups episodes by family signature, drops families below
// the minimum occurrence floor, and builds adjacent (off=prev, on=next)
// pairs within each family's chronological order.
func BuildPairs(episodes []trace.RecoveryEpisode, cfg PairingConfig) ([]trace.FailurePair, PairingDiagnostics) {
	if cfg.MinOccurrencesPerFamily == 0 {
		cfg = DefaultPairingConfig()
	}

	byFamily := make(map[string][]trace.RecoveryEpisode)
	for _, e := range episodes {
		byFamily[e.FamilySignature] = append(byFamily[e.FamilySignature], e)
	}

	diag := newPairingDiagnostics()
	diag.FamiliesSeen = len(byFamily)

	var pairs []trace.FailurePair
	for _, family := range sortedKeys(byFamily) {
		group := byFamily[family]
		if len(group) < cfg.MinOccurrencesPerFamily {
			diag.DropsByCause["belowMinOccurrences"] += len(group)
			continue
		}
		diag.FamiliesEligible++

		sort.Slice(group, func(i, j int) bool { return group[i].StartTime.Before(group[j].StartTime) })

		for i := 1; i < len(group); i++ {
			diag.CandidateTransitions++
			off, on := group[i-1], group[i]

			if cfg.RequireCrossSession && off.SessionID == on.SessionID {
				diag.DropsByCause["sameSession"]++
				continue
			}

			wallRatio := ratio(float64(off.WallTimeMs), float64(on.WallTimeMs))
			if wallRatio > cfg.MaxWallTimeRatio {
				diag.DropsByCause["wallTimeRatio"]++
				continue
			}
			tokenRatio := ratio(float64(off.TokenTotal), float64(on.TokenTotal))
			if tokenRatio > cfg.MaxTokenCountRatio {
				diag.DropsByCause["tokenCountRatio"]++
				continue
			}

			pairs = append(pairs, trace.FailurePair{
				Family:         family,
				Off:            off,
				On:             on,
				WallTimeRatio:  wallRatio,
				TokenRatio:     tokenRatio,
				QualityScore:   qualityScore(wallRatio, tokenRatio),
			})
			diag.PairsBuilt++
		}
	}

	return pairs, diag
}

func ratio(off, on float64) float64 {
	if off == 0 && on == 0 {
		return 1
	}
	if off == 0 || on == 0 {
		return math.Inf(1)
	}
	hi, lo := off, on
	if lo > hi {
		hi, lo = lo, hi
	}
	return hi / lo
}

func qualityScore(wallRatio, tokenRatio float64) float64 {
	return 1 / (1 + math.Abs(math.Log2(wallRatio)) + math.Abs(math.Log2(tokenRatio)))
}

func sortedKeys(m map[string][]trace.RecoveryEpisode) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
