package main

import (
	"sort"

	"github.com/vinayprograms/learnloop/internal/config"
	"github.com/vinayprograms/learnloop/internal/episode"
	"github.com/vinayprograms/learnloop/internal/evalgate"
	"github.com/vinayprograms/learnloop/internal/fusedindex"
	"github.com/vinayprograms/learnloop/internal/holdout"
	"github.com/vinayprograms/learnloop/internal/hintpolicy"
	"github.com/vinayprograms/learnloop/internal/trace"
	"github.com/vinayprograms/learnloop/internal/trajgate"
)

// sessionToolResults groups tool_result events by session, each group
// sorted chronologically, matching the ordering episode.ExtractEpisodes
// requires.
func sessionToolResults(events []trace.Event) map[string][]trace.Event {
	out := make(map[string][]trace.Event)
	for _, e := range events {
		if e.Type != trace.EventToolResult {
			continue
		}
		out[e.SessionID] = append(out[e.SessionID], e)
	}
	for sessionID := range out {
		group := out[sessionID]
		sort.Slice(group, func(i, j int) bool { return group[i].Timestamp.Before(group[j].Timestamp) })
		out[sessionID] = group
	}
	return out
}

// classifiedEpisodes extracts recovery episodes per session and
// classifies each episode's failures via the trajectory-outcome gate.
func classifiedEpisodes(bySession map[string][]trace.Event) []trace.RecoveryEpisode {
	var episodes []trace.RecoveryEpisode
	for sessionID, results := range bySession {
		for _, ep := range episode.ExtractEpisodes(sessionID, results) {
			episodes = append(episodes, trajgate.ClassifyEpisode(results, ep))
		}
	}
	return episodes
}

func pairingConfig(cfg *config.Config) episode.PairingConfig {
	return episode.PairingConfig{
		MinOccurrencesPerFamily: cfg.Pairing.MinOccurrencesPerFamily,
		RequireCrossSession:     cfg.Pairing.RequireCrossSession,
		MaxWallTimeRatio:        cfg.Pairing.MaxWallTimeRatio,
		MaxTokenCountRatio:      cfg.Pairing.MaxTokenCountRatio,
	}
}

func buildPairs(episodes []trace.RecoveryEpisode, cfg *config.Config) ([]trace.FailurePair, episode.PairingDiagnostics) {
	return episode.BuildPairs(episodes, pairingConfig(cfg))
}

// sessionModels derives a best-effort model label per session from
// any tool_result event's payload["model"] field; model identity
// lives in adapter-specific session metadata outside the pure
// episode/pair model, so this is the CLI's own projection of it.
func sessionModels(bySession map[string][]trace.Event) map[string]string {
	out := make(map[string]string, len(bySession))
	for sessionID, events := range bySession {
		model := "unknown"
		for _, e := range events {
			if m := e.PayloadString("model"); m != "" {
				model = m
				break
			}
		}
		out[sessionID] = model
	}
	return out
}

// modelOf adapts a per-session model map into an evalgate.ModelOf,
// keyed by each pair side's episode session id.
func modelOf(models map[string]string) evalgate.ModelOf {
	return func(p trace.FailurePair) (offModel, onModel string) {
		return models[p.Off.SessionID], models[p.On.SessionID]
	}
}

// sessionSummaries builds the holdout package's minimal per-session
// shape from raw tool_result events and their classified episodes.
func sessionSummaries(bySession map[string][]trace.Event, episodes []trace.RecoveryEpisode) []holdout.SessionSummary {
	families := make(map[string]map[string]struct{})
	for _, ep := range episodes {
		if families[ep.SessionID] == nil {
			families[ep.SessionID] = make(map[string]struct{})
		}
		families[ep.SessionID][ep.FamilySignature] = struct{}{}
	}

	out := make([]holdout.SessionSummary, 0, len(bySession))
	for sessionID, results := range bySession {
		if len(results) == 0 {
			continue
		}
		start := results[0].Timestamp
		end := results[len(results)-1].Timestamp
		var totalLatency int64
		for _, e := range results {
			if e.Metrics != nil {
				totalLatency += e.Metrics.LatencyMs
			}
		}
		out = append(out, holdout.SessionSummary{
			SessionID:       sessionID,
			StartedAt:       start,
			Duration:        end.Sub(start),
			TotalLatencyMs:  totalLatency,
			ToolResultCount: len(results),
			Families:        families[sessionID],
		})
	}
	return out
}

// artifactCandidates converts mined artifacts into hint-policy
// candidates, preserving the "artifact-" id prefix ClassifyKind keys on.
func artifactCandidates(artifacts []trace.MinedArtifact) []hintpolicy.Candidate {
	out := make([]hintpolicy.Candidate, 0, len(artifacts))
	for _, a := range artifacts {
		out = append(out, hintpolicy.Candidate{
			ID:               a.ID,
			Title:            "Mined fix",
			Rationale:        a.Summary,
			Confidence:       a.Confidence,
			EvidenceEventIDs: a.EvidenceEventIDs,
			PlaybookMarkdown: "- " + a.Summary,
		})
	}
	return out
}

// failureWarningCandidates converts the failure-warning retrieval
// lane's results into candidates tagged with the exact title
// ClassifyKind matches on.
func failureWarningCandidates(results []fusedindex.Result) []hintpolicy.Candidate {
	out := make([]hintpolicy.Candidate, 0, len(results))
	for _, r := range results {
		text := r.Doc.Text
		if len(text) > 200 {
			text = text[:200]
		}
		out = append(out, hintpolicy.Candidate{
			ID:               "failure-" + r.DocID,
			Title:            hintpolicy.FailureWarningTitle,
			Rationale:        "A past attempt in this family failed the same way",
			Confidence:       0.6,
			EvidenceEventIDs: []string{r.Doc.SourceEventID},
			PlaybookMarkdown: "- Avoid repeating: " + text,
		})
	}
	return out
}

func holdoutSplit(summaries []holdout.SessionSummary, cfg *config.Config) holdout.Split {
	return holdout.SplitChronological(summaries, holdout.SplitConfig{EvalRatio: cfg.Holdout.EvalRatio, Strict: cfg.Holdout.Strict})
}

func holdoutOverlap(split holdout.Split) holdout.FamilyOverlap {
	return holdout.ComputeFamilyOverlap(split)
}

func holdoutDisjointPairs(pairs []trace.FailurePair, overlap holdout.FamilyOverlap) []trace.FailurePair {
	return holdout.FamilyDisjointPairs(pairs, overlap.TrainFamilies)
}

func holdoutPreferDisjoint(disjointPairCount int, cfg *config.Config) bool {
	return holdout.PreferDisjointLane(disjointPairCount, cfg.Holdout.MinFamilyDisjointPairCount)
}

func holdoutStrictViolated(overlap holdout.FamilyOverlap, cfg *config.Config) bool {
	return holdout.StrictModeViolated(overlap, cfg.Holdout.Strict)
}

func hintConfig(cfg *config.Config) hintpolicy.Config {
	return hintpolicy.Config{
		MaxSuggestions: cfg.Hints.MaxSuggestions,
		HintMode:       hintpolicy.HintMode(cfg.Hints.HintMode),
		QueryMaxChars:  cfg.Hints.QueryMaxChars,
		PlanTimeout:    msToDuration(cfg.Hints.PlanTimeoutMs),
		TotalTimeout:   msToDuration(cfg.Hints.TotalTimeoutMs),
	}
}
