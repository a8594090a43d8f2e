package main

import (
	"testing"
	"time"

	"github.com/vinayprograms/learnloop/internal/config"
	"github.com/vinayprograms/learnloop/internal/trace"
)

func toolResult(id, sessionID string, ts time.Time, isError bool) trace.Event {
	return trace.Event{
		ID:        id,
		SessionID: sessionID,
		Timestamp: ts,
		Type:      trace.EventToolResult,
		Payload:   map[string]any{"command": "pytest tests", "output": "boom", "isError": isError},
	}
}

func TestSessionToolResultsGroupsAndSorts(t *testing.T) {
	base := time.Now()
	events := []trace.Event{
		toolResult("e2", "s1", base.Add(time.Second), false),
		toolResult("e1", "s1", base, true),
		{ID: "u1", SessionID: "s1", Type: trace.EventUserInput, Timestamp: base},
	}

	bySession := sessionToolResults(events)
	if len(bySession) != 1 {
		t.Fatalf("expected 1 session, got %d", len(bySession))
	}
	group := bySession["s1"]
	if len(group) != 2 {
		t.Fatalf("expected 2 tool_result events (user_input excluded), got %d", len(group))
	}
	if group[0].ID != "e1" || group[1].ID != "e2" {
		t.Fatalf("expected chronological order e1,e2, got %s,%s", group[0].ID, group[1].ID)
	}
}

func TestClassifiedEpisodesAndPairsRoundTrip(t *testing.T) {
	base := time.Now()
	bySession := map[string][]trace.Event{
		"s1": {toolResult("e1", "s1", base, true), toolResult("e2", "s1", base.Add(time.Second), false)},
		"s2": {toolResult("e3", "s2", base, true), toolResult("e4", "s2", base.Add(time.Second), false)},
	}

	episodes := classifiedEpisodes(bySession)
	if len(episodes) != 2 {
		t.Fatalf("expected 1 episode per session, got %d", len(episodes))
	}

	cfg := config.Default()
	cfg.Pairing.MinOccurrencesPerFamily = 2
	pairs, diag := buildPairs(episodes, cfg)
	if len(pairs) != 1 {
		t.Fatalf("expected one cross-session pair, got %d", len(pairs))
	}
	if diag.PairsBuilt != 1 {
		t.Fatalf("expected pairing diagnostics to record 1 pair built, got %d", diag.PairsBuilt)
	}
}

func TestSessionSummariesDeriveFamiliesAndDuration(t *testing.T) {
	base := time.Now()
	bySession := map[string][]trace.Event{
		"s1": {toolResult("e1", "s1", base, true), toolResult("e2", "s1", base.Add(5*time.Second), false)},
	}
	episodes := classifiedEpisodes(bySession)

	summaries := sessionSummaries(bySession, episodes)
	if len(summaries) != 1 {
		t.Fatalf("expected 1 summary, got %d", len(summaries))
	}
	s := summaries[0]
	if s.Duration != 5*time.Second {
		t.Fatalf("expected 5s duration, got %v", s.Duration)
	}
	if len(s.Families) != 1 {
		t.Fatalf("expected 1 family derived from the episode, got %d", len(s.Families))
	}
}

func TestArtifactCandidatesPreserveArtifactPrefix(t *testing.T) {
	candidates := artifactCandidates([]trace.MinedArtifact{
		{ID: "artifact-abc123", Summary: "Observed fix: a -> b", Confidence: 0.7},
	})
	if len(candidates) != 1 || candidates[0].ID != "artifact-abc123" {
		t.Fatalf("expected artifact- prefixed id preserved, got %+v", candidates)
	}
}

func TestHintConfigConvertsMillisToDuration(t *testing.T) {
	cfg := config.Default()
	cfg.Hints.PlanTimeoutMs = 1500
	hc := hintConfig(cfg)
	if hc.PlanTimeout != 1500*time.Millisecond {
		t.Fatalf("expected 1500ms plan timeout, got %v", hc.PlanTimeout)
	}
}
