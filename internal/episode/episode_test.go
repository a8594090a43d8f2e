package episode

import (
	"testing"
	"time"

	"github.com/vinayprograms/learnloop/internal/trace"
)

func tr(id string, isError bool, at time.Time, command, output string) trace.Event {
	return trace.Event{
		ID:        id,
		Timestamp: at,
		Type:      trace.EventToolResult,
		Payload: map[string]any{
			"command": command,
			"output":  output,
			"isError": isError,
		},
	}
}

func TestExtractEpisodesBasic(t *testing.T) {
	base := time.Now()
	results := []trace.Event{
		tr("f1", true, base, "pytest --badflag", "Error: unrecognized arguments"),
		tr("r1", true, base.Add(1*time.Second), "pytest --badflag", "Error: unrecognized arguments"),
		tr("s1", false, base.Add(2*time.Second), "pytest", "1 passed"),
	}
	episodes := ExtractEpisodes("sess-1", results)
	if len(episodes) != 1 {
		t.Fatalf("expected 1 episode, got %d", len(episodes))
	}
	e := episodes[0]
	if e.Retries != 1 {
		t.Errorf("retries = %d, want 1", e.Retries)
	}
	if e.WallTimeMs != 2000 {
		t.Errorf("wallTimeMs = %d, want 2000", e.WallTimeMs)
	}
	if !e.Success {
		t.Errorf("expected success=true by construction")
	}
	if len(e.EventIDs) != 3 {
		t.Errorf("expected 3 event ids in episode span, got %d", len(e.EventIDs))
	}
}

func TestExtractEpisodesTrailingFailureNoEpisode(t *testing.T) {
	base := time.Now()
	results := []trace.Event{
		tr("f1", true, base, "cmd", "error"),
	}
	episodes := ExtractEpisodes("sess-1", results)
	if len(episodes) != 0 {
		t.Fatalf("expected no episodes for trailing unresolved failure, got %d", len(episodes))
	}
}

func TestExtractEpisodesNonOverlappingPartition(t *testing.T) {
	base := time.Now()
	results := []trace.Event{
		tr("f1", true, base, "cmd1", "error"),
		tr("s1", false, base.Add(time.Second), "cmd1 --fixed", "ok"),
		tr("f2", true, base.Add(2*time.Second), "cmd2", "error"),
		tr("s2", false, base.Add(3*time.Second), "cmd2 --fixed", "ok"),
	}
	episodes := ExtractEpisodes("sess-1", results)
	if len(episodes) != 2 {
		t.Fatalf("expected 2 episodes, got %d", len(episodes))
	}
	if episodes[0].EndEventID != "s1" || episodes[1].StartEventID != "f2" {
		t.Fatalf("episodes not partitioned correctly: %+v", episodes)
	}
}

func makeEpisode(family, sessionID string, wallTimeMs int64, tokenTotal int, start time.Time) trace.RecoveryEpisode {
	return trace.RecoveryEpisode{
		SessionID:       sessionID,
		FamilySignature: family,
		StartTime:       start,
		WallTimeMs:      wallTimeMs,
		TokenTotal:      tokenTotal,
		Success:         true,
	}
}

func TestBuildPairsDropsBelowMinOccurrences(t *testing.T) {
	episodes := []trace.RecoveryEpisode{
		makeEpisode("fam-a", "s1", 1000, 100, time.Now()),
	}
	pairs, diag := BuildPairs(episodes, DefaultPairingConfig())
	if len(pairs) != 0 {
		t.Fatalf("expected no pairs for single-occurrence family, got %d", len(pairs))
	}
	if diag.DropsByCause["belowMinOccurrences"] != 1 {
		t.Fatalf("expected belowMinOccurrences drop recorded, got %+v", diag.DropsByCause)
	}
}

func TestBuildPairsCrossSessionRequired(t *testing.T) {
	base := time.Now()
	episodes := []trace.RecoveryEpisode{
		makeEpisode("fam-a", "s1", 5000, 300, base),
		makeEpisode("fam-a", "s1", 2000, 150, base.Add(time.Minute)),
	}
	pairs, diag := BuildPairs(episodes, DefaultPairingConfig())
	if len(pairs) != 0 {
		t.Fatalf("expected same-session pair dropped, got %d", len(pairs))
	}
	if diag.DropsByCause["sameSession"] != 1 {
		t.Fatalf("expected sameSession drop recorded, got %+v", diag.DropsByCause)
	}
}

func TestBuildPairsCrossSessionAndRatios(t *testing.T) {
	base := time.Now()
	episodes := []trace.RecoveryEpisode{
		makeEpisode("fam-a", "s1", 7000, 360, base),
		makeEpisode("fam-a", "s2", 2000, 150, base.Add(time.Minute)),
	}
	pairs, diag := BuildPairs(episodes, DefaultPairingConfig())
	if len(pairs) != 1 {
		t.Fatalf("expected 1 pair, got %d: diag=%+v", len(pairs), diag)
	}
	p := pairs[0]
	if p.Off.SessionID != "s1" || p.On.SessionID != "s2" {
		t.Fatalf("unexpected pair assignment: %+v", p)
	}
	if p.QualityScore <= 0 || p.QualityScore > 1 {
		t.Fatalf("qualityScore out of expected (0,1] range: %f", p.QualityScore)
	}
}

func TestBuildPairsDropsExcessiveRatio(t *testing.T) {
	base := time.Now()
	episodes := []trace.RecoveryEpisode{
		makeEpisode("fam-a", "s1", 100000, 360, base),
		makeEpisode("fam-a", "s2", 1000, 150, base.Add(time.Minute)),
	}
	pairs, _ := BuildPairs(episodes, DefaultPairingConfig())
	if len(pairs) != 0 {
		t.Fatalf("expected pair dropped due to excessive wall-time ratio, got %d", len(pairs))
	}
}
