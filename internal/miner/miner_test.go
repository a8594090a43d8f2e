package miner

import (
	"testing"
	"time"

	"github.com/vinayprograms/learnloop/internal/trace"
)

func toolResult(sessionID, id, command, output string, isError bool, t time.Time) trace.Event {
	return trace.Event{
		ID:        id,
		Timestamp: t,
		SessionID: sessionID,
		Type:      trace.EventToolResult,
		Payload: map[string]any{
			"command": command,
			"output":  output,
			"isError": isError,
		},
	}
}

func TestUnchangedRetryProducesNoArtifact(t *testing.T) {
	m := New()
	base := time.Now()

	m.Ingest(toolResult("sess-A", "a1", "pants build target", "command not found", true, base))
	m.Ingest(toolResult("sess-A", "a2", "./pants build target", "build ok", false, base.Add(time.Second)))

	artifacts := m.Mine(10)
	if len(artifacts) != 0 {
		t.Fatalf("expected no artifacts for unchanged retry, got %v", artifacts)
	}
}

func TestCrossSessionSupportAggregatesFingerprint(t *testing.T) {
	m := New()
	base := time.Now()

	// Session A: near-duplicate retry, contributes nothing.
	m.Ingest(toolResult("sess-A", "a1", "pants build target", "command not found", true, base))
	m.Ingest(toolResult("sess-A", "a2", "./pants build target", "build ok", false, base.Add(time.Second)))

	// Sessions B and C: same fail->fix fingerprint, distinct command text change.
	m.Ingest(toolResult("sess-B", "b1", "pants build sophon:auto_eval_job", "command not found", true, base))
	m.Ingest(toolResult("sess-B", "b2", "./pants build sophon:auto_eval_job", "build ok", false, base.Add(time.Second)))

	m.Ingest(toolResult("sess-C", "c1", "pants build sophon:auto_eval_job", "command not found", true, base))
	m.Ingest(toolResult("sess-C", "c2", "./pants build sophon:auto_eval_job", "build ok", false, base.Add(time.Second)))

	artifacts := m.Mine(10)
	if len(artifacts) != 1 {
		t.Fatalf("expected exactly 1 artifact, got %d: %+v", len(artifacts), artifacts)
	}
	a := artifacts[0]
	if a.SupportCount != 2 {
		t.Errorf("supportCount = %d, want 2", a.SupportCount)
	}
	if a.SupportSessionCount != 2 {
		t.Errorf("supportSessionCount = %d, want 2", a.SupportSessionCount)
	}
	if a.Confidence <= 0.45 {
		t.Errorf("confidence = %f, want > 0.45", a.Confidence)
	}
}

func TestMineRanksBySupportSessionThenCount(t *testing.T) {
	m := New()
	base := time.Now()

	// Single-session artifact (should rank lower).
	m.Ingest(toolResult("sess-X", "x1", "npm install foo", "ENOENT no such file", true, base))
	m.Ingest(toolResult("sess-X", "x2", "npm install foo --save", "added 1 package", false, base.Add(time.Second)))

	// Two-session artifact (should rank higher).
	m.Ingest(toolResult("sess-Y", "y1", "go build ./bad", "undefined: Foo", true, base))
	m.Ingest(toolResult("sess-Y", "y2", "go build ./fixed", "ok", false, base.Add(time.Second)))
	m.Ingest(toolResult("sess-Z", "z1", "go build ./bad", "undefined: Foo", true, base))
	m.Ingest(toolResult("sess-Z", "z2", "go build ./fixed", "ok", false, base.Add(time.Second)))

	artifacts := m.Mine(10)
	if len(artifacts) != 2 {
		t.Fatalf("expected 2 artifacts, got %d", len(artifacts))
	}
	if artifacts[0].SupportSessionCount < artifacts[1].SupportSessionCount {
		t.Fatalf("expected artifacts sorted by supportSessionCount desc, got %+v", artifacts)
	}
}

func TestWindowExhaustionDropsFailureWithoutArtifact(t *testing.T) {
	m := New()
	base := time.Now()

	m.Ingest(toolResult("sess-W", "w0", "flaky-cmd", "error", true, base))
	// 6 more failing results, exceeding the lookahead window with no success.
	for i := 1; i <= Window; i++ {
		m.Ingest(toolResult("sess-W", "w"+string(rune('a'+i)), "other-cmd", "still failing", true, base.Add(time.Duration(i)*time.Second)))
	}
	// A later success should NOT retroactively resolve w0 since the window already closed.
	// (The later "other-cmd" failures are still within their own windows of wlate.)
	m.Ingest(toolResult("sess-W", "wlate", "fixed-cmd", "ok", false, base.Add(time.Duration(Window+1)*time.Second)))

	artifacts := m.Mine(10)
	for _, a := range artifacts {
		for _, id := range a.EvidenceEventIDs {
			if id == "w0" {
				t.Fatalf("expected w0 dropped once lookahead window is exhausted, got %+v", artifacts)
			}
		}
	}
}
