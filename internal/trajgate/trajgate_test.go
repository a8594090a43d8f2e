package trajgate

import (
	"strings"
	"testing"

	"github.com/vinayprograms/learnloop/internal/evalgate"
	"github.com/vinayprograms/learnloop/internal/trace"
)

func pair(family, offID, onID string, offRetries, onRetries int, offKinds, onKinds []string) trace.FailurePair {
	return trace.FailurePair{
		Family: family,
		Off: trace.RecoveryEpisode{
			SessionID: "off-" + offID, StartEventID: offID,
			Retries: offRetries, FailureKinds: offKinds, Success: true,
		},
		On: trace.RecoveryEpisode{
			SessionID: "on-" + onID, StartEventID: onID,
			Retries: onRetries, FailureKinds: onKinds, Success: true,
		},
	}
}

func toolResult(id, command, output string, isError bool) trace.Event {
	return trace.Event{
		ID:   id,
		Type: trace.EventToolResult,
		Payload: map[string]any{
			"command": command,
			"output":  output,
			"isError": isError,
		},
	}
}

func TestClassifyPrecedence(t *testing.T) {
	cases := []struct {
		name    string
		event   trace.Event
		want    Kind
		harmful bool
	}{
		{"transient", toolResult("e1", "curl https://api", "connection reset by peer", true), KindTransientExternal, false},
		{"benign probe", toolResult("e2", "grep foo file.txt", "no matches found", true), KindBenignProbe, false},
		{"command mismatch", toolResult("e3", "mytool --frobnicate", "unknown option --frobnicate", true), KindCommandMismatch, true},
		{"environment mismatch", toolResult("e4", "foo-cli run", "command not found: foo-cli", true), KindEnvironmentMismatch, true},
		{"missing context", toolResult("e5", "python run.py", "Traceback (most recent call last):\nKeyError: 'x'", true), KindMissingContext, true},
		{"unknown", toolResult("e6", "do-thing", "something odd happened", true), KindUnknownFailure, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			v := Classify(c.event)
			if v.Kind != c.want {
				t.Errorf("Classify() kind = %q, want %q", v.Kind, c.want)
			}
			if v.Harmful != c.harmful {
				t.Errorf("Classify() harmful = %v, want %v", v.Harmful, c.harmful)
			}
		})
	}
}

func TestClassifyUnknownAbstains(t *testing.T) {
	v := Classify(toolResult("e1", "do-thing", "mystery failure", true))
	if !v.Abstained {
		t.Fatal("expected unknown_failure to abstain")
	}
}

func TestJudgeableCoverageZeroRetries(t *testing.T) {
	if got := JudgeableCoverage(0, 0); got != 1.0 {
		t.Errorf("JudgeableCoverage(0,0) = %f, want 1.0", got)
	}
}

// TestTrajectoryCoverageFailureScenario6 reproduces spec scenario 6:
// a single pair with one abstained failure OFF and zero ON, gated at
// minJudgeableCoverage=0.8, must fail with a "judgeable coverage off"
// failure entry.
func TestTrajectoryCoverageFailureScenario6(t *testing.T) {
	pairs := []trace.FailurePair{
		{
			Off: trace.RecoveryEpisode{
				StartEventID: "f1", Retries: 1, FailureKinds: []string{string(KindUnknownFailure)}, Success: true,
			},
			On: trace.RecoveryEpisode{
				StartEventID: "s1", Retries: 0, FailureKinds: nil, Success: true,
			},
		},
	}

	agg := ComputeAggregate(pairs)

	baseTh := evalgate.DefaultThresholds()
	baseTh.MinPairCount = 1
	th := Thresholds{MinRelativeHarmfulRetryReduction: 0.20, MinJudgeableCoverage: 0.8}

	result := EvaluateGate(agg, baseTh, th)
	if result.Pass {
		t.Fatalf("expected gate failure, got pass with aggregate %+v", agg)
	}

	found := false
	for _, f := range result.Failures {
		if strings.HasPrefix(f, "judgeable coverage off") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a failure beginning %q, got %v", "judgeable coverage off", result.Failures)
	}
}

func TestClassifyEpisodePopulatesFailureKinds(t *testing.T) {
	results := []trace.Event{
		toolResult("f1", "pytest --badflag", "unknown option --badflag", true),
		toolResult("s1", "pytest", "1 passed", false),
	}
	ep := trace.RecoveryEpisode{StartEventID: "f1", EndEventID: "s1", EventIDs: []string{"f1", "s1"}}
	classified := ClassifyEpisode(results, ep)
	if len(classified.FailureKinds) != 1 || classified.FailureKinds[0] != string(KindCommandMismatch) {
		t.Fatalf("expected 1 command_mismatch failure kind, got %v", classified.FailureKinds)
	}
}

// TestBootstrapDeterministic mirrors evalgate's own bootstrap determinism
// test: spec §4.11 requires the same bootstrap discipline as §4.10.
func TestBootstrapDeterministic(t *testing.T) {
	pairs := []trace.FailurePair{
		pair("fam", "f1", "s1", 2, 0, []string{string(KindCommandMismatch), string(KindCommandMismatch)}, nil),
		pair("fam", "f2", "s2", 1, 1, []string{string(KindEnvironmentMismatch)}, []string{string(KindBenignProbe)}),
		pair("fam", "f3", "s3", 3, 0, []string{string(KindMissingContext), string(KindCommandMismatch), string(KindCommandMismatch)}, nil),
	}
	cfg := evalgate.BootstrapConfig{Samples: 200, ConfidenceLevel: 0.9, Seed: 42}

	r1 := RunBootstrap(pairs, cfg)
	r2 := RunBootstrap(pairs, cfg)

	if r1 != r2 {
		t.Fatalf("trajectory bootstrap not bit-identical across runs: %+v vs %+v", r1, r2)
	}
}

// TestBootstrapEmptyPairsYieldsZeroInterval guards the n==0 short circuit.
func TestBootstrapEmptyPairsYieldsZeroInterval(t *testing.T) {
	got := RunBootstrap(nil, evalgate.BootstrapConfig{Samples: 100, ConfidenceLevel: 0.9, Seed: 7})
	if got != (evalgate.Interval{}) {
		t.Fatalf("expected zero interval for no pairs, got %+v", got)
	}
}
