package tui

import (
	"fmt"
	"strings"

	"github.com/vinayprograms/learnloop/internal/evalgate"
	"github.com/vinayprograms/learnloop/internal/hintpolicy"
	"github.com/vinayprograms/learnloop/internal/trace"
	"github.com/vinayprograms/learnloop/internal/trajgate"
)

// RenderHints formats the hint-synthesis policy's rendered output
// (hintpolicy.Render strings) plus their diagnostics into one report.
func RenderHints(sessionID string, hints []string, diag hintpolicy.Diagnostics) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", sectionStyle.Render("Hints for "+sessionID))
	if len(hints) == 0 {
		b.WriteString(dimStyle.Render("(no hints selected)") + "\n")
	}
	for i, h := range hints {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, h)
	}
	b.WriteString("\n" + labelStyle.Render("diagnostics") + "\n")
	fmt.Fprintf(&b, "  scope=%s outcome_filter=%s plans_attempted=%d timed_out=%v errors=%d truncated=%v fallback_to_global=%v\n",
		diag.RetrievalScope, diag.OutcomeFilter, diag.RetrievalPlansAttempted, diag.RetrievalTimedOut,
		diag.RetrievalErrorCount, diag.Truncated, diag.FallbackToGlobalToolResults)
	for _, k := range []hintpolicy.Kind{hintpolicy.KindArtifact, hintpolicy.KindFailureWarning, hintpolicy.KindRetrieval, hintpolicy.KindOther} {
		c := diag.PerKind[k]
		if c == nil {
			continue
		}
		fmt.Fprintf(&b, "  %-16s available=%d filtered=%d selected=%d suppressed_by_budget=%d\n",
			k, c.Available, c.Filtered, c.Selected, c.SuppressedByBudget)
	}
	return b.String()
}

// RenderArtifacts formats a mined-artifact list (internal/miner.Mine output).
func RenderArtifacts(artifacts []trace.MinedArtifact) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", sectionStyle.Render(fmt.Sprintf("Mined artifacts (%d)", len(artifacts))))
	for _, a := range artifacts {
		fmt.Fprintf(&b, "  %s %s\n", confidenceStyle.Render(fmt.Sprintf("[%3d%%]", int(a.Confidence*100+0.5))), a.Summary)
		fmt.Fprintf(&b, "    support=%d sessions=%d cross_session=%v id=%s\n",
			a.SupportCount, a.SupportSessionCount, a.CrossSessionSupport, a.ID)
	}
	return b.String()
}

// RenderGate formats an observed A/B gate result.
func RenderGate(label string, agg evalgate.Aggregate, result evalgate.GateResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", sectionStyle.Render("Observed gate: "+label))
	fmt.Fprintf(&b, "  pairs=%d dead_end_off=%.3f dead_end_on=%.3f\n", agg.NPairs, agg.RepeatedDeadEndRateOff, agg.RepeatedDeadEndRateOn)
	fmt.Fprintf(&b, "  relative reductions: dead_end=%.3f wall_time=%.3f token_count=%.3f token_proxy=%.3f\n",
		agg.RelativeDeadEndReduction, agg.RelativeWallTimeReduction, agg.RelativeTokenCountReduction, agg.RelativeTokenProxyReduction)
	fmt.Fprintf(&b, "  recovery success rate: off=%.3f on=%.3f delta=%+.3f\n", agg.RecoverySuccessRateOff, agg.RecoverySuccessRateOn, agg.AbsRecoveryDelta)
	b.WriteString("\n" + renderVerdict(result) + "\n")
	return b.String()
}

// RenderTrajectoryGate formats a trajectory-outcome gate result.
func RenderTrajectoryGate(label string, agg trajgate.Aggregate, result evalgate.GateResult) string {
	var b strings.Builder
	b.WriteString(RenderGate(label, agg.Aggregate, evalgate.GateResult{}))
	fmt.Fprintf(&b, "  harmful retries: off=%d on=%d relative_reduction=%.3f\n", agg.HarmfulRetriesOff, agg.HarmfulRetriesOn, agg.RelativeHarmfulReduction)
	fmt.Fprintf(&b, "  judgeable coverage: off=%.3f on=%.3f\n", agg.JudgeableCoverageOff, agg.JudgeableCoverageOn)
	b.WriteString("\n" + renderVerdict(result) + "\n")
	return b.String()
}

func renderVerdict(result evalgate.GateResult) string {
	if result.Pass {
		return passStyle.Render("PASS")
	}
	var b strings.Builder
	b.WriteString(failStyle.Render("FAIL") + "\n")
	for _, f := range result.Failures {
		b.WriteString("  - " + f + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// RenderBootstrap formats a paired-bootstrap confidence interval report.
func RenderBootstrap(result evalgate.BootstrapResult) string {
	var b strings.Builder
	b.WriteString(sectionStyle.Render("Bootstrap confidence intervals") + "\n\n")
	rows := []struct {
		name string
		iv   evalgate.Interval
	}{
		{"dead_end_reduction", result.DeadEndReduction},
		{"wall_time_reduction", result.WallTimeReduction},
		{"token_count_reduction", result.TokenCountReduction},
		{"token_proxy_reduction", result.TokenProxyReduction},
		{"dead_ends_avoided", result.DeadEndsAvoided},
	}
	for _, r := range rows {
		fmt.Fprintf(&b, "  %-22s low=%.4f median=%.4f high=%.4f\n", r.name, r.iv.Low, r.iv.Median, r.iv.High)
	}
	return b.String()
}
