// Package gatereport renders the observed A/B gate and the
// trajectory-outcome gate into the structured document spec §6.4
// describes: thresholds, pairing config/diagnostics, the pairs
// themselves, both gates' aggregates and trust summaries, their
// pass/fail results, and the model/tool-surface/cross-product strata.
package gatereport

import (
	"gopkg.in/yaml.v3"

	"github.com/vinayprograms/learnloop/internal/episode"
	"github.com/vinayprograms/learnloop/internal/evalgate"
	"github.com/vinayprograms/learnloop/internal/trace"
	"github.com/vinayprograms/learnloop/internal/trajgate"
)

// GateResult is the §6.4 {pass, failures[]} shape shared by both gates.
type GateResult struct {
	Pass     bool     `yaml:"pass"`
	Failures []string `yaml:"failures,omitempty"`
}

func toGateResult(r evalgate.GateResult) GateResult {
	return GateResult{Pass: r.Pass, Failures: r.Failures}
}

// Thresholds carries both gates' configured thresholds.
type Thresholds struct {
	Observed   evalgate.Thresholds `yaml:"observed"`
	Trajectory trajgate.Thresholds `yaml:"trajectory"`
}

// TrajectorySection nests the trajectory-outcome gate's own
// aggregate, bootstrap trust summary and gate result, since it shares
// the same pairs and pairing diagnostics as the observed gate.
type TrajectorySection struct {
	Aggregate    trajgate.Aggregate `yaml:"aggregate"`
	TrustSummary evalgate.Interval  `yaml:"trustSummary"`
	GateResult   GateResult         `yaml:"gateResult"`
}

// Strata holds the §4.10 stratified variants: per-model,
// per-tool-surface, and their cross product.
type Strata struct {
	Model            []evalgate.Stratum `yaml:"model,omitempty"`
	ToolSurface      []evalgate.Stratum `yaml:"toolSurface,omitempty"`
	ModelToolSurface []evalgate.Stratum `yaml:"modelToolSurface,omitempty"`
}

// Report is the §6.4 gate report for one labeled run.
type Report struct {
	Label              string                     `yaml:"label"`
	Thresholds         Thresholds                 `yaml:"thresholds"`
	Pairing            episode.PairingConfig      `yaml:"pairing"`
	PairingDiagnostics episode.PairingDiagnostics `yaml:"pairingDiagnostics"`
	Episodes           int                        `yaml:"episodes"`
	Pairs              []trace.FailurePair        `yaml:"pairs"`
	Aggregate          evalgate.Aggregate         `yaml:"aggregate"`
	TrustSummary       evalgate.BootstrapResult   `yaml:"trustSummary"`
	GateResult         GateResult                 `yaml:"gateResult"`
	Trajectory         TrajectorySection          `yaml:"trajectory"`
	Strata             Strata                     `yaml:"strata,omitempty"`
}

// Input collects everything the CLI's gate command has already
// computed; Build just reshapes it into the report document.
type Input struct {
	Label                string
	Pairing              episode.PairingConfig
	PairingDiagnostics   episode.PairingDiagnostics
	Episodes             int
	Pairs                []trace.FailurePair
	ObservedThresholds   evalgate.Thresholds
	Observed             evalgate.Aggregate
	ObservedResult       evalgate.GateResult
	ObservedTrust        evalgate.BootstrapResult
	TrajectoryThresholds trajgate.Thresholds
	Trajectory           trajgate.Aggregate
	TrajectoryResult     evalgate.GateResult
	TrajectoryTrust      evalgate.Interval
	StrataByModel            []evalgate.Stratum
	StrataByToolSurface      []evalgate.Stratum
	StrataByModelToolSurface []evalgate.Stratum
}

// Build assembles a Report from already-computed gate results.
func Build(in Input) Report {
	return Report{
		Label: in.Label,
		Thresholds: Thresholds{
			Observed:   in.ObservedThresholds,
			Trajectory: in.TrajectoryThresholds,
		},
		Pairing:            in.Pairing,
		PairingDiagnostics: in.PairingDiagnostics,
		Episodes:           in.Episodes,
		Pairs:              in.Pairs,
		Aggregate:          in.Observed,
		TrustSummary:       in.ObservedTrust,
		GateResult:         toGateResult(in.ObservedResult),
		Trajectory: TrajectorySection{
			Aggregate:    in.Trajectory,
			TrustSummary: in.TrajectoryTrust,
			GateResult:   toGateResult(in.TrajectoryResult),
		},
		Strata: Strata{
			Model:            in.StrataByModel,
			ToolSurface:      in.StrataByToolSurface,
			ModelToolSurface: in.StrataByModelToolSurface,
		},
	}
}

// ToYAML encodes a report to its YAML document bytes.
func ToYAML(r Report) ([]byte, error) {
	return yaml.Marshal(r)
}
