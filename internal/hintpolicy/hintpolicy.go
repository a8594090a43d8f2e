// Package hintpolicy implements the hint synthesis policy from spec
// §4.8: a bounded query builder, a retrieval cascade under a time
// budget, a self-filter against the session's own latest input, a
// kind-classified confidence gate, and an ordered slot-filling pass.
package hintpolicy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vinayprograms/learnloop/internal/docbuilder"
	"github.com/vinayprograms/learnloop/internal/fusedindex"
	"github.com/vinayprograms/learnloop/internal/learningloop"
	"github.com/vinayprograms/learnloop/internal/store"
	"github.com/vinayprograms/learnloop/internal/trace"
)

// Kind classifies a candidate hint by its id/title prefix.
type Kind string

const (
	KindArtifact       Kind = "artifact"
	KindFailureWarning Kind = "failure_warning"
	KindRetrieval      Kind = "retrieval"
	KindOther          Kind = "other"
)

// FailureWarningTitle is the exact title that classifies a candidate as
// the failure_warning kind.
const FailureWarningTitle = "Prior failure warning"

var confidenceFloors = map[Kind]float64{
	KindArtifact:       0.45,
	KindFailureWarning: 0.20,
	KindRetrieval:      0.55,
	KindOther:          0.60,
}

// HintMode selects which kinds are eligible for selection.
type HintMode string

const (
	ModeAll          HintMode = "all"
	ModeArtifactOnly HintMode = "artifact_only"
)

// Config tunes the policy. Synthesize replaces the whole config with
// DefaultConfig when MaxSuggestions and QueryMaxChars are both 0;
// otherwise every field is used as given.
type Config struct {
	MaxSuggestions int
	HintMode       HintMode
	QueryMaxChars  int
	PlanTimeout    time.Duration
	TotalTimeout   time.Duration
}

// DefaultConfig returns the policy defaults: a 1200-char query bound
// and 1500ms per-plan / 4000ms total retrieval timeouts, matching
// internal/config's defaults.
func DefaultConfig() Config {
	return Config{
		MaxSuggestions: 3,
		HintMode:       ModeAll,
		QueryMaxChars:  1200,
		PlanTimeout:    1500 * time.Millisecond,
		TotalTimeout:   4000 * time.Millisecond,
	}
}

// Candidate is a not-yet-classified hint candidate.
type Candidate struct {
	ID               string
	Title            string
	Rationale        string
	Confidence       float64
	EvidenceEventIDs []string
	PlaybookMarkdown string
}

// ClassifyKind tags a candidate by its id/title prefix per spec §4.8 step 4.
func ClassifyKind(c Candidate) Kind {
	switch {
	case strings.HasPrefix(c.ID, "artifact-"):
		return KindArtifact
	case c.Title == FailureWarningTitle:
		return KindFailureWarning
	case strings.HasPrefix(c.ID, "retrieval-"):
		return KindRetrieval
	default:
		return KindOther
	}
}

// KindCounters is the per-kind diagnostic breakdown.
type KindCounters struct {
	Available         int
	Filtered          int
	Selected          int
	SuppressedByBudget int
}

// Diagnostics mirrors the checkpoint event's counters.
type Diagnostics struct {
	Truncated                bool
	RetrievalPlansAttempted  int
	RetrievalTimedOut        bool
	RetrievalErrorCount      int
	FallbackToGlobalToolResults bool
	RetrievalScope           string
	OutcomeFilter            string
	RetrievalHintCount       int
	PerKind                  map[Kind]*KindCounters
}

func newDiagnostics() Diagnostics {
	d := Diagnostics{PerKind: make(map[Kind]*KindCounters, 4)}
	for _, k := range []Kind{KindArtifact, KindFailureWarning, KindRetrieval, KindOther} {
		d.PerKind[k] = &KindCounters{}
	}
	return d
}

// BoundQuery collapses whitespace and, if the result exceeds maxChars,
// head-tail splits it: head = first ceil(0.65*max) trimmed chars,
// separator " ... ", tail = remaining budget. Reports truncated=true
// whenever splitting occurred.
func BoundQuery(raw string, maxChars int) (query string, truncated bool) {
	if maxChars < 512 {
		maxChars = 512
	}
	collapsed := strings.Join(strings.Fields(raw), " ")
	r := []rune(collapsed)
	if len(r) <= maxChars {
		return collapsed, false
	}

	const sep = " ... "
	headLen := int(math.Ceil(0.65 * float64(maxChars)))
	if headLen > len(r) {
		headLen = len(r)
	}
	head := strings.TrimSpace(string(r[:headLen]))

	tailBudget := maxChars - len([]rune(head)) - len([]rune(sep))
	if tailBudget < 0 {
		tailBudget = 0
	}
	tailStart := len(r) - tailBudget
	if tailStart < headLen {
		tailStart = headLen
	}
	tail := strings.TrimSpace(string(r[tailStart:]))

	return head + sep + tail, true
}

// Plan is one retrieval attempt in the cascade.
type Plan struct {
	Filter           trace.Filter
	Scope            string
	OutcomeFilter    string
	FallbackToGlobal bool
}

// BuildPlans constructs the ordered retrieval cascade for a session,
// preferring SWE-bench-scoped plans when sessionId matches the
// reserved naming convention.
func BuildPlans(sessionID string) []Plan {
	instance, _, _, isSwebench := docbuilder.ParseSwebenchSession(sessionID)
	if isSwebench {
		return []Plan{
			{
				Filter:        trace.Filter{"eventType": trace.EventToolResult, "swebenchInstanceId": instance, "isError": false},
				Scope:         "swebench",
				OutcomeFilter: "non-error",
			},
			{
				Filter:        trace.Filter{"eventType": trace.EventToolResult, "swebenchInstanceId": instance},
				Scope:         "swebench",
				OutcomeFilter: "any",
			},
			{
				Filter:           trace.Filter{"eventType": trace.EventToolResult, "isError": false},
				Scope:            "global",
				OutcomeFilter:    "non-error",
				FallbackToGlobal: true,
			},
			{
				Filter:           trace.Filter{"eventType": trace.EventToolResult},
				Scope:            "global",
				OutcomeFilter:    "any",
				FallbackToGlobal: true,
			},
		}
	}
	return []Plan{
		{Filter: trace.Filter{"eventType": trace.EventToolResult, "isError": false}, Scope: "global", OutcomeFilter: "non-error"},
		{Filter: trace.Filter{"eventType": trace.EventToolResult}, Scope: "global", OutcomeFilter: "any"},
	}
}

// RunCascade executes plans in order under a total time budget and a
// per-plan timeout, stopping at the first plan that returns a
// non-empty result.
func RunCascade(ctx context.Context, loop *learningloop.Loop, plans []Plan, query string, limit int, cfg Config) ([]fusedindex.Result, Diagnostics) {
	diag := newDiagnostics()

	totalCtx, cancel := context.WithTimeout(ctx, cfg.TotalTimeout)
	defer cancel()

	for _, p := range plans {
		select {
		case <-totalCtx.Done():
			diag.RetrievalTimedOut = true
			return nil, diag
		default:
		}

		diag.RetrievalPlansAttempted++
		planCtx, planCancel := context.WithTimeout(totalCtx, cfg.PlanTimeout)
		results, err := loop.Retrieve(planCtx, learningloop.Query{Text: query, Filter: p.Filter, Limit: limit})
		planCancel()

		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				diag.RetrievalTimedOut = true
				return nil, diag
			}
			diag.RetrievalErrorCount++
			continue
		}

		if len(results) > 0 {
			diag.FallbackToGlobalToolResults = p.FallbackToGlobal
			diag.RetrievalScope = p.Scope
			diag.OutcomeFilter = p.OutcomeFilter
			return results, diag
		}
	}
	return nil, diag
}

// MostRecentUserInputID returns the id of the latest user_input event
// by timestamp, or "" if none are present.
func MostRecentUserInputID(events []trace.Event) string {
	var latest trace.Event
	found := false
	for _, e := range events {
		if e.Type != trace.EventUserInput {
			continue
		}
		if !found || e.Timestamp.After(latest.Timestamp) {
			latest = e
			found = true
		}
	}
	if !found {
		return ""
	}
	return latest.ID
}

// SelfFilter drops candidates whose evidence includes excludeEventID.
func SelfFilter(candidates []Candidate, excludeEventID string) []Candidate {
	if excludeEventID == "" {
		return candidates
	}
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if containsString(c.EvidenceEventIDs, excludeEventID) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Gate classifies and confidence-floors candidates, returning the
// eligible candidates grouped by kind (sorted by confidence desc, id
// asc) and the per-kind available/filtered diagnostics.
func Gate(candidates []Candidate, mode HintMode) (map[Kind][]Candidate, Diagnostics) {
	diag := newDiagnostics()
	eligible := make(map[Kind][]Candidate, 4)

	for _, c := range candidates {
		k := ClassifyKind(c)
		diag.PerKind[k].Available++

		if mode == ModeArtifactOnly && k != KindArtifact {
			diag.PerKind[k].Filtered++
			continue
		}
		if c.Confidence < confidenceFloors[k] {
			diag.PerKind[k].Filtered++
			continue
		}
		eligible[k] = append(eligible[k], c)
	}

	for k, list := range eligible {
		sorted := append([]Candidate{}, list...)
		sort.SliceStable(sorted, func(i, j int) bool {
			if sorted[i].Confidence != sorted[j].Confidence {
				return sorted[i].Confidence > sorted[j].Confidence
			}
			return sorted[i].ID < sorted[j].ID
		})
		eligible[k] = sorted
	}

	return eligible, diag
}

// SlotFill fills hint slots in priority order: up to 1 artifact, up to
// 1 failure_warning, retrieval up to 1 if an artifact was selected
// (else unbounded by kind), then other — stopping at maxSuggestions.
// In artifact_only mode only the artifact stage runs.
func SlotFill(eligible map[Kind][]Candidate, diag *Diagnostics, maxSuggestions int, mode HintMode) []Candidate {
	var selected []Candidate
	budgetLeft := maxSuggestions

	selectFromKind := func(k Kind, cap int) {
		list := eligible[k]
		taken := 0
		for _, c := range list {
			if taken >= cap || budgetLeft <= 0 {
				diag.PerKind[k].SuppressedByBudget++
				continue
			}
			selected = append(selected, c)
			diag.PerKind[k].Selected++
			taken++
			budgetLeft--
		}
	}

	selectFromKind(KindArtifact, 1)
	if mode == ModeArtifactOnly {
		return selected
	}

	selectFromKind(KindFailureWarning, 1)

	retrievalCap := len(eligible[KindRetrieval])
	if diag.PerKind[KindArtifact].Selected > 0 {
		retrievalCap = 1
	}
	selectFromKind(KindRetrieval, retrievalCap)

	selectFromKind(KindOther, len(eligible[KindOther]))

	diag.RetrievalHintCount = diag.PerKind[KindRetrieval].Selected
	return selected
}

// Render formats a selected candidate per spec §4.8 step 6.
func Render(c Candidate) string {
	pct := int(math.Round(c.Confidence * 100))
	return fmt.Sprintf("%s (confidence %s%%). Action: %s", c.Rationale, strconv.Itoa(pct), firstBulletActionClipped120(c.PlaybookMarkdown))
}

func firstBulletActionClipped120(playbook string) string {
	for _, line := range strings.Split(playbook, "\n") {
		trimmed := strings.TrimSpace(line)
		trimmed = strings.TrimPrefix(trimmed, "- ")
		trimmed = strings.TrimPrefix(trimmed, "* ")
		if trimmed == "" {
			continue
		}
		r := []rune(trimmed)
		if len(r) > 120 {
			return string(r[:120])
		}
		return trimmed
	}
	return ""
}

// Result is the outcome of a full Synthesize pass.
type Result struct {
	Hints       []string
	Selected    []Candidate
	Diagnostics Diagnostics
}

// Synthesize runs the complete hint-policy state machine: bounded
// query, retrieval cascade, self-filter, classify/gate, slot fill, and
// checkpoint emission. It is always best-effort: a failure in
// retrieval never aborts the turn, it degrades to whatever evidence
// was gathered.
func Synthesize(ctx context.Context, loop *learningloop.Loop, sessionID, rawPrompt string, artifactCandidates, failureWarningCandidates []Candidate, cfg Config) Result {
	if cfg.MaxSuggestions == 0 && cfg.QueryMaxChars == 0 {
		cfg = DefaultConfig()
	}

	query, truncated := BoundQuery(rawPrompt, cfg.QueryMaxChars)
	plans := BuildPlans(sessionID)
	retrieved, cascadeDiag := RunCascade(ctx, loop, plans, query, cfg.MaxSuggestions+2, cfg)
	cascadeDiag.Truncated = truncated

	candidates := append([]Candidate{}, artifactCandidates...)
	candidates = append(candidates, failureWarningCandidates...)
	for _, r := range retrieved {
		candidates = append(candidates, retrievalCandidate(r))
	}

	excludeID := ""
	if loop != nil {
		if events, err := loop.Store().Query(store.Filter{SessionID: sessionID, Type: trace.EventUserInput}); err == nil {
			excludeID = MostRecentUserInputID(events)
		}
	}
	candidates = SelfFilter(candidates, excludeID)

	eligible, diag := Gate(candidates, cfg.HintMode)
	diag.Truncated = cascadeDiag.Truncated
	diag.RetrievalPlansAttempted = cascadeDiag.RetrievalPlansAttempted
	diag.RetrievalTimedOut = cascadeDiag.RetrievalTimedOut
	diag.RetrievalErrorCount = cascadeDiag.RetrievalErrorCount
	diag.FallbackToGlobalToolResults = cascadeDiag.FallbackToGlobalToolResults
	diag.RetrievalScope = cascadeDiag.RetrievalScope
	diag.OutcomeFilter = cascadeDiag.OutcomeFilter

	selected := SlotFill(eligible, &diag, cfg.MaxSuggestions, cfg.HintMode)

	hints := make([]string, 0, len(selected))
	for _, c := range selected {
		hints = append(hints, Render(c))
	}

	if loop != nil {
		_ = loop.Ingest(checkpointEvent(sessionID, diag))
	}

	return Result{Hints: hints, Selected: selected, Diagnostics: diag}
}

// retrievalCandidate converts a fused search hit into a retrieval-kind
// candidate. Confidence is a monotone squash of the RRF score into
// (0,1); the squash constant is an implementation detail (spec leaves
// the exact token-proxy-style weighting unspecified for scores too).
func retrievalCandidate(r fusedindex.Result) Candidate {
	const squash = 0.01
	conf := r.Score / (r.Score + squash)
	text := r.Doc.Text
	if len(text) > 200 {
		text = text[:200]
	}
	return Candidate{
		ID:               "retrieval-" + r.DocID,
		Title:            "Related past attempt",
		Rationale:        "Found a related prior attempt",
		Confidence:       conf,
		EvidenceEventIDs: []string{r.Doc.SourceEventID},
		PlaybookMarkdown: "- Review: " + text,
	}
}

func checkpointEvent(sessionID string, diag Diagnostics) trace.Event {
	payload := map[string]any{
		"truncated":                   diag.Truncated,
		"retrievalPlansAttempted":     diag.RetrievalPlansAttempted,
		"retrievalTimedOut":           diag.RetrievalTimedOut,
		"retrievalErrorCount":         diag.RetrievalErrorCount,
		"fallbackToGlobalToolResults": diag.FallbackToGlobalToolResults,
		"retrievalScope":              diag.RetrievalScope,
		"outcomeFilter":               diag.OutcomeFilter,
		"retrievalHintCount":          diag.RetrievalHintCount,
	}
	for k, counters := range diag.PerKind {
		prefix := string(k)
		payload[prefix+"Available"] = counters.Available
		payload[prefix+"Filtered"] = counters.Filtered
		payload[prefix+"Selected"] = counters.Selected
		payload[prefix+"SuppressedByBudget"] = counters.SuppressedByBudget
	}
	return trace.Event{
		ID:        "checkpoint-" + uuid.NewString(),
		Timestamp: time.Now(),
		SessionID: sessionID,
		Type:      trace.EventCheckpoint,
		Payload:   payload,
	}
}
