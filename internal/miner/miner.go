// Package miner implements the streaming wrong-turn miner described in
// spec §4.6: it watches per-session tool_result events for fail→fix
// transitions and aggregates recurring fingerprints into artifacts.
package miner

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/vinayprograms/learnloop/internal/signature"
	"github.com/vinayprograms/learnloop/internal/trace"
)

// Window is the number of subsequent tool_result events scanned ahead
// of a failure looking for its resolving success.
const Window = 6

// maxEvidence bounds the evidence event id list per fingerprint; the
// first two ids recorded are never evicted.
const maxEvidence = 8

// RetryThreshold is the near-duplicate threshold for "unchanged retry" detection.
const RetryThreshold = 0.95

type sessionState struct {
	results []trace.Event // ordered tool_result events for this session
	pending []int         // indices into results that are unresolved failures
}

type fingerprint struct {
	id                  string
	failSig             string
	successSig          string
	supportCount        int
	sessionIDs          map[string]struct{}
	evidenceEventIDs     []string
}

// Miner accumulates fail->fix fingerprints across sessions as events
// stream in one at a time.
type Miner struct {
	mu           sync.Mutex
	sessions     map[string]*sessionState
	fingerprints map[string]*fingerprint // keyed by failSig+"⇒"+successSig
}

// New creates an empty Miner.
func New() *Miner {
	return &Miner{
		sessions:     make(map[string]*sessionState),
		fingerprints: make(map[string]*fingerprint),
	}
}

// Ingest feeds one event into the miner. Only tool_result events are
// relevant; all others are no-ops. Safe to call exactly once per event,
// in order, across the lifetime of the miner.
func (m *Miner) Ingest(e trace.Event) {
	if e.Type != trace.EventToolResult {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[e.SessionID]
	if !ok {
		sess = &sessionState{}
		m.sessions[e.SessionID] = sess
	}
	sess.results = append(sess.results, e)
	idx := len(sess.results) - 1
	if e.IsError() {
		sess.pending = append(sess.pending, idx)
	}

	m.resolvePending(e.SessionID, sess)
}

// resolvePending attempts to settle every still-open failure in sess
// now that a new result has arrived.
func (m *Miner) resolvePending(sessionID string, sess *sessionState) {
	stillPending := sess.pending[:0]
	for _, i := range sess.pending {
		available := len(sess.results) - 1 - i
		windowEnd := i + Window
		if windowEnd >= len(sess.results) {
			windowEnd = len(sess.results) - 1
		}

		var success *trace.Event
		for j := i + 1; j <= windowEnd; j++ {
			cand := sess.results[j]
			if cand.IsError() {
				continue
			}
			success = &sess.results[j]
			break
		}

		if success != nil {
			m.recordTransition(sessionID, sess.results[i], *success)
			continue // resolved, drop from pending
		}

		if available >= Window {
			// Window exhausted with no success found; resolved as "no fix".
			continue
		}

		stillPending = append(stillPending, i)
	}
	sess.pending = stillPending
}

func (m *Miner) recordTransition(sessionID string, f, s trace.Event) {
	if isUnchangedRetry(f, s) {
		return
	}

	failSig := computeFailSig(f)
	successSig := computeSuccessSig(s)
	key := failSig + "⇒" + successSig

	fp, ok := m.fingerprints[key]
	if !ok {
		fp = &fingerprint{
			id:         artifactID(failSig, successSig),
			failSig:    failSig,
			successSig: successSig,
			sessionIDs: make(map[string]struct{}),
		}
		m.fingerprints[key] = fp
	}

	fp.supportCount++
	fp.sessionIDs[sessionID] = struct{}{}
	fp.evidenceEventIDs = addEvidence(fp.evidenceEventIDs, f.ID, s.ID)
}

func isUnchangedRetry(f, s trace.Event) bool {
	fc, sc := f.Command(), s.Command()
	if fc == "" || sc == "" {
		return false
	}
	if fc == sc {
		return true
	}
	if signature.NormalizeCommandSignature(fc) == signature.NormalizeCommandSignature(sc) {
		return true
	}
	return signature.AreNearDuplicate(fc, sc, RetryThreshold)
}

func computeFailSig(f trace.Event) string {
	if cmd := f.Command(); cmd != "" {
		return signature.NormalizeCommandSignature(cmd)
	}
	if sigs := signature.ExtractErrorSignatures(f.Text(), 1); len(sigs) > 0 {
		return sigs[0]
	}
	return boundedPrefix(f.Text(), 120)
}

func computeSuccessSig(s trace.Event) string {
	if cmd := s.Command(); cmd != "" {
		return signature.NormalizeCommandSignature(cmd)
	}
	return boundedPrefix(s.Text(), 120)
}

func boundedPrefix(s string, n int) string {
	norm := signature.NormalizeText(s)
	r := []rune(norm)
	if len(r) <= n {
		return norm
	}
	return string(r[:n])
}

func addEvidence(evidence []string, ids ...string) []string {
	evidence = append(evidence, ids...)
	if len(evidence) <= maxEvidence {
		return evidence
	}
	head := append([]string{}, evidence[:2]...)
	tailCount := maxEvidence - 2
	tail := append([]string{}, evidence[len(evidence)-tailCount:]...)
	return append(head, tail...)
}

// artifactID follows spec §3's literal id format: the fail and
// success signatures concatenated under the artifact- prefix.
func artifactID(failSig, successSig string) string {
	return "artifact-" + failSig + "-" + successSig
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func confidenceFor(supportCount, supportSessionCount int) float64 {
	countWeight := clamp01((float64(supportCount) - 1) / 4)
	sessionWeight := clamp01((float64(supportSessionCount) - 1) / 2)
	conf := 0.45 + 0.20*countWeight + 0.25*sessionWeight
	return math.Min(0.9, conf)
}

// Mine returns up to limit artifacts, sorted by supportSessionCount
// desc, supportCount desc, confidence desc, id asc. limit<=0 means no
// cap.
func (m *Miner) Mine(limit int) []trace.MinedArtifact {
	m.mu.Lock()
	defer m.mu.Unlock()

	artifacts := make([]trace.MinedArtifact, 0, len(m.fingerprints))
	for _, fp := range m.fingerprints {
		supportSessionCount := len(fp.sessionIDs)
		conf := confidenceFor(fp.supportCount, supportSessionCount)
		artifacts = append(artifacts, trace.MinedArtifact{
			ID:                  fp.id,
			Kind:                trace.ArtifactKindWrongTurnFix,
			Summary:             summaryFor(fp),
			Confidence:          conf,
			EvidenceEventIDs:    append([]string{}, fp.evidenceEventIDs...),
			SupportCount:        fp.supportCount,
			SupportSessionCount: supportSessionCount,
			CrossSessionSupport: supportSessionCount > 1,
		})
	}

	sort.Slice(artifacts, func(i, j int) bool {
		a, b := artifacts[i], artifacts[j]
		if a.SupportSessionCount != b.SupportSessionCount {
			return a.SupportSessionCount > b.SupportSessionCount
		}
		if a.SupportCount != b.SupportCount {
			return a.SupportCount > b.SupportCount
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return a.ID < b.ID
	})

	if limit > 0 && len(artifacts) > limit {
		artifacts = artifacts[:limit]
	}
	return artifacts
}

func summaryFor(fp *fingerprint) string {
	return fmt.Sprintf("When you hit %q, prefer %q", fp.failSig, fp.successSig)
}
