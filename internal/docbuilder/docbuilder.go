// Package docbuilder projects trace events into retrieval documents.
// Grounded on the teacher's internal/memory.ObservationDocument / extractKeywords
// shape, reworked into the spec's deterministic text-projection contract (§4.2).
package docbuilder

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/vinayprograms/learnloop/internal/trace"
)

// Builder builds IndexedDocuments from trace events.
type Builder struct{}

// New creates a document Builder.
func New() *Builder { return &Builder{} }

var swebenchSessionRe = regexp.MustCompile(`^swebench::([^:]+)::([^:]+)(?:::([^:]+))?$`)

// Build constructs the base document, plus any specialized variants,
// for one event. Build is deterministic: equal input always yields
// byte-identical output.
func (b *Builder) Build(e trace.Event) []trace.IndexedDocument {
	docs := []trace.IndexedDocument{b.buildBase(e)}
	if e.Type == trace.EventToolResult && e.Command() != "" {
		docs = append(docs, b.buildCommandVariant(e))
	}
	return docs
}

func (b *Builder) buildBase(e trace.Event) trace.IndexedDocument {
	return trace.IndexedDocument{
		ID:            e.ID + ":base",
		SourceEventID: e.ID,
		Text:          projectText(e),
		Metadata:      projectMetadata(e),
	}
}

// buildCommandVariant emits a tool-result-with-command variant that
// weights the command text above the raw output, useful to retrieval
// plans that specifically search for "what command fixed this".
func (b *Builder) buildCommandVariant(e trace.Event) trace.IndexedDocument {
	text := fmt.Sprintf("%s %s", e.Command(), e.Command())
	if out := e.Text(); out != "" {
		text += " " + firstLine(out)
	}
	return trace.IndexedDocument{
		ID:            e.ID + ":command",
		SourceEventID: e.ID,
		Text:          text,
		Metadata:      projectMetadata(e),
	}
}

// projectText builds the deterministic text projection: command, then
// the first line of any output, then the raw payload JSON (stable key
// order via encoding/json map sorting).
func projectText(e trace.Event) string {
	var parts []string
	if cmd := e.Command(); cmd != "" {
		parts = append(parts, cmd)
	}
	if out := e.Text(); out != "" {
		parts = append(parts, firstLine(out))
	}
	if len(e.Payload) > 0 {
		if data, err := json.Marshal(e.Payload); err == nil {
			parts = append(parts, string(data))
		}
	}
	return strings.Join(parts, " ")
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

// projectMetadata builds the flat metadata map, populating the
// reserved swebench* keys when sessionId matches the documented
// naming convention swebench::<instance>::<variant>::<replicate?>.
func projectMetadata(e trace.Event) map[string]any {
	meta := map[string]any{
		"eventType": e.Type,
	}
	if e.Type == trace.EventToolResult {
		meta["isError"] = e.IsError()
	}
	if toolName := e.PayloadString("toolName"); toolName != "" {
		meta["toolName"] = toolName
	}
	if e.Metrics != nil && e.Metrics.Outcome != "" {
		meta["outcome"] = e.Metrics.Outcome
	}

	if instance, variant, replicate, ok := ParseSwebenchSession(e.SessionID); ok {
		meta["swebenchInstanceId"] = instance
		meta["swebenchVariant"] = variant
		if replicate != "" {
			meta["swebenchReplicate"] = replicate
		}
	}
	return meta
}

// ParseSwebenchSession extracts the reserved swebench::<instance>::<variant>::<replicate?>
// session naming convention, reused by the hint policy's retrieval cascade.
func ParseSwebenchSession(sessionID string) (instance, variant, replicate string, ok bool) {
	m := swebenchSessionRe.FindStringSubmatch(sessionID)
	if m == nil {
		return "", "", "", false
	}
	return m[1], m[2], m[3], true
}
