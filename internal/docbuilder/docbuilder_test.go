package docbuilder

import (
	"testing"
	"time"

	"github.com/vinayprograms/learnloop/internal/trace"
)

func sampleEvent() trace.Event {
	return trace.Event{
		ID:        "evt-1",
		Timestamp: time.Now(),
		SessionID: "sess-1",
		Type:      trace.EventToolResult,
		Payload: map[string]any{
			"command": "pytest tests",
			"output":  "Command failed\nmore output",
			"isError": true,
		},
		Metrics: &trace.Metrics{Outcome: trace.OutcomeFailure},
	}
}

func TestBuildDeterministic(t *testing.T) {
	b := New()
	e := sampleEvent()
	d1 := b.Build(e)
	d2 := b.Build(e)
	if len(d1) != len(d2) {
		t.Fatalf("document count differs across runs: %d vs %d", len(d1), len(d2))
	}
	for i := range d1 {
		if d1[i].Text != d2[i].Text {
			t.Errorf("doc %d text differs: %q vs %q", i, d1[i].Text, d2[i].Text)
		}
		if d1[i].ID != d2[i].ID {
			t.Errorf("doc %d id differs", i)
		}
	}
}

func TestBuildBaseMetadata(t *testing.T) {
	b := New()
	docs := b.Build(sampleEvent())
	base := docs[0]
	if base.ID != "evt-1:base" {
		t.Fatalf("unexpected base id: %s", base.ID)
	}
	if base.MetaString("eventType") != trace.EventToolResult {
		t.Fatalf("eventType metadata missing/wrong")
	}
	if !base.MetaBool("isError") {
		t.Fatalf("isError metadata should be true")
	}
}

func TestBuildSwebenchMetadata(t *testing.T) {
	b := New()
	e := sampleEvent()
	e.SessionID = "swebench::django__django-1234::base::0"
	docs := b.Build(e)
	base := docs[0]
	if base.MetaString("swebenchInstanceId") != "django__django-1234" {
		t.Fatalf("swebenchInstanceId = %q", base.MetaString("swebenchInstanceId"))
	}
	if base.MetaString("swebenchVariant") != "base" {
		t.Fatalf("swebenchVariant = %q", base.MetaString("swebenchVariant"))
	}
	if base.MetaString("swebenchReplicate") != "0" {
		t.Fatalf("swebenchReplicate = %q", base.MetaString("swebenchReplicate"))
	}
}

func TestBuildCommandVariant(t *testing.T) {
	b := New()
	docs := b.Build(sampleEvent())
	if len(docs) != 2 {
		t.Fatalf("expected base + command variant, got %d docs", len(docs))
	}
	if docs[1].ID != "evt-1:command" {
		t.Fatalf("unexpected variant id: %s", docs[1].ID)
	}
}
