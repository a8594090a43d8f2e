package watch

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/learnloop/internal/trace"
)

type fakeIngester struct {
	mu     sync.Mutex
	events []trace.Event
}

func (f *fakeIngester) Ingest(e trace.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

func (f *fakeIngester) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func appendLine(t *testing.T, path string, e trace.Event) {
	t.Helper()
	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestWatcherIngestsAppendedEvents(t *testing.T) {
	dir := t.TempDir()
	ing := &fakeIngester{}

	w, err := New(dir, ing)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()
	if err := w.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		w.Run(stop)
		close(done)
	}()

	path := filepath.Join(dir, "sess-1.jsonl")
	appendLine(t, path, trace.Event{ID: "e1", SessionID: "sess-1", Type: trace.EventToolResult})

	deadline := time.Now().Add(3 * time.Second)
	for ing.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}

	close(stop)
	<-done

	if ing.count() != 1 {
		t.Fatalf("expected 1 ingested event, got %d", ing.count())
	}
}

func TestBootstrapSkipsPreexistingEvents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sess-1.jsonl")
	appendLine(t, path, trace.Event{ID: "pre-1", SessionID: "sess-1", Type: trace.EventToolResult})

	ing := &fakeIngester{}
	w, err := New(dir, ing)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()
	if err := w.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		w.Run(stop)
		close(done)
	}()

	appendLine(t, path, trace.Event{ID: "post-1", SessionID: "sess-1", Type: trace.EventToolResult})

	deadline := time.Now().Add(3 * time.Second)
	for ing.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	close(stop)
	<-done

	if ing.count() != 1 {
		t.Fatalf("expected only the post-bootstrap event to be ingested, got %d", ing.count())
	}
	if ing.events[0].ID != "post-1" {
		t.Fatalf("expected post-1, got %s", ing.events[0].ID)
	}
}
