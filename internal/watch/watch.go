// Package watch drives auto-ingest from a live trace-store sessions
// directory, grounded on the teacher's fsnotify-based live pager
// (internal/replay/pager.go's RunLive/watchFile).
package watch

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vinayprograms/learnloop/internal/logutil"
	"github.com/vinayprograms/learnloop/internal/trace"
)

// Debounce is how long the watcher waits after the last write burst to
// a file before re-reading it, matching the teacher pager's 100ms
// write-settle sleep.
const Debounce = 100 * time.Millisecond

// Ingester is the subset of learningloop.Loop the watcher drives.
type Ingester interface {
	Ingest(event trace.Event) error
}

// Watcher tails every *.jsonl file under a sessions directory and
// feeds newly appended lines, parsed as trace.Event, to an Ingester.
type Watcher struct {
	sessionsDir string
	ingest      Ingester
	log         *logutil.Logger

	fsw *fsnotify.Watcher

	offsetsMu sync.Mutex
	offsets   map[string]int64 // absolute path -> bytes already consumed
}

// New creates a Watcher over sessionsDir (the store's "sessions"
// subdirectory), feeding parsed events to ingest.
func New(sessionsDir string, ingest Ingester) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(sessionsDir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch: watch dir %s: %w", sessionsDir, err)
	}
	return &Watcher{
		sessionsDir: sessionsDir,
		ingest:      ingest,
		log:         logutil.New().WithComponent("watch"),
		fsw:         fsw,
		offsets:     make(map[string]int64),
	}, nil
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// Bootstrap stats every existing *.jsonl file under sessionsDir,
// without reading its contents, recording each file's current length
// as its consumed offset, so Run only ingests events appended after
// startup.
func (w *Watcher) Bootstrap() error {
	entries, err := os.ReadDir(w.sessionsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("watch: list sessions dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".jsonl") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(w.sessionsDir, name)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		w.offsetsMu.Lock()
		w.offsets[path] = info.Size()
		w.offsetsMu.Unlock()
	}
	return nil
}

// Run blocks, ingesting newly appended events until stop is closed or
// the watcher errors out permanently. Malformed lines are dropped and
// logged, matching the store's own tolerance for malformed JSONL.
func (w *Watcher) Run(stop <-chan struct{}) error {
	pending := make(map[string]*time.Timer)
	fire := make(chan string, 16)

	defer func() {
		for _, t := range pending {
			t.Stop()
		}
	}()

	for {
		select {
		case <-stop:
			return nil

		case path := <-fire:
			delete(pending, path)
			if err := w.consume(path); err != nil {
				w.log.Warn("consume failed", map[string]any{"path": path, "error": err.Error()})
			}

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(event.Name, ".jsonl") {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if t, ok := pending[event.Name]; ok {
				t.Stop()
			}
			path := event.Name
			pending[path] = time.AfterFunc(Debounce, func() { fire <- path })

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("fsnotify error", map[string]any{"error": err.Error()})
		}
	}
}

// consume reads everything appended to path since the last call,
// ingesting one trace.Event per well-formed JSON line.
func (w *Watcher) consume(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("watch: open %s: %w", path, err)
	}
	defer f.Close()

	w.offsetsMu.Lock()
	offset := w.offsets[path]
	w.offsetsMu.Unlock()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("watch: stat %s: %w", path, err)
	}
	if info.Size() < offset {
		// File was truncated/replaced; re-read from the start.
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("watch: seek %s: %w", path, err)
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var consumed int64 = offset
	for scanner.Scan() {
		line := scanner.Bytes()
		consumed += int64(len(line)) + 1 // +1 for the newline

		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var e trace.Event
		if err := json.Unmarshal(line, &e); err != nil {
			w.log.Warn("dropped malformed trace line", map[string]any{"path": path})
			continue
		}
		if err := w.ingest.Ingest(e); err != nil {
			w.log.Warn("ingest failed", map[string]any{"path": path, "event_id": e.ID, "error": err.Error()})
		}
	}

	w.offsetsMu.Lock()
	w.offsets[path] = consumed
	w.offsetsMu.Unlock()

	return scanner.Err()
}
