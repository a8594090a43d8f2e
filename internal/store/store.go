// Package store provides the append-only, per-session trace event log.
// It is grounded on the teacher repo's internal/session.FileStore: one
// JSONL file per session, malformed lines dropped on read, directories
// created on demand.
package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/vinayprograms/learnloop/internal/logutil"
	"github.com/vinayprograms/learnloop/internal/trace"
)

// ErrDuplicateID names a duplicate event id. Append does not return
// it: appending an id already seen in the session is a silent no-op.
var ErrDuplicateID = errors.New("store: duplicate event id")

// Filter selects which events Query returns.
type Filter struct {
	SessionID string
	Type      string
	Tag       string
	Since     time.Time
	Until     time.Time
}

func (f Filter) matches(e trace.Event) bool {
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.Tag != "" {
		found := false
		for _, t := range e.Tags {
			if t == f.Tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// sessionLock serializes writers within one session, matching spec §5:
// "Within a single sessionId, events are appended in call order."
type sessionLock struct {
	mu sync.Mutex
}

// Store is the append-only per-session trace log at <dataDir>/sessions/<sessionId>.jsonl.
type Store struct {
	dataDir string
	log     *logutil.Logger

	locksMu sync.Mutex
	locks   map[string]*sessionLock

	// seen tracks event ids already appended, per session, to support
	// idempotent re-append of the same id (spec §8 round-trip law).
	seenMu sync.Mutex
	seen   map[string]map[string]struct{}
}

// New creates a store rooted at dataDir, creating the sessions
// subdirectory if missing.
func New(dataDir string) (*Store, error) {
	sessDir := filepath.Join(dataDir, "sessions")
	if err := os.MkdirAll(sessDir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create sessions dir: %w", err)
	}
	return &Store{
		dataDir: dataDir,
		log:     logutil.New().WithComponent("store"),
		locks:   make(map[string]*sessionLock),
		seen:    make(map[string]map[string]struct{}),
	}, nil
}

func (s *Store) sessionPath(sessionID string) string {
	return filepath.Join(s.dataDir, "sessions", sessionID+".jsonl")
}

func (s *Store) lockFor(sessionID string) *sessionLock {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sessionLock{}
		s.locks[sessionID] = l
	}
	return l
}

// Append writes one event to its session's log. Writes within a
// session are serialized; cross-session writes may proceed
// concurrently. Appending an event whose ID was already appended to
// this session is a no-op (dedupe), matching spec §8's round-trip law.
func (s *Store) Append(event trace.Event) error {
	if event.SessionID == "" {
		return errors.New("store: event missing sessionId")
	}
	if event.ID == "" {
		return errors.New("store: event missing id")
	}

	lock := s.lockFor(event.SessionID)
	lock.mu.Lock()
	defer lock.mu.Unlock()

	s.seenMu.Lock()
	sessionSeen, ok := s.seen[event.SessionID]
	if !ok {
		sessionSeen = make(map[string]struct{})
		s.seen[event.SessionID] = sessionSeen
	}
	_, dup := sessionSeen[event.ID]
	s.seenMu.Unlock()
	if dup {
		return nil
	}

	f, err := os.OpenFile(s.sessionPath(event.SessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("store: open session log: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("store: marshal event: %w", err)
	}
	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("store: write event: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("store: fsync session log: %w", err)
	}

	s.seenMu.Lock()
	sessionSeen[event.ID] = struct{}{}
	s.seenMu.Unlock()

	return nil
}

// Query iterates stored events matching filter, across all sessions
// (or one, if Filter.SessionID is set), ordered by session then by
// on-disk order (which is append order, i.e. non-decreasing timestamp
// within a session). Malformed lines are dropped; reading continues.
func (s *Store) Query(filter Filter) ([]trace.Event, error) {
	sessDir := filepath.Join(s.dataDir, "sessions")
	var sessionIDs []string

	if filter.SessionID != "" {
		sessionIDs = []string{filter.SessionID}
	} else {
		entries, err := os.ReadDir(sessDir)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("store: list sessions: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || filepath.Ext(entry.Name()) != ".jsonl" {
				continue
			}
			sessionIDs = append(sessionIDs, entry.Name()[:len(entry.Name())-len(".jsonl")])
		}
		sort.Strings(sessionIDs)
	}

	var out []trace.Event
	for _, sid := range sessionIDs {
		events, err := s.readSession(sid)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, e := range events {
			if filter.matches(e) {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

// readSession reads one session's JSONL file, dropping malformed lines.
func (s *Store) readSession(sessionID string) ([]trace.Event, error) {
	f, err := os.Open(s.sessionPath(sessionID))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []trace.Event
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			trimmed := bytes.TrimSpace(line)
			if len(trimmed) > 0 {
				var e trace.Event
				if perr := json.Unmarshal(trimmed, &e); perr != nil {
					s.log.Warn("dropping malformed trace line", map[string]any{
						"session": sessionID,
						"error":   perr.Error(),
					})
				} else {
					events = append(events, e)
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("store: read session %s: %w", sessionID, err)
		}
	}
	return events, nil
}

// SessionIDs lists every session with a log file on disk.
func (s *Store) SessionIDs() ([]string, error) {
	sessDir := filepath.Join(s.dataDir, "sessions")
	entries, err := os.ReadDir(sessDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".jsonl" {
			continue
		}
		ids = append(ids, entry.Name()[:len(entry.Name())-len(".jsonl")])
	}
	sort.Strings(ids)
	return ids, nil
}
