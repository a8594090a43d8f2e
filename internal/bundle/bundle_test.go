package bundle

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
)

// fakeBucket is an in-memory bucketStore used to test Put/Get/duplicate
// detection without a live NATS server.
type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{objects: make(map[string][]byte)}
}

func (f *fakeBucket) GetBytes(ctx context.Context, name string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.objects[name]
	if !ok {
		return nil, jetstream.ErrObjectNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (f *fakeBucket) PutBytes(ctx context.Context, name string, data []byte) (*jetstream.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	stored := make([]byte, len(data))
	copy(stored, data)
	f.objects[name] = stored
	return &jetstream.ObjectInfo{}, nil
}

func newTestStore(fb *fakeBucket) *Store {
	return &Store{
		bucketPrefix: "test",
		openBucket: func(ctx context.Context, bucketName string) (bucketStore, error) {
			return fb, nil
		},
	}
}

func TestBundleKeyLayout(t *testing.T) {
	key := bundleKey("acme", "sess-1", "deadbeef")
	if key != "teams/acme/sessions/sess-1/deadbeef.ndjson.gz" {
		t.Fatalf("unexpected bundle key: %s", key)
	}
	mKey := metaKey("acme", "sess-1", "deadbeef")
	if mKey != "teams/acme/sessions/sess-1/deadbeef.meta.json" {
		t.Fatalf("unexpected meta key: %s", mKey)
	}
}

func TestContentSHA256Stable(t *testing.T) {
	a := ContentSHA256([]byte("hello"))
	b := ContentSHA256([]byte("hello"))
	if a != b {
		t.Fatalf("hash not stable: %s vs %s", a, b)
	}
	if a == ContentSHA256([]byte("world")) {
		t.Fatalf("distinct inputs hashed to the same digest")
	}
}

func TestGzipRoundTrip(t *testing.T) {
	original := []byte(`{"id":"e1"}` + "\n" + `{"id":"e2"}` + "\n")
	gz, err := GzipJSONL(original)
	if err != nil {
		t.Fatalf("GzipJSONL: %v", err)
	}
	back, err := ungzip(gz)
	if err != nil {
		t.Fatalf("ungzip: %v", err)
	}
	if !bytes.Equal(back, original) {
		t.Fatalf("round trip mismatch: got %q want %q", back, original)
	}
}

// TestPutDuplicateDetection reproduces spec scenario:
// store(teamId, sessionId, sha256, bytes) then store(...same...)
// returns duplicate=true with byte-identical stored bytes.
func TestPutDuplicateDetection(t *testing.T) {
	fb := newFakeBucket()
	s := newTestStore(fb)
	ctx := context.Background()

	req := PutRequest{
		TeamID:    "acme",
		SessionID: "sess-1",
		Uncompressed: []byte(`{"id":"e1","type":"tool_result"}
`),
		ClientID: "cli-1",
		Source:   "cli",
	}

	first, err := s.Put(ctx, req)
	if err != nil {
		t.Fatalf("first Put: %v", err)
	}
	if first.Duplicate {
		t.Fatalf("first Put should not be a duplicate")
	}

	second, err := s.Put(ctx, req)
	if err != nil {
		t.Fatalf("second Put: %v", err)
	}
	if !second.Duplicate {
		t.Fatalf("second Put with identical bytes should report duplicate=true")
	}
	if second.ContentSHA256 != first.ContentSHA256 {
		t.Fatalf("content sha changed across identical puts: %s vs %s", first.ContentSHA256, second.ContentSHA256)
	}

	stored, err := s.Get(ctx, req.TeamID, req.SessionID, first.ContentSHA256)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(stored, req.Uncompressed) {
		t.Fatalf("stored bytes differ from original: got %q want %q", stored, req.Uncompressed)
	}

	// The bundle object itself must only have been written once: the
	// duplicate Put short-circuits before re-writing bundle bytes.
	if fb.puts != 2 {
		t.Fatalf("expected exactly 2 PutBytes calls (bundle + meta) on first Put, got %d", fb.puts)
	}
}

func TestPutDifferentContentProducesDifferentKeys(t *testing.T) {
	fb := newFakeBucket()
	s := newTestStore(fb)
	ctx := context.Background()

	a, err := s.Put(ctx, PutRequest{TeamID: "acme", SessionID: "sess-1", Uncompressed: []byte("a\n")})
	if err != nil {
		t.Fatalf("Put a: %v", err)
	}
	b, err := s.Put(ctx, PutRequest{TeamID: "acme", SessionID: "sess-1", Uncompressed: []byte("b\n")})
	if err != nil {
		t.Fatalf("Put b: %v", err)
	}
	if a.ContentSHA256 == b.ContentSHA256 {
		t.Fatalf("distinct content hashed to same key")
	}
	if b.Duplicate {
		t.Fatalf("distinct content must not be reported as duplicate")
	}
}

func TestGetMetaFields(t *testing.T) {
	fb := newFakeBucket()
	s := newTestStore(fb)
	ctx := context.Background()

	req := PutRequest{
		TeamID:    "acme",
		SessionID: "sess-1",
		Uncompressed: []byte(`{"id":"e1"}
`),
		ClientID:  "cli-7",
		Source:    "watch",
		UserAgent: "learnloop/1",
	}
	put, err := s.Put(ctx, req)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	meta, err := s.GetMeta(ctx, req.TeamID, req.SessionID, put.ContentSHA256)
	if err != nil {
		t.Fatalf("GetMeta: %v", err)
	}
	if meta.ContentType != "application/x-ndjson" || meta.ContentEncoding != "gzip" {
		t.Fatalf("unexpected meta content fields: %+v", meta)
	}
	if meta.ClientID != "cli-7" || meta.Source != "watch" || meta.UserAgent != "learnloop/1" {
		t.Fatalf("meta fields not preserved: %+v", meta)
	}
	if meta.SchemaVersion != SchemaVersion {
		t.Fatalf("schema version = %q, want %q", meta.SchemaVersion, SchemaVersion)
	}
	if meta.ReceivedAtUTC.IsZero() {
		t.Fatalf("expected ReceivedAtUTC to be set")
	}
}

func TestGetMissingObjectErrors(t *testing.T) {
	fb := newFakeBucket()
	s := newTestStore(fb)
	ctx := context.Background()

	_, err := s.Get(ctx, "acme", "sess-1", "not-a-real-hash")
	if err == nil {
		t.Fatal("expected error for missing object")
	}
	if !errors.Is(err, jetstream.ErrObjectNotFound) {
		t.Fatalf("expected wrapped ErrObjectNotFound, got %v", err)
	}
}
