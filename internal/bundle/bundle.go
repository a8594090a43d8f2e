// Package bundle implements the trace bundle shipping boundary from
// spec §6.2: sessions are exported as gzipped JSONL, keyed by content
// SHA-256, and stored in a NATS JetStream Object Store bucket.
package bundle

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// SchemaVersion is stamped into every bundle's meta.json.
const SchemaVersion = "1"

// Meta is the sidecar record stored alongside each bundle, per §6.2.
type Meta struct {
	ReceivedAtUTC   time.Time `json:"receivedAtUtc"`
	ContentType     string    `json:"contentType"`
	ContentEncoding string    `json:"contentEncoding"`
	ClientID        string    `json:"clientId"`
	Source          string    `json:"source"`
	SchemaVersion   string    `json:"schemaVersion"`
	UserAgent       string    `json:"userAgent"`
}

// PutResult reports the outcome of a Store.Put call.
type PutResult struct {
	ContentSHA256 string
	Duplicate     bool
	Meta          Meta
}

// bucketStore is the narrow slice of a JetStream object store bucket
// that Put/Get actually use. *jetstream.ObjectStore values satisfy
// this automatically; tests supply an in-memory fake instead.
type bucketStore interface {
	GetBytes(ctx context.Context, name string) ([]byte, error)
	PutBytes(ctx context.Context, name string, data []byte) (*jetstream.ObjectInfo, error)
}

// Config configures bundle shipping. BucketPrefix namespaces the
// JetStream object store bucket per deployment (default "learnloop").
type Config struct {
	NATSURL      string
	BucketPrefix string
}

// DefaultConfig returns the spec §2.3 defaults.
func DefaultConfig() Config {
	return Config{NATSURL: "nats://127.0.0.1:4222", BucketPrefix: "learnloop"}
}

// Store ships gzipped JSONL trace bundles into a NATS JetStream object
// store bucket, one bucket per team.
type Store struct {
	nc           *nats.Conn
	bucketPrefix string
	openBucket   func(ctx context.Context, bucketName string) (bucketStore, error)
}

// Connect dials the NATS server and wraps it in a JetStream context.
func Connect(cfg Config) (*Store, error) {
	nc, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		return nil, fmt.Errorf("bundle: connect nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("bundle: jetstream context: %w", err)
	}
	prefix := cfg.BucketPrefix
	if prefix == "" {
		prefix = DefaultConfig().BucketPrefix
	}
	return &Store{
		nc:           nc,
		bucketPrefix: prefix,
		openBucket: func(ctx context.Context, bucketName string) (bucketStore, error) {
			ob, err := js.ObjectStore(ctx, bucketName)
			if err == nil {
				return ob, nil
			}
			if !errors.Is(err, jetstream.ErrBucketNotFound) {
				return nil, err
			}
			return js.CreateObjectStore(ctx, jetstream.ObjectStoreConfig{Bucket: bucketName})
		},
	}, nil
}

// Close closes the underlying NATS connection without draining it.
func (s *Store) Close() {
	if s.nc != nil {
		s.nc.Close()
	}
}

func bucketName(prefix, teamID string) string {
	return fmt.Sprintf("%s-%s", prefix, teamID)
}

// bundleKey and metaKey implement the canonical storage key layout:
//
//	teams/<teamId>/sessions/<sessionId>/<contentSha256>.ndjson.gz
//	teams/<teamId>/sessions/<sessionId>/<contentSha256>.meta.json
func bundleKey(teamID, sessionID, contentSHA256 string) string {
	return fmt.Sprintf("teams/%s/sessions/%s/%s.ndjson.gz", teamID, sessionID, contentSHA256)
}

func metaKey(teamID, sessionID, contentSHA256 string) string {
	return fmt.Sprintf("teams/%s/sessions/%s/%s.meta.json", teamID, sessionID, contentSHA256)
}

// GzipJSONL gzips jsonl (already-newline-delimited JSON) for shipping.
func GzipJSONL(jsonl []byte) ([]byte, error) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(jsonl); err != nil {
		return nil, fmt.Errorf("bundle: gzip write: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("bundle: gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

func ungzip(gz []byte) ([]byte, error) {
	gr, err := gzip.NewReader(bytes.NewReader(gz))
	if err != nil {
		return nil, fmt.Errorf("bundle: gzip reader: %w", err)
	}
	defer gr.Close()
	return io.ReadAll(gr)
}

// ContentSHA256 hashes the uncompressed bytes, per §6.2.
func ContentSHA256(uncompressed []byte) string {
	sum := sha256.Sum256(uncompressed)
	return hex.EncodeToString(sum[:])
}

// PutRequest carries everything needed to store one trace bundle.
type PutRequest struct {
	TeamID       string
	SessionID    string
	Uncompressed []byte // raw JSONL, pre-gzip
	ClientID     string
	Source       string
	UserAgent    string
}

// Put stores a session bundle keyed by the SHA-256 of its uncompressed
// bytes. Storing the same (teamId, sessionId, contentSha256) twice is
// a no-op: the second call returns Duplicate=true and leaves the
// originally stored bytes untouched.
func (s *Store) Put(ctx context.Context, req PutRequest) (PutResult, error) {
	contentSHA := ContentSHA256(req.Uncompressed)

	ob, err := s.openBucket(ctx, bucketName(s.bucketPrefix, req.TeamID))
	if err != nil {
		return PutResult{}, fmt.Errorf("bundle: open bucket: %w", err)
	}

	mKey := metaKey(req.TeamID, req.SessionID, contentSHA)
	if existing, err := ob.GetBytes(ctx, mKey); err == nil {
		var meta Meta
		if jsonErr := json.Unmarshal(existing, &meta); jsonErr == nil {
			return PutResult{ContentSHA256: contentSHA, Duplicate: true, Meta: meta}, nil
		}
	}

	gz, err := GzipJSONL(req.Uncompressed)
	if err != nil {
		return PutResult{}, err
	}

	bKey := bundleKey(req.TeamID, req.SessionID, contentSHA)
	if _, err := ob.PutBytes(ctx, bKey, gz); err != nil {
		return PutResult{}, fmt.Errorf("bundle: put object %s: %w", bKey, err)
	}

	meta := Meta{
		ReceivedAtUTC:   time.Now().UTC(),
		ContentType:     "application/x-ndjson",
		ContentEncoding: "gzip",
		ClientID:        req.ClientID,
		Source:          req.Source,
		SchemaVersion:   SchemaVersion,
		UserAgent:       req.UserAgent,
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return PutResult{}, fmt.Errorf("bundle: marshal meta: %w", err)
	}
	if _, err := ob.PutBytes(ctx, mKey, metaBytes); err != nil {
		return PutResult{}, fmt.Errorf("bundle: put meta %s: %w", mKey, err)
	}

	return PutResult{ContentSHA256: contentSHA, Duplicate: false, Meta: meta}, nil
}

// Get fetches the gzipped bundle bytes for one (teamId, sessionId,
// contentSha256) and ungzips them back to JSONL.
func (s *Store) Get(ctx context.Context, teamID, sessionID, contentSHA256 string) ([]byte, error) {
	ob, err := s.openBucket(ctx, bucketName(s.bucketPrefix, teamID))
	if err != nil {
		return nil, fmt.Errorf("bundle: open bucket: %w", err)
	}
	gz, err := ob.GetBytes(ctx, bundleKey(teamID, sessionID, contentSHA256))
	if err != nil {
		return nil, fmt.Errorf("bundle: get object: %w", err)
	}
	return ungzip(gz)
}

// GetMeta fetches the meta.json sidecar for one stored bundle.
func (s *Store) GetMeta(ctx context.Context, teamID, sessionID, contentSHA256 string) (Meta, error) {
	ob, err := s.openBucket(ctx, bucketName(s.bucketPrefix, teamID))
	if err != nil {
		return Meta{}, fmt.Errorf("bundle: open bucket: %w", err)
	}
	raw, err := ob.GetBytes(ctx, metaKey(teamID, sessionID, contentSHA256))
	if err != nil {
		return Meta{}, fmt.Errorf("bundle: get meta: %w", err)
	}
	var meta Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Meta{}, fmt.Errorf("bundle: unmarshal meta: %w", err)
	}
	return meta, nil
}
