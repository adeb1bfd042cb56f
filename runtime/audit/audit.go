// Package audit implements the two-phase audit log of a pipeline run.
//
// Every downstream call is recorded by exactly one Record: Open creates it in
// the open state before the call is dispatched and returns its key; Close
// moves that same record to success or error. A record that is never closed
// stays open and is reported as incomplete by Query. Artifacts produced by a
// stage are written alongside, raw and converted variants together, under
// keys derived from (run, stage, producer, filename).
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a record.
type Status string

const (
	// StatusOpen marks a record whose call has been dispatched but not
	// closed.
	StatusOpen Status = "open"
	// StatusSuccess marks a record closed after a successful call.
	StatusSuccess Status = "success"
	// StatusError marks a record closed after a failed or cancelled call.
	StatusError Status = "error"
)

var (
	// ErrRecordNotFound is returned when no record matches a key.
	ErrRecordNotFound = errors.New("audit: record not found")
	// ErrRecordExists is returned by RecordStore.Insert when the key is taken.
	ErrRecordExists = errors.New("audit: record already exists")
	// ErrNotOpen is returned by RecordStore.Finalize when the record is
	// already closed.
	ErrNotOpen = errors.New("audit: record is not open")
	// ErrArtifactNotFound is returned when no artifact matches a key.
	ErrArtifactNotFound = errors.New("audit: artifact not found")
)

type (
	// Record is the audit entry of one downstream call.
	Record struct {
		RunID         string
		Sequence      string
		Stage         string
		Action        string
		CorrelationID string
		Attempt       int
		Model         string
		Request       json.RawMessage
		Response      json.RawMessage
		Status        Status
		Duration      time.Duration
		ArtifactRefs  []string
		ErrorMessage  string
		Usage         Usage
		OpenedAt      time.Time
		ClosedAt      time.Time
	}

	// Usage records token counts reported by the endpoint.
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	}

	// RecordKey identifies a record. It is returned by Open and must be
	// passed back unchanged to Close.
	RecordKey struct {
		RunID    string
		Sequence string
	}

	// OpenRequest describes the call about to be dispatched.
	OpenRequest struct {
		RunID         string
		Stage         string
		Action        string
		CorrelationID string
		Attempt       int
		Model         string
		Request       json.RawMessage
	}

	// Closure is the terminal payload of a record.
	Closure struct {
		Response     json.RawMessage
		Status       Status
		Duration     time.Duration
		ArtifactRefs []string
		ErrorMessage string
		Usage        Usage
	}

	// Filter selects records of a run, optionally narrowed to a stage and
	// an action.
	Filter struct {
		RunID  string
		Stage  string
		Action string
	}

	// RecordStore persists records. Implementations must make Insert and
	// Finalize atomic conditional writes.
	RecordStore interface {
		// Insert stores a new record, failing with ErrRecordExists when a
		// record with the same key already exists.
		Insert(ctx context.Context, rec *Record) error
		// Get returns the record with the given key or ErrRecordNotFound.
		Get(ctx context.Context, key RecordKey) (*Record, error)
		// Finalize applies c to the record when it is open. It returns
		// ErrRecordNotFound when the record does not exist and ErrNotOpen
		// when it is already closed.
		Finalize(ctx context.Context, key RecordKey, c Closure, closedAt time.Time) error
		// List returns the records matching f ordered by sequence.
		List(ctx context.Context, f Filter) ([]*Record, error)
	}

	// ArtifactStore persists artifact blobs.
	ArtifactStore interface {
		Put(ctx context.Context, key string, data []byte, contentType string) error
		// Get returns the blob or an error wrapping ErrArtifactNotFound.
		Get(ctx context.Context, key string) ([]byte, error)
		// List returns the keys starting with prefix in lexical order.
		List(ctx context.Context, prefix string) ([]string, error)
	}
)

// Key returns the record key.
func (r *Record) Key() RecordKey {
	return RecordKey{RunID: r.RunID, Sequence: r.Sequence}
}

// String encodes the key as "<run_id>#<sequence>".
func (k RecordKey) String() string {
	return k.RunID + "#" + k.Sequence
}

// ParseRecordKey decodes a key produced by RecordKey.String.
func ParseRecordKey(s string) (RecordKey, error) {
	run, seq, ok := strings.Cut(s, "#")
	if !ok || run == "" || seq == "" {
		return RecordKey{}, fmt.Errorf("audit: invalid record key %q", s)
	}
	return RecordKey{RunID: run, Sequence: seq}, nil
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Request = cloneBytes(r.Request)
	c.Response = cloneBytes(r.Response)
	if r.ArtifactRefs != nil {
		c.ArtifactRefs = append([]string(nil), r.ArtifactRefs...)
	}
	return &c
}

// Apply copies the closure onto the record.
func (r *Record) Apply(c Closure, closedAt time.Time) {
	r.Response = cloneBytes(c.Response)
	r.Status = c.Status
	r.Duration = c.Duration
	r.ArtifactRefs = append([]string(nil), c.ArtifactRefs...)
	r.ErrorMessage = c.ErrorMessage
	r.Usage = c.Usage
	r.ClosedAt = closedAt
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
