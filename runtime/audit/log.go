package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/McKhanster/autoninja-sub001/runtime/telemetry"
)

// DefaultStaleAfter is the age after which an open record is reported as
// stale.
const DefaultStaleAfter = 15 * time.Minute

// sequenceLayout is fixed width so that lexical order is time order.
const sequenceLayout = "20060102T150405.000000000Z"

const (
	rawVariant       = "raw"
	convertedVariant = "converted"
)

type (
	// Options configures a Log.
	Options struct {
		// StaleAfter is the age after which open records are stale.
		StaleAfter time.Duration
		Logger     telemetry.Logger
		// Now replaces the local clock, mostly for tests.
		Now func() time.Time
	}

	// Log is the audit log of pipeline runs. It is safe for concurrent use;
	// concurrency control is delegated to the stores.
	Log struct {
		records    RecordStore
		artifacts  ArtifactStore
		staleAfter time.Duration
		logger     telemetry.Logger
		now        func() time.Time
	}

	// ArtifactRef identifies an artifact pair.
	ArtifactRef struct {
		RunID    string
		Stage    string
		Producer string
		Filename string
	}

	// ArtifactKeys are the keys of a written artifact pair.
	ArtifactKeys struct {
		Raw       string
		Converted string
	}

	// Trail is the audit trail of a run.
	Trail struct {
		RunID string
		// Records are ordered by sequence.
		Records []*Record
		// Artifacts lists artifact keys under the run.
		Artifacts []string
		// Incomplete lists records still open.
		Incomplete []RecordKey
		// Stale lists open records older than the staleness threshold.
		Stale []RecordKey

		staleAfter time.Duration
	}
)

// New returns a Log.
func New(records RecordStore, artifacts ArtifactStore, opts Options) (*Log, error) {
	if records == nil {
		return nil, errors.New("audit: record store is required")
	}
	if artifacts == nil {
		return nil, errors.New("audit: artifact store is required")
	}
	l := &Log{
		records:    records,
		artifacts:  artifacts,
		staleAfter: opts.StaleAfter,
		logger:     opts.Logger,
		now:        opts.Now,
	}
	if l.staleAfter <= 0 {
		l.staleAfter = DefaultStaleAfter
	}
	if l.logger == nil {
		l.logger = telemetry.NewNoopLogger()
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l, nil
}

// Open creates an open record for a call about to be dispatched and returns
// its key. The key embeds the record's own sequence.
func (l *Log) Open(ctx context.Context, req OpenRequest) (RecordKey, error) {
	if req.RunID == "" || req.Stage == "" || req.Action == "" {
		return RecordKey{}, errors.New("audit: run id, stage and action are required")
	}
	if strings.Contains(req.RunID, "#") {
		return RecordKey{}, fmt.Errorf("audit: run id %q must not contain '#'", req.RunID)
	}
	now := l.now().UTC()
	rec := &Record{
		RunID:         req.RunID,
		Sequence:      now.Format(sequenceLayout) + "-" + uuid.NewString()[:8],
		Stage:         req.Stage,
		Action:        req.Action,
		CorrelationID: req.CorrelationID,
		Attempt:       req.Attempt,
		Model:         req.Model,
		Request:       cloneBytes(req.Request),
		Status:        StatusOpen,
		OpenedAt:      now,
	}
	if err := l.records.Insert(ctx, rec); err != nil {
		return RecordKey{}, fmt.Errorf("audit: open %s/%s: %w", req.Stage, req.Action, err)
	}
	return rec.Key(), nil
}

// Close moves the record identified by key to its terminal state. Closing a
// record again with the same terminal payload is a no-op; closing it with a
// different payload returns a *ConflictingCloseError. Duration is not part
// of the comparison.
func (l *Log) Close(ctx context.Context, key RecordKey, c Closure) error {
	if c.Status != StatusSuccess && c.Status != StatusError {
		return fmt.Errorf("audit: invalid terminal status %q", c.Status)
	}
	if len(c.Response) > 0 && !json.Valid(c.Response) {
		return errors.New("audit: response payload must be valid JSON")
	}
	err := l.records.Finalize(ctx, key, c, l.now().UTC())
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotOpen) {
		return fmt.Errorf("audit: close %s: %w", key, err)
	}
	existing, err := l.records.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("audit: close %s: %w", key, err)
	}
	if sameClosure(existing, c) {
		l.logger.Debug(ctx, "audit close replayed", "key", key.String())
		return nil
	}
	return &ConflictingCloseError{Key: key, Existing: existing.Status, Attempted: c.Status}
}

// PutArtifact writes the raw and converted variants of a produced result
// and returns their keys. Writing the same ref again replaces both variants.
func (l *Log) PutArtifact(ctx context.Context, ref ArtifactRef, raw, converted []byte) (ArtifactKeys, error) {
	if err := ref.validate(); err != nil {
		return ArtifactKeys{}, err
	}
	keys := ArtifactKeys{Raw: ref.key(rawVariant), Converted: ref.key(convertedVariant)}
	if err := l.artifacts.Put(ctx, keys.Raw, raw, "text/plain; charset=utf-8"); err != nil {
		return ArtifactKeys{}, fmt.Errorf("audit: put %s: %w", keys.Raw, err)
	}
	if err := l.artifacts.Put(ctx, keys.Converted, converted, "application/json"); err != nil {
		return ArtifactKeys{}, fmt.Errorf("audit: put %s: %w", keys.Converted, err)
	}
	return keys, nil
}

// GetArtifact returns the blob stored under key.
func (l *Log) GetArtifact(ctx context.Context, key string) ([]byte, error) {
	return l.artifacts.Get(ctx, key)
}

// Query returns the records and artifact keys of a run ordered by sequence.
// Open records are listed as incomplete, and as stale once older than the
// staleness threshold.
func (l *Log) Query(ctx context.Context, f Filter) (*Trail, error) {
	if f.RunID == "" {
		return nil, errors.New("audit: run id is required")
	}
	recs, err := l.records.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("audit: query %s: %w", f.RunID, err)
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Sequence < recs[j].Sequence })
	prefix := f.RunID + "/"
	if f.Stage != "" {
		prefix += f.Stage + "/"
	}
	arts, err := l.artifacts.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("audit: list artifacts %s: %w", prefix, err)
	}
	trail := &Trail{RunID: f.RunID, Records: recs, Artifacts: arts, staleAfter: l.staleAfter}
	now := l.now()
	for _, r := range recs {
		if r.Status != StatusOpen {
			continue
		}
		trail.Incomplete = append(trail.Incomplete, r.Key())
		if now.Sub(r.OpenedAt) > l.staleAfter {
			trail.Stale = append(trail.Stale, r.Key())
		}
	}
	return trail, nil
}

// StaleError returns a *StaleOpenRecordError when the trail holds stale
// records, nil otherwise.
func (t *Trail) StaleError() error {
	if len(t.Stale) == 0 {
		return nil
	}
	return &StaleOpenRecordError{RunID: t.RunID, Keys: t.Stale, Threshold: t.staleAfter}
}

// Refs returns the keys as a slice for Closure.ArtifactRefs.
func (k ArtifactKeys) Refs() []string {
	if k.Raw == "" && k.Converted == "" {
		return nil
	}
	return []string{k.Raw, k.Converted}
}

func (r ArtifactRef) validate() error {
	for name, v := range map[string]string{"run id": r.RunID, "stage": r.Stage, "producer": r.Producer, "filename": r.Filename} {
		if v == "" || v == "." || v == ".." || strings.Contains(v, "/") {
			return fmt.Errorf("audit: invalid artifact %s %q", name, v)
		}
	}
	return nil
}

func (r ArtifactRef) key(variant string) string {
	return strings.Join([]string{r.RunID, r.Stage, r.Producer, variant, r.Filename}, "/")
}

func sameClosure(rec *Record, c Closure) bool {
	return rec.Status == c.Status &&
		rec.ErrorMessage == c.ErrorMessage &&
		slices.Equal(rec.ArtifactRefs, c.ArtifactRefs) &&
		sameJSON(rec.Response, c.Response)
}

func sameJSON(a, b []byte) bool {
	if len(a) == 0 || len(b) == 0 {
		return len(a) == len(b)
	}
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}
