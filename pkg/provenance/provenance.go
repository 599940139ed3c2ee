// Package provenance implements the append-only provenance ledger.
//
// Components describe each operation with a record (target id, operation,
// tool, digests of inputs and outputs, confidence before and after). A
// Recorder buffers records for one unit of work so they commit in the same
// transaction as the data they describe; a Ledger appends and queries them.
package provenance

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/soundprediction/credence/pkg/confidence"
	"github.com/soundprediction/credence/pkg/kgerr"
	"github.com/soundprediction/credence/pkg/types"
)

// ErrDuplicateRecord is returned when a record id is appended twice.
var ErrDuplicateRecord = errors.New("provenance record already exists")

// Operation names written by credence components.
const (
	OpExtract   = "extract"
	OpResolve   = "resolve"
	OpPropagate = "propagate"
	OpAggregate = "aggregate"
	OpPersist   = "persist"
	OpConvert   = "convert"
	OpDecay     = "decay"
	OpReconcile = "reconcile"
)

// Sink accepts records. metastore.Tx and metastore stores implement it.
type Sink interface {
	InsertProvenance(ctx context.Context, rec *types.ProvenanceRecord) error
}

// Store is a Sink that can also answer history queries.
type Store interface {
	Sink
	ProvenanceHistory(ctx context.Context, targetID string) ([]*types.ProvenanceRecord, error)
}

// Digest returns a stable sha256 digest of v's JSON encoding. Map keys are
// sorted by encoding/json, so equal values digest equally.
func Digest(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode digest input: %w", err)
	}
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// NewRecord builds a validated record with a fresh id.
func NewRecord(targetID, operation, toolID string, inputs, outputs any, before, after *confidence.Score, at time.Time) (*types.ProvenanceRecord, error) {
	in, err := Digest(inputs)
	if err != nil {
		return nil, err
	}
	out, err := Digest(outputs)
	if err != nil {
		return nil, err
	}
	rec := &types.ProvenanceRecord{
		ID:               uuid.New().String(),
		TargetID:         targetID,
		Operation:        operation,
		ToolID:           toolID,
		InputsDigest:     in,
		OutputsDigest:    out,
		ConfidenceBefore: cloneScore(before),
		ConfidenceAfter:  cloneScore(after),
		Timestamp:        at.UTC(),
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

func cloneScore(s *confidence.Score) *confidence.Score {
	if s == nil {
		return nil
	}
	c := s.Clone()
	return &c
}

// Recorder buffers records produced while processing one unit of work.
type Recorder struct {
	mu      sync.Mutex
	toolID  string
	records []*types.ProvenanceRecord
	now     func() time.Time
	last    time.Time
}

// NewRecorder creates a recorder that stamps records with toolID.
func NewRecorder(toolID string) *Recorder {
	return &Recorder{toolID: toolID, now: time.Now}
}

// Record builds and buffers a record.
func (r *Recorder) Record(targetID, operation string, inputs, outputs any, before, after *confidence.Score) (*types.ProvenanceRecord, error) {
	return r.RecordAs(r.toolID, targetID, operation, inputs, outputs, before, after)
}

// RecordAs is Record with an explicit tool id.
func (r *Recorder) RecordAs(toolID, targetID, operation string, inputs, outputs any, before, after *confidence.Score) (*types.ProvenanceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// Timestamps are strictly increasing so history reads back in
	// recording order.
	at := r.now()
	if !at.After(r.last) {
		at = r.last.Add(time.Nanosecond)
	}
	rec, err := NewRecord(targetID, operation, toolID, inputs, outputs, before, after, at)
	if err != nil {
		return nil, err
	}
	r.last = at
	r.records = append(r.records, rec)
	return rec, nil
}

// Records returns a copy of the buffered records.
func (r *Recorder) Records() []*types.ProvenanceRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*types.ProvenanceRecord, len(r.records))
	copy(out, r.records)
	return out
}

// IDsFor returns the ids of buffered records targeting targetID.
func (r *Recorder) IDsFor(targetID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for _, rec := range r.records {
		if rec.TargetID == targetID {
			ids = append(ids, rec.ID)
		}
	}
	return ids
}

// Len returns the number of buffered records.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Discard drops every buffered record.
func (r *Recorder) Discard() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = nil
}

// Flush writes buffered records to sink in order and clears the buffer on
// success. On failure the buffer is kept so the caller can retry or journal.
func (r *Recorder) Flush(ctx context.Context, sink Sink) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if err := sink.InsertProvenance(ctx, rec); err != nil {
			return fmt.Errorf("failed to write provenance record %s: %w", rec.ID, err)
		}
	}
	r.records = nil
	return nil
}

// Ledger is the append-only query surface over a Store.
type Ledger struct {
	store  Store
	logger *slog.Logger
}

// NewLedger wraps store.
func NewLedger(store Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, logger: logger}
}

// Append validates and writes one record.
func (l *Ledger) Append(ctx context.Context, rec *types.ProvenanceRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if err := l.store.InsertProvenance(ctx, rec); err != nil {
		return kgerr.Storage("append_provenance", err, rec.TargetID)
	}
	return nil
}

// History returns every record for targetID ordered by timestamp.
func (l *Ledger) History(ctx context.Context, targetID string) ([]*types.ProvenanceRecord, error) {
	if targetID == "" {
		return nil, kgerr.Validation("provenance_history", "target id is required")
	}
	recs, err := l.store.ProvenanceHistory(ctx, targetID)
	if err != nil {
		return nil, kgerr.Storage("provenance_history", err, targetID)
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Timestamp.Before(recs[j].Timestamp) })
	return recs, nil
}

// TrajectoryPoint is one confidence change in a target's history.
type TrajectoryPoint struct {
	At        time.Time
	Operation string
	ToolID    string
	Value     float64
	Method    confidence.Method
}

// Trajectory reconstructs how a target's confidence evolved.
func (l *Ledger) Trajectory(ctx context.Context, targetID string) ([]TrajectoryPoint, error) {
	recs, err := l.History(ctx, targetID)
	if err != nil {
		return nil, err
	}
	points := make([]TrajectoryPoint, 0, len(recs))
	for _, rec := range recs {
		if rec.ConfidenceAfter == nil {
			continue
		}
		points = append(points, TrajectoryPoint{
			At:        rec.Timestamp,
			Operation: rec.Operation,
			ToolID:    rec.ToolID,
			Value:     rec.ConfidenceAfter.Value,
			Method:    rec.ConfidenceAfter.Method,
		})
	}
	return points, nil
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu       sync.RWMutex
	seen     map[string]struct{}
	byTarget map[string][]*types.ProvenanceRecord
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		seen:     make(map[string]struct{}),
		byTarget: make(map[string][]*types.ProvenanceRecord),
	}
}

// InsertProvenance appends rec, rejecting reused ids.
func (m *MemoryStore) InsertProvenance(_ context.Context, rec *types.ProvenanceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[rec.ID]; ok {
		return fmt.Errorf("%s: %w", rec.ID, ErrDuplicateRecord)
	}
	m.seen[rec.ID] = struct{}{}
	cp := *rec
	m.byTarget[rec.TargetID] = append(m.byTarget[rec.TargetID], &cp)
	return nil
}

// ProvenanceHistory returns copies of the records for targetID.
func (m *MemoryStore) ProvenanceHistory(_ context.Context, targetID string) ([]*types.ProvenanceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.byTarget[targetID]
	out := make([]*types.ProvenanceRecord, len(src))
	for i, rec := range src {
		cp := *rec
		out[i] = &cp
	}
	return out, nil
}
