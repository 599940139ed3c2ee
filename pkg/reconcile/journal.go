package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/soundprediction/credence/pkg/metastore"
	"github.com/soundprediction/credence/pkg/types"
)

// ErrInvalidEntryID is returned when a transaction id is unsafe as a file name.
var ErrInvalidEntryID = errors.New("invalid journal entry id: contains path traversal or invalid characters")

// Store names used in entries.
const (
	StoreGraph    = "graph"
	StoreMetadata = "metadata"
)

// Writes are the metadata writes staged by a transaction.
type Writes struct {
	Provenance []*types.ProvenanceRecord     `json:"provenance,omitempty"`
	Confidence []*metastore.ConfidenceRecord `json:"confidence,omitempty"`
	Claims     []*types.Claim                `json:"claims,omitempty"`
	Mentions   []*metastore.MentionRecord    `json:"mentions,omitempty"`
}

// Len returns the number of staged writes.
func (w Writes) Len() int {
	return len(w.Provenance) + len(w.Confidence) + len(w.Claims) + len(w.Mentions)
}

// Apply writes everything to tx in a fixed order.
func (w Writes) Apply(ctx context.Context, tx metastore.Tx) error {
	for _, rec := range w.Provenance {
		if err := tx.InsertProvenance(ctx, rec); err != nil {
			return err
		}
	}
	for _, rec := range w.Confidence {
		if err := tx.InsertConfidenceRecord(ctx, rec); err != nil {
			return err
		}
	}
	for _, c := range w.Claims {
		if err := tx.InsertClaim(ctx, c); err != nil {
			return err
		}
	}
	for _, m := range w.Mentions {
		if err := tx.InsertMention(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// Entry records one partial commit: the graph store committed and the
// metadata store did not.
type Entry struct {
	TxID            string    `json:"tx_id"`
	EntityIDs       []string  `json:"entity_ids"`
	RelationshipIDs []string  `json:"relationship_ids,omitempty"`
	CommittedStore  string    `json:"committed_store"`
	FailedStore     string    `json:"failed_store"`
	Cause           string    `json:"cause"`
	Writes          Writes    `json:"writes"`
	CreatedAt       time.Time `json:"created_at"`
	LastUpdatedAt   time.Time `json:"last_updated_at"`
	AttemptCount    int       `json:"attempt_count"`
	LastError       string    `json:"last_error,omitempty"`
}

// Journal stores entries as JSON files, one per transaction.
type Journal struct {
	dir    string
	logger *slog.Logger
}

// NewJournal creates the journal directory if needed. An empty dir uses
// os.TempDir()/credence-reconcile.
func NewJournal(dir string, logger *slog.Logger) (*Journal, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "credence-reconcile")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	return &Journal{dir: dir, logger: logger}, nil
}

// Dir returns the journal directory.
func (j *Journal) Dir() string {
	return j.dir
}

func validateEntryID(id string) error {
	if id == "" || strings.Contains(id, "..") || strings.ContainsAny(id, `/\`) || strings.ContainsRune(id, '\x00') {
		return ErrInvalidEntryID
	}
	return nil
}

// isPathWithinDirectory checks that path resolves inside directory.
func isPathWithinDirectory(path, directory string) bool {
	cleanPath := filepath.Clean(path)
	cleanDir := filepath.Clean(directory)
	if !strings.HasSuffix(cleanDir, string(filepath.Separator)) {
		cleanDir += string(filepath.Separator)
	}
	return strings.HasPrefix(cleanPath, cleanDir)
}

// Path returns the file path for a transaction's entry.
func (j *Journal) Path(txID string) (string, error) {
	if err := validateEntryID(txID); err != nil {
		return "", err
	}
	p := filepath.Join(j.dir, fmt.Sprintf("partial_%s.json", txID))
	if !isPathWithinDirectory(p, j.dir) {
		return "", ErrInvalidEntryID
	}
	return p, nil
}

// Save persists the entry with a write-then-rename.
func (j *Journal) Save(_ context.Context, e *Entry) error {
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.LastUpdatedAt = now

	path, err := j.Path(e.TxID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal journal entry: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write journal entry: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to rename journal entry: %w", err)
	}
	return nil
}

// Load returns the entry for txID, or nil if none exists.
func (j *Journal) Load(_ context.Context, txID string) (*Entry, error) {
	path, err := j.Path(txID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read journal entry: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal journal entry: %w", err)
	}
	return &e, nil
}

// Delete removes an entry. Missing entries are not an error.
func (j *Journal) Delete(_ context.Context, txID string) error {
	path, err := j.Path(txID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete journal entry: %w", err)
	}
	return nil
}

// List returns all entries, oldest first. Unreadable files are skipped and
// logged.
func (j *Journal) List(_ context.Context) ([]*Entry, error) {
	dirEntries, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read journal directory: %w", err)
	}

	var entries []*Entry
	for _, de := range dirEntries {
		if de.IsDir() || filepath.Ext(de.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(j.dir, de.Name()))
		if err != nil {
			j.logger.Warn("skipping unreadable journal entry", "file", de.Name(), "error", err)
			continue
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			j.logger.Warn("skipping corrupt journal entry", "file", de.Name(), "error", err)
			continue
		}
		entries = append(entries, &e)
	}
	sort.SliceStable(entries, func(a, b int) bool {
		return entries[a].CreatedAt.Before(entries[b].CreatedAt)
	})
	return entries, nil
}

// RecordError bumps the attempt count and stores the error.
func (j *Journal) RecordError(ctx context.Context, txID string, cause error) error {
	e, err := j.Load(ctx, txID)
	if err != nil {
		return err
	}
	if e == nil {
		return fmt.Errorf("journal entry not found for transaction %s", txID)
	}
	e.AttemptCount++
	e.LastError = cause.Error()
	return j.Save(ctx, e)
}

// Statistics summarizes the journal.
type Statistics struct {
	Total    int
	Pending  int
	Failed   int
	Entities int
}

// GetStatistics counts entries; an entry is failed once it has used
// maxAttempts replays.
func (j *Journal) GetStatistics(ctx context.Context, maxAttempts int) (*Statistics, error) {
	entries, err := j.List(ctx)
	if err != nil {
		return nil, err
	}
	stats := &Statistics{Total: len(entries)}
	for _, e := range entries {
		stats.Entities += len(e.EntityIDs)
		if maxAttempts > 0 && e.AttemptCount >= maxAttempts {
			stats.Failed++
		} else {
			stats.Pending++
		}
	}
	return stats, nil
}
