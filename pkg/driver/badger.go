package driver

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/soundprediction/credence/pkg/types"
)

// Key prefixes for BadgerDB storage organization.
const (
	prefixEntity  = byte(0x01) // entity id -> current Entity
	prefixVersion = byte(0x02) // entity id 0x00 version -> archived Entity
	prefixRel     = byte(0x03) // relationship id -> Relationship
	prefixAdj     = byte(0x04) // entity id 0x00 relationship id -> {}
	prefixRelVer  = byte(0x05) // relationship id 0x00 version -> archived Relationship
)

func entityKey(id string) []byte {
	return append([]byte{prefixEntity}, id...)
}

func versionPrefix(id string) []byte {
	key := make([]byte, 0, len(id)+2)
	key = append(key, prefixVersion)
	key = append(key, id...)
	return append(key, 0x00)
}

func versionKey(id string, version int) []byte {
	return binary.BigEndian.AppendUint32(versionPrefix(id), uint32(version))
}

func relKey(id string) []byte {
	return append([]byte{prefixRel}, id...)
}

func relVersionPrefix(id string) []byte {
	key := make([]byte, 0, len(id)+2)
	key = append(key, prefixRelVer)
	key = append(key, id...)
	return append(key, 0x00)
}

func relVersionKey(id string, version int) []byte {
	return binary.BigEndian.AppendUint32(relVersionPrefix(id), uint32(version))
}

func adjPrefix(entityID string) []byte {
	key := make([]byte, 0, len(entityID)+2)
	key = append(key, prefixAdj)
	key = append(key, entityID...)
	return append(key, 0x00)
}

func adjKey(entityID, relID string) []byte {
	return append(adjPrefix(entityID), relID...)
}

// BadgerOptions configures an embedded store.
type BadgerOptions struct {
	// Path is the data directory. Ignored when InMemory is set.
	Path       string
	InMemory   bool
	SyncWrites bool
	Logger     *slog.Logger
}

// BadgerDriver is an embedded graph+vector store on BadgerDB.
type BadgerDriver struct {
	mu     sync.RWMutex
	db     *badger.DB
	closed bool
	logger *slog.Logger
	now    func() time.Time
}

// NewBadgerDriver opens (or creates) an embedded store.
func NewBadgerDriver(opts BadgerOptions) (*BadgerDriver, error) {
	if !opts.InMemory && opts.Path == "" {
		return nil, fmt.Errorf("badger path is required unless in-memory")
	}
	badgerOpts := badger.DefaultOptions(opts.Path)
	if opts.InMemory {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	}
	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}

	// Quiet badger's own logger and keep memory modest.
	badgerOpts = badgerOpts.
		WithLogger(nil).
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithBlockCacheSize(32 << 20).
		WithIndexCacheSize(16 << 20)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &BadgerDriver{db: db, logger: logger, now: time.Now}, nil
}

// NewBadgerDriverInMemory creates an in-memory store for tests.
func NewBadgerDriverInMemory() (*BadgerDriver, error) {
	return NewBadgerDriver(BadgerOptions{InMemory: true})
}

// Provider returns GraphProviderBadger.
func (b *BadgerDriver) Provider() GraphProvider {
	return GraphProviderBadger
}

// CreateIndices is a no-op: every lookup is served by a key prefix.
func (b *BadgerDriver) CreateIndices(ctx context.Context) error {
	return nil
}

// Close releases the database.
func (b *BadgerDriver) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

func (b *BadgerDriver) view(fn func(txn *badger.Txn) error) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrDriverClosed
	}
	return b.db.View(fn)
}

// Begin opens a read-write badger transaction.
func (b *BadgerDriver) Begin(ctx context.Context) (GraphTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrDriverClosed
	}
	return &badgerTx{txn: b.db.NewTransaction(true), now: b.now}, nil
}

// GetEntity returns the current version of an entity.
func (b *BadgerDriver) GetEntity(ctx context.Context, id string) (*types.Entity, error) {
	var out *types.Entity
	err := b.view(func(txn *badger.Txn) error {
		var err error
		out, err = getEntity(txn, id)
		return err
	})
	return out, err
}

// EntityVersions returns archived versions followed by the current one.
func (b *BadgerDriver) EntityVersions(ctx context.Context, id string) ([]*types.Entity, error) {
	var out []*types.Entity
	err := b.view(func(txn *badger.Txn) error {
		prefix := versionPrefix(id)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var e *types.Entity
			err := it.Item().Value(func(val []byte) error {
				var err error
				e, err = decodeEntity(val)
				return err
			})
			if err != nil {
				return err
			}
			out = append(out, e)
		}

		cur, err := getEntity(txn, id)
		if err != nil {
			return err
		}
		out = append(out, cur)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AllEntities scans every current entity.
func (b *BadgerDriver) AllEntities(ctx context.Context) ([]*types.Entity, error) {
	var out []*types.Entity
	err := b.view(func(txn *badger.Txn) error {
		prefix := []byte{prefixEntity}
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := it.Item().Value(func(val []byte) error {
				e, err := decodeEntity(val)
				if err != nil {
					return err
				}
				out = append(out, e)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortEntities(out)
	return out, nil
}

// GetRelationships returns relationships with entityID at either end.
func (b *BadgerDriver) GetRelationships(ctx context.Context, entityID string) ([]*types.Relationship, error) {
	var out []*types.Relationship
	err := b.view(func(txn *badger.Txn) error {
		prefix := adjPrefix(entityID)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			relID := string(it.Item().Key()[len(prefix):])
			r, err := getRelationship(txn, relID)
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortRelationships(out)
	return out, nil
}

// AllRelationships scans every relationship.
func (b *BadgerDriver) AllRelationships(ctx context.Context) ([]*types.Relationship, error) {
	var out []*types.Relationship
	err := b.view(func(txn *badger.Txn) error {
		prefix := []byte{prefixRel}
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				r, err := decodeRelationship(val)
				if err != nil {
					return err
				}
				out = append(out, r)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortRelationships(out)
	return out, nil
}

// RelationshipVersions returns archived versions followed by the current one.
func (b *BadgerDriver) RelationshipVersions(ctx context.Context, id string) ([]*types.Relationship, error) {
	var out []*types.Relationship
	err := b.view(func(txn *badger.Txn) error {
		prefix := relVersionPrefix(id)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				r, err := decodeRelationship(val)
				if err != nil {
					return err
				}
				out = append(out, r)
				return nil
			})
			if err != nil {
				return err
			}
		}

		cur, err := getRelationship(txn, id)
		if err != nil {
			return err
		}
		out = append(out, cur)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// VectorSearch ranks stored embeddings by cosine similarity in memory.
func (b *BadgerDriver) VectorSearch(ctx context.Context, embedding []float32, k int) ([]SearchResult, error) {
	if len(embedding) == 0 || k <= 0 {
		return []SearchResult{}, nil
	}
	all, err := b.AllEntities(ctx)
	if err != nil {
		return nil, err
	}
	return rankBySimilarity(all, embedding, k), nil
}

func getEntity(txn *badger.Txn, id string) (*types.Entity, error) {
	item, err := txn.Get(entityKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("entity %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var e *types.Entity
	err = item.Value(func(val []byte) error {
		e, err = decodeEntity(val)
		return err
	})
	return e, err
}

func getRelationship(txn *badger.Txn, id string) (*types.Relationship, error) {
	item, err := txn.Get(relKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("relationship %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var r *types.Relationship
	err = item.Value(func(val []byte) error {
		r, err = decodeRelationship(val)
		return err
	})
	return r, err
}

// badgerTx wraps a native read-write transaction. Badger transactions read
// their own writes, so upserts within one tx see earlier versions.
type badgerTx struct {
	txn    *badger.Txn
	closed bool
	now    func() time.Time
}

func (t *badgerTx) check(ctx context.Context) error {
	if t.closed {
		return ErrTxClosed
	}
	return ctx.Err()
}

func (t *badgerTx) CreateNode(ctx context.Context, e *types.Entity) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	if e == nil {
		return fmt.Errorf("cannot create nil entity")
	}
	if err := e.Validate(); err != nil {
		return err
	}

	prev, err := getEntity(t.txn, e.ID)
	switch {
	case err == nil:
		data, err := encodeEntity(prev)
		if err != nil {
			return err
		}
		if err := t.txn.Set(versionKey(prev.ID, prev.Version), data); err != nil {
			return fmt.Errorf("failed to archive entity %s: %w", prev.ID, err)
		}
	case errors.Is(err, ErrNotFound):
		prev = nil
	default:
		return err
	}

	stampEntity(e, prev, t.now())
	data, err := encodeEntity(e)
	if err != nil {
		return err
	}
	if err := t.txn.Set(entityKey(e.ID), data); err != nil {
		return fmt.Errorf("failed to write entity %s: %w", e.ID, err)
	}
	return nil
}

func (t *badgerTx) CreateEdge(ctx context.Context, r *types.Relationship) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	if r == nil {
		return fmt.Errorf("cannot create nil relationship")
	}
	if err := r.Validate(); err != nil {
		return err
	}
	for _, id := range []string{r.SourceEntityID, r.TargetEntityID} {
		if _, err := t.txn.Get(entityKey(id)); errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("relationship %s endpoint %s: %w", r.ID, id, ErrNotFound)
		} else if err != nil {
			return err
		}
	}

	prev, err := getRelationship(t.txn, r.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if prev != nil {
		archived, err := encodeRelationship(prev)
		if err != nil {
			return err
		}
		if err := t.txn.Set(relVersionKey(prev.ID, prev.Version), archived); err != nil {
			return fmt.Errorf("failed to archive relationship %s: %w", prev.ID, err)
		}
	}
	stampRelationship(r, prev, t.now())

	data, err := encodeRelationship(r)
	if err != nil {
		return err
	}
	if err := t.txn.Set(relKey(r.ID), data); err != nil {
		return fmt.Errorf("failed to write relationship %s: %w", r.ID, err)
	}
	for _, id := range []string{r.SourceEntityID, r.TargetEntityID} {
		if err := t.txn.Set(adjKey(id, r.ID), []byte{}); err != nil {
			return fmt.Errorf("failed to index relationship %s: %w", r.ID, err)
		}
	}
	return nil
}

func (t *badgerTx) Commit(ctx context.Context) error {
	if t.closed {
		return ErrTxClosed
	}
	t.closed = true
	if err := t.txn.Commit(); err != nil {
		return fmt.Errorf("failed to commit badger transaction: %w", err)
	}
	return nil
}

func (t *badgerTx) Rollback(ctx context.Context) error {
	if t.closed {
		return nil
	}
	t.closed = true
	t.txn.Discard()
	return nil
}
