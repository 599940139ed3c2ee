// Package metastore is the relational metadata store.
//
// It holds the provenance ledger, confidence history, claim instances and
// mention resolution outcomes, one row per record, queryable by target id
// and timestamp. Two dialects are supported over database/sql:
//   - postgres, via github.com/lib/pq
//   - sqlite, via modernc.org/sqlite (pure Go, used for local runs and tests)
//
// Every insert is idempotent on the record id (ON CONFLICT DO NOTHING), so
// journaled writes can be replayed after a partial commit.
//
// # Usage
//
//	store, err := metastore.Open(ctx, "sqlite", "file:meta.db", logger)
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	tx, err := store.Begin(ctx)
//	...
//	if err := tx.InsertProvenance(ctx, rec); err != nil {
//	    _ = tx.Rollback(ctx)
//	    return err
//	}
//	return tx.Commit(ctx)
package metastore
