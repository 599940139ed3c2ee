// Package driver provides the graph+vector store used by credence.
//
// The package defines the GraphDriver and GraphTx interfaces and two
// implementations:
//   - Neo4jDriver: a Neo4j server reached over bolt, using explicit transactions
//   - BadgerDriver: an embedded store on BadgerDB, on disk or in memory
//
// # Usage
//
//	// Neo4j
//	d, err := driver.NewNeo4jDriver(uri, username, password, database)
//
//	// Badger (embedded)
//	d, err := driver.NewBadgerDriver(driver.BadgerOptions{Path: "./graph"})
//
//	tx, err := d.Begin(ctx)
//	if err != nil {
//	    return err
//	}
//	if err := tx.CreateNode(ctx, entity); err != nil {
//	    _ = tx.Rollback(ctx)
//	    return err
//	}
//	return tx.Commit(ctx)
//
// # Versioning
//
// Entities are never overwritten in place. Writing an existing id archives
// the stored version and links it with a SUPERSEDES relationship, so
// EntityVersions can reconstruct the full history.
//
// # Thread Safety
//
// Drivers are safe for concurrent use. A GraphTx belongs to one goroutine.
package driver
