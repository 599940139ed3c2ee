// Package credence builds knowledge graphs whose every fact carries a
// calibrated confidence and a provenance chain.
//
// Documents run through extraction, entity resolution, uncertainty
// propagation and evidence aggregation. The results land in two stores: a
// graph+vector store for entities and relationships, and a relational
// metadata store for claims, mentions, confidence history and provenance.
// Both are written in one coordinated transaction per document.
//
// # Basic Usage
//
// Build a client from configuration:
//
//	cfg, err := config.Load("credence.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	client, err := credence.NewClientFromConfig(ctx, cfg, slog.Default())
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
// Or wire the stores yourself:
//
//	graph, _ := driver.NewBadgerDriver(driver.BadgerOptions{Path: "./graph"})
//	meta, _ := metastore.Open(ctx, "sqlite", "file:meta.db", nil)
//	client, err := credence.NewClient(ctx, graph, meta,
//		extraction.NewHeuristicExtractor(nil), &credence.Config{}, nil)
//
// # Processing Documents
//
//	res, err := client.ProcessDocument(ctx, &types.Document{
//		ID:     "doc-1",
//		Text:   "Jimmy Carter was born in Plains.",
//		Source: types.SourceRef{Publisher: "encyclopedia"},
//	})
//
// A mention that cannot be resolved with enough confidence stays ambiguous:
// its candidate distribution is stored instead of a forced choice.
// Confidence only moves through explicit operations. Propagation never
// raises it, and repeating a mention adds references but not belief. Only
// aggregation over independent sources can raise it, and the result never
// exceeds the meta-confidence in the aggregation parameters.
//
// # History
//
// History returns the provenance chain, confidence trajectory and stored
// versions of any entity, relationship or claim id.
//
// # Conversion
//
// ConvertStored and Convert move entities between the graph, table and
// vector views. Entity ids are preserved; lost information is reported as
// per-column degradation.
//
// # Partial commits
//
// When the graph store commits but the metadata store does not, the
// pipeline returns a *txn.PartialCommitError, journals the metadata writes
// and alerts. Reconcile replays the journal.
package credence
