// Package types defines the core data types shared by credence components.
//
// This package contains:
//   - Entity: a canonical thing, keyed by a UUID shared across graph, table and vector views
//   - Mention: a textual reference that may stay unresolved with a candidate distribution
//   - Relationship: a typed edge between entities
//   - Claim: one source's assertion, the unit of evidence aggregation
//   - ProvenanceRecord: an immutable ledger entry
//   - Document, SourceRef: pipeline input and its lineage
//
// # Validation
//
// Types provide Validate() methods. Failures are kgerr validation errors that
// wrap the sentinel errors declared here:
//
//	if err := entity.Validate(); errors.Is(err, types.ErrEmptyName) {
//	    // Handle validation error
//	}
package types
