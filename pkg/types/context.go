package types

// ContextKey is the key type for values credence stores on a context.
type ContextKey string

const (
	// ContextKeyDocumentID carries the id of the document being processed.
	ContextKeyDocumentID ContextKey = "document_id"
	// ContextKeyBatchID carries the id of the batch a document belongs to.
	ContextKeyBatchID ContextKey = "batch_id"
	// ContextKeyRequestSource names the entry point (cli, library, ...).
	ContextKeyRequestSource ContextKey = "request_source"
)
