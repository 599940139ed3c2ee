// Package embedder provides text embedding clients for vector representations.
//
// OpenAIEmbedder calls the OpenAI embeddings endpoint or any compatible
// service. HashingEmbedder is a deterministic offline embedder used when no
// embedding service is configured and in tests.
//
// # Usage
//
//	e := embedder.NewOpenAIEmbedder(apiKey, embedder.Config{
//	    Model:     "text-embedding-3-small",
//	    BatchSize: 100,
//	})
//	vectors, err := e.Embed(ctx, []string{"Jimmy Carter"})
package embedder
