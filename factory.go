package credence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/soundprediction/credence/pkg/alert"
	"github.com/soundprediction/credence/pkg/cache"
	"github.com/soundprediction/credence/pkg/confidence"
	"github.com/soundprediction/credence/pkg/config"
	"github.com/soundprediction/credence/pkg/convert"
	"github.com/soundprediction/credence/pkg/driver"
	"github.com/soundprediction/credence/pkg/embedder"
	"github.com/soundprediction/credence/pkg/evidence"
	"github.com/soundprediction/credence/pkg/extraction"
	"github.com/soundprediction/credence/pkg/logger"
	"github.com/soundprediction/credence/pkg/metastore"
	"github.com/soundprediction/credence/pkg/nlp"
	"github.com/soundprediction/credence/pkg/propagation"
	"github.com/soundprediction/credence/pkg/reconcile"
	"github.com/soundprediction/credence/pkg/resolution"
	"github.com/soundprediction/credence/pkg/schema"
	"github.com/soundprediction/credence/pkg/telemetry"
)

// NewLogger builds the process logger from cfg.Log and cfg.Telemetry. The
// returned close function flushes the parquet log sink when one is set.
func NewLogger(cfg *config.Config) (*slog.Logger, func() error, error) {
	level := logger.ParseLevel(cfg.Log.Level)
	var h slog.Handler = logger.NewColorHandler(os.Stderr, level, cfg.Log.Format != "plain")
	if cfg.Log.Format == "json" {
		h = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	if cfg.Telemetry.ParquetPath == "" {
		return slog.New(h), func() error { return nil }, nil
	}
	ph, err := telemetry.NewParquetHandler(h, cfg.Telemetry.ParquetPath, 0)
	if err != nil {
		return nil, nil, err
	}
	return slog.New(ph), ph.Close, nil
}

// NewClientFromConfig opens both stores and every client cfg names and
// returns a ready Client. Everything opened here is released by Close.
func NewClientFromConfig(ctx context.Context, cfg *config.Config, log *slog.Logger) (client *Client, err error) {
	if log == nil {
		log = slog.Default()
	}
	var closers []func() error
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				_ = closers[i]()
			}
		}
	}()

	sch := schema.Empty()
	if cfg.Schema.Path != "" {
		if sch, err = schema.Load(cfg.Schema.Path); err != nil {
			return nil, err
		}
		log.Info("Loaded theory schema", "name", sch.Name(), "version", sch.Version())
	}
	hints := sch.Hints()

	graph, err := OpenGraph(ctx, cfg.Graph, log)
	if err != nil {
		return nil, err
	}
	closers = append(closers, graph.Close)

	meta, err := metastore.Open(ctx, cfg.Metadata.Driver, cfg.Metadata.DSN, log)
	if err != nil {
		return nil, err
	}
	closers = append(closers, meta.Close)

	alerter := alert.New(cfg.Alert)

	llm, err := newNLPClient(cfg, alerter, log)
	if err != nil {
		return nil, err
	}
	if llm != nil {
		closers = append(closers, llm.Close)
	}

	emb, err := newEmbedder(cfg.Embedding)
	if err != nil {
		return nil, err
	}
	if emb != nil {
		closers = append(closers, emb.Close)
	}

	byteCache, closeCache, err := newCache(ctx, cfg.Cache)
	if err != nil {
		return nil, err
	}
	if closeCache != nil {
		closers = append(closers, closeCache)
	}

	aggOpts, err := aggregationOptions(cfg.Aggregation, hints, llm, byteCache, log)
	if err != nil {
		return nil, err
	}

	stages, err := stageConfig(cfg.Propagation, hints)
	if err != nil {
		return nil, err
	}
	if _, err := confidence.ParseGranularity(cfg.Propagation.RelevanceGranularity); err != nil {
		return nil, err
	}

	var extractor extraction.Extractor
	if llm != nil {
		extractor = extraction.NewLLMExtractor(llm, extraction.LLMOptions{Schema: sch, Logger: log})
	} else {
		log.Warn("No language model configured; using the heuristic extractor")
		extractor = extraction.NewHeuristicExtractor(nil)
	}

	var journal *reconcile.Journal
	if cfg.Reconcile.JournalDir != "" {
		if journal, err = reconcile.NewJournal(cfg.Reconcile.JournalDir, log); err != nil {
			return nil, err
		}
	}

	tracer := otel.Tracer(tracerName)
	if cfg.Telemetry.Tracing {
		tp, err := telemetry.NewTracerProvider(ctx, cfg.Telemetry.ServiceName, os.Stderr)
		if err != nil {
			return nil, err
		}
		closers = append(closers, func() error { return tp.Shutdown(context.Background()) })
		tracer = tp.Tracer(tracerName)
	}

	halfLife, err := parseDuration("pipeline.decay_half_life", cfg.Pipeline.DecayHalfLife)
	if err != nil {
		return nil, err
	}

	missing := convert.MissingPolicy(cfg.Conversion.MissingNumeric)
	switch missing {
	case "", convert.MissingImputeMean, convert.MissingFail:
	default:
		return nil, fmt.Errorf("unknown conversion.missing_numeric %q (impute_mean, fail)", cfg.Conversion.MissingNumeric)
	}

	resOpts := resolution.Options{
		MinConfidence:  cfg.Resolution.MinConfidence,
		HedgingMarkers: firstNonEmpty(cfg.Resolution.HedgingMarkers, hints.HedgingMarkers),
		GroupTerms:     hints.GroupTerms,
	}

	client, err = NewClient(ctx, graph, meta, extractor, &Config{
		ToolID:        cfg.Pipeline.ToolID,
		Workers:       cfg.Pipeline.Workers,
		DecayHalfLife: halfLife,
		Stages:        stages,
		Aggregation:   aggOpts,
		Conversion: convert.Options{
			SimilarityThreshold: cfg.Conversion.SimilarityThreshold,
			MaxCategories:       cfg.Conversion.MaxCategories,
			MissingNumeric:      missing,
			Workers:             cfg.Conversion.Workers,
		},
		Resolution:    resOpts,
		VectorTopK:    cfg.Resolution.VectorTopK,
		MinSimilarity: cfg.Resolution.MinSimilarity,
		Schema:        sch,
		Embedder:      emb,
		Journal:       journal,
		Alerter:       alerter,
		Tracer:        tracer,
	}, log)
	if err != nil {
		return nil, err
	}
	// The client closes both stores itself.
	for _, fn := range closers[2:] {
		client.addCloser(fn)
	}
	return client, nil
}

// OpenGraph opens the configured graph+vector store and prepares its
// indexes.
func OpenGraph(ctx context.Context, cfg config.GraphConfig, log *slog.Logger) (driver.GraphDriver, error) {
	var (
		g   driver.GraphDriver
		err error
	)
	switch strings.ToLower(cfg.Driver) {
	case "neo4j":
		g, err = driver.NewNeo4jDriver(cfg.URI, cfg.Username, cfg.Password, cfg.Database)
	case "badger", "":
		g, err = driver.NewBadgerDriver(driver.BadgerOptions{
			Path:     cfg.URI,
			InMemory: cfg.InMemory,
			Logger:   log,
		})
	default:
		return nil, fmt.Errorf("unknown graph driver %q (neo4j, badger)", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := g.CreateIndices(ctx); err != nil {
		return nil, errors.Join(err, g.Close())
	}
	return g, nil
}

func newNLPClient(cfg *config.Config, alerter alert.Alerter, log *slog.Logger) (nlp.Client, error) {
	c := cfg.NLP
	switch strings.ToLower(c.Provider) {
	case "", "none":
		return nil, nil
	case "openai":
	default:
		return nil, fmt.Errorf("unknown nlp provider %q (openai, none)", c.Provider)
	}
	if c.APIKey == "" && c.BaseURL == "" {
		log.Warn("nlp.api_key is not set; language model disabled")
		return nil, nil
	}

	temperature, maxTokens := c.Temperature, c.MaxTokens
	base, err := nlp.NewOpenAIClient(c.APIKey, nlp.OpenAIConfig{
		Model:       c.Model,
		Temperature: &temperature,
		MaxTokens:   &maxTokens,
		BaseURL:     c.BaseURL,
	})
	if err != nil {
		return nil, err
	}

	var client nlp.Client = nlp.NewRetryClient(base, nlp.RetryConfigFrom(c), log)
	client = nlp.NewRateLimitedClient(client, c.RequestsPerSecond, c.Burst)
	if cfg.CircuitBreaker.Enabled {
		client = nlp.NewCircuitBreakerClient(client, cfg.CircuitBreaker, alerter, "nlp", log)
	}
	return client, nil
}

func newEmbedder(cfg config.EmbeddingConfig) (embedder.Client, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "none":
		return nil, nil
	case "hashing":
		return embedder.NewHashingEmbedder(cfg.Dimensions), nil
	case "openai":
		if cfg.APIKey == "" && cfg.BaseURL == "" {
			return nil, nil
		}
		return embedder.NewOpenAIEmbedder(cfg.APIKey, embedder.Config{
			Model:      cfg.Model,
			BaseURL:    cfg.BaseURL,
			Dimensions: cfg.Dimensions,
		}), nil
	}
	return nil, fmt.Errorf("unknown embedding provider %q (openai, hashing, none)", cfg.Provider)
}

func newCache(ctx context.Context, cfg config.CacheConfig) (cache.Cache, func() error, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "none":
		return nil, nil, nil
	case "memory":
		ttl, err := parseDuration("cache.default_ttl", cfg.DefaultTTL)
		if err != nil {
			return nil, nil, err
		}
		return cache.NewMemoryCache(ttl, 10*time.Minute), nil, nil
	case "redis":
		rc, err := cache.NewRedisCache(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, nil, err
		}
		return rc, rc.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown cache backend %q (memory, redis, none)", cfg.Backend)
}

func aggregationOptions(cfg config.AggregationConfig, hints schema.Hints, llm nlp.Client, c cache.Cache, log *slog.Logger) (evidence.Options, error) {
	strategy, err := evidence.ParseStrategy(cfg.Strategy, cfg.Reliability)
	if err != nil {
		return evidence.Options{}, err
	}

	prior := cfg.Prior
	if hints.Prior > 0 {
		prior = hints.Prior
	}
	meta := cfg.MetaConfidence
	if hints.MetaConfidence > 0 {
		meta = hints.MetaConfidence
	}

	var est evidence.LikelihoodEstimator
	switch strings.ToLower(cfg.Estimator) {
	case "", "heuristic":
		est = evidence.NewHeuristicEstimator(prior, meta)
	case "llm":
		if llm == nil {
			log.Warn("LLM likelihood estimator requested without a language model; using the heuristic estimator")
			est = evidence.NewHeuristicEstimator(prior, meta)
		} else {
			est = evidence.NewLLMEstimator(llm)
		}
	default:
		return evidence.Options{}, fmt.Errorf("unknown aggregation.estimator %q (heuristic, llm)", cfg.Estimator)
	}
	if c != nil {
		ttl, err := parseDuration("aggregation.cache_ttl", cfg.CacheTTL)
		if err != nil {
			return evidence.Options{}, err
		}
		est = evidence.NewCachedEstimator(est, c, ttl, log)
	}

	analyzer := evidence.DefaultAnalyzerOptions()
	if cfg.CascadeWindow != "" {
		if analyzer.CascadeWindow, err = parseDuration("aggregation.cascade_window", cfg.CascadeWindow); err != nil {
			return evidence.Options{}, err
		}
	}

	return evidence.Options{
		Strategy:       strategy,
		Estimator:      est,
		Analyzer:       evidence.NewDependencyAnalyzer(analyzer),
		MetaConfidence: meta,
		Logger:         log,
	}, nil
}

// stageConfig builds propagation stages from configuration. Schema stage
// factors override configured ones.
func stageConfig(cfg config.PropagationConfig, hints schema.Hints) (propagation.StageConfig, error) {
	out := propagation.DefaultStageConfig()
	if cfg.Regime != "" {
		regime, err := propagation.ParseRegime(cfg.Regime)
		if err != nil {
			return out, err
		}
		out.Regime = regime
	}
	for name, s := range cfg.Stages {
		out.Stages[name] = propagation.Stage{Name: name, Factor: s.Factor, Correlated: s.Correlated}
	}
	for name, f := range hints.StageFactors {
		st := out.Stages[name]
		st.Name, st.Factor = name, f
		out.Stages[name] = st
	}
	return out, out.Validate()
}

func parseDuration(key, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return d, nil
}

func firstNonEmpty(lists ...[]string) []string {
	for _, l := range lists {
		if len(l) > 0 {
			return l
		}
	}
	return nil
}
