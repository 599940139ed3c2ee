package credence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/soundprediction/credence/pkg/alert"
	"github.com/soundprediction/credence/pkg/convert"
	"github.com/soundprediction/credence/pkg/driver"
	"github.com/soundprediction/credence/pkg/embedder"
	"github.com/soundprediction/credence/pkg/evidence"
	"github.com/soundprediction/credence/pkg/extraction"
	"github.com/soundprediction/credence/pkg/metastore"
	"github.com/soundprediction/credence/pkg/propagation"
	"github.com/soundprediction/credence/pkg/provenance"
	"github.com/soundprediction/credence/pkg/reconcile"
	"github.com/soundprediction/credence/pkg/resolution"
	"github.com/soundprediction/credence/pkg/schema"
	"github.com/soundprediction/credence/pkg/txn"
	"github.com/soundprediction/credence/pkg/types"
	"github.com/soundprediction/credence/pkg/utils"
)

const tracerName = "github.com/soundprediction/credence"

// DefaultMaxSpanChars bounds the text handed to the extractor in one call.
const DefaultMaxSpanChars = 4000

var (
	// ErrNoJournal is returned by Reconcile when no journal is configured.
	ErrNoJournal = errors.New("no reconcile journal configured")
	// ErrDecayDisabled is returned by DecayConfidence without a half-life.
	ErrDecayDisabled = errors.New("confidence decay half-life is not configured")
)

// Credence is the main interface for building a confidence-tracked
// knowledge graph.
type Credence interface {
	DocumentProcessor
	HistoryReader
	Converter
	Maintainer

	// Close releases both stores and every client the Client owns.
	Close() error
}

// Client wires extraction, resolution, propagation, aggregation and the
// bi-store coordinator into one document pipeline.
type Client struct {
	graph       driver.GraphDriver
	meta        *metastore.Store
	extractor   extraction.Extractor
	embedder    embedder.Client
	schema      *schema.Schema
	propagator  *propagation.Propagator
	aggregator  *evidence.Aggregator
	resolver    *resolution.Resolver
	registrar   resolution.Registrar
	converter   *convert.Converter
	coordinator *txn.Coordinator
	journal     *reconcile.Journal
	ledger      *provenance.Ledger
	tracer      trace.Tracer
	config      *Config
	logger      *slog.Logger

	// persistMu makes the pre-transaction reads and the transaction one
	// step, so re-aggregation sees every committed claim.
	persistMu sync.Mutex

	// convertRecorder collects convert records between flushes.
	convertMu       sync.Mutex
	convertRecorder *provenance.Recorder

	closers []func() error
}

var _ Credence = (*Client)(nil)

// Config holds configuration for the Client. Zero values take defaults.
type Config struct {
	// ToolID is written to every provenance record the pipeline emits.
	ToolID string
	// Workers bounds concurrent documents in ProcessBatch.
	Workers int
	// MaxSpanChars bounds one extraction call.
	MaxSpanChars int
	// DecayHalfLife enables DecayConfidence.
	DecayHalfLife time.Duration

	Stages      propagation.StageConfig
	Aggregation evidence.Options
	Conversion  convert.Options

	// Resolution configures the resolver. When Provider is nil a registry
	// seeded from the graph store is used, combined with a vector-search
	// provider when Embedder is set.
	Resolution    resolution.Options
	VectorTopK    int
	MinSimilarity float64

	Schema   *schema.Schema
	Embedder embedder.Client
	Journal  *reconcile.Journal
	Alerter  alert.Alerter
	Tracer   trace.Tracer

	NewID func() string
	Now   func() time.Time
}

// NewClient creates a new Client over the two stores. extractor is the
// extraction service; it may be any extraction.Extractor.
func NewClient(ctx context.Context, graph driver.GraphDriver, meta *metastore.Store, extractor extraction.Extractor, config *Config, logger *slog.Logger) (*Client, error) {
	if graph == nil || meta == nil {
		return nil, fmt.Errorf("both a graph store and a metadata store are required")
	}
	if extractor == nil {
		return nil, fmt.Errorf("an extractor is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	applyDefaults(config)

	c := &Client{
		graph:     graph,
		meta:      meta,
		extractor: extractor,
		embedder:  config.Embedder,
		schema:    config.Schema,
		journal:   config.Journal,
		tracer:    config.Tracer,
		config:    config,
		logger:    logger,
	}

	var err error
	if c.propagator, err = propagation.NewPropagator(config.Stages, logger); err != nil {
		return nil, err
	}

	aggOpts := config.Aggregation
	if aggOpts.Logger == nil {
		aggOpts.Logger = logger
	}
	if c.aggregator, err = evidence.NewAggregator(aggOpts); err != nil {
		return nil, err
	}

	resOpts := config.Resolution
	if resOpts.Provider == nil {
		registry := resolution.NewRegistryProvider()
		n, err := registry.Load(ctx, graph)
		if err != nil {
			return nil, err
		}
		logger.Debug("Loaded entity catalog", "entities", n)
		if config.Embedder != nil {
			resOpts.Provider = resolution.MultiProvider{
				registry,
				resolution.NewGraphProvider(config.Embedder, graph, config.VectorTopK, config.MinSimilarity),
			}
		} else {
			resOpts.Provider = registry
		}
	}
	if reg, ok := resOpts.Provider.(resolution.Registrar); ok {
		c.registrar = reg
	}
	resOpts.Schema = config.Schema
	if resOpts.NewID == nil {
		resOpts.NewID = config.NewID
	}
	if resOpts.Now == nil {
		resOpts.Now = config.Now
	}
	if resOpts.Logger == nil {
		resOpts.Logger = logger
	}
	if c.resolver, err = resolution.NewResolver(resOpts); err != nil {
		return nil, err
	}

	c.convertRecorder = provenance.NewRecorder(config.ToolID)
	convOpts := config.Conversion
	convOpts.Recorder = c.convertRecorder
	if convOpts.Logger == nil {
		convOpts.Logger = logger
	}
	if convOpts.Now == nil {
		convOpts.Now = config.Now
	}
	if c.converter, err = convert.NewConverter(convOpts); err != nil {
		return nil, err
	}

	c.coordinator = txn.NewCoordinator(graph, meta, txn.Options{
		Journal: config.Journal,
		Alerter: config.Alerter,
		Logger:  logger,
		Tracer:  config.Tracer,
	})
	c.ledger = provenance.NewLedger(meta, logger)
	return c, nil
}

func applyDefaults(config *Config) {
	if config.ToolID == "" {
		config.ToolID = "credence"
	}
	if config.Workers <= 0 {
		config.Workers = utils.DefaultConcurrency()
	}
	if config.MaxSpanChars <= 0 {
		config.MaxSpanChars = DefaultMaxSpanChars
	}
	if config.Stages.Stages == nil {
		regime := config.Stages.Regime
		config.Stages = propagation.DefaultStageConfig()
		if regime != nil {
			config.Stages.Regime = regime
		}
	}
	if config.Schema == nil {
		config.Schema = schema.Empty()
	}
	if config.Alerter == nil {
		config.Alerter = &alert.NoOpAlerter{}
	}
	if config.Tracer == nil {
		config.Tracer = otel.Tracer(tracerName)
	}
	if config.NewID == nil {
		config.NewID = uuid.NewString
	}
	if config.Now == nil {
		config.Now = time.Now
	}
}

// GetDriver returns the graph+vector store.
func (c *Client) GetDriver() driver.GraphDriver {
	return c.graph
}

// GetMetadataStore returns the relational metadata store.
func (c *Client) GetMetadataStore() *metastore.Store {
	return c.meta
}

// GetPropagator returns the configured uncertainty propagator.
func (c *Client) GetPropagator() *propagation.Propagator {
	return c.propagator
}

// GetAggregator returns the evidence aggregator.
func (c *Client) GetAggregator() *evidence.Aggregator {
	return c.aggregator
}

// GetResolver returns the entity resolver.
func (c *Client) GetResolver() *resolution.Resolver {
	return c.resolver
}

// GetConverter returns the cross-modal converter.
func (c *Client) GetConverter() *convert.Converter {
	return c.converter
}

// addCloser registers cleanup run by Close after the stores.
func (c *Client) addCloser(fn func() error) {
	c.closers = append(c.closers, fn)
}

// Close closes the graph store, the metadata store and every registered
// closer. All are attempted; the errors are joined.
func (c *Client) Close() error {
	errs := []error{c.graph.Close(), c.meta.Close()}
	for i := len(c.closers) - 1; i >= 0; i-- {
		errs = append(errs, c.closers[i]())
	}
	return errors.Join(errs...)
}

// Stats returns row counts in the metadata store.
func (c *Client) Stats(ctx context.Context) (*metastore.Stats, error) {
	return c.meta.GetStats(ctx)
}

// GetEntity returns the current version of an entity.
func (c *Client) GetEntity(ctx context.Context, id string) (*types.Entity, error) {
	return c.graph.GetEntity(ctx, id)
}
