// Package convert moves entities between graph, table and vector views.
//
// Entity ids are preserved in every direction and each output record keeps
// back-references to its source ids and provenance records. Confidence is
// carried through as-is; where a conversion loses information it reports a
// Degradation next to the record instead of rewriting the score. A record
// that cannot be converted is reported in Result.Failures and the rest of
// the batch carries on.
package convert

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/soundprediction/credence/pkg/confidence"
	"github.com/soundprediction/credence/pkg/kgerr"
	"github.com/soundprediction/credence/pkg/provenance"
	"github.com/soundprediction/credence/pkg/types"
)

// Mode is a representation of the same entities.
type Mode string

const (
	ModeGraph  Mode = "graph"
	ModeTable  Mode = "table"
	ModeVector Mode = "vector"
)

// ParseMode parses a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeGraph, ModeTable, ModeVector:
		return m, nil
	}
	return "", kgerr.Validation("parse_mode", fmt.Sprintf("unknown conversion mode %q (graph, table, vector)", s))
}

// MissingPolicy decides what happens to a row with a missing numeric value.
type MissingPolicy string

const (
	// MissingImputeMean fills the column mean and notes a degradation.
	MissingImputeMean MissingPolicy = "impute_mean"
	// MissingFail reports the row as a per-entity failure.
	MissingFail MissingPolicy = "fail"
)

// SimilarTo is the relationship type produced by vector -> graph.
const SimilarTo = "SIMILAR_TO"

// OtherCategory collects categories beyond the one-hot cap.
const OtherCategory = "__other__"

// Defaults used when Options leaves a field zero.
const (
	DefaultSimilarityThreshold = 0.85
	DefaultMaxCategories       = 32
)

// Data is one of *Graph, *Table or *Vectors.
type Data interface {
	Mode() Mode
}

// Graph is the graph view: nodes, edges and their provenance.
type Graph struct {
	Entities      []*types.Entity
	Relationships []*types.Relationship
	// Provenance maps an entity or relationship id to the ids of the
	// provenance records that produced it.
	Provenance map[string][]string
}

func (*Graph) Mode() Mode { return ModeGraph }

// ColumnKind describes how a column can be encoded.
type ColumnKind string

const (
	KindNumeric     ColumnKind = "numeric"
	KindCategorical ColumnKind = "categorical"
	KindText        ColumnKind = "text"
	KindList        ColumnKind = "list"
	KindTime        ColumnKind = "time"
)

// Column describes one table column. Derived columns are computed from the
// graph and are not written back on table -> graph.
type Column struct {
	Name    string     `json:"name"`
	Kind    ColumnKind `json:"kind"`
	Derived bool       `json:"derived,omitempty"`
}

// Row is one entity in the table view. Values is keyed by column name; a
// nil or absent value is missing.
type Row struct {
	EntityID       string             `json:"entity_id"`
	Confidence     confidence.Score   `json:"confidence"`
	ProvenanceIDs  []string           `json:"provenance_ids,omitempty"`
	SourceMentions []types.MentionRef `json:"source_mentions,omitempty"`
	Embedding      []float32          `json:"embedding,omitempty"`
	Values         map[string]any     `json:"values"`
}

// EdgeRow is one relationship in the table view.
type EdgeRow struct {
	Relationship  types.Relationship `json:"relationship"`
	ProvenanceIDs []string           `json:"provenance_ids,omitempty"`
}

// Table is the tabular view: one row per entity plus an edge list.
type Table struct {
	Columns []Column  `json:"columns"`
	Rows    []Row     `json:"rows"`
	Edges   []EdgeRow `json:"edges,omitempty"`
}

func (*Table) Mode() Mode { return ModeTable }

// Column returns the named column.
func (t *Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// VectorRecord is one entity in the vector view. Degradation is 1 when the
// vector is lossless and the product of the per-column factors otherwise.
type VectorRecord struct {
	EntityID      string           `json:"entity_id"`
	Label         string           `json:"label,omitempty"`
	Type          string           `json:"type,omitempty"`
	Confidence    confidence.Score `json:"confidence"`
	ProvenanceIDs []string         `json:"provenance_ids,omitempty"`
	Values        []float32        `json:"values"`
	Degradation   float64          `json:"degradation"`
}

// Vectors is the vector view: a feature matrix keyed by entity id. Features
// names each dimension; it is nil for embedding vectors.
type Vectors struct {
	Dimensions int            `json:"dimensions"`
	Features   []string       `json:"features,omitempty"`
	Records    []VectorRecord `json:"records"`
}

func (*Vectors) Mode() Mode { return ModeVector }

// Degradation notes information lost by a conversion.
type Degradation struct {
	Column    string   `json:"column"`
	Factor    float64  `json:"factor"`
	Reason    string   `json:"reason"`
	EntityIDs []string `json:"entity_ids"`
}

// Result is the outcome of one conversion. Exactly one of Graph, Table and
// Vectors is set, matching To.
type Result struct {
	From         Mode
	To           Mode
	Graph        *Graph
	Table        *Table
	Vectors      *Vectors
	Failures     []*kgerr.Error
	Degradations []Degradation
	Notes        []string
}

// Data returns the converted view.
func (r *Result) Data() Data {
	switch r.To {
	case ModeGraph:
		return r.Graph
	case ModeTable:
		return r.Table
	default:
		return r.Vectors
	}
}

// FailedIDs lists the ids of every failed record.
func (r *Result) FailedIDs() []string {
	var ids []string
	for _, f := range r.Failures {
		ids = append(ids, f.IDs...)
	}
	return ids
}

// Converted returns the number of records in the output view.
func (r *Result) Converted() int {
	switch {
	case r.Graph != nil:
		return len(r.Graph.Entities)
	case r.Table != nil:
		return len(r.Table.Rows)
	case r.Vectors != nil:
		return len(r.Vectors.Records)
	}
	return 0
}

func (r *Result) fail(op, msg, id string) {
	r.Failures = append(r.Failures, kgerr.Conversion(op, msg, id))
}

func (r *Result) note(format string, args ...any) {
	r.Notes = append(r.Notes, fmt.Sprintf(format, args...))
}

// Options configures a Converter.
type Options struct {
	SimilarityThreshold float64
	MaxCategories       int
	MissingNumeric      MissingPolicy
	// Workers bounds the goroutines used for pairwise similarity.
	Workers int
	// Recorder, when set, receives one convert record per output record;
	// its id is appended to the record's provenance ids.
	Recorder *provenance.Recorder
	Now      func() time.Time
	Logger   *slog.Logger
}

// Converter converts between modes. It is safe for concurrent use.
type Converter struct {
	opts   Options
	logger *slog.Logger
}

// NewConverter validates opts and fills defaults.
func NewConverter(opts Options) (*Converter, error) {
	if opts.SimilarityThreshold == 0 {
		opts.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if opts.SimilarityThreshold < 0 || opts.SimilarityThreshold > 1 {
		return nil, kgerr.Validation("new_converter", fmt.Sprintf("similarity threshold %v outside [0,1]", opts.SimilarityThreshold))
	}
	if opts.MaxCategories == 0 {
		opts.MaxCategories = DefaultMaxCategories
	}
	if opts.MaxCategories < 2 {
		return nil, kgerr.Validation("new_converter", fmt.Sprintf("max categories %d must be at least 2", opts.MaxCategories))
	}
	switch opts.MissingNumeric {
	case "":
		opts.MissingNumeric = MissingImputeMean
	case MissingImputeMean, MissingFail:
	default:
		return nil, kgerr.Validation("new_converter", fmt.Sprintf("unknown missing numeric policy %q", opts.MissingNumeric))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Converter{opts: opts, logger: logger}, nil
}

type conversion func(ctx context.Context, c *Converter, in Data) (*Result, error)

type pair struct{ from, to Mode }

var conversions = map[pair]conversion{
	{ModeGraph, ModeTable}:  func(_ context.Context, c *Converter, in Data) (*Result, error) { return c.graphToTable(in.(*Graph)) },
	{ModeTable, ModeGraph}:  func(_ context.Context, c *Converter, in Data) (*Result, error) { return c.tableToGraph(in.(*Table)) },
	{ModeTable, ModeVector}: func(_ context.Context, c *Converter, in Data) (*Result, error) { return c.tableToVector(in.(*Table)) },
	{ModeGraph, ModeVector}: func(_ context.Context, c *Converter, in Data) (*Result, error) { return c.graphToVector(in.(*Graph)) },
	{ModeVector, ModeGraph}: func(ctx context.Context, c *Converter, in Data) (*Result, error) { return c.vectorToGraph(ctx, in.(*Vectors)) },
}

// Supported reports whether from -> to is a supported conversion.
func Supported(from, to Mode) bool {
	_, ok := conversions[pair{from, to}]
	return ok
}

// Convert converts data into the to view. An unsupported pair fails with
// *UnsupportedConversionError before any record is touched. Per-record
// failures are reported in the result, not as an error.
func (c *Converter) Convert(ctx context.Context, data Data, to Mode) (*Result, error) {
	if data == nil {
		return nil, kgerr.Validation("convert", "no input data")
	}
	from := data.Mode()
	fn, ok := conversions[pair{from, to}]
	if !ok {
		return nil, &UnsupportedConversionError{From: from, To: to}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res, err := fn(ctx, c, data)
	if err != nil {
		return nil, err
	}
	res.From, res.To = from, to
	c.logger.Debug("Converted entities", "from", from, "to", to,
		"converted", res.Converted(), "failed", len(res.Failures), "degradations", len(res.Degradations))
	return res, nil
}

// record adds a convert provenance record for id and returns the
// provenance ids to attach to the output record.
func (c *Converter) record(id string, from, to Mode, conf confidence.Score, prior []string) ([]string, error) {
	ids := append([]string(nil), prior...)
	if c.opts.Recorder == nil {
		return ids, nil
	}
	rec, err := c.opts.Recorder.Record(id, provenance.OpConvert,
		map[string]any{"entity_id": id, "from": from, "provenance_ids": prior},
		map[string]any{"entity_id": id, "to": to},
		&conf, &conf)
	if err != nil {
		return nil, err
	}
	return append(ids, rec.ID), nil
}
