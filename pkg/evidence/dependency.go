package evidence

import (
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/soundprediction/credence/pkg/types"
)

// Reason explains why two claims are judged dependent.
type Reason string

const (
	ReasonSameLineage     Reason = "same_lineage"
	ReasonCitation        Reason = "citation"
	ReasonCommonSource    Reason = "common_source"
	ReasonTemporalCascade Reason = "temporal_cascade"
	ReasonDerived         Reason = "derived"
)

// Dependence is one pairwise judgment. Strength is the share of B's
// evidence already contained in A, in [0,1].
type Dependence struct {
	A        string  `json:"a"`
	B        string  `json:"b"`
	Reason   Reason  `json:"reason"`
	Strength float64 `json:"strength"`
	Note     string  `json:"note,omitempty"`
}

// Cluster is a group of claims treated as one body of evidence.
type Cluster struct {
	Members []string `json:"members"`
}

// Judgment is the inspectable output of dependency analysis.
type Judgment struct {
	Clusters      []Cluster    `json:"clusters"`
	Edges         []Dependence `json:"edges,omitempty"`
	LinkThreshold float64      `json:"link_threshold"`
}

// IndependentCount is the number of independent clusters.
func (j Judgment) IndependentCount() int {
	return len(j.Clusters)
}

// FullyDependent reports whether every claim sits in one cluster.
func (j Judgment) FullyDependent() bool {
	return len(j.Clusters) == 1
}

// Strength returns the strongest recorded dependence between a and b.
func (j Judgment) Strength(a, b string) float64 {
	var s float64
	for _, e := range j.Edges {
		if (e.A == a && e.B == b) || (e.A == b && e.B == a) {
			if e.Strength > s {
				s = e.Strength
			}
		}
	}
	return s
}

func (j Judgment) clusterOf(id string) int {
	for i, c := range j.Clusters {
		if slices.Contains(c.Members, id) {
			return i
		}
	}
	return -1
}

// Shrinkage returns, for every claim in order, the factor (1-ρ) its
// evidence keeps once earlier claims in the same cluster are counted. The
// first claim of each cluster keeps all of its evidence. Members linked
// only transitively are shrunk by the link threshold.
func (j Judgment) Shrinkage(order []string) map[string]float64 {
	out := make(map[string]float64, len(order))
	seen := make(map[int][]string)
	for _, id := range order {
		c := j.clusterOf(id)
		earlier := seen[c]
		if len(earlier) == 0 {
			out[id] = 1
		} else {
			rho := 0.0
			for _, e := range earlier {
				rho = max(rho, j.Strength(e, id))
			}
			if rho == 0 {
				rho = j.LinkThreshold
			}
			out[id] = 1 - rho
		}
		seen[c] = append(earlier, id)
	}
	return out
}

// AnalyzerOptions tunes dependency strengths.
type AnalyzerOptions struct {
	// CascadeWindow bounds the publication gap for temporal cascades.
	CascadeWindow        time.Duration
	CitationStrength     float64
	CommonSourceStrength float64
	CascadeStrength      float64
	// LinkThreshold is the minimum strength that places two claims in the
	// same cluster.
	LinkThreshold float64
}

// DefaultAnalyzerOptions returns the standard strengths.
func DefaultAnalyzerOptions() AnalyzerOptions {
	return AnalyzerOptions{
		CascadeWindow:        24 * time.Hour,
		CitationStrength:     0.8,
		CommonSourceStrength: 0.5,
		CascadeStrength:      0.6,
		LinkThreshold:        0.5,
	}
}

// DependencyAnalyzer judges which claims share evidence.
type DependencyAnalyzer struct {
	opts AnalyzerOptions
}

// NewDependencyAnalyzer fills zero options with defaults.
func NewDependencyAnalyzer(opts AnalyzerOptions) *DependencyAnalyzer {
	d := DefaultAnalyzerOptions()
	if opts.CascadeWindow > 0 {
		d.CascadeWindow = opts.CascadeWindow
	}
	if opts.CitationStrength > 0 {
		d.CitationStrength = opts.CitationStrength
	}
	if opts.CommonSourceStrength > 0 {
		d.CommonSourceStrength = opts.CommonSourceStrength
	}
	if opts.CascadeStrength > 0 {
		d.CascadeStrength = opts.CascadeStrength
	}
	if opts.LinkThreshold > 0 {
		d.LinkThreshold = opts.LinkThreshold
	}
	return &DependencyAnalyzer{opts: d}
}

// Analyze builds the judgment for claims. Cluster members keep input order.
func (d *DependencyAnalyzer) Analyze(claims []types.Claim) Judgment {
	n := len(claims)
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}

	j := Judgment{LinkThreshold: d.opts.LinkThreshold}
	for a := 0; a < n; a++ {
		for b := a + 1; b < n; b++ {
			dep, ok := d.pair(claims[a], claims[b])
			if !ok {
				continue
			}
			j.Edges = append(j.Edges, dep)
			if dep.Strength >= d.opts.LinkThreshold {
				ra, rb := find(a), find(b)
				if ra != rb {
					parent[rb] = ra
				}
			}
		}
	}

	groups := make(map[int][]string)
	var roots []int
	for i := range claims {
		r := find(i)
		if _, ok := groups[r]; !ok {
			roots = append(roots, r)
		}
		groups[r] = append(groups[r], claims[i].ID)
	}
	sort.Ints(roots)
	for _, r := range roots {
		j.Clusters = append(j.Clusters, Cluster{Members: groups[r]})
	}
	return j
}

// pair returns the strongest dependence between a and b, if any.
func (d *DependencyAnalyzer) pair(a, b types.Claim) (Dependence, bool) {
	best := Dependence{A: a.ID, B: b.ID}
	consider := func(r Reason, s float64, note string) {
		if s > best.Strength {
			best.Reason, best.Strength, best.Note = r, s, note
		}
	}

	if a.Source.LineageRoot() != "" && a.Source.LineageRoot() == b.Source.LineageRoot() {
		consider(ReasonSameLineage, 1, "lineage "+a.Source.LineageRoot())
	}
	if slices.Contains(a.AggregatedConfidence.DependsOn, b.ID) || slices.Contains(b.AggregatedConfidence.DependsOn, a.ID) {
		consider(ReasonDerived, 1, "confidence derived from the other claim")
	}
	if cites(a.Source, b.Source) || cites(b.Source, a.Source) {
		consider(ReasonCitation, d.opts.CitationStrength, "one source cites the other")
	}
	if common := commonCitation(a.Source, b.Source); common != "" {
		consider(ReasonCommonSource, d.opts.CommonSourceStrength, "both cite "+common)
	}
	if a.Source.Publisher != "" && a.Source.Publisher == b.Source.Publisher &&
		!a.Source.PublishedAt.IsZero() && !b.Source.PublishedAt.IsZero() {
		gap := a.Source.PublishedAt.Sub(b.Source.PublishedAt)
		if gap < 0 {
			gap = -gap
		}
		if gap <= d.opts.CascadeWindow {
			consider(ReasonTemporalCascade, d.opts.CascadeStrength, fmt.Sprintf("same publisher within %s", gap))
		}
	}
	return best, best.Strength > 0
}

func cites(citing, cited types.SourceRef) bool {
	for _, c := range citing.Cites {
		if c == cited.DocumentID || (cited.Lineage != "" && c == cited.Lineage) {
			return true
		}
	}
	return false
}

func commonCitation(a, b types.SourceRef) string {
	for _, c := range a.Cites {
		if slices.Contains(b.Cites, c) {
			return c
		}
	}
	return ""
}
