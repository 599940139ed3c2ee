package credence

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/soundprediction/credence/pkg/types"
)

var historyCmd = &cobra.Command{
	Use:   "history <id>",
	Short: "Show the provenance chain and confidence trajectory of an id",
	Long: `Show everything recorded about an entity, relationship or claim id: every
provenance record in order, the confidence trajectory, the confidence records
and every stored version of the entity or relationship.`,
	Args: cobra.ExactArgs(1),
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
}

type historyVersion struct {
	Version    int       `json:"version"`
	Confidence float64   `json:"confidence"`
	Mentions   int       `json:"mention_count"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	client, err := openClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	hist, err := client.History(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(struct {
		TargetID   string                    `json:"target_id"`
		Provenance []*types.ProvenanceRecord `json:"provenance"`
		Trajectory any                       `json:"trajectory"`
		Confidence any                       `json:"confidence_records"`
		Versions   []historyVersion          `json:"versions,omitempty"`
	}{
		TargetID:   hist.TargetID,
		Provenance: hist.Provenance,
		Trajectory: hist.Trajectory,
		Confidence: hist.Confidence,
		Versions:   append(versions(hist.Versions), relationshipVersions(hist.RelationshipVersions)...),
	})
}

func versions(entities []*types.Entity) []historyVersion {
	out := make([]historyVersion, len(entities))
	for i, e := range entities {
		out[i] = historyVersion{
			Version:    e.Version,
			Confidence: e.Confidence.Value,
			Mentions:   e.MentionCount,
			UpdatedAt:  e.UpdatedAt,
		}
	}
	return out
}

func relationshipVersions(rels []*types.Relationship) []historyVersion {
	out := make([]historyVersion, len(rels))
	for i, r := range rels {
		out[i] = historyVersion{
			Version:    r.Version,
			Confidence: r.Confidence.Value,
			Mentions:   len(r.EvidenceMentionIDs),
			UpdatedAt:  r.Confidence.AssessedAt,
		}
	}
	return out
}
