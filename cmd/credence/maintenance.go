package credence

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/soundprediction/credence/pkg/schema"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Replay journaled partial commits into the metadata store",
	Long: `Replay every journaled partial commit into the metadata store. Replays are
idempotent; entries that succeed are removed from the journal.`,
	Args: cobra.NoArgs,
	RunE: runReconcile,
}

var decayAsOf string

var decayCmd = &cobra.Command{
	Use:   "decay",
	Short: "Apply temporal confidence decay",
	Long: `Apply the configured half-life (pipeline.decay_half_life) to every entity and
relationship. Facts whose confidence drops receive a superseding version.`,
	Args: cobra.NoArgs,
	RunE: runDecay,
}

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Theory schema tools",
}

var schemaValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Check a theory schema document",
	Args:  cobra.ExactArgs(1),
	RunE:  runSchemaValidate,
}

func init() {
	rootCmd.AddCommand(reconcileCmd, decayCmd, schemaCmd)
	schemaCmd.AddCommand(schemaValidateCmd)
	decayCmd.Flags().StringVar(&decayAsOf, "as-of", "", "RFC 3339 time to decay to (default now)")
}

func runReconcile(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	client, err := openClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	report, err := client.Reconcile(ctx)
	if err != nil {
		return err
	}
	failed := make(map[string]string, len(report.Failed))
	for id, ferr := range report.Failed {
		failed[id] = ferr.Error()
	}
	if err := printJSON(struct {
		Replayed []string          `json:"replayed"`
		Skipped  []string          `json:"skipped,omitempty"`
		Failed   map[string]string `json:"failed,omitempty"`
	}{report.Replayed, report.Skipped, failed}); err != nil {
		return err
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d journal entries could not be replayed", len(failed))
	}
	return nil
}

func runDecay(cmd *cobra.Command, args []string) error {
	now := time.Now()
	if decayAsOf != "" {
		t, err := time.Parse(time.RFC3339, decayAsOf)
		if err != nil {
			return fmt.Errorf("invalid --as-of: %w", err)
		}
		now = t
	}

	ctx := commandContext(cmd)
	client, err := openClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	res, err := client.DecayConfidence(ctx, now)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func runSchemaValidate(cmd *cobra.Command, args []string) error {
	s, err := schema.Load(args[0])
	if err != nil {
		return err
	}
	return printJSON(struct {
		Name              string   `json:"name"`
		Version           string   `json:"version"`
		EntityTypes       []string `json:"entity_types"`
		RelationshipTypes []string `json:"relationship_types"`
	}{s.Name(), s.Version(), s.EntityTypes(), s.RelationshipTypes()})
}
