package credence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/soundprediction/credence/pkg/convert"
)

var (
	convertFrom string
	convertTo   string
	convertOut  string
)

var convertCmd = &cobra.Command{
	Use:   "convert",
	Short: "Convert the stored graph into another view",
	Long: `Convert the stored graph into the table or vector view and write it out.

Table and vector views are written as parquet (entities.parquet and
edges.parquet, or vectors.parquet); the graph view is written as JSON.
Per-entity failures and degradations are reported on stdout.`,
	RunE: runConvert,
}

func init() {
	rootCmd.AddCommand(convertCmd)
	convertCmd.Flags().StringVar(&convertFrom, "from", "graph", "view to start from (graph, table, vector)")
	convertCmd.Flags().StringVar(&convertTo, "to", "table", "view to produce (graph, table, vector)")
	convertCmd.Flags().StringVar(&convertOut, "out", ".", "output directory")
}

type convertSummary struct {
	From         convert.Mode          `json:"from"`
	To           convert.Mode          `json:"to"`
	Converted    int                   `json:"converted"`
	Failed       []string              `json:"failed,omitempty"`
	Degradations []convert.Degradation `json:"degradations,omitempty"`
	Notes        []string              `json:"notes,omitempty"`
	Output       string                `json:"output"`
}

func runConvert(cmd *cobra.Command, args []string) error {
	from, err := convert.ParseMode(convertFrom)
	if err != nil {
		return err
	}
	to, err := convert.ParseMode(convertTo)
	if err != nil {
		return err
	}

	ctx := commandContext(cmd)
	client, err := openClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	res, err := client.ConvertStored(ctx, from, to)
	if err != nil {
		return err
	}
	out, err := writeView(convertOut, res)
	if err != nil {
		return err
	}
	return printJSON(convertSummary{
		From:         from,
		To:           to,
		Converted:    res.Converted(),
		Failed:       res.FailedIDs(),
		Degradations: res.Degradations,
		Notes:        res.Notes,
		Output:       out,
	})
}

func writeView(dir string, res *convert.Result) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	switch res.To {
	case convert.ModeTable:
		return dir, convert.WriteTableParquet(dir, res.Table)
	case convert.ModeVector:
		path := filepath.Join(dir, "vectors.parquet")
		return path, convert.WriteVectorsParquet(path, res.Vectors)
	default:
		path := filepath.Join(dir, "graph.json")
		data, err := json.MarshalIndent(res.Graph, "", "  ")
		if err != nil {
			return "", err
		}
		return path, os.WriteFile(path, data, 0o644)
	}
}
