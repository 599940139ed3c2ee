package credence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/soundprediction/credence/pkg/kgerr"
	"github.com/soundprediction/credence/pkg/types"
)

var ingestPublisher string

var ingestCmd = &cobra.Command{
	Use:   "ingest <file|dir>...",
	Short: "Process documents into the knowledge graph",
	Long: `Process documents into the knowledge graph.

Plain text files (.txt, .md) become one document each, identified by the file
name. JSON and YAML files hold one document or a list of documents with the
fields id, title, text, source and metadata. Directories are read one level
deep.

Each document commits or fails on its own; failures are listed at the end.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
	ingestCmd.Flags().StringVar(&ingestPublisher, "publisher", "", "publisher recorded for documents that name none")
}

type ingestSummary struct {
	Documents     int               `json:"documents"`
	Succeeded     int               `json:"succeeded"`
	Entities      int               `json:"entities"`
	Relationships int               `json:"relationships"`
	Ambiguous     int               `json:"ambiguous_mentions"`
	Failures      map[string]string `json:"failures,omitempty"`
	Cancelled     []string          `json:"cancelled,omitempty"`
}

func runIngest(cmd *cobra.Command, args []string) error {
	docs, err := loadDocuments(args, ingestPublisher)
	if err != nil {
		return err
	}
	ctx := commandContext(cmd)
	client, err := openClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	res, batchErr := client.ProcessBatch(ctx, docs)
	if res == nil {
		return batchErr
	}
	sum := ingestSummary{
		Documents: len(docs),
		Succeeded: res.Succeeded(),
		Cancelled: res.Cancelled,
	}
	for _, d := range res.Documents {
		if d == nil {
			continue
		}
		sum.Entities += len(d.Entities)
		sum.Relationships += len(d.Relationships)
		sum.Ambiguous += len(d.Ambiguous)
	}
	if len(res.Failures) > 0 {
		sum.Failures = make(map[string]string, len(res.Failures))
		for id, ferr := range res.Failures {
			sum.Failures[id] = ferr.Error()
			p := kgerr.PayloadOf(ferr)
			log.Error("Document failed", "document_id", id, "kind", p.Kind, "next_steps", p.NextSteps)
		}
	}
	if err := printJSON(sum); err != nil {
		return err
	}
	if batchErr != nil {
		return batchErr
	}
	if len(res.Failures) > 0 {
		return fmt.Errorf("%d of %d documents failed", len(res.Failures), len(docs))
	}
	return nil
}

// loadDocuments reads every path into documents. publisher fills in a
// missing Source.Publisher.
func loadDocuments(paths []string, publisher string) ([]*types.Document, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if !e.IsDir() && documentExt(e.Name()) {
				files = append(files, filepath.Join(p, e.Name()))
			}
		}
	}

	var docs []*types.Document
	for _, f := range files {
		loaded, err := loadFile(f)
		if err != nil {
			return nil, err
		}
		docs = append(docs, loaded...)
	}
	for _, d := range docs {
		if d.Source.Publisher == "" {
			d.Source.Publisher = publisher
		}
	}
	return docs, nil
}

func documentExt(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".txt", ".md", ".json", ".yaml", ".yml":
		return true
	}
	return false
}

func loadFile(path string) ([]*types.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var unmarshal func([]byte, any) error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		unmarshal = json.Unmarshal
	case ".yaml", ".yml":
		unmarshal = yaml.Unmarshal
	default:
		name := filepath.Base(path)
		return []*types.Document{{
			ID:    strings.TrimSuffix(name, filepath.Ext(name)),
			Title: name,
			Text:  string(data),
		}}, nil
	}

	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") || strings.HasPrefix(trimmed, "-") {
		var docs []*types.Document
		if err := unmarshal(data, &docs); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		return docs, nil
	}
	var doc types.Document
	if err := unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return []*types.Document{&doc}, nil
}
