package cmd

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/zjrosen/enrich/internal/streams"
)

// maxSampleLine bounds one JSON document in a samples file.
const maxSampleLine = 1 << 20

var samplesFile string

var samplesCmd = &cobra.Command{
	Use:   "samples",
	Short: "Manage preview sample documents",
}

var samplesAddCmd = &cobra.Command{
	Use:   "add NAME -f FILE.jsonl",
	Short: "Append sample documents to a stream",
	Long: `Append sample documents to a stream. The file holds one JSON object per
line; blank lines are skipped. Use "-" to read from stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var r io.Reader = cmd.InOrStdin()
		if samplesFile != "-" {
			f, err := os.Open(samplesFile)
			if err != nil {
				return fmt.Errorf("opening samples: %w", err)
			}
			defer func() { _ = f.Close() }()
			r = f
		}

		docs, err := readSamples(r)
		if err != nil {
			return err
		}

		db, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		if err := db.StreamRepository().AddSamples(cmd.Context(), args[0], docs); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "added %d samples to %s\n", len(docs), args[0])
		return nil
	},
}

// readSamples parses JSON lines into documents.
func readSamples(r io.Reader) ([]streams.Document, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSampleLine)

	var docs []streams.Document
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var doc streams.Document
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if doc == nil {
			return nil, fmt.Errorf("line %d: expected a JSON object", line)
		}
		docs = append(docs, doc)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading samples: %w", err)
	}
	return docs, nil
}

func init() {
	samplesAddCmd.Flags().StringVarP(&samplesFile, "file", "f", "", "JSON lines file, or - for stdin")
	_ = samplesAddCmd.MarkFlagRequired("file")

	samplesCmd.AddCommand(samplesAddCmd)
	rootCmd.AddCommand(samplesCmd)
}
