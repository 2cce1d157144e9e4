package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"margin/api/internal/analysis"
	"margin/api/internal/document"
	"margin/api/internal/highlight"
)

var (
	inspectChunkSize int
	inspectAnalyze   bool
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <file|->",
	Short: "Print the plain text, markup issues and chunks of a formatted document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := readInput(cmd.InOrStdin(), args[0])
		if err != nil {
			return err
		}
		chunkSize := inspectChunkSize
		if chunkSize <= 0 {
			chunkSize = cfg.ChunkSize
		}
		report, err := inspect(cmd.Context(), string(raw), chunkSize, inspectAnalyze)
		if err != nil {
			return err
		}
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(report)
	},
}

type chunkReport struct {
	Offset int `json:"offset"`
	Length int `json:"length"`
}

type inspectReport struct {
	PlainText  string                `json:"plainText"`
	Characters int                   `json:"characters"`
	Issues     []string              `json:"issues"`
	Chunks     []chunkReport         `json:"chunks"`
	Highlights []highlight.Highlight `json:"highlights,omitempty"`
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func inspect(ctx context.Context, raw string, chunkSize int, analyze bool) (inspectReport, error) {
	doc := document.Normalize(raw)
	report := inspectReport{
		PlainText:  doc.PlainText,
		Characters: doc.Len(),
		Issues:     []string{},
		Chunks:     []chunkReport{},
	}
	for _, issue := range doc.Issues {
		report.Issues = append(report.Issues, issue.Error())
	}
	for chunk := range document.Chunks(doc.PlainText, chunkSize) {
		report.Chunks = append(report.Chunks, chunkReport{
			Offset: chunk.Offset,
			Length: utf8.RuneCountInString(chunk.Text),
		})
	}
	if !analyze {
		return report, nil
	}

	engine, cleanup, err := buildEngine(ctx, cfg, logger)
	if err != nil {
		return report, err
	}
	defer cleanup()
	spans, err := analysis.Run(ctx, engine, doc.PlainText, analysis.Options{
		ChunkSize:   chunkSize,
		Concurrency: cfg.AnalysisConcurrency,
		Timeout:     cfg.AnalysisTimeout,
	})
	if err != nil {
		return report, err
	}
	report.Highlights, _ = highlight.FromSpans(doc, spans, cfg.IDBucketSize)
	return report, nil
}
