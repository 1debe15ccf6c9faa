package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/upb/policy-rag/app"
	"github.com/upb/policy-rag/services/extract"
	"github.com/upb/policy-rag/services/ingestion"
	"go.uber.org/zap"
)

type ingestOptions struct {
	name       string
	version    string
	tags       []string
	noActivate bool
	asJSON     bool
}

var ingestOpts ingestOptions

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>",
	Short: "Index a policy document version from a PDF or text file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDependencies(cmd.Context(), func(deps *app.Dependencies) error {
			result, err := ingestFile(cmd.Context(), deps, args[0], ingestOpts)
			if err != nil {
				return err
			}
			if ingestOpts.asJSON {
				data, err := json.MarshalIndent(result, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to marshal result: %w", err)
				}
				cmd.Println(string(data))
				return nil
			}
			cmd.Printf("%s %s: %d chunks, %s\n", result.Name, result.Version, result.ChunksCreated, result.Status)
			return nil
		})
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestOpts.name, "name", "", "document name (defaults to the file name)")
	ingestCmd.Flags().StringVar(&ingestOpts.version, "version", "", "version label")
	ingestCmd.Flags().StringSliceVar(&ingestOpts.tags, "tag", nil, "tag, repeatable")
	ingestCmd.Flags().BoolVar(&ingestOpts.noActivate, "no-activate", false, "index as a draft without activating")
	ingestCmd.Flags().BoolVar(&ingestOpts.asJSON, "json", false, "output the result as JSON")
	_ = ingestCmd.MarkFlagRequired("version")
	rootCmd.AddCommand(ingestCmd)
}

// ingestFile extracts path and indexes it as one version
func ingestFile(ctx context.Context, deps *app.Dependencies, path string, opts ingestOptions) (*ingestion.IngestResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	text, err := extract.ExtractText(data, "", path)
	if err != nil {
		return nil, err
	}

	base := filepath.Base(path)
	name := opts.name
	if name == "" {
		name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	activate := !opts.noActivate

	deps.Logger.Info("ingesting document",
		zap.String("file", path),
		zap.String("name", name),
		zap.String("version", opts.version))

	return deps.Ingestion.Ingest(ctx, ingestion.IngestRequest{
		Name:    name,
		Version: opts.version,
		Text:    text,
		Metadata: ingestion.Metadata{
			Tags:           opts.tags,
			SourceFilename: base,
			Activate:       &activate,
		},
	})
}
