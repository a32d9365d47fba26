package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/hyperjump/niteru/internal/cli"
	"github.com/hyperjump/niteru/internal/imaging"
	"github.com/hyperjump/niteru/internal/models"
)

var (
	ingestManifest string
	ingestCategory string
	ingestTags     []string
	ingestAttrs    []string
	ingestID       string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [file-or-directory...]",
	Short: "Embed and store images",
	Long: `Ingests image files (directories are walked for supported formats) or the
entries of a JSON manifest. A manifest is an array of objects with
source_reference, optional id, category, tags and attributes; the bytes are
read from the blob store. All images of one invocation are stored together:
if any fails, none is stored.`,
	Example: `  niteru ingest catalog/red-shoe.png --category shoes --tag red --attr color=red
  niteru ingest ./catalog
  niteru ingest --manifest images.json`,
	RunE: runIngest,
}

func init() {
	f := ingestCmd.Flags()
	f.StringVar(&ingestManifest, "manifest", "", "JSON manifest of images to ingest")
	f.StringVar(&ingestCategory, "category", "", "category for file arguments")
	f.StringSliceVar(&ingestTags, "tag", nil, "tag for file arguments (repeatable)")
	f.StringArrayVar(&ingestAttrs, "attr", nil, "attribute key=value for file arguments (repeatable)")
	f.StringVar(&ingestID, "id", "", "explicit ID (single file only)")
	rootCmd.AddCommand(ingestCmd)
}

type ingester interface {
	Ingest(ctx context.Context, in *models.ImageInput) (*models.ImageRecord, error)
	BulkIngest(ctx context.Context, inputs []*models.ImageInput) ([]*models.ImageRecord, error)
}

func runIngest(cmd *cobra.Command, args []string) error {
	format, err := cli.ParseOutputFormat(outputFlag)
	if err != nil {
		return err
	}
	if ingestManifest == "" && len(args) == 0 {
		return fmt.Errorf("nothing to ingest: pass files, directories or --manifest")
	}
	attrs, err := models.ParseAttributes(ingestAttrs)
	if err != nil {
		return err
	}
	template := models.ImageInput{Category: ingestCategory, Tags: ingestTags, Attributes: attrs}
	inputs, err := collectInputs(args, template)
	if err != nil {
		return err
	}
	if ingestManifest != "" {
		manifest, err := readManifest(ingestManifest)
		if err != nil {
			return err
		}
		inputs = append(inputs, manifest...)
	}
	if ingestID != "" {
		if len(inputs) != 1 {
			return models.NewConfigError("id", "only valid with a single image, got %d", len(inputs))
		}
		inputs[0].ID = ingestID
	}
	if len(inputs) == 0 {
		return fmt.Errorf("no supported images found")
	}

	ctx := cmd.Context()
	var ing ingester
	if serverURL != "" {
		ing = newAPIClient(serverURL)
	} else {
		c, closeFn, err := localSession(ctx)
		if err != nil {
			return err
		}
		defer closeFn()
		defer c.SaveSnapshot()
		ing = c.Indexer
	}

	var recs []*models.ImageRecord
	if len(inputs) == 1 {
		rec, err := ing.Ingest(ctx, inputs[0])
		if err != nil {
			return fmt.Errorf("ingest failed: %w", err)
		}
		recs = []*models.ImageRecord{rec}
	} else {
		recs, err = ing.BulkIngest(ctx, inputs)
		if err != nil {
			return fmt.Errorf("ingest failed: %w", err)
		}
	}
	return cli.WriteIngested(cmd.OutOrStdout(), recs, format)
}

// collectInputs reads every path, walking directories for supported images.
// Each input's source reference is its absolute path.
func collectInputs(paths []string, template models.ImageInput) ([]*models.ImageInput, error) {
	var inputs []*models.ImageInput
	add := func(path string) error {
		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			return err
		}
		in := template
		in.Tags = append([]string(nil), template.Tags...)
		in.SourceRef = abs
		in.Data = data
		inputs = append(inputs, &in)
		return nil
	}
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			if err := add(p); err != nil {
				return nil, err
			}
			continue
		}
		err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() || !imaging.IsSupportedExtension(path) {
				return err
			}
			return add(path)
		})
		if err != nil {
			return nil, err
		}
	}
	return inputs, nil
}

func readManifest(path string) ([]*models.ImageInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var inputs []*models.ImageInput
	if err := json.Unmarshal(data, &inputs); err != nil {
		return nil, models.NewConfigError("manifest", "invalid JSON: %v", err)
	}
	for i, in := range inputs {
		if in == nil || in.SourceRef == "" {
			return nil, models.NewConfigError("manifest", "entry %d has no source_reference", i)
		}
	}
	return inputs, nil
}
