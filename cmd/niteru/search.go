package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hyperjump/niteru/internal/cli"
	"github.com/hyperjump/niteru/internal/models"
	"github.com/hyperjump/niteru/internal/presenter"
)

var (
	searchImage       string
	searchID          string
	searchVector      string
	searchK           int
	searchCategory    string
	searchTags        []string
	searchAttrs       []string
	searchText        string
	searchIncludeSelf bool
)

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Find the stored images most similar to a query",
	Long: `Ranks stored images by similarity to a query image (--image), a stored
image (--id) or a raw embedding (--vector). Filters narrow the candidates
before ranking; all given filters must match.`,
	Example: `  niteru search --image shoe.jpg
  niteru search --image shoe.jpg --k 5 --category shoes --tag red
  niteru search --id 6f1c... --attr color=red --output json
  niteru search --vector 0.12,0.5,0.33 --output compact`,
	Args: cobra.NoArgs,
	RunE: runSearch,
}

func init() {
	f := searchCmd.Flags()
	f.StringVar(&searchImage, "image", "", "query image file")
	f.StringVar(&searchID, "id", "", "use the stored image with this ID as the query")
	f.StringVar(&searchVector, "vector", "", "comma separated query embedding")
	f.IntVar(&searchK, "k", 0, "number of results (0 = configured default)")
	f.StringVar(&searchCategory, "category", "", "only images in this category")
	f.StringSliceVar(&searchTags, "tag", nil, "only images carrying this tag (repeatable)")
	f.StringArrayVar(&searchAttrs, "attr", nil, "only images with attribute key=value (repeatable)")
	f.StringVar(&searchText, "text", "", "only images whose metadata matches this text")
	f.BoolVar(&searchIncludeSelf, "include-self", false, "keep the query image in --id results")
	searchCmd.MarkFlagsMutuallyExclusive("image", "id", "vector")
	searchCmd.MarkFlagsOneRequired("image", "id", "vector")
	rootCmd.AddCommand(searchCmd)
}

// searcher is implemented by the API client and by localSearcher.
type searcher interface {
	Search(ctx context.Context, query *models.SearchQuery) (*presenter.ResponseView, error)
	SearchByImage(ctx context.Context, img []byte, k int, filters *models.Filters) (*presenter.ResponseView, error)
	SearchByID(ctx context.Context, id string, k int, filters *models.Filters, includeSelf bool) (*presenter.ResponseView, error)
}

type localSearcher struct {
	c *Components
}

func (l localSearcher) Search(ctx context.Context, query *models.SearchQuery) (*presenter.ResponseView, error) {
	resp, err := l.c.Engine.Search(ctx, query)
	if err != nil {
		return nil, err
	}
	return l.c.Presenter.Present(ctx, resp), nil
}

func (l localSearcher) SearchByImage(ctx context.Context, img []byte, k int, filters *models.Filters) (*presenter.ResponseView, error) {
	resp, err := l.c.Engine.SearchByImage(ctx, img, k, filters)
	if err != nil {
		return nil, err
	}
	return l.c.Presenter.Present(ctx, resp), nil
}

func (l localSearcher) SearchByID(ctx context.Context, id string, k int, filters *models.Filters, includeSelf bool) (*presenter.ResponseView, error) {
	resp, err := l.c.Engine.SearchByID(ctx, id, k, filters, !includeSelf)
	if err != nil {
		return nil, err
	}
	return l.c.Presenter.Present(ctx, resp), nil
}

func runSearch(cmd *cobra.Command, _ []string) error {
	format, err := cli.ParseOutputFormat(outputFlag)
	if err != nil {
		return err
	}
	filters, err := buildFilters(searchCategory, searchTags, searchAttrs, searchText)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	var s searcher
	if serverURL != "" {
		s = newAPIClient(serverURL)
	} else {
		c, closeFn, err := localSession(ctx)
		if err != nil {
			return err
		}
		defer closeFn()
		s = localSearcher{c: c}
	}

	var view *presenter.ResponseView
	switch {
	case searchImage != "":
		img, readErr := os.ReadFile(searchImage)
		if readErr != nil {
			return fmt.Errorf("read query image: %w", readErr)
		}
		view, err = s.SearchByImage(ctx, img, searchK, filters)
	case searchID != "":
		view, err = s.SearchByID(ctx, searchID, searchK, filters, searchIncludeSelf)
	default:
		vec, parseErr := parseVector(searchVector)
		if parseErr != nil {
			return parseErr
		}
		view, err = s.Search(ctx, &models.SearchQuery{Vector: vec, K: searchK, Filters: filters})
	}
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}
	return cli.WriteSearchResults(cmd.OutOrStdout(), view, format)
}

// buildFilters returns nil when no filter is set.
func buildFilters(category string, tags, attrs []string, text string) (*models.Filters, error) {
	attributes, err := models.ParseAttributes(attrs)
	if err != nil {
		return nil, err
	}
	f := &models.Filters{
		Category:   strings.TrimSpace(category),
		Tags:       tags,
		Attributes: attributes,
		Text:       strings.TrimSpace(text),
	}
	if f.IsEmpty() {
		return nil, nil
	}
	return f, nil
}

// parseVector parses a comma or whitespace separated list of floats.
func parseVector(s string) ([]float32, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' })
	if len(fields) == 0 {
		return nil, models.NewConfigError("vector", "empty")
	}
	vec := make([]float32, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 32)
		if err != nil {
			return nil, models.NewConfigError("vector", "component %d: %q is not a number", i, f)
		}
		vec[i] = float32(v)
	}
	return vec, nil
}
