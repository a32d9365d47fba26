package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/hyperjump/niteru/internal/cli"
	"github.com/hyperjump/niteru/internal/indexer"
	"github.com/hyperjump/niteru/internal/server"
)

var deleteCmd = &cobra.Command{
	Use:   "delete <image-id>...",
	Short: "Delete images from the store and the index",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		del := func(ctx context.Context, id string) error { return newAPIClient(serverURL).Delete(ctx, id) }
		if serverURL == "" {
			c, closeFn, err := localSession(ctx)
			if err != nil {
				return err
			}
			defer closeFn()
			defer c.SaveSnapshot()
			del = c.Indexer.Delete
		}
		for _, id := range args {
			if err := del(ctx, id); err != nil {
				return fmt.Errorf("delete %s: %w", id, err)
			}
			cmd.Printf("Image deleted: %s\n", id)
		}
		return nil
	},
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the vector and attribute indexes from the store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		var stats *indexer.Stats
		if serverURL != "" {
			s, err := newAPIClient(serverURL).Rebuild(ctx)
			if err != nil {
				return fmt.Errorf("rebuild failed: %w", err)
			}
			stats = s
		} else {
			c, closeFn, err := localSession(ctx)
			if err != nil {
				return err
			}
			defer closeFn()
			if err := c.Indexer.Rebuild(ctx); err != nil {
				return fmt.Errorf("rebuild failed: %w", err)
			}
			c.SaveSnapshot()
			s := c.Indexer.Stats()
			stats = &s
		}
		cmd.Printf("Index rebuilt: %d image(s), %s index, %s metric\n", stats.Size, stats.Type, stats.Metric)
		return nil
	},
}

var reembedCmd = &cobra.Command{
	Use:   "reembed",
	Short: "Re-embed images stored with an outdated model version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		var n int
		var err error
		if serverURL != "" {
			n, err = newAPIClient(serverURL).Reembed(ctx)
		} else {
			c, closeFn, sessErr := localSession(ctx)
			if sessErr != nil {
				return sessErr
			}
			defer closeFn()
			defer c.SaveSnapshot()
			n, err = c.Indexer.Reembed(ctx)
		}
		if err != nil {
			return fmt.Errorf("re-embedding failed after %d image(s): %w", n, err)
		}
		cmd.Printf("Re-embedded %d image(s)\n", n)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store, index and configuration status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		var status *server.Status
		if serverURL != "" {
			s, err := newAPIClient(serverURL).Status(ctx)
			if err != nil {
				return fmt.Errorf("status failed: %w", err)
			}
			status = s
		} else {
			c, closeFn, err := localSession(ctx)
			if err != nil {
				return err
			}
			defer closeFn()
			status, err = server.CollectStatus(ctx, c.Store, c.Indexer, c.Config)
			if err != nil {
				return fmt.Errorf("status failed: %w", err)
			}
		}
		format, err := cli.ParseOutputFormat(outputFlag)
		if err != nil {
			return err
		}
		return writeStatus(cmd.OutOrStdout(), status, format)
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Manage drop folders of a running server",
}

func init() {
	watchCmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List watched directories",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				dirs, err := newAPIClient(serverURL).WatchDirectories(cmd.Context())
				if err != nil {
					return err
				}
				for _, d := range dirs {
					cmd.Println(d)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "add <path>",
			Short: "Watch a directory and ingest the images already in it",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				path, err := filepath.Abs(args[0])
				if err != nil {
					return err
				}
				if err := newAPIClient(serverURL).AddWatchDirectory(cmd.Context(), path); err != nil {
					return fmt.Errorf("add failed: %w", err)
				}
				cmd.Printf("Added: %s\n", path)
				return nil
			},
		},
		&cobra.Command{
			Use:   "remove <path>",
			Short: "Stop watching a directory",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				path, err := filepath.Abs(args[0])
				if err != nil {
					return err
				}
				if err := newAPIClient(serverURL).RemoveWatchDirectory(cmd.Context(), path); err != nil {
					return fmt.Errorf("remove failed: %w", err)
				}
				cmd.Printf("Removed: %s\n", path)
				return nil
			},
		},
	)
	rootCmd.AddCommand(deleteCmd, rebuildCmd, reembedCmd, statusCmd, watchCmd)
}

func writeStatus(w io.Writer, status *server.Status, format cli.SearchOutputFormat) error {
	if format == cli.OutputJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}
	fmt.Fprintf(w, "images:             %d   # stored images\n", status.Images)
	fmt.Fprintf(w, "index_size:         %d   # vectors in the index\n", status.Index.Size)
	fmt.Fprintf(w, "index_mode:         %s\n", status.Index.Type)
	fmt.Fprintf(w, "metric:             %s\n", status.Index.Metric)
	fmt.Fprintf(w, "dimensions:         %d\n", status.Index.Dimensions)
	if status.Index.Stale {
		fmt.Fprintf(w, "stale:              true   # rebuild pending\n")
	}
	if status.DiskUsageBytes != nil {
		fmt.Fprintf(w, "disk_usage_bytes:   %d   # store, snapshot and local blobs\n", *status.DiskUsageBytes)
	}
	if c := status.Config; c != nil {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "# configuration")
		fmt.Fprintf(w, "embedding_provider: %s (%s)\n", c.EmbeddingProvider, c.ModelVersion)
		fmt.Fprintf(w, "index_mode:         %s (exact below %d images)\n", c.IndexMode, c.ExactThreshold)
		fmt.Fprintf(w, "k:                  default %d, max %d\n", c.DefaultK, c.MaxK)
		fmt.Fprintf(w, "blob_backend:       %s\n", c.BlobBackend)
		fmt.Fprintf(w, "database:           %s\n", c.Database)
		if c.IndexSnapshotPath != "" {
			fmt.Fprintf(w, "index_snapshot:     %s\n", c.IndexSnapshotPath)
		}
	}
	return nil
}
