package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/deeprecall/recall-sync/internal/cas"
	"github.com/deeprecall/recall-sync/internal/config"
	"github.com/deeprecall/recall-sync/internal/store"
)

var blobCmd = &cobra.Command{
	Use:   "blob",
	Short: "Manage the content-addressed blob store",
}

var blobScanCmd = &cobra.Command{
	Use:   "scan [dir]",
	Short: "Index a directory into the blob catalog",
	Long: `Walk a directory and index every file by its content hash.
Unchanged files (same size and mtime) are skipped without re-hashing.
Files holding identical bytes are reported as duplicate groups.

With no argument the configured import directory is scanned.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		blobs, _, cleanup, err := openBlobStore(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		dir := ""
		if len(args) == 1 {
			dir = args[0]
		} else {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			dir = cfg.ImportDir
		}
		if dir == "" {
			return fmt.Errorf("no directory given and no import_dir configured")
		}

		result, err := blobs.Scan(cmd.Context(), dir)
		if err != nil {
			return err
		}

		fmt.Printf("Scanned %d files: %d added, %d updated, %d removed\n",
			result.Scanned, result.Added, result.Updated, result.Removed)
		if len(result.Duplicates) > 0 {
			fmt.Printf("\n%d duplicate groups:\n", len(result.Duplicates))
			hashes := make([]string, 0, len(result.Duplicates))
			for h := range result.Duplicates {
				hashes = append(hashes, h)
			}
			sort.Strings(hashes)
			for _, h := range hashes {
				fmt.Printf("  %s\n", h)
				for _, p := range result.Duplicates[h] {
					fmt.Printf("    %s\n", p)
				}
			}
			fmt.Println("\nRun 'recall blob resolve' to settle them")
		}
		return nil
	},
}

var blobHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Verify every blob against the filesystem",
	RunE: func(cmd *cobra.Command, args []string) error {
		blobs, _, cleanup, err := openBlobStore(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		report, err := blobs.HealthCheck(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Checked %d blobs\n", report.Checked)
		fmt.Printf("  healthy:   %d\n", report.Healthy)
		fmt.Printf("  missing:   %d\n", report.Missing)
		fmt.Printf("  modified:  %d\n", report.Modified)
		fmt.Printf("  relocated: %d\n", report.Relocated)
		fmt.Printf("  remote:    %d\n", report.Remote)
		if report.Missing > 0 || report.Modified > 0 {
			os.Exit(1)
		}
		return nil
	},
}

var resolveKeep string
var resolveAuto bool

var blobResolveCmd = &cobra.Command{
	Use:   "resolve <sha256>",
	Short: "Settle a duplicate group",
	Long: `Settle a group of identical files found by scan.

With --keep, the named path survives and the other copies are deleted
from disk and from the index. With --auto, the first recorded path is
kept in the index, the others stay on disk untracked, and the blob is
marked duplicate so the automatic choice stays visible.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		blobs, catalog, cleanup, err := openBlobStore(cmd)
		if err != nil {
			return err
		}
		defer cleanup()
		ctx := cmd.Context()
		hash := args[0]

		mode := cas.ResolveUserSelection
		keep := resolveKeep
		if resolveAuto {
			if keep != "" {
				return fmt.Errorf("--keep and --auto are mutually exclusive")
			}
			mode = cas.ResolveAuto
			paths, err := catalog.Paths(ctx, hash)
			if err != nil {
				return err
			}
			if len(paths) == 0 {
				return fmt.Errorf("no paths recorded for %s", hash)
			}
			keep = paths[0]
		}
		if keep == "" {
			return fmt.Errorf("either --keep <path> or --auto is required")
		}

		report, err := blobs.ResolveDuplicates(ctx, &cas.ResolveRequest{
			Mode:        mode,
			Resolutions: []cas.Resolution{{SHA256: hash, KeepPath: keep}},
		})
		if err != nil {
			return err
		}
		for _, o := range report.Outcomes {
			if o.Err != nil {
				return o.Err
			}
			fmt.Printf("Kept %s, pruned %d copies\n", o.Kept, len(o.Pruned))
		}
		return nil
	},
}

var blobStatCmd = &cobra.Command{
	Use:   "stat [sha256]",
	Short: "Show catalog statistics or one blob's record",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, catalog, cleanup, err := openBlobStore(cmd)
		if err != nil {
			return err
		}
		defer cleanup()
		ctx := cmd.Context()

		if len(args) == 1 {
			b, err := catalog.Blob(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s\n", b.SHA256)
			fmt.Printf("  filename: %s\n", b.Filename)
			fmt.Printf("  size:     %d\n", b.Size)
			fmt.Printf("  mime:     %s\n", b.Mime)
			fmt.Printf("  health:   %s\n", b.Health)
			paths, err := catalog.Paths(ctx, b.SHA256)
			if err != nil {
				return err
			}
			for _, p := range paths {
				fmt.Printf("  path:     %s\n", p)
			}
			return nil
		}

		stats, err := catalog.Stats(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%d blobs, %d bytes\n", stats.TotalBlobs, stats.TotalSize)
		fmt.Printf("  healthy:   %d\n", stats.Healthy)
		fmt.Printf("  missing:   %d\n", stats.Missing)
		fmt.Printf("  modified:  %d\n", stats.Modified)
		fmt.Printf("  relocated: %d\n", stats.Relocated)
		fmt.Printf("  duplicate: %d\n", stats.Duplicate)
		fmt.Printf("  remote:    %d\n", stats.Remote)
		return nil
	},
}

var blobRmCmd = &cobra.Command{
	Use:   "rm <sha256>",
	Short: "Remove a blob's bytes and catalog entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		blobs, _, cleanup, err := openBlobStore(cmd)
		if err != nil {
			return err
		}
		defer cleanup()
		if err := blobs.Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Removed %s\n", args[0])
		return nil
	},
}

func openBlobStore(cmd *cobra.Command) (*cas.Store, *cas.Catalog, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	db, err := store.Open(cfg.StorePath)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := db.InitSchema(cmd.Context()); err != nil {
		db.Close()
		return nil, nil, nil, err
	}
	catalog := cas.NewCatalog(db)
	blobs, err := cas.NewStore(cfg.BlobDir, catalog)
	if err != nil {
		db.Close()
		return nil, nil, nil, err
	}
	return blobs, catalog, func() { db.Close() }, nil
}

func init() {
	blobResolveCmd.Flags().StringVar(&resolveKeep, "keep", "", "path to keep; other copies are deleted")
	blobResolveCmd.Flags().BoolVar(&resolveAuto, "auto", false, "keep the first recorded path, leave others on disk untracked")
	blobCmd.AddCommand(blobScanCmd, blobHealthCmd, blobResolveCmd, blobStatCmd, blobRmCmd)
	rootCmd.AddCommand(blobCmd)
}
