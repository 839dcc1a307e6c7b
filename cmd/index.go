package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/coinbuidl/moon/internal/moonarchive"
	"github.com/coinbuidl/moon/internal/moonchannelmap"
	"github.com/coinbuidl/moon/internal/moonindex"
)

func indexCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "index",
		Short: "Manage the archive index: backfill projections, normalize layout, rebuild collections",
	}
	root.AddCommand(&cobra.Command{
		Use:   "backfill",
		Short: "Write missing Markdown projections for ledger/raw archives",
		Run: func(cmd *cobra.Command, args []string) {
			runIndexBackfill()
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Normalize the archives/raw layout, rewriting ledger paths as needed",
		Run: func(cmd *cobra.Command, args []string) {
			runIndexMigrate()
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "update",
		Short: "Request a bulk index update from the external search-index binary",
		Run: func(cmd *cobra.Command, args []string) {
			runIndexUpdate()
		},
	})
	return root
}

func runIndexBackfill() {
	paths, _ := resolvePathsAndConfig()
	out, err := moonarchive.BackfillProjections(paths)
	if err != nil {
		fmt.Fprintf(os.Stderr, "moon: backfill failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("wrote %d projection(s), %d failed\n", len(out.Written), len(out.Failed))
	for _, p := range out.Failed {
		fmt.Printf("  failed: %s\n", p)
	}
}

func runIndexMigrate() {
	paths, _ := resolvePathsAndConfig()
	out, err := moonarchive.NormalizeArchiveLayout(paths)
	if err != nil {
		fmt.Fprintf(os.Stderr, "moon: migrate failed: %v\n", err)
		os.Exit(1)
	}
	if len(out.PathRewrites) > 0 {
		m, err := moonchannelmap.Load(paths)
		if err == nil {
			_, err = moonchannelmap.RewriteArchivePaths(paths, m, out.PathRewrites)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "moon: migrate channel map rewrite failed: %v\n", err)
			os.Exit(1)
		}
	}
	fmt.Printf("rewrote %d path(s)\n", len(out.PathRewrites))
	for from, to := range out.PathRewrites {
		fmt.Printf("  %s -> %s\n", from, to)
	}
}

func runIndexUpdate() {
	paths, _ := resolvePathsAndConfig()
	if err := moonindex.Update(paths); err != nil {
		fmt.Fprintf(os.Stderr, "moon: index update failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("index updated")
}
