package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/coinbuidl/moon/internal/moonindex"
)

const defaultRecallCollection = "moon-archives"

func recallCmd() *cobra.Command {
	var collection string
	c := &cobra.Command{
		Use:   "recall [query]",
		Short: "Search archived session projections via the external search index",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			runRecall(collection, args[0])
		},
	}
	c.Flags().StringVar(&collection, "collection", defaultRecallCollection, "index collection to search")
	return c
}

func runRecall(collection, query string) {
	paths, _ := resolvePathsAndConfig()
	matches, err := moonindex.Search(paths, collection, query)
	if err != nil {
		fmt.Fprintf(os.Stderr, "moon: recall failed: %v\n", err)
		os.Exit(1)
	}
	if len(matches) == 0 {
		fmt.Println("no matches")
		return
	}
	for _, m := range matches {
		fmt.Printf("%.3f  %s\n", m.Score, m.ArchivePath)
		if m.Snippet != "" {
			fmt.Printf("      %s\n", m.Snippet)
		}
	}
}
