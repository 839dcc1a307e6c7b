package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/coinbuidl/moon/internal/moonwatcher"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run exactly one watcher cycle and exit",
		Run: func(cmd *cobra.Command, args []string) {
			runOnce()
		},
	}
}

func runOnce() {
	paths, cfg := resolvePathsAndConfig()
	outcome, err := moonwatcher.RunOnce(paths, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "moon: cycle failed: %v\n", err)
		os.Exit(1)
	}
	for _, step := range outcome.Steps {
		fmt.Printf("%-12s %-9s %s\n", step.Name, step.Status, step.Message)
	}
}
