package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/coinbuidl/moon/internal/moonwatcher"
)

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Run the watcher daemon: run_once, sleep poll_interval_secs, forever",
		Run: func(cmd *cobra.Command, args []string) {
			runWatch()
		},
	}
}

func runWatch() {
	paths, cfg := resolvePathsAndConfig()

	if err := paths.EnsureDirs(paths.StateDir); err != nil {
		fmt.Fprintf(os.Stderr, "moon: %v\n", err)
		os.Exit(1)
	}

	lockFile, err := acquireWatchLock(paths.LockPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "moon: %v\n", err)
		os.Exit(1)
	}
	defer releaseWatchLock(lockFile, paths.LockPath)

	stop := make(chan struct{})
	if err := moonwatcher.RunDaemon(paths, cfg, stop); err != nil {
		fmt.Fprintf(os.Stderr, "moon: watch daemon exited: %v\n", err)
		os.Exit(1)
	}
}

// acquireWatchLock takes an advisory O_EXCL lockfile so two `moon watch`
// instances against the same MOON_HOME fail fast with a clear error
// (spec.md §9 open question 3 — external-collaborator-shaped plumbing,
// not part of the watcher algorithm itself).
func acquireWatchLock(lockPath string) (*os.File, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("another moon watch instance appears to be running (lockfile %s exists)", lockPath)
		}
		return nil, fmt.Errorf("acquire lockfile %s: %w", lockPath, err)
	}
	return f, nil
}

func releaseWatchLock(f *os.File, lockPath string) {
	f.Close()
	os.Remove(lockPath)
}
