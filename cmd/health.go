package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/coinbuidl/moon/pkg/protocol"
)

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check configuration, binaries, directories, and watch paths",
		Run: func(cmd *cobra.Command, args []string) {
			if !runHealth() {
				os.Exit(1)
			}
		},
	}
}

func runHealth() bool {
	ok := true

	fmt.Println("moon health")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	paths, cfg := resolvePathsAndConfig()

	fmt.Println("  Directories:")
	for label, dir := range map[string]string{
		"moon_home":  paths.MoonHome,
		"archives":   paths.ArchivesDir,
		"memory":     paths.MemoryDir,
		"state":      paths.StateDir,
		"continuity": paths.ContinuityDir,
		"logs":       paths.LogsDir,
	} {
		if err := checkWritableDir(dir); err != nil {
			fmt.Printf("    %-12s %s (%s)\n", label+":", dir, err)
			ok = false
		} else {
			fmt.Printf("    %-12s %s (OK)\n", label+":", dir)
		}
	}

	fmt.Println()
	fmt.Println("  External binaries:")
	if !checkBinary("agent host", paths.AgentBin, "openclaw") {
		ok = false
	}
	if !checkBinary("index (qmd)", paths.QmdBin, "qmd") {
		ok = false
	}

	fmt.Println()
	fmt.Println("  Inbound watch paths:")
	if !cfg.InboundWatch.Enabled {
		fmt.Println("    (disabled in config)")
	} else if len(cfg.InboundWatch.WatchPaths) == 0 {
		fmt.Println("    (enabled, but no watch_paths configured)")
	} else {
		for _, p := range cfg.InboundWatch.WatchPaths {
			if err := checkWatchable(p); err != nil {
				fmt.Printf("    %-40s NOT WATCHABLE (%s)\n", p, err)
				ok = false
			} else {
				fmt.Printf("    %-40s OK\n", p)
			}
		}
	}

	fmt.Println()
	if ok {
		fmt.Println("Health check complete: OK")
	} else {
		fmt.Println("Health check complete: PROBLEMS FOUND")
	}
	return ok
}

func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	probe, err := os.CreateTemp(dir, ".moon-health-*")
	if err != nil {
		return err
	}
	name := probe.Name()
	probe.Close()
	return os.Remove(name)
}

func checkBinary(label, configured, fallback string) bool {
	candidates := []string{configured, fallback}
	for _, name := range candidates {
		if name == "" {
			continue
		}
		if path, err := exec.LookPath(name); err == nil {
			fmt.Printf("    %-16s %s\n", label+":", path)
			return true
		}
	}
	fmt.Printf("    %-16s NOT FOUND (tried %v)\n", label+":", candidates)
	return false
}

// checkWatchable uses fsnotify to verify a configured inbound_watch path is
// actually watchable on the host filesystem. The watcher loop itself polls by
// mtime per cycle (spec.md §4.1) — fsnotify is reserved for this fail-fast
// diagnostic only, not for the core watch algorithm.
func checkWatchable(path string) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	return w.Add(path)
}
