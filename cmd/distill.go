package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/coinbuidl/moon/internal/moonarchive"
	"github.com/coinbuidl/moon/internal/moondistill"
	"github.com/coinbuidl/moon/internal/moonstate"
	"github.com/coinbuidl/moon/internal/moonutil"
)

func distillCmd() *cobra.Command {
	var allIdle bool
	c := &cobra.Command{
		Use:   "distill",
		Short: "Manually distill idle archives into the day-rolled memory file",
		Long:  "With --all-idle, scans the ledger for every archive past distill.idle_secs that has not yet been distilled and runs the distillation engine on each, ignoring the watcher's own cooldown and compaction-active gating (distill.mode=\"daily\" is meant to be driven by an external scheduler calling this).",
		Run: func(cmd *cobra.Command, args []string) {
			if !allIdle {
				fmt.Fprintln(os.Stderr, "moon: distill requires --all-idle (the watcher loop handles mode=\"idle\" on its own)")
				os.Exit(1)
			}
			runDistillAllIdle()
		},
	}
	c.Flags().BoolVar(&allIdle, "all-idle", false, "distill every ledger entry past distill.idle_secs not yet distilled")
	return c
}

func runDistillAllIdle() {
	paths, cfg := resolvePathsAndConfig()

	st, err := moonstate.Load(paths)
	if err != nil {
		fmt.Fprintf(os.Stderr, "moon: %v\n", err)
		os.Exit(1)
	}

	records, err := moonarchive.ReadLedger(paths)
	if err != nil {
		fmt.Fprintf(os.Stderr, "moon: read ledger: %v\n", err)
		os.Exit(1)
	}

	now := moonutil.NowEpochSeconds()
	distilled, failed, skipped := 0, 0, 0
	for _, rec := range records {
		if !rec.Indexed {
			skipped++
			continue
		}
		if now-rec.CreatedAtEpochSecs < cfg.Distill.IdleSecs {
			skipped++
			continue
		}
		if _, already := st.DistilledArchives[rec.ArchivePath]; already {
			skipped++
			continue
		}
		raw, err := os.ReadFile(rec.ArchivePath)
		if err != nil {
			failed++
			fmt.Printf("  failed: %s (%s)\n", rec.ArchivePath, err)
			continue
		}
		epoch := rec.CreatedAtEpochSecs
		out, err := moondistill.RunDistillation(paths, moondistill.Input{
			SessionID:        rec.SessionID,
			ArchivePath:      rec.ArchivePath,
			ArchiveText:      string(raw),
			ArchiveEpochSecs: &epoch,
		})
		if err != nil {
			failed++
			fmt.Printf("  failed: %s (%s)\n", rec.ArchivePath, err)
			continue
		}
		st.DistilledArchives[rec.ArchivePath] = now
		distilled++
		fmt.Printf("  distilled: %s -> %s (%s)\n", rec.ArchivePath, out.SummaryPath, out.Provider)
	}
	st.LastDistillTriggerEpochSecs = &now

	if err := moonstate.Save(paths, st); err != nil {
		fmt.Fprintf(os.Stderr, "moon: save state: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("distilled=%d failed=%d skipped=%d\n", distilled, failed, skipped)
}
