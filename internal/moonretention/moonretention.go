// Package moonretention implements the Retention GC (spec.md §4.8): drops
// distilled archives past their grace period, cascading the removal into
// the channel map, the ledger, and the search index.
package moonretention

import (
	"fmt"
	"os"

	"github.com/coinbuidl/moon/internal/moonarchive"
	"github.com/coinbuidl/moon/internal/moonaudit"
	"github.com/coinbuidl/moon/internal/moonchannelmap"
	"github.com/coinbuidl/moon/internal/moonindex"
	"github.com/coinbuidl/moon/internal/moonpaths"
	"github.com/coinbuidl/moon/internal/moonstate"
	"github.com/coinbuidl/moon/internal/moonutil"
)

// Outcome summarises one GC pass (spec.md §4.8's audit summary fields).
type Outcome struct {
	GraceHours    int64
	Removed       int
	Missing       int
	Failed        int
	MapRemoved    int
	LedgerRemoved int
	QmdUpdated    bool
}

func (o Outcome) summary() string {
	return fmt.Sprintf(
		"grace_hours=%d removed=%d missing=%d failed=%d map_removed=%d ledger_removed=%d qmd_updated=%t",
		o.GraceHours, o.Removed, o.Missing, o.Failed, o.MapRemoved, o.LedgerRemoved, o.QmdUpdated,
	)
}

// Run evaluates every `distilled_archives` entry against graceHours,
// deleting expired archive files and cascading into the channel map,
// ledger, and search index, then persists the pruned state.
func Run(paths *moonpaths.Paths, st *moonstate.State, graceHours int64) (*Outcome, error) {
	out := &Outcome{GraceHours: graceHours}

	if len(st.DistilledArchives) == 0 {
		if err := moonaudit.Append(paths, "retention", moonaudit.StatusSkipped, "no distilled archives tracked"); err != nil {
			return nil, err
		}
		return out, nil
	}

	now := moonutil.NowEpochSeconds()
	graceSecs := graceHours * 3600

	expired := map[string]bool{}
	for archivePath, distilledAt := range st.DistilledArchives {
		if now-distilledAt >= graceSecs {
			expired[archivePath] = true
		}
	}

	if len(expired) == 0 {
		if err := moonaudit.Append(paths, "retention", moonaudit.StatusSkipped, "no archive past grace period"); err != nil {
			return nil, err
		}
		return out, nil
	}

	for archivePath := range expired {
		if _, err := os.Stat(archivePath); err != nil {
			if os.IsNotExist(err) {
				out.Missing++
				continue
			}
			out.Failed++
			continue
		}
		if err := os.Remove(archivePath); err != nil {
			out.Failed++
			continue
		}
		out.Removed++
	}

	channelMap, err := moonchannelmap.Load(paths)
	if err != nil {
		return nil, err
	}
	mapRemoved, err := moonchannelmap.RemoveByArchivePaths(paths, channelMap, expired)
	if err != nil {
		return nil, err
	}
	out.MapRemoved = mapRemoved

	records, err := moonarchive.ReadLedger(paths)
	if err != nil {
		return nil, err
	}
	var kept []moonarchive.Record
	ledgerRemoved := 0
	for _, rec := range records {
		if expired[rec.ArchivePath] {
			ledgerRemoved++
			continue
		}
		kept = append(kept, rec)
	}
	if ledgerRemoved > 0 {
		if err := moonarchive.WriteLedger(paths, kept); err != nil {
			return nil, err
		}
	}
	out.LedgerRemoved = ledgerRemoved

	for archivePath := range expired {
		delete(st.DistilledArchives, archivePath)
	}
	if err := moonstate.Save(paths, st); err != nil {
		return nil, err
	}

	if err := moonindex.Update(paths); err != nil {
		_ = moonaudit.Append(paths, "retention", moonaudit.StatusDegraded, out.summary()+" qmd_update_error="+err.Error())
		return out, nil
	}
	out.QmdUpdated = true

	if err := moonaudit.Append(paths, "retention", moonaudit.StatusOK, out.summary()); err != nil {
		return nil, err
	}
	return out, nil
}
