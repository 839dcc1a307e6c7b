// Package moonwatcher sequences one watcher cycle end-to-end (spec.md
// §4.1): inbound watch, usage probe, trigger evaluation, archive pipeline,
// compaction dispatch, distillation, retention GC, then state persist.
package moonwatcher

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/coinbuidl/moon/internal/moonarchive"
	"github.com/coinbuidl/moon/internal/moonaudit"
	"github.com/coinbuidl/moon/internal/moonchannelmap"
	"github.com/coinbuidl/moon/internal/moonconfig"
	"github.com/coinbuidl/moon/internal/moondistill"
	"github.com/coinbuidl/moon/internal/moonhostagent"
	"github.com/coinbuidl/moon/internal/moonpaths"
	"github.com/coinbuidl/moon/internal/moonretention"
	"github.com/coinbuidl/moon/internal/moonsnapshot"
	"github.com/coinbuidl/moon/internal/moonstate"
	"github.com/coinbuidl/moon/internal/moontrigger"
	"github.com/coinbuidl/moon/internal/moonusage"
	"github.com/coinbuidl/moon/internal/moonutil"
	"github.com/coinbuidl/moon/internal/moonwarn"
)

// StepOutcome names one step's status for the cycle outcome report.
type StepOutcome struct {
	Name    string
	Status  string
	Message string
}

// CycleOutcome is the result of one run_once call.
type CycleOutcome struct {
	Steps []StepOutcome
}

func (c *CycleOutcome) record(name, status, message string) {
	c.Steps = append(c.Steps, StepOutcome{Name: name, Status: status, Message: message})
}

func auditStep(paths *moonpaths.Paths, c *CycleOutcome, phase, status, message string) {
	c.record(phase, status, message)
	if err := moonaudit.Append(paths, phase, status, message); err != nil {
		moonwarn.Emit(moonwarn.Event{Code: "AUDIT_WRITE_FAILED", Stage: phase, Action: "audit_append", Reason: "append", Err: err.Error()})
	}
}

func inboundWatchFiles(root string, recursive bool) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("moonwatcher: read inbound dir %s: %w", root, err)
	}
	var out []string
	for _, e := range entries {
		path := filepath.Join(root, e.Name())
		if e.IsDir() {
			if recursive {
				nested, err := inboundWatchFiles(path, recursive)
				if err != nil {
					return nil, err
				}
				out = append(out, nested...)
			}
			continue
		}
		out = append(out, path)
	}
	return out, nil
}

// runInboundWatch processes configured inbound directories, notifying the
// host agent of newly-modified files (spec.md §4.1 step 3, grounded on
// original_source/src/moon/inbound_watch.rs's process()).
func runInboundWatch(paths *moonpaths.Paths, cfg *moonconfig.Config, st *moonstate.State) (detected, triggered, failed int) {
	if !cfg.InboundWatch.Enabled || len(cfg.InboundWatch.WatchPaths) == 0 {
		return 0, 0, 0
	}

	var files []string
	for _, watchPath := range cfg.InboundWatch.WatchPaths {
		if _, err := os.Stat(watchPath); os.IsNotExist(err) {
			if merr := os.MkdirAll(watchPath, 0o755); merr != nil {
				continue
			}
		}
		found, err := inboundWatchFiles(watchPath, cfg.InboundWatch.Recursive)
		if err != nil {
			continue
		}
		files = append(files, found...)
	}
	sort.Strings(files)

	currentlySeen := map[string]bool{}
	for _, file := range files {
		currentlySeen[file] = true

		info, err := os.Stat(file)
		if err != nil {
			continue
		}
		modified := info.ModTime().Unix()
		previous := st.InboundSeenFiles[file]
		if modified <= previous {
			continue
		}

		detected++
		st.InboundSeenFiles[file] = modified
		filename := filepath.Base(file)
		eventText := fmt.Sprintf("Moon System inbound file detected: %s (%s)", filename, file)
		if err := moonhostagent.SystemEvent(paths, eventText, cfg.InboundWatch.EventMode); err != nil {
			failed++
			continue
		}
		triggered++
	}

	for k := range st.InboundSeenFiles {
		if !currentlySeen[k] {
			delete(st.InboundSeenFiles, k)
		}
	}
	return detected, triggered, failed
}

func transcriptPathFor(sessionsDir, sessionID string) (string, bool) {
	for _, ext := range []string{".jsonl", ".json"} {
		candidate := filepath.Join(sessionsDir, sessionID+ext)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}
	}
	return "", false
}

func runCompactionDispatch(paths *moonpaths.Paths, cfg *moonconfig.Config, c *CycleOutcome, candidates []moonusage.Candidate) {
	if len(candidates) == 0 {
		auditStep(paths, c, "compaction", moonaudit.StatusSkipped, "no over-threshold channel sessions")
		return
	}

	transcriptMap, err := moonhostagent.SessionsTranscriptMap(paths)
	if err != nil {
		auditStep(paths, c, "compaction", moonaudit.StatusDegraded, "failed to resolve session transcript map: "+err.Error())
		return
	}

	channelMap, err := moonchannelmap.Load(paths)
	if err != nil {
		auditStep(paths, c, "compaction", moonaudit.StatusDegraded, "failed to load channel map: "+err.Error())
		return
	}

	ok, failedCount := 0, 0
	for _, cand := range candidates {
		sessionID, found := transcriptMap[cand.ChannelKey]
		if !found {
			failedCount++
			moonwarn.Emit(moonwarn.Event{Code: "SESSION_NOT_FOUND", Stage: "compaction", Action: "lookup", Session: cand.ChannelKey, Reason: "missing_from_sessions_json"})
			continue
		}
		transcriptPath, found := transcriptPathFor(paths.OpenClawSessionsDir, sessionID)
		if !found {
			failedCount++
			moonwarn.Emit(moonwarn.Event{Code: "TRANSCRIPT_NOT_FOUND", Stage: "compaction", Action: "lookup", Session: sessionID, Reason: "missing_transcript_file"})
			continue
		}

		outcome, err := moonarchive.ArchiveAndIndex(paths, transcriptPath, "moon-archives")
		if err != nil {
			failedCount++
			moonwarn.Emit(moonwarn.Event{Code: "ARCHIVE_FAILED", Stage: "compaction", Action: "archive", Session: sessionID, Source: transcriptPath, Reason: "archive_and_index", Err: err.Error()})
			continue
		}
		if !outcome.Record.Indexed {
			failedCount++
			moonwarn.Emit(moonwarn.Event{Code: "INDEX_FAILED", Stage: "compaction", Action: "verify", Session: sessionID, Archive: outcome.Record.ArchivePath, Reason: "not_indexed"})
			continue
		}

		if _, err := moonchannelmap.Upsert(paths, channelMap, cand.ChannelKey, transcriptPath, outcome.Record.ArchivePath); err != nil {
			failedCount++
			moonwarn.Emit(moonwarn.Event{Code: "CHANNEL_MAP_FAILED", Stage: "compaction", Action: "upsert", Session: sessionID, Archive: outcome.Record.ArchivePath, Reason: "upsert", Err: err.Error()})
			continue
		}

		chatOutcome, err := moonhostagent.ChatSend(paths, cand.ChannelKey)
		if err != nil {
			failedCount++
			moonwarn.Emit(moonwarn.Event{Code: "COMPACT_RPC_FAILED", Stage: "compaction", Action: "chat_send", Session: cand.ChannelKey, Reason: "chat_send", Err: err.Error()})
			continue
		}
		_ = chatOutcome
		ok++
	}

	status := moonaudit.StatusOK
	if failedCount > 0 && ok == 0 {
		status = moonaudit.StatusDegraded
	}
	auditStep(paths, c, "compaction", status, fmt.Sprintf("dispatched=%d ok=%d failed=%d", len(candidates), ok, failedCount))
}

func runDistillationStep(paths *moonpaths.Paths, cfg *moonconfig.Config, c *CycleOutcome, st *moonstate.State, now int64, compactionActive bool) {
	if compactionActive {
		auditStep(paths, c, "distill", moonaudit.StatusSkipped, "active compaction this cycle")
		return
	}
	if !strings.EqualFold(cfg.Distill.Mode, "idle") {
		auditStep(paths, c, "distill", moonaudit.StatusSkipped, fmt.Sprintf("distill mode %q does not self-trigger", cfg.Distill.Mode))
		return
	}
	if st.LastDistillTriggerEpochSecs != nil && now-*st.LastDistillTriggerEpochSecs < cfg.Watcher.CooldownSecs {
		auditStep(paths, c, "distill", moonaudit.StatusSkipped, "cooldown not elapsed")
		return
	}

	records, err := moonarchive.ReadLedger(paths)
	if err != nil {
		auditStep(paths, c, "distill", moonaudit.StatusDegraded, "failed to read ledger: "+err.Error())
		return
	}

	var candidates []moonarchive.Record
	for _, rec := range records {
		if !rec.Indexed {
			continue
		}
		if now-rec.CreatedAtEpochSecs < cfg.Distill.IdleSecs {
			continue
		}
		if _, already := st.DistilledArchives[rec.ArchivePath]; already {
			continue
		}
		if _, err := os.Stat(rec.ArchivePath); err != nil {
			continue
		}
		candidates = append(candidates, rec)
		if len(candidates) >= cfg.Distill.MaxPerCycle {
			break
		}
	}

	if len(candidates) == 0 {
		auditStep(paths, c, "distill", moonaudit.StatusSkipped, "no idle archive candidates")
		return
	}

	distilled, failed := 0, 0
	for _, rec := range candidates {
		raw, err := os.ReadFile(rec.ArchivePath)
		if err != nil {
			failed++
			continue
		}
		epoch := rec.CreatedAtEpochSecs
		_, err = moondistill.RunDistillation(paths, moondistill.Input{
			SessionID:        rec.SessionID,
			ArchivePath:      rec.ArchivePath,
			ArchiveText:      string(raw),
			ArchiveEpochSecs: &epoch,
		})
		if err != nil {
			failed++
			moonwarn.Emit(moonwarn.Event{Code: "DISTILL_FAILED", Stage: "distill", Action: "run", Session: rec.SessionID, Archive: rec.ArchivePath, Reason: "run_distillation", Err: err.Error()})
			continue
		}
		st.DistilledArchives[rec.ArchivePath] = now
		distilled++
	}
	st.LastDistillTriggerEpochSecs = &now

	status := moonaudit.StatusTriggered
	if distilled == 0 {
		status = moonaudit.StatusDegraded
	}
	auditStep(paths, c, "distill", status, fmt.Sprintf("distilled=%d failed=%d", distilled, failed))
}

// RunOnce performs exactly one watcher cycle.
func RunOnce(paths *moonpaths.Paths, cfg *moonconfig.Config) (*CycleOutcome, error) {
	c := &CycleOutcome{}

	st, err := moonstate.Load(paths)
	if err != nil {
		return nil, fmt.Errorf("moonwatcher: load state: %w", err)
	}

	detected, triggered, failed := runInboundWatch(paths, cfg, st)
	switch {
	case !cfg.InboundWatch.Enabled || len(cfg.InboundWatch.WatchPaths) == 0:
		auditStep(paths, c, "inbound_watch", moonaudit.StatusSkipped, "inbound watch disabled or unconfigured")
	case detected == 0:
		auditStep(paths, c, "inbound_watch", moonaudit.StatusOK, "no new inbound files")
	default:
		status := moonaudit.StatusOK
		if failed > 0 {
			status = moonaudit.StatusDegraded
		}
		auditStep(paths, c, "inbound_watch", status, fmt.Sprintf("detected=%d triggered=%d failed=%d", detected, triggered, failed))
	}

	usageSnap, err := moonusage.CollectCurrent(paths)
	now := moonutil.NowEpochSeconds()
	if err != nil {
		auditStep(paths, c, "usage", moonaudit.StatusDegraded, "failed to collect current usage: "+err.Error())
	} else {
		st.LastHeartbeatEpochSecs = now
		sessionID := usageSnap.SessionID
		ratio := usageSnap.UsageRatio
		provider := usageSnap.Provider
		st.LastSessionID = &sessionID
		st.LastUsageRatio = &ratio
		st.LastProvider = &provider
		auditStep(paths, c, "usage", moonaudit.StatusOK, fmt.Sprintf("session=%s ratio=%.4f provider=%s", sessionID, ratio, provider))
	}

	triggers := moontrigger.Evaluate(usageSnap.UsageRatio, cfg.Thresholds.TriggerRatio, now,
		st.LastArchiveTriggerEpochSecs, st.LastCompactionTriggerEpochSecs, cfg.Watcher.CooldownSecs)

	var names []string
	for _, t := range triggers {
		names = append(names, string(t))
	}
	if len(triggers) == 0 {
		auditStep(paths, c, "trigger", moonaudit.StatusSkipped, "no trigger fired this cycle")
	} else {
		auditStep(paths, c, "trigger", moonaudit.StatusTriggered, "triggers="+strings.Join(names, ","))
	}

	archiveTriggered := false
	compactionTriggered := false
	for _, t := range triggers {
		if t == moontrigger.Archive {
			archiveTriggered = true
		}
		if t == moontrigger.Compaction {
			compactionTriggered = true
		}
	}

	if archiveTriggered {
		st.LastArchiveTriggerEpochSecs = &now
		latest, err := findLatestSource(paths)
		if err != nil || latest == "" {
			auditStep(paths, c, "archive", moonaudit.StatusDegraded, "no qualifying source session file found")
		} else {
			outcome, err := moonarchive.ArchiveAndIndex(paths, latest, "moon-archives")
			if err != nil {
				auditStep(paths, c, "archive", moonaudit.StatusDegraded, "archive failed: "+err.Error())
			} else if outcome.Deduped {
				auditStep(paths, c, "archive", moonaudit.StatusOK, "deduped: "+outcome.Record.ArchivePath)
			} else {
				auditStep(paths, c, "archive", moonaudit.StatusOK, "archived: "+outcome.Record.ArchivePath)
			}
		}
	} else {
		auditStep(paths, c, "archive", moonaudit.StatusSkipped, "archive not triggered this cycle")
	}

	if compactionTriggered {
		st.LastCompactionTriggerEpochSecs = &now
		candidates, err := moonusage.SelectCompactionCandidates(paths, cfg.Thresholds.TriggerRatio)
		if err != nil {
			auditStep(paths, c, "compaction", moonaudit.StatusDegraded, "failed to select compaction candidates: "+err.Error())
		} else {
			runCompactionDispatch(paths, cfg, c, candidates)
		}
	} else {
		auditStep(paths, c, "compaction", moonaudit.StatusSkipped, "compaction not triggered this cycle")
	}

	runDistillationStep(paths, cfg, c, st, now, compactionTriggered)

	retentionOutcome, err := moonretention.Run(paths, st, cfg.Distill.ArchiveGraceHours)
	if err != nil {
		auditStep(paths, c, "retention", moonaudit.StatusDegraded, "retention run failed: "+err.Error())
	} else {
		c.record("retention", moonaudit.StatusOK, fmt.Sprintf("removed=%d missing=%d failed=%d", retentionOutcome.Removed, retentionOutcome.Missing, retentionOutcome.Failed))
	}

	if err := moonstate.Save(paths, st); err != nil {
		return c, fmt.Errorf("moonwatcher: save state: %w", err)
	}

	return c, nil
}

func findLatestSource(paths *moonpaths.Paths) (string, error) {
	return moonsnapshot.LatestSessionFile(paths.OpenClawSessionsDir)
}

// RunDaemon calls RunOnce, then sleeps pollIntervalSecs, forever.
func RunDaemon(paths *moonpaths.Paths, cfg *moonconfig.Config, stop <-chan struct{}) error {
	for {
		if _, err := RunOnce(paths, cfg); err != nil {
			moonwarn.Emit(moonwarn.Event{Code: "CYCLE_FAILED", Stage: "watcher", Action: "run_once", Reason: "run_once", Err: err.Error()})
		}
		select {
		case <-stop:
			return nil
		case <-time.After(time.Duration(cfg.Watcher.PollIntervalSecs) * time.Second):
		}
	}
}
