// Package moonusage implements the Session Usage Probe (spec.md §4.1 step 4
// and §4.7): queries the host agent for per-session token usage, falling
// back to a character-count estimate from the latest session file, and
// selects compaction candidates from the agent's session list.
package moonusage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/coinbuidl/moon/internal/moonhostagent"
	"github.com/coinbuidl/moon/internal/moonpaths"
	"github.com/coinbuidl/moon/internal/moonsnapshot"
	"github.com/coinbuidl/moon/internal/moonutil"
)

// Snapshot is one usage sample, current-session or per-channel (spec.md §3
// "Usage Snapshot").
type Snapshot struct {
	SessionID           string
	UsedTokens          uint64
	MaxTokens           uint64
	UsageRatio          float64
	CapturedAtEpochSecs int64
	Provider            string
}

func toSnapshot(sessionID string, used, max uint64, provider string) Snapshot {
	if max == 0 {
		max = 1
	}
	return Snapshot{
		SessionID:           sessionID,
		UsedTokens:          used,
		MaxTokens:           max,
		UsageRatio:          float64(used) / float64(max),
		CapturedAtEpochSecs: moonutil.NowEpochSeconds(),
		Provider:            provider,
	}
}

func estimateTokensFromText(raw string) uint64 {
	n := uint64(len([]rune(raw))) / 4
	if n < 1 {
		return 1
	}
	return n
}

func sessionIDFromPath(path string) string {
	stem := filepath.Base(path)
	ext := filepath.Ext(stem)
	stem = stem[:len(stem)-len(ext)]
	if stem == "" {
		return "session"
	}
	return stem
}

// collectFromSessionFile estimates usage from the newest qualifying
// transcript under the configured sessions directory, used when querying
// the agent binary fails for any reason.
func collectFromSessionFile(paths *moonpaths.Paths) (Snapshot, error) {
	source, err := moonsnapshot.LatestSessionFile(paths.OpenClawSessionsDir)
	if err != nil {
		return Snapshot{}, err
	}
	if source == "" {
		return Snapshot{}, fmt.Errorf("moonusage: no source session file found in %s", paths.OpenClawSessionsDir)
	}
	raw, err := os.ReadFile(source)
	if err != nil {
		return Snapshot{}, fmt.Errorf("moonusage: read %s: %w", source, err)
	}
	estimated := estimateTokensFromText(string(raw))
	return toSnapshot(sessionIDFromPath(source), estimated, 200000, "session-file"), nil
}

// CollectCurrent produces the current-session usage snapshot for one
// watcher cycle: the agent binary first, the session-file estimate as
// fallback.
func CollectCurrent(paths *moonpaths.Paths) (Snapshot, error) {
	if usage, err := moonhostagent.SessionsCurrent(paths); err == nil {
		return toSnapshot(usage.SessionID, usage.UsedTokens, usage.MaxTokens, "openclaw"), nil
	}
	return collectFromSessionFile(paths)
}

// Candidate is one over-threshold channel-shaped session, selected for the
// Compaction Dispatcher (spec.md §4.1 step 7).
type Candidate struct {
	ChannelKey string
	Snapshot   Snapshot
}

// isChannelShaped excludes the bare "current"/"main" session keys: only
// colon-qualified keys like "discord:channel:123" or "whatsapp:+614..." are
// compaction candidates (spec.md scenario 3).
func isChannelShaped(key string) bool {
	for _, r := range key {
		if r == ':' {
			return true
		}
	}
	return false
}

// SelectCompactionCandidates lists every session from the agent, keeping
// channel-shaped keys whose usage ratio is at least triggerRatio.
func SelectCompactionCandidates(paths *moonpaths.Paths, triggerRatio float64) ([]Candidate, error) {
	entries, err := moonhostagent.SessionsList(paths)
	if err != nil {
		return nil, err
	}
	var out []Candidate
	for _, e := range entries {
		if !isChannelShaped(e.SessionID) {
			continue
		}
		snap := toSnapshot(e.SessionID, e.UsedTokens, e.MaxTokens, "openclaw")
		if snap.UsageRatio >= triggerRatio {
			out = append(out, Candidate{ChannelKey: e.SessionID, Snapshot: snap})
		}
	}
	return out, nil
}
