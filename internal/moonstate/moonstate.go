// Package moonstate persists the watcher's process-wide state between
// cycles: last trigger epochs, last observed usage, and the bookkeeping
// maps distillation and inbound-watch need across restarts.
package moonstate

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/coinbuidl/moon/internal/moonpaths"
	"github.com/coinbuidl/moon/internal/moonutil"
)

const schemaVersion = 1

// State is the JSON document persisted at state/moon_state.json.
//
// Renamed from the original implementation's last_prune_trigger_epoch_secs
// to LastCompactionTriggerEpochSecs to match the current two-way
// Archive/Compaction trigger design, and adds DistilledArchives which the
// original did not track.
type State struct {
	SchemaVersion int `json:"schema_version"`

	LastHeartbeatEpochSecs          int64   `json:"last_heartbeat_epoch_secs"`
	LastArchiveTriggerEpochSecs     *int64  `json:"last_archive_trigger_epoch_secs,omitempty"`
	LastCompactionTriggerEpochSecs  *int64  `json:"last_compaction_trigger_epoch_secs,omitempty"`
	LastDistillTriggerEpochSecs     *int64  `json:"last_distill_trigger_epoch_secs,omitempty"`
	LastSessionID                   *string `json:"last_session_id,omitempty"`
	LastUsageRatio                  *float64 `json:"last_usage_ratio,omitempty"`
	LastProvider                    *string `json:"last_provider,omitempty"`

	// DistilledArchives maps archive_path -> distilled_at_epoch_secs. Used
	// to pick idle-distillation candidates and to drive Retention GC.
	DistilledArchives map[string]int64 `json:"distilled_archives"`

	// InboundSeenFiles maps an inbound watch file path to the mtime (epoch
	// seconds) last observed for it.
	InboundSeenFiles map[string]int64 `json:"inbound_seen_files"`
}

// Default returns a freshly initialised state with empty maps.
func Default() *State {
	return &State{
		SchemaVersion:     schemaVersion,
		DistilledArchives: map[string]int64{},
		InboundSeenFiles:  map[string]int64{},
	}
}

// Load reads state/moon_state.json, returning Default() if it does not
// exist yet.
func Load(paths *moonpaths.Paths) (*State, error) {
	data, err := os.ReadFile(paths.StatePath)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("moonstate: read %s: %w", paths.StatePath, err)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("moonstate: parse %s: %w", paths.StatePath, err)
	}
	if s.DistilledArchives == nil {
		s.DistilledArchives = map[string]int64{}
	}
	if s.InboundSeenFiles == nil {
		s.InboundSeenFiles = map[string]int64{}
	}
	if s.SchemaVersion == 0 {
		s.SchemaVersion = schemaVersion
	}
	return &s, nil
}

// Save writes state atomically (temp sibling + rename) as pretty JSON.
func Save(paths *moonpaths.Paths, s *State) error {
	if err := paths.EnsureDirs(paths.StateDir); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("moonstate: marshal: %w", err)
	}
	data = append(data, '\n')
	return moonutil.AtomicWriteFile(paths.StatePath, data, 0o644)
}
