// Package moonchannelmap persists the deterministic channel_key -> archive
// pointer MOON uses to resolve per-channel recall to a specific archive
// (spec.md §3 "Channel Archive Map").
package moonchannelmap

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/coinbuidl/moon/internal/moonpaths"
	"github.com/coinbuidl/moon/internal/moonutil"
)

// Record is one entry of the map.
type Record struct {
	ChannelKey        string `json:"channel_key"`
	SourcePath        string `json:"source_path"`
	ArchivePath       string `json:"archive_path"`
	UpdatedAtEpochSecs int64  `json:"updated_at_epoch_secs"`
}

// Map is the whole-file JSON document: channel_key -> Record.
type Map map[string]Record

// Load reads continuity/channel_archive_map.json, returning an empty Map
// if the file does not yet exist.
func Load(paths *moonpaths.Paths) (Map, error) {
	data, err := os.ReadFile(paths.ChannelMapPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Map{}, nil
		}
		return nil, fmt.Errorf("moonchannelmap: read %s: %w", paths.ChannelMapPath, err)
	}
	var m Map
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("moonchannelmap: parse %s: %w", paths.ChannelMapPath, err)
	}
	if m == nil {
		m = Map{}
	}
	return m, nil
}

func save(paths *moonpaths.Paths, m Map) error {
	if err := paths.EnsureDirs(paths.ContinuityDir); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("moonchannelmap: marshal: %w", err)
	}
	data = append(data, '\n')
	return moonutil.AtomicWriteFile(paths.ChannelMapPath, data, 0o644)
}

// Get returns the record for channelKey, or (Record{}, false) if absent or
// channelKey is empty.
func (m Map) Get(channelKey string) (Record, bool) {
	if channelKey == "" {
		return Record{}, false
	}
	r, ok := m[channelKey]
	return r, ok
}

// Upsert validates inputs, writes a fresh record with the current epoch,
// and persists the whole map.
func Upsert(paths *moonpaths.Paths, m Map, channelKey, sourcePath, archivePath string) (Record, error) {
	if channelKey == "" || sourcePath == "" || archivePath == "" {
		return Record{}, fmt.Errorf("moonchannelmap: upsert requires non-empty channel_key, source_path, archive_path")
	}
	rec := Record{
		ChannelKey:         channelKey,
		SourcePath:         sourcePath,
		ArchivePath:        archivePath,
		UpdatedAtEpochSecs: moonutil.NowEpochSeconds(),
	}
	m[channelKey] = rec
	if err := save(paths, m); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// RemoveByArchivePaths deletes every record whose ArchivePath is in the
// given set, saving only if something changed. Returns the removed count.
func RemoveByArchivePaths(paths *moonpaths.Paths, m Map, archivePaths map[string]bool) (int, error) {
	removed := 0
	for k, rec := range m {
		if archivePaths[rec.ArchivePath] {
			delete(m, k)
			removed++
		}
	}
	if removed > 0 {
		if err := save(paths, m); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// RewriteArchivePaths applies rewrites (old_path -> new_path) to every
// record whose ArchivePath matches a key, bumping UpdatedAtEpochSecs on
// each touched record. Used by the archive layout migration.
func RewriteArchivePaths(paths *moonpaths.Paths, m Map, rewrites map[string]string) (int, error) {
	updated := 0
	now := moonutil.NowEpochSeconds()
	for k, rec := range m {
		if newPath, ok := rewrites[rec.ArchivePath]; ok {
			rec.ArchivePath = newPath
			rec.UpdatedAtEpochSecs = now
			m[k] = rec
			updated++
		}
	}
	if updated > 0 {
		if err := save(paths, m); err != nil {
			return updated, err
		}
	}
	return updated, nil
}
