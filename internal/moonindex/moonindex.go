// Package moonindex shells out to the external search-index binary (qmd),
// per spec.md §6. MOON never indexes or serves queries itself.
package moonindex

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/coinbuidl/moon/internal/moonpaths"
)

const defaultMask = "**/*.md"
const callTimeout = 45 * time.Second

func resolveBin(paths *moonpaths.Paths) (string, error) {
	if paths.QmdBin != "" {
		if _, err := exec.LookPath(paths.QmdBin); err == nil {
			return paths.QmdBin, nil
		}
	}
	bin, err := exec.LookPath("qmd")
	if err != nil {
		return "", fmt.Errorf("moonindex: qmd binary not found: %w", err)
	}
	return bin, nil
}

func run(paths *moonpaths.Paths, args ...string) (string, error) {
	bin, err := resolveBin(paths)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, bin, args...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// CollectionInfo is one row of `collection list`'s JSON output.
type CollectionInfo struct {
	Name string `json:"name"`
	Mask string `json:"mask"`
}

// CollectionAddOrUpdate adds the collection rooted at dir with the default
// Markdown mask; if the binary reports it already exists, it inspects
// `collection list` for the current mask, recreates (remove+re-add) if the
// mask differs, otherwise issues `update`.
func CollectionAddOrUpdate(paths *moonpaths.Paths, name, dir string) error {
	out, err := run(paths, "collection", "add", dir, "--name", name, "--mask", defaultMask)
	if err == nil {
		return nil
	}
	if !strings.Contains(strings.ToLower(out), "already exists") {
		return fmt.Errorf("moonindex: collection add failed: %w: %s", err, out)
	}

	entries, lerr := CollectionList(paths)
	if lerr != nil {
		return fmt.Errorf("moonindex: collection add reported exists but list failed: %w", lerr)
	}
	for _, e := range entries {
		if e.Name != name {
			continue
		}
		if e.Mask == defaultMask {
			_, uerr := run(paths, "update")
			if uerr != nil {
				return fmt.Errorf("moonindex: update failed: %w", uerr)
			}
			return nil
		}
		if _, rerr := run(paths, "collection", "remove", name); rerr != nil {
			return fmt.Errorf("moonindex: collection remove failed: %w", rerr)
		}
		if _, aerr := run(paths, "collection", "add", dir, "--name", name, "--mask", defaultMask); aerr != nil {
			return fmt.Errorf("moonindex: collection re-add failed: %w", aerr)
		}
		return nil
	}
	return fmt.Errorf("moonindex: collection %q reported existing but absent from list", name)
}

// CollectionList parses `collection list`'s JSON output.
func CollectionList(paths *moonpaths.Paths) ([]CollectionInfo, error) {
	out, err := run(paths, "collection", "list", "--json")
	if err != nil {
		return nil, fmt.Errorf("moonindex: collection list: %w", err)
	}
	var entries []CollectionInfo
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		return nil, fmt.Errorf("moonindex: parse collection list: %w", err)
	}
	return entries, nil
}

// Update requests a bulk reindex across all collections, used by Retention
// GC after cascading deletions.
func Update(paths *moonpaths.Paths) error {
	_, err := run(paths, "update")
	if err != nil {
		return fmt.Errorf("moonindex: update: %w", err)
	}
	return nil
}

// SearchMatch is one row of a `search ... --json` response, tolerant of
// the several shapes the binary may return.
type SearchMatch struct {
	ArchivePath string  `json:"archive_path"`
	Snippet     string  `json:"snippet"`
	Score       float64 `json:"score"`
}

// Search runs `search <collection> <query> --json` and parses either a
// bare array or a {"results":[...]} wrapper.
func Search(paths *moonpaths.Paths, collection, query string) ([]SearchMatch, error) {
	out, err := run(paths, "search", collection, query, "--json")
	if err != nil {
		return nil, fmt.Errorf("moonindex: search: %w", err)
	}
	return parseSearchMatches(out)
}

func parseSearchMatches(out string) ([]SearchMatch, error) {
	var bare []map[string]any
	if err := json.Unmarshal([]byte(out), &bare); err == nil {
		return matchesFromMaps(bare), nil
	}
	var wrapped struct {
		Results []map[string]any `json:"results"`
	}
	if err := json.Unmarshal([]byte(out), &wrapped); err == nil {
		return matchesFromMaps(wrapped.Results), nil
	}
	return nil, fmt.Errorf("moonindex: unrecognised search response shape")
}

func matchesFromMaps(rows []map[string]any) []SearchMatch {
	matches := make([]SearchMatch, 0, len(rows))
	for i, row := range rows {
		m := SearchMatch{}
		if v, ok := row["snippet"].(string); ok {
			m.Snippet = v
		} else if v, ok := row["text"].(string); ok {
			m.Snippet = v
		}
		if v, ok := row["path"].(string); ok {
			m.ArchivePath = v
		} else if v, ok := row["source"].(string); ok {
			m.ArchivePath = v
		}
		if v, ok := row["score"].(float64); ok {
			m.Score = v
		} else {
			m.Score = float64(len(rows) - i)
		}
		matches = append(matches, m)
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	return matches
}
