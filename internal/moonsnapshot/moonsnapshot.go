// Package moonsnapshot selects the latest qualifying session transcript and
// copies it byte-for-byte into the archives/raw tree (spec.md §4.2).
package moonsnapshot

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/coinbuidl/moon/internal/moonpaths"
	"github.com/coinbuidl/moon/internal/moonutil"
)

// Outcome describes one snapshot write.
type Outcome struct {
	SourcePath  string
	ArchivePath string
	Bytes       int64
}

// excludedExtensions are never eligible as a session transcript snapshot
// source: lock/temp/partial-write markers from the host agent.
var excludedExtensions = map[string]bool{
	".lock": true,
	".tmp":  true,
	".swp":  true,
	".part": true,
}

// allowedExtensions restricts candidates to actual transcript formats.
var allowedExtensions = map[string]bool{
	".jsonl": true,
	".json":  true,
}

// sanitizeSlug lowercases s, collapses every run of non-alphanumeric
// characters into a single '-', and trims leading/trailing '-'. An empty
// result becomes "snapshot".
func sanitizeSlug(s string) string {
	var b strings.Builder
	prevDash := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			prevDash = false
			continue
		}
		if !prevDash {
			b.WriteByte('-')
			prevDash = true
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "snapshot"
	}
	return out
}

// LatestSessionFile scans dir (non-recursively) for the file with the
// greatest mtime among names that are not "sessions.json", whose extension
// is not one of .lock/.tmp/.swp/.part, and whose extension is one of
// .jsonl/.json. Returns "" if no candidate qualifies.
func LatestSessionFile(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("moonsnapshot: read dir %s: %w", dir, err)
	}

	var best string
	var bestMtime int64 = -1
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if name == "sessions.json" {
			continue
		}
		ext := strings.ToLower(filepath.Ext(name))
		if excludedExtensions[ext] || !allowedExtensions[ext] {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		mtime := info.ModTime().Unix()
		if mtime > bestMtime {
			bestMtime = mtime
			best = filepath.Join(dir, name)
		}
	}
	return best, nil
}

// WriteSnapshot copies sourcePath verbatim into paths.RawDir as
// "<slug>-<epoch>.<ext>" and returns the outcome.
func WriteSnapshot(paths *moonpaths.Paths, sourcePath string) (*Outcome, error) {
	if err := paths.EnsureDirs(paths.RawDir); err != nil {
		return nil, err
	}

	src, err := os.Open(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("moonsnapshot: open source %s: %w", sourcePath, err)
	}
	defer src.Close()

	ext := strings.TrimPrefix(filepath.Ext(sourcePath), ".")
	if ext == "" {
		ext = "json"
	}
	stem := strings.TrimSuffix(filepath.Base(sourcePath), filepath.Ext(sourcePath))
	slug := sanitizeSlug(stem)
	epoch := moonutil.NowEpochSeconds()
	archiveName := slug + "-" + strconv.FormatInt(epoch, 10) + "." + ext
	archivePath := filepath.Join(paths.RawDir, archiveName)

	dst, err := os.OpenFile(archivePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("moonsnapshot: create archive %s: %w", archivePath, err)
	}
	defer dst.Close()

	n, err := io.Copy(dst, src)
	if err != nil {
		return nil, fmt.Errorf("moonsnapshot: copy %s -> %s: %w", sourcePath, archivePath, err)
	}

	return &Outcome{SourcePath: sourcePath, ArchivePath: archivePath, Bytes: n}, nil
}
