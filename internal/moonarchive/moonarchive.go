// Package moonarchive implements the Archive Pipeline: content-addressed
// snapshotting, projection, index registration, the append-only ledger,
// layout migration, and projection backfill (spec.md §4.2).
package moonarchive

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/coinbuidl/moon/internal/moonindex"
	"github.com/coinbuidl/moon/internal/moonpaths"
	"github.com/coinbuidl/moon/internal/moonprojection"
	"github.com/coinbuidl/moon/internal/moonsnapshot"
	"github.com/coinbuidl/moon/internal/moonutil"
	"github.com/coinbuidl/moon/internal/moonwarn"
)

// Record is one ledger entry (spec.md §3 "Archive Record").
type Record struct {
	SessionID                    string  `json:"session_id"`
	SourcePath                   string  `json:"source_path"`
	ArchivePath                  string  `json:"archive_path"`
	ProjectionPath               *string `json:"projection_path,omitempty"`
	ContentHash                  string  `json:"content_hash"`
	CreatedAtEpochSecs           int64   `json:"created_at_epoch_secs"`
	IndexedCollection            string  `json:"indexed_collection"`
	Indexed                      bool    `json:"indexed"`
	ProjectionFilteredNoiseCount *int    `json:"projection_filtered_noise_count,omitempty"`
}

// PipelineOutcome is the result of one ArchiveAndIndex call.
type PipelineOutcome struct {
	Record     Record
	Deduped    bool
	LedgerPath string
}

var sf singleflight.Group

func fileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("moonarchive: open %s for hashing: %w", path, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("moonarchive: hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ReadLedger reads every record in the ledger, skipping malformed lines
// (schema errors are fatal to the *affected* operation, not silently
// ignored by callers — ReadLedger itself is lenient to tolerate lines
// another process may be mid-writing only in the append-only sense, since
// appends are single O_APPEND writes).
func ReadLedger(paths *moonpaths.Paths) ([]Record, error) {
	data, err := os.ReadFile(paths.LedgerPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("moonarchive: read ledger %s: %w", paths.LedgerPath, err)
	}
	var records []Record
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// AppendLedger writes one record as a single JSONL append.
func AppendLedger(paths *moonpaths.Paths, rec Record) error {
	if err := paths.EnsureDirs(paths.ArchivesDir); err != nil {
		return err
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("moonarchive: marshal record: %w", err)
	}
	f, err := os.OpenFile(paths.LedgerPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("moonarchive: open ledger %s: %w", paths.LedgerPath, err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("moonarchive: append ledger: %w", err)
	}
	return nil
}

// WriteLedger replaces the whole ledger file (used by retention and
// migration "read all -> filter -> write whole").
func WriteLedger(paths *moonpaths.Paths, records []Record) error {
	var b strings.Builder
	for _, rec := range records {
		line, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("moonarchive: marshal record: %w", err)
		}
		b.Write(line)
		b.WriteByte('\n')
	}
	return moonutil.AtomicWriteFile(paths.LedgerPath, []byte(b.String()), 0o644)
}

func projectionPathFor(paths *moonpaths.Paths, archivePath string) string {
	stem := strings.TrimSuffix(filepath.Base(archivePath), filepath.Ext(archivePath))
	return filepath.Join(paths.MlibDir, stem+".md")
}

// ArchiveAndIndex is the Archive Pipeline's entry point.
func ArchiveAndIndex(paths *moonpaths.Paths, sourcePath, collectionName string) (*PipelineOutcome, error) {
	result, err, _ := sf.Do(sourcePath, func() (any, error) {
		return archiveAndIndex(paths, sourcePath, collectionName)
	})
	if err != nil {
		return nil, err
	}
	return result.(*PipelineOutcome), nil
}

func archiveAndIndex(paths *moonpaths.Paths, sourcePath, collectionName string) (*PipelineOutcome, error) {
	if err := paths.EnsureDirs(paths.ArchivesDir, paths.RawDir, paths.MlibDir); err != nil {
		return nil, err
	}

	sourceHash, err := fileHash(sourcePath)
	if err != nil {
		return nil, err
	}

	records, err := ReadLedger(paths)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if rec.SourcePath == sourcePath && rec.ContentHash == sourceHash {
			return &PipelineOutcome{Record: rec, Deduped: true, LedgerPath: paths.LedgerPath}, nil
		}
	}

	snap, err := moonsnapshot.WriteSnapshot(paths, sourcePath)
	if err != nil {
		return nil, err
	}

	archiveHash, err := fileHash(snap.ArchivePath)
	if err != nil {
		return nil, err
	}

	sessionID := strings.TrimSuffix(filepath.Base(snap.ArchivePath), filepath.Ext(snap.ArchivePath))

	rec := Record{
		SessionID:           sessionID,
		SourcePath:          sourcePath,
		ArchivePath:         snap.ArchivePath,
		ContentHash:         archiveHash,
		CreatedAtEpochSecs:  moonutil.NowEpochSeconds(),
		IndexedCollection:   collectionName,
		Indexed:             false,
	}

	projPath := projectionPathFor(paths, snap.ArchivePath)
	data, perr := moonprojection.Extract(snap.ArchivePath)
	if perr != nil {
		moonwarn.Emit(moonwarn.Event{
			Code: "PROJECTION_WRITE_FAILED", Stage: "archive", Action: "project",
			Session: sessionID, Archive: snap.ArchivePath, Source: sourcePath,
			Reason: "extract", Err: perr.Error(),
		})
	} else {
		localTZ := "UTC"
		md := moonprojection.RenderMarkdownV2(sessionID, sourcePath, snap.ArchivePath, archiveHash, rec.CreatedAtEpochSecs, localTZ, data)
		if werr := os.WriteFile(projPath, []byte(md), 0o644); werr != nil {
			moonwarn.Emit(moonwarn.Event{
				Code: "PROJECTION_WRITE_FAILED", Stage: "archive", Action: "write",
				Session: sessionID, Archive: snap.ArchivePath, Source: sourcePath,
				Reason: "write", Err: werr.Error(),
			})
		} else {
			rec.ProjectionPath = &projPath
			count := data.FilteredNoiseCount
			rec.ProjectionFilteredNoiseCount = &count
		}
	}

	if rec.ProjectionPath != nil {
		if ierr := moonindex.CollectionAddOrUpdate(paths, collectionName, paths.ArchivesDir); ierr != nil {
			moonwarn.Emit(moonwarn.Event{
				Code: "INDEX_FAILED", Stage: "archive", Action: "index",
				Session: sessionID, Archive: snap.ArchivePath, Source: sourcePath,
				Reason: "collection_add_or_update", Err: ierr.Error(),
			})
			rec.Indexed = false
		} else {
			rec.Indexed = true
		}
	}

	if err := AppendLedger(paths, rec); err != nil {
		return nil, err
	}

	return &PipelineOutcome{Record: rec, Deduped: false, LedgerPath: paths.LedgerPath}, nil
}

// BackfillOutcome reports what BackfillProjections did.
type BackfillOutcome struct {
	Written []string
	Failed  []string
}

// BackfillProjections lists the json/jsonl files directly under raw/,
// tracked by the ledger or not, and writes a projection for each one missing
// it; tracked records get their projection path updated. Ledger archives
// that live outside raw/ are not visited.
func BackfillProjections(paths *moonpaths.Paths) (*BackfillOutcome, error) {
	records, err := ReadLedger(paths)
	if err != nil {
		return nil, err
	}
	out := &BackfillOutcome{}

	tracked := map[string]*Record{}
	for i := range records {
		tracked[records[i].ArchivePath] = &records[i]
	}

	entries, err := os.ReadDir(paths.RawDir)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("moonarchive: read raw dir %s: %w", paths.RawDir, err)
	}
	changed := false
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".json" && ext != ".jsonl" {
			continue
		}
		archivePath := filepath.Join(paths.RawDir, e.Name())
		rec, isTracked := tracked[archivePath]

		projPath := projectionPathFor(paths, archivePath)
		if _, err := os.Stat(projPath); err == nil {
			continue // already has a projection
		}

		sessionID := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		data, err := moonprojection.Extract(archivePath)
		if err != nil {
			out.Failed = append(out.Failed, archivePath)
			continue
		}
		hash, err := fileHash(archivePath)
		if err != nil {
			out.Failed = append(out.Failed, archivePath)
			continue
		}
		createdAt := moonutil.NowEpochSeconds()
		if isTracked {
			createdAt = rec.CreatedAtEpochSecs
		}
		md := moonprojection.RenderMarkdownV2(sessionID, archivePath, archivePath, hash, createdAt, "UTC", data)
		if err := os.WriteFile(projPath, []byte(md), 0o644); err != nil {
			out.Failed = append(out.Failed, archivePath)
			continue
		}
		out.Written = append(out.Written, projPath)
		if isTracked {
			rec.ProjectionPath = &projPath
			changed = true
		}
	}
	if changed {
		if err := WriteLedger(paths, records); err != nil {
			return out, err
		}
	}
	return out, nil
}

// MigrationOutcome reports the result of NormalizeArchiveLayout.
type MigrationOutcome struct {
	PathRewrites map[string]string
}

func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	// Cross-device or permission errors: fall back to copy+remove.
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("moonarchive: open %s for move: %w", src, err)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("moonarchive: create %s for move: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("moonarchive: copy %s -> %s: %w", src, dst, err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

// NormalizeArchiveLayout moves any archive not already under raw/ into it,
// and relocates sibling/lib-layout projections into mlib/. Name collisions
// are resolved by hash comparison: identical bytes drop the source;
// different bytes retry with -legacy-<8-hex>[-<n>] suffixes until no
// collision remains.
func NormalizeArchiveLayout(paths *moonpaths.Paths) (*MigrationOutcome, error) {
	if err := paths.EnsureDirs(paths.RawDir, paths.MlibDir); err != nil {
		return nil, err
	}
	records, err := ReadLedger(paths)
	if err != nil {
		return nil, err
	}

	rewrites := map[string]string{}
	for i := range records {
		rec := &records[i]
		if filepath.Dir(rec.ArchivePath) == paths.RawDir {
			continue
		}
		target, err := resolveMigrationTarget(paths.RawDir, rec.ArchivePath)
		if err != nil {
			return nil, err
		}
		if target == "" {
			// Identical bytes already at the raw/ name: drop the source and
			// point the record at the existing copy.
			target = filepath.Join(paths.RawDir, filepath.Base(rec.ArchivePath))
			if err := os.Remove(rec.ArchivePath); err != nil && !os.IsNotExist(err) {
				return nil, fmt.Errorf("moonarchive: drop duplicate %s: %w", rec.ArchivePath, err)
			}
		} else if err := moveFile(rec.ArchivePath, target); err != nil {
			return nil, err
		}
		rewrites[rec.ArchivePath] = target
		oldProjectionCandidates := []string{
			strings.TrimSuffix(rec.ArchivePath, filepath.Ext(rec.ArchivePath)) + ".md",
			filepath.Join(filepath.Dir(rec.ArchivePath), "lib", strings.TrimSuffix(filepath.Base(rec.ArchivePath), filepath.Ext(rec.ArchivePath))+".md"),
		}
		newProjection := projectionPathFor(paths, target)
		for _, old := range oldProjectionCandidates {
			if _, err := os.Stat(old); err == nil {
				_ = moveFile(old, newProjection)
				rec.ProjectionPath = &newProjection
				break
			}
		}
		rec.ArchivePath = target
	}

	if len(rewrites) > 0 {
		if err := WriteLedger(paths, records); err != nil {
			return nil, err
		}
	}

	return &MigrationOutcome{PathRewrites: rewrites}, nil
}

// resolveMigrationTarget picks the destination path for srcPath inside
// rawDir, handling name collisions by hash comparison. Returns "" when the
// colliding file is byte-identical (caller should drop the source).
func resolveMigrationTarget(rawDir, srcPath string) (string, error) {
	base := filepath.Base(srcPath)
	target := filepath.Join(rawDir, base)

	if _, err := os.Stat(target); os.IsNotExist(err) {
		return target, nil
	}

	srcHash, err := fileHash(srcPath)
	if err != nil {
		return "", err
	}
	existingHash, err := fileHash(target)
	if err != nil {
		return "", err
	}
	if srcHash == existingHash {
		return "", nil
	}

	shortHash := srcHash
	if len(shortHash) > 8 {
		shortHash = shortHash[:8]
	}
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	ext := filepath.Ext(base)
	attempt := 0
	for {
		var candidateName string
		if attempt == 0 {
			candidateName = fmt.Sprintf("%s-legacy-%s%s", stem, shortHash, ext)
		} else {
			candidateName = fmt.Sprintf("%s-legacy-%s-%d%s", stem, shortHash, attempt, ext)
		}
		candidate := filepath.Join(rawDir, candidateName)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
		attempt++
	}
}
