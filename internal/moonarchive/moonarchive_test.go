package moonarchive

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/coinbuidl/moon/internal/moonpaths"
)

func testPaths(t *testing.T) *moonpaths.Paths {
	t.Helper()
	home := t.TempDir()
	archivesDir := filepath.Join(home, "archives")
	return &moonpaths.Paths{
		MoonHome:    home,
		ArchivesDir: archivesDir,
		RawDir:      filepath.Join(archivesDir, "raw"),
		MlibDir:     filepath.Join(archivesDir, "mlib"),
		LedgerPath:  filepath.Join(archivesDir, "ledger.jsonl"),
	}
}

func writeSource(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	return path
}

func TestArchiveAndIndexWritesLedgerAndDedups(t *testing.T) {
	paths := testPaths(t)
	srcDir := t.TempDir()
	source := writeSource(t, srcDir, "session-one.jsonl", `{"type":"message","message":{"role":"user","content":[{"type":"text","text":"hello"}]}}`+"\n")

	out, err := ArchiveAndIndex(paths, source, "moon-archives")
	if err != nil {
		t.Fatalf("archive and index: %v", err)
	}
	if out.Deduped {
		t.Fatalf("expected first archive to not be deduped")
	}
	if out.Record.ArchivePath == "" || out.Record.ContentHash == "" {
		t.Fatalf("expected populated record, got %+v", out.Record)
	}

	records, err := ReadLedger(paths)
	if err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 ledger record, got %d", len(records))
	}

	out2, err := ArchiveAndIndex(paths, source, "moon-archives")
	if err != nil {
		t.Fatalf("second archive and index: %v", err)
	}
	if !out2.Deduped {
		t.Fatalf("expected second call with identical content to dedup")
	}

	records, err = ReadLedger(paths)
	if err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected ledger to stay at 1 record after dedup, got %d", len(records))
	}
}

func TestReadLedgerSkipsMalformedLines(t *testing.T) {
	paths := testPaths(t)
	if err := paths.EnsureDirs(paths.ArchivesDir); err != nil {
		t.Fatalf("ensure dirs: %v", err)
	}
	content := `{"session_id":"a","source_path":"/s","archive_path":"/a","content_hash":"h"}` + "\n" +
		"not json\n" +
		`{"session_id":"b","source_path":"/s2","archive_path":"/a2","content_hash":"h2"}` + "\n"
	if err := os.WriteFile(paths.LedgerPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write ledger: %v", err)
	}

	records, err := ReadLedger(paths)
	if err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 valid records, got %d", len(records))
	}
}

func TestReadLedgerMissingFileReturnsNil(t *testing.T) {
	paths := testPaths(t)
	records, err := ReadLedger(paths)
	if err != nil {
		t.Fatalf("expected no error for missing ledger, got %v", err)
	}
	if records != nil {
		t.Fatalf("expected nil records, got %v", records)
	}
}

func TestResolveMigrationTargetCollisionHandling(t *testing.T) {
	rawDir := t.TempDir()
	existing := filepath.Join(rawDir, "session.jsonl")
	if err := os.WriteFile(existing, []byte("existing-bytes"), 0o644); err != nil {
		t.Fatalf("write existing: %v", err)
	}

	srcDir := t.TempDir()
	identical := writeSource(t, srcDir, "session.jsonl", "existing-bytes")
	target, err := resolveMigrationTarget(rawDir, identical)
	if err != nil {
		t.Fatalf("resolve identical: %v", err)
	}
	if target != "" {
		t.Fatalf("expected empty target for identical bytes, got %q", target)
	}

	srcDir2 := t.TempDir()
	different := writeSource(t, srcDir2, "session.jsonl", "different-bytes")

	target, err = resolveMigrationTarget(rawDir, different)
	if err != nil {
		t.Fatalf("resolve different: %v", err)
	}
	if target == existing || target == "" {
		t.Fatalf("expected a distinct non-empty legacy target, got %q", target)
	}
	if filepath.Base(target) == "session.jsonl" {
		t.Fatalf("expected legacy-suffixed name, got %q", target)
	}
}

func TestWriteLedgerRoundTrip(t *testing.T) {
	paths := testPaths(t)
	if err := paths.EnsureDirs(paths.ArchivesDir); err != nil {
		t.Fatalf("ensure dirs: %v", err)
	}
	records := []Record{
		{SessionID: "a", SourcePath: "/s", ArchivePath: "/a", ContentHash: "h"},
		{SessionID: "b", SourcePath: "/s2", ArchivePath: "/a2", ContentHash: "h2"},
	}
	if err := WriteLedger(paths, records); err != nil {
		t.Fatalf("write ledger: %v", err)
	}
	got, err := ReadLedger(paths)
	if err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
}
