package moonretention

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coinbuidl/moon/internal/moonarchive"
	"github.com/coinbuidl/moon/internal/moonaudit"
	"github.com/coinbuidl/moon/internal/moonchannelmap"
	"github.com/coinbuidl/moon/internal/moonpaths"
	"github.com/coinbuidl/moon/internal/moonstate"
)

func testPaths(t *testing.T) *moonpaths.Paths {
	t.Helper()
	home := t.TempDir()
	archivesDir := filepath.Join(home, "archives")
	return &moonpaths.Paths{
		MoonHome:       home,
		ArchivesDir:    archivesDir,
		RawDir:         filepath.Join(archivesDir, "raw"),
		MlibDir:        filepath.Join(archivesDir, "mlib"),
		LedgerPath:     filepath.Join(archivesDir, "ledger.jsonl"),
		StateDir:       filepath.Join(home, "state"),
		StatePath:      filepath.Join(home, "state", "moon_state.json"),
		ContinuityDir:  filepath.Join(home, "continuity"),
		ChannelMapPath: filepath.Join(home, "continuity", "channel_archive_map.json"),
		LogsDir:        filepath.Join(home, "logs"),
		AuditLogPath:   filepath.Join(home, "logs", "audit.log"),
	}
}

func TestRunSkipsWhenNothingTracked(t *testing.T) {
	paths := testPaths(t)
	st := moonstate.Default()
	out, err := Run(paths, st, 24)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Removed != 0 || out.MapRemoved != 0 || out.LedgerRemoved != 0 {
		t.Fatalf("expected no-op outcome, got %+v", out)
	}
}

func TestRunSkipsWhenNothingExpired(t *testing.T) {
	paths := testPaths(t)
	st := moonstate.Default()
	st.DistilledArchives["/archives/raw/fresh.jsonl"] = time.Now().Unix()
	out, err := Run(paths, st, 24)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Removed != 0 {
		t.Fatalf("expected nothing removed for a fresh entry, got %+v", out)
	}
}

func TestRunCascadesExpiredEntry(t *testing.T) {
	paths := testPaths(t)
	if err := os.MkdirAll(paths.RawDir, 0o755); err != nil {
		t.Fatalf("mkdir raw: %v", err)
	}
	archivePath := filepath.Join(paths.RawDir, "old-session.jsonl")
	if err := os.WriteFile(archivePath, []byte("archived bytes"), 0o644); err != nil {
		t.Fatalf("write archive: %v", err)
	}

	if err := moonarchive.AppendLedger(paths, moonarchive.Record{
		SessionID:   "old-session",
		SourcePath:  "/inbound/old-session.jsonl",
		ArchivePath: archivePath,
		ContentHash: "deadbeef",
	}); err != nil {
		t.Fatalf("append ledger: %v", err)
	}

	channelMap, err := moonchannelmap.Load(paths)
	if err != nil {
		t.Fatalf("load channel map: %v", err)
	}
	if _, err := moonchannelmap.Upsert(paths, channelMap, "discord:channel:1", "/inbound/old-session.jsonl", archivePath); err != nil {
		t.Fatalf("upsert channel map: %v", err)
	}

	st := moonstate.Default()
	st.DistilledArchives[archivePath] = 0 // distilled at epoch 0, certainly past grace

	out, err := Run(paths, st, 1)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Removed != 1 {
		t.Fatalf("expected the archive file to be removed, got %+v", out)
	}
	if out.MapRemoved != 1 {
		t.Fatalf("expected channel map entry to be removed, got %+v", out)
	}
	if out.LedgerRemoved != 1 {
		t.Fatalf("expected ledger entry to be removed, got %+v", out)
	}
	if _, exists := st.DistilledArchives[archivePath]; exists {
		t.Fatal("expected distilled_archives entry to be dropped")
	}
	if _, err := os.Stat(archivePath); !os.IsNotExist(err) {
		t.Fatal("expected archive file to no longer exist on disk")
	}

	records, err := moonarchive.ReadLedger(paths)
	if err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected ledger to be empty, got %+v", records)
	}

	reloaded, err := moonchannelmap.Load(paths)
	if err != nil {
		t.Fatalf("reload channel map: %v", err)
	}
	if _, ok := reloaded.Get("discord:channel:1"); ok {
		t.Fatal("expected channel map entry to be gone")
	}
}

func TestRunMarksMissingArchiveFile(t *testing.T) {
	paths := testPaths(t)
	st := moonstate.Default()
	st.DistilledArchives[filepath.Join(paths.RawDir, "gone.jsonl")] = 0

	out, err := Run(paths, st, 1)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Missing != 1 {
		t.Fatalf("expected missing=1, got %+v", out)
	}
}

func TestRunAppendsAuditSummary(t *testing.T) {
	paths := testPaths(t)
	st := moonstate.Default()
	st.DistilledArchives[filepath.Join(paths.RawDir, "gone.jsonl")] = 0

	if _, err := Run(paths, st, 1); err != nil {
		t.Fatalf("run: %v", err)
	}

	events, err := moonaudit.ReadAll(paths)
	if err != nil {
		t.Fatalf("read audit: %v", err)
	}
	found := false
	for _, e := range events {
		if e.Phase == "retention" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a retention audit event")
	}
}
