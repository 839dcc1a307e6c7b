package moonwatcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coinbuidl/moon/internal/moonconfig"
	"github.com/coinbuidl/moon/internal/moonpaths"
	"github.com/coinbuidl/moon/internal/moonstate"
)

func testPaths(t *testing.T) *moonpaths.Paths {
	t.Helper()
	home := t.TempDir()
	archivesDir := filepath.Join(home, "archives")
	sessionsDir := filepath.Join(home, "sessions")
	if err := os.MkdirAll(sessionsDir, 0o755); err != nil {
		t.Fatalf("mkdir sessions: %v", err)
	}
	return &moonpaths.Paths{
		MoonHome:            home,
		ArchivesDir:         archivesDir,
		RawDir:              filepath.Join(archivesDir, "raw"),
		MlibDir:             filepath.Join(archivesDir, "mlib"),
		LedgerPath:          filepath.Join(archivesDir, "ledger.jsonl"),
		MemoryDir:           filepath.Join(home, "memory"),
		MemoryFile:          filepath.Join(home, "MEMORY.md"),
		StateDir:            filepath.Join(home, "state"),
		StatePath:           filepath.Join(home, "state", "moon_state.json"),
		ContinuityDir:       filepath.Join(home, "continuity"),
		ChannelMapPath:      filepath.Join(home, "continuity", "channel_archive_map.json"),
		LogsDir:             filepath.Join(home, "logs"),
		AuditLogPath:        filepath.Join(home, "logs", "audit.log"),
		OpenClawSessionsDir: sessionsDir,
		AgentBin:            "openclaw-binary-that-does-not-exist",
		QmdBin:              "qmd-binary-that-does-not-exist",
	}
}

func TestRunInboundWatchDisabledByConfig(t *testing.T) {
	paths := testPaths(t)
	cfg := moonconfig.Default()
	cfg.InboundWatch.Enabled = false
	st := moonstate.Default()

	detected, triggered, failed := runInboundWatch(paths, cfg, st)
	if detected != 0 || triggered != 0 || failed != 0 {
		t.Fatalf("expected no-op when disabled, got detected=%d triggered=%d failed=%d", detected, triggered, failed)
	}
}

func TestRunInboundWatchDetectsNewFile(t *testing.T) {
	paths := testPaths(t)
	inboundDir := filepath.Join(paths.MoonHome, "inbound")
	if err := os.MkdirAll(inboundDir, 0o755); err != nil {
		t.Fatalf("mkdir inbound: %v", err)
	}
	filePath := filepath.Join(inboundDir, "note.txt")
	if err := os.WriteFile(filePath, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write inbound file: %v", err)
	}

	cfg := moonconfig.Default()
	cfg.InboundWatch.Enabled = true
	cfg.InboundWatch.WatchPaths = []string{inboundDir}
	st := moonstate.Default()

	detected, triggered, failed := runInboundWatch(paths, cfg, st)
	if detected != 1 {
		t.Fatalf("expected one detected file, got %d", detected)
	}
	if triggered+failed != 1 {
		t.Fatalf("expected exactly one outcome (triggered or failed), got triggered=%d failed=%d", triggered, failed)
	}

	// A second pass with nothing new detects nothing.
	detected2, _, _ := runInboundWatch(paths, cfg, st)
	if detected2 != 0 {
		t.Fatalf("expected no new detections on second pass, got %d", detected2)
	}
}

func TestRunInboundWatchPrunesGoneFiles(t *testing.T) {
	paths := testPaths(t)
	inboundDir := filepath.Join(paths.MoonHome, "inbound")
	os.MkdirAll(inboundDir, 0o755)

	cfg := moonconfig.Default()
	cfg.InboundWatch.Enabled = true
	cfg.InboundWatch.WatchPaths = []string{inboundDir}
	st := moonstate.Default()
	st.InboundSeenFiles[filepath.Join(inboundDir, "ghost.txt")] = time.Now().Unix()

	runInboundWatch(paths, cfg, st)
	if _, exists := st.InboundSeenFiles[filepath.Join(inboundDir, "ghost.txt")]; exists {
		t.Fatal("expected stale seen-file entry to be pruned")
	}
}

func TestTranscriptPathForPrefersJSONL(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "abc.jsonl"), []byte("{}"), 0o644)
	path, ok := transcriptPathFor(dir, "abc")
	if !ok || filepath.Base(path) != "abc.jsonl" {
		t.Fatalf("expected abc.jsonl to resolve, got %q ok=%v", path, ok)
	}
}

func TestTranscriptPathForMissingReturnsFalse(t *testing.T) {
	dir := t.TempDir()
	if _, ok := transcriptPathFor(dir, "nothing-here"); ok {
		t.Fatal("expected missing transcript to resolve to false")
	}
}

func TestRunOnceCompletesFullCycleWithoutExternalBinaries(t *testing.T) {
	paths := testPaths(t)
	sessionFile := filepath.Join(paths.OpenClawSessionsDir, "session.jsonl")
	if err := os.WriteFile(sessionFile, []byte(`{"type":"message"}`), 0o644); err != nil {
		t.Fatalf("write session file: %v", err)
	}

	cfg := moonconfig.Default()
	cfg.InboundWatch.Enabled = false
	cfg.Thresholds.TriggerRatio = 2.0 // impossible to reach, nothing should trigger

	outcome, err := RunOnce(paths, cfg)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}

	seen := map[string]bool{}
	for _, step := range outcome.Steps {
		seen[step.Name] = true
	}
	for _, want := range []string{"inbound_watch", "usage", "trigger", "archive", "compaction", "distill", "retention"} {
		if !seen[want] {
			t.Fatalf("expected a %q step in the cycle outcome, got %+v", want, outcome.Steps)
		}
	}

	if _, err := os.Stat(paths.StatePath); err != nil {
		t.Fatalf("expected state to be persisted: %v", err)
	}
	reloaded, err := moonstate.Load(paths)
	if err != nil {
		t.Fatalf("reload state: %v", err)
	}
	if reloaded.LastSessionID == nil {
		t.Fatal("expected last session id to be recorded")
	}
}
