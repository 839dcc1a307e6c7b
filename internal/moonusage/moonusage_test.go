package moonusage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coinbuidl/moon/internal/moonpaths"
)

func TestCollectFromSessionFileEstimatesFromLatest(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "old.jsonl")
	newer := filepath.Join(dir, "new.jsonl")
	if err := os.WriteFile(old, []byte("short"), 0o644); err != nil {
		t.Fatalf("write old: %v", err)
	}
	if err := os.WriteFile(newer, []byte("a much longer transcript body here"), 0o644); err != nil {
		t.Fatalf("write newer: %v", err)
	}
	if err := os.Chtimes(old, time.Unix(1, 0), time.Unix(1, 0)); err != nil {
		t.Fatalf("chtimes old: %v", err)
	}
	if err := os.Chtimes(newer, time.Unix(2, 0), time.Unix(2, 0)); err != nil {
		t.Fatalf("chtimes newer: %v", err)
	}

	paths := &moonpaths.Paths{OpenClawSessionsDir: dir}
	snap, err := collectFromSessionFile(paths)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if snap.SessionID != "new" {
		t.Fatalf("expected newest file to be picked, got %q", snap.SessionID)
	}
	if snap.Provider != "session-file" {
		t.Fatalf("expected session-file provider, got %q", snap.Provider)
	}
	if snap.MaxTokens != 200000 {
		t.Fatalf("expected default max 200000, got %d", snap.MaxTokens)
	}
}

func TestCollectFromSessionFileNoCandidates(t *testing.T) {
	paths := &moonpaths.Paths{OpenClawSessionsDir: t.TempDir()}
	if _, err := collectFromSessionFile(paths); err == nil {
		t.Fatal("expected error when no session file qualifies")
	}
}

func TestIsChannelShaped(t *testing.T) {
	if !isChannelShaped("discord:channel:over") {
		t.Fatal("expected colon-qualified key to be channel-shaped")
	}
	if isChannelShaped("main") {
		t.Fatal("expected bare key to not be channel-shaped")
	}
}

func TestToSnapshotComputesRatio(t *testing.T) {
	snap := toSnapshot("s1", 29000, 32000, "openclaw")
	if snap.UsageRatio < 0.9062 || snap.UsageRatio > 0.9063 {
		t.Fatalf("unexpected usage ratio: %v", snap.UsageRatio)
	}
}

func TestToSnapshotGuardsZeroMax(t *testing.T) {
	snap := toSnapshot("s1", 10, 0, "openclaw")
	if snap.MaxTokens != 1 {
		t.Fatalf("expected zero max to become 1, got %d", snap.MaxTokens)
	}
}

