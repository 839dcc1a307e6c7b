package moonchannelmap

import (
	"path/filepath"
	"testing"

	"github.com/coinbuidl/moon/internal/moonpaths"
)

func testPaths(t *testing.T) *moonpaths.Paths {
	t.Helper()
	dir := t.TempDir()
	return &moonpaths.Paths{
		MoonHome:       dir,
		ContinuityDir:  filepath.Join(dir, "continuity"),
		ChannelMapPath: filepath.Join(dir, "continuity", "channel_archive_map.json"),
	}
}

func TestUpsertAndGetRoundtrip(t *testing.T) {
	paths := testPaths(t)
	m, err := Load(paths)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	rec, err := Upsert(paths, m, "agent:main:discord:channel:123", "/src/a.jsonl", "/archives/raw/a-1.jsonl")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if rec.ChannelKey != "agent:main:discord:channel:123" {
		t.Fatalf("unexpected record: %+v", rec)
	}

	reloaded, err := Load(paths)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got, ok := reloaded.Get("agent:main:discord:channel:123")
	if !ok {
		t.Fatal("expected record present after reload")
	}
	if got.ArchivePath != "/archives/raw/a-1.jsonl" {
		t.Fatalf("unexpected archive path: %+v", got)
	}
}

func TestRemoveByArchivePathsRemovesMatching(t *testing.T) {
	paths := testPaths(t)
	m, _ := Load(paths)
	_, _ = Upsert(paths, m, "k1", "/s1", "/a1")
	_, _ = Upsert(paths, m, "k2", "/s2", "/a2")

	removed, err := RemoveByArchivePaths(paths, m, map[string]bool{"/a1": true})
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, ok := m.Get("k1"); ok {
		t.Fatal("k1 should be gone")
	}
	if _, ok := m.Get("k2"); !ok {
		t.Fatal("k2 should remain")
	}
}

func TestRewriteArchivePathsUpdatesInPlace(t *testing.T) {
	paths := testPaths(t)
	m, _ := Load(paths)
	_, _ = Upsert(paths, m, "k1", "/s1", "/old/a1")

	updated, err := RewriteArchivePaths(paths, m, map[string]string{"/old/a1": "/new/a1"})
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if updated != 1 {
		t.Fatalf("expected 1 updated, got %d", updated)
	}
	rec, _ := m.Get("k1")
	if rec.ArchivePath != "/new/a1" {
		t.Fatalf("unexpected archive path: %+v", rec)
	}
}
