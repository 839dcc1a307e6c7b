package moonprojection

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeArchive(t *testing.T, lines []string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "archive.jsonl")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("write archive: %v", err)
	}
	return path
}

func TestExtractCouplesToolUseToResult(t *testing.T) {
	path := writeArchive(t, []string{
		`{"type":"message","message":{"role":"assistant","content":[{"type":"toolUse","name":"exec","input":{"command":"ls -la"}}]}}`,
		`{"type":"message","message":{"role":"toolResult","content":[{"type":"text","text":"file1\nfile2"}]}}`,
	})

	data, err := Extract(path)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if data.ToolCalls != 1 {
		t.Fatalf("expected 1 tool call, got %d", data.ToolCalls)
	}
	if len(data.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(data.Entries))
	}
	if data.Entries[0].ToolName != "exec" || data.Entries[0].Priority != PriorityHigh {
		t.Fatalf("unexpected assistant entry: %+v", data.Entries[0])
	}
	if data.Entries[0].CoupledResult == "" {
		t.Fatalf("expected coupled result to be set")
	}
}

func TestExtractSkipsUntrustedToolResultContent(t *testing.T) {
	path := writeArchive(t, []string{
		`{"type":"message","message":{"role":"toolResult","content":[{"type":"text","text":"<<<EXTERNAL_UNTRUSTED_CONTENT>>>danger"}]}}`,
	})
	data, err := Extract(path)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if data.Entries[0].Content != "" {
		t.Fatalf("expected untrusted content to be filtered, got %q", data.Entries[0].Content)
	}
}

func TestExtractKeepsNonJSONLineAsSystemEntry(t *testing.T) {
	path := writeArchive(t, []string{"this is not json at all"})
	data, err := Extract(path)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(data.Entries) != 1 || data.Entries[0].Role != "system" {
		t.Fatalf("unexpected entries: %+v", data.Entries)
	}
}

func TestExtractKeywordsLengthBounds(t *testing.T) {
	set := map[string]bool{}
	extractKeywordsInto(set, "hi decision milestone a bb ccc dddd eeeee verylongwordthatistoolongforakeyword")
	if set["decision"] != true || set["milestone"] != true {
		t.Fatalf("expected decision/milestone keywords, got %v", set)
	}
	if set["hi"] || set["bb"] {
		t.Fatalf("expected short words excluded, got %v", set)
	}
	if set["verylongwordthatistoolongforakeyword"] {
		t.Fatalf("expected overlong word excluded, got %v", set)
	}
}

func TestRenderMarkdownV2ContainsFixedSections(t *testing.T) {
	data := &Data{
		Entries: []Entry{{Role: "user", Content: "hello there"}},
		Keywords: []string{"hello"},
		Topics:   []string{"Session activity"},
	}
	md := RenderMarkdownV2("sess-1", "/src/a.json", "/archives/raw/a-1.json", "deadbeef", 1700000000, "UTC", data)

	for _, want := range []string{
		"moon_archive_projection: 2",
		"# Archive Projection — sess-1",
		"## Timeline",
		"## Conversations",
		"## Tool Activity",
		"## Search Capsules",
		"## Decisions & Outcomes",
		"## Keywords & Topics",
		"## Compaction Notes",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("expected projection to contain %q", want)
		}
	}
}

func TestExtractCandidateLinesFiltersJSONBlobs(t *testing.T) {
	candidates := ExtractCandidateLines("plain note about a decision\n{\"type\":\"message\"}\nanother line here")
	if len(candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %v", candidates)
	}
}
