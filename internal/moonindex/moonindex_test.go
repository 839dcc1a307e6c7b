package moonindex

import "testing"

func TestParseSearchMatchesBareArray(t *testing.T) {
	matches, err := parseSearchMatches(`[{"path":"/a.md","snippet":"hello","score":0.5},{"source":"/b.md","text":"world","score":0.9}]`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	if matches[0].ArchivePath != "/b.md" {
		t.Fatalf("expected highest score first, got %+v", matches)
	}
}

func TestParseSearchMatchesWrapped(t *testing.T) {
	matches, err := parseSearchMatches(`{"results":[{"path":"/a.md","snippet":"hello"}]}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(matches) != 1 || matches[0].ArchivePath != "/a.md" {
		t.Fatalf("unexpected matches: %+v", matches)
	}
}

func TestParseSearchMatchesUnrecognised(t *testing.T) {
	if _, err := parseSearchMatches("not json"); err == nil {
		t.Fatal("expected error for unrecognised shape")
	}
}
