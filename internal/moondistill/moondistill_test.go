package moondistill

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/coinbuidl/moon/internal/moonpaths"
)

func testPaths(t *testing.T) *moonpaths.Paths {
	t.Helper()
	home := t.TempDir()
	return &moonpaths.Paths{
		MoonHome:     home,
		MemoryDir:    filepath.Join(home, "memory"),
		LogsDir:      filepath.Join(home, "logs"),
		AuditLogPath: filepath.Join(home, "logs", "audit.log"),
	}
}

func TestLocalDistillerAvoidsRawJSONLPayloads(t *testing.T) {
	input := Input{
		SessionID:   "s1",
		ArchivePath: "/archives/mlib/s1.md",
		ArchiveText: `{"type":"message","message":{"role":"user","content":[{"type":"text","text":"decision: ship v2"}]}}` + "\n" + "plain note about rule: no secrets in logs\n",
	}
	summary, err := (LocalDistiller{}).Distill(input)
	if err != nil {
		t.Fatalf("distill: %v", err)
	}
	if strings.Contains(summary, `"type":"message"`) {
		t.Fatalf("expected raw jsonl payload to be excluded, got: %s", summary)
	}
}

func TestClampSummaryLimitsLargeOutput(t *testing.T) {
	huge := strings.Repeat("a", maxSummaryChars+5000)
	clamped := clampSummary(huge)
	if len([]rune(clamped)) > maxSummaryChars+len("\n\n[summary truncated]") {
		t.Fatalf("expected clamp to bound output, got length %d", len([]rune(clamped)))
	}
	if !strings.Contains(clamped, "[summary truncated]") {
		t.Fatal("expected truncation marker")
	}
}

func TestSanitizeModelSummaryRejectsJSONBlobOutput(t *testing.T) {
	if _, ok := sanitizeModelSummary(`{"decisions": ["ship v2"]}`); ok {
		t.Fatal("expected json-blob-shaped output to be rejected")
	}
}

func TestSanitizeModelSummaryNormalizesPlainLinesToBullets(t *testing.T) {
	out, ok := sanitizeModelSummary("Decided to ship v2\nAdded a new rule about logging\n* milestone reached\n")
	if !ok {
		t.Fatalf("expected sanitize to accept plain-line output")
	}
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "- ") && !strings.HasPrefix(line, "#") {
			t.Fatalf("expected every line to be normalized to a bullet, got %q", line)
		}
	}
}

func TestSanitizeModelSummaryRejectsTooFewBullets(t *testing.T) {
	if _, ok := sanitizeModelSummary("just one line"); ok {
		t.Fatal("expected single-bullet output below the minimum to be rejected")
	}
}

func TestParsePrefixedModelResolvesProviderHint(t *testing.T) {
	provider, ok, model := parsePrefixedModel("anthropic:claude-3-5-haiku-latest")
	if !ok || provider != providerAnthropic || model != "claude-3-5-haiku-latest" {
		t.Fatalf("unexpected parse result: provider=%v ok=%v model=%q", provider, ok, model)
	}
}

func TestParsePrefixedModelWithoutHintReturnsFalse(t *testing.T) {
	_, ok, model := parsePrefixedModel("gpt-4.1-mini")
	if ok {
		t.Fatal("expected no provider hint for bare model name")
	}
	if model != "gpt-4.1-mini" {
		t.Fatalf("expected model passthrough, got %q", model)
	}
}

func TestInferProviderFromModelSupportsAllFourProviders(t *testing.T) {
	cases := map[string]remoteProvider{
		"gpt-4.1-mini":            providerOpenAI,
		"claude-3-5-haiku-latest": providerAnthropic,
		"gemini-2.5-flash-lite":   providerGemini,
		"deepseek-chat":           providerOpenAICompatible,
	}
	for model, want := range cases {
		got, ok := inferProviderFromModel(model)
		if !ok || got != want {
			t.Fatalf("model %q: expected provider %v, got %v (ok=%v)", model, want, got, ok)
		}
	}
}

func TestExtractOpenAITextPrefersOutputText(t *testing.T) {
	text, ok := extractOpenAIText(map[string]any{"output_text": "hello"})
	if !ok || text != "hello" {
		t.Fatalf("unexpected extraction: %q ok=%v", text, ok)
	}
}

func TestExtractOpenAITextFallsBackToOutputParts(t *testing.T) {
	parsed := map[string]any{
		"output": []any{
			map[string]any{
				"content": []any{
					map[string]any{"text": "part one"},
					map[string]any{"text": "part two"},
				},
			},
		},
	}
	text, ok := extractOpenAIText(parsed)
	if !ok || !strings.Contains(text, "part one") || !strings.Contains(text, "part two") {
		t.Fatalf("unexpected extraction: %q ok=%v", text, ok)
	}
}

func TestExtractAnthropicText(t *testing.T) {
	parsed := map[string]any{
		"content": []any{map[string]any{"text": "anthropic summary"}},
	}
	text, ok := extractAnthropicText(parsed)
	if !ok || text != "anthropic summary" {
		t.Fatalf("unexpected extraction: %q ok=%v", text, ok)
	}
}

func TestExtractOpenAICompatibleTextStringContent(t *testing.T) {
	parsed := map[string]any{
		"choices": []any{
			map[string]any{"message": map[string]any{"content": "compatible summary"}},
		},
	}
	text, ok := extractOpenAICompatibleText(parsed)
	if !ok || text != "compatible summary" {
		t.Fatalf("unexpected extraction: %q ok=%v", text, ok)
	}
}

func TestExtractOpenAICompatibleTextPartsContent(t *testing.T) {
	parsed := map[string]any{
		"choices": []any{
			map[string]any{"message": map[string]any{"content": []any{
				map[string]any{"text": "a"},
				map[string]any{"text": "b"},
			}}},
		},
	}
	text, ok := extractOpenAICompatibleText(parsed)
	if !ok || !strings.Contains(text, "a") || !strings.Contains(text, "b") {
		t.Fatalf("unexpected extraction: %q ok=%v", text, ok)
	}
}

func TestChunkRollupGroupsKeywordSections(t *testing.T) {
	rollup := newChunkSummaryRollup()
	rollup.ingestSummary("- decision: ship v2\n- rule: no secrets in logs\n- milestone: beta launched\n- todo: write docs\n- random aside\n")
	rendered := rollup.render("s1", "/archives/mlib/s1.md", 1, defaultDistillChunkBytes, defaultDistillMaxChunks, false)
	for _, section := range []string{"### Decisions", "### Rules", "### Milestones", "### Open Tasks", "### Other Signals"} {
		if !strings.Contains(rendered, section) {
			t.Fatalf("expected section %q in rendered rollup:\n%s", section, rendered)
		}
	}
}

func TestChunkRollupDedupsCaseInsensitively(t *testing.T) {
	rollup := newChunkSummaryRollup()
	rollup.ingestSummary("- decision: ship v2\n")
	rollup.ingestSummary("- Decision: Ship V2\n")
	if len(rollup.decisions) != 1 {
		t.Fatalf("expected duplicate bullet to be deduped, got %v", rollup.decisions)
	}
}

func TestStreamArchiveChunksSplitsInputBySize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "archive.md")
	var b strings.Builder
	for i := 0; i < 50; i++ {
		b.WriteString("line number ")
		b.WriteString(strings.Repeat("x", 20))
		b.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatalf("write archive: %v", err)
	}

	var chunks []string
	count, truncated, err := streamArchiveChunks(path, 200, 100, func(_ int, text string) error {
		chunks = append(chunks, text)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if truncated {
		t.Fatal("did not expect truncation")
	}
	if count != len(chunks) || count < 2 {
		t.Fatalf("expected multiple chunks, got count=%d chunks=%d", count, len(chunks))
	}
}

func TestStreamArchiveChunksRespectsMaxChunks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "archive.md")
	var b strings.Builder
	for i := 0; i < 50; i++ {
		b.WriteString(strings.Repeat("y", 50))
		b.WriteByte('\n')
	}
	os.WriteFile(path, []byte(b.String()), 0o644)

	count, truncated, err := streamArchiveChunks(path, 100, 2, func(_ int, _ string) error { return nil })
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if !truncated {
		t.Fatal("expected truncation when max chunks reached")
	}
	if count != 2 {
		t.Fatalf("expected exactly max_chunks chunks, got %d", count)
	}
}

func TestSummarizeProviderMixReportsMixedCounts(t *testing.T) {
	mixed := summarizeProviderMix(map[string]int{"openai": 2, "local": 1})
	if !strings.Contains(mixed, "local:1") || !strings.Contains(mixed, "openai:2") {
		t.Fatalf("unexpected mixed label: %q", mixed)
	}
	single := summarizeProviderMix(map[string]int{"anthropic": 3})
	if single != "anthropic" {
		t.Fatalf("expected bare provider label for single-provider mix, got %q", single)
	}
}

func TestExtractSignalLinesFindsKeywordLines(t *testing.T) {
	raw := "plain chat line\ndecision: ship the v2 release\nanother plain line\n"
	lines := extractSignalLines(raw)
	if len(lines) == 0 {
		t.Fatal("expected at least one signal line")
	}
	found := false
	for _, l := range lines {
		if strings.Contains(strings.ToLower(l), "decision") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a decision line among extracted signals, got %v", lines)
	}
}

func TestRunDistillationAppendsToDailyMemoryFile(t *testing.T) {
	paths := testPaths(t)
	epoch := int64(1700000000)
	input := Input{
		SessionID:        "session-a",
		ArchivePath:      "/archives/mlib/session-a.md",
		ArchiveText:      "decision: adopt the new layout\nrule: never slurp full archives\n",
		ArchiveEpochSecs: &epoch,
	}

	out, err := RunDistillation(paths, input)
	if err != nil {
		t.Fatalf("run distillation: %v", err)
	}
	if out.Provider != "local" {
		t.Fatalf("expected local provider with no remote config, got %q", out.Provider)
	}
	if _, err := os.Stat(out.SummaryPath); err != nil {
		t.Fatalf("expected summary file to exist: %v", err)
	}
	data, err := os.ReadFile(out.SummaryPath)
	if err != nil {
		t.Fatalf("read summary: %v", err)
	}
	if !strings.Contains(string(data), "session-a") {
		t.Fatalf("expected summary file to mention session id, got: %s", data)
	}
}
