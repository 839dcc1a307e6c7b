// Package moondistill implements the Distillation Engine (spec.md §4.4,
// §4.5): streams an archive, chunk-splits when oversized, routes each chunk
// to a local heuristic or a remote LLM backend, rolls the result into a
// daily Markdown summary, and audits the outcome.
package moondistill

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coinbuidl/moon/internal/moonaudit"
	"github.com/coinbuidl/moon/internal/moonpaths"
	"github.com/coinbuidl/moon/internal/moonprojection"
	"github.com/coinbuidl/moon/internal/moonutil"
)

const (
	signalKeywordList        = "decision|rule|todo|next|milestone"
	maxSignalLines           = 20
	maxFallbackLines         = 12
	maxCandidateChars        = 512
	maxSummaryChars          = 12_000
	maxPromptLines           = 80
	maxModelLines            = 80
	minModelBullets          = 3
	requestTimeout           = 45 * time.Second
	defaultDistillChunkBytes = 512 * 1024
	defaultDistillMaxChunks  = 128
	defaultAutoContextTokens = 250_000
	minDistillChunkBytes     = 64 * 1024
	maxAutoChunkBytes        = 2 * 1024 * 1024
	autoChunkBytesPerToken   = 3.0
	autoChunkSafetyRatio     = 0.60
	maxRollupLinesPerSection = 30
	maxRollupTotalLines      = 120
)

var signalKeywords = strings.Split(signalKeywordList, "|")

// Input is one distillation request, either for a whole archive or for one
// chunk of it.
type Input struct {
	SessionID        string
	ArchivePath      string
	ArchiveText      string
	ArchiveEpochSecs *int64
}

// Output is the result of a single-pass distillation.
type Output struct {
	Provider           string
	Summary            string
	SummaryPath        string
	AuditLogPath       string
	CreatedAtEpochSecs int64
}

// ChunkedOutput is the result of run_chunked_archive_distillation.
type ChunkedOutput struct {
	Output
	ChunkCount       int
	ChunkTargetBytes int
	Truncated        bool
}

// Distiller is implemented by every summarisation backend, local or remote.
type Distiller interface {
	Distill(input Input) (string, error)
}

// LocalDistiller is the offline heuristic: no network call, always
// available.
type LocalDistiller struct{}

// Remote backends share HTTP plumbing; each only differs in URL, headers,
// request/response shape.
type GeminiDistiller struct{ APIKey, Model string }
type OpenAIDistiller struct{ APIKey, Model string }
type AnthropicDistiller struct{ APIKey, Model string }
type OpenAICompatDistiller struct{ APIKey, Model, BaseURL string }

type remoteProvider int

const (
	providerOpenAI remoteProvider = iota
	providerAnthropic
	providerGemini
	providerOpenAICompatible
)

func (p remoteProvider) label() string {
	switch p {
	case providerOpenAI:
		return "openai"
	case providerAnthropic:
		return "anthropic"
	case providerGemini:
		return "gemini"
	case providerOpenAICompatible:
		return "openai-compatible"
	default:
		return "unknown"
	}
}

type remoteModelConfig struct {
	provider remoteProvider
	model    string
	apiKey   string
	baseURL  string
}

func envNonEmpty(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return "", false
	}
	return v, true
}

func parseProviderAlias(raw string) (remoteProvider, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "openai":
		return providerOpenAI, true
	case "anthropic", "claude":
		return providerAnthropic, true
	case "gemini", "google":
		return providerGemini, true
	case "openai-compatible", "compatible", "deepseek":
		return providerOpenAICompatible, true
	default:
		return 0, false
	}
}

func parsePrefixedModel(raw string) (remoteProvider, bool, string) {
	trimmed := strings.TrimSpace(raw)
	if prefix, model, ok := strings.Cut(trimmed, ":"); ok {
		if provider, ok := parseProviderAlias(prefix); ok {
			return provider, true, strings.TrimSpace(model)
		}
	}
	return 0, false, trimmed
}

func inferProviderFromModel(model string) (remoteProvider, bool) {
	lower := strings.ToLower(strings.TrimSpace(model))
	switch {
	case strings.HasPrefix(lower, "deepseek-"):
		return providerOpenAICompatible, true
	case strings.HasPrefix(lower, "claude-"):
		return providerAnthropic, true
	case strings.HasPrefix(lower, "gemini-"):
		return providerGemini, true
	case strings.HasPrefix(lower, "gpt-"), strings.HasPrefix(lower, "o1"),
		strings.HasPrefix(lower, "o3"), strings.HasPrefix(lower, "o4"):
		return providerOpenAI, true
	default:
		return 0, false
	}
}

func firstAvailableProvider() (remoteProvider, bool) {
	if _, ok := envNonEmpty("AI_API_KEY"); ok {
		return providerOpenAICompatible, true
	}
	if _, ok := envNonEmpty("OPENAI_API_KEY"); ok {
		return providerOpenAI, true
	}
	if _, ok := envNonEmpty("ANTHROPIC_API_KEY"); ok {
		return providerAnthropic, true
	}
	if _, ok := envNonEmpty("GEMINI_API_KEY"); ok {
		return providerGemini, true
	}
	return 0, false
}

func defaultModelForProvider(p remoteProvider) string {
	switch p {
	case providerOpenAI:
		return "gpt-4.1-mini"
	case providerAnthropic:
		return "claude-3-5-haiku-latest"
	case providerGemini:
		return "gemini-2.5-flash-lite"
	case providerOpenAICompatible:
		return "deepseek-chat"
	default:
		return ""
	}
}

func resolveAPIKey(p remoteProvider) (string, bool) {
	switch p {
	case providerOpenAI:
		if v, ok := envNonEmpty("OPENAI_API_KEY"); ok {
			return v, true
		}
		return envNonEmpty("AI_API_KEY")
	case providerAnthropic:
		if v, ok := envNonEmpty("ANTHROPIC_API_KEY"); ok {
			return v, true
		}
		return envNonEmpty("AI_API_KEY")
	case providerGemini:
		if v, ok := envNonEmpty("GEMINI_API_KEY"); ok {
			return v, true
		}
		return envNonEmpty("AI_API_KEY")
	case providerOpenAICompatible:
		if v, ok := envNonEmpty("AI_API_KEY"); ok {
			return v, true
		}
		if v, ok := envNonEmpty("DEEPSEEK_API_KEY"); ok {
			return v, true
		}
		return envNonEmpty("OPENAI_API_KEY")
	default:
		return "", false
	}
}

func resolveCompatibleBaseURL(model string) (string, bool) {
	if v, ok := envNonEmpty("AI_BASE_URL"); ok {
		return v, true
	}
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(model)), "deepseek-") {
		return "https://api.deepseek.com", true
	}
	return "", false
}

func resolveRemoteConfig() (*remoteModelConfig, bool) {
	if v, ok := envNonEmpty("MOON_DISTILL_PROVIDER"); ok && strings.EqualFold(v, "local") {
		return nil, false
	}

	configuredModel, hasModel := envNonEmpty("MOON_DISTILL_MODEL")
	if !hasModel {
		configuredModel, hasModel = envNonEmpty("AI_MODEL")
	}
	if !hasModel {
		configuredModel, hasModel = envNonEmpty("MOON_GEMINI_MODEL")
	}
	if !hasModel {
		if p, ok := firstAvailableProvider(); ok {
			configuredModel, hasModel = defaultModelForProvider(p), true
		}
	}

	var chosenProvider remoteProvider
	haveChosen := false
	if v, ok := envNonEmpty("MOON_DISTILL_PROVIDER"); ok {
		chosenProvider, haveChosen = parseProviderAlias(v)
	}
	if !haveChosen {
		if v, ok := envNonEmpty("AI_PROVIDER"); ok {
			chosenProvider, haveChosen = parseProviderAlias(v)
		}
	}

	model := ""
	var prefixedProvider remoteProvider
	havePrefixed := false
	if hasModel {
		prefixedProvider, havePrefixed, model = parsePrefixedModel(configuredModel)
	}

	if !haveChosen {
		if havePrefixed {
			chosenProvider, haveChosen = prefixedProvider, true
		} else if p, ok := inferProviderFromModel(model); ok {
			chosenProvider, haveChosen = p, true
		} else if p, ok := firstAvailableProvider(); ok {
			chosenProvider, haveChosen = p, true
		}
	}

	if !haveChosen {
		return nil, false
	}
	if strings.TrimSpace(model) == "" {
		model = defaultModelForProvider(chosenProvider)
	}

	var baseURL string
	if chosenProvider == providerOpenAICompatible {
		baseURL, _ = resolveCompatibleBaseURL(model)
	}

	apiKey, ok := resolveAPIKey(chosenProvider)
	if !ok {
		return nil, false
	}

	return &remoteModelConfig{provider: chosenProvider, model: model, apiKey: apiKey, baseURL: baseURL}, true
}

func tokenLimitToChunkBytes(tokens uint64) int {
	estimated := float64(tokens) * autoChunkBytesPerToken * autoChunkSafetyRatio
	bytesN := int(estimated)
	if bytesN < minDistillChunkBytes {
		return minDistillChunkBytes
	}
	if bytesN > maxAutoChunkBytes {
		return maxAutoChunkBytes
	}
	return bytesN
}

func parseEnvU64(key string) (uint64, bool) {
	v, ok := envNonEmpty(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func findU64Paths(root map[string]any, paths [][]string) (uint64, bool) {
	for _, path := range paths {
		cursor := any(root)
		ok := true
		for _, part := range path {
			m, isMap := cursor.(map[string]any)
			if !isMap {
				ok = false
				break
			}
			next, present := m[part]
			if !present {
				ok = false
				break
			}
			cursor = next
		}
		if !ok {
			continue
		}
		if f, isNum := cursor.(float64); isNum {
			return uint64(f), true
		}
	}
	return 0, false
}

var httpClient = &http.Client{Timeout: requestTimeout}

func detectGeminiInputTokenLimit(apiKey, model string) (uint64, bool) {
	url := fmt.Sprintf("https://generativelanguage.googleapis.com/v1beta/models/%s?key=%s", model, apiKey)
	resp, err := httpClient.Get(url)
	if err != nil {
		return 0, false
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, false
	}
	var parsed map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return 0, false
	}
	if v, ok := parsed["inputTokenLimit"].(float64); ok {
		return uint64(v), true
	}
	return 0, false
}

func detectOpenAICompatibleInputTokenLimit(apiKey, baseURL, model string) (uint64, bool) {
	base := baseURL
	if base == "" {
		if v, ok := resolveCompatibleBaseURL(model); ok {
			base = v
		} else {
			base = "https://api.openai.com"
		}
	}
	url := strings.TrimRight(base, "/") + "/v1/models"
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return 0, false
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, false
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, false
	}
	var parsed struct {
		Data []map[string]any `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return 0, false
	}
	for _, entry := range parsed.Data {
		if id, _ := entry["id"].(string); id != model {
			continue
		}
		return findU64Paths(entry, [][]string{
			{"context_window"}, {"max_context_length"}, {"max_input_tokens"},
			{"input_token_limit"}, {"inputTokenLimit"}, {"context_length"}, {"n_ctx"},
			{"capabilities", "context_window"}, {"capabilities", "max_context_length"},
			{"capabilities", "max_input_tokens"}, {"capabilities", "input_token_limit"},
		})
	}
	return 0, false
}

func inferContextTokensFromModel(p remoteProvider, model string) uint64 {
	lower := strings.ToLower(model)
	switch p {
	case providerGemini:
		if strings.HasPrefix(lower, "gemini-2.5") {
			return 1_000_000
		}
		return 250_000
	case providerOpenAI:
		switch {
		case strings.HasPrefix(lower, "gpt-4.1"):
			return 1_000_000
		case strings.HasPrefix(lower, "gpt-4o"):
			return 128_000
		default:
			return 200_000
		}
	case providerAnthropic:
		return 200_000
	case providerOpenAICompatible:
		if strings.HasPrefix(lower, "deepseek-") {
			return 128_000
		}
		return 200_000
	default:
		return defaultAutoContextTokens
	}
}

func detectContextTokensFromRemote(remote *remoteModelConfig) (uint64, bool) {
	switch remote.provider {
	case providerGemini:
		return detectGeminiInputTokenLimit(remote.apiKey, remote.model)
	case providerOpenAICompatible:
		return detectOpenAICompatibleInputTokenLimit(remote.apiKey, remote.baseURL, remote.model)
	default:
		return 0, false
	}
}

func detectAutoChunkBytes() int {
	if tokens, ok := parseEnvU64("MOON_DISTILL_MODEL_CONTEXT_TOKENS"); ok {
		return tokenLimitToChunkBytes(tokens)
	}
	if remote, ok := resolveRemoteConfig(); ok {
		if tokens, ok := detectContextTokensFromRemote(remote); ok {
			return tokenLimitToChunkBytes(tokens)
		}
		return tokenLimitToChunkBytes(inferContextTokensFromModel(remote.provider, remote.model))
	}
	return tokenLimitToChunkBytes(defaultAutoContextTokens)
}

var (
	autoChunkBytesOnce  sync.Once
	autoChunkBytesCache int
)

// ResetAutoChunkBytesCache clears the process-wide auto-chunk-bytes
// memoisation (spec.md §9 "the single process-wide cache ... may be
// reinitialised per test").
func ResetAutoChunkBytesCache() {
	autoChunkBytesOnce = sync.Once{}
}

func autoChunkBytes() int {
	autoChunkBytesOnce.Do(func() {
		autoChunkBytesCache = detectAutoChunkBytes()
	})
	return autoChunkBytesCache
}

// DistillChunkBytes resolves the chunk target size: an explicit
// MOON_DISTILL_CHUNK_BYTES env var (or "auto"), else the auto-detected
// value.
func DistillChunkBytes() int {
	raw, set := os.LookupEnv("MOON_DISTILL_CHUNK_BYTES")
	if !set {
		return autoChunkBytes()
	}
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || strings.EqualFold(trimmed, "auto") {
		return autoChunkBytes()
	}
	n, err := strconv.Atoi(trimmed)
	if err != nil || n <= 0 {
		n = defaultDistillChunkBytes
	}
	if n < minDistillChunkBytes {
		return minDistillChunkBytes
	}
	return n
}

func distillMaxChunks() int {
	raw, set := os.LookupEnv("MOON_DISTILL_MAX_CHUNKS")
	if !set {
		return defaultDistillMaxChunks
	}
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return defaultDistillMaxChunks
	}
	n, err := strconv.Atoi(trimmed)
	if err != nil || n <= 0 {
		return defaultDistillMaxChunks
	}
	return n
}

func unescapeJSONNoise(s string) string {
	r := strings.NewReplacer(`\\"`, `"`, `\\n`, "\n", `\\t`, "\t", `\\\\`, `\`)
	return r.Replace(s)
}

func cleanCandidateText(s string) (string, bool) {
	unescaped := unescapeJSONNoise(s)
	normalized := moonutil.NormalizeWhitespace(unescaped)
	if normalized == "" {
		return "", false
	}
	return moonutil.TruncatePreview(normalized, maxCandidateChars), true
}

func looksLikeJSONBlob(s string) bool {
	trimmed := strings.TrimLeft(s, " \t")
	return strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") ||
		strings.Contains(trimmed, `"type":"message"`) || strings.Contains(trimmed, `"message":{"role"`)
}

func looksLikeStructuredFragment(s string) bool {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "```") || trimmed == "{" || trimmed == "}" || trimmed == "[" || trimmed == "]" {
		return true
	}
	return strings.HasPrefix(trimmed, `"`) && strings.Contains(trimmed, `":`)
}

func isSignalLine(line string) bool {
	lower := strings.ToLower(line)
	for _, kw := range signalKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func extractSignalLines(raw string) []string {
	candidates := moonprojection.ExtractCandidateLines(raw)
	var out []string
	for _, line := range candidates {
		if isSignalLine(line) {
			out = append(out, line)
		}
		if len(out) >= maxSignalLines {
			return out
		}
	}
	if len(out) == 0 {
		for _, line := range candidates {
			if len(out) >= maxFallbackLines {
				break
			}
			if cleaned, ok := cleanCandidateText(line); ok {
				out = append(out, cleaned)
			}
		}
	}
	return out
}

func buildPromptContext(raw string) string {
	candidates := moonprojection.ExtractCandidateLines(raw)
	var b strings.Builder
	for i, line := range candidates {
		if i >= maxPromptLines {
			break
		}
		b.WriteString("- ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

func buildLLMPrompt(input Input) string {
	context := buildPromptContext(input.ArchiveText)
	return fmt.Sprintf(
		"Summarize this session into concise bullets under headings for Decisions, Rules, Milestones, and Open Tasks. Return markdown only. Never output raw JSON, JSONL, code fences, XML, YAML, tool payload dumps, or verbatim logs.\nSession id: %s\nArchive path: %s\n\nContext lines:\n%s",
		input.SessionID, input.ArchivePath, context)
}

func extractOpenAIText(parsed map[string]any) (string, bool) {
	if v, ok := parsed["output_text"].(string); ok {
		return v, true
	}
	output, ok := parsed["output"].([]any)
	if !ok {
		return "", false
	}
	var chunks []string
	for _, item := range output {
		m, isMap := item.(map[string]any)
		if !isMap {
			continue
		}
		content, ok := m["content"].([]any)
		if !ok {
			continue
		}
		for _, part := range content {
			pm, isMap := part.(map[string]any)
			if !isMap {
				continue
			}
			if text, ok := pm["text"].(string); ok {
				chunks = append(chunks, text)
			}
		}
	}
	if len(chunks) == 0 {
		return "", false
	}
	return strings.Join(chunks, "\n"), true
}

func extractAnthropicText(parsed map[string]any) (string, bool) {
	content, ok := parsed["content"].([]any)
	if !ok {
		return "", false
	}
	var chunks []string
	for _, part := range content {
		pm, isMap := part.(map[string]any)
		if !isMap {
			continue
		}
		if text, ok := pm["text"].(string); ok {
			chunks = append(chunks, text)
		}
	}
	if len(chunks) == 0 {
		return "", false
	}
	return strings.Join(chunks, "\n"), true
}

func extractOpenAICompatibleText(parsed map[string]any) (string, bool) {
	choices, ok := parsed["choices"].([]any)
	if !ok || len(choices) == 0 {
		return "", false
	}
	first, isMap := choices[0].(map[string]any)
	if !isMap {
		return "", false
	}
	message, isMap := first["message"].(map[string]any)
	if !isMap {
		return "", false
	}
	switch content := message["content"].(type) {
	case string:
		return content, true
	case []any:
		var chunks []string
		for _, part := range content {
			pm, isMap := part.(map[string]any)
			if !isMap {
				continue
			}
			if text, ok := pm["text"].(string); ok {
				chunks = append(chunks, text)
			}
		}
		if len(chunks) == 0 {
			return "", false
		}
		return strings.Join(chunks, "\n"), true
	default:
		return "", false
	}
}

func sanitizeModelSummary(summary string) (string, bool) {
	var lines []string
	bulletCount := 0

	for _, rawLine := range strings.Split(summary, "\n") {
		trimmed := strings.TrimSpace(rawLine)
		if trimmed == "" {
			continue
		}
		if looksLikeJSONBlob(trimmed) || looksLikeStructuredFragment(trimmed) ||
			strings.Contains(trimmed, "<<<EXTERNAL_UNTRUSTED_CONTENT>>>") {
			continue
		}
		cleaned, ok := cleanCandidateText(trimmed)
		if !ok {
			return "", false
		}

		var normalized string
		switch {
		case strings.HasPrefix(cleaned, "#"):
			normalized = cleaned
		case strings.HasPrefix(cleaned, "- "):
			bulletCount++
			normalized = cleaned
		case strings.HasPrefix(cleaned, "* "):
			bulletCount++
			normalized = "- " + strings.TrimPrefix(cleaned, "* ")
		default:
			bulletCount++
			normalized = "- " + cleaned
		}
		lines = append(lines, normalized)
		if len(lines) >= maxModelLines {
			break
		}
	}

	if bulletCount < minModelBullets {
		return "", false
	}
	return strings.Join(lines, "\n"), true
}

func clampSummary(summary string) string {
	normalized := strings.TrimRight(summary, " \t\n\r")
	if len([]rune(normalized)) <= maxSummaryChars {
		return normalized
	}
	return string([]rune(normalized)[:maxSummaryChars]) + "\n\n[summary truncated]"
}

// Distill implements the local heuristic: pull signal lines (containing
// decision/rule/todo/next/milestone), falling back to the first plain
// lines if none match.
func (LocalDistiller) Distill(input Input) (string, error) {
	lines := extractSignalLines(input.ArchiveText)
	if len(lines) == 0 {
		for _, raw := range strings.Split(input.ArchiveText, "\n") {
			trimmed := strings.TrimSpace(raw)
			if trimmed == "" {
				continue
			}
			if cleaned, ok := cleanCandidateText(trimmed); ok {
				lines = append(lines, cleaned)
			}
			if len(lines) >= maxFallbackLines {
				break
			}
		}
	}

	var b strings.Builder
	b.WriteString("## Distilled Session Summary\n")
	fmt.Fprintf(&b, "- session_id: %s\n", input.SessionID)
	fmt.Fprintf(&b, "- archive_path: %s\n", input.ArchivePath)
	b.WriteString("- extracted_signals:\n")
	for _, line := range lines {
		fmt.Fprintf(&b, "  - %s\n", line)
	}
	return b.String(), nil
}

func postJSON(url string, headers map[string]string, payload any) (map[string]any, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("moondistill: marshal request: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("moondistill: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("moondistill: call %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("moondistill: %s returned status %d", url, resp.StatusCode)
	}
	var parsed map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("moondistill: decode response from %s: %w", url, err)
	}
	return parsed, nil
}

func (d GeminiDistiller) Distill(input Input) (string, error) {
	prompt := buildLLMPrompt(input)
	url := fmt.Sprintf("https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent?key=%s", d.Model, d.APIKey)
	payload := map[string]any{
		"contents": []map[string]any{{"parts": []map[string]any{{"text": prompt}}}},
	}
	parsed, err := postJSON(url, nil, payload)
	if err != nil {
		return "", err
	}
	candidates, _ := parsed["candidates"].([]any)
	if len(candidates) == 0 {
		return "", fmt.Errorf("moondistill: gemini response missing text content")
	}
	cand, _ := candidates[0].(map[string]any)
	content, _ := cand["content"].(map[string]any)
	parts, _ := content["parts"].([]any)
	if len(parts) == 0 {
		return "", fmt.Errorf("moondistill: gemini response missing text content")
	}
	part, _ := parts[0].(map[string]any)
	text, ok := part["text"].(string)
	if !ok {
		return "", fmt.Errorf("moondistill: gemini response missing text content")
	}
	return text, nil
}

func (d OpenAIDistiller) Distill(input Input) (string, error) {
	prompt := buildLLMPrompt(input)
	payload := map[string]any{"model": d.Model, "input": prompt, "temperature": 0.2}
	headers := map[string]string{"Authorization": "Bearer " + d.APIKey}
	parsed, err := postJSON("https://api.openai.com/v1/responses", headers, payload)
	if err != nil {
		return "", err
	}
	text, ok := extractOpenAIText(parsed)
	if !ok {
		return "", fmt.Errorf("moondistill: openai response missing text content")
	}
	return text, nil
}

func (d OpenAICompatDistiller) Distill(input Input) (string, error) {
	prompt := buildLLMPrompt(input)
	base := d.BaseURL
	if base == "" {
		base = "https://api.openai.com"
	}
	url := strings.TrimRight(base, "/") + "/v1/chat/completions"
	payload := map[string]any{
		"model":       d.Model,
		"messages":    []map[string]any{{"role": "user", "content": prompt}},
		"temperature": 0.2,
	}
	headers := map[string]string{"Authorization": "Bearer " + d.APIKey}
	parsed, err := postJSON(url, headers, payload)
	if err != nil {
		return "", err
	}
	text, ok := extractOpenAICompatibleText(parsed)
	if !ok {
		return "", fmt.Errorf("moondistill: openai-compatible response missing text content")
	}
	return text, nil
}

func (d AnthropicDistiller) Distill(input Input) (string, error) {
	prompt := buildLLMPrompt(input)
	payload := map[string]any{
		"model":       d.Model,
		"max_tokens":  1200,
		"temperature": 0.2,
		"messages":    []map[string]any{{"role": "user", "content": prompt}},
	}
	headers := map[string]string{"x-api-key": d.APIKey, "anthropic-version": "2023-06-01"}
	parsed, err := postJSON("https://api.anthropic.com/v1/messages", headers, payload)
	if err != nil {
		return "", err
	}
	text, ok := extractAnthropicText(parsed)
	if !ok {
		return "", fmt.Errorf("moondistill: anthropic response missing text content")
	}
	return text, nil
}

func dailyMemoryPath(paths *moonpaths.Paths, archiveEpochSecs *int64) string {
	var t time.Time
	if archiveEpochSecs != nil {
		t = time.Unix(*archiveEpochSecs, 0).Local()
	} else {
		t = time.Now().Local()
	}
	return fmt.Sprintf("%s/%04d-%02d-%02d.md", paths.MemoryDir, t.Year(), t.Month(), t.Day())
}

func distillSummary(input Input) (string, string, error) {
	var localCache *string
	localSummary := func() (string, error) {
		if localCache != nil {
			return *localCache, nil
		}
		s, err := (LocalDistiller{}).Distill(input)
		if err != nil {
			return "", err
		}
		localCache = &s
		return s, nil
	}

	remote, ok := resolveRemoteConfig()
	if !ok {
		s, err := localSummary()
		if err != nil {
			return "", "", err
		}
		return "local", clampSummary(s), nil
	}

	var backend Distiller
	switch remote.provider {
	case providerOpenAI:
		backend = OpenAIDistiller{APIKey: remote.apiKey, Model: remote.model}
	case providerAnthropic:
		backend = AnthropicDistiller{APIKey: remote.apiKey, Model: remote.model}
	case providerGemini:
		backend = GeminiDistiller{APIKey: remote.apiKey, Model: remote.model}
	case providerOpenAICompatible:
		baseURL := remote.baseURL
		if baseURL == "" {
			baseURL = "https://api.openai.com"
		}
		backend = OpenAICompatDistiller{APIKey: remote.apiKey, Model: remote.model, BaseURL: baseURL}
	}

	out, err := backend.Distill(input)
	if err != nil {
		s, lerr := localSummary()
		if lerr != nil {
			return "", "", lerr
		}
		return "local", clampSummary(s), nil
	}
	cleaned, ok := sanitizeModelSummary(out)
	if !ok {
		s, lerr := localSummary()
		if lerr != nil {
			return "", "", lerr
		}
		return "local", clampSummary(s), nil
	}
	return remote.provider.label(), clampSummary(cleaned), nil
}

func appendDistilledSummary(paths *moonpaths.Paths, input Input, providerUsed, summary string) (*Output, error) {
	summaryPath := dailyMemoryPath(paths, input.ArchiveEpochSecs)

	var b strings.Builder
	fmt.Fprintf(&b, "\n\n### %s\n", input.SessionID)
	b.WriteString(summary)
	b.WriteByte('\n')

	f, err := os.OpenFile(summaryPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("moondistill: open %s: %w", summaryPath, err)
	}
	defer f.Close()
	if _, err := f.WriteString(b.String()); err != nil {
		return nil, fmt.Errorf("moondistill: append %s: %w", summaryPath, err)
	}

	if err := moonaudit.Append(paths, "distill", moonaudit.StatusOK,
		fmt.Sprintf("distilled session %s into %s provider=%s", input.SessionID, summaryPath, providerUsed)); err != nil {
		return nil, err
	}

	return &Output{
		Provider:           providerUsed,
		Summary:            summary,
		SummaryPath:        summaryPath,
		AuditLogPath:       paths.AuditLogPath,
		CreatedAtEpochSecs: moonutil.NowEpochSeconds(),
	}, nil
}

// chunkSummaryRollup deduplicates chunk-summary bullets case-insensitively
// and buckets them by keyword (spec.md §4.4 "Roll-up").
type chunkSummaryRollup struct {
	seen       map[string]bool
	decisions  []string
	rules      []string
	milestones []string
	tasks      []string
	other      []string
}

func newChunkSummaryRollup() *chunkSummaryRollup {
	return &chunkSummaryRollup{seen: map[string]bool{}}
}

func (r *chunkSummaryRollup) totalLines() int {
	return len(r.decisions) + len(r.rules) + len(r.milestones) + len(r.tasks) + len(r.other)
}

func (r *chunkSummaryRollup) pushLine(rawLine string) {
	if r.totalLines() >= maxRollupTotalLines {
		return
	}
	trimmed := strings.TrimSpace(rawLine)
	if trimmed == "" {
		return
	}
	normalized := strings.TrimPrefix(strings.TrimPrefix(trimmed, "- "), "* ")
	normalized = strings.TrimSpace(normalized)
	if normalized == "" || strings.HasPrefix(normalized, "#") {
		return
	}
	if looksLikeJSONBlob(normalized) || looksLikeStructuredFragment(normalized) {
		return
	}
	cleaned, ok := cleanCandidateText(normalized)
	if !ok {
		return
	}
	key := strings.ToLower(cleaned)
	if r.seen[key] {
		return
	}
	r.seen[key] = true

	lower := strings.ToLower(cleaned)
	var target *[]string
	switch {
	case strings.Contains(lower, "decision"):
		target = &r.decisions
	case strings.Contains(lower, "rule"):
		target = &r.rules
	case strings.Contains(lower, "milestone"):
		target = &r.milestones
	case strings.Contains(lower, "todo"), strings.Contains(lower, "open task"),
		strings.Contains(lower, "next"), strings.Contains(lower, "follow up"),
		strings.Contains(lower, "follow-up"), strings.Contains(lower, "action item"):
		target = &r.tasks
	default:
		target = &r.other
	}
	if len(*target) < maxRollupLinesPerSection {
		*target = append(*target, cleaned)
	}
}

func (r *chunkSummaryRollup) ingestSummary(summary string) {
	for _, line := range strings.Split(summary, "\n") {
		r.pushLine(line)
		if r.totalLines() >= maxRollupTotalLines {
			break
		}
	}
}

func (r *chunkSummaryRollup) render(sessionID, archivePath string, chunkCount, chunkTargetBytes, maxChunks int, truncated bool) string {
	appendSection := func(b *strings.Builder, title string, lines []string) {
		if len(lines) == 0 {
			return
		}
		fmt.Fprintf(b, "### %s\n", title)
		for _, line := range lines {
			b.WriteString("- ")
			b.WriteString(line)
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}

	var b strings.Builder
	b.WriteString("## Distilled Session Summary\n")
	fmt.Fprintf(&b, "- session_id: %s\n", sessionID)
	fmt.Fprintf(&b, "- archive_path: %s\n", archivePath)
	fmt.Fprintf(&b, "- chunk_count: %d\n", chunkCount)
	fmt.Fprintf(&b, "- chunk_target_bytes: %d\n", chunkTargetBytes)
	if truncated {
		fmt.Fprintf(&b, "- chunking_truncated: true (max_chunks=%d)\n", maxChunks)
	}
	b.WriteByte('\n')

	appendSection(&b, "Decisions", r.decisions)
	appendSection(&b, "Rules", r.rules)
	appendSection(&b, "Milestones", r.milestones)
	appendSection(&b, "Open Tasks", r.tasks)
	appendSection(&b, "Other Signals", r.other)

	if r.totalLines() == 0 {
		b.WriteString("### Notes\n- no high-signal lines extracted from chunk summaries\n")
	}
	return b.String()
}

func summarizeProviderMix(counts map[string]int) string {
	if len(counts) == 0 {
		return "local"
	}
	if len(counts) == 1 {
		for k := range counts {
			return k
		}
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s:%d", k, counts[k]))
	}
	return "mixed(" + strings.Join(parts, ",") + ")"
}

func streamArchiveChunks(path string, chunkTargetBytes, maxChunks int, onChunk func(index int, text string) error) (int, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false, fmt.Errorf("moondistill: open %s: %w", path, err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	var current strings.Builder
	currentBytes := 0
	chunkCount := 0
	truncated := false

	for {
		line, err := reader.ReadString('\n')
		atEOF := err == io.EOF
		if err != nil && !atEOF {
			return chunkCount, truncated, fmt.Errorf("moondistill: read %s: %w", path, err)
		}
		if atEOF && line == "" {
			break
		}

		lineBytes := len(line)
		if !strings.HasSuffix(line, "\n") {
			lineBytes++
		}

		if current.Len() > 0 && currentBytes+lineBytes > chunkTargetBytes {
			chunkCount++
			if cerr := onChunk(chunkCount, current.String()); cerr != nil {
				return chunkCount, truncated, cerr
			}
			current.Reset()
			currentBytes = 0
			if chunkCount >= maxChunks {
				truncated = true
				break
			}
		}

		current.WriteString(line)
		if !strings.HasSuffix(line, "\n") {
			current.WriteByte('\n')
		}
		currentBytes += lineBytes

		if atEOF {
			break
		}
	}

	if !truncated {
		if current.Len() == 0 {
			if chunkCount == 0 {
				chunkCount = 1
				if cerr := onChunk(chunkCount, ""); cerr != nil {
					return chunkCount, truncated, cerr
				}
			}
		} else {
			chunkCount++
			if cerr := onChunk(chunkCount, current.String()); cerr != nil {
				return chunkCount, truncated, cerr
			}
		}
	}

	return chunkCount, truncated, nil
}

// RunChunkedArchiveDistillation streams an oversized archive through the
// backend in size-bounded chunks, rolling the per-chunk summaries into one
// (spec.md §4.4 "Chunk streaming"/"Roll-up").
func RunChunkedArchiveDistillation(paths *moonpaths.Paths, input Input) (*ChunkedOutput, error) {
	if err := paths.EnsureDirs(paths.MemoryDir); err != nil {
		return nil, err
	}

	chunkTargetBytes := DistillChunkBytes()
	maxChunks := distillMaxChunks()

	rollup := newChunkSummaryRollup()
	providerCounts := map[string]int{}

	chunkCount, truncated, err := streamArchiveChunks(input.ArchivePath, chunkTargetBytes, maxChunks, func(index int, text string) error {
		chunkInput := Input{
			SessionID:        fmt.Sprintf("%s [chunk %d]", input.SessionID, index),
			ArchivePath:      fmt.Sprintf("%s#chunk=%d", input.ArchivePath, index),
			ArchiveText:      text,
			ArchiveEpochSecs: input.ArchiveEpochSecs,
		}
		provider, summary, derr := distillSummary(chunkInput)
		if derr != nil {
			return derr
		}
		providerCounts[provider]++
		rollup.ingestSummary(summary)
		return nil
	})
	if err != nil {
		return nil, err
	}

	provider := summarizeProviderMix(providerCounts)
	summary := clampSummary(rollup.render(input.SessionID, input.ArchivePath, chunkCount, chunkTargetBytes, maxChunks, truncated))

	out, err := appendDistilledSummary(paths, input, provider, summary)
	if err != nil {
		return nil, err
	}

	return &ChunkedOutput{
		Output:           *out,
		ChunkCount:       chunkCount,
		ChunkTargetBytes: chunkTargetBytes,
		Truncated:        truncated,
	}, nil
}

// RunDistillation performs single-pass summarisation of one archive
// (spec.md §4.4).
func RunDistillation(paths *moonpaths.Paths, input Input) (*Output, error) {
	if err := paths.EnsureDirs(paths.MemoryDir); err != nil {
		return nil, err
	}
	provider, summary, err := distillSummary(input)
	if err != nil {
		return nil, err
	}
	return appendDistilledSummary(paths, input, provider, summary)
}
