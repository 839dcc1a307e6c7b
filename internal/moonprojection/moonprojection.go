// Package moonprojection streams an archive into a ProjectionData (bounded
// scan with hard caps) and renders it as Markdown v2, the noise-filtered
// form used for full-text retrieval (spec.md §4.3).
package moonprojection

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/coinbuidl/moon/internal/moonutil"
)

// Hard caps on the streaming scan. Never read a full archive into memory.
const (
	MaxScanBytes     = 4 * 1024 * 1024
	MaxScanLines     = 50_000
	MaxCandidates    = 400
	MaxTimelineRows  = 400
	MarkerRowCadence = 15
)

// Priority of a tool-use entry.
type Priority string

const (
	PriorityHigh   Priority = "High"
	PriorityNormal Priority = "Normal"
)

var highPriorityTools = map[string]bool{
	"write_to_file": true,
	"exec":          true,
	"edit":          true,
	"gateway":       true,
}

// Entry is one projected message, tool-use, or synthesised system note.
type Entry struct {
	TimestampEpoch *int64
	Role           string // user | assistant | toolResult | system
	Content        string
	ToolName       string
	ToolTarget     string
	Priority       Priority
	CoupledResult  string
}

// CompactionAnchor marks a point where the host agent already compacted.
type CompactionAnchor struct {
	Note          string
	OriginMessage int
}

// Data is the derived projection of one archive.
type Data struct {
	Entries            []Entry
	ToolCalls           int
	Keywords           []string
	Topics             []string
	TimeStartEpoch     *int64
	TimeEndEpoch       *int64
	MessageCount       int
	Truncated          bool
	CompactionAnchors  []CompactionAnchor
	FilteredNoiseCount int
}

const untrustedMarker = "<<<EXTERNAL_UNTRUSTED_CONTENT>>>"

// looksLikeJSONBlob is a cheap heuristic for "this text is actually a raw
// JSON/structured fragment and must not be surfaced as conversation text".
func looksLikeJSONBlob(s string) bool {
	t := strings.TrimSpace(s)
	if strings.HasPrefix(t, "{") || strings.HasPrefix(t, "[") {
		return true
	}
	if strings.Contains(t, `"type":"message"`) || strings.Contains(t, `"message":{"role"`) {
		return true
	}
	return false
}

type rawMessageLine struct {
	Type              string          `json:"type"`
	Message           *rawMessage     `json:"message"`
	CompactionSummary *string         `json:"compaction_summary"`
	TimestampEpoch    *int64          `json:"timestamp_epoch"`
}

type rawMessage struct {
	Role      string        `json:"role"`
	Content   []rawContent  `json:"content"`
	CreatedAt *string       `json:"createdAt"`
}

type rawContent struct {
	Type  string          `json:"type"`
	Text  string          `json:"text"`
	Name  string          `json:"name"` // toolUse tool name (for variants that key it as "name")
	Input json.RawMessage `json:"input"`
}

func parseCreatedAt(createdAt *string, fallback *int64) *int64 {
	if createdAt != nil && *createdAt != "" {
		if t, err := time.Parse(time.RFC3339, *createdAt); err == nil {
			epoch := t.Unix()
			return &epoch
		}
	}
	return fallback
}

func toolTargetFromInput(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err == nil {
		for _, key := range []string{"command", "path", "file"} {
			if v, ok := m[key]; ok {
				if s, ok := v.(string); ok && s != "" {
					return s
				}
			}
		}
	}
	return moonutil.TruncateWithEllipsis(string(raw), 64)
}

// Extract streams path line-by-line, applying the hard caps and building a
// Data. Never loads the whole file into memory.
func Extract(path string) (*Data, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("moonprojection: open %s: %w", path, err)
	}
	defer f.Close()

	data := &Data{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var scannedBytes int
	var scannedLines int
	var pendingToolUses []int // indices into data.Entries awaiting a coupled toolResult
	keywordSet := map[string]bool{}

	for scanner.Scan() {
		line := scanner.Text()
		scannedBytes += len(line) + 1
		scannedLines++

		if scannedBytes > MaxScanBytes || scannedLines > MaxScanLines || len(data.Entries) >= MaxCandidates {
			data.Truncated = true
			break
		}
		if strings.TrimSpace(line) == "" {
			continue
		}

		var raw rawMessageLine
		if err := json.Unmarshal([]byte(line), &raw); err != nil || (raw.Type == "" && raw.Message == nil && raw.CompactionSummary == nil) {
			if looksLikeJSONBlob(line) {
				data.FilteredNoiseCount++
				continue
			}
			entry := Entry{
				Role:    "system",
				Content: moonutil.TruncateWithEllipsis(line, 512),
			}
			data.Entries = append(data.Entries, entry)
			continue
		}

		if raw.CompactionSummary != nil {
			data.CompactionAnchors = append(data.CompactionAnchors, CompactionAnchor{
				Note:          *raw.CompactionSummary,
				OriginMessage: len(data.Entries),
			})
			continue
		}

		if raw.Message == nil {
			continue
		}

		ts := parseCreatedAt(raw.Message.CreatedAt, raw.TimestampEpoch)
		role := raw.Message.Role

		if role == "toolResult" {
			var text string
			for _, c := range raw.Message.Content {
				if c.Type != "text" {
					continue
				}
				if len(c.Text) > 1024 || looksLikeJSONBlob(c.Text) || strings.Contains(c.Text, untrustedMarker) {
					data.FilteredNoiseCount++
					continue
				}
				text = c.Text
				break
			}
			entry := Entry{TimestampEpoch: ts, Role: role, Content: text}
			data.Entries = append(data.Entries, entry)
			if len(pendingToolUses) > 0 {
				top := pendingToolUses[len(pendingToolUses)-1]
				pendingToolUses = pendingToolUses[:len(pendingToolUses)-1]
				data.Entries[top].CoupledResult = moonutil.TruncateWithEllipsis(text, 360)
			}
			extractKeywordsInto(keywordSet, text)
			continue
		}

		var textBuilder strings.Builder
		var toolName, toolTarget string
		var priority Priority
		for _, c := range raw.Message.Content {
			switch c.Type {
			case "text":
				if textBuilder.Len() > 0 {
					textBuilder.WriteByte(' ')
				}
				textBuilder.WriteString(c.Text)
			case "toolUse":
				toolName = c.Name
				toolTarget = toolTargetFromInput(c.Input)
				if highPriorityTools[toolName] {
					priority = PriorityHigh
				} else {
					priority = PriorityNormal
				}
				data.ToolCalls++
			}
		}
		entry := Entry{
			TimestampEpoch: ts,
			Role:           role,
			Content:        textBuilder.String(),
			ToolName:       toolName,
			ToolTarget:     toolTarget,
			Priority:       priority,
		}
		data.Entries = append(data.Entries, entry)
		if toolName != "" {
			pendingToolUses = append(pendingToolUses, len(data.Entries)-1)
		}
		extractKeywordsInto(keywordSet, textBuilder.String())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("moonprojection: scan %s: %w", path, err)
	}

	data.MessageCount = len(data.Entries)
	for _, e := range data.Entries {
		if e.TimestampEpoch == nil {
			continue
		}
		if data.TimeStartEpoch == nil || *e.TimestampEpoch < *data.TimeStartEpoch {
			ts := *e.TimestampEpoch
			data.TimeStartEpoch = &ts
		}
		if data.TimeEndEpoch == nil || *e.TimestampEpoch > *data.TimeEndEpoch {
			ts := *e.TimestampEpoch
			data.TimeEndEpoch = &ts
		}
	}

	data.Keywords = sortedKeys(keywordSet, 30)
	if len(data.Keywords) > 0 {
		data.Topics = []string{"Session activity"}
	}

	return data, nil
}

func extractKeywordsInto(set map[string]bool, text string) {
	if len(set) >= 100 {
		return
	}
	for _, raw := range strings.Fields(text) {
		word := strings.ToLower(strings.Trim(raw, ".,!?;:\"'()[]{}"))
		if len(word) <= 4 || len(word) >= 24 {
			continue
		}
		isAlnum := true
		for _, r := range word {
			if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')) {
				isAlnum = false
				break
			}
		}
		if !isAlnum {
			continue
		}
		set[word] = true
		if len(set) >= 100 {
			return
		}
	}
}

func sortedKeys(set map[string]bool, limit int) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > limit {
		keys = keys[:limit]
	}
	return keys
}

// ExtractCandidateLines pulls up to 200 "interesting" lines from raw text
// for use as distillation prompt material — the same candidate extraction
// the projection builder performs, without the entry-structuring step
// (spec.md §4.4 "without retention").
func ExtractCandidateLines(rawText string) []string {
	var out []string
	for _, line := range strings.Split(rawText, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if looksLikeJSONBlob(line) && !looksLikeCandidateJSONMessage(line) {
			continue
		}
		candidate := extractCandidateFromLine(line)
		if candidate == "" {
			continue
		}
		out = append(out, candidate)
		if len(out) >= 200 {
			break
		}
	}
	return out
}

func looksLikeCandidateJSONMessage(line string) bool {
	var raw rawMessageLine
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return false
	}
	return raw.Message != nil
}

func extractCandidateFromLine(line string) string {
	var raw rawMessageLine
	if err := json.Unmarshal([]byte(line), &raw); err == nil && raw.Message != nil {
		var b strings.Builder
		for _, c := range raw.Message.Content {
			if c.Type == "text" {
				if b.Len() > 0 {
					b.WriteByte(' ')
				}
				b.WriteString(c.Text)
			}
		}
		text := moonutil.NormalizeWhitespace(b.String())
		if text == "" || looksLikeJSONBlob(text) {
			return ""
		}
		if len(text) > 512 {
			text = text[:512]
		}
		return text
	}
	cleaned := moonutil.NormalizeWhitespace(line)
	if cleaned == "" || looksLikeJSONBlob(cleaned) {
		return ""
	}
	if len(cleaned) > 512 {
		cleaned = cleaned[:512]
	}
	return cleaned
}

// RenderMarkdownV2 produces the full Markdown v2 projection document,
// including YAML front-matter, for one archive.
func RenderMarkdownV2(sessionID, sourcePath, archivePath, contentHash string, createdAtEpoch int64, localTimezone string, data *Data) string {
	var b strings.Builder

	timeStartUTC, timeEndUTC := "", ""
	timeStartLocal, timeEndLocal := "", ""
	loc, err := time.LoadLocation(localTimezone)
	if err != nil {
		loc = time.UTC
	}
	if data.TimeStartEpoch != nil {
		timeStartUTC = time.Unix(*data.TimeStartEpoch, 0).UTC().Format(time.RFC3339)
		timeStartLocal = time.Unix(*data.TimeStartEpoch, 0).In(loc).Format(time.RFC3339)
	}
	if data.TimeEndEpoch != nil {
		timeEndUTC = time.Unix(*data.TimeEndEpoch, 0).UTC().Format(time.RFC3339)
		timeEndLocal = time.Unix(*data.TimeEndEpoch, 0).In(loc).Format(time.RFC3339)
	}

	toolCallsJSON, _ := json.Marshal(data.ToolCalls)
	keywordsJSON, _ := json.Marshal(data.Keywords)
	topicsJSON, _ := json.Marshal(data.Topics)

	fmt.Fprintf(&b, "---\n")
	fmt.Fprintf(&b, "moon_archive_projection: 2\n")
	fmt.Fprintf(&b, "session_id: %s\n", yamlQuote(sessionID))
	fmt.Fprintf(&b, "source_path: %s\n", yamlQuote(sourcePath))
	fmt.Fprintf(&b, "archive_jsonl_path: %s\n", yamlQuote(archivePath))
	fmt.Fprintf(&b, "content_hash: %s\n", yamlQuote(contentHash))
	fmt.Fprintf(&b, "created_at_epoch_secs: %d\n", createdAtEpoch)
	fmt.Fprintf(&b, "time_range_utc: [%s, %s]\n", yamlQuote(timeStartUTC), yamlQuote(timeEndUTC))
	fmt.Fprintf(&b, "time_range_local: [%s, %s]\n", yamlQuote(timeStartLocal), yamlQuote(timeEndLocal))
	fmt.Fprintf(&b, "local_timezone: %s\n", yamlQuote(localTimezone))
	fmt.Fprintf(&b, "message_count: %d\n", data.MessageCount)
	fmt.Fprintf(&b, "filtered_noise_count: %d\n", data.FilteredNoiseCount)
	fmt.Fprintf(&b, "tool_calls: %s\n", toolCallsJSON)
	fmt.Fprintf(&b, "keywords: %s\n", keywordsJSON)
	fmt.Fprintf(&b, "topics: %s\n", topicsJSON)
	fmt.Fprintf(&b, "---\n\n")

	fmt.Fprintf(&b, "# Archive Projection — %s\n\n", sessionID)
	fmt.Fprintf(&b, "%d messages, %d tool calls, captured from %s.\n\n", data.MessageCount, data.ToolCalls, sourcePath)

	renderTimeline(&b, data)
	renderConversations(&b, data)
	renderToolActivity(&b, data)
	renderSearchCapsules(&b, data)

	b.WriteString("## Decisions & Outcomes\n\n- (Extracted via periodic compaction)\n\n")

	b.WriteString("## Keywords & Topics\n\n")
	fmt.Fprintf(&b, "Keywords: %s\n\n", strings.Join(data.Keywords, ", "))
	fmt.Fprintf(&b, "Topics: %s\n\n", strings.Join(data.Topics, ", "))

	b.WriteString("## Compaction Notes\n\n")
	if len(data.CompactionAnchors) == 0 {
		b.WriteString("No compactions recorded.\n")
	} else {
		for _, a := range data.CompactionAnchors {
			fmt.Fprintf(&b, "- origin_message=%d: %s\n", a.OriginMessage, a.Note)
		}
	}

	return b.String()
}

func renderTimeline(b *strings.Builder, data *Data) {
	b.WriteString("## Timeline\n\n")
	b.WriteString("| # | Role | Tool | Content |\n|---|---|---|---|\n")
	rows := data.Entries
	if len(rows) > MaxTimelineRows {
		rows = rows[:MaxTimelineRows]
	}
	for i, e := range rows {
		if i > 0 && i%MarkerRowCadence == 0 {
			fmt.Fprintf(b, "| | **[%s]** | | |\n", markerLabel(e.TimestampEpoch))
		}
		content := moonutil.TruncatePreview(e.Content, 120)
		fmt.Fprintf(b, "| %d | %s | %s | %s |\n", i+1, e.Role, e.ToolName, escapeTableCell(content))
	}
	b.WriteString("\n")
}

func markerLabel(ts *int64) string {
	if ts == nil {
		return "unspecified"
	}
	t := time.Unix(*ts, 0).UTC()
	period := "AM"
	if t.Hour() >= 12 {
		period = "PM"
	}
	return t.Weekday().String() + " " + period
}

func escapeTableCell(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "|", "\\|"), "\n", " ")
}

func renderConversations(b *strings.Builder, data *Data) {
	b.WriteString("## Conversations\n\n### User Queries\n\n")
	for _, e := range data.Entries {
		if e.Role == "user" && e.Content != "" {
			fmt.Fprintf(b, "- %s\n", escapeTableCell(e.Content))
		}
	}
	b.WriteString("\n### Assistant Responses\n\n")
	for _, e := range data.Entries {
		if e.Role == "assistant" && e.Content != "" {
			fmt.Fprintf(b, "- %s\n", escapeTableCell(e.Content))
		}
	}
	b.WriteString("\n")
}

func renderToolActivity(b *strings.Builder, data *Data) {
	b.WriteString("## Tool Activity\n\n")
	byTool := map[string][]Entry{}
	var order []string
	for _, e := range data.Entries {
		if e.ToolName == "" {
			continue
		}
		if _, ok := byTool[e.ToolName]; !ok {
			order = append(order, e.ToolName)
		}
		byTool[e.ToolName] = append(byTool[e.ToolName], e)
	}
	for _, tool := range order {
		fmt.Fprintf(b, "### %s\n\n", tool)
		for _, e := range byTool[tool] {
			preview := moonutil.TruncatePreview(e.CoupledResult, 200)
			fmt.Fprintf(b, "- `%s` → %s\n", e.ToolTarget, preview)
		}
		b.WriteString("\n")
	}
}

func renderSearchCapsules(b *strings.Builder, data *Data) {
	b.WriteString("## Search Capsules\n\n")
	count := 0
	for _, e := range data.Entries {
		if count >= 1600 {
			break
		}
		tag := e.Role
		if e.ToolName != "" {
			tag = e.Role + ":" + e.ToolName
		}
		capsule := fmt.Sprintf("[%s] %s | %s | %s", tag, e.Content, e.ToolTarget, e.CoupledResult)
		capsule = moonutil.TruncatePreview(capsule, 360)
		fmt.Fprintf(b, "- %s\n", escapeTableCell(capsule))
		count++
	}
	b.WriteString("\n")
}

func yamlQuote(s string) string {
	escaped := strings.ReplaceAll(s, `"`, `\"`)
	return `"` + escaped + `"`
}
