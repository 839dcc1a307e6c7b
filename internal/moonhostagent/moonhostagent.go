// Package moonhostagent shells out to the host agent's CLI binary (spec.md
// §6). MOON never talks to the agent except via these documented
// subcommands.
package moonhostagent

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/coinbuidl/moon/internal/moonerr"
	"github.com/coinbuidl/moon/internal/moonpaths"
)

const callTimeout = 45 * time.Second

func resolveBin(paths *moonpaths.Paths) (string, error) {
	if paths.AgentBin != "" {
		if _, err := exec.LookPath(paths.AgentBin); err == nil {
			return paths.AgentBin, nil
		}
	}
	bin, err := exec.LookPath("openclaw")
	if err != nil {
		return "", fmt.Errorf("moonhostagent: agent binary not found: %w", err)
	}
	return bin, nil
}

func run(paths *moonpaths.Paths, args ...string) (string, error) {
	bin, err := resolveBin(paths)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, bin, args...)
	out, err := cmd.Output()
	if err != nil {
		return string(out), fmt.Errorf("%w: %s: %v", moonerr.TransientIO, strings.Join(args, " "), err)
	}
	return string(out), nil
}

func findU64(root map[string]any, paths [][]string) (uint64, bool) {
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

func findStr(root map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := root[k].(string); ok {
			return v, true
		}
	}
	return "", false
}

// RawUsage is one entry's usage fields, before ratio/epoch derivation.
type RawUsage struct {
	SessionID  string
	UsedTokens uint64
	MaxTokens  uint64
	UpdatedAt  float64
}

func parseEntryUsage(entry map[string]any) (RawUsage, bool) {
	sessionID, _ := findStr(entry, "key", "sessionId", "id")
	used, ok := findU64(entry, [][]string{
		{"totalTokens"}, {"inputTokens"}, {"usage", "totalTokens"}, {"usage", "inputTokens"},
	})
	if !ok {
		return RawUsage{}, false
	}
	max, ok := findU64(entry, [][]string{
		{"contextTokens"}, {"maxTokens"}, {"limits", "maxTokens"},
	})
	if !ok {
		max = 200000
	}
	var updatedAt float64
	if v, ok := entry["updatedAt"].(float64); ok {
		updatedAt = v
	}
	return RawUsage{SessionID: sessionID, UsedTokens: used, MaxTokens: max, UpdatedAt: updatedAt}, true
}

// ParseCurrentUsage parses `sessions current --json`'s flat-or-list shape
// per spec.md §6: a flat object, or a {"sessions":[...]} list where the
// entry with the greatest updatedAt wins.
func ParseCurrentUsage(raw string) (RawUsage, error) {
	var parsed map[string]any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return RawUsage{}, fmt.Errorf("%w: invalid agent usage JSON: %v", moonerr.SchemaError, err)
	}

	if rawSessions, ok := parsed["sessions"].([]any); ok {
		var best RawUsage
		found := false
		for _, s := range rawSessions {
			entry, isMap := s.(map[string]any)
			if !isMap {
				continue
			}
			usage, ok := parseEntryUsage(entry)
			if !ok {
				continue
			}
			if !found || usage.UpdatedAt > best.UpdatedAt {
				best = usage
				found = true
			}
		}
		if !found {
			return RawUsage{}, fmt.Errorf("%w: no session in list carried usage fields", moonerr.SchemaError)
		}
		if best.SessionID == "" {
			best.SessionID = "current"
		}
		return best, nil
	}

	sessionID, _ := findStr(parsed, "sessionId", "id")
	if sessionID == "" {
		sessionID = "current"
	}
	used, ok := findU64(parsed, [][]string{
		{"usage", "totalTokens"}, {"usage", "inputTokens"}, {"tokenUsage", "total"}, {"context", "usedTokens"},
	})
	if !ok {
		used, ok = findU64(parsed, [][]string{{"usedTokens"}})
	}
	if !ok {
		return RawUsage{}, fmt.Errorf("%w: agent usage payload missing used-token fields", moonerr.SchemaError)
	}
	max, ok := findU64(parsed, [][]string{
		{"limits", "maxTokens"}, {"context", "maxTokens"}, {"tokenUsage", "max"},
	})
	if !ok {
		max, ok = findU64(parsed, [][]string{{"maxTokens"}})
	}
	if !ok {
		max = 200000
	}
	return RawUsage{SessionID: sessionID, UsedTokens: used, MaxTokens: max}, nil
}

// SessionsCurrent runs `sessions current --json` and parses it.
func SessionsCurrent(paths *moonpaths.Paths) (RawUsage, error) {
	out, err := run(paths, "sessions", "current", "--json")
	if err != nil {
		return RawUsage{}, err
	}
	return ParseCurrentUsage(out)
}

// SessionsList runs `sessions --json` and returns one RawUsage per entry
// that carries usage fields; entries lacking them are skipped, per spec.md
// §6.
func SessionsList(paths *moonpaths.Paths) ([]RawUsage, error) {
	out, err := run(paths, "sessions", "--json")
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Sessions []map[string]any `json:"sessions"`
	}
	if jerr := json.Unmarshal([]byte(out), &parsed); jerr != nil {
		return nil, fmt.Errorf("%w: invalid agent sessions list JSON: %v", moonerr.SchemaError, jerr)
	}
	var out2 []RawUsage
	for _, entry := range parsed.Sessions {
		usage, ok := parseEntryUsage(entry)
		if !ok {
			continue
		}
		out2 = append(out2, usage)
	}
	return out2, nil
}

// SessionsTranscriptMap runs `sessions --json` again to resolve
// channel_key -> sessionId, the map the Compaction Dispatcher needs to find
// each over-threshold channel's transcript file (spec.md §4.7 step 1).
func SessionsTranscriptMap(paths *moonpaths.Paths) (map[string]string, error) {
	out, err := run(paths, "sessions", "--json")
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Sessions []map[string]any `json:"sessions"`
	}
	if jerr := json.Unmarshal([]byte(out), &parsed); jerr != nil {
		return nil, fmt.Errorf("%w: invalid agent sessions list JSON: %v", moonerr.SchemaError, jerr)
	}
	result := map[string]string{}
	for _, entry := range parsed.Sessions {
		key, ok := findStr(entry, "key", "channelKey")
		if !ok {
			continue
		}
		sessionID, ok := findStr(entry, "sessionId", "id")
		if !ok {
			continue
		}
		result[key] = sessionID
	}
	return result, nil
}

// ChatSendOutcome is the compact RPC's parsed result.
type ChatSendOutcome struct {
	OK      bool
	Status  string
	RunID   string
}

// ChatSend issues the compact RPC against sessionKey via `gateway call
// chat.send --json --params <json>` (spec.md §6), stamping a fresh
// idempotency key.
func ChatSend(paths *moonpaths.Paths, sessionKey string) (*ChatSendOutcome, error) {
	params, err := json.Marshal(map[string]any{
		"sessionKey":     sessionKey,
		"message":        "/compact",
		"deliver":        false,
		"idempotencyKey": uuid.NewString(),
	})
	if err != nil {
		return nil, fmt.Errorf("moonhostagent: marshal chat.send params: %w", err)
	}

	out, err := run(paths, "gateway", "call", "chat.send", "--json", "--params", string(params))
	if err != nil {
		return nil, err
	}

	var parsed map[string]any
	if jerr := json.Unmarshal([]byte(out), &parsed); jerr != nil {
		return nil, fmt.Errorf("%w: invalid chat.send response JSON: %v", moonerr.SchemaError, jerr)
	}

	outcome := &ChatSendOutcome{}
	if status, ok := parsed["status"].(string); ok {
		outcome.Status = status
	}
	if runID, ok := parsed["runId"].(string); ok {
		outcome.RunID = runID
	}
	if ok, isBool := parsed["ok"].(bool); isBool {
		outcome.OK = ok
	}

	if outcome.Status == "started" && outcome.RunID != "" {
		return outcome, nil
	}
	if outcome.OK {
		return outcome, nil
	}
	return outcome, fmt.Errorf("%w: chat.send returned neither started+runId nor ok=true", moonerr.ProtocolMismatch)
}

// GatewayControl runs `gateway restart|stop|start`, retrying up to attempts
// times with linear backoff 250ms*(attempt+1) on failure (spec.md §6).
func GatewayControl(paths *moonpaths.Paths, action string, attempts int) error {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt+1) * 250 * time.Millisecond)
		}
		_, err := run(paths, "gateway", action)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("moonhostagent: gateway %s failed after %d attempts: %w", action, attempts, lastErr)
}

// SystemEvent delivers an inbound-file notification via `system event --text
// <t> --mode <m>`.
func SystemEvent(paths *moonpaths.Paths, text, mode string) error {
	_, err := run(paths, "system", "event", "--text", text, "--mode", mode)
	return err
}
