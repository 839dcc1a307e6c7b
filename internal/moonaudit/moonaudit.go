// Package moonaudit appends structured audit events to logs/audit.log, one
// JSON object per line, per spec.md §6.
package moonaudit

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/coinbuidl/moon/internal/moonpaths"
	"github.com/coinbuidl/moon/internal/moonutil"
)

// Event is one audit record.
type Event struct {
	AtEpochSecs int64  `json:"at_epoch_secs"`
	Phase       string `json:"phase"`
	Status      string `json:"status"`
	Message     string `json:"message"`
}

// Status values a phase may report. Not an exhaustive enum enforced by the
// type system — callers pass any short status string — but these are the
// ones spec.md names.
const (
	StatusOK        = "ok"
	StatusDegraded  = "degraded"
	StatusSkipped   = "skipped"
	StatusTriggered = "triggered"
)

// Append writes one audit event, creating logs/ on demand.
func Append(paths *moonpaths.Paths, phase, status, message string) error {
	if err := paths.EnsureDirs(paths.LogsDir); err != nil {
		return err
	}
	ev := Event{
		AtEpochSecs: moonutil.NowEpochSeconds(),
		Phase:       phase,
		Status:      status,
		Message:     message,
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("moonaudit: marshal event: %w", err)
	}
	f, err := os.OpenFile(paths.AuditLogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("moonaudit: open %s: %w", paths.AuditLogPath, err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("moonaudit: append event: %w", err)
	}
	return nil
}

// ReadAll parses every line of the audit log, skipping malformed lines.
// Used by tests to inspect recorded activity.
func ReadAll(paths *moonpaths.Paths) ([]Event, error) {
	data, err := os.ReadFile(paths.AuditLogPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("moonaudit: read %s: %w", paths.AuditLogPath, err)
	}
	var events []Event
	lines := splitLines(data)
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, data[start:i])
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}
