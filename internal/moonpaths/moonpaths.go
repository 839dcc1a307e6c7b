// Package moonpaths resolves the filesystem layout MOON operates under, per
// spec.md §6 ("File-system layout under MOON_HOME").
package moonpaths

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths holds every directory and file MOON reads or writes.
type Paths struct {
	MoonHome string

	ArchivesDir string
	RawDir      string // archives/raw — immutable byte-for-byte snapshots
	MlibDir     string // archives/mlib — Markdown projections
	LedgerPath  string // archives/ledger.jsonl

	MemoryDir     string // memory/YYYY-MM-DD.md files
	MemoryFile    string // top-level MEMORY.md
	StateDir      string
	StatePath     string // state/moon_state.json
	LockPath      string // state/moon.lock (advisory, §9 open question 3)
	ContinuityDir string
	ChannelMapPath string // continuity/channel_archive_map.json
	LogsDir       string
	AuditLogPath  string // logs/audit.log

	OpenClawSessionsDir string
	AgentBin            string
	QmdBin              string
	QmdDB               string
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func requiredHomeDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "", fmt.Errorf("moonpaths: cannot resolve home directory: %w", err)
	}
	return home, nil
}

// Resolve computes every path from the environment, applying the defaults
// documented in spec.md §6. MOON_LOGS_DIR defaults to "<home>/logs", a
// deliberate deviation from the original Rust implementation's doubled
// "MOON/logs" default (see DESIGN.md).
func Resolve() (*Paths, error) {
	home, err := requiredHomeDir()
	if err != nil {
		return nil, err
	}

	moonHome := envOrDefault("MOON_HOME", filepath.Join(home, "MOON"))
	archivesDir := envOrDefault("MOON_ARCHIVES_DIR", filepath.Join(moonHome, "archives"))
	memoryDir := envOrDefault("MOON_MEMORY_DIR", filepath.Join(moonHome, "memory"))
	memoryFile := envOrDefault("MOON_MEMORY_FILE", filepath.Join(moonHome, "MEMORY.md"))
	logsDir := envOrDefault("MOON_LOGS_DIR", filepath.Join(moonHome, "logs"))
	openclawSessionsDir := envOrDefault("OPENCLAW_SESSIONS_DIR", filepath.Join(home, ".openclaw", "agents", "main", "sessions"))
	agentBin := envOrDefault("OPENCLAW_BIN", "openclaw")
	qmdBin := envOrDefault("QMD_BIN", filepath.Join(home, ".bun", "bin", "qmd"))
	qmdDB := envOrDefault("QMD_DB", filepath.Join(home, ".cache", "qmd", "index.sqlite"))

	return &Paths{
		MoonHome: moonHome,

		ArchivesDir: archivesDir,
		RawDir:      filepath.Join(archivesDir, "raw"),
		MlibDir:     filepath.Join(archivesDir, "mlib"),
		LedgerPath:  filepath.Join(archivesDir, "ledger.jsonl"),

		MemoryDir:  memoryDir,
		MemoryFile: memoryFile,

		StateDir:  filepath.Join(moonHome, "state"),
		StatePath: filepath.Join(moonHome, "state", "moon_state.json"),
		LockPath:  filepath.Join(moonHome, "state", "moon.lock"),

		ContinuityDir:  filepath.Join(moonHome, "continuity"),
		ChannelMapPath: filepath.Join(moonHome, "continuity", "channel_archive_map.json"),

		LogsDir:      logsDir,
		AuditLogPath: filepath.Join(logsDir, "audit.log"),

		OpenClawSessionsDir: openclawSessionsDir,
		AgentBin:            agentBin,
		QmdBin:              qmdBin,
		QmdDB:               qmdDB,
	}, nil
}

// EnsureDirs creates every directory this set of paths names, as needed by
// whichever component is about to write into them.
func (p *Paths) EnsureDirs(dirs ...string) error {
	for _, d := range dirs {
		if d == "" {
			continue
		}
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("moonpaths: mkdir %s: %w", d, err)
		}
	}
	return nil
}
