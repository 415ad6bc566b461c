// Package paths provides standardized filesystem paths for the daemon.
//
// All on-disk state lives under a single data directory so that backup,
// retention sweeps, and uninstall stay trivial. Components receive concrete
// paths from here instead of assembling their own.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// Data directory layout, relative to the resolved root:
//
//	transcripts/   (compressed session transcripts)
//	rules/         (global pattern rule files)
//	history.db     (completed-session journal)
const (
	TranscriptsDir = "transcripts"
	RulesDir       = "rules"
)

// DefaultRoot resolves the default data directory.
// Honors XDG_DATA_HOME, falls back to ~/.local/share/switchboard,
// and finally to a temp directory when no home is available.
func DefaultRoot() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "switchboard")
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".local", "share", "switchboard")
	}
	return filepath.Join(os.TempDir(), "switchboard")
}

// Layout holds resolved paths for one daemon instance.
type Layout struct {
	Root string
}

// NewLayout returns the layout rooted at dir, or the default root when
// dir is empty.
func NewLayout(dir string) Layout {
	if dir == "" {
		dir = DefaultRoot()
	}
	return Layout{Root: dir}
}

// Transcripts returns the transcript directory.
func (l Layout) Transcripts() string {
	return filepath.Join(l.Root, TranscriptsDir)
}

// Rules returns the global rules directory.
func (l Layout) Rules() string {
	return filepath.Join(l.Root, RulesDir)
}

// Ensure creates the directory tree.
func (l Layout) Ensure() error {
	for _, dir := range []string{l.Root, l.Transcripts(), l.Rules()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
