package transcript

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/switchboard-sh/switchboard/internal/infrastructure/config"
	"github.com/switchboard-sh/switchboard/internal/infrastructure/logging"
	"github.com/switchboard-sh/switchboard/internal/shared/types"
)

// ErrClosed is returned by Append after the writer has been closed.
var ErrClosed = errors.New("transcript: closed")

// Archiver creates transcript writers and owns the retention sweep.
type Archiver struct {
	mu   sync.Mutex
	cfg  config.TranscriptConfig
	dir  string
	log  *logging.Logger
	open map[string]*Writer
}

// NewArchiver prepares the transcript directory under dataDir. With
// archiving disabled the directory is left untouched.
func NewArchiver(cfg config.TranscriptConfig, dataDir string, log *logging.Logger) (*Archiver, error) {
	if log == nil {
		log = logging.Nop()
	}
	a := &Archiver{
		cfg:  cfg,
		dir:  filepath.Join(dataDir, "transcripts"),
		log:  log.Named("transcript"),
		open: make(map[string]*Writer),
	}
	if cfg.Enabled {
		if err := os.MkdirAll(a.dir, 0o755); err != nil {
			return nil, fmt.Errorf("transcript dir: %w", err)
		}
	}
	return a, nil
}

// Enabled reports whether transcripts are being written.
func (a *Archiver) Enabled() bool { return a != nil && a.cfg.Enabled }

// Dir returns the transcript directory.
func (a *Archiver) Dir() string { return a.dir }

// Open starts a transcript for a session. Returns a nil Writer when
// archiving is disabled; nil Writers accept every call as a no-op.
func (a *Archiver) Open(sessionID string) (*Writer, error) {
	if !a.Enabled() {
		return nil, nil
	}

	name := sessionID + ".log" + compressionExt(a.cfg.Compression)
	path := filepath.Join(a.dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}

	w := &Writer{path: path, f: f}
	switch a.cfg.Compression {
	case "gzip":
		w.comp = gzip.NewWriter(f)
		w.bw = bufio.NewWriter(w.comp)
	case "zstd":
		zw, err := zstd.NewWriter(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("zstd writer: %w", err)
		}
		w.comp = zw
		w.bw = bufio.NewWriter(zw)
	default:
		w.bw = bufio.NewWriter(f)
	}

	a.mu.Lock()
	a.open[sessionID] = w
	a.mu.Unlock()

	w.onClose = func() {
		a.mu.Lock()
		delete(a.open, sessionID)
		a.mu.Unlock()
	}
	return w, nil
}

// CloseAll closes every open transcript, for daemon shutdown.
func (a *Archiver) CloseAll() {
	if a == nil {
		return
	}
	a.mu.Lock()
	writers := make([]*Writer, 0, len(a.open))
	for _, w := range a.open {
		writers = append(writers, w)
	}
	a.mu.Unlock()

	for _, w := range writers {
		if err := w.Close(); err != nil {
			a.log.Warn("Transcript close failed", zap.String("path", w.Path()), zap.Error(err))
		}
	}
}

// Sweep deletes transcript files older than the retention age and
// returns how many were removed. Open transcripts are never touched
// because their modification times stay current.
func (a *Archiver) Sweep(now time.Time) (int, error) {
	if !a.Enabled() || a.cfg.Retention <= 0 {
		return 0, nil
	}
	cutoff := now.Add(-a.cfg.Retention)

	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return 0, fmt.Errorf("read transcript dir: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.Contains(entry.Name(), ".log") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(a.dir, entry.Name())); err != nil {
			a.log.Warn("Transcript removal failed", zap.String("name", entry.Name()), zap.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		a.log.Info("Swept old transcripts", zap.Int("removed", removed))
	}
	return removed, nil
}

// Writer appends output events to one session's transcript file.
// All methods are safe on a nil receiver.
type Writer struct {
	mu      sync.Mutex
	path    string
	f       *os.File
	comp    io.WriteCloser
	bw      *bufio.Writer
	closed  bool
	onClose func()
}

// Path returns the transcript file path, empty for a nil writer.
func (w *Writer) Path() string {
	if w == nil {
		return ""
	}
	return w.path
}

// Append writes one event as a JSON line.
func (w *Writer) Append(ev types.OutputEvent) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}

	data, err := sonic.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if _, err := w.bw.Write(data); err != nil {
		return err
	}
	return w.bw.WriteByte('\n')
}

// Close flushes and fsyncs the transcript file, then closes it. Idempotent.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	var firstErr error
	if err := w.bw.Flush(); err != nil {
		firstErr = err
	}
	if w.comp != nil {
		if err := w.comp.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := w.f.Sync(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.f.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if w.onClose != nil {
		w.onClose()
	}
	return firstErr
}

func compressionExt(compression string) string {
	switch compression {
	case "gzip":
		return ".gz"
	case "zstd":
		return ".zst"
	default:
		return ""
	}
}
