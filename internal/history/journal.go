package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"

	"github.com/switchboard-sh/switchboard/internal/infrastructure/config"
	"github.com/switchboard-sh/switchboard/internal/infrastructure/logging"
	"github.com/switchboard-sh/switchboard/internal/shared/types"

	_ "modernc.org/sqlite"
)

const defaultRecentLimit = 50

// Journal is the SQLite-backed record of completed sessions.
type Journal struct {
	db   *sql.DB
	keep int
	log  *logging.Logger
}

// Open creates or opens the journal database under dataDir. Returns a
// nil Journal when the feature is disabled; nil Journals accept every
// call as a no-op.
func Open(cfg config.HistoryConfig, dataDir string, log *logging.Logger) (*Journal, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if log == nil {
		log = logging.Nop()
	}

	path := filepath.Join(dataDir, "history.db")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	// One connection keeps writers serialized and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping history database: %w", err)
	}

	j := &Journal{db: db, keep: cfg.Keep, log: log.Named("history")}
	if err := j.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize history schema: %w", err)
	}
	return j, nil
}

func (j *Journal) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		label TEXT NOT NULL DEFAULT '',
		command TEXT NOT NULL,
		args TEXT NOT NULL DEFAULT '[]',
		working_dir TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		ended_at INTEGER NOT NULL,
		exit_code INTEGER NOT NULL,
		end_reason TEXT NOT NULL,
		attention_count INTEGER NOT NULL DEFAULT 0,
		peak_rss_bytes INTEGER NOT NULL DEFAULT 0,
		transcript_path TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_ended ON sessions(ended_at);
	`
	if _, err := j.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Record writes one completed session, replacing any earlier row for
// the same ID, then prunes the table past the configured keep count.
func (j *Journal) Record(ctx context.Context, rec types.SessionRecord) error {
	if j == nil {
		return nil
	}

	args, err := sonic.Marshal(rec.Args)
	if err != nil {
		return fmt.Errorf("encode args: %w", err)
	}

	query := `
	INSERT INTO sessions (
		id, label, command, args, working_dir,
		created_at, ended_at, exit_code, end_reason,
		attention_count, peak_rss_bytes, transcript_path
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		ended_at = excluded.ended_at,
		exit_code = excluded.exit_code,
		end_reason = excluded.end_reason,
		attention_count = excluded.attention_count,
		peak_rss_bytes = excluded.peak_rss_bytes,
		transcript_path = excluded.transcript_path`

	_, err = j.db.ExecContext(ctx, query,
		rec.ID, rec.Label, rec.Command, string(args), rec.WorkingDir,
		rec.CreatedAt.UnixMilli(), rec.EndedAt.UnixMilli(), rec.ExitCode, string(rec.EndReason),
		rec.AttentionCount, int64(rec.PeakRSSBytes), rec.TranscriptPath,
	)
	if err != nil {
		return fmt.Errorf("record session: %w", err)
	}

	return j.prune(ctx)
}

func (j *Journal) prune(ctx context.Context) error {
	if j.keep <= 0 {
		return nil
	}
	query := `
	DELETE FROM sessions WHERE id NOT IN (
		SELECT id FROM sessions ORDER BY ended_at DESC, id DESC LIMIT ?
	)`
	if _, err := j.db.ExecContext(ctx, query, j.keep); err != nil {
		return fmt.Errorf("prune history: %w", err)
	}
	return nil
}

// Recent returns the most recently ended sessions, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]types.SessionRecord, error) {
	if j == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultRecentLimit
	}

	query := `
	SELECT id, label, command, args, working_dir,
	       created_at, ended_at, exit_code, end_reason,
	       attention_count, peak_rss_bytes, transcript_path
	FROM sessions ORDER BY ended_at DESC, id DESC LIMIT ?`

	rows, err := j.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var records []types.SessionRecord
	for rows.Next() {
		var rec types.SessionRecord
		var args, reason string
		var createdAt, endedAt, peakRSS int64

		if err := rows.Scan(
			&rec.ID, &rec.Label, &rec.Command, &args, &rec.WorkingDir,
			&createdAt, &endedAt, &rec.ExitCode, &reason,
			&rec.AttentionCount, &peakRSS, &rec.TranscriptPath,
		); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}

		if args != "" && args != "null" {
			if err := sonic.Unmarshal([]byte(args), &rec.Args); err != nil {
				return nil, fmt.Errorf("decode args: %w", err)
			}
		}
		rec.CreatedAt = time.UnixMilli(createdAt).UTC()
		rec.EndedAt = time.UnixMilli(endedAt).UTC()
		rec.EndReason = types.EndReason(reason)
		rec.PeakRSSBytes = uint64(peakRSS)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return records, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	return j.db.Close()
}
