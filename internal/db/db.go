// Package db is the sync ledger: an append-mostly SQLite record of the files
// captured locally, every successful pull from a source and every successful
// push to a sink.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	_ "github.com/mattn/go-sqlite3"

	"github.com/chmdznr/oss-study-sync/pkg/errors"
	"github.com/chmdznr/oss-study-sync/pkg/models"
)

// timeFormat is the layout of every timestamp column. It sorts
// lexicographically in time order.
const timeFormat = "2006-01-02 15:04:05.000"

// DB represents a ledger connection
type DB struct {
	*sql.DB
}

// New opens (or creates) the ledger at path and applies the schema.
func New(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping ledger: %w", err)
	}

	db := &DB{sqlDB}
	if err := db.initialize(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("initialize ledger: %w", err)
	}
	return db, nil
}

// initialize creates the necessary tables if they don't exist
func (db *DB) initialize() error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS files (
			file_name TEXT NOT NULL,
			file_type TEXT NOT NULL DEFAULT '',
			file_size_mb REAL NOT NULL DEFAULT 0,
			file_path TEXT NOT NULL,
			file_m_time TEXT,
			file_md5 TEXT NOT NULL,
			file_seq INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (file_path, file_md5)
		);
		CREATE TABLE IF NOT EXISTS data_pull (
			subject_id TEXT NOT NULL,
			data_source_name TEXT NOT NULL,
			site_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			file_path TEXT NOT NULL,
			file_md5 TEXT NOT NULL,
			pull_time_s REAL NOT NULL DEFAULT 0,
			pull_timestamp TEXT NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now')),
			pull_metadata TEXT CHECK (pull_metadata IS NULL OR json_valid(pull_metadata)),
			FOREIGN KEY (file_path, file_md5) REFERENCES files(file_path, file_md5)
		);
		CREATE TABLE IF NOT EXISTS data_push (
			data_sink_id TEXT NOT NULL,
			file_path TEXT NOT NULL,
			file_md5 TEXT NOT NULL,
			push_time_s REAL NOT NULL DEFAULT 0,
			push_timestamp TEXT NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now')),
			push_metadata TEXT CHECK (push_metadata IS NULL OR json_valid(push_metadata)),
			FOREIGN KEY (file_path, file_md5) REFERENCES files(file_path, file_md5)
		);
		CREATE UNIQUE INDEX IF NOT EXISTS uniq_pull ON data_pull(subject_id, data_source_name, file_path, file_md5);
		CREATE UNIQUE INDEX IF NOT EXISTS uniq_push ON data_push(data_sink_id, file_path, file_md5);
		CREATE INDEX IF NOT EXISTS idx_pull_scope ON data_pull(project_id, site_id, subject_id, data_source_name);
		CREATE INDEX IF NOT EXISTS idx_files_seq ON files(file_path, file_seq);
		PRAGMA journal_mode=WAL;
		PRAGMA synchronous=NORMAL;
		PRAGMA temp_store=MEMORY;
	`)
	return err
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const upsertFile = `
	INSERT INTO files (file_name, file_type, file_size_mb, file_path, file_m_time, file_md5, file_seq)
	VALUES (?, ?, ?, ?, ?, ?, (SELECT IFNULL(MAX(file_seq), 0) + 1 FROM files))
	ON CONFLICT (file_path, file_md5) DO UPDATE SET
		file_type = excluded.file_type,
		file_size_mb = excluded.file_size_mb,
		file_m_time = excluded.file_m_time,
		file_seq = excluded.file_seq
`

const insertPull = `
	INSERT INTO data_pull (subject_id, data_source_name, site_id, project_id, file_path, file_md5, pull_time_s, pull_metadata)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT DO NOTHING
`

const insertPush = `
	INSERT INTO data_push (data_sink_id, file_path, file_md5, push_time_s, push_metadata)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT DO NOTHING
`

func fileArgs(f models.File) ([]any, error) {
	if f.Path == "" || f.Hash == "" {
		return nil, fmt.Errorf("file row needs path and hash: %w", errors.ErrInvalidArgument)
	}
	kind := f.Kind
	if kind == "" {
		kind = models.KindOf(f.Path)
	}
	return []any{f.Name(), kind, f.SizeMB(), f.Path, formatTime(f.ModTime), f.Hash}, nil
}

func recordPull(ctx context.Context, ex execer, p models.Pull) (bool, error) {
	meta, err := marshalMetadata(p.Metadata)
	if err != nil {
		return false, err
	}
	res, err := ex.ExecContext(ctx, insertPull,
		p.SubjectID, p.Source, p.SiteID, p.ProjectID, p.FilePath, p.FileHash, p.Duration.Seconds(), meta)
	if err != nil {
		return false, errors.Mark(fmt.Errorf("record pull %s: %w", p.FilePath, err), errors.ErrLedgerWrite)
	}
	return inserted(res)
}

// RecordFile upserts f by its natural key (path, hash).
func (db *DB) RecordFile(ctx context.Context, f models.File) error {
	args, err := fileArgs(f)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, upsertFile, args...); err != nil {
		return errors.Mark(fmt.Errorf("record file %s: %w", f.Path, err), errors.ErrLedgerWrite)
	}
	return nil
}

// RecordPull appends p. It reports false without error when an identical
// pull (same subject, source, path and hash) is already recorded.
func (db *DB) RecordPull(ctx context.Context, p models.Pull) (bool, error) {
	return recordPull(ctx, db, p)
}

// RecordPush appends p. It reports false without error when the file was
// already pushed to the same sink.
func (db *DB) RecordPush(ctx context.Context, p models.Push) (bool, error) {
	meta, err := marshalMetadata(p.Metadata)
	if err != nil {
		return false, err
	}
	res, err := db.ExecContext(ctx, insertPush,
		p.SinkID, p.FilePath, p.FileHash, p.Duration.Seconds(), meta)
	if err != nil {
		return false, errors.Mark(fmt.Errorf("record push %s: %w", p.FilePath, err), errors.ErrLedgerWrite)
	}
	return inserted(res)
}

// RecordFetch writes the file rows (artifact, then sidecar) and the pull
// referencing the first of them in a single transaction, so a reader never
// observes a pull whose file is missing.
func (db *DB) RecordFetch(ctx context.Context, pull models.Pull, files ...models.File) (bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Mark(fmt.Errorf("begin: %w", err), errors.ErrLedgerWrite)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertFile)
	if err != nil {
		return false, errors.Mark(fmt.Errorf("prepare: %w", err), errors.ErrLedgerWrite)
	}
	defer stmt.Close()

	for _, f := range files {
		args, err := fileArgs(f)
		if err != nil {
			return false, err
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return false, errors.Mark(fmt.Errorf("record file %s: %w", f.Path, err), errors.ErrLedgerWrite)
		}
	}

	ok, err := recordPull(ctx, tx, pull)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, errors.Mark(fmt.Errorf("commit: %w", err), errors.ErrLedgerWrite)
	}
	return ok, nil
}

// PullsFor returns the pulls matching scope, most recently recorded first.
// Empty scope fields match any value.
func (db *DB) PullsFor(ctx context.Context, scope models.Scope) ([]models.Pull, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT subject_id, data_source_name, site_id, project_id, file_path, file_md5,
			pull_time_s, pull_timestamp, pull_metadata
		FROM data_pull
		WHERE (? = '' OR project_id = ?)
			AND (? = '' OR site_id = ?)
			AND (? = '' OR subject_id = ?)
			AND (? = '' OR data_source_name = ?)
		ORDER BY pull_timestamp DESC, rowid DESC
	`, scopeArgs(scope)...)
	if err != nil {
		return nil, fmt.Errorf("query pulls: %w", err)
	}
	defer rows.Close()

	var pulls []models.Pull
	for rows.Next() {
		var (
			p       models.Pull
			seconds float64
			ts      string
			meta    sql.NullString
		)
		err = rows.Scan(&p.SubjectID, &p.Source, &p.SiteID, &p.ProjectID, &p.FilePath, &p.FileHash,
			&seconds, &ts, &meta)
		if err != nil {
			return nil, err
		}
		p.Duration = secondsToDuration(seconds)
		if p.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		if p.Metadata, err = unmarshalMetadata(meta); err != nil {
			return nil, err
		}
		pulls = append(pulls, p)
	}
	return pulls, rows.Err()
}

// CountPulls returns the number of pulls matching scope.
func (db *DB) CountPulls(ctx context.Context, scope models.Scope) (int64, error) {
	var n int64
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM data_pull
		WHERE (? = '' OR project_id = ?)
			AND (? = '' OR site_id = ?)
			AND (? = '' OR subject_id = ?)
			AND (? = '' OR data_source_name = ?)
	`, scopeArgs(scope)...).Scan(&n)
	return n, err
}

// PushExists reports whether file (path, hash) was already pushed to sink.
func (db *DB) PushExists(ctx context.Context, sinkID, path, hash string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM data_push
		WHERE data_sink_id = ? AND file_path = ? AND file_md5 = ?
	`, sinkID, path, hash).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query push: %w", err)
	}
	return n > 0, nil
}

// FindPush returns the earliest push of file (path, hash) to sink.
func (db *DB) FindPush(ctx context.Context, sinkID, path, hash string) (*models.Push, error) {
	var (
		p       models.Push
		seconds float64
		ts      string
		meta    sql.NullString
	)
	err := db.QueryRowContext(ctx, `
		SELECT data_sink_id, file_path, file_md5, push_time_s, push_timestamp, push_metadata
		FROM data_push
		WHERE data_sink_id = ? AND file_path = ? AND file_md5 = ?
		ORDER BY rowid ASC
		LIMIT 1
	`, sinkID, path, hash).Scan(&p.SinkID, &p.FilePath, &p.FileHash, &seconds, &ts, &meta)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("push of %s to %s: %w", path, sinkID, errors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query push: %w", err)
	}
	p.Duration = secondsToDuration(seconds)
	if p.Timestamp, err = parseTime(ts); err != nil {
		return nil, err
	}
	if p.Metadata, err = unmarshalMetadata(meta); err != nil {
		return nil, err
	}
	return &p, nil
}

// LatestFile returns the most recently recorded row for path.
func (db *DB) LatestFile(ctx context.Context, path string) (*models.File, error) {
	var (
		f      models.File
		sizeMB float64
		mtime  sql.NullString
	)
	err := db.QueryRowContext(ctx, `
		SELECT file_path, file_md5, file_type, file_size_mb, file_m_time
		FROM files
		WHERE file_path = ?
		ORDER BY file_seq DESC
		LIMIT 1
	`, path).Scan(&f.Path, &f.Hash, &f.Kind, &sizeMB, &mtime)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("file %s: %w", path, errors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query file: %w", err)
	}
	f.Size = int64(sizeMB*1024*1024 + 0.5)
	if mtime.Valid && mtime.String != "" {
		if f.ModTime, err = parseTime(mtime.String); err != nil {
			return nil, err
		}
	}
	return &f, nil
}

// GetStats returns ledger statistics for the pulls in scope. Tombstones are
// counted for paths under pathPrefix.
func (db *DB) GetStats(ctx context.Context, scope models.Scope, pathPrefix string) (*models.Stats, error) {
	var (
		stats    models.Stats
		lastPull sql.NullString
		lastPush sql.NullString
		sizeMB   float64
	)
	args := scopeArgs(scope)
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(f.file_size_mb), 0)
		FROM files f
		WHERE EXISTS (
			SELECT 1 FROM data_pull p
			WHERE p.file_path = f.file_path AND p.file_md5 = f.file_md5
				AND (? = '' OR p.project_id = ?)
				AND (? = '' OR p.site_id = ?)
				AND (? = '' OR p.subject_id = ?)
				AND (? = '' OR p.data_source_name = ?)
		)
	`, args...).Scan(&stats.Files, &sizeMB)
	if err != nil {
		return nil, fmt.Errorf("failed to get file stats: %w", err)
	}

	err = db.QueryRowContext(ctx, `
		SELECT COUNT(*), MAX(pull_timestamp)
		FROM data_pull
		WHERE (? = '' OR project_id = ?)
			AND (? = '' OR site_id = ?)
			AND (? = '' OR subject_id = ?)
			AND (? = '' OR data_source_name = ?)
	`, args...).Scan(&stats.Pulls, &lastPull)
	if err != nil {
		return nil, fmt.Errorf("failed to get pull stats: %w", err)
	}
	stats.TotalSize = int64(sizeMB * 1024 * 1024)

	err = db.QueryRowContext(ctx, `
		SELECT COUNT(*), MAX(s.push_timestamp)
		FROM data_push s
		WHERE EXISTS (
			SELECT 1 FROM data_pull p
			WHERE p.file_path = s.file_path AND p.file_md5 = s.file_md5
				AND (? = '' OR p.project_id = ?)
				AND (? = '' OR p.site_id = ?)
				AND (? = '' OR p.subject_id = ?)
				AND (? = '' OR p.data_source_name = ?)
		)
	`, args...).Scan(&stats.Pushes, &lastPush)
	if err != nil {
		return nil, fmt.Errorf("failed to get push stats: %w", err)
	}

	err = db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM files
		WHERE file_md5 = ? AND substr(file_path, 1, length(?)) = ?
	`, models.DeletedUpstream, pathPrefix, pathPrefix).Scan(&stats.Tombstones)
	if err != nil {
		return nil, fmt.Errorf("failed to get tombstone stats: %w", err)
	}

	if lastPull.Valid {
		if stats.LastPull, err = parseTime(lastPull.String); err != nil {
			return nil, err
		}
	}
	if lastPush.Valid {
		if stats.LastPush, err = parseTime(lastPush.String); err != nil {
			return nil, err
		}
	}
	return &stats, nil
}

func scopeArgs(s models.Scope) []any {
	return []any{
		s.ProjectID, s.ProjectID,
		s.SiteID, s.SiteID,
		s.SubjectID, s.SubjectID,
		s.Source, s.Source,
	}
}

func inserted(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func marshalMetadata(m models.Metadata) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", errors.ErrInvalidArgument)
	}
	return string(b), nil
}

func unmarshalMetadata(s sql.NullString) (models.Metadata, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var m models.Metadata
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return m, nil
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.ParseInLocation(timeFormat, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
