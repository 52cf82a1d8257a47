// Package store provides the durable session table backing the registry.
// SQLite in WAL mode gives single-writer/multi-reader semantics; writers
// from different processes serialize on the database's own locking, so no
// application-level locks are layered on top.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// ErrDuplicateSession is returned by Create when the session id is taken.
var ErrDuplicateSession = errors.New("session already registered")

// timeLayout is fixed-width UTC so lexicographic comparison in SQL matches
// chronological order.
const timeLayout = "2006-01-02T15:04:05.000Z"

// schemaVersion is incremented when the sessions schema changes and forces
// a rebuild of the table.
const schemaVersion = 1

// Store wraps the sessions database.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the session store at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// WAL for concurrent readers, bounded busy wait so a competing writer
	// blocks briefly instead of failing immediately.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=2000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	if err := createSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, path: path}, nil
}

// createSchema creates the database schema, handling version migrations.
func createSchema(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS metadata (key TEXT PRIMARY KEY, value TEXT)`)
	if err != nil {
		return err
	}

	var currentVersion int
	row := db.QueryRow("SELECT value FROM metadata WHERE key = 'schema_version'")
	if err := row.Scan(&currentVersion); err != nil {
		currentVersion = 0
	}

	if currentVersion != 0 && currentVersion < schemaVersion {
		log.Info().
			Int("old_version", currentVersion).
			Int("new_version", schemaVersion).
			Msg("schema version changed, rebuilding sessions table")
		_, _ = db.Exec("DROP TABLE IF EXISTS sessions")
	}

	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			session_id        TEXT PRIMARY KEY,
			project           TEXT NOT NULL,
			terminal          TEXT,
			socket_path       TEXT,
			project_dir       TEXT,
			wrapper_pid       INTEGER,
			thread_handle     TEXT,
			channel_handle    TEXT,
			mirroring_enabled INTEGER NOT NULL DEFAULT 1,
			status            TEXT NOT NULL DEFAULT 'active',
			created_at        TEXT NOT NULL,
			last_activity     TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
		CREATE INDEX IF NOT EXISTS idx_sessions_last_activity ON sessions(last_activity);
		CREATE INDEX IF NOT EXISTS idx_sessions_thread ON sessions(thread_handle);
	`
	if _, err := db.Exec(schema); err != nil {
		return err
	}

	_, err = db.Exec("INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)", schemaVersion)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Create inserts a new record. created_at and last_activity are stamped by
// the store. Returns ErrDuplicateSession when the id already exists.
func (s *Store) Create(rec *Record) (*Record, error) {
	if rec.SessionID == "" {
		return nil, fmt.Errorf("session_id must not be empty")
	}

	now := time.Now().UTC()
	status := rec.Status
	if status == "" {
		status = StatusActive
	}

	_, err := s.db.Exec(`
		INSERT INTO sessions
		(session_id, project, terminal, socket_path, project_dir, wrapper_pid,
		 thread_handle, channel_handle, mirroring_enabled, status, created_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.SessionID, rec.Project, rec.Terminal, rec.SocketPath,
		rec.ProjectDir, rec.WrapperPID, rec.ThreadHandle, rec.ChannelHandle,
		boolToInt(rec.MirroringEnabled), status,
		now.Format(timeLayout), now.Format(timeLayout),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, ErrDuplicateSession
		}
		return nil, err
	}

	return s.Get(rec.SessionID)
}

// Get returns the record for id, or nil when it does not exist.
func (s *Store) Get(id string) (*Record, error) {
	row := s.db.QueryRow(selectColumns+" FROM sessions WHERE session_id = ?", id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// Update applies a partial mutation and refreshes last_activity. Returns
// false when the record does not exist.
func (s *Store) Update(id string, upd Update) (bool, error) {
	sets := make([]string, 0, 8)
	args := make([]interface{}, 0, 8)

	if upd.ThreadHandle != nil {
		sets = append(sets, "thread_handle = ?")
		args = append(args, *upd.ThreadHandle)
	}
	if upd.ChannelHandle != nil {
		sets = append(sets, "channel_handle = ?")
		args = append(args, *upd.ChannelHandle)
	}
	if upd.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *upd.Status)
	}
	if upd.ProjectDir != nil {
		sets = append(sets, "project_dir = ?")
		args = append(args, *upd.ProjectDir)
	}
	if upd.WrapperPID != nil {
		sets = append(sets, "wrapper_pid = ?")
		args = append(args, *upd.WrapperPID)
	}
	if upd.MirroringEnabled != nil {
		sets = append(sets, "mirroring_enabled = ?")
		args = append(args, boolToInt(*upd.MirroringEnabled))
	}

	// last_activity never moves backwards, even across clock adjustments.
	sets = append(sets, "last_activity = max(last_activity, ?)")
	args = append(args, time.Now().UTC().Format(timeLayout))
	args = append(args, id)

	result, err := s.db.Exec(
		"UPDATE sessions SET "+strings.Join(sets, ", ")+" WHERE session_id = ?",
		args...,
	)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// Delete removes the record for id. Returns false when it did not exist.
func (s *Store) Delete(id string) (bool, error) {
	result, err := s.db.Exec("DELETE FROM sessions WHERE session_id = ?", id)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// List returns all records, newest first. A non-empty status filters.
func (s *Store) List(status string) ([]*Record, error) {
	query := selectColumns + " FROM sessions"
	var args []interface{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// FindByThread returns the newest record bound to the thread handle,
// optionally narrowed by channel. Nil when nothing matches.
func (s *Store) FindByThread(thread, channel string) (*Record, error) {
	query := selectColumns + " FROM sessions WHERE thread_handle = ?"
	args := []interface{}{thread}
	if channel != "" {
		query += " AND channel_handle = ?"
		args = append(args, channel)
	}
	query += " ORDER BY created_at DESC LIMIT 1"

	row := s.db.QueryRow(query, args...)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// FindAllByThread returns every record bound to the thread handle, newest
// first. Both the wrapper id and the host id record show up here.
func (s *Store) FindAllByThread(thread, channel string) ([]*Record, error) {
	query := selectColumns + " FROM sessions WHERE thread_handle = ?"
	args := []interface{}{thread}
	if channel != "" {
		query += " AND channel_handle = ?"
		args = append(args, channel)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// FindLatestActiveForProject returns the newest active record whose
// project_dir matches, or nil.
func (s *Store) FindLatestActiveForProject(dir string) (*Record, error) {
	row := s.db.QueryRow(
		selectColumns+" FROM sessions WHERE status = ? AND project_dir = ? ORDER BY created_at DESC LIMIT 1",
		StatusActive, dir,
	)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// Cleanup deletes ended and crashed records whose last_activity is older
// than the threshold. Active and idle records are never touched.
func (s *Store) Cleanup(olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format(timeLayout)
	result, err := s.db.Exec(
		"DELETE FROM sessions WHERE status IN (?, ?) AND last_activity < ?",
		StatusEnded, StatusCrashed, cutoff,
	)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected > 0 {
		log.Info().Int64("count", affected).Msg("cleaned up stale session records")
	}
	return int(affected), nil
}

const selectColumns = `SELECT session_id, project, terminal, socket_path, project_dir,
	wrapper_pid, thread_handle, channel_handle, mirroring_enabled, status,
	created_at, last_activity`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var mirroring int
	var createdAt, lastActivity string
	var terminal, socketPath, projectDir, threadHandle, channelHandle sql.NullString
	var wrapperPID sql.NullInt64

	err := row.Scan(
		&rec.SessionID, &rec.Project, &terminal, &socketPath, &projectDir,
		&wrapperPID, &threadHandle, &channelHandle, &mirroring, &rec.Status,
		&createdAt, &lastActivity,
	)
	if err != nil {
		return nil, err
	}

	rec.Terminal = terminal.String
	rec.SocketPath = socketPath.String
	rec.ProjectDir = projectDir.String
	rec.ThreadHandle = threadHandle.String
	rec.ChannelHandle = channelHandle.String
	rec.WrapperPID = int(wrapperPID.Int64)
	rec.MirroringEnabled = mirroring != 0
	rec.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	rec.LastActivity, _ = time.Parse(timeLayout, lastActivity)

	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
