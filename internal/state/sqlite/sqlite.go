// Package sqlite implements state.Store on a local SQLite file using the
// CGO-free modernc.org driver. Use ":memory:" for tests.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jmbish04/procwatch/internal/monitor"
)

// ErrNotFound is returned by Get when no snapshot exists for the instance.
var ErrNotFound = errors.New("instance not found")

type DB struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS instance_state(
			instance_id TEXT PRIMARY KEY,
			process_id TEXT NOT NULL,
			command TEXT NOT NULL,
			args TEXT NOT NULL,
			cwd TEXT NOT NULL,
			pid INTEGER NOT NULL,
			start_time TIMESTAMP NULL,
			end_time TIMESTAMP NULL,
			exit_code INTEGER NULL,
			restart_count INTEGER NOT NULL,
			status TEXT NOT NULL,
			last_error TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_instance_state_status ON instance_state(status);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) Upsert(ctx context.Context, info monitor.ProcessInfo) error {
	args, err := json.Marshal(info.Args)
	if err != nil {
		return err
	}
	var start, end sql.NullTime
	if info.StartTime != nil {
		start = sql.NullTime{Time: info.StartTime.UTC(), Valid: true}
	}
	if info.EndTime != nil {
		end = sql.NullTime{Time: info.EndTime.UTC(), Valid: true}
	}
	var exit sql.NullInt64
	if info.ExitCode != nil {
		exit = sql.NullInt64{Int64: int64(*info.ExitCode), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO instance_state(
			instance_id, process_id, command, args, cwd, pid,
			start_time, end_time, exit_code, restart_count, status, last_error, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(instance_id) DO UPDATE SET
			process_id=excluded.process_id,
			command=excluded.command,
			args=excluded.args,
			cwd=excluded.cwd,
			pid=excluded.pid,
			start_time=excluded.start_time,
			end_time=excluded.end_time,
			exit_code=excluded.exit_code,
			restart_count=excluded.restart_count,
			status=excluded.status,
			last_error=excluded.last_error,
			updated_at=excluded.updated_at;`,
		info.InstanceID, info.ID, info.Command, string(args), info.Cwd, info.PID,
		start, end, exit, info.RestartCount, string(info.Status), info.LastError,
		time.Now().UTC())
	return err
}

func (s *DB) Get(ctx context.Context, instanceID string) (monitor.ProcessInfo, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT instance_id, process_id, command, args, cwd, pid,
		       start_time, end_time, exit_code, restart_count, status, last_error
		FROM instance_state WHERE instance_id = ?;`, instanceID)
	info, err := scanInfo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return monitor.ProcessInfo{}, ErrNotFound
	}
	return info, err
}

func (s *DB) List(ctx context.Context) ([]monitor.ProcessInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, process_id, command, args, cwd, pid,
		       start_time, end_time, exit_code, restart_count, status, last_error
		FROM instance_state ORDER BY instance_id;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []monitor.ProcessInfo
	for rows.Next() {
		info, err := scanInfo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

func (s *DB) Delete(ctx context.Context, instanceID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM instance_state WHERE instance_id = ?;`, instanceID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInfo(r rowScanner) (monitor.ProcessInfo, error) {
	var (
		info   monitor.ProcessInfo
		args   string
		start  sql.NullTime
		end    sql.NullTime
		exit   sql.NullInt64
		status string
	)
	err := r.Scan(&info.InstanceID, &info.ID, &info.Command, &args, &info.Cwd, &info.PID,
		&start, &end, &exit, &info.RestartCount, &status, &info.LastError)
	if err != nil {
		return monitor.ProcessInfo{}, err
	}
	if err := json.Unmarshal([]byte(args), &info.Args); err != nil {
		return monitor.ProcessInfo{}, err
	}
	if start.Valid {
		t := start.Time.UTC()
		info.StartTime = &t
	}
	if end.Valid {
		t := end.Time.UTC()
		info.EndTime = &t
	}
	if exit.Valid {
		code := int(exit.Int64)
		info.ExitCode = &code
	}
	info.Status = monitor.State(status)
	return info, nil
}
