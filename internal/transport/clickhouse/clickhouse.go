// Package clickhouse implements the telemetry transport against ClickHouse
// using the official native client. Error records live in a
// ReplacingMergeTree keyed by (instance_id, error_hash) so a recurring
// error collapses to its latest occurrence row.
package clickhouse

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/jmbish04/procwatch/internal/monitor"
	"github.com/jmbish04/procwatch/internal/transport"
)

type Transport struct {
	conn driver.Conn
}

// New opens a ClickHouse-backed transport.
// DSN format: clickhouse://host:port?database=db&username=u&password=p
func New(dsn string) (*Transport, error) {
	u, err := url.Parse(strings.TrimSpace(dsn))
	if err != nil {
		return nil, fmt.Errorf("invalid ClickHouse DSN: %w", err)
	}
	if u.Host == "" {
		return nil, errors.New("ClickHouse DSN missing host")
	}
	q := u.Query()
	database := q.Get("database")
	if database == "" {
		database = "default"
	}
	username := q.Get("username")
	if username == "" {
		username = "default"
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{u.Host},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: q.Get("password"),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	t := &Transport{conn: conn}
	if err := t.ensureSchema(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return t, nil
}

func (t *Transport) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS monitoring_errors(
			instance_id String,
			process_id String,
			error_hash String,
			occurrence_count UInt32,
			level String,
			message String,
			raw_output String,
			occurred_at DateTime64(3),
			created_at DateTime64(3)
		) ENGINE = ReplacingMergeTree(occurrence_count)
		ORDER BY (instance_id, error_hash);`,
		`CREATE TABLE IF NOT EXISTS monitoring_logs(
			instance_id String,
			process_id String,
			stream String,
			level String,
			message String,
			occurred_at DateTime64(3),
			sequence UInt64,
			source String
		) ENGINE = MergeTree
		ORDER BY (instance_id, sequence);`,
		`CREATE TABLE IF NOT EXISTS monitoring_events(
			event_type String,
			instance_id String,
			process_id String,
			occurred_at DateTime64(3),
			worker_name String,
			payload String
		) ENGINE = MergeTree
		ORDER BY (instance_id, occurred_at);`,
	}
	for _, q := range stmts {
		if err := t.conn.Exec(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) Name() string { return "clickhouse" }

func (t *Transport) Close() error { return t.conn.Close() }

func (t *Transport) RecordEvent(ctx context.Context, e monitor.Event, mctx monitor.Context) error {
	payload, err := monitor.MarshalEvent(e)
	if err != nil {
		return err
	}
	m := e.EventMeta()
	return t.conn.Exec(ctx, `
		INSERT INTO monitoring_events (event_type, instance_id, process_id, occurred_at, worker_name, payload)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(e.Kind()), m.InstanceID, m.ProcessID, m.Timestamp.UTC(), mctx.Identity.WorkerName, string(payload))
}

func (t *Transport) RecordError(ctx context.Context, rec monitor.StoredError, _ monitor.Context) (transport.Receipt, error) {
	// Read-then-insert: the ReplacingMergeTree keeps the row with the
	// highest occurrence_count for each (instance_id, error_hash).
	var current uint32
	row := t.conn.QueryRow(ctx, `
		SELECT max(occurrence_count) FROM monitoring_errors
		WHERE instance_id = ? AND error_hash = ?`,
		rec.InstanceID, rec.ErrorHash)
	if err := row.Scan(&current); err != nil {
		current = 0
	}
	next := current + 1

	err := t.conn.Exec(ctx, `
		INSERT INTO monitoring_errors
		(instance_id, process_id, error_hash, occurrence_count, level, message, raw_output, occurred_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.InstanceID, rec.ProcessID, rec.ErrorHash, next, string(rec.Level),
		rec.Message, rec.RawOutput, rec.Timestamp.UTC(), time.Now().UTC())
	if err != nil {
		return transport.Receipt{}, err
	}
	return transport.Receipt{ID: rec.ErrorHash, OccurrenceCount: int(next)}, nil
}

func (t *Transport) RecordLogBatch(ctx context.Context, entries []monitor.LogEntry, _ monitor.Context) error {
	if len(entries) == 0 {
		return nil
	}
	batch, err := t.conn.PrepareBatch(ctx, `
		INSERT INTO monitoring_logs (instance_id, process_id, stream, level, message, occurred_at, sequence, source)`)
	if err != nil {
		return err
	}
	for _, le := range entries {
		if err := batch.Append(
			le.InstanceID, le.ProcessID, string(le.Stream), string(le.Level),
			le.Message, le.Timestamp.UTC(), le.Sequence, le.Source); err != nil {
			return err
		}
	}
	return batch.Send()
}

func (t *Transport) FetchErrors(ctx context.Context, f monitor.ErrorFilter, _ monitor.Context) ([]monitor.StoredError, error) {
	q := `SELECT instance_id, process_id, error_hash, occurrence_count, level, message, raw_output, occurred_at, created_at
		FROM monitoring_errors FINAL`
	conds, args := errorConds(f)
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY occurred_at DESC"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	if f.Offset > 0 {
		q += fmt.Sprintf(" OFFSET %d", f.Offset)
	}

	rows, err := t.conn.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []monitor.StoredError{}
	for rows.Next() {
		var rec monitor.StoredError
		var level string
		var count uint32
		if err := rows.Scan(&rec.InstanceID, &rec.ProcessID, &rec.ErrorHash, &count,
			&level, &rec.Message, &rec.RawOutput, &rec.Timestamp, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.ID = rec.ErrorHash
		rec.Level = monitor.Level(level)
		rec.OccurrenceCount = int(count)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (t *Transport) FetchErrorSummary(ctx context.Context, f monitor.ErrorFilter, mctx monitor.Context) (monitor.ErrorSummary, error) {
	all := f
	all.Limit = 0
	all.Offset = 0
	recs, err := t.FetchErrors(ctx, all, mctx)
	if err != nil {
		return monitor.ErrorSummary{}, err
	}
	return monitor.SummarizeErrors(recs), nil
}

func (t *Transport) ClearErrors(ctx context.Context, f monitor.ErrorFilter, mctx monitor.Context) (int, error) {
	recs, err := t.FetchErrors(ctx, monitor.ErrorFilter{InstanceID: f.InstanceID}, mctx)
	if err != nil {
		return 0, err
	}
	conds, args := errorConds(f)
	q := "ALTER TABLE monitoring_errors DELETE WHERE 1 = 1"
	if len(conds) > 0 {
		q = "ALTER TABLE monitoring_errors DELETE WHERE " + strings.Join(conds, " AND ")
	}
	if err := t.conn.Exec(ctx, q, args...); err != nil {
		return 0, err
	}
	return len(recs), nil
}

func (t *Transport) FetchLogs(ctx context.Context, f monitor.LogFilter, _ monitor.Context) (monitor.LogPage, error) {
	conds, args := logConds(f)
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total uint64
	row := t.conn.QueryRow(ctx, "SELECT count() FROM monitoring_logs"+where, args...)
	if err := row.Scan(&total); err != nil {
		return monitor.LogPage{}, err
	}

	order := "ASC"
	if strings.EqualFold(f.SortOrder, "desc") {
		order = "DESC"
	}
	q := `SELECT instance_id, process_id, stream, level, message, occurred_at, sequence, source
		FROM monitoring_logs` + where + " ORDER BY sequence " + order
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	if f.Offset > 0 {
		q += fmt.Sprintf(" OFFSET %d", f.Offset)
	}

	rows, err := t.conn.Query(ctx, q, args...)
	if err != nil {
		return monitor.LogPage{}, err
	}
	defer rows.Close()

	page := monitor.LogPage{Entries: []monitor.LogEntry{}, Total: int(total)}
	for rows.Next() {
		var le monitor.LogEntry
		var stream, level string
		if err := rows.Scan(&le.InstanceID, &le.ProcessID, &stream, &level,
			&le.Message, &le.Timestamp, &le.Sequence, &le.Source); err != nil {
			return monitor.LogPage{}, err
		}
		le.Stream = monitor.Stream(stream)
		le.Level = monitor.Level(level)
		page.Entries = append(page.Entries, le)
	}
	if err := rows.Err(); err != nil {
		return monitor.LogPage{}, err
	}
	page.NextOffset = f.Offset + len(page.Entries)
	page.HasMore = page.NextOffset < page.Total
	return page, nil
}

func (t *Transport) ClearLogs(ctx context.Context, f monitor.LogFilter, _ monitor.Context) (int, error) {
	conds, args := logConds(f)
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}
	var total uint64
	row := t.conn.QueryRow(ctx, "SELECT count() FROM monitoring_logs"+where, args...)
	if err := row.Scan(&total); err != nil {
		return 0, err
	}
	q := "ALTER TABLE monitoring_logs DELETE WHERE 1 = 1"
	if len(conds) > 0 {
		q = "ALTER TABLE monitoring_logs DELETE WHERE " + strings.Join(conds, " AND ")
	}
	if err := t.conn.Exec(ctx, q, args...); err != nil {
		return 0, err
	}
	return int(total), nil
}

func errorConds(f monitor.ErrorFilter) ([]string, []any) {
	conds := []string{}
	args := []any{}
	if f.InstanceID != "" {
		conds = append(conds, "instance_id = ?")
		args = append(args, f.InstanceID)
	}
	if f.MinLevel != "" || f.MaxLevel != "" {
		levels := monitor.LevelsBetween(f.MinLevel, f.MaxLevel)
		names := make([]string, 0, len(levels))
		for _, l := range levels {
			names = append(names, "'"+string(l)+"'")
		}
		conds = append(conds, "level IN ("+strings.Join(names, ", ")+")")
	}
	if f.Since != nil {
		conds = append(conds, "occurred_at >= ?")
		args = append(args, f.Since.UTC())
	}
	if f.Until != nil {
		conds = append(conds, "occurred_at <= ?")
		args = append(args, f.Until.UTC())
	}
	return conds, args
}

func logConds(f monitor.LogFilter) ([]string, []any) {
	conds := []string{}
	args := []any{}
	if f.InstanceID != "" {
		conds = append(conds, "instance_id = ?")
		args = append(args, f.InstanceID)
	}
	if len(f.Levels) > 0 {
		names := make([]string, 0, len(f.Levels))
		for _, l := range f.Levels {
			names = append(names, "'"+string(l)+"'")
		}
		conds = append(conds, "level IN ("+strings.Join(names, ", ")+")")
	}
	if len(f.Streams) > 0 {
		names := make([]string, 0, len(f.Streams))
		for _, s := range f.Streams {
			names = append(names, "'"+string(s)+"'")
		}
		conds = append(conds, "stream IN ("+strings.Join(names, ", ")+")")
	}
	if f.Since != nil {
		conds = append(conds, "occurred_at >= ?")
		args = append(args, f.Since.UTC())
	}
	if f.Until != nil {
		conds = append(conds, "occurred_at <= ?")
		args = append(args, f.Until.UTC())
	}
	return conds, args
}

var _ transport.Transport = (*Transport)(nil)
