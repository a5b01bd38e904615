package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	aeerrors "github.com/randalmurphal/authevents/pkg/authevents/errors"
	"github.com/randalmurphal/authevents/pkg/authevents/event"
	"github.com/randalmurphal/authevents/pkg/authevents/ratelimit"
	"github.com/randalmurphal/authevents/pkg/authevents/webhook"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// goose keeps its base FS and dialect in package state.
var migrateMu sync.Mutex

// queryPageSize is the keyset page used by Query. Rows are never held open
// across a yield, so callers may write to the store while iterating.
const queryPageSize = 256

// SQLiteStore persists events and webhook state to SQLite.
// It is suitable for single-process production use.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	now    func() time.Time
}

// NewSQLiteStore opens (or creates) the database at path and applies
// pending migrations. Use ":memory:" for a throwaway database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection serializes writers and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func sqliteDSN(path string) string {
	values := url.Values{}
	values.Add("_pragma", "journal_mode(WAL)")
	values.Add("_pragma", "synchronous(NORMAL)")
	values.Add("_pragma", "busy_timeout(5000)")
	values.Add("_pragma", "foreign_keys(ON)")
	return fmt.Sprintf("file:%s?%s", path, values.Encode())
}

func migrate(db *sql.DB) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	return nil
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func encodeJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	if string(raw) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

// Append implements event.Store.
func (s *SQLiteStore) Append(ctx context.Context, evt *event.Event, expectedVersion int64) (*event.Event, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	metadata, err := encodeJSON(evt.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &aeerrors.StorageError{Op: "append", Err: err}
	}
	defer tx.Rollback() //nolint:errcheck

	var current int64
	err = tx.QueryRowContext(ctx,
		`SELECT version FROM event_streams WHERE stream_id = ?`, evt.StreamID).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, &aeerrors.StorageError{Op: "append", Err: err}
	}
	if expectedVersion != event.AnyVersion && expectedVersion != current {
		return nil, &aeerrors.VersionConflictError{StreamID: evt.StreamID, Expected: expectedVersion, Actual: current}
	}

	stored := evt.Clone()
	stored.Version = current + 1
	stored.StoredAt = s.now().UTC()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO events (id, type, source, stream_id, version, schema_version,
			payload, metadata, correlation_id, causation_id, occurred_at, stored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, stored.ID, stored.Type, stored.Source, stored.StreamID, stored.Version, stored.SchemaVersion,
		string(payload), metadata, stored.CorrelationID, stored.CausationID,
		toNanos(stored.OccurredAt), toNanos(stored.StoredAt))
	if err != nil {
		if isUniqueViolation(err) {
			if strings.Contains(err.Error(), "events.id") {
				return nil, fmt.Errorf("append %s: %w", evt.ID, ErrDuplicateEvent)
			}
			return nil, &aeerrors.VersionConflictError{StreamID: evt.StreamID, Expected: expectedVersion, Actual: current + 1}
		}
		return nil, &aeerrors.StorageError{Op: "append", Err: err}
	}
	if stored.Position, err = res.LastInsertId(); err != nil {
		return nil, &aeerrors.StorageError{Op: "append", Err: err}
	}

	res, err = tx.ExecContext(ctx, `
		INSERT INTO event_streams (stream_id, version, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(stream_id) DO UPDATE SET
			version = excluded.version,
			updated_at = excluded.updated_at
		WHERE event_streams.version = ?
	`, stored.StreamID, stored.Version, toNanos(stored.StoredAt), current)
	if err != nil {
		return nil, &aeerrors.StorageError{Op: "append", Err: err}
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, &aeerrors.VersionConflictError{StreamID: evt.StreamID, Expected: expectedVersion, Actual: current + 1}
	}

	if err := tx.Commit(); err != nil {
		return nil, &aeerrors.StorageError{Op: "append", Err: err}
	}
	return stored, nil
}

const eventColumns = `position, id, type, source, stream_id, version, schema_version,
	payload, metadata, correlation_id, causation_id, occurred_at, stored_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*event.Event, error) {
	var (
		evt                  event.Event
		payload              string
		metadata             sql.NullString
		occurredAt, storedAt int64
	)
	if err := row.Scan(&evt.Position, &evt.ID, &evt.Type, &evt.Source, &evt.StreamID, &evt.Version,
		&evt.SchemaVersion, &payload, &metadata, &evt.CorrelationID, &evt.CausationID,
		&occurredAt, &storedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &evt.Payload); err != nil {
		return nil, fmt.Errorf("decode payload of %s: %w", evt.ID, err)
	}
	if evt.Payload == nil {
		evt.Payload = map[string]any{}
	}
	if metadata.Valid {
		if err := json.Unmarshal([]byte(metadata.String), &evt.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of %s: %w", evt.ID, err)
		}
	}
	evt.OccurredAt = fromNanos(occurredAt)
	evt.StoredAt = fromNanos(storedAt)
	return &evt, nil
}

// Query implements event.Store. Exact type filters run in SQL; wildcard
// patterns are applied to each page in Go.
func (s *SQLiteStore) Query(ctx context.Context, q event.Query) iter.Seq2[*event.Event, error] {
	return func(yield func(*event.Event, error) bool) {
		if err := s.checkOpen(); err != nil {
			yield(nil, err)
			return
		}

		where, args := queryFilter(q)
		var (
			lastAt  int64
			lastPos int64
			first   = true
			emitted int
		)
		for {
			clauses := slices.Clone(where)
			pageArgs := slices.Clone(args)
			if !first {
				clauses = append(clauses, "(occurred_at > ? OR (occurred_at = ? AND position > ?))")
				pageArgs = append(pageArgs, lastAt, lastAt, lastPos)
			}
			stmt := "SELECT " + eventColumns + " FROM events"
			if len(clauses) > 0 {
				stmt += " WHERE " + strings.Join(clauses, " AND ")
			}
			stmt += " ORDER BY occurred_at, position LIMIT ?"
			pageArgs = append(pageArgs, queryPageSize)

			page, err := s.queryEvents(ctx, stmt, pageArgs...)
			if err != nil {
				yield(nil, &aeerrors.StorageError{Op: "query", Err: err})
				return
			}
			for _, evt := range page {
				lastAt, lastPos = toNanos(evt.OccurredAt), evt.Position
				if !q.Matches(evt) {
					continue
				}
				if q.Limit > 0 && emitted >= q.Limit {
					return
				}
				emitted++
				if !yield(evt, nil) {
					return
				}
			}
			if len(page) < queryPageSize {
				return
			}
			first = false
		}
	}
}

func queryFilter(q event.Query) ([]string, []any) {
	var (
		where []string
		args  []any
	)
	if exact := exactTypes(q.Types); len(exact) > 0 {
		where = append(where, "type IN (?"+strings.Repeat(", ?", len(exact)-1)+")")
		for _, t := range exact {
			args = append(args, t)
		}
	}
	if q.Source != "" {
		where = append(where, "source = ?")
		args = append(args, q.Source)
	}
	if q.StreamID != "" {
		where = append(where, "stream_id = ?")
		args = append(args, q.StreamID)
	}
	if q.CorrelationID != "" {
		where = append(where, "correlation_id = ?")
		args = append(args, q.CorrelationID)
	}
	if q.FromVersion > 0 {
		where = append(where, "version >= ?")
		args = append(args, q.FromVersion)
	}
	if !q.From.IsZero() {
		where = append(where, "occurred_at >= ?")
		args = append(args, toNanos(q.From))
	}
	if !q.To.IsZero() {
		where = append(where, "occurred_at < ?")
		args = append(args, toNanos(q.To))
	}
	return where, args
}

// exactTypes returns the type filter when it has no wildcards, else nil.
func exactTypes(types []string) []string {
	for _, t := range types {
		if strings.Contains(t, "*") {
			return nil
		}
	}
	return types
}

func (s *SQLiteStore) queryEvents(ctx context.Context, stmt string, args ...any) ([]*event.Event, error) {
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*event.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

// ReadStream implements event.Store.
func (s *SQLiteStore) ReadStream(ctx context.Context, streamID string, fromVersion int64) iter.Seq2[*event.Event, error] {
	return func(yield func(*event.Event, error) bool) {
		if err := s.checkOpen(); err != nil {
			yield(nil, err)
			return
		}
		next := max(fromVersion, 1)
		for {
			page, err := s.queryEvents(ctx, "SELECT "+eventColumns+` FROM events
				WHERE stream_id = ? AND version >= ? ORDER BY version LIMIT ?`,
				streamID, next, queryPageSize)
			if err != nil {
				yield(nil, &aeerrors.StorageError{Op: "read stream", Err: err})
				return
			}
			for _, evt := range page {
				next = evt.Version + 1
				if !yield(evt, nil) {
					return
				}
			}
			if len(page) < queryPageSize {
				return
			}
		}
	}
}

// StreamVersion implements event.Store.
func (s *SQLiteStore) StreamVersion(ctx context.Context, streamID string) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var v int64
	err := s.db.QueryRowContext(ctx,
		`SELECT version FROM event_streams WHERE stream_id = ?`, streamID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, &aeerrors.StorageError{Op: "stream version", Err: err}
	}
	return v, nil
}

// Streams returns every stream head, sorted by ID.
func (s *SQLiteStore) Streams(ctx context.Context) ([]event.StreamInfo, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT stream_id, version, updated_at FROM event_streams ORDER BY stream_id`)
	if err != nil {
		return nil, &aeerrors.StorageError{Op: "list streams", Err: err}
	}
	defer rows.Close()

	var out []event.StreamInfo
	for rows.Next() {
		var (
			info    event.StreamInfo
			updated int64
		)
		if err := rows.Scan(&info.ID, &info.Version, &updated); err != nil {
			return nil, &aeerrors.StorageError{Op: "list streams", Err: err}
		}
		info.UpdatedAt = fromNanos(updated)
		out = append(out, info)
	}
	return out, rows.Err()
}

// SaveSnapshot implements event.Store.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap *event.Snapshot) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &aeerrors.StorageError{Op: "save snapshot", Err: err}
	}
	defer tx.Rollback() //nolint:errcheck

	var head, latest int64
	err = tx.QueryRowContext(ctx, `
		SELECT
			COALESCE((SELECT version FROM event_streams WHERE stream_id = ?), 0),
			COALESCE((SELECT MAX(version) FROM event_snapshots WHERE stream_id = ?), 0)
	`, snap.StreamID, snap.StreamID).Scan(&head, &latest)
	if err != nil {
		return &aeerrors.StorageError{Op: "save snapshot", Err: err}
	}
	if err := checkSnapshot(snap, latest, head); err != nil {
		return err
	}

	created := snap.CreatedAt
	if created.IsZero() {
		created = s.now().UTC()
	}
	state := snap.State
	if state == nil {
		state = json.RawMessage("null")
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO event_snapshots (stream_id, version, state, created_at) VALUES (?, ?, ?, ?)
	`, snap.StreamID, snap.Version, []byte(state), toNanos(created)); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s version %d already saved", event.ErrInvalidSnapshot, snap.StreamID, snap.Version)
		}
		return &aeerrors.StorageError{Op: "save snapshot", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &aeerrors.StorageError{Op: "save snapshot", Err: err}
	}
	return nil
}

// LatestSnapshot implements event.Store.
func (s *SQLiteStore) LatestSnapshot(ctx context.Context, streamID string) (*event.Snapshot, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var (
		snap    event.Snapshot
		state   []byte
		created int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT stream_id, version, state, created_at FROM event_snapshots
		WHERE stream_id = ? ORDER BY version DESC LIMIT 1
	`, streamID).Scan(&snap.StreamID, &snap.Version, &state, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("snapshot %s: %w", streamID, ErrNotFound)
	}
	if err != nil {
		return nil, &aeerrors.StorageError{Op: "latest snapshot", Err: err}
	}
	snap.State = json.RawMessage(state)
	snap.CreatedAt = fromNanos(created)
	return &snap, nil
}

// SaveEndpoint implements webhook.Storage.
func (s *SQLiteStore) SaveEndpoint(ctx context.Context, ep *webhook.Endpoint) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	filter, err := json.Marshal(ep.Filter.Patterns)
	if err != nil {
		return fmt.Errorf("encode filter: %w", err)
	}
	headers, err := encodeJSON(ep.Headers)
	if err != nil {
		return fmt.Errorf("encode headers: %w", err)
	}
	var limit sql.NullString
	if ep.RateLimit != nil {
		if limit, err = encodeJSON(ep.RateLimit); err != nil {
			return fmt.Errorf("encode rate limit: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO webhook_endpoints (id, url, secret, filter, enabled, description, headers,
			format, timeout_ns, max_attempts, rate_limit, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			url = excluded.url,
			secret = excluded.secret,
			filter = excluded.filter,
			enabled = excluded.enabled,
			description = excluded.description,
			headers = excluded.headers,
			format = excluded.format,
			timeout_ns = excluded.timeout_ns,
			max_attempts = excluded.max_attempts,
			rate_limit = excluded.rate_limit,
			updated_at = excluded.updated_at
	`, ep.ID, ep.URL, ep.Secret, string(filter), ep.Enabled, ep.Description, headers,
		string(ep.Format), int64(ep.Timeout), ep.MaxAttempts, limit,
		toNanos(ep.CreatedAt), toNanos(ep.UpdatedAt))
	if err != nil {
		return &aeerrors.StorageError{Op: "save endpoint", Err: err}
	}
	return nil
}

const endpointColumns = `id, url, secret, filter, enabled, description, headers,
	format, timeout_ns, max_attempts, rate_limit, created_at, updated_at`

func scanEndpoint(row rowScanner) (*webhook.Endpoint, error) {
	var (
		ep               webhook.Endpoint
		filter, format   string
		headers, limit   sql.NullString
		timeout          int64
		created, updated int64
	)
	if err := row.Scan(&ep.ID, &ep.URL, &ep.Secret, &filter, &ep.Enabled, &ep.Description,
		&headers, &format, &timeout, &ep.MaxAttempts, &limit, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(filter), &ep.Filter.Patterns); err != nil {
		return nil, fmt.Errorf("decode filter of %s: %w", ep.ID, err)
	}
	if headers.Valid {
		if err := json.Unmarshal([]byte(headers.String), &ep.Headers); err != nil {
			return nil, fmt.Errorf("decode headers of %s: %w", ep.ID, err)
		}
	}
	if limit.Valid {
		ep.RateLimit = &ratelimit.Limit{}
		if err := json.Unmarshal([]byte(limit.String), ep.RateLimit); err != nil {
			return nil, fmt.Errorf("decode rate limit of %s: %w", ep.ID, err)
		}
	}
	ep.Format = webhook.Format(format)
	ep.Timeout = time.Duration(timeout)
	ep.CreatedAt = fromNanos(created)
	ep.UpdatedAt = fromNanos(updated)
	return &ep, nil
}

// GetEndpoint implements webhook.Storage.
func (s *SQLiteStore) GetEndpoint(ctx context.Context, id string) (*webhook.Endpoint, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	ep, err := scanEndpoint(s.db.QueryRowContext(ctx,
		"SELECT "+endpointColumns+" FROM webhook_endpoints WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("endpoint %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, &aeerrors.StorageError{Op: "get endpoint", Err: err}
	}
	return ep, nil
}

// ListEndpoints implements webhook.Storage.
func (s *SQLiteStore) ListEndpoints(ctx context.Context) ([]*webhook.Endpoint, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+endpointColumns+" FROM webhook_endpoints ORDER BY created_at, id")
	if err != nil {
		return nil, &aeerrors.StorageError{Op: "list endpoints", Err: err}
	}
	defer rows.Close()

	var out []*webhook.Endpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, &aeerrors.StorageError{Op: "list endpoints", Err: err}
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

// DeleteEndpoint implements webhook.Storage.
func (s *SQLiteStore) DeleteEndpoint(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhook_endpoints WHERE id = ?`, id)
	if err != nil {
		return &aeerrors.StorageError{Op: "delete endpoint", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("endpoint %s: %w", id, ErrNotFound)
	}
	return nil
}

// SaveJob implements webhook.Storage.
func (s *SQLiteStore) SaveJob(ctx context.Context, job *webhook.Job) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	headers, err := encodeJSON(job.Headers)
	if err != nil {
		return fmt.Errorf("encode headers: %w", err)
	}
	var completed sql.NullInt64
	if job.CompletedAt != nil {
		completed = sql.NullInt64{Int64: toNanos(*job.CompletedAt), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO webhook_jobs (id, endpoint_id, event_id, event_type, url, secret, headers,
			timeout_ns, format, payload, status, attempts, max_attempts, next_attempt_at,
			last_error, last_status, locked_until, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			attempts = excluded.attempts,
			max_attempts = excluded.max_attempts,
			next_attempt_at = excluded.next_attempt_at,
			last_error = excluded.last_error,
			last_status = excluded.last_status,
			locked_until = excluded.locked_until,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at
	`, job.ID, job.EndpointID, job.EventID, job.EventType, job.URL, job.Secret, headers,
		int64(job.Timeout), string(job.Format), job.Payload, string(job.Status), job.Attempts,
		job.MaxAttempts, toNanos(job.NextAttemptAt), job.LastError, job.LastStatus,
		toNanos(job.LockedUntil), toNanos(job.CreatedAt), toNanos(job.UpdatedAt), completed)
	if err != nil {
		return &aeerrors.StorageError{Op: "save job", Err: err}
	}
	return nil
}

// UpdateJob implements webhook.Storage. The status guard is part of the
// UPDATE, so a concurrent Cancel can't be overwritten.
func (s *SQLiteStore) UpdateJob(ctx context.Context, job *webhook.Job, from webhook.JobStatus) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	var completed sql.NullInt64
	if job.CompletedAt != nil {
		completed = sql.NullInt64{Int64: toNanos(*job.CompletedAt), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_jobs SET
			status = ?, attempts = ?, max_attempts = ?, next_attempt_at = ?,
			last_error = ?, last_status = ?, locked_until = ?, updated_at = ?,
			completed_at = ?
		WHERE id = ? AND status = ?
	`, string(job.Status), job.Attempts, job.MaxAttempts, toNanos(job.NextAttemptAt),
		job.LastError, job.LastStatus, toNanos(job.LockedUntil), toNanos(job.UpdatedAt),
		completed, job.ID, string(from))
	if err != nil {
		return &aeerrors.StorageError{Op: "update job", Err: err}
	}
	if n, err := res.RowsAffected(); err != nil {
		return &aeerrors.StorageError{Op: "update job", Err: err}
	} else if n == 1 {
		return nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM webhook_jobs WHERE id = ?`, job.ID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("job %s: %w", job.ID, ErrNotFound)
	}
	if err != nil {
		return &aeerrors.StorageError{Op: "update job", Err: err}
	}
	return fmt.Errorf("job %s is %s, not %s: %w", job.ID, status, from, webhook.ErrJobChanged)
}

const jobColumns = `id, endpoint_id, event_id, event_type, url, secret, headers, timeout_ns,
	format, payload, status, attempts, max_attempts, next_attempt_at, last_error, last_status,
	locked_until, created_at, updated_at, completed_at`

func scanJob(row rowScanner) (*webhook.Job, error) {
	var (
		job                   webhook.Job
		headers               sql.NullString
		format, status        string
		timeout, next, locked int64
		created, updated      int64
		completed             sql.NullInt64
	)
	if err := row.Scan(&job.ID, &job.EndpointID, &job.EventID, &job.EventType, &job.URL,
		&job.Secret, &headers, &timeout, &format, &job.Payload, &status, &job.Attempts,
		&job.MaxAttempts, &next, &job.LastError, &job.LastStatus, &locked, &created,
		&updated, &completed); err != nil {
		return nil, err
	}
	if headers.Valid {
		if err := json.Unmarshal([]byte(headers.String), &job.Headers); err != nil {
			return nil, fmt.Errorf("decode headers of job %s: %w", job.ID, err)
		}
	}
	job.Timeout = time.Duration(timeout)
	job.Format = webhook.Format(format)
	job.Status = webhook.JobStatus(status)
	job.NextAttemptAt = fromNanos(next)
	job.LockedUntil = fromNanos(locked)
	job.CreatedAt = fromNanos(created)
	job.UpdatedAt = fromNanos(updated)
	if completed.Valid {
		t := fromNanos(completed.Int64)
		job.CompletedAt = &t
	}
	return &job, nil
}

func (s *SQLiteStore) queryJobs(ctx context.Context, q querier, stmt string, args ...any) ([]*webhook.Job, error) {
	rows, err := q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*webhook.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// GetJob implements webhook.Storage.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*webhook.Job, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	job, err := scanJob(s.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM webhook_jobs WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, &aeerrors.StorageError{Op: "get job", Err: err}
	}
	return job, nil
}

// ListJobs implements webhook.Storage. Jobs are ordered by creation time.
func (s *SQLiteStore) ListJobs(ctx context.Context, f webhook.JobFilter) ([]*webhook.Job, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var (
		where []string
		args  []any
	)
	if f.EndpointID != "" {
		where = append(where, "endpoint_id = ?")
		args = append(args, f.EndpointID)
	}
	if f.EventID != "" {
		where = append(where, "event_id = ?")
		args = append(args, f.EventID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	stmt := "SELECT " + jobColumns + " FROM webhook_jobs"
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}
	stmt += " ORDER BY created_at, id"
	if f.Limit > 0 {
		stmt += " LIMIT ?"
		args = append(args, f.Limit)
	}
	jobs, err := s.queryJobs(ctx, s.db, stmt, args...)
	if err != nil {
		return nil, &aeerrors.StorageError{Op: "list jobs", Err: err}
	}
	return jobs, nil
}

// ClaimDueJobs implements webhook.Storage.
func (s *SQLiteStore) ClaimDueJobs(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*webhook.Job, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &aeerrors.StorageError{Op: "claim jobs", Err: err}
	}
	defer tx.Rollback() //nolint:errcheck

	due, err := s.queryJobs(ctx, tx, "SELECT "+jobColumns+` FROM webhook_jobs
		WHERE status = ? AND next_attempt_at <= ?
		ORDER BY next_attempt_at, created_at, id LIMIT ?`,
		string(webhook.StatusPending), toNanos(now), limit)
	if err != nil {
		return nil, &aeerrors.StorageError{Op: "claim jobs", Err: err}
	}

	lockedUntil := now.Add(lease)
	for _, job := range due {
		if _, err := tx.ExecContext(ctx, `
			UPDATE webhook_jobs SET status = ?, locked_until = ?, updated_at = ?
			WHERE id = ? AND status = ?
		`, string(webhook.StatusProcessing), toNanos(lockedUntil), toNanos(now),
			job.ID, string(webhook.StatusPending)); err != nil {
			return nil, &aeerrors.StorageError{Op: "claim jobs", Err: err}
		}
		job.Status = webhook.StatusProcessing
		job.LockedUntil = lockedUntil
		job.UpdatedAt = now
	}
	if err := tx.Commit(); err != nil {
		return nil, &aeerrors.StorageError{Op: "claim jobs", Err: err}
	}
	return due, nil
}

// RecoverStale implements webhook.Storage.
func (s *SQLiteStore) RecoverStale(ctx context.Context, now time.Time) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_jobs
		SET status = ?, next_attempt_at = ?, locked_until = 0, updated_at = ?
		WHERE status = ? AND locked_until < ?
	`, string(webhook.StatusPending), toNanos(now), toNanos(now),
		string(webhook.StatusProcessing), toNanos(now))
	if err != nil {
		return 0, &aeerrors.StorageError{Op: "recover stale jobs", Err: err}
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// SaveDelivery implements webhook.Storage.
func (s *SQLiteStore) SaveDelivery(ctx context.Context, d *webhook.Delivery) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (id, job_id, endpoint_id, event_id, event_type, attempt,
			status_code, response_body, error, duration_ns, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.JobID, d.EndpointID, d.EventID, d.EventType, d.Attempt, d.StatusCode,
		d.ResponseBody, d.Error, int64(d.Duration), toNanos(d.CreatedAt))
	if err != nil {
		return &aeerrors.StorageError{Op: "save delivery", Err: err}
	}
	return nil
}

const deliveryColumns = `id, job_id, endpoint_id, event_id, event_type, attempt, status_code,
	response_body, error, duration_ns, created_at`

func (s *SQLiteStore) queryDeliveries(ctx context.Context, stmt string, args ...any) ([]*webhook.Delivery, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, &aeerrors.StorageError{Op: "list deliveries", Err: err}
	}
	defer rows.Close()

	var out []*webhook.Delivery
	for rows.Next() {
		var (
			d                 webhook.Delivery
			duration, created int64
		)
		if err := rows.Scan(&d.ID, &d.JobID, &d.EndpointID, &d.EventID, &d.EventType, &d.Attempt,
			&d.StatusCode, &d.ResponseBody, &d.Error, &duration, &created); err != nil {
			return nil, &aeerrors.StorageError{Op: "list deliveries", Err: err}
		}
		d.Duration = time.Duration(duration)
		d.CreatedAt = fromNanos(created)
		out = append(out, &d)
	}
	return out, rows.Err()
}

// ListDeliveries implements webhook.Storage, ordered by attempt.
func (s *SQLiteStore) ListDeliveries(ctx context.Context, jobID string) ([]*webhook.Delivery, error) {
	return s.queryDeliveries(ctx, "SELECT "+deliveryColumns+
		" FROM webhook_deliveries WHERE job_id = ? ORDER BY attempt, created_at", jobID)
}

// ListEndpointDeliveries implements webhook.Storage, newest first.
func (s *SQLiteStore) ListEndpointDeliveries(ctx context.Context, endpointID string, limit int) ([]*webhook.Delivery, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryDeliveries(ctx, "SELECT "+deliveryColumns+
		" FROM webhook_deliveries WHERE endpoint_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?",
		endpointID, limit)
}

// DeleteDeliveriesBefore implements webhook.Storage.
func (s *SQLiteStore) DeleteDeliveriesBefore(ctx context.Context, before time.Time) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhook_deliveries WHERE created_at < ?`, toNanos(before))
	if err != nil {
		return 0, &aeerrors.StorageError{Op: "delete deliveries", Err: err}
	}
	return res.RowsAffected()
}

// Close implements io.Closer.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
