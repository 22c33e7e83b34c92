package relay

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

var safeIdentRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// validIdent checks that a SQL identifier (table/column name) is safe.
func validIdent(s string) bool {
	return len(s) > 0 && len(s) <= 64 && safeIdentRe.MatchString(s)
}

// tableColumns is the fixed relay schema. Inserts and patches may only touch
// columns listed here.
var tableColumns = map[string][]string{
	TableUsers:      {"id", "name", "is_online", "incoming_call"},
	TableRooms:      {"id", "on_call", "offer", "answer"},
	TableCandidates: {"room_id", "candidate", "role"},
}

// DB is the sqlite-backed Store. It doubles as the embedded store for
// single-process deployments and as the backend of Server. Change events are
// fanned out to local subscribers after each committed write.
type DB struct {
	db   *sql.DB
	path string

	// Serializes writes so each notification carries the committed state.
	mu sync.Mutex

	subMu sync.Mutex
	subs  map[*subscriber]struct{}
}

type subscriber struct {
	table  string
	kind   EventKind
	filter Filter
	ch     chan Event
}

// Open opens or creates the relay database at path. An empty path opens an
// in-memory database (single connection, suitable for tests and embedded use).
func Open(path string) (*DB, error) {
	dsn := path
	if dsn == "" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create relay dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open relay database: %w", err)
	}
	// modernc in-memory databases are per-connection; pin to one.
	if path == "" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure relay database: %w", err)
	}

	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS users (
			id            TEXT PRIMARY KEY,
			name          TEXT DEFAULT 'null',
			is_online     TEXT DEFAULT 'false',
			incoming_call TEXT DEFAULT 'null'
		)`,
		`CREATE TABLE IF NOT EXISTS rooms (
			id      TEXT PRIMARY KEY,
			on_call TEXT DEFAULT 'false',
			offer   TEXT DEFAULT 'null',
			answer  TEXT DEFAULT 'null'
		)`,
		`CREATE TABLE IF NOT EXISTS ice_candidates (
			room_id   TEXT NOT NULL,
			candidate TEXT NOT NULL,
			role      TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_candidates_room ON ice_candidates(room_id)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create relay schema: %w", err)
		}
	}

	return &DB{db: db, path: path, subs: make(map[*subscriber]struct{})}, nil
}

// Close closes the database and all open subscriptions.
func (d *DB) Close() error {
	d.subMu.Lock()
	for sub := range d.subs {
		close(sub.ch)
	}
	d.subs = make(map[*subscriber]struct{})
	d.subMu.Unlock()
	return d.db.Close()
}

// Path returns the database file path ("" for in-memory).
func (d *DB) Path() string { return d.path }

// canonical returns the JSON encoding of v, used for stored values and for
// filter comparison.
func canonical(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func decodeValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

func checkColumns(table string, row Row) error {
	cols, ok := tableColumns[table]
	if !ok {
		return fmt.Errorf("relay: unknown table %q", table)
	}
	for k := range row {
		if !validIdent(k) {
			return fmt.Errorf("relay: invalid column %q", k)
		}
		found := false
		for _, c := range cols {
			if c == k {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("relay: table %s has no column %q", table, k)
		}
	}
	return nil
}

func checkFilter(table string, f Filter) error {
	if f.Column == "" {
		return nil
	}
	return checkColumns(table, Row{f.Column: nil})
}

// Insert writes one row and notifies insert subscribers.
func (d *DB) Insert(ctx context.Context, table string, row Row) error {
	if err := checkColumns(table, row); err != nil {
		return err
	}
	if len(row) == 0 {
		return fmt.Errorf("relay: empty insert into %s", table)
	}

	cols := make([]string, 0, len(row))
	marks := make([]string, 0, len(row))
	args := make([]any, 0, len(row))
	for k, v := range row {
		cols = append(cols, k)
		marks = append(marks, "?")
		args = append(args, canonical(v))
	}

	d.mu.Lock()
	_, err := d.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (%s) VALUES (%s)`,
		table, strings.Join(cols, ", "), strings.Join(marks, ", ")), args...)
	d.mu.Unlock()
	if err != nil {
		return fmt.Errorf("relay: insert %s: %w", table, err)
	}

	d.notify(Event{Table: table, Kind: EventInsert, Row: row.clone()})
	return nil
}

// Update patches all rows matching filter and notifies update subscribers
// with the post-image of each affected row. Returns the number of rows
// changed.
func (d *DB) Update(ctx context.Context, table string, filter Filter, patch Row) (int, error) {
	if err := checkColumns(table, patch); err != nil {
		return 0, err
	}
	if err := checkFilter(table, filter); err != nil {
		return 0, err
	}
	if len(patch) == 0 {
		return 0, fmt.Errorf("relay: empty patch for %s", table)
	}

	sets := make([]string, 0, len(patch))
	args := make([]any, 0, len(patch)+1)
	for k, v := range patch {
		sets = append(sets, k+" = ?")
		args = append(args, canonical(v))
	}
	q := fmt.Sprintf(`UPDATE %s SET %s`, table, strings.Join(sets, ", "))
	if filter.Column != "" {
		q += fmt.Sprintf(` WHERE %s = ?`, filter.Column)
		args = append(args, canonical(filter.Value))
	}

	d.mu.Lock()
	res, err := d.db.ExecContext(ctx, q, args...)
	var after []Row
	if err == nil {
		after, err = d.selectLocked(ctx, table, filter)
	}
	d.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("relay: update %s: %w", table, err)
	}

	n, _ := res.RowsAffected()
	for _, row := range after {
		d.notify(Event{Table: table, Kind: EventUpdate, Row: row})
	}
	return int(n), nil
}

// Select returns all rows matching filter.
func (d *DB) Select(ctx context.Context, table string, filter Filter) ([]Row, error) {
	if _, ok := tableColumns[table]; !ok {
		return nil, fmt.Errorf("relay: unknown table %q", table)
	}
	if err := checkFilter(table, filter); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.selectLocked(ctx, table, filter)
}

func (d *DB) selectLocked(ctx context.Context, table string, filter Filter) ([]Row, error) {
	cols := tableColumns[table]
	q := fmt.Sprintf(`SELECT %s FROM %s`, strings.Join(cols, ", "), table)
	var args []any
	if filter.Column != "" {
		q += fmt.Sprintf(` WHERE %s = ?`, filter.Column)
		args = append(args, canonical(filter.Value))
	}

	rows, err := d.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("relay: select %s: %w", table, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		vals := make([]sql.NullString, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("relay: scan %s: %w", table, err)
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			if vals[i].Valid {
				row[c] = decodeValue(vals[i].String)
			} else {
				row[c] = nil
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Delete removes all rows matching filter and notifies delete subscribers
// with each pre-image. Deleting already-absent rows is a no-op.
func (d *DB) Delete(ctx context.Context, table string, filter Filter) error {
	if _, ok := tableColumns[table]; !ok {
		return fmt.Errorf("relay: unknown table %q", table)
	}
	if err := checkFilter(table, filter); err != nil {
		return err
	}

	d.mu.Lock()
	before, err := d.selectLocked(ctx, table, filter)
	if err == nil {
		q := fmt.Sprintf(`DELETE FROM %s`, table)
		var args []any
		if filter.Column != "" {
			q += fmt.Sprintf(` WHERE %s = ?`, filter.Column)
			args = append(args, canonical(filter.Value))
		}
		_, err = d.db.ExecContext(ctx, q, args...)
	}
	d.mu.Unlock()
	if err != nil {
		return fmt.Errorf("relay: delete %s: %w", table, err)
	}

	for _, row := range before {
		d.notify(Event{Table: table, Kind: EventDelete, Row: row})
	}
	return nil
}

// Subscribe registers a change-notification stream. The returned cancel is
// idempotent; after cancel the channel is closed.
func (d *DB) Subscribe(table string, kind EventKind, filter Filter) (<-chan Event, func(), error) {
	if _, ok := tableColumns[table]; !ok {
		return nil, nil, fmt.Errorf("relay: unknown table %q", table)
	}
	if err := checkFilter(table, filter); err != nil {
		return nil, nil, err
	}

	sub := &subscriber{table: table, kind: kind, filter: filter, ch: make(chan Event, 64)}
	d.subMu.Lock()
	d.subs[sub] = struct{}{}
	d.subMu.Unlock()

	cancel := func() {
		d.subMu.Lock()
		if _, ok := d.subs[sub]; ok {
			delete(d.subs, sub)
			close(sub.ch)
		}
		d.subMu.Unlock()
	}
	return sub.ch, cancel, nil
}

func (d *DB) notify(evt Event) {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	for sub := range d.subs {
		if sub.table != evt.Table || !sub.kind.Accepts(evt.Kind) || !sub.filter.Matches(evt.Row) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			log.Warnw("dropping event on slow subscriber", "table", evt.Table, "kind", evt.Kind)
		}
	}
}

func (r Row) clone() Row {
	cp := make(Row, len(r))
	for k, v := range r {
		cp[k] = v
	}
	return cp
}
