// Package relay implements the shared store that call signaling flows
// through: durable rows plus change-notification subscriptions filtered by
// table and column equality. The store runs embedded (DB), as a standalone
// server (Server), or remotely (Client); all three satisfy Store.
package relay

import (
	"context"
	"errors"

	logging "github.com/ipfs/go-log/v2"
)

var (
	log  = logging.Logger("relay")
	clog = logging.Logger("relay/client")
)

// Table names understood by the store. The schema is fixed: signaling needs
// exactly these three tables and nothing else.
const (
	TableUsers      = "users"
	TableRooms      = "rooms"
	TableCandidates = "ice_candidates"
)

// EventKind selects which change notifications a subscription receives.
type EventKind string

const (
	EventInsert EventKind = "insert"
	EventUpdate EventKind = "update"
	EventDelete EventKind = "delete"
	EventAny    EventKind = "*"
)

// Row is one record. Values are JSON-typed: string, bool, float64, nested
// map[string]any, or nil.
type Row map[string]any

// Filter is an equality predicate on a single column. The zero Filter
// matches every row.
type Filter struct {
	Column string `json:"column"`
	Value  any    `json:"value"`
}

// All is the empty filter.
var All = Filter{}

// Event is a change notification. Row carries the post-image of the affected
// record; delete events carry the pre-image.
type Event struct {
	Table string    `json:"table"`
	Kind  EventKind `json:"kind"`
	Row   Row       `json:"row"`
}

// ErrNotFound is returned by Select-single helpers when no row matches.
var ErrNotFound = errors.New("relay: row not found")

// Store is the surface the signaling layers program against.
//
// Subscriptions guarantee delivery after the corresponding write commits, but
// no ordering across distinct subscriptions and possible duplicates on
// reconnect, so consumers must apply events idempotently. Cancel funcs are
// idempotent.
type Store interface {
	Insert(ctx context.Context, table string, row Row) error
	Update(ctx context.Context, table string, filter Filter, patch Row) (int, error)
	Select(ctx context.Context, table string, filter Filter) ([]Row, error)
	Delete(ctx context.Context, table string, filter Filter) error
	Subscribe(table string, kind EventKind, filter Filter) (<-chan Event, func(), error)
}

// SelectOne returns the single row matching filter, or ErrNotFound.
func SelectOne(ctx context.Context, s Store, table string, filter Filter) (Row, error) {
	rows, err := s.Select(ctx, table, filter)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0], nil
}

// Matches reports whether row satisfies the filter. Values are compared by
// their canonical JSON encoding, so string/bool/number comparisons behave the
// same on every Store implementation.
func (f Filter) Matches(row Row) bool {
	if f.Column == "" {
		return true
	}
	v, ok := row[f.Column]
	if !ok {
		return false
	}
	return canonical(v) == canonical(f.Value)
}

// Accepts reports whether kind k passes this subscription kind.
func (k EventKind) Accepts(other EventKind) bool {
	return k == EventAny || k == other
}
