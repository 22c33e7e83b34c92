// Package presence maintains each agent's row in the relay users table: the
// online flag peers check before ringing, and the single-slot incoming-call
// invitation. The slot is never touched directly by other packages; every
// mutation goes through a Manager method, so the write discipline (caller
// creates, callee disposes, caller publishes the room) stays in one place.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/petervdpas/parley/internal/relay"
)

// CallType distinguishes audio-only from video calls.
type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

// Invitation is the single-slot incoming-call record on a user row.
// At most one live invitation exists per user; RoomID stays empty until the
// callee accepts and the caller has created the room.
type Invitation struct {
	CallerID   string   `json:"caller_id,omitempty"`
	CallerName string   `json:"caller_name,omitempty"`
	CalleeID   string   `json:"callee_id,omitempty"`
	CallType   CallType `json:"call_type,omitempty"`
	IsIncoming bool     `json:"is_incoming"`
	IsAccepted bool     `json:"is_accepted,omitempty"`
	IsRejected bool     `json:"is_rejected,omitempty"`
	RoomID     string   `json:"room_id,omitempty"`
}

// User is one row of the users table.
type User struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	IsOnline     bool       `json:"is_online"`
	IncomingCall Invitation `json:"incoming_call"`
}

// Manager owns this agent's users row and the invitation slots it is allowed
// to write.
type Manager struct {
	store    relay.Store
	selfID   string
	selfName string
}

func New(store relay.Store, selfID, selfName string) *Manager {
	return &Manager{store: store, selfID: selfID, selfName: selfName}
}

// SelfID returns the user id this manager writes as.
func (m *Manager) SelfID() string { return m.selfID }

// SelfName returns the display name registered by Ensure.
func (m *Manager) SelfName() string { return m.selfName }

// Ensure upserts this agent's user row. Called once at startup before going
// online.
func (m *Manager) Ensure(ctx context.Context) error {
	_, err := relay.SelectOne(ctx, m.store, relay.TableUsers, relay.Filter{Column: "id", Value: m.selfID})
	switch err {
	case nil:
		_, err = m.store.Update(ctx, relay.TableUsers,
			relay.Filter{Column: "id", Value: m.selfID},
			relay.Row{"name": m.selfName})
		return err
	case relay.ErrNotFound:
		return m.store.Insert(ctx, relay.TableUsers, relay.Row{
			"id":            m.selfID,
			"name":          m.selfName,
			"is_online":     false,
			"incoming_call": Invitation{},
		})
	default:
		return fmt.Errorf("presence: ensure user: %w", err)
	}
}

// SetOnline flips this agent's online flag.
func (m *Manager) SetOnline(ctx context.Context, online bool) error {
	_, err := m.store.Update(ctx, relay.TableUsers,
		relay.Filter{Column: "id", Value: m.selfID},
		relay.Row{"is_online": online})
	return err
}

// Get fetches any user's row.
func (m *Manager) Get(ctx context.Context, userID string) (User, error) {
	row, err := relay.SelectOne(ctx, m.store, relay.TableUsers, relay.Filter{Column: "id", Value: userID})
	if err != nil {
		return User{}, err
	}
	return rowToUser(row)
}

// List returns all known users.
func (m *Manager) List(ctx context.Context) ([]User, error) {
	rows, err := m.store.Select(ctx, relay.TableUsers, relay.All)
	if err != nil {
		return nil, err
	}
	users := make([]User, 0, len(rows))
	for _, row := range rows {
		u, err := rowToUser(row)
		if err != nil {
			log.Printf("PRESENCE: skipping malformed user row: %v", err)
			continue
		}
		users = append(users, u)
	}
	return users, nil
}

// SendInvitation writes a fresh invitation into the callee's slot.
// Caller-side create: the slot is replaced wholesale, so stale state from an
// earlier attempt cannot leak into this one.
func (m *Manager) SendInvitation(ctx context.Context, inv Invitation) error {
	inv.IsIncoming = true
	inv.IsAccepted = false
	inv.IsRejected = false
	inv.RoomID = ""
	n, err := m.store.Update(ctx, relay.TableUsers,
		relay.Filter{Column: "id", Value: inv.CalleeID},
		relay.Row{"incoming_call": inv})
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("presence: unknown callee %q", inv.CalleeID)
	}
	return nil
}

// Accept marks the invitation in this agent's own slot accepted.
func (m *Manager) Accept(ctx context.Context) error {
	return m.patchOwnSlot(ctx, func(inv *Invitation) { inv.IsAccepted = true })
}

// Reject marks the invitation in this agent's own slot rejected.
func (m *Manager) Reject(ctx context.Context) error {
	return m.patchOwnSlot(ctx, func(inv *Invitation) { inv.IsRejected = true })
}

// PublishRoom writes the room id into the callee's slot after acceptance.
func (m *Manager) PublishRoom(ctx context.Context, calleeID, roomID string) error {
	return m.patchSlot(ctx, calleeID, func(inv *Invitation) { inv.RoomID = roomID })
}

// ClearInvitation resets a user's slot to not-incoming. Idempotent.
func (m *Manager) ClearInvitation(ctx context.Context, userID string) error {
	_, err := m.store.Update(ctx, relay.TableUsers,
		relay.Filter{Column: "id", Value: userID},
		relay.Row{"incoming_call": Invitation{}})
	return err
}

// Watch streams a user's row after each update. Cancel is idempotent.
func (m *Manager) Watch(userID string) (<-chan User, func(), error) {
	events, cancel, err := m.store.Subscribe(relay.TableUsers, relay.EventUpdate,
		relay.Filter{Column: "id", Value: userID})
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan User, 16)
	go func() {
		defer close(ch)
		for evt := range events {
			u, err := rowToUser(evt.Row)
			if err != nil {
				log.Printf("PRESENCE: dropping malformed update for %s: %v", userID, err)
				continue
			}
			select {
			case ch <- u:
			default:
				// Consumer stalled. Rows are full post-images, so the next
				// update supersedes whatever is dropped here.
			}
		}
	}()
	return ch, cancel, nil
}

// patchOwnSlot applies a read-modify-write to this agent's own slot.
// Single-writer discipline makes the unguarded read-modify-write safe: only
// the callee mutates disposition bits, only the caller writes RoomID.
func (m *Manager) patchOwnSlot(ctx context.Context, mutate func(*Invitation)) error {
	return m.patchSlot(ctx, m.selfID, mutate)
}

func (m *Manager) patchSlot(ctx context.Context, userID string, mutate func(*Invitation)) error {
	u, err := m.Get(ctx, userID)
	if err != nil {
		return fmt.Errorf("presence: read slot of %s: %w", userID, err)
	}
	inv := u.IncomingCall
	mutate(&inv)
	_, err = m.store.Update(ctx, relay.TableUsers,
		relay.Filter{Column: "id", Value: userID},
		relay.Row{"incoming_call": inv})
	return err
}

// rowToUser decodes a relay row through its JSON form.
func rowToUser(row relay.Row) (User, error) {
	b, err := json.Marshal(row)
	if err != nil {
		return User{}, err
	}
	var u User
	if err := json.Unmarshal(b, &u); err != nil {
		return User{}, fmt.Errorf("decode user row: %w", err)
	}
	if u.ID == "" {
		return User{}, fmt.Errorf("user row missing id")
	}
	return u, nil
}
