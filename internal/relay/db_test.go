package relay

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDBRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	t.Run("insert and select", func(t *testing.T) {
		err := db.Insert(ctx, TableUsers, Row{
			"id":        "alice",
			"name":      "Alice",
			"is_online": true,
			"incoming_call": map[string]any{
				"is_incoming": false,
			},
		})
		if err != nil {
			t.Fatal(err)
		}

		rows, err := db.Select(ctx, TableUsers, Filter{Column: "id", Value: "alice"})
		if err != nil {
			t.Fatal(err)
		}
		if len(rows) != 1 {
			t.Fatalf("expected 1 row, got %d", len(rows))
		}
		if rows[0]["name"] != "Alice" {
			t.Fatalf("expected name=Alice, got %v", rows[0]["name"])
		}
		if rows[0]["is_online"] != true {
			t.Fatalf("expected is_online=true, got %v", rows[0]["is_online"])
		}
		slot, ok := rows[0]["incoming_call"].(map[string]any)
		if !ok {
			t.Fatalf("expected incoming_call object, got %T", rows[0]["incoming_call"])
		}
		if slot["is_incoming"] != false {
			t.Fatalf("expected is_incoming=false, got %v", slot["is_incoming"])
		}
	})

	t.Run("update", func(t *testing.T) {
		n, err := db.Update(ctx, TableUsers, Filter{Column: "id", Value: "alice"}, Row{"is_online": false})
		if err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Fatalf("expected 1 row updated, got %d", n)
		}

		row, err := SelectOne(ctx, db, TableUsers, Filter{Column: "id", Value: "alice"})
		if err != nil {
			t.Fatal(err)
		}
		if row["is_online"] != false {
			t.Fatalf("expected is_online=false, got %v", row["is_online"])
		}
	})

	t.Run("update no match", func(t *testing.T) {
		n, err := db.Update(ctx, TableUsers, Filter{Column: "id", Value: "nobody"}, Row{"is_online": true})
		if err != nil {
			t.Fatal(err)
		}
		if n != 0 {
			t.Fatalf("expected 0 rows updated, got %d", n)
		}
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		filter := Filter{Column: "id", Value: "alice"}
		if err := db.Delete(ctx, TableUsers, filter); err != nil {
			t.Fatal(err)
		}
		if err := db.Delete(ctx, TableUsers, filter); err != nil {
			t.Fatalf("second delete should be a no-op, got %v", err)
		}
		if _, err := SelectOne(ctx, db, TableUsers, filter); err != ErrNotFound {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("unknown table rejected", func(t *testing.T) {
		if err := db.Insert(ctx, "secrets", Row{"id": "x"}); err == nil {
			t.Fatal("expected error for unknown table")
		}
	})

	t.Run("unknown column rejected", func(t *testing.T) {
		if err := db.Insert(ctx, TableUsers, Row{"id": "x", "password": "y"}); err == nil {
			t.Fatal("expected error for unknown column")
		}
	})
}

func TestDBSubscribe(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	t.Run("filtered events", func(t *testing.T) {
		ch, cancel, err := db.Subscribe(TableRooms, EventUpdate, Filter{Column: "id", Value: "room-1"})
		if err != nil {
			t.Fatal(err)
		}
		defer cancel()

		if err := db.Insert(ctx, TableRooms, Row{"id": "room-1", "on_call": true}); err != nil {
			t.Fatal(err)
		}
		if err := db.Insert(ctx, TableRooms, Row{"id": "room-2", "on_call": true}); err != nil {
			t.Fatal(err)
		}
		// Insert events must not reach an update-only subscription.
		select {
		case evt := <-ch:
			t.Fatalf("unexpected event: %+v", evt)
		case <-time.After(50 * time.Millisecond):
		}

		if _, err := db.Update(ctx, TableRooms, Filter{Column: "id", Value: "room-2"}, Row{"on_call": false}); err != nil {
			t.Fatal(err)
		}
		if _, err := db.Update(ctx, TableRooms, Filter{Column: "id", Value: "room-1"}, Row{"on_call": false}); err != nil {
			t.Fatal(err)
		}

		select {
		case evt := <-ch:
			if evt.Kind != EventUpdate || evt.Row["id"] != "room-1" {
				t.Fatalf("expected update for room-1, got %+v", evt)
			}
			if evt.Row["on_call"] != false {
				t.Fatalf("expected post-image on_call=false, got %v", evt.Row["on_call"])
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for update event")
		}
	})

	t.Run("insert events by room", func(t *testing.T) {
		ch, cancel, err := db.Subscribe(TableCandidates, EventInsert, Filter{Column: "room_id", Value: "room-1"})
		if err != nil {
			t.Fatal(err)
		}
		defer cancel()

		err = db.Insert(ctx, TableCandidates, Row{
			"room_id":   "room-1",
			"candidate": map[string]any{"candidate": "candidate:1 1 udp 2130706431 192.0.2.1 5000 typ host"},
			"role":      "caller",
		})
		if err != nil {
			t.Fatal(err)
		}

		select {
		case evt := <-ch:
			if evt.Row["role"] != "caller" {
				t.Fatalf("expected caller candidate, got %+v", evt)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for insert event")
		}
	})

	t.Run("delete carries pre-image", func(t *testing.T) {
		ch, cancel, err := db.Subscribe(TableRooms, EventDelete, Filter{Column: "id", Value: "room-1"})
		if err != nil {
			t.Fatal(err)
		}
		defer cancel()

		if err := db.Delete(ctx, TableRooms, Filter{Column: "id", Value: "room-1"}); err != nil {
			t.Fatal(err)
		}

		select {
		case evt := <-ch:
			if evt.Row["id"] != "room-1" {
				t.Fatalf("expected pre-image for room-1, got %+v", evt)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for delete event")
		}
	})

	t.Run("cancel is idempotent", func(t *testing.T) {
		_, cancel, err := db.Subscribe(TableUsers, EventAny, All)
		if err != nil {
			t.Fatal(err)
		}
		cancel()
		cancel() // must not panic or double-close
	})
}
