package relay

import (
	"context"
	"net/http"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// startTestServer runs a relay server on a free port and returns a client
// against it.
func startTestServer(t *testing.T, adminHash string) (*Server, *Client) {
	t.Helper()

	db, err := Open("") // in-memory
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	srv := NewServer("127.0.0.1:0", db, adminHash)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := srv.Start(ctx); err != nil {
		t.Fatal(err)
	}

	client := NewClient(srv.URL())
	t.Cleanup(client.Close)
	return srv, client
}

func TestServerEndToEnd(t *testing.T) {
	_, client := startTestServer(t, "")
	ctx := context.Background()

	if err := client.Ping(ctx); err != nil {
		t.Fatal(err)
	}

	t.Run("insert select update delete", func(t *testing.T) {
		if err := client.Insert(ctx, TableUsers, Row{"id": "bob", "name": "Bob", "is_online": true}); err != nil {
			t.Fatal(err)
		}

		row, err := SelectOne(ctx, client, TableUsers, Filter{Column: "id", Value: "bob"})
		if err != nil {
			t.Fatal(err)
		}
		if row["name"] != "Bob" || row["is_online"] != true {
			t.Fatalf("unexpected row: %+v", row)
		}

		n, err := client.Update(ctx, TableUsers, Filter{Column: "id", Value: "bob"}, Row{"is_online": false})
		if err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Fatalf("expected 1 updated, got %d", n)
		}

		if err := client.Delete(ctx, TableUsers, Filter{Column: "id", Value: "bob"}); err != nil {
			t.Fatal(err)
		}
		if _, err := SelectOne(ctx, client, TableUsers, Filter{Column: "id", Value: "bob"}); err != ErrNotFound {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("subscribe over websocket", func(t *testing.T) {
		ch, cancel, err := client.Subscribe(TableRooms, EventUpdate, Filter{Column: "id", Value: "r1"})
		if err != nil {
			t.Fatal(err)
		}
		defer cancel()

		if err := client.Insert(ctx, TableRooms, Row{"id": "r1", "on_call": true}); err != nil {
			t.Fatal(err)
		}
		if _, err := client.Update(ctx, TableRooms, Filter{Column: "id", Value: "r1"}, Row{"on_call": false}); err != nil {
			t.Fatal(err)
		}

		select {
		case evt := <-ch:
			if evt.Kind != EventUpdate || evt.Row["on_call"] != false {
				t.Fatalf("unexpected event: %+v", evt)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for websocket event")
		}

		cancel()
		cancel() // idempotent
	})

	t.Run("bad table rejected", func(t *testing.T) {
		if err := client.Insert(ctx, "nope", Row{"id": "x"}); err == nil {
			t.Fatal("expected error for unknown table")
		}
	})
}

func TestServerStatsAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("letmein"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	srv, _ := startTestServer(t, string(hash))

	t.Run("no credentials", func(t *testing.T) {
		resp, err := http.Get(srv.URL() + "/api/stats")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", resp.StatusCode)
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, srv.URL()+"/api/stats", nil)
		req.SetBasicAuth("admin", "wrong")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", resp.StatusCode)
		}
	})

	t.Run("correct password", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, srv.URL()+"/api/stats", nil)
		req.SetBasicAuth("admin", "letmein")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
	})
}

func TestStatsDisabledWithoutHash(t *testing.T) {
	srv, _ := startTestServer(t, "")
	resp, err := http.Get(srv.URL() + "/api/stats")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}
