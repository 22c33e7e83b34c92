package viewer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/parley/internal/call"
	"github.com/petervdpas/parley/internal/presence"
	"github.com/petervdpas/parley/internal/relay"
)

// stubEngine satisfies call.Engine without any media plane. Tests flip the
// connection state by hand.
type stubEngine struct {
	mu      sync.Mutex
	onState func(webrtc.PeerConnectionState)
}

func (e *stubEngine) CreateOffer(context.Context) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}, nil
}

func (e *stubEngine) CreateAnswer(context.Context, webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\n"}, nil
}

func (e *stubEngine) SetRemoteDescription(webrtc.SessionDescription) error { return nil }
func (e *stubEngine) AddICECandidate(webrtc.ICECandidateInit) error        { return nil }
func (e *stubEngine) OnICECandidate(func(webrtc.ICECandidateInit))         {}

func (e *stubEngine) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	e.mu.Lock()
	e.onState = fn
	e.mu.Unlock()
}

func (e *stubEngine) SetAudioEnabled(bool) {}
func (e *stubEngine) SetVideoEnabled(bool) {}
func (e *stubEngine) Close() error         { return nil }

func (e *stubEngine) connect() {
	e.mu.Lock()
	fn := e.onState
	e.mu.Unlock()
	if fn != nil {
		fn(webrtc.PeerConnectionStateConnected)
	}
}

type stubPool struct {
	mu      sync.Mutex
	engines []*stubEngine
}

func (p *stubPool) factory(presence.CallType, []string) (call.Engine, error) {
	e := &stubEngine{}
	p.mu.Lock()
	p.engines = append(p.engines, e)
	p.mu.Unlock()
	return e, nil
}

func (p *stubPool) wait(t *testing.T, n int) *stubEngine {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		if len(p.engines) >= n {
			e := p.engines[n-1]
			p.mu.Unlock()
			return e
		}
		p.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("engine %d was never created", n)
	return nil
}

type agent struct {
	pres    *presence.Manager
	mgr     *call.Manager
	engines *stubPool
	url     string
}

func startAgent(t *testing.T, store relay.Store, id, name string) *agent {
	t.Helper()
	ctx := context.Background()

	pres := presence.New(store, id, name)
	if err := pres.Ensure(ctx); err != nil {
		t.Fatal(err)
	}
	if err := pres.SetOnline(ctx, true); err != nil {
		t.Fatal(err)
	}

	pool := &stubPool{}
	mgr, err := call.New(store, pres, pool.factory, call.Options{
		RingTimeout: 3 * time.Second,
		EndGrace:    30 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mgr.Close)

	srv := NewServer("127.0.0.1:0", pres, mgr, NewLogBuffer(100))
	srvCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := srv.Start(srvCtx); err != nil {
		t.Fatal(err)
	}
	return &agent{pres: pres, mgr: mgr, engines: pool, url: srv.URL()}
}

func postJSON(t *testing.T, url string, body any, out any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode/100 == 2 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatal(err)
		}
	}
	return resp
}

func getSessions(t *testing.T, baseURL string) []call.StatusUpdate {
	t.Helper()
	resp, err := http.Get(baseURL + "/api/call/sessions")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		Sessions []call.StatusUpdate `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	return body.Sessions
}

// sseEvents reads named events from an SSE stream into a channel.
func sseEvents(t *testing.T, ctx context.Context, url string) <-chan event {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}

	out := make(chan event, 16)
	go func() {
		defer resp.Body.Close()
		defer close(out)
		scanner := bufio.NewScanner(resp.Body)
		var name string
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				if name == "connected" {
					continue
				}
				var e event
				if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e); err == nil {
					out <- e
				}
			}
		}
	}()
	return out
}

func TestViewerCallFlow(t *testing.T) {
	db, err := relay.Open("")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	alice := startAgent(t, db, "alice", "Alice")
	bob := startAgent(t, db, "bob", "Bob")

	t.Run("peers listing", func(t *testing.T) {
		resp, err := http.Get(alice.url + "/api/peers")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		var peers []struct {
			ID     string `json:"id"`
			Online bool   `json:"online"`
			Self   bool   `json:"self"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&peers); err != nil {
			t.Fatal(err)
		}
		if len(peers) != 2 {
			t.Fatalf("expected 2 peers, got %+v", peers)
		}
		for _, p := range peers {
			if !p.Online {
				t.Fatalf("expected all online, got %+v", peers)
			}
			if p.Self != (p.ID == "alice") {
				t.Fatalf("wrong self flag: %+v", p)
			}
		}
	})

	sseCtx, sseCancel := context.WithCancel(context.Background())
	defer sseCancel()
	bobEvents := sseEvents(t, sseCtx, bob.url+"/api/call/events")

	var started call.StatusUpdate
	resp := postJSON(t, alice.url+"/api/call/start", map[string]string{
		"callee_id": "bob", "call_type": "video",
	}, &started)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start: status %d", resp.StatusCode)
	}
	if started.SessionID == "" || started.PeerName != "Bob" {
		t.Fatalf("unexpected start response: %+v", started)
	}

	var bobSessionID string
	deadline := time.After(3 * time.Second)
	for bobSessionID == "" {
		select {
		case e := <-bobEvents:
			if e.Type == "incoming-call" {
				if e.Session.PeerName != "Alice" {
					t.Fatalf("unexpected incoming call: %+v", e)
				}
				bobSessionID = e.Session.SessionID
			}
		case <-deadline:
			t.Fatal("no incoming-call event")
		}
	}

	resp = postJSON(t, bob.url+"/api/call/accept", map[string]string{"session_id": bobSessionID}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("accept: status %d", resp.StatusCode)
	}

	alice.engines.wait(t, 1).connect()
	bob.engines.wait(t, 1).connect()

	waitFor(t, "both sides active", func() bool {
		a, b := getSessions(t, alice.url), getSessions(t, bob.url)
		return len(a) == 1 && a[0].State == call.StateActive &&
			len(b) == 1 && b[0].State == call.StateActive
	})

	var toggled struct {
		Muted bool `json:"muted"`
	}
	postJSON(t, alice.url+"/api/call/toggle-audio", map[string]string{"session_id": started.SessionID}, &toggled)
	if !toggled.Muted {
		t.Fatal("first toggle should report muted")
	}

	resp = postJSON(t, bob.url+"/api/call/hangup", map[string]string{"session_id": bobSessionID}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("hangup: status %d", resp.StatusCode)
	}

	waitFor(t, "sessions cleaned up", func() bool {
		return len(getSessions(t, alice.url)) == 0 && len(getSessions(t, bob.url)) == 0
	})

	// Unknown session after cleanup answers not_found, not an error.
	var hup struct {
		Status string `json:"status"`
	}
	postJSON(t, bob.url+"/api/call/hangup", map[string]string{"session_id": bobSessionID}, &hup)
	if hup.Status != "not_found" {
		t.Fatalf("expected not_found, got %q", hup.Status)
	}
}

func TestViewerCallDisabled(t *testing.T) {
	db, err := relay.Open("")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	pres := presence.New(db, "alice", "Alice")
	if err := pres.Ensure(context.Background()); err != nil {
		t.Fatal(err)
	}

	srv := NewServer("127.0.0.1:0", pres, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := srv.Start(ctx); err != nil {
		t.Fatal(err)
	}

	resp := postJSON(t, srv.URL()+"/api/call/start", map[string]string{"callee_id": "bob"}, nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestLogBuffer(t *testing.T) {
	buf := NewLogBuffer(3)
	fmt.Fprintf(buf, "first line\npartial")
	fmt.Fprintf(buf, " completed\n")

	snap := buf.Snapshot()
	if len(snap) != 2 || snap[0].Msg != "first line" || snap[1].Msg != "partial completed" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	for i := 0; i < 5; i++ {
		fmt.Fprintf(buf, "line %d\n", i)
	}
	snap = buf.Snapshot()
	if len(snap) != 3 || snap[2].Msg != "line 4" {
		t.Fatalf("ring must keep the newest lines: %+v", snap)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
