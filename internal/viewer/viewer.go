// Package viewer is the local HTTP surface: call control endpoints, an SSE
// event stream for the frontend, peer listing, and log access. It binds to
// loopback by default and carries no state of its own beyond the event hub.
package viewer

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/petervdpas/parley/internal/call"
	"github.com/petervdpas/parley/internal/presence"
)

// Server serves the viewer API for one agent.
type Server struct {
	addr  string
	pres  *presence.Manager
	calls *call.Manager
	logs  *LogBuffer

	hub *eventHub

	mu      sync.Mutex
	srv     *http.Server
	boundTo string
	started bool
}

// NewServer wires the viewer to its managers. calls may be nil when calling
// is disabled; the call endpoints then answer 503.
func NewServer(addr string, pres *presence.Manager, calls *call.Manager, logs *LogBuffer) *Server {
	s := &Server{
		addr:  addr,
		pres:  pres,
		calls: calls,
		logs:  logs,
		hub:   newEventHub(),
	}
	if calls != nil {
		calls.OnIncoming(func(sess *call.Session) {
			s.hub.publish(event{Type: "incoming-call", Session: sess.Status()})
			go s.pumpSession(sess)
		})
	}
	return s
}

// pumpSession forwards one session's status updates into the event hub until
// the session terminates.
func (s *Server) pumpSession(sess *call.Session) {
	ch, cancel := sess.Subscribe()
	defer cancel()
	for upd := range ch {
		s.hub.publish(event{Type: "call-status", Session: upd})
		if upd.State == call.StateTerminated {
			return
		}
	}
}

// Start binds the listener and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("viewer: already started")
	}
	s.started = true
	s.mu.Unlock()

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	s.routes(mux)

	srv := &http.Server{Handler: mux}
	s.mu.Lock()
	s.srv = srv
	s.boundTo = ln.Addr().String()
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
	}()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("VIEWER: serve error: %v", err)
		}
	}()

	log.Printf("VIEWER: listening on http://%s", s.boundTo)
	return nil
}

// URL returns the base URL after Start.
func (s *Server) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return "http://" + s.boundTo
}
