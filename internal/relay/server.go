package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/petervdpas/parley/internal/util"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16384,
	// Agents connect from anywhere on the LAN/WAN; row-level auth is not
	// this server's concern.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server exposes a DB over HTTP plus websocket change streams, so multiple
// agents can share one relay store.
type Server struct {
	addr          string
	db            *DB
	adminPassHash string // bcrypt; empty disables /api/stats
	srv           *http.Server

	mu       sync.Mutex
	boundTo  string // actual listen address once started
	started  time.Time
	wsActive int
}

// NewServer creates a relay server bound to addr (host:port; port 0 picks a
// free port) serving db. adminPassHash is a bcrypt hash protecting the stats
// endpoint; empty disables it.
func NewServer(addr string, db *DB, adminPassHash string) *Server {
	return &Server{addr: addr, db: db, adminPassHash: adminPassHash}
}

// Start begins serving and returns once the listener is bound. The server
// shuts down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/store/subscribe", s.handleSubscribe)
	mux.HandleFunc("/api/store/", s.handleStore)

	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		_ = s.srv.Shutdown(shctx)
	}()

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.boundTo = ln.Addr().String()
	s.started = time.Now()
	s.mu.Unlock()

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("relay server error", "error", err)
		}
	}()

	log.Infow("relay server listening", "addr", s.boundTo)
	return nil
}

// URL returns the base URL of the running server.
func (s *Server) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.boundTo != "" {
		return "http://" + s.boundTo
	}
	return "http://" + s.addr
}

// handleStore routes /api/store/{table} and /api/store/{table}/{action}.
//
//	POST /api/store/{table}          — insert, body = Row
//	POST /api/store/{table}/update   — body = {filter, patch}
//	POST /api/store/{table}/delete   — body = {filter}
//	GET  /api/store/{table}?column=&value=   — select (value JSON-encoded)
func (s *Server) handleStore(w http.ResponseWriter, r *http.Request) {
	tail := strings.TrimPrefix(r.URL.Path, "/api/store/")
	parts := strings.SplitN(strings.TrimSuffix(tail, "/"), "/", 2)
	table := parts[0]
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}
	if table == "" {
		http.Error(w, "missing table", http.StatusBadRequest)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.handleSelect(w, r, table)
	case action == "" && r.Method == http.MethodPost:
		s.handleInsert(w, r, table)
	case action == "update" && r.Method == http.MethodPost:
		s.handleUpdate(w, r, table)
	case action == "delete" && r.Method == http.MethodPost:
		s.handleDelete(w, r, table)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request, table string) {
	var row Row
	if !decodeBody(w, r, &row) {
		return
	}
	if err := s.db.Insert(r.Context(), table, row); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request, table string) {
	var req struct {
		Filter Filter `json:"filter"`
		Patch  Row    `json:"patch"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	n, err := s.db.Update(r.Context(), table, req.Filter, req.Patch)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]int{"updated": n})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, table string) {
	var req struct {
		Filter Filter `json:"filter"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.db.Delete(r.Context(), table, req.Filter); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request, table string) {
	filter, err := filterFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rows, err := s.db.Select(r.Context(), table, filter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if rows == nil {
		rows = []Row{}
	}
	writeJSON(w, rows)
}

// handleSubscribe upgrades to a websocket and streams matching change events
// until the client goes away. Query: table, kind, column, value (JSON).
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	table := r.URL.Query().Get("table")
	kind := EventKind(r.URL.Query().Get("kind"))
	if kind == "" {
		kind = EventAny
	}
	filter, err := filterFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ch, cancel, err := s.db.Subscribe(table, kind, filter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer cancel()

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnw("subscribe upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	s.mu.Lock()
	s.wsActive++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.wsActive--
		s.mu.Unlock()
	}()

	// Drain incoming frames (ping/pong, close) without blocking; reader
	// error means the client is gone.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	log.Debugw("subscription opened", "table", table, "kind", kind, "column", filter.Column)
	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		}
	}
}

// handleStats serves store counters behind basic auth. Disabled (403) when no
// admin password hash is configured.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.adminPassHash == "" {
		http.Error(w, "stats disabled", http.StatusForbidden)
		return
	}
	_, pass, ok := r.BasicAuth()
	if !ok || bcrypt.CompareHashAndPassword([]byte(s.adminPassHash), []byte(pass)) != nil {
		w.Header().Set("WWW-Authenticate", `Basic realm="parley-relay"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ctx := r.Context()
	counts := make(map[string]int, len(tableColumns))
	for table := range tableColumns {
		rows, err := s.db.Select(ctx, table, All)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		counts[table] = len(rows)
	}

	s.mu.Lock()
	uptime := time.Since(s.started)
	ws := s.wsActive
	s.mu.Unlock()

	writeJSON(w, map[string]any{
		"uptime_seconds": int(uptime.Seconds()),
		"subscriptions":  ws,
		"rows":           counts,
	})
}

func filterFromQuery(r *http.Request) (Filter, error) {
	col := r.URL.Query().Get("column")
	if col == "" {
		return All, nil
	}
	raw := r.URL.Query().Get("value")
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return Filter{}, fmt.Errorf("relay: filter value %q is not valid JSON", raw)
	}
	return Filter{Column: col, Value: v}, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}
