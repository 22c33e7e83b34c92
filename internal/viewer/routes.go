package viewer

import (
	"fmt"
	"net/http"

	"github.com/petervdpas/parley/internal/call"
	"github.com/petervdpas/parley/internal/presence"
)

func (s *Server) routes(mux *http.ServeMux) {
	handleGet(mux, "/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})

	// GET /api/peers — everyone known to the relay, self included.
	handleGet(mux, "/api/peers", func(w http.ResponseWriter, r *http.Request) {
		users, err := s.pres.List(r.Context())
		if err != nil {
			http.Error(w, fmt.Sprintf("list peers: %v", err), http.StatusBadGateway)
			return
		}
		type peerVM struct {
			ID     string `json:"id"`
			Name   string `json:"name"`
			Online bool   `json:"online"`
			Self   bool   `json:"self"`
		}
		out := make([]peerVM, 0, len(users))
		for _, u := range users {
			out = append(out, peerVM{
				ID:     u.ID,
				Name:   u.Name,
				Online: u.IsOnline,
				Self:   u.ID == s.pres.SelfID(),
			})
		}
		writeJSON(w, out)
	})

	if s.logs != nil {
		mux.HandleFunc("/api/logs", s.logs.ServeLogsJSON)
		mux.HandleFunc("/api/logs/stream", s.logs.ServeLogsSSE)
	}

	if s.calls == nil {
		disabled := func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "calling is disabled", http.StatusServiceUnavailable)
		}
		for _, p := range []string{
			"/api/call/start", "/api/call/accept", "/api/call/reject",
			"/api/call/hangup", "/api/call/toggle-audio", "/api/call/toggle-video",
			"/api/call/sessions", "/api/call/events",
		} {
			mux.HandleFunc(p, disabled)
		}
		return
	}

	// GET /api/call/sessions — live session status for debugging without a UI.
	handleGet(mux, "/api/call/sessions", func(w http.ResponseWriter, _ *http.Request) {
		sessions := s.calls.Sessions()
		statuses := make([]call.StatusUpdate, 0, len(sessions))
		for _, sess := range sessions {
			statuses = append(statuses, sess.Status())
		}
		writeJSON(w, map[string]any{
			"session_count": len(statuses),
			"sessions":      statuses,
		})
	})

	// POST /api/call/start
	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		CalleeID   string `json:"callee_id"`
		CalleeName string `json:"callee_name"`
		CallType   string `json:"call_type"`
	}) {
		if req.CalleeID == "" {
			http.Error(w, "missing callee_id", http.StatusBadRequest)
			return
		}
		ct := presence.CallType(req.CallType)
		if ct != presence.CallAudio {
			ct = presence.CallVideo
		}
		name := req.CalleeName
		if name == "" {
			if u, err := s.pres.Get(r.Context(), req.CalleeID); err == nil {
				name = u.Name
			} else {
				name = req.CalleeID
			}
		}

		sess, err := s.calls.StartCall(req.CalleeID, name, ct)
		if err != nil {
			http.Error(w, fmt.Sprintf("start call failed: %v", err), http.StatusConflict)
			return
		}
		go s.pumpSession(sess)
		writeJSON(w, sess.Status())
	})

	// POST /api/call/accept
	handlePost(mux, "/api/call/accept", func(w http.ResponseWriter, r *http.Request, req struct {
		SessionID string `json:"session_id"`
	}) {
		sess, ok := s.session(w, req.SessionID)
		if !ok {
			return
		}
		sess.Accept()
		writeJSON(w, map[string]string{"status": "accepted", "session_id": sess.ID()})
	})

	// POST /api/call/reject
	handlePost(mux, "/api/call/reject", func(w http.ResponseWriter, r *http.Request, req struct {
		SessionID string `json:"session_id"`
	}) {
		sess, ok := s.session(w, req.SessionID)
		if !ok {
			return
		}
		sess.Reject()
		writeJSON(w, map[string]string{"status": "rejected", "session_id": sess.ID()})
	})

	// POST /api/call/hangup
	handlePost(mux, "/api/call/hangup", func(w http.ResponseWriter, r *http.Request, req struct {
		SessionID string `json:"session_id"`
	}) {
		sess, ok := s.calls.GetSession(req.SessionID)
		if !ok {
			// Already gone; hangup is idempotent from the client's view.
			writeJSON(w, map[string]string{"status": "not_found"})
			return
		}
		sess.HangUp()
		writeJSON(w, map[string]string{"status": "hung_up", "session_id": sess.ID()})
	})

	// POST /api/call/toggle-audio
	handlePost(mux, "/api/call/toggle-audio", func(w http.ResponseWriter, r *http.Request, req struct {
		SessionID string `json:"session_id"`
	}) {
		sess, ok := s.session(w, req.SessionID)
		if !ok {
			return
		}
		writeJSON(w, map[string]bool{"muted": sess.ToggleAudio()})
	})

	// POST /api/call/toggle-video
	handlePost(mux, "/api/call/toggle-video", func(w http.ResponseWriter, r *http.Request, req struct {
		SessionID string `json:"session_id"`
	}) {
		sess, ok := s.session(w, req.SessionID)
		if !ok {
			return
		}
		writeJSON(w, map[string]bool{"disabled": sess.ToggleVideo()})
	})

	// GET /api/call/events — SSE: incoming calls plus status updates for
	// every session. Each connection gets its own hub subscription,
	// unsubscribed on disconnect.
	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		sseHeaders(w)
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		ch, cancel := s.hub.subscribe()
		defer cancel()

		fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				writeSSE(w, e.Type, e)
				flusher.Flush()
			}
		}
	})
}

func (s *Server) session(w http.ResponseWriter, id string) (*call.Session, bool) {
	if id == "" {
		http.Error(w, "missing session_id", http.StatusBadRequest)
		return nil, false
	}
	sess, ok := s.calls.GetSession(id)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return nil, false
	}
	return sess, true
}
