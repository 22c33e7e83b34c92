package call

import (
	"fmt"
	"log"
	"sync"

	"github.com/petervdpas/parley/internal/presence"
	"github.com/petervdpas/parley/internal/relay"
)

// Manager owns active call sessions and turns invitation-slot writes on our
// own presence row into ringing callee sessions.
type Manager struct {
	store     relay.Store
	pres      *presence.Manager
	selfID    string
	selfName  string
	newEngine EngineFactory

	optsMu sync.RWMutex
	opts   Options

	mu       sync.RWMutex
	sessions map[string]*Session

	incomingMu sync.RWMutex
	incoming   []func(*Session)

	watchCancel func()
	done        chan struct{}
}

// New creates a Manager and starts watching this agent's invitation slot
// immediately. factory defaults to NewEngine.
func New(store relay.Store, pres *presence.Manager, factory EngineFactory, opts Options) (*Manager, error) {
	if factory == nil {
		factory = NewEngine
	}
	m := &Manager{
		store:     store,
		pres:      pres,
		selfID:    pres.SelfID(),
		selfName:  pres.SelfName(),
		newEngine: factory,
		opts:      opts.withDefaults(),
		sessions:  make(map[string]*Session),
		done:      make(chan struct{}),
	}

	ch, cancel, err := pres.Watch(m.selfID)
	if err != nil {
		return nil, fmt.Errorf("call: watch own slot: %w", err)
	}
	m.watchCancel = cancel
	go m.watchIncoming(ch)
	return m, nil
}

func (m *Manager) options() Options {
	m.optsMu.RLock()
	defer m.optsMu.RUnlock()
	return m.opts
}

// SetICEServers swaps the STUN/TURN list for sessions started after this
// call. Live sessions keep the servers they were built with.
func (m *Manager) SetICEServers(urls []string) {
	if len(urls) == 0 {
		return
	}
	m.optsMu.Lock()
	m.opts.ICEServers = urls
	m.optsMu.Unlock()
	log.Printf("CALL: ICE servers updated (%d entries)", len(urls))
}

// OnIncoming registers a callback fired once per new ringing callee session.
func (m *Manager) OnIncoming(fn func(*Session)) {
	m.incomingMu.Lock()
	m.incoming = append(m.incoming, fn)
	m.incomingMu.Unlock()
}

// StartCall rings calleeID. Only one live session is allowed at a time.
func (m *Manager) StartCall(calleeID, calleeName string, ct presence.CallType) (*Session, error) {
	if calleeID == m.selfID {
		return nil, fmt.Errorf("call: cannot call yourself")
	}
	m.mu.Lock()
	if live := m.liveSessionLocked(); live != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("call: already in a call with %s", live.peerName)
	}
	sess := newSession(m, RoleCaller, calleeID, calleeName, ct)
	m.sessions[sess.id] = sess
	m.mu.Unlock()

	log.Printf("CALL: calling %s (%s, %s)", calleeName, calleeID, ct)
	go sess.runCaller()
	return sess, nil
}

// GetSession returns the session with the given id, if any.
func (m *Manager) GetSession(id string) (*Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	return s, ok
}

// Sessions returns all tracked sessions.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()
	return out
}

func (m *Manager) liveSessionLocked() *Session {
	for _, s := range m.sessions {
		s.mu.Lock()
		dead := s.terminated
		s.mu.Unlock()
		if !dead {
			return s
		}
	}
	return nil
}

func (m *Manager) removeSession(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Close cancels the incoming watch and tears down all sessions without the
// grace pause.
func (m *Manager) Close() {
	select {
	case <-m.done:
		return
	default:
		close(m.done)
	}
	if m.watchCancel != nil {
		m.watchCancel()
	}

	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}

// watchIncoming turns fresh invitations in our own slot into ringing callee
// sessions. A slot write is fresh when it is incoming and carries no
// disposition yet; anything else is an echo of an in-flight call.
func (m *Manager) watchIncoming(ch <-chan presence.User) {
	for {
		select {
		case <-m.done:
			return
		case u, ok := <-ch:
			if !ok {
				return
			}
			slot := u.IncomingCall
			if !slot.IsIncoming {
				// Invitation withdrawn: the caller gave up before we
				// picked up. Dismiss any still-ringing session.
				m.dismissRinging()
				continue
			}
			if slot.IsAccepted || slot.IsRejected || slot.RoomID != "" {
				continue
			}
			if slot.CallerID == "" || slot.CallerID == m.selfID {
				continue
			}

			m.mu.Lock()
			if m.liveSessionLocked() != nil {
				// Busy. The caller keeps ringing until their timeout.
				m.mu.Unlock()
				continue
			}
			sess := newSession(m, RoleCallee, slot.CallerID, slot.CallerName, slot.CallType)
			sess.state = StateRinging
			sess.status = "Incoming Call..."
			m.sessions[sess.id] = sess
			m.mu.Unlock()

			log.Printf("CALL: incoming %s call from %s (%s)", slot.CallType, slot.CallerName, slot.CallerID)
			m.fireIncoming(sess)
		}
	}
}

// dismissRinging ends callee sessions that never left StateRinging.
func (m *Manager) dismissRinging() {
	for _, s := range m.Sessions() {
		s.mu.Lock()
		ringing := s.role == RoleCallee && s.state == StateRinging && !s.accepting
		s.mu.Unlock()
		if ringing {
			s.end(ReasonPeerHangup, s.peerName+" have ended the call")
		}
	}
}

func (m *Manager) fireIncoming(sess *Session) {
	m.incomingMu.RLock()
	handlers := make([]func(*Session), len(m.incoming))
	copy(handlers, m.incoming)
	m.incomingMu.RUnlock()
	for _, fn := range handlers {
		fn(sess)
	}
}
