package call

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/parley/internal/presence"
	"github.com/petervdpas/parley/internal/relay"
	"github.com/petervdpas/parley/internal/util"
)

// Session is one call, caller or callee side. All transitions funnel through
// end/terminate, so every outcome releases the same resources: engine, store
// subscriptions, timers, shared rows, invitation slot.
type Session struct {
	id       string
	role     Role
	peerID   string
	peerName string
	callType presence.CallType

	store     relay.Store
	pres      *presence.Manager
	newEngine EngineFactory
	opts      Options
	selfID    string
	selfName  string
	onClosed  func(sessionID string)

	mu         sync.Mutex
	state      State
	status     string
	reason     Reason
	eng        Engine
	roomID     string
	invited    bool // invitation written into the callee's slot
	accepting  bool // callee: Accept already running
	answered   bool // caller: remote answer applied
	terminated bool
	audioOn    bool
	videoOn    bool
	seenCand   map[string]bool
	pendingCnd []webrtc.ICECandidateInit
	cancels    []func()
	ringTimer  *time.Timer
	graceTimer *time.Timer
	listeners  map[chan StatusUpdate]struct{}

	done chan struct{}
}

func newSession(m *Manager, role Role, peerID, peerName string, ct presence.CallType) *Session {
	return &Session{
		id:        uuid.NewString(),
		role:      role,
		peerID:    peerID,
		peerName:  peerName,
		callType:  ct,
		store:     m.store,
		pres:      m.pres,
		newEngine: m.newEngine,
		opts:      m.options(),
		selfID:    m.selfID,
		selfName:  m.selfName,
		onClosed:  m.removeSession,
		audioOn:   true,
		videoOn:   ct == presence.CallVideo,
		seenCand:  make(map[string]bool),
		listeners: make(map[chan StatusUpdate]struct{}),
		done:      make(chan struct{}),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Role returns which side of the call this session is.
func (s *Session) Role() Role { return s.role }

// PeerID returns the remote user's id.
func (s *Session) PeerID() string { return s.peerID }

// PeerName returns the remote user's display name.
func (s *Session) PeerName() string { return s.peerName }

// Done is closed once the session reaches StateTerminated.
func (s *Session) Done() <-chan struct{} { return s.done }

// Status returns a snapshot of the session's current state.
func (s *Session) Status() StatusUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLocked()
}

// Subscribe registers a listener for status changes. The current snapshot is
// delivered first; cancel is idempotent. Slow listeners miss intermediate
// updates rather than blocking the machine.
func (s *Session) Subscribe() (<-chan StatusUpdate, func()) {
	ch := make(chan StatusUpdate, 8)
	s.mu.Lock()
	s.listeners[ch] = struct{}{}
	ch <- s.updateLocked()
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if _, ok := s.listeners[ch]; ok {
			delete(s.listeners, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

func (s *Session) updateLocked() StatusUpdate {
	return StatusUpdate{
		SessionID: s.id,
		Role:      s.role,
		PeerID:    s.peerID,
		PeerName:  s.peerName,
		CallType:  s.callType,
		State:     s.state,
		Status:    s.status,
		Reason:    s.reason,
	}
}

func (s *Session) notifyLocked() {
	upd := s.updateLocked()
	for ch := range s.listeners {
		select {
		case ch <- upd:
		default:
		}
	}
}

func (s *Session) setState(state State, status string) {
	s.mu.Lock()
	s.state = state
	s.status = status
	s.notifyLocked()
	s.mu.Unlock()
	log.Printf("CALL [%s]: %s (%s)", s.id, state, status)
}

// opCtx bounds one store round-trip. Sessions outlive the HTTP requests that
// drive them, so operations never borrow a request context.
func (s *Session) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), util.DefaultFetchTimeout)
}

func (s *Session) registerCancel(fn func()) {
	s.mu.Lock()
	dead := s.terminated
	if !dead {
		s.cancels = append(s.cancels, fn)
	}
	s.mu.Unlock()
	if dead {
		fn()
	}
}

func (s *Session) attachEngine(eng Engine) {
	s.mu.Lock()
	s.eng = eng
	s.mu.Unlock()
	eng.OnICECandidate(s.handleLocalCandidate)
	eng.OnConnectionStateChange(s.onEngineState)
}

// ── Caller flow ──────────────────────────────────────────────────────────────

// runCaller drives the outbound side: check presence, ring, wait for a
// disposition, then negotiate.
func (s *Session) runCaller() {
	s.setState(StateInviting, "Calling...")

	eng, err := s.newEngine(s.callType, s.opts.ICEServers)
	if err != nil {
		log.Printf("CALL [%s]: media init failed: %v", s.id, err)
		s.end(ReasonPermissionDenied, "Media Access Denied")
		return
	}
	s.attachEngine(eng)

	ctx, cancel := s.opCtx()
	defer cancel()

	peer, err := s.pres.Get(ctx, s.peerID)
	if err != nil {
		log.Printf("CALL [%s]: presence lookup failed: %v", s.id, err)
		s.end(ReasonNegotiationFailed, "Call Failed")
		return
	}
	if !peer.IsOnline {
		s.end(ReasonPeerOffline, s.peerName+" is offline")
		return
	}

	// Watch before inviting so no disposition write can slip past us.
	ch, cancelWatch, err := s.pres.Watch(s.peerID)
	if err != nil {
		log.Printf("CALL [%s]: watch callee failed: %v", s.id, err)
		s.end(ReasonNegotiationFailed, "Call Failed")
		return
	}
	s.registerCancel(cancelWatch)

	err = s.pres.SendInvitation(ctx, presence.Invitation{
		CallerID:   s.selfID,
		CallerName: s.selfName,
		CalleeID:   s.peerID,
		CallType:   s.callType,
	})
	if err != nil {
		log.Printf("CALL [%s]: invite failed: %v", s.id, err)
		s.end(ReasonNegotiationFailed, "Call Failed")
		return
	}

	s.mu.Lock()
	s.invited = true
	if s.state == StateInviting {
		s.status = "Ringing..."
		s.notifyLocked()
		s.ringTimer = time.AfterFunc(s.opts.RingTimeout, s.onRingTimeout)
	}
	s.mu.Unlock()

	go s.watchDisposition(ch)
}

// watchDisposition waits for the callee to accept or reject. After an accept
// the loop stays on the slot: until the room id is published, the slot is the
// only channel the callee can hang up through, so a rejected flag or a
// cleared slot at that point means the callee tore down mid-negotiation.
func (s *Session) watchDisposition(ch <-chan presence.User) {
	accepted := false
	decided := false
	for u := range ch {
		if decided {
			continue
		}
		slot := u.IncomingCall
		if accepted {
			if slot.IsRejected || !slot.IsIncoming {
				decided = true
				s.end(ReasonPeerHangup, s.peerName+" have ended the call")
			}
			continue
		}
		switch {
		case slot.IsRejected:
			decided = true
			s.end(ReasonPeerRejected, s.peerName+" rejected the Call")
		case slot.IsAccepted:
			accepted = true
			go s.beginNegotiation()
		}
	}
}

func (s *Session) onRingTimeout() {
	s.mu.Lock()
	ringing := s.state == StateInviting
	s.mu.Unlock()
	if ringing {
		s.end(ReasonPeerNoAnswer, s.peerName+" didn't pickup the call")
	}
}

// beginNegotiation is the caller's answer to acceptance: create the room with
// an offer, subscribe for the answer and callee candidates, then publish the
// room id into the callee's slot.
func (s *Session) beginNegotiation() {
	s.mu.Lock()
	if s.state != StateInviting {
		s.mu.Unlock()
		return
	}
	if s.ringTimer != nil {
		s.ringTimer.Stop()
	}
	s.state = StateNegotiating
	s.status = "Connecting..."
	s.roomID = util.TimeID()
	roomID := s.roomID
	eng := s.eng
	s.notifyLocked()
	s.mu.Unlock()
	log.Printf("CALL [%s]: accepted, negotiating in room %s", s.id, roomID)

	ctx, cancel := s.opCtx()
	defer cancel()

	offer, err := eng.CreateOffer(ctx)
	if err != nil {
		log.Printf("CALL [%s]: create offer: %v", s.id, err)
		s.end(ReasonNegotiationFailed, "Call Failed")
		return
	}
	offerRow, err := toJSONValue(offer)
	if err != nil {
		s.end(ReasonNegotiationFailed, "Call Failed")
		return
	}
	err = s.store.Insert(ctx, relay.TableRooms, relay.Row{
		"id":      roomID,
		"on_call": true,
		"offer":   offerRow,
	})
	if err != nil {
		log.Printf("CALL [%s]: create room: %v", s.id, err)
		s.end(ReasonNegotiationFailed, "Call Failed")
		return
	}

	s.mu.Lock()
	dead := s.terminated
	s.mu.Unlock()
	if dead {
		// Teardown ran while the insert was in flight; its cleanup missed
		// the row, so the room must be removed here.
		if err := s.store.Delete(ctx, relay.TableRooms, relay.Filter{Column: "id", Value: roomID}); err != nil {
			log.Printf("CALL [%s]: delete late room: %v", s.id, err)
		}
		return
	}

	if err := s.watchRoom(roomID); err != nil {
		s.end(ReasonNegotiationFailed, "Call Failed")
		return
	}
	if err := s.watchCandidates(roomID); err != nil {
		s.end(ReasonNegotiationFailed, "Call Failed")
		return
	}
	s.flushPendingCandidates(roomID)

	if err := s.pres.PublishRoom(ctx, s.peerID, roomID); err != nil {
		log.Printf("CALL [%s]: publish room: %v", s.id, err)
		s.end(ReasonNegotiationFailed, "Call Failed")
	}
}

// applyAnswer sets the remote description exactly once. Duplicate answer
// events (replays, echoes of our own room writes) are dropped here.
func (s *Session) applyAnswer(v any) {
	s.mu.Lock()
	if s.answered || s.terminated {
		s.mu.Unlock()
		return
	}
	s.answered = true
	eng := s.eng
	s.mu.Unlock()

	var sd webrtc.SessionDescription
	if err := fromJSONValue(v, &sd); err != nil {
		log.Printf("CALL [%s]: malformed answer: %v", s.id, err)
		s.end(ReasonNegotiationFailed, "Call Failed")
		return
	}
	if err := eng.SetRemoteDescription(sd); err != nil {
		log.Printf("CALL [%s]: set remote answer: %v", s.id, err)
		s.end(ReasonNegotiationFailed, "Call Failed")
	}
}

// ── Callee flow ──────────────────────────────────────────────────────────────

// Accept picks up an incoming call. No-op unless this is a ringing callee
// session; safe to call twice.
func (s *Session) Accept() {
	s.mu.Lock()
	if s.role != RoleCallee || s.state != StateRinging || s.accepting {
		s.mu.Unlock()
		return
	}
	s.accepting = true
	s.mu.Unlock()
	go s.runCallee()
}

// Reject declines an incoming call. No-op unless ringing.
func (s *Session) Reject() {
	s.mu.Lock()
	if s.role != RoleCallee || s.state != StateRinging || s.accepting {
		s.mu.Unlock()
		return
	}
	s.accepting = true
	s.mu.Unlock()

	ctx, cancel := s.opCtx()
	defer cancel()
	if err := s.pres.Reject(ctx); err != nil {
		log.Printf("CALL [%s]: reject write failed: %v", s.id, err)
	}
	s.end(ReasonLocalHangup, "Call Rejected")
}

// runCallee drives the inbound side after Accept: bring up media, flip the
// accepted bit, wait for the caller to publish the room, then answer.
func (s *Session) runCallee() {
	eng, err := s.newEngine(s.callType, s.opts.ICEServers)
	if err != nil {
		log.Printf("CALL [%s]: media init failed: %v", s.id, err)
		ctx, cancel := s.opCtx()
		if rerr := s.pres.Reject(ctx); rerr != nil {
			log.Printf("CALL [%s]: reject write failed: %v", s.id, rerr)
		}
		cancel()
		s.end(ReasonPermissionDenied, "Media Access Denied")
		return
	}
	s.attachEngine(eng)

	// Watch our own slot before accepting, so the caller's room publish
	// cannot race past the subscription.
	ch, cancelWatch, err := s.pres.Watch(s.selfID)
	if err != nil {
		log.Printf("CALL [%s]: watch own slot failed: %v", s.id, err)
		s.end(ReasonNegotiationFailed, "Call Failed")
		return
	}
	s.registerCancel(cancelWatch)

	s.setState(StateNegotiating, "Connecting...")

	ctx, cancel := s.opCtx()
	err = s.pres.Accept(ctx)
	cancel()
	if err != nil {
		log.Printf("CALL [%s]: accept write failed: %v", s.id, err)
		s.end(ReasonNegotiationFailed, "Call Failed")
		return
	}

	go func() {
		decided := false
		for u := range ch {
			if decided {
				continue
			}
			slot := u.IncomingCall
			if slot.RoomID != "" {
				decided = true
				go s.joinRoom(slot.RoomID)
				continue
			}
			if !slot.IsIncoming {
				// Caller gave up while we were picking up.
				decided = true
				s.end(ReasonPeerHangup, s.peerName+" have ended the call")
			}
		}
	}()
}

// joinRoom answers the caller's offer in the published room.
func (s *Session) joinRoom(roomID string) {
	s.mu.Lock()
	if s.roomID != "" || s.terminated {
		s.mu.Unlock()
		return
	}
	s.roomID = roomID
	eng := s.eng
	s.mu.Unlock()
	log.Printf("CALL [%s]: joining room %s", s.id, roomID)

	ctx, cancel := s.opCtx()
	defer cancel()

	room, err := relay.SelectOne(ctx, s.store, relay.TableRooms, relay.Filter{Column: "id", Value: roomID})
	if err != nil {
		log.Printf("CALL [%s]: fetch room: %v", s.id, err)
		s.end(ReasonNegotiationFailed, "Call Failed")
		return
	}
	var offer webrtc.SessionDescription
	if err := fromJSONValue(room["offer"], &offer); err != nil {
		log.Printf("CALL [%s]: malformed offer: %v", s.id, err)
		s.end(ReasonNegotiationFailed, "Call Failed")
		return
	}

	if err := s.watchRoom(roomID); err != nil {
		s.end(ReasonNegotiationFailed, "Call Failed")
		return
	}
	if err := s.watchCandidates(roomID); err != nil {
		s.end(ReasonNegotiationFailed, "Call Failed")
		return
	}

	answer, err := eng.CreateAnswer(ctx, offer)
	if err != nil {
		log.Printf("CALL [%s]: create answer: %v", s.id, err)
		s.end(ReasonNegotiationFailed, "Call Failed")
		return
	}
	answerRow, err := toJSONValue(answer)
	if err != nil {
		s.end(ReasonNegotiationFailed, "Call Failed")
		return
	}
	if _, err := s.store.Update(ctx, relay.TableRooms, relay.Filter{Column: "id", Value: roomID}, relay.Row{"answer": answerRow}); err != nil {
		log.Printf("CALL [%s]: write answer: %v", s.id, err)
		s.end(ReasonNegotiationFailed, "Call Failed")
		return
	}
	s.flushPendingCandidates(roomID)
}

// ── Shared signaling plumbing ────────────────────────────────────────────────

// watchRoom follows the room row: a hangup flips on_call to false, and on the
// caller side the callee's answer arrives here too.
func (s *Session) watchRoom(roomID string) error {
	ch, cancel, err := s.store.Subscribe(relay.TableRooms, relay.EventUpdate, relay.Filter{Column: "id", Value: roomID})
	if err != nil {
		log.Printf("CALL [%s]: watch room: %v", s.id, err)
		return err
	}
	s.registerCancel(cancel)

	go func() {
		for evt := range ch {
			if onCall, ok := evt.Row["on_call"].(bool); ok && !onCall {
				s.end(ReasonPeerHangup, s.peerName+" have ended the call")
				continue
			}
			if s.role == RoleCaller {
				if ans, ok := evt.Row["answer"]; ok && ans != nil {
					s.applyAnswer(ans)
				}
			}
		}
	}()
	return nil
}

// watchCandidates subscribes to the peer's trickled candidates, then replays
// any rows that landed before the subscription. seenCand makes the replay
// overlap harmless.
func (s *Session) watchCandidates(roomID string) error {
	from := s.role.opposite()
	ch, cancel, err := s.store.Subscribe(relay.TableCandidates, relay.EventInsert, relay.Filter{Column: "room_id", Value: roomID})
	if err != nil {
		log.Printf("CALL [%s]: watch candidates: %v", s.id, err)
		return err
	}
	s.registerCancel(cancel)

	go func() {
		for evt := range ch {
			s.applyRemoteCandidate(from, evt.Row)
		}
	}()

	ctx, cancelCtx := s.opCtx()
	defer cancelCtx()
	rows, err := s.store.Select(ctx, relay.TableCandidates, relay.Filter{Column: "room_id", Value: roomID})
	if err != nil {
		log.Printf("CALL [%s]: backfill candidates: %v", s.id, err)
		return nil // subscription is live, backfill is best effort
	}
	for _, row := range rows {
		s.applyRemoteCandidate(from, row)
	}
	return nil
}

func (s *Session) applyRemoteCandidate(from Role, row relay.Row) {
	if role, _ := row["role"].(string); role != string(from) {
		return
	}
	var init webrtc.ICECandidateInit
	if err := fromJSONValue(row["candidate"], &init); err != nil {
		log.Printf("CALL [%s]: malformed candidate: %v", s.id, err)
		return
	}

	s.mu.Lock()
	if s.terminated || s.seenCand[init.Candidate] {
		s.mu.Unlock()
		return
	}
	s.seenCand[init.Candidate] = true
	eng := s.eng
	s.mu.Unlock()

	if err := eng.AddICECandidate(init); err != nil {
		// Individual candidates may fail (e.g. unreachable interface);
		// ICE proceeds with the rest.
		log.Printf("CALL [%s]: add candidate: %v", s.id, err)
	}
}

// handleLocalCandidate publishes a locally gathered candidate, buffering it
// if the room does not exist yet.
func (s *Session) handleLocalCandidate(c webrtc.ICECandidateInit) {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return
	}
	roomID := s.roomID
	if roomID == "" {
		s.pendingCnd = append(s.pendingCnd, c)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.publishCandidate(roomID, c)
}

func (s *Session) flushPendingCandidates(roomID string) {
	s.mu.Lock()
	pending := s.pendingCnd
	s.pendingCnd = nil
	s.mu.Unlock()
	for _, c := range pending {
		s.publishCandidate(roomID, c)
	}
}

func (s *Session) publishCandidate(roomID string, c webrtc.ICECandidateInit) {
	row, err := toJSONValue(c)
	if err != nil {
		return
	}
	ctx, cancel := s.opCtx()
	defer cancel()
	err = s.store.Insert(ctx, relay.TableCandidates, relay.Row{
		"room_id":   roomID,
		"candidate": row,
		"role":      string(s.role),
	})
	if err != nil {
		log.Printf("CALL [%s]: publish candidate: %v", s.id, err)
	}
}

func (s *Session) onEngineState(st webrtc.PeerConnectionState) {
	log.Printf("CALL [%s]: connection state %s", s.id, st)
	switch st {
	case webrtc.PeerConnectionStateConnected:
		s.mu.Lock()
		if s.state == StateNegotiating {
			s.state = StateActive
			s.status = "On Call"
			s.notifyLocked()
		}
		s.mu.Unlock()
	case webrtc.PeerConnectionStateFailed:
		s.end(ReasonNegotiationFailed, "Call Failed")
	}
}

// ── Controls ─────────────────────────────────────────────────────────────────

// ToggleAudio flips local audio. Returns the new muted state (true = muted).
func (s *Session) ToggleAudio() bool {
	s.mu.Lock()
	s.audioOn = !s.audioOn
	on := s.audioOn
	eng := s.eng
	s.mu.Unlock()
	if eng != nil {
		eng.SetAudioEnabled(on)
	}
	log.Printf("CALL [%s]: audio muted=%v", s.id, !on)
	return !on
}

// ToggleVideo flips local video. Returns the new disabled state (true = disabled).
func (s *Session) ToggleVideo() bool {
	s.mu.Lock()
	s.videoOn = !s.videoOn
	on := s.videoOn
	eng := s.eng
	s.mu.Unlock()
	if eng != nil {
		eng.SetVideoEnabled(on)
	}
	log.Printf("CALL [%s]: video disabled=%v", s.id, !on)
	return !on
}

// HangUp ends the call from this side. Ringing callee sessions treat it as a
// reject. Idempotent.
func (s *Session) HangUp() {
	s.mu.Lock()
	state := s.state
	roomID := s.roomID
	s.mu.Unlock()

	if s.role == RoleCallee && state == StateRinging {
		s.Reject()
		return
	}

	if s.role == RoleCallee && roomID == "" && state == StateNegotiating {
		// No room exists yet for the caller to observe, so the slot is the
		// only way to tell them we are gone.
		ctx, cancel := s.opCtx()
		if err := s.pres.Reject(ctx); err != nil {
			log.Printf("CALL [%s]: hangup slot write failed: %v", s.id, err)
		}
		cancel()
	}

	if roomID != "" && (state == StateNegotiating || state == StateActive) {
		ctx, cancel := s.opCtx()
		if _, err := s.store.Update(ctx, relay.TableRooms, relay.Filter{Column: "id", Value: roomID}, relay.Row{"on_call": false}); err != nil {
			log.Printf("CALL [%s]: hangup write failed: %v", s.id, err)
		}
		cancel()
	}
	s.end(ReasonLocalHangup, "Ending Call...")
}

// ── Teardown ─────────────────────────────────────────────────────────────────

// end moves the session to StateEnding exactly once and schedules terminate
// after the grace period. Whoever calls first decides the reason.
func (s *Session) end(reason Reason, status string) {
	s.mu.Lock()
	if s.state == StateEnding || s.state == StateTerminated {
		s.mu.Unlock()
		return
	}
	s.state = StateEnding
	s.reason = reason
	s.status = status
	if s.ringTimer != nil {
		s.ringTimer.Stop()
	}
	s.notifyLocked()
	s.graceTimer = time.AfterFunc(s.opts.EndGrace, s.terminate)
	s.mu.Unlock()
	log.Printf("CALL [%s]: ending (%s): %s", s.id, reason, status)
}

// terminate releases everything the session holds. Runs exactly once, from
// the grace timer or Close.
func (s *Session) terminate() {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return
	}
	s.terminated = true
	if s.reason == ReasonNone {
		s.reason = ReasonLocalHangup
	}
	eng := s.eng
	cancels := s.cancels
	s.cancels = nil
	roomID := s.roomID
	invited := s.invited
	if s.ringTimer != nil {
		s.ringTimer.Stop()
	}
	if s.graceTimer != nil {
		s.graceTimer.Stop()
	}
	s.mu.Unlock()

	for _, fn := range cancels {
		fn()
	}
	if eng != nil {
		if err := eng.Close(); err != nil {
			log.Printf("CALL [%s]: engine close: %v", s.id, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
	defer cancel()
	if roomID != "" {
		if err := s.store.Delete(ctx, relay.TableCandidates, relay.Filter{Column: "room_id", Value: roomID}); err != nil {
			log.Printf("CALL [%s]: delete candidates: %v", s.id, err)
		}
		if err := s.store.Delete(ctx, relay.TableRooms, relay.Filter{Column: "id", Value: roomID}); err != nil {
			log.Printf("CALL [%s]: delete room: %v", s.id, err)
		}
	}
	switch {
	case s.role == RoleCaller && invited:
		if err := s.pres.ClearInvitation(ctx, s.peerID); err != nil {
			log.Printf("CALL [%s]: clear invitation: %v", s.id, err)
		}
	case s.role == RoleCallee:
		if err := s.pres.ClearInvitation(ctx, s.selfID); err != nil {
			log.Printf("CALL [%s]: clear invitation: %v", s.id, err)
		}
	}

	s.mu.Lock()
	s.state = StateTerminated
	s.notifyLocked()
	s.mu.Unlock()
	close(s.done)

	if s.onClosed != nil {
		s.onClosed(s.id)
	}
	log.Printf("CALL [%s]: terminated", s.id)
}

// close tears the session down without the grace pause. Used by Manager.Close.
func (s *Session) close() {
	s.end(ReasonLocalHangup, "Ending Call...")
	s.terminate()
}
