// Package call implements the signaling state machine for one-to-one calls.
// Sessions negotiate through the shared relay store (rooms and ice_candidates
// tables plus the presence invitation slot); the media plane is behind the
// Engine interface so the machine can be driven without Pion in tests.
package call

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/parley/internal/presence"
)

// State is the lifecycle phase of a session. Transitions are one-way; every
// path ends in StateTerminated.
type State string

const (
	StateInviting    State = "inviting"
	StateRinging     State = "ringing"
	StateNegotiating State = "negotiating"
	StateActive      State = "active"
	StateEnding      State = "ending"
	StateTerminated  State = "terminated"
)

// Reason records why a session ended. Empty until the session enters
// StateEnding.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonPermissionDenied  Reason = "permission-denied"
	ReasonPeerOffline       Reason = "peer-offline"
	ReasonPeerRejected      Reason = "peer-rejected"
	ReasonPeerNoAnswer      Reason = "peer-no-answer"
	ReasonNegotiationFailed Reason = "negotiation-failed"
	ReasonPeerHangup        Reason = "peer-hangup"
	ReasonLocalHangup       Reason = "local-hangup"
)

// Role says which side of the call this session is. The role also names the
// ice_candidates rows each side writes, so a session always subscribes to the
// opposite role.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

func (r Role) opposite() Role {
	if r == RoleCaller {
		return RoleCallee
	}
	return RoleCaller
}

// StatusUpdate is pushed to session listeners on every state or status
// change.
type StatusUpdate struct {
	SessionID string            `json:"session_id"`
	Role      Role              `json:"role"`
	PeerID    string            `json:"peer_id"`
	PeerName  string            `json:"peer_name"`
	CallType  presence.CallType `json:"call_type"`
	State     State             `json:"state"`
	Status    string            `json:"status"`
	Reason    Reason            `json:"reason,omitempty"`
}

// Engine is the media plane of one session. The production implementation
// wraps a Pion PeerConnection; tests substitute a fake.
type Engine interface {
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	SetRemoteDescription(sd webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error

	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))

	SetAudioEnabled(on bool)
	SetVideoEnabled(on bool)
	Close() error
}

// EngineFactory builds the media plane for a new session. NewEngine is the
// production factory.
type EngineFactory func(callType presence.CallType, iceServers []string) (Engine, error)

// Options tunes manager-wide call behavior. Zero values fall back to the
// defaults below.
type Options struct {
	// RingTimeout bounds how long a caller waits for the callee to pick up.
	RingTimeout time.Duration
	// EndGrace is the pause between StateEnding and teardown, long enough
	// for the peer to observe the hangup before shared rows disappear.
	EndGrace time.Duration
	// ICEServers are STUN/TURN URLs handed to the engine.
	ICEServers []string
}

const (
	DefaultRingTimeout = 30 * time.Second
	DefaultEndGrace    = 1500 * time.Millisecond
)

func (o Options) withDefaults() Options {
	if o.RingTimeout <= 0 {
		o.RingTimeout = DefaultRingTimeout
	}
	if o.EndGrace <= 0 {
		o.EndGrace = DefaultEndGrace
	}
	if len(o.ICEServers) == 0 {
		o.ICEServers = []string{"stun:stun.l.google.com:19302"}
	}
	return o
}

// toJSONValue and fromJSONValue move typed values (session descriptions, ICE
// candidates) in and out of relay rows through their JSON form, so what lands
// in the store is plain maps regardless of Store implementation.
func toJSONValue(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func fromJSONValue(src, dst any) error {
	b, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}
