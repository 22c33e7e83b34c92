package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/parley/internal/presence"
)

// fakeEngine drives the state machine without Pion. Tests fire gathered
// candidates and connection-state changes by hand.
type fakeEngine struct {
	mu      sync.Mutex
	onCand  func(webrtc.ICECandidateInit)
	onState func(webrtc.PeerConnectionState)
	remote  []webrtc.SessionDescription
	added   []webrtc.ICECandidateInit
	audio   []bool
	video   []bool
	closed  bool
}

func (e *fakeEngine) CreateOffer(context.Context) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\ns=offer\r\n"}, nil
}

func (e *fakeEngine) CreateAnswer(_ context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	e.mu.Lock()
	e.remote = append(e.remote, offer)
	e.mu.Unlock()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\ns=answer\r\n"}, nil
}

func (e *fakeEngine) SetRemoteDescription(sd webrtc.SessionDescription) error {
	e.mu.Lock()
	e.remote = append(e.remote, sd)
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) AddICECandidate(c webrtc.ICECandidateInit) error {
	e.mu.Lock()
	e.added = append(e.added, c)
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	e.mu.Lock()
	e.onCand = fn
	e.mu.Unlock()
}

func (e *fakeEngine) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	e.mu.Lock()
	e.onState = fn
	e.mu.Unlock()
}

func (e *fakeEngine) SetAudioEnabled(on bool) {
	e.mu.Lock()
	e.audio = append(e.audio, on)
	e.mu.Unlock()
}

func (e *fakeEngine) SetVideoEnabled(on bool) {
	e.mu.Lock()
	e.video = append(e.video, on)
	e.mu.Unlock()
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) gather(candidate string) {
	e.mu.Lock()
	fn := e.onCand
	e.mu.Unlock()
	if fn != nil {
		fn(webrtc.ICECandidateInit{Candidate: candidate})
	}
}

func (e *fakeEngine) connect() {
	e.mu.Lock()
	fn := e.onState
	e.mu.Unlock()
	if fn != nil {
		fn(webrtc.PeerConnectionStateConnected)
	}
}

func (e *fakeEngine) remoteCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.remote)
}

func (e *fakeEngine) addedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.added)
}

func (e *fakeEngine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *fakeEngine) lastAudio() (bool, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.audio) == 0 {
		return false, false
	}
	return e.audio[len(e.audio)-1], true
}

// enginePool hands out fake engines and remembers them in creation order.
type enginePool struct {
	mu      sync.Mutex
	engines []*fakeEngine
}

func (p *enginePool) factory(presence.CallType, []string) (Engine, error) {
	e := &fakeEngine{}
	p.mu.Lock()
	p.engines = append(p.engines, e)
	p.mu.Unlock()
	return e, nil
}

func (p *enginePool) wait(t *testing.T, n int) *fakeEngine {
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

func failingFactory(presence.CallType, []string) (Engine, error) {
	return nil, errors.New("no media devices")
}
