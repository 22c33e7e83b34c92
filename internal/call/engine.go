package call

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/parley/internal/presence"
)

// pliInterval is how often a keyframe is requested from the remote video
// sender. Without periodic PLI a receiver that joins mid-stream or loses a
// packet can stare at a frozen frame for a long time.
const pliInterval = 3 * time.Second

// pionEngine is the production Engine: one Pion PeerConnection plus local
// capture via pion/mediadevices where the platform supports it.
type pionEngine struct {
	id         string
	pc         *webrtc.PeerConnection
	closeMedia func()

	mu     sync.Mutex
	paused map[webrtc.RTPCodecType]pausedTrack
	closed bool
}

// pausedTrack remembers which sender a muted track belongs to so unmute can
// put it back.
type pausedTrack struct {
	sender *webrtc.RTPSender
	track  webrtc.TrackLocal
}

// NewEngine is the production EngineFactory.
func NewEngine(callType presence.CallType, iceServers []string) (Engine, error) {
	id := uuid.NewString()[:8]
	pc, closeMedia, err := initMediaPC(id, callType == presence.CallVideo, iceServers)
	if err != nil {
		return nil, err
	}

	e := &pionEngine{
		id:         id,
		pc:         pc,
		closeMedia: closeMedia,
		paused:     make(map[webrtc.RTPCodecType]pausedTrack),
	}
	pc.OnTrack(e.onTrack)
	return e, nil
}

func (e *pionEngine) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (e *pionEngine) CreateAnswer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := e.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (e *pionEngine) SetRemoteDescription(sd webrtc.SessionDescription) error {
	return e.pc.SetRemoteDescription(sd)
}

func (e *pionEngine) AddICECandidate(c webrtc.ICECandidateInit) error {
	return e.pc.AddICECandidate(c)
}

func (e *pionEngine) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	e.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // end of gathering
		}
		fn(c.ToJSON())
	})
}

func (e *pionEngine) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	e.pc.OnConnectionStateChange(fn)
}

func (e *pionEngine) SetAudioEnabled(on bool) { e.setEnabled(webrtc.RTPCodecTypeAudio, on) }
func (e *pionEngine) SetVideoEnabled(on bool) { e.setEnabled(webrtc.RTPCodecTypeVideo, on) }

// setEnabled pauses or resumes the outbound track of one kind via
// ReplaceTrack, which needs no renegotiation. Receive-only sessions have no
// matching sender and this is a no-op.
func (e *pionEngine) setEnabled(kind webrtc.RTPCodecType, on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}

	if on {
		pt, ok := e.paused[kind]
		if !ok {
			return
		}
		delete(e.paused, kind)
		if err := pt.sender.ReplaceTrack(pt.track); err != nil {
			log.Printf("CALL [%s]: resume %s: %v", e.id, kind, err)
		}
		return
	}

	if _, ok := e.paused[kind]; ok {
		return
	}
	for _, sn := range e.pc.GetSenders() {
		tr := sn.Track()
		if tr == nil || tr.Kind() != kind {
			continue
		}
		e.paused[kind] = pausedTrack{sender: sn, track: tr}
		if err := sn.ReplaceTrack(nil); err != nil {
			log.Printf("CALL [%s]: pause %s: %v", e.id, kind, err)
		}
		return
	}
}

func (e *pionEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	if e.closeMedia != nil {
		e.closeMedia()
	}
	return e.pc.Close()
}

func (e *pionEngine) onTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	log.Printf("CALL [%s]: remote track %s (%s)", e.id, track.ID(), track.Kind())
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go e.pliLoop(track)
	}
	go e.readLoop(track)
}

// pliLoop periodically asks the remote sender for a keyframe.
func (e *pionEngine) pliLoop(track *webrtc.TrackRemote) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for range ticker.C {
		e.mu.Lock()
		closed := e.closed
		e.mu.Unlock()
		if closed {
			return
		}
		err := e.pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
		})
		if err != nil {
			return
		}
	}
}

// readLoop drains inbound RTP. Reading keeps the interceptor chain's
// NACK/RTCP feedback flowing even when nothing downstream consumes frames.
func (e *pionEngine) readLoop(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	var pkt rtp.Packet
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			log.Printf("CALL [%s]: malformed RTP on %s: %v", e.id, track.ID(), err)
		}
	}
}
