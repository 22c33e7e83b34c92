//go:build linux && cgo

package call

import (
	"log"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// initMediaPC creates a PeerConnection with VP8+Opus codecs and attempts to
// capture local camera/mic via pion/mediadevices (V4L2 + malgo on Linux).
// wantVideo false skips the camera entirely for audio-only calls. Returns the
// PC and a cleanup func for local media (may be nil).
func initMediaPC(id string, wantVideo bool, iceServers []string) (*webrtc.PeerConnection, func(), error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, err
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	codecSelector.Populate(mediaEngine)

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, nil, err
	}

	// Generous ICE timeouts so a brief relay/NAT hiccup does not immediately
	// terminate the call. The default disconnectedTimeout of 5s is far too
	// short for paths that can have short outages during re-keying.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(iceConfig(iceServers))
	if err != nil {
		return nil, nil, err
	}

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		log.Printf("CALL [%s]: no media devices found by pion/mediadevices", id)
	} else {
		for _, d := range devices {
			log.Printf("CALL [%s]: media device kind=%v label=%q", id, d.Kind, d.Label)
		}
	}

	// GetUserMedia fails as a unit if either track (video OR audio) can't be
	// opened. Try the richest combination first, then degrade, so a missing
	// or busy microphone doesn't prevent the camera from working and vice
	// versa.
	type attempt struct {
		video bool
		audio bool
		label string
	}
	attempts := []attempt{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	}
	if !wantVideo {
		attempts = []attempt{{false, true, "audio-only"}}
	}

	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Exclude MJPEG. Some cameras expose an MJPEG V4L2 node that
				// produces malformed JPEG frames, which poisons the VP8
				// encoder. Raw formats only.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				// Cap at 640×480; higher resolutions increase VP8 encoding
				// latency noticeably on typical laptop hardware.
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Printf("CALL [%s]: GetUserMedia (%s) failed: %v", id, a.label, err)
			continue
		}

		tracks := stream.GetTracks()
		for _, track := range tracks {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Printf("CALL [%s]: local track ended: %v", id, err)
				}
			})
			if _, err := pc.AddTrack(track); err != nil {
				log.Printf("CALL [%s]: AddTrack error: %v", id, err)
			}
		}

		log.Printf("CALL [%s]: local media captured (%s), %d tracks", id, a.label, len(tracks))
		closeFn := func() {
			for _, t := range tracks {
				t.Close()
			}
		}
		return pc, closeFn, nil
	}

	// All capture attempts failed. Fall back to receive-only so the call can
	// still receive remote media without local camera/mic.
	log.Printf("CALL [%s]: all media capture attempts failed, proceeding receive-only", id)
	addRecvOnlyTransceivers(id, pc)
	return pc, nil, nil
}
