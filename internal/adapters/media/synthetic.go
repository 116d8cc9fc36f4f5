// Package media provides a MediaSource that needs no devices: it produces
// paced synthetic opus and VP8 samples on pion sample tracks.
package media

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Gatherly/internal/mesh"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

// opus TOC byte for a 20ms silent frame.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

type Options struct {
	AudioInterval time.Duration
	VideoInterval time.Duration
	FrameSize     int
}

func DefaultOptions() Options {
	return Options{
		AudioInterval: 20 * time.Millisecond,
		VideoInterval: time.Second / 15,
		FrameSize:     1000,
	}
}

type Synthetic struct {
	opts Options
}

var _ mesh.MediaSource = (*Synthetic)(nil)

func NewSynthetic(opts Options) *Synthetic {
	def := DefaultOptions()
	if opts.AudioInterval <= 0 {
		opts.AudioInterval = def.AudioInterval
	}
	if opts.VideoInterval <= 0 {
		opts.VideoInterval = def.VideoInterval
	}
	if opts.FrameSize <= 0 {
		opts.FrameSize = def.FrameSize
	}
	return &Synthetic{opts: opts}
}

// Capture starts a microphone and camera pair.
func (s *Synthetic) Capture(ctx context.Context) (mesh.MediaHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream := "camera-" + uuid.NewString()
	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", stream)
	if err != nil {
		return nil, err
	}
	video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", stream)
	if err != nil {
		return nil, err
	}
	return s.start("camera", audio, video), nil
}

// CaptureScreen starts a video-only screen capture.
func (s *Synthetic) CaptureScreen(ctx context.Context) (mesh.MediaHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "screen", "screen-"+uuid.NewString())
	if err != nil {
		return nil, err
	}
	return s.start("screen", nil, video), nil
}

func (s *Synthetic) start(kind string, audio, video *webrtc.TrackLocalStaticSample) *Handle {
	h := &Handle{kind: kind, stop: make(chan struct{})}
	if audio != nil {
		h.audio = audio
		h.audioOn.Store(true)
		h.wg.Add(1)
		go h.pace(audio, &h.audioOn, s.opts.AudioInterval, func(int) []byte { return opusSilence })
	}
	if video != nil {
		h.video = video
		h.videoOn.Store(true)
		h.wg.Add(1)
		size := s.opts.FrameSize
		go h.pace(video, &h.videoOn, s.opts.VideoInterval, func(n int) []byte {
			frame := make([]byte, size)
			for i := range frame {
				frame[i] = byte(n + i)
			}
			return frame
		})
	}
	log.Info().Str("module", "media").Str("kind", kind).Msg("capture started")
	return h
}

// Handle is one running capture. Disabled tracks stay attached and send
// nothing.
type Handle struct {
	kind  string
	audio *webrtc.TrackLocalStaticSample
	video *webrtc.TrackLocalStaticSample

	audioOn atomic.Bool
	videoOn atomic.Bool

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func (h *Handle) Audio() webrtc.TrackLocal {
	if h.audio == nil {
		return nil
	}
	return h.audio
}

func (h *Handle) Video() webrtc.TrackLocal {
	if h.video == nil {
		return nil
	}
	return h.video
}

func (h *Handle) SetAudioEnabled(on bool) { h.audioOn.Store(on) }
func (h *Handle) SetVideoEnabled(on bool) { h.videoOn.Store(on) }

// Release stops the generators and waits for them. Safe to call twice.
func (h *Handle) Release() {
	h.stopOnce.Do(func() {
		close(h.stop)
		h.wg.Wait()
		log.Info().Str("module", "media").Str("kind", h.kind).Msg("capture released")
	})
}

func (h *Handle) pace(track *webrtc.TrackLocalStaticSample, on *atomic.Bool, every time.Duration, payload func(n int) []byte) {
	defer h.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for n := 0; ; n++ {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			if !on.Load() {
				continue
			}
			if err := track.WriteSample(pionmedia.Sample{Data: payload(n), Duration: every}); err != nil {
				log.Debug().Err(err).Str("module", "media").Str("track", track.ID()).Msg("write sample")
			}
		}
	}
}
