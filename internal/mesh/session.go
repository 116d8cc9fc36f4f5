package mesh

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/Gatherly/internal/domain"
	"github.com/dkeye/Gatherly/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// SignalClient is the relay connection a Session drives.
// *signaling.Client satisfies it.
type SignalClient interface {
	Signaler
	Connect(ctx context.Context) error
	JoinRoom(room domain.RoomID, name string) error
	LeaveRoom() error
	Incoming() <-chan *protocol.Message
	Close()
}

type SessionConfig struct {
	Room          domain.RoomID
	Name          string
	Signal        SignalClient
	Media         MediaSource
	Transports    TransportFactory
	OnRemoteTrack func(from domain.MemberID, track *webrtc.TrackRemote)
}

type ChatMessage struct {
	From string
	Text string
	At   time.Time
}

// Session is one local participant: it owns the capture handles, the relay
// connection and the coordinator.
type Session struct {
	cfg SessionConfig

	mu         sync.Mutex
	coord      *Coordinator
	camera     MediaHandle
	screen     MediaHandle
	muted      bool
	videoOff   bool
	handRaised bool
	chat       []ChatMessage
	joined     bool
	left       bool

	loopDone chan struct{}
}

func NewSession(cfg SessionConfig) *Session {
	return &Session{cfg: cfg}
}

// Join acquires local media, connects to the relay and joins the room. If
// media cannot be acquired nothing is joined.
func (s *Session) Join(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.joined || s.left {
		return &OpError{Op: "join", Err: ErrAlreadyJoined}
	}

	camera, err := s.cfg.Media.Capture(ctx)
	if err != nil {
		return &OpError{Op: "join", Err: fmt.Errorf("%w: %w", ErrMediaUnavailable, err)}
	}

	coord := NewCoordinator(CoordinatorConfig{
		Transports:    s.cfg.Transports,
		Signaler:      s.cfg.Signal,
		Audio:         camera.Audio(),
		Video:         camera.Video(),
		OnRemoteTrack: s.cfg.OnRemoteTrack,
	})
	if err := s.cfg.Signal.Connect(ctx); err != nil {
		camera.Release()
		return &OpError{Op: "join", Err: err}
	}
	if err := s.cfg.Signal.JoinRoom(s.cfg.Room, s.cfg.Name); err != nil {
		s.cfg.Signal.Close()
		camera.Release()
		return &OpError{Op: "join", Err: err}
	}

	s.camera = camera
	s.coord = coord
	s.joined = true
	s.loopDone = make(chan struct{})
	go s.dispatch(coord, s.loopDone)
	log.Info().Str("module", "mesh.session").Str("room", string(s.cfg.Room)).Str("name", s.cfg.Name).Msg("joined")
	return nil
}

// dispatch feeds relay messages to the coordinator one at a time, in
// arrival order, until the relay connection ends.
func (s *Session) dispatch(coord *Coordinator, done chan struct{}) {
	defer close(done)
	for m := range s.cfg.Signal.Incoming() {
		coord.Handle(m)
	}
	log.Info().Str("module", "mesh.session").Str("room", string(s.cfg.Room)).Msg("relay connection ended")
}

// Done is closed when the relay connection ends, whether by Leave or not.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loopDone
}

// Leave closes every peer, releases capture, closes the relay connection
// and waits for the dispatch loop. It is safe to call more than once.
func (s *Session) Leave() {
	s.mu.Lock()
	if !s.joined || s.left {
		s.left = true
		s.mu.Unlock()
		return
	}
	s.left = true
	coord, camera, screen, done := s.coord, s.camera, s.screen, s.loopDone
	s.screen = nil
	s.mu.Unlock()

	coord.Close()
	if screen != nil {
		screen.Release()
	}
	camera.Release()
	_ = s.cfg.Signal.LeaveRoom()
	s.cfg.Signal.Close()
	<-done
	log.Info().Str("module", "mesh.session").Str("room", string(s.cfg.Room)).Msg("left")
}

// ToggleScreenShare switches every peer between camera and screen video.
// It reports whether screen sharing is on afterwards. On failure nothing
// changes.
func (s *Session) ToggleScreenShare(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.joined || s.left {
		return false, &OpError{Op: "screen share", Err: ErrNotJoined}
	}

	if s.screen == nil {
		screen, err := s.cfg.Media.CaptureScreen(ctx)
		if err != nil {
			return false, &OpError{Op: "screen share", Err: fmt.Errorf("%w: %w", ErrMediaUnavailable, err)}
		}
		if err := s.coord.ReplaceVideo(ctx, screen.Video(), SourceScreen); err != nil {
			screen.Release()
			return false, err
		}
		s.screen = screen
		return true, nil
	}

	if err := s.coord.ReplaceVideo(ctx, s.camera.Video(), SourceCamera); err != nil {
		return true, err
	}
	s.screen.Release()
	s.screen = nil
	return false, nil
}

// ToggleMute flips the microphone. The audio sender stays in place.
func (s *Session) ToggleMute() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.joined || s.left {
		return false, &OpError{Op: "mute", Err: ErrNotJoined}
	}
	s.muted = !s.muted
	s.camera.SetAudioEnabled(!s.muted)
	return s.muted, nil
}

// ToggleVideo flips the camera. The video sender stays in place.
func (s *Session) ToggleVideo() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.joined || s.left {
		return false, &OpError{Op: "video", Err: ErrNotJoined}
	}
	s.videoOff = !s.videoOff
	s.camera.SetVideoEnabled(!s.videoOff)
	return s.videoOff, nil
}

// ToggleHandRaise is local state only; the relay has no message for it.
func (s *Session) ToggleHandRaise() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handRaised = !s.handRaised
	return s.handRaised
}

// SendChat records a chat line locally. Chat is not relayed.
func (s *Session) SendChat(text string) (ChatMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return ChatMessage{}, ErrEmptyChat
	}
	msg := ChatMessage{From: s.cfg.Name, Text: text, At: time.Now()}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chat = append(s.chat, msg)
	return msg, nil
}

func (s *Session) Chat() []ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ChatMessage(nil), s.chat...)
}

// Status is a snapshot of local toggles.
type Status struct {
	Muted      bool
	VideoOff   bool
	HandRaised bool
	Sharing    bool
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{Muted: s.muted, VideoOff: s.videoOff, HandRaised: s.handRaised, Sharing: s.screen != nil}
}

func (s *Session) Participants() []Participant {
	s.mu.Lock()
	coord := s.coord
	s.mu.Unlock()
	if coord == nil {
		return nil
	}
	return coord.Participants()
}
