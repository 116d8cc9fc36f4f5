package rtc

import (
	"errors"
	"io"

	"github.com/dkeye/Gatherly/internal/domain"
	"github.com/dkeye/Gatherly/internal/mesh"
	"github.com/pion/transport/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Options configure every PeerConnection a Factory builds.
type Options struct {
	ICEServers []string
	// Net replaces the host network, e.g. with a vnet in tests.
	Net transport.Net
}

func DefaultOptions() Options {
	return Options{ICEServers: []string{"stun:stun.l.google.com:19302"}}
}

// Factory builds pion-backed mesh transports sharing one API.
type Factory struct {
	api *webrtc.API
	cfg webrtc.Configuration
}

func NewFactory(opts Options) (*Factory, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	se := webrtc.SettingEngine{LoggerFactory: NewLoggerFactory()}
	if opts.Net != nil {
		se.SetNet(opts.Net)
	}

	cfg := webrtc.Configuration{}
	if len(opts.ICEServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: opts.ICEServers}}
	}
	return &Factory{
		api: webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithSettingEngine(se)),
		cfg: cfg,
	}, nil
}

// New satisfies mesh.TransportFactory.
func (f *Factory) New(remote domain.MemberID) (mesh.Transport, error) {
	pc, err := f.api.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, err
	}
	return &Connection{pc: pc, remote: remote}, nil
}

// Connection adapts a PeerConnection to mesh.Transport. Candidates trickle:
// descriptions are returned as soon as they are created.
type Connection struct {
	pc     *webrtc.PeerConnection
	remote domain.MemberID
}

func (c *Connection) CreateOffer() (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

func (c *Connection) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *Connection) SetLocalDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(desc)
}

func (c *Connection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(desc)
}

func (c *Connection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

// AddTrack attaches a local track and drains its RTCP so the interceptors
// keep running.
func (c *Connection) AddTrack(track webrtc.TrackLocal) (mesh.Sender, error) {
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				if !errors.Is(err, io.EOF) {
					log.Debug().Err(err).Str("module", "webrtc").Str("peer", string(c.remote)).Msg("rtcp reader stopped")
				}
				return
			}
		}
	}()
	return sender, nil
}

func (c *Connection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil {
			fn(cand.ToJSON())
		}
	})
}

func (c *Connection) OnConnectivityChange(fn func(mesh.ConnState)) {
	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "webrtc").Str("peer", string(c.remote)).Str("peer_connection_state", s.String()).Msg("Peer state")
		if st, ok := connState(s); ok {
			fn(st)
		}
	})
}

func (c *Connection) OnTrack(fn func(*webrtc.TrackRemote)) {
	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "webrtc").
			Str("peer", string(c.remote)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		fn(track)
	})
}

func (c *Connection) Close() error {
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "webrtc").Str("peer", string(c.remote)).Msg("close error")
		return err
	}
	log.Info().Str("module", "webrtc").Str("peer", string(c.remote)).Msg("closed")
	return nil
}

func connState(s webrtc.PeerConnectionState) (mesh.ConnState, bool) {
	switch s {
	case webrtc.PeerConnectionStateNew, webrtc.PeerConnectionStateConnecting:
		return mesh.ConnChecking, true
	case webrtc.PeerConnectionStateConnected:
		return mesh.ConnConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return mesh.ConnDisconnected, true
	case webrtc.PeerConnectionStateFailed:
		return mesh.ConnFailed, true
	case webrtc.PeerConnectionStateClosed:
		return mesh.ConnClosed, true
	default:
		return 0, false
	}
}
