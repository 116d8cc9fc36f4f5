package mesh

import (
	"sync"
	"sync/atomic"

	"github.com/dkeye/Gatherly/internal/domain"
	"github.com/dkeye/Gatherly/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type State int32

const (
	StateIdle State = iota
	StateOfferSent
	StateAnswerSent
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOfferSent:
		return "offer-sent"
	case StateAnswerSent:
		return "answer-sent"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type peerConfig struct {
	id        domain.MemberID
	name      string
	transport Transport
	signaler  Signaler
	audio     webrtc.TrackLocal
	video     webrtc.TrackLocal
	source    VideoSource
	onClosed  func(*Peer)
	onTrack   func(domain.MemberID, *webrtc.TrackRemote)
}

// Peer negotiates and owns the connection to one remote member. Every event
// for the peer runs on its own goroutine, in the order it was posted.
type Peer struct {
	id          domain.MemberID
	transport   Transport
	signaler    Signaler
	audioSender Sender
	videoSender Sender
	onClosed    func(*Peer)

	state atomic.Int32

	// Owned by the run goroutine.
	remoteApplied bool
	localSent     bool
	pendingRemote []webrtc.ICECandidateInit
	pendingLocal  []webrtc.ICECandidateInit
	selfClosed    bool

	infoMu sync.Mutex
	name   string
	video  webrtc.TrackLocal
	source VideoSource

	box  *mailbox
	done chan struct{}
}

func newPeer(cfg peerConfig) (*Peer, error) {
	p := &Peer{
		id:        cfg.id,
		name:      cfg.name,
		transport: cfg.transport,
		signaler:  cfg.signaler,
		onClosed:  cfg.onClosed,
		video:     cfg.video,
		source:    cfg.source,
		box:       newMailbox(),
		done:      make(chan struct{}),
	}

	if cfg.audio != nil {
		s, err := cfg.transport.AddTrack(cfg.audio)
		if err != nil {
			_ = cfg.transport.Close()
			return nil, &OpError{Op: "add audio track", Peer: cfg.id, Err: err}
		}
		p.audioSender = s
	}
	if cfg.video != nil {
		s, err := cfg.transport.AddTrack(cfg.video)
		if err != nil {
			_ = cfg.transport.Close()
			return nil, &OpError{Op: "add video track", Peer: cfg.id, Err: err}
		}
		p.videoSender = s
	}

	cfg.transport.OnICECandidate(func(c webrtc.ICECandidateInit) {
		p.box.post(func() { p.handleLocalCandidate(c) })
	})
	cfg.transport.OnConnectivityChange(func(s ConnState) {
		p.box.post(func() { p.handleConnectivity(s) })
	})
	if cfg.onTrack != nil {
		cfg.transport.OnTrack(func(tr *webrtc.TrackRemote) { cfg.onTrack(p.id, tr) })
	}

	go p.run()
	return p, nil
}

func (p *Peer) ID() domain.MemberID { return p.id }
func (p *Peer) State() State        { return State(p.state.Load()) }

func (p *Peer) Name() string {
	p.infoMu.Lock()
	defer p.infoMu.Unlock()
	return p.name
}

func (p *Peer) setName(name string) {
	if name == "" {
		return
	}
	p.infoMu.Lock()
	defer p.infoMu.Unlock()
	p.name = name
}

// Video returns the outgoing video track and what it carries.
func (p *Peer) Video() (webrtc.TrackLocal, VideoSource) {
	p.infoMu.Lock()
	defer p.infoMu.Unlock()
	return p.video, p.source
}

// Done is closed once the peer reached Closed and its goroutine exited.
func (p *Peer) Done() <-chan struct{} { return p.done }

func (p *Peer) startOffer() {
	p.box.post(p.initiate)
}

func (p *Peer) HandleOffer(desc protocol.SessionDescription) {
	p.box.post(func() { p.handleOffer(desc) })
}

func (p *Peer) HandleAnswer(desc protocol.SessionDescription) {
	p.box.post(func() { p.handleAnswer(desc) })
}

func (p *Peer) HandleCandidate(c protocol.ICECandidate) {
	init := c.ToPion()
	p.box.post(func() { p.handleRemoteCandidate(init) })
}

// ReplaceVideo swaps the outgoing video track in place. It fails unless the
// peer is Connected; on failure the previous track keeps flowing.
func (p *Peer) ReplaceVideo(track webrtc.TrackLocal, source VideoSource) error {
	res := make(chan error, 1)
	if !p.box.post(func() { res <- p.replaceVideo(track, source) }) {
		return &OpError{Op: "replace video", Peer: p.id, Err: ErrPeerClosed}
	}
	select {
	case err := <-res:
		return err
	case <-p.done:
		select {
		case err := <-res:
			return err
		default:
			return &OpError{Op: "replace video", Peer: p.id, Err: ErrPeerClosed}
		}
	}
}

// Close tears the peer down and returns once its goroutine has exited.
// Calling it again, or after the peer closed itself, is a no-op.
func (p *Peer) Close() {
	p.box.post(func() { p.closeLocked("local close", false) })
	<-p.done
}

func (p *Peer) run() {
	for range p.box.notify {
		for _, fn := range p.box.drain() {
			fn()
			if p.State() == StateClosed {
				close(p.done)
				if p.selfClosed && p.onClosed != nil {
					p.onClosed(p)
				}
				return
			}
		}
	}
}

func (p *Peer) initiate() {
	if p.State() != StateIdle {
		return
	}
	offer, err := p.transport.CreateOffer()
	if err != nil {
		p.fail("create offer", err)
		return
	}
	if err := p.transport.SetLocalDescription(offer); err != nil {
		p.fail("set local offer", err)
		return
	}
	if err := p.signaler.SendOffer(p.id, protocol.DescriptionFromPion(offer)); err != nil {
		p.fail("send offer", err)
		return
	}
	p.state.Store(int32(StateOfferSent))
	log.Debug().Str("module", "mesh.peer").Str("peer", string(p.id)).Msg("offer sent")
	p.localSent = true
	p.flushLocal()
}

func (p *Peer) handleOffer(desc protocol.SessionDescription) {
	if p.State() != StateIdle {
		log.Warn().Str("module", "mesh.peer").Str("peer", string(p.id)).Str("state", p.State().String()).Msg("unexpected offer dropped")
		return
	}
	sd, err := desc.ToPion()
	if err != nil {
		log.Warn().Err(err).Str("module", "mesh.peer").Str("peer", string(p.id)).Msg("bad offer dropped")
		return
	}
	if err := p.transport.SetRemoteDescription(sd); err != nil {
		p.fail("set remote offer", err)
		return
	}
	p.remoteApplied = true
	p.flushRemote()

	answer, err := p.transport.CreateAnswer()
	if err != nil {
		p.fail("create answer", err)
		return
	}
	if err := p.transport.SetLocalDescription(answer); err != nil {
		p.fail("set local answer", err)
		return
	}
	if err := p.signaler.SendAnswer(p.id, protocol.DescriptionFromPion(answer)); err != nil {
		p.fail("send answer", err)
		return
	}
	p.state.Store(int32(StateAnswerSent))
	log.Debug().Str("module", "mesh.peer").Str("peer", string(p.id)).Msg("answer sent")
	p.localSent = true
	p.flushLocal()
}

func (p *Peer) handleAnswer(desc protocol.SessionDescription) {
	if p.State() != StateOfferSent {
		log.Warn().Str("module", "mesh.peer").Str("peer", string(p.id)).Str("state", p.State().String()).Msg("unexpected answer dropped")
		return
	}
	sd, err := desc.ToPion()
	if err != nil {
		log.Warn().Err(err).Str("module", "mesh.peer").Str("peer", string(p.id)).Msg("bad answer dropped")
		return
	}
	if err := p.transport.SetRemoteDescription(sd); err != nil {
		p.fail("set remote answer", err)
		return
	}
	p.remoteApplied = true
	p.state.Store(int32(StateConnected))
	p.flushRemote()
}

func (p *Peer) handleRemoteCandidate(c webrtc.ICECandidateInit) {
	if !p.remoteApplied {
		p.pendingRemote = append(p.pendingRemote, c)
		return
	}
	p.addRemote(c)
}

func (p *Peer) handleLocalCandidate(c webrtc.ICECandidateInit) {
	if !p.localSent {
		p.pendingLocal = append(p.pendingLocal, c)
		return
	}
	p.sendLocal(c)
}

func (p *Peer) flushRemote() {
	pending := p.pendingRemote
	p.pendingRemote = nil
	for _, c := range pending {
		p.addRemote(c)
	}
}

func (p *Peer) flushLocal() {
	pending := p.pendingLocal
	p.pendingLocal = nil
	for _, c := range pending {
		p.sendLocal(c)
	}
}

func (p *Peer) addRemote(c webrtc.ICECandidateInit) {
	if err := p.transport.AddICECandidate(c); err != nil {
		log.Warn().Err(err).Str("module", "mesh.peer").Str("peer", string(p.id)).Msg("add remote candidate")
	}
}

func (p *Peer) sendLocal(c webrtc.ICECandidateInit) {
	if err := p.signaler.SendCandidate(p.id, protocol.CandidateFromPion(c)); err != nil {
		log.Warn().Err(err).Str("module", "mesh.peer").Str("peer", string(p.id)).Msg("send local candidate")
	}
}

func (p *Peer) handleConnectivity(s ConnState) {
	log.Info().Str("module", "mesh.peer").Str("peer", string(p.id)).Str("conn", s.String()).Msg("connectivity")
	switch s {
	case ConnConnected:
		if st := p.State(); st == StateOfferSent || st == StateAnswerSent {
			p.state.Store(int32(StateConnected))
		}
	case ConnFailed, ConnClosed:
		p.closeLocked("transport "+s.String(), true)
	}
}

func (p *Peer) replaceVideo(track webrtc.TrackLocal, source VideoSource) error {
	if p.State() != StateConnected {
		return &OpError{Op: "replace video", Peer: p.id, Err: ErrReplaceNotReady}
	}
	if p.videoSender == nil {
		return &OpError{Op: "replace video", Peer: p.id, Err: ErrNoVideoSender}
	}
	if err := p.videoSender.ReplaceTrack(track); err != nil {
		return &OpError{Op: "replace video", Peer: p.id, Err: err}
	}
	p.infoMu.Lock()
	p.video = track
	p.source = source
	p.infoMu.Unlock()
	return nil
}

func (p *Peer) fail(op string, err error) {
	log.Error().Err(err).Str("module", "mesh.peer").Str("peer", string(p.id)).Str("op", op).Msg("negotiation failed")
	p.closeLocked(op, true)
}

func (p *Peer) closeLocked(reason string, self bool) {
	if p.State() == StateClosed {
		return
	}
	p.state.Store(int32(StateClosed))
	p.selfClosed = self
	p.box.close()
	p.pendingRemote = nil
	p.pendingLocal = nil
	if err := p.transport.Close(); err != nil {
		log.Warn().Err(err).Str("module", "mesh.peer").Str("peer", string(p.id)).Msg("transport close")
	}
	log.Info().Str("module", "mesh.peer").Str("peer", string(p.id)).Str("reason", reason).Msg("peer closed")
}
