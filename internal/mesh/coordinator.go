package mesh

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/dkeye/Gatherly/internal/domain"
	"github.com/dkeye/Gatherly/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type CoordinatorConfig struct {
	Transports TransportFactory
	Signaler   Signaler
	Audio      webrtc.TrackLocal
	Video      webrtc.TrackLocal
	// OnRemoteTrack is called on a pion goroutine for every incoming track.
	OnRemoteTrack func(from domain.MemberID, track *webrtc.TrackRemote)
}

// Participant is the presentation view of one remote member.
type Participant struct {
	ID     domain.MemberID
	Name   string
	State  State
	Source VideoSource
}

// maxEarlyCandidates bounds the candidates held for one member before its
// offer arrives.
const maxEarlyCandidates = 32

// Coordinator keeps exactly one Peer per remote member of the room. Relay
// notifications are at-least-once, so creation and removal are idempotent
// and departed ids are never brought back.
type Coordinator struct {
	cfg CoordinatorConfig

	mu     sync.Mutex
	peers  map[domain.MemberID]*Peer
	gone   map[domain.MemberID]struct{}
	// failed holds ids whose peer closed itself; only a new offer or roster
	// entry brings them back.
	failed map[domain.MemberID]struct{}
	early  map[domain.MemberID][]protocol.ICECandidate
	video  webrtc.TrackLocal
	source VideoSource
	closed bool
}

func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	return &Coordinator{
		cfg:    cfg,
		peers:  make(map[domain.MemberID]*Peer),
		gone:   make(map[domain.MemberID]struct{}),
		failed: make(map[domain.MemberID]struct{}),
		early:  make(map[domain.MemberID][]protocol.ICECandidate),
		video:  cfg.Video,
		source: SourceCamera,
	}
}

// Handle routes one relay message. Messages must be passed in arrival order.
func (c *Coordinator) Handle(m *protocol.Message) {
	if err := m.ValidateOutbound(); err != nil {
		log.Warn().Err(err).Str("module", "mesh.coordinator").Msg("invalid relay message dropped")
		return
	}
	switch m.Type {
	case protocol.TypeRoomUsers:
		c.HandleRoster(m.Users)
	case protocol.TypeUserJoined:
		c.Ensure(m.ID, m.Name, false)
	case protocol.TypeUserLeft:
		c.Remove(m.ID)
	case protocol.TypeOffer:
		if p, ok := c.Ensure(m.Source, m.SourceName, false); ok {
			p.setName(m.SourceName)
			p.HandleOffer(*m.SDP)
		}
	case protocol.TypeAnswer:
		if p, ok := c.get(m.Source); ok {
			p.HandleAnswer(*m.SDP)
		} else {
			log.Debug().Str("module", "mesh.coordinator").Str("peer", string(m.Source)).Msg("answer for unknown peer dropped")
		}
	case protocol.TypeICECandidate:
		c.handleCandidate(m.Source, *m.Candidate)
	case protocol.TypeError:
		log.Warn().Str("module", "mesh.coordinator").Str("error", m.Error).Msg("relay error")
	}
}

// HandleRoster initiates toward every member already in the room.
func (c *Coordinator) HandleRoster(users []domain.Member) {
	for _, u := range users {
		c.Ensure(u.ID, u.Name, true)
	}
}

// Ensure returns the peer for id, creating it if needed. initiator only
// matters on creation. ok is false for tombstoned ids, after Close, or when
// the transport could not be built.
func (c *Coordinator) Ensure(id domain.MemberID, name string, initiator bool) (*Peer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || id == "" {
		return nil, false
	}
	if _, dead := c.gone[id]; dead {
		log.Debug().Str("module", "mesh.coordinator").Str("peer", string(id)).Msg("ignoring departed peer")
		return nil, false
	}
	if p, ok := c.peers[id]; ok {
		return p, true
	}

	delete(c.failed, id)
	t, err := c.cfg.Transports(id)
	if err != nil {
		log.Error().Err(err).Str("module", "mesh.coordinator").Str("peer", string(id)).Msg("create transport")
		return nil, false
	}
	p, err := newPeer(peerConfig{
		id:        id,
		name:      name,
		transport: t,
		signaler:  c.cfg.Signaler,
		audio:     c.cfg.Audio,
		video:     c.video,
		source:    c.source,
		onClosed:  c.peerClosed,
		onTrack:   c.cfg.OnRemoteTrack,
	})
	if err != nil {
		log.Error().Err(err).Str("module", "mesh.coordinator").Str("peer", string(id)).Msg("create peer")
		return nil, false
	}
	c.peers[id] = p
	if initiator {
		p.startOffer()
	}
	for _, cand := range c.early[id] {
		p.HandleCandidate(cand)
	}
	delete(c.early, id)
	log.Info().Str("module", "mesh.coordinator").Str("peer", string(id)).Str("name", name).Bool("initiator", initiator).Msg("peer added")
	return p, true
}

// Remove closes the peer for id and tombstones the id. It returns after the
// peer is fully closed; a second call is a no-op.
func (c *Coordinator) Remove(id domain.MemberID) {
	c.mu.Lock()
	c.gone[id] = struct{}{}
	delete(c.failed, id)
	delete(c.early, id)
	p, ok := c.peers[id]
	delete(c.peers, id)
	c.mu.Unlock()
	if !ok {
		return
	}
	p.Close()
	log.Info().Str("module", "mesh.coordinator").Str("peer", string(id)).Msg("peer removed")
}

// ReplaceVideo switches the outgoing video of every peer. If any peer fails,
// the ones already switched go back to the previous track and a
// *ReplaceError naming the failing peers is returned. Peers created meanwhile start with whichever track wins.
func (c *Coordinator) ReplaceVideo(ctx context.Context, track webrtc.TrackLocal, source VideoSource) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return &OpError{Op: "replace video", Err: ErrPeerClosed}
	}

	prev, prevSource := c.video, c.source
	var (
		g        errgroup.Group
		switched []*Peer
		blocked  []domain.MemberID
		sMu      sync.Mutex
	)
	for _, p := range c.peers {
		g.Go(func() error {
			err := p.ReplaceVideo(track, source)
			if errors.Is(err, ErrPeerClosed) {
				// Going away; nothing to switch.
				return nil
			}
			if err != nil {
				sMu.Lock()
				blocked = append(blocked, p.ID())
				sMu.Unlock()
				return err
			}
			sMu.Lock()
			switched = append(switched, p)
			sMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, p := range switched {
			if rerr := p.ReplaceVideo(prev, prevSource); rerr != nil && !errors.Is(rerr, ErrPeerClosed) {
				log.Error().Err(rerr).Str("module", "mesh.coordinator").Str("peer", string(p.ID())).Msg("rollback video")
			}
		}
		sort.Slice(blocked, func(i, j int) bool { return blocked[i] < blocked[j] })
		log.Warn().Err(err).Str("module", "mesh.coordinator").Str("source", string(source)).Int("blocked", len(blocked)).Msg("video replacement rolled back")
		return &ReplaceError{Source: source, Blocked: blocked, Err: err}
	}
	c.video, c.source = track, source
	log.Info().Str("module", "mesh.coordinator").Str("source", string(source)).Int("peers", len(c.peers)).Msg("video replaced")
	return nil
}

// Source reports what new peers will send as video.
func (c *Coordinator) Source() VideoSource {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.source
}

func (c *Coordinator) Participants() []Participant {
	c.mu.Lock()
	out := make([]Participant, 0, len(c.peers))
	for _, p := range c.peers {
		_, src := p.Video()
		out = append(out, Participant{ID: p.ID(), Name: p.Name(), State: p.State(), Source: src})
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Close closes every peer and returns when all are closed. Later messages
// are ignored.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	peers := c.peers
	c.peers = make(map[domain.MemberID]*Peer)
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range peers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Close()
		}()
	}
	wg.Wait()
	log.Info().Str("module", "mesh.coordinator").Int("peers", len(peers)).Msg("coordinator closed")
}

func (c *Coordinator) get(id domain.MemberID) (*Peer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.peers[id]
	return p, ok
}

// handleCandidate passes a candidate to its peer. A candidate may overtake
// the offer that creates the peer, so one for an unknown member is held
// until then; it never builds a transport by itself.
func (c *Coordinator) handleCandidate(id domain.MemberID, cand protocol.ICECandidate) {
	c.mu.Lock()
	p, ok := c.peers[id]
	if !ok {
		defer c.mu.Unlock()
		_, dead := c.gone[id]
		_, failed := c.failed[id]
		switch {
		case c.closed || dead || failed:
			log.Debug().Str("module", "mesh.coordinator").Str("peer", string(id)).Msg("candidate for closed peer dropped")
		case len(c.early[id]) >= maxEarlyCandidates:
			log.Warn().Str("module", "mesh.coordinator").Str("peer", string(id)).Msg("too many early candidates, dropping")
		default:
			c.early[id] = append(c.early[id], cand)
		}
		return
	}
	c.mu.Unlock()
	p.HandleCandidate(cand)
}

// peerClosed drops a peer that closed itself, unless it was already replaced.
func (c *Coordinator) peerClosed(p *Peer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.peers[p.ID()]; ok && cur == p {
		delete(c.peers, p.ID())
		c.failed[p.ID()] = struct{}{}
		log.Info().Str("module", "mesh.coordinator").Str("peer", string(p.ID())).Msg("failed peer dropped")
	}
}
