package main

import (
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Gatherly/internal/domain"
)

type streamStats struct {
	Packets uint64
	Bytes   uint64
	Lost    uint64
}

// receiveStats counts inbound RTP per remote member. Loss is estimated from
// sequence number gaps per SSRC.
type receiveStats struct {
	mu      sync.Mutex
	byPeer  map[string]streamStats
	lastSeq map[uint32]uint16
}

func newReceiveStats() *receiveStats {
	return &receiveStats{byPeer: make(map[string]streamStats), lastSeq: make(map[uint32]uint16)}
}

func (r *receiveStats) add(from domain.MemberID, pkt *rtp.Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.byPeer[string(from)]
	s.Packets++
	s.Bytes += uint64(len(pkt.Payload))
	if last, ok := r.lastSeq[pkt.SSRC]; ok {
		if gap := pkt.SequenceNumber - last; gap > 1 && gap < 1<<15 {
			s.Lost += uint64(gap - 1)
		}
	}
	r.lastSeq[pkt.SSRC] = pkt.SequenceNumber
	r.byPeer[string(from)] = s
}

func (r *receiveStats) snapshot() map[string]streamStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]streamStats, len(r.byPeer))
	for k, v := range r.byPeer {
		out[k] = v
	}
	return out
}

// consume reads a remote track until it ends.
func (r *receiveStats) consume(from domain.MemberID, track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			log.Debug().Err(err).Str("module", "gatherly").Str("peer", string(from)).Str("kind", track.Kind().String()).Msg("remote track ended")
			return
		}
		r.add(from, pkt)
	}
}
