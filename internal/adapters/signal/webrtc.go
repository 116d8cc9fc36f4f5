package signal

import (
	"github.com/dkeye/Gatherly/internal/protocol"
	"github.com/rs/zerolog/log"
)

// handleRelay forwards offer, answer and ice-candidate to their target. The
// sender fields are always rebuilt from the connection identity.
func (ch *Channel) handleRelay(m *protocol.Message) {
	room, member, ok := ch.joined()
	if !ok {
		ch.replyError("not in a room")
		return
	}

	out := &protocol.Message{
		Type:      m.Type,
		Source:    member.ID,
		SDP:       m.SDP,
		Candidate: m.Candidate,
	}
	if m.Type == protocol.TypeOffer {
		out.SourceName = member.Name
	}
	if !ch.ctl.rooms.Forward(room, member.ID, m.Target, out) {
		log.Debug().Str("module", "signal").Str("member", string(member.ID)).Str("target", string(m.Target)).Str("type", string(m.Type)).Msg("relay not delivered")
	}
}
