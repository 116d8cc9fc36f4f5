package signal

import (
	"github.com/dkeye/Gatherly/internal/core"
	"github.com/dkeye/Gatherly/internal/domain"
	"github.com/dkeye/Gatherly/internal/protocol"
	"github.com/rs/zerolog/log"
)

// handleJoin registers the connection in the requested room under a fresh
// member id. A connection that is already in a room leaves it first, so the
// others see the old id leave and a new one join.
func (ch *Channel) handleJoin(m *protocol.Message) {
	roomID, err := domain.ParseRoomID(m.RoomID)
	if err != nil {
		ch.replyError(err.Error())
		return
	}
	member, err := domain.NewMember(domain.NewMemberID(), ch.displayName(m.UserName))
	if err != nil {
		ch.replyError(err.Error())
		return
	}
	if !ch.ctl.joinLimits.Allow(ch.client.Token) {
		log.Warn().Str("module", "signal").Str("token", ch.client.Token).Msg("join rate limited")
		ch.replyError("too many join attempts")
		return
	}

	ch.roomMu.Lock()
	defer ch.roomMu.Unlock()
	if ch.member != nil {
		ch.leaveLocked("rejoin")
	}

	roster, err := ch.ctl.rooms.Join(roomID, core.NewMemberSession(member, ch))
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("conn", string(ch.id)).Str("room", string(roomID)).Msg("join failed")
		ch.replyError("join failed")
		return
	}
	ch.room = roomID
	ch.member = member
	log.Info().Str("module", "signal").Str("conn", string(ch.id)).Str("member", string(member.ID)).Str("name", member.Name).Str("room", string(roomID)).Int("roster", len(roster)).Msg("join")
	ch.reply(&protocol.Message{Type: protocol.TypeRoomUsers, Users: roster})
}

// leaveRoom is the single exit path for explicit leave and disconnect; a
// second call finds no room and does nothing.
func (ch *Channel) leaveRoom(reason string) {
	ch.roomMu.Lock()
	defer ch.roomMu.Unlock()
	ch.leaveLocked(reason)
}

func (ch *Channel) leaveLocked(reason string) {
	if ch.member == nil {
		return
	}
	room, id := ch.room, ch.member.ID
	ch.member = nil
	ch.room = ""
	ok := ch.ctl.rooms.Leave(room, id)
	log.Info().Str("module", "signal").Str("conn", string(ch.id)).Str("member", string(id)).Str("room", string(room)).Str("reason", reason).Bool("was_member", ok).Msg("leave")
}

// joined returns the current room and member, or ok=false.
func (ch *Channel) joined() (domain.RoomID, *domain.Member, bool) {
	ch.roomMu.Lock()
	defer ch.roomMu.Unlock()
	return ch.room, ch.member, ch.member != nil
}
