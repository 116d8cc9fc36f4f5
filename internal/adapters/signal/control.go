package signal

import (
	"github.com/dkeye/Gatherly/internal/protocol"
	"github.com/rs/zerolog/log"
)

func (ch *Channel) handlePing() {
	ch.reply(&protocol.Message{Type: protocol.TypePong})
}

func (ch *Channel) replyError(text string) {
	ch.reply(&protocol.Message{Type: protocol.TypeError, Error: text})
}

func (ch *Channel) reply(m *protocol.Message) {
	if err := ch.TrySend(m); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("conn", string(ch.id)).Str("type", string(m.Type)).Msg("reply dropped")
	}
}
