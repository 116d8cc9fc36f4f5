package signal

import (
	"context"
	"time"

	"github.com/dkeye/Gatherly/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ch *Channel) writePump() {
	ticker := time.NewTicker(ch.ctl.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = ch.conn.Close()
	}()

	for {
		select {
		case m, ok := <-ch.send:
			if err := ch.conn.SetWriteDeadline(time.Now().Add(ch.ctl.opts.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if !ok {
				_ = ch.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := m.ValidateOutbound(); err != nil {
				log.Error().Err(err).Str("module", "signal").Str("conn", string(ch.id)).Msg("writePump refusing malformed frame")
				continue
			}
			data, err := ch.codec.Encode(m)
			if err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump encode")
				continue
			}
			if err := ch.conn.WriteMessage(ch.codec.FrameType(), data); err != nil {
				log.Error().Err(err).Str("module", "signal").Str("conn", string(ch.id)).Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := ch.conn.SetWriteDeadline(time.Now().Add(ch.ctl.opts.WriteWait)); err != nil {
				return
			}
			if err := ch.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (ch *Channel) readPump(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() { _ = ch.conn.Close() })
	defer func() {
		stop()
		ch.leaveRoom("disconnect")
		ch.Close()
		_ = ch.conn.Close()
		log.Info().Str("module", "signal").Str("conn", string(ch.id)).Msg("readPump closing")
	}()

	ch.conn.SetReadLimit(ch.ctl.opts.ReadLimit)
	_ = ch.conn.SetReadDeadline(time.Now().Add(ch.pongWait))
	ch.conn.SetPongHandler(func(string) error {
		return ch.conn.SetReadDeadline(time.Now().Add(ch.pongWait))
	})

	for {
		_, data, err := ch.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("module", "signal").Str("conn", string(ch.id)).Msg("readPump read error")
			}
			return
		}
		ch.handleSignal(data)
	}
}

func (ch *Channel) handleSignal(data []byte) {
	if !ch.limiter.Allow() {
		log.Warn().Str("module", "signal").Str("conn", string(ch.id)).Msg("rate limited")
		ch.replyError("rate limited")
		return
	}
	m, err := ch.codec.Decode(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("conn", string(ch.id)).Msg("bad frame")
		ch.replyError("malformed message")
		return
	}
	if err := m.ValidateInbound(); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("conn", string(ch.id)).Msg("invalid message")
		ch.replyError(err.Error())
		return
	}

	switch m.Type {
	case protocol.TypeJoinRoom:
		ch.handleJoin(m)
	case protocol.TypeLeaveRoom:
		ch.leaveRoom("leave-room")
	case protocol.TypePing:
		ch.handlePing()
	case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeICECandidate:
		ch.handleRelay(m)
	}
}
