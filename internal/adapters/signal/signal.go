package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Gatherly/internal/config"
	"github.com/dkeye/Gatherly/internal/core"
	"github.com/dkeye/Gatherly/internal/domain"
	"github.com/dkeye/Gatherly/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("connection closed")
)

// Rooms is the part of the registry a channel needs. app.Registry satisfies it.
type Rooms interface {
	Join(roomID domain.RoomID, ms core.MemberSession) ([]domain.Member, error)
	Leave(roomID domain.RoomID, id domain.MemberID) bool
	Forward(roomID domain.RoomID, from, target domain.MemberID, m *protocol.Message) bool
}

type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	PongWait   time.Duration
	WriteWait  time.Duration
	SendBuffer int
	RateLimit  float64
	RateBurst  int
	// JoinEvery and JoinBurst bound join-room attempts per client token.
	JoinEvery time.Duration
	JoinBurst int
}

func DefaultOptions() Options {
	return Options{
		ReadLimit:  64 * 1024,
		PingPeriod: 54 * time.Second,
		PongWait:   60 * time.Second,
		WriteWait:  10 * time.Second,
		SendBuffer: 64,
		RateLimit:  50,
		RateBurst:  100,
		JoinEvery:  time.Second,
		JoinBurst:  5,
	}
}

func OptionsFromConfig(cfg *config.Config) Options {
	o := DefaultOptions()
	o.ReadLimit = cfg.ReadLimit
	o.PingPeriod = cfg.PingPeriod
	o.PongWait = cfg.PongWait
	o.WriteWait = cfg.WriteWait
	o.SendBuffer = cfg.SendBuffer
	o.RateLimit = cfg.RateLimit
	o.RateBurst = cfg.RateBurst
	o.JoinEvery = cfg.JoinEvery
	o.JoinBurst = cfg.JoinBurst
	return o
}

// Client identifies the HTTP side of an upgrade: the cookie token and the
// display name stored in the session, if any.
type Client struct {
	Token string
	Name  string
}

type SignalWSController struct {
	rooms      Rooms
	opts       Options
	codec      protocol.Codec
	joinLimits *JoinRateLimiter
}

func NewSignalWSController(rooms Rooms, opts Options, defaultCodec string) (*SignalWSController, error) {
	codec, err := protocol.CodecByName(defaultCodec)
	if err != nil {
		return nil, err
	}
	return &SignalWSController{
		rooms:      rooms,
		opts:       opts,
		codec:      codec,
		joinLimits: NewJoinRateLimiter(opts.JoinEvery, opts.JoinBurst),
	}, nil
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS upgrades the request and runs the channel until the connection
// ends or ctx is cancelled.
func (ctl *SignalWSController) ServeWS(ctx context.Context, w http.ResponseWriter, r *http.Request, client Client) {
	codec := ctl.codec
	if name := r.URL.Query().Get("codec"); name != "" {
		c, err := protocol.CodecByName(name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		codec = c
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	ch := newChannel(ctl, ws, codec, client)
	log.Info().Str("module", "signal").Str("conn", string(ch.id)).Str("token", client.Token).Str("codec", codec.Name()).Msg("new WS connection")

	go ch.writePump()
	go ch.readPump(ctx)
}

// Channel is one relay-side WebSocket connection. id names the connection in
// logs; each join gets its own member id.
type Channel struct {
	ctl      *SignalWSController
	id       domain.MemberID
	client   Client
	conn     *websocket.Conn
	codec    protocol.Codec
	send     chan *protocol.Message
	limiter  *rate.Limiter
	pongWait time.Duration

	mu     sync.RWMutex
	closed bool

	roomMu sync.Mutex
	room   domain.RoomID
	member *domain.Member
}

func newChannel(ctl *SignalWSController, ws *websocket.Conn, codec protocol.Codec, client Client) *Channel {
	return &Channel{
		ctl:      ctl,
		id:       domain.NewMemberID(),
		client:   client,
		conn:     ws,
		codec:    codec,
		send:     make(chan *protocol.Message, ctl.opts.SendBuffer),
		limiter:  rate.NewLimiter(rate.Limit(ctl.opts.RateLimit), ctl.opts.RateBurst),
		pongWait: ctl.opts.PongWait,
	}
}

// ID is the connection id, not the member id of the current join.
func (ch *Channel) ID() domain.MemberID { return ch.id }

// TrySend enqueues m for the write pump without blocking.
func (ch *Channel) TrySend(m *protocol.Message) error {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	if ch.closed {
		return ErrClosed
	}
	select {
	case ch.send <- m:
	default:
		return ErrBackpressure
	}
	return nil
}

// Close stops the write pump, which then closes the socket. The read pump
// notices and performs the single leave.
func (ch *Channel) Close() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return
	}
	ch.closed = true
	close(ch.send)
}
