// Package signaling is the client end of the relay WebSocket.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/dkeye/Gatherly/internal/domain"
	"github.com/dkeye/Gatherly/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	outgoingBuffer = 64
)

var ErrClosed = errors.New("signaling client closed")

// Client manages the WebSocket connection to the relay. Incoming messages are
// delivered in arrival order on a single channel.
type Client struct {
	serverURL string
	codec     protocol.Codec

	conn     *websocket.Conn
	incoming chan *protocol.Message
	outgoing chan *protocol.Message
	done     chan struct{}
	wg       sync.WaitGroup

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

// NewClient prepares a client for serverURL, e.g. ws://host:8080/api/ws/signal.
func NewClient(serverURL string, codec protocol.Codec) *Client {
	if codec == nil {
		codec = protocol.JSONCodec{}
	}
	return &Client{
		serverURL: serverURL,
		codec:     codec,
		incoming:  make(chan *protocol.Message, outgoingBuffer),
		outgoing:  make(chan *protocol.Message, outgoingBuffer),
		done:      make(chan struct{}),
	}
}

// Connect dials the relay and starts the pumps.
func (c *Client) Connect(ctx context.Context) error {
	u, err := url.Parse(c.serverURL)
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}
	if c.codec.Name() != protocol.CodecJSON {
		q := u.Query()
		q.Set("codec", c.codec.Name())
		u.RawQuery = q.Encode()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	c.conn = conn
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.wg.Add(2)
	go c.readPump()
	go c.writePump()
	log.Info().Str("module", "signaling.client").Str("url", u.String()).Str("codec", c.codec.Name()).Msg("connected")
	return nil
}

func (c *Client) readPump() {
	defer func() {
		_ = c.conn.Close()
		close(c.incoming)
		c.wg.Done()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.setErr(err)
			}
			return
		}
		m, err := c.codec.Decode(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "signaling.client").Msg("bad frame")
			continue
		}
		if err := m.ValidateOutbound(); err != nil {
			log.Warn().Err(err).Str("module", "signaling.client").Msg("invalid message")
			continue
		}
		select {
		case c.incoming <- m:
		case <-c.done:
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		c.wg.Done()
	}()

	for {
		select {
		case m := <-c.outgoing:
			data, err := c.codec.Encode(m)
			if err != nil {
				log.Error().Err(err).Str("module", "signaling.client").Msg("encode")
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(c.codec.FrameType(), data); err != nil {
				c.setErr(err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.setErr(err)
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Send queues m for the write pump. It fails once the client is closed.
func (c *Client) Send(m *protocol.Message) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.outgoing <- m:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

func (c *Client) JoinRoom(room domain.RoomID, name string) error {
	return c.Send(&protocol.Message{Type: protocol.TypeJoinRoom, RoomID: string(room), UserName: name})
}

func (c *Client) LeaveRoom() error {
	return c.Send(&protocol.Message{Type: protocol.TypeLeaveRoom})
}

func (c *Client) SendOffer(target domain.MemberID, sdp *protocol.SessionDescription) error {
	return c.Send(&protocol.Message{Type: protocol.TypeOffer, Target: target, SDP: sdp})
}

func (c *Client) SendAnswer(target domain.MemberID, sdp *protocol.SessionDescription) error {
	return c.Send(&protocol.Message{Type: protocol.TypeAnswer, Target: target, SDP: sdp})
}

func (c *Client) SendCandidate(target domain.MemberID, cand *protocol.ICECandidate) error {
	return c.Send(&protocol.Message{Type: protocol.TypeICECandidate, Target: target, Candidate: cand})
}

// Incoming is closed when the connection ends.
func (c *Client) Incoming() <-chan *protocol.Message {
	return c.incoming
}

// Err reports why the connection ended, or nil after a clean Close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

// Close sends a close frame and waits for both pumps to exit.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			c.wg.Wait()
		}
	})
}
