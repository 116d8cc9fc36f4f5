// Package mesh drives one peer connection per remote room member and keeps
// the set of connections in step with room membership.
package mesh

import (
	"context"

	"github.com/dkeye/Gatherly/internal/domain"
	"github.com/dkeye/Gatherly/internal/protocol"
	"github.com/pion/webrtc/v4"
)

// ConnState is what a Transport reports about its connectivity.
type ConnState int

const (
	ConnChecking ConnState = iota
	ConnConnected
	ConnDisconnected
	ConnFailed
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnChecking:
		return "checking"
	case ConnConnected:
		return "connected"
	case ConnDisconnected:
		return "disconnected"
	case ConnFailed:
		return "failed"
	case ConnClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport is one negotiated connection to a remote member. The rtc adapter
// implements it over a pion PeerConnection.
type Transport interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) (Sender, error)

	// Callbacks may fire on any goroutine.
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnConnectivityChange(fn func(ConnState))
	OnTrack(fn func(*webrtc.TrackRemote))

	Close() error
}

// Sender is an outgoing media sender. *webrtc.RTPSender satisfies it.
type Sender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
}

// TransportFactory builds a fresh transport for the given remote member.
type TransportFactory func(remote domain.MemberID) (Transport, error)

// Signaler sends negotiation messages to one remote member through the relay.
type Signaler interface {
	SendOffer(target domain.MemberID, sdp *protocol.SessionDescription) error
	SendAnswer(target domain.MemberID, sdp *protocol.SessionDescription) error
	SendCandidate(target domain.MemberID, c *protocol.ICECandidate) error
}

// VideoSource names what the outgoing video track carries.
type VideoSource string

const (
	SourceCamera VideoSource = "camera"
	SourceScreen VideoSource = "screen"
)

// MediaHandle is one capture. Audio is nil for screen captures.
type MediaHandle interface {
	Audio() webrtc.TrackLocal
	Video() webrtc.TrackLocal
	SetAudioEnabled(on bool)
	SetVideoEnabled(on bool)
	Release()
}

// MediaSource acquires local media. Implementations live outside the core.
type MediaSource interface {
	Capture(ctx context.Context) (MediaHandle, error)
	CaptureScreen(ctx context.Context) (MediaHandle, error)
}
