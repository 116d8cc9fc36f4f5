// Package protocol defines the signaling wire format shared by the relay and
// the mesh client.
package protocol

import (
	"fmt"

	"github.com/dkeye/Gatherly/internal/domain"
	"github.com/pion/webrtc/v4"
)

type Type string

const (
	TypeJoinRoom     Type = "join-room"
	TypeLeaveRoom    Type = "leave-room"
	TypeRoomUsers    Type = "room-users"
	TypeUserJoined   Type = "user-joined"
	TypeUserLeft     Type = "user-left"
	TypeOffer        Type = "offer"
	TypeAnswer       Type = "answer"
	TypeICECandidate Type = "ice-candidate"
	TypePing         Type = "ping"
	TypePong         Type = "pong"
	TypeError        Type = "error"
)

type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func DescriptionFromPion(desc webrtc.SessionDescription) *SessionDescription {
	return &SessionDescription{Type: desc.Type.String(), SDP: desc.SDP}
}

func (s SessionDescription) ToPion() (webrtc.SessionDescription, error) {
	t := webrtc.NewSDPType(s.Type)
	switch t {
	case webrtc.SDPTypeOffer, webrtc.SDPTypeAnswer:
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) *ICECandidate {
	return &ICECandidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c ICECandidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Message is the flat envelope for every tag. Which fields are meaningful
// depends on Type and on direction; see ValidateInbound and ValidateOutbound.
type Message struct {
	Type Type `json:"type"`

	RoomID   string `json:"roomId,omitempty"`
	UserName string `json:"userName,omitempty"`

	Target     domain.MemberID `json:"target,omitempty"`
	Source     domain.MemberID `json:"source,omitempty"`
	SourceName string          `json:"sourceName,omitempty"`

	ID    domain.MemberID `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Users []domain.Member `json:"users,omitempty"`

	SDP       *SessionDescription `json:"sdp,omitempty"`
	Candidate *ICECandidate       `json:"candidate,omitempty"`

	Error string `json:"error,omitempty"`
}

// ValidateInbound checks a client-to-relay message. Sender fields are not
// checked here; the relay overwrites them with the connection identity.
func (m *Message) ValidateInbound() error {
	switch m.Type {
	case TypeJoinRoom:
		if m.RoomID == "" {
			return fmt.Errorf("join-room missing roomId")
		}
	case TypeOffer:
		if m.Target == "" {
			return fmt.Errorf("offer missing target")
		}
		return m.validateSDP("offer")
	case TypeAnswer:
		if m.Target == "" {
			return fmt.Errorf("answer missing target")
		}
		return m.validateSDP("answer")
	case TypeICECandidate:
		if m.Target == "" {
			return fmt.Errorf("ice-candidate missing target")
		}
		if m.Candidate == nil {
			return fmt.Errorf("ice-candidate missing candidate")
		}
	case TypeLeaveRoom, TypePing:
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

// ValidateOutbound checks a relay-to-client message.
func (m *Message) ValidateOutbound() error {
	switch m.Type {
	case TypeRoomUsers:
		for _, u := range m.Users {
			if u.ID == "" {
				return fmt.Errorf("room-users entry missing id")
			}
		}
	case TypeUserJoined:
		if m.ID == "" {
			return fmt.Errorf("user-joined missing id")
		}
	case TypeUserLeft:
		if m.ID == "" {
			return fmt.Errorf("user-left missing id")
		}
	case TypeOffer:
		if m.Source == "" {
			return fmt.Errorf("offer missing source")
		}
		return m.validateSDP("offer")
	case TypeAnswer:
		if m.Source == "" {
			return fmt.Errorf("answer missing source")
		}
		return m.validateSDP("answer")
	case TypeICECandidate:
		if m.Source == "" {
			return fmt.Errorf("ice-candidate missing source")
		}
		if m.Candidate == nil {
			return fmt.Errorf("ice-candidate missing candidate")
		}
	case TypeError:
		if m.Error == "" {
			return fmt.Errorf("error message missing error")
		}
	case TypePong:
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

func (m *Message) validateSDP(want string) error {
	if m.SDP == nil {
		return fmt.Errorf("%s missing sdp", m.Type)
	}
	if m.SDP.Type != want {
		return fmt.Errorf("%s has sdp.type=%q", m.Type, m.SDP.Type)
	}
	if m.SDP.SDP == "" {
		return fmt.Errorf("%s has empty sdp", m.Type)
	}
	return nil
}
