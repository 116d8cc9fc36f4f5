package core

import (
	"errors"

	"github.com/dkeye/Gatherly/internal/domain"
	"github.com/dkeye/Gatherly/internal/protocol"
)

var (
	// ErrRoomRemoved is returned by Join on a room that already left the registry.
	ErrRoomRemoved   = errors.New("room removed")
	ErrAlreadyMember = errors.New("already a member")
)

// PublishResult reports delivery stats/backpressure to the registry.
type PublishResult struct {
	SendTo  int
	Dropped []MemberSession
}

// RoomService is the core-facing API of a room.
// It owns the membership set but never touches transport resources.
// Every mutation and its notifications happen in one critical section.
type RoomService interface {
	ID() domain.RoomID
	MemberCount() int
	MembersSnapshot() []domain.Member

	// Join adds ms and returns the other members at call time; the others
	// are notified with user-joined before the lock is released.
	Join(ms MemberSession) (roster []domain.Member, res PublishResult, err error)
	// Leave removes id and notifies the rest with user-left. ok is false if
	// id was not a member, in which case nobody is notified.
	Leave(id domain.MemberID) (res PublishResult, ok bool)
	// Forward delivers m to target only if both from and target are members.
	Forward(from, target domain.MemberID, m *protocol.Message) (res PublishResult, delivered bool)
	// RemoveIfEmpty marks an empty room removed; later joins fail with ErrRoomRemoved.
	RemoveIfEmpty() bool
}

type RoomInfo struct {
	ID          domain.RoomID `json:"id"`
	MemberCount int           `json:"member_count"`
}
