package mesh

import (
	"errors"
	"fmt"

	"github.com/dkeye/Gatherly/internal/domain"
)

var (
	ErrMediaUnavailable = errors.New("local media unavailable")
	ErrReplaceNotReady  = errors.New("peer not connected")
	ErrPeerClosed       = errors.New("peer closed")
	ErrNoVideoSender    = errors.New("no video sender")
	ErrAlreadyJoined    = errors.New("session already joined")
	ErrNotJoined        = errors.New("session not joined")
	ErrEmptyChat        = errors.New("empty chat message")
)

// OpError records which operation failed and, when relevant, for which peer.
type OpError struct {
	Op   string
	Peer domain.MemberID
	Err  error
}

func (e *OpError) Error() string {
	if e.Peer == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s [%s]: %v", e.Op, e.Peer, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// ReplaceError lists the peers that refused a video replacement. Err is the
// first failure.
type ReplaceError struct {
	Source  VideoSource
	Blocked []domain.MemberID
	Err     error
}

func (e *ReplaceError) Error() string {
	return fmt.Sprintf("switch video to %s: blocked by %v: %v", e.Source, e.Blocked, e.Err)
}

func (e *ReplaceError) Unwrap() error {
	return e.Err
}
