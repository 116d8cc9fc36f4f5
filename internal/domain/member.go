// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

const (
	MaxMemberIDLen = 36
	MaxNameLen     = 36
)

var (
	ErrNameTooLong = errors.New("display name too long")
	ErrNameEmpty   = errors.New("display name empty")
)

// MemberID is join-scoped: the relay assigns a fresh one on every successful
// join-room and never reuses it, even for a rejoin on the same connection.
type MemberID string

// Member represents one participant of a room.
// No transport or lifecycle logic here.
type Member struct {
	ID   MemberID `json:"id"`
	Name string   `json:"name"`
}

// NewMemberID returns a fresh identity.
func NewMemberID() MemberID {
	return MemberID(uuid.NewString())
}

// NewMember avoids raw literals in adapters and keeps construction obvious.
func NewMember(id MemberID, name string) (*Member, error) {
	name, err := NormalizeName(name)
	if err != nil {
		return nil, err
	}
	return &Member{ID: id, Name: name}, nil
}

// NormalizeName trims the display name and checks its bounds.
func NormalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if len(name) == 0 {
		return "", ErrNameEmpty
	}
	if len(name) > MaxNameLen {
		return "", ErrNameTooLong
	}
	return name, nil
}
