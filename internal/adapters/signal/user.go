package signal

import "strings"

const defaultName = "Guest"

// displayName picks the name sent with join-room, then the one stored in the
// HTTP session, then a generic one.
func (ch *Channel) displayName(requested string) string {
	if name := strings.TrimSpace(requested); name != "" {
		return name
	}
	if name := strings.TrimSpace(ch.client.Name); name != "" {
		return name
	}
	return defaultName
}
