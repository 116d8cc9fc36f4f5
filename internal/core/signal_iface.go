package core

import "github.com/dkeye/Gatherly/internal/protocol"

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	// TrySend enqueues m without blocking; it fails on backpressure or after Close.
	TrySend(m *protocol.Message) error
	Close()
}
