package core

import "errors"

//go:generate mockgen -source=signal_iface.go -destination=mocks/signal_mock.go -package=mocks

// Frame is a raw encoded signaling message.
type Frame []byte

// SignalConnection abstracts the messaging transport of one client.
// Owned by the adapter; the adapter must Close() it.
// TrySend never blocks: a full outbound buffer is reported as an error.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// ErrBackpressure is returned by TrySend when the outbound buffer is full.
var ErrBackpressure = errors.New("signal send buffer full")
