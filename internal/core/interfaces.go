package core

import (
	"errors"

	"github.com/dkeye/phcsync/internal/domain"
	"github.com/google/uuid"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// Frame is an encoded envelope ready for the wire.
type Frame []byte

// ConnID identifies one transport connection. It is opaque to everything
// except the registry.
type ConnID string

func NewConnID() ConnID { return ConnID(uuid.NewString()) }

// SignalConnection abstracts the messaging transport of one connection.
// Owned by the adapter; TrySend must never block.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// PublishResult reports delivery stats of one relay.
type PublishResult struct {
	SentTo  int
	Dropped []ConnID
}

type RoomInfo struct {
	Name        domain.RoomName `json:"name"`
	MemberCount int             `json:"client_count"`
}
