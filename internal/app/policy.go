package app

import (
	"fmt"

	"github.com/dkeye/phcsync/internal/core"
	"github.com/dkeye/phcsync/internal/domain"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	MarkSlow
	KickMember
	DropFrame
)

// Policy decides what happens to a member whose send buffer is full.
type Policy interface {
	OnBackPressure(room domain.RoomName, member core.ConnID) BackpressureAction
}

// SimplePolicy kicks slow members; they reconnect and refetch.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(domain.RoomName, core.ConnID) BackpressureAction {
	return KickMember
}

// DropPolicy keeps slow members connected and loses the frame for them.
type DropPolicy struct{}

func (DropPolicy) OnBackPressure(domain.RoomName, core.ConnID) BackpressureAction {
	return DropFrame
}

// PolicyByName maps the relay.backpressure config value to a Policy.
func PolicyByName(name string) (Policy, error) {
	switch name {
	case "", "kick":
		return SimplePolicy{}, nil
	case "drop":
		return DropPolicy{}, nil
	default:
		return nil, fmt.Errorf("unknown backpressure policy %q", name)
	}
}
