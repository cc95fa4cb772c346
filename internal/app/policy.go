package app

import "github.com/dkeye/sfugate/internal/core"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropMessage
	KickSession
)

// Policy decides what happens to a session whose outbound signaling queue
// is full.
type Policy interface {
	OnBackPressure(sid core.SessionID) BackpressureAction
}

type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(core.SessionID) BackpressureAction {
	return KickSession
}
