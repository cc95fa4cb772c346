package rtc

import (
	"sync/atomic"

	"github.com/pion/rtp"
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	// TrackStateMuted is a paused consumer: packets are dropped, not queued.
	TrackStateMuted
	TrackStateDelete
)

type rtpWriter interface {
	WriteRTP(p *rtp.Packet) error
}

// OutTrack is the relay side of a single consumer.
type OutTrack struct {
	Track rtpWriter
	state atomic.Int32 // Zero by default (TrackStateOk)
}

func NewOutTrack(track rtpWriter) *OutTrack {
	return &OutTrack{Track: track}
}

func (ot *OutTrack) GetState() TrackState {
	return TrackState(ot.state.Load())
}

// Unmute moves a muted track back to Ok. It never revives a deleted one.
func (ot *OutTrack) Unmute() bool {
	return ot.state.CompareAndSwap(int32(TrackStateMuted), int32(TrackStateOk))
}

func (ot *OutTrack) MarkMuted() {
	ot.state.Store(int32(TrackStateMuted))
}

func (ot *OutTrack) MarkDelete() {
	ot.state.Store(int32(TrackStateDelete))
}
