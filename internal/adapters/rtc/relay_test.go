package rtc

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

type recordingTrack struct {
	mu   sync.Mutex
	pkts []*rtp.Packet
	err  error
}

func (r *recordingTrack) WriteRTP(p *rtp.Packet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.pkts = append(r.pkts, p)
	return nil
}

func (r *recordingTrack) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pkts)
}

type sliceSource struct {
	pkts []*rtp.Packet
}

func (s *sliceSource) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	if len(s.pkts) == 0 {
		return nil, nil, errors.New("eof")
	}
	p := s.pkts[0]
	s.pkts = s.pkts[1:]
	return p, nil, nil
}

func TestRelay_MutedTracksReceiveNothingUntilResumed(t *testing.T) {
	logger := zerolog.Nop()
	relay := NewRelay()

	live := &recordingTrack{}
	paused := &recordingTrack{}
	pausedOut := NewOutTrack(paused)
	pausedOut.MarkMuted()

	relay.AddOutTrack("live", NewOutTrack(live))
	relay.AddOutTrack("paused", pausedOut)

	relay.forward(&rtp.Packet{Header: rtp.Header{SequenceNumber: 1}}, &logger)
	if live.count() != 1 || paused.count() != 0 {
		t.Fatalf("live=%d paused=%d, want 1 and 0", live.count(), paused.count())
	}

	pausedOut.Unmute()
	relay.forward(&rtp.Packet{Header: rtp.Header{SequenceNumber: 2}}, &logger)
	if paused.count() != 1 {
		t.Fatalf("paused=%d after resume, want 1", paused.count())
	}
}

func TestRelay_WriteErrorDropsOutTrack(t *testing.T) {
	logger := zerolog.Nop()
	relay := NewRelay()
	relay.AddOutTrack("broken", NewOutTrack(&recordingTrack{err: errors.New("closed pipe")}))
	relay.AddOutTrack("ok", NewOutTrack(&recordingTrack{}))

	relay.forward(&rtp.Packet{}, &logger)
	if got := relay.Len(); got != 1 {
		t.Fatalf("Len=%d, want 1", got)
	}
}

func TestRelay_LoopMarksAllDeleteOnSourceEnd(t *testing.T) {
	logger := zerolog.Nop()
	relay := NewRelay()
	track := &recordingTrack{}
	out := NewOutTrack(track)
	relay.AddOutTrack("c1", out)

	src := &sliceSource{pkts: []*rtp.Packet{{}, {}, {}}}
	relay.loop(src, make(chan struct{}), &logger)

	if track.count() != 3 {
		t.Fatalf("forwarded=%d, want 3", track.count())
	}
	if out.GetState() != TrackStateDelete {
		t.Fatalf("state=%d, want TrackStateDelete", out.GetState())
	}
}

func TestOutTrack_UnmuteNeverRevivesDeleted(t *testing.T) {
	out := NewOutTrack(&recordingTrack{})
	out.MarkMuted()
	out.MarkDelete()
	if out.Unmute() {
		t.Fatalf("Unmute()=true on a deleted track")
	}
	if out.GetState() != TrackStateDelete {
		t.Fatalf("state=%d, want TrackStateDelete", out.GetState())
	}
}

func TestConsumer_ResumeRacingCloseStaysDeleted(t *testing.T) {
	for i := 0; i < 200; i++ {
		c := &Consumer{id: "c1", out: NewOutTrack(&recordingTrack{}), logger: zerolog.Nop()}
		c.out.MarkMuted()

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); _ = c.Resume(context.Background()) }()
		go func() { defer wg.Done(); c.out.MarkDelete() }()
		wg.Wait()

		if c.out.GetState() != TrackStateDelete {
			t.Fatalf("iteration %d: state=%d, want TrackStateDelete", i, c.out.GetState())
		}
		if err := c.Resume(context.Background()); !errors.Is(err, ErrConsumerClosed) {
			t.Fatalf("iteration %d: Resume after delete = %v, want ErrConsumerClosed", i, err)
		}
	}
}
