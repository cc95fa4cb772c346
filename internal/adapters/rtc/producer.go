package rtc

import (
	"maps"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/sfugate/internal/domain"
	"github.com/dkeye/sfugate/internal/media"
)

// Producer receives one inbound stream and fans it out through its relay.
type Producer struct {
	id        string
	kind      domain.MediaKind
	params    media.RtpParameters
	transport *Transport
	recv      *webrtc.RTPReceiver
	relay     *Relay
	logger    zerolog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

func newProducer(t *Transport, kind domain.MediaKind, params media.RtpParameters, recv *webrtc.RTPReceiver) *Producer {
	id := uuid.NewString()
	return &Producer{
		id:        id,
		kind:      kind,
		params:    params,
		transport: t,
		recv:      recv,
		relay:     NewRelay(),
		logger:    t.logger.With().Str("producer_id", id).Str("kind", string(kind)).Logger(),
		done:      make(chan struct{}),
	}
}

func (p *Producer) ID() string                         { return p.id }
func (p *Producer) Kind() domain.MediaKind             { return p.kind }
func (p *Producer) RtpParameters() media.RtpParameters { return p.params }

func (p *Producer) receiveParameters() webrtc.RTPReceiveParameters {
	codec, _ := media.MatchCodec(p.transport.router.caps, p.params)
	out := webrtc.RTPReceiveParameters{}
	for _, enc := range p.params.Encodings {
		out.Encodings = append(out.Encodings, webrtc.RTPDecodingParameters{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				RID:         enc.Rid,
				SSRC:        webrtc.SSRC(enc.Ssrc),
				PayloadType: webrtc.PayloadType(codec.PayloadType),
			},
		})
	}
	return out
}

// start waits in a goroutine for the transport's SRTP session, then pumps
// packets. A receiver cannot be retried once Receive fails.
func (p *Producer) start() {
	w := p.transport.router.worker
	go func() {
		defer w.guard()
		select {
		case <-p.transport.srtpReady:
		case <-p.done:
			return
		}
		if err := p.recv.Receive(p.receiveParameters()); err != nil {
			p.logger.Error().Err(err).Msg("receive")
			return
		}
		track := p.recv.Track()
		if track == nil {
			p.logger.Error().Msg("receiver has no track")
			return
		}
		p.logger.Info().Str("track_id", track.ID()).Msg("producer receiving")
		p.relay.loop(track, p.done, &p.logger)
	}()
}

func (p *Producer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		p.relay.markAllDelete()
		p.transport.router.producers.Delete(p.id)
		err = p.recv.Stop()
		p.logger.Info().Msg("producer closed")
	})
	return err
}

// Relay forwards packets of one source to every subscribed OutTrack.
type Relay struct {
	mu        sync.RWMutex
	outTracks map[string]*OutTrack
}

func NewRelay() *Relay {
	return &Relay{outTracks: make(map[string]*OutTrack)}
}

type packetSource interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

func (r *Relay) loop(src packetSource, done <-chan struct{}, logger *zerolog.Logger) {
	for {
		select {
		case <-done:
			logger.Info().Msg("relay done, marking all out tracks for delete")
			r.markAllDelete()
			return
		default:
		}
		pkt, _, err := src.ReadRTP()
		if err != nil {
			logger.Debug().Err(err).Msg("relay read RTP error, stopping")
			r.markAllDelete()
			return
		}
		r.forward(pkt, logger)
	}
}

func (r *Relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	r.mu.RLock()
	snapshot := maps.Clone(r.outTracks)
	r.mu.RUnlock()

	var dirty []string
	for dst, ot := range snapshot {
		switch ot.GetState() {
		case TrackStateDelete:
			dirty = append(dirty, dst)
		case TrackStateMuted:
		case TrackStateOk:
			if err := ot.Track.WriteRTP(pkt); err != nil {
				logger.Error().Err(err).Str("consumer_id", dst).Msg("relay write RTP error, marking outtrack as delete")
				ot.MarkDelete()
				dirty = append(dirty, dst)
			}
		}
	}
	if len(dirty) > 0 {
		r.cleanupDeleted(dirty)
	}
}

func (r *Relay) cleanupDeleted(dirty []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range dirty {
		delete(r.outTracks, id)
	}
}

func (r *Relay) markAllDelete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ot := range r.outTracks {
		ot.MarkDelete()
	}
}

func (r *Relay) AddOutTrack(consumerID string, ot *OutTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outTracks[consumerID] = ot
}

func (r *Relay) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.outTracks)
}
