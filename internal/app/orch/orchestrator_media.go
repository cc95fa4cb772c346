package orch

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/sfugate/internal/audit"
	"github.com/dkeye/sfugate/internal/core"
	"github.com/dkeye/sfugate/internal/domain"
	"github.com/dkeye/sfugate/internal/media"
)

// Produce creates a producer on one of sid's transports. An unset serial is
// replaced by the peer's counter; an explicit one must not already be in use
// in the room.
func (o *Orchestrator) Produce(ctx context.Context, sid core.SessionID, transportID string, kind domain.MediaKind, params media.RtpParameters, serial domain.SerialID) (ProduceResult, error) {
	const op = "produce"
	if !kind.Valid() {
		return ProduceResult{}, o.fail(sid, "", op, domain.Validation(domain.ComponentProducer, "kind must be audio or video"))
	}
	peer, err := o.peer(sid)
	if err != nil {
		return ProduceResult{}, o.fail(sid, "", op, err)
	}
	entry, ok := peer.Transport(transportID)
	if !ok {
		return ProduceResult{}, o.fail(sid, peer.RoomID, op, domain.NotFound(domain.ComponentTransport, "Transport not found for given transport id"))
	}
	release := func() {}
	if !serial.Unset() {
		room, err := o.roomOf(peer)
		if err != nil {
			return ProduceResult{}, o.fail(sid, peer.RoomID, op, err)
		}
		if !room.ClaimSerial(serial, sid) {
			return ProduceResult{}, o.fail(sid, peer.RoomID, op, domain.Validation(domain.ComponentProducer, "serialId already in use in this room"))
		}
		release = func() { room.ReleaseSerial(serial, sid) }
	}

	prod, err := entry.Transport.Produce(ctx, kind, params)
	if err != nil {
		release()
		return ProduceResult{}, o.fail(sid, peer.RoomID, op, domain.Engine(domain.ComponentProducer, "produce", err))
	}
	assigned, err := peer.AddProducer(prod, serial)
	if err != nil {
		_ = prod.Close()
		release()
		return ProduceResult{}, o.fail(sid, peer.RoomID, op, domain.NotFound(domain.ComponentSocket, "Peer not found for socket id"))
	}

	if o.Metrics != nil {
		o.Metrics.ProducerOpened(string(sid))
	}
	o.submit(audit.Producer{
		SocketID:   string(sid),
		RoomID:     string(peer.RoomID),
		ProducerID: prod.ID(),
		SerialID:   assigned.String(),
		Kind:       string(kind),
		At:         time.Now(),
	})
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("producer_id", prod.ID()).
		Str("serial_id", assigned.String()).Str("kind", string(kind)).Msg("producer created")
	return ProduceResult{ID: prod.ID(), SerialID: assigned}, nil
}

// Consume creates a paused consumer on one of sid's transports for the room
// producer carrying serial.
func (o *Orchestrator) Consume(ctx context.Context, sid core.SessionID, serial domain.SerialID, caps media.RtpCapabilities, transportID string) (ConsumeResult, error) {
	const op = "consume"
	if serial.Unset() {
		return ConsumeResult{}, o.fail(sid, "", op, domain.Validation(domain.ComponentConsumer, "serialId is required"))
	}
	peer, err := o.peer(sid)
	if err != nil {
		return ConsumeResult{}, o.fail(sid, "", op, err)
	}
	room, err := o.roomOf(peer)
	if err != nil {
		return ConsumeResult{}, o.fail(sid, peer.RoomID, op, err)
	}
	entry, ok := peer.Transport(transportID)
	if !ok {
		return ConsumeResult{}, o.fail(sid, peer.RoomID, op, domain.NotFound(domain.ComponentTransport, "Transport not found for given transport id"))
	}
	prod, _, ok := MatchProducer(room, serial)
	if !ok {
		return ConsumeResult{}, o.fail(sid, peer.RoomID, op, domain.NotFound(domain.ComponentConsumer, "Producer not found for given serialId"))
	}
	if !room.Router().CanConsume(prod.ID(), caps) {
		return ConsumeResult{}, o.fail(sid, peer.RoomID, op, domain.Capability(domain.ComponentConsumer, "Cannot consume this producer"))
	}

	c, err := entry.Transport.Consume(ctx, media.ConsumeOptions{ProducerID: prod.ID(), RtpCapabilities: caps, Paused: true})
	if err != nil {
		return ConsumeResult{}, o.fail(sid, peer.RoomID, op, domain.Engine(domain.ComponentConsumer, "consume", err))
	}
	if err := peer.AddConsumer(c, serial); err != nil {
		_ = c.Close()
		return ConsumeResult{}, o.fail(sid, peer.RoomID, op, domain.NotFound(domain.ComponentSocket, "Peer not found for socket id"))
	}

	if o.Metrics != nil {
		o.Metrics.ConsumerOpened(string(sid))
	}
	o.submit(audit.Consumer{
		SocketID:   string(sid),
		RoomID:     string(peer.RoomID),
		ConsumerID: c.ID(),
		SerialID:   serial.String(),
		ProducerID: prod.ID(),
		At:         time.Now(),
	})
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("consumer_id", c.ID()).
		Str("producer_id", prod.ID()).Str("serial_id", serial.String()).Msg("consumer created")
	return ConsumeResult{ID: c.ID(), ProducerID: prod.ID(), Kind: c.Kind(), RtpParameters: c.RtpParameters()}, nil
}

func (o *Orchestrator) ResumeConsumer(ctx context.Context, sid core.SessionID, consumerID string) error {
	const op = "resumeConsumer"
	peer, err := o.peer(sid)
	if err != nil {
		return o.fail(sid, "", op, err)
	}
	c, ok := peer.Consumer(consumerID)
	if !ok {
		return o.fail(sid, peer.RoomID, op, domain.NotFound(domain.ComponentConsumer, "Consumer not found"))
	}
	if err := c.Resume(ctx); err != nil {
		return o.fail(sid, peer.RoomID, op, domain.Engine(domain.ComponentConsumer, "resume consumer", err))
	}
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("consumer_id", consumerID).Msg("resumed consumer")
	return nil
}
