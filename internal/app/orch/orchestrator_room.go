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

// JoinRoom creates the room on first use and registers a peer for sid in it.
func (o *Orchestrator) JoinRoom(ctx context.Context, sid core.SessionID, roomID domain.RoomID) (media.RtpCapabilities, error) {
	const op = "joinRoom"
	if roomID == "" {
		return media.RtpCapabilities{}, o.fail(sid, roomID, op, domain.Validation(domain.ComponentRoom, "roomId is required"))
	}
	if _, ok := o.Registry.Get(sid); ok {
		return media.RtpCapabilities{}, o.fail(sid, roomID, op, domain.Validation(domain.ComponentSocket, "already joined a room"))
	}

	room, err := o.Rooms.GetOrCreate(ctx, roomID)
	if err != nil {
		return media.RtpCapabilities{}, o.fail(sid, roomID, op, err)
	}

	peer := core.NewPeer(sid, roomID)
	if !o.Registry.Bind(peer) {
		return media.RtpCapabilities{}, o.fail(sid, roomID, op, domain.Validation(domain.ComponentSocket, "already joined a room"))
	}
	room.AddPeer(peer)
	// A disconnect that ran between Bind and AddPeer has already left the room.
	if peer.Closed() {
		room.RemovePeer(sid)
		return media.RtpCapabilities{}, o.fail(sid, roomID, op, domain.NotFound(domain.ComponentSocket, "Peer not found for socket id"))
	}

	o.submit(audit.Connection{SocketID: string(sid), RoomID: string(roomID), Event: audit.Connected, At: time.Now()})
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("room_id", string(roomID)).Msg("joined room")
	return room.Router().RtpCapabilities(), nil
}

// Disconnect tears down everything sid owns. Each resource is closed once;
// close failures are logged and the remaining resources are still visited.
// It reports false if sid had no peer.
func (o *Orchestrator) Disconnect(sid core.SessionID) bool {
	peer, ok := o.Registry.Unbind(sid)
	if !ok {
		return false
	}
	logger := log.With().Str("module", "orch").Str("sid", string(sid)).Str("room_id", string(peer.RoomID)).Logger()
	o.submit(audit.Connection{SocketID: string(sid), RoomID: string(peer.RoomID), Event: audit.Disconnected, At: time.Now()})

	res, ok := peer.Close()
	if !ok {
		return false
	}

	for _, t := range res.Transports {
		if err := t.Transport.Close(); err != nil {
			logger.Error().Err(err).Str("transport_id", t.Transport.ID()).Msg("transport close")
			continue
		}
		t.SetState(core.TransportClosed)
	}
	var producers, consumers int
	for _, p := range res.Producers {
		if err := p.Producer.Close(); err != nil {
			logger.Error().Err(err).Str("producer_id", p.Producer.ID()).Msg("producer close")
			continue
		}
		producers++
		if o.Metrics != nil {
			o.Metrics.ProducerClosed()
		}
	}
	for _, c := range res.Consumers {
		if err := c.Consumer.Close(); err != nil {
			logger.Error().Err(err).Str("consumer_id", c.Consumer.ID()).Msg("consumer close")
			continue
		}
		consumers++
		if o.Metrics != nil {
			o.Metrics.ConsumerClosed()
		}
	}

	if room, ok := o.Rooms.Lookup(peer.RoomID); ok {
		room.RemovePeer(sid)
		room.ReleaseSerials(sid)
	}
	if o.Metrics != nil {
		o.Metrics.DeletePeer(string(sid))
	}
	logger.Info().Int("transports", len(res.Transports)).Int("producers", producers).Int("consumers", consumers).
		Msg("cleaned up peer")
	return true
}
