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

func (o *Orchestrator) CreateTransport(ctx context.Context, sid core.SessionID, roomID domain.RoomID, dir domain.Direction) (TransportInfo, error) {
	const op = "createTransport"
	if !dir.Valid() {
		return TransportInfo{}, o.fail(sid, roomID, op, domain.Validation(domain.ComponentTransport, "Invalid transport direction"))
	}
	peer, err := o.peer(sid)
	if err != nil {
		return TransportInfo{}, o.fail(sid, roomID, op, err)
	}
	room, ok := o.Rooms.Lookup(roomID)
	if !ok {
		return TransportInfo{}, o.fail(sid, roomID, op, domain.NotFound(domain.ComponentRoom, "room not found"))
	}
	if room.ID() != peer.RoomID {
		return TransportInfo{}, o.fail(sid, roomID, op, domain.Validation(domain.ComponentTransport, "roomId does not match the joined room"))
	}

	t, err := room.Router().CreateTransport(ctx, o.Listen)
	if err != nil {
		return TransportInfo{}, o.fail(sid, roomID, op, domain.Engine(domain.ComponentTransport, "create transport", err))
	}
	entry, err := peer.AddTransport(t, dir)
	if err != nil {
		_ = t.Close()
		return TransportInfo{}, o.fail(sid, roomID, op, domain.NotFound(domain.ComponentSocket, "Peer not found for socket id"))
	}

	logger := log.With().Str("module", "orch").Str("sid", string(sid)).Str("transport_id", t.ID()).
		Str("direction", string(dir)).Logger()
	t.OnStateChange(func(s media.TransportState) {
		switch s {
		case media.TransportConnected:
			entry.SetState(core.TransportConnected)
		case media.TransportClosed:
			if entry.SetState(core.TransportClosed) {
				logger.Info().Msg("transport closed")
			}
		case media.TransportFailed:
			logger.Warn().Msg("transport failed")
		}
	})

	o.submit(audit.Transport{
		SocketID:    string(sid),
		RoomID:      string(roomID),
		TransportID: t.ID(),
		Direction:   string(dir),
		Status:      audit.TransportCreated,
		At:          time.Now(),
	})
	logger.Info().Msg("transport created")
	return TransportInfo{
		ID:             t.ID(),
		IceParameters:  t.IceParameters(),
		IceCandidates:  t.IceCandidates(),
		DtlsParameters: t.DtlsParameters(),
	}, nil
}

// ConnectTransport completes the handshake of one of sid's transports. via
// names the request that asked for it and only affects logging.
func (o *Orchestrator) ConnectTransport(ctx context.Context, sid core.SessionID, via domain.Direction, transportID string, params media.ConnectParams) error {
	op := "connectTransport"
	if via == domain.DirectionRecv {
		op = "connectRecvTransport"
	}
	peer, err := o.peer(sid)
	if err != nil {
		return o.fail(sid, "", op, err)
	}
	entry, ok := peer.Transport(transportID)
	if !ok {
		return o.fail(sid, peer.RoomID, op, domain.NotFound(domain.ComponentTransport, "Transport not found for given transport id"))
	}
	logger := log.With().Str("module", "orch").Str("sid", string(sid)).Str("transport_id", transportID).
		Str("direction", string(via)).Logger()
	if entry.Direction != via {
		logger.Warn().Str("created_as", string(entry.Direction)).Msg("connect path does not match transport direction")
	}

	if err := entry.Transport.Connect(ctx, params); err != nil {
		return o.fail(sid, peer.RoomID, op, domain.Engine(domain.ComponentTransport, "connect transport", err))
	}
	entry.SetState(core.TransportConnected)

	o.submit(audit.Transport{
		SocketID:    string(sid),
		RoomID:      string(peer.RoomID),
		TransportID: transportID,
		Direction:   string(via),
		Status:      audit.TransportConnected,
		At:          time.Now(),
	})
	logger.Info().Msg("transport connected")
	return nil
}
