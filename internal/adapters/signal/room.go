package signal

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/sfugate/internal/domain"
)

func (ctl *SignalWSController) handleJoinRoom(ctx context.Context, c *WsSignalConn, data json.RawMessage) (any, error) {
	var p joinRoomPayload
	if err := ctl.decode(data, &p); err != nil {
		return nil, ctl.Orch.Reject(c.sid, "joinRoom", err)
	}
	key := c.client
	if key == "" {
		key = string(c.sid)
	}
	if !ctl.joins.Allow(key) {
		log.Warn().Str("module", "signal").Str("sid", string(c.sid)).Str("client", c.client).Msg("join rate limited")
		return nil, ctl.Orch.Reject(c.sid, "joinRoom", domain.RateLimited(domain.ComponentSocket, "too many join attempts"))
	}

	log.Info().Str("module", "signal").Str("sid", string(c.sid)).Str("room_id", p.RoomID).Msg("join")
	caps, err := ctl.Orch.JoinRoom(ctx, c.sid, domain.RoomID(p.RoomID))
	if err != nil {
		return nil, err
	}
	return caps, nil
}
