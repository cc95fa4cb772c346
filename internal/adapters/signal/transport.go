package signal

import (
	"context"
	"encoding/json"

	"github.com/dkeye/sfugate/internal/domain"
	"github.com/dkeye/sfugate/internal/media"
)

func (ctl *SignalWSController) handleCreateTransport(ctx context.Context, c *WsSignalConn, data json.RawMessage) (any, error) {
	var p createTransportPayload
	if err := ctl.decode(data, &p); err != nil {
		return nil, ctl.Orch.Reject(c.sid, "createTransport", err)
	}
	info, err := ctl.Orch.CreateTransport(ctx, c.sid, domain.RoomID(p.RoomID), domain.Direction(p.Direction))
	if err != nil {
		return nil, err
	}
	return info, nil
}

func (ctl *SignalWSController) handleConnectTransport(ctx context.Context, c *WsSignalConn, data json.RawMessage) (any, error) {
	return ctl.connect(ctx, c, data, domain.DirectionSend)
}

func (ctl *SignalWSController) handleConnectRecvTransport(ctx context.Context, c *WsSignalConn, data json.RawMessage) (any, error) {
	return ctl.connect(ctx, c, data, domain.DirectionRecv)
}

func (ctl *SignalWSController) connect(ctx context.Context, c *WsSignalConn, data json.RawMessage, via domain.Direction) (any, error) {
	var p connectTransportPayload
	if err := ctl.decode(data, &p); err != nil {
		op := "connectTransport"
		if via == domain.DirectionRecv {
			op = "connectRecvTransport"
		}
		return nil, ctl.Orch.Reject(c.sid, op, err)
	}
	params := media.ConnectParams{Dtls: p.DtlsParameters, Ice: p.IceParameters}
	if err := ctl.Orch.ConnectTransport(ctx, c.sid, via, p.TransportID, params); err != nil {
		return nil, err
	}
	return map[string]bool{"connected": true}, nil
}
