package signal

import (
	"context"
	"encoding/json"

	"github.com/dkeye/sfugate/internal/domain"
)

func (ctl *SignalWSController) handleProduce(ctx context.Context, c *WsSignalConn, data json.RawMessage) (any, error) {
	var p producePayload
	if err := ctl.decode(data, &p); err != nil {
		return nil, ctl.Orch.Reject(c.sid, "produce", err)
	}
	res, err := ctl.Orch.Produce(ctx, c.sid, p.TransportID, domain.MediaKind(p.Kind), p.RtpParameters, p.SerialID)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (ctl *SignalWSController) handleConsume(ctx context.Context, c *WsSignalConn, data json.RawMessage) (any, error) {
	var p consumePayload
	if err := ctl.decode(data, &p); err != nil {
		return nil, ctl.Orch.Reject(c.sid, "consume", err)
	}
	res, err := ctl.Orch.Consume(ctx, c.sid, p.SerialID, p.RtpCapabilities, p.TransportID)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (ctl *SignalWSController) handleResumeConsumer(ctx context.Context, c *WsSignalConn, data json.RawMessage) (any, error) {
	var p resumeConsumerPayload
	if err := ctl.decode(data, &p); err != nil {
		return nil, ctl.Orch.Reject(c.sid, "resumeConsumer", err)
	}
	if err := ctl.Orch.ResumeConsumer(ctx, c.sid, p.ConsumerID); err != nil {
		return nil, err
	}
	return map[string]bool{"resumed": true}, nil
}
