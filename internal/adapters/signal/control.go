package signal

import (
	"context"
	"encoding/json"
)

func (ctl *SignalWSController) handlePing(context.Context, *WsSignalConn, json.RawMessage) (any, error) {
	return struct {
		Type string `json:"type"`
	}{
		Type: "pong",
	}, nil
}
