package signal

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/sfugate/internal/app"
	"github.com/dkeye/sfugate/internal/domain"
)

const writeWait = 5 * time.Second

type request struct {
	ID   uint64          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type response struct {
	ID   uint64 `json:"id"`
	Type string `json:"type"`
	Data any    `json:"data"`
}

type errorPayload struct {
	Error string `json:"error"`
}

type handlerFunc func(ctx context.Context, c *WsSignalConn, data json.RawMessage) (any, error)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("sid", string(c.sid)).Msg("writePump ctx done")
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			c.Close()
			return
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Str("sid", string(c.sid)).Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Debug().Err(err).Str("module", "signal").Str("sid", string(c.sid)).Msg("ping failed")
				return
			}
		}
	}
}

// readPump dispatches every request on its own goroutine. When the socket
// goes away the session is torn down once the handlers still in flight have
// returned, so a join that completes late is still cleaned up.
func (ctl *SignalWSController) readPump(ctx context.Context, c *WsSignalConn) {
	var inflight sync.WaitGroup
	defer func() {
		log.Info().Str("module", "signal").Str("sid", string(c.sid)).Msg("readPump closing")
		inflight.Wait()
		ctl.Orch.Disconnect(c.sid)
		c.Close()
		ctl.joins.Prune()
	}()

	c.conn.SetReadLimit(ctl.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(ctl.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(ctl.opts.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Error().Err(err).Str("module", "signal").Str("sid", string(c.sid)).Msg("readPump read error")
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		var req request
		if err := json.Unmarshal(data, &req); err != nil {
			log.Error().Err(err).Str("module", "signal").Str("sid", string(c.sid)).Msg("bad json")
			ctl.reply(c, req, nil, ctl.Orch.Reject(c.sid, "decode", domain.Validation(domain.ComponentSocket, "bad_payload")))
			continue
		}
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			ctl.dispatch(ctx, c, req)
		}()
	}
}

func (ctl *SignalWSController) dispatch(ctx context.Context, c *WsSignalConn, req request) {
	h, ok := ctl.handlers[req.Type]
	if !ok {
		log.Warn().Str("module", "signal").Str("type", req.Type).Msg("unknown signal")
		ctl.reply(c, req, nil, domain.Validation(domain.ComponentSocket, "unknown request type"))
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "signal").Str("sid", string(c.sid)).Str("type", req.Type).Interface("panic", r).Msg("handler panicked")
			ctl.reply(c, req, nil, ctl.Orch.Reject(c.sid, req.Type, domain.Engine(domain.ComponentOther, "internal error", nil)))
		}
	}()
	data, err := h(ctx, c, req.Data)
	ctl.reply(c, req, data, err)
}

func (ctl *SignalWSController) reply(c *WsSignalConn, req request, data any, err error) {
	resp := response{ID: req.ID, Type: req.Type, Data: data}
	if err != nil {
		resp.Data = errorPayload{Error: err.Error()}
	}
	ctl.sendJSON(c, resp)
}

func (ctl *SignalWSController) sendJSON(c *WsSignalConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	if err := c.TrySend(b); errors.Is(err, ErrBackpressure) && ctl.Policy != nil {
		switch ctl.Policy.OnBackPressure(c.sid) {
		case app.KickSession:
			log.Warn().Str("module", "signal").Str("sid", string(c.sid)).Msg("send queue full, closing session")
			c.Close()
		case app.DropMessage, app.NoAction:
		}
	}
}
