package signal

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/dkeye/sfugate/internal/app"
	"github.com/dkeye/sfugate/internal/app/orch"
	"github.com/dkeye/sfugate/internal/media"
	"github.com/dkeye/sfugate/internal/media/mediatest"
)

type testServer struct {
	url    string
	orch   *orch.Orchestrator
	engine *mediatest.Engine
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	eng := mediatest.NewEngine()
	pool := app.NewWorkerPool(eng, 0)
	if err := pool.Initialize(context.Background(), 2, media.WorkerSettings{}, nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	o := &orch.Orchestrator{Registry: app.NewRegistry(), Rooms: app.NewRoomRegistry(pool)}
	ctl := NewSignalWSController(o, app.SimplePolicy{}, opts)

	ctx, cancel := context.WithCancel(context.Background())
	r := gin.New()
	r.GET("/ws", func(c *gin.Context) {
		c.Set("client_token", c.Query("ct"))
		ctl.HandleSignal(ctx, c)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		cancel()
		srv.Close()
		ctl.Wait()
	})
	return &testServer{url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", orch: o, engine: eng}
}

type client struct {
	t    *testing.T
	conn *websocket.Conn
	seq  atomic.Uint64
}

func (s *testServer) dial(t *testing.T, token string) *client {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(s.url+"?ct="+token, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &client{t: t, conn: conn}
}

// call sends one request and waits for the response with the same id.
func (c *client) call(typ string, data any) map[string]any {
	c.t.Helper()
	id := c.seq.Add(1)
	raw, _ := json.Marshal(data)
	if err := c.conn.WriteJSON(map[string]any{"id": id, "type": typ, "data": json.RawMessage(raw)}); err != nil {
		c.t.Fatalf("WriteJSON: %v", err)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var resp struct {
			ID   uint64         `json:"id"`
			Type string         `json:"type"`
			Data map[string]any `json:"data"`
		}
		if err := c.conn.ReadJSON(&resp); err != nil {
			c.t.Fatalf("ReadJSON(%s): %v", typ, err)
		}
		if resp.ID == id {
			if resp.Type != typ {
				c.t.Fatalf("response type=%s, want %s", resp.Type, typ)
			}
			return resp.Data
		}
	}
}

func dtls() map[string]any {
	return map[string]any{"role": "client", "fingerprints": []any{map[string]any{"algorithm": "sha-256", "value": "AA:BB"}}}
}

func vp8Params() map[string]any {
	return map[string]any{
		"codecs":    []any{map[string]any{"mimeType": "video/VP8", "payloadType": 96, "clockRate": 90000}},
		"encodings": []any{map[string]any{"ssrc": 1111}},
	}
}

func vp8Caps() map[string]any {
	return map[string]any{"codecs": []any{map[string]any{"kind": "video", "mimeType": "video/VP8", "clockRate": 90000, "preferredPayloadType": 96}}}
}

func TestSignal_ProduceConsumeFlow(t *testing.T) {
	s := newTestServer(t, Options{})
	a := s.dial(t, "tokA")
	b := s.dial(t, "tokB")

	caps := a.call("joinRoom", map[string]any{"roomId": "r1"})
	if codecs, _ := caps["codecs"].([]any); len(codecs) != 3 {
		t.Fatalf("joinRoom caps=%v, want 3 codecs", caps)
	}
	send := a.call("createTransport", map[string]any{"roomId": "r1", "direction": "send"})
	sendID, _ := send["id"].(string)
	if sendID == "" || send["dtlsParameters"] == nil || send["iceCandidates"] == nil {
		t.Fatalf("createTransport=%v", send)
	}
	if got := a.call("connectTransport", map[string]any{"transportId": sendID, "dtlsParameters": dtls()}); got["connected"] != true {
		t.Fatalf("connectTransport=%v", got)
	}
	prod := a.call("produce", map[string]any{"transportId": sendID, "kind": "video", "rtpParameters": vp8Params(), "serialId": "camA"})
	if prod["serialId"] != "camA" {
		t.Fatalf("produce=%v", prod)
	}
	auto := a.call("produce", map[string]any{"transportId": sendID, "kind": "video", "rtpParameters": vp8Params()})
	if auto["serialId"] != float64(2) {
		t.Fatalf("auto serialId=%v, want 2", auto["serialId"])
	}

	b.call("joinRoom", map[string]any{"roomId": "r1"})
	recv := b.call("createTransport", map[string]any{"roomId": "r1", "direction": "recv"})
	recvID, _ := recv["id"].(string)
	if got := b.call("connectRecvTransport", map[string]any{"transportId": recvID, "dtlsParameters": dtls()}); got["connected"] != true {
		t.Fatalf("connectRecvTransport=%v", got)
	}
	cons := b.call("consume", map[string]any{"serialId": "camA", "rtpCapabilities": vp8Caps(), "transportId": recvID})
	if cons["producerId"] != prod["id"] || cons["kind"] != "video" {
		t.Fatalf("consume=%v, want producerId %v", cons, prod["id"])
	}
	if got := b.call("resumeConsumer", map[string]any{"consumerId": cons["id"]}); got["resumed"] != true {
		t.Fatalf("resumeConsumer=%v", got)
	}
}

func TestSignal_ErrorsAreResponses(t *testing.T) {
	s := newTestServer(t, Options{})
	a := s.dial(t, "tok")

	cases := []struct {
		typ  string
		data any
		want string
	}{
		{"joinRoom", map[string]any{}, "roomId is required"},
		{"createTransport", map[string]any{"roomId": "r1", "direction": "send"}, "Peer not found for socket id"},
		{"consume", map[string]any{"serialId": "x", "transportId": "t"}, "Peer not found for socket id"},
		{"produce", map[string]any{"transportId": "t", "kind": "video", "serialId": map[string]any{}}, "serialId must be a string or a number"},
		{"selfDestruct", map[string]any{}, "unknown request type"},
	}
	for _, tc := range cases {
		got := a.call(tc.typ, tc.data)
		if got["error"] != tc.want {
			t.Fatalf("%s error=%v, want %q", tc.typ, got["error"], tc.want)
		}
	}

	a.call("joinRoom", map[string]any{"roomId": "r1"})
	got := a.call("createTransport", map[string]any{"roomId": "r1", "direction": "sideways"})
	if got["error"] != "Invalid transport direction" {
		t.Fatalf("createTransport error=%v", got["error"])
	}
	got = a.call("consume", map[string]any{"serialId": "ghost", "rtpCapabilities": vp8Caps(), "transportId": "nope"})
	if got["error"] == nil {
		t.Fatalf("consume succeeded without transport")
	}
	// The connection survives every failure.
	if got := a.call("ping", nil); got["type"] != "pong" {
		t.Fatalf("ping=%v", got)
	}
}

func TestSignal_CloseTriggersCleanup(t *testing.T) {
	s := newTestServer(t, Options{})
	a := s.dial(t, "tok")
	a.call("joinRoom", map[string]any{"roomId": "r1"})
	send := a.call("createTransport", map[string]any{"roomId": "r1", "direction": "send"})

	_ = a.conn.Close()

	transportID, _ := send["id"].(string)
	deadline := time.Now().Add(2 * time.Second)
	for s.orch.Registry.Len() != 0 || s.engine.Closes(transportID) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("peer not cleaned up after close")
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if n := s.engine.Closes(transportID); n != 1 {
		t.Fatalf("Closes=%d, want 1", n)
	}
}

func TestSignal_JoinRateLimit(t *testing.T) {
	s := newTestServer(t, Options{JoinLimit: 1, JoinInterval: time.Hour})
	a := s.dial(t, "same")
	b := s.dial(t, "same")

	a.call("joinRoom", map[string]any{"roomId": "r1"})
	got := b.call("joinRoom", map[string]any{"roomId": "r1"})
	if got["error"] != "too many join attempts" {
		t.Fatalf("joinRoom=%v, want rate limit error", got)
	}
}

func TestSignal_CloseDuringJoinStillCleansUp(t *testing.T) {
	s := newTestServer(t, Options{})
	s.engine.RouterDelay = 300 * time.Millisecond
	a := s.dial(t, "tok")

	raw, _ := json.Marshal(map[string]any{"id": 1, "type": "joinRoom", "data": map[string]any{"roomId": "late"}})
	if err := a.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	_ = a.conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for {
		room, ok := s.orch.Rooms.Lookup("late")
		if ok && room.PeerCount() == 0 && s.orch.Registry.Len() == 0 {
			return
		}
		if time.Now().After(deadline) {
			peers := -1
			if ok {
				peers = room.PeerCount()
			}
			t.Fatalf("peer left behind: registry=%d room peers=%d", s.orch.Registry.Len(), peers)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
