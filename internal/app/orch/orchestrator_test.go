package orch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/dkeye/sfugate/internal/app"
	"github.com/dkeye/sfugate/internal/audit"
	"github.com/dkeye/sfugate/internal/core"
	"github.com/dkeye/sfugate/internal/domain"
	"github.com/dkeye/sfugate/internal/media"
	"github.com/dkeye/sfugate/internal/media/mediatest"
	"github.com/dkeye/sfugate/internal/metrics"
)

type recordingAuditor struct {
	mu   sync.Mutex
	recs []audit.Record
}

func (r *recordingAuditor) Submit(rec audit.Record) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return true
}

func (r *recordingAuditor) count(table string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.recs {
		if rec.Table() == table {
			n++
		}
	}
	return n
}

type harness struct {
	engine  *mediatest.Engine
	orch    *Orchestrator
	audit   *recordingAuditor
	metrics *metrics.Metrics
}

func newHarness(t *testing.T, workers int) *harness {
	t.Helper()
	eng := mediatest.NewEngine()
	pool := app.NewWorkerPool(eng, 0)
	if err := pool.Initialize(context.Background(), workers, media.WorkerSettings{}, nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	h := &harness{engine: eng, audit: &recordingAuditor{}, metrics: metrics.New()}
	h.orch = &Orchestrator{
		Registry: app.NewRegistry(),
		Rooms:    app.NewRoomRegistry(pool),
		Audit:    h.audit,
		Metrics:  h.metrics,
		Listen:   media.ListenInfo{IP: "0.0.0.0", AnnouncedAddress: "203.0.113.10"},
	}
	return h
}

func (h *harness) join(t *testing.T, sid core.SessionID, room domain.RoomID) {
	t.Helper()
	if _, err := h.orch.JoinRoom(context.Background(), sid, room); err != nil {
		t.Fatalf("JoinRoom(%s,%s): %v", sid, room, err)
	}
}

func (h *harness) transport(t *testing.T, sid core.SessionID, room domain.RoomID, dir domain.Direction) string {
	t.Helper()
	info, err := h.orch.CreateTransport(context.Background(), sid, room, dir)
	if err != nil {
		t.Fatalf("CreateTransport(%s): %v", dir, err)
	}
	return info.ID
}

func (h *harness) produce(t *testing.T, sid core.SessionID, tid string, serial domain.SerialID) ProduceResult {
	t.Helper()
	res, err := h.orch.Produce(context.Background(), sid, tid, domain.KindVideo, mediatest.VideoParams(), serial)
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}
	return res
}

func TestEndToEnd_ConsumeBySerialAcrossPeers(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()

	h.join(t, "A", "r1")
	sendT := h.transport(t, "A", "r1", domain.DirectionSend)
	err := h.orch.ConnectTransport(ctx, "A", domain.DirectionSend, sendT, media.ConnectParams{Dtls: mediatest.RemoteDtls()})
	if err != nil {
		t.Fatalf("ConnectTransport: %v", err)
	}
	prod := h.produce(t, "A", sendT, domain.NewSerialID("camA"))
	if prod.SerialID != domain.NewSerialID("camA") {
		t.Fatalf("serialId=%v, want camA", prod.SerialID)
	}

	h.join(t, "B", "r1")
	recvT := h.transport(t, "B", "r1", domain.DirectionRecv)
	err = h.orch.ConnectTransport(ctx, "B", domain.DirectionRecv, recvT, media.ConnectParams{Dtls: mediatest.RemoteDtls()})
	if err != nil {
		t.Fatalf("ConnectTransport(recv): %v", err)
	}
	cons, err := h.orch.Consume(ctx, "B", domain.NewSerialID("camA"), mediatest.VideoCaps(), recvT)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if cons.ProducerID != prod.ID {
		t.Fatalf("producerId=%s, want %s", cons.ProducerID, prod.ID)
	}
	if cons.Kind != domain.KindVideo || len(cons.RtpParameters.Codecs) == 0 {
		t.Fatalf("consume payload=%+v", cons)
	}
	if h.engine.RouterCount() != 1 {
		t.Fatalf("RouterCount=%d, want 1", h.engine.RouterCount())
	}
	if n := h.audit.count("producer_logs"); n != 1 {
		t.Fatalf("producer_logs=%d, want 1", n)
	}
	if n := h.audit.count("consumer_logs"); n != 1 {
		t.Fatalf("consumer_logs=%d, want 1", n)
	}
	if n := h.audit.count("transport_logs"); n != 4 {
		t.Fatalf("transport_logs=%d, want 4 (2 created + 2 connected)", n)
	}
}

func TestJoinRoom_ConcurrentJoinsShareOneRouter(t *testing.T) {
	h := newHarness(t, 3)
	h.engine.RouterDelay = 20 * time.Millisecond

	const n = 12
	caps := make([]media.RtpCapabilities, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			caps[i], errs[i] = h.orch.JoinRoom(context.Background(), core.SessionID(fmt.Sprintf("s%d", i)), "new-room")
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("JoinRoom #%d: %v", i, errs[i])
		}
		if len(caps[i].Codecs) != len(caps[0].Codecs) || caps[i].Codecs[0].PreferredPayloadType != caps[0].Codecs[0].PreferredPayloadType {
			t.Fatalf("caller %d saw different capabilities", i)
		}
	}
	if h.engine.RouterCount() != 1 {
		t.Fatalf("RouterCount=%d, want 1", h.engine.RouterCount())
	}
	room, _ := h.orch.Rooms.Lookup("new-room")
	if room.PeerCount() != n {
		t.Fatalf("PeerCount=%d, want %d", room.PeerCount(), n)
	}
}

func TestJoinRoom_Validation(t *testing.T) {
	h := newHarness(t, 1)
	if _, err := h.orch.JoinRoom(context.Background(), "A", ""); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err=%v, want validation", err)
	}
	h.join(t, "A", "r1")
	if _, err := h.orch.JoinRoom(context.Background(), "A", "r2"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("second join err=%v, want validation", err)
	}
	if n := h.audit.count("error_logs"); n != 2 {
		t.Fatalf("error_logs=%d, want 2", n)
	}
}

func TestJoinRoom_CapacityError(t *testing.T) {
	eng := mediatest.NewEngine()
	pool := app.NewWorkerPool(eng, 1)
	if err := pool.Initialize(context.Background(), 1, media.WorkerSettings{}, nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	o := &Orchestrator{Registry: app.NewRegistry(), Rooms: app.NewRoomRegistry(pool)}

	if _, err := o.JoinRoom(context.Background(), "A", "r1"); err != nil {
		t.Fatalf("JoinRoom(r1): %v", err)
	}
	_, err := o.JoinRoom(context.Background(), "B", "r2")
	if !errors.Is(err, domain.ErrCapacity) {
		t.Fatalf("err=%v, want capacity", err)
	}
	if _, ok := o.Registry.Get("B"); ok {
		t.Fatalf("B registered after failed join")
	}
	// B can still join an existing room.
	if _, err := o.JoinRoom(context.Background(), "B", "r1"); err != nil {
		t.Fatalf("JoinRoom(B,r1): %v", err)
	}
}

func TestCreateTransport_Errors(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	if _, err := h.orch.CreateTransport(ctx, "A", "r1", "sideways"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("bad direction err=%v, want validation", err)
	}
	if _, err := h.orch.CreateTransport(ctx, "A", "r1", domain.DirectionSend); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unjoined err=%v, want not found", err)
	}
	h.join(t, "A", "r1")
	if _, err := h.orch.CreateTransport(ctx, "A", "missing", domain.DirectionSend); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing room err=%v, want not found", err)
	}
	h.join(t, "B", "r2")
	if _, err := h.orch.CreateTransport(ctx, "A", "r2", domain.DirectionSend); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("foreign room err=%v, want validation", err)
	}

	info, err := h.orch.CreateTransport(ctx, "A", "r1", domain.DirectionSend)
	if err != nil {
		t.Fatalf("CreateTransport: %v", err)
	}
	if info.ID == "" || len(info.IceCandidates) == 0 || len(info.DtlsParameters.Fingerprints) == 0 || info.IceParameters.UsernameFragment == "" {
		t.Fatalf("transport info=%+v", info)
	}
	if info.IceCandidates[0].Address != "203.0.113.10" {
		t.Fatalf("candidate address=%s, want announced address", info.IceCandidates[0].Address)
	}
}

func TestConnectTransport_Errors(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	params := media.ConnectParams{Dtls: mediatest.RemoteDtls()}

	if err := h.orch.ConnectTransport(ctx, "A", domain.DirectionSend, "t", params); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("no peer err=%v, want not found", err)
	}
	h.join(t, "A", "r1")
	if err := h.orch.ConnectTransport(ctx, "A", domain.DirectionRecv, "t", params); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("no transport err=%v, want not found", err)
	}
	tid := h.transport(t, "A", "r1", domain.DirectionSend)
	if err := h.orch.ConnectTransport(ctx, "A", domain.DirectionSend, tid, media.ConnectParams{}); !errors.Is(err, domain.ErrEngine) {
		t.Fatalf("rejected handshake err=%v, want engine", err)
	}

	peer, _ := h.orch.Registry.Get("A")
	entry, _ := peer.Transport(tid)
	if entry.State() != core.TransportCreated {
		t.Fatalf("state=%s, want created", entry.State())
	}
	if err := h.orch.ConnectTransport(ctx, "A", domain.DirectionSend, tid, params); err != nil {
		t.Fatalf("ConnectTransport: %v", err)
	}
	if entry.State() != core.TransportConnected {
		t.Fatalf("state=%s, want connected", entry.State())
	}
}

func TestProduce_AutoSerialsPerPeer(t *testing.T) {
	h := newHarness(t, 1)
	h.join(t, "A", "r1")
	tid := h.transport(t, "A", "r1", domain.DirectionSend)

	first := h.produce(t, "A", tid, domain.SerialID{})
	second := h.produce(t, "A", tid, domain.SerialID{})
	if first.SerialID != domain.AutoSerialID(1) || second.SerialID != domain.AutoSerialID(2) {
		t.Fatalf("serials=%v,%v, want 1,2", first.SerialID, second.SerialID)
	}
	if got := testutil.ToFloat64(h.metrics.ActiveProducers); got != 2 {
		t.Fatalf("active_producers=%v, want 2", got)
	}
}

func TestProduce_Errors(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	h.join(t, "A", "r1")
	tid := h.transport(t, "A", "r1", domain.DirectionSend)

	if _, err := h.orch.Produce(ctx, "A", tid, "data", mediatest.VideoParams(), domain.SerialID{}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("bad kind err=%v, want validation", err)
	}
	if _, err := h.orch.Produce(ctx, "A", "nope", domain.KindVideo, mediatest.VideoParams(), domain.SerialID{}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing transport err=%v, want not found", err)
	}
	h.produce(t, "A", tid, domain.NewSerialID("camA"))
	if _, err := h.orch.Produce(ctx, "A", tid, domain.KindVideo, mediatest.VideoParams(), domain.NewSerialID("camA")); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("duplicate serial err=%v, want validation", err)
	}

	h.engine.FailProduce = true
	if _, err := h.orch.Produce(ctx, "A", tid, domain.KindVideo, mediatest.VideoParams(), domain.SerialID{}); !errors.Is(err, domain.ErrEngine) {
		t.Fatalf("rejected produce err=%v, want engine", err)
	}
}

func TestConsume_Errors(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	h.join(t, "A", "r1")
	sendT := h.transport(t, "A", "r1", domain.DirectionSend)
	h.produce(t, "A", sendT, domain.NewSerialID("camA"))

	h.join(t, "B", "r1")
	recvT := h.transport(t, "B", "r1", domain.DirectionRecv)

	if _, err := h.orch.Consume(ctx, "B", domain.NewSerialID("ghost"), mediatest.VideoCaps(), recvT); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown serial err=%v, want not found", err)
	}
	av1 := media.RtpCapabilities{Codecs: []media.RtpCodecCapability{{Kind: domain.KindVideo, MimeType: "video/AV1", ClockRate: 90000}}}
	if _, err := h.orch.Consume(ctx, "B", domain.NewSerialID("camA"), av1, recvT); !errors.Is(err, domain.ErrCapability) {
		t.Fatalf("undecodable err=%v, want capability", err)
	}
	if _, err := h.orch.Consume(ctx, "B", domain.SerialID{}, mediatest.VideoCaps(), recvT); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("missing serial err=%v, want validation", err)
	}
	if _, err := h.orch.Consume(ctx, "B", domain.NewSerialID("camA"), mediatest.VideoCaps(), "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing transport err=%v, want not found", err)
	}
	if got := testutil.ToFloat64(h.metrics.ActiveConsumers); got != 0 {
		t.Fatalf("active_consumers=%v, want 0", got)
	}
}

func TestConsume_IsRoomScoped(t *testing.T) {
	h := newHarness(t, 2)
	h.join(t, "A", "r1")
	h.produce(t, "A", h.transport(t, "A", "r1", domain.DirectionSend), domain.NewSerialID("camA"))

	h.join(t, "C", "r2")
	recvT := h.transport(t, "C", "r2", domain.DirectionRecv)
	_, err := h.orch.Consume(context.Background(), "C", domain.NewSerialID("camA"), mediatest.VideoCaps(), recvT)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err=%v, want not found across rooms", err)
	}
}

func TestConsume_PausedUntilResumed(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	h.join(t, "A", "r1")
	h.produce(t, "A", h.transport(t, "A", "r1", domain.DirectionSend), domain.SerialID{})

	h.join(t, "B", "r1")
	recvT := h.transport(t, "B", "r1", domain.DirectionRecv)
	cons, err := h.orch.Consume(ctx, "B", domain.AutoSerialID(1), mediatest.VideoCaps(), recvT)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	peer, _ := h.orch.Registry.Get("B")
	c, _ := peer.Consumer(cons.ID)
	if !c.Paused() {
		t.Fatalf("new consumer not paused")
	}
	if err := h.orch.ResumeConsumer(ctx, "B", "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown consumer err=%v, want not found", err)
	}
	if err := h.orch.ResumeConsumer(ctx, "B", cons.ID); err != nil {
		t.Fatalf("ResumeConsumer: %v", err)
	}
	if c.Paused() {
		t.Fatalf("consumer still paused after resume")
	}
}

func TestDisconnect_ClosesEverythingOnce(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	h.join(t, "A", "r1")
	sendA := h.transport(t, "A", "r1", domain.DirectionSend)
	h.produce(t, "A", sendA, domain.NewSerialID("camA"))

	h.join(t, "B", "r1")
	sendB := h.transport(t, "B", "r1", domain.DirectionSend)
	recvB := h.transport(t, "B", "r1", domain.DirectionRecv)
	p1 := h.produce(t, "B", sendB, domain.SerialID{})
	p2 := h.produce(t, "B", sendB, domain.SerialID{})
	c1, err := h.orch.Consume(ctx, "B", domain.NewSerialID("camA"), mediatest.VideoCaps(), recvB)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}

	if !h.orch.Disconnect("B") {
		t.Fatalf("Disconnect(B) reported no peer")
	}
	if h.orch.Disconnect("B") {
		t.Fatalf("second Disconnect(B) ran cleanup again")
	}

	for _, id := range []string{sendB, recvB, p1.ID, p2.ID, c1.ID} {
		if n := h.engine.Closes(id); n != 1 {
			t.Fatalf("Closes(%s)=%d, want 1", id, n)
		}
	}
	if h.engine.Closes(sendA) != 0 {
		t.Fatalf("A's transport closed by B's disconnect")
	}
	if got := testutil.ToFloat64(h.metrics.ActiveProducers); got != 1 {
		t.Fatalf("active_producers=%v, want 1", got)
	}
	if got := testutil.ToFloat64(h.metrics.ActiveConsumers); got != 0 {
		t.Fatalf("active_consumers=%v, want 0", got)
	}
	room, _ := h.orch.Rooms.Lookup("r1")
	if room.PeerCount() != 1 {
		t.Fatalf("PeerCount=%d, want 1", room.PeerCount())
	}
	if h.audit.count("connection_logs") != 3 {
		t.Fatalf("connection_logs=%d, want 3", h.audit.count("connection_logs"))
	}
	if _, err := h.orch.Produce(ctx, "B", sendB, domain.KindVideo, mediatest.VideoParams(), domain.SerialID{}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("produce after disconnect err=%v, want not found", err)
	}
}

func TestDisconnect_CloseFailuresDoNotStopCleanup(t *testing.T) {
	h := newHarness(t, 1)
	h.join(t, "A", "r1")
	tid := h.transport(t, "A", "r1", domain.DirectionSend)
	p1 := h.produce(t, "A", tid, domain.SerialID{})
	p2 := h.produce(t, "A", tid, domain.SerialID{})

	h.engine.FailClose = true
	h.orch.Disconnect("A")

	for _, id := range []string{tid, p1.ID, p2.ID} {
		if n := h.engine.Closes(id); n != 1 {
			t.Fatalf("Closes(%s)=%d, want 1", id, n)
		}
	}
	// Nothing was actually closed, so the gauge keeps its value.
	if got := testutil.ToFloat64(h.metrics.ActiveProducers); got != 2 {
		t.Fatalf("active_producers=%v, want 2", got)
	}
	if _, ok := h.orch.Registry.Get("A"); ok {
		t.Fatalf("peer still registered")
	}
}

func TestDisconnect_ConcurrentWithProduce(t *testing.T) {
	h := newHarness(t, 1)
	h.join(t, "A", "r1")
	tid := h.transport(t, "A", "r1", domain.DirectionSend)

	var wg sync.WaitGroup
	var created []string
	var mu sync.Mutex
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.orch.Produce(context.Background(), "A", tid, domain.KindVideo, mediatest.VideoParams(), domain.SerialID{})
			if err == nil {
				mu.Lock()
				created = append(created, res.ID)
				mu.Unlock()
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.orch.Disconnect("A")
	}()
	wg.Wait()

	for _, id := range created {
		if n := h.engine.Closes(id); n != 1 {
			t.Fatalf("Closes(%s)=%d, want 1", id, n)
		}
	}
	if got := testutil.ToFloat64(h.metrics.ActiveProducers); got != 0 {
		t.Fatalf("active_producers=%v, want 0", got)
	}
}

func TestProduce_ConcurrentDuplicateSerial(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	const peers = 8
	tids := make([]string, peers)
	for i := range peers {
		sid := core.SessionID(fmt.Sprintf("p%d", i))
		h.join(t, sid, "r1")
		tids[i] = h.transport(t, sid, "r1", domain.DirectionSend)
	}

	var wg sync.WaitGroup
	errs := make([]error, peers)
	for i := range peers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sid := core.SessionID(fmt.Sprintf("p%d", i))
			_, errs[i] = h.orch.Produce(ctx, sid, tids[i], domain.KindVideo, mediatest.VideoParams(), domain.NewSerialID("camA"))
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case !errors.Is(err, domain.ErrValidation):
			t.Fatalf("err=%v, want validation", err)
		}
	}
	if won != 1 {
		t.Fatalf("producers holding camA=%d, want 1", won)
	}
}

func TestProduce_SerialFreedOnFailureAndDisconnect(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	h.join(t, "A", "r1")
	h.join(t, "B", "r1")
	tidA := h.transport(t, "A", "r1", domain.DirectionSend)
	tidB := h.transport(t, "B", "r1", domain.DirectionSend)

	h.engine.FailProduce = true
	if _, err := h.orch.Produce(ctx, "A", tidA, domain.KindVideo, mediatest.VideoParams(), domain.NewSerialID("camA")); !errors.Is(err, domain.ErrEngine) {
		t.Fatalf("err=%v, want engine", err)
	}
	h.engine.FailProduce = false
	h.produce(t, "A", tidA, domain.NewSerialID("camA"))

	if _, err := h.orch.Produce(ctx, "B", tidB, domain.KindVideo, mediatest.VideoParams(), domain.NewSerialID("camA")); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err=%v, want validation while A holds camA", err)
	}
	h.orch.Disconnect("A")
	if res := h.produce(t, "B", tidB, domain.NewSerialID("camA")); res.SerialID != domain.NewSerialID("camA") {
		t.Fatalf("serialId=%v, want camA", res.SerialID)
	}
}
