// Package mediatest provides an in-memory media engine for tests.
package mediatest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/sfugate/internal/domain"
	"github.com/dkeye/sfugate/internal/media"
)

var ErrRejected = errors.New("mediatest: rejected")

// Engine hands out fake workers. Fields prefixed with Fail make the matching
// operation return ErrRejected.
type Engine struct {
	FailConnect bool
	FailProduce bool
	FailConsume bool
	FailClose   bool
	// RouterDelay widens the window in which concurrent room creations race.
	RouterDelay time.Duration

	seq atomic.Uint64

	mu       sync.Mutex
	workers  []*Worker
	routers  []*Router
	closes   map[string]int
	producer map[string]*Producer
}

func NewEngine() *Engine {
	return &Engine{
		closes:   make(map[string]int),
		producer: make(map[string]*Producer),
	}
}

func (e *Engine) nextID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, e.seq.Add(1))
}

func (e *Engine) CreateWorker(_ context.Context, _ media.WorkerSettings) (media.Worker, error) {
	w := &Worker{engine: e, id: e.nextID("worker"), died: make(chan struct{})}
	e.mu.Lock()
	e.workers = append(e.workers, w)
	e.mu.Unlock()
	return w, nil
}

// RouterCount is the number of routers ever created.
func (e *Engine) RouterCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.routers)
}

// Workers returns the created workers in creation order.
func (e *Engine) Workers() []*Worker {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Worker(nil), e.workers...)
}

// Closes reports how many times Close was called on the resource id.
func (e *Engine) Closes(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closes[id]
}

func (e *Engine) recordClose(id string) error {
	e.mu.Lock()
	e.closes[id]++
	e.mu.Unlock()
	if e.FailClose {
		return ErrRejected
	}
	return nil
}

func (e *Engine) lookupProducer(id string) (*Producer, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.producer[id]
	return p, ok
}

type Worker struct {
	engine *Engine
	id     string

	dieOnce sync.Once
	died    chan struct{}
	err     error
}

func (w *Worker) ID() string            { return w.id }
func (w *Worker) Died() <-chan struct{} { return w.died }
func (w *Worker) Err() error            { return w.err }
func (w *Worker) Close() error          { return nil }

// Kill simulates an unexpected worker termination.
func (w *Worker) Kill(err error) {
	w.dieOnce.Do(func() {
		w.err = err
		close(w.died)
	})
}

func (w *Worker) CreateRouter(ctx context.Context, codecs []media.RtpCodecCapability) (media.Router, error) {
	if d := w.engine.RouterDelay; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	caps := media.RtpCapabilities{}
	for i, c := range codecs {
		c.PreferredPayloadType = uint8(96 + i)
		caps.Codecs = append(caps.Codecs, c)
	}
	r := &Router{engine: w.engine, worker: w, id: w.engine.nextID("router"), caps: caps}
	w.engine.mu.Lock()
	w.engine.routers = append(w.engine.routers, r)
	w.engine.mu.Unlock()
	return r, nil
}

type Router struct {
	engine *Engine
	worker *Worker
	id     string
	caps   media.RtpCapabilities
}

func (r *Router) ID() string                             { return r.id }
func (r *Router) RtpCapabilities() media.RtpCapabilities { return r.caps }
func (r *Router) Worker() *Worker                        { return r.worker }
func (r *Router) Close() error                           { return r.engine.recordClose(r.id) }

func (r *Router) CanConsume(producerID string, caps media.RtpCapabilities) bool {
	p, ok := r.engine.lookupProducer(producerID)
	if !ok {
		return false
	}
	_, ok = media.MatchCodec(caps, p.params)
	return ok
}

func (r *Router) CreateTransport(_ context.Context, listen media.ListenInfo) (media.Transport, error) {
	id := r.engine.nextID("transport")
	return &Transport{
		engine: r.engine,
		id:     id,
		ice:    media.IceParameters{UsernameFragment: id + "-ufrag", Password: id + "-pwd", IceLite: true},
		cands: []media.IceCandidate{{
			Foundation: "udpcandidate", Priority: 1076302079, Address: listen.AnnouncedAddress,
			Protocol: "udp", Port: 40000, Type: "host",
		}},
		dtls: media.DtlsParameters{Role: "auto", Fingerprints: []media.DtlsFingerprint{{Algorithm: "sha-256", Value: "00:11"}}},
	}, nil
}

type Transport struct {
	engine *Engine
	id     string
	ice    media.IceParameters
	cands  []media.IceCandidate
	dtls   media.DtlsParameters

	mu       sync.Mutex
	state    media.TransportState
	onChange func(media.TransportState)
}

func (t *Transport) ID() string                           { return t.id }
func (t *Transport) IceParameters() media.IceParameters   { return t.ice }
func (t *Transport) IceCandidates() []media.IceCandidate  { return t.cands }
func (t *Transport) DtlsParameters() media.DtlsParameters { return t.dtls }

func (t *Transport) State() media.TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) OnStateChange(fn func(media.TransportState)) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

func (t *Transport) setState(s media.TransportState) {
	t.mu.Lock()
	t.state = s
	fn := t.onChange
	t.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (t *Transport) Connect(_ context.Context, params media.ConnectParams) error {
	if t.engine.FailConnect || len(params.Dtls.Fingerprints) == 0 {
		return ErrRejected
	}
	t.setState(media.TransportConnected)
	return nil
}

func (t *Transport) Produce(_ context.Context, kind domain.MediaKind, params media.RtpParameters) (media.Producer, error) {
	if t.engine.FailProduce {
		return nil, ErrRejected
	}
	p := &Producer{engine: t.engine, id: t.engine.nextID("producer"), kind: kind, params: params}
	t.engine.mu.Lock()
	t.engine.producer[p.id] = p
	t.engine.mu.Unlock()
	return p, nil
}

func (t *Transport) Consume(_ context.Context, opts media.ConsumeOptions) (media.Consumer, error) {
	if t.engine.FailConsume {
		return nil, ErrRejected
	}
	p, ok := t.engine.lookupProducer(opts.ProducerID)
	if !ok {
		return nil, ErrRejected
	}
	codec, ok := media.MatchCodec(opts.RtpCapabilities, p.params)
	if !ok {
		return nil, ErrRejected
	}
	c := &Consumer{
		engine:   t.engine,
		id:       t.engine.nextID("consumer"),
		producer: p,
		params:   media.RtpParameters{Codecs: []media.RtpCodecParameters{codec}, Encodings: p.params.Encodings},
	}
	c.paused.Store(opts.Paused)
	return c, nil
}

func (t *Transport) Close() error {
	t.setState(media.TransportClosed)
	return t.engine.recordClose(t.id)
}

type Producer struct {
	engine *Engine
	id     string
	kind   domain.MediaKind
	params media.RtpParameters
}

func (p *Producer) ID() string                         { return p.id }
func (p *Producer) Kind() domain.MediaKind             { return p.kind }
func (p *Producer) RtpParameters() media.RtpParameters { return p.params }

func (p *Producer) Close() error {
	p.engine.mu.Lock()
	delete(p.engine.producer, p.id)
	p.engine.mu.Unlock()
	return p.engine.recordClose(p.id)
}

type Consumer struct {
	engine   *Engine
	id       string
	producer *Producer
	params   media.RtpParameters
	paused   atomic.Bool
}

func (c *Consumer) ID() string                         { return c.id }
func (c *Consumer) ProducerID() string                 { return c.producer.id }
func (c *Consumer) Kind() domain.MediaKind             { return c.producer.kind }
func (c *Consumer) RtpParameters() media.RtpParameters { return c.params }
func (c *Consumer) Paused() bool                       { return c.paused.Load() }
func (c *Consumer) Close() error                       { return c.engine.recordClose(c.id) }

func (c *Consumer) Resume(context.Context) error {
	c.paused.Store(false)
	return nil
}

// VideoParams is a minimal VP8 producer description.
func VideoParams() media.RtpParameters {
	return media.RtpParameters{
		Codecs:    []media.RtpCodecParameters{{MimeType: media.MimeTypeVP8, PayloadType: 96, ClockRate: 90000}},
		Encodings: []media.RtpEncodingParameters{{Ssrc: 1111}},
	}
}

// VideoCaps is a consumer capability set that decodes VP8.
func VideoCaps() media.RtpCapabilities {
	return media.RtpCapabilities{Codecs: []media.RtpCodecCapability{
		{Kind: domain.KindVideo, MimeType: media.MimeTypeVP8, ClockRate: 90000, PreferredPayloadType: 96},
	}}
}

// RemoteDtls is a client DTLS description accepted by Connect.
func RemoteDtls() media.DtlsParameters {
	return media.DtlsParameters{Role: "client", Fingerprints: []media.DtlsFingerprint{{Algorithm: "sha-256", Value: "AA:BB"}}}
}
