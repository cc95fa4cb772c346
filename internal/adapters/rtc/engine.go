// Package rtc implements the media engine on top of pion's ORTC API: every
// router owns a codec set, every transport is an ICE-lite gatherer + ICE +
// DTLS stack, producers are RTP receivers and consumers are RTP senders fed
// by an in-process relay.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/ice/v4"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/sfugate/internal/media"
)

type Engine struct {
	loggers logging.LoggerFactory
}

func NewEngine(loggers logging.LoggerFactory) *Engine {
	return &Engine{loggers: loggers}
}

func (e *Engine) CreateWorker(_ context.Context, settings media.WorkerSettings) (media.Worker, error) {
	if settings.RTCMinPort > settings.RTCMaxPort {
		return nil, fmt.Errorf("invalid rtc port range %d-%d", settings.RTCMinPort, settings.RTCMaxPort)
	}
	loggers := e.loggers
	if settings.LogLevel != "" {
		level, err := zerolog.ParseLevel(settings.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("worker log level: %w", err)
		}
		loggers = NewLoggerFactory(level)
	}
	w := &Worker{
		id:       uuid.NewString(),
		settings: settings,
		loggers:  loggers,
		tcpMuxes: make(map[string]ice.TCPMux),
		died:     make(chan struct{}),
	}
	log.Info().Str("module", "rtc").Str("worker_id", w.id).
		Uint16("min_port", settings.RTCMinPort).Uint16("max_port", settings.RTCMaxPort).
		Msg("worker created")
	return w, nil
}

// Worker is an in-process media worker: a port range plus the routers and
// relay goroutines living on it. A panic in any of its relay loops is the
// in-process equivalent of a crashed worker and is reported through Died.
type Worker struct {
	id       string
	settings media.WorkerSettings
	loggers  logging.LoggerFactory

	mu       sync.Mutex
	routers  []*Router
	tcpMuxes map[string]ice.TCPMux // listen ip -> shared ICE-TCP listener
	closed   bool

	dieOnce sync.Once
	died    chan struct{}
	err     error
}

func (w *Worker) ID() string            { return w.id }
func (w *Worker) Died() <-chan struct{} { return w.died }

func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *Worker) fail(err error) {
	w.dieOnce.Do(func() {
		w.mu.Lock()
		w.err = err
		w.mu.Unlock()
		close(w.died)
	})
}

// guard turns a panic in a worker goroutine into worker death.
func (w *Worker) guard() {
	if r := recover(); r != nil {
		log.Error().Str("module", "rtc").Str("worker_id", w.id).Interface("panic", r).Msg("worker goroutine panicked")
		w.fail(fmt.Errorf("worker %s: %v", w.id, r))
	}
}

func (w *Worker) CreateRouter(_ context.Context, codecs []media.RtpCodecCapability) (media.Router, error) {
	caps := routerCapabilities(codecs)
	// Fail fast on codecs pion cannot register.
	if _, err := newMediaEngine(caps); err != nil {
		return nil, err
	}
	r := &Router{id: uuid.NewString(), worker: w, caps: caps}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, fmt.Errorf("worker %s closed", w.id)
	}
	w.routers = append(w.routers, r)
	return r, nil
}

func (w *Worker) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	routers, muxes := w.routers, w.tcpMuxes
	w.routers, w.tcpMuxes = nil, nil
	w.mu.Unlock()

	for _, r := range routers {
		if err := r.Close(); err != nil {
			log.Error().Err(err).Str("module", "rtc").Str("router_id", r.id).Msg("router close")
		}
	}
	for ip, mux := range muxes {
		if err := mux.Close(); err != nil {
			log.Error().Err(err).Str("module", "rtc").Str("ip", ip).Msg("ice tcp mux close")
		}
	}
	return nil
}

var errNoTCPPort = errors.New("no free tcp port in rtc range")

// tcpMux returns the worker's ICE-TCP listener for ip, opening it on the
// first free port of the worker's range.
func (w *Worker) tcpMux(ip string) (ice.TCPMux, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, fmt.Errorf("worker %s closed", w.id)
	}
	if mux, ok := w.tcpMuxes[ip]; ok {
		return mux, nil
	}
	ln, err := listenTCP(ip, w.settings.RTCMinPort, w.settings.RTCMaxPort)
	if err != nil {
		return nil, err
	}
	mux := webrtc.NewICETCPMux(w.loggers.NewLogger("ice-tcp"), ln, 8)
	w.tcpMuxes[ip] = mux
	log.Info().Str("module", "rtc").Str("worker_id", w.id).Str("addr", ln.Addr().String()).Msg("ice tcp listening")
	return mux, nil
}

func listenTCP(ip string, minPort, maxPort uint16) (net.Listener, error) {
	if ip == "" {
		ip = "0.0.0.0"
	}
	if maxPort == 0 {
		return net.Listen("tcp4", net.JoinHostPort(ip, "0"))
	}
	for port := int(minPort); port <= int(maxPort); port++ {
		ln, err := net.Listen("tcp4", net.JoinHostPort(ip, strconv.Itoa(port)))
		if err == nil {
			return ln, nil
		}
	}
	return nil, errNoTCPPort
}

type Router struct {
	id     string
	worker *Worker
	caps   media.RtpCapabilities

	producers  sync.Map // id -> *Producer
	transports sync.Map // id -> *Transport
}

func (r *Router) ID() string                             { return r.id }
func (r *Router) RtpCapabilities() media.RtpCapabilities { return r.caps }

func (r *Router) producer(id string) (*Producer, bool) {
	v, ok := r.producers.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Producer), true
}

func (r *Router) CanConsume(producerID string, caps media.RtpCapabilities) bool {
	p, ok := r.producer(producerID)
	if !ok {
		return false
	}
	_, ok = media.MatchCodec(caps, p.params)
	return ok
}

func (r *Router) CreateTransport(ctx context.Context, listen media.ListenInfo) (media.Transport, error) {
	t, err := newTransport(ctx, r, listen)
	if err != nil {
		return nil, err
	}
	r.transports.Store(t.id, t)
	return t, nil
}

func (r *Router) Close() error {
	r.transports.Range(func(key, value any) bool {
		if err := value.(*Transport).Close(); err != nil {
			log.Error().Err(err).Str("module", "rtc").Str("transport_id", key.(string)).Msg("transport close")
		}
		return true
	})
	return nil
}
