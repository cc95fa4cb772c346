package rtc

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/sfugate/internal/domain"
	"github.com/dkeye/sfugate/internal/media"
)

var (
	ErrMissingIce     = errors.New("iceParameters are required to connect")
	ErrNoFingerprints = errors.New("dtlsParameters carry no fingerprints")
	ErrNoEncodings    = errors.New("rtpParameters carry no encodings")
	ErrTransportGone  = errors.New("transport closed")
	ErrUnknownSource  = errors.New("producer not found on router")
)

// Transport is one ICE-lite/DTLS path between a client and a router.
type Transport struct {
	id     string
	router *Router
	api    *webrtc.API
	logger zerolog.Logger

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport

	localIce   media.IceParameters
	localCands []media.IceCandidate
	localDtls  media.DtlsParameters

	// srtpReady closes once DTLS has finished and SRTP sessions exist;
	// receivers and senders cannot start before that.
	srtpReady chan struct{}
	readyOnce sync.Once

	mu        sync.Mutex
	connected bool
	closed    bool
	onState   func(media.TransportState)
	producers []*Producer
	consumers []*Consumer
}

func settingEngine(w *Worker, listen media.ListenInfo) (webrtc.SettingEngine, error) {
	se := webrtc.SettingEngine{LoggerFactory: w.loggers}
	se.SetLite(true)
	if w.settings.RTCMaxPort > 0 {
		if err := se.SetEphemeralUDPPortRange(w.settings.RTCMinPort, w.settings.RTCMaxPort); err != nil {
			return se, err
		}
	}
	se.SetNetworkTypes(networkTypes(listen))
	if listen.EnableTCP {
		mux, err := w.tcpMux(listen.IP)
		if err != nil {
			return se, fmt.Errorf("ice tcp: %w", err)
		}
		se.SetICETCPMux(mux)
	}
	if listen.AnnouncedAddress != "" {
		se.SetNAT1To1IPs([]string{listen.AnnouncedAddress}, webrtc.ICECandidateTypeHost)
	}
	if ip := net.ParseIP(listen.IP); ip != nil && !ip.IsUnspecified() {
		se.SetIncludeLoopbackCandidate(ip.IsLoopback())
		se.SetIPFilter(func(candidate net.IP) bool { return candidate.Equal(ip) })
	}
	return se, nil
}

// networkTypes maps the listen flags to gathered candidate types. UDP host
// candidates already outrank TCP ones in pion's priority formula. With both
// flags off a transport still gathers UDP.
func networkTypes(listen media.ListenInfo) []webrtc.NetworkType {
	var types []webrtc.NetworkType
	if listen.EnableUDP || !listen.EnableTCP {
		types = append(types, webrtc.NetworkTypeUDP4)
	}
	if listen.EnableTCP {
		types = append(types, webrtc.NetworkTypeTCP4)
	}
	return types
}

func newTransport(ctx context.Context, r *Router, listen media.ListenInfo) (*Transport, error) {
	me, err := newMediaEngine(r.caps)
	if err != nil {
		return nil, err
	}
	se, err := settingEngine(r.worker, listen)
	if err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithSettingEngine(se))

	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{})
	if err != nil {
		return nil, fmt.Errorf("ice gatherer: %w", err)
	}
	ice := api.NewICETransport(gatherer)
	dtls, err := api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("dtls transport: %w", err)
	}

	t := &Transport{
		id:       uuid.NewString(),
		router:   r,
		api:      api,
		gatherer:  gatherer,
		ice:       ice,
		dtls:      dtls,
		srtpReady: make(chan struct{}),
	}
	t.logger = log.With().Str("module", "rtc").Str("router_id", r.id).Str("transport_id", t.id).Logger()

	gathered := make(chan struct{})
	var once sync.Once
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(gathered) })
		}
	})
	if err := gatherer.Gather(); err != nil {
		t.stop()
		return nil, fmt.Errorf("gather: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		t.stop()
		return nil, ctx.Err()
	}

	cands, err := gatherer.GetLocalCandidates()
	if err != nil {
		t.stop()
		return nil, err
	}
	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		t.stop()
		return nil, err
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		t.stop()
		return nil, err
	}
	t.localCands = iceCandidates(cands)
	t.localIce = iceParameters(iceParams)
	t.localIce.IceLite = true
	t.localDtls = toMediaDtls(dtlsParams)

	dtls.OnStateChange(func(s webrtc.DTLSTransportState) {
		t.logger.Info().Str("dtls_state", s.String()).Msg("DTLS state")
		switch s {
		case webrtc.DTLSTransportStateConnected:
			t.emit(media.TransportConnected)
		case webrtc.DTLSTransportStateFailed:
			t.emit(media.TransportFailed)
		case webrtc.DTLSTransportStateClosed:
			t.logger.Warn().Msg("transport DTLS state closed")
			t.emit(media.TransportClosed)
		}
	})
	ice.OnConnectionStateChange(func(s webrtc.ICETransportState) {
		t.logger.Info().Str("ice_state", s.String()).Msg("ICE state")
	})

	t.logger.Info().Int("candidates", len(t.localCands)).Msg("transport created")
	return t, nil
}

func (t *Transport) ID() string                           { return t.id }
func (t *Transport) IceParameters() media.IceParameters   { return t.localIce }
func (t *Transport) IceCandidates() []media.IceCandidate  { return t.localCands }
func (t *Transport) DtlsParameters() media.DtlsParameters { return t.localDtls }

func (t *Transport) OnStateChange(fn func(media.TransportState)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

func (t *Transport) emit(s media.TransportState) {
	t.mu.Lock()
	fn := t.onState
	t.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// Connect validates the remote parameters and starts ICE and DTLS in the
// background; completion is reported through OnStateChange.
func (t *Transport) Connect(_ context.Context, params media.ConnectParams) error {
	if params.Ice == nil || params.Ice.UsernameFragment == "" {
		return ErrMissingIce
	}
	if len(params.Dtls.Fingerprints) == 0 {
		return ErrNoFingerprints
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportGone
	}
	if t.connected {
		t.mu.Unlock()
		return errors.New("transport already connected")
	}
	t.connected = true
	t.mu.Unlock()

	remoteIce := webrtc.ICEParameters{
		UsernameFragment: params.Ice.UsernameFragment,
		Password:         params.Ice.Password,
	}
	remoteDtls := toPionDtls(params.Dtls)

	go func() {
		defer t.router.worker.guard()
		role := webrtc.ICERoleControlled
		if err := t.ice.Start(t.gatherer, remoteIce, &role); err != nil {
			t.logger.Error().Err(err).Msg("ICE start")
			t.emit(media.TransportFailed)
			return
		}
		// DTLS reports connected before SRTP is set up; Start returning
		// nil is the first point the SRTP sessions can be read.
		if err := t.dtls.Start(remoteDtls); err != nil {
			t.logger.Error().Err(err).Msg("DTLS start")
			t.emit(media.TransportFailed)
			return
		}
		t.markReady()
	}()
	return nil
}

func (t *Transport) markReady() {
	t.readyOnce.Do(func() { close(t.srtpReady) })
}

func (t *Transport) Produce(_ context.Context, kind domain.MediaKind, params media.RtpParameters) (media.Producer, error) {
	if len(params.Encodings) == 0 {
		return nil, ErrNoEncodings
	}
	if _, ok := media.MatchCodec(t.router.caps, params); !ok {
		return nil, fmt.Errorf("no codec of the producer is routable")
	}
	recv, err := t.api.NewRTPReceiver(codecType(kind), t.dtls)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = recv.Stop()
		return nil, ErrTransportGone
	}
	p := newProducer(t, kind, params, recv)
	t.producers = append(t.producers, p)
	t.mu.Unlock()

	t.router.producers.Store(p.id, p)
	p.start()
	return p, nil
}

func (t *Transport) Consume(_ context.Context, opts media.ConsumeOptions) (media.Consumer, error) {
	src, ok := t.router.producer(opts.ProducerID)
	if !ok {
		return nil, ErrUnknownSource
	}
	codec, ok := media.MatchCodec(opts.RtpCapabilities, src.params)
	if !ok {
		return nil, fmt.Errorf("consumer cannot decode producer %s", src.id)
	}

	track, err := webrtc.NewTrackLocalStaticRTP(codecCapability(codec), src.id, src.id)
	if err != nil {
		return nil, err
	}
	sender, err := t.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return nil, err
	}

	ssrc := rand.Uint32()
	c := &Consumer{
		id:       uuid.NewString(),
		producer: src,
		sender:   sender,
		out:      NewOutTrack(track),
		done:     make(chan struct{}),
		params: media.RtpParameters{
			Codecs:    []media.RtpCodecParameters{codec},
			Encodings: []media.RtpEncodingParameters{{Ssrc: ssrc}},
			Rtcp:      media.RtcpParameters{Cname: src.id, ReducedSize: true},
		},
	}
	if opts.Paused {
		c.out.MarkMuted()
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = sender.Stop()
		return nil, ErrTransportGone
	}
	t.consumers = append(t.consumers, c)
	t.mu.Unlock()

	src.relay.AddOutTrack(c.id, c.out)
	c.send(t, webrtc.RTPSendParameters{
		Encodings: []webrtc.RTPEncodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(ssrc),
				PayloadType: webrtc.PayloadType(codec.PayloadType),
			},
		}},
	})
	return c, nil
}

// stop tears down the ICE/DTLS stack only.
func (t *Transport) stop() {
	if err := t.dtls.Stop(); err != nil {
		t.logger.Debug().Err(err).Msg("dtls stop")
	}
	if err := t.ice.Stop(); err != nil {
		t.logger.Debug().Err(err).Msg("ice stop")
	}
	if err := t.gatherer.Close(); err != nil {
		t.logger.Debug().Err(err).Msg("gatherer close")
	}
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	producers, consumers := t.producers, t.consumers
	t.producers, t.consumers = nil, nil
	t.mu.Unlock()

	for _, c := range consumers {
		_ = c.Close()
	}
	for _, p := range producers {
		_ = p.Close()
	}
	t.stop()
	t.router.transports.Delete(t.id)
	t.logger.Info().Msg("transport closed")
	t.emit(media.TransportClosed)
	return nil
}
