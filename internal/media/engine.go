// Package media is the contract between the orchestration layer and the
// media engine that actually terminates ICE/DTLS and forwards RTP.
package media

import (
	"context"

	"github.com/dkeye/sfugate/internal/domain"
)

type WorkerSettings struct {
	LogLevel   string
	RTCMinPort uint16
	RTCMaxPort uint16
}

// Engine spawns workers.
type Engine interface {
	CreateWorker(ctx context.Context, settings WorkerSettings) (Worker, error)
}

type Worker interface {
	ID() string
	CreateRouter(ctx context.Context, codecs []RtpCodecCapability) (Router, error)
	// Died is closed when the worker terminates unexpectedly; Err then
	// reports the reason.
	Died() <-chan struct{}
	Err() error
	Close() error
}

type Router interface {
	ID() string
	RtpCapabilities() RtpCapabilities
	CreateTransport(ctx context.Context, listen ListenInfo) (Transport, error)
	// CanConsume reports whether an endpoint with caps can decode producerID.
	CanConsume(producerID string, caps RtpCapabilities) bool
	Close() error
}

type Transport interface {
	ID() string
	IceParameters() IceParameters
	IceCandidates() []IceCandidate
	DtlsParameters() DtlsParameters
	Connect(ctx context.Context, params ConnectParams) error
	Produce(ctx context.Context, kind domain.MediaKind, params RtpParameters) (Producer, error)
	Consume(ctx context.Context, opts ConsumeOptions) (Consumer, error)
	OnStateChange(fn func(TransportState))
	Close() error
}

// ConnectParams carries the remote side of the handshake. Ice is optional for
// engines that learn remote credentials from incoming checks.
type ConnectParams struct {
	Dtls DtlsParameters
	Ice  *IceParameters
}

type ConsumeOptions struct {
	ProducerID      string
	RtpCapabilities RtpCapabilities
	Paused          bool
}

type Producer interface {
	ID() string
	Kind() domain.MediaKind
	RtpParameters() RtpParameters
	Close() error
}

type Consumer interface {
	ID() string
	ProducerID() string
	Kind() domain.MediaKind
	RtpParameters() RtpParameters
	Paused() bool
	Resume(ctx context.Context) error
	Close() error
}
