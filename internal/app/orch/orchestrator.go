// Package orch implements the signaling state machine: it joins sessions to
// rooms and creates, connects and tears down their media resources.
package orch

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/sfugate/internal/app"
	"github.com/dkeye/sfugate/internal/audit"
	"github.com/dkeye/sfugate/internal/core"
	"github.com/dkeye/sfugate/internal/domain"
	"github.com/dkeye/sfugate/internal/media"
)

// Auditor accepts audit records without blocking.
type Auditor interface {
	Submit(rec audit.Record) bool
}

type Metrics interface {
	ProducerOpened(peerID string)
	ConsumerOpened(peerID string)
	ProducerClosed()
	ConsumerClosed()
	DeletePeer(peerID string)
}

type Orchestrator struct {
	Registry *app.Registry
	Rooms    *app.RoomRegistry
	Audit    Auditor
	Metrics  Metrics
	// Listen is passed to every transport the routers create.
	Listen media.ListenInfo
}

type TransportInfo struct {
	ID             string               `json:"id"`
	IceParameters  media.IceParameters  `json:"iceParameters"`
	IceCandidates  []media.IceCandidate `json:"iceCandidates"`
	DtlsParameters media.DtlsParameters `json:"dtlsParameters"`
}

type ProduceResult struct {
	ID       string          `json:"id"`
	SerialID domain.SerialID `json:"serialId"`
}

type ConsumeResult struct {
	ID            string              `json:"id"`
	ProducerID    string              `json:"producerId"`
	Kind          domain.MediaKind    `json:"kind"`
	RtpParameters media.RtpParameters `json:"rtpParameters"`
}

func (o *Orchestrator) submit(rec audit.Record) {
	if o.Audit != nil {
		o.Audit.Submit(rec)
	}
}

func (o *Orchestrator) peer(sid core.SessionID) (*core.Peer, error) {
	p, ok := o.Registry.Get(sid)
	if !ok {
		return nil, domain.NotFound(domain.ComponentSocket, "Peer not found for socket id")
	}
	return p, nil
}

func (o *Orchestrator) roomOf(p *core.Peer) (*core.Room, error) {
	room, ok := o.Rooms.Lookup(p.RoomID)
	if !ok {
		return nil, domain.NotFound(domain.ComponentRoom, "room not found")
	}
	return room, nil
}

// fail stamps err with op, records it and returns it for the response.
func (o *Orchestrator) fail(sid core.SessionID, roomID domain.RoomID, op string, err error) error {
	e := *domain.AsError(err)
	if e.Op == "" {
		e.Op = op
	}
	if roomID == "" {
		if p, ok := o.Registry.Get(sid); ok {
			roomID = p.RoomID
		}
	}
	if roomID == "" {
		roomID = "unknown"
	}
	log.Warn().Err(&e).Str("module", "orch").Str("sid", string(sid)).Str("room_id", string(roomID)).
		Str("op", op).Str("kind", string(e.Kind)).Msg("request failed")
	o.submit(audit.Error{
		SocketID:  string(sid),
		RoomID:    string(roomID),
		Component: string(e.Component),
		Code:      string(e.Kind),
		Message:   e.Error(),
		Context:   map[string]any{"op": op},
		At:        time.Now(),
	})
	return &e
}

// Reject records a failure detected before the request reached the
// orchestrator, such as a malformed payload.
func (o *Orchestrator) Reject(sid core.SessionID, op string, err error) error {
	return o.fail(sid, "", op, err)
}
