package orch

import (
	"github.com/dkeye/sfugate/internal/core"
	"github.com/dkeye/sfugate/internal/domain"
	"github.com/dkeye/sfugate/internal/media"
)

// MatchProducer returns the first producer in room carrying serial, scanning
// peers in join order and each peer's producers in creation order.
func MatchProducer(room *core.Room, serial domain.SerialID) (media.Producer, *core.Peer, bool) {
	for _, p := range room.PeersSnapshot() {
		if prod, ok := p.FindProducer(serial); ok {
			return prod, p, true
		}
	}
	return nil, nil, false
}
