package core

import (
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/sfugate/internal/domain"
	"github.com/dkeye/sfugate/internal/media"
)

// Room binds a room id to its router and tracks the peers that joined it.
// It never closes peer-owned resources.
type Room struct {
	id       domain.RoomID
	workerID string
	router   media.Router

	mu    sync.RWMutex
	peers []*Peer // join order
	// explicit serial ids claimed by producers of this room, by owner
	serials map[domain.SerialID]SessionID
}

func NewRoom(id domain.RoomID, workerID string, router media.Router) *Room {
	return &Room{
		id:       id,
		workerID: workerID,
		router:   router,
		serials:  make(map[domain.SerialID]SessionID),
	}
}

func (r *Room) ID() domain.RoomID    { return r.id }
func (r *Room) WorkerID() string     { return r.workerID }
func (r *Room) Router() media.Router { return r.router }

func (r *Room) AddPeer(p *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, cur := range r.peers {
		if cur.ID == p.ID {
			r.peers[i] = p
			return
		}
	}
	r.peers = append(r.peers, p)
	log.Info().Str("module", "core.room").Str("room_id", string(r.id)).Str("sid", string(p.ID)).Msg("peer added")
}

func (r *Room) RemovePeer(sid SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers = slices.DeleteFunc(r.peers, func(p *Peer) bool { return p.ID == sid })
	log.Info().Str("module", "core.room").Str("room_id", string(r.id)).Str("sid", string(sid)).Msg("peer removed")
}

func (r *Room) PeerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// PeersSnapshot returns the joined peers in join order.
func (r *Room) PeersSnapshot() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.peers)
}

func (r *Room) Info() domain.Room {
	return domain.Room{
		ID:       r.id,
		WorkerID: r.workerID,
		RouterID: r.router.ID(),
		Peers:    r.PeerCount(),
	}
}

// ClaimSerial reserves an explicit serial id for sid. It fails when the id
// is already claimed or carried by a producer of a joined peer.
func (r *Room) ClaimSerial(serial domain.SerialID, sid SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.serials[serial]; taken {
		return false
	}
	for _, p := range r.peers {
		if _, ok := p.FindProducer(serial); ok {
			return false
		}
	}
	r.serials[serial] = sid
	return true
}

// ReleaseSerial drops sid's claim on serial, if it holds one.
func (r *Room) ReleaseSerial(serial domain.SerialID, sid SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.serials[serial] == sid {
		delete(r.serials, serial)
	}
}

// ReleaseSerials drops every claim held by sid.
func (r *Room) ReleaseSerials(sid SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for serial, owner := range r.serials {
		if owner == sid {
			delete(r.serials, serial)
		}
	}
}
