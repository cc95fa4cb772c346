package app

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/sfugate/internal/core"
)

// Registry maps signaling sessions to their joined peer.
type Registry struct {
	mu    sync.RWMutex
	peers map[core.SessionID]*core.Peer
}

func NewRegistry() *Registry {
	return &Registry{peers: make(map[core.SessionID]*core.Peer)}
}

// Bind registers p unless its session already has a peer.
func (r *Registry) Bind(p *core.Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[p.ID]; ok {
		return false
	}
	r.peers[p.ID] = p
	log.Info().Str("module", "app.registry").Str("sid", string(p.ID)).Str("room_id", string(p.RoomID)).Msg("bound peer")
	return true
}

func (r *Registry) Get(sid core.SessionID) (*core.Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[sid]
	return p, ok
}

// Unbind removes and returns the peer of sid. Only one caller ever gets it.
func (r *Registry) Unbind(sid core.SessionID) (*core.Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[sid]
	if !ok {
		return nil, false
	}
	delete(r.peers, sid)
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("unbind peer")
	return p, true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}
