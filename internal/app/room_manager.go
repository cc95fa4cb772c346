package app

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/dkeye/sfugate/internal/core"
	"github.com/dkeye/sfugate/internal/domain"
	"github.com/dkeye/sfugate/internal/media"
)

// RoomRegistry maps room ids to rooms. Rooms are created lazily and live for
// the lifetime of the process.
type RoomRegistry struct {
	pool   *WorkerPool
	codecs []media.RtpCodecCapability
	group  singleflight.Group

	mu    sync.RWMutex
	rooms map[domain.RoomID]*core.Room
}

func NewRoomRegistry(pool *WorkerPool) *RoomRegistry {
	return &RoomRegistry{
		pool:   pool,
		codecs: media.RoomCodecs(),
		rooms:  make(map[domain.RoomID]*core.Room),
	}
}

func (rr *RoomRegistry) Lookup(id domain.RoomID) (*core.Room, bool) {
	rr.mu.RLock()
	defer rr.mu.RUnlock()
	room, ok := rr.rooms[id]
	return room, ok
}

// GetOrCreate returns the room for id, creating its router on the next pool
// worker if needed. Concurrent calls for the same id share one creation.
func (rr *RoomRegistry) GetOrCreate(ctx context.Context, id domain.RoomID) (*core.Room, error) {
	if room, ok := rr.Lookup(id); ok {
		return room, nil
	}
	v, err, _ := rr.group.Do(string(id), func() (any, error) {
		if room, ok := rr.Lookup(id); ok {
			return room, nil
		}
		router, worker, err := rr.pool.CreateRouter(ctx, rr.codecs)
		if err != nil {
			return nil, err
		}
		room := core.NewRoom(id, worker.ID(), router)
		rr.mu.Lock()
		rr.rooms[id] = room
		rr.mu.Unlock()
		log.Info().Str("module", "app.rooms").Str("room_id", string(id)).Str("worker_id", worker.ID()).
			Str("router_id", router.ID()).Msg("room created")
		return room, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*core.Room), nil
}

// List returns the rooms sorted by id.
func (rr *RoomRegistry) List() []domain.Room {
	rr.mu.RLock()
	rooms := make([]*core.Room, 0, len(rr.rooms))
	for _, r := range rr.rooms {
		rooms = append(rooms, r)
	}
	rr.mu.RUnlock()

	out := make([]domain.Room, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, r.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
