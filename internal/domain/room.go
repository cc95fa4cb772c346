package domain

type RoomID string

// Room is the read-only view of a room used by APIs.
type Room struct {
	ID       RoomID `json:"id"`
	WorkerID string `json:"worker_id"`
	RouterID string `json:"router_id"`
	Peers    int    `json:"peers"`
}
