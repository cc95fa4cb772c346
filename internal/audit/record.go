package audit

import "time"

// Record is one append-only audit row.
type Record interface {
	Table() string
}

type ConnectionEvent string

const (
	Connected    ConnectionEvent = "connected"
	Disconnected ConnectionEvent = "disconnected"
)

type TransportStatus string

const (
	TransportCreated   TransportStatus = "created"
	TransportConnected TransportStatus = "connected"
)

type Connection struct {
	SocketID string
	RoomID   string
	Event    ConnectionEvent
	At       time.Time
}

type Transport struct {
	SocketID    string
	RoomID      string
	TransportID string
	Direction   string
	Status      TransportStatus
	At          time.Time
}

type Producer struct {
	SocketID   string
	RoomID     string
	ProducerID string
	SerialID   string
	Kind       string
	At         time.Time
}

type Consumer struct {
	SocketID   string
	RoomID     string
	ConsumerID string
	SerialID   string
	ProducerID string
	At         time.Time
}

type Error struct {
	SocketID  string
	RoomID    string
	Component string
	Code      string
	Message   string
	Context   map[string]any
	At        time.Time
}

func (Connection) Table() string { return "connection_logs" }
func (Transport) Table() string  { return "transport_logs" }
func (Producer) Table() string   { return "producer_logs" }
func (Consumer) Table() string   { return "consumer_logs" }
func (Error) Table() string      { return "error_logs" }
