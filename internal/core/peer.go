package core

import (
	"errors"
	"sync"

	"github.com/dkeye/sfugate/internal/domain"
	"github.com/dkeye/sfugate/internal/media"
)

type SessionID string

var ErrPeerClosed = errors.New("peer closed")

type TransportState string

const (
	TransportCreated   TransportState = "created"
	TransportConnected TransportState = "connected"
	TransportClosed    TransportState = "closed"
)

// TransportEntry is a transport owned by a peer plus the direction it was
// requested for.
type TransportEntry struct {
	Transport media.Transport
	Direction domain.Direction

	mu    sync.Mutex
	state TransportState
}

func (e *TransportEntry) State() TransportState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SetState moves the entry forward; closed is terminal.
func (e *TransportEntry) SetState(s TransportState) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == TransportClosed || e.state == s {
		return false
	}
	e.state = s
	return true
}

type ProducerEntry struct {
	Producer media.Producer
	SerialID domain.SerialID
}

type ConsumerEntry struct {
	Consumer media.Consumer
	SerialID domain.SerialID
}

// Resources is everything a peer owned at the moment it was closed.
type Resources struct {
	Transports []*TransportEntry
	Producers  []ProducerEntry
	Consumers  []ConsumerEntry
}

// Peer is the per-connection session state. Every list mutation happens under
// mu, and nothing can be appended once Close has run.
type Peer struct {
	ID     SessionID
	RoomID domain.RoomID

	mu         sync.Mutex
	closed     bool
	serial     uint64
	transports []*TransportEntry
	producers  []ProducerEntry
	consumers  []ConsumerEntry
}

func NewPeer(id SessionID, roomID domain.RoomID) *Peer {
	return &Peer{ID: id, RoomID: roomID}
}

func (p *Peer) AddTransport(t media.Transport, dir domain.Direction) (*TransportEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPeerClosed
	}
	e := &TransportEntry{Transport: t, Direction: dir, state: TransportCreated}
	p.transports = append(p.transports, e)
	return e, nil
}

func (p *Peer) Transport(id string) (*TransportEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.transports {
		if e.Transport.ID() == id {
			return e, true
		}
	}
	return nil, false
}

// AddProducer records a producer. The serial counter advances on every call;
// an unset serial is replaced by the new counter value.
func (p *Peer) AddProducer(prod media.Producer, serial domain.SerialID) (domain.SerialID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return domain.SerialID{}, ErrPeerClosed
	}
	p.serial++
	if serial.Unset() {
		serial = domain.AutoSerialID(p.serial)
	}
	p.producers = append(p.producers, ProducerEntry{Producer: prod, SerialID: serial})
	return serial, nil
}

func (p *Peer) Producers() []ProducerEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ProducerEntry(nil), p.producers...)
}

// FindProducer returns the first producer of this peer with the given serial.
func (p *Peer) FindProducer(serial domain.SerialID) (media.Producer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.producers {
		if e.SerialID == serial {
			return e.Producer, true
		}
	}
	return nil, false
}

func (p *Peer) AddConsumer(c media.Consumer, serial domain.SerialID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPeerClosed
	}
	p.consumers = append(p.consumers, ConsumerEntry{Consumer: c, SerialID: serial})
	return nil
}

func (p *Peer) Consumer(id string) (media.Consumer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.consumers {
		if e.Consumer.ID() == id {
			return e.Consumer, true
		}
	}
	return nil, false
}

// Counts returns the number of transports, producers and consumers.
func (p *Peer) Counts() (int, int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.transports), len(p.producers), len(p.consumers)
}

func (p *Peer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close marks the peer closed and hands its resources to the caller. Only the
// first call gets them; later calls return ok == false.
func (p *Peer) Close() (Resources, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return Resources{}, false
	}
	p.closed = true
	res := Resources{Transports: p.transports, Producers: p.producers, Consumers: p.consumers}
	p.transports, p.producers, p.consumers = nil, nil, nil
	return res, true
}
