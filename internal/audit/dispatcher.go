// Package audit records connection, transport, producer, consumer and error
// events. Submission never blocks the caller: records go through a bounded
// queue drained by background workers, and a full queue drops the record.
package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

const writeTimeout = 5 * time.Second

type Dispatcher struct {
	stores []Store
	queue  chan Record

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
	wg      conc.WaitGroup
}

func NewDispatcher(queueSize, workers int, stores ...Store) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if workers <= 0 {
		workers = 1
	}
	d := &Dispatcher{stores: stores, queue: make(chan Record, queueSize)}
	for i := 0; i < workers; i++ {
		d.wg.Go(d.drain)
	}
	return d
}

// Submit enqueues rec without blocking and reports whether it was accepted.
func (d *Dispatcher) Submit(rec Record) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		return false
	}
	select {
	case d.queue <- rec:
		return true
	default:
		n := d.dropped.Add(1)
		log.Warn().Str("module", "audit").Str("table", rec.Table()).Uint64("dropped", n).Msg("audit queue full, record dropped")
		return false
	}
}

func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

func (d *Dispatcher) drain() {
	for rec := range d.queue {
		for _, s := range d.stores {
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			if err := s.Write(ctx, rec); err != nil {
				log.Error().Err(err).Str("module", "audit").Str("table", rec.Table()).Msg("audit write failed")
			}
			cancel()
		}
	}
}

// Close stops accepting records and waits until the queue is written out.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}
