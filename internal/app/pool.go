package app

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/sfugate/internal/domain"
	"github.com/dkeye/sfugate/internal/media"
)

const DefaultMaxRoutersPerWorker = 25

var (
	ErrPoolEmpty       = errors.New("worker pool is empty")
	ErrPoolInitialized = errors.New("worker pool already initialized")
)

// WorkerCount resolves the configured worker count: zero means one per CPU,
// and the result never exceeds max.
func WorkerCount(count, max int) int {
	if count <= 0 {
		count = runtime.NumCPU()
	}
	if max > 0 && count > max {
		count = max
	}
	return count
}

type poolWorker struct {
	worker   media.Worker
	routers  []media.Router
	reserved int
}

type WorkerStats struct {
	ID      string `json:"id"`
	Routers int    `json:"routers"`
}

// WorkerPool owns the media workers and hands them out round-robin.
type WorkerPool struct {
	engine     media.Engine
	maxRouters int

	cursor atomic.Uint64

	mu      sync.Mutex
	workers []*poolWorker
}

func NewWorkerPool(engine media.Engine, maxRouters int) *WorkerPool {
	if maxRouters <= 0 {
		maxRouters = DefaultMaxRoutersPerWorker
	}
	return &WorkerPool{engine: engine, maxRouters: maxRouters}
}

// Initialize starts n workers concurrently and calls onDied once for every
// worker that terminates before ctx is done.
func (p *WorkerPool) Initialize(ctx context.Context, n int, settings media.WorkerSettings, onDied func(media.Worker)) error {
	if n <= 0 {
		return ErrPoolEmpty
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.workers) > 0 {
		return ErrPoolInitialized
	}

	started := make([]media.Worker, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := range started {
		g.Go(func() error {
			w, err := p.engine.CreateWorker(gctx, settings)
			if err != nil {
				return fmt.Errorf("create worker %d: %w", i, err)
			}
			started[i] = w
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, w := range started {
			if w != nil {
				_ = w.Close()
			}
		}
		return err
	}

	for _, w := range started {
		p.workers = append(p.workers, &poolWorker{worker: w})
		go p.watch(ctx, w, onDied)
		log.Info().Str("module", "app.pool").Str("worker_id", w.ID()).Msg("worker started")
	}
	return nil
}

func (p *WorkerPool) watch(ctx context.Context, w media.Worker, onDied func(media.Worker)) {
	select {
	case <-ctx.Done():
	case <-w.Died():
		log.Error().Err(w.Err()).Str("module", "app.pool").Str("worker_id", w.ID()).Msg("worker died")
		if onDied != nil {
			onDied(w)
		}
	}
}

func (p *WorkerPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// next advances the shared cursor; callers hold p.mu.
func (p *WorkerPool) next() *poolWorker {
	i := (p.cursor.Add(1) - 1) % uint64(len(p.workers))
	return p.workers[i]
}

// CreateRouter picks the next worker and creates a router on it. A worker
// already hosting maxRouters routers fails the request with a capacity error;
// the cursor has advanced regardless, so the next call lands elsewhere.
func (p *WorkerPool) CreateRouter(ctx context.Context, codecs []media.RtpCodecCapability) (media.Router, media.Worker, error) {
	p.mu.Lock()
	if len(p.workers) == 0 {
		p.mu.Unlock()
		return nil, nil, domain.Engine(domain.ComponentRoom, "no media workers", ErrPoolEmpty)
	}
	pw := p.next()
	if len(pw.routers)+pw.reserved >= p.maxRouters {
		p.mu.Unlock()
		log.Warn().Str("module", "app.pool").Str("worker_id", pw.worker.ID()).Int("routers", len(pw.routers)).Msg("worker at capacity")
		return nil, nil, domain.Capacity(domain.ComponentRoom,
			fmt.Sprintf("Worker reached maximum router limit of %d.", p.maxRouters))
	}
	pw.reserved++
	p.mu.Unlock()

	router, err := pw.worker.CreateRouter(ctx, codecs)

	p.mu.Lock()
	defer p.mu.Unlock()
	pw.reserved--
	if err != nil {
		return nil, nil, domain.Engine(domain.ComponentRoom, "create router", err)
	}
	pw.routers = append(pw.routers, router)
	return router, pw.worker, nil
}

func (p *WorkerPool) Stats() []WorkerStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]WorkerStats, 0, len(p.workers))
	for _, pw := range p.workers {
		out = append(out, WorkerStats{ID: pw.worker.ID(), Routers: len(pw.routers)})
	}
	return out
}

func (p *WorkerPool) Close() {
	p.mu.Lock()
	workers := p.workers
	p.workers = nil
	p.mu.Unlock()
	for _, pw := range workers {
		if err := pw.worker.Close(); err != nil {
			log.Error().Err(err).Str("module", "app.pool").Str("worker_id", pw.worker.ID()).Msg("worker close")
		}
	}
}
