package engine

import (
	"context"
	"sync"
)

// PairHandler processes one admitted PathPair.
type PairHandler func(context.Context, PathPair)

// WorkerPool is the admission gate of a run: a resizable set of goroutines
// receiving PathPairs from an unbuffered channel, so pairs are admitted in
// submission order as workers free up.
type WorkerPool struct {
	pairChan PairChannel
	handler  PairHandler

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	workers     map[int]chan struct{}
	workerCount int
	nextID      int
	wg          sync.WaitGroup
}

// NewWorkerPool returns a pool that runs handler for each pair it receives.
func NewWorkerPool(ctx context.Context, pairChan PairChannel, handler PairHandler) *WorkerPool {
	ctx, cancel := context.WithCancel(ctx)
	return &WorkerPool{
		pairChan: pairChan,
		handler:  handler,
		ctx:      ctx,
		cancel:   cancel,
		workers:  make(map[int]chan struct{}),
	}
}

// SetWorkerCount grows or shrinks the pool to count.
// Removed workers finish their current pair first.
func (p *WorkerPool) SetWorkerCount(count int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.workerCount < count {
		p.addWorker()
	}

	for p.workerCount > count {
		p.removeWorker()
	}
}

// WorkerCount returns the current target number of workers.
func (p *WorkerPool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workerCount
}

func (p *WorkerPool) addWorker() {
	quitChan := make(chan struct{})
	id := p.nextID
	p.nextID++
	p.workers[id] = quitChan
	p.workerCount++
	p.wg.Add(1)

	go func(quit chan struct{}) {
		defer p.wg.Done()
		for {
			// Prioritize quit and context cancellation checking
			select {
			case <-quit:
				return
			case <-p.ctx.Done():
				return
			default:
			}

			select {
			case <-quit:
				return
			case <-p.ctx.Done():
				return
			case pair, ok := <-p.pairChan:
				if !ok {
					return
				}
				p.handler(p.ctx, pair)
			}
		}
	}(quitChan)
}

func (p *WorkerPool) removeWorker() {
	for id, quit := range p.workers {
		close(quit)
		delete(p.workers, id)
		p.workerCount--
		return
	}
}

// Wait blocks until every worker has exited, which happens once the pair
// channel is closed and drained or the pool's context is done.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
	p.cancel()
}
