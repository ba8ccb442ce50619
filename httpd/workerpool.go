package httpd

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// workerPool runs accepted connections on a bounded set of goroutines
// fed from a buffered hand-off queue. The pool holds min workers
// permanently, grows one at a time up to max while everyone is busy,
// and lets the extras retire after sitting idle. submit never blocks:
// a full queue is the caller's signal to shed load.
type workerPool struct {
	serve       func(net.Conn)
	min, max    int
	idleTimeout time.Duration
	gauge       func(name string, v float64)

	// mu orders submit's stopped-check-and-enqueue against shutdown's
	// stop-and-drain, so nothing can land in the queue after the drain.
	mu      sync.Mutex
	queue   chan net.Conn
	stop    chan struct{}
	wg      sync.WaitGroup
	workers int32
	busy    int32
	stopped int32
}

func newWorkerPool(serve func(net.Conn), min, max, backlog int, idle time.Duration, gauge func(string, float64)) *workerPool {
	if min < 1 {
		min = 1
	}
	if max < min {
		max = min
	}
	if backlog < 0 {
		backlog = 0
	}
	if idle <= 0 {
		idle = 10 * time.Second
	}
	return &workerPool{
		serve:       serve,
		min:         min,
		max:         max,
		idleTimeout: idle,
		gauge:       gauge,
		queue:       make(chan net.Conn, backlog),
		stop:        make(chan struct{}),
	}
}

func (p *workerPool) start() {
	for i := 0; i < p.min; i++ {
		atomic.AddInt32(&p.workers, 1)
		p.wg.Add(1)
		go p.worker(false)
	}
	p.observe()
}

// submit queues a connection, reporting false when the pool is
// stopped or the queue is full.
func (p *workerPool) submit(c net.Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if atomic.LoadInt32(&p.stopped) == 1 {
		return false
	}
	select {
	case p.queue <- c:
	default:
		return false
	}
	p.maybeGrow()
	p.observe()
	return true
}

// maybeGrow spawns a temporary worker while everyone is busy. Caller
// holds mu, so no worker is added once the pool is stopped.
func (p *workerPool) maybeGrow() {
	for {
		w := atomic.LoadInt32(&p.workers)
		if int(w) >= p.max {
			return
		}
		if atomic.LoadInt32(&p.busy) < w {
			return
		}
		if atomic.CompareAndSwapInt32(&p.workers, w, w+1) {
			p.wg.Add(1)
			go p.worker(true)
			return
		}
	}
}

func (p *workerPool) worker(temporary bool) {
	defer func() {
		atomic.AddInt32(&p.workers, -1)
		p.observe()
		p.wg.Done()
	}()
	for {
		if temporary {
			select {
			case c, ok := <-p.queue:
				if !ok {
					return
				}
				p.run(c)
			case <-time.After(p.idleTimeout):
				return
			case <-p.stop:
				return
			}
		} else {
			select {
			case c, ok := <-p.queue:
				if !ok {
					return
				}
				p.run(c)
			case <-p.stop:
				return
			}
		}
	}
}

func (p *workerPool) run(c net.Conn) {
	atomic.AddInt32(&p.busy, 1)
	p.observe()
	p.serve(c)
	atomic.AddInt32(&p.busy, -1)
	p.observe()
}

// shutdown stops intake and closes connections that were queued but
// never picked up. Workers drain on their own; wait blocks on them.
// Holding mu across the drain means every submitted connection is
// either drained here or already visible to a worker.
func (p *workerPool) shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !atomic.CompareAndSwapInt32(&p.stopped, 0, 1) {
		return
	}
	close(p.stop)
	for {
		select {
		case c := <-p.queue:
			_ = c.Close()
		default:
			return
		}
	}
}

func (p *workerPool) wait() {
	p.wg.Wait()
}

func (p *workerPool) snapshot() (workers, busy, queued int) {
	return int(atomic.LoadInt32(&p.workers)), int(atomic.LoadInt32(&p.busy)), len(p.queue)
}

func (p *workerPool) observe() {
	if p.gauge == nil {
		return
	}
	workers, busy, queued := p.snapshot()
	p.gauge("httpd_pool_workers", float64(workers))
	p.gauge("httpd_pool_busy_workers", float64(busy))
	p.gauge("httpd_pool_queue_depth", float64(queued))
}
