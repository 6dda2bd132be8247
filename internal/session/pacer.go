package session

import (
	"log"
	"sync"
	"time"
)

// DefaultStartupDelay is the pause between consecutive session bring-ups.
// Opening many WhatsApp connections in the same instant looks like automated
// abuse to the platform, so bring-up is serialized with a cool-down.
const DefaultStartupDelay = 3 * time.Second

type pacedTask struct {
	run  func()
	done chan struct{}
}

// Pacer runs scheduled tasks strictly one at a time, in FIFO order, with a
// fixed delay after each task settles before the next one starts. A failing
// (panicking) task does not block the queue.
type Pacer struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []pacedTask
	delay   time.Duration
	stopped bool
}

// NewPacer creates a pacer and starts its worker.
func NewPacer(delay time.Duration) *Pacer {
	if delay < 0 {
		delay = 0
	}
	p := &Pacer{delay: delay}
	p.cond = sync.NewCond(&p.mu)
	go p.worker()
	return p
}

// Schedule enqueues a task. The returned channel closes once the task has
// settled and the pacing delay has elapsed. Tasks scheduled after Stop are
// completed immediately without running.
func (p *Pacer) Schedule(task func()) <-chan struct{} {
	done := make(chan struct{})
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		close(done)
		return done
	}
	p.queue = append(p.queue, pacedTask{run: task, done: done})
	p.cond.Signal()
	p.mu.Unlock()
	return done
}

// Pending returns the number of tasks that have not started yet.
func (p *Pacer) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Stop ends the worker. Queued tasks that have not started are abandoned and
// their handles closed.
func (p *Pacer) Stop() {
	p.mu.Lock()
	p.stopped = true
	abandoned := p.queue
	p.queue = nil
	p.cond.Broadcast()
	p.mu.Unlock()
	for _, t := range abandoned {
		close(t.done)
	}
}

func (p *Pacer) worker() {
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.stopped {
			p.cond.Wait()
		}
		if p.stopped {
			p.mu.Unlock()
			return
		}
		task := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.runSafe(task.run)
		time.Sleep(p.delay)
		close(task.done)
	}
}

func (p *Pacer) runSafe(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Pacer] Task panicked: %v", r)
		}
	}()
	fn()
}
