package rpc

import (
	"sync"
)

// Pump is an UpdateStream that never blocks its caller. It queues events
// and forwards them in order to another stream on its own goroutine.
type Pump struct {
	out UpdateStream

	mu         sync.Mutex
	queue      []func()
	running    bool
	terminated bool
}

func NewPump(out UpdateStream) *Pump {
	return &Pump{out: out}
}

func (p *Pump) OnUpdate(u Update) {
	p.enqueue(func() { p.out.OnUpdate(u) }, false)
}

// OnTerminate forwards the first termination. Later events are dropped.
func (p *Pump) OnTerminate(err error) {
	p.enqueue(func() { p.out.OnTerminate(err) }, true)
}

// Stop drops queued and future events without terminating out.
func (p *Pump) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminated = true
	p.queue = nil
}

func (p *Pump) enqueue(event func(), last bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.terminated {
		return
	}
	if last {
		p.terminated = true
	}
	p.queue = append(p.queue, event)
	if !p.running {
		p.running = true
		go p.drain()
	}
}

func (p *Pump) drain() {
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.running = false
			p.mu.Unlock()
			return
		}
		event := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()
		event()
	}
}
