package workerpool

import (
	"sync"

	"github.com/i5heu/ouroboros-wave/internal/future"
)

// Serial runs jobs one at a time in submission order on a shared pool. At
// most one worker is occupied by a Serial at any moment.
type Serial struct {
	pool    *WorkerPool
	mu      sync.Mutex
	queue   []func()
	running bool
}

func NewSerial(pool *WorkerPool) *Serial {
	return &Serial{pool: pool}
}

func (s *Serial) Submit(job func()) error {
	s.mu.Lock()
	s.queue = append(s.queue, job)
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	if err := s.pool.Submit(s.drain); err != nil {
		s.mu.Lock()
		s.queue = nil
		s.running = false
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Serial) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		job := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.run(job)
	}
}

func (s *Serial) run(job func()) {
	defer func() {
		if r := recover(); r != nil {
			s.pool.log.Error("serial task panicked", logKeyPanic, r)
		}
	}()
	job()
}

// Flush returns a future that completes once every job submitted before the
// call has run.
func (s *Serial) Flush() *future.Future[struct{}] {
	f := future.New[struct{}]()
	if err := s.Submit(func() { f.Complete(struct{}{}, nil) }); err != nil {
		f.Complete(struct{}{}, err)
	}
	return f
}
