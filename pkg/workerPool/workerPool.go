package workerpool

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/i5heu/ouroboros-wave/internal/future"
)

var (
	ErrClosed    = errors.New("worker pool is closed")
	ErrQueueFull = errors.New("global buffer is full")
)

type WorkerPool struct {
	config    Config
	taskQueue chan Task
	log       *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

type Config struct {
	Name         string
	WorkerCount  int
	GlobalBuffer int
	Logger       *slog.Logger
}

type Task struct {
	run func()
}

func NewWorkerPool(config Config) *WorkerPool {
	if config.WorkerCount < 1 {
		numberOfCPUs := runtime.NumCPU()
		numberOfWorkers := (numberOfCPUs * 3)
		config.WorkerCount = numberOfWorkers
	}

	if config.GlobalBuffer < 1 {
		config.GlobalBuffer = 10000
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	wp := &WorkerPool{
		config:    config,
		taskQueue: make(chan Task, config.GlobalBuffer),
		log:       config.Logger.With(logKeyPool, config.Name),
	}

	wp.wg.Add(config.WorkerCount)
	for i := 0; i < config.WorkerCount; i++ {
		go wp.worker()
	}

	return wp
}

func (wp *WorkerPool) Name() string {
	return wp.config.Name
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()
	for t := range wp.taskQueue {
		wp.runTask(t)
	}
}

func (wp *WorkerPool) runTask(t Task) {
	defer func() {
		if r := recover(); r != nil {
			wp.log.Error("task panicked", logKeyPanic, fmt.Sprint(r))
		}
	}()
	t.run()
}

// Submit queues job, waiting for a free slot in the global buffer.
func (wp *WorkerPool) Submit(job func()) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.closed {
		return ErrClosed
	}
	wp.taskQueue <- Task{run: job}
	return nil
}

// TrySubmit queues job or fails with ErrQueueFull.
func (wp *WorkerPool) TrySubmit(job func()) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.closed {
		return ErrClosed
	}
	select {
	case wp.taskQueue <- Task{run: job}:
		return nil
	default:
		return fmt.Errorf("%s: %w", wp.config.Name, ErrQueueFull)
	}
}

// Close stops accepting tasks, runs what is queued and waits for the
// workers to exit.
func (wp *WorkerPool) Close() {
	wp.mu.Lock()
	if wp.closed {
		wp.mu.Unlock()
		return
	}
	wp.closed = true
	close(wp.taskQueue)
	wp.mu.Unlock()

	wp.wg.Wait()
}

// Go runs fn on the pool and returns its result as a future. A panic in fn
// completes the future with an error.
func Go[T any](wp *WorkerPool, fn func() (T, error)) *future.Future[T] {
	f := future.New[T]()
	err := wp.Submit(func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				f.Complete(zero, fmt.Errorf("%s: task panicked: %v", wp.config.Name, r))
			}
		}()
		f.Complete(fn())
	})
	if err != nil {
		var zero T
		f.Complete(zero, err)
	}
	return f
}
