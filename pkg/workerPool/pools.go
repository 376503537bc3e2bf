package workerpool

import (
	"log/slog"
)

// Pools are the dedicated task pools of the wave server. Loading, indexing,
// persistence and continuations never share workers, so none of them can
// starve the others.
type Pools struct {
	Load         *WorkerPool
	Indexing     *WorkerPool
	Persist      *WorkerPool
	Continuation *WorkerPool
}

type PoolsConfig struct {
	LoadWorkers         int
	IndexingWorkers     int
	PersistWorkers      int
	ContinuationWorkers int
	Logger              *slog.Logger
}

func NewPools(config PoolsConfig) *Pools {
	newPool := func(name string, workers int) *WorkerPool {
		return NewWorkerPool(Config{
			Name:        name,
			WorkerCount: workers,
			Logger:      config.Logger,
		})
	}
	return &Pools{
		Load:         newPool("load", config.LoadWorkers),
		Indexing:     newPool("indexing", config.IndexingWorkers),
		Persist:      newPool("persist", config.PersistWorkers),
		Continuation: newPool("continuation", config.ContinuationWorkers),
	}
}

// Close drains and stops every pool. Continuations go last because the
// other pools hand work to them.
func (p *Pools) Close() {
	p.Load.Close()
	p.Indexing.Close()
	p.Persist.Close()
	p.Continuation.Close()
}
