package wavelet

import (
	"log/slog"
	"time"

	"github.com/i5heu/ouroboros-wave/internal/deltastore"
	"github.com/i5heu/ouroboros-wave/internal/ot"
	"github.com/i5heu/ouroboros-wave/internal/segmentstore"
	"github.com/i5heu/ouroboros-wave/pkg/clock"
	"github.com/i5heu/ouroboros-wave/pkg/model"
	workerpool "github.com/i5heu/ouroboros-wave/pkg/workerPool"
)

const (
	DefaultLoadTimeout      = 30 * time.Second
	DefaultMaxTransformSpan = 10_000
)

// Deps are the collaborators every container of one server shares.
type Deps struct {
	Deltas      *deltastore.Store
	Segments    *segmentstore.Store
	Pools       *workerpool.Pools
	Transformer ot.Transformer
	Notifier    Notifier
	Logger      *slog.Logger
	Clock       clock.Clock

	// LocalDomain selects the container variant: wavelets of this domain
	// accept client submits, all others are remote.
	LocalDomain string

	// LoadTimeout bounds how long a call waits for a container to load.
	LoadTimeout time.Duration
	// MaxTransformSpan is the largest number of versions a delta is
	// transformed across before it is refused as too old.
	MaxTransformSpan int64
}

type nopNotifier struct{}

func (nopNotifier) WaveletUpdate(Update) {}
func (nopNotifier) WaveletCommitted(model.WaveletName, model.HashedVersion) {}

// Factory creates containers and starts their load.
type Factory struct {
	deps Deps
}

func NewFactory(deps Deps) *Factory {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Transformer == nil {
		deps.Transformer = ot.Default{}
	}
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	if deps.LoadTimeout <= 0 {
		deps.LoadTimeout = DefaultLoadTimeout
	}
	if deps.MaxTransformSpan <= 0 {
		deps.MaxTransformSpan = DefaultMaxTransformSpan
	}
	return &Factory{deps: deps}
}

// IsLocal reports whether name is hosted by this server.
func (f *Factory) IsLocal(name model.WaveletName) bool {
	return name.WaveletID.Domain() == f.deps.LocalDomain
}

// Create returns a loading container for name: a *LocalContainer when the
// wavelet belongs to the local domain and a *RemoteContainer otherwise.
func (f *Factory) Create(name model.WaveletName) Container {
	c := newContainer(name, f.deps)
	c.start()
	if f.IsLocal(name) {
		return &LocalContainer{container: c}
	}
	return &RemoteContainer{container: c}
}
