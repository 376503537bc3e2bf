package client

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/maps"

	"github.com/i5heu/ouroboros-wave/pkg/model"
	"github.com/i5heu/ouroboros-wave/pkg/rpc"
)

// State is the connection state of a Multiplexer.
type State int32

const (
	StateInitial State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateReconnecting
	// StateClosed is the terminal form of StateInitial.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "INITIAL"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnected:
		return "DISCONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Dialer opens a new connection to the server.
type Dialer func(ctx context.Context) (rpc.Conn, error)

// StreamListener follows the operation channels of a Multiplexer. Calls
// come from connection goroutines and must not block.
type StreamListener interface {
	OnOperationChannelCreated(c *OperationChannel)
	OnOperationChannelRemoved(name model.WaveletName)
	// OnOpenFinished reports that the first connection opened every known
	// wavelet.
	OnOpenFinished()
	// OnFailed reports a channel that failed for good. It is removed next.
	OnFailed(name model.WaveletName, err *ChannelError)
}

// KnownWavelet is a wavelet the client already holds up to Version.
type KnownWavelet struct {
	Name    model.WaveletName
	Version model.HashedVersion
}

type Config struct {
	Participant model.ParticipantID
	Dial        Dialer
	// Scheduler runs reconnect attempts and indexing retries.
	Scheduler Scheduler
	Backoff   *Backoff
	// IndexingRetryDelay is the fixed pause before a request that hit a
	// reindexing wavelet is issued again.
	IndexingRetryDelay time.Duration
	Indexing           IndexingListener
	Logger             *slog.Logger
}

// Multiplexer shares one connection between the operation channels of many
// wavelets. It owns one stacklet per wavelet and reconnects with backoff
// after recoverable failures.
type Multiplexer struct {
	config Config
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       State
	gen         uint64
	view        *ViewChannel
	listener    StreamListener
	stacklets   map[model.WaveletName]*stacklet
	opened      bool
	cancelRetry func()
}

// stacklet is one wavelet of the multiplexer: its operation channel plus
// the server channel it is bound to. Fields other than op are guarded by
// the multiplexer lock.
type stacklet struct {
	m         *Multiplexer
	op        *OperationChannel
	channelID string
	openGen   uint64
	announced bool
}

func New(config Config) (*Multiplexer, error) {
	if config.Dial == nil {
		return nil, fmt.Errorf("client: no dialer configured")
	}
	if err := config.Participant.Validate(); err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	if config.Scheduler == nil {
		config.Scheduler = TimerScheduler{}
	}
	if config.Backoff == nil {
		config.Backoff = &Backoff{}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Multiplexer{
		config:    config,
		log:       config.Logger.With("participant", string(config.Participant)),
		ctx:       ctx,
		cancel:    cancel,
		listener:  nopListener{},
		stacklets: make(map[model.WaveletName]*stacklet),
	}, nil
}

func (m *Multiplexer) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OperationChannel returns the channel of name.
func (m *Multiplexer) OperationChannel(name model.WaveletName) (*OperationChannel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stacklets[name]
	if !ok {
		return nil, false
	}
	return s.op, true
}

// Wavelets lists the wavelets with an operation channel in name order.
func (m *Multiplexer) Wavelets() []model.WaveletName {
	m.mu.Lock()
	names := maps.Keys(m.stacklets)
	m.mu.Unlock()
	slices.SortFunc(names, func(a, b model.WaveletName) int {
		return strings.Compare(a.String(), b.String())
	})
	return names
}

// Open connects and opens a channel for every known wavelet. It returns at
// once; progress is reported to listener.
func (m *Multiplexer) Open(known []KnownWavelet, listener StreamListener) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateClosed:
		return ErrClosed
	case StateInitial:
	default:
		return fmt.Errorf("client: open in state %s", m.state)
	}
	for i, k := range known {
		if err := k.Name.Validate(); err != nil {
			return err
		}
		_, exists := m.stacklets[k.Name]
		if exists || slices.ContainsFunc(known[:i], func(o KnownWavelet) bool { return o.Name == k.Name }) {
			return fmt.Errorf("%w: %s", ErrChannelExists, k.Name)
		}
	}
	if listener != nil {
		m.listener = listener
	}
	for _, k := range known {
		m.stacklets[k.Name] = m.newStacklet(k.Name, k.Version)
	}
	m.state = StateConnecting
	m.gen++
	go m.connect(m.gen)
	return nil
}

// CreateOperationChannel adds a wavelet that does not exist on the server
// yet. The first delta adds creator as a participant.
func (m *Multiplexer) CreateOperationChannel(
	name model.WaveletName,
	creator model.ParticipantID,
) (*OperationChannel, error) {
	if err := name.Validate(); err != nil {
		return nil, err
	}
	s := m.newStacklet(name, model.ZeroHashedVersion(name))
	if creator != "" {
		if err := s.op.Send(model.AddParticipant(creator)); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := m.stacklets[name]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrChannelExists, name)
	}
	m.stacklets[name] = s
	gen := m.gen
	openNow := m.state == StateConnected
	if openNow {
		s.openGen = gen
	}
	m.mu.Unlock()

	if openNow {
		go func() {
			if err := m.open(gen, s); err != nil {
				m.restart(gen, err)
			}
		}()
	}
	return s.op, nil
}

// Disconnect drops the connection at once. Nothing in flight is drained;
// Reopen resumes from the versions the channels hold.
func (m *Multiplexer) Disconnect() {
	m.mu.Lock()
	switch m.state {
	case StateInitial, StateClosed, StateDisconnected:
		m.mu.Unlock()
		return
	}
	if m.cancelRetry != nil {
		m.cancelRetry()
		m.cancelRetry = nil
	}
	view := m.disconnectLocked()
	m.mu.Unlock()

	if view != nil {
		_ = view.Disconnect()
	}
	m.log.Info("disconnected")
}

// Reopen schedules a reconnect after the backoff delay.
func (m *Multiplexer) Reopen() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateClosed:
		return ErrClosed
	case StateDisconnected:
		m.scheduleLocked()
		return nil
	default:
		return fmt.Errorf("client: reopen in state %s", m.state)
	}
}

// Close disconnects for good. It is safe to call more than once.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	m.state = StateClosed
	m.gen++
	if m.cancelRetry != nil {
		m.cancelRetry()
		m.cancelRetry = nil
	}
	view := m.view
	m.view = nil
	m.stacklets = make(map[model.WaveletName]*stacklet)
	m.mu.Unlock()

	m.cancel()
	if view != nil {
		_ = view.Disconnect()
	}
	m.log.Info("multiplexer closed")
}

func (m *Multiplexer) newStacklet(name model.WaveletName, version model.HashedVersion) *stacklet {
	s := &stacklet{m: m}
	s.op = newOperationChannel(name, m.config.Participant, version, s, m.log)
	return s
}

func (m *Multiplexer) disconnectLocked() *ViewChannel {
	m.gen++
	m.state = StateDisconnected
	view := m.view
	m.view = nil
	return view
}

func (m *Multiplexer) scheduleLocked() {
	m.gen++
	m.state = StateReconnecting
	gen := m.gen
	delay := m.config.Backoff.Next()
	m.cancelRetry = m.config.Scheduler.Schedule(delay, func() { m.connect(gen) })
	m.log.Info("reconnect scheduled", logKeyDelay, delay)
}

// restart tears down the connection of generation gen after a recoverable
// failure and schedules a reconnect.
func (m *Multiplexer) restart(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	switch m.state {
	case StateConnecting, StateConnected, StateReconnecting:
	default:
		m.mu.Unlock()
		return
	}
	view := m.disconnectLocked()
	m.scheduleLocked()
	m.mu.Unlock()

	m.log.Warn("connection lost", logKeyError, cause)
	if view != nil {
		_ = view.Disconnect()
	}
}

func (m *Multiplexer) connect(gen uint64) {
	conn, err := m.config.Dial(m.ctx)

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		if err == nil {
			_ = conn.Disconnect()
		}
		return
	}
	if err != nil {
		m.state = StateDisconnected
		m.scheduleLocked()
		m.mu.Unlock()
		m.log.Warn("dial failed", logKeyError, err)
		return
	}
	m.view = NewViewChannel(conn, ViewConfig{
		RetryDelay: m.config.IndexingRetryDelay,
		Scheduler:  m.config.Scheduler,
		Indexing:   m.config.Indexing,
		Logger:     m.log,
	})
	m.mu.Unlock()

	for {
		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return
		}
		next := m.claimLocked(gen)
		if len(next) == 0 {
			m.state = StateConnected
			m.config.Backoff.Reset()
			first := !m.opened
			m.opened = true
			listener := m.listener
			m.mu.Unlock()

			m.log.Info("connected", logKeyState, StateConnected)
			if first {
				listener.OnOpenFinished()
			}
			return
		}
		m.mu.Unlock()

		for _, s := range next {
			if err := m.open(gen, s); err != nil {
				m.restart(gen, err)
				return
			}
		}
	}
}

// claimLocked returns the stacklets not yet opened in generation gen and
// marks them.
func (m *Multiplexer) claimLocked(gen uint64) []*stacklet {
	var out []*stacklet
	for _, s := range m.stacklets {
		if s.openGen != gen {
			s.openGen = gen
			out = append(out, s)
		}
	}
	slices.SortFunc(out, func(a, b *stacklet) int {
		return strings.Compare(a.op.Name().String(), b.op.Name().String())
	})
	return out
}

// open binds s to a server channel. Failures that a reconnect can fix are
// returned; any other failure removes s.
func (m *Multiplexer) open(gen uint64, s *stacklet) error {
	name := s.op.Name()
	m.mu.Lock()
	view := m.view
	current := gen == m.gen && m.stacklets[name] == s
	m.mu.Unlock()
	if !current || view == nil {
		return nil
	}

	s.op.reset(gen)
	req := rpc.OpenRequest{
		Name:                name,
		KnownVersions:       s.op.ReconnectVersions(),
		UnacknowledgedDelta: s.op.UnacknowledgedDelta(),
	}
	resp, err := view.Open(m.ctx, req, channelStream{s: s, gen: gen})
	if err == nil {
		m.mu.Lock()
		current = gen == m.gen && m.stacklets[name] == s
		announce := current && !s.announced
		if current {
			s.channelID = resp.ChannelID
			s.announced = true
		}
		listener := m.listener
		m.mu.Unlock()
		if !current {
			return nil
		}
		if err = s.op.onOpened(gen, resp); err == nil {
			if announce {
				listener.OnOperationChannelCreated(s.op)
			}
			return nil
		}
	}

	ce := classify(name, err)
	if ce.Recoverable {
		return ce
	}
	m.drop(s, ce)
	return nil
}

// handle reacts to a failure reported by the channel of s.
func (m *Multiplexer) handle(gen uint64, s *stacklet, err error) {
	if err == nil {
		return
	}
	ce := classify(s.op.Name(), err)
	if ce.Recoverable {
		m.restart(gen, ce)
		return
	}
	m.drop(s, ce)
}

// drop removes s for good and closes its server channel.
func (m *Multiplexer) drop(s *stacklet, ce *ChannelError) {
	name := s.op.Name()
	m.mu.Lock()
	if m.stacklets[name] != s {
		m.mu.Unlock()
		return
	}
	delete(m.stacklets, name)
	view, channelID, listener := m.view, s.channelID, m.listener
	m.mu.Unlock()

	if view != nil && channelID != "" {
		go func() { _ = view.CloseChannel(m.ctx, channelID) }()
	}
	if ce != nil {
		m.log.Warn("channel failed", logKeyWavelet, name.String(), logKeyError, ce)
		listener.OnFailed(name, ce)
	}
	listener.OnOperationChannelRemoved(name)
}

func (m *Multiplexer) current(gen uint64, s *stacklet) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen && m.stacklets[s.op.Name()] == s
}

// Transmit submits a delta of the stacklet's channel on the current
// connection. Without a connection the delta stays in flight and is
// resubmitted when the channel opens again.
func (s *stacklet) Transmit(delta model.WaveletDelta) {
	m := s.m
	m.mu.Lock()
	gen, view, channelID := m.gen, m.view, s.channelID
	m.mu.Unlock()
	if view == nil {
		return
	}
	go func() {
		resp, err := view.Submit(m.ctx, rpc.SubmitRequest{ChannelID: channelID, Delta: delta})
		m.handle(gen, s, s.op.onSubmitted(gen, resp, err))
	}()
}

// channelStream feeds one server channel into its stacklet.
type channelStream struct {
	s   *stacklet
	gen uint64
}

func (cs channelStream) OnUpdate(u rpc.Update) {
	cs.s.m.handle(cs.gen, cs.s, cs.s.op.onUpdate(cs.gen, u))
}

func (cs channelStream) OnTerminate(err error) {
	m := cs.s.m
	if !m.current(cs.gen, cs.s) {
		return
	}
	switch {
	case err == nil:
		m.drop(cs.s, nil)
	case rpc.CodeOf(err) == rpc.Unsubscribed:
		m.drop(cs.s, &ChannelError{Name: cs.s.op.Name(), Err: err})
	default:
		m.handle(cs.gen, cs.s, err)
	}
}

type nopListener struct{}

func (nopListener) OnOperationChannelCreated(*OperationChannel) {}
func (nopListener) OnOperationChannelRemoved(model.WaveletName) {}
func (nopListener) OnOpenFinished() {}
func (nopListener) OnFailed(model.WaveletName, *ChannelError) {}
