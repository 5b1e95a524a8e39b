package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"trader_go/internal/domain"
	"trader_go/internal/event"
	"trader_go/internal/infra"
)

// Well-known chain names.
const (
	MainChain              = "main"
	MarketDataPersistChain = "md-persist"
)

const (
	DefaultRingSize        = 4096
	DefaultPublishTimeout  = time.Second
	DefaultShutdownTimeout = 5 * time.Second
)

var (
	ErrSequencerStopped    = errors.New("sequencer: stopped")
	ErrSequencerNotStarted = errors.New("sequencer: not started")
	ErrSequencerStarted    = errors.New("sequencer: filters must be registered before start")
	ErrPublishTimeout      = errors.New("sequencer: publish timed out on a full ring")
)

// Filter consumes events of one chain. Returning true marks the event as
// handled and stops the remaining filters of that chain from seeing it.
type Filter interface {
	OnEvent(ev event.Event) bool
}

// FilterFunc adapts a function to Filter.
type FilterFunc func(ev event.Event) bool

func (f FilterFunc) OnEvent(ev event.Event) bool { return f(ev) }

// Options configures a Sequencer.
type Options struct {
	RingSize        int // Per chain, power of two
	WaitStrategy    WaitStrategy
	PublishTimeout  time.Duration // WaitTimeoutBlocking only
	ShutdownTimeout time.Duration
	Metrics         *infra.Metrics
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		RingSize:        DefaultRingSize,
		WaitStrategy:    WaitBlocking,
		PublishTimeout:  DefaultPublishTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
		Metrics:         infra.GlobalMetrics,
	}
}

type registration struct {
	filter Filter
	mask   event.Type
}

// chain is one named consumer pipeline with its own bounded ring.
type chain struct {
	name        string
	ring        chan event.Event
	space       chan struct{}
	filters     []registration
	runHandlers bool

	processed atomic.Uint64
	lastSeq   atomic.Uint64
	gaps      atomic.Uint64
	panics    atomic.Uint64
}

func (c *chain) hasCapacity() bool {
	return len(c.ring) < cap(c.ring)
}

type seqState int

const (
	stateCreated seqState = iota
	stateStarted
	stateStopped
)

// Sequencer assigns one global sequence number to every published event and
// fans it out to every chain in that order. Each chain is consumed by its own
// goroutine, so chains progress independently.
type Sequencer struct {
	opts    Options
	log     *slog.Logger
	metrics *infra.Metrics

	mu       sync.Mutex // Serializes publish; guards everything below
	state    seqState
	launched bool
	nextSeq  uint64
	chains   []*chain
	byName   map[string]*chain

	closing   chan struct{}
	closeOnce sync.Once
	wg        conc.WaitGroup
	done      chan struct{}
}

// NewSequencer creates a new sequencer instance.
func NewSequencer(opts Options) (*Sequencer, error) {
	if opts.RingSize == 0 {
		opts.RingSize = DefaultRingSize
	}
	if opts.RingSize < 0 || opts.RingSize&(opts.RingSize-1) != 0 {
		return nil, fmt.Errorf("sequencer: ring size %d is not a power of two", opts.RingSize)
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = DefaultPublishTimeout
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	if opts.Metrics == nil {
		opts.Metrics = infra.GlobalMetrics
	}
	return &Sequencer{
		opts:    opts,
		log:     slog.Default().With(slog.String("module", "sequencer")),
		metrics: opts.Metrics,
		byName:  make(map[string]*chain),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// AddFilter appends f to the named chain, creating the chain on first use.
// Registration is only allowed before Start.
func (s *Sequencer) AddFilter(chainName string, f Filter, mask event.Type) error {
	if f == nil {
		return errors.New("sequencer: nil filter")
	}
	if mask == 0 {
		return errors.New("sequencer: empty event type mask")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateCreated {
		return ErrSequencerStarted
	}
	c := s.chainLocked(chainName)
	c.filters = append(c.filters, registration{filter: f, mask: mask})
	return nil
}

func (s *Sequencer) chainLocked(name string) *chain {
	if c, ok := s.byName[name]; ok {
		return c
	}
	c := &chain{
		name:        name,
		ring:        make(chan event.Event, s.opts.RingSize),
		space:       make(chan struct{}, 1),
		runHandlers: name == MainChain,
	}
	s.chains = append(s.chains, c)
	s.byName[name] = c
	return c
}

// Start launches one consumer per chain. Later calls are no-ops. Cancelling
// ctx stops the sequencer.
func (s *Sequencer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateStarted:
		return nil
	case stateStopped:
		return ErrSequencerStopped
	}

	// Processor handlers run on the main chain even when nothing filters it.
	s.chainLocked(MainChain)

	for _, c := range s.chains {
		s.wg.Go(func() { s.consume(c) })
	}
	s.state = stateStarted
	s.launched = true

	go func() {
		s.wg.Wait()
		close(s.done)
	}()
	go func() {
		select {
		case <-ctx.Done():
			if err := s.Stop(context.Background()); err != nil {
				s.log.Error("Stop after context cancel failed", slog.Any("error", err))
			}
		case <-s.closing:
		}
	}()

	names := make([]string, 0, len(s.chains))
	for _, c := range s.chains {
		names = append(names, c.name)
	}
	s.log.Info("Sequencer started",
		slog.Any("chains", names),
		slog.Int("ring_size", s.opts.RingSize),
		slog.String("wait_strategy", s.opts.WaitStrategy.String()))
	return nil
}

// PublishMarketData sequences a tick.
func (s *Sequencer) PublishMarketData(tick *domain.Tick) (uint64, error) {
	if tick == nil {
		return 0, errors.New("sequencer: nil tick")
	}
	return s.publish(event.NewMarketData(tick))
}

// PublishProcessorEvent sequences an internal event of sub-kind k. When no
// filter on the main chain handles it, h runs on the main chain consumer.
func (s *Sequencer) PublishProcessorEvent(h event.Handler, k event.Type, payload, payload2 any) (uint64, error) {
	return s.publish(event.NewProcessor(h, k, payload, payload2))
}

func (s *Sequencer) publish(ev event.Event) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateCreated:
		return 0, ErrSequencerNotStarted
	case stateStopped:
		return 0, ErrSequencerStopped
	}

	// Reserve a slot in every chain first so the fan-out below never blocks
	// halfway and every chain sees every sequence number.
	for _, c := range s.chains {
		if err := s.awaitCapacity(c); err != nil {
			if errors.Is(err, ErrPublishTimeout) {
				s.metrics.RecordPublishTimeout()
			}
			return 0, err
		}
	}

	s.nextSeq++
	ev.Seq = s.nextSeq
	ev.PublishedAt = time.Now()
	for _, c := range s.chains {
		c.ring <- ev
	}
	return ev.Seq, nil
}

func (s *Sequencer) isClosing() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

func (s *Sequencer) consume(c *chain) {
	for ev := range c.ring {
		select {
		case c.space <- struct{}{}:
		default:
		}
		s.dispatch(c, ev)
	}
}

func (s *Sequencer) dispatch(c *chain, ev event.Event) {
	if expected := c.lastSeq.Load() + 1; ev.Seq != expected {
		c.gaps.Add(1)
		s.metrics.RecordSequenceGap()
		s.log.Error("SEQUENCE_GAP_DETECTED",
			slog.String("chain", c.name),
			slog.Uint64("expected", expected),
			slog.Uint64("got", ev.Seq))
	}
	c.lastSeq.Store(ev.Seq)

	handled := false
	for _, r := range c.filters {
		if !r.mask.Matches(ev.Type) {
			continue
		}
		s.safeCall(c, ev, func() { handled = r.filter.OnEvent(ev) })
		if handled {
			break
		}
	}
	if !handled && c.runHandlers && ev.Handler != nil {
		s.safeCall(c, ev, func() { ev.Handler(ev) })
	}

	c.processed.Add(1)
	if c.runHandlers {
		s.metrics.RecordEvent(time.Since(ev.PublishedAt).Nanoseconds())
	}
}

// safeCall isolates a panicking filter so the chain keeps running.
func (s *Sequencer) safeCall(c *chain, ev event.Event, fn func()) {
	var pc panics.Catcher
	pc.Try(fn)
	if r := pc.Recovered(); r != nil {
		c.panics.Add(1)
		s.metrics.RecordPanic()
		s.log.Error("Filter panic recovered",
			slog.String("chain", c.name),
			slog.Uint64("seq", ev.Seq),
			slog.String("type", ev.Type.String()),
			slog.Any("panic", r.Value),
			slog.String("stack", string(r.Stack)))
	}
}

// Stop rejects new publishes, lets every chain drain what it already holds and
// waits at most ShutdownTimeout for the consumers to finish.
func (s *Sequencer) Stop(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closing) })

	s.mu.Lock()
	prev := s.state
	launched := s.launched
	s.state = stateStopped
	if prev == stateStarted {
		for _, c := range s.chains {
			close(c.ring)
		}
	}
	s.mu.Unlock()

	if !launched {
		return nil
	}

	timer := time.NewTimer(s.opts.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-s.done:
		if prev == stateStarted {
			s.log.Info("Sequencer stopped", slog.Uint64("last_seq", s.LastSeq()))
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("sequencer: drain did not finish within %s", s.opts.ShutdownTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once every chain consumer has exited.
func (s *Sequencer) Done() <-chan struct{} {
	return s.done
}

// LastSeq returns the last assigned sequence number.
func (s *Sequencer) LastSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSeq
}

// ChainStats is a point-in-time view of one chain.
type ChainStats struct {
	Name      string `json:"name"`
	Filters   int    `json:"filters"`
	Processed uint64 `json:"processed"`
	LastSeq   uint64 `json:"last_seq"`
	Pending   int    `json:"pending"`
	Gaps      uint64 `json:"gaps"`
	Panics    uint64 `json:"panics"`
}

// Stats returns per-chain counters in chain creation order.
func (s *Sequencer) Stats() []ChainStats {
	s.mu.Lock()
	chains := append([]*chain(nil), s.chains...)
	s.mu.Unlock()

	out := make([]ChainStats, 0, len(chains))
	for _, c := range chains {
		out = append(out, ChainStats{
			Name:      c.name,
			Filters:   len(c.filters),
			Processed: c.processed.Load(),
			LastSeq:   c.lastSeq.Load(),
			Pending:   len(c.ring),
			Gaps:      c.gaps.Load(),
			Panics:    c.panics.Load(),
		})
	}
	return out
}

// DumpState writes the sequencer counters to a file (for post-mortem).
func (s *Sequencer) DumpState(filename string) {
	s.log.Info("Dumping sequencer state...", slog.String("file", filename))

	data := struct {
		NextSeq uint64       `json:"next_seq"`
		Chains  []ChainStats `json:"chains"`
	}{
		NextSeq: s.LastSeq(),
		Chains:  s.Stats(),
	}

	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		s.log.Error("Failed to marshal state", slog.Any("error", err))
		return
	}

	if err := os.WriteFile(filename, b, 0644); err != nil {
		s.log.Error("Failed to write state dump", slog.Any("error", err))
	}
}
