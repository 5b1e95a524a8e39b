package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trader_go/internal/domain"
	"trader_go/internal/event"
	"trader_go/internal/infra"
)

// recorder collects the sequence numbers a filter observes.
type recorder struct {
	mu      sync.Mutex
	seqs    []uint64
	handled bool
}

func (r *recorder) OnEvent(ev event.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seqs = append(r.seqs, ev.Seq)
	return r.handled
}

func (r *recorder) Seqs() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.seqs...)
}

func newTestSequencer(t *testing.T, opts Options) *Sequencer {
	t.Helper()
	if opts.Metrics == nil {
		opts.Metrics = &infra.Metrics{}
	}
	seq, err := NewSequencer(opts)
	require.NoError(t, err)
	return seq
}

func tick(price int64) *domain.Tick {
	return &domain.Tick{Instrument: "IF2406", Price: decimal.NewFromInt(price)}
}

func TestNewSequencer_RejectsBadRingSize(t *testing.T) {
	_, err := NewSequencer(Options{RingSize: 1000})
	assert.Error(t, err)

	seq, err := NewSequencer(Options{})
	require.NoError(t, err)
	assert.Equal(t, DefaultRingSize, seq.opts.RingSize)
	assert.Equal(t, DefaultShutdownTimeout, seq.opts.ShutdownTimeout)
}

func TestSequencer_GlobalOrderPerChain(t *testing.T) {
	seq := newTestSequencer(t, Options{RingSize: 64})

	main := &recorder{handled: true}
	persist := &recorder{handled: true}
	require.NoError(t, seq.AddFilter(MainChain, main, event.TypeAll))
	require.NoError(t, seq.AddFilter(MarketDataPersistChain, persist, event.TypeAll))
	require.NoError(t, seq.Start(context.Background()))

	const producers, perProducer = 4, 250
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				if i%2 == 0 {
					_, err := seq.PublishMarketData(tick(int64(i + 1)))
					assert.NoError(t, err)
				} else {
					_, err := seq.PublishProcessorEvent(nil, event.SubKindCustom, i, nil)
					assert.NoError(t, err)
				}
			}
		}()
	}
	wg.Wait()
	require.NoError(t, seq.Stop(context.Background()))

	total := producers * perProducer
	for _, r := range []*recorder{main, persist} {
		seqs := r.Seqs()
		require.Len(t, seqs, total)
		for i, s := range seqs {
			require.Equal(t, uint64(i+1), s, "chain must observe sequence numbers in publish order")
		}
	}

	for _, st := range seq.Stats() {
		assert.Equal(t, uint64(total), st.Processed, st.Name)
		assert.Zero(t, st.Gaps, st.Name)
	}
}

func TestSequencer_FirstMatchingFilterShortCircuits(t *testing.T) {
	seq := newTestSequencer(t, Options{RingSize: 16})

	trades := &recorder{handled: true}
	all := &recorder{handled: true}
	marketObserver := &recorder{handled: false}
	marketTail := &recorder{handled: true}

	require.NoError(t, seq.AddFilter(MainChain, trades, event.Processor(event.SubKindTrade)))
	require.NoError(t, seq.AddFilter(MainChain, marketObserver, event.TypeMarketData))
	require.NoError(t, seq.AddFilter(MainChain, marketTail, event.TypeMarketData))
	require.NoError(t, seq.AddFilter(MainChain, all, event.TypeProcessor))
	require.NoError(t, seq.Start(context.Background()))

	s1, err := seq.PublishProcessorEvent(nil, event.SubKindTrade, "fill", nil)
	require.NoError(t, err)
	s2, err := seq.PublishProcessorEvent(nil, event.SubKindOrderReport, "ack", nil)
	require.NoError(t, err)
	s3, err := seq.PublishMarketData(tick(3500))
	require.NoError(t, err)
	require.NoError(t, seq.Stop(context.Background()))

	assert.Equal(t, []uint64{s1}, trades.Seqs())
	assert.Equal(t, []uint64{s2}, all.Seqs(), "trade was claimed by the first filter")
	assert.Equal(t, []uint64{s3}, marketObserver.Seqs())
	assert.Equal(t, []uint64{s3}, marketTail.Seqs(), "unhandled events continue to the next filter")
}

func TestSequencer_HandlerRunsWhenUnclaimed(t *testing.T) {
	seq := newTestSequencer(t, Options{RingSize: 16})
	require.NoError(t, seq.AddFilter(MarketDataPersistChain, &recorder{handled: true}, event.TypeMarketData))
	require.NoError(t, seq.Start(context.Background()))

	var (
		mu  sync.Mutex
		got []any
	)
	h := func(ev event.Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev.Payload, ev.Payload2)
	}
	_, err := seq.PublishProcessorEvent(h, event.SubKindOrderReport, "a", "b")
	require.NoError(t, err)
	require.NoError(t, seq.Stop(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []any{"a", "b"}, got, "handler runs once, on the main chain only")
}

func TestSequencer_FilterPanicIsIsolated(t *testing.T) {
	metrics := &infra.Metrics{}
	seq := newTestSequencer(t, Options{RingSize: 16, Metrics: metrics})

	rec := &recorder{handled: true}
	require.NoError(t, seq.AddFilter(MainChain, FilterFunc(func(ev event.Event) bool {
		if ev.Seq == 2 {
			panic("boom")
		}
		return false
	}), event.TypeAll))
	require.NoError(t, seq.AddFilter(MainChain, rec, event.TypeAll))
	require.NoError(t, seq.Start(context.Background()))

	for i := 0; i < 3; i++ {
		_, err := seq.PublishMarketData(tick(100))
		require.NoError(t, err)
	}
	require.NoError(t, seq.Stop(context.Background()))

	// A panicking filter counts as not handled; the next filter still sees the event.
	assert.Equal(t, []uint64{1, 2, 3}, rec.Seqs())
	assert.Equal(t, uint64(1), metrics.Snapshot().Panics)
}

func TestSequencer_Lifecycle(t *testing.T) {
	seq := newTestSequencer(t, Options{RingSize: 16})

	_, err := seq.PublishMarketData(tick(1))
	assert.ErrorIs(t, err, ErrSequencerNotStarted)

	require.NoError(t, seq.Start(context.Background()))
	require.NoError(t, seq.Start(context.Background()), "start is idempotent")

	err = seq.AddFilter(MainChain, &recorder{}, event.TypeAll)
	assert.ErrorIs(t, err, ErrSequencerStarted)

	require.NoError(t, seq.Stop(context.Background()))
	_, err = seq.PublishMarketData(tick(1))
	assert.ErrorIs(t, err, ErrSequencerStopped)
	require.NoError(t, seq.Stop(context.Background()), "stop is idempotent")
}

func TestSequencer_StopOnContextCancel(t *testing.T) {
	seq := newTestSequencer(t, Options{RingSize: 16})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, seq.Start(ctx))

	cancel()
	select {
	case <-seq.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("sequencer did not stop after context cancel")
	}
}

func TestSequencer_TimeoutBlockingOnFullRing(t *testing.T) {
	metrics := &infra.Metrics{}
	seq := newTestSequencer(t, Options{
		RingSize:        2,
		WaitStrategy:    WaitTimeoutBlocking,
		PublishTimeout:  20 * time.Millisecond,
		ShutdownTimeout: time.Second,
		Metrics:         metrics,
	})

	release := make(chan struct{})
	require.NoError(t, seq.AddFilter(MainChain, FilterFunc(func(event.Event) bool {
		<-release
		return true
	}), event.TypeAll))
	require.NoError(t, seq.Start(context.Background()))

	// One event is held by the blocked consumer, two fill the ring.
	var err error
	for i := 0; i < 3 && err == nil; i++ {
		_, err = seq.PublishMarketData(tick(1))
	}
	require.NoError(t, err)

	_, err = seq.PublishMarketData(tick(1))
	assert.ErrorIs(t, err, ErrPublishTimeout)
	assert.Equal(t, uint64(1), metrics.Snapshot().PublishTimeouts)
	assert.Equal(t, uint64(3), seq.LastSeq(), "a failed publish consumes no sequence number")

	close(release)
	require.NoError(t, seq.Stop(context.Background()))
	assert.Zero(t, seq.Stats()[0].Gaps)
}

func TestSequencer_WaitStrategiesDeliverEverything(t *testing.T) {
	for _, ws := range []WaitStrategy{WaitBlocking, WaitBusySpin, WaitSleeping, WaitTimeoutBlocking} {
		t.Run(ws.String(), func(t *testing.T) {
			seq := newTestSequencer(t, Options{RingSize: 4, WaitStrategy: ws, PublishTimeout: time.Second})
			rec := &recorder{handled: true}
			require.NoError(t, seq.AddFilter(MainChain, FilterFunc(func(ev event.Event) bool {
				time.Sleep(50 * time.Microsecond)
				return rec.OnEvent(ev)
			}), event.TypeAll))
			require.NoError(t, seq.Start(context.Background()))

			for i := 0; i < 100; i++ {
				_, err := seq.PublishMarketData(tick(int64(i + 1)))
				require.NoError(t, err)
			}
			require.NoError(t, seq.Stop(context.Background()))
			assert.Len(t, rec.Seqs(), 100)
		})
	}
}

func TestSequencer_StopUnblocksWaitingProducer(t *testing.T) {
	seq := newTestSequencer(t, Options{RingSize: 1, ShutdownTimeout: 50 * time.Millisecond})

	release := make(chan struct{})
	defer close(release)
	require.NoError(t, seq.AddFilter(MainChain, FilterFunc(func(event.Event) bool {
		<-release
		return true
	}), event.TypeAll))
	require.NoError(t, seq.Start(context.Background()))

	_, err := seq.PublishMarketData(tick(1)) // taken by the consumer
	require.NoError(t, err)
	require.Eventually(t, func() bool { return seq.Stats()[0].Pending == 0 }, time.Second, time.Millisecond)
	_, err = seq.PublishMarketData(tick(1)) // fills the ring
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := seq.PublishMarketData(tick(1))
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	stopErr := seq.Stop(context.Background())
	assert.Error(t, stopErr, "consumer is still blocked, drain must time out")

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrSequencerStopped)
	case <-time.After(time.Second):
		t.Fatal("producer stayed blocked after stop")
	}
}

func TestParseWaitStrategy(t *testing.T) {
	for name, want := range map[string]WaitStrategy{
		"":                 WaitBlocking,
		"blocking":         WaitBlocking,
		"busy_spin":        WaitBusySpin,
		"Sleeping":         WaitSleeping,
		"timeout_blocking": WaitTimeoutBlocking,
	} {
		got, err := ParseWaitStrategy(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
	_, err := ParseWaitStrategy("yield")
	assert.Error(t, err)
}
