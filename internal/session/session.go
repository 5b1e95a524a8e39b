// Package session drives broker connections: connect, synchronize, detect
// loss and reconnect. Protocol details live behind the Adapter interface.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"trader_go/internal/domain"
	"trader_go/internal/event"
	"trader_go/internal/infra"
	"trader_go/internal/registry"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultSyncTimeout    = 30 * time.Second
)

// Listener receives session lifecycle changes and broker reports.
type Listener interface {
	OnTxnSessionStateChanged(s *TxnSession, prior ConnState)
	OnSessionSynced(s *TxnSession, snap SyncSnapshot) error
	ChangeOrderState(s *TxnSession, report domain.OrderReport)
	OnTransaction(s *TxnSession, trade domain.TradeReport)
	// CompareAndSetRef returns true only the first time ref is offered.
	CompareAndSetRef(s *TxnSession, ref string) bool
}

// Dispatcher orders session callbacks with the rest of the event stream.
// *engine.Sequencer satisfies it.
type Dispatcher interface {
	PublishProcessorEvent(h event.Handler, k event.Type, payload, payload2 any) (uint64, error)
}

// SyncSnapshot is the broker state collected in the Connected sequence.
type SyncSnapshot struct {
	Fees       domain.FeeTable
	Settlement []string
	Money      domain.MoneyVector
	Positions  []domain.PositionSnapshot
	Orders     []domain.OrderSnapshot
}

// ReconnectPolicy drives the automatic retry loop.
type ReconnectPolicy struct {
	MaxAttempts    int           `yaml:"max_attempts"` // 0 retries forever
	Backoff        infra.Backoff `yaml:"backoff"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	SyncTimeout    time.Duration `yaml:"sync_timeout"`
}

// DefaultReconnectPolicy retries forever with the default backoff.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Backoff:        infra.DefaultBackoff(),
		ConnectTimeout: DefaultConnectTimeout,
		SyncTimeout:    DefaultSyncTimeout,
	}
}

// Config identifies a session and the account it trades for.
type Config struct {
	ID          string
	AccountID   string
	Instruments []string
	Props       registry.Props
	Reconnect   ReconnectPolicy
}

// Option customizes a TxnSession.
type Option func(*TxnSession)

// WithDispatcher routes reports through d instead of calling the listener directly.
func WithDispatcher(d Dispatcher) Option {
	return func(s *TxnSession) { s.dispatcher = d }
}

// WithMetrics overrides infra.GlobalMetrics.
func WithMetrics(m *infra.Metrics) Option {
	return func(s *TxnSession) { s.metrics = m }
}

// WithClock overrides time.Now for state timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *TxnSession) { s.now = now }
}

// TxnSession is one broker connection of one account.
type TxnSession struct {
	id          string
	accountID   string
	instruments []string
	props       registry.Props
	policy      ReconnectPolicy

	adapter    Adapter
	listener   Listener
	dispatcher Dispatcher
	metrics    *infra.Metrics
	log        *slog.Logger
	now        func() time.Time

	mu         sync.RWMutex
	state      ConnState
	stateTimes map[ConnState]time.Time
	fees       domain.FeeTable
	lastErr    error

	ready   atomic.Bool
	running atomic.Bool
	refSeq  atomic.Uint64
	lost    chan error

	cancel context.CancelFunc
	wg     conc.WaitGroup
}

// New creates a session in the Initialized state. Start launches it.
func New(cfg Config, adapter Adapter, listener Listener, opts ...Option) *TxnSession {
	policy := cfg.Reconnect
	if policy.ConnectTimeout <= 0 {
		policy.ConnectTimeout = DefaultConnectTimeout
	}
	if policy.SyncTimeout <= 0 {
		policy.SyncTimeout = DefaultSyncTimeout
	}

	s := &TxnSession{
		id:          cfg.ID,
		accountID:   cfg.AccountID,
		instruments: cfg.Instruments,
		props:       cfg.Props,
		policy:      policy,
		adapter:     adapter,
		listener:    listener,
		metrics:     infra.GlobalMetrics,
		now:         time.Now,
		state:       StateInitialized,
		stateTimes:  make(map[ConnState]time.Time),
		fees:        domain.FeeTable{},
		lost:        make(chan error, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = slog.Default().With(slog.String("module", "session"), slog.String("session", s.id))
	s.stateTimes[StateInitialized] = s.now()
	return s
}

func (s *TxnSession) ID() string        { return s.id }
func (s *TxnSession) AccountID() string { return s.accountID }

// Ready reports whether the Connected sequence completed on the current connection.
func (s *TxnSession) Ready() bool {
	return s.ready.Load()
}

// State returns the current connection state.
func (s *TxnSession) State() ConnState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// StateSince returns when the session last entered st, zero if never.
func (s *TxnSession) StateSince(st ConnState) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stateTimes[st]
}

// LastError is the error that ended the previous connection attempt.
func (s *TxnSession) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Fee returns the ratios loaded for instrument on the current connection.
func (s *TxnSession) Fee(instrument string) (domain.FeeInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fees.Lookup(instrument)
}

// NextOrderRef returns a reference unique within this session.
func (s *TxnSession) NextOrderRef() string {
	return s.id + "-" + strconv.FormatUint(s.refSeq.Add(1), 10)
}

// SeedOrderRefs moves the ref counter past every ref issued by this session.
func (s *TxnSession) SeedOrderRefs(refs []string) {
	prefix := s.id + "-"
	for _, ref := range refs {
		n, err := strconv.ParseUint(strings.TrimPrefix(ref, prefix), 10, 64)
		if err != nil || !strings.HasPrefix(ref, prefix) {
			continue
		}
		for {
			cur := s.refSeq.Load()
			if n <= cur || s.refSeq.CompareAndSwap(cur, n) {
				break
			}
		}
	}
}

// Start launches the connection loop. It is a no-op while the loop runs, and
// restarts a session that ended in ConnectFailed.
func (s *TxnSession) Start(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Go(func() {
		defer s.running.Store(false)
		s.connectionLoop(ctx)
	})
}

// Stop closes the connection and waits for the loop to exit.
func (s *TxnSession) Stop() {
	s.mu.RLock()
	cancel := s.cancel
	s.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// SendOrder hands a Submitted order to the broker.
func (s *TxnSession) SendOrder(o domain.Order) error {
	if err := s.checkReady(); err != nil {
		return err
	}
	if err := s.adapter.AsyncSendOrder(o); err != nil {
		return domain.NewTradeError(domain.ErrCodeDisconnected, "send order "+o.Ref, err)
	}
	return nil
}

// CancelOrder requests cancellation of a live order.
func (s *TxnSession) CancelOrder(o domain.Order) error {
	if err := s.checkReady(); err != nil {
		return err
	}
	if err := s.adapter.AsyncCancelOrder(o); err != nil {
		return domain.NewTradeError(domain.ErrCodeDisconnected, "cancel order "+o.Ref, err)
	}
	return nil
}

// ModifyOrder requests a price or volume change of a live order.
func (s *TxnSession) ModifyOrder(o domain.Order, b domain.OrderBuilder) error {
	if err := s.checkReady(); err != nil {
		return err
	}
	if err := s.adapter.AsyncModifyOrder(o, b); err != nil {
		return domain.NewTradeError(domain.ErrCodeDisconnected, "modify order "+o.Ref, err)
	}
	return nil
}

func (s *TxnSession) checkReady() error {
	if s.ready.Load() {
		return nil
	}
	return domain.Errorf(domain.ErrCodeSessionNotReady, "session %s is %s", s.id, s.State())
}

func (s *TxnSession) connectionLoop(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			s.setState(StateDisconnected)
			return
		}

		err := s.connectAndSync(ctx)
		if err == nil {
			attempt = 0
			err = s.waitForLoss(ctx)
		}
		s.markNotReady()
		if cerr := s.adapter.Close(); cerr != nil {
			s.log.Debug("Adapter close failed", slog.Any("error", cerr))
		}

		if ctx.Err() != nil {
			s.setState(StateDisconnected)
			return
		}

		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()

		if !retriable(err) {
			s.log.Error("Session failed permanently", slog.Any("error", err))
			s.setState(StateConnectFailed)
			return
		}

		attempt++
		if s.policy.MaxAttempts > 0 && attempt > s.policy.MaxAttempts {
			s.log.Error("Reconnect attempts exhausted", slog.Int("attempts", attempt-1), slog.Any("error", err))
			s.setState(StateConnectFailed)
			return
		}
		s.setState(StateDisconnected)

		delay := s.policy.Backoff.Next(attempt)
		s.log.Warn("Session disconnected", slog.Any("error", err), slog.Int("retry", attempt), slog.Duration("delay", delay))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// connectAndSync walks Connecting -> Connected -> Ready.
func (s *TxnSession) connectAndSync(ctx context.Context) error {
	s.setState(StateConnecting)

	// A loss reported by the previous connection must not end this one.
	select {
	case <-s.lost:
	default:
	}

	cctx, cancel := context.WithTimeout(ctx, s.policy.ConnectTimeout)
	err := s.adapter.Connect(cctx, s.props, adapterEvents{s})
	cancel()
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	s.setState(StateConnected)

	sctx, cancel := context.WithTimeout(ctx, s.policy.SyncTimeout)
	defer cancel()
	if err := s.synchronize(sctx); err != nil {
		return err
	}

	s.ready.Store(true)
	s.metrics.SessionReady(true)
	s.log.Info("Session ready", slog.String("account", s.accountID))
	return nil
}

// synchronize runs the Connected sequence: fees, settlement, money,
// positions, orders. The order is fixed.
func (s *TxnSession) synchronize(ctx context.Context) error {
	fees, err := s.adapter.SyncLoadFeeEvaluator(ctx, s.instruments)
	if err != nil {
		return fmt.Errorf("load fee table: %w", err)
	}
	s.mu.Lock()
	s.fees = fees.Clone()
	s.mu.Unlock()

	settlement, err := s.adapter.SyncConfirmSettlement(ctx)
	if err != nil {
		return fmt.Errorf("confirm settlement: %w", err)
	}
	for _, msg := range settlement {
		s.log.Info("Settlement", slog.String("message", msg))
	}

	money, err := s.adapter.SyncQryAccounts(ctx)
	if err != nil {
		return fmt.Errorf("query accounts: %w", err)
	}
	positions, err := s.adapter.SyncQryPositions(ctx)
	if err != nil {
		return fmt.Errorf("query positions: %w", err)
	}
	orders, err := s.adapter.SyncQryOrders(ctx)
	if err != nil {
		return fmt.Errorf("query orders: %w", err)
	}

	refs := make([]string, 0, len(orders))
	for _, o := range orders {
		refs = append(refs, o.Ref)
	}
	s.SeedOrderRefs(refs)

	if s.listener == nil {
		return nil
	}
	snap := SyncSnapshot{
		Fees:       fees,
		Settlement: settlement,
		Money:      money,
		Positions:  positions,
		Orders:     orders,
	}

	// Reports published before this point are applied first.
	done := make(chan error, 1)
	s.dispatch(event.SubKindSessionSync, snap, func(event.Event) {
		done <- s.listener.OnSessionSynced(s, snap)
	})
	select {
	case err := <-done:
		if err != nil {
			return domain.NewTradeError(domain.ErrCodeSyncFailed, "apply snapshot", err)
		}
		return nil
	case <-ctx.Done():
		return domain.NewTradeError(domain.ErrCodeSyncFailed, "apply snapshot", ctx.Err())
	}
}

func (s *TxnSession) waitForLoss(ctx context.Context) error {
	select {
	case err := <-s.lost:
		if err == nil {
			err = domain.ErrConnectionFailed
		}
		return domain.NewNetworkError("session", err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *TxnSession) markNotReady() {
	if s.ready.Swap(false) {
		s.metrics.SessionReady(false)
	}
}

// setState records a transition and notifies the listener. Setting the
// current state again does nothing.
func (s *TxnSession) setState(next ConnState) {
	s.mu.Lock()
	prior := s.state
	if prior == next {
		s.mu.Unlock()
		return
	}
	s.state = next
	s.stateTimes[next] = s.now()
	s.mu.Unlock()

	switch {
	case next == StateConnected:
		s.metrics.IncrementConnections()
	case prior == StateConnected:
		s.metrics.DecrementConnections()
	}

	s.log.Debug("State changed", slog.String("from", prior.String()), slog.String("to", next.String()))
	if s.listener != nil {
		s.listener.OnTxnSessionStateChanged(s, prior)
	}
}

// dispatch hands h to the dispatcher, or runs it inline when there is none
// or the dispatcher refuses the event.
func (s *TxnSession) dispatch(k event.Type, payload any, h event.Handler) {
	if s.dispatcher != nil {
		_, err := s.dispatcher.PublishProcessorEvent(h, k, payload, s)
		if err == nil {
			return
		}
		s.log.Warn("Dispatch failed, delivering inline", slog.String("kind", event.Processor(k).String()), slog.Any("error", err))
	}
	h(event.NewProcessor(h, k, payload, s))
}

// retriable treats unclassified errors as transient; only errors that say
// otherwise end the session.
func retriable(err error) bool {
	var re domain.RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return true
}

// adapterEvents is the AdapterEvents view of a session.
type adapterEvents struct{ s *TxnSession }

func (e adapterEvents) OnDisconnected(err error) {
	select {
	case e.s.lost <- err:
	default:
	}
}

func (e adapterEvents) OnOrderReport(r domain.OrderReport) {
	s := e.s
	if s.listener == nil {
		return
	}
	s.dispatch(event.SubKindOrderReport, r, func(event.Event) {
		s.listener.ChangeOrderState(s, r)
	})
}

func (e adapterEvents) OnTrade(t domain.TradeReport) {
	s := e.s
	if s.listener == nil {
		return
	}
	if !s.listener.CompareAndSetRef(s, t.TradeID) {
		s.log.Debug("Duplicate trade ignored", slog.String("trade", t.TradeID), slog.String("ref", t.Ref))
		return
	}
	s.dispatch(event.SubKindTrade, t, func(event.Event) {
		s.listener.OnTransaction(s, t)
	})
}
