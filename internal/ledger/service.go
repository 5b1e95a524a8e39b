package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"trader_go/internal/domain"
	"trader_go/internal/event"
	"trader_go/internal/infra"
	"trader_go/internal/session"
)

// TradingSession is what the ledger needs from a broker session.
// *session.TxnSession implements it.
type TradingSession interface {
	ID() string
	Ready() bool
	Fee(instrument string) (domain.FeeInfo, bool)
	NextOrderRef() string
	SendOrder(o domain.Order) error
	CancelOrder(o domain.Order) error
	ModifyOrder(o domain.Order, b domain.OrderBuilder) error
}

// Executor serializes work per key. *engine.OrderedExecutor implements it.
type Executor interface {
	Execute(key string, task func()) error
	Call(ctx context.Context, key string, task func() error) error
}

// PriceSource values market orders.
type PriceSource interface {
	LastPrice(instrument string) (decimal.Decimal, bool)
}

// SessionChange describes one connection state transition.
type SessionChange struct {
	SessionID string            `json:"session_id"`
	AccountID string            `json:"account_id"`
	Prior     session.ConnState `json:"prior"`
	Current   session.ConnState `json:"current"`
	Ready     bool              `json:"ready"`
	At        time.Time         `json:"at"`
}

// Notifier observes ledger changes. Implementations must not block.
type Notifier interface {
	OrderChanged(o domain.Order)
	TransactionBooked(t domain.Transaction)
	SessionStateChanged(c SessionChange)
}

// Option configures a Service.
type Option func(*Service)

// WithRepository persists orders, transactions, playbooks and account snapshots.
func WithRepository(r domain.Repository) Option {
	return func(s *Service) { s.repo = r }
}

// WithPriceSource values market orders at the last traded price.
func WithPriceSource(p PriceSource) Option {
	return func(s *Service) { s.prices = p }
}

// WithNotifier adds an observer.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifiers = append(s.notifiers, n) }
}

// WithMetrics overrides infra.GlobalMetrics.
func WithMetrics(m *infra.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service owns the accounts and applies every mutation of an account on its
// executor lane. It is the session listener of every bound session.
type Service struct {
	exec      Executor
	repo      domain.Repository
	prices    PriceSource
	notifiers []Notifier
	metrics   *infra.Metrics
	log       *slog.Logger
	now       func() time.Time

	mu        sync.RWMutex
	accounts  map[string]*Account
	sessions  map[string]TradingSession // by account id
	playbooks map[string]*domain.Playbook
}

var _ session.Listener = (*Service)(nil)

// NewService creates a ledger service running its mutations on exec.
func NewService(exec Executor, opts ...Option) *Service {
	s := &Service{
		exec:      exec,
		metrics:   infra.GlobalMetrics,
		log:       slog.Default().With(slog.String("module", "ledger")),
		now:       time.Now,
		accounts:  make(map[string]*Account),
		sessions:  make(map[string]TradingSession),
		playbooks: make(map[string]*domain.Playbook),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddAccount registers a fresh account.
func (s *Service) AddAccount(id string, balance decimal.Decimal) (*Account, error) {
	if id == "" {
		return nil, domain.Errorf(domain.ErrCodeUnknownAccount, "account id is required")
	}
	a := NewAccount(id, balance)
	a.now = s.now
	if err := s.register(a); err != nil {
		return nil, err
	}
	s.persistAccount(a)
	return a, nil
}

func (s *Service) register(a *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[a.ID()]; ok {
		return fmt.Errorf("account %s already registered", a.ID())
	}
	s.accounts[a.ID()] = a
	return nil
}

// Account returns the account with id.
func (s *Service) Account(id string) (*Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	return a, ok
}

// BindSession makes sess the active session of the account.
func (s *Service) BindSession(accountID string, sess TradingSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[accountID]; !ok {
		return domain.Errorf(domain.ErrCodeUnknownAccount, "account %s", accountID)
	}
	s.sessions[accountID] = sess
	return nil
}

func (s *Service) lookup(accountID string) (*Account, TradingSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return nil, nil, domain.Errorf(domain.ErrCodeUnknownAccount, "account %s", accountID)
	}
	sess, ok := s.sessions[accountID]
	if !ok {
		return a, nil, domain.Errorf(domain.ErrCodeSessionNotConnected, "account %s has no session", accountID)
	}
	return a, sess, nil
}

// SubmitOrder freezes the money the order needs, records it as Submitted and
// hands it to the account's session. Validation, capacity and session errors
// are returned here and leave no state behind; broker outcomes arrive later
// through the listener.
func (s *Service) SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}
	if err := req.Validate(); err != nil {
		return domain.Order{}, err
	}
	var out domain.Order
	err := s.exec.Call(ctx, req.AccountID, func() error {
		o, err := s.submit(req)
		out = o
		return err
	})
	return out, err
}

func (s *Service) submit(req domain.OrderRequest) (domain.Order, error) {
	acct, sess, err := s.lookup(req.AccountID)
	if err != nil {
		return domain.Order{}, err
	}
	if !sess.Ready() {
		return domain.Order{}, domain.Errorf(domain.ErrCodeSessionNotReady, "session %s is not ready", sess.ID())
	}
	fee, ok := sess.Fee(req.Instrument)
	if !ok {
		return domain.Order{}, domain.Errorf(domain.ErrCodeUnknownInstrument, "no fee ratios for %s", req.Instrument)
	}

	price := req.Price
	if req.PriceType == domain.PriceTypeMarket {
		if s.prices == nil {
			return domain.Order{}, domain.Errorf(domain.ErrCodeInvalidPrice, "no price source for market orders")
		}
		if price, ok = s.prices.LastPrice(req.Instrument); !ok {
			return domain.Order{}, domain.Errorf(domain.ErrCodeInvalidPrice, "no last price for %s", req.Instrument)
		}
	}
	if req.PlaybookID != "" {
		if err := s.checkPlaybook(req.PlaybookID, req.AccountID); err != nil {
			return domain.Order{}, err
		}
	}

	o, err := acct.PlaceOrder(sess.NextOrderRef(), sess.ID(), req, fee, price)
	if err != nil {
		return domain.Order{}, err
	}
	if err := sess.SendOrder(o); err != nil {
		if derr := acct.Discard(o.Ref); derr != nil {
			s.log.Error("Discard after failed send", slog.String("ref", o.Ref), slog.Any("error", derr))
		}
		return domain.Order{}, err
	}

	s.metrics.RecordOrderSubmitted()
	if req.PlaybookID != "" {
		s.attachToPlaybook(req.PlaybookID, o.Ref)
	}
	s.orderChanged(acct, o)
	s.persistAccount(acct)
	s.log.Info("Order submitted",
		slog.String("account", acct.ID()),
		slog.String("ref", o.Ref),
		slog.String("instrument", o.Instrument),
		slog.String("direction", string(o.Direction)),
		slog.String("offset", string(o.Offset)),
		slog.Int64("volume", o.Volume),
		slog.String("price", o.Price.String()),
	)
	return o, nil
}

// CancelOrder asks the broker to cancel a live order.
func (s *Service) CancelOrder(ctx context.Context, accountID, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.exec.Call(ctx, accountID, func() error {
		acct, sess, err := s.lookup(accountID)
		if err != nil {
			return err
		}
		o, ok := acct.Order(ref)
		if !ok {
			return domain.Errorf(domain.ErrCodeUnknownOrder, "order %s", ref)
		}
		if !o.IsOpen() {
			return domain.Errorf(domain.ErrCodeInvalidTransition, "order %s is %s", ref, o.State)
		}
		return sess.CancelOrder(o)
	})
}

// ModifyOrder reprices or resizes a live order. The new hold is frozen
// before the request leaves and rolled back if it cannot be sent.
func (s *Service) ModifyOrder(ctx context.Context, accountID, ref string, b domain.OrderBuilder) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}
	var out domain.Order
	err := s.exec.Call(ctx, accountID, func() error {
		acct, sess, err := s.lookup(accountID)
		if err != nil {
			return err
		}
		if !sess.Ready() {
			return domain.Errorf(domain.ErrCodeSessionNotReady, "session %s is not ready", sess.ID())
		}
		before, ok := acct.Order(ref)
		if !ok {
			return domain.Errorf(domain.ErrCodeUnknownOrder, "order %s", ref)
		}
		o, err := acct.Amend(ref, b)
		if err != nil {
			return err
		}
		if err := sess.ModifyOrder(o, b); err != nil {
			price, volume := before.Price, before.Volume
			if _, rerr := acct.Amend(ref, domain.OrderBuilder{Price: &price, Volume: &volume}); rerr != nil {
				s.log.Error("Rollback of amend failed", slog.String("ref", ref), slog.Any("error", rerr))
			}
			return err
		}
		out = o
		s.orderChanged(acct, o)
		s.persistAccount(acct)
		return nil
	})
	return out, err
}

// Deposit credits an account.
func (s *Service) Deposit(accountID string, amount decimal.Decimal) error {
	return s.exec.Call(context.Background(), accountID, func() error {
		acct, ok := s.Account(accountID)
		if !ok {
			return domain.Errorf(domain.ErrCodeUnknownAccount, "account %s", accountID)
		}
		if err := acct.Deposit(amount); err != nil {
			return err
		}
		s.persistAccount(acct)
		return nil
	})
}

// Withdraw debits an account.
func (s *Service) Withdraw(accountID string, amount decimal.Decimal) error {
	return s.exec.Call(context.Background(), accountID, func() error {
		acct, ok := s.Account(accountID)
		if !ok {
			return domain.Errorf(domain.ErrCodeUnknownAccount, "account %s", accountID)
		}
		if err := acct.Withdraw(amount); err != nil {
			return err
		}
		s.persistAccount(acct)
		return nil
	})
}

// Snapshot returns an advisory copy of an account.
func (s *Service) Snapshot(accountID string) (Snapshot, error) {
	acct, ok := s.Account(accountID)
	if !ok {
		return Snapshot{}, domain.Errorf(domain.ErrCodeUnknownAccount, "account %s", accountID)
	}
	return acct.Snapshot(), nil
}

// OnEvent marks positions to market on every tick. It never claims the
// event so later filters still see it.
func (s *Service) OnEvent(ev event.Event) bool {
	if !ev.IsMarketData() || ev.Tick == nil {
		return false
	}
	tick := ev.Tick
	s.mu.RLock()
	holders := make([]*Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		holders = append(holders, a)
	}
	s.mu.RUnlock()

	for _, a := range holders {
		if !a.Holds(tick.Instrument) {
			continue
		}
		acct := a
		if err := s.exec.Execute(acct.ID(), func() { acct.MarkToMarket(tick.Instrument, tick.Price) }); err != nil {
			s.log.Debug("Mark to market skipped", slog.String("account", acct.ID()), slog.Any("error", err))
		}
	}
	return false
}

// OnTxnSessionStateChanged implements session.Listener.
func (s *Service) OnTxnSessionStateChanged(sess *session.TxnSession, prior session.ConnState) {
	c := SessionChange{
		SessionID: sess.ID(),
		AccountID: sess.AccountID(),
		Prior:     prior,
		Current:   sess.State(),
		Ready:     sess.Ready(),
		At:        s.now(),
	}
	s.log.Info("Session state changed",
		slog.String("session", c.SessionID),
		slog.String("account", c.AccountID),
		slog.String("from", prior.String()),
		slog.String("to", c.Current.String()),
	)
	for _, n := range s.notifiers {
		n.SessionStateChanged(c)
	}
}

// OnSessionSynced implements session.Listener. It blocks until the snapshot
// has been applied on the account's lane.
func (s *Service) OnSessionSynced(sess *session.TxnSession, snap session.SyncSnapshot) error {
	acct, ok := s.Account(sess.AccountID())
	if !ok {
		return domain.Errorf(domain.ErrCodeUnknownAccount, "account %s", sess.AccountID())
	}
	return s.exec.Call(context.Background(), acct.ID(), func() error {
		res, err := acct.Synchronize(snap.Money, snap.Positions, snap.Orders, snap.Fees)
		s.applySyncResult(acct, sess.ID(), res)
		if err != nil {
			s.metrics.RecordError()
			return err
		}
		return nil
	})
}

func (s *Service) applySyncResult(acct *Account, sessionID string, res SyncResult) {
	log := s.log.With(slog.String("account", acct.ID()), slog.String("session", sessionID))
	if res.Adopted {
		log.Info("Adopted broker money and positions", slog.String("balance", acct.Money().Balance().String()))
	}
	for _, t := range res.Transactions {
		log.Warn("Booked fill missed while disconnected", slog.String("ref", t.OrderRef), slog.Int64("volume", t.Volume))
		s.transactionBooked(t)
	}
	for _, o := range res.Orders {
		s.orderChanged(acct, o)
	}
	for _, ref := range res.Unknown {
		log.Warn("Broker order unknown locally, ignored", slog.String("ref", ref))
	}
	for _, ref := range res.Conflicts {
		log.Warn("Broker order state conflicts with local order", slog.String("ref", ref))
	}
	if len(res.Mismatched) > 0 {
		log.Warn("Position volumes differ from broker", slog.Any("instruments", res.Mismatched))
	}
	if !res.BalanceDiff.IsZero() {
		s.metrics.RecordBalanceMismatch()
		log.Warn("Balance differs from broker", slog.String("diff", res.BalanceDiff.String()))
	}
	s.persistAccount(acct)
}

// ChangeOrderState implements session.Listener.
func (s *Service) ChangeOrderState(sess *session.TxnSession, r domain.OrderReport) {
	s.onLane(sess.AccountID(), func(acct *Account) {
		o, changed, err := acct.ApplyReport(r)
		if err != nil {
			s.metrics.RecordError()
			s.log.Warn("Order report not applied", slog.String("ref", r.Ref), slog.String("state", string(r.State)), slog.Any("error", err))
			return
		}
		if !changed {
			return
		}
		if o.State == domain.OrderStateRejected {
			s.log.Warn("Order rejected by broker", slog.String("ref", o.Ref), slog.String("message", o.Message))
		}
		s.orderChanged(acct, o)
		s.persistAccount(acct)
	})
}

// OnTransaction implements session.Listener.
func (s *Service) OnTransaction(sess *session.TxnSession, t domain.TradeReport) {
	s.onLane(sess.AccountID(), func(acct *Account) {
		txn, o, err := acct.ApplyTrade(t)
		if err != nil {
			s.metrics.RecordError()
			s.log.Warn("Trade not applied", slog.String("trade", t.TradeID), slog.String("ref", t.Ref), slog.Any("error", err))
			return
		}
		if txn == nil {
			return
		}
		s.transactionBooked(*txn)
		s.orderChanged(acct, o)
		s.persistAccount(acct)
	})
}

// CompareAndSetRef implements session.Listener.
func (s *Service) CompareAndSetRef(sess *session.TxnSession, ref string) bool {
	acct, ok := s.Account(sess.AccountID())
	if !ok {
		return true
	}
	return acct.CompareAndSetRef(ref)
}

func (s *Service) onLane(accountID string, fn func(*Account)) {
	acct, ok := s.Account(accountID)
	if !ok {
		s.log.Warn("Report for unknown account", slog.String("account", accountID))
		return
	}
	if err := s.exec.Execute(accountID, func() { fn(acct) }); err != nil {
		s.log.Error("Ledger update dropped", slog.String("account", accountID), slog.Any("error", err))
	}
}

func (s *Service) orderChanged(acct *Account, o domain.Order) {
	switch o.State {
	case domain.OrderStateFilled:
		s.metrics.RecordOrderFilled()
	case domain.OrderStateRejected:
		s.metrics.RecordOrderRejected()
	}
	s.save(domain.EntityOrder, entityKey(o.AccountID, o.Ref), o)
	for _, n := range s.notifiers {
		n.OrderChanged(o)
	}
	if o.State.IsTerminal() && o.PlaybookID != "" {
		s.maybeClosePlaybook(acct, o.PlaybookID)
	}
}

func (s *Service) transactionBooked(t domain.Transaction) {
	s.metrics.RecordTransaction()
	s.save(domain.EntityTransaction, entityKey(t.AccountID, t.ID), t)
	for _, n := range s.notifiers {
		n.TransactionBooked(t)
	}
}

func (s *Service) persistAccount(acct *Account) {
	s.save(domain.EntityAccount, acct.ID(), acct.Snapshot())
}

func (s *Service) save(et domain.EntityType, id string, obj any) {
	if s.repo != nil {
		s.repo.AsyncSave(et, id, obj)
	}
}

// entityKey scopes a per-account id so an account's records share a prefix.
func entityKey(accountID, id string) string {
	return accountID + "/" + id
}

// OpenPlaybook starts a playbook that orders can join via OrderRequest.PlaybookID.
func (s *Service) OpenPlaybook(accountID, instrument, note string) (domain.Playbook, error) {
	if _, ok := s.Account(accountID); !ok {
		return domain.Playbook{}, domain.Errorf(domain.ErrCodeUnknownAccount, "account %s", accountID)
	}
	pb := &domain.Playbook{
		ID:         uuid.NewString(),
		AccountID:  accountID,
		Instrument: instrument,
		Note:       note,
		Status:     domain.PlaybookOpen,
		CreatedAt:  s.now(),
	}
	s.mu.Lock()
	s.playbooks[pb.ID] = pb
	out := clonePlaybook(pb)
	s.mu.Unlock()

	s.save(domain.EntityPlaybook, entityKey(accountID, pb.ID), out)
	return out, nil
}

// Playbook returns a copy of the playbook with id.
func (s *Service) Playbook(id string) (domain.Playbook, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pb, ok := s.playbooks[id]
	if !ok {
		return domain.Playbook{}, false
	}
	return clonePlaybook(pb), true
}

func (s *Service) checkPlaybook(id, accountID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pb, ok := s.playbooks[id]
	switch {
	case !ok:
		return domain.Errorf(domain.ErrCodeInvalidOrder, "unknown playbook %s", id)
	case pb.AccountID != accountID:
		return domain.Errorf(domain.ErrCodeInvalidOrder, "playbook %s belongs to %s", id, pb.AccountID)
	case pb.Status != domain.PlaybookOpen:
		return domain.Errorf(domain.ErrCodeInvalidOrder, "playbook %s is %s", id, pb.Status)
	}
	return nil
}

func (s *Service) attachToPlaybook(id, ref string) {
	s.mu.Lock()
	pb, ok := s.playbooks[id]
	if ok {
		pb.OrderRefs = append(pb.OrderRefs, ref)
	}
	var out domain.Playbook
	if ok {
		out = clonePlaybook(pb)
	}
	s.mu.Unlock()
	if ok {
		s.save(domain.EntityPlaybook, entityKey(out.AccountID, out.ID), out)
	}
}

// maybeClosePlaybook closes the playbook once all its orders are terminal.
func (s *Service) maybeClosePlaybook(acct *Account, id string) {
	s.mu.Lock()
	pb, ok := s.playbooks[id]
	if !ok || pb.Status != domain.PlaybookOpen {
		s.mu.Unlock()
		return
	}
	for _, ref := range pb.OrderRefs {
		if o, ok := acct.Order(ref); ok && o.IsOpen() {
			s.mu.Unlock()
			return
		}
	}
	closedAt := s.now()
	pb.Status = domain.PlaybookClosed
	pb.ClosedAt = &closedAt
	out := clonePlaybook(pb)
	s.mu.Unlock()

	s.log.Info("Playbook closed", slog.String("playbook", id), slog.Int("orders", len(out.OrderRefs)))
	s.save(domain.EntityPlaybook, entityKey(out.AccountID, out.ID), out)
}

func clonePlaybook(pb *domain.Playbook) domain.Playbook {
	c := *pb
	c.OrderRefs = append([]string(nil), pb.OrderRefs...)
	return c
}

// Restore rebuilds an account from the repository: its snapshot, its live
// orders, the trades already booked and its open playbooks. It returns false
// when nothing was stored for the account.
func (s *Service) Restore(ctx context.Context, accountID string) (bool, error) {
	if s.repo == nil {
		return false, nil
	}

	tx, err := s.repo.BeginTransaction(ctx, true)
	if err != nil {
		return false, err
	}
	data, err := tx.Load(domain.EntityAccount, accountID)
	if endErr := tx.End(false); endErr != nil && err == nil {
		err = endErr
	}
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return false, domain.NewTradeError(domain.ErrCodeLoadFailed, "decode account "+accountID, err)
	}

	var orders []domain.Order
	if err := s.scan(ctx, domain.EntityOrder, accountID, func(_ string, data []byte) error {
		var o domain.Order
		if err := json.Unmarshal(data, &o); err != nil {
			return err
		}
		orders = append(orders, o)
		return nil
	}); err != nil {
		return false, err
	}

	var tradeIDs []string
	if err := s.scan(ctx, domain.EntityTransaction, accountID, func(id string, _ []byte) error {
		tradeIDs = append(tradeIDs, strings.TrimPrefix(id, accountID+"/"))
		return nil
	}); err != nil {
		return false, err
	}

	var playbooks []*domain.Playbook
	if err := s.scan(ctx, domain.EntityPlaybook, accountID, func(_ string, data []byte) error {
		var pb domain.Playbook
		if err := json.Unmarshal(data, &pb); err != nil {
			return err
		}
		if pb.Status == domain.PlaybookOpen {
			playbooks = append(playbooks, &pb)
		}
		return nil
	}); err != nil {
		return false, err
	}

	acct, err := RestoreAccount(snap, orders, tradeIDs)
	if err != nil {
		return false, err
	}
	acct.now = s.now
	if err := s.register(acct); err != nil {
		return false, err
	}
	s.mu.Lock()
	for _, pb := range playbooks {
		s.playbooks[pb.ID] = pb
	}
	s.mu.Unlock()

	s.log.Info("Account restored",
		slog.String("account", accountID),
		slog.Int("live_orders", len(acct.LiveOrders())),
		slog.Int("trades", len(tradeIDs)),
		slog.Int("playbooks", len(playbooks)),
	)
	return true, nil
}

func (s *Service) scan(ctx context.Context, et domain.EntityType, accountID string, fn func(id string, data []byte) error) error {
	it, err := s.repo.Search(ctx, et, domain.SearchQuery{IDPrefix: accountID + "/"})
	if err != nil {
		return err
	}
	defer it.Close()
	for it.Next() {
		if err := fn(it.ID(), it.Data()); err != nil {
			return domain.NewTradeError(domain.ErrCodeLoadFailed, fmt.Sprintf("decode %s %s", et, it.ID()), err)
		}
	}
	return it.Err()
}
