package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"trader_go/internal/domain"
	"trader_go/internal/event"
	"trader_go/internal/registry"
	"trader_go/internal/session"
)

// PaperPurpose is the registry purpose of the in-process broker.
const PaperPurpose = "paper"

// FillMode controls when the paper broker fills accepted orders.
type FillMode int

const (
	// FillImmediate fills every accepted order at once: limit orders at their
	// price, market orders at the last price.
	FillImmediate FillMode = iota
	// FillOnCross rests limit orders until UpdatePrice crosses them.
	FillOnCross
	// FillManual only fills through FillOrder.
	FillManual
)

// ParseFillMode maps immediate|cross|manual to a FillMode.
func ParseFillMode(s string) (FillMode, error) {
	switch strings.ToLower(s) {
	case "", "immediate":
		return FillImmediate, nil
	case "cross", "on_cross":
		return FillOnCross, nil
	case "manual":
		return FillManual, nil
	default:
		return 0, fmt.Errorf("unknown fill mode %q", s)
	}
}

// PaperConfig configures a PaperBroker.
type PaperConfig struct {
	Balance    decimal.Decimal
	Fees       domain.FeeTable
	DefaultFee *domain.FeeInfo // Used for instruments missing from Fees
	FillMode   FillMode
	QueueSize  int
}

// PaperConfigFromProps reads balance, fill_mode, queue_size and a default fee
// (multiplier, margin_ratio, commission_by_volume, commission_by_money).
func PaperConfigFromProps(p registry.Props) (PaperConfig, error) {
	mode, err := ParseFillMode(p.String("fill_mode", ""))
	if err != nil {
		return PaperConfig{}, &domain.ConfigError{Field: "fill_mode", Err: err}
	}
	ratio := p.Decimal("margin_ratio", decimal.RequireFromString("0.1"))
	return PaperConfig{
		Balance:   p.Decimal("balance", decimal.NewFromInt(1_000_000)),
		Fees:      domain.FeeTable{},
		FillMode:  mode,
		QueueSize: p.Int("queue_size", 1024),
		DefaultFee: &domain.FeeInfo{
			Multiplier:              p.Decimal("multiplier", decimal.NewFromInt(1)),
			PriceTick:               p.Decimal("price_tick", decimal.RequireFromString("0.01")),
			LongMarginRatio:         ratio,
			ShortMarginRatio:        ratio,
			OpenCommissionByVolume:  p.Decimal("commission_by_volume", decimal.Zero),
			CloseCommissionByVolume: p.Decimal("commission_by_volume", decimal.Zero),
			OpenCommissionByMoney:   p.Decimal("commission_by_money", decimal.Zero),
			CloseCommissionByMoney:  p.Decimal("commission_by_money", decimal.Zero),
		},
	}, nil
}

// RegisterPaper adds the paper broker to r. Every session built from it gets
// its own broker; onCreate, when set, sees each one.
func RegisterPaper(r *registry.Registry, onCreate func(*PaperBroker)) error {
	return session.RegisterAdapter(r, PaperPurpose, func(p registry.Props) (session.Adapter, error) {
		cfg, err := PaperConfigFromProps(p)
		if err != nil {
			return nil, err
		}
		b := NewPaperBroker(cfg)
		if onCreate != nil {
			onCreate(b)
		}
		return b, nil
	})
}

type paperOrder struct {
	snap domain.OrderSnapshot
	fee  domain.FeeInfo
	// Hold at the broker for the unfilled volume.
	frozenMargin     decimal.Decimal
	frozenCommission decimal.Decimal
}

type paperSide struct {
	volume   int64
	avgPrice decimal.Decimal
	margin   decimal.Decimal
}

type paperPosition struct {
	long, short paperSide
}

// PaperBroker is an in-process broker. It keeps its own books so that a
// resync sees the fills it made while the session was away. Reports are
// delivered on the broker's goroutine, never on the caller's.
type PaperBroker struct {
	cfg PaperConfig
	log *slog.Logger

	mu         sync.Mutex
	money      domain.MoneyVector
	orders     map[string]*paperOrder
	positions  map[string]*paperPosition
	prices     map[string]decimal.Decimal
	fills      []domain.TradeReport
	nextID     int
	rejectNext string
	connectErr error

	connected bool
	events    session.AdapterEvents
	queue     chan func()
	quit      chan struct{}
	done      chan struct{}
}

var _ session.Adapter = (*PaperBroker)(nil)

// NewPaperBroker creates a disconnected broker holding cfg.Balance.
func NewPaperBroker(cfg PaperConfig) *PaperBroker {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Fees == nil {
		cfg.Fees = domain.FeeTable{}
	}
	return &PaperBroker{
		cfg:       cfg,
		log:       slog.Default().With(slog.String("module", "paper")),
		money:     domain.NewMoneyVector(cfg.Balance),
		orders:    make(map[string]*paperOrder),
		positions: make(map[string]*paperPosition),
		prices:    make(map[string]decimal.Decimal),
	}
}

// Connect starts report delivery.
func (b *PaperBroker) Connect(ctx context.Context, _ registry.Props, events session.AdapterEvents) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.connectErr; err != nil {
		b.connectErr = nil
		return err
	}
	if b.connected {
		return nil
	}
	b.connected = true
	b.events = events
	b.queue = make(chan func(), b.cfg.QueueSize)
	b.quit = make(chan struct{})
	b.done = make(chan struct{})
	go b.deliver(b.queue, b.quit, b.done)
	return nil
}

func (b *PaperBroker) deliver(q <-chan func(), quit, done chan struct{}) {
	defer close(done)
	for {
		select {
		case fn := <-q:
			fn()
		case <-quit:
			return
		}
	}
}

// Close stops delivery. Queued requests the broker has not processed are lost.
func (b *PaperBroker) Close() error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return nil
	}
	b.connected = false
	close(b.quit)
	done := b.done
	b.mu.Unlock()
	<-done
	return nil
}

// Disconnect drops the connection as if the network failed.
func (b *PaperBroker) Disconnect(cause error) {
	b.mu.Lock()
	events := b.events
	connected := b.connected
	b.mu.Unlock()
	if !connected {
		return
	}
	if cause == nil {
		cause = errors.New("paper: connection reset")
	}
	_ = b.Close()
	events.OnDisconnected(cause)
}

// FailNextConnect makes the next Connect return err.
func (b *PaperBroker) FailNextConnect(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connectErr = err
}

// RejectNext rejects the next order with msg.
func (b *PaperBroker) RejectNext(msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejectNext = msg
}

// Connected reports whether reports are being delivered.
func (b *PaperBroker) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *PaperBroker) SyncLoadFeeEvaluator(ctx context.Context, instruments []string) (domain.FeeTable, error) {
	if err := b.checkSync(ctx); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(domain.FeeTable, len(instruments))
	for _, ins := range instruments {
		if f, ok := b.feeLocked(ins); ok {
			out[ins] = f
		}
	}
	return out, nil
}

func (b *PaperBroker) feeLocked(instrument string) (domain.FeeInfo, bool) {
	if f, ok := b.cfg.Fees[instrument]; ok {
		return f, true
	}
	if b.cfg.DefaultFee == nil {
		return domain.FeeInfo{}, false
	}
	f := *b.cfg.DefaultFee
	f.Instrument = instrument
	return f, true
}

func (b *PaperBroker) SyncConfirmSettlement(ctx context.Context) ([]string, error) {
	if err := b.checkSync(ctx); err != nil {
		return nil, err
	}
	return []string{"paper settlement " + time.Now().Format(time.DateOnly)}, nil
}

func (b *PaperBroker) SyncQryAccounts(ctx context.Context) (domain.MoneyVector, error) {
	if err := b.checkSync(ctx); err != nil {
		return domain.MoneyVector{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.money, nil
}

func (b *PaperBroker) SyncQryPositions(ctx context.Context) ([]domain.PositionSnapshot, error) {
	if err := b.checkSync(ctx); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.PositionSnapshot, 0, len(b.positions))
	for _, ins := range slices.Sorted(maps.Keys(b.positions)) {
		p := b.positions[ins]
		out = append(out, domain.PositionSnapshot{
			Instrument:    ins,
			LongVolume:    p.long.volume,
			LongAvgPrice:  p.long.avgPrice,
			LongMargin:    p.long.margin,
			ShortVolume:   p.short.volume,
			ShortAvgPrice: p.short.avgPrice,
			ShortMargin:   p.short.margin,
		})
	}
	return out, nil
}

func (b *PaperBroker) SyncQryOrders(ctx context.Context) ([]domain.OrderSnapshot, error) {
	if err := b.checkSync(ctx); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.OrderSnapshot, 0, len(b.orders))
	for _, ref := range slices.Sorted(maps.Keys(b.orders)) {
		out = append(out, b.orders[ref].snap)
	}
	return out, nil
}

func (b *PaperBroker) checkSync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !b.Connected() {
		return domain.NewNetworkError("paper", errors.New("not connected"))
	}
	return nil
}

// AsyncSendOrder queues o. It never blocks: a full queue is reported as a
// connectivity error.
func (b *PaperBroker) AsyncSendOrder(o domain.Order) error {
	return b.enqueue("send", func() { b.accept(o) })
}

func (b *PaperBroker) AsyncCancelOrder(o domain.Order) error {
	return b.enqueue("cancel", func() { b.cancel(o.Ref) })
}

func (b *PaperBroker) AsyncModifyOrder(o domain.Order, m domain.OrderBuilder) error {
	return b.enqueue("modify", func() { b.modify(o.Ref, m) })
}

func (b *PaperBroker) enqueue(op string, fn func()) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return domain.NewNetworkError("paper "+op, errors.New("not connected"))
	}
	select {
	case b.queue <- fn:
		return nil
	default:
		return domain.NewTradeError(domain.ErrCodeDisconnected, "paper "+op, errors.New("request queue full"))
	}
}

// accept runs on the delivery goroutine.
func (b *PaperBroker) accept(o domain.Order) {
	var ack, after []domain.OrderReport
	var trades []domain.TradeReport

	b.mu.Lock()
	if _, dup := b.orders[o.Ref]; dup {
		b.mu.Unlock()
		return
	}
	b.nextID++
	po := &paperOrder{
		fee: o.Fee,
		snap: domain.OrderSnapshot{
			Ref:           o.Ref,
			BrokerOrderID: fmt.Sprintf("P-%d", b.nextID),
			Instrument:    o.Instrument,
			Direction:     o.Direction,
			Offset:        o.Offset,
			Price:         o.Price,
			Volume:        o.Volume,
			State:         domain.OrderStateAccepted,
		},
	}
	b.orders[o.Ref] = po

	if msg := b.admitLocked(po); msg != "" {
		po.snap.State = domain.OrderStateRejected
		ack = append(ack, b.report(po, msg))
	} else {
		ack = append(ack, b.report(po, ""))
		if b.cfg.FillMode == FillImmediate {
			price := o.Price
			if o.PriceType == domain.PriceTypeMarket {
				if last, ok := b.prices[o.Instrument]; ok {
					price = last
				}
			}
			if t, r, ok := b.fillLocked(po, price, po.snap.Volume); ok {
				trades = append(trades, t)
				after = append(after, r)
			}
		}
	}
	events := b.events
	b.mu.Unlock()

	emit(events, ack, trades, after)
}

// admitLocked freezes the order's hold, returning a reject message on failure.
func (b *PaperBroker) admitLocked(po *paperOrder) string {
	if msg := b.rejectNext; msg != "" {
		b.rejectNext = ""
		return msg
	}
	s := po.snap
	if s.Volume <= 0 || !s.Price.IsPositive() {
		return "invalid volume or price"
	}
	if s.Offset == domain.OffsetClose {
		side := b.heldSide(s.Instrument, s.Direction)
		if side == nil || side.volume-b.closingVolumeLocked(s.Instrument, s.Direction, s.Ref) < s.Volume {
			return "insufficient position"
		}
	}
	margin := decimal.Zero
	if s.Offset == domain.OffsetOpen {
		margin = po.fee.Margin(s.Direction, s.Price, s.Volume)
	}
	commission := po.fee.Commission(s.Offset, s.Price, s.Volume)
	if err := b.money.Freeze(margin, commission); err != nil {
		return "insufficient funds"
	}
	po.frozenMargin, po.frozenCommission = margin, commission
	return ""
}

// closingVolumeLocked sums the unfilled volume of other live close orders
// against the same side.
func (b *PaperBroker) closingVolumeLocked(instrument string, dir domain.Direction, except string) int64 {
	var n int64
	for ref, o := range b.orders {
		s := o.snap
		if ref == except || s.Instrument != instrument || s.Direction != dir || s.Offset != domain.OffsetClose || s.State.IsTerminal() {
			continue
		}
		n += s.Volume - s.FilledVolume
	}
	return n
}

// heldSide is the position side a close order in dir reduces.
func (b *PaperBroker) heldSide(instrument string, dir domain.Direction) *paperSide {
	p := b.positions[instrument]
	if p == nil {
		return nil
	}
	if dir == domain.DirectionSell {
		return &p.long
	}
	return &p.short
}

// fillLocked books volume of po at price and returns the trade and the
// resulting order report.
func (b *PaperBroker) fillLocked(po *paperOrder, price decimal.Decimal, volume int64) (domain.TradeReport, domain.OrderReport, bool) {
	s := &po.snap
	remaining := s.Volume - s.FilledVolume
	volume = min(volume, remaining)
	if volume <= 0 || s.State.IsTerminal() || !price.IsPositive() {
		return domain.TradeReport{}, domain.OrderReport{}, false
	}

	relMargin, relCommission := po.frozenMargin, po.frozenCommission
	if volume < remaining {
		ratio := decimal.NewFromInt(volume).Div(decimal.NewFromInt(remaining))
		relMargin, relCommission = relMargin.Mul(ratio), relCommission.Mul(ratio)
	}
	po.frozenMargin = po.frozenMargin.Sub(relMargin)
	po.frozenCommission = po.frozenCommission.Sub(relCommission)
	b.money.Unfreeze(relMargin, relCommission)

	commission := po.fee.Commission(s.Offset, price, volume)
	if s.Offset == domain.OffsetOpen {
		p := b.positions[s.Instrument]
		if p == nil {
			p = &paperPosition{}
			b.positions[s.Instrument] = p
		}
		side := &p.long
		if s.Direction == domain.DirectionSell {
			side = &p.short
		}
		margin := po.fee.Margin(s.Direction, price, volume)
		total := side.avgPrice.Mul(decimal.NewFromInt(side.volume)).Add(price.Mul(decimal.NewFromInt(volume)))
		side.volume += volume
		side.avgPrice = total.Div(decimal.NewFromInt(side.volume))
		side.margin = side.margin.Add(margin)
		b.money.BookOpen(margin, commission)
	} else {
		side := b.heldSide(s.Instrument, s.Direction)
		held := domain.DirectionBuy
		if s.Direction == domain.DirectionBuy {
			held = domain.DirectionSell
		}
		profit := po.fee.Profit(held, side.avgPrice, price, volume)
		released := side.margin
		if volume < side.volume {
			released = side.margin.Mul(decimal.NewFromInt(volume)).Div(decimal.NewFromInt(side.volume))
		}
		side.margin = side.margin.Sub(released)
		side.volume -= volume
		if side.volume == 0 {
			*side = paperSide{}
		}
		b.money.BookClose(released, profit, commission)
		if p := b.positions[s.Instrument]; p.long.volume == 0 && p.short.volume == 0 {
			delete(b.positions, s.Instrument)
		}
	}

	s.AvgFillPrice = s.AvgFillPrice.Mul(decimal.NewFromInt(s.FilledVolume)).
		Add(price.Mul(decimal.NewFromInt(volume))).
		Div(decimal.NewFromInt(s.FilledVolume + volume))
	s.FilledVolume += volume
	s.State = domain.OrderStatePartiallyFilled
	if s.FilledVolume == s.Volume {
		s.State = domain.OrderStateFilled
	}

	t := domain.TradeReport{
		TradeID:   uuid.NewString(),
		Ref:       s.Ref,
		Price:     price,
		Volume:    volume,
		Timestamp: time.Now(),
	}
	b.fills = append(b.fills, t)
	return t, b.report(po, ""), true
}

func (b *PaperBroker) report(po *paperOrder, msg string) domain.OrderReport {
	return domain.OrderReport{
		Ref:           po.snap.Ref,
		BrokerOrderID: po.snap.BrokerOrderID,
		State:         po.snap.State,
		Message:       msg,
		Timestamp:     time.Now(),
	}
}

func (b *PaperBroker) cancel(ref string) {
	b.mu.Lock()
	po, ok := b.orders[ref]
	if !ok || po.snap.State.IsTerminal() {
		b.mu.Unlock()
		return
	}
	b.money.Unfreeze(po.frozenMargin, po.frozenCommission)
	po.frozenMargin, po.frozenCommission = decimal.Zero, decimal.Zero
	po.snap.State = domain.OrderStateCanceled
	r := b.report(po, "")
	events := b.events
	b.mu.Unlock()

	emit(events, []domain.OrderReport{r}, nil, nil)
}

func (b *PaperBroker) modify(ref string, m domain.OrderBuilder) {
	b.mu.Lock()
	po, ok := b.orders[ref]
	if !ok || po.snap.State.IsTerminal() {
		b.mu.Unlock()
		return
	}
	msg := b.modifyLocked(po, m)
	if msg == "" {
		b.mu.Unlock()
		return
	}
	r := b.report(po, "modify refused: "+msg)
	r.Price, r.Volume = po.snap.Price, po.snap.Volume
	events := b.events
	b.mu.Unlock()

	emit(events, []domain.OrderReport{r}, nil, nil)
}

// modifyLocked applies m and returns why it was refused, or "".
func (b *PaperBroker) modifyLocked(po *paperOrder, m domain.OrderBuilder) string {
	s := &po.snap
	price, volume := s.Price, s.Volume
	if m.Price != nil {
		price = *m.Price
	}
	if m.Volume != nil {
		volume = *m.Volume
	}
	if volume <= s.FilledVolume {
		return fmt.Sprintf("volume %d not above filled %d", volume, s.FilledVolume)
	}
	if !price.IsPositive() {
		return "price must be positive"
	}

	b.money.Unfreeze(po.frozenMargin, po.frozenCommission)
	margin := decimal.Zero
	if s.Offset == domain.OffsetOpen {
		margin = po.fee.Margin(s.Direction, price, volume-s.FilledVolume)
	}
	commission := po.fee.Commission(s.Offset, price, volume-s.FilledVolume)
	if err := b.money.Freeze(margin, commission); err != nil {
		// Keep the old terms.
		_ = b.money.Freeze(po.frozenMargin, po.frozenCommission)
		return err.Error()
	}
	po.frozenMargin, po.frozenCommission = margin, commission
	s.Price, s.Volume = price, volume
	return ""
}

// FillOrder fills volume of the order ref at price, as the exchange would.
// While disconnected the fill is booked but not reported. It waits for room
// in the delivery queue, so it must not be called from a sequencer filter.
func (b *PaperBroker) FillOrder(ref string, price decimal.Decimal, volume int64) error {
	b.mu.Lock()
	po, ok := b.orders[ref]
	if !ok {
		b.mu.Unlock()
		return domain.Errorf(domain.ErrCodeUnknownOrder, "paper order %s", ref)
	}
	t, r, ok := b.fillLocked(po, price, volume)
	if !ok {
		b.mu.Unlock()
		return domain.Errorf(domain.ErrCodeInvalidTransition, "paper order %s cannot fill", ref)
	}
	connected, events, queue, quit := b.connected, b.events, b.queue, b.quit
	b.mu.Unlock()

	if !connected {
		b.log.Info("Fill booked while disconnected", slog.String("ref", ref), slog.Int64("volume", t.Volume))
		return nil
	}
	select {
	case queue <- func() { emit(events, nil, []domain.TradeReport{t}, []domain.OrderReport{r}) }:
	case <-quit:
	}
	return nil
}

// emit delivers acknowledgements, then fills, then the states that follow
// from those fills.
func emit(events session.AdapterEvents, ack []domain.OrderReport, trades []domain.TradeReport, after []domain.OrderReport) {
	if events == nil {
		return
	}
	for _, r := range ack {
		events.OnOrderReport(r)
	}
	for _, t := range trades {
		events.OnTrade(t)
	}
	for _, r := range after {
		events.OnOrderReport(r)
	}
}

// UpdatePrice records the last price of instrument and, in FillOnCross mode,
// fills resting limit orders it crosses at their limit price. It never
// blocks: crossing is evaluated on the delivery goroutine, and skipped for
// this price when the queue is full.
func (b *PaperBroker) UpdatePrice(instrument string, price decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[instrument] = price
	if b.cfg.FillMode != FillOnCross {
		return
	}
	if !b.connected {
		b.crossLocked(instrument, price)
		return
	}
	select {
	case b.queue <- func() { b.cross(instrument, price) }:
	default:
		b.log.Warn("Price cross skipped, queue full", slog.String("instrument", instrument))
	}
}

func (b *PaperBroker) cross(instrument string, price decimal.Decimal) {
	b.mu.Lock()
	trades, reports := b.crossLocked(instrument, price)
	events := b.events
	b.mu.Unlock()
	emit(events, nil, trades, reports)
}

func (b *PaperBroker) crossLocked(instrument string, price decimal.Decimal) ([]domain.TradeReport, []domain.OrderReport) {
	var trades []domain.TradeReport
	var reports []domain.OrderReport
	for _, ref := range slices.Sorted(maps.Keys(b.orders)) {
		po := b.orders[ref]
		s := po.snap
		if s.Instrument != instrument || s.State.IsTerminal() {
			continue
		}
		if (s.Direction == domain.DirectionBuy && price.LessThanOrEqual(s.Price)) ||
			(s.Direction == domain.DirectionSell && price.GreaterThanOrEqual(s.Price)) {
			if t, r, ok := b.fillLocked(po, s.Price, s.Volume); ok {
				trades = append(trades, t)
				reports = append(reports, r)
			}
		}
	}
	return trades, reports
}

// OnEvent feeds ticks from the sequencer into UpdatePrice. It never claims
// the event.
func (b *PaperBroker) OnEvent(ev event.Event) bool {
	if ev.IsMarketData() && ev.Tick != nil {
		b.UpdatePrice(ev.Tick.Instrument, ev.Tick.Price)
	}
	return false
}

// Deposit credits the broker account.
func (b *PaperBroker) Deposit(amount decimal.Decimal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.money.Deposit(amount)
}

// Money returns the broker's view of the account.
func (b *PaperBroker) Money() domain.MoneyVector {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.money
}

// Fills returns every trade the broker made.
func (b *PaperBroker) Fills() []domain.TradeReport {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.fills)
}
