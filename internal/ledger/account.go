// Package ledger keeps the money, positions and orders of trading accounts.
// Every mutation of one account is serialized; the service funnels them
// through an ordered executor lane keyed by account id.
package ledger

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"trader_go/internal/domain"
)

// Account owns a money vector, its positions and its orders.
type Account struct {
	mu sync.Mutex

	id        string
	money     domain.MoneyVector
	positions map[string]*Position
	orders    map[string]*domain.Order
	fees      domain.FeeTable
	txnIDs    map[string]struct{} // applied trade ids
	refs      map[string]struct{} // broker references already claimed
	synced    bool

	now func() time.Time
}

// NewAccount creates an account holding balance.
func NewAccount(id string, balance decimal.Decimal) *Account {
	return &Account{
		id:        id,
		money:     domain.NewMoneyVector(balance),
		positions: make(map[string]*Position),
		orders:    make(map[string]*domain.Order),
		fees:      domain.FeeTable{},
		txnIDs:    make(map[string]struct{}),
		refs:      make(map[string]struct{}),
		now:       time.Now,
	}
}

func (a *Account) ID() string { return a.id }

// Money returns a copy of the money vector.
func (a *Account) Money() domain.MoneyVector {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.money
}

// Order returns a copy of the order with ref.
func (a *Account) Order(ref string) (domain.Order, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	o, ok := a.orders[ref]
	if !ok {
		return domain.Order{}, false
	}
	return o.Clone(), true
}

// Position returns a copy of the instrument's position.
func (a *Account) Position(instrument string) (Position, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.positions[instrument]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// LiveOrders returns copies of all non-terminal orders, oldest first.
func (a *Account) LiveOrders() []domain.Order {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []domain.Order
	for _, o := range a.orders {
		if o.IsOpen() {
			out = append(out, o.Clone())
		}
	}
	slices.SortFunc(out, func(x, y domain.Order) int { return x.CreatedAt.Compare(y.CreatedAt) })
	return out
}

// Deposit credits the account.
func (a *Account) Deposit(amount decimal.Decimal) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.money.Deposit(amount)
}

// Withdraw debits the account.
func (a *Account) Withdraw(amount decimal.Decimal) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.money.Withdraw(amount)
}

// SetFees merges ratios loaded by a session.
func (a *Account) SetFees(t domain.FeeTable) {
	a.mu.Lock()
	defer a.mu.Unlock()
	maps.Copy(a.fees, t)
}

// CompareAndSetRef claims ref. Only the first claim succeeds.
func (a *Account) CompareAndSetRef(ref string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.refs[ref]; ok {
		return false
	}
	a.refs[ref] = struct{}{}
	return true
}

func (a *Account) position(instrument string) *Position {
	p, ok := a.positions[instrument]
	if !ok {
		p = &Position{Instrument: instrument}
		a.positions[instrument] = p
	}
	return p
}

// PlaceOrder validates req, freezes the money it needs and records a
// Submitted order. Nothing changes when an error is returned.
func (a *Account) PlaceOrder(ref, sessionID string, req domain.OrderRequest, fee domain.FeeInfo, price decimal.Decimal) (domain.Order, error) {
	if err := req.Validate(); err != nil {
		return domain.Order{}, err
	}
	if !price.IsPositive() {
		return domain.Order{}, domain.Errorf(domain.ErrCodeInvalidPrice, "no price to value %s order on %s", req.PriceType, req.Instrument)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, dup := a.orders[ref]; dup {
		return domain.Order{}, domain.Errorf(domain.ErrCodeDuplicateRef, "order ref %s already used", ref)
	}

	pos := a.position(req.Instrument)
	var margin decimal.Decimal
	if req.Offset == domain.OffsetOpen {
		margin = fee.Margin(req.Direction, price, req.Volume)
	} else {
		side, _ := pos.heldSide(req.Direction, req.Offset)
		if side.Closable() < req.Volume {
			if pos.IsEmpty() {
				delete(a.positions, req.Instrument)
			}
			return domain.Order{}, domain.Errorf(domain.ErrCodeInsufficientPosition,
				"%s: closable %d, requested %d", req.Instrument, side.Closable(), req.Volume)
		}
	}
	commission := fee.Commission(req.Offset, price, req.Volume)

	if err := a.money.Freeze(margin, commission); err != nil {
		if pos.IsEmpty() {
			delete(a.positions, req.Instrument)
		}
		return domain.Order{}, err
	}
	pos.freeze(margin, commission)
	if req.Offset == domain.OffsetClose {
		side, _ := pos.heldSide(req.Direction, req.Offset)
		side.FrozenClose += req.Volume
	}
	a.fees[req.Instrument] = fee

	now := a.now()
	o := &domain.Order{
		Ref:                   ref,
		AccountID:             a.id,
		SessionID:             sessionID,
		PlaybookID:            req.PlaybookID,
		Instrument:            req.Instrument,
		Direction:             req.Direction,
		Offset:                req.Offset,
		PriceType:             req.PriceType,
		Price:                 price,
		Volume:                req.Volume,
		State:                 domain.OrderStateSubmitted,
		History:               []domain.OrderStateTuple{{State: domain.OrderStateSubmitted, Timestamp: now}},
		LocalFrozenMargin:     margin,
		LocalFrozenCommission: commission,
		Fee:                   fee,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	a.orders[ref] = o
	return o.Clone(), nil
}

// Discard removes a Submitted order that never reached the broker and
// returns its frozen money.
func (a *Account) Discard(ref string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	o, ok := a.orders[ref]
	if !ok {
		return domain.Errorf(domain.ErrCodeUnknownOrder, "order %s", ref)
	}
	if o.State != domain.OrderStateSubmitted || o.FilledVolume > 0 {
		return domain.Errorf(domain.ErrCodeInvalidTransition, "order %s is %s, cannot discard", ref, o.State)
	}
	a.releaseRemaining(o)
	delete(a.orders, ref)
	if p := a.positions[o.Instrument]; p != nil && p.IsEmpty() {
		delete(a.positions, o.Instrument)
	}
	return nil
}

// Amend reprices or resizes a live order, refreezing money for the
// unfilled remainder. The order keeps its ratios.
func (a *Account) Amend(ref string, b domain.OrderBuilder) (domain.Order, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	o, ok := a.orders[ref]
	if !ok {
		return domain.Order{}, domain.Errorf(domain.ErrCodeUnknownOrder, "order %s", ref)
	}
	if !o.IsOpen() {
		return domain.Order{}, domain.Errorf(domain.ErrCodeInvalidTransition, "order %s is %s", ref, o.State)
	}

	price, volume := o.Price, o.Volume
	if b.Price != nil {
		price = *b.Price
	}
	if b.Volume != nil {
		volume = *b.Volume
	}
	if !price.IsPositive() {
		return domain.Order{}, domain.Errorf(domain.ErrCodeInvalidPrice, "price must be positive, got %s", price)
	}
	if volume <= o.FilledVolume {
		return domain.Order{}, domain.Errorf(domain.ErrCodeInvalidVolume, "volume %d not above filled %d", volume, o.FilledVolume)
	}
	if err := a.reterm(o, price, volume); err != nil {
		return domain.Order{}, err
	}
	return o.Clone(), nil
}

// reterm moves the hold of o to new terms. o is unchanged on error.
func (a *Account) reterm(o *domain.Order, price decimal.Decimal, volume int64) error {
	remaining := volume - o.FilledVolume
	pos := a.position(o.Instrument)
	side, _ := pos.heldSide(o.Direction, o.Offset)
	extraClose := remaining - o.RemainingVolume()
	if o.Offset == domain.OffsetClose && side.Closable() < extraClose {
		return domain.Errorf(domain.ErrCodeInsufficientPosition,
			"%s: closable %d, requested %d more", o.Instrument, side.Closable(), extraClose)
	}

	var margin decimal.Decimal
	if o.Offset == domain.OffsetOpen {
		margin = o.Fee.Margin(o.Direction, price, remaining)
	}
	commission := o.Fee.Commission(o.Offset, price, remaining)

	// Swap the old hold for the new one; restore it if the new one does not fit.
	oldMargin, oldCommission := o.LocalFrozenMargin, o.LocalFrozenCommission
	a.money.Unfreeze(oldMargin, oldCommission)
	if err := a.money.Freeze(margin, commission); err != nil {
		_ = a.money.Freeze(oldMargin, oldCommission)
		return err
	}
	pos.unfreeze(oldMargin, oldCommission)
	pos.freeze(margin, commission)
	if o.Offset == domain.OffsetClose {
		side.FrozenClose += extraClose
	}

	o.Price, o.Volume = price, volume
	o.LocalFrozenMargin, o.LocalFrozenCommission = margin, commission
	o.UpdatedAt = a.now()
	return nil
}

// ApplyReport applies a broker order acknowledgment. changed is false when
// the report carried nothing new.
func (a *Account) ApplyReport(r domain.OrderReport) (domain.Order, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.applyReport(r)
}

func (a *Account) applyReport(r domain.OrderReport) (domain.Order, bool, error) {
	o, ok := a.orders[r.Ref]
	if !ok {
		return domain.Order{}, false, domain.Errorf(domain.ErrCodeUnknownOrder, "report for unknown order %s", r.Ref)
	}
	at := r.Timestamp
	if at.IsZero() {
		at = a.now()
	}
	changed := false
	if r.BrokerOrderID != "" && o.BrokerOrderID != r.BrokerOrderID {
		o.BrokerOrderID = r.BrokerOrderID
		changed = true
	}

	switch r.State {
	case domain.OrderStateAccepted, domain.OrderStatePartiallyFilled, domain.OrderStateFilled:
		// Fills are driven by trades; a report only confirms receipt.
		if o.State == domain.OrderStateSubmitted {
			if _, err := o.Transition(domain.OrderStateAccepted, at); err != nil {
				return o.Clone(), changed, err
			}
			changed = true
		}
		realigned, err := a.alignTerms(o, r)
		if err != nil {
			return o.Clone(), changed, err
		}
		changed = changed || realigned
	case domain.OrderStateCanceled, domain.OrderStateRejected:
		if o.State.IsTerminal() {
			return o.Clone(), changed, nil
		}
		if _, err := o.Transition(r.State, at); err != nil {
			return o.Clone(), changed, err
		}
		o.Message = r.Message
		a.releaseRemaining(o)
		changed = true
	default:
		return o.Clone(), changed, domain.Errorf(domain.ErrCodeInvalidTransition, "unexpected report state %s for %s", r.State, r.Ref)
	}
	return o.Clone(), changed, nil
}

// alignTerms moves a live order to the terms the broker reports, undoing a
// local amend the broker refused. Terms at or below the filled volume are
// left to resync.
func (a *Account) alignTerms(o *domain.Order, r domain.OrderReport) (bool, error) {
	if r.Volume <= 0 || o.State.IsTerminal() {
		return false, nil
	}
	price := r.Price
	if !price.IsPositive() {
		price = o.Price
	}
	if r.Volume <= o.FilledVolume || (r.Volume == o.Volume && price.Equal(o.Price)) {
		return false, nil
	}
	if err := a.reterm(o, price, r.Volume); err != nil {
		return false, err
	}
	if r.Message != "" {
		o.Message = r.Message
	}
	return true, nil
}

// settle closes a live order the broker reports as Filled short of its local
// volume. The unfilled remainder is released and the volume cut back.
func (a *Account) settle(o *domain.Order, at time.Time, msg string) error {
	target := domain.OrderStateFilled
	if o.FilledVolume == 0 {
		target = domain.OrderStateCanceled
	}
	if _, err := o.Transition(target, at); err != nil {
		return err
	}
	a.releaseRemaining(o)
	if o.FilledVolume > 0 {
		o.Volume = o.FilledVolume
	}
	o.Message = msg
	return nil
}

// releaseRemaining returns everything the order still holds.
func (a *Account) releaseRemaining(o *domain.Order) {
	a.money.Unfreeze(o.LocalFrozenMargin, o.LocalFrozenCommission)
	pos := a.position(o.Instrument)
	pos.unfreeze(o.LocalFrozenMargin, o.LocalFrozenCommission)
	if o.Offset == domain.OffsetClose {
		side, _ := pos.heldSide(o.Direction, o.Offset)
		side.FrozenClose -= o.RemainingVolume()
	}
	o.LocalFrozenMargin = decimal.Zero
	o.LocalFrozenCommission = decimal.Zero
}

// ApplyTrade books one fill. It returns a nil transaction when the trade was
// already applied or the order has nothing left to fill.
func (a *Account) ApplyTrade(t domain.TradeReport) (*domain.Transaction, domain.Order, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.applyTrade(t, false)
}

func (a *Account) applyTrade(t domain.TradeReport, synthetic bool) (*domain.Transaction, domain.Order, error) {
	o, ok := a.orders[t.Ref]
	if !ok {
		return nil, domain.Order{}, domain.Errorf(domain.ErrCodeUnknownOrder, "trade %s for unknown order %s", t.TradeID, t.Ref)
	}
	if _, seen := a.txnIDs[t.TradeID]; seen {
		return nil, o.Clone(), nil
	}
	if t.Volume <= 0 || !t.Price.IsPositive() {
		return nil, o.Clone(), domain.Errorf(domain.ErrCodeInvalidOrder, "trade %s has volume %d price %s", t.TradeID, t.Volume, t.Price)
	}
	if o.State.IsTerminal() {
		return nil, o.Clone(), domain.Errorf(domain.ErrCodeInvalidTransition, "trade %s for %s order %s", t.TradeID, o.State, o.Ref)
	}

	remaining := o.RemainingVolume()
	volume := min(t.Volume, remaining)
	if volume <= 0 {
		a.txnIDs[t.TradeID] = struct{}{}
		return nil, o.Clone(), nil
	}
	at := t.Timestamp
	if at.IsZero() {
		at = a.now()
	}

	next := domain.OrderStatePartiallyFilled
	if volume == remaining {
		next = domain.OrderStateFilled
	}
	if _, err := o.Transition(next, at); err != nil {
		return nil, o.Clone(), err
	}

	// Release the slice of the hold this fill consumes.
	relMargin, relCommission := o.LocalFrozenMargin, o.LocalFrozenCommission
	if volume < remaining {
		ratio := decimal.NewFromInt(volume).Div(decimal.NewFromInt(remaining))
		relMargin = relMargin.Mul(ratio)
		relCommission = relCommission.Mul(ratio)
	}
	o.LocalFrozenMargin = o.LocalFrozenMargin.Sub(relMargin)
	o.LocalFrozenCommission = o.LocalFrozenCommission.Sub(relCommission)
	a.money.Unfreeze(relMargin, relCommission)
	pos := a.position(o.Instrument)
	pos.unfreeze(relMargin, relCommission)

	txn := &domain.Transaction{
		ID:         t.TradeID,
		OrderRef:   o.Ref,
		AccountID:  a.id,
		Instrument: o.Instrument,
		Direction:  o.Direction,
		Offset:     o.Offset,
		Price:      t.Price,
		Volume:     volume,
		Commission: o.Fee.Commission(o.Offset, t.Price, volume),
		Synthetic:  synthetic,
		Timestamp:  at,
	}

	side, held := pos.heldSide(o.Direction, o.Offset)
	if o.Offset == domain.OffsetOpen {
		txn.Margin = o.Fee.Margin(o.Direction, t.Price, volume)
		side.open(t.Price, volume, txn.Margin)
		a.money.BookOpen(txn.Margin, txn.Commission)
	} else {
		txn.CloseProfit = o.Fee.Profit(held, side.AvgPrice, t.Price, volume)
		side.FrozenClose -= volume
		released := side.close(volume)
		txn.Margin = released.Neg()
		a.money.BookClose(released, txn.CloseProfit, txn.Commission)
	}

	o.AvgFillPrice = o.AvgFillPrice.Mul(decimal.NewFromInt(o.FilledVolume)).
		Add(t.Price.Mul(decimal.NewFromInt(volume))).
		Div(decimal.NewFromInt(o.FilledVolume + volume))
	o.FilledVolume += volume
	a.txnIDs[t.TradeID] = struct{}{}
	a.refs[t.TradeID] = struct{}{}

	if pos.IsEmpty() {
		delete(a.positions, o.Instrument)
	}
	return txn, o.Clone(), nil
}

// MarkToMarket refreshes floating profit of the instrument at price.
// It returns false when the account holds nothing in it.
func (a *Account) MarkToMarket(instrument string, price decimal.Decimal) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.positions[instrument]
	if !ok || (p.Long.Volume == 0 && p.Short.Volume == 0) {
		return false
	}
	fee := a.fees[instrument]
	p.markToMarket(fee, price)

	total := decimal.Zero
	for _, pos := range a.positions {
		total = total.Add(pos.Long.FloatProfit).Add(pos.Short.FloatProfit)
	}
	a.money.Set(domain.MoneyPositionProfit, total)
	return true
}

// Holds reports whether the account has open volume in instrument.
func (a *Account) Holds(instrument string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.positions[instrument]
	return ok && (p.Long.Volume > 0 || p.Short.Volume > 0)
}

// VerifyInvariants checks money conservation and that every position's
// frozen amounts mirror its live orders.
func (a *Account) VerifyInvariants() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.verify()
}

func (a *Account) verify() error {
	if err := a.money.VerifyInvariant(); err != nil {
		return err
	}

	type frozen struct{ margin, commission decimal.Decimal }
	byInstrument := make(map[string]frozen)
	for _, o := range a.orders {
		if !o.IsOpen() {
			if !o.LocalFrozenMargin.IsZero() || !o.LocalFrozenCommission.IsZero() {
				return domain.Errorf(domain.ErrCodeInvariant, "terminal order %s still holds money", o.Ref)
			}
			continue
		}
		f := byInstrument[o.Instrument]
		f.margin = f.margin.Add(o.LocalFrozenMargin)
		f.commission = f.commission.Add(o.LocalFrozenCommission)
		byInstrument[o.Instrument] = f
	}

	totalMargin, totalCommission := decimal.Zero, decimal.Zero
	for ins, p := range a.positions {
		f := byInstrument[ins]
		if !p.FrozenMargin.Equal(f.margin) || !p.FrozenCommission.Equal(f.commission) {
			return domain.Errorf(domain.ErrCodeInvariant, "%s frozen %s/%s, orders hold %s/%s",
				ins, p.FrozenMargin, p.FrozenCommission, f.margin, f.commission)
		}
		delete(byInstrument, ins)
		totalMargin = totalMargin.Add(p.FrozenMargin)
		totalCommission = totalCommission.Add(p.FrozenCommission)
	}
	for ins, f := range byInstrument {
		if !f.margin.IsZero() || !f.commission.IsZero() {
			return domain.Errorf(domain.ErrCodeInvariant, "orders on %s hold money without a position", ins)
		}
	}
	if !a.money.FrozenMargin().Equal(totalMargin) || !a.money.FrozenCommission().Equal(totalCommission) {
		return domain.Errorf(domain.ErrCodeInvariant, "account frozen %s/%s, positions hold %s/%s",
			a.money.FrozenMargin(), a.money.FrozenCommission(), totalMargin, totalCommission)
	}
	return nil
}

// Snapshot is an advisory copy of an account.
type Snapshot struct {
	ID        string             `json:"id"`
	Money     domain.MoneyVector `json:"money"`
	Positions []Position         `json:"positions"`
	Synced    bool               `json:"synced"`
	TakenAt   time.Time          `json:"taken_at"`
}

// Snapshot copies the account state.
func (a *Account) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := Snapshot{ID: a.id, Money: a.money, Synced: a.synced, TakenAt: a.now()}
	for _, ins := range slices.Sorted(maps.Keys(a.positions)) {
		s.Positions = append(s.Positions, *a.positions[ins])
	}
	return s
}

// RestoreAccount rebuilds an account from a persisted snapshot, its live
// orders and the ids of trades already booked.
func RestoreAccount(s Snapshot, live []domain.Order, tradeIDs []string) (*Account, error) {
	a := NewAccount(s.ID, decimal.Zero)
	a.money = s.Money
	a.synced = s.Synced
	for i := range s.Positions {
		p := s.Positions[i]
		a.positions[p.Instrument] = &p
	}
	for i := range live {
		o := live[i].Clone()
		if !o.IsOpen() {
			continue
		}
		a.orders[o.Ref] = &o
		a.fees[o.Instrument] = o.Fee
	}
	for _, id := range tradeIDs {
		a.txnIDs[id] = struct{}{}
		a.refs[id] = struct{}{}
	}
	if err := a.verify(); err != nil {
		return nil, err
	}
	return a, nil
}
