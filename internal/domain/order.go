package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the trade side of an order.
type Direction string

// Offset tells whether an order opens or closes a position.
type Offset string

// PriceType is the pricing mode of an order.
type PriceType string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"

	OffsetOpen  Offset = "OPEN"
	OffsetClose Offset = "CLOSE"

	PriceTypeLimit  PriceType = "LIMIT"
	PriceTypeMarket PriceType = "MARKET"
)

// OrderState is the lifecycle state of an order.
type OrderState string

const (
	OrderStateSubmitted       OrderState = "SUBMITTED"
	OrderStateAccepted        OrderState = "ACCEPTED"
	OrderStatePartiallyFilled OrderState = "PARTIALLY_FILLED"
	OrderStateFilled          OrderState = "FILLED"
	OrderStateCanceled        OrderState = "CANCELED"
	OrderStateRejected        OrderState = "REJECTED"
)

// IsTerminal reports whether no transition may leave s.
func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderStateFilled, OrderStateCanceled, OrderStateRejected:
		return true
	default:
		return false
	}
}

var orderTransitions = map[OrderState][]OrderState{
	OrderStateSubmitted:       {OrderStateAccepted, OrderStateRejected},
	OrderStateAccepted:        {OrderStatePartiallyFilled, OrderStateFilled, OrderStateCanceled, OrderStateRejected},
	OrderStatePartiallyFilled: {OrderStatePartiallyFilled, OrderStateFilled, OrderStateCanceled, OrderStateRejected},
}

// CanTransition reports whether to directly follows from in the order graph.
func CanTransition(from, to OrderState) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionPath returns the states to walk from from to to, including to.
// Broker reports may skip Accepted; the path then carries the implicit step.
func TransitionPath(from, to OrderState) ([]OrderState, bool) {
	if CanTransition(from, to) {
		return []OrderState{to}, true
	}
	if from == OrderStateSubmitted && CanTransition(OrderStateAccepted, to) {
		return []OrderState{OrderStateAccepted, to}, true
	}
	return nil, false
}

// OrderStateTuple records when an order entered a state.
type OrderStateTuple struct {
	State     OrderState `json:"state"`
	Timestamp time.Time  `json:"timestamp"`
}

// OrderRequest is the caller's intent to trade.
type OrderRequest struct {
	AccountID  string          `json:"account_id"`
	Instrument string          `json:"instrument"`
	Direction  Direction       `json:"direction"`
	Offset     Offset          `json:"offset"`
	PriceType  PriceType       `json:"price_type"`
	Price      decimal.Decimal `json:"price"`
	Volume     int64           `json:"volume"`
	PlaybookID string          `json:"playbook_id,omitempty"`
}

// Validate checks the parameters that need no account state.
func (r OrderRequest) Validate() error {
	if r.Instrument == "" {
		return Errorf(ErrCodeUnknownInstrument, "instrument is required")
	}
	if r.Volume <= 0 {
		return Errorf(ErrCodeInvalidVolume, "volume must be positive, got %d", r.Volume)
	}
	switch r.Direction {
	case DirectionBuy, DirectionSell:
	default:
		return Errorf(ErrCodeInvalidOrder, "unknown direction %q", r.Direction)
	}
	switch r.Offset {
	case OffsetOpen, OffsetClose:
	default:
		return Errorf(ErrCodeInvalidOrder, "unknown offset %q", r.Offset)
	}
	switch r.PriceType {
	case PriceTypeLimit:
		if !r.Price.IsPositive() {
			return Errorf(ErrCodeInvalidPrice, "limit price must be positive, got %s", r.Price)
		}
	case PriceTypeMarket:
	default:
		return Errorf(ErrCodeInvalidOrder, "unknown price type %q", r.PriceType)
	}
	return nil
}

// Order is a live or archived order owned by one account.
type Order struct {
	Ref           string            `json:"ref"`
	BrokerOrderID string            `json:"broker_order_id,omitempty"`
	AccountID     string            `json:"account_id"`
	SessionID     string            `json:"session_id"`
	PlaybookID    string            `json:"playbook_id,omitempty"`
	Instrument    string            `json:"instrument"`
	Direction     Direction         `json:"direction"`
	Offset        Offset            `json:"offset"`
	PriceType     PriceType         `json:"price_type"`
	Price         decimal.Decimal   `json:"price"`
	Volume        int64             `json:"volume"`
	FilledVolume  int64             `json:"filled_volume"`
	AvgFillPrice  decimal.Decimal   `json:"avg_fill_price"`
	State         OrderState        `json:"state"`
	History       []OrderStateTuple `json:"history"`

	// Money held locally against this order; released on fills and terminal states.
	LocalFrozenMargin     decimal.Decimal `json:"local_frozen_margin"`
	LocalFrozenCommission decimal.Decimal `json:"local_frozen_commission"`

	// Fee ratios in force when the order was submitted.
	Fee FeeInfo `json:"fee"`

	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsOpen checks if the order is still active.
func (o *Order) IsOpen() bool {
	return !o.State.IsTerminal()
}

// RemainingVolume is the volume not yet filled.
func (o *Order) RemainingVolume() int64 {
	return o.Volume - o.FilledVolume
}

// Transition moves the order along the state graph, recording implicit steps.
func (o *Order) Transition(to OrderState, at time.Time) ([]OrderState, error) {
	if o.State.IsTerminal() {
		return nil, Errorf(ErrCodeInvalidTransition, "order %s is %s, cannot move to %s", o.Ref, o.State, to)
	}
	path, ok := TransitionPath(o.State, to)
	if !ok {
		return nil, Errorf(ErrCodeInvalidTransition, "order %s: %s -> %s", o.Ref, o.State, to)
	}
	for _, s := range path {
		o.State = s
		o.History = append(o.History, OrderStateTuple{State: s, Timestamp: at})
	}
	o.UpdatedAt = at
	return path, nil
}

// Clone returns a deep copy safe to hand outside the owning account.
func (o *Order) Clone() Order {
	c := *o
	c.History = append([]OrderStateTuple(nil), o.History...)
	return c
}

// OrderBuilder carries the fields a modify request changes.
type OrderBuilder struct {
	Price  *decimal.Decimal `json:"price,omitempty"`
	Volume *int64           `json:"volume,omitempty"`
}

// OrderReport is a broker acknowledgment of an order state.
//
// Price and Volume are the broker's live terms. They are set when the broker
// refuses a modify, and the ledger moves the order back to them.
type OrderReport struct {
	Ref           string          `json:"ref"`
	BrokerOrderID string          `json:"broker_order_id,omitempty"`
	State         OrderState      `json:"state"`
	Price         decimal.Decimal `json:"price,omitzero"`
	Volume        int64           `json:"volume,omitempty"`
	Message       string          `json:"message,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// TradeReport is a broker fill notification.
type TradeReport struct {
	TradeID   string          `json:"trade_id"`
	Ref       string          `json:"ref"`
	Price     decimal.Decimal `json:"price"`
	Volume    int64           `json:"volume"`
	Timestamp time.Time       `json:"timestamp"`
}

// OrderSnapshot is the broker's view of an order during resynchronization.
type OrderSnapshot struct {
	Ref           string          `json:"ref"`
	BrokerOrderID string          `json:"broker_order_id,omitempty"`
	Instrument    string          `json:"instrument"`
	Direction     Direction       `json:"direction"`
	Offset        Offset          `json:"offset"`
	Price         decimal.Decimal `json:"price"`
	Volume        int64           `json:"volume"`
	FilledVolume  int64           `json:"filled_volume"`
	AvgFillPrice  decimal.Decimal `json:"avg_fill_price"`
	State         OrderState      `json:"state"`
}

// PositionSnapshot is the broker's view of a position during resynchronization.
type PositionSnapshot struct {
	Instrument    string          `json:"instrument"`
	LongVolume    int64           `json:"long_volume"`
	LongAvgPrice  decimal.Decimal `json:"long_avg_price"`
	LongMargin    decimal.Decimal `json:"long_margin"`
	ShortVolume   int64           `json:"short_volume"`
	ShortAvgPrice decimal.Decimal `json:"short_avg_price"`
	ShortMargin   decimal.Decimal `json:"short_margin"`
}
