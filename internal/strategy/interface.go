package strategy

import (
	"github.com/shopspring/decimal"

	"trader_go/internal/domain"
	"trader_go/internal/registry"
)

// Capability is the registry capability of strategies.
const Capability = "strategy"

// ActionType defines the type of trading action
type ActionType int

const (
	ActionBuy  ActionType = iota + 1
	ActionSell // Sell
)

// String returns the string representation of ActionType
func (a ActionType) String() string {
	switch a {
	case ActionBuy:
		return "BUY"
	case ActionSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// Direction maps the action to an order direction.
func (a ActionType) Direction() domain.Direction {
	if a == ActionSell {
		return domain.DirectionSell
	}
	return domain.DirectionBuy
}

// Action represents a decision made by the strategy
type Action struct {
	Type       ActionType
	Instrument string
	Offset     domain.Offset
	Price      decimal.Decimal // Zero means a market order
	Volume     int64
}

// Strategy is the interface that all trading strategies must implement.
// It is called synchronously on the main chain.
type Strategy interface {
	// OnMarketUpdate is called when a market data update is received.
	// It returns a list of Actions to be executed.
	OnMarketUpdate(state domain.MarketState) []Action
}

// Factory builds a strategy from its properties.
type Factory func(props registry.Props) (Strategy, error)

// Register adds a strategy under purpose.
func Register(r *registry.Registry, purpose string, f Factory) error {
	return registry.Register[Strategy](r, Capability, purpose, f)
}

// New builds the strategy registered under purpose.
func New(r *registry.Registry, purpose string, props registry.Props) (Strategy, error) {
	return registry.Build[Strategy](r, Capability, purpose, props)
}

// RegisterBuiltins adds every strategy shipped with the module.
func RegisterBuiltins(r *registry.Registry) error {
	return Register(r, SMACrossPurpose, NewSMACrossFromProps)
}
