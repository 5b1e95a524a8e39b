package session

import (
	"context"

	"trader_go/internal/domain"
	"trader_go/internal/registry"
)

// CapabilityAdapter is the registry capability of broker protocol adapters.
const CapabilityAdapter = "session.adapter"

// Adapter is the protocol specific half of a broker session.
//
// Sync* calls block and are only made by the session goroutine while it walks
// the Connected sequence. Async* calls return once the request is on the wire;
// outcomes come back through AdapterEvents.
type Adapter interface {
	Connect(ctx context.Context, props registry.Props, events AdapterEvents) error

	SyncLoadFeeEvaluator(ctx context.Context, instruments []string) (domain.FeeTable, error)
	SyncConfirmSettlement(ctx context.Context) ([]string, error)
	SyncQryAccounts(ctx context.Context) (domain.MoneyVector, error)
	SyncQryPositions(ctx context.Context) ([]domain.PositionSnapshot, error)
	SyncQryOrders(ctx context.Context) ([]domain.OrderSnapshot, error)

	AsyncSendOrder(order domain.Order) error
	AsyncCancelOrder(order domain.Order) error
	AsyncModifyOrder(order domain.Order, builder domain.OrderBuilder) error

	Close() error
}

// AdapterEvents receives what the broker pushes. Adapters may call it from
// any goroutine but must not block on its return.
type AdapterEvents interface {
	OnDisconnected(err error)
	OnOrderReport(report domain.OrderReport)
	OnTrade(trade domain.TradeReport)
}

// AdapterFactory builds an adapter from its properties.
type AdapterFactory func(props registry.Props) (Adapter, error)

// RegisterAdapter adds a broker protocol under purpose.
func RegisterAdapter(r *registry.Registry, purpose string, f AdapterFactory) error {
	return registry.Register[Adapter](r, CapabilityAdapter, purpose, f)
}

// NewAdapter builds the adapter registered under purpose.
func NewAdapter(r *registry.Registry, purpose string, props registry.Props) (Adapter, error) {
	return registry.Build[Adapter](r, CapabilityAdapter, purpose, props)
}
