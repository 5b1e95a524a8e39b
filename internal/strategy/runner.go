package strategy

import (
	"context"
	"log/slog"
	"time"

	"trader_go/internal/domain"
	"trader_go/internal/event"
	"trader_go/internal/infra"
)

const submitTimeout = 2 * time.Second

// StateSource serves the folded market state of an instrument.
type StateSource interface {
	GetData(instrument string) (domain.MarketState, bool)
}

// OrderSubmitter places orders on behalf of an account.
type OrderSubmitter interface {
	SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error)
}

// Runner is a main chain filter feeding market data to one strategy and
// submitting the resulting actions for one account. It must sit after the
// filter that maintains the StateSource.
type Runner struct {
	accountID string
	strat     Strategy
	states    StateSource
	orders    OrderSubmitter
	metrics   *infra.Metrics
	log       *slog.Logger
}

// NewRunner creates a runner. metrics may be nil.
func NewRunner(name, accountID string, strat Strategy, states StateSource, orders OrderSubmitter, metrics *infra.Metrics) *Runner {
	return &Runner{
		accountID: accountID,
		strat:     strat,
		states:    states,
		orders:    orders,
		metrics:   metrics,
		log:       slog.Default().With(slog.String("module", "strategy"), slog.String("strategy", name)),
	}
}

// OnEvent never claims the event.
func (r *Runner) OnEvent(ev event.Event) bool {
	if !ev.IsMarketData() || ev.Tick == nil {
		return false
	}
	state, ok := r.states.GetData(ev.Tick.Instrument)
	if !ok {
		return false
	}
	for _, a := range r.strat.OnMarketUpdate(state) {
		r.execute(a)
	}
	return false
}

func (r *Runner) execute(a Action) {
	req := domain.OrderRequest{
		AccountID:  r.accountID,
		Instrument: a.Instrument,
		Direction:  a.Type.Direction(),
		Offset:     a.Offset,
		PriceType:  domain.PriceTypeLimit,
		Price:      a.Price,
		Volume:     a.Volume,
	}
	if a.Price.IsZero() {
		req.PriceType = domain.PriceTypeMarket
	}

	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()
	o, err := r.orders.SubmitOrder(ctx, req)
	if err != nil {
		r.log.Warn("Strategy order refused",
			slog.String("action", a.Type.String()),
			slog.String("instrument", a.Instrument),
			slog.Any("error", err))
		if r.metrics != nil {
			r.metrics.RecordError()
		}
		return
	}
	r.log.Info("Strategy order submitted",
		slog.String("ref", o.Ref),
		slog.String("action", a.Type.String()),
		slog.String("price", a.Price.String()),
		slog.Int64("volume", a.Volume))
}
