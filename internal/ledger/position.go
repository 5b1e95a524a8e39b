package ledger

import (
	"github.com/shopspring/decimal"

	"trader_go/internal/domain"
)

// PositionSide is the long or short half of a position.
type PositionSide struct {
	Volume      int64           `json:"volume"`
	FrozenClose int64           `json:"frozen_close"` // Volume held by live close orders
	AvgPrice    decimal.Decimal `json:"avg_price"`
	Margin      decimal.Decimal `json:"margin"`
	FloatProfit decimal.Decimal `json:"float_profit"`
}

// Closable is the volume not yet held by close orders.
func (s PositionSide) Closable() int64 {
	return s.Volume - s.FrozenClose
}

func (s *PositionSide) open(price decimal.Decimal, volume int64, margin decimal.Decimal) {
	total := s.Volume + volume
	s.AvgPrice = s.AvgPrice.Mul(decimal.NewFromInt(s.Volume)).
		Add(price.Mul(decimal.NewFromInt(volume))).
		Div(decimal.NewFromInt(total))
	s.Volume = total
	s.Margin = s.Margin.Add(margin)
}

// close removes volume and returns the margin it held.
func (s *PositionSide) close(volume int64) decimal.Decimal {
	if volume >= s.Volume {
		released := s.Margin
		*s = PositionSide{}
		return released
	}
	released := s.Margin.Mul(decimal.NewFromInt(volume)).Div(decimal.NewFromInt(s.Volume))
	s.Volume -= volume
	s.Margin = s.Margin.Sub(released)
	return released
}

// Position aggregates one instrument of an account.
//
// FrozenMargin and FrozenCommission always equal the sums of the local frozen
// amounts of the instrument's live orders.
type Position struct {
	Instrument       string          `json:"instrument"`
	Long             PositionSide    `json:"long"`
	Short            PositionSide    `json:"short"`
	FrozenMargin     decimal.Decimal `json:"frozen_margin"`
	FrozenCommission decimal.Decimal `json:"frozen_commission"`
}

// Side returns the half that holds volume of direction dir.
func (p *Position) Side(dir domain.Direction) *PositionSide {
	if dir == domain.DirectionSell {
		return &p.Short
	}
	return &p.Long
}

// heldSide is the half an order trades against: its own side when opening,
// the opposite side when closing.
func (p *Position) heldSide(dir domain.Direction, offset domain.Offset) (*PositionSide, domain.Direction) {
	if offset == domain.OffsetOpen {
		return p.Side(dir), dir
	}
	held := domain.DirectionBuy
	if dir == domain.DirectionBuy {
		held = domain.DirectionSell
	}
	return p.Side(held), held
}

func (p *Position) freeze(margin, commission decimal.Decimal) {
	p.FrozenMargin = p.FrozenMargin.Add(margin)
	p.FrozenCommission = p.FrozenCommission.Add(commission)
}

func (p *Position) unfreeze(margin, commission decimal.Decimal) {
	p.FrozenMargin = p.FrozenMargin.Sub(margin)
	p.FrozenCommission = p.FrozenCommission.Sub(commission)
}

// IsEmpty reports whether nothing is held or frozen.
func (p *Position) IsEmpty() bool {
	return p.Long.Volume == 0 && p.Short.Volume == 0 &&
		p.FrozenMargin.IsZero() && p.FrozenCommission.IsZero()
}

// markToMarket recomputes floating profit of both sides at price.
func (p *Position) markToMarket(fee domain.FeeInfo, price decimal.Decimal) decimal.Decimal {
	p.Long.FloatProfit = fee.Profit(domain.DirectionBuy, p.Long.AvgPrice, price, p.Long.Volume)
	p.Short.FloatProfit = fee.Profit(domain.DirectionSell, p.Short.AvgPrice, price, p.Short.Volume)
	return p.Long.FloatProfit.Add(p.Short.FloatProfit)
}
