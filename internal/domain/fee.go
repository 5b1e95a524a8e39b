package domain

import "github.com/shopspring/decimal"

// FeeInfo holds the margin and commission ratios of one instrument.
type FeeInfo struct {
	Instrument string          `json:"instrument" yaml:"instrument"`
	Multiplier decimal.Decimal `json:"multiplier" yaml:"multiplier"`
	PriceTick  decimal.Decimal `json:"price_tick" yaml:"price_tick"`

	LongMarginRatio  decimal.Decimal `json:"long_margin_ratio" yaml:"long_margin_ratio"`
	ShortMarginRatio decimal.Decimal `json:"short_margin_ratio" yaml:"short_margin_ratio"`

	OpenCommissionByMoney   decimal.Decimal `json:"open_commission_by_money" yaml:"open_commission_by_money"`
	OpenCommissionByVolume  decimal.Decimal `json:"open_commission_by_volume" yaml:"open_commission_by_volume"`
	CloseCommissionByMoney  decimal.Decimal `json:"close_commission_by_money" yaml:"close_commission_by_money"`
	CloseCommissionByVolume decimal.Decimal `json:"close_commission_by_volume" yaml:"close_commission_by_volume"`
}

func (f FeeInfo) multiplier() decimal.Decimal {
	if f.Multiplier.IsZero() {
		return decimal.NewFromInt(1)
	}
	return f.Multiplier
}

// Notional is price * volume * multiplier.
func (f FeeInfo) Notional(price decimal.Decimal, volume int64) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(volume)).Mul(f.multiplier())
}

// Margin is the collateral a position of the given side needs.
func (f FeeInfo) Margin(dir Direction, price decimal.Decimal, volume int64) decimal.Decimal {
	ratio := f.LongMarginRatio
	if dir == DirectionSell {
		ratio = f.ShortMarginRatio
	}
	return f.Notional(price, volume).Mul(ratio)
}

// Commission is the fee charged for trading volume at price.
func (f FeeInfo) Commission(offset Offset, price decimal.Decimal, volume int64) decimal.Decimal {
	byMoney, byVolume := f.OpenCommissionByMoney, f.OpenCommissionByVolume
	if offset == OffsetClose {
		byMoney, byVolume = f.CloseCommissionByMoney, f.CloseCommissionByVolume
	}
	return f.Notional(price, volume).Mul(byMoney).Add(decimal.NewFromInt(volume).Mul(byVolume))
}

// Profit is the realized profit of closing volume opened at openPrice.
// dir is the direction of the position being closed.
func (f FeeInfo) Profit(dir Direction, openPrice, closePrice decimal.Decimal, volume int64) decimal.Decimal {
	diff := closePrice.Sub(openPrice)
	if dir == DirectionSell {
		diff = diff.Neg()
	}
	return diff.Mul(decimal.NewFromInt(volume)).Mul(f.multiplier())
}

// FeeTable maps instruments to their fee ratios.
type FeeTable map[string]FeeInfo

// Lookup returns the fee info of instrument.
func (t FeeTable) Lookup(instrument string) (FeeInfo, bool) {
	f, ok := t[instrument]
	return f, ok
}

// Clone copies the table.
func (t FeeTable) Clone() FeeTable {
	out := make(FeeTable, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}
