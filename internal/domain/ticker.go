package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tick represents one market data update for a single instrument
type Tick struct {
	Instrument string          `json:"instrument"`
	Price      decimal.Decimal `json:"price"`             // Last traded price
	Volume     int64           `json:"volume"`            // Cumulative traded volume
	Bid        decimal.Decimal `json:"bid"`               // Best bid
	Ask        decimal.Decimal `json:"ask"`               // Best ask
	OpenInt    int64           `json:"open_interest"`     // Open interest
	Exchange   string          `json:"exchange"`          // Source feed
	Timestamp  time.Time       `json:"timestamp"`         // Exchange time
	Received   time.Time       `json:"received,omitzero"` // Local receive time
}

// Mid returns the mid price, falling back to the last price when a side is missing
func (t *Tick) Mid() decimal.Decimal {
	if t.Bid.IsZero() || t.Ask.IsZero() {
		return t.Price
	}
	return t.Bid.Add(t.Ask).Div(decimal.NewFromInt(2))
}

// Spread returns ask - bid, zero when a side is missing
func (t *Tick) Spread() decimal.Decimal {
	if t.Bid.IsZero() || t.Ask.IsZero() {
		return decimal.Zero
	}
	return t.Ask.Sub(t.Bid)
}

// Validate rejects ticks that cannot be priced
func (t *Tick) Validate() error {
	if t.Instrument == "" {
		return Errorf(ErrCodeUnknownInstrument, "tick without instrument")
	}
	if !t.Price.IsPositive() {
		return Errorf(ErrCodeInvalidPrice, "tick %s has non-positive price %s", t.Instrument, t.Price)
	}
	return nil
}
