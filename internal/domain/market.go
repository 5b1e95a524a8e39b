package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketState holds the current state of a single market.
// Fields are ordered for cache-line efficiency: hot fields (price/qty) first.
type MarketState struct {
	// Hot fields (frequently accessed together in the hotpath)
	LastPrice  decimal.Decimal `json:"price"`
	Volume     int64           `json:"volume"`
	Bid        decimal.Decimal `json:"bid"`
	Ask        decimal.Decimal `json:"ask"`
	LastUpdate time.Time       `json:"last_update"`
	LastSeq    uint64          `json:"last_seq"`
	// Cold fields (less frequent access)
	Instrument string `json:"instrument"`
	Updates    uint64 `json:"updates"`
}

// Apply folds a tick into the state.
func (m *MarketState) Apply(t *Tick, seq uint64) {
	m.Instrument = t.Instrument
	m.LastPrice = t.Price
	m.Volume = t.Volume
	m.Bid = t.Bid
	m.Ask = t.Ask
	m.LastUpdate = t.Timestamp
	m.LastSeq = seq
	m.Updates++
}
