package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is an immutable fill record. It is created once per broker trade
// and only ever persisted and referenced afterwards.
type Transaction struct {
	ID          string          `json:"id"`
	OrderRef    string          `json:"order_ref"`
	AccountID   string          `json:"account_id"`
	Instrument  string          `json:"instrument"`
	Direction   Direction       `json:"direction"`
	Offset      Offset          `json:"offset"`
	Price       decimal.Decimal `json:"price"`
	Volume      int64           `json:"volume"`
	Margin      decimal.Decimal `json:"margin"`
	Commission  decimal.Decimal `json:"commission"`
	CloseProfit decimal.Decimal `json:"close_profit"`
	Synthetic   bool            `json:"synthetic,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}
