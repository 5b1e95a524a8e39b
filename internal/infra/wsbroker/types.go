package wsbroker

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"trader_go/internal/domain"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultPingInterval     = 20 * time.Second
	defaultReadTimeout      = 60 * time.Second
	writeTimeout            = 5 * time.Second

	successCode = "0"
)

// Request operations.
const (
	opLogin      = "login"
	opFees       = "fees"
	opSettlement = "settlement"
	opAccounts   = "accounts"
	opPositions  = "positions"
	opOrders     = "orders"
	opOrder      = "order"
	opCancel     = "cancel"
	opModify     = "modify"
)

// Pushed events.
const (
	eventOrder = "order"
	eventTrade = "trade"
)

// request is a client frame. Every request carries an id; the broker echoes
// it in the response.
type request struct {
	ID   string `json:"id"`
	Op   string `json:"op"`
	Args any    `json:"args,omitempty"`
}

// frame is a server frame: a response when ID is set, a push when Event is.
type frame struct {
	ID    string          `json:"id,omitempty"`
	Event string          `json:"event,omitempty"`
	Code  string          `json:"code,omitempty"`
	Msg   string          `json:"msg,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type feesArgs struct {
	Instruments []string `json:"instruments"`
}

type orderArgs struct {
	Ref        string           `json:"ref"`
	Instrument string           `json:"instrument"`
	Direction  domain.Direction `json:"direction"`
	Offset     domain.Offset    `json:"offset"`
	PriceType  domain.PriceType `json:"price_type"`
	Price      decimal.Decimal  `json:"price"`
	Volume     int64            `json:"volume"`
}

type cancelArgs struct {
	Ref           string `json:"ref"`
	BrokerOrderID string `json:"broker_order_id,omitempty"`
	Instrument    string `json:"instrument"`
}

type modifyArgs struct {
	cancelArgs
	Price  *decimal.Decimal `json:"price,omitempty"`
	Volume *int64           `json:"volume,omitempty"`
}
