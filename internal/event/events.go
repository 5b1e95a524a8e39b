package event

import (
	"fmt"
	"time"

	"trader_go/internal/domain"
)

// Type is a 32-bit event type: the high 16 bits select the category, the
// low 16 bits the sub-kind. Sub-kinds are only meaningful for processor events.
type Type uint32

const (
	categoryMask Type = 0xFFFF0000
	subKindMask  Type = 0x0000FFFF
)

// Categories.
const (
	TypeMarketData Type = 0x0001 << 16
	TypeProcessor  Type = 0x0002 << 16

	// TypeAll matches every category and sub-kind.
	TypeAll = TypeMarketData | TypeProcessor
)

// Processor sub-kinds.
const (
	SubKindOrderReport  Type = 0x0001
	SubKindTrade        Type = 0x0002
	SubKindSessionState Type = 0x0003
	SubKindSessionSync  Type = 0x0004
	SubKindTimer        Type = 0x0005
	SubKindCustom       Type = 0x00FF
)

// Processor returns the processor event type of sub-kind k.
func Processor(k Type) Type {
	return TypeProcessor | (k & subKindMask)
}

// Category returns the category bits.
func (t Type) Category() Type {
	return t & categoryMask
}

// SubKind returns the sub-kind bits.
func (t Type) SubKind() Type {
	return t & subKindMask
}

// Matches reports whether an event of type ev passes the mask t.
// The categories must intersect; a non-zero sub-kind in the mask must equal
// the event's sub-kind.
func (t Type) Matches(ev Type) bool {
	if t.Category()&ev.Category() == 0 {
		return false
	}
	sub := t.SubKind()
	return sub == 0 || sub == ev.SubKind()
}

func (t Type) String() string {
	switch t.Category() {
	case TypeMarketData:
		return "market_data"
	case TypeProcessor:
		return fmt.Sprintf("processor/%d", uint32(t.SubKind()))
	default:
		return fmt.Sprintf("type(0x%08X)", uint32(t))
	}
}

// Handler runs a processor event that no filter claimed.
type Handler func(ev Event)

// Event is an immutable sequencer event. A fresh value is built for every
// publish; nothing is pooled or reused.
type Event struct {
	Seq         uint64
	Type        Type
	Tick        *domain.Tick // Market data only
	Handler     Handler      // Processor only, may be nil
	Payload     any
	Payload2    any
	PublishedAt time.Time
}

// IsMarketData reports whether the event carries a tick.
func (e Event) IsMarketData() bool {
	return e.Type.Category() == TypeMarketData
}

// NewMarketData builds a market data event. The sequence number is assigned on publish.
func NewMarketData(tick *domain.Tick) Event {
	return Event{Type: TypeMarketData, Tick: tick}
}

// NewProcessor builds a processor event of sub-kind k.
func NewProcessor(h Handler, k Type, payload, payload2 any) Event {
	return Event{Type: Processor(k), Handler: h, Payload: payload, Payload2: payload2}
}
