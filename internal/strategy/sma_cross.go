package strategy

import (
	"errors"

	"github.com/shopspring/decimal"

	"trader_go/internal/domain"
	"trader_go/internal/registry"
)

// SMACrossPurpose is the registry purpose of SMACrossStrategy.
const SMACrossPurpose = "sma_cross"

// SMACrossStrategy implements a simple long-only SMA Crossover strategy:
// open on a golden cross, close on a dead cross.
// It is stateful and deterministic; prices live in a fixed ring buffer.
type SMACrossStrategy struct {
	instrument  string
	shortPeriod int
	longPeriod  int
	volume      int64

	// State (Ring Buffer)
	prices []decimal.Decimal
	head   int             // Current write position
	count  int             // Number of elements filled
	sum    decimal.Decimal // Running sum for the longest period

	prevShortSMA decimal.Decimal
	prevLongSMA  decimal.Decimal
	primed       bool
	holding      bool
}

// NewSMACrossStrategy creates a new instance.
func NewSMACrossStrategy(instrument string, shortPeriod, longPeriod int, volume int64) *SMACrossStrategy {
	if shortPeriod >= longPeriod {
		panic("SMACrossStrategy: shortPeriod must be less than longPeriod")
	}
	return &SMACrossStrategy{
		instrument:  instrument,
		shortPeriod: shortPeriod,
		longPeriod:  longPeriod,
		volume:      volume,
		prices:      make([]decimal.Decimal, longPeriod), // Fixed size allocation
	}
}

// NewSMACrossFromProps reads instrument, short, long and volume.
func NewSMACrossFromProps(p registry.Props) (Strategy, error) {
	instrument := p.String("instrument", "")
	if instrument == "" {
		return nil, &domain.ConfigError{Field: "instrument", Err: errors.New("sma_cross needs an instrument")}
	}
	short, long := p.Int("short", 5), p.Int("long", 20)
	if short <= 0 || short >= long {
		return nil, &domain.ConfigError{Field: "short", Err: errors.New("short period must be positive and below the long period")}
	}
	volume := int64(p.Int("volume", 1))
	if volume <= 0 {
		return nil, &domain.ConfigError{Field: "volume", Err: errors.New("volume must be positive")}
	}
	return NewSMACrossStrategy(instrument, short, long, volume), nil
}

// OnMarketUpdate processes market updates and generates signals.
func (s *SMACrossStrategy) OnMarketUpdate(state domain.MarketState) []Action {
	// 1. Filter by instrument
	if state.Instrument != s.instrument {
		return nil
	}
	currentPrice := state.LastPrice

	// 2. Update Price History (Ring Buffer)
	// If full, subtract the oldest value from sum before overwriting
	if s.count == s.longPeriod {
		s.sum = s.sum.Sub(s.prices[s.head]) // s.head points to the oldest value when full
	}
	s.prices[s.head] = currentPrice
	s.sum = s.sum.Add(currentPrice)
	s.head = (s.head + 1) % s.longPeriod
	if s.count < s.longPeriod {
		s.count++
	}

	// 3. Check if we have enough data
	if s.count < s.longPeriod {
		return nil
	}

	// 4. Calculate SMAs
	currLongSMA := s.sum.Div(decimal.NewFromInt(int64(s.longPeriod)))
	currShortSMA := s.calculateShortSMA()

	var actions []Action

	// 5. Check for Cross
	if s.primed {
		// Golden Cross: Short goes above Long
		if !s.holding && s.prevShortSMA.LessThanOrEqual(s.prevLongSMA) && currShortSMA.GreaterThan(currLongSMA) {
			actions = append(actions, s.action(ActionBuy, domain.OffsetOpen, currentPrice))
			s.holding = true
		}

		// Dead Cross: Short goes below Long
		if s.holding && s.prevShortSMA.GreaterThanOrEqual(s.prevLongSMA) && currShortSMA.LessThan(currLongSMA) {
			actions = append(actions, s.action(ActionSell, domain.OffsetClose, currentPrice))
			s.holding = false
		}
	}

	// 6. Update State
	s.prevShortSMA = currShortSMA
	s.prevLongSMA = currLongSMA
	s.primed = true

	return actions
}

func (s *SMACrossStrategy) action(t ActionType, offset domain.Offset, price decimal.Decimal) Action {
	return Action{
		Type:       t,
		Instrument: s.instrument,
		Offset:     offset,
		Price:      price,
		Volume:     s.volume,
	}
}

// calculateShortSMA calculates the SMA for the short period using the ring buffer.
func (s *SMACrossStrategy) calculateShortSMA() decimal.Decimal {
	sum := decimal.Zero
	// Walk backwards from current head (which points to next write slot, so head-1 is latest)
	idx := s.head
	for i := 0; i < s.shortPeriod; i++ {
		idx--
		if idx < 0 {
			idx = s.longPeriod - 1
		}
		sum = sum.Add(s.prices[idx])
	}
	return sum.Div(decimal.NewFromInt(int64(s.shortPeriod)))
}
