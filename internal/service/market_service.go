package service

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"trader_go/internal/domain"
	"trader_go/internal/event"
)

// MarketService keeps the last state of every instrument seen on the main
// chain. It serves prices for market orders.
type MarketService struct {
	mu      sync.RWMutex
	markets map[string]*domain.MarketState
}

// NewMarketService creates a new MarketService instance
func NewMarketService() *MarketService {
	return &MarketService{
		markets: make(map[string]*domain.MarketState),
	}
}

// OnEvent folds ticks into the market state. It never claims the event.
func (s *MarketService) OnEvent(ev event.Event) bool {
	if ev.IsMarketData() && ev.Tick != nil {
		s.Apply(ev.Tick, ev.Seq)
	}
	return false
}

// Apply records tick as the latest state of its instrument. Out of order
// sequence numbers are ignored.
func (s *MarketService) Apply(tick *domain.Tick, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[tick.Instrument]
	if !ok {
		m = &domain.MarketState{Instrument: tick.Instrument}
		s.markets[tick.Instrument] = m
	}
	if seq != 0 && seq < m.LastSeq {
		return
	}
	m.Apply(tick, seq)
}

// LastPrice implements ledger.PriceSource.
func (s *MarketService) LastPrice(instrument string) (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[instrument]
	if !ok || !m.LastPrice.IsPositive() {
		return decimal.Zero, false
	}
	return m.LastPrice, true
}

// GetData returns a copy of the state of one instrument.
func (s *MarketService) GetData(instrument string) (domain.MarketState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[instrument]
	if !ok {
		return domain.MarketState{}, false
	}
	return *m, true
}

// GetAllData returns all market states sorted by instrument
func (s *MarketService) GetAllData() []domain.MarketState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.MarketState, 0, len(s.markets))
	for _, m := range s.markets {
		result = append(result, *m)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Instrument < result[j].Instrument
	})
	return result
}

// TickSaver is the part of the repository the recorder needs.
type TickSaver interface {
	AsyncSave(entityType domain.EntityType, id string, obj any)
}

// TickRecorder persists ticks from the md-persist chain.
type TickRecorder struct {
	repo TickSaver
	log  *slog.Logger
}

// NewTickRecorder creates a recorder saving through repo.
func NewTickRecorder(repo TickSaver) *TickRecorder {
	return &TickRecorder{
		repo: repo,
		log:  slog.Default().With(slog.String("module", "tick_recorder")),
	}
}

// OnEvent saves the tick under "<instrument>/<seq>", zero padded so ids sort
// in sequence order.
func (r *TickRecorder) OnEvent(ev event.Event) bool {
	if !ev.IsMarketData() || ev.Tick == nil {
		return false
	}
	r.repo.AsyncSave(domain.EntityTick, TickID(ev.Tick.Instrument, ev.Seq), ev.Tick)
	return false
}

// TickID is the repository id of the tick with sequence seq.
func TickID(instrument string, seq uint64) string {
	return fmt.Sprintf("%s/%020d", instrument, seq)
}
