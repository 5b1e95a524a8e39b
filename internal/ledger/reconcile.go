package ledger

import (
	"fmt"
	"maps"
	"slices"

	"github.com/shopspring/decimal"

	"trader_go/internal/domain"
)

// SyncResult describes what a broker snapshot did to an account.
type SyncResult struct {
	Adopted      bool            // Broker money and positions replaced local state
	BalanceDiff  decimal.Decimal // Broker balance minus local balance after reconciling
	Transactions []domain.Transaction
	Orders       []domain.Order // Orders changed by the snapshot
	Unknown      []string       // Broker refs with no local order
	Mismatched   []string       // Instruments whose volumes disagree with the broker
	Conflicts    []string       // Local orders the broker state could not be applied to
}

// Synchronize reconciles the account with the state a session read from the
// broker after connecting.
//
// Broker money and positions are adopted only on the first sync of an account
// with no local history. Afterwards the local ledger stays authoritative and
// differences are reported. Live local orders are walked forward to the broker
// state and terms; fills missing locally are booked once under a deterministic
// id. An order the broker reports Filled is closed locally even when its fills
// fall short of the local volume.
func (a *Account) Synchronize(money domain.MoneyVector, positions []domain.PositionSnapshot,
	orders []domain.OrderSnapshot, fees domain.FeeTable) (SyncResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	maps.Copy(a.fees, fees)

	var res SyncResult
	if !a.synced && len(a.orders) == 0 && len(a.positions) == 0 {
		a.adopt(money, positions)
		res.Adopted = true
	}

	byRef := make(map[string]domain.OrderSnapshot, len(orders))
	for _, s := range orders {
		byRef[s.Ref] = s
		if _, ok := a.orders[s.Ref]; !ok {
			res.Unknown = append(res.Unknown, s.Ref)
		}
	}

	live := make([]*domain.Order, 0, len(a.orders))
	for _, o := range a.orders {
		if o.IsOpen() {
			live = append(live, o)
		}
	}
	slices.SortFunc(live, func(x, y *domain.Order) int { return x.CreatedAt.Compare(y.CreatedAt) })

	for _, o := range live {
		snap, ok := byRef[o.Ref]
		if !ok {
			if o.State != domain.OrderStateSubmitted {
				continue
			}
			ord, _, err := a.applyReport(domain.OrderReport{
				Ref:     o.Ref,
				State:   domain.OrderStateRejected,
				Message: "unknown to broker after resync",
			})
			if err != nil {
				return res, err
			}
			res.Orders = append(res.Orders, ord)
			continue
		}

		changed := false
		if snap.FilledVolume > o.FilledVolume {
			txn, _, err := a.applyTrade(domain.TradeReport{
				TradeID: fmt.Sprintf("%s-resync-%d", o.Ref, snap.FilledVolume),
				Ref:     o.Ref,
				Price:   missingFillPrice(o, snap),
				Volume:  snap.FilledVolume - o.FilledVolume,
			}, true)
			if err != nil {
				return res, err
			}
			if txn != nil {
				res.Transactions = append(res.Transactions, *txn)
				changed = true
			}
		}

		if !o.State.IsTerminal() && snap.State != domain.OrderStateSubmitted {
			_, reported, err := a.applyReport(domain.OrderReport{
				Ref:           o.Ref,
				BrokerOrderID: snap.BrokerOrderID,
				State:         snap.State,
				Price:         snap.Price,
				Volume:        snap.Volume,
			})
			switch {
			case domain.CodeOf(err) == domain.ErrCodeInvalidTransition,
				domain.CategoryOf(err) == domain.CategoryCapacity:
				res.Conflicts = append(res.Conflicts, o.Ref)
			case err != nil:
				return res, err
			}
			changed = changed || reported
		}

		// The broker is done with the order; nothing more will fill.
		if snap.State == domain.OrderStateFilled && o.IsOpen() {
			if err := a.settle(o, a.now(), "filled short of local volume at broker"); err != nil {
				return res, err
			}
			changed = true
		}
		if changed {
			res.Orders = append(res.Orders, o.Clone())
		}
	}

	if !res.Adopted {
		res.BalanceDiff = money.Balance().Sub(a.money.Balance())
		res.Mismatched = a.compareVolumes(positions)
	}
	a.synced = true
	return res, a.verify()
}

// adopt replaces money and positions with the broker's. Broker frozen money
// belongs to orders this process does not know, so it is folded into Available.
func (a *Account) adopt(money domain.MoneyVector, positions []domain.PositionSnapshot) {
	m := money
	m.Set(domain.MoneyFrozenMargin, decimal.Zero)
	m.Set(domain.MoneyFrozenCommission, decimal.Zero)
	m.Set(domain.MoneyAvailable, m.Balance().Sub(m.CurrMargin()))
	a.money = m

	for _, ps := range positions {
		if ps.LongVolume == 0 && ps.ShortVolume == 0 {
			continue
		}
		a.positions[ps.Instrument] = &Position{
			Instrument: ps.Instrument,
			Long:       PositionSide{Volume: ps.LongVolume, AvgPrice: ps.LongAvgPrice, Margin: ps.LongMargin},
			Short:      PositionSide{Volume: ps.ShortVolume, AvgPrice: ps.ShortAvgPrice, Margin: ps.ShortMargin},
		}
	}
}

func (a *Account) compareVolumes(positions []domain.PositionSnapshot) []string {
	seen := make(map[string]bool, len(positions))
	var out []string
	for _, ps := range positions {
		seen[ps.Instrument] = true
		p := a.positions[ps.Instrument]
		var long, short int64
		if p != nil {
			long, short = p.Long.Volume, p.Short.Volume
		}
		if long != ps.LongVolume || short != ps.ShortVolume {
			out = append(out, ps.Instrument)
		}
	}
	for ins, p := range a.positions {
		if !seen[ins] && (p.Long.Volume != 0 || p.Short.Volume != 0) {
			out = append(out, ins)
		}
	}
	slices.Sort(out)
	return out
}

// missingFillPrice derives the average price of fills the broker booked but
// the account never saw.
func missingFillPrice(o *domain.Order, snap domain.OrderSnapshot) decimal.Decimal {
	if !snap.AvgFillPrice.IsPositive() {
		return o.Price
	}
	diff := snap.FilledVolume - o.FilledVolume
	total := snap.AvgFillPrice.Mul(decimal.NewFromInt(snap.FilledVolume))
	seen := o.AvgFillPrice.Mul(decimal.NewFromInt(o.FilledVolume))
	price := total.Sub(seen).Div(decimal.NewFromInt(diff))
	if !price.IsPositive() {
		return snap.AvgFillPrice
	}
	return price
}
