package ledger

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trader_go/internal/domain"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// ifFee is a stock index future: 300 per point, 1% margin, 23 per lot.
func ifFee() domain.FeeInfo {
	return domain.FeeInfo{
		Instrument:              "IF2406",
		Multiplier:              d("300"),
		PriceTick:               d("0.2"),
		LongMarginRatio:         d("0.01"),
		ShortMarginRatio:        d("0.01"),
		OpenCommissionByVolume:  d("23"),
		CloseCommissionByVolume: d("23"),
	}
}

func buyOpen(volume int64, price string) domain.OrderRequest {
	return domain.OrderRequest{
		AccountID:  "acct-1",
		Instrument: "IF2406",
		Direction:  domain.DirectionBuy,
		Offset:     domain.OffsetOpen,
		PriceType:  domain.PriceTypeLimit,
		Price:      d(price),
		Volume:     volume,
	}
}

func sellClose(volume int64, price string) domain.OrderRequest {
	r := buyOpen(volume, price)
	r.Direction = domain.DirectionSell
	r.Offset = domain.OffsetClose
	return r
}

func place(t *testing.T, a *Account, ref string, req domain.OrderRequest) domain.Order {
	t.Helper()
	o, err := a.PlaceOrder(ref, "s1", req, ifFee(), req.Price)
	require.NoError(t, err)
	require.NoError(t, a.VerifyInvariants())
	return o
}

func trade(id, ref string, price string, volume int64) domain.TradeReport {
	return domain.TradeReport{TradeID: id, Ref: ref, Price: d(price), Volume: volume}
}

func TestAccount_ConcreteScenario(t *testing.T) {
	a := NewAccount("acct-1", d("500000"))

	o := place(t, a, "s1-1", buyOpen(1, "4000"))
	m := a.Money()
	assert.True(t, m.Available().Equal(d("487977")), "available %s", m.Available())
	assert.True(t, o.LocalFrozenMargin.Equal(d("12000")))
	assert.True(t, o.LocalFrozenCommission.Equal(d("23")))
	pos, _ := a.Position("IF2406")
	assert.True(t, pos.FrozenMargin.Equal(d("12000")))

	o, changed, err := a.ApplyReport(domain.OrderReport{Ref: "s1-1", State: domain.OrderStateAccepted})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, domain.OrderStateAccepted, o.State)
	assert.True(t, a.Money().Available().Equal(d("487977")), "accept does not touch money")

	txn, o, err := a.ApplyTrade(trade("T-1", "s1-1", "4000", 1))
	require.NoError(t, err)
	require.NotNil(t, txn)
	require.NoError(t, a.VerifyInvariants())

	m = a.Money()
	assert.Equal(t, domain.OrderStateFilled, o.State)
	assert.True(t, m.Available().Equal(d("487977")), "available %s", m.Available())
	assert.True(t, m.FrozenMargin().IsZero())
	assert.True(t, m.FrozenCommission().IsZero())
	assert.True(t, m.CurrMargin().Equal(d("12000")))
	assert.True(t, m.Balance().Equal(d("499977")), "commission is a realized cost")
	assert.True(t, o.LocalFrozenMargin.IsZero())

	pos, _ = a.Position("IF2406")
	assert.True(t, pos.FrozenMargin.IsZero())
	assert.Equal(t, int64(1), pos.Long.Volume)
	assert.True(t, pos.Long.Margin.Equal(d("12000")))
	assert.True(t, txn.Margin.Equal(d("12000")))
	assert.True(t, txn.Commission.Equal(d("23")))
}

func TestAccount_ValidationAndCapacityLeaveNoState(t *testing.T) {
	a := NewAccount("acct-1", d("10000"))

	_, err := a.PlaceOrder("s1-1", "s1", buyOpen(0, "4000"), ifFee(), d("4000"))
	assert.ErrorIs(t, err, domain.ErrInvalidVolume)

	_, err = a.PlaceOrder("s1-1", "s1", buyOpen(1, "4000"), ifFee(), d("4000"))
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	_, err = a.PlaceOrder("s1-1", "s1", sellClose(1, "4000"), ifFee(), d("4000"))
	assert.ErrorIs(t, err, domain.ErrInsufficientPosition)

	assert.Empty(t, a.LiveOrders())
	_, ok := a.Position("IF2406")
	assert.False(t, ok)
	assert.True(t, a.Money().Available().Equal(d("10000")))
	require.NoError(t, a.VerifyInvariants())
}

func TestAccount_DuplicateRef(t *testing.T) {
	a := NewAccount("acct-1", d("500000"))
	place(t, a, "s1-1", buyOpen(1, "4000"))
	_, err := a.PlaceOrder("s1-1", "s1", buyOpen(1, "4000"), ifFee(), d("4000"))
	assert.ErrorIs(t, err, domain.ErrDuplicateRef)
}

func TestAccount_PartialFillThenCancel(t *testing.T) {
	a := NewAccount("acct-1", d("500000"))
	place(t, a, "s1-1", buyOpen(4, "4000"))

	_, o, err := a.ApplyTrade(trade("T-1", "s1-1", "4000", 1))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatePartiallyFilled, o.State)
	assert.Equal(t, []domain.OrderState{
		domain.OrderStateSubmitted, domain.OrderStateAccepted, domain.OrderStatePartiallyFilled,
	}, states(o), "skipped Accepted is recorded")
	assert.True(t, o.LocalFrozenMargin.Equal(d("36000")))
	require.NoError(t, a.VerifyInvariants())

	o, _, err = a.ApplyReport(domain.OrderReport{Ref: "s1-1", State: domain.OrderStateCanceled})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStateCanceled, o.State)
	require.NoError(t, a.VerifyInvariants())

	m := a.Money()
	assert.True(t, m.FrozenMargin().IsZero())
	assert.True(t, m.CurrMargin().Equal(d("12000")))
	assert.True(t, m.Available().Equal(d("487977")))

	// Terminal orders ignore further reports and reject fills.
	_, changed, err := a.ApplyReport(domain.OrderReport{Ref: "s1-1", State: domain.OrderStateCanceled})
	require.NoError(t, err)
	assert.False(t, changed)
	_, _, err = a.ApplyTrade(trade("T-2", "s1-1", "4000", 1))
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestAccount_RejectReleasesEverything(t *testing.T) {
	a := NewAccount("acct-1", d("500000"))
	place(t, a, "s1-1", buyOpen(2, "4000"))

	o, changed, err := a.ApplyReport(domain.OrderReport{Ref: "s1-1", State: domain.OrderStateRejected, Message: "price out of band"})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "price out of band", o.Message)
	assert.True(t, a.Money().Available().Equal(d("500000")))
	require.NoError(t, a.VerifyInvariants())
}

func TestAccount_RejectAfterAcceptReleasesHold(t *testing.T) {
	a := NewAccount("acct-1", d("500000"))
	place(t, a, "s1-1", buyOpen(1, "4000"))
	_, _, err := a.ApplyReport(domain.OrderReport{Ref: "s1-1", State: domain.OrderStateAccepted})
	require.NoError(t, err)
	require.True(t, a.Money().Available().Equal(d("487977")))

	o, changed, err := a.ApplyReport(domain.OrderReport{Ref: "s1-1", State: domain.OrderStateRejected, Message: "exchange halted"})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, domain.OrderStateRejected, o.State)
	assert.True(t, o.LocalFrozenMargin.IsZero())
	m := a.Money()
	assert.True(t, m.Available().Equal(d("500000")))
	assert.True(t, m.FrozenMargin().IsZero())
	require.NoError(t, a.VerifyInvariants())
}

func TestAccount_RejectRemainderOfPartialClose(t *testing.T) {
	a := NewAccount("acct-1", d("500000"))
	place(t, a, "s1-1", buyOpen(2, "4000"))
	_, _, err := a.ApplyTrade(trade("T-1", "s1-1", "4000", 2))
	require.NoError(t, err)

	place(t, a, "s1-2", sellClose(2, "4100"))
	_, _, err = a.ApplyTrade(trade("T-2", "s1-2", "4100", 1))
	require.NoError(t, err)

	o, _, err := a.ApplyReport(domain.OrderReport{Ref: "s1-2", State: domain.OrderStateRejected})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStateRejected, o.State)
	p, _ := a.Position("IF2406")
	assert.Equal(t, int64(1), p.Long.Volume)
	assert.Equal(t, int64(0), p.Long.FrozenClose)
	require.NoError(t, a.VerifyInvariants())
}

func TestAccount_ReportedTermsUndoAmend(t *testing.T) {
	a := NewAccount("acct-1", d("500000"))
	place(t, a, "s1-1", buyOpen(1, "4000"))
	price, volume := d("4100"), int64(2)
	_, err := a.Amend("s1-1", domain.OrderBuilder{Price: &price, Volume: &volume})
	require.NoError(t, err)

	o, changed, err := a.ApplyReport(domain.OrderReport{
		Ref:     "s1-1",
		State:   domain.OrderStateAccepted,
		Price:   d("4000"),
		Volume:  1,
		Message: "modify refused",
	})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, domain.OrderStateAccepted, o.State)
	assert.Equal(t, int64(1), o.Volume)
	assert.True(t, o.Price.Equal(d("4000")))
	assert.Equal(t, "modify refused", o.Message)
	assert.True(t, a.Money().Available().Equal(d("487977")))
	require.NoError(t, a.VerifyInvariants())

	// Terms that already match change nothing.
	_, changed, err = a.ApplyReport(domain.OrderReport{Ref: "s1-1", State: domain.OrderStateAccepted, Price: d("4000"), Volume: 1})
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestAccount_CloseBooksProfit(t *testing.T) {
	a := NewAccount("acct-1", d("500000"))
	place(t, a, "s1-1", buyOpen(2, "4000"))
	_, _, err := a.ApplyTrade(trade("T-1", "s1-1", "4000", 2))
	require.NoError(t, err)

	place(t, a, "s1-2", sellClose(1, "4010"))
	pos, _ := a.Position("IF2406")
	assert.Equal(t, int64(1), pos.Long.FrozenClose)

	_, err = a.PlaceOrder("s1-3", "s1", sellClose(2, "4010"), ifFee(), d("4010"))
	assert.ErrorIs(t, err, domain.ErrInsufficientPosition, "one lot is already held by a close order")

	txn, o, err := a.ApplyTrade(trade("T-2", "s1-2", "4010", 1))
	require.NoError(t, err)
	require.NoError(t, a.VerifyInvariants())
	assert.Equal(t, domain.OrderStateFilled, o.State)
	assert.True(t, txn.CloseProfit.Equal(d("3000")), "10 points * 300")

	m := a.Money()
	// 500000 - 2*23 open - 23 close + 3000 profit
	assert.True(t, m.Balance().Equal(d("502931")), "balance %s", m.Balance())
	assert.True(t, m.CurrMargin().Equal(d("12000")))
	assert.True(t, m.Get(domain.MoneyCloseProfit).Equal(d("3000")))

	pos, _ = a.Position("IF2406")
	assert.Equal(t, int64(1), pos.Long.Volume)
	assert.Zero(t, pos.Long.FrozenClose)
}

func TestAccount_DuplicateTradeAppliedOnce(t *testing.T) {
	a := NewAccount("acct-1", d("500000"))
	place(t, a, "s1-1", buyOpen(2, "4000"))

	txn, _, err := a.ApplyTrade(trade("T-1", "s1-1", "4000", 1))
	require.NoError(t, err)
	require.NotNil(t, txn)

	txn, o, err := a.ApplyTrade(trade("T-1", "s1-1", "4000", 1))
	require.NoError(t, err)
	assert.Nil(t, txn)
	assert.Equal(t, int64(1), o.FilledVolume)
}

func TestAccount_CompareAndSetRef(t *testing.T) {
	a := NewAccount("acct-1", d("500000"))
	assert.True(t, a.CompareAndSetRef("T-1"))
	assert.False(t, a.CompareAndSetRef("T-1"))
	assert.True(t, a.CompareAndSetRef("T-2"))
}

func TestAccount_Amend(t *testing.T) {
	a := NewAccount("acct-1", d("500000"))
	place(t, a, "s1-1", buyOpen(1, "4000"))

	price, volume := d("4100"), int64(2)
	o, err := a.Amend("s1-1", domain.OrderBuilder{Price: &price, Volume: &volume})
	require.NoError(t, err)
	require.NoError(t, a.VerifyInvariants())
	assert.True(t, o.LocalFrozenMargin.Equal(d("24600")))
	assert.True(t, o.LocalFrozenCommission.Equal(d("46")))
	assert.True(t, a.Money().Available().Equal(d("475354")))

	huge := int64(1000)
	_, err = a.Amend("s1-1", domain.OrderBuilder{Volume: &huge})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	o, _ = a.Order("s1-1")
	assert.Equal(t, int64(2), o.Volume, "failed amend keeps the previous hold")
	require.NoError(t, a.VerifyInvariants())
}

func TestAccount_Discard(t *testing.T) {
	a := NewAccount("acct-1", d("500000"))
	place(t, a, "s1-1", buyOpen(1, "4000"))
	require.NoError(t, a.Discard("s1-1"))

	_, ok := a.Order("s1-1")
	assert.False(t, ok)
	assert.True(t, a.Money().Available().Equal(d("500000")))
	require.NoError(t, a.VerifyInvariants())
}

func TestAccount_MarkToMarket(t *testing.T) {
	a := NewAccount("acct-1", d("500000"))
	place(t, a, "s1-1", buyOpen(1, "4000"))
	_, _, err := a.ApplyTrade(trade("T-1", "s1-1", "4000", 1))
	require.NoError(t, err)

	assert.True(t, a.MarkToMarket("IF2406", d("3990")))
	assert.True(t, a.Money().Get(domain.MoneyPositionProfit).Equal(d("-3000")))
	assert.False(t, a.MarkToMarket("IC2406", d("1")))
	require.NoError(t, a.VerifyInvariants(), "floating profit is outside the balance equation")
}

// TestAccount_ConservationUnderRandomLifecycles drives random order lifecycles
// and checks both invariants after every step. Money only leaves the balance
// equation through commission and realized profit.
func TestAccount_ConservationUnderRandomLifecycles(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	a := NewAccount("acct-1", d("5000000"))

	var live []string
	next := 0
	for step := 0; step < 2000; step++ {
		switch op := rng.IntN(5); {
		case op <= 1 || len(live) == 0:
			next++
			ref := fmt.Sprintf("s1-%d", next)
			req := buyOpen(int64(1+rng.IntN(5)), fmt.Sprintf("%d", 3900+rng.IntN(200)))
			if rng.IntN(3) == 0 {
				req.Direction = domain.DirectionSell
			}
			if _, err := a.PlaceOrder(ref, "s1", req, ifFee(), req.Price); err == nil {
				live = append(live, ref)
			}
		case op == 2:
			ref := live[rng.IntN(len(live))]
			o, _ := a.Order(ref)
			vol := int64(1 + rng.IntN(int(max(o.RemainingVolume(), 1))))
			_, _, _ = a.ApplyTrade(trade(fmt.Sprintf("T-%d", step), ref, fmt.Sprintf("%d", 3900+rng.IntN(200)), vol))
		case op == 3:
			ref := live[rng.IntN(len(live))]
			_, _, _ = a.ApplyReport(domain.OrderReport{Ref: ref, State: domain.OrderStateCanceled})
		default:
			ref := live[rng.IntN(len(live))]
			_, _, _ = a.ApplyReport(domain.OrderReport{Ref: ref, State: domain.OrderStateAccepted})
		}

		require.NoError(t, a.VerifyInvariants(), "step %d", step)

		m := a.Money()
		expected := d("5000000").
			Sub(m.Get(domain.MoneyCommission)).
			Add(m.Get(domain.MoneyCloseProfit))
		require.True(t, m.Balance().Equal(expected), "step %d: balance %s, expected %s", step, m.Balance(), expected)

		kept := live[:0]
		for _, ref := range live {
			if o, ok := a.Order(ref); ok && o.IsOpen() {
				kept = append(kept, ref)
			}
		}
		live = kept
	}
}

func states(o domain.Order) []domain.OrderState {
	out := make([]domain.OrderState, len(o.History))
	for i, h := range o.History {
		out[i] = h.State
	}
	return out
}
