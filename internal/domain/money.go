package domain

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// MoneyPurpose indexes one slot of a MoneyVector.
type MoneyPurpose int

const (
	MoneyBalance MoneyPurpose = iota
	MoneyAvailable
	MoneyFrozenMargin
	MoneyFrozenCommission
	MoneyCurrMargin
	MoneyCommission
	MoneyCloseProfit
	MoneyPositionProfit
	MoneyDeposit
	MoneyWithdraw

	moneyPurposeCount
)

var moneyPurposeNames = [moneyPurposeCount]string{
	"balance",
	"available",
	"frozen_margin",
	"frozen_commission",
	"curr_margin",
	"commission",
	"close_profit",
	"position_profit",
	"deposit",
	"withdraw",
}

func (p MoneyPurpose) String() string {
	if p < 0 || p >= moneyPurposeCount {
		return fmt.Sprintf("purpose(%d)", int(p))
	}
	return moneyPurposeNames[p]
}

// MoneyVector is the money ledger of one account.
//
// Invariant: Available + FrozenMargin + FrozenCommission + CurrMargin == Balance.
// Every mutating method below preserves it; Balance only moves on deposits,
// withdrawals, commission and realized profit.
type MoneyVector struct {
	v [moneyPurposeCount]decimal.Decimal
}

// NewMoneyVector creates a vector holding the given balance, all of it available.
func NewMoneyVector(balance decimal.Decimal) MoneyVector {
	var m MoneyVector
	m.v[MoneyBalance] = balance
	m.v[MoneyAvailable] = balance
	return m
}

// Get returns the amount booked under p.
func (m MoneyVector) Get(p MoneyPurpose) decimal.Decimal {
	return m.v[p]
}

// Set overwrites one slot. Callers must restore the invariant themselves.
func (m *MoneyVector) Set(p MoneyPurpose, amount decimal.Decimal) {
	m.v[p] = amount
}

func (m MoneyVector) Balance() decimal.Decimal          { return m.v[MoneyBalance] }
func (m MoneyVector) Available() decimal.Decimal        { return m.v[MoneyAvailable] }
func (m MoneyVector) FrozenMargin() decimal.Decimal     { return m.v[MoneyFrozenMargin] }
func (m MoneyVector) FrozenCommission() decimal.Decimal { return m.v[MoneyFrozenCommission] }
func (m MoneyVector) CurrMargin() decimal.Decimal       { return m.v[MoneyCurrMargin] }

// Deposit credits amount to Balance and Available.
func (m *MoneyVector) Deposit(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return Errorf(ErrCodeInvalidAmount, "deposit amount must be positive: %s", amount)
	}
	m.v[MoneyBalance] = m.v[MoneyBalance].Add(amount)
	m.v[MoneyAvailable] = m.v[MoneyAvailable].Add(amount)
	m.v[MoneyDeposit] = m.v[MoneyDeposit].Add(amount)
	return nil
}

// Withdraw debits amount from Balance and Available.
func (m *MoneyVector) Withdraw(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return Errorf(ErrCodeInvalidAmount, "withdraw amount must be positive: %s", amount)
	}
	if m.v[MoneyAvailable].LessThan(amount) {
		return Errorf(ErrCodeInsufficientFunds, "available %s, need %s", m.v[MoneyAvailable], amount)
	}
	m.v[MoneyBalance] = m.v[MoneyBalance].Sub(amount)
	m.v[MoneyAvailable] = m.v[MoneyAvailable].Sub(amount)
	m.v[MoneyWithdraw] = m.v[MoneyWithdraw].Add(amount)
	return nil
}

// Freeze moves margin and commission from Available into the frozen slots.
func (m *MoneyVector) Freeze(margin, commission decimal.Decimal) error {
	if margin.IsNegative() || commission.IsNegative() {
		return Errorf(ErrCodeInvariant, "negative freeze: margin=%s commission=%s", margin, commission)
	}
	total := margin.Add(commission)
	if m.v[MoneyAvailable].LessThan(total) {
		return Errorf(ErrCodeInsufficientFunds, "available %s, need %s", m.v[MoneyAvailable], total)
	}
	m.v[MoneyAvailable] = m.v[MoneyAvailable].Sub(total)
	m.v[MoneyFrozenMargin] = m.v[MoneyFrozenMargin].Add(margin)
	m.v[MoneyFrozenCommission] = m.v[MoneyFrozenCommission].Add(commission)
	return nil
}

// Unfreeze returns frozen margin and commission to Available.
func (m *MoneyVector) Unfreeze(margin, commission decimal.Decimal) {
	m.v[MoneyFrozenMargin] = m.v[MoneyFrozenMargin].Sub(margin)
	m.v[MoneyFrozenCommission] = m.v[MoneyFrozenCommission].Sub(commission)
	m.v[MoneyAvailable] = m.v[MoneyAvailable].Add(margin).Add(commission)
}

// BookOpen holds margin against a new position and charges commission.
func (m *MoneyVector) BookOpen(margin, commission decimal.Decimal) {
	m.v[MoneyAvailable] = m.v[MoneyAvailable].Sub(margin)
	m.v[MoneyCurrMargin] = m.v[MoneyCurrMargin].Add(margin)
	m.chargeCommission(commission)
}

// BookClose releases position margin, realizes profit and charges commission.
func (m *MoneyVector) BookClose(releasedMargin, profit, commission decimal.Decimal) {
	m.v[MoneyCurrMargin] = m.v[MoneyCurrMargin].Sub(releasedMargin)
	m.v[MoneyAvailable] = m.v[MoneyAvailable].Add(releasedMargin)

	m.v[MoneyCloseProfit] = m.v[MoneyCloseProfit].Add(profit)
	m.v[MoneyBalance] = m.v[MoneyBalance].Add(profit)
	m.v[MoneyAvailable] = m.v[MoneyAvailable].Add(profit)

	m.chargeCommission(commission)
}

func (m *MoneyVector) chargeCommission(commission decimal.Decimal) {
	m.v[MoneyCommission] = m.v[MoneyCommission].Add(commission)
	m.v[MoneyBalance] = m.v[MoneyBalance].Sub(commission)
	m.v[MoneyAvailable] = m.v[MoneyAvailable].Sub(commission)
}

// Committed is the sum of every slot that is not Available.
func (m MoneyVector) Committed() decimal.Decimal {
	return m.v[MoneyFrozenMargin].Add(m.v[MoneyFrozenCommission]).Add(m.v[MoneyCurrMargin])
}

// VerifyInvariant checks Available + frozen + margin == Balance.
func (m MoneyVector) VerifyInvariant() error {
	if m.v[MoneyFrozenMargin].IsNegative() || m.v[MoneyFrozenCommission].IsNegative() {
		return Errorf(ErrCodeInvariant, "negative frozen money: margin=%s commission=%s",
			m.v[MoneyFrozenMargin], m.v[MoneyFrozenCommission])
	}
	sum := m.v[MoneyAvailable].Add(m.Committed())
	if !sum.Equal(m.v[MoneyBalance]) {
		return Errorf(ErrCodeInvariant, "money not conserved: available+committed=%s balance=%s",
			sum, m.v[MoneyBalance])
	}
	return nil
}

func (m MoneyVector) MarshalJSON() ([]byte, error) {
	out := make(map[string]decimal.Decimal, moneyPurposeCount)
	for i := MoneyPurpose(0); i < moneyPurposeCount; i++ {
		out[i.String()] = m.v[i]
	}
	return json.Marshal(out)
}

func (m *MoneyVector) UnmarshalJSON(data []byte) error {
	var in map[string]decimal.Decimal
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	for i := MoneyPurpose(0); i < moneyPurposeCount; i++ {
		m.v[i] = in[i.String()]
	}
	return nil
}
