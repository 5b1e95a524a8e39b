package wsbroker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trader_go/internal/domain"
	"trader_go/internal/registry"
	"trader_go/internal/session"
)

// fakeBroker is a websocket server speaking the broker protocol. Orders are
// acknowledged and filled at once.
type fakeBroker struct {
	secret string

	mu    sync.Mutex
	ops   []string
	conns []*websocket.Conn
}

func (f *fakeBroker) record(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, op)
}

func (f *fakeBroker) Ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

func (f *fakeBroker) count(op string) int {
	n := 0
	for _, o := range f.Ops() {
		if o == op {
			n++
		}
	}
	return n
}

// dropAll closes every server side connection.
func (f *fakeBroker) dropAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		_ = c.Close()
	}
}

func (f *fakeBroker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conns = append(f.conns, c)
	f.mu.Unlock()
	defer c.Close()

	reply := func(id, code string, data any) {
		raw, _ := json.Marshal(data)
		_ = c.WriteJSON(frame{ID: id, Code: code, Data: raw})
	}
	push := func(ev string, data any) {
		raw, _ := json.Marshal(data)
		_ = c.WriteJSON(frame{Event: ev, Data: raw})
	}

	for {
		_, msg, err := c.ReadMessage()
		if err != nil {
			return
		}
		if string(msg) == "ping" {
			f.record("ping")
			_ = c.WriteMessage(websocket.TextMessage, []byte("pong"))
			continue
		}
		var req struct {
			ID   string          `json:"id"`
			Op   string          `json:"op"`
			Args json.RawMessage `json:"args"`
		}
		if err := json.Unmarshal(msg, &req); err != nil {
			return
		}
		f.record(req.Op)

		switch req.Op {
		case opLogin:
			var a LoginArgs
			_ = json.Unmarshal(req.Args, &a)
			if a.Sign != computeHmacSha256(a.Timestamp+"GET"+loginPath, f.secret) {
				reply(req.ID, "40001", nil)
				continue
			}
			reply(req.ID, successCode, nil)
		case opFees:
			reply(req.ID, successCode, domain.FeeTable{"IF2406": {Instrument: "IF2406", Multiplier: decimal.NewFromInt(300)}})
		case opSettlement:
			reply(req.ID, successCode, []string{"settled 2024-06-03"})
		case opAccounts:
			reply(req.ID, successCode, domain.NewMoneyVector(decimal.NewFromInt(1000000)))
		case opPositions:
			reply(req.ID, successCode, []domain.PositionSnapshot{{Instrument: "IF2406", LongVolume: 1}})
		case opOrders:
			reply(req.ID, successCode, []domain.OrderSnapshot{})
		case opOrder:
			var o orderArgs
			_ = json.Unmarshal(req.Args, &o)
			reply(req.ID, successCode, nil)
			push(eventOrder, domain.OrderReport{Ref: o.Ref, BrokerOrderID: "B-1", State: domain.OrderStateAccepted})
			push(eventTrade, domain.TradeReport{TradeID: "T-1", Ref: o.Ref, Price: o.Price, Volume: o.Volume})
			push(eventOrder, domain.OrderReport{Ref: o.Ref, BrokerOrderID: "B-1", State: domain.OrderStateFilled})
		case opCancel:
			var a cancelArgs
			_ = json.Unmarshal(req.Args, &a)
			push(eventOrder, domain.OrderReport{Ref: a.Ref, State: domain.OrderStateCanceled})
		case opModify:
			var a modifyArgs
			_ = json.Unmarshal(req.Args, &a)
			raw, _ := json.Marshal(domain.OrderReport{
				Ref:    a.Ref,
				State:  domain.OrderStateAccepted,
				Price:  decimal.NewFromInt(4000),
				Volume: 1,
			})
			_ = c.WriteJSON(frame{ID: req.ID, Code: "40010", Msg: "insufficient margin", Data: raw})
		default:
			reply(req.ID, "40400", nil)
		}
	}
}

type recordingEvents struct {
	mu          sync.Mutex
	log         []string
	reports     []domain.OrderReport
	disconnects []error
}

func (e *recordingEvents) OnDisconnected(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disconnects = append(e.disconnects, err)
}

func (e *recordingEvents) OnOrderReport(r domain.OrderReport) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reports = append(e.reports, r)
	e.log = append(e.log, fmt.Sprintf("report %s %s", r.Ref, r.State))
}

func (e *recordingEvents) Reports() []domain.OrderReport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.OrderReport(nil), e.reports...)
}

func (e *recordingEvents) OnTrade(t domain.TradeReport) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = append(e.log, fmt.Sprintf("trade %s %d@%s", t.Ref, t.Volume, t.Price))
}

func (e *recordingEvents) Log() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...)
}

func (e *recordingEvents) Disconnects() []error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]error(nil), e.disconnects...)
}

func setupBroker(t *testing.T, secret string) (*Broker, *fakeBroker, *recordingEvents, error) {
	t.Helper()
	fake := &fakeBroker{secret: "secret"}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	b := New(Config{
		URL:          "ws" + strings.TrimPrefix(srv.URL, "http"),
		AccessKey:    "key",
		SecretKey:    secret,
		Passphrase:   "pass",
		PingInterval: 10 * time.Millisecond,
	})
	t.Cleanup(func() { _ = b.Close() })
	ev := &recordingEvents{}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return b, fake, ev, b.Connect(ctx, nil, ev)
}

func TestBroker_ConnectedSequence(t *testing.T) {
	b, fake, _, err := setupBroker(t, "secret")
	require.NoError(t, err)
	ctx := context.Background()

	fees, err := b.SyncLoadFeeEvaluator(ctx, []string{"IF2406"})
	require.NoError(t, err)
	require.Contains(t, fees, "IF2406")
	assert.True(t, decimal.NewFromInt(300).Equal(fees["IF2406"].Multiplier))

	lines, err := b.SyncConfirmSettlement(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"settled 2024-06-03"}, lines)

	money, err := b.SyncQryAccounts(ctx)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(1000000).Equal(money.Balance()))

	positions, err := b.SyncQryPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, int64(1), positions[0].LongVolume)

	orders, err := b.SyncQryOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, orders)

	var ops []string
	for _, op := range fake.Ops() {
		if op != "ping" {
			ops = append(ops, op)
		}
	}
	assert.Equal(t, []string{opLogin, opFees, opSettlement, opAccounts, opPositions, opOrders}, ops)
}

func TestBroker_OrderFrames(t *testing.T) {
	b, _, ev, err := setupBroker(t, "secret")
	require.NoError(t, err)

	require.NoError(t, b.AsyncSendOrder(domain.Order{
		Ref:        "s1-1",
		Instrument: "IF2406",
		Direction:  domain.DirectionBuy,
		Offset:     domain.OffsetOpen,
		PriceType:  domain.PriceTypeLimit,
		Price:      decimal.NewFromInt(4000),
		Volume:     2,
	}))
	require.Eventually(t, func() bool { return len(ev.Log()) == 3 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, []string{
		"report s1-1 ACCEPTED",
		"trade s1-1 2@4000",
		"report s1-1 FILLED",
	}, ev.Log())

	require.NoError(t, b.AsyncCancelOrder(domain.Order{Ref: "s1-2", Instrument: "IF2406"}))
	require.Eventually(t, func() bool { return len(ev.Log()) == 4 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, "report s1-2 CANCELED", ev.Log()[3])
}

func TestBroker_RefusedModifyEchoesBrokerTerms(t *testing.T) {
	b, _, ev, err := setupBroker(t, "secret")
	require.NoError(t, err)

	volume := int64(5)
	require.NoError(t, b.AsyncModifyOrder(domain.Order{Ref: "s1-3", Instrument: "IF2406"}, domain.OrderBuilder{Volume: &volume}))
	require.Eventually(t, func() bool { return len(ev.Reports()) == 1 }, 2*time.Second, time.Millisecond)

	r := ev.Reports()[0]
	assert.Equal(t, "s1-3", r.Ref)
	assert.Equal(t, domain.OrderStateAccepted, r.State)
	assert.Equal(t, int64(1), r.Volume)
	assert.True(t, decimal.NewFromInt(4000).Equal(r.Price))
	assert.Equal(t, "insufficient margin", r.Message)
}

func TestBroker_LoginRejected(t *testing.T) {
	_, _, _, err := setupBroker(t, "wrong")
	require.Error(t, err)
	assert.False(t, domain.IsRetriable(err), "bad credentials end the session")
	assert.Equal(t, domain.ErrCodeBrokerRejected, domain.CodeOf(err))
}

func TestBroker_DialFailure(t *testing.T) {
	b := New(Config{URL: "ws://127.0.0.1:1/ws", HandshakeTimeout: 200 * time.Millisecond})
	err := b.Connect(context.Background(), nil, &recordingEvents{})
	require.Error(t, err)
	assert.True(t, domain.IsRetriable(err))
}

func TestBroker_ServerDrop(t *testing.T) {
	b, fake, ev, err := setupBroker(t, "secret")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return fake.count("ping") > 0 }, 2*time.Second, time.Millisecond)

	fake.dropAll()
	require.Eventually(t, func() bool { return len(ev.Disconnects()) == 1 }, 2*time.Second, time.Millisecond)
	assert.True(t, domain.IsRetriable(ev.Disconnects()[0]))

	_, err = b.SyncQryOrders(context.Background())
	assert.True(t, domain.IsRetriable(err))
	err = b.AsyncSendOrder(domain.Order{Ref: "s1-1"})
	assert.True(t, domain.IsRetriable(err))
}

func TestBroker_CloseIsQuiet(t *testing.T) {
	b, _, ev, err := setupBroker(t, "secret")
	require.NoError(t, err)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	assert.Empty(t, ev.Disconnects())

	_, err = b.SyncQryAccounts(context.Background())
	assert.True(t, domain.IsRetriable(err))
}

func TestBroker_SessionReachesReady(t *testing.T) {
	fake := &fakeBroker{secret: "secret"}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	r := registry.New()
	require.NoError(t, Register(r))
	a, err := session.NewAdapter(r, Purpose, registry.Props{
		"url":        "ws" + strings.TrimPrefix(srv.URL, "http"),
		"access_key": "key",
		"secret_key": "secret",
	})
	require.NoError(t, err)

	s := session.New(session.Config{ID: "ws-1", AccountID: "acct-1", Instruments: []string{"IF2406"}}, a, nil)
	s.Start(context.Background())
	defer s.Stop()
	require.Eventually(t, s.Ready, 2*time.Second, time.Millisecond)

	fee, ok := s.Fee("IF2406")
	require.True(t, ok)
	assert.True(t, decimal.NewFromInt(300).Equal(fee.Multiplier))
}

func TestConfigFromProps(t *testing.T) {
	_, err := ConfigFromProps(registry.Props{})
	var ce *domain.ConfigError
	assert.ErrorAs(t, err, &ce)

	cfg, err := ConfigFromProps(registry.Props{"url": "wss://broker", "ping_interval_ms": "1500"})
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, cfg.PingInterval)
}
