// Package wsbroker speaks a JSON-over-websocket broker protocol.
//
// The client logs in with an HMAC signed frame, then issues requests of the
// form {"id","op","args"}. Sync queries wait for the response carrying the
// same id. Orders, cancels and modifies are fire and forget: their outcome
// arrives as pushed {"event":"order"} and {"event":"trade"} frames. A refused
// one may carry the broker's view of the order in its response data.
package wsbroker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sourcegraph/conc"

	"trader_go/internal/domain"
	"trader_go/internal/registry"
	"trader_go/internal/session"
)

// Purpose is the registry purpose of the websocket broker adapter.
const Purpose = "ws"

// Config configures a Broker.
type Config struct {
	URL        string
	AccessKey  string
	SecretKey  string
	Passphrase string

	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	ReadTimeout      time.Duration
}

// ConfigFromProps reads url, access_key, secret_key, passphrase and the
// optional ping_interval_ms and read_timeout_ms.
func ConfigFromProps(p registry.Props) (Config, error) {
	url := p.String("url", "")
	if url == "" {
		return Config{}, &domain.ConfigError{Field: "url", Err: errors.New("websocket broker needs a url")}
	}
	return Config{
		URL:          url,
		AccessKey:    p.String("access_key", ""),
		SecretKey:    p.String("secret_key", ""),
		Passphrase:   p.String("passphrase", ""),
		PingInterval: time.Duration(p.Int("ping_interval_ms", 0)) * time.Millisecond,
		ReadTimeout:  time.Duration(p.Int("read_timeout_ms", 0)) * time.Millisecond,
	}, nil
}

// Register adds the websocket broker to r.
func Register(r *registry.Registry) error {
	return session.RegisterAdapter(r, Purpose, func(p registry.Props) (session.Adapter, error) {
		cfg, err := ConfigFromProps(p)
		if err != nil {
			return nil, err
		}
		return New(cfg), nil
	})
}

// Broker is a session.Adapter over one websocket connection at a time.
type Broker struct {
	cfg    Config
	signer *Signer
	log    *slog.Logger
	seq    atomic.Uint64

	mu   sync.Mutex
	link *link
}

var _ session.Adapter = (*Broker)(nil)

// New creates a disconnected broker.
func New(cfg Config) *Broker {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	return &Broker{
		cfg:    cfg,
		signer: NewSigner(cfg.AccessKey, cfg.SecretKey, cfg.Passphrase),
		log:    slog.Default().With(slog.String("module", "wsbroker")),
	}
}

// link is one live connection. A reconnect builds a new one.
type link struct {
	conn    *websocket.Conn
	events  session.AdapterEvents
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan frame

	closed    chan struct{}
	closeOnce sync.Once
	wg        conc.WaitGroup
}

// shutdown closes the connection and reports whether this call did it.
func (l *link) shutdown() bool {
	first := false
	l.closeOnce.Do(func() {
		first = true
		close(l.closed)
		_ = l.conn.Close()
	})
	return first
}

func (l *link) write(data []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	select {
	case <-l.closed:
		return errors.New("connection closed")
	default:
	}
	_ = l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return l.conn.WriteMessage(websocket.TextMessage, data)
}

// Connect dials the broker and logs in. A rejected login is not retriable.
func (b *Broker) Connect(ctx context.Context, _ registry.Props, events session.AdapterEvents) error {
	_ = b.Close()

	dialer := websocket.Dialer{HandshakeTimeout: b.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, b.cfg.URL, nil)
	if err != nil {
		return domain.NewNetworkError("dial", err)
	}

	l := &link{
		conn:    conn,
		events:  events,
		pending: make(map[string]chan frame),
		closed:  make(chan struct{}),
	}
	l.wg.Go(func() { b.readLoop(l) })
	l.wg.Go(func() { b.pingLoop(l) })

	if err := b.call(ctx, l, opLogin, b.signer.Login(), nil); err != nil {
		l.shutdown()
		l.wg.Wait()
		if domain.CategoryOf(err) == domain.CategoryBrokerRejection {
			return domain.NewFatalNetworkError("login", err)
		}
		return err
	}

	b.mu.Lock()
	b.link = l
	b.mu.Unlock()
	b.log.Info("Broker connected", slog.String("url", b.cfg.URL))
	return nil
}

// Close drops the connection without reporting a disconnect.
func (b *Broker) Close() error {
	b.mu.Lock()
	l := b.link
	b.link = nil
	b.mu.Unlock()
	if l == nil {
		return nil
	}
	l.shutdown()
	l.wg.Wait()
	return nil
}

func (b *Broker) current() (*link, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.link == nil {
		return nil, domain.NewNetworkError("wsbroker", errors.New("not connected"))
	}
	return b.link, nil
}

func (b *Broker) readLoop(l *link) {
	for {
		_ = l.conn.SetReadDeadline(time.Now().Add(b.cfg.ReadTimeout))
		_, msg, err := l.conn.ReadMessage()
		if err != nil {
			if l.shutdown() {
				b.log.Warn("Broker connection lost", slog.Any("error", err))
				l.events.OnDisconnected(domain.NewNetworkError("read", err))
			}
			return
		}
		if string(msg) == "pong" {
			continue
		}
		b.handleMessage(l, msg)
	}
}

func (b *Broker) pingLoop(l *link) {
	ticker := time.NewTicker(b.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.closed:
			return
		case <-ticker.C:
			if err := l.write([]byte("ping")); err != nil {
				return
			}
		}
	}
}

func (b *Broker) handleMessage(l *link, msg []byte) {
	var f frame
	if err := json.Unmarshal(msg, &f); err != nil {
		b.log.Warn("Malformed frame", slog.Any("error", err))
		return
	}

	switch {
	case f.Event == eventOrder:
		var r domain.OrderReport
		if err := json.Unmarshal(f.Data, &r); err != nil {
			b.log.Warn("Malformed order report", slog.Any("error", err))
			return
		}
		l.events.OnOrderReport(r)
	case f.Event == eventTrade:
		var t domain.TradeReport
		if err := json.Unmarshal(f.Data, &t); err != nil {
			b.log.Warn("Malformed trade report", slog.Any("error", err))
			return
		}
		l.events.OnTrade(t)
	case f.ID != "":
		l.mu.Lock()
		ch := l.pending[f.ID]
		l.mu.Unlock()
		if ch == nil {
			if f.Code != successCode {
				b.log.Warn("Request refused", slog.String("id", f.ID), slog.String("code", f.Code), slog.String("msg", f.Msg))
				b.forwardRefusal(l, f)
			}
			return
		}
		select {
		case ch <- f:
		default:
		}
	default:
		b.log.Debug("Unhandled frame", slog.String("event", f.Event))
	}
}

// forwardRefusal reports the order state echoed by a refused request.
func (b *Broker) forwardRefusal(l *link, f frame) {
	if len(f.Data) == 0 {
		return
	}
	var r domain.OrderReport
	if err := json.Unmarshal(f.Data, &r); err != nil || r.Ref == "" || r.State == "" {
		return
	}
	if r.Message == "" {
		r.Message = f.Msg
	}
	l.events.OnOrderReport(r)
}

func (b *Broker) nextID() string {
	return strconv.FormatUint(b.seq.Add(1), 10)
}

func (b *Broker) send(l *link, op string, args any) error {
	data, err := json.Marshal(request{ID: b.nextID(), Op: op, Args: args})
	if err != nil {
		return err
	}
	if err := l.write(data); err != nil {
		return domain.NewNetworkError(op, err)
	}
	return nil
}

// call sends a request and waits for its response, decoding data into out.
func (b *Broker) call(ctx context.Context, l *link, op string, args any, out any) error {
	id := b.nextID()
	ch := make(chan frame, 1)
	l.mu.Lock()
	l.pending[id] = ch
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.pending, id)
		l.mu.Unlock()
	}()

	data, err := json.Marshal(request{ID: id, Op: op, Args: args})
	if err != nil {
		return err
	}
	if err := l.write(data); err != nil {
		return domain.NewNetworkError(op, err)
	}

	select {
	case f := <-ch:
		if f.Code != successCode {
			return domain.NewTradeError(domain.ErrCodeBrokerRejected, op, fmt.Errorf("code %s: %s", f.Code, f.Msg))
		}
		if out != nil && len(f.Data) > 0 {
			if err := json.Unmarshal(f.Data, out); err != nil {
				return fmt.Errorf("decode %s response: %w", op, err)
			}
		}
		return nil
	case <-l.closed:
		return domain.NewNetworkError(op, errors.New("connection closed"))
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Broker) query(ctx context.Context, op string, args any, out any) error {
	l, err := b.current()
	if err != nil {
		return err
	}
	return b.call(ctx, l, op, args, out)
}

func (b *Broker) SyncLoadFeeEvaluator(ctx context.Context, instruments []string) (domain.FeeTable, error) {
	var fees domain.FeeTable
	if err := b.query(ctx, opFees, feesArgs{Instruments: instruments}, &fees); err != nil {
		return nil, err
	}
	return fees, nil
}

func (b *Broker) SyncConfirmSettlement(ctx context.Context) ([]string, error) {
	var lines []string
	err := b.query(ctx, opSettlement, nil, &lines)
	return lines, err
}

func (b *Broker) SyncQryAccounts(ctx context.Context) (domain.MoneyVector, error) {
	var m domain.MoneyVector
	err := b.query(ctx, opAccounts, nil, &m)
	return m, err
}

func (b *Broker) SyncQryPositions(ctx context.Context) ([]domain.PositionSnapshot, error) {
	var out []domain.PositionSnapshot
	err := b.query(ctx, opPositions, nil, &out)
	return out, err
}

func (b *Broker) SyncQryOrders(ctx context.Context) ([]domain.OrderSnapshot, error) {
	var out []domain.OrderSnapshot
	err := b.query(ctx, opOrders, nil, &out)
	return out, err
}

func (b *Broker) AsyncSendOrder(o domain.Order) error {
	l, err := b.current()
	if err != nil {
		return err
	}
	return b.send(l, opOrder, orderArgs{
		Ref:        o.Ref,
		Instrument: o.Instrument,
		Direction:  o.Direction,
		Offset:     o.Offset,
		PriceType:  o.PriceType,
		Price:      o.Price,
		Volume:     o.Volume,
	})
}

func (b *Broker) AsyncCancelOrder(o domain.Order) error {
	l, err := b.current()
	if err != nil {
		return err
	}
	return b.send(l, opCancel, cancelArgs{Ref: o.Ref, BrokerOrderID: o.BrokerOrderID, Instrument: o.Instrument})
}

func (b *Broker) AsyncModifyOrder(o domain.Order, m domain.OrderBuilder) error {
	l, err := b.current()
	if err != nil {
		return err
	}
	return b.send(l, opModify, modifyArgs{
		cancelArgs: cancelArgs{Ref: o.Ref, BrokerOrderID: o.BrokerOrderID, Instrument: o.Instrument},
		Price:      m.Price,
		Volume:     m.Volume,
	})
}
