// Package feed streams ticker updates from a market data websocket into the
// sequencer.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"trader_go/internal/domain"
	"trader_go/internal/infra"
)

const (
	handshakeTimeout    = 10 * time.Second
	defaultPingInterval = 30 * time.Second
	defaultReadTimeout  = 60 * time.Second
)

// TickPublisher receives decoded ticks. *engine.Sequencer satisfies it.
type TickPublisher interface {
	PublishMarketData(tick *domain.Tick) (uint64, error)
}

// Config configures a Worker.
type Config struct {
	URL          string
	Instruments  []string
	Exchange     string // Tagged on every tick
	Backoff      infra.Backoff
	PingInterval time.Duration
	ReadTimeout  time.Duration
}

type subscribeRequest struct {
	Op   string         `json:"op"`
	Args []subscribeArg `json:"args"`
}

type subscribeArg struct {
	Channel    string `json:"channel"`
	Instrument string `json:"instrument"`
}

// tickerMessage is one ticker push.
type tickerMessage struct {
	Type         string          `json:"type"` // ticker
	Instrument   string          `json:"instrument"`
	Price        decimal.Decimal `json:"price"`
	Volume       int64           `json:"volume"`
	Bid          decimal.Decimal `json:"bid"`
	Ask          decimal.Decimal `json:"ask"`
	OpenInterest int64           `json:"open_interest"`
	Timestamp    int64           `json:"ts"` // Unix milliseconds
}

// Worker handles one market data websocket connection and reconnects with
// backoff until Disconnect.
type Worker struct {
	cfg     Config
	pub     TickPublisher
	metrics *infra.Metrics
	log     *slog.Logger

	conn      *websocket.Conn
	mu        sync.RWMutex
	writeMu   sync.Mutex
	connected atomic.Bool
	cancel    context.CancelFunc
	wg        conc.WaitGroup
}

// NewWorker creates a feed worker publishing to pub.
func NewWorker(cfg Config, pub TickPublisher, metrics *infra.Metrics) *Worker {
	if cfg.Backoff.Min <= 0 {
		cfg.Backoff = infra.DefaultBackoff()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if metrics == nil {
		metrics = infra.GlobalMetrics
	}
	return &Worker{
		cfg:     cfg,
		pub:     pub,
		metrics: metrics,
		log:     slog.Default().With(slog.String("module", "feed"), slog.String("url", cfg.URL)),
	}
}

// Connect starts the connection loop. It returns at once.
func (w *Worker) Connect(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Go(func() { w.connectionLoop(ctx) })
	return nil
}

// Connected reports whether a subscription is live.
func (w *Worker) Connected() bool {
	return w.connected.Load()
}

func (w *Worker) connectionLoop(ctx context.Context) {
	retryCount := 0
	for {
		if ctx.Err() != nil {
			return
		}

		if err := w.connect(ctx); err != nil {
			retryCount++
			delay := w.cfg.Backoff.Next(retryCount)
			w.log.Warn("Feed connection failed", slog.Any("error", err), slog.Int("retry", retryCount), slog.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		retryCount = 0
		pingCtx, stopPing := context.WithCancel(ctx)
		var ping conc.WaitGroup
		ping.Go(func() { w.pingLoop(pingCtx) })
		w.readLoop(ctx)
		stopPing()
		ping.Wait()
	}
}

func (w *Worker) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, w.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()

	if err := w.subscribe(); err != nil {
		w.closeConnection()
		return err
	}

	w.connected.Store(true)
	w.metrics.IncrementConnections()
	w.log.Info("Feed connected", slog.Int("subs", len(w.cfg.Instruments)))
	return nil
}

func (w *Worker) subscribe() error {
	args := make([]subscribeArg, 0, len(w.cfg.Instruments))
	for _, ins := range w.cfg.Instruments {
		args = append(args, subscribeArg{Channel: "ticker", Instrument: ins})
	}
	b, err := json.Marshal(subscribeRequest{Op: "subscribe", Args: args})
	if err != nil {
		return err
	}
	return w.threadSafeWrite(websocket.TextMessage, b)
}

func (w *Worker) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.threadSafeWrite(websocket.TextMessage, []byte("ping")); err != nil {
				return
			}
		}
	}
}

func (w *Worker) threadSafeWrite(msgType int, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.conn == nil {
		return fmt.Errorf("no conn")
	}
	return w.conn.WriteMessage(msgType, data)
}

func (w *Worker) readLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			w.closeConnection()
			return
		}

		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()
		if conn == nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(w.cfg.ReadTimeout))

		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				w.log.Warn("Feed read failed", slog.Any("error", err))
			}
			w.closeConnection()
			return
		}
		if string(msg) == "pong" {
			continue
		}
		w.handleMessage(msg)
	}
}

func (w *Worker) handleMessage(msg []byte) {
	var m tickerMessage
	if json.Unmarshal(msg, &m) != nil || m.Type != "ticker" {
		return
	}

	tick := &domain.Tick{
		Instrument: m.Instrument,
		Price:      m.Price,
		Volume:     m.Volume,
		Bid:        m.Bid,
		Ask:        m.Ask,
		OpenInt:    m.OpenInterest,
		Exchange:   w.cfg.Exchange,
		Timestamp:  time.UnixMilli(m.Timestamp),
		Received:   time.Now(),
	}
	if err := tick.Validate(); err != nil {
		w.log.Debug("Tick dropped", slog.Any("error", err))
		return
	}
	if _, err := w.pub.PublishMarketData(tick); err != nil {
		w.metrics.RecordError()
		w.log.Warn("Tick not sequenced", slog.String("instrument", tick.Instrument), slog.Any("error", err))
	}
}

func (w *Worker) closeConnection() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		_ = w.conn.Close()
		w.conn = nil
	}
	if w.connected.Swap(false) {
		w.metrics.DecrementConnections()
	}
}

// Disconnect stops the loop and waits for it.
func (w *Worker) Disconnect() {
	if w.cancel != nil {
		w.cancel()
	}
	w.closeConnection()
	w.wg.Wait()
}
