// Package publisher fans ledger notifications out to NATS JetStream.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/sourcegraph/conc"

	"trader_go/internal/domain"
	"trader_go/internal/infra"
	"trader_go/internal/ledger"
)

// SubjectPrefix roots every outbound subject:
// trader.events.{kind}.{account}
const SubjectPrefix = "trader.events"

// Event kinds.
const (
	KindOrder       = "order"
	KindTransaction = "transaction"
	KindSession     = "session"
)

// JetStream is the part of jetstream.JetStream the publisher uses.
type JetStream interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// StreamManager creates streams. jetstream.JetStream satisfies it.
type StreamManager interface {
	CreateOrUpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
}

// Envelope is the JSON body of every message.
type Envelope struct {
	Kind      string    `json:"kind"`
	AccountID string    `json:"account_id"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionState is the payload of session messages.
type SessionState struct {
	SessionID string    `json:"session_id"`
	Prior     string    `json:"prior"`
	Current   string    `json:"current"`
	Ready     bool      `json:"ready"`
	At        time.Time `json:"at"`
}

// Publisher implements ledger.Notifier. Notifications are buffered and
// published from one goroutine; a full buffer drops them.
type Publisher struct {
	js      JetStream
	inbox   chan Envelope
	timeout time.Duration
	metrics *infra.Metrics
	log     *slog.Logger

	published atomic.Uint64
	dropped   atomic.Uint64

	cancel context.CancelFunc
	wg     conc.WaitGroup
}

var _ ledger.Notifier = (*Publisher)(nil)

// New creates a publisher with room for buffer pending notifications.
func New(js JetStream, buffer int, metrics *infra.Metrics) *Publisher {
	if buffer <= 0 {
		buffer = 1024
	}
	if metrics == nil {
		metrics = infra.GlobalMetrics
	}
	return &Publisher{
		js:      js,
		inbox:   make(chan Envelope, buffer),
		timeout: 5 * time.Second,
		metrics: metrics,
		log:     slog.Default().With(slog.String("module", "publisher")),
	}
}

// Connect dials NATS and opens a JetStream context.
func Connect(cfg infra.NATSConfig) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("trader"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, nil, domain.NewNetworkError("nats connect", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}

// EnsureStream creates the outbound stream covering SubjectPrefix.
func EnsureStream(ctx context.Context, js StreamManager, name string) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{SubjectPrefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	slog.Info("Ensured outbound stream", slog.String("stream", name))
	return nil
}

// Subject is the subject of a notification of kind for account.
func Subject(kind, accountID string) string {
	return SubjectPrefix + "." + kind + "." + accountID
}

// Start launches the publish loop. Stop, or cancelling ctx, ends it.
func (p *Publisher) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Go(func() { p.run(ctx) })
}

// Stop ends the loop once the buffer is published, waiting at most until ctx
// is done.
func (p *Publisher) Stop(ctx context.Context) {
	if p.cancel != nil {
		p.cancel()
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.log.Warn("Publisher stop timed out", slog.Int("pending", len(p.inbox)))
	}
}

func (p *Publisher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case env := <-p.inbox:
					p.handle(env)
				default:
					return
				}
			}
		case env := <-p.inbox:
			p.handle(env)
		}
	}
}

func (p *Publisher) handle(env Envelope) {
	if err := p.publish(env); err != nil {
		p.metrics.RecordError()
		p.log.Warn("Outbound publish failed", slog.String("kind", env.Kind), slog.String("account", env.AccountID), slog.Any("error", err))
		return
	}
	p.published.Add(1)
}

// publish is not tied to the loop's context so a stop does not cut the
// message in flight.
func (p *Publisher) publish(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	_, err = p.js.Publish(ctx, Subject(env.Kind, env.AccountID), data)
	return err
}

func (p *Publisher) enqueue(env Envelope) {
	select {
	case p.inbox <- env:
	default:
		p.dropped.Add(1)
		p.log.Warn("Outbound buffer full, notification dropped", slog.String("kind", env.Kind))
	}
}

// Published is the number of messages JetStream acknowledged.
func (p *Publisher) Published() uint64 { return p.published.Load() }

// Dropped is the number of notifications lost to a full buffer.
func (p *Publisher) Dropped() uint64 { return p.dropped.Load() }

func (p *Publisher) OrderChanged(o domain.Order) {
	p.enqueue(Envelope{Kind: KindOrder, AccountID: o.AccountID, Payload: o, Timestamp: o.UpdatedAt})
}

func (p *Publisher) TransactionBooked(t domain.Transaction) {
	p.enqueue(Envelope{Kind: KindTransaction, AccountID: t.AccountID, Payload: t, Timestamp: t.Timestamp})
}

func (p *Publisher) SessionStateChanged(c ledger.SessionChange) {
	p.enqueue(Envelope{
		Kind:      KindSession,
		AccountID: c.AccountID,
		Payload: SessionState{
			SessionID: c.SessionID,
			Prior:     c.Prior.String(),
			Current:   c.Current.String(),
			Ready:     c.Ready,
			At:        c.At,
		},
		Timestamp: c.At,
	})
}
