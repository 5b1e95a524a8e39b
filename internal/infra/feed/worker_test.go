package feed

import (
	"context"
	"encoding/json"
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
	"trader_go/internal/infra"
)

type recordingPublisher struct {
	mu    sync.Mutex
	ticks []*domain.Tick
}

func (p *recordingPublisher) PublishMarketData(t *domain.Tick) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ticks = append(p.ticks, t)
	return uint64(len(p.ticks)), nil
}

func (p *recordingPublisher) Ticks() []*domain.Tick {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*domain.Tick(nil), p.ticks...)
}

// tickerServer sends two ticks per connection, one of them unpriceable, then
// hangs up.
type tickerServer struct {
	mu    sync.Mutex
	subs  []subscribeRequest
	conns int
}

func (s *tickerServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer c.Close()

	var sub subscribeRequest
	if err := c.ReadJSON(&sub); err != nil {
		return
	}
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.conns++
	n := s.conns
	s.mu.Unlock()

	for _, m := range []tickerMessage{
		{Type: "ticker", Instrument: "IF2406", Price: decimal.NewFromInt(4000 + int64(n)), Volume: 10, Timestamp: 1717400000000},
		{Type: "ticker", Instrument: "IF2406"},
		{Type: "status"},
	} {
		if err := c.WriteJSON(m); err != nil {
			return
		}
	}
	raw, _ := json.Marshal("not a frame")
	_ = c.WriteMessage(websocket.TextMessage, raw)

	if n == 1 {
		return
	}
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *tickerServer) Conns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

func TestWorker_PublishesAndReconnects(t *testing.T) {
	srv := &tickerServer{}
	hs := httptest.NewServer(srv)
	defer hs.Close()

	pub := &recordingPublisher{}
	metrics := &infra.Metrics{}
	w := NewWorker(Config{
		URL:         "ws" + strings.TrimPrefix(hs.URL, "http"),
		Instruments: []string{"IF2406", "IC2406"},
		Exchange:    "CFFEX",
		Backoff:     infra.Backoff{Min: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2},
	}, pub, metrics)
	require.NoError(t, w.Connect(context.Background()))

	require.Eventually(t, func() bool { return len(pub.Ticks()) == 2 }, 2*time.Second, time.Millisecond)
	require.Eventually(t, w.Connected, 2*time.Second, time.Millisecond)
	assert.Equal(t, 2, srv.Conns())

	ticks := pub.Ticks()
	assert.True(t, decimal.NewFromInt(4001).Equal(ticks[0].Price))
	assert.True(t, decimal.NewFromInt(4002).Equal(ticks[1].Price))
	assert.Equal(t, "CFFEX", ticks[0].Exchange)
	assert.Equal(t, int64(1717400000000), ticks[0].Timestamp.UnixMilli())

	srv.mu.Lock()
	sub := srv.subs[0]
	srv.mu.Unlock()
	assert.Equal(t, "subscribe", sub.Op)
	require.Len(t, sub.Args, 2)
	assert.Equal(t, subscribeArg{Channel: "ticker", Instrument: "IC2406"}, sub.Args[1])

	w.Disconnect()
	assert.False(t, w.Connected())
	assert.Zero(t, metrics.Snapshot().ActiveConnections)
}

func TestWorker_DisconnectWhileDialing(t *testing.T) {
	w := NewWorker(Config{
		URL:     "ws://127.0.0.1:1/ws",
		Backoff: infra.Backoff{Min: time.Millisecond, Max: 2 * time.Millisecond, Factor: 2},
	}, &recordingPublisher{}, &infra.Metrics{})
	require.NoError(t, w.Connect(context.Background()))
	time.Sleep(10 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		w.Disconnect()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Disconnect did not return")
	}
	assert.False(t, w.Connected())
}
