package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trader_go/internal/domain"
	"trader_go/internal/engine"
)

const testConfig = `
app:
  name: trader-test
engine:
  ring_size: 256
  lanes: 2
  shutdown_timeout_ms: 2000
accounts:
  - id: acct-1
    initial_balance: "1000000"
sessions:
  - id: paper-1
    account_id: acct-1
    provider: paper
    instruments: [IF2406]
    props:
      fill_mode: immediate
      margin_ratio: "0.1"
    reconnect:
      connect_timeout_ms: 1000
      sync_timeout_ms: 1000
storage:
  driver: sqlite
  dsn: %q
strategy:
  name: sma_cross
  account_id: acct-1
  props:
    instrument: IF2406
    short: "2"
    long: "3"
logging:
  level: warn
  dir: %q
`

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := fmt.Sprintf(testConfig, filepath.Join(dir, "trader.db"), filepath.Join(dir, "logs"))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func shutdownNow(t *testing.T, b *Bootstrap) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Shutdown(ctx))
}

func TestBootstrap_StrategyTradesThroughPaperSession(t *testing.T) {
	path := writeConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewBootstrap(path)
	require.NoError(t, b.Initialize(ctx))
	require.Len(t, b.Sessions, 1)
	require.NoError(t, b.Start(ctx))

	require.Eventually(t, func() bool { ok, _ := b.Health.Check(); return ok }, 3*time.Second, 5*time.Millisecond)

	// Flat then a jump: the short average crosses above the long one.
	for _, p := range []int64{100, 100, 100, 200} {
		_, err := b.Sequencer.PublishMarketData(&domain.Tick{Instrument: "IF2406", Price: decimal.NewFromInt(p)})
		require.NoError(t, err)
	}

	acct, ok := b.Ledger.Account("acct-1")
	require.True(t, ok)
	require.Eventually(t, func() bool {
		pos, ok := acct.Position("IF2406")
		return ok && pos.Long.Volume == 1
	}, 3*time.Second, 5*time.Millisecond)

	last, ok := b.Market.LastPrice("IF2406")
	require.True(t, ok)
	assert.True(t, decimal.NewFromInt(200).Equal(last))
	require.NoError(t, acct.VerifyInvariants())

	shutdownNow(t, b)

	// A second process picks the account up from storage.
	again := NewBootstrap(path)
	require.NoError(t, again.Initialize(context.Background()))
	defer shutdownNow(t, again)

	restored, ok := again.Ledger.Account("acct-1")
	require.True(t, ok)
	pos, ok := restored.Position("IF2406")
	require.True(t, ok)
	assert.Equal(t, int64(1), pos.Long.Volume)
	assert.True(t, decimal.NewFromInt(200).Equal(pos.Long.AvgPrice))
}

// TestBootstrap_SequencerStopsOnlyAtShutdown: cancelling the context Start
// ran under leaves the sequencer accepting events until Shutdown drains it.
func TestBootstrap_SequencerStopsOnlyAtShutdown(t *testing.T) {
	path := writeConfig(t)
	ctx, cancel := context.WithCancel(context.Background())

	b := NewBootstrap(path)
	require.NoError(t, b.Initialize(ctx))
	require.NoError(t, b.Start(ctx))
	cancel()

	stopped := func() bool {
		select {
		case <-b.Sequencer.Done():
			return true
		default:
			return false
		}
	}
	assert.Never(t, stopped, 100*time.Millisecond, 5*time.Millisecond)
	_, err := b.Sequencer.PublishMarketData(&domain.Tick{Instrument: "IF2406", Price: decimal.NewFromInt(100)})
	require.NoError(t, err)

	shutdownNow(t, b)
	assert.True(t, stopped())
	_, err = b.Sequencer.PublishMarketData(&domain.Tick{Instrument: "IF2406", Price: decimal.NewFromInt(100)})
	assert.ErrorIs(t, err, engine.ErrSequencerStopped)
}

func TestBootstrap_MissingConfig(t *testing.T) {
	b := NewBootstrap(filepath.Join(t.TempDir(), "absent.yaml"))
	err := b.Initialize(context.Background())
	assert.ErrorIs(t, err, domain.ErrConfigNotFound)

	// Nothing was built, so there is nothing to stop.
	assert.NoError(t, b.Shutdown(context.Background()))
}
