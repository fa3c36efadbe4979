package pnl

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"agentledger/internal/ledger"
)

type countingAgents struct {
	calls int
	pnl   float64
	wins  int
}

func (c *countingAgents) RecordTrade(_ context.Context, _ int64, realizedPnL float64, win bool) error {
	c.calls++
	c.pnl += realizedPnL
	if win {
		c.wins++
	}
	return nil
}

func newTestRecorder(t *testing.T, agents AgentCounter) *Recorder {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pnl.db")
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	rec, err := NewRecorder(db, agents)
	require.NoError(t, err)
	return rec
}

func trade(agentID int64, sym string, pnl float64) ledger.ClosedTrade {
	return ledger.ClosedTrade{
		PositionID:  agentID*100 + int64(pnl),
		AgentID:     agentID,
		Symbol:      sym,
		Side:        ledger.SideLong,
		Size:        0.1,
		SizeUSD:     5000,
		Leverage:    10,
		EntryPrice:  50000,
		ClosePrice:  50000 + pnl*10,
		RealizedPnL: pnl,
		ExitReason:  "signal",
		OpenedAt:    time.Now().Add(-time.Hour),
		ClosedAt:    time.Now(),
	}
}

func TestRecordClosedTradeUpdatesCounters(t *testing.T) {
	agents := &countingAgents{}
	rec := newTestRecorder(t, agents)
	ctx := context.Background()

	require.NoError(t, rec.RecordClosedTrade(ctx, trade(1, "BTCUSDT", 200)))
	require.NoError(t, rec.RecordClosedTrade(ctx, trade(1, "ETHUSDT", -80)))

	assert.Equal(t, 2, agents.calls)
	assert.InDelta(t, 120, agents.pnl, 1e-9)
	assert.Equal(t, 1, agents.wins)
}

func TestStatsAggregatesWithDecimal(t *testing.T) {
	rec := newTestRecorder(t, nil)
	ctx := context.Background()

	require.NoError(t, rec.RecordClosedTrade(ctx, trade(1, "BTCUSDT", 100)))
	require.NoError(t, rec.RecordClosedTrade(ctx, trade(1, "BTCUSDT", -40)))
	require.NoError(t, rec.RecordClosedTrade(ctx, trade(1, "BTCUSDT", 10)))
	// Another agent's trades stay out of the aggregate.
	require.NoError(t, rec.RecordClosedTrade(ctx, trade(2, "BTCUSDT", 999)))

	stats, err := rec.Stats(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TradeCount)
	assert.Equal(t, int64(2), stats.WinCount)
	assert.Equal(t, "70", stats.TotalPnL.String())
	assert.InDelta(t, 2.0/3.0, stats.WinRate, 1e-9)
}

func TestRecentOrdersNewestFirst(t *testing.T) {
	rec := newTestRecorder(t, nil)
	ctx := context.Background()

	older := trade(1, "BTCUSDT", 10)
	older.ClosedAt = time.Now().Add(-2 * time.Hour)
	newer := trade(1, "ETHUSDT", 20)
	require.NoError(t, rec.RecordClosedTrade(ctx, older))
	require.NoError(t, rec.RecordClosedTrade(ctx, newer))

	got, err := rec.Recent(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "ETHUSDT", got[0].Symbol)
	assert.Equal(t, "BTCUSDT", got[1].Symbol)
}
