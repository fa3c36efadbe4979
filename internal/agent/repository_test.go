package agent

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agents.db")
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	repo, err := NewRepository(db)
	require.NoError(t, err)
	return repo
}

func TestCreateAndGetAgent(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	acct := int64(1)
	alloc := 500.0

	a := &Agent{
		UserID:        9,
		Name:          "grid-btc",
		Mode:          ModeLive,
		AccountID:     &acct,
		AllocationUSD: &alloc,
	}
	require.NoError(t, repo.Create(ctx, a))
	require.NotZero(t, a.ID)

	got, err := repo.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "grid-btc", got.Name)
	assert.Equal(t, StatusDraft, got.Status)
	require.NotNil(t, got.AllocationUSD)
	assert.Equal(t, 500.0, *got.AllocationUSD)
}

func TestCreateRejectsInvalidAllocation(t *testing.T) {
	repo := newTestRepository(t)
	alloc := 500.0
	pct := 10.0

	err := repo.Create(context.Background(), &Agent{
		Name:          "bad",
		Mode:          ModeMock,
		AllocationUSD: &alloc,
		AllocationPct: &pct,
	})
	assert.ErrorContains(t, err, "mutually exclusive")
}

func TestCreateLiveRequiresAccount(t *testing.T) {
	repo := newTestRepository(t)
	err := repo.Create(context.Background(), &Agent{Name: "x", Mode: ModeLive})
	assert.ErrorContains(t, err, "requires an exchange account")
}

func TestStatusTransitions(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	a := &Agent{Name: "t", Mode: ModeMock, MockBalance: 1000}
	require.NoError(t, repo.Create(ctx, a))

	require.NoError(t, repo.UpdateStatus(ctx, a.ID, StatusActive))
	require.NoError(t, repo.UpdateStatus(ctx, a.ID, StatusPaused))
	require.NoError(t, repo.UpdateStatus(ctx, a.ID, StatusActive))
	require.NoError(t, repo.UpdateStatus(ctx, a.ID, StatusStopped))

	// Stopped is terminal.
	err := repo.UpdateStatus(ctx, a.ID, StatusActive)
	assert.ErrorIs(t, err, ErrIllegalTransition)

	// Same-status update is a no-op, not an error.
	require.NoError(t, repo.UpdateStatus(ctx, a.ID, StatusStopped))
}

func TestUpdateStatusUnknownAgent(t *testing.T) {
	repo := newTestRepository(t)
	err := repo.UpdateStatus(context.Background(), 404, StatusActive)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordTradeAccumulatesCounters(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	a := &Agent{Name: "t", Mode: ModeMock, MockBalance: 1000}
	require.NoError(t, repo.Create(ctx, a))

	require.NoError(t, repo.RecordTrade(ctx, a.ID, 120, true))
	require.NoError(t, repo.RecordTrade(ctx, a.ID, -50, false))

	got, err := repo.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.InDelta(t, 70, got.TotalPnL, 1e-9)
	assert.Equal(t, 2, got.TradeCount)
	assert.Equal(t, 1, got.WinCount)
}

type fixedCounter struct{ n int64 }

func (f fixedCounter) CountActiveByAgent(context.Context, int64) (int64, error) {
	return f.n, nil
}

func TestDeleteGuards(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	a := &Agent{Name: "t", Mode: ModeMock, MockBalance: 1000}
	require.NoError(t, repo.Create(ctx, a))
	require.NoError(t, repo.UpdateStatus(ctx, a.ID, StatusActive))

	// Active agents cannot be deleted.
	assert.ErrorIs(t, repo.Delete(ctx, a.ID, fixedCounter{0}), ErrNotDeletable)

	require.NoError(t, repo.UpdateStatus(ctx, a.ID, StatusStopped))
	// Stopped but still holding positions: also blocked.
	assert.ErrorIs(t, repo.Delete(ctx, a.ID, fixedCounter{2}), ErrNotDeletable)

	require.NoError(t, repo.Delete(ctx, a.ID, fixedCounter{0}))
	_, err := repo.Get(ctx, a.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExchangeAccountRoundTrip(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	acct := &ExchangeAccount{UserID: 9, Exchange: " Binance ", APIKey: "k", APISecret: "s"}
	require.NoError(t, repo.CreateAccount(ctx, acct))
	require.NotZero(t, acct.ID)

	got, err := repo.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, "binance", got.Exchange)
	assert.Equal(t, "mainnet", got.Network)
	assert.Equal(t, "k", got.APIKey)
}

func TestCanTransitionTable(t *testing.T) {
	assert.True(t, CanTransition(StatusDraft, StatusActive))
	assert.True(t, CanTransition(StatusActive, StatusError))
	assert.True(t, CanTransition(StatusError, StatusActive))
	assert.False(t, CanTransition(StatusDraft, StatusPaused))
	assert.False(t, CanTransition(StatusStopped, StatusActive))
	assert.False(t, CanTransition(StatusPaused, StatusError))
}
