package executor

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"agentledger/internal/exchange"
	"agentledger/internal/ledger"
)

type MockAdapter struct {
	mock.Mock
}

func (m *MockAdapter) Name() string                         { return "mock" }
func (m *MockAdapter) Initialize(ctx context.Context) error { return nil }
func (m *MockAdapter) Close() error                         { return nil }

func (m *MockAdapter) AccountState(ctx context.Context) (exchange.AccountState, error) {
	args := m.Called(ctx)
	return args.Get(0).(exchange.AccountState), args.Error(1)
}

func (m *MockAdapter) Position(ctx context.Context, symbol string) (*exchange.Position, error) {
	args := m.Called(ctx, symbol)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*exchange.Position), args.Error(1)
}

func (m *MockAdapter) OpenLong(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(exchange.OrderResult), args.Error(1)
}

func (m *MockAdapter) OpenShort(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(exchange.OrderResult), args.Error(1)
}

func (m *MockAdapter) ClosePosition(ctx context.Context, symbol string) (exchange.OrderResult, error) {
	args := m.Called(ctx, symbol)
	return args.Get(0).(exchange.OrderResult), args.Error(1)
}

func (m *MockAdapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return nil
}

func (m *MockAdapter) Klines(ctx context.Context, symbol, interval string, limit int) ([]exchange.Kline, error) {
	return nil, nil
}

func (m *MockAdapter) Ticker(ctx context.Context, symbol string) (exchange.Ticker, error) {
	return exchange.Ticker{}, nil
}

type stubAgents struct {
	agents map[int64]ledger.AgentSnapshot
}

func (s *stubAgents) GetAgent(_ context.Context, id int64) (ledger.AgentSnapshot, error) {
	ag, ok := s.agents[id]
	if !ok {
		return ledger.AgentSnapshot{}, fmt.Errorf("agent %d not found", id)
	}
	return ag, nil
}

func newTestExecutor(t *testing.T, agents ledger.AgentProvider, opts ...Option) (*Service, *ledger.Service) {
	t.Helper()
	store, err := ledger.NewStore(filepath.Join(t.TempDir(), "exec.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	led, err := ledger.NewService(store, nil)
	require.NoError(t, err)
	svc, err := NewService(led, agents, nil, nil, nil, opts...)
	require.NoError(t, err)
	return svc, led
}

func TestOpenPositionHappyPath(t *testing.T) {
	svc, led := newTestExecutor(t, nil)
	adapter := &MockAdapter{}
	adapter.On("OpenLong", mock.Anything, mock.Anything).Return(exchange.OrderResult{
		Success:     true,
		OrderID:     "42",
		FilledSize:  0.1,
		FilledPrice: 50000,
	}, nil)

	out, err := svc.OpenPosition(context.Background(), adapter, OpenParams{
		AgentID: 1, Symbol: "BTCUSDT", Side: "long", SizeUSD: 5000, Leverage: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, "42", out.OrderID)
	assert.False(t, out.Accumulated)

	rec, ok, err := led.ActivePosition(context.Background(), 1, "BTCUSDT")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ledger.PositionStatusOpen, rec.Status)
	assert.InDelta(t, 0.1, rec.Size, 1e-9)
	assert.InDelta(t, 50000, rec.EntryPrice, 1e-6)
	adapter.AssertExpectations(t)
}

func TestOpenPositionAppliesDefaultLeverage(t *testing.T) {
	svc, led := newTestExecutor(t, nil, WithDefaultLeverage(10))
	adapter := &MockAdapter{}
	adapter.On("OpenLong", mock.Anything, mock.MatchedBy(func(req exchange.OrderRequest) bool {
		return req.Leverage == 10
	})).Return(exchange.OrderResult{
		Success: true, OrderID: "1", FilledSize: 0.1, FilledPrice: 50000,
	}, nil)

	// Leverage left unset by the caller.
	_, err := svc.OpenPosition(context.Background(), adapter, OpenParams{
		AgentID: 1, Symbol: "BTCUSDT", Side: "long", SizeUSD: 5000,
	})
	require.NoError(t, err)

	rec, ok, err := led.ActivePosition(context.Background(), 1, "BTCUSDT")
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 10, rec.Leverage, 1e-9)
	adapter.AssertExpectations(t)
}

func TestOpenPositionEnforcesNotionalCap(t *testing.T) {
	svc, led := newTestExecutor(t, nil, WithMaxPositionUSD(10000))
	adapter := &MockAdapter{}

	_, err := svc.OpenPosition(context.Background(), adapter, OpenParams{
		AgentID: 1, Symbol: "BTCUSDT", Side: "long", SizeUSD: 10001, Leverage: 10,
	})
	assert.ErrorIs(t, err, ErrOrderTooLarge)
	adapter.AssertNotCalled(t, "OpenLong", mock.Anything, mock.Anything)

	// No claim must be left behind by a capped request.
	_, ok, err := led.ActivePosition(context.Background(), 1, "BTCUSDT")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOpenPositionRejectionReleasesClaim(t *testing.T) {
	svc, led := newTestExecutor(t, nil)
	adapter := &MockAdapter{}
	adapter.On("OpenShort", mock.Anything, mock.Anything).Return(exchange.OrderResult{
		Success: false,
		Error:   "insufficient margin",
	}, nil)

	_, err := svc.OpenPosition(context.Background(), adapter, OpenParams{
		AgentID: 1, Symbol: "BTCUSDT", Side: "short", SizeUSD: 5000,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient margin")

	// Claim is gone, slot reusable.
	_, ok, err := led.ActivePosition(context.Background(), 1, "BTCUSDT")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOrderErrorWithFillConfirmsFromVenue(t *testing.T) {
	svc, led := newTestExecutor(t, nil)
	adapter := &MockAdapter{}
	adapter.On("OpenLong", mock.Anything, mock.Anything).
		Return(exchange.OrderResult{}, fmt.Errorf("timeout awaiting response"))
	// The fill check finds the position: the order actually executed.
	adapter.On("Position", mock.Anything, "BTCUSDT").Return(&exchange.Position{
		Symbol:     "BTCUSDT",
		Side:       exchange.SideLong,
		Size:       0.1,
		EntryPrice: 50000,
	}, nil)

	_, err := svc.OpenPosition(context.Background(), adapter, OpenParams{
		AgentID: 1, Symbol: "BTCUSDT", Side: "long", SizeUSD: 5000,
	})
	require.Error(t, err)

	// The claim was confirmed, not released: the venue holds the position.
	rec, ok, lerr := led.ActivePosition(context.Background(), 1, "BTCUSDT")
	require.NoError(t, lerr)
	require.True(t, ok)
	assert.Equal(t, ledger.PositionStatusOpen, rec.Status)
	assert.InDelta(t, 0.1, rec.Size, 1e-9)
}

func TestOrderErrorWithoutFillReleasesClaim(t *testing.T) {
	svc, led := newTestExecutor(t, nil)
	adapter := &MockAdapter{}
	adapter.On("OpenLong", mock.Anything, mock.Anything).
		Return(exchange.OrderResult{}, fmt.Errorf("connection refused"))
	adapter.On("Position", mock.Anything, "BTCUSDT").Return(nil, nil)

	_, err := svc.OpenPosition(context.Background(), adapter, OpenParams{
		AgentID: 1, Symbol: "BTCUSDT", Side: "long", SizeUSD: 5000,
	})
	require.Error(t, err)

	_, ok, lerr := led.ActivePosition(context.Background(), 1, "BTCUSDT")
	require.NoError(t, lerr)
	assert.False(t, ok)
}

func TestOrderErrorFillCheckFailureKeepsClaim(t *testing.T) {
	svc, led := newTestExecutor(t, nil)
	adapter := &MockAdapter{}
	adapter.On("OpenLong", mock.Anything, mock.Anything).
		Return(exchange.OrderResult{}, fmt.Errorf("timeout"))
	adapter.On("Position", mock.Anything, "BTCUSDT").
		Return(nil, fmt.Errorf("still unreachable"))

	_, err := svc.OpenPosition(context.Background(), adapter, OpenParams{
		AgentID: 1, Symbol: "BTCUSDT", Side: "long", SizeUSD: 5000,
	})
	require.Error(t, err)

	// Cannot prove the order didn't fill, so the claim stays for stale
	// cleanup and reconciliation to judge.
	rec, ok, lerr := led.ActivePosition(context.Background(), 1, "BTCUSDT")
	require.NoError(t, lerr)
	require.True(t, ok)
	assert.Equal(t, ledger.PositionStatusPending, rec.Status)
}

func TestCapitalExceededNeverReachesExchange(t *testing.T) {
	alloc := 100.0
	agents := &stubAgents{agents: map[int64]ledger.AgentSnapshot{
		1: {ID: 1, Mode: "live", AccountID: ptr(int64(7)), AllocationUSD: &alloc},
	}}
	svc, _ := newTestExecutor(t, agents)
	adapter := &MockAdapter{}
	// No expectations: any adapter call fails the test.

	_, err := svc.OpenPosition(context.Background(), adapter, OpenParams{
		AgentID: 1, Symbol: "BTCUSDT", Side: "long", SizeUSD: 5000, Leverage: 10,
	})
	assert.ErrorIs(t, err, ledger.ErrCapitalExceeded)
	adapter.AssertNotCalled(t, "OpenLong", mock.Anything, mock.Anything)
}

func TestOpenSameSideAccumulates(t *testing.T) {
	svc, led := newTestExecutor(t, nil)
	adapter := &MockAdapter{}
	adapter.On("OpenLong", mock.Anything, mock.Anything).Return(exchange.OrderResult{
		Success: true, OrderID: "1", FilledSize: 1.0, FilledPrice: 50000,
	}, nil).Once()
	adapter.On("OpenLong", mock.Anything, mock.Anything).Return(exchange.OrderResult{
		Success: true, OrderID: "2", FilledSize: 1.0, FilledPrice: 60000,
	}, nil).Once()

	_, err := svc.OpenPosition(context.Background(), adapter, OpenParams{
		AgentID: 1, Symbol: "BTCUSDT", Side: "long", SizeUSD: 50000, Leverage: 10,
	})
	require.NoError(t, err)
	out, err := svc.OpenPosition(context.Background(), adapter, OpenParams{
		AgentID: 1, Symbol: "BTCUSDT", Side: "long", SizeUSD: 60000, Leverage: 10,
	})
	require.NoError(t, err)
	assert.True(t, out.Accumulated)
	assert.InDelta(t, 2.0, out.Position.Size, 1e-9)
	assert.InDelta(t, 55000, out.Position.EntryPrice, 1e-6)

	rec, _, err := led.ActivePosition(context.Background(), 1, "BTCUSDT")
	require.NoError(t, err)
	assert.InDelta(t, 55000, rec.EntryPrice, 1e-6)
}

func TestOpenOppositeSideConflicts(t *testing.T) {
	svc, _ := newTestExecutor(t, nil)
	adapter := &MockAdapter{}
	adapter.On("OpenLong", mock.Anything, mock.Anything).Return(exchange.OrderResult{
		Success: true, OrderID: "1", FilledSize: 1.0, FilledPrice: 50000,
	}, nil).Once()

	_, err := svc.OpenPosition(context.Background(), adapter, OpenParams{
		AgentID: 1, Symbol: "BTCUSDT", Side: "long", SizeUSD: 50000,
	})
	require.NoError(t, err)

	_, err = svc.OpenPosition(context.Background(), adapter, OpenParams{
		AgentID: 1, Symbol: "BTCUSDT", Side: "short", SizeUSD: 50000,
	})
	assert.ErrorIs(t, err, ledger.ErrPositionConflict)
	adapter.AssertNotCalled(t, "OpenShort", mock.Anything, mock.Anything)
}

func TestClosePositionRealizesPnL(t *testing.T) {
	svc, led := newTestExecutor(t, nil)
	adapter := &MockAdapter{}
	adapter.On("OpenShort", mock.Anything, mock.Anything).Return(exchange.OrderResult{
		Success: true, OrderID: "1", FilledSize: 2.0, FilledPrice: 3000,
	}, nil)
	adapter.On("ClosePosition", mock.Anything, "ETHUSDT").Return(exchange.OrderResult{
		Success: true, OrderID: "2", FilledSize: 2.0, FilledPrice: 2800,
	}, nil)

	_, err := svc.OpenPosition(context.Background(), adapter, OpenParams{
		AgentID: 1, Symbol: "ETHUSDT", Side: "short", SizeUSD: 6000,
	})
	require.NoError(t, err)

	out, err := svc.ClosePosition(context.Background(), adapter, 1, "ETHUSDT", "signal")
	require.NoError(t, err)
	// Short from 3000 to 2800: (3000-2800)*2 = 400.
	assert.InDelta(t, 400, out.RealizedPnL, 1e-6)
	assert.Equal(t, ledger.PositionStatusClosed, out.Position.Status)

	_, ok, err := led.ActivePosition(context.Background(), 1, "ETHUSDT")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClosePendingReleasesWithoutTrading(t *testing.T) {
	svc, led := newTestExecutor(t, nil)
	adapter := &MockAdapter{}

	rec, err := led.Claim(context.Background(), ledger.ClaimRequest{
		AgentID: 1, Symbol: "BTCUSDT", Side: "long",
	})
	require.NoError(t, err)

	out, err := svc.ClosePosition(context.Background(), adapter, 1, "BTCUSDT", "abort")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, out.Position.ID)
	adapter.AssertNotCalled(t, "ClosePosition", mock.Anything, mock.Anything)

	_, ok, err := led.ActivePosition(context.Background(), 1, "BTCUSDT")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCloseUnknownSymbolFails(t *testing.T) {
	svc, _ := newTestExecutor(t, nil)
	adapter := &MockAdapter{}

	_, err := svc.ClosePosition(context.Background(), adapter, 1, "BTCUSDT", "signal")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func ptr[T any](v T) *T { return &v }
