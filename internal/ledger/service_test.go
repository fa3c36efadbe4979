package ledger

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentledger/internal/lock"
)

func newTestService(t *testing.T, opts ...ServiceOption) (*Service, *Store) {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	svc, err := NewService(store, nil, opts...)
	require.NoError(t, err)
	return svc, store
}

type stubAgents struct {
	agents map[int64]AgentSnapshot
}

func (s *stubAgents) GetAgent(_ context.Context, id int64) (AgentSnapshot, error) {
	ag, ok := s.agents[id]
	if !ok {
		return AgentSnapshot{}, fmt.Errorf("agent %d not found", id)
	}
	return ag, nil
}

type stubEquity struct {
	equity map[int64]float64
}

func (s *stubEquity) AccountEquity(_ context.Context, accountID int64) (float64, error) {
	return s.equity[accountID], nil
}

func TestClaimCreatesPending(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	rec, err := svc.Claim(ctx, ClaimRequest{AgentID: 1, Symbol: "btcusdt", Side: "long", SizeUSD: 1000, Leverage: 10})
	require.NoError(t, err)
	assert.Equal(t, PositionStatusPending, rec.Status)
	assert.Equal(t, "BTCUSDT", rec.Symbol)
	assert.Equal(t, SideLong, rec.Side)
	// The requested notional is reserved on the claim until the fill
	// settles it.
	assert.InDelta(t, 1000, rec.SizeUSD, 1e-9)
	assert.Zero(t, rec.Size)
}

type recordingLock struct {
	lock.NopLock
	keys    []string
	lastTTL time.Duration
}

func (r *recordingLock) Lock(_ context.Context, key string, ttl time.Duration) error {
	r.keys = append(r.keys, key)
	r.lastTTL = ttl
	return nil
}

func TestClaimUsesConfiguredLockTTL(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	locks := &recordingLock{}
	svc, err := NewService(store, locks, WithLockTTL(42*time.Second))
	require.NoError(t, err)

	_, err = svc.Claim(context.Background(), ClaimRequest{AgentID: 1, Symbol: "BTCUSDT", Side: "long"})
	require.NoError(t, err)
	require.NotEmpty(t, locks.keys)
	assert.Equal(t, "ledger:pos:1:BTCUSDT", locks.keys[0])
	assert.Equal(t, 42*time.Second, locks.lastTTL)
}

func TestClaimIsIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	req := ClaimRequest{AgentID: 1, Symbol: "BTCUSDT", Side: "long"}

	first, err := svc.Claim(ctx, req)
	require.NoError(t, err)
	second, err := svc.Claim(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestClaimReturnsOpenRecord(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	rec, err := svc.Claim(ctx, ClaimRequest{AgentID: 1, Symbol: "ETHUSDT", Side: "short"})
	require.NoError(t, err)
	require.NoError(t, svc.Confirm(ctx, rec.ID, 2, 6000, 3000))

	again, err := svc.Claim(ctx, ClaimRequest{AgentID: 1, Symbol: "ETHUSDT", Side: "short"})
	require.NoError(t, err)
	assert.Equal(t, rec.ID, again.ID)
	assert.Equal(t, PositionStatusOpen, again.Status)
}

func TestAgentsIsolatedPerSymbol(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	acct := int64(7)

	// Two agents on the same account take opposite sides of one symbol.
	long, err := svc.Claim(ctx, ClaimRequest{AgentID: 1, AccountID: &acct, Symbol: "BTCUSDT", Side: "long"})
	require.NoError(t, err)
	short, err := svc.Claim(ctx, ClaimRequest{AgentID: 2, AccountID: &acct, Symbol: "BTCUSDT", Side: "short"})
	require.NoError(t, err)
	assert.NotEqual(t, long.ID, short.ID)

	require.NoError(t, svc.Confirm(ctx, long.ID, 1.0, 50000, 50000))
	require.NoError(t, svc.Confirm(ctx, short.ID, 0.4, 20000, 50000))

	nets, err := svc.NetPositions(ctx, acct)
	require.NoError(t, err)
	require.Contains(t, nets, "BTCUSDT")
	net := nets["BTCUSDT"]
	assert.InDelta(t, 0.6, net.NetSize, 1e-9)
	assert.Len(t, net.Records, 2)
}

func TestConfirmAndReleaseAreIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	rec, err := svc.Claim(ctx, ClaimRequest{AgentID: 1, Symbol: "BTCUSDT", Side: "long"})
	require.NoError(t, err)

	require.NoError(t, svc.Confirm(ctx, rec.ID, 1, 50000, 50000))
	// Second confirm is a no-op, not an error.
	require.NoError(t, svc.Confirm(ctx, rec.ID, 99, 1, 1))
	got, err := svc.Store().Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(1), got.Size)

	// Releasing a confirmed record is a no-op too.
	require.NoError(t, svc.Release(ctx, rec.ID))
	got, err = svc.Store().Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, PositionStatusOpen, got.Status)
}

func TestReleaseDropsPending(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	rec, err := svc.Claim(ctx, ClaimRequest{AgentID: 1, Symbol: "BTCUSDT", Side: "long"})
	require.NoError(t, err)
	require.NoError(t, svc.Release(ctx, rec.ID))

	_, ok, err := svc.ActivePosition(ctx, 1, "BTCUSDT")
	require.NoError(t, err)
	assert.False(t, ok)

	// The slot is free again.
	_, err = svc.Claim(ctx, ClaimRequest{AgentID: 1, Symbol: "BTCUSDT", Side: "short"})
	require.NoError(t, err)
}

func TestAccumulateWeightedEntry(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	rec, err := svc.Claim(ctx, ClaimRequest{AgentID: 1, Symbol: "BTCUSDT", Side: "long"})
	require.NoError(t, err)
	require.NoError(t, svc.Confirm(ctx, rec.ID, 1.0, 50000, 50000))

	updated, err := svc.Accumulate(ctx, rec.ID, 1.0, 60000, 60000)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, updated.Size, 1e-9)
	assert.InDelta(t, 55000, updated.EntryPrice, 1e-6)
	assert.InDelta(t, 110000, updated.SizeUSD, 1e-6)
}

func TestAccumulateDegenerateFillPrice(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	rec, err := svc.Claim(ctx, ClaimRequest{AgentID: 1, Symbol: "BTCUSDT", Side: "long"})
	require.NoError(t, err)
	require.NoError(t, svc.Confirm(ctx, rec.ID, 1.0, 50000, 50000))

	// Zero fill price cannot feed the weighted average; entry becomes the
	// fill price rather than dividing garbage.
	updated, err := svc.Accumulate(ctx, rec.ID, 1.0, 0, 0)
	require.NoError(t, err)
	assert.Zero(t, updated.EntryPrice)
	assert.InDelta(t, 2.0, updated.Size, 1e-9)
}

func TestAccumulateRequiresOpen(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	rec, err := svc.Claim(ctx, ClaimRequest{AgentID: 1, Symbol: "BTCUSDT", Side: "long"})
	require.NoError(t, err)

	_, err = svc.Accumulate(ctx, rec.ID, 1, 50000, 50000)
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestCloseComputesAndFreesSlot(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	rec, err := svc.Claim(ctx, ClaimRequest{AgentID: 1, Symbol: "BTCUSDT", Side: "long"})
	require.NoError(t, err)
	require.NoError(t, svc.Confirm(ctx, rec.ID, 1.0, 50000, 50000))

	closed, err := svc.Close(ctx, rec.ID, 55000, 5000, "take_profit")
	require.NoError(t, err)
	assert.Equal(t, PositionStatusClosed, closed.Status)
	assert.Equal(t, float64(5000), closed.RealizedPnL)
	require.NotNil(t, closed.ClosedAt)

	// Slot is free for a fresh claim.
	fresh, err := svc.Claim(ctx, ClaimRequest{AgentID: 1, Symbol: "BTCUSDT", Side: "short"})
	require.NoError(t, err)
	assert.NotEqual(t, rec.ID, fresh.ID)
}

func TestCloseIsIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	rec, err := svc.Claim(ctx, ClaimRequest{AgentID: 1, Symbol: "BTCUSDT", Side: "long"})
	require.NoError(t, err)
	require.NoError(t, svc.Confirm(ctx, rec.ID, 1.0, 50000, 50000))

	_, err = svc.Close(ctx, rec.ID, 55000, 5000, "take_profit")
	require.NoError(t, err)
	again, err := svc.Close(ctx, rec.ID, 1, 1, "other")
	require.NoError(t, err)
	// First close wins.
	assert.Equal(t, float64(5000), again.RealizedPnL)
	assert.Equal(t, "take_profit", again.ExitReason)
}

type failingRecorder struct{ calls int }

func (f *failingRecorder) RecordClosedTrade(context.Context, ClosedTrade) error {
	f.calls++
	return fmt.Errorf("recorder down")
}

func TestCloseToleratesRecorderFailure(t *testing.T) {
	rec := &failingRecorder{}
	svc, _ := newTestService(t, WithRecorder(rec))
	ctx := context.Background()

	claimed, err := svc.Claim(ctx, ClaimRequest{AgentID: 1, Symbol: "BTCUSDT", Side: "long"})
	require.NoError(t, err)
	require.NoError(t, svc.Confirm(ctx, claimed.ID, 1, 50000, 50000))

	closed, err := svc.Close(ctx, claimed.ID, 51000, 1000, "signal")
	require.NoError(t, err)
	assert.Equal(t, PositionStatusClosed, closed.Status)
	assert.Equal(t, 1, rec.calls)
}

func TestCapitalCheckFixedAllocation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	alloc := 1000.0
	agents := &stubAgents{agents: map[int64]AgentSnapshot{
		1: {ID: 1, Mode: "live", AccountID: ptrInt64(7), AllocationUSD: &alloc},
	}}

	// 600 margin of the 1000 allocation.
	rec, err := svc.ClaimWithCapitalCheck(ctx, ClaimRequest{
		AgentID: 1, Symbol: "BTCUSDT", Side: "long", SizeUSD: 6000, Leverage: 10,
	}, agents, nil)
	require.NoError(t, err)
	require.NoError(t, svc.Confirm(ctx, rec.ID, 0.12, 6000, 50000))

	// Another 600 would breach it.
	_, err = svc.ClaimWithCapitalCheck(ctx, ClaimRequest{
		AgentID: 1, Symbol: "ETHUSDT", Side: "long", SizeUSD: 6000, Leverage: 10,
	}, agents, nil)
	assert.ErrorIs(t, err, ErrCapitalExceeded)

	// 300 still fits.
	_, err = svc.ClaimWithCapitalCheck(ctx, ClaimRequest{
		AgentID: 1, Symbol: "ETHUSDT", Side: "long", SizeUSD: 3000, Leverage: 10,
	}, agents, nil)
	require.NoError(t, err)
}

func TestCapitalCheckCountsPendingClaims(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	alloc := 1000.0
	agents := &stubAgents{agents: map[int64]AgentSnapshot{
		1: {ID: 1, Mode: "live", AccountID: ptrInt64(7), AllocationUSD: &alloc},
	}}

	// First claim reserves 600 margin but is never confirmed: the order is
	// still in flight.
	pending, err := svc.ClaimWithCapitalCheck(ctx, ClaimRequest{
		AgentID: 1, Symbol: "BTCUSDT", Side: "long", SizeUSD: 6000, Leverage: 10,
	}, agents, nil)
	require.NoError(t, err)
	require.Equal(t, PositionStatusPending, pending.Status)

	// A second 600 on another symbol must see the reservation, not an
	// empty margin sum.
	_, err = svc.ClaimWithCapitalCheck(ctx, ClaimRequest{
		AgentID: 1, Symbol: "ETHUSDT", Side: "long", SizeUSD: 6000, Leverage: 10,
	}, agents, nil)
	assert.ErrorIs(t, err, ErrCapitalExceeded)

	// Releasing the claim frees the reservation.
	require.NoError(t, svc.Release(ctx, pending.ID))
	_, err = svc.ClaimWithCapitalCheck(ctx, ClaimRequest{
		AgentID: 1, Symbol: "ETHUSDT", Side: "long", SizeUSD: 6000, Leverage: 10,
	}, agents, nil)
	require.NoError(t, err)
}

func TestCapitalCheckPctAllocation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	pct := 10.0
	agents := &stubAgents{agents: map[int64]AgentSnapshot{
		1: {ID: 1, Mode: "live", AccountID: ptrInt64(7), AllocationPct: &pct},
	}}
	equity := &stubEquity{equity: map[int64]float64{7: 20000}}

	// Effective allocation 2000. Margin 1500 fits, 2500 does not.
	check, err := svc.CheckCapitalAllocation(ctx, ClaimRequest{
		AgentID: 1, Symbol: "BTCUSDT", SizeUSD: 15000, Leverage: 10,
	}, agents, equity)
	require.NoError(t, err)
	assert.True(t, check.Allowed)
	assert.InDelta(t, 2000, check.Allocation, 1e-9)

	check, err = svc.CheckCapitalAllocation(ctx, ClaimRequest{
		AgentID: 1, Symbol: "BTCUSDT", SizeUSD: 25000, Leverage: 10,
	}, agents, equity)
	require.NoError(t, err)
	assert.False(t, check.Allowed)
}

func TestCapitalCheckUnlimitedWithoutAllocation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	agents := &stubAgents{agents: map[int64]AgentSnapshot{
		1: {ID: 1, Mode: "live", AccountID: ptrInt64(7)},
	}}

	check, err := svc.CheckCapitalAllocation(ctx, ClaimRequest{
		AgentID: 1, Symbol: "BTCUSDT", SizeUSD: 1e9, Leverage: 1,
	}, agents, nil)
	require.NoError(t, err)
	assert.True(t, check.Allowed)
}

func TestAgentAccountStateMock(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	ag := AgentSnapshot{ID: 1, Mode: "mock", MockBalance: 10000, TotalPnL: 500}

	rec, err := svc.Claim(ctx, ClaimRequest{AgentID: 1, Symbol: "BTCUSDT", Side: "long", Leverage: 10})
	require.NoError(t, err)
	require.NoError(t, svc.Confirm(ctx, rec.ID, 0.1, 5000, 50000))

	state, err := svc.AgentAccountState(ctx, ag, nil, map[string]float64{"BTCUSDT": 52000})
	require.NoError(t, err)
	// Unrealized: (52000-50000)*0.1 = 200. Equity: 10000+500+200.
	assert.InDelta(t, 10700, state.Equity, 1e-6)
	assert.InDelta(t, 500, state.MarginInUse, 1e-6)
	assert.InDelta(t, 10200, state.AvailableBalance, 1e-6)
	assert.Equal(t, 1, state.PositionCount)
}

func TestCleanupStalePending(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	rec, err := svc.Claim(ctx, ClaimRequest{AgentID: 1, Symbol: "BTCUSDT", Side: "long"})
	require.NoError(t, err)
	fresh, err := svc.Claim(ctx, ClaimRequest{AgentID: 2, Symbol: "BTCUSDT", Side: "long"})
	require.NoError(t, err)

	// Age the first claim past the cutoff.
	old := time.Now().Add(-time.Hour).UnixMilli()
	require.NoError(t, store.db.Model(&positionModel{}).Where("id = ?", rec.ID).Update("created_at", old).Error)

	n, err := svc.CleanupStalePending(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, ok, err := svc.ActivePosition(ctx, 1, "BTCUSDT")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = svc.ActivePosition(ctx, 2, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, ok)
	_ = fresh
}

func TestConcurrentClaimsSingleWinner(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	const n = 8
	ids := make(chan int64, n)
	for i := 0; i < n; i++ {
		go func() {
			rec, err := svc.Claim(ctx, ClaimRequest{AgentID: 1, Symbol: "BTCUSDT", Side: "long"})
			if err != nil {
				ids <- 0
				return
			}
			ids <- rec.ID
		}()
	}
	seen := make(map[int64]bool)
	for i := 0; i < n; i++ {
		id := <-ids
		if id != 0 {
			seen[id] = true
		}
	}
	// Every successful claim resolved to the same record.
	assert.Len(t, seen, 1)
}

func ptrInt64(v int64) *int64 { return &v }
