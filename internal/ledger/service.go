package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agentledger/internal/lock"
	"agentledger/internal/logger"
	"agentledger/internal/metrics"
	"agentledger/internal/pkg/symbol"
)

const (
	defaultLockWait = 3 * time.Second
	defaultLockTTL  = 10 * time.Second
)

// TradeRecorder receives every closed trade for PnL bookkeeping. Recorder
// failures never fail a Close: the position is already closed on the
// exchange by then.
type TradeRecorder interface {
	RecordClosedTrade(ctx context.Context, trade ClosedTrade) error
}

// ClosedTrade is the completed round trip handed to the recorder.
type ClosedTrade struct {
	PositionID  int64
	AgentID     int64
	AccountID   *int64
	Symbol      string
	Side        string
	Size        float64
	SizeUSD     float64
	Leverage    float64
	EntryPrice  float64
	ClosePrice  float64
	RealizedPnL float64
	ExitReason  string
	TraceID     string
	OpenedAt    time.Time
	ClosedAt    time.Time
}

// AgentProvider supplies the agent snapshot capital checks run against.
type AgentProvider interface {
	GetAgent(ctx context.Context, id int64) (AgentSnapshot, error)
}

// AgentSnapshot is the slice of agent state the ledger needs; keeping it
// local avoids an import cycle with the agent package.
type AgentSnapshot struct {
	ID            int64
	Mode          string // "live" | "mock"
	AccountID     *int64
	AllocationUSD *float64
	AllocationPct *float64
	MockBalance   float64
	TotalPnL      float64
}

// EquityProvider reports the live account equity used when an allocation is
// expressed as a percentage.
type EquityProvider interface {
	AccountEquity(ctx context.Context, accountID int64) (float64, error)
}

// Service coordinates claims across concurrent callers. The distributed
// lock narrows race windows; the store's unique index is the backstop.
type Service struct {
	store    *Store
	locks    lock.DistributedLock
	recorder TradeRecorder
	lockWait time.Duration
	lockTTL  time.Duration
}

type ServiceOption func(*Service)

func WithLockWait(d time.Duration) ServiceOption {
	return func(s *Service) { s.lockWait = d }
}

// WithLockTTL sets how long an acquired claim lock lives before the
// provider expires it on its own.
func WithLockTTL(d time.Duration) ServiceOption {
	return func(s *Service) { s.lockTTL = d }
}

func WithRecorder(r TradeRecorder) ServiceOption {
	return func(s *Service) { s.recorder = r }
}

func NewService(store *Store, locks lock.DistributedLock, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("ledger service: nil store")
	}
	if locks == nil {
		locks = lock.NewNopLock()
	}
	s := &Service{
		store:    store,
		locks:    locks,
		lockWait: defaultLockWait,
		lockTTL:  defaultLockTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ClaimRequest describes an intent to open a position. Size fields are the
// intended values; actual fill data arrives at Confirm time.
type ClaimRequest struct {
	AgentID   int64
	AccountID *int64
	Symbol    string
	Side      string
	SizeUSD   float64
	Leverage  float64
	TraceID   string
}

func (r ClaimRequest) validate() error {
	if r.AgentID <= 0 {
		return fmt.Errorf("claim: agent id is required")
	}
	if symbol.Normalize(r.Symbol) == "" {
		return fmt.Errorf("claim: symbol is required")
	}
	if r.SizeUSD < 0 {
		return fmt.Errorf("claim: size_usd cannot be negative")
	}
	return nil
}

// Claim reserves the (agent, symbol) slot and returns a pending record.
//
// Behavior on an existing record:
//   - pending or open, same agent: that record is returned with no error,
//     so retried requests are idempotent.
//   - lock wait exhausted: ErrPositionConflict. Failing closed here is
//     deliberate; the caller retries rather than double-opening.
//   - lock provider unreachable: logged and skipped. The unique index still
//     rejects a true double claim.
func (s *Service) Claim(ctx context.Context, req ClaimRequest) (PositionRecord, error) {
	if err := req.validate(); err != nil {
		return PositionRecord{}, err
	}
	sym := symbol.Normalize(req.Symbol)

	if rec, ok, err := s.store.ActiveBySymbol(ctx, req.AgentID, sym); err != nil {
		return PositionRecord{}, err
	} else if ok {
		metrics.RecordClaim("existing")
		return rec, nil
	}

	key := fmt.Sprintf("ledger:pos:%d:%s", req.AgentID, sym)
	unlock, err := s.acquire(ctx, key)
	if err != nil {
		metrics.RecordClaim("conflict")
		return PositionRecord{}, fmt.Errorf("claim %d/%s: lock wait exhausted: %w", req.AgentID, sym, ErrPositionConflict)
	}
	defer unlock()

	// Re-check under the lock: a racing claim may have landed while we
	// waited.
	if rec, ok, err := s.store.ActiveBySymbol(ctx, req.AgentID, sym); err != nil {
		return PositionRecord{}, err
	} else if ok {
		metrics.RecordClaim("existing")
		return rec, nil
	}

	rec, err := s.store.CreatePending(ctx, PositionRecord{
		AgentID:   req.AgentID,
		AccountID: req.AccountID,
		Symbol:    sym,
		Side:      NormalizeSide(req.Side),
		Leverage:  req.Leverage,
		TraceID:   req.TraceID,
		// The requested notional rides on the pending row so its margin
		// counts against the allocation during the claim->confirm window.
		// Confirm overwrites it with the actual fill.
		SizeUSD: req.SizeUSD,
	})
	if err != nil {
		if errors.Is(err, ErrPositionConflict) {
			metrics.RecordClaim("conflict")
		}
		return PositionRecord{}, err
	}
	metrics.RecordClaim("created")
	logger.Debugf("ledger: claimed %s for agent %d (position %d, trace %s)", sym, req.AgentID, rec.ID, req.TraceID)
	return rec, nil
}

// ClaimWithCapitalCheck runs the allocation check and the claim under one
// per-agent lock, closing the window where two concurrent claims each pass
// the check against the same margin snapshot.
func (s *Service) ClaimWithCapitalCheck(ctx context.Context, req ClaimRequest, agents AgentProvider, equity EquityProvider) (PositionRecord, error) {
	if err := req.validate(); err != nil {
		return PositionRecord{}, err
	}
	key := fmt.Sprintf("ledger:agent:%d", req.AgentID)
	unlock, err := s.acquire(ctx, key)
	if err != nil {
		metrics.RecordClaim("conflict")
		return PositionRecord{}, fmt.Errorf("claim %d: agent lock wait exhausted: %w", req.AgentID, ErrPositionConflict)
	}
	defer unlock()

	check, err := s.CheckCapitalAllocation(ctx, req, agents, equity)
	if err != nil {
		return PositionRecord{}, err
	}
	if !check.Allowed {
		metrics.RecordClaim("capital_exceeded")
		return PositionRecord{}, fmt.Errorf("%s: %w", check.Reason, ErrCapitalExceeded)
	}
	return s.Claim(ctx, req)
}

// CapitalCheck is the result of an allocation evaluation.
type CapitalCheck struct {
	Allowed      bool
	Reason       string
	Allocation   float64 // effective allocation; 0 means unlimited
	MarginInUse  float64
	MarginNeeded float64
}

// CheckCapitalAllocation verifies requested margin + margin already in use
// stays within the agent's effective allocation.
//
// Effective allocation: fixed USD amount if set, else equity x pct if set,
// else unlimited. Mock agents check against their virtual balance.
func (s *Service) CheckCapitalAllocation(ctx context.Context, req ClaimRequest, agents AgentProvider, equity EquityProvider) (CapitalCheck, error) {
	if agents == nil {
		return CapitalCheck{Allowed: true}, nil
	}
	ag, err := agents.GetAgent(ctx, req.AgentID)
	if err != nil {
		return CapitalCheck{}, fmt.Errorf("capital check: loading agent %d: %w", req.AgentID, err)
	}

	allocation := 0.0
	switch {
	case ag.Mode == "mock":
		allocation = ag.MockBalance + ag.TotalPnL
	case ag.AllocationUSD != nil && *ag.AllocationUSD > 0:
		allocation = *ag.AllocationUSD
	case ag.AllocationPct != nil && *ag.AllocationPct > 0:
		if ag.AccountID == nil || equity == nil {
			return CapitalCheck{}, fmt.Errorf("capital check: agent %d has pct allocation but no equity source", req.AgentID)
		}
		eq, err := equity.AccountEquity(ctx, *ag.AccountID)
		if err != nil {
			return CapitalCheck{}, fmt.Errorf("capital check: reading equity for account %d: %w", *ag.AccountID, err)
		}
		allocation = eq * *ag.AllocationPct / 100
	default:
		// No allocation configured: unlimited.
		return CapitalCheck{Allowed: true}, nil
	}

	// Active includes pending claims: their reserved notional holds the
	// margin until Confirm or Release settles it.
	active, err := s.store.ActiveByAgent(ctx, req.AgentID)
	if err != nil {
		return CapitalCheck{}, err
	}
	inUse := 0.0
	for _, p := range active {
		inUse += p.Margin()
	}
	needed := req.SizeUSD
	if req.Leverage > 0 {
		needed = req.SizeUSD / req.Leverage
	}
	check := CapitalCheck{
		Allocation:   allocation,
		MarginInUse:  inUse,
		MarginNeeded: needed,
	}
	if inUse+needed > allocation {
		check.Reason = fmt.Sprintf("agent %d: margin %.2f + in-use %.2f exceeds allocation %.2f",
			req.AgentID, needed, inUse, allocation)
		return check, nil
	}
	check.Allowed = true
	return check, nil
}

// Confirm finalizes a claim with actual fill data. Confirming a record that
// is no longer pending is a logged no-op, so order-callback retries are safe.
func (s *Service) Confirm(ctx context.Context, positionID int64, size, sizeUSD, entryPrice float64) error {
	applied, err := s.store.Confirm(ctx, positionID, size, sizeUSD, entryPrice)
	if err != nil {
		return err
	}
	if !applied {
		logger.Debugf("ledger: confirm on position %d skipped, not pending", positionID)
		return nil
	}
	logger.Infof("ledger: position %d confirmed open, size=%.8f entry=%.4f", positionID, size, entryPrice)
	return nil
}

// Release rolls a claim back after a failed or abandoned order. Releasing a
// missing or confirmed record is a logged no-op.
func (s *Service) Release(ctx context.Context, positionID int64) error {
	applied, err := s.store.DeletePending(ctx, positionID)
	if err != nil {
		return err
	}
	if !applied {
		logger.Debugf("ledger: release on position %d skipped, not pending", positionID)
		return nil
	}
	logger.Infof("ledger: position %d claim released", positionID)
	return nil
}

// Accumulate folds an additional fill into an already-open position.
func (s *Service) Accumulate(ctx context.Context, positionID int64, addSize, addSizeUSD, fillPrice float64) (PositionRecord, error) {
	rec, err := s.store.Accumulate(ctx, positionID, addSize, addSizeUSD, fillPrice)
	if err != nil {
		return PositionRecord{}, err
	}
	logger.Infof("ledger: position %d accumulated, size=%.8f entry=%.4f", rec.ID, rec.Size, rec.EntryPrice)
	return rec, nil
}

// Close marks the position closed and forwards the completed trade to the
// recorder. The recorder is best effort: its failure is logged, never
// returned, because the exchange-side close already happened.
func (s *Service) Close(ctx context.Context, positionID int64, closePrice, realizedPnL float64, exitReason string) (PositionRecord, error) {
	rec, applied, err := s.store.CloseRecord(ctx, positionID, closePrice, realizedPnL, exitReason)
	if err != nil {
		return PositionRecord{}, err
	}
	if !applied {
		logger.Debugf("ledger: close on position %d skipped, already closed", positionID)
		return rec, nil
	}
	logger.Infof("ledger: position %d closed, pnl=%.4f reason=%s", rec.ID, realizedPnL, exitReason)
	if s.recorder != nil {
		closedAt := time.Now()
		if rec.ClosedAt != nil {
			closedAt = *rec.ClosedAt
		}
		trade := ClosedTrade{
			PositionID:  rec.ID,
			AgentID:     rec.AgentID,
			AccountID:   rec.AccountID,
			Symbol:      rec.Symbol,
			Side:        rec.Side,
			Size:        rec.Size,
			SizeUSD:     rec.SizeUSD,
			Leverage:    rec.Leverage,
			EntryPrice:  rec.EntryPrice,
			ClosePrice:  rec.ClosePrice,
			RealizedPnL: rec.RealizedPnL,
			ExitReason:  rec.ExitReason,
			TraceID:     rec.TraceID,
			OpenedAt:    rec.OpenedAt,
			ClosedAt:    closedAt,
		}
		if err := s.recorder.RecordClosedTrade(ctx, trade); err != nil {
			logger.Errorf("ledger: recording closed trade for position %d failed: %v", rec.ID, err)
		}
	}
	return rec, nil
}

// ActivePosition returns the agent's pending-or-open record for a symbol.
func (s *Service) ActivePosition(ctx context.Context, agentID int64, sym string) (PositionRecord, bool, error) {
	return s.store.ActiveBySymbol(ctx, agentID, symbol.Normalize(sym))
}

// OpenPositions lists the agent's open records.
func (s *Service) OpenPositions(ctx context.Context, agentID int64) ([]PositionRecord, error) {
	return s.store.OpenByAgent(ctx, agentID)
}

// AccountState is the per-agent virtual account view. Agents sharing one
// exchange account each see their own slice of it.
type AccountState struct {
	AgentID          int64
	Equity           float64 // allocation-adjusted base + realized pnl
	AvailableBalance float64 // equity minus margin in use
	UnrealizedPnL    float64
	MarginInUse      float64
	PositionCount    int
}

// AgentAccountState computes the virtual account for one agent. prices maps
// symbol to current mark price; symbols missing from it contribute zero
// unrealized PnL.
func (s *Service) AgentAccountState(ctx context.Context, ag AgentSnapshot, equity EquityProvider, prices map[string]float64) (AccountState, error) {
	base := 0.0
	switch {
	case ag.Mode == "mock":
		base = ag.MockBalance
	case ag.AllocationUSD != nil && *ag.AllocationUSD > 0:
		base = *ag.AllocationUSD
	case ag.AllocationPct != nil && *ag.AllocationPct > 0:
		if ag.AccountID == nil || equity == nil {
			return AccountState{}, fmt.Errorf("agent %d: pct allocation requires an equity source", ag.ID)
		}
		eq, err := equity.AccountEquity(ctx, *ag.AccountID)
		if err != nil {
			return AccountState{}, err
		}
		base = eq * *ag.AllocationPct / 100
	default:
		if ag.AccountID != nil && equity != nil {
			eq, err := equity.AccountEquity(ctx, *ag.AccountID)
			if err != nil {
				return AccountState{}, err
			}
			base = eq
		}
	}

	open, err := s.store.OpenByAgent(ctx, ag.ID)
	if err != nil {
		return AccountState{}, err
	}
	state := AccountState{AgentID: ag.ID, PositionCount: len(open)}
	for _, p := range open {
		state.MarginInUse += p.Margin()
		state.UnrealizedPnL += p.UnrealizedPnL(prices[p.Symbol])
	}
	state.Equity = base + ag.TotalPnL + state.UnrealizedPnL
	state.AvailableBalance = state.Equity - state.MarginInUse
	return state, nil
}

// NetPosition is the account-level aggregate the exchange actually sees for
// one symbol: the sum of all agents' signed sizes.
type NetPosition struct {
	Symbol   string
	NetSize  float64 // long positive, short negative
	AgentIDs []int64
	Records  []PositionRecord
}

// NetPositions aggregates every agent's open records on an account by
// symbol. Reconciliation compares these nets, not individual records,
// against exchange state.
func (s *Service) NetPositions(ctx context.Context, accountID int64) (map[string]NetPosition, error) {
	records, err := s.store.OpenByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	nets := make(map[string]NetPosition)
	for _, rec := range records {
		sym := symbol.Normalize(rec.Symbol)
		net := nets[sym]
		net.Symbol = sym
		net.NetSize += rec.SignedSize()
		net.AgentIDs = append(net.AgentIDs, rec.AgentID)
		net.Records = append(net.Records, rec)
		nets[sym] = net
	}
	return nets, nil
}

// CleanupStalePending drops pending claims older than maxAge. These are
// crash residue: a process died after claiming but before confirm/release.
func (s *Service) CleanupStalePending(ctx context.Context, maxAge time.Duration) (int64, error) {
	n, err := s.store.DeleteStalePending(ctx, maxAge)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.RecordStalePendingReleased(n)
		logger.Warnf("ledger: released %d stale pending claims older than %s", n, maxAge)
	}
	return n, nil
}

// Store exposes the underlying store for wiring sibling components.
func (s *Service) Store() *Store {
	return s.store
}

// acquire takes the distributed lock with a bounded wait. Provider errors
// degrade to lock-free operation; only a genuine timeout is returned.
func (s *Service) acquire(ctx context.Context, key string) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.lockWait)
	defer cancel()
	if err := s.locks.Lock(lockCtx, key, s.lockTTL); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		logger.Warnf("ledger: lock provider unavailable for %s, relying on db constraint: %v", key, err)
		return func() {}, nil
	}
	return func() {
		if err := s.locks.Unlock(context.Background(), key); err != nil {
			logger.Warnf("ledger: unlock %s failed: %v", key, err)
		}
	}, nil
}
