// Package executor orchestrates trade execution: claim the ledger slot,
// place the order, then confirm or roll back. It is the only component that
// touches the ledger and an exchange adapter in the same call path.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agentledger/internal/exchange"
	"agentledger/internal/ledger"
	"agentledger/internal/logger"
	"agentledger/internal/metrics"
	"agentledger/internal/notifier"
	"agentledger/internal/pkg/circuit"
	"agentledger/internal/pkg/symbol"
)

// OpenParams describes one entry request.
type OpenParams struct {
	AgentID    int64
	AccountID  *int64
	Symbol     string
	Side       string // long | short
	SizeUSD    float64
	Leverage   float64
	StopLoss   float64
	TakeProfit float64
	TraceID    string

	// SkipCapitalCheck opens without consulting the agent's allocation;
	// used by reconciliation-driven re-entries, never by strategies.
	SkipCapitalCheck bool
}

// OpenOutcome reports what actually happened.
type OpenOutcome struct {
	Position    ledger.PositionRecord
	OrderID     string
	FilledSize  float64
	FilledPrice float64
	Accumulated bool // true when the fill was folded into an existing open position
}

// ErrOrderTooLarge rejects entries whose notional exceeds the configured
// per-order cap.
var ErrOrderTooLarge = errors.New("order notional exceeds configured cap")

// Service runs the claim -> order -> confirm pipeline.
type Service struct {
	ledger  *ledger.Service
	agents  ledger.AgentProvider
	equity  ledger.EquityProvider
	breaker *circuit.CircuitBreaker
	notify  notifier.TextNotifier

	defaultLeverage float64 // applied when a request leaves leverage unset
	maxPositionUSD  float64 // 0 means uncapped
}

type Option func(*Service)

// WithDefaultLeverage sets the leverage used when a request leaves it zero.
func WithDefaultLeverage(lev float64) Option {
	return func(s *Service) {
		if lev > 0 {
			s.defaultLeverage = lev
		}
	}
}

// WithMaxPositionUSD caps the notional of a single entry; zero disables it.
func WithMaxPositionUSD(usd float64) Option {
	return func(s *Service) {
		if usd > 0 {
			s.maxPositionUSD = usd
		}
	}
}

func NewService(led *ledger.Service, agents ledger.AgentProvider, equity ledger.EquityProvider, breaker *circuit.CircuitBreaker, notify notifier.TextNotifier, opts ...Option) (*Service, error) {
	if led == nil {
		return nil, fmt.Errorf("executor: nil ledger service")
	}
	if notify == nil {
		notify = notifier.Nop{}
	}
	s := &Service{
		ledger:  led,
		agents:  agents,
		equity:  equity,
		breaker: breaker,
		notify:  notify,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// OpenPosition opens (or accumulates into) a position for one agent.
//
// The claim precedes the order so a crash between the two leaves a pending
// row, never an untracked exchange position. On order errors the claim is
// released only after the fill check confirms nothing executed: a claim for
// an order that may have filled must survive until reconciliation can judge.
func (s *Service) OpenPosition(ctx context.Context, adapter exchange.Adapter, p OpenParams) (OpenOutcome, error) {
	sym := symbol.Normalize(p.Symbol)
	side := ledger.NormalizeSide(p.Side)

	if s.maxPositionUSD > 0 && p.SizeUSD > s.maxPositionUSD {
		return OpenOutcome{}, fmt.Errorf("open %s for agent %d: notional %.2f over cap %.2f: %w",
			sym, p.AgentID, p.SizeUSD, s.maxPositionUSD, ErrOrderTooLarge)
	}
	if p.Leverage <= 0 && s.defaultLeverage > 0 {
		p.Leverage = s.defaultLeverage
	}

	if s.breaker != nil && !s.breaker.Allow() {
		return OpenOutcome{}, fmt.Errorf("open %s for agent %d: order circuit open", sym, p.AgentID)
	}

	existing, ok, err := s.ledger.ActivePosition(ctx, p.AgentID, sym)
	if err != nil {
		return OpenOutcome{}, err
	}
	if ok && existing.Status == ledger.PositionStatusOpen {
		if existing.Side != side {
			return OpenOutcome{}, fmt.Errorf("open %s for agent %d: existing %s position blocks %s entry: %w",
				sym, p.AgentID, existing.Side, side, ledger.ErrPositionConflict)
		}
		return s.accumulateInto(ctx, adapter, existing, p)
	}

	req := ledger.ClaimRequest{
		AgentID:   p.AgentID,
		AccountID: p.AccountID,
		Symbol:    sym,
		Side:      side,
		SizeUSD:   p.SizeUSD,
		Leverage:  p.Leverage,
		TraceID:   p.TraceID,
	}
	var rec ledger.PositionRecord
	if p.SkipCapitalCheck || s.agents == nil {
		rec, err = s.ledger.Claim(ctx, req)
	} else {
		rec, err = s.ledger.ClaimWithCapitalCheck(ctx, req, s.agents, s.equity)
	}
	if err != nil {
		return OpenOutcome{}, err
	}
	if rec.Status != ledger.PositionStatusPending {
		// Claim returned an existing open record; treat as accumulate.
		if rec.Side != side {
			return OpenOutcome{}, fmt.Errorf("open %s for agent %d: existing %s position blocks %s entry: %w",
				sym, p.AgentID, rec.Side, side, ledger.ErrPositionConflict)
		}
		return s.accumulateInto(ctx, adapter, rec, p)
	}

	result, err := s.placeEntry(ctx, adapter, side, exchange.OrderRequest{
		Symbol:     sym,
		SizeUSD:    p.SizeUSD,
		Leverage:   p.Leverage,
		StopLoss:   p.StopLoss,
		TakeProfit: p.TakeProfit,
	})
	if err != nil {
		s.recoverAfterOrderError(ctx, adapter, rec, err)
		return OpenOutcome{}, fmt.Errorf("open %s for agent %d: %w", sym, p.AgentID, err)
	}
	if !result.Success {
		// Structured venue rejection: nothing executed, safe to release.
		if relErr := s.ledger.Release(ctx, rec.ID); relErr != nil {
			logger.Errorf("executor: releasing claim %d after rejection failed: %v", rec.ID, relErr)
		}
		return OpenOutcome{}, fmt.Errorf("open %s for agent %d: venue rejected order: %s", sym, p.AgentID, result.Error)
	}

	sizeUSD := p.SizeUSD
	if result.FilledSize > 0 && result.FilledPrice > 0 {
		sizeUSD = result.FilledSize * result.FilledPrice
	}
	if err := s.ledger.Confirm(ctx, rec.ID, result.FilledSize, sizeUSD, result.FilledPrice); err != nil {
		// The order filled but the ledger write failed. Never unwind the
		// exchange position here; flag for reconciliation and operators.
		s.reportDivergence(rec, result, err)
	}
	rec.Status = ledger.PositionStatusOpen
	rec.Size = result.FilledSize
	rec.SizeUSD = sizeUSD
	rec.EntryPrice = result.FilledPrice
	logger.Infof("executor: agent %d opened %s %s size=%.8f @ %.4f (order %s)",
		p.AgentID, side, sym, result.FilledSize, result.FilledPrice, result.OrderID)
	return OpenOutcome{
		Position:    rec,
		OrderID:     result.OrderID,
		FilledSize:  result.FilledSize,
		FilledPrice: result.FilledPrice,
	}, nil
}

// accumulateInto adds to an existing open position: order first, then fold
// the fill into the record. No new claim is needed; the slot is already
// held by this agent.
func (s *Service) accumulateInto(ctx context.Context, adapter exchange.Adapter, rec ledger.PositionRecord, p OpenParams) (OpenOutcome, error) {
	result, err := s.placeEntry(ctx, adapter, rec.Side, exchange.OrderRequest{
		Symbol:   rec.Symbol,
		SizeUSD:  p.SizeUSD,
		Leverage: rec.Leverage,
	})
	if err != nil {
		return OpenOutcome{}, fmt.Errorf("accumulate %s for agent %d: %w", rec.Symbol, rec.AgentID, err)
	}
	if !result.Success {
		return OpenOutcome{}, fmt.Errorf("accumulate %s for agent %d: venue rejected order: %s", rec.Symbol, rec.AgentID, result.Error)
	}
	sizeUSD := p.SizeUSD
	if result.FilledSize > 0 && result.FilledPrice > 0 {
		sizeUSD = result.FilledSize * result.FilledPrice
	}
	updated, err := s.ledger.Accumulate(ctx, rec.ID, result.FilledSize, sizeUSD, result.FilledPrice)
	if err != nil {
		s.reportDivergence(rec, result, err)
		updated = rec
	}
	return OpenOutcome{
		Position:    updated,
		OrderID:     result.OrderID,
		FilledSize:  result.FilledSize,
		FilledPrice: result.FilledPrice,
		Accumulated: true,
	}, nil
}

// CloseOutcome reports a completed close.
type CloseOutcome struct {
	Position    ledger.PositionRecord
	ClosePrice  float64
	RealizedPnL float64
}

// ClosePosition closes the agent's position on a symbol. Closing a symbol
// with no ledger record is an error; reconciliation handles exchange-only
// positions.
func (s *Service) ClosePosition(ctx context.Context, adapter exchange.Adapter, agentID int64, sym, reason string) (CloseOutcome, error) {
	sym = symbol.Normalize(sym)
	rec, ok, err := s.ledger.ActivePosition(ctx, agentID, sym)
	if err != nil {
		return CloseOutcome{}, err
	}
	if !ok {
		return CloseOutcome{}, fmt.Errorf("close %s for agent %d: %w", sym, agentID, ledger.ErrNotFound)
	}
	if rec.Status == ledger.PositionStatusPending {
		// Nothing executed yet; drop the claim instead of trading.
		if err := s.ledger.Release(ctx, rec.ID); err != nil {
			return CloseOutcome{}, err
		}
		return CloseOutcome{Position: rec}, nil
	}

	start := time.Now()
	result, err := adapter.ClosePosition(ctx, sym)
	metrics.ObserveOrderDuration(adapter.Name(), "close", time.Since(start).Seconds())
	if err != nil {
		s.breakerFailure()
		metrics.RecordOrder(adapter.Name(), "close", "error")
		return CloseOutcome{}, fmt.Errorf("close %s for agent %d: %w", sym, agentID, err)
	}
	if !result.Success {
		s.breakerFailure()
		metrics.RecordOrder(adapter.Name(), "close", "rejected")
		return CloseOutcome{}, fmt.Errorf("close %s for agent %d: venue rejected close: %s", sym, agentID, result.Error)
	}
	s.breakerSuccess()
	metrics.RecordOrder(adapter.Name(), "close", "filled")

	closePrice := result.FilledPrice
	pnl := realizedPnL(rec, closePrice)
	closed, err := s.ledger.Close(ctx, rec.ID, closePrice, pnl, reason)
	if err != nil {
		s.reportDivergence(rec, result, err)
		closed = rec
	}
	logger.Infof("executor: agent %d closed %s @ %.4f pnl=%.4f reason=%s", agentID, sym, closePrice, pnl, reason)
	return CloseOutcome{Position: closed, ClosePrice: closePrice, RealizedPnL: pnl}, nil
}

func (s *Service) placeEntry(ctx context.Context, adapter exchange.Adapter, side string, req exchange.OrderRequest) (exchange.OrderResult, error) {
	start := time.Now()
	var (
		result exchange.OrderResult
		err    error
	)
	if side == ledger.SideShort {
		result, err = adapter.OpenShort(ctx, req)
	} else {
		result, err = adapter.OpenLong(ctx, req)
	}
	metrics.ObserveOrderDuration(adapter.Name(), side, time.Since(start).Seconds())
	switch {
	case err != nil:
		s.breakerFailure()
		metrics.RecordOrder(adapter.Name(), side, "error")
	case !result.Success:
		s.breakerFailure()
		metrics.RecordOrder(adapter.Name(), side, "rejected")
	default:
		s.breakerSuccess()
		metrics.RecordOrder(adapter.Name(), side, "filled")
	}
	return result, err
}

// recoverAfterOrderError decides the fate of a pending claim after a
// transport-level order failure. The order may or may not have executed, so
// the venue's position is checked before the claim is released. When the
// check itself fails the claim is kept; stale-pending cleanup will collect
// it once reconciliation has had a chance to inspect the account.
func (s *Service) recoverAfterOrderError(ctx context.Context, adapter exchange.Adapter, rec ledger.PositionRecord, orderErr error) {
	checkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	pos, err := adapter.Position(checkCtx, rec.Symbol)
	if err != nil {
		logger.Errorf("executor: fill check for claim %d (%s) failed after order error %v: %v; keeping claim",
			rec.ID, rec.Symbol, orderErr, err)
		return
	}
	if pos != nil && pos.Size > 0 {
		// The order (or part of it) went through. Confirm with venue data so
		// the ledger tracks reality.
		sizeUSD := pos.Size * pos.EntryPrice
		if err := s.ledger.Confirm(checkCtx, rec.ID, pos.Size, sizeUSD, pos.EntryPrice); err != nil {
			s.reportDivergence(rec, exchange.OrderResult{FilledSize: pos.Size, FilledPrice: pos.EntryPrice}, err)
			return
		}
		logger.Warnf("executor: order error for claim %d (%s) but venue shows a fill, confirmed size=%.8f",
			rec.ID, rec.Symbol, pos.Size)
		return
	}
	if err := s.ledger.Release(checkCtx, rec.ID); err != nil {
		logger.Errorf("executor: releasing claim %d after order error failed: %v", rec.ID, err)
	}
}

// reportDivergence handles the worst case: money moved on the exchange but
// the ledger write failed. The error is never propagated as an order
// failure; the position exists regardless of what the database says.
func (s *Service) reportDivergence(rec ledger.PositionRecord, result exchange.OrderResult, err error) {
	metrics.RecordLedgerDivergence()
	logger.Errorf("executor: LEDGER DIVERGENCE position %d agent %d %s: order executed (size=%.8f @ %.4f) but ledger update failed: %v",
		rec.ID, rec.AgentID, rec.Symbol, result.FilledSize, result.FilledPrice, err)
	msg := fmt.Sprintf("⚠️ Ledger divergence: agent %d %s, order executed but ledger update failed: %v",
		rec.AgentID, rec.Symbol, err)
	if nerr := s.notify.SendText(msg); nerr != nil {
		logger.Errorf("executor: divergence alert failed: %v", nerr)
	}
}

func (s *Service) breakerFailure() {
	if s.breaker != nil {
		s.breaker.RecordFailure()
	}
}

func (s *Service) breakerSuccess() {
	if s.breaker != nil {
		s.breaker.RecordSuccess()
	}
}

// realizedPnL computes the round-trip PnL from ledger entry data.
func realizedPnL(rec ledger.PositionRecord, closePrice float64) float64 {
	if closePrice <= 0 {
		return 0
	}
	if rec.Side == ledger.SideShort {
		return (rec.EntryPrice - closePrice) * rec.Size
	}
	return (closePrice - rec.EntryPrice) * rec.Size
}

// IsConflict reports whether err is a claim conflict; strategies back off
// instead of retrying immediately.
func IsConflict(err error) bool {
	return errors.Is(err, ledger.ErrPositionConflict)
}

// IsCapitalExceeded reports whether err is an allocation rejection.
func IsCapitalExceeded(err error) bool {
	return errors.Is(err, ledger.ErrCapitalExceeded)
}
