// Package reconcile periodically compares ledger state against live
// exchange state and surfaces divergence. It closes zombies, warns about
// orphans and drift, and garbage-collects stale pending claims.
package reconcile

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"agentledger/internal/exchange"
	"agentledger/internal/ledger"
	"agentledger/internal/logger"
	"agentledger/internal/metrics"
	"agentledger/internal/notifier"
	"agentledger/internal/pkg/symbol"
)

const (
	defaultInterval    = 2 * time.Minute
	defaultGracePeriod = 5 * time.Minute
	defaultStaleAge    = 10 * time.Minute

	// driftEpsilon absorbs venue rounding on reported sizes.
	driftEpsilon = 1e-8
)

// AdapterProvider resolves the adapter serving an exchange account.
type AdapterProvider interface {
	AdapterForAccount(ctx context.Context, accountID int64) (exchange.Adapter, error)
}

// Finding is one detected divergence.
type Finding struct {
	Kind      string // zombie | orphan | drift
	AccountID int64
	Symbol    string
	Detail    string
}

// Summary is the outcome of one reconciliation pass.
type Summary struct {
	StartedAt    time.Time
	Duration     time.Duration
	Accounts     int
	Zombies      int
	Orphans      int
	Drifts       int
	StalePending int64
	Findings     []Finding
	Errors       []string
}

// Job owns the reconciliation loop.
type Job struct {
	ledger   *ledger.Service
	adapters AdapterProvider
	notify   notifier.TextNotifier

	interval    time.Duration
	gracePeriod time.Duration
	staleAge    time.Duration
	concurrency int

	mu   sync.RWMutex
	last *Summary
}

type Option func(*Job)

func WithInterval(d time.Duration) Option {
	return func(j *Job) { j.interval = d }
}

func WithGracePeriod(d time.Duration) Option {
	return func(j *Job) { j.gracePeriod = d }
}

func WithStaleAge(d time.Duration) Option {
	return func(j *Job) { j.staleAge = d }
}

// WithConcurrency bounds how many accounts reconcile in parallel.
func WithConcurrency(n int) Option {
	return func(j *Job) {
		if n > 0 {
			j.concurrency = n
		}
	}
}

func NewJob(led *ledger.Service, adapters AdapterProvider, notify notifier.TextNotifier, opts ...Option) (*Job, error) {
	if led == nil {
		return nil, fmt.Errorf("reconcile: nil ledger service")
	}
	if adapters == nil {
		return nil, fmt.Errorf("reconcile: nil adapter provider")
	}
	if notify == nil {
		notify = notifier.Nop{}
	}
	j := &Job{
		ledger:      led,
		adapters:    adapters,
		notify:      notify,
		interval:    defaultInterval,
		gracePeriod: defaultGracePeriod,
		staleAge:    defaultStaleAge,
		concurrency: 4,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

// Start runs one immediate pass, then ticks until ctx is canceled. The
// startup pass matters: it is how positions abandoned by a crash get
// re-adopted or cleaned before any new trading happens.
func (j *Job) Start(ctx context.Context) {
	if _, err := j.RunOnce(ctx); err != nil {
		logger.Errorf("reconcile: startup pass failed: %v", err)
	}
	timer := time.NewTimer(j.Interval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Infof("reconcile: loop stopped")
			return
		case <-timer.C:
			if _, err := j.RunOnce(ctx); err != nil {
				logger.Errorf("reconcile: pass failed: %v", err)
			}
			// Re-arm each pass so SetInterval takes effect without a
			// restart.
			timer.Reset(j.Interval())
		}
	}
}

// Interval returns the current pass interval.
func (j *Job) Interval() time.Duration {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.interval
}

// SetInterval changes the pass interval; the running loop picks it up after
// the current cycle. Config hot-reload pushes changes through here.
func (j *Job) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	j.mu.Lock()
	changed := d != j.interval
	j.interval = d
	j.mu.Unlock()
	if changed {
		logger.Infof("reconcile: interval set to %s", d)
	}
}

// LastSummary returns the most recent pass result, nil before the first.
func (j *Job) LastSummary() *Summary {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.last
}

// RunOnce reconciles every account that currently holds active ledger rows.
// Accounts run concurrently; failures on one account never block others.
func (j *Job) RunOnce(ctx context.Context) (Summary, error) {
	start := time.Now()
	summary := Summary{StartedAt: start}

	if n, err := j.ledger.CleanupStalePending(ctx, j.staleAge); err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("stale cleanup: %v", err))
	} else {
		summary.StalePending = n
	}

	accountIDs, err := j.ledger.Store().ActiveAccountIDs(ctx)
	if err != nil {
		return summary, fmt.Errorf("reconcile: listing active accounts: %w", err)
	}
	summary.Accounts = len(accountIDs)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.concurrency)
	for _, accountID := range accountIDs {
		accountID := accountID
		g.Go(func() error {
			findings, err := j.reconcileAccount(gctx, accountID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				summary.Errors = append(summary.Errors, fmt.Sprintf("account %d: %v", accountID, err))
				return nil
			}
			for _, f := range findings {
				summary.Findings = append(summary.Findings, f)
				switch f.Kind {
				case "zombie":
					summary.Zombies++
				case "orphan":
					summary.Orphans++
				case "drift":
					summary.Drifts++
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	summary.Duration = time.Since(start)
	metrics.RecordReconcile(summary.Zombies, summary.Orphans, summary.Drifts)
	if len(summary.Findings) > 0 {
		logger.Warnf("reconcile: pass found %d zombies, %d orphans, %d drifts across %d accounts in %s",
			summary.Zombies, summary.Orphans, summary.Drifts, summary.Accounts, summary.Duration)
	} else {
		logger.Debugf("reconcile: pass clean, %d accounts in %s", summary.Accounts, summary.Duration)
	}

	j.mu.Lock()
	j.last = &summary
	j.mu.Unlock()
	return summary, nil
}

// reconcileAccount compares the ledger's per-symbol nets on one account
// against the venue's reported positions.
func (j *Job) reconcileAccount(ctx context.Context, accountID int64) ([]Finding, error) {
	adapter, err := j.adapters.AdapterForAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("resolving adapter: %w", err)
	}
	state, err := adapter.AccountState(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading account state: %w", err)
	}
	nets, err := j.ledger.NetPositions(ctx, accountID)
	if err != nil {
		return nil, err
	}

	// Venue symbols are keyed through the same canonical form the ledger
	// stores, so "BTC/USDT" claims match a venue reporting "BTCUSDT".
	venue := make(map[string]exchange.Position, len(state.Positions))
	for _, p := range state.Positions {
		if p.Size > 0 {
			venue[symbol.Normalize(p.Symbol)] = p
		}
	}

	var findings []Finding

	for sym, net := range nets {
		vp, onVenue := venue[sym]
		if !onVenue {
			findings = append(findings, j.handleZombies(ctx, accountID, net)...)
			continue
		}
		if math.Abs(net.NetSize-vp.SignedSize()) > driftEpsilon {
			// Size drift is reported, never auto-corrected: with several
			// agents netting on one symbol there is no safe way to decide
			// whose record to adjust.
			f := Finding{
				Kind:      "drift",
				AccountID: accountID,
				Symbol:    sym,
				Detail: fmt.Sprintf("ledger net %.8f vs venue %.8f (agents %v)",
					net.NetSize, vp.SignedSize(), net.AgentIDs),
			}
			findings = append(findings, f)
			logger.Warnf("reconcile: size drift on account %d %s: %s", accountID, sym, f.Detail)
		}
	}

	for sym, vp := range venue {
		if _, tracked := nets[sym]; tracked {
			continue
		}
		// Orphan: the venue holds a position no agent claims. Never adopt
		// it into the ledger; ownership cannot be attributed to an agent.
		f := Finding{
			Kind:      "orphan",
			AccountID: accountID,
			Symbol:    sym,
			Detail:    fmt.Sprintf("venue holds %s %.8f with no ledger record", vp.Side, vp.Size),
		}
		findings = append(findings, f)
		logger.Warnf("reconcile: orphan position on account %d: %s", accountID, f.Detail)
		j.alert(fmt.Sprintf("Orphan position on account %d: %s %s %.8f, not tracked by any agent",
			accountID, symbol.Display(sym), vp.Side, vp.Size))
	}

	return findings, nil
}

// handleZombies closes ledger records whose symbol the venue no longer
// holds. Records younger than the grace period are skipped: the venue's
// position list can lag a just-opened position.
func (j *Job) handleZombies(ctx context.Context, accountID int64, net ledger.NetPosition) []Finding {
	var findings []Finding
	for _, rec := range net.Records {
		if time.Since(rec.OpenedAt) < j.gracePeriod {
			logger.Debugf("reconcile: skipping young position %d (%s) within grace period", rec.ID, rec.Symbol)
			continue
		}
		// Closed externally (manual close, liquidation, stop fill). The
		// true close price is unknown, so PnL records as zero.
		if _, err := j.ledger.Close(ctx, rec.ID, 0, 0, "reconcile_zombie"); err != nil {
			logger.Errorf("reconcile: closing zombie position %d failed: %v", rec.ID, err)
			continue
		}
		f := Finding{
			Kind:      "zombie",
			AccountID: accountID,
			Symbol:    rec.Symbol,
			Detail:    fmt.Sprintf("position %d (agent %d) closed externally", rec.ID, rec.AgentID),
		}
		findings = append(findings, f)
		logger.Warnf("reconcile: zombie on account %d: %s", accountID, f.Detail)
		j.alert(fmt.Sprintf("Position closed externally: agent %d %s (account %d), marked closed with zero PnL",
			rec.AgentID, symbol.Display(rec.Symbol), accountID))
	}
	return findings
}

func (j *Job) alert(msg string) {
	if err := j.notify.SendText(msg); err != nil {
		logger.Warnf("reconcile: alert failed: %v", err)
	}
}
