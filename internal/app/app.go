// Package app builds and runs the full service: ledger store, agent
// repository, executor, connection pool, reconciliation loop, HTTP surface.
package app

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"agentledger/internal/agent"
	alcfg "agentledger/internal/config"
	"agentledger/internal/exchange/pool"
	"agentledger/internal/executor"
	"agentledger/internal/ledger"
	"agentledger/internal/lock"
	"agentledger/internal/logger"
	"agentledger/internal/reconcile"
	httpapi "agentledger/internal/transport/http"
)

type App struct {
	cfg       *alcfg.Config
	store     *ledger.Store
	agents    *agent.Repository
	ledger    *ledger.Service
	executor  *executor.Service
	pool      *pool.Pool
	locks     lock.DistributedLock
	reconcile *reconcile.Job
	http      *httpapi.Server
}

// NewApp builds the application from config without starting anything.
func NewApp(cfg *alcfg.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Run serves until ctx is canceled, then releases every resource.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	defer a.close()

	group, ctx := errgroup.WithContext(ctx)

	if a.http != nil {
		group.Go(func() error {
			logger.Infof("http listening on %s", a.http.Addr())
			if err := a.http.Start(ctx); err != nil {
				return fmt.Errorf("http server error: %w", err)
			}
			return nil
		})
	}

	if a.reconcile != nil {
		group.Go(func() error {
			a.reconcile.Start(ctx)
			return nil
		})
	}

	return group.Wait()
}

// Executor exposes the trade execution service for embedding callers.
func (a *App) Executor() *executor.Service {
	if a == nil {
		return nil
	}
	return a.executor
}

// Ledger exposes the ledger service.
func (a *App) Ledger() *ledger.Service {
	if a == nil {
		return nil
	}
	return a.ledger
}

// Reconcile exposes the reconciliation job, nil when disabled.
func (a *App) Reconcile() *reconcile.Job {
	if a == nil {
		return nil
	}
	return a.reconcile
}

// Agents exposes the agent repository.
func (a *App) Agents() *agent.Repository {
	if a == nil {
		return nil
	}
	return a.agents
}

func (a *App) close() {
	if a.pool != nil {
		if err := a.pool.Close(); err != nil {
			logger.Warnf("closing adapter pool: %v", err)
		}
	}
	if a.locks != nil {
		if err := a.locks.Close(); err != nil {
			logger.Warnf("closing lock provider: %v", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logger.Warnf("closing ledger store: %v", err)
		}
	}
}
