package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"agentledger/internal/agent"
	alcfg "agentledger/internal/config"
	"agentledger/internal/exchange"
	"agentledger/internal/exchange/binancef"
	"agentledger/internal/exchange/pool"
	"agentledger/internal/executor"
	"agentledger/internal/ledger"
	"agentledger/internal/lock"
	"agentledger/internal/logger"
	"agentledger/internal/notifier"
	"agentledger/internal/pkg/circuit"
	"agentledger/internal/pnl"
	"agentledger/internal/reconcile"
	httpapi "agentledger/internal/transport/http"
)

// AppBuilder assembles the component graph. Build steps are swappable so
// tests can substitute in-memory pieces.
type AppBuilder struct {
	cfg *alcfg.Config

	lockFn    func(alcfg.RedisConfig) lock.DistributedLock
	notifyFn  func(alcfg.NotifyConfig) notifier.TextNotifier
	factoryFn pool.Factory
}

type AppBuilderOption func(*AppBuilder)

// WithAdapterFactory substitutes the venue adapter factory.
func WithAdapterFactory(f pool.Factory) AppBuilderOption {
	return func(b *AppBuilder) { b.factoryFn = f }
}

// WithLockProvider substitutes the distributed lock construction.
func WithLockProvider(fn func(alcfg.RedisConfig) lock.DistributedLock) AppBuilderOption {
	return func(b *AppBuilder) { b.lockFn = fn }
}

func NewAppBuilder(cfg *alcfg.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:       cfg,
		lockFn:    buildLock,
		notifyFn:  buildNotifier,
		factoryFn: buildVenueAdapter,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	cfg := b.cfg
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}

	store, err := ledger.NewStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening ledger store: %w", err)
	}

	agents, err := agent.NewRepository(store.GormDB())
	if err != nil {
		return nil, fmt.Errorf("building agent repository: %w", err)
	}

	recorder, err := pnl.NewRecorder(store.GormDB(), agents)
	if err != nil {
		return nil, fmt.Errorf("building pnl recorder: %w", err)
	}

	locks := b.lockFn(cfg.Redis)
	notify := b.notifyFn(cfg.Notify)

	ledgerSvc, err := ledger.NewService(store, locks,
		ledger.WithLockWait(time.Duration(cfg.Ledger.LockWaitSeconds)*time.Second),
		ledger.WithLockTTL(time.Duration(cfg.Ledger.LockTTLSeconds)*time.Second),
		ledger.WithRecorder(recorder),
	)
	if err != nil {
		return nil, err
	}

	adapterPool, err := pool.New(b.factoryFn,
		pool.WithMaxSize(cfg.Pool.MaxAdapters),
		pool.WithIdleTimeout(time.Duration(cfg.Pool.IdleTimeoutMinutes)*time.Minute),
	)
	if err != nil {
		return nil, err
	}

	accounts := &accountAdapters{agents: agents, pool: adapterPool}
	agentSource := &agentSnapshots{agents: agents}

	breaker := circuit.NewCircuitBreaker("orders",
		cfg.Trading.BreakerThreshold,
		time.Duration(cfg.Trading.BreakerTimeoutSeconds)*time.Second)
	breaker.SetStateChangeHandler(func(name string, from, to circuit.State) {
		logger.Warnf("circuit %s: %s -> %s", name, from, to)
	})

	exec, err := executor.NewService(ledgerSvc, agentSource, accounts, breaker, notify,
		executor.WithDefaultLeverage(float64(cfg.Trading.DefaultLeverage)),
		executor.WithMaxPositionUSD(cfg.Trading.MaxPositionUSD),
	)
	if err != nil {
		return nil, err
	}

	var reconcileJob *reconcile.Job
	if cfg.Reconcile.Enabled {
		reconcileJob, err = reconcile.NewJob(ledgerSvc, accounts, notify,
			reconcile.WithInterval(time.Duration(cfg.Reconcile.IntervalSeconds)*time.Second),
			reconcile.WithGracePeriod(time.Duration(cfg.Reconcile.GracePeriodSeconds)*time.Second),
			reconcile.WithStaleAge(time.Duration(cfg.Ledger.StalePendingMinutes)*time.Minute),
			reconcile.WithConcurrency(cfg.Reconcile.Concurrency),
		)
		if err != nil {
			return nil, err
		}
	}

	httpSrv, err := httpapi.NewServer(httpapi.ServerConfig{
		Addr:      cfg.App.HTTPAddr,
		Agents:    agents,
		Ledger:    ledgerSvc,
		Recorder:  recorder,
		Reconcile: reconcileJob,
	})
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:       cfg,
		store:     store,
		agents:    agents,
		ledger:    ledgerSvc,
		executor:  exec,
		pool:      adapterPool,
		locks:     locks,
		reconcile: reconcileJob,
		http:      httpSrv,
	}, nil
}

func buildLock(cfg alcfg.RedisConfig) lock.DistributedLock {
	if !cfg.Enabled {
		return lock.NewNopLock()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	rl := lock.NewRedisLock(client, "agentledger")
	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rl.Ping(pingCtx); err != nil {
		logger.Warnf("redis unreachable at %s, claims fall back to db constraint: %v", cfg.Addr, err)
	}
	return rl
}

func buildNotifier(cfg alcfg.NotifyConfig) notifier.TextNotifier {
	tg := cfg.Telegram
	if !tg.Enabled {
		return notifier.Nop{}
	}
	return notifier.NewTelegram(tg.BotToken, tg.ChatID)
}

func buildVenueAdapter(creds pool.Credentials) (exchange.Adapter, error) {
	switch creds.Exchange {
	case "binance", "":
		return binancef.New(binancef.Config{
			APIKey:    creds.APIKey,
			APISecret: creds.APISecret,
			Network:   creds.Network,
		})
	default:
		return nil, fmt.Errorf("unsupported exchange %q", creds.Exchange)
	}
}

// accountAdapters resolves pooled adapters from stored account credentials.
// It is the app's reconcile.AdapterProvider and ledger.EquityProvider.
type accountAdapters struct {
	agents *agent.Repository
	pool   *pool.Pool
}

func (a *accountAdapters) AdapterForAccount(ctx context.Context, accountID int64) (exchange.Adapter, error) {
	acct, err := a.agents.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return a.pool.Get(ctx, pool.Credentials{
		Exchange:  acct.Exchange,
		APIKey:    acct.APIKey,
		APISecret: acct.APISecret,
		Network:   acct.Network,
	})
}

func (a *accountAdapters) AccountEquity(ctx context.Context, accountID int64) (float64, error) {
	adapter, err := a.AdapterForAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	state, err := adapter.AccountState(ctx)
	if err != nil {
		return 0, err
	}
	return state.Equity, nil
}

// agentSnapshots adapts the agent repository to the ledger's view.
type agentSnapshots struct {
	agents *agent.Repository
}

func (a *agentSnapshots) GetAgent(ctx context.Context, id int64) (ledger.AgentSnapshot, error) {
	ag, err := a.agents.Get(ctx, id)
	if err != nil {
		return ledger.AgentSnapshot{}, err
	}
	return ledger.AgentSnapshot{
		ID:            ag.ID,
		Mode:          string(ag.Mode),
		AccountID:     ag.AccountID,
		AllocationUSD: ag.AllocationUSD,
		AllocationPct: ag.AllocationPct,
		MockBalance:   ag.MockBalance,
		TotalPnL:      ag.TotalPnL,
	}, nil
}
