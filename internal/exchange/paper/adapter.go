// Package paper is an in-memory exchange.Adapter used by mock-mode agents
// and tests. Orders fill instantly at the configured mark price.
package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"agentledger/internal/exchange"
	symbolpkg "agentledger/internal/pkg/symbol"
)

type Adapter struct {
	mu        sync.Mutex
	balance   float64
	prices    map[string]float64
	positions map[string]*exchange.Position
	nextID    int64
}

func New(initialBalance float64) *Adapter {
	return &Adapter{
		balance:   initialBalance,
		prices:    make(map[string]float64),
		positions: make(map[string]*exchange.Position),
		nextID:    1,
	}
}

// SetPrice sets the mark price trades fill at.
func (a *Adapter) SetPrice(symbol string, price float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prices[key(symbol)] = price
}

func (a *Adapter) Name() string { return "paper" }

func (a *Adapter) Initialize(context.Context) error { return nil }

func (a *Adapter) Close() error { return nil }

func (a *Adapter) AccountState(context.Context) (exchange.AccountState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	state := exchange.AccountState{
		Equity:    a.balance,
		UpdatedAt: time.Now(),
	}
	for _, p := range a.positions {
		cp := *p
		cp.MarkPrice = a.prices[cp.Symbol]
		cp.UnrealizedPnL = unrealized(cp)
		state.Positions = append(state.Positions, cp)
		state.UnrealizedPnL += cp.UnrealizedPnL
		if cp.Leverage > 0 {
			state.TotalMarginUsed += cp.Size * cp.EntryPrice / cp.Leverage
		}
	}
	state.Equity += state.UnrealizedPnL
	state.AvailableBalance = state.Equity - state.TotalMarginUsed
	return state, nil
}

func (a *Adapter) Position(_ context.Context, symbol string) (*exchange.Position, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.positions[key(symbol)]
	if !ok {
		return nil, nil
	}
	cp := *p
	cp.MarkPrice = a.prices[cp.Symbol]
	cp.UnrealizedPnL = unrealized(cp)
	return &cp, nil
}

func (a *Adapter) OpenLong(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	return a.open(req, exchange.SideLong)
}

func (a *Adapter) OpenShort(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	return a.open(req, exchange.SideShort)
}

func (a *Adapter) open(req exchange.OrderRequest, side string) (exchange.OrderResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	sym := key(req.Symbol)
	price, ok := a.prices[sym]
	if !ok || price <= 0 {
		return exchange.OrderResult{}, fmt.Errorf("paper: no price for %s", sym)
	}
	size := req.SizeUSD / price

	if existing, ok := a.positions[sym]; ok {
		if existing.Side != side {
			return exchange.OrderResult{
				Success: false,
				Symbol:  sym,
				Error:   "opposite side position exists",
			}, nil
		}
		// Fold into the existing position at the volume-weighted entry.
		newSize := existing.Size + size
		existing.EntryPrice = (existing.Size*existing.EntryPrice + size*price) / newSize
		existing.Size = newSize
		existing.UpdatedAt = time.Now()
	} else {
		a.positions[sym] = &exchange.Position{
			Symbol:     sym,
			Side:       side,
			Size:       size,
			EntryPrice: price,
			Leverage:   req.Leverage,
			UpdatedAt:  time.Now(),
		}
	}
	id := a.nextID
	a.nextID++
	return exchange.OrderResult{
		Success:     true,
		OrderID:     fmt.Sprintf("paper-%d", id),
		Symbol:      sym,
		Side:        side,
		FilledSize:  size,
		FilledPrice: price,
	}, nil
}

func (a *Adapter) ClosePosition(_ context.Context, symbol string) (exchange.OrderResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	sym := key(symbol)
	p, ok := a.positions[sym]
	if !ok {
		return exchange.OrderResult{
			Success: false,
			Symbol:  sym,
			Error:   "no open position",
		}, nil
	}
	price := a.prices[sym]
	if price <= 0 {
		price = p.EntryPrice
	}
	pnl := (price - p.EntryPrice) * p.Size
	if p.Side == exchange.SideShort {
		pnl = -pnl
	}
	a.balance += pnl
	delete(a.positions, sym)
	id := a.nextID
	a.nextID++
	return exchange.OrderResult{
		Success:     true,
		OrderID:     fmt.Sprintf("paper-%d", id),
		Symbol:      sym,
		Side:        p.Side,
		FilledSize:  p.Size,
		FilledPrice: price,
	}, nil
}

func (a *Adapter) SetLeverage(_ context.Context, symbol string, leverage int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.positions[key(symbol)]; ok {
		p.Leverage = float64(leverage)
	}
	return nil
}

func (a *Adapter) Klines(context.Context, string, string, int) ([]exchange.Kline, error) {
	return nil, fmt.Errorf("paper: klines not supported")
}

func (a *Adapter) Ticker(_ context.Context, symbol string) (exchange.Ticker, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	sym := key(symbol)
	price, ok := a.prices[sym]
	if !ok {
		return exchange.Ticker{}, fmt.Errorf("paper: no price for %s", sym)
	}
	return exchange.Ticker{Symbol: sym, Last: price, UpdatedAt: time.Now()}, nil
}

func key(symbol string) string {
	return symbolpkg.Normalize(symbol)
}

func unrealized(p exchange.Position) float64 {
	if p.MarkPrice <= 0 {
		return 0
	}
	diff := p.MarkPrice - p.EntryPrice
	if p.Side == exchange.SideShort {
		diff = -diff
	}
	return diff * p.Size
}
