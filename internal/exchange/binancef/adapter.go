// Package binancef implements exchange.Adapter for Binance USDT-margined
// perpetual futures via the go-binance SDK.
package binancef

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"agentledger/internal/exchange"
	"agentledger/internal/logger"
	symbolpkg "agentledger/internal/pkg/symbol"
)

const (
	mainnetBaseURL = "https://fapi.binance.com"
	testnetBaseURL = "https://testnet.binancefuture.com"

	maxKlineLimit = 1500
)

type Config struct {
	APIKey      string
	APISecret   string
	Network     string // "mainnet" | "testnet"
	HTTPTimeout time.Duration
}

// symbolMeta caches per-symbol precision from exchange info.
type symbolMeta struct {
	pricePrecision    int
	quantityPrecision int
}

type Adapter struct {
	cfg    Config
	client *futures.Client

	mu   sync.RWMutex
	meta map[string]symbolMeta
}

func New(cfg Config) (*Adapter, error) {
	if strings.TrimSpace(cfg.APIKey) == "" || strings.TrimSpace(cfg.APISecret) == "" {
		return nil, fmt.Errorf("binance: api key and secret are required")
	}
	client := futures.NewClient(cfg.APIKey, cfg.APISecret)
	if strings.EqualFold(cfg.Network, "testnet") {
		client.BaseURL = testnetBaseURL
	} else {
		client.BaseURL = mainnetBaseURL
	}
	if cfg.HTTPTimeout > 0 {
		client.HTTPClient.Timeout = cfg.HTTPTimeout
	}
	return &Adapter{
		cfg:    cfg,
		client: client,
		meta:   make(map[string]symbolMeta),
	}, nil
}

func (a *Adapter) Name() string { return "binance" }

// Initialize loads exchange info once to learn price and quantity precision
// for every trading pair.
func (a *Adapter) Initialize(ctx context.Context) error {
	info, err := a.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return fmt.Errorf("binance: loading exchange info: %w", err)
	}
	meta := make(map[string]symbolMeta, len(info.Symbols))
	for _, s := range info.Symbols {
		meta[s.Symbol] = symbolMeta{
			pricePrecision:    s.PricePrecision,
			quantityPrecision: s.QuantityPrecision,
		}
	}
	a.mu.Lock()
	a.meta = meta
	a.mu.Unlock()
	logger.Infof("binance: exchange info loaded, %d symbols", len(meta))
	return nil
}

func (a *Adapter) Close() error { return nil }

func (a *Adapter) AccountState(ctx context.Context) (exchange.AccountState, error) {
	acct, err := a.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return exchange.AccountState{}, fmt.Errorf("binance: account: %w", err)
	}
	state := exchange.AccountState{
		Equity:           parseFloat(acct.TotalMarginBalance),
		AvailableBalance: parseFloat(acct.AvailableBalance),
		UnrealizedPnL:    parseFloat(acct.TotalUnrealizedProfit),
		TotalMarginUsed:  parseFloat(acct.TotalPositionInitialMargin),
		UpdatedAt:        time.Now(),
	}
	for _, p := range acct.Positions {
		amt := parseFloat(p.PositionAmt)
		if amt == 0 {
			continue
		}
		side := exchange.SideLong
		if amt < 0 {
			side = exchange.SideShort
		}
		state.Positions = append(state.Positions, exchange.Position{
			Symbol:        p.Symbol,
			Side:          side,
			Size:          math.Abs(amt),
			EntryPrice:    parseFloat(p.EntryPrice),
			Leverage:      parseFloat(p.Leverage),
			UnrealizedPnL: parseFloat(p.UnrealizedProfit),
			UpdatedAt:     state.UpdatedAt,
		})
	}
	return state, nil
}

// Position returns the venue's net position for symbol, nil when flat.
func (a *Adapter) Position(ctx context.Context, symbol string) (*exchange.Position, error) {
	sym := toVenueSymbol(symbol)
	risks, err := a.client.NewGetPositionRiskService().Symbol(sym).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance: position risk %s: %w", sym, err)
	}
	for _, r := range risks {
		amt := parseFloat(r.PositionAmt)
		if amt == 0 {
			continue
		}
		side := exchange.SideLong
		if amt < 0 {
			side = exchange.SideShort
		}
		return &exchange.Position{
			Symbol:        r.Symbol,
			Side:          side,
			Size:          math.Abs(amt),
			EntryPrice:    parseFloat(r.EntryPrice),
			MarkPrice:     parseFloat(r.MarkPrice),
			Leverage:      parseFloat(r.Leverage),
			UnrealizedPnL: parseFloat(r.UnRealizedProfit),
			UpdatedAt:     time.Now(),
		}, nil
	}
	return nil, nil
}

func (a *Adapter) OpenLong(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	return a.openMarket(ctx, req, futures.SideTypeBuy, exchange.SideLong)
}

func (a *Adapter) OpenShort(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	return a.openMarket(ctx, req, futures.SideTypeSell, exchange.SideShort)
}

func (a *Adapter) openMarket(ctx context.Context, req exchange.OrderRequest, venueSide futures.SideType, side string) (exchange.OrderResult, error) {
	sym := toVenueSymbol(req.Symbol)
	if req.SizeUSD <= 0 {
		return exchange.OrderResult{}, fmt.Errorf("binance: size_usd must be > 0")
	}
	if req.Leverage > 0 {
		if err := a.SetLeverage(ctx, sym, int(req.Leverage)); err != nil {
			logger.Warnf("binance: setting leverage %dx on %s failed: %v", int(req.Leverage), sym, err)
		}
	}
	price, err := a.lastPrice(ctx, sym)
	if err != nil {
		return exchange.OrderResult{}, err
	}
	qty := a.formatQuantity(sym, req.SizeUSD/price)
	if parseFloat(qty) <= 0 {
		return exchange.OrderResult{}, fmt.Errorf("binance: %s notional %.2f rounds to zero quantity", sym, req.SizeUSD)
	}

	resp, err := a.client.NewCreateOrderService().
		Symbol(sym).
		Side(venueSide).
		Type(futures.OrderTypeMarket).
		Quantity(qty).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT).
		Do(ctx)
	if err != nil {
		return exchange.OrderResult{}, fmt.Errorf("binance: market %s %s: %w", venueSide, sym, err)
	}

	result := exchange.OrderResult{
		Success:     true,
		OrderID:     strconv.FormatInt(resp.OrderID, 10),
		Symbol:      sym,
		Side:        side,
		FilledSize:  parseFloat(resp.ExecutedQuantity),
		FilledPrice: parseFloat(resp.AvgPrice),
	}
	if result.FilledPrice == 0 {
		result.FilledPrice = price
	}
	if result.FilledSize == 0 {
		result.FilledSize = parseFloat(qty)
	}

	a.placeProtectiveOrders(ctx, sym, venueSide, req)
	return result, nil
}

// placeProtectiveOrders attaches optional close-position stop loss and take
// profit. Failures here do not fail the entry; the position is already open.
func (a *Adapter) placeProtectiveOrders(ctx context.Context, sym string, entrySide futures.SideType, req exchange.OrderRequest) {
	if req.StopLoss <= 0 && req.TakeProfit <= 0 {
		return
	}
	exitSide := futures.SideTypeSell
	if entrySide == futures.SideTypeSell {
		exitSide = futures.SideTypeBuy
	}
	if req.StopLoss > 0 {
		_, err := a.client.NewCreateOrderService().
			Symbol(sym).
			Side(exitSide).
			Type(futures.OrderTypeStopMarket).
			StopPrice(a.formatPrice(sym, req.StopLoss)).
			ClosePosition(true).
			Do(ctx)
		if err != nil {
			logger.Errorf("binance: placing stop loss on %s at %.4f failed: %v", sym, req.StopLoss, err)
		}
	}
	if req.TakeProfit > 0 {
		_, err := a.client.NewCreateOrderService().
			Symbol(sym).
			Side(exitSide).
			Type(futures.OrderTypeTakeProfitMarket).
			StopPrice(a.formatPrice(sym, req.TakeProfit)).
			ClosePosition(true).
			Do(ctx)
		if err != nil {
			logger.Errorf("binance: placing take profit on %s at %.4f failed: %v", sym, req.TakeProfit, err)
		}
	}
}

// ClosePosition flattens the symbol with a reduce-only market order sized to
// the venue's reported position.
func (a *Adapter) ClosePosition(ctx context.Context, symbol string) (exchange.OrderResult, error) {
	sym := toVenueSymbol(symbol)
	pos, err := a.Position(ctx, sym)
	if err != nil {
		return exchange.OrderResult{}, err
	}
	if pos == nil {
		return exchange.OrderResult{
			Success: false,
			Symbol:  sym,
			Error:   "no open position",
		}, nil
	}
	exitSide := futures.SideTypeSell
	if pos.Side == exchange.SideShort {
		exitSide = futures.SideTypeBuy
	}
	qty := a.formatQuantity(sym, pos.Size)
	resp, err := a.client.NewCreateOrderService().
		Symbol(sym).
		Side(exitSide).
		Type(futures.OrderTypeMarket).
		Quantity(qty).
		ReduceOnly(true).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT).
		Do(ctx)
	if err != nil {
		return exchange.OrderResult{}, fmt.Errorf("binance: closing %s: %w", sym, err)
	}
	result := exchange.OrderResult{
		Success:     true,
		OrderID:     strconv.FormatInt(resp.OrderID, 10),
		Symbol:      sym,
		Side:        pos.Side,
		FilledSize:  parseFloat(resp.ExecutedQuantity),
		FilledPrice: parseFloat(resp.AvgPrice),
	}
	if result.FilledPrice == 0 {
		result.FilledPrice = pos.MarkPrice
	}
	return result, nil
}

func (a *Adapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if leverage <= 0 {
		return nil
	}
	sym := toVenueSymbol(symbol)
	_, err := a.client.NewChangeLeverageService().Symbol(sym).Leverage(leverage).Do(ctx)
	if err != nil {
		return fmt.Errorf("binance: changing leverage on %s: %w", sym, err)
	}
	return nil
}

func (a *Adapter) Klines(ctx context.Context, symbol, interval string, limit int) ([]exchange.Kline, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > maxKlineLimit {
		limit = maxKlineLimit
	}
	sym := toVenueSymbol(symbol)
	kls, err := a.client.NewKlinesService().
		Symbol(sym).
		Interval(strings.ToLower(strings.TrimSpace(interval))).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance: klines %s %s: %w", sym, interval, err)
	}
	out := make([]exchange.Kline, 0, len(kls))
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		out = append(out, exchange.Kline{
			OpenTime:  time.UnixMilli(kl.OpenTime),
			CloseTime: time.UnixMilli(kl.CloseTime),
			Open:      parseFloat(kl.Open),
			High:      parseFloat(kl.High),
			Low:       parseFloat(kl.Low),
			Close:     parseFloat(kl.Close),
			Volume:    parseFloat(kl.Volume),
		})
	}
	return out, nil
}

func (a *Adapter) Ticker(ctx context.Context, symbol string) (exchange.Ticker, error) {
	sym := toVenueSymbol(symbol)
	last, err := a.lastPrice(ctx, sym)
	if err != nil {
		return exchange.Ticker{}, err
	}
	return exchange.Ticker{Symbol: sym, Last: last, UpdatedAt: time.Now()}, nil
}

func (a *Adapter) lastPrice(ctx context.Context, sym string) (float64, error) {
	prices, err := a.client.NewListPricesService().Symbol(sym).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("binance: price %s: %w", sym, err)
	}
	for _, p := range prices {
		if p.Symbol == sym {
			v := parseFloat(p.Price)
			if v <= 0 {
				return 0, fmt.Errorf("binance: zero price for %s", sym)
			}
			return v, nil
		}
	}
	return 0, fmt.Errorf("binance: no price for %s", sym)
}

func (a *Adapter) formatQuantity(sym string, qty float64) string {
	prec := 3
	a.mu.RLock()
	if m, ok := a.meta[sym]; ok {
		prec = m.quantityPrecision
	}
	a.mu.RUnlock()
	// Truncate, never round up: rounding up can exceed available margin.
	factor := math.Pow10(prec)
	qty = math.Floor(qty*factor) / factor
	return strconv.FormatFloat(qty, 'f', prec, 64)
}

func (a *Adapter) formatPrice(sym string, price float64) string {
	prec := 2
	a.mu.RLock()
	if m, ok := a.meta[sym]; ok {
		prec = m.pricePrecision
	}
	a.mu.RUnlock()
	return strconv.FormatFloat(price, 'f', prec, 64)
}

// toVenueSymbol strips separators: ETH/USDT -> ETHUSDT.
func toVenueSymbol(symbol string) string {
	return symbolpkg.Normalize(symbol)
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}
