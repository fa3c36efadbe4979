// Package exchange defines a common abstraction over perpetual futures
// venues. The ledger and executor only ever talk to an Adapter, so backends
// (Binance, paper trading, future venues) are interchangeable.
package exchange

import (
	"context"
	"time"
)

const (
	SideLong  = "long"
	SideShort = "short"
)

// Position is a live position as the venue reports it.
type Position struct {
	Symbol        string
	Side          string  // "long" or "short"
	Size          float64 // contract units, always positive
	EntryPrice    float64
	MarkPrice     float64
	Leverage      float64
	UnrealizedPnL float64
	UpdatedAt     time.Time

	// Raw venue payload, kept for debugging.
	Raw map[string]any
}

// SignedSize returns the position size with long positive, short negative.
func (p Position) SignedSize() float64 {
	if p.Side == SideShort {
		return -p.Size
	}
	return p.Size
}

// AccountState is an aggregate snapshot of the venue account.
type AccountState struct {
	Equity           float64
	AvailableBalance float64
	TotalMarginUsed  float64
	UnrealizedPnL    float64
	Positions        []Position
	UpdatedAt        time.Time
}

// OrderRequest carries the parameters for a market entry.
type OrderRequest struct {
	Symbol     string
	SizeUSD    float64 // notional in quote currency
	Leverage   float64
	StopLoss   float64 // 0 = none
	TakeProfit float64 // 0 = none
}

// OrderResult is the uniform outcome of any order call. Venue rejections
// that arrive as structured responses land here with Success=false; transport
// and auth failures surface as Go errors instead.
type OrderResult struct {
	Success     bool
	OrderID     string
	Symbol      string
	Side        string
	FilledSize  float64
	FilledPrice float64
	Error       string
}

type Kline struct {
	OpenTime  time.Time
	CloseTime time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

type Ticker struct {
	Symbol    string
	Last      float64
	UpdatedAt time.Time
}

// Adapter is the uniform trading interface. Implementations must be safe for
// concurrent calls on different symbols; same-symbol ordering is the
// ledger's job, enforced through claiming.
type Adapter interface {
	Name() string

	// Initialize loads market metadata. Expensive; the connection pool makes
	// sure it runs once per credential set.
	Initialize(ctx context.Context) error
	Close() error

	AccountState(ctx context.Context) (AccountState, error)
	// Position returns the venue's net position for symbol, nil when flat.
	Position(ctx context.Context, symbol string) (*Position, error)

	OpenLong(ctx context.Context, req OrderRequest) (OrderResult, error)
	OpenShort(ctx context.Context, req OrderRequest) (OrderResult, error)
	ClosePosition(ctx context.Context, symbol string) (OrderResult, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)
	Ticker(ctx context.Context, symbol string) (Ticker, error)
}
