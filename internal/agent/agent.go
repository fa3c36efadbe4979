// Package agent holds the trading-agent domain: a configured instance that
// binds a strategy to either a live exchange account or a mock simulation,
// with its own capital allocation and lifecycle.
package agent

import (
	"fmt"
	"time"
)

type Mode string

const (
	ModeLive Mode = "live"
	ModeMock Mode = "mock"
)

type Status string

const (
	StatusDraft   Status = "draft"
	StatusActive  Status = "active"
	StatusPaused  Status = "paused"
	StatusStopped Status = "stopped"
	StatusError   Status = "error"
	StatusWarning Status = "warning"
)

// statusTransitions is the single place legal lifecycle moves are declared.
var statusTransitions = map[Status][]Status{
	StatusDraft:   {StatusActive, StatusStopped},
	StatusActive:  {StatusPaused, StatusStopped, StatusError, StatusWarning},
	StatusPaused:  {StatusActive, StatusStopped},
	StatusWarning: {StatusActive, StatusPaused, StatusStopped, StatusError},
	StatusError:   {StatusActive, StatusStopped},
	StatusStopped: {},
}

func CanTransition(from, to Status) bool {
	for _, s := range statusTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Agent is one configured trading instance. AllocationUSD and AllocationPct
// are mutually exclusive; both nil means no capital limit.
type Agent struct {
	ID         int64
	UserID     int64
	Name       string
	StrategyID int64
	Mode       Mode
	AccountID  *int64 // nil for mock agents

	AllocationUSD *float64 // fixed allocation in quote currency
	AllocationPct *float64 // percent of live account equity, 0-100
	MockBalance   float64  // virtual balance for mock mode

	Status Status

	// Cumulative performance counters, updated by the PnL recorder.
	TotalPnL    float64
	TradeCount  int
	WinCount    int
	MaxDrawdown float64

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (a *Agent) Validate() error {
	if a == nil {
		return fmt.Errorf("agent is nil")
	}
	if a.AllocationUSD != nil && a.AllocationPct != nil {
		return fmt.Errorf("agent %d: allocation_usd and allocation_pct are mutually exclusive", a.ID)
	}
	if a.AllocationPct != nil && (*a.AllocationPct <= 0 || *a.AllocationPct > 100) {
		return fmt.Errorf("agent %d: allocation_pct must be in (0,100]", a.ID)
	}
	if a.AllocationUSD != nil && *a.AllocationUSD <= 0 {
		return fmt.Errorf("agent %d: allocation_usd must be > 0", a.ID)
	}
	if a.Mode == ModeLive && a.AccountID == nil {
		return fmt.Errorf("agent %d: live mode requires an exchange account", a.ID)
	}
	return nil
}

// HasCapitalLimit reports whether any allocation is configured.
func (a *Agent) HasCapitalLimit() bool {
	if a == nil {
		return false
	}
	if a.AllocationUSD != nil && *a.AllocationUSD > 0 {
		return true
	}
	return a.AllocationPct != nil && *a.AllocationPct > 0
}

// ExchangeAccount stores venue credentials. CredentialHash is derived from
// the key pair and used as part of the connection-pool key; raw secrets are
// never logged.
type ExchangeAccount struct {
	ID        int64
	UserID    int64
	Exchange  string // "binance", ...
	Network   string // "mainnet" | "testnet"
	APIKey    string
	APISecret string
	Label     string
	CreatedAt time.Time
}
