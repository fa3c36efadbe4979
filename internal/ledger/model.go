// Package ledger owns per-agent position records and their state machine.
//
// Several agents may share one exchange account, yet each behaves as if it
// owned an isolated sub-ledger: the uniqueness guarantee is one active
// position per (agent, symbol), NOT per (account, symbol). Two agents on the
// same account may simultaneously hold opposing positions on one symbol; the
// exchange only ever sees the net aggregate.
package ledger

import (
	"strings"
	"time"
)

type PositionStatus int

const (
	// PositionStatusPending: slot claimed, exchange order not yet confirmed.
	// This is the crash-safety mechanism: the claim exists before any money
	// moves, so a crash mid-order leaves a visible, garbage-collectable row.
	PositionStatusPending PositionStatus = 0
	PositionStatusOpen    PositionStatus = 1
	PositionStatusClosed  PositionStatus = 2
)

func (s PositionStatus) String() string {
	switch s {
	case PositionStatusPending:
		return "pending"
	case PositionStatusOpen:
		return "open"
	case PositionStatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	SideLong  = "long"
	SideShort = "short"
)

// NormalizeSide maps common aliases onto the two canonical sides.
func NormalizeSide(side string) string {
	switch strings.ToLower(strings.TrimSpace(side)) {
	case "short", "sell":
		return SideShort
	default:
		return SideLong
	}
}

// PositionRecord is one agent's claim on one symbol.
type PositionRecord struct {
	ID        int64
	AgentID   int64
	AccountID *int64 // nil for mock-mode agents
	Symbol    string // normalized uppercase
	Side      string // long | short
	Status    PositionStatus

	Size       float64 // contract units
	SizeUSD    float64 // notional in quote currency
	EntryPrice float64
	Leverage   float64

	RealizedPnL float64
	ClosePrice  float64
	ExitReason  string

	TraceID string

	OpenedAt  time.Time
	ClosedAt  *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Margin is the capital backing the position: notional / leverage.
func (p PositionRecord) Margin() float64 {
	if p.Leverage <= 0 {
		return p.SizeUSD
	}
	return p.SizeUSD / p.Leverage
}

// SignedSize returns size with long positive, short negative.
func (p PositionRecord) SignedSize() float64 {
	if p.Side == SideShort {
		return -p.Size
	}
	return p.Size
}

// UnrealizedPnL against a mark price; zero when the price is unknown.
func (p PositionRecord) UnrealizedPnL(markPrice float64) float64 {
	if markPrice <= 0 || p.Status != PositionStatusOpen {
		return 0
	}
	if p.Side == SideShort {
		return (p.EntryPrice - markPrice) * p.Size
	}
	return (markPrice - p.EntryPrice) * p.Size
}

type positionModel struct {
	ID            int64          `gorm:"column:id;primaryKey"`
	AgentID       int64          `gorm:"column:agent_id;index"`
	AccountID     *int64         `gorm:"column:account_id;index"`
	Symbol        string         `gorm:"column:symbol;index"`
	Side          string         `gorm:"column:side"`
	Status        PositionStatus `gorm:"column:status;index"`
	Size          float64        `gorm:"column:size"`
	SizeUSD       float64        `gorm:"column:size_usd"`
	EntryPrice    float64        `gorm:"column:entry_price"`
	Leverage      float64        `gorm:"column:leverage"`
	RealizedPnL   float64        `gorm:"column:realized_pnl"`
	ClosePrice    float64        `gorm:"column:close_price"`
	ExitReason    string         `gorm:"column:exit_reason"`
	TraceID       string         `gorm:"column:trace_id;index"`
	OpenedAtUnix  int64          `gorm:"column:opened_at"`
	ClosedAtUnix  int64          `gorm:"column:closed_at"`
	CreatedAtUnix int64          `gorm:"column:created_at"`
	UpdatedAtUnix int64          `gorm:"column:updated_at"`
}

func (positionModel) TableName() string { return "agent_positions" }

func newPositionModel(rec PositionRecord) positionModel {
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	if rec.OpenedAt.IsZero() {
		rec.OpenedAt = rec.CreatedAt
	}
	m := positionModel{
		ID:            rec.ID,
		AgentID:       rec.AgentID,
		AccountID:     rec.AccountID,
		Symbol:        strings.ToUpper(strings.TrimSpace(rec.Symbol)),
		Side:          NormalizeSide(rec.Side),
		Status:        rec.Status,
		Size:          rec.Size,
		SizeUSD:       rec.SizeUSD,
		EntryPrice:    rec.EntryPrice,
		Leverage:      rec.Leverage,
		RealizedPnL:   rec.RealizedPnL,
		ClosePrice:    rec.ClosePrice,
		ExitReason:    rec.ExitReason,
		TraceID:       rec.TraceID,
		OpenedAtUnix:  rec.OpenedAt.UnixMilli(),
		CreatedAtUnix: rec.CreatedAt.UnixMilli(),
		UpdatedAtUnix: rec.UpdatedAt.UnixMilli(),
	}
	if rec.ClosedAt != nil && !rec.ClosedAt.IsZero() {
		m.ClosedAtUnix = rec.ClosedAt.UnixMilli()
	}
	return m
}

func positionModelToRecord(m positionModel) PositionRecord {
	rec := PositionRecord{
		ID:          m.ID,
		AgentID:     m.AgentID,
		AccountID:   m.AccountID,
		Symbol:      m.Symbol,
		Side:        m.Side,
		Status:      m.Status,
		Size:        m.Size,
		SizeUSD:     m.SizeUSD,
		EntryPrice:  m.EntryPrice,
		Leverage:    m.Leverage,
		RealizedPnL: m.RealizedPnL,
		ClosePrice:  m.ClosePrice,
		ExitReason:  m.ExitReason,
		TraceID:     m.TraceID,
		OpenedAt:    time.UnixMilli(m.OpenedAtUnix),
		CreatedAt:   time.UnixMilli(m.CreatedAtUnix),
		UpdatedAt:   time.UnixMilli(m.UpdatedAtUnix),
	}
	if m.ClosedAtUnix > 0 {
		ts := time.UnixMilli(m.ClosedAtUnix)
		rec.ClosedAt = &ts
	}
	return rec
}
