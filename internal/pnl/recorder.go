// Package pnl persists completed round trips and keeps per-agent
// performance counters current.
package pnl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"agentledger/internal/ledger"
	"agentledger/internal/logger"
)

// tradeModel is one closed trade. Money fields are stored as strings via
// decimal so aggregation over long histories does not drift.
type tradeModel struct {
	ID          int64           `gorm:"column:id;primaryKey"`
	PositionID  int64           `gorm:"column:position_id;index"`
	AgentID     int64           `gorm:"column:agent_id;index"`
	AccountID   *int64          `gorm:"column:account_id"`
	Symbol      string          `gorm:"column:symbol;index"`
	Side        string          `gorm:"column:side"`
	Size        decimal.Decimal `gorm:"column:size;type:text"`
	SizeUSD     decimal.Decimal `gorm:"column:size_usd;type:text"`
	Leverage    float64         `gorm:"column:leverage"`
	EntryPrice  decimal.Decimal `gorm:"column:entry_price;type:text"`
	ClosePrice  decimal.Decimal `gorm:"column:close_price;type:text"`
	RealizedPnL decimal.Decimal `gorm:"column:realized_pnl;type:text"`
	ExitReason  string          `gorm:"column:exit_reason"`
	TraceID     string          `gorm:"column:trace_id;index"`
	Detail      datatypes.JSON  `gorm:"column:detail"`
	OpenedAt    int64           `gorm:"column:opened_at"`
	ClosedAt    int64           `gorm:"column:closed_at;index"`
	CreatedAt   int64           `gorm:"column:created_at"`
}

func (tradeModel) TableName() string { return "trade_records" }

// AgentCounter mirrors the slice of agent.Repository the recorder needs.
type AgentCounter interface {
	RecordTrade(ctx context.Context, id int64, realizedPnL float64, win bool) error
}

// Recorder implements ledger.TradeRecorder on Gorm.
type Recorder struct {
	db     *gorm.DB
	agents AgentCounter
}

func NewRecorder(db *gorm.DB, agents AgentCounter) (*Recorder, error) {
	if db == nil {
		return nil, fmt.Errorf("pnl recorder: nil db")
	}
	if err := db.AutoMigrate(&tradeModel{}); err != nil {
		return nil, err
	}
	return &Recorder{db: db, agents: agents}, nil
}

// RecordClosedTrade writes the trade and bumps the agent's counters. The
// counter update is secondary: its failure is logged but the trade record
// stands.
func (r *Recorder) RecordClosedTrade(ctx context.Context, trade ledger.ClosedTrade) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("pnl recorder not initialized")
	}
	detail, _ := json.Marshal(map[string]any{
		"exit_reason": trade.ExitReason,
		"trace_id":    trade.TraceID,
	})
	m := tradeModel{
		PositionID:  trade.PositionID,
		AgentID:     trade.AgentID,
		AccountID:   trade.AccountID,
		Symbol:      trade.Symbol,
		Side:        trade.Side,
		Size:        decimal.NewFromFloat(trade.Size),
		SizeUSD:     decimal.NewFromFloat(trade.SizeUSD),
		Leverage:    trade.Leverage,
		EntryPrice:  decimal.NewFromFloat(trade.EntryPrice),
		ClosePrice:  decimal.NewFromFloat(trade.ClosePrice),
		RealizedPnL: decimal.NewFromFloat(trade.RealizedPnL),
		ExitReason:  trade.ExitReason,
		TraceID:     trade.TraceID,
		Detail:      datatypes.JSON(detail),
		OpenedAt:    trade.OpenedAt.UnixMilli(),
		ClosedAt:    trade.ClosedAt.UnixMilli(),
		CreatedAt:   time.Now().UnixMilli(),
	}
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("pnl: writing trade record for position %d: %w", trade.PositionID, err)
	}
	if r.agents != nil {
		win := trade.RealizedPnL > 0
		if err := r.agents.RecordTrade(ctx, trade.AgentID, trade.RealizedPnL, win); err != nil {
			logger.Errorf("pnl: updating counters for agent %d failed: %v", trade.AgentID, err)
		}
	}
	return nil
}

// AgentStats is an aggregate over an agent's recorded trades.
type AgentStats struct {
	AgentID    int64
	TradeCount int64
	WinCount   int64
	TotalPnL   decimal.Decimal
	WinRate    float64
}

// Stats aggregates an agent's history using decimal arithmetic.
func (r *Recorder) Stats(ctx context.Context, agentID int64) (AgentStats, error) {
	if r == nil || r.db == nil {
		return AgentStats{}, fmt.Errorf("pnl recorder not initialized")
	}
	var models []tradeModel
	if err := r.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Order("closed_at ASC").
		Find(&models).Error; err != nil {
		return AgentStats{}, err
	}
	stats := AgentStats{AgentID: agentID}
	total := decimal.Zero
	for _, m := range models {
		stats.TradeCount++
		if m.RealizedPnL.IsPositive() {
			stats.WinCount++
		}
		total = total.Add(m.RealizedPnL)
	}
	stats.TotalPnL = total
	if stats.TradeCount > 0 {
		stats.WinRate = float64(stats.WinCount) / float64(stats.TradeCount)
	}
	return stats, nil
}

// Recent returns the agent's latest trades, newest first.
func (r *Recorder) Recent(ctx context.Context, agentID int64, limit int) ([]ledger.ClosedTrade, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("pnl recorder not initialized")
	}
	if limit <= 0 {
		limit = 50
	}
	var models []tradeModel
	err := r.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Order("closed_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]ledger.ClosedTrade, 0, len(models))
	for _, m := range models {
		t := ledger.ClosedTrade{
			PositionID:  m.PositionID,
			AgentID:     m.AgentID,
			AccountID:   m.AccountID,
			Symbol:      m.Symbol,
			Side:        m.Side,
			Size:        m.Size.InexactFloat64(),
			SizeUSD:     m.SizeUSD.InexactFloat64(),
			Leverage:    m.Leverage,
			EntryPrice:  m.EntryPrice.InexactFloat64(),
			ClosePrice:  m.ClosePrice.InexactFloat64(),
			RealizedPnL: m.RealizedPnL.InexactFloat64(),
			ExitReason:  m.ExitReason,
			TraceID:     m.TraceID,
			OpenedAt:    time.UnixMilli(m.OpenedAt),
			ClosedAt:    time.UnixMilli(m.ClosedAt),
		}
		out = append(out, t)
	}
	return out, nil
}
