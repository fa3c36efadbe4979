package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

type agentModel struct {
	ID            int64    `gorm:"column:id;primaryKey"`
	UserID        int64    `gorm:"column:user_id;index"`
	Name          string   `gorm:"column:name"`
	StrategyID    int64    `gorm:"column:strategy_id"`
	Mode          string   `gorm:"column:mode"`
	AccountID     *int64   `gorm:"column:account_id;index"`
	AllocationUSD *float64 `gorm:"column:allocation_usd"`
	AllocationPct *float64 `gorm:"column:allocation_pct"`
	MockBalance   float64  `gorm:"column:mock_balance"`
	Status        string   `gorm:"column:status;index"`
	TotalPnL      float64  `gorm:"column:total_pnl"`
	TradeCount    int      `gorm:"column:trade_count"`
	WinCount      int      `gorm:"column:win_count"`
	MaxDrawdown   float64  `gorm:"column:max_drawdown"`
	CreatedAtUnix int64    `gorm:"column:created_at"`
	UpdatedAtUnix int64    `gorm:"column:updated_at"`
}

func (agentModel) TableName() string { return "agents" }

type exchangeAccountModel struct {
	ID            int64  `gorm:"column:id;primaryKey"`
	UserID        int64  `gorm:"column:user_id;index"`
	Exchange      string `gorm:"column:exchange"`
	Network       string `gorm:"column:network"`
	APIKey        string `gorm:"column:api_key"`
	APISecret     string `gorm:"column:api_secret"`
	Label         string `gorm:"column:label"`
	CreatedAtUnix int64  `gorm:"column:created_at"`
}

func (exchangeAccountModel) TableName() string { return "exchange_accounts" }

var (
	ErrNotFound          = errors.New("agent not found")
	ErrIllegalTransition = errors.New("illegal agent status transition")
	ErrNotDeletable      = errors.New("agent must be stopped and position-free before deletion")
)

// PositionCounter reports active (open or pending) positions for an agent.
// Implemented by the ledger store; declared here to avoid a package cycle.
type PositionCounter interface {
	CountActiveByAgent(ctx context.Context, agentID int64) (int64, error)
}

// Repository persists agents and exchange accounts.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) (*Repository, error) {
	if db == nil {
		return nil, fmt.Errorf("agent repository: nil db")
	}
	if err := db.AutoMigrate(&agentModel{}, &exchangeAccountModel{}); err != nil {
		return nil, err
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Create(ctx context.Context, a *Agent) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("agent repository not initialized")
	}
	if err := a.Validate(); err != nil {
		return err
	}
	if a.Status == "" {
		a.Status = StatusDraft
	}
	now := time.Now()
	m := newAgentModel(*a, now)
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return err
	}
	a.ID = m.ID
	a.CreatedAt = now
	a.UpdatedAt = now
	return nil
}

func (r *Repository) Get(ctx context.Context, id int64) (Agent, error) {
	if r == nil || r.db == nil {
		return Agent{}, fmt.Errorf("agent repository not initialized")
	}
	var m agentModel
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Agent{}, fmt.Errorf("agent %d: %w", id, ErrNotFound)
		}
		return Agent{}, err
	}
	return agentModelToRecord(m), nil
}

func (r *Repository) ListByStatus(ctx context.Context, status Status) ([]Agent, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("agent repository not initialized")
	}
	var models []agentModel
	if err := r.db.WithContext(ctx).Where("status = ?", string(status)).Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]Agent, 0, len(models))
	for _, m := range models {
		out = append(out, agentModelToRecord(m))
	}
	return out, nil
}

// UpdateStatus applies a lifecycle transition; moves missing from the
// transition table fail with ErrIllegalTransition.
func (r *Repository) UpdateStatus(ctx context.Context, id int64, to Status) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("agent repository not initialized")
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m agentModel
		if err := tx.First(&m, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("agent %d: %w", id, ErrNotFound)
			}
			return err
		}
		from := Status(m.Status)
		if from == to {
			return nil
		}
		if !CanTransition(from, to) {
			return fmt.Errorf("agent %d: %s -> %s: %w", id, from, to, ErrIllegalTransition)
		}
		return tx.Model(&agentModel{}).Where("id = ?", id).Updates(map[string]interface{}{
			"status":     string(to),
			"updated_at": time.Now().UnixMilli(),
		}).Error
	})
}

// RecordTrade folds one closed trade into the agent's cumulative counters.
func (r *Repository) RecordTrade(ctx context.Context, id int64, realizedPnL float64, win bool) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("agent repository not initialized")
	}
	winInc := 0
	if win {
		winInc = 1
	}
	res := r.db.WithContext(ctx).Model(&agentModel{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"total_pnl":   gorm.Expr("total_pnl + ?", realizedPnL),
			"trade_count": gorm.Expr("trade_count + 1"),
			"win_count":   gorm.Expr("win_count + ?", winInc),
			"updated_at":  time.Now().UnixMilli(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("agent %d: %w", id, ErrNotFound)
	}
	return nil
}

// SetTotalPnL overwrites cumulative PnL; used by the PnL recorder which
// tracks the running total with decimal arithmetic.
func (r *Repository) SetTotalPnL(ctx context.Context, id int64, total float64) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("agent repository not initialized")
	}
	return r.db.WithContext(ctx).Model(&agentModel{}).Where("id = ?", id).Updates(map[string]interface{}{
		"total_pnl":  total,
		"updated_at": time.Now().UnixMilli(),
	}).Error
}

func (r *Repository) UpdateMaxDrawdown(ctx context.Context, id int64, drawdown float64) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("agent repository not initialized")
	}
	return r.db.WithContext(ctx).Model(&agentModel{}).
		Where("id = ? AND max_drawdown < ?", id, drawdown).
		Updates(map[string]interface{}{
			"max_drawdown": drawdown,
			"updated_at":   time.Now().UnixMilli(),
		}).Error
}

// Delete removes an agent. Only stopped agents with no active positions may
// go; positions keep history alive otherwise.
func (r *Repository) Delete(ctx context.Context, id int64, positions PositionCounter) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("agent repository not initialized")
	}
	a, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if a.Status != StatusStopped {
		return fmt.Errorf("agent %d has status %s: %w", id, a.Status, ErrNotDeletable)
	}
	if positions != nil {
		n, err := positions.CountActiveByAgent(ctx, id)
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("agent %d holds %d active positions: %w", id, n, ErrNotDeletable)
		}
	}
	return r.db.WithContext(ctx).Delete(&agentModel{}, "id = ?", id).Error
}

func (r *Repository) CreateAccount(ctx context.Context, acct *ExchangeAccount) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("agent repository not initialized")
	}
	acct.Exchange = strings.ToLower(strings.TrimSpace(acct.Exchange))
	if acct.Exchange == "" {
		return fmt.Errorf("exchange account requires exchange name")
	}
	if acct.Network == "" {
		acct.Network = "mainnet"
	}
	now := time.Now()
	m := exchangeAccountModel{
		UserID:        acct.UserID,
		Exchange:      acct.Exchange,
		Network:       acct.Network,
		APIKey:        acct.APIKey,
		APISecret:     acct.APISecret,
		Label:         acct.Label,
		CreatedAtUnix: now.UnixMilli(),
	}
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return err
	}
	acct.ID = m.ID
	acct.CreatedAt = now
	return nil
}

func (r *Repository) GetAccount(ctx context.Context, id int64) (ExchangeAccount, error) {
	if r == nil || r.db == nil {
		return ExchangeAccount{}, fmt.Errorf("agent repository not initialized")
	}
	var m exchangeAccountModel
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ExchangeAccount{}, fmt.Errorf("exchange account %d: %w", id, ErrNotFound)
		}
		return ExchangeAccount{}, err
	}
	return ExchangeAccount{
		ID:        m.ID,
		UserID:    m.UserID,
		Exchange:  m.Exchange,
		Network:   m.Network,
		APIKey:    m.APIKey,
		APISecret: m.APISecret,
		Label:     m.Label,
		CreatedAt: time.UnixMilli(m.CreatedAtUnix),
	}, nil
}

func newAgentModel(a Agent, now time.Time) agentModel {
	return agentModel{
		ID:            a.ID,
		UserID:        a.UserID,
		Name:          strings.TrimSpace(a.Name),
		StrategyID:    a.StrategyID,
		Mode:          string(a.Mode),
		AccountID:     a.AccountID,
		AllocationUSD: a.AllocationUSD,
		AllocationPct: a.AllocationPct,
		MockBalance:   a.MockBalance,
		Status:        string(a.Status),
		TotalPnL:      a.TotalPnL,
		TradeCount:    a.TradeCount,
		WinCount:      a.WinCount,
		MaxDrawdown:   a.MaxDrawdown,
		CreatedAtUnix: now.UnixMilli(),
		UpdatedAtUnix: now.UnixMilli(),
	}
}

func agentModelToRecord(m agentModel) Agent {
	return Agent{
		ID:            m.ID,
		UserID:        m.UserID,
		Name:          m.Name,
		StrategyID:    m.StrategyID,
		Mode:          Mode(m.Mode),
		AccountID:     m.AccountID,
		AllocationUSD: m.AllocationUSD,
		AllocationPct: m.AllocationPct,
		MockBalance:   m.MockBalance,
		Status:        Status(m.Status),
		TotalPnL:      m.TotalPnL,
		TradeCount:    m.TradeCount,
		WinCount:      m.WinCount,
		MaxDrawdown:   m.MaxDrawdown,
		CreatedAt:     time.UnixMilli(m.CreatedAtUnix),
		UpdatedAt:     time.UnixMilli(m.UpdatedAtUnix),
	}
}
