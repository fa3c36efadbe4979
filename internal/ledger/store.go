package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// Store persists agent positions using Gorm + SQLite.
//
// The active-slot invariant lives in the database itself as a partial unique
// index, so it holds even when the distributed lock provider is down or a
// second process instance races this one.
type Store struct {
	db *gorm.DB
}

// activeSlotIndex enforces at most one pending-or-open row per
// (agent_id, symbol). Gorm's tag syntax has no portable partial-index
// support, so it is created with raw SQL after migration.
const activeSlotIndex = `CREATE UNIQUE INDEX IF NOT EXISTS idx_agent_positions_active
ON agent_positions(agent_id, symbol) WHERE status IN (0, 1)`

func NewStore(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("ledger store: db path cannot be empty")
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
		TranslateError:                           true,
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: keep write contention low while allowing concurrent reads.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return NewStoreWithDB(db)
}

// NewStoreWithDB wraps an existing gorm handle; used when several stores
// share one database file.
func NewStoreWithDB(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("ledger store: nil db")
	}
	if err := db.AutoMigrate(&positionModel{}); err != nil {
		return nil, err
	}
	if err := db.Exec(activeSlotIndex).Error; err != nil {
		return nil, fmt.Errorf("creating active slot index: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SQLDB exposes the underlying *sql.DB for shared connections.
func (s *Store) SQLDB() (*sql.DB, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("ledger store not initialized")
	}
	return s.db.DB()
}

// GormDB exposes the underlying *gorm.DB so sibling repositories can share
// the same database file.
func (s *Store) GormDB() *gorm.DB {
	if s == nil {
		return nil
	}
	return s.db
}

// CreatePending inserts a fresh pending claim. A uniqueness violation means
// a concurrent claim won the race; that surfaces as ErrPositionConflict.
func (s *Store) CreatePending(ctx context.Context, rec PositionRecord) (PositionRecord, error) {
	if s == nil || s.db == nil {
		return PositionRecord{}, fmt.Errorf("ledger store not initialized")
	}
	rec.Status = PositionStatusPending
	m := newPositionModel(rec)
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		if isDuplicateKey(err) {
			return PositionRecord{}, fmt.Errorf("claim %d/%s: %w", rec.AgentID, rec.Symbol, ErrPositionConflict)
		}
		return PositionRecord{}, err
	}
	return positionModelToRecord(m), nil
}

// ActiveBySymbol returns this agent's pending-or-open record for symbol.
func (s *Store) ActiveBySymbol(ctx context.Context, agentID int64, sym string) (PositionRecord, bool, error) {
	if s == nil || s.db == nil {
		return PositionRecord{}, false, fmt.Errorf("ledger store not initialized")
	}
	var m positionModel
	err := s.db.WithContext(ctx).
		Where("agent_id = ? AND symbol = ? AND status IN ?", agentID, sym, activeStatuses()).
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return PositionRecord{}, false, nil
		}
		return PositionRecord{}, false, err
	}
	return positionModelToRecord(m), true, nil
}

func (s *Store) Get(ctx context.Context, id int64) (PositionRecord, error) {
	if s == nil || s.db == nil {
		return PositionRecord{}, fmt.Errorf("ledger store not initialized")
	}
	var m positionModel
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return PositionRecord{}, fmt.Errorf("position %d: %w", id, ErrNotFound)
		}
		return PositionRecord{}, err
	}
	return positionModelToRecord(m), nil
}

// Confirm transitions pending -> open with actual fill data. Returns false
// when the record was not pending; callers treat that as an idempotent no-op.
func (s *Store) Confirm(ctx context.Context, id int64, size, sizeUSD, entryPrice float64) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("ledger store not initialized")
	}
	res := s.db.WithContext(ctx).Model(&positionModel{}).
		Where("id = ? AND status = ?", id, PositionStatusPending).
		Updates(map[string]interface{}{
			"status":      PositionStatusOpen,
			"size":        size,
			"size_usd":    sizeUSD,
			"entry_price": entryPrice,
			"updated_at":  time.Now().UnixMilli(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// DeletePending removes a pending claim. Returns false when the record was
// not pending (already confirmed or already gone).
func (s *Store) DeletePending(ctx context.Context, id int64) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("ledger store not initialized")
	}
	res := s.db.WithContext(ctx).
		Where("id = ? AND status = ?", id, PositionStatusPending).
		Delete(&positionModel{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Accumulate folds an additional fill into an open position under a row
// lock, recomputing the volume-weighted entry price. Two fills arriving
// concurrently for the same position serialize on the SELECT ... FOR UPDATE.
func (s *Store) Accumulate(ctx context.Context, id int64, addSize, addSizeUSD, fillPrice float64) (PositionRecord, error) {
	if s == nil || s.db == nil {
		return PositionRecord{}, fmt.Errorf("ledger store not initialized")
	}
	var out PositionRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m positionModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&m, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("position %d: %w", id, ErrNotFound)
			}
			return err
		}
		if m.Status != PositionStatusOpen {
			return fmt.Errorf("position %d has status %s: %w", id, m.Status, ErrNotOpen)
		}
		newSize := m.Size + addSize
		entry := fillPrice
		if newSize != 0 && fillPrice != 0 {
			entry = (m.Size*m.EntryPrice + addSize*fillPrice) / newSize
		}
		m.Size = newSize
		m.SizeUSD += addSizeUSD
		m.EntryPrice = entry
		m.UpdatedAtUnix = time.Now().UnixMilli()
		if err := tx.Model(&positionModel{}).Where("id = ?", id).Updates(map[string]interface{}{
			"size":        m.Size,
			"size_usd":    m.SizeUSD,
			"entry_price": m.EntryPrice,
			"updated_at":  m.UpdatedAtUnix,
		}).Error; err != nil {
			return err
		}
		out = positionModelToRecord(m)
		return nil
	})
	if err != nil {
		return PositionRecord{}, err
	}
	return out, nil
}

// CloseRecord marks a position closed. Returns (record, false, nil) when it
// was already closed so callers stay idempotent; ErrNotFound when missing.
func (s *Store) CloseRecord(ctx context.Context, id int64, closePrice, realizedPnL float64, exitReason string) (PositionRecord, bool, error) {
	if s == nil || s.db == nil {
		return PositionRecord{}, false, fmt.Errorf("ledger store not initialized")
	}
	var out PositionRecord
	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m positionModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&m, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("position %d: %w", id, ErrNotFound)
			}
			return err
		}
		if m.Status == PositionStatusClosed {
			out = positionModelToRecord(m)
			return nil
		}
		now := time.Now().UnixMilli()
		m.Status = PositionStatusClosed
		m.ClosePrice = closePrice
		m.RealizedPnL = realizedPnL
		m.ExitReason = exitReason
		m.ClosedAtUnix = now
		m.UpdatedAtUnix = now
		if err := tx.Model(&positionModel{}).Where("id = ?", id).Updates(map[string]interface{}{
			"status":       m.Status,
			"close_price":  m.ClosePrice,
			"realized_pnl": m.RealizedPnL,
			"exit_reason":  m.ExitReason,
			"closed_at":    m.ClosedAtUnix,
			"updated_at":   m.UpdatedAtUnix,
		}).Error; err != nil {
			return err
		}
		out = positionModelToRecord(m)
		applied = true
		return nil
	})
	if err != nil {
		return PositionRecord{}, false, err
	}
	return out, applied, nil
}

// OpenByAgent returns only open positions (pending rows carry no size yet).
func (s *Store) OpenByAgent(ctx context.Context, agentID int64) ([]PositionRecord, error) {
	return s.listByAgent(ctx, agentID, []PositionStatus{PositionStatusOpen})
}

// ActiveByAgent returns open and pending positions.
func (s *Store) ActiveByAgent(ctx context.Context, agentID int64) ([]PositionRecord, error) {
	return s.listByAgent(ctx, agentID, activeStatuses())
}

func (s *Store) listByAgent(ctx context.Context, agentID int64, statuses []PositionStatus) ([]PositionRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("ledger store not initialized")
	}
	var models []positionModel
	if err := s.db.WithContext(ctx).
		Where("agent_id = ? AND status IN ?", agentID, statuses).
		Order("opened_at ASC, id ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]PositionRecord, 0, len(models))
	for _, m := range models {
		out = append(out, positionModelToRecord(m))
	}
	return out, nil
}

// CountActiveByAgent implements agent.PositionCounter.
func (s *Store) CountActiveByAgent(ctx context.Context, agentID int64) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("ledger store not initialized")
	}
	var n int64
	err := s.db.WithContext(ctx).Model(&positionModel{}).
		Where("agent_id = ? AND status IN ?", agentID, activeStatuses()).
		Count(&n).Error
	return n, err
}

// OpenByAccount returns all agents' open positions on one account.
func (s *Store) OpenByAccount(ctx context.Context, accountID int64) ([]PositionRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("ledger store not initialized")
	}
	var models []positionModel
	if err := s.db.WithContext(ctx).
		Where("account_id = ? AND status = ?", accountID, PositionStatusOpen).
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]PositionRecord, 0, len(models))
	for _, m := range models {
		out = append(out, positionModelToRecord(m))
	}
	return out, nil
}

// ActiveAccountIDs lists accounts that currently hold any open or pending
// ledger rows; the reconcile job iterates exactly these.
func (s *Store) ActiveAccountIDs(ctx context.Context) ([]int64, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("ledger store not initialized")
	}
	var ids []int64
	err := s.db.WithContext(ctx).Model(&positionModel{}).
		Where("status IN ? AND account_id IS NOT NULL", activeStatuses()).
		Distinct("account_id").
		Pluck("account_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// DeleteStalePending garbage-collects pending claims older than maxAge:
// crash residue from a process that died between claim and confirm.
func (s *Store) DeleteStalePending(ctx context.Context, maxAge time.Duration) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("ledger store not initialized")
	}
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	res := s.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", PositionStatusPending, cutoff).
		Delete(&positionModel{})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func activeStatuses() []PositionStatus {
	return []PositionStatus{PositionStatusPending, PositionStatusOpen}
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// Fallback for drivers that predate gorm error translation.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
