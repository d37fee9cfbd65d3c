// Package storage persists accounts, trade history, the transfer ledger and
// engine state in an embedded SQLite database (pure Go driver).
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"ecobridge/internal/domain"
)

// Account is a participant wallet row. Balance updates go through
// AdjustBalanceCAS; Version is the optimistic concurrency guard.
type Account struct {
	ID        string          `gorm:"primaryKey"`
	Balance   decimal.Decimal `gorm:"type:numeric"`
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TradeRecord is one signed trade observation for a product.
type TradeRecord struct {
	ID        uint    `gorm:"primaryKey;autoIncrement"`
	ProductID string  `gorm:"index:idx_trades_product_ts,priority:1"`
	Amount    float64
	Timestamp int64 `gorm:"index:idx_trades_product_ts,priority:2;index"`
}

// LedgerEntry is the immutable settlement record for one transfer.
type LedgerEntry struct {
	ID         string          `gorm:"primaryKey"` // uuid
	SenderID   string          `gorm:"index"`
	ReceiverID string          `gorm:"index"`
	Amount     decimal.Decimal `gorm:"type:numeric"`
	Tax        decimal.Decimal `gorm:"type:numeric"`
	ReasonCode int
	CreatedAt  time.Time
}

// EngineState is a key/value row for controller state survival across
// restarts (market heat, PID integral, phase anchors).
type EngineState struct {
	Key       string `gorm:"primaryKey"`
	Value     string
	UpdatedAt time.Time
}

// Storage wraps the gorm handle. Safe for concurrent use.
type Storage struct {
	db *gorm.DB
}

// NewStorage opens (or creates) the SQLite database at path and migrates
// the schema.
func NewStorage(path string) (*Storage, error) {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create DB directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(&Account{}, &TradeRecord{}, &LedgerEntry{}, &EngineState{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Storage{db: db}, nil
}

// ======================================================================================
// Trade History Operations
// ======================================================================================

// SaveTrade appends one trade observation.
func (s *Storage) SaveTrade(productID string, amount float64, timestamp int64) error {
	rec := TradeRecord{ProductID: productID, Amount: amount, Timestamp: timestamp}
	return s.db.Create(&rec).Error
}

// SaveTrades appends a batch of trade observations in one transaction.
func (s *Storage) SaveTrades(recs []TradeRecord) error {
	if len(recs) == 0 {
		return nil
	}
	return s.db.CreateInBatches(recs, 200).Error
}

// TrailingAverages returns, per product, the average trade amount since the
// given timestamp. One grouped query covers all products.
func (s *Storage) TrailingAverages(since int64) (map[string]float64, error) {
	type row struct {
		ProductID string
		Avg       float64
	}
	var rows []row
	err := s.db.Model(&TradeRecord{}).
		Select("product_id, AVG(amount) as avg").
		Where("timestamp >= ?", since).
		Group("product_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make(map[string]float64, len(rows))
	for _, r := range rows {
		out[r.ProductID] = r.Avg
	}
	return out, nil
}

// ProductAverage returns the average trade amount for a single product since
// the given timestamp. Fallback path when the grouped query fails.
func (s *Storage) ProductAverage(productID string, since int64) (float64, error) {
	var avg *float64
	err := s.db.Model(&TradeRecord{}).
		Select("AVG(amount)").
		Where("product_id = ? AND timestamp >= ?", productID, since).
		Scan(&avg).Error
	if err != nil {
		return 0, err
	}
	if avg == nil {
		return 0, nil
	}
	return *avg, nil
}

// AbsAverage returns the average absolute trade amount for a product since
// the given timestamp. Used as the historical anchor for phase detection,
// where buy and sell pressure both count as activity.
func (s *Storage) AbsAverage(productID string, since int64) (float64, error) {
	var avg *float64
	err := s.db.Model(&TradeRecord{}).
		Select("AVG(ABS(amount))").
		Where("product_id = ? AND timestamp >= ?", productID, since).
		Scan(&avg).Error
	if err != nil {
		return 0, err
	}
	if avg == nil {
		return 0, nil
	}
	return *avg, nil
}

// ProductHistory returns the most recent trade observations for a product
// since the given timestamp, oldest first.
func (s *Storage) ProductHistory(productID string, since int64, limit int) ([]domain.HistoryRecord, error) {
	var recs []TradeRecord
	err := s.db.
		Where("product_id = ? AND timestamp >= ?", productID, since).
		Order("timestamp DESC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, err
	}

	out := make([]domain.HistoryRecord, len(recs))
	for i, r := range recs {
		out[len(recs)-1-i] = domain.HistoryRecord{Timestamp: r.Timestamp, Amount: r.Amount}
	}
	return out, nil
}

// PruneTrades deletes observations older than the given timestamp.
func (s *Storage) PruneTrades(before int64) (int64, error) {
	res := s.db.Where("timestamp < ?", before).Delete(&TradeRecord{})
	return res.RowsAffected, res.Error
}

// ======================================================================================
// Account Operations
// ======================================================================================

// Account retrieves a wallet by id. Returns domain.ErrAccountNotFound for
// unknown ids.
func (s *Storage) Account(id string) (*Account, error) {
	var acc Account
	err := s.db.First(&acc, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

// UpsertAccount creates or replaces a wallet row.
func (s *Storage) UpsertAccount(acc *Account) error {
	return s.db.Save(acc).Error
}

// AdjustBalanceCAS applies a signed delta to an account balance using
// optimistic versioning. Each attempt re-reads the row, verifies the balance
// stays non-negative, and issues an UPDATE guarded by the observed version.
// After maxRetries lost races it gives up with domain.ErrContentionExhausted
// instead of spinning.
func (s *Storage) AdjustBalanceCAS(id string, delta decimal.Decimal, maxRetries int) (decimal.Decimal, error) {
	for attempt := 0; attempt < maxRetries; attempt++ {
		acc, err := s.Account(id)
		if err != nil {
			return decimal.Zero, err
		}

		next := acc.Balance.Add(delta)
		if next.IsNegative() {
			return decimal.Zero, domain.ErrInsufficientFunds
		}

		res := s.db.Model(&Account{}).
			Where("id = ? AND version = ?", id, acc.Version).
			Updates(map[string]interface{}{
				"balance": next,
				"version": acc.Version + 1,
			})
		if res.Error != nil {
			return decimal.Zero, res.Error
		}
		if res.RowsAffected == 1 {
			return next, nil
		}
		// Lost the version race, retry against the fresh row.
	}
	return decimal.Zero, domain.ErrContentionExhausted
}

// ======================================================================================
// Ledger Operations
// ======================================================================================

// AppendLedger records one settled (or blocked-but-audited) transfer.
func (s *Storage) AppendLedger(entry *LedgerEntry) error {
	return s.db.Create(entry).Error
}

// LedgerFor returns the most recent ledger entries touching an account.
func (s *Storage) LedgerFor(accountID string, limit int) ([]LedgerEntry, error) {
	var entries []LedgerEntry
	err := s.db.
		Where("sender_id = ? OR receiver_id = ?", accountID, accountID).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

// ======================================================================================
// Engine State Operations
// ======================================================================================

// SaveState stores a controller state value under key.
func (s *Storage) SaveState(key, value string) error {
	state := EngineState{Key: key, Value: value, UpdatedAt: time.Now()}
	return s.db.Save(&state).Error
}

// LoadState retrieves a controller state value. Missing keys return "" with
// no error.
func (s *Storage) LoadState(key string) (string, error) {
	var state EngineState
	err := s.db.First(&state, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return state.Value, nil
}
