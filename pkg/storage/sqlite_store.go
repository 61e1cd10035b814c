package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/uhyunpark/clobnode/pkg/app/core/orderbook"
)

// tradeRow is the SQL shape of a TradeRecord. ID preserves append order
// among trades sharing a timestamp.
type tradeRow struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	Symbol    string `gorm:"index:idx_trades_symbol_ts,priority:1;not null"`
	Timestamp int64  `gorm:"index:idx_trades_symbol_ts,priority:2;not null"`
	OrderID   int64
	Side      string
	Kind      string
	Size      int64
	Price     int64
}

func (tradeRow) TableName() string { return "trades" }

// SQLiteHistory is a TradeLog backed by a SQLite file.
type SQLiteHistory struct {
	db     *gorm.DB
	symbol string
}

// NewSQLiteHistory opens (or creates) the database at path. Use ":memory:"
// for a throwaway store.
func NewSQLiteHistory(path, symbol string) (*SQLiteHistory, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if err := db.AutoMigrate(&tradeRow{}); err != nil {
		return nil, fmt.Errorf("migrate trades: %w", err)
	}
	return &SQLiteHistory{db: db, symbol: symbol}, nil
}

func (h *SQLiteHistory) SaveTrade(ctx context.Context, rec orderbook.TradeRecord) error {
	row := tradeRow{
		Symbol:    h.symbol,
		Timestamp: rec.Timestamp,
		OrderID:   rec.OrderID,
		Side:      rec.Side.String(),
		Kind:      rec.Kind.String(),
		Size:      rec.Size,
		Price:     rec.Price,
	}
	if err := h.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

func (h *SQLiteHistory) LoadTrades(ctx context.Context, from, to time.Time) ([]orderbook.TradeRecord, error) {
	var rows []tradeRow
	err := h.db.WithContext(ctx).
		Where("symbol = ? AND timestamp >= ? AND timestamp < ?", h.symbol, from.Unix(), to.Unix()).
		Order("timestamp, id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}

	out := make([]orderbook.TradeRecord, 0, len(rows))
	for _, r := range rows {
		rec := orderbook.TradeRecord{OrderID: r.OrderID, Size: r.Size, Price: r.Price, Timestamp: r.Timestamp}
		if err := rec.Side.UnmarshalText([]byte(r.Side)); err != nil {
			continue
		}
		if err := rec.Kind.UnmarshalText([]byte(r.Kind)); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (h *SQLiteHistory) CountTrades(ctx context.Context) (int, error) {
	var n int64
	err := h.db.WithContext(ctx).Model(&tradeRow{}).Where("symbol = ?", h.symbol).Count(&n).Error
	return int(n), err
}

func (h *SQLiteHistory) Close() error {
	sqlDB, err := h.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var _ TradeLog = (*SQLiteHistory)(nil)
