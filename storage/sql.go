package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"nhbrelay/core/types"
)

// TransactionRecord is the gorm model backing the SQL archive.
type TransactionRecord struct {
	ID         string `gorm:"primaryKey;size:64"`
	Account    string `gorm:"size:128;index"`
	Module     string `gorm:"size:64"`
	Method     string `gorm:"size:64"`
	Params     string `gorm:"type:text"`
	Nonce      uint64
	Status     string `gorm:"size:16;index"`
	BlockHash  string `gorm:"size:80"`
	TxHash     string `gorm:"size:80"`
	RetryCount int
	Error      string `gorm:"type:text"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ArchivedAt time.Time `gorm:"index"`
}

// TableName pins the table name independent of gorm's pluralisation.
func (TransactionRecord) TableName() string { return "relay_transactions" }

// SQLArchive stores archived transactions through gorm.
type SQLArchive struct {
	db  *gorm.DB
	now func() time.Time
}

// OpenSQL connects to sqlite or postgres and migrates the schema.
func OpenSQL(driver, dsn string) (*SQLArchive, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("storage: dsn required")
	}
	var dialector gorm.Dialector
	switch strings.ToLower(driver) {
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("storage: unsupported sql driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", driver, err)
	}
	return NewSQLArchive(db)
}

// NewSQLArchive wraps an existing gorm handle.
func NewSQLArchive(db *gorm.DB) (*SQLArchive, error) {
	if err := db.AutoMigrate(&TransactionRecord{}); err != nil {
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return &SQLArchive{db: db, now: time.Now}, nil
}

// Save implements Archive.
func (a *SQLArchive) Save(ctx context.Context, txs []types.Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	now := a.now()
	rows := make([]TransactionRecord, 0, len(txs))
	for _, tx := range txs {
		rec := recordFrom(tx, now)
		params, err := json.Marshal(rec.Params)
		if err != nil {
			return fmt.Errorf("storage: encode params for %s: %w", tx.ID, err)
		}
		rows = append(rows, TransactionRecord{
			ID:         rec.ID,
			Account:    rec.Account,
			Module:     rec.Module,
			Method:     rec.Method,
			Params:     string(params),
			Nonce:      rec.Nonce,
			Status:     string(rec.Status),
			BlockHash:  rec.BlockHash,
			TxHash:     rec.TxHash,
			RetryCount: rec.RetryCount,
			Error:      rec.Error,
			CreatedAt:  rec.CreatedAt,
			UpdatedAt:  rec.UpdatedAt,
			ArchivedAt: rec.ArchivedAt,
		})
	}
	return a.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&rows).Error
}

// Lookup implements Archive.
func (a *SQLArchive) Lookup(ctx context.Context, id string) (types.Transaction, bool, error) {
	var row TransactionRecord
	err := a.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.Transaction{}, false, nil
	}
	if err != nil {
		return types.Transaction{}, false, err
	}
	tx, err := row.transaction()
	return tx, err == nil, err
}

// Recent implements Archive.
func (a *SQLArchive) Recent(ctx context.Context, limit int) ([]types.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []TransactionRecord
	if err := a.db.WithContext(ctx).Order("archived_at desc").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.Transaction, 0, len(rows))
	for _, row := range rows {
		tx, err := row.transaction()
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, nil
}

// Close releases the underlying connection pool.
func (a *SQLArchive) Close() error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r TransactionRecord) transaction() (types.Transaction, error) {
	var params []json.RawMessage
	if r.Params != "" {
		if err := json.Unmarshal([]byte(r.Params), &params); err != nil {
			return types.Transaction{}, fmt.Errorf("storage: decode params for %s: %w", r.ID, err)
		}
	}
	return record{
		ID:         r.ID,
		Account:    r.Account,
		Module:     r.Module,
		Method:     r.Method,
		Params:     params,
		Nonce:      r.Nonce,
		Status:     types.Status(r.Status),
		BlockHash:  r.BlockHash,
		TxHash:     r.TxHash,
		RetryCount: r.RetryCount,
		Error:      r.Error,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}.transaction(), nil
}
