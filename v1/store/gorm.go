package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	txerrors "github.com/mirkobrombin/go-txflow/v1/errors"
	"github.com/mirkobrombin/go-txflow/v1/txn"
)

const (
	defaultGormTableName = "transactions"
	defaultGormOpTimeout = 5 * time.Second
)

// gormTransaction is the row model of a transaction.
type gormTransaction struct {
	ID            string          `gorm:"primaryKey;column:id;size:128"`
	AccountFrom   string          `gorm:"column:account_from;size:128;not null"`
	AccountTo     string          `gorm:"column:account_to;size:128;not null"`
	Amount        decimal.Decimal `gorm:"column:amount;type:numeric(20,4);not null"`
	Currency      string          `gorm:"column:currency;size:3"`
	Type          string          `gorm:"column:type;size:32;not null"`
	Status        string          `gorm:"column:status;size:32;not null;index"`
	Description   string          `gorm:"column:description"`
	Metadata      string          `gorm:"column:metadata"`
	CreatedAt     time.Time       `gorm:"column:created_at;autoCreateTime:false"`
	UpdatedAt     time.Time       `gorm:"column:updated_at;autoUpdateTime:false"`
	CompletedAt   *time.Time      `gorm:"column:completed_at"`
	FailureReason string          `gorm:"column:failure_reason"`
	RetryCount    int             `gorm:"column:retry_count;not null;default:0"`
	Version       int64           `gorm:"column:version;not null"`
}

func toRow(tx txn.Transaction) gormTransaction {
	return gormTransaction{
		ID:            tx.ID,
		AccountFrom:   tx.AccountFrom,
		AccountTo:     tx.AccountTo,
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		Type:          string(tx.Type),
		Status:        string(tx.Status),
		Description:   tx.Description,
		Metadata:      tx.Metadata,
		CreatedAt:     tx.CreatedAt,
		UpdatedAt:     tx.UpdatedAt,
		CompletedAt:   tx.CompletedAt,
		FailureReason: tx.FailureReason,
		RetryCount:    tx.RetryCount,
		Version:       tx.Version,
	}
}

func (r gormTransaction) toTransaction() txn.Transaction {
	return txn.Transaction{
		ID:            r.ID,
		AccountFrom:   r.AccountFrom,
		AccountTo:     r.AccountTo,
		Amount:        r.Amount,
		Currency:      r.Currency,
		Type:          txn.Type(r.Type),
		Status:        txn.Status(r.Status),
		Description:   r.Description,
		Metadata:      r.Metadata,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		CompletedAt:   r.CompletedAt,
		FailureReason: r.FailureReason,
		RetryCount:    r.RetryCount,
		Version:       r.Version,
	}
}

// Gorm implements Store on a SQL database through GORM. Updates are
// conditional on the stored version.
type Gorm struct {
	db        *gorm.DB
	tableName string
	timeout   time.Duration
}

// GormOption configures a Gorm store.
type GormOption func(*Gorm)

// WithGormTableName sets the table name.
func WithGormTableName(name string) GormOption {
	return func(g *Gorm) {
		if name != "" {
			g.tableName = name
		}
	}
}

// WithGormTimeout sets the operation timeout for GORM calls.
func WithGormTimeout(d time.Duration) GormOption {
	return func(g *Gorm) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// NewGorm returns a Gorm store and migrates its table.
func NewGorm(db *gorm.DB, opts ...GormOption) (*Gorm, error) {
	g := &Gorm{db: db, tableName: defaultGormTableName, timeout: defaultGormOpTimeout}
	for _, opt := range opts {
		opt(g)
	}
	if err := db.Table(g.tableName).AutoMigrate(&gormTransaction{}); err != nil {
		return nil, fmt.Errorf("store: migrate %s: %w", g.tableName, err)
	}
	return g, nil
}

func (g *Gorm) table(ctx context.Context) *gorm.DB {
	return g.db.WithContext(ctx).Table(g.tableName)
}

// Find implements Store.Find.
func (g *Gorm) Find(ctx context.Context, id string) (txn.Transaction, bool, error) {
	if err := ctx.Err(); err != nil {
		return txn.Transaction{}, false, ctxErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var row gormTransaction
	err := g.table(cctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return txn.Transaction{}, false, nil
	}
	if err != nil {
		return txn.Transaction{}, false, ctxErr(err)
	}
	return row.toTransaction(), true, nil
}

// ExistsWithStatus implements Store.ExistsWithStatus.
func (g *Gorm) ExistsWithStatus(ctx context.Context, id string, statuses ...txn.Status) (bool, error) {
	if len(statuses) == 0 {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, ctxErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	var n int64
	if err := g.table(cctx).Where("id = ? AND status IN ?", id, names).Count(&n).Error; err != nil {
		return false, ctxErr(err)
	}
	return n > 0, nil
}

// Save implements Store.Save.
func (g *Gorm) Save(ctx context.Context, tx txn.Transaction) (txn.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return tx, ctxErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	next := tx
	next.Version++
	row := toRow(next)

	if tx.Version == 0 {
		err := g.db.WithContext(cctx).Transaction(func(db *gorm.DB) error {
			var n int64
			if err := db.Table(g.tableName).Where("id = ?", tx.ID).Count(&n).Error; err != nil {
				return err
			}
			if n > 0 {
				return fmt.Errorf("%w: transaction %s already exists", txerrors.ErrStoreConflict, tx.ID)
			}
			return db.Table(g.tableName).Create(&row).Error
		})
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return tx, fmt.Errorf("%w: transaction %s already exists", txerrors.ErrStoreConflict, tx.ID)
		}
		if err != nil {
			return tx, ctxErr(err)
		}
		return next, nil
	}

	res := g.table(cctx).
		Where("id = ? AND version = ?", tx.ID, tx.Version).
		Updates(map[string]any{
			"account_from":   row.AccountFrom,
			"account_to":     row.AccountTo,
			"amount":         row.Amount,
			"currency":       row.Currency,
			"type":           row.Type,
			"status":         row.Status,
			"description":    row.Description,
			"metadata":       row.Metadata,
			"updated_at":     row.UpdatedAt,
			"completed_at":   row.CompletedAt,
			"failure_reason": row.FailureReason,
			"retry_count":    row.RetryCount,
			"version":        row.Version,
		})
	if res.Error != nil {
		return tx, ctxErr(res.Error)
	}
	if res.RowsAffected == 0 {
		var cur gormTransaction
		if err := g.table(cctx).Select("version").Where("id = ?", tx.ID).Take(&cur).Error; err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return tx, ctxErr(err)
		}
		return tx, conflict(tx.ID, tx.Version, cur.Version)
	}
	return next, nil
}

// FindPendingForRetry implements Store.FindPendingForRetry.
func (g *Gorm) FindPendingForRetry(ctx context.Context, maxRetries int) ([]txn.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, ctxErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var rows []gormTransaction
	err := g.table(cctx).
		Where("status = ? AND retry_count < ?", string(txn.StatusFailed), maxRetries).
		Order("updated_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, ctxErr(err)
	}
	out := make([]txn.Transaction, len(rows))
	for i, r := range rows {
		out[i] = r.toTransaction()
	}
	return out, nil
}
