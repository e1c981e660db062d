package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var ErrNotFound = errors.New("record not found")

type Transaction struct {
	ID          uint            `gorm:"primarykey" json:"id"`
	CreatedAt   time.Time       `json:"-"`
	UpdatedAt   time.Time       `json:"-"`
	UserID      uint            `gorm:"index;not null" json:"-"`
	User        User            `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Amount      decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"amount"`
	Category    string          `gorm:"size:64;not null;index" json:"category"`
	Description string          `gorm:"type:text;not null" json:"description"`
	Date        time.Time       `gorm:"type:date;not null" json:"date"`
	Receipt     *string         `gorm:"size:1024" json:"receipt"`
}

// Filter is a single "<field> <op> <value>" condition on a whitelisted column.
type Filter struct {
	Field string
	Op    string
	Value interface{}
}

var FilterFields = map[string]bool{
	"category":    true,
	"date":        true,
	"amount":      true,
	"description": true,
}

var filterOps = map[string]string{
	"eq":   "=",
	"ne":   "!=",
	"gt":   ">",
	"ge":   ">=",
	"lt":   "<",
	"le":   "<=",
	"like": "LIKE",
}

func ValidFilterOp(op string) bool {
	_, ok := filterOps[op]
	return ok
}

// Query narrows a transaction listing. A zero Limit returns every row.
type Query struct {
	Filters []Filter
	Limit   int
	Offset  int
}

type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) Create(ctx context.Context, t *Transaction) error {
	return r.db.WithContext(ctx).Create(t).Error
}

func (r *TransactionRepository) GetForUser(ctx context.Context, userID, id uint) (*Transaction, error) {
	t := &Transaction{}
	err := r.db.WithContext(ctx).Where("user_id = ? AND id = ?", userID, id).First(t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// FindForUser returns the user's transactions, newest first, along with the
// number of rows matching q before Limit/Offset are applied.
func (r *TransactionRepository) FindForUser(ctx context.Context, userID uint, q Query) ([]Transaction, int64, error) {
	conds := make([]func(*gorm.DB) *gorm.DB, 0, len(q.Filters)+1)
	conds = append(conds, func(db *gorm.DB) *gorm.DB { return db.Where("user_id = ?", userID) })
	for _, f := range q.Filters {
		if !FilterFields[f.Field] {
			return nil, 0, fmt.Errorf("invalid filter field %s", f.Field)
		}
		op, ok := filterOps[f.Op]
		if !ok {
			return nil, 0, fmt.Errorf("invalid operator %s", f.Op)
		}
		value := f.Value
		if f.Op == "like" {
			value = fmt.Sprintf("%%%v%%", value)
		}
		clause := f.Field + " " + op + " ?"
		conds = append(conds, func(db *gorm.DB) *gorm.DB { return db.Where(clause, value) })
	}

	var total int64
	if err := r.db.WithContext(ctx).Model(&Transaction{}).Scopes(conds...).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	query := r.db.WithContext(ctx).Scopes(conds...).Order("date DESC").Order("id DESC")
	if q.Limit > 0 {
		query = query.Limit(q.Limit).Offset(q.Offset)
	}
	transactions := []Transaction{}
	if err := query.Find(&transactions).Error; err != nil {
		return nil, 0, err
	}
	return transactions, total, nil
}
