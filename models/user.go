package models

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// User owns transactions. Rows are created on the first request carrying a
// token for a new email.
type User struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
	Name      string    `json:"name"`
	Email     string    `gorm:"uniqueIndex;size:255;not null" json:"email"`
}

type UserRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) FindOrCreate(ctx context.Context, email, name string) (*User, error) {
	u := &User{}
	err := r.db.WithContext(ctx).
		Where(User{Email: email}).
		Attrs(User{Name: name}).
		FirstOrCreate(u).Error
	if err != nil {
		return nil, err
	}
	return u, nil
}
