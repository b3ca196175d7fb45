// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file reads the user and listing projections owned by
// the surrounding platform.
package repo

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-rental-chat/internal/domain"
)

// GetUser fetches a user projection by ID.
func GetUser(ctx context.Context, db *gorm.DB, id string) (*domain.User, error) {
	var u domain.User
	if err := db.WithContext(ctx).Where("id = ?", id).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// GetListing fetches a listing projection by ID.
func GetListing(ctx context.Context, db *gorm.DB, id string) (*domain.Listing, error) {
	var l domain.Listing
	if err := db.WithContext(ctx).Where("id = ?", id).First(&l).Error; err != nil {
		return nil, err
	}
	return &l, nil
}

// UpsertUser inserts or replaces a user projection. The platform's account
// service is the owner; this keeps the local copy in sync.
func UpsertUser(ctx context.Context, db *gorm.DB, u *domain.User) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(u).Error
}

// UpsertListing inserts or replaces a listing projection.
func UpsertListing(ctx context.Context, db *gorm.DB, l *domain.Listing) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(l).Error
}
