package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository is the narrow store surface the engine consumes. Save enforces
// optimistic concurrency: the row's version must still equal expectedVersion
// or the write fails with ErrVersionConflict.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, request *Request) error
	InsertLines(ctx context.Context, db *gorm.DB, lines []BundleLine) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Request, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Request, error)
	Save(ctx context.Context, db *gorm.DB, request *Request, expectedVersion int64) error
	FindLines(ctx context.Context, db *gorm.DB, requestID snowflake.ID) ([]BundleLine, error)
	ListByStatus(ctx context.Context, db *gorm.DB, status RequestStatus, afterID snowflake.ID, limit int) ([]Request, error)
	ListByClient(ctx context.Context, db *gorm.DB, clientID snowflake.ID, afterID snowflake.ID, limit int) ([]Request, error)
}
