package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	requestdomain "github.com/smallbiznis/atelier/internal/request/domain"
	"github.com/smallbiznis/atelier/pkg/db"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

type repo struct {
	db *gorm.DB
}

type Params struct {
	fx.In

	DB *gorm.DB
}

func NewRepository(p Params) requestdomain.Repository {
	return &repo{db: p.DB}
}

func (r *repo) Insert(ctx context.Context, conn *gorm.DB, request *requestdomain.Request) error {
	if conn == nil {
		conn = r.db
	}
	return conn.WithContext(ctx).Create(request).Error
}

func (r *repo) InsertLines(ctx context.Context, conn *gorm.DB, lines []requestdomain.BundleLine) error {
	if len(lines) == 0 {
		return nil
	}
	if conn == nil {
		conn = r.db
	}
	return conn.WithContext(ctx).Create(&lines).Error
}

func (r *repo) FindByID(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*requestdomain.Request, error) {
	if conn == nil {
		conn = r.db
	}
	var request requestdomain.Request
	err := conn.WithContext(ctx).First(&request, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &request, nil
}

func (r *repo) FindByIDForUpdate(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*requestdomain.Request, error) {
	if conn == nil {
		conn = r.db
	}
	var request requestdomain.Request
	err := db.ForUpdate(conn.WithContext(ctx)).First(&request, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &request, nil
}

// Save persists the request guarded by the version the caller read. The
// version column bumps on every successful write, so a stale writer sees
// RowsAffected == 0 and gets ErrVersionConflict.
func (r *repo) Save(ctx context.Context, conn *gorm.DB, request *requestdomain.Request, expectedVersion int64) error {
	if conn == nil {
		conn = r.db
	}

	request.Version = expectedVersion + 1
	result := conn.WithContext(ctx).Model(&requestdomain.Request{}).
		Where("id = ? AND version = ?", request.ID, expectedVersion).
		Select("*").
		Omit("id", "created_at").
		Updates(request)
	if result.Error != nil {
		request.Version = expectedVersion
		return result.Error
	}
	if result.RowsAffected == 0 {
		request.Version = expectedVersion
		return requestdomain.ErrVersionConflict
	}
	return nil
}

func (r *repo) FindLines(ctx context.Context, conn *gorm.DB, requestID snowflake.ID) ([]requestdomain.BundleLine, error) {
	if conn == nil {
		conn = r.db
	}
	var lines []requestdomain.BundleLine
	err := conn.WithContext(ctx).
		Where("request_id = ?", requestID).
		Order("id").
		Find(&lines).Error
	return lines, err
}

func (r *repo) ListByStatus(ctx context.Context, conn *gorm.DB, status requestdomain.RequestStatus, afterID snowflake.ID, limit int) ([]requestdomain.Request, error) {
	if conn == nil {
		conn = r.db
	}
	if limit <= 0 {
		limit = 50
	}
	query := conn.WithContext(ctx).Where("status = ?", status)
	if afterID != 0 {
		query = query.Where("id > ?", afterID)
	}
	var requests []requestdomain.Request
	err := query.Order("id").Limit(limit).Find(&requests).Error
	return requests, err
}

func (r *repo) ListByClient(ctx context.Context, conn *gorm.DB, clientID snowflake.ID, afterID snowflake.ID, limit int) ([]requestdomain.Request, error) {
	if conn == nil {
		conn = r.db
	}
	if limit <= 0 {
		limit = 50
	}
	query := conn.WithContext(ctx).Where("client_id = ?", clientID)
	if afterID != 0 {
		query = query.Where("id > ?", afterID)
	}
	var requests []requestdomain.Request
	err := query.Order("id").Limit(limit).Find(&requests).Error
	return requests, err
}
