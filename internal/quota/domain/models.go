package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// PackSubscription is a client's monthly subscription pack: the template the
// engine instantiates one PackPeriod from per calendar month.
type PackSubscription struct {
	ID       snowflake.ID `gorm:"primaryKey"`
	ClientID snowflake.ID `gorm:"not null;index;uniqueIndex:ux_pack_subscriptions_client_pack,priority:1"`
	PackID   snowflake.ID `gorm:"not null;uniqueIndex:ux_pack_subscriptions_client_pack,priority:2"`
	// Included maps service id to the included quantity per period.
	Included   datatypes.JSONMap `gorm:"type:jsonb;not null"`
	PriceCents int64             `gorm:"not null"`
	Active     bool              `gorm:"not null;default:true;index"`
	StartAt    time.Time         `gorm:"not null"`
	CreatedAt  time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt  time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PackSubscription) TableName() string { return "pack_subscriptions" }

type PackPeriodStatus string

const (
	PackPeriodStatusOpen   PackPeriodStatus = "open"
	PackPeriodStatusClosed PackPeriodStatus = "closed"
)

// PackPeriod is one billing month of one client's pack. Consumed quantities
// are mutated only by quota consumption from delivered requests; once closed
// the row is read-only and remaining quota is discarded, never carried over.
type PackPeriod struct {
	ID          snowflake.ID      `gorm:"primaryKey"`
	ClientID    snowflake.ID      `gorm:"not null;index;uniqueIndex:ux_pack_periods_client_pack_start,priority:1"`
	PackID      snowflake.ID      `gorm:"not null;uniqueIndex:ux_pack_periods_client_pack_start,priority:2"`
	PeriodStart time.Time         `gorm:"not null;uniqueIndex:ux_pack_periods_client_pack_start,priority:3"`
	PeriodEnd   time.Time         `gorm:"not null;index"`
	Included    datatypes.JSONMap `gorm:"type:jsonb;not null"`
	Consumed    datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'"`
	PriceCents  int64             `gorm:"not null"`
	Status      PackPeriodStatus  `gorm:"type:text;not null;default:'open';index"`
	ClosedAt    *time.Time        `gorm:""`
	CreatedAt   time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PackPeriod) TableName() string { return "pack_periods" }

// ServiceCatalogItem is static reference data carrying the standalone unit
// price used when a delivery is not covered by any active pack period.
type ServiceCatalogItem struct {
	ID                   snowflake.ID `gorm:"primaryKey"`
	ServiceID            string       `gorm:"type:text;not null;uniqueIndex:ux_service_catalog_service_id"`
	Name                 string       `gorm:"type:text;not null"`
	StandalonePriceCents int64        `gorm:"not null"`
	CreatedAt            time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (ServiceCatalogItem) TableName() string { return "service_catalog" }

type ConsumeRequest struct {
	ClientID  snowflake.ID
	ServiceID string
	Quantity  int64
	// PeriodKey is the delivery time; the period is resolved by the calendar
	// month of delivery, not of request creation.
	PeriodKey time.Time
}

type ConsumptionResult struct {
	CoveredQuantity       int64
	OverageQuantity       int64
	UnitOveragePriceCents int64
	// PeriodID is zero when no active period covered the delivery and the
	// standalone price applied.
	PeriodID snowflake.ID
}

// OverageAmountCents is the billable amount produced by this consumption.
func (r ConsumptionResult) OverageAmountCents() int64 {
	return r.OverageQuantity * r.UnitOveragePriceCents
}

type ClosablePeriod struct {
	ID         snowflake.ID
	ClientID   snowflake.ID
	PackID     snowflake.ID
	PriceCents int64
	PeriodEnd  time.Time
	Status     PackPeriodStatus
}

var (
	ErrQuotaPeriodNotFound = errors.New("quota_period_not_found")
	ErrServiceNotFound     = errors.New("service_not_found")
	ErrInvalidQuantity     = errors.New("invalid_quantity")
	ErrPeriodClosed        = errors.New("period_closed")
)

type Service interface {
	// Consume decrements the client's remaining included quantity for the
	// service inside tx, attributing any excess to overage. With no active
	// period the whole quantity is overage at the standalone price. The
	// (client, period, service) update is serialized by a row lock on the
	// period.
	Consume(ctx context.Context, tx *gorm.DB, req ConsumeRequest) (ConsumptionResult, error)
	// EnsurePeriod opens the calendar-month period containing at for every
	// active pack subscription that does not have one yet.
	EnsurePeriod(ctx context.Context, at time.Time) error
	GetPeriod(ctx context.Context, clientID snowflake.ID, at time.Time) (*PackPeriod, error)
	// FetchPeriodsForClose claims ended open periods for the close job.
	FetchPeriodsForClose(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]ClosablePeriod, error)
	// MarkPeriodClosed transitions an ended period to closed; remaining
	// included quantity is discarded.
	MarkPeriodClosed(ctx context.Context, tx *gorm.DB, periodID snowflake.ID, now time.Time) (bool, error)
}
