package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// SLATarget is static reference data: expected turnaround per service or
// bundle type, in hours. The engine never mutates targets.
type SLATarget struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	ServiceType string       `gorm:"type:text;not null;uniqueIndex:ux_sla_targets_service_type"`
	TargetHours float64      `gorm:"not null"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (SLATarget) TableName() string { return "sla_targets" }

// Evaluation classifies a delivery against its target.
//
// ActualHours is nil when the request was never formally assigned; such
// requests are excluded from SLA aggregates but still count as delivered.
// OnTime is nil when no target is configured for the type: unclassifiable,
// not late.
type Evaluation struct {
	ActualHours *float64
	TargetHours *float64
	OnTime      *bool
}

type AggregateRequest struct {
	From *time.Time
	To   *time.Time
}

type AggregateResponse struct {
	TotalDelivered int64   `json:"total_delivered"`
	Classified     int64   `json:"classified"`
	OnTime         int64   `json:"on_time"`
	OnTimeRate     float64 `json:"on_time_rate"`
}

var (
	ErrInvalidDeliveredAt = errors.New("invalid_delivered_at")
)

type Service interface {
	Evaluate(ctx context.Context, serviceType string, assignedAt *time.Time, deliveredAt time.Time) (Evaluation, error)
	Aggregate(ctx context.Context, req AggregateRequest) (AggregateResponse, error)
}
