package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type RequestKind string

const (
	KindAdHoc  RequestKind = "ad_hoc"
	KindBundle RequestKind = "bundle"
)

type RequestStatus string

const (
	StatusPending       RequestStatus = "pending"
	StatusInProgress    RequestStatus = "in_progress"
	StatusChangeRequest RequestStatus = "change_request"
	StatusDelivered     RequestStatus = "delivered"
	StatusCanceled      RequestStatus = "canceled"
)

// IsTerminal reports whether no transition leads out of the status.
func (s RequestStatus) IsTerminal() bool {
	return s == StatusDelivered || s == StatusCanceled
}

// allowedTransitions is the authoritative lifecycle edge set. Nothing leaves
// delivered or canceled.
var allowedTransitions = map[RequestStatus]map[RequestStatus]bool{
	StatusPending: {
		StatusInProgress: true,
		StatusCanceled:   true,
	},
	StatusInProgress: {
		StatusDelivered:     true,
		StatusChangeRequest: true,
		StatusCanceled:      true,
	},
	StatusChangeRequest: {
		StatusInProgress: true,
		StatusCanceled:   true,
	},
}

// IsTransitionAllowed reports whether from -> to is a lifecycle edge.
func IsTransitionAllowed(from, to RequestStatus) bool {
	return allowedTransitions[from][to]
}

// Request is a unit of fulfillment work. ServiceID names the service (ad-hoc)
// or bundle definition (bundle); bundle requests itemize their services as
// BundleLine rows. Version backs optimistic concurrency on every save.
type Request struct {
	ID         snowflake.ID  `gorm:"primaryKey"`
	Kind       RequestKind   `gorm:"type:text;not null"`
	ClientID   snowflake.ID  `gorm:"not null;index"`
	ServiceID  string        `gorm:"type:text;not null"`
	Status     RequestStatus `gorm:"type:text;not null;default:'pending';index"`
	DueAt      *time.Time    `gorm:""`
	AssigneeID *string       `gorm:"type:text"`
	VendorID   *snowflake.ID `gorm:"index"`
	AssignedAt *time.Time    `gorm:""`

	DeliveredAt     *time.Time `gorm:""`
	DeliveredBy     *string    `gorm:"type:text"`
	VendorCostCents *int64     `gorm:""`

	SLAActualHours *float64 `gorm:"column:sla_actual_hours"`
	SLAOnTime      *bool    `gorm:"column:sla_on_time"`

	ChangeRequestCount int               `gorm:"not null;default:0"`
	Version            int64             `gorm:"not null;default:1"`
	Metadata           datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'"`
	CreatedAt          time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt          time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Request) TableName() string { return "requests" }

// BundleLine itemizes one service of a bundle request. Lines are validated at
// creation: a named service and a positive quantity.
type BundleLine struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	RequestID snowflake.ID `gorm:"not null;index"`
	ServiceID string       `gorm:"type:text;not null"`
	Quantity  int64        `gorm:"not null"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (BundleLine) TableName() string { return "bundle_lines" }
