package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Vendor is one organization in the active fulfillment pool. Position records
// insertion order and breaks fairness ties deterministically.
type Vendor struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	Name       string       `gorm:"type:text;not null"`
	DesignerID string       `gorm:"type:text;not null"`
	Weight     float64      `gorm:"not null;default:1"`
	// MaxAssigned caps concurrently assigned requests; zero means uncapped.
	MaxAssigned int       `gorm:"not null;default:0"`
	Active      bool      `gorm:"not null;default:true;index"`
	Position    int       `gorm:"not null;index"`
	CreatedAt   time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Vendor) TableName() string { return "vendors" }

// VendorLoad pairs a vendor with its current assigned-count aggregate.
type VendorLoad struct {
	Vendor   Vendor
	Assigned int64
}

// Policy carries balancer tuning.
type Policy struct {
	// BacklogAssignCapPercent bounds the share of backlog that may be in
	// flight at once, as a percentage. Zero disables the cap.
	BacklogAssignCapPercent int
}

type SelectRequest struct {
	RequestKind string
}

type Selection struct {
	AssigneeID string
	VendorID   snowflake.ID
}

var (
	ErrNoEligibleAssignee = errors.New("no_eligible_assignee")
	ErrVendorNotFound     = errors.New("vendor_not_found")
	ErrVendorInactive     = errors.New("vendor_inactive")
	ErrVendorAtCapacity   = errors.New("vendor_at_capacity")
)

type Service interface {
	// SelectAssignee picks a vendor/designer for a request under fairness and
	// capacity constraints. Reads of aggregate counts may be slightly stale;
	// the final assignee write is guarded by the request row lock.
	SelectAssignee(ctx context.Context, req SelectRequest) (Selection, error)
	// ConfirmCapacity verifies an explicitly chosen vendor is active and under
	// its cap.
	ConfirmCapacity(ctx context.Context, vendorID snowflake.ID) error
	ListVendors(ctx context.Context) ([]Vendor, error)
}
