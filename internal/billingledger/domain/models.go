package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// LedgerSourceType names the fact a payable entry derives from.
type LedgerSourceType string

const (
	SourceTypeServiceRequest LedgerSourceType = "service_request" // delivered request (overage / standalone)
	SourceTypePackPeriod     LedgerSourceType = "pack_period"     // closed subscription-pack month
	SourceTypeReversal       LedgerSourceType = "reversal"        // correction of an earlier entry
)

type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusPaid    PaymentStatus = "paid"
)

// LedgerEntry is one immutable payable fact. Amounts are never edited;
// corrections are recorded as reversing entries. Payment status moves
// pending -> paid exactly once, via MarkPaid.
type LedgerEntry struct {
	ID         snowflake.ID     `gorm:"primaryKey"`
	SourceType LedgerSourceType `gorm:"type:text;not null;uniqueIndex:ux_ledger_entries_source,priority:1"`
	SourceID   snowflake.ID     `gorm:"not null;uniqueIndex:ux_ledger_entries_source,priority:2"`
	ClientID   snowflake.ID     `gorm:"not null;index"`
	AmountCents int64           `gorm:"not null"`
	Status     PaymentStatus    `gorm:"type:text;not null;default:'pending';index"`
	PaidAt     *time.Time       `gorm:""`
	CreatedAt  time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt  time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (LedgerEntry) TableName() string { return "billing_ledger_entries" }

type RecordRequest struct {
	SourceID    snowflake.ID
	ClientID    snowflake.ID
	AmountCents int64
}

type MarkPaidResponse struct {
	UpdatedCount int            `json:"updated_count"`
	AlreadyPaid  []snowflake.ID `json:"already_paid"`
	Unknown      []snowflake.ID `json:"unknown"`
}

type SummarizeRequest struct {
	ClientID   snowflake.ID
	SourceType LedgerSourceType
	Status     PaymentStatus
	From       *time.Time
	To         *time.Time
}

type SummarizeResponse struct {
	TotalItems       int64 `json:"total_items"`
	TotalAmountCents int64 `json:"total_amount_cents"`
	PendingCount     int64 `json:"pending_count"`
	PaidCount        int64 `json:"paid_count"`
}

var (
	ErrDuplicateLedgerEntry = errors.New("duplicate_ledger_entry")
	ErrAlreadyPaid          = errors.New("already_paid")
	ErrUnknownEntries       = errors.New("unknown_ledger_entries")
	ErrInvalidAmount        = errors.New("invalid_amount")
)

type Service interface {
	// RecordDelivery appends the payable fact for a delivered request inside
	// tx. Idempotent by (source_type, source_id): a second call returns the
	// existing entry rather than creating another.
	RecordDelivery(ctx context.Context, tx *gorm.DB, req RecordRequest) (*LedgerEntry, error)
	// RecordPeriodClose appends the pack-price fact for a closed period, with
	// the same idempotency rule keyed by the period.
	RecordPeriodClose(ctx context.Context, tx *gorm.DB, req RecordRequest) (*LedgerEntry, error)
	// RecordReversal appends a negative correcting entry for an existing
	// entry; the original amount is never edited.
	RecordReversal(ctx context.Context, entryID snowflake.ID) (*LedgerEntry, error)
	// MarkPaid transitions pending entries to paid. Entries already paid are
	// reported, not double-counted; unknown ids are reported as errors.
	MarkPaid(ctx context.Context, entryIDs []snowflake.ID) (MarkPaidResponse, error)
	// Summarize aggregates matching entries exactly; used for reconciliation
	// audits.
	Summarize(ctx context.Context, req SummarizeRequest) (SummarizeResponse, error)
	List(ctx context.Context, req SummarizeRequest) ([]LedgerEntry, error)
}
