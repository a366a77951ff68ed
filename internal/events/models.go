package events

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// EventType identifies a lifecycle fact exposed to external dispatchers.
type EventType string

const (
	EventRequestAssigned  EventType = "request.assigned"
	EventRequestDelivered EventType = "request.delivered"
	EventRequestCanceled  EventType = "request.canceled"
	EventEntryCreated     EventType = "ledger.entry_created"
	EventEntryPaid        EventType = "ledger.entry_paid"
)

// OutboxEvent captures engine events for an external notification dispatcher.
// Rows are written in the same transaction as the state change that produced
// them and drained by a separate publisher.
type OutboxEvent struct {
	ID          snowflake.ID      `gorm:"primaryKey"`
	EventType   EventType         `gorm:"type:text;not null;index"`
	Payload     datatypes.JSONMap `gorm:"type:jsonb;not null"`
	DedupeKey   *string           `gorm:"type:text;uniqueIndex:ux_outbox_dedupe"`
	Published   bool              `gorm:"not null;default:false;index"`
	PublishedAt *time.Time        `gorm:""`
	CreatedAt   time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (OutboxEvent) TableName() string { return "outbox_events" }
