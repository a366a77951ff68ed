package events

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/atelier/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Event struct {
	Type      EventType
	Payload   map[string]any
	DedupeKey string
}

// Outbox appends engine events inside the caller's transaction.
type Outbox struct {
	log   *zap.Logger
	genID *snowflake.Node
}

type OutboxParam struct {
	fx.In

	Log   *zap.Logger
	GenID *snowflake.Node
}

func NewOutbox(p OutboxParam) *Outbox {
	return &Outbox{
		log:   p.Log.Named("events.outbox"),
		genID: p.GenID,
	}
}

// Publish writes the event row using tx so the event commits (or rolls back)
// with the state change that produced it. Duplicate dedupe keys are dropped.
func (o *Outbox) Publish(ctx context.Context, tx *gorm.DB, event Event) error {
	if tx == nil {
		return gorm.ErrInvalidDB
	}

	record := OutboxEvent{
		ID:        o.genID.Generate(),
		EventType: event.Type,
		Payload:   datatypes.JSONMap(event.Payload),
		CreatedAt: time.Now().UTC(),
	}
	if key := strings.TrimSpace(event.DedupeKey); key != "" {
		record.DedupeKey = &key
	}

	if err := tx.WithContext(ctx).Create(&record).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil
		}
		return err
	}
	return nil
}

// Pending returns unpublished events for an external dispatcher.
func (o *Outbox) Pending(ctx context.Context, conn *gorm.DB, limit int) ([]OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []OutboxEvent
	err := conn.WithContext(ctx).
		Where("published = ?", false).
		Order("id").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// MarkPublished flags drained events.
func (o *Outbox) MarkPublished(ctx context.Context, conn *gorm.DB, ids []snowflake.ID) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now().UTC()
	return conn.WithContext(ctx).Model(&OutboxEvent{}).
		Where("id IN ?", ids).
		Updates(map[string]any{"published": true, "published_at": now}).Error
}

// Module wires the transactional outbox.
var Module = fx.Module("events",
	fx.Provide(NewOutbox),
)
