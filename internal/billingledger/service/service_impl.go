package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/atelier/internal/billingledger/domain"
	"github.com/smallbiznis/atelier/internal/clock"
	"github.com/smallbiznis/atelier/internal/events"
	"github.com/smallbiznis/atelier/internal/observability/metrics"
	"github.com/smallbiznis/atelier/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Outbox  *events.Outbox
	Metrics *metrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	outbox  *events.Outbox
	metrics *metrics.Metrics
}

func NewService(p ServiceParam) ledgerdomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("billingledger.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		outbox:  p.Outbox,
		metrics: p.Metrics,
	}
}

func (s *Service) RecordDelivery(ctx context.Context, tx *gorm.DB, req ledgerdomain.RecordRequest) (*ledgerdomain.LedgerEntry, error) {
	return s.record(ctx, tx, ledgerdomain.SourceTypeServiceRequest, req)
}

func (s *Service) RecordPeriodClose(ctx context.Context, tx *gorm.DB, req ledgerdomain.RecordRequest) (*ledgerdomain.LedgerEntry, error) {
	return s.record(ctx, tx, ledgerdomain.SourceTypePackPeriod, req)
}

// record inserts a payable fact idempotently. The unique index on
// (source_type, source_id) makes the insert the serialization point: under a
// concurrent race exactly one row is created and both callers observe it.
func (s *Service) record(ctx context.Context, tx *gorm.DB, sourceType ledgerdomain.LedgerSourceType, req ledgerdomain.RecordRequest) (*ledgerdomain.LedgerEntry, error) {
	if req.AmountCents < 0 {
		return nil, ledgerdomain.ErrInvalidAmount
	}
	if tx == nil {
		tx = s.db
	}

	now := s.clock.Now()
	entry := ledgerdomain.LedgerEntry{
		ID:          s.genID.Generate(),
		SourceType:  sourceType,
		SourceID:    req.SourceID,
		ClientID:    req.ClientID,
		AmountCents: req.AmountCents,
		Status:      ledgerdomain.PaymentStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	result := tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "source_type"}, {Name: "source_id"}},
		DoNothing: true,
	}).Create(&entry)
	if result.Error != nil {
		return nil, result.Error
	}

	// Idempotency hit: the fact already exists, return it as-is.
	if result.RowsAffected == 0 {
		existing, err := s.findBySource(ctx, tx, sourceType, req.SourceID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, ledgerdomain.ErrDuplicateLedgerEntry
		}
		return existing, nil
	}

	if err := s.outbox.Publish(ctx, tx, events.Event{
		Type: events.EventEntryCreated,
		Payload: map[string]any{
			"entry_id":     entry.ID.String(),
			"source_type":  string(sourceType),
			"source_id":    entry.SourceID.String(),
			"client_id":    entry.ClientID.String(),
			"amount_cents": entry.AmountCents,
		},
		DedupeKey: "entry_created:" + entry.ID.String(),
	}); err != nil {
		return nil, err
	}

	s.metrics.IncLedgerEntry(string(sourceType))
	return &entry, nil
}

func (s *Service) RecordReversal(ctx context.Context, entryID snowflake.ID) (*ledgerdomain.LedgerEntry, error) {
	var reversal *ledgerdomain.LedgerEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var original ledgerdomain.LedgerEntry
		if err := tx.WithContext(ctx).First(&original, "id = ?", entryID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return ledgerdomain.ErrUnknownEntries
			}
			return err
		}

		now := s.clock.Now()
		entry := ledgerdomain.LedgerEntry{
			ID:          s.genID.Generate(),
			SourceType:  ledgerdomain.SourceTypeReversal,
			SourceID:    original.ID,
			ClientID:    original.ClientID,
			AmountCents: -original.AmountCents,
			Status:      ledgerdomain.PaymentStatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		result := tx.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "source_type"}, {Name: "source_id"}},
			DoNothing: true,
		}).Create(&entry)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			existing, err := s.findBySource(ctx, tx, ledgerdomain.SourceTypeReversal, original.ID)
			if err != nil {
				return err
			}
			reversal = existing
			return nil
		}
		reversal = &entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reversal, nil
}

func (s *Service) MarkPaid(ctx context.Context, entryIDs []snowflake.ID) (ledgerdomain.MarkPaidResponse, error) {
	resp := ledgerdomain.MarkPaidResponse{}
	if len(entryIDs) == 0 {
		return resp, nil
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entries []ledgerdomain.LedgerEntry
		if err := db.ForUpdate(tx.WithContext(ctx)).
			Where("id IN ?", entryIDs).
			Find(&entries).Error; err != nil {
			return err
		}

		known := make(map[snowflake.ID]ledgerdomain.PaymentStatus, len(entries))
		for _, entry := range entries {
			known[entry.ID] = entry.Status
		}

		var toPay []snowflake.ID
		for _, id := range entryIDs {
			status, ok := known[id]
			switch {
			case !ok:
				resp.Unknown = append(resp.Unknown, id)
			case status == ledgerdomain.PaymentStatusPaid:
				resp.AlreadyPaid = append(resp.AlreadyPaid, id)
			default:
				toPay = append(toPay, id)
			}
		}

		if len(toPay) == 0 {
			return nil
		}

		now := s.clock.Now()
		result := tx.WithContext(ctx).Model(&ledgerdomain.LedgerEntry{}).
			Where("id IN ? AND status = ?", toPay, ledgerdomain.PaymentStatusPending).
			Updates(map[string]any{
				"status":     ledgerdomain.PaymentStatusPaid,
				"paid_at":    now,
				"updated_at": now,
			})
		if result.Error != nil {
			return result.Error
		}
		resp.UpdatedCount = int(result.RowsAffected)

		for _, id := range toPay {
			if err := s.outbox.Publish(ctx, tx, events.Event{
				Type: events.EventEntryPaid,
				Payload: map[string]any{
					"entry_id": id.String(),
					"paid_at":  now.Format(time.RFC3339),
				},
				DedupeKey: "entry_paid:" + id.String(),
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return ledgerdomain.MarkPaidResponse{}, err
	}

	if len(resp.Unknown) > 0 {
		// Unknown ids surface as an error so callers never mistake a partial
		// update for a clean one; the response still reports what happened.
		return resp, ledgerdomain.ErrUnknownEntries
	}
	return resp, nil
}

func (s *Service) Summarize(ctx context.Context, req ledgerdomain.SummarizeRequest) (ledgerdomain.SummarizeResponse, error) {
	query := s.applyFilter(s.db.WithContext(ctx).Model(&ledgerdomain.LedgerEntry{}), req)

	var row struct {
		TotalItems       int64
		TotalAmountCents int64
		PendingCount     int64
		PaidCount        int64
	}
	err := query.Select(
		`COUNT(1) AS total_items,
		 COALESCE(SUM(amount_cents), 0) AS total_amount_cents,
		 COUNT(CASE WHEN status = 'pending' THEN 1 END) AS pending_count,
		 COUNT(CASE WHEN status = 'paid' THEN 1 END) AS paid_count`,
	).Scan(&row).Error
	if err != nil {
		return ledgerdomain.SummarizeResponse{}, err
	}
	return ledgerdomain.SummarizeResponse{
		TotalItems:       row.TotalItems,
		TotalAmountCents: row.TotalAmountCents,
		PendingCount:     row.PendingCount,
		PaidCount:        row.PaidCount,
	}, nil
}

func (s *Service) List(ctx context.Context, req ledgerdomain.SummarizeRequest) ([]ledgerdomain.LedgerEntry, error) {
	var entries []ledgerdomain.LedgerEntry
	err := s.applyFilter(s.db.WithContext(ctx).Model(&ledgerdomain.LedgerEntry{}), req).
		Order("id").
		Find(&entries).Error
	return entries, err
}

func (s *Service) applyFilter(query *gorm.DB, req ledgerdomain.SummarizeRequest) *gorm.DB {
	if req.ClientID != 0 {
		query = query.Where("client_id = ?", req.ClientID)
	}
	if req.SourceType != "" {
		query = query.Where("source_type = ?", req.SourceType)
	}
	if req.Status != "" {
		query = query.Where("status = ?", req.Status)
	}
	if req.From != nil {
		query = query.Where("created_at >= ?", *req.From)
	}
	if req.To != nil {
		query = query.Where("created_at < ?", *req.To)
	}
	return query
}

func (s *Service) findBySource(ctx context.Context, tx *gorm.DB, sourceType ledgerdomain.LedgerSourceType, sourceID snowflake.ID) (*ledgerdomain.LedgerEntry, error) {
	var entry ledgerdomain.LedgerEntry
	err := tx.WithContext(ctx).
		Where("source_type = ? AND source_id = ?", sourceType, sourceID).
		First(&entry).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}
