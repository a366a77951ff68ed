package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/atelier/internal/clock"
	"github.com/smallbiznis/atelier/internal/observability/metrics"
	quotadomain "github.com/smallbiznis/atelier/internal/quota/domain"
	"github.com/smallbiznis/atelier/pkg/db"
	"github.com/smallbiznis/atelier/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Metrics *metrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	catalog repository.Repository[quotadomain.ServiceCatalogItem]
	metrics *metrics.Metrics
}

func NewService(p ServiceParam) quotadomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("quota.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		catalog: repository.ProvideStore[quotadomain.ServiceCatalogItem](p.DB),
		metrics: p.Metrics,
	}
}

func (s *Service) Consume(ctx context.Context, tx *gorm.DB, req quotadomain.ConsumeRequest) (quotadomain.ConsumptionResult, error) {
	if req.Quantity <= 0 {
		return quotadomain.ConsumptionResult{}, quotadomain.ErrInvalidQuantity
	}
	serviceID := strings.TrimSpace(req.ServiceID)
	if serviceID == "" {
		return quotadomain.ConsumptionResult{}, quotadomain.ErrServiceNotFound
	}
	if tx == nil {
		tx = s.db
	}

	period, err := s.findActivePeriodForUpdate(ctx, tx, req.ClientID, req.PeriodKey)
	if err != nil {
		return quotadomain.ConsumptionResult{}, err
	}

	// No active pack period: the whole quantity is overage at the service's
	// standalone price.
	if period == nil {
		item, err := s.catalog.FindOne(ctx, &quotadomain.ServiceCatalogItem{ServiceID: serviceID})
		if err != nil {
			return quotadomain.ConsumptionResult{}, err
		}
		if item == nil {
			return quotadomain.ConsumptionResult{}, quotadomain.ErrServiceNotFound
		}
		result := quotadomain.ConsumptionResult{
			CoveredQuantity:       0,
			OverageQuantity:       req.Quantity,
			UnitOveragePriceCents: item.StandalonePriceCents,
		}
		s.metrics.AddQuotaUnits(0, req.Quantity)
		return result, nil
	}

	included := jsonQuantity(period.Included, serviceID)
	consumed := jsonQuantity(period.Consumed, serviceID)

	remaining := included - consumed
	if remaining < 0 {
		remaining = 0
	}
	covered := req.Quantity
	if covered > remaining {
		covered = remaining
	}
	overage := req.Quantity - covered

	if period.Consumed == nil {
		period.Consumed = map[string]any{}
	}
	period.Consumed[serviceID] = float64(consumed + req.Quantity)

	now := s.clock.Now()
	if err := tx.WithContext(ctx).Model(&quotadomain.PackPeriod{}).
		Where("id = ? AND status = ?", period.ID, quotadomain.PackPeriodStatusOpen).
		Updates(map[string]any{
			"consumed":   period.Consumed,
			"updated_at": now,
		}).Error; err != nil {
		return quotadomain.ConsumptionResult{}, err
	}

	result := quotadomain.ConsumptionResult{
		CoveredQuantity:       covered,
		OverageQuantity:       overage,
		UnitOveragePriceCents: unitOveragePrice(period),
		PeriodID:              period.ID,
	}
	s.metrics.AddQuotaUnits(covered, overage)
	return result, nil
}

// unitOveragePrice derives the per-unit overage price surfaced to operators:
// pack price divided by the total included quantity across all services.
func unitOveragePrice(period *quotadomain.PackPeriod) int64 {
	var totalIncluded int64
	for key := range period.Included {
		totalIncluded += jsonQuantity(period.Included, key)
	}
	if totalIncluded <= 0 {
		return period.PriceCents
	}
	return period.PriceCents / totalIncluded
}

func jsonQuantity(m map[string]any, key string) int64 {
	raw, ok := m[key]
	if !ok {
		return 0
	}
	switch value := raw.(type) {
	case float64:
		return int64(value)
	case int64:
		return value
	case int:
		return int64(value)
	default:
		return 0
	}
}

func (s *Service) findActivePeriodForUpdate(ctx context.Context, tx *gorm.DB, clientID snowflake.ID, at time.Time) (*quotadomain.PackPeriod, error) {
	var period quotadomain.PackPeriod
	err := db.ForUpdate(tx.WithContext(ctx)).
		Where("client_id = ? AND status = ? AND period_start <= ? AND period_end > ?",
			clientID, quotadomain.PackPeriodStatusOpen, at, at).
		First(&period).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		if db.IsLockContention(err) {
			s.metrics.IncLockContention("pack_period")
		}
		return nil, err
	}
	return &period, nil
}

func (s *Service) EnsurePeriod(ctx context.Context, at time.Time) error {
	periodStart, periodEnd := monthBounds(at)

	var subscriptions []quotadomain.PackSubscription
	if err := s.db.WithContext(ctx).
		Where("active = ? AND start_at <= ?", true, at).
		Order("id").
		Find(&subscriptions).Error; err != nil {
		return err
	}

	now := s.clock.Now()
	for _, sub := range subscriptions {
		period := quotadomain.PackPeriod{
			ID:          s.genID.Generate(),
			ClientID:    sub.ClientID,
			PackID:      sub.PackID,
			PeriodStart: periodStart,
			PeriodEnd:   periodEnd,
			Included:    sub.Included,
			Consumed:    map[string]any{},
			PriceCents:  sub.PriceCents,
			Status:      quotadomain.PackPeriodStatusOpen,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.db.WithContext(ctx).Create(&period).Error; err != nil {
			if db.IsDuplicateKeyErr(err) {
				continue
			}
			return err
		}
	}
	return nil
}

func (s *Service) GetPeriod(ctx context.Context, clientID snowflake.ID, at time.Time) (*quotadomain.PackPeriod, error) {
	var period quotadomain.PackPeriod
	err := s.db.WithContext(ctx).
		Where("client_id = ? AND period_start <= ? AND period_end > ?", clientID, at, at).
		First(&period).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, quotadomain.ErrQuotaPeriodNotFound
		}
		return nil, err
	}
	return &period, nil
}

func (s *Service) FetchPeriodsForClose(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]quotadomain.ClosablePeriod, error) {
	if tx == nil {
		tx = s.db
	}
	if limit <= 0 {
		limit = 50
	}
	var periods []quotadomain.ClosablePeriod
	err := db.ForUpdateSkipLocked(tx.WithContext(ctx).
		Model(&quotadomain.PackPeriod{}).
		Select("id, client_id, pack_id, price_cents, period_end, status").
		Where("status = ? AND period_end <= ?", quotadomain.PackPeriodStatusOpen, now).
		Order("period_end, id").
		Limit(limit)).
		Scan(&periods).Error
	if err != nil {
		return nil, err
	}
	return periods, nil
}

func (s *Service) MarkPeriodClosed(ctx context.Context, tx *gorm.DB, periodID snowflake.ID, now time.Time) (bool, error) {
	if tx == nil {
		tx = s.db
	}
	// Remaining included quantity is discarded here; quota never rolls over
	// into the next period.
	result := tx.WithContext(ctx).Model(&quotadomain.PackPeriod{}).
		Where("id = ? AND status = ?", periodID, quotadomain.PackPeriodStatusOpen).
		Updates(map[string]any{
			"status":     quotadomain.PackPeriodStatusClosed,
			"closed_at":  now,
			"updated_at": now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func monthBounds(at time.Time) (time.Time, time.Time) {
	at = at.UTC()
	start := time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}
