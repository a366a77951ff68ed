package service

import (
	"context"
	"strings"

	"time"

	"github.com/smallbiznis/atelier/internal/observability/metrics"
	sladomain "github.com/smallbiznis/atelier/internal/sla/domain"
	"github.com/smallbiznis/atelier/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Metrics *metrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	targets repository.Repository[sladomain.SLATarget]
	metrics *metrics.Metrics
}

func NewService(p ServiceParam) sladomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("sla.service"),
		targets: repository.ProvideStore[sladomain.SLATarget](p.DB),
		metrics: p.Metrics,
	}
}

func (s *Service) Evaluate(ctx context.Context, serviceType string, assignedAt *time.Time, deliveredAt time.Time) (sladomain.Evaluation, error) {
	if deliveredAt.IsZero() {
		return sladomain.Evaluation{}, sladomain.ErrInvalidDeliveredAt
	}

	var evaluation sladomain.Evaluation

	serviceType = strings.TrimSpace(serviceType)
	if serviceType != "" {
		target, err := s.targets.FindOne(ctx, &sladomain.SLATarget{ServiceType: serviceType})
		if err != nil {
			return sladomain.Evaluation{}, err
		}
		if target != nil {
			hours := target.TargetHours
			evaluation.TargetHours = &hours
		}
	}

	// Never formally assigned: delivered still counts, turnaround does not.
	if assignedAt == nil || assignedAt.IsZero() {
		return evaluation, nil
	}

	actual := deliveredAt.Sub(*assignedAt).Hours()
	evaluation.ActualHours = &actual

	if evaluation.TargetHours != nil {
		onTime := actual <= *evaluation.TargetHours
		evaluation.OnTime = &onTime
		if !onTime {
			s.metrics.IncSLAOverTarget()
		}
	}

	return evaluation, nil
}

func (s *Service) Aggregate(ctx context.Context, req sladomain.AggregateRequest) (sladomain.AggregateResponse, error) {
	query := `SELECT
		COUNT(1) AS total_delivered,
		COUNT(CASE WHEN sla_on_time IS NOT NULL THEN 1 END) AS classified,
		COUNT(CASE WHEN sla_on_time THEN 1 END) AS on_time
	FROM requests
	WHERE status = 'delivered'`
	args := []any{}
	if req.From != nil {
		query += " AND delivered_at >= ?"
		args = append(args, *req.From)
	}
	if req.To != nil {
		query += " AND delivered_at < ?"
		args = append(args, *req.To)
	}

	var row struct {
		TotalDelivered int64
		Classified     int64
		OnTime         int64
	}
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(&row).Error; err != nil {
		return sladomain.AggregateResponse{}, err
	}

	resp := sladomain.AggregateResponse{
		TotalDelivered: row.TotalDelivered,
		Classified:     row.Classified,
		OnTime:         row.OnTime,
	}
	if row.Classified > 0 {
		resp.OnTimeRate = float64(row.OnTime) / float64(row.Classified)
	}
	return resp, nil
}
