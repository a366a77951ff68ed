package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	assignmentdomain "github.com/smallbiznis/atelier/internal/assignment/domain"
	"github.com/smallbiznis/atelier/internal/config"
	"github.com/smallbiznis/atelier/internal/observability/metrics"
	"github.com/smallbiznis/atelier/pkg/db/option"
	"github.com/smallbiznis/atelier/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Cfg     config.Config
	Metrics *metrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	policy  assignmentdomain.Policy
	vendors repository.Repository[assignmentdomain.Vendor]
	metrics *metrics.Metrics
}

func NewService(p ServiceParam) assignmentdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("assignment.service"),
		policy: assignmentdomain.Policy{
			BacklogAssignCapPercent: p.Cfg.Engine.BacklogAssignCap,
		},
		vendors: repository.ProvideStore[assignmentdomain.Vendor](p.DB),
		metrics: p.Metrics,
	}
}

func (s *Service) SelectAssignee(ctx context.Context, req assignmentdomain.SelectRequest) (assignmentdomain.Selection, error) {
	pool, err := s.loadPool(ctx)
	if err != nil {
		return assignmentdomain.Selection{}, err
	}

	if s.policy.BacklogAssignCapPercent > 0 {
		capped, err := s.backlogCapReached(ctx)
		if err != nil {
			return assignmentdomain.Selection{}, err
		}
		if capped {
			return assignmentdomain.Selection{}, assignmentdomain.ErrNoEligibleAssignee
		}
	}

	vendor := Pick(pool)
	if vendor == nil {
		return assignmentdomain.Selection{}, assignmentdomain.ErrNoEligibleAssignee
	}

	s.metrics.IncAssignment(vendor.ID.String())
	return assignmentdomain.Selection{
		AssigneeID: vendor.DesignerID,
		VendorID:   vendor.ID,
	}, nil
}

// Pick chooses the active vendor with the lowest assigned/weight ratio among
// vendors under their cap. The pool is iterated in insertion order and ties
// keep the earlier vendor, so repeated calls over the same aggregates are
// idempotent and reorderable.
func Pick(pool []assignmentdomain.VendorLoad) *assignmentdomain.Vendor {
	var best *assignmentdomain.Vendor
	var bestRatio float64

	for i := range pool {
		load := pool[i]
		if !load.Vendor.Active {
			continue
		}
		if load.Vendor.MaxAssigned > 0 && load.Assigned >= int64(load.Vendor.MaxAssigned) {
			continue
		}
		weight := load.Vendor.Weight
		if weight <= 0 {
			weight = 1
		}
		ratio := float64(load.Assigned) / weight
		if best == nil || ratio < bestRatio {
			best = &pool[i].Vendor
			bestRatio = ratio
		}
	}
	return best
}

func (s *Service) ConfirmCapacity(ctx context.Context, vendorID snowflake.ID) error {
	vendor, err := s.vendors.FindOne(ctx, &assignmentdomain.Vendor{ID: vendorID})
	if err != nil {
		return err
	}
	if vendor == nil {
		return assignmentdomain.ErrVendorNotFound
	}
	if !vendor.Active {
		return assignmentdomain.ErrVendorInactive
	}
	if vendor.MaxAssigned > 0 {
		assigned, err := s.assignedCount(ctx, vendor.ID)
		if err != nil {
			return err
		}
		if assigned >= int64(vendor.MaxAssigned) {
			return assignmentdomain.ErrVendorAtCapacity
		}
	}
	return nil
}

func (s *Service) ListVendors(ctx context.Context) ([]assignmentdomain.Vendor, error) {
	rows, err := s.vendors.Find(ctx, &assignmentdomain.Vendor{}, option.WithSortBy(option.QuerySortBy{
		Allow:   map[string]bool{"position": true},
		SortBy:  "position",
		OrderBy: "asc",
	}))
	if err != nil {
		return nil, err
	}
	vendors := make([]assignmentdomain.Vendor, 0, len(rows))
	for _, row := range rows {
		if row == nil {
			continue
		}
		vendors = append(vendors, *row)
	}
	return vendors, nil
}

// loadPool reads active vendors in insertion order with their current
// assigned-count aggregates. Counts are recomputed per call rather than kept
// as running state.
func (s *Service) loadPool(ctx context.Context) ([]assignmentdomain.VendorLoad, error) {
	var vendors []assignmentdomain.Vendor
	if err := s.db.WithContext(ctx).
		Where("active = ?", true).
		Order("position, id").
		Find(&vendors).Error; err != nil {
		return nil, err
	}

	type countRow struct {
		VendorID snowflake.ID
		Assigned int64
	}
	var counts []countRow
	if err := s.db.WithContext(ctx).Raw(
		`SELECT vendor_id, COUNT(1) AS assigned
		 FROM requests
		 WHERE status IN ('in_progress', 'change_request') AND vendor_id IS NOT NULL
		 GROUP BY vendor_id`,
	).Scan(&counts).Error; err != nil {
		return nil, err
	}
	byVendor := make(map[snowflake.ID]int64, len(counts))
	for _, row := range counts {
		byVendor[row.VendorID] = row.Assigned
	}

	pool := make([]assignmentdomain.VendorLoad, 0, len(vendors))
	for _, vendor := range vendors {
		pool = append(pool, assignmentdomain.VendorLoad{
			Vendor:   vendor,
			Assigned: byVendor[vendor.ID],
		})
	}
	return pool, nil
}

func (s *Service) assignedCount(ctx context.Context, vendorID snowflake.ID) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM requests
		 WHERE vendor_id = ? AND status IN ('in_progress', 'change_request')`,
		vendorID,
	).Scan(&count).Error
	return count, err
}

func (s *Service) backlogCapReached(ctx context.Context) (bool, error) {
	var row struct {
		Pending  int64
		Assigned int64
	}
	err := s.db.WithContext(ctx).Raw(
		`SELECT
			COUNT(CASE WHEN status = 'pending' THEN 1 END) AS pending,
			COUNT(CASE WHEN status IN ('in_progress', 'change_request') THEN 1 END) AS assigned
		 FROM requests`,
	).Scan(&row).Error
	if err != nil {
		return false, err
	}
	backlog := row.Pending + row.Assigned
	if backlog == 0 {
		return false, nil
	}
	return row.Assigned*100 >= int64(s.policy.BacklogAssignCapPercent)*backlog, nil
}
