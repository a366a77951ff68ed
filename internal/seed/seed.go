package seed

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	assignmentdomain "github.com/smallbiznis/atelier/internal/assignment/domain"
	ledgerdomain "github.com/smallbiznis/atelier/internal/billingledger/domain"
	"github.com/smallbiznis/atelier/internal/events"
	quotadomain "github.com/smallbiznis/atelier/internal/quota/domain"
	requestdomain "github.com/smallbiznis/atelier/internal/request/domain"
	sladomain "github.com/smallbiznis/atelier/internal/sla/domain"
	"gorm.io/gorm"
)

// defaultSLATargets are the turnaround expectations seeded on first boot.
// Operators adjust them in place; EnsureReferenceData never overwrites.
var defaultSLATargets = map[string]float64{
	"logo_design":     24,
	"banner_design":   12,
	"landing_page":    48,
	"brand_refresh":   72,
	"starter_bundle":  72,
	"campaign_bundle": 96,
}

var defaultCatalog = []quotadomain.ServiceCatalogItem{
	{ServiceID: "logo_design", Name: "Logo design", StandalonePriceCents: 15000},
	{ServiceID: "banner_design", Name: "Banner design", StandalonePriceCents: 5000},
	{ServiceID: "landing_page", Name: "Landing page", StandalonePriceCents: 30000},
	{ServiceID: "brand_refresh", Name: "Brand refresh", StandalonePriceCents: 45000},
}

// AutoMigrate creates the schema through gorm for dialects the SQL
// migrations do not cover (sqlite local mode and tests).
func AutoMigrate(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}
	return db.AutoMigrate(
		&requestdomain.Request{},
		&requestdomain.BundleLine{},
		&assignmentdomain.Vendor{},
		&quotadomain.PackSubscription{},
		&quotadomain.PackPeriod{},
		&quotadomain.ServiceCatalogItem{},
		&sladomain.SLATarget{},
		&ledgerdomain.LedgerEntry{},
		&events.OutboxEvent{},
	)
}

// EnsureReferenceData seeds the static reference tables the engine consults
// at runtime: SLA targets and the standalone-price service catalog.
func EnsureReferenceData(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureSLATargets(ctx, tx, node); err != nil {
			return err
		}
		return ensureServiceCatalog(ctx, tx, node)
	})
}

func ensureSLATargets(ctx context.Context, tx *gorm.DB, node *snowflake.Node) error {
	for serviceType, hours := range defaultSLATargets {
		var existing sladomain.SLATarget
		err := tx.WithContext(ctx).
			Where("service_type = ?", serviceType).
			First(&existing).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		target := sladomain.SLATarget{
			ID:          node.Generate(),
			ServiceType: serviceType,
			TargetHours: hours,
			CreatedAt:   time.Now().UTC(),
		}
		if err := tx.WithContext(ctx).Create(&target).Error; err != nil {
			return err
		}
	}
	return nil
}

func ensureServiceCatalog(ctx context.Context, tx *gorm.DB, node *snowflake.Node) error {
	for _, item := range defaultCatalog {
		var existing quotadomain.ServiceCatalogItem
		err := tx.WithContext(ctx).
			Where("service_id = ?", item.ServiceID).
			First(&existing).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		item.ID = node.Generate()
		item.CreatedAt = time.Now().UTC()
		if err := tx.WithContext(ctx).Create(&item).Error; err != nil {
			return err
		}
	}
	return nil
}
