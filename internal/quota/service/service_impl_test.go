package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	clockpkg "github.com/smallbiznis/atelier/internal/clock"
	quotadomain "github.com/smallbiznis/atelier/internal/quota/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type quotaEnv struct {
	db    *gorm.DB
	node  *snowflake.Node
	clock *clockpkg.FakeClock
	svc   quotadomain.Service
}

func newQuotaEnv(t *testing.T) *quotaEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(
		&quotadomain.PackSubscription{},
		&quotadomain.PackPeriod{},
		&quotadomain.ServiceCatalogItem{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fake := clockpkg.NewFakeClock(time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC))

	svc := NewService(ServiceParam{
		DB:    conn,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fake,
	})
	return &quotaEnv{db: conn, node: node, clock: fake, svc: svc}
}

func (e *quotaEnv) seedPeriod(t *testing.T, clientID snowflake.ID, included map[string]any, priceCents int64) quotadomain.PackPeriod {
	t.Helper()
	now := e.clock.Now()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	period := quotadomain.PackPeriod{
		ID:          e.node.Generate(),
		ClientID:    clientID,
		PackID:      e.node.Generate(),
		PeriodStart: start,
		PeriodEnd:   start.AddDate(0, 1, 0),
		Included:    included,
		Consumed:    map[string]any{},
		PriceCents:  priceCents,
		Status:      quotadomain.PackPeriodStatusOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, e.db.Create(&period).Error)
	return period
}

func TestConsume(t *testing.T) {
	env := newQuotaEnv(t)
	ctx := context.Background()

	t.Run("pack covers then overflows", func(t *testing.T) {
		clientID := env.node.Generate()
		// 10 included units on a $100 pack: unit overage price $10.
		env.seedPeriod(t, clientID, map[string]any{"logo_design": float64(10)}, 100_00)

		first, err := env.svc.Consume(ctx, nil, quotadomain.ConsumeRequest{
			ClientID:  clientID,
			ServiceID: "logo_design",
			Quantity:  7,
			PeriodKey: env.clock.Now(),
		})
		require.NoError(t, err)
		assert.EqualValues(t, 7, first.CoveredQuantity)
		assert.EqualValues(t, 0, first.OverageQuantity)
		assert.EqualValues(t, 0, first.OverageAmountCents())

		second, err := env.svc.Consume(ctx, nil, quotadomain.ConsumeRequest{
			ClientID:  clientID,
			ServiceID: "logo_design",
			Quantity:  5,
			PeriodKey: env.clock.Now(),
		})
		require.NoError(t, err)
		assert.EqualValues(t, 3, second.CoveredQuantity)
		assert.EqualValues(t, 2, second.OverageQuantity)
		assert.EqualValues(t, 10_00, second.UnitOveragePriceCents)
		assert.EqualValues(t, 20_00, second.OverageAmountCents())

		period, err := env.svc.GetPeriod(ctx, clientID, env.clock.Now())
		require.NoError(t, err)
		assert.EqualValues(t, 12, int64(period.Consumed["logo_design"].(float64)))
	})

	t.Run("no period falls back to standalone price", func(t *testing.T) {
		clientID := env.node.Generate()
		item := quotadomain.ServiceCatalogItem{
			ID:                   env.node.Generate(),
			ServiceID:            "landing_page",
			Name:                 "Landing page",
			StandalonePriceCents: 300_00,
			CreatedAt:            env.clock.Now(),
		}
		require.NoError(t, env.db.Create(&item).Error)

		result, err := env.svc.Consume(ctx, nil, quotadomain.ConsumeRequest{
			ClientID:  clientID,
			ServiceID: "landing_page",
			Quantity:  2,
			PeriodKey: env.clock.Now(),
		})
		require.NoError(t, err)
		assert.EqualValues(t, 0, result.CoveredQuantity)
		assert.EqualValues(t, 2, result.OverageQuantity)
		assert.EqualValues(t, 600_00, result.OverageAmountCents())
		assert.Zero(t, result.PeriodID)
	})

	t.Run("service outside pack is all overage", func(t *testing.T) {
		clientID := env.node.Generate()
		env.seedPeriod(t, clientID, map[string]any{"logo_design": float64(5)}, 50_00)

		result, err := env.svc.Consume(ctx, nil, quotadomain.ConsumeRequest{
			ClientID:  clientID,
			ServiceID: "banner_design",
			Quantity:  1,
			PeriodKey: env.clock.Now(),
		})
		require.NoError(t, err)
		assert.EqualValues(t, 0, result.CoveredQuantity)
		assert.EqualValues(t, 1, result.OverageQuantity)
	})

	t.Run("invalid quantity", func(t *testing.T) {
		_, err := env.svc.Consume(ctx, nil, quotadomain.ConsumeRequest{
			ClientID:  env.node.Generate(),
			ServiceID: "logo_design",
			Quantity:  0,
			PeriodKey: env.clock.Now(),
		})
		assert.ErrorIs(t, err, quotadomain.ErrInvalidQuantity)
	})
}

func TestEnsurePeriod(t *testing.T) {
	env := newQuotaEnv(t)
	ctx := context.Background()
	clientID := env.node.Generate()

	sub := quotadomain.PackSubscription{
		ID:         env.node.Generate(),
		ClientID:   clientID,
		PackID:     env.node.Generate(),
		Included:   map[string]any{"logo_design": float64(10)},
		PriceCents: 100_00,
		Active:     true,
		StartAt:    env.clock.Now().AddDate(0, -1, 0),
		CreatedAt:  env.clock.Now(),
		UpdatedAt:  env.clock.Now(),
	}
	require.NoError(t, env.db.Create(&sub).Error)

	require.NoError(t, env.svc.EnsurePeriod(ctx, env.clock.Now()))

	period, err := env.svc.GetPeriod(ctx, clientID, env.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, quotadomain.PackPeriodStatusOpen, period.Status)
	assert.EqualValues(t, 100_00, period.PriceCents)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), period.PeriodStart.UTC())

	// Idempotent: a second pass does not duplicate the month.
	require.NoError(t, env.svc.EnsurePeriod(ctx, env.clock.Now()))
	var count int64
	require.NoError(t, env.db.Model(&quotadomain.PackPeriod{}).Where("client_id = ?", clientID).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestPeriodClose(t *testing.T) {
	env := newQuotaEnv(t)
	ctx := context.Background()
	clientID := env.node.Generate()

	period := env.seedPeriod(t, clientID, map[string]any{"logo_design": float64(10)}, 100_00)

	t.Run("not claimable before period end", func(t *testing.T) {
		claimable, err := env.svc.FetchPeriodsForClose(ctx, nil, env.clock.Now(), 10)
		require.NoError(t, err)
		assert.Empty(t, claimable)
	})

	t.Run("claim and close after period end", func(t *testing.T) {
		env.clock.Advance(40 * 24 * time.Hour)

		claimable, err := env.svc.FetchPeriodsForClose(ctx, nil, env.clock.Now(), 10)
		require.NoError(t, err)
		require.Len(t, claimable, 1)
		assert.Equal(t, period.ID, claimable[0].ID)
		assert.EqualValues(t, 100_00, claimable[0].PriceCents)

		closed, err := env.svc.MarkPeriodClosed(ctx, nil, period.ID, env.clock.Now())
		require.NoError(t, err)
		assert.True(t, closed)

		// Close is terminal: a second mark is a no-op.
		closed, err = env.svc.MarkPeriodClosed(ctx, nil, period.ID, env.clock.Now())
		require.NoError(t, err)
		assert.False(t, closed)
	})

	t.Run("closed period no longer covers consumption", func(t *testing.T) {
		item := quotadomain.ServiceCatalogItem{
			ID:                   env.node.Generate(),
			ServiceID:            "logo_design",
			Name:                 "Logo design",
			StandalonePriceCents: 150_00,
			CreatedAt:            env.clock.Now(),
		}
		require.NoError(t, env.db.Create(&item).Error)

		result, err := env.svc.Consume(ctx, nil, quotadomain.ConsumeRequest{
			ClientID:  clientID,
			ServiceID: "logo_design",
			Quantity:  1,
			PeriodKey: env.clock.Now(),
		})
		require.NoError(t, err)
		assert.EqualValues(t, 1, result.OverageQuantity)
		assert.EqualValues(t, 150_00, result.UnitOveragePriceCents)
	})
}
