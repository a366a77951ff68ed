package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	requestdomain "github.com/smallbiznis/atelier/internal/request/domain"
	sladomain "github.com/smallbiznis/atelier/internal/sla/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newSLAEnv(t *testing.T) (*gorm.DB, *snowflake.Node, sladomain.Service) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&sladomain.SLATarget{}, &requestdomain.Request{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc := NewService(ServiceParam{DB: conn, Log: zap.NewNop()})
	return conn, node, svc
}

func seedTarget(t *testing.T, conn *gorm.DB, node *snowflake.Node, serviceType string, hours float64) {
	t.Helper()
	target := sladomain.SLATarget{
		ID:          node.Generate(),
		ServiceType: serviceType,
		TargetHours: hours,
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, conn.Create(&target).Error)
}

func TestEvaluate(t *testing.T) {
	conn, node, svc := newSLAEnv(t)
	ctx := context.Background()
	seedTarget(t, conn, node, "logo_design", 24)

	assignedAt := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	t.Run("over target", func(t *testing.T) {
		deliveredAt := assignedAt.Add(30 * time.Hour)
		eval, err := svc.Evaluate(ctx, "logo_design", &assignedAt, deliveredAt)
		require.NoError(t, err)
		require.NotNil(t, eval.ActualHours)
		assert.InDelta(t, 30.0, *eval.ActualHours, 0.001)
		require.NotNil(t, eval.TargetHours)
		assert.Equal(t, 24.0, *eval.TargetHours)
		require.NotNil(t, eval.OnTime)
		assert.False(t, *eval.OnTime)
	})

	t.Run("on target boundary counts as on time", func(t *testing.T) {
		deliveredAt := assignedAt.Add(24 * time.Hour)
		eval, err := svc.Evaluate(ctx, "logo_design", &assignedAt, deliveredAt)
		require.NoError(t, err)
		require.NotNil(t, eval.OnTime)
		assert.True(t, *eval.OnTime)
	})

	t.Run("no target means unclassified, not late", func(t *testing.T) {
		deliveredAt := assignedAt.Add(200 * time.Hour)
		eval, err := svc.Evaluate(ctx, "brand_refresh", &assignedAt, deliveredAt)
		require.NoError(t, err)
		require.NotNil(t, eval.ActualHours)
		assert.Nil(t, eval.TargetHours)
		assert.Nil(t, eval.OnTime)
	})

	t.Run("never assigned has no actual hours", func(t *testing.T) {
		eval, err := svc.Evaluate(ctx, "logo_design", nil, assignedAt.Add(time.Hour))
		require.NoError(t, err)
		assert.Nil(t, eval.ActualHours)
		assert.Nil(t, eval.OnTime)
		require.NotNil(t, eval.TargetHours)
	})

	t.Run("zero delivered time rejected", func(t *testing.T) {
		_, err := svc.Evaluate(ctx, "logo_design", &assignedAt, time.Time{})
		assert.ErrorIs(t, err, sladomain.ErrInvalidDeliveredAt)
	})
}

func TestAggregate(t *testing.T) {
	conn, node, svc := newSLAEnv(t)
	ctx := context.Background()

	deliveredAt := time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC)
	seedDelivered := func(onTime *bool) {
		request := requestdomain.Request{
			ID:          node.Generate(),
			Kind:        requestdomain.KindAdHoc,
			ClientID:    node.Generate(),
			ServiceID:   "logo_design",
			Status:      requestdomain.StatusDelivered,
			DeliveredAt: &deliveredAt,
			SLAOnTime:   onTime,
			Version:     1,
			Metadata:    map[string]any{},
			CreatedAt:   deliveredAt,
			UpdatedAt:   deliveredAt,
		}
		require.NoError(t, conn.Create(&request).Error)
	}

	yes, no := true, false
	seedDelivered(&yes)
	seedDelivered(&yes)
	seedDelivered(&no)
	seedDelivered(nil) // unclassified delivery stays out of the rate

	resp, err := svc.Aggregate(ctx, sladomain.AggregateRequest{})
	require.NoError(t, err)
	assert.EqualValues(t, 4, resp.TotalDelivered)
	assert.EqualValues(t, 3, resp.Classified)
	assert.EqualValues(t, 2, resp.OnTime)
	assert.InDelta(t, 2.0/3.0, resp.OnTimeRate, 0.001)

	after := deliveredAt.Add(time.Hour)
	empty, err := svc.Aggregate(ctx, sladomain.AggregateRequest{From: &after})
	require.NoError(t, err)
	assert.EqualValues(t, 0, empty.TotalDelivered)
}
