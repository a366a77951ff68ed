package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	assignmentdomain "github.com/smallbiznis/atelier/internal/assignment/domain"
	"github.com/smallbiznis/atelier/internal/config"
	requestdomain "github.com/smallbiznis/atelier/internal/request/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func vendorLoad(id int64, designerID string, weight float64, assigned int64, maxAssigned int) assignmentdomain.VendorLoad {
	return assignmentdomain.VendorLoad{
		Vendor: assignmentdomain.Vendor{
			ID:          snowflake.ID(id),
			DesignerID:  designerID,
			Weight:      weight,
			MaxAssigned: maxAssigned,
			Active:      true,
			Position:    int(id),
		},
		Assigned: assigned,
	}
}

func TestPick(t *testing.T) {
	t.Run("lowest ratio wins", func(t *testing.T) {
		// A: 3 assigned / weight 1 = 3.0, B: 1 assigned / weight 1 = 1.0.
		pool := []assignmentdomain.VendorLoad{
			vendorLoad(1, "a", 1, 3, 0),
			vendorLoad(2, "b", 1, 1, 0),
		}
		picked := Pick(pool)
		require.NotNil(t, picked)
		assert.Equal(t, "b", picked.DesignerID)
	})

	t.Run("weight scales capacity", func(t *testing.T) {
		// A: 4/2 = 2.0, B: 3/1 = 3.0.
		pool := []assignmentdomain.VendorLoad{
			vendorLoad(1, "a", 2, 4, 0),
			vendorLoad(2, "b", 1, 3, 0),
		}
		picked := Pick(pool)
		require.NotNil(t, picked)
		assert.Equal(t, "a", picked.DesignerID)
	})

	t.Run("tie keeps insertion order", func(t *testing.T) {
		pool := []assignmentdomain.VendorLoad{
			vendorLoad(1, "a", 1, 2, 0),
			vendorLoad(2, "b", 1, 2, 0),
		}
		for i := 0; i < 5; i++ {
			picked := Pick(pool)
			require.NotNil(t, picked)
			assert.Equal(t, "a", picked.DesignerID)
		}
	})

	t.Run("capped and inactive vendors skipped", func(t *testing.T) {
		atCap := vendorLoad(1, "a", 1, 2, 2)
		inactive := vendorLoad(2, "b", 1, 0, 0)
		inactive.Vendor.Active = false
		pool := []assignmentdomain.VendorLoad{atCap, inactive, vendorLoad(3, "c", 1, 5, 0)}

		picked := Pick(pool)
		require.NotNil(t, picked)
		assert.Equal(t, "c", picked.DesignerID)
	})

	t.Run("empty pool", func(t *testing.T) {
		assert.Nil(t, Pick(nil))
	})
}

func newAssignmentEnv(t *testing.T, capPercent int) (*gorm.DB, *snowflake.Node, assignmentdomain.Service) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&assignmentdomain.Vendor{}, &requestdomain.Request{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc := NewService(ServiceParam{
		DB:  conn,
		Log: zap.NewNop(),
		Cfg: config.Config{Engine: config.EngineConfig{BacklogAssignCap: capPercent}},
	})
	return conn, node, svc
}

func seedVendor(t *testing.T, conn *gorm.DB, node *snowflake.Node, designerID string, position int, maxAssigned int) assignmentdomain.Vendor {
	t.Helper()
	vendor := assignmentdomain.Vendor{
		ID:          node.Generate(),
		Name:        designerID,
		DesignerID:  designerID,
		Weight:      1,
		MaxAssigned: maxAssigned,
		Active:      true,
		Position:    position,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	require.NoError(t, conn.Create(&vendor).Error)
	return vendor
}

func seedRequest(t *testing.T, conn *gorm.DB, node *snowflake.Node, status requestdomain.RequestStatus, vendorID *snowflake.ID) {
	t.Helper()
	request := requestdomain.Request{
		ID:        node.Generate(),
		Kind:      requestdomain.KindAdHoc,
		ClientID:  node.Generate(),
		ServiceID: "logo_design",
		Status:    status,
		VendorID:  vendorID,
		Version:   1,
		Metadata:  map[string]any{},
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, conn.Create(&request).Error)
}

func TestSelectAssignee(t *testing.T) {
	conn, node, svc := newAssignmentEnv(t, 0)
	ctx := context.Background()

	t.Run("empty pool", func(t *testing.T) {
		_, err := svc.SelectAssignee(ctx, assignmentdomain.SelectRequest{})
		assert.ErrorIs(t, err, assignmentdomain.ErrNoEligibleAssignee)
	})

	t.Run("least loaded vendor selected", func(t *testing.T) {
		busy := seedVendor(t, conn, node, "busy", 1, 0)
		idle := seedVendor(t, conn, node, "idle", 2, 0)

		seedRequest(t, conn, node, requestdomain.StatusInProgress, &busy.ID)
		seedRequest(t, conn, node, requestdomain.StatusChangeRequest, &busy.ID)

		selection, err := svc.SelectAssignee(ctx, assignmentdomain.SelectRequest{})
		require.NoError(t, err)
		assert.Equal(t, "idle", selection.AssigneeID)
		assert.Equal(t, idle.ID, selection.VendorID)
	})
}

func TestConfirmCapacity(t *testing.T) {
	conn, node, svc := newAssignmentEnv(t, 0)
	ctx := context.Background()

	t.Run("unknown vendor", func(t *testing.T) {
		err := svc.ConfirmCapacity(ctx, node.Generate())
		assert.ErrorIs(t, err, assignmentdomain.ErrVendorNotFound)
	})

	t.Run("inactive vendor", func(t *testing.T) {
		vendor := seedVendor(t, conn, node, "v1", 1, 0)
		require.NoError(t, conn.Model(&assignmentdomain.Vendor{}).Where("id = ?", vendor.ID).Update("active", false).Error)
		err := svc.ConfirmCapacity(ctx, vendor.ID)
		assert.ErrorIs(t, err, assignmentdomain.ErrVendorInactive)
	})

	t.Run("at capacity", func(t *testing.T) {
		vendor := seedVendor(t, conn, node, "v2", 2, 1)
		seedRequest(t, conn, node, requestdomain.StatusInProgress, &vendor.ID)
		err := svc.ConfirmCapacity(ctx, vendor.ID)
		assert.ErrorIs(t, err, assignmentdomain.ErrVendorAtCapacity)
	})

	t.Run("under capacity", func(t *testing.T) {
		vendor := seedVendor(t, conn, node, "v3", 3, 2)
		seedRequest(t, conn, node, requestdomain.StatusInProgress, &vendor.ID)
		assert.NoError(t, svc.ConfirmCapacity(ctx, vendor.ID))
	})
}

func TestBacklogAssignCap(t *testing.T) {
	conn, node, svc := newAssignmentEnv(t, 50)
	ctx := context.Background()

	vendor := seedVendor(t, conn, node, "v1", 1, 0)

	// 1 assigned of 2 backlog = 50%: cap reached.
	seedRequest(t, conn, node, requestdomain.StatusPending, nil)
	seedRequest(t, conn, node, requestdomain.StatusInProgress, &vendor.ID)

	_, err := svc.SelectAssignee(ctx, assignmentdomain.SelectRequest{})
	assert.ErrorIs(t, err, assignmentdomain.ErrNoEligibleAssignee)

	// More pending work lowers the in-flight share below the cap.
	seedRequest(t, conn, node, requestdomain.StatusPending, nil)
	seedRequest(t, conn, node, requestdomain.StatusPending, nil)

	selection, err := svc.SelectAssignee(ctx, assignmentdomain.SelectRequest{})
	require.NoError(t, err)
	assert.Equal(t, "v1", selection.AssigneeID)
}
