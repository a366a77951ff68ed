package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	ledgerdomain "github.com/smallbiznis/atelier/internal/billingledger/domain"
	clockpkg "github.com/smallbiznis/atelier/internal/clock"
	"github.com/smallbiznis/atelier/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ledgerEnv struct {
	db    *gorm.DB
	node  *snowflake.Node
	clock *clockpkg.FakeClock
	svc   ledgerdomain.Service
}

func newLedgerEnv(t *testing.T) *ledgerEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&ledgerdomain.LedgerEntry{}, &events.OutboxEvent{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fake := clockpkg.NewFakeClock(time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC))
	outbox := events.NewOutbox(events.OutboxParam{Log: zap.NewNop(), GenID: node})

	svc := NewService(ServiceParam{
		DB:     conn,
		Log:    zap.NewNop(),
		GenID:  node,
		Clock:  fake,
		Outbox: outbox,
	})
	return &ledgerEnv{db: conn, node: node, clock: fake, svc: svc}
}

func TestRecordDelivery(t *testing.T) {
	env := newLedgerEnv(t)
	ctx := context.Background()
	clientID := env.node.Generate()
	requestID := env.node.Generate()

	t.Run("double record returns the same entry", func(t *testing.T) {
		first, err := env.svc.RecordDelivery(ctx, nil, ledgerdomain.RecordRequest{
			SourceID:    requestID,
			ClientID:    clientID,
			AmountCents: 2000,
		})
		require.NoError(t, err)
		assert.Equal(t, ledgerdomain.PaymentStatusPending, first.Status)

		second, err := env.svc.RecordDelivery(ctx, nil, ledgerdomain.RecordRequest{
			SourceID:    requestID,
			ClientID:    clientID,
			AmountCents: 9999, // amount of the retry never overwrites the fact
		})
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)
		assert.EqualValues(t, 2000, second.AmountCents)

		var count int64
		require.NoError(t, env.db.Model(&ledgerdomain.LedgerEntry{}).Count(&count).Error)
		assert.EqualValues(t, 1, count)
	})

	t.Run("same source id under different source types coexist", func(t *testing.T) {
		entry, err := env.svc.RecordPeriodClose(ctx, nil, ledgerdomain.RecordRequest{
			SourceID:    requestID,
			ClientID:    clientID,
			AmountCents: 100_00,
		})
		require.NoError(t, err)
		assert.Equal(t, ledgerdomain.SourceTypePackPeriod, entry.SourceType)
	})

	t.Run("negative amount rejected", func(t *testing.T) {
		_, err := env.svc.RecordDelivery(ctx, nil, ledgerdomain.RecordRequest{
			SourceID:    env.node.Generate(),
			ClientID:    clientID,
			AmountCents: -1,
		})
		assert.ErrorIs(t, err, ledgerdomain.ErrInvalidAmount)
	})
}

// Concurrent callers race on the (source_type, source_id) unique index; the
// insert is the serialization point, so exactly one fact exists and every
// caller observes it.
func TestRecordDeliveryConcurrent(t *testing.T) {
	env := newLedgerEnv(t)
	ctx := context.Background()

	sqlDB, err := env.db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	clientID := env.node.Generate()
	requestID := env.node.Generate()

	const callers = 8
	results := make([]*ledgerdomain.LedgerEntry, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.svc.RecordDelivery(ctx, nil, ledgerdomain.RecordRequest{
				SourceID:    requestID,
				ClientID:    clientID,
				AmountCents: 2500,
			})
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.NotNil(t, results[i])
		assert.Equal(t, results[0].ID, results[i].ID)
		assert.EqualValues(t, 2500, results[i].AmountCents)
	}

	var count int64
	require.NoError(t, env.db.Model(&ledgerdomain.LedgerEntry{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestMarkPaid(t *testing.T) {
	env := newLedgerEnv(t)
	ctx := context.Background()
	clientID := env.node.Generate()

	record := func(amount int64) *ledgerdomain.LedgerEntry {
		entry, err := env.svc.RecordDelivery(ctx, nil, ledgerdomain.RecordRequest{
			SourceID:    env.node.Generate(),
			ClientID:    clientID,
			AmountCents: amount,
		})
		require.NoError(t, err)
		return entry
	}

	a := record(1000)
	b := record(2000)

	t.Run("pending entries move to paid", func(t *testing.T) {
		resp, err := env.svc.MarkPaid(ctx, []snowflake.ID{a.ID, b.ID})
		require.NoError(t, err)
		assert.Equal(t, 2, resp.UpdatedCount)
		assert.Empty(t, resp.AlreadyPaid)
		assert.Empty(t, resp.Unknown)
	})

	t.Run("second call reports already paid", func(t *testing.T) {
		resp, err := env.svc.MarkPaid(ctx, []snowflake.ID{a.ID})
		require.NoError(t, err)
		assert.Zero(t, resp.UpdatedCount)
		assert.Equal(t, []snowflake.ID{a.ID}, resp.AlreadyPaid)
	})

	t.Run("unknown ids reported as error, known ones still applied", func(t *testing.T) {
		c := record(3000)
		ghost := env.node.Generate()

		resp, err := env.svc.MarkPaid(ctx, []snowflake.ID{c.ID, ghost})
		assert.ErrorIs(t, err, ledgerdomain.ErrUnknownEntries)
		assert.Equal(t, 1, resp.UpdatedCount)
		assert.Equal(t, []snowflake.ID{ghost}, resp.Unknown)

		var got ledgerdomain.LedgerEntry
		require.NoError(t, env.db.First(&got, "id = ?", c.ID).Error)
		assert.Equal(t, ledgerdomain.PaymentStatusPaid, got.Status)
		require.NotNil(t, got.PaidAt)
	})

	t.Run("empty input is a no-op", func(t *testing.T) {
		resp, err := env.svc.MarkPaid(ctx, nil)
		require.NoError(t, err)
		assert.Zero(t, resp.UpdatedCount)
	})
}

func TestRecordReversal(t *testing.T) {
	env := newLedgerEnv(t)
	ctx := context.Background()

	entry, err := env.svc.RecordDelivery(ctx, nil, ledgerdomain.RecordRequest{
		SourceID:    env.node.Generate(),
		ClientID:    env.node.Generate(),
		AmountCents: 5000,
	})
	require.NoError(t, err)

	reversal, err := env.svc.RecordReversal(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.SourceTypeReversal, reversal.SourceType)
	assert.Equal(t, entry.ID, reversal.SourceID)
	assert.EqualValues(t, -5000, reversal.AmountCents)

	// Reversing again yields the same correcting entry.
	again, err := env.svc.RecordReversal(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, reversal.ID, again.ID)

	_, err = env.svc.RecordReversal(ctx, env.node.Generate())
	assert.ErrorIs(t, err, ledgerdomain.ErrUnknownEntries)
}

func TestSummarize(t *testing.T) {
	env := newLedgerEnv(t)
	ctx := context.Background()
	clientID := env.node.Generate()

	amounts := []int64{1000, 2500, 0}
	var first *ledgerdomain.LedgerEntry
	for _, amount := range amounts {
		entry, err := env.svc.RecordDelivery(ctx, nil, ledgerdomain.RecordRequest{
			SourceID:    env.node.Generate(),
			ClientID:    clientID,
			AmountCents: amount,
		})
		require.NoError(t, err)
		if first == nil {
			first = entry
		}
	}

	_, err := env.svc.MarkPaid(ctx, []snowflake.ID{first.ID})
	require.NoError(t, err)

	resp, err := env.svc.Summarize(ctx, ledgerdomain.SummarizeRequest{ClientID: clientID})
	require.NoError(t, err)
	assert.EqualValues(t, 3, resp.TotalItems)
	assert.EqualValues(t, 3500, resp.TotalAmountCents)
	assert.EqualValues(t, 2, resp.PendingCount)
	assert.EqualValues(t, 1, resp.PaidCount)

	pendingOnly, err := env.svc.Summarize(ctx, ledgerdomain.SummarizeRequest{
		ClientID: clientID,
		Status:   ledgerdomain.PaymentStatusPending,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, pendingOnly.TotalItems)
	assert.EqualValues(t, 2500, pendingOnly.TotalAmountCents)
}
