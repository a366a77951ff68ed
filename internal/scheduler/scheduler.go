package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/atelier/internal/billingledger/domain"
	"github.com/smallbiznis/atelier/internal/clock"
	"github.com/smallbiznis/atelier/internal/events"
	quotadomain "github.com/smallbiznis/atelier/internal/quota/domain"
	"github.com/smallbiznis/atelier/internal/scheduler/guard"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Clock     clock.Clock
	QuotaSvc  quotadomain.Service
	LedgerSvc ledgerdomain.Service
	Outbox    *events.Outbox
	Locker    *Locker `optional:"true"`
	Config    Config  `optional:"true"`
}

// Scheduler runs the periodic housekeeping jobs: opening the current pack
// periods, closing ended ones (emitting the pack-price ledger fact), and
// draining the event outbox.
type Scheduler struct {
	db        *gorm.DB
	log       *zap.Logger
	cfg       Config
	clock     clock.Clock
	quotaSvc  quotadomain.Service
	ledgerSvc ledgerdomain.Service
	outbox    *events.Outbox
	locker    *Locker
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.QuotaSvc == nil || p.LedgerSvc == nil || p.Outbox == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:        p.DB,
		log:       p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:       p.Config.withDefaults(),
		clock:     p.Clock,
		quotaSvc:  p.QuotaSvc,
		ledgerSvc: p.LedgerSvc,
		outbox:    p.Outbox,
		locker:    p.Locker,
	}, nil
}

// RunOnce executes one full scheduler pass.
func (s *Scheduler) RunOnce(ctx context.Context) {
	s.runJob(ctx, "ensure_pack_periods", s.EnsurePackPeriods)
	s.runJob(ctx, "close_pack_periods", s.ClosePackPeriods)
	s.runJob(ctx, "drain_outbox", s.DrainOutbox)
}

func (s *Scheduler) runJob(parent context.Context, name string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	log := s.log.With(zap.String("job", name))

	lockKey := "atelier:scheduler:" + name
	token, ok, err := s.locker.TryLock(ctx, lockKey, s.cfg.LockTTL)
	if err != nil {
		log.Warn("run guard unavailable, proceeding single-node", zap.Error(err))
	} else if !ok {
		log.Debug("another node holds the run guard, skipping")
		return
	}
	defer func() {
		if err := s.locker.Release(ctx, lockKey, token); err != nil {
			log.Warn("failed to release run guard", zap.Error(err))
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			log.Error("job panicked", zap.Any("panic", r))
		}
	}()

	start := s.clock.Now()
	if err := fn(ctx); err != nil {
		log.Error("job failed", zap.Error(err), zap.Duration("elapsed", s.clock.Now().Sub(start)))
		return
	}
	log.Info("job completed", zap.Duration("elapsed", s.clock.Now().Sub(start)))
}

// EnsurePackPeriods opens the current calendar-month period for every active
// pack subscription that is missing one.
func (s *Scheduler) EnsurePackPeriods(ctx context.Context) error {
	return s.quotaSvc.EnsurePeriod(ctx, s.clock.Now())
}

// ClosePackPeriods claims ended open periods in batches and, per period in
// one transaction, records the pack-price ledger fact and marks the period
// closed. Remaining included quantity is discarded, never carried over. The
// claim uses SKIP LOCKED so concurrent nodes work disjoint batches.
func (s *Scheduler) ClosePackPeriods(ctx context.Context) error {
	now := s.clock.Now()
	for {
		var closed int
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			periods, err := s.quotaSvc.FetchPeriodsForClose(ctx, tx, now, s.cfg.BatchSize)
			if err != nil {
				return err
			}
			for _, period := range periods {
				if err := guard.EnsurePeriodCanClose(period.Status, period.PeriodEnd, now); err != nil {
					s.log.Warn("skipping period not ready to close",
						zap.String("period_id", period.ID.String()),
						zap.Error(err),
					)
					continue
				}
				if _, err := s.ledgerSvc.RecordPeriodClose(ctx, tx, ledgerdomain.RecordRequest{
					SourceID:    period.ID,
					ClientID:    period.ClientID,
					AmountCents: period.PriceCents,
				}); err != nil {
					return fmt.Errorf("record period close %s: %w", period.ID, err)
				}
				ok, err := s.quotaSvc.MarkPeriodClosed(ctx, tx, period.ID, now)
				if err != nil {
					return fmt.Errorf("mark period closed %s: %w", period.ID, err)
				}
				if ok {
					closed++
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		if closed > 0 {
			s.log.Info("closed pack periods", zap.Int("count", closed))
		}
		if closed < s.cfg.BatchSize {
			return nil
		}
	}
}

// DrainOutbox is the dispatcher hook point: it logs pending events and marks
// them published. A real deployment replaces the log sink with a broker.
func (s *Scheduler) DrainOutbox(ctx context.Context) error {
	pending, err := s.outbox.Pending(ctx, s.db, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	ids := make([]snowflake.ID, 0, len(pending))
	for _, event := range pending {
		s.log.Info("dispatching event",
			zap.String("event_id", event.ID.String()),
			zap.String("event_type", string(event.EventType)),
		)
		ids = append(ids, event.ID)
	}
	return s.outbox.MarkPublished(ctx, s.db, ids)
}

// Start runs the ticker loop until ctx is canceled. The first pass fires
// immediately so a fresh deployment catches up without waiting an interval.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}
