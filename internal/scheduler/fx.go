package scheduler

import (
	"context"

	"github.com/smallbiznis/atelier/internal/config"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func newConfig(cfg config.Config) Config {
	return Config{
		Interval:  cfg.Engine.SchedulerInterval,
		BatchSize: cfg.Engine.SchedulerBatchSize,
	}.withDefaults()
}

func newRedisClient(cfg config.Config) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
}

func run(lc fx.Lifecycle, s *Scheduler, log *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				s.Start(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
				log.Warn("scheduler did not stop before shutdown deadline")
			}
			return nil
		},
	})
}

// Module wires the periodic jobs and their run guard.
var Module = fx.Module("scheduler",
	fx.Provide(
		newConfig,
		newRedisClient,
		NewLocker,
		New,
	),
	fx.Invoke(run),
)
