package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/atelier/internal/assignment"
	"github.com/smallbiznis/atelier/internal/billingledger"
	"github.com/smallbiznis/atelier/internal/clock"
	"github.com/smallbiznis/atelier/internal/config"
	"github.com/smallbiznis/atelier/internal/events"
	"github.com/smallbiznis/atelier/internal/identity"
	"github.com/smallbiznis/atelier/internal/logger"
	"github.com/smallbiznis/atelier/internal/migration"
	"github.com/smallbiznis/atelier/internal/observability/metrics"
	"github.com/smallbiznis/atelier/internal/quota"
	"github.com/smallbiznis/atelier/internal/request"
	"github.com/smallbiznis/atelier/internal/scheduler"
	"github.com/smallbiznis/atelier/internal/sla"
	"github.com/smallbiznis/atelier/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		metrics.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Engine domains
		identity.Module,
		events.Module,
		assignment.Module,
		quota.Module,
		sla.Module,
		billingledger.Module,
		request.Module,
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
