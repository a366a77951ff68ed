package sla

import (
	"github.com/smallbiznis/atelier/internal/sla/service"
	"go.uber.org/fx"
)

var Module = fx.Module("sla.service",
	fx.Provide(service.NewService),
)
