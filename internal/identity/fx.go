package identity

import (
	"github.com/smallbiznis/atelier/internal/identity/service"
	"go.uber.org/fx"
)

var Module = fx.Module("identity.service",
	fx.Provide(
		service.NewEnforcer,
		service.NewService,
	),
)
