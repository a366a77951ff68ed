package request

import (
	"github.com/smallbiznis/atelier/internal/request/repository"
	"github.com/smallbiznis/atelier/internal/request/service"
	"go.uber.org/fx"
)

// Module provides the request lifecycle service.
var Module = fx.Module("request.service",
	fx.Provide(
		repository.NewRepository,
		service.NewService,
	),
)
