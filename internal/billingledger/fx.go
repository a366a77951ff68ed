package billingledger

import (
	"github.com/smallbiznis/atelier/internal/billingledger/service"
	"go.uber.org/fx"
)

var Module = fx.Module("billingledger.service",
	fx.Provide(service.NewService),
)
