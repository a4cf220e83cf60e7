package overagebilling

import (
	"github.com/smallbiznis/voxbill/internal/overagebilling/service"
	"go.uber.org/fx"
)

var Module = fx.Module("overagebilling.service",
	fx.Provide(service.NewService),
)
