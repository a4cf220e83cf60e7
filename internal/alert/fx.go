package alert

import (
	"github.com/smallbiznis/voxbill/internal/alert/repository"
	"github.com/smallbiznis/voxbill/internal/alert/service"
	"go.uber.org/fx"
)

var Module = fx.Module("alert.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewDispatcher),
)
