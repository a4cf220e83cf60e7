package policy

import (
	"github.com/smallbiznis/voxbill/internal/policy/repository"
	"github.com/smallbiznis/voxbill/internal/policy/service"
	"go.uber.org/fx"
)

var Module = fx.Module("policy.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
