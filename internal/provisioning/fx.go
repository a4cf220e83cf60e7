package provisioning

import "go.uber.org/fx"

var Module = fx.Module("provisioning.consumer",
	fx.Provide(NewConsumer),
)
