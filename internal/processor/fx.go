package processor

import (
	"github.com/smallbiznis/voxbill/internal/processor/adapters"
	"github.com/smallbiznis/voxbill/internal/processor/adapters/stripe"
	"github.com/smallbiznis/voxbill/internal/processor/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("processor",
	fx.Provide(func() *adapters.Registry {
		return adapters.NewRegistry(stripe.NewFactory())
	}),
	fx.Provide(webhook.NewService),
)
