package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/voxbill/internal/alert"
	"github.com/smallbiznis/voxbill/internal/audit"
	"github.com/smallbiznis/voxbill/internal/cache"
	"github.com/smallbiznis/voxbill/internal/clock"
	"github.com/smallbiznis/voxbill/internal/config"
	"github.com/smallbiznis/voxbill/internal/observability"
	"github.com/smallbiznis/voxbill/internal/overagebilling"
	"github.com/smallbiznis/voxbill/internal/plan"
	"github.com/smallbiznis/voxbill/internal/policy"
	"github.com/smallbiznis/voxbill/internal/processor"
	"github.com/smallbiznis/voxbill/internal/providers/email"
	"github.com/smallbiznis/voxbill/internal/providers/slack"
	"github.com/smallbiznis/voxbill/internal/provisioning"
	"github.com/smallbiznis/voxbill/internal/scheduler"
	"github.com/smallbiznis/voxbill/internal/tenant"
	"github.com/smallbiznis/voxbill/internal/usage"
	"github.com/smallbiznis/voxbill/pkg/db"
	"go.uber.org/fx"
)

// Scheduler-only binary: runs the job loop against the shared database,
// no HTTP surface.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		fx.Provide(cache.NewAdmissionCache),
		audit.Module,
		tenant.Module,
		plan.Module,
		policy.Module,
		usage.Module,
		overagebilling.Module,
		processor.Module,
		provisioning.Module,
		alert.Module,
		email.Module,
		slack.Module,

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
