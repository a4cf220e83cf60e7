package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/voxbill/internal/clock"
	"github.com/smallbiznis/voxbill/internal/cloudmetrics"
	"github.com/smallbiznis/voxbill/internal/config"
	"github.com/smallbiznis/voxbill/internal/migration"
	"github.com/smallbiznis/voxbill/internal/observability"
	"github.com/smallbiznis/voxbill/internal/scheduler"
	"github.com/smallbiznis/voxbill/internal/server"
	"github.com/smallbiznis/voxbill/pkg/db"
	"go.uber.org/fx"
)

// The monolith: HTTP API plus the background job loop in one process.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		cloudmetrics.Module,

		server.Module,
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
