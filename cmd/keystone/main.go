package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/crestline/keystone/internal/clock"
	"github.com/crestline/keystone/internal/config"
	"github.com/crestline/keystone/internal/logger"
	"github.com/crestline/keystone/internal/migration"
	"github.com/crestline/keystone/internal/scheduler"
	"github.com/crestline/keystone/internal/server"
	"github.com/crestline/keystone/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		scheduler.Module,
		server.Module,
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
