package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/clinichq/attrio/internal/cache"
	"github.com/clinichq/attrio/internal/clock"
	"github.com/clinichq/attrio/internal/config"
	"github.com/clinichq/attrio/internal/migration"
	"github.com/clinichq/attrio/internal/observability"
	"github.com/clinichq/attrio/internal/scheduler"
	"github.com/clinichq/attrio/internal/server"
	"github.com/clinichq/attrio/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(newSnowflakeNode),
		db.Module,
		clock.Module,
		cache.Module,
		migration.Module,

		server.Module,
		scheduler.Module,
	)
	app.Run()
}

func newSnowflakeNode() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
