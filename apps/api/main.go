package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/smallbiznis/recoup/internal/action"
	"github.com/smallbiznis/recoup/internal/audit"
	"github.com/smallbiznis/recoup/internal/clock"
	"github.com/smallbiznis/recoup/internal/config"
	"github.com/smallbiznis/recoup/internal/entitlement"
	"github.com/smallbiznis/recoup/internal/migration"
	"github.com/smallbiznis/recoup/internal/observability"
	"github.com/smallbiznis/recoup/internal/pricing"
	"github.com/smallbiznis/recoup/internal/recon"
	"github.com/smallbiznis/recoup/internal/server"
	"github.com/smallbiznis/recoup/internal/usagestore"
	"github.com/smallbiznis/recoup/pkg/db"
)

// API process: HTTP surface only, no scheduler. Pair with the scheduler
// binary when splitting roles.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		pricing.Module,
		usagestore.Module,
		entitlement.Module,
		recon.Module,
		action.Module,
		audit.Module,

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
