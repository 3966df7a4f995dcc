package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/smallbiznis/recoup/internal/audit"
	"github.com/smallbiznis/recoup/internal/clock"
	"github.com/smallbiznis/recoup/internal/config"
	"github.com/smallbiznis/recoup/internal/entitlement"
	"github.com/smallbiznis/recoup/internal/observability"
	"github.com/smallbiznis/recoup/internal/pricing"
	"github.com/smallbiznis/recoup/internal/recon"
	"github.com/smallbiznis/recoup/internal/scheduler"
	"github.com/smallbiznis/recoup/internal/usagestore"
	"github.com/smallbiznis/recoup/pkg/db"
)

// Scheduler process: sweeps closed periods and starts runs, no HTTP
// surface. Migrations are owned by the API process.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		pricing.Module,
		usagestore.Module,
		entitlement.Module,
		recon.Module,
		audit.Module,

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
