package main

import (
	"os"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/storybind/storybind/internal/clock"
	"github.com/storybind/storybind/internal/config"
	"github.com/storybind/storybind/internal/migration"
	"github.com/storybind/storybind/internal/observability"
	"github.com/storybind/storybind/internal/scheduler"
	"github.com/storybind/storybind/internal/server"
	"github.com/storybind/storybind/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		server.Module,
		scheduler.Module,
	)
	app.Run()
}

// RegisterSnowflake builds the row id generator. NODE_ID keeps ids unique
// across replicas.
func RegisterSnowflake() *snowflake.Node {
	nodeID := int64(1)
	if raw := os.Getenv("NODE_ID"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			nodeID = parsed
		}
	}

	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		panic(err)
	}
	return node
}
