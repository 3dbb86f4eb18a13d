package grant

import (
	"github.com/storybind/storybind/internal/grant/service"
	"go.uber.org/fx"
)

var Module = fx.Module("grant.service",
	fx.Provide(service.NewService),
)
