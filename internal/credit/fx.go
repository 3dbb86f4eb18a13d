package credit

import (
	"github.com/storybind/storybind/internal/credit/repository"
	"github.com/storybind/storybind/internal/credit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("credit.service",
	fx.Provide(repository.Provide, service.NewService),
)
