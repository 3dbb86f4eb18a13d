package config

import "go.uber.org/fx"

// Module wires application and credit configuration.
var Module = fx.Module("config",
	fx.Provide(
		Load,
		NewCreditConfigHolder,
	),
)
