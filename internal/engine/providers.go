package engine

import "go.uber.org/fx"

// Module provides the engine for fx injection. The dialer, profile
// source and credential source come from their own modules (or
// fx.Supply in the CLI).
var Module = fx.Module("engine",
	fx.Provide(
		NewRunner,
		NewOrchestrator,
		NewAggregator,
	),
)
