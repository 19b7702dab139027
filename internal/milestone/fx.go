package milestone

import (
	"github.com/crestline/keystone/internal/milestone/service"
	"go.uber.org/fx"
)

// Module wires the milestone service.
var Module = fx.Module("milestone",
	fx.Provide(
		service.NewService,
	),
)
