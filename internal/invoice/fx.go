package invoice

import (
	"github.com/crestline/keystone/internal/invoice/service"
	"go.uber.org/fx"
)

// Module wires the invoice service.
var Module = fx.Module("invoice",
	fx.Provide(
		service.NewService,
	),
)
