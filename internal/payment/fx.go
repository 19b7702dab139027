package payment

import (
	"github.com/crestline/keystone/internal/payment/service"
	"go.uber.org/fx"
)

// Module wires payment reconciliation.
var Module = fx.Module("payment",
	fx.Provide(
		service.NewService,
	),
)
