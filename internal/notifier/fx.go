package notifier

import (
	"github.com/crestline/keystone/internal/config"
	"go.uber.org/fx"
)

// Module provides the SMTP notifier.
var Module = fx.Module("notifier",
	fx.Provide(func(cfg config.Config) Notifier {
		return NewSMTP(cfg.Email)
	}),
)
