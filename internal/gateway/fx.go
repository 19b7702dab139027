package gateway

import (
	"github.com/crestline/keystone/internal/config"
	"go.uber.org/fx"
)

// Module wires the BrickPay client and webhook verifier.
var Module = fx.Module("gateway",
	fx.Provide(NewClient),
	fx.Provide(func(client *Client) Gateway { return client }),
	fx.Provide(func(cfg config.Config) *Webhook {
		return NewWebhook(cfg.Gateway.WebhookSecret)
	}),
)
