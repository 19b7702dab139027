package project

import (
	"github.com/crestline/keystone/internal/project/domain"
	"github.com/crestline/keystone/pkg/repository"
	"go.uber.org/fx"
)

// Module provides the project and quote stores.
var Module = fx.Module("project",
	fx.Provide(
		repository.ProvideStore[domain.Project],
		repository.ProvideStore[domain.Quote],
	),
)
