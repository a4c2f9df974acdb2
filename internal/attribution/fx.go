package attribution

import (
	"github.com/clinichq/attrio/internal/attribution/repository"
	"github.com/clinichq/attrio/internal/attribution/service"
	"go.uber.org/fx"
)

var Module = fx.Module("attribution.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
