package commission

import (
	"github.com/clinichq/attrio/internal/commission/repository"
	"github.com/clinichq/attrio/internal/commission/service"
	"go.uber.org/fx"
)

var Module = fx.Module("commission.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
