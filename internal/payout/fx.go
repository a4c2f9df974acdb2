package payout

import (
	"github.com/clinichq/attrio/internal/payout/repository"
	"github.com/clinichq/attrio/internal/payout/service"
	"go.uber.org/fx"
)

var Module = fx.Module("payout.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
