package affiliate

import (
	"github.com/clinichq/attrio/internal/affiliate/repository"
	"github.com/clinichq/attrio/internal/affiliate/service"
	"go.uber.org/fx"
)

var Module = fx.Module("affiliate.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
