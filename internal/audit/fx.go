package audit

import (
	"github.com/clinichq/attrio/internal/audit/repository"
	"github.com/clinichq/attrio/internal/audit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("audit.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
