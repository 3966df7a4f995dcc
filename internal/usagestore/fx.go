package usagestore

import (
	"github.com/smallbiznis/recoup/internal/usagestore/repository"
	"github.com/smallbiznis/recoup/internal/usagestore/service"
	"go.uber.org/fx"
)

var Module = fx.Module("usagestore.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
