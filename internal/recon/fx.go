package recon

import (
	"github.com/smallbiznis/recoup/internal/recon/repository"
	"github.com/smallbiznis/recoup/internal/recon/service"
	"go.uber.org/fx"
)

var Module = fx.Module("recon.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
