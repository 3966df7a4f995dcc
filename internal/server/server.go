// Package server wires the gin HTTP surface: middlewares, routes and the
// listener lifecycle.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/recoup/internal/config"
	"github.com/smallbiznis/recoup/internal/observability"
	obslogger "github.com/smallbiznis/recoup/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/recoup/internal/observability/metrics"
	obstracing "github.com/smallbiznis/recoup/internal/observability/tracing"
)

var Module = fx.Module("server",
	fx.Provide(
		NewUsageHandler,
		NewEntitlementHandler,
		NewReconHandler,
		NewActionHandler,
		NewAuditHandler,
		NewDashboardHandler,
		NewEngine,
		NewServer,
	),
	fx.Invoke(func(*http.Server) {}),
)

type EngineParam struct {
	fx.In

	ObsCfg      observability.Config
	HTTPMetrics *obsmetrics.HTTPMetrics `optional:"true"`

	Usage       *UsageHandler
	Entitlement *EntitlementHandler
	Recon       *ReconHandler
	Action      *ActionHandler
	Audit       *AuditHandler
	Dashboard   *DashboardHandler
}

func NewEngine(p EngineParam) *gin.Engine {
	if !p.ObsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(
		gin.Recovery(),
		obslogger.GinMiddleware(obslogger.MiddlewareConfig{
			Debug:           p.ObsCfg.Debug(),
			ErrorClassifier: classifyError,
		}),
		obstracing.GinMiddleware(),
		obsmetrics.GinMiddleware(p.HTTPMetrics),
		ErrorHandlingMiddleware(),
	)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api", OrgScopeMiddleware())
	p.Usage.RegisterRoutes(api)
	p.Entitlement.RegisterRoutes(api)
	p.Recon.RegisterRoutes(api)
	p.Action.RegisterRoutes(api)
	p.Audit.RegisterRoutes(api)
	p.Dashboard.RegisterRoutes(api)

	return r
}

func NewServer(lc fx.Lifecycle, cfg config.Config, engine *gin.Engine, log *zap.Logger) *http.Server {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
	return srv
}
