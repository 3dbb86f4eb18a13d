package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/storybind/storybind/internal/config"
	"github.com/storybind/storybind/internal/credit"
	creditdomain "github.com/storybind/storybind/internal/credit/domain"
	"github.com/storybind/storybind/internal/grant"
	grantdomain "github.com/storybind/storybind/internal/grant/domain"
	"github.com/storybind/storybind/internal/observability"
	obsmiddleware "github.com/storybind/storybind/internal/observability/logger"
	obsmetrics "github.com/storybind/storybind/internal/observability/metrics"
	obstracing "github.com/storybind/storybind/internal/observability/tracing"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	credit.Module,
	grant.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine    *gin.Engine
	cfg       config.Config
	db        *gorm.DB
	genID     *snowflake.Node
	creditSvc creditdomain.Service
	grantSvc  grantdomain.Service
}

type ServerParams struct {
	fx.In

	Gin       *gin.Engine
	Cfg       config.Config
	DB        *gorm.DB
	GenID     *snowflake.Node
	CreditSvc creditdomain.Service
	GrantSvc  grantdomain.Service
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:    p.Gin,
		cfg:       p.Cfg,
		db:        p.DB,
		genID:     p.GenID,
		creditSvc: p.CreditSvc,
		grantSvc:  p.GrantSvc,
	}

	svc.registerAPIRoutes()
	svc.registerInternalRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	api.GET("/credits/balance", s.GetBalance)
	api.GET("/credits/usage", s.ListUsage)
}

// registerInternalRoutes wires the surface job orchestrators and the
// payment webhook handler call. It is expected to sit behind network
// policy, not user auth.
func (s *Server) registerInternalRoutes() {
	internal := s.engine.Group("/internal")

	internal.POST("/credits/reserve", s.ReserveCredits)
	internal.POST("/credits/:id/confirm", s.ConfirmReservation)
	internal.POST("/credits/:id/release", s.ReleaseReservation)

	internal.POST("/credits/grants", s.IngestGrant)
	internal.POST("/credits/signup-bonus", s.GrantSignupBonus)
}
