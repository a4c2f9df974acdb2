package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clinichq/attrio/internal/affiliate"
	affiliatedomain "github.com/clinichq/attrio/internal/affiliate/domain"
	"github.com/clinichq/attrio/internal/attribution"
	attributiondomain "github.com/clinichq/attrio/internal/attribution/domain"
	"github.com/clinichq/attrio/internal/audit"
	auditdomain "github.com/clinichq/attrio/internal/audit/domain"
	"github.com/clinichq/attrio/internal/commission"
	commissiondomain "github.com/clinichq/attrio/internal/commission/domain"
	"github.com/clinichq/attrio/internal/config"
	obslogger "github.com/clinichq/attrio/internal/observability/logger"
	obsmetrics "github.com/clinichq/attrio/internal/observability/metrics"
	obstracing "github.com/clinichq/attrio/internal/observability/tracing"
	"github.com/clinichq/attrio/internal/payout"
	payoutdomain "github.com/clinichq/attrio/internal/payout/domain"
	"github.com/clinichq/attrio/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"go.opentelemetry.io/otel/trace"
)

var Module = fx.Module("http.server",
	audit.Module,
	affiliate.Module,
	attribution.Module,
	commission.Module,
	payout.Module,
	ratelimit.Module,
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(registerRoutes),
	fx.Invoke(run),
)

type EngineParams struct {
	fx.In

	Cfg            config.Config
	Log            *zap.Logger
	HTTPMetrics    *obsmetrics.HTTPMetrics
	Registry       *prometheus.Registry
	TracerProvider trace.TracerProvider
}

func NewEngine(p EngineParams) *gin.Engine {
	if p.Cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           p.Cfg.Environment == "development",
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware(p.TracerProvider))
	r.Use(obsmetrics.GinMiddleware(p.HTTPMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(p.Registry, promhttp.HandlerOpts{})))

	return r
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
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
	engine         *gin.Engine
	cfg            config.Config
	db             *gorm.DB
	log            *zap.Logger
	genID          *snowflake.Node
	affiliateSvc   affiliatedomain.Service
	attributionSvc attributiondomain.Service
	commissionSvc  commissiondomain.Service
	payoutSvc      payoutdomain.Service
	auditSvc       auditdomain.Service
	limiter        *ratelimit.TouchLimiter
}

type ServerParams struct {
	fx.In

	Gin            *gin.Engine
	Cfg            config.Config
	DB             *gorm.DB
	Log            *zap.Logger
	GenID          *snowflake.Node
	AffiliateSvc   affiliatedomain.Service
	AttributionSvc attributiondomain.Service
	CommissionSvc  commissiondomain.Service
	PayoutSvc      payoutdomain.Service
	AuditSvc       auditdomain.Service     `optional:"true"`
	Limiter        *ratelimit.TouchLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	return &Server{
		engine:         p.Gin,
		cfg:            p.Cfg,
		db:             p.DB,
		log:            p.Log.Named("http.server"),
		genID:          p.GenID,
		affiliateSvc:   p.AffiliateSvc,
		attributionSvc: p.AttributionSvc,
		commissionSvc:  p.CommissionSvc,
		payoutSvc:      p.PayoutSvc,
		auditSvc:       p.AuditSvc,
		limiter:        p.Limiter,
	}
}

func registerRoutes(s *Server) {
	s.RegisterV1Routes()
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) RegisterV1Routes() {
	v1 := s.engine.Group("/v1")
	v1.Use(s.ClinicContext())

	// -------- Payment events (collaborator webhook fan-in) --------
	v1.POST("/payment-events", s.HandlePaymentEvent)

	// -------- Attribution --------
	v1.POST("/touches", s.RateLimitTouches(), s.RecordTouch)
	v1.POST("/attribution/resolve", s.ResolveAttribution)
	v1.GET("/attribution/config", s.GetAttributionConfig)
	v1.PUT("/attribution/config", s.UpsertAttributionConfig)

	// -------- Intake --------
	v1.POST("/intake/attributions", s.AttributeFromIntake)
	v1.POST("/intake/ref-code-tags", s.TagRefCodeOnly)
	v1.POST("/patients", s.RegisterPatient)

	// -------- Affiliates --------
	v1.POST("/affiliates", s.CreateAffiliate)
	v1.GET("/affiliates/:id", s.GetAffiliate)
	v1.POST("/affiliates/:id/status", s.SetAffiliateStatus)
	v1.POST("/affiliates/:id/ref-codes", s.CreateRefCode)
	v1.POST("/affiliates/:id/payout-methods", s.AddPayoutMethod)
	v1.POST("/affiliates/:id/payout-methods/:methodId/verify", s.VerifyPayoutMethod)
	v1.POST("/affiliates/:id/payout-methods/:methodId/default", s.SetDefaultPayoutMethod)
	v1.POST("/ref-codes/:code/active", s.SetRefCodeActive)

	// -------- Earnings / history --------
	v1.GET("/affiliates/:id/earnings", s.GetEarnings)
	v1.GET("/affiliates/:id/commissions", s.ListCommissions)
	v1.GET("/affiliates/:id/payouts", s.ListPayouts)
	v1.GET("/leaderboard", s.GetLeaderboard)

	// -------- Withdrawals --------
	v1.POST("/affiliates/:id/withdrawals", s.RequestWithdrawal)
	v1.POST("/payouts/:id/complete", s.CompletePayout)
	v1.POST("/payouts/:id/fail", s.FailPayout)

	// -------- Commission plans --------
	v1.POST("/commission-plans", s.CreateCommissionPlan)
	v1.GET("/commission-plans/:id", s.GetCommissionPlan)

	// -------- Audit --------
	v1.GET("/audit-logs", s.ListAuditLogs)
}
