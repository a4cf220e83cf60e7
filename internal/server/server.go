package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/voxbill/internal/alert"
	"github.com/smallbiznis/voxbill/internal/apikey"
	apikeydomain "github.com/smallbiznis/voxbill/internal/apikey/domain"
	"github.com/smallbiznis/voxbill/internal/audit"
	auditdomain "github.com/smallbiznis/voxbill/internal/audit/domain"
	"github.com/smallbiznis/voxbill/internal/authorization"
	"github.com/smallbiznis/voxbill/internal/cache"
	"github.com/smallbiznis/voxbill/internal/config"
	"github.com/smallbiznis/voxbill/internal/observability"
	obsmiddleware "github.com/smallbiznis/voxbill/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/voxbill/internal/observability/metrics"
	obstracing "github.com/smallbiznis/voxbill/internal/observability/tracing"
	"github.com/smallbiznis/voxbill/internal/overagebilling"
	overagedomain "github.com/smallbiznis/voxbill/internal/overagebilling/domain"
	"github.com/smallbiznis/voxbill/internal/plan"
	plandomain "github.com/smallbiznis/voxbill/internal/plan/domain"
	"github.com/smallbiznis/voxbill/internal/policy"
	policydomain "github.com/smallbiznis/voxbill/internal/policy/domain"
	"github.com/smallbiznis/voxbill/internal/processor"
	"github.com/smallbiznis/voxbill/internal/processor/webhook"
	"github.com/smallbiznis/voxbill/internal/providers/email"
	"github.com/smallbiznis/voxbill/internal/providers/pdf"
	"github.com/smallbiznis/voxbill/internal/providers/slack"
	"github.com/smallbiznis/voxbill/internal/provisioning"
	"github.com/smallbiznis/voxbill/internal/ratelimit"
	"github.com/smallbiznis/voxbill/internal/scheduler"
	"github.com/smallbiznis/voxbill/internal/tenant"
	tenantdomain "github.com/smallbiznis/voxbill/internal/tenant/domain"
	"github.com/smallbiznis/voxbill/internal/usage"
	usagedomain "github.com/smallbiznis/voxbill/internal/usage/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(cache.NewAdmissionCache),
	authorization.Module,
	audit.Module,
	apikey.Module,
	tenant.Module,
	plan.Module,
	policy.Module,
	usage.Module,
	overagebilling.Module,
	processor.Module,
	provisioning.Module,
	alert.Module,
	email.Module,
	slack.Module,
	pdf.Module,
	ratelimit.Module,
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

func run(lc fx.Lifecycle, r *gin.Engine) {
	srv := &http.Server{
		Addr:    ":8080",
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
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
	engine        *gin.Engine
	cfg           config.Config
	db            *gorm.DB
	genID         *snowflake.Node
	apiKeys       apikeydomain.Repository
	apiKeySvc     apikeydomain.Service
	authzSvc      authorization.Service
	auditSvc      auditdomain.Service
	tenantSvc     tenantdomain.Service
	planSvc       plandomain.Service
	policySvc     policydomain.Service
	usageSvc      usagedomain.Service
	billingSvc    overagedomain.Service
	webhookSvc    *webhook.Service
	pdfProvider   pdf.Provider
	obsMetrics    *obsmetrics.Metrics
	recordLimiter *ratelimit.RecordUsageLimiter

	scheduler *scheduler.Scheduler
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Cfg           config.Config
	DB            *gorm.DB
	GenID         *snowflake.Node
	APIKeys       apikeydomain.Repository
	APIKeySvc     apikeydomain.Service
	AuthzSvc      authorization.Service
	AuditSvc      auditdomain.Service
	TenantSvc     tenantdomain.Service
	PlanSvc       plandomain.Service
	PolicySvc     policydomain.Service
	UsageSvc      usagedomain.Service
	BillingSvc    overagedomain.Service
	WebhookSvc    *webhook.Service
	PDFProvider   pdf.Provider
	ObsMetrics    *obsmetrics.Metrics           `optional:"true"`
	RecordLimiter *ratelimit.RecordUsageLimiter `optional:"true"`

	Scheduler *scheduler.Scheduler `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		db:            p.DB,
		genID:         p.GenID,
		apiKeys:       p.APIKeys,
		apiKeySvc:     p.APIKeySvc,
		authzSvc:      p.AuthzSvc,
		auditSvc:      p.AuditSvc,
		tenantSvc:     p.TenantSvc,
		planSvc:       p.PlanSvc,
		policySvc:     p.PolicySvc,
		usageSvc:      p.UsageSvc,
		billingSvc:    p.BillingSvc,
		webhookSvc:    p.WebhookSvc,
		pdfProvider:   p.PDFProvider,
		obsMetrics:    p.ObsMetrics,
		recordLimiter: p.RecordLimiter,
		scheduler:     p.Scheduler,
	}

	svc.registerAPIRoutes()
	svc.registerAdminRoutes()
	svc.registerWebhookRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	v1 := s.engine.Group("/v1", s.APIKeyRequired())

	// -------- Usage --------
	v1.GET("/usage/check", s.CheckMinuteLimit)
	v1.POST("/usage/record", s.RequireScope(apikeydomain.ScopeUsageWrite), s.RecordUsageRateLimit(), s.RecordMinuteUsage)
	v1.GET("/usage/summary", s.GetUsageSummary)
	v1.GET("/usage/overage-preview", s.GetOveragePreview)
	v1.GET("/usage/history", s.GetBillingHistory)

	if s.cfg.Environment != "production" {
		v1.POST("/test/cleanup", s.TestCleanup)
	}
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin", s.APIKeyRequired(), s.RequireScope(apikeydomain.ScopeAdmin))

	// -------- Tenants --------
	admin.GET("/tenants", s.authorizeTenantAction(authorization.ObjectTenant, authorization.ActionTenantView), s.ListTenants)
	admin.POST("/tenants", s.authorizeTenantAction(authorization.ObjectTenant, authorization.ActionTenantCreate), s.CreateTenant)
	admin.GET("/tenants/:id", s.authorizeTenantAction(authorization.ObjectTenant, authorization.ActionTenantView), s.GetTenantByID)
	admin.PATCH("/tenants/:id", s.authorizeTenantAction(authorization.ObjectTenant, authorization.ActionTenantUpdate), s.UpdateTenant)

	// -------- Plans --------
	admin.GET("/plans", s.authorizeTenantAction(authorization.ObjectPlan, authorization.ActionPlanView), s.ListPlans)
	admin.POST("/plans", s.authorizeTenantAction(authorization.ObjectPlan, authorization.ActionPlanManage), s.CreatePlan)
	admin.GET("/plans/:code", s.authorizeTenantAction(authorization.ObjectPlan, authorization.ActionPlanView), s.GetPlanByCode)
	admin.PATCH("/plans/:code", s.authorizeTenantAction(authorization.ObjectPlan, authorization.ActionPlanManage), s.UpdatePlan)

	// -------- Voice Policy --------
	admin.GET("/tenants/:id/policy", s.authorizeTenantAction(authorization.ObjectVoicePolicy, authorization.ActionVoicePolicyView), s.GetVoicePolicy)
	admin.PUT("/tenants/:id/policy", s.authorizeTenantAction(authorization.ObjectVoicePolicy, authorization.ActionVoicePolicyUpdate), s.UpdateVoicePolicy)

	// -------- Billing --------
	admin.GET("/billing/pending-overage", s.authorizeTenantAction(authorization.ObjectBilling, authorization.ActionBillingView), s.ListPendingOverage)
	admin.POST("/billing/mark-billed", s.authorizeTenantAction(authorization.ObjectBilling, authorization.ActionBillingMarkBill), s.MarkOverageBilled)
	admin.GET("/billing/statements/:usage_id/pdf", s.authorizeTenantAction(authorization.ObjectBilling, authorization.ActionBillingStatement), s.DownloadStatement)

	// -------- API Keys --------
	admin.GET("/api-keys", s.authorizeTenantAction(authorization.ObjectAPIKey, authorization.ActionAPIKeyView), s.ListAPIKeys)
	admin.POST("/api-keys", s.authorizeTenantAction(authorization.ObjectAPIKey, authorization.ActionAPIKeyCreate), s.CreateAPIKey)
	admin.POST("/api-keys/:key_id/rotate", s.authorizeTenantAction(authorization.ObjectAPIKey, authorization.ActionAPIKeyRotate), s.RotateAPIKey)
	admin.POST("/api-keys/:key_id/revoke", s.authorizeTenantAction(authorization.ObjectAPIKey, authorization.ActionAPIKeyRevoke), s.RevokeAPIKey)

	// -------- Audit Logs --------
	admin.GET("/audit-logs", s.authorizeTenantAction(authorization.ObjectAuditLog, authorization.ActionAuditLogView), s.ListAuditLogs)
}

func (s *Server) registerWebhookRoutes() {
	// Signature-verified by the processor adapter, no API key.
	s.engine.POST("/v1/webhooks/:provider", s.HandleProcessorWebhook)
}
