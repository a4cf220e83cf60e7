package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/voxbill/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/voxbill/internal/observability/metrics"
	"github.com/smallbiznis/voxbill/pkg/tenantctx"
	"go.uber.org/zap"
)

const (
	rateLimitReasonTenantRate      = "tenant-rate"
	rateLimitReasonEndpointRate    = "endpoint-rate"
	rateLimitReasonCallConcurrency = "call-concurrency"
)

type recordUsageRateLimitKey struct {
	CallID string `json:"call_id"`
}

// RecordUsageRateLimit guards the usage-recording path: a per-tenant token
// bucket, a per-endpoint bucket, and a short per-call lock so retries of
// the same callId do not race each other into the ledger.
func (s *Server) RecordUsageRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.recordLimiter == nil || !s.recordLimiter.Enabled() {
			c.Next()
			return
		}

		tenantID, ok := tenantctx.TenantIDFromContext(c.Request.Context())
		if !ok || tenantID == 0 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		endpoint := normalizeRateLimitEndpoint(c)
		ctx := c.Request.Context()

		allowed, err := s.recordLimiter.AllowTenant(ctx, tenantID.String())
		if err != nil {
			logger.FromContext(ctx).Warn("usage record tenant rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !allowed {
			denyRecordUsageRateLimit(c, endpoint, tenantID.String(), rateLimitReasonTenantRate, s.obsMetrics)
			return
		}

		allowed, err = s.recordLimiter.AllowEndpoint(ctx, tenantID.String())
		if err != nil {
			logger.FromContext(ctx).Warn("usage record endpoint rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !allowed {
			denyRecordUsageRateLimit(c, endpoint, tenantID.String(), rateLimitReasonEndpointRate, s.obsMetrics)
			return
		}

		callID, err := readRecordUsageCallID(c)
		if err != nil {
			logger.FromContext(ctx).Warn("usage record rate limit read body failed", zap.Error(err))
			AbortWithError(c, invalidRequestError())
			return
		}

		if callID != "" {
			lockToken, allowed, err := s.recordLimiter.TryLockCall(ctx, tenantID.String(), callID)
			if err != nil {
				logger.FromContext(ctx).Warn("usage record call lock failed", zap.Error(err))
				AbortWithError(c, ErrServiceUnavailable)
				return
			}
			if !allowed {
				denyRecordUsageRateLimit(c, endpoint, tenantID.String(), rateLimitReasonCallConcurrency, s.obsMetrics)
				return
			}
			c.Set("call_id", callID)
			defer func() {
				if err := s.recordLimiter.ReleaseCall(ctx, tenantID.String(), callID, lockToken); err != nil {
					logger.FromContext(ctx).Warn("usage record call unlock failed", zap.Error(err))
				}
			}()
		}

		recordRateLimitAllowed(ctx, endpoint, tenantID.String(), s.obsMetrics)
		c.Next()
	}
}

func denyRecordUsageRateLimit(c *gin.Context, endpoint, tenantID, reason string, metrics *obsmetrics.Metrics) {
	ctx := c.Request.Context()
	log := logger.FromContext(ctx)
	log.Warn("usage record rate limit exceeded",
		zap.String("reason", reason),
		zap.String("endpoint", endpoint),
	)
	recordRateLimitDenied(ctx, endpoint, tenantID, reason, metrics)

	c.Header("Retry-After", "1")
	c.Header("X-Rate-Limited-Reason", reason)
	AbortWithError(c, ErrRateLimited)
}

func recordRateLimitAllowed(ctx context.Context, endpoint, tenantID string, metrics *obsmetrics.Metrics) {
	if metrics == nil {
		return
	}
	metrics.RecordRateLimitAllowed(ctx, tenantID, endpoint)
}

func recordRateLimitDenied(ctx context.Context, endpoint, tenantID, reason string, metrics *obsmetrics.Metrics) {
	if metrics == nil {
		return
	}
	metrics.RecordRateLimitDenied(ctx, tenantID, endpoint, reason)
}

func readRecordUsageCallID(c *gin.Context) (string, error) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return "", err
	}
	c.Request.Body = io.NopCloser(bytes.NewBuffer(body))
	if len(body) == 0 {
		return "", nil
	}

	var payload recordUsageRateLimitKey
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", nil
	}

	return strings.TrimSpace(payload.CallID), nil
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	if c == nil {
		return "unknown"
	}
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}
