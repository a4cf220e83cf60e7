package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

type testCleanupRequest struct {
	Prefix string `json:"prefix"`
}

// TestCleanup removes tenants created by integration suites, keyed by a
// slug prefix. Never registered in production.
func (s *Server) TestCleanup(c *gin.Context) {
	if s.cfg.Environment == "production" {
		AbortWithError(c, ErrNotFound)
		return
	}

	var req testCleanupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	prefix := strings.TrimSpace(req.Prefix)
	if prefix == "" {
		AbortWithError(c, newValidationError("prefix", "required", "prefix is required"))
		return
	}

	ctx := c.Request.Context()
	like := prefix + "%"

	var tenantIDs []int64
	if err := s.db.WithContext(ctx).
		Table("tenants").
		Select("id").
		Where("slug LIKE ?", like).
		Scan(&tenantIDs).Error; err != nil {
		AbortWithError(c, err)
		return
	}

	if len(tenantIDs) > 0 {
		for _, table := range []string{
			"usage_transactions",
			"usage_alerts",
			"usage_periods",
			"tenant_voice_policies",
			"billing_events",
			"api_keys",
			"audit_logs",
			"tenant_members",
		} {
			if err := s.db.WithContext(ctx).Exec(
				`DELETE FROM `+table+` WHERE tenant_id IN ?`, tenantIDs,
			).Error; err != nil {
				AbortWithError(c, err)
				return
			}
		}
		if err := s.db.WithContext(ctx).Exec(
			`DELETE FROM tenants WHERE id IN ?`, tenantIDs,
		).Error; err != nil {
			AbortWithError(c, err)
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"tenants_removed": len(tenantIDs)})
}
