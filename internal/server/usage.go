package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	usagedomain "github.com/smallbiznis/voxbill/internal/usage/domain"
	"github.com/smallbiznis/voxbill/pkg/db/pagination"
	"github.com/smallbiznis/voxbill/pkg/tenantctx"
)

// requestTenantID resolves the tenant a usage read targets. The caller's
// own tenant by default; system-role callers may address any tenant via
// the tenant_id query param. The usage service re-checks scope either way.
func requestTenantID(c *gin.Context) (snowflake.ID, error) {
	if raw := strings.TrimSpace(c.Query("tenant_id")); raw != "" {
		id, err := snowflake.ParseString(raw)
		if err != nil || id == 0 {
			return 0, newValidationError("tenant_id", "invalid_tenant_id", "invalid tenant id")
		}
		return id, nil
	}
	id, ok := tenantctx.TenantIDFromContext(c.Request.Context())
	if !ok || id == 0 {
		return 0, ErrUnauthorized
	}
	return id, nil
}

func (s *Server) CheckMinuteLimit(c *gin.Context) {
	tenantID, err := requestTenantID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := s.usageSvc.CheckMinuteLimit(c.Request.Context(), tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) RecordMinuteUsage(c *gin.Context) {
	tenantID, err := callerTenantID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req usagedomain.RecordUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.TenantID = tenantID

	result, err := s.usageSvc.RecordMinuteUsage(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusCreated
	if result.AlreadyRecorded {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

func (s *Server) GetUsageSummary(c *gin.Context) {
	tenantID, err := requestTenantID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	summary, err := s.usageSvc.GetMinuteUsageSummary(c.Request.Context(), tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, summary)
}

func (s *Server) GetOveragePreview(c *gin.Context) {
	tenantID, err := requestTenantID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	preview, err := s.usageSvc.GetCurrentOveragePreview(c.Request.Context(), tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, preview)
}

func (s *Server) GetBillingHistory(c *gin.Context) {
	tenantID, err := requestTenantID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	pageSize, err := parseOptionalInt64(c.Query("page_size"))
	if err != nil {
		AbortWithError(c, newValidationError("page_size", "invalid_page_size", "invalid page size"))
		return
	}

	req := usagedomain.BillingHistoryRequest{
		TenantID: tenantID,
		Pagination: pagination.Pagination{
			PageToken: strings.TrimSpace(c.Query("page_token")),
		},
	}
	if pageSize != nil {
		req.PageSize = int(*pageSize)
	}

	history, err := s.usageSvc.GetVoiceBillingHistory(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, history)
}
