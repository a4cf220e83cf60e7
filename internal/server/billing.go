package server

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	overagedomain "github.com/smallbiznis/voxbill/internal/overagebilling/domain"
	policydomain "github.com/smallbiznis/voxbill/internal/policy/domain"
	"github.com/smallbiznis/voxbill/internal/providers/pdf"
	tenantdomain "github.com/smallbiznis/voxbill/internal/tenant/domain"
	usagedomain "github.com/smallbiznis/voxbill/internal/usage/domain"
)

func (s *Server) ListPendingOverage(c *gin.Context) {
	asOf := time.Now().UTC()
	if raw := strings.TrimSpace(c.Query("as_of")); raw != "" {
		parsed, err := parseOptionalTime(raw, false)
		if err != nil || parsed == nil {
			AbortWithError(c, newValidationError("as_of", "invalid_time", "invalid as_of timestamp"))
			return
		}
		asOf = parsed.UTC()
	}

	pending, err := s.billingSvc.GetTenantsPendingOverageBilling(c.Request.Context(), asOf)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"pending": pending})
}

type markBilledRequest struct {
	TenantID           string    `json:"tenant_id"`
	PeriodStart        time.Time `json:"period_start"`
	BillingReferenceID string    `json:"billing_reference_id"`
}

func (s *Server) MarkOverageBilled(c *gin.Context) {
	var req markBilledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	tenantID, err := snowflake.ParseString(strings.TrimSpace(req.TenantID))
	if err != nil || tenantID == 0 {
		AbortWithError(c, newValidationError("tenant_id", "invalid_tenant_id", "invalid tenant id"))
		return
	}
	if strings.TrimSpace(req.BillingReferenceID) == "" {
		AbortWithError(c, newValidationError("billing_reference_id", "required", "billing reference id is required"))
		return
	}

	result, err := s.billingSvc.MarkOverageAsBilled(c.Request.Context(), overagedomain.MarkBilledRequest{
		TenantID:           tenantID,
		PeriodStart:        req.PeriodStart,
		BillingReferenceID: strings.TrimSpace(req.BillingReferenceID),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) DownloadStatement(c *gin.Context) {
	usageID, err := snowflake.ParseString(strings.TrimSpace(c.Param("usage_id")))
	if err != nil || usageID == 0 {
		AbortWithError(c, newValidationError("usage_id", "invalid_usage_id", "invalid usage id"))
		return
	}

	ctx := c.Request.Context()

	var period usagedomain.UsagePeriod
	if err := s.db.WithContext(ctx).
		Where("id = ?", usageID).
		Take(&period).Error; err != nil {
		AbortWithError(c, usagedomain.ErrUsageNotFound)
		return
	}
	if !period.IsBilled || period.StatementNumber == nil {
		AbortWithError(c, usagedomain.ErrUsageNotFound)
		return
	}

	var tenant tenantdomain.Tenant
	if err := s.db.WithContext(ctx).
		Where("id = ?", period.TenantID).
		Take(&tenant).Error; err != nil {
		AbortWithError(c, tenantdomain.ErrNotFound)
		return
	}

	var policy policydomain.TenantVoicePolicy
	if err := s.db.WithContext(ctx).
		Where("tenant_id = ?", period.TenantID).
		Take(&policy).Error; err != nil {
		AbortWithError(c, policydomain.ErrNotFound)
		return
	}

	data := statementData(&period, &tenant, &policy)
	reader, err := s.pdfProvider.GenerateStatement(ctx, data)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if reader == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	doc, err := io.ReadAll(reader)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", data.StatementNumber+".pdf"))
	c.Data(http.StatusOK, "application/pdf", doc)
}

func statementData(period *usagedomain.UsagePeriod, tenant *tenantdomain.Tenant, policy *policydomain.TenantVoicePolicy) pdf.StatementData {
	data := pdf.StatementData{
		TenantName:          tenant.Name,
		IssueDate:           time.Now().UTC().Format("2006-01-02"),
		PeriodStart:         period.PeriodStart.UTC().Format("2006-01-02"),
		PeriodEnd:           period.PeriodEnd.UTC().Format("2006-01-02"),
		Currency:            policy.Currency,
		IncludedMinutes:     period.IncludedMinutesSnapshot,
		IncludedMinutesUsed: period.IncludedMinutesUsed,
		OverageMinutes:      period.OverageMinutesUsed,
		TotalCalls:          period.TotalCalls,
		OverageUnitPrice:    formatMinorUnits(policy.OveragePriceMinorUnits),
		OverageCharge:       formatMinorUnits(period.OverageChargeMinorUnits),
		AmountDue:           formatMinorUnits(period.OverageChargeMinorUnits),
		BillingStatus:       string(period.BillingStatus),
	}
	if period.StatementNumber != nil {
		data.StatementNumber = *period.StatementNumber
	}
	if period.BillingReferenceID != nil {
		data.BillingReferenceID = *period.BillingReferenceID
	}
	if period.PaidAt != nil {
		data.PaidAt = period.PaidAt.UTC().Format("2006-01-02")
	}
	return data
}

func formatMinorUnits(amount int64) string {
	return fmt.Sprintf("%.2f", float64(amount)/100)
}
