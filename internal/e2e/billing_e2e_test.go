package e2e

import (
	"bytes"
	"net/http"
	"strconv"
	"testing"
	"time"
)

func setChargePolicy(t *testing.T, tenantID string) {
	t.Helper()
	update := map[string]any{
		"included_minutes":               1,
		"overage_policy":                 "charge",
		"overage_price_minor_units":      100,
		"max_overage_charge_minor_units": 100_000,
	}
	resp, body := doJSON(t, http.MethodPut, env.baseURL+"/admin/tenants/"+tenantID+"/policy", update, authHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for policy update, got %d: %s", resp.StatusCode, string(body))
	}
}

func currentPeriod(t *testing.T, tenantID string) (usageID string, periodStart time.Time) {
	t.Helper()
	var row struct {
		ID          int64     `gorm:"column:id"`
		PeriodStart time.Time `gorm:"column:period_start"`
	}
	if err := env.db.Raw(
		`SELECT id, period_start FROM usage_periods WHERE tenant_id = ? ORDER BY period_start DESC LIMIT 1`,
		tenantID,
	).Scan(&row).Error; err != nil {
		t.Fatalf("query usage period: %v", err)
	}
	if row.ID == 0 {
		t.Fatalf("no usage period for tenant %s", tenantID)
	}
	return strconv.FormatInt(row.ID, 10), row.PeriodStart
}

func TestE2E_OverageAccrualAndMarkBilled(t *testing.T) {
	resetDatabase(t, env.db)
	tenantID := demoTenantID(t)
	setChargePolicy(t, tenantID)

	// 300s on a 1-minute allowance: 1 included, 4 overage at 100 minor units.
	resp, body := doJSON(t, http.MethodPost, env.baseURL+"/v1/usage/record",
		map[string]any{"call_id": "e2e-overage-1", "seconds_used": 300}, authHeaders())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 for overage record, got %d: %s", resp.StatusCode, string(body))
	}
	var result struct {
		IsOverage        bool  `json:"is_overage"`
		MinutesToOverage int64 `json:"minutes_to_overage"`
		ChargeMinorUnits int64 `json:"charge_minor_units"`
	}
	decodeBody(t, body, &result)
	if !result.IsOverage || result.MinutesToOverage != 4 {
		t.Fatalf("expected 4 overage minutes, got %+v", result)
	}
	if result.ChargeMinorUnits != 400 {
		t.Fatalf("expected 400 minor units charged, got %d", result.ChargeMinorUnits)
	}

	resp, body = doJSON(t, http.MethodGet, env.baseURL+"/v1/usage/overage-preview", nil, authHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for overage preview, got %d: %s", resp.StatusCode, string(body))
	}
	var preview struct {
		CurrentOverageMinutes          int64 `json:"current_overage_minutes"`
		CurrentOverageChargeMinorUnits int64 `json:"current_overage_charge_minor_units"`
	}
	decodeBody(t, body, &preview)
	if preview.CurrentOverageMinutes != 4 || preview.CurrentOverageChargeMinorUnits != 400 {
		t.Fatalf("unexpected overage preview: %+v", preview)
	}

	usageID, periodStart := currentPeriod(t, tenantID)

	markBilled := map[string]any{
		"tenant_id":            tenantID,
		"period_start":         periodStart.UTC().Format(time.RFC3339Nano),
		"billing_reference_id": "INV-E2E-001",
	}
	resp, body = doJSON(t, http.MethodPost, env.baseURL+"/admin/billing/mark-billed", markBilled, authHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for mark-billed, got %d: %s", resp.StatusCode, string(body))
	}
	var billed struct {
		UsageID            string `json:"usage_id"`
		StatementNumber    string `json:"statement_number"`
		TransactionsFolded int64  `json:"transactions_folded"`
	}
	decodeBody(t, body, &billed)
	if billed.UsageID != usageID {
		t.Fatalf("expected usage id %s, got %s", usageID, billed.UsageID)
	}
	if billed.StatementNumber == "" {
		t.Fatalf("expected a statement number after mark-billed")
	}
	if billed.TransactionsFolded != 1 {
		t.Fatalf("expected 1 folded transaction, got %d", billed.TransactionsFolded)
	}

	// Marking the same period twice is not idempotent-success; it is gone.
	resp, _ = doJSON(t, http.MethodPost, env.baseURL+"/admin/billing/mark-billed", markBilled, authHeaders())
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for second mark-billed, got %d", resp.StatusCode)
	}

	resp, body = doJSON(t, http.MethodGet, env.baseURL+"/v1/usage/history", nil, authHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for billing history, got %d: %s", resp.StatusCode, string(body))
	}
	var history struct {
		Periods []struct {
			UsageID            string  `json:"usage_id"`
			IsBilled           bool    `json:"is_billed"`
			BillingReferenceID *string `json:"billing_reference_id"`
			StatementNumber    *string `json:"statement_number"`
		} `json:"periods"`
	}
	decodeBody(t, body, &history)
	if len(history.Periods) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(history.Periods))
	}
	entry := history.Periods[0]
	if !entry.IsBilled || entry.BillingReferenceID == nil || *entry.BillingReferenceID != "INV-E2E-001" {
		t.Fatalf("unexpected history entry: %+v", entry)
	}
	if entry.StatementNumber == nil || *entry.StatementNumber != billed.StatementNumber {
		t.Fatalf("history statement number mismatch: %+v", entry)
	}
}

func TestE2E_StatementDownload(t *testing.T) {
	resetDatabase(t, env.db)
	tenantID := demoTenantID(t)
	setChargePolicy(t, tenantID)

	resp, body := doJSON(t, http.MethodPost, env.baseURL+"/v1/usage/record",
		map[string]any{"call_id": "e2e-stmt-1", "seconds_used": 600}, authHeaders())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 for record, got %d: %s", resp.StatusCode, string(body))
	}

	usageID, periodStart := currentPeriod(t, tenantID)

	// Unbilled periods have no statement to download.
	resp, _ = doJSON(t, http.MethodGet, env.baseURL+"/admin/billing/statements/"+usageID+"/pdf", nil, authHeaders())
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unbilled statement, got %d", resp.StatusCode)
	}

	resp, body = doJSON(t, http.MethodPost, env.baseURL+"/admin/billing/mark-billed", map[string]any{
		"tenant_id":            tenantID,
		"period_start":         periodStart.UTC().Format(time.RFC3339Nano),
		"billing_reference_id": "INV-E2E-002",
	}, authHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for mark-billed, got %d: %s", resp.StatusCode, string(body))
	}

	resp, body = doJSON(t, http.MethodGet, env.baseURL+"/admin/billing/statements/"+usageID+"/pdf", nil, authHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for statement download, got %d: %s", resp.StatusCode, string(body))
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/pdf" {
		t.Fatalf("expected application/pdf, got %s", ct)
	}
	if !bytes.HasPrefix(body, []byte("%PDF")) {
		head := body
		if len(head) > 8 {
			head = head[:8]
		}
		t.Fatalf("expected PDF magic bytes, got %q", head)
	}
}

func TestE2E_AuditTrail(t *testing.T) {
	resetDatabase(t, env.db)
	tenantID := demoTenantID(t)
	setChargePolicy(t, tenantID)

	resp, body := doJSON(t, http.MethodPost, env.baseURL+"/v1/usage/record",
		map[string]any{"call_id": "e2e-audit-1", "seconds_used": 180}, authHeaders())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 for record, got %d: %s", resp.StatusCode, string(body))
	}

	_, periodStart := currentPeriod(t, tenantID)
	resp, body = doJSON(t, http.MethodPost, env.baseURL+"/admin/billing/mark-billed", map[string]any{
		"tenant_id":            tenantID,
		"period_start":         periodStart.UTC().Format(time.RFC3339Nano),
		"billing_reference_id": "INV-E2E-003",
	}, authHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for mark-billed, got %d: %s", resp.StatusCode, string(body))
	}

	resp, body = doJSON(t, http.MethodGet, env.baseURL+"/admin/audit-logs?action=billing.mark_billed", nil, authHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for audit log list, got %d: %s", resp.StatusCode, string(body))
	}
	var logs struct {
		AuditLogs []struct {
			Action     string  `json:"action"`
			TargetType string  `json:"target_type"`
			TargetID   *string `json:"target_id"`
		} `json:"audit_logs"`
	}
	decodeBody(t, body, &logs)
	if len(logs.AuditLogs) == 0 {
		t.Fatalf("expected a mark-billed audit entry")
	}
	if logs.AuditLogs[0].Action != "billing.mark_billed" || logs.AuditLogs[0].TargetType != "usage_period" {
		t.Fatalf("unexpected audit entry: %+v", logs.AuditLogs[0])
	}
}
