package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/voxbill/internal/alert"
	"github.com/smallbiznis/voxbill/internal/apikey"
	"github.com/smallbiznis/voxbill/internal/audit"
	"github.com/smallbiznis/voxbill/internal/authorization"
	"github.com/smallbiznis/voxbill/internal/cache"
	"github.com/smallbiznis/voxbill/internal/clock"
	"github.com/smallbiznis/voxbill/internal/config"
	"github.com/smallbiznis/voxbill/internal/migration"
	"github.com/smallbiznis/voxbill/internal/observability"
	"github.com/smallbiznis/voxbill/internal/overagebilling"
	"github.com/smallbiznis/voxbill/internal/plan"
	"github.com/smallbiznis/voxbill/internal/policy"
	"github.com/smallbiznis/voxbill/internal/processor"
	emailprovider "github.com/smallbiznis/voxbill/internal/providers/email"
	pdfprovider "github.com/smallbiznis/voxbill/internal/providers/pdf"
	slackprovider "github.com/smallbiznis/voxbill/internal/providers/slack"
	"github.com/smallbiznis/voxbill/internal/provisioning"
	"github.com/smallbiznis/voxbill/internal/ratelimit"
	"github.com/smallbiznis/voxbill/internal/scheduler"
	"github.com/smallbiznis/voxbill/internal/seed"
	"github.com/smallbiznis/voxbill/internal/server"
	"github.com/smallbiznis/voxbill/internal/tenant"
	"github.com/smallbiznis/voxbill/internal/usage"
	"github.com/smallbiznis/voxbill/pkg/db"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

type testEnv struct {
	app       *fx.App
	server    *server.Server
	db        *gorm.DB
	baseURL   string
	scheduler *scheduler.Scheduler
	httpSrv   *httptest.Server
}

var env *testEnv

func TestMain(m *testing.M) {
	if strings.TrimSpace(os.Getenv("VOXBILL_E2E")) == "" {
		fmt.Println("skipping e2e tests: VOXBILL_E2E not set")
		os.Exit(0)
	}

	gin.SetMode(gin.TestMode)
	setDefaultEnv()

	var err error
	env, err = startEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to start test environment:", err)
		os.Exit(1)
	}

	code := m.Run()
	env.shutdown()
	os.Exit(code)
}

func startEnv() (*testEnv, error) {
	var (
		srv    *server.Server
		dbConn *gorm.DB
		cfg    config.Config
		sched  *scheduler.Scheduler
	)

	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(func() *snowflake.Node {
			node, err := snowflake.NewNode(1)
			if err != nil {
				panic(err)
			}
			return node
		}),
		db.Module,
		clock.Module,
		migration.Module,
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
		emailprovider.Module,
		slackprovider.Module,
		pdfprovider.Module,
		ratelimit.Module,
		fx.Provide(cache.NewAdmissionCache),
		fx.Provide(scheduler.ProvideConfig),
		fx.Provide(scheduler.New),
		fx.Provide(server.NewEngine),
		fx.Provide(server.NewServer),
		fx.Populate(&srv, &dbConn, &cfg, &sched),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		return nil, err
	}

	if strings.ToLower(strings.TrimSpace(cfg.DBType)) != "postgres" {
		app.Stop(context.Background())
		return nil, fmt.Errorf("expected postgres db, got %s", cfg.DBType)
	}

	httpSrv := httptest.NewServer(srv.Engine())

	return &testEnv{
		app:       app,
		server:    srv,
		db:        dbConn,
		baseURL:   httpSrv.URL,
		scheduler: sched,
		httpSrv:   httpSrv,
	}, nil
}

func (e *testEnv) shutdown() {
	if e == nil {
		return
	}
	if e.httpSrv != nil {
		e.httpSrv.Close()
	}
	if e.app != nil {
		_ = e.app.Stop(context.Background())
	}
}

func setDefaultEnv() {
	setEnvIfEmpty("ENVIRONMENT", "test")
	setEnvIfEmpty("APP_MODE", "oss")
	setEnvIfEmpty("LOG_LEVEL", "error")
	setEnvIfEmpty("MIGRATE_ON_START", "true")
	setEnvIfEmpty("SEED_DEMO", "false")
	setEnvIfEmpty("RATE_LIMIT_ENABLED", "false")
}

func setEnvIfEmpty(key, value string) {
	if strings.TrimSpace(os.Getenv(key)) != "" {
		return
	}
	_ = os.Setenv(key, value)
}

func resetDatabase(t *testing.T, dbConn *gorm.DB) {
	t.Helper()
	if err := truncateAllTables(dbConn); err != nil {
		t.Fatalf("truncate tables: %v", err)
	}
	if err := seed.EnsureDemoData(dbConn); err != nil {
		t.Fatalf("seed demo data: %v", err)
	}
}

func truncateAllTables(dbConn *gorm.DB) error {
	type tableRow struct {
		Name string `gorm:"column:tablename"`
	}
	var rows []tableRow
	if err := dbConn.Raw(
		`SELECT tablename FROM pg_tables WHERE schemaname = 'public' AND tablename <> 'schema_migrations'`,
	).Scan(&rows).Error; err != nil {
		return err
	}

	tables := make([]string, 0, len(rows))
	for _, row := range rows {
		if strings.TrimSpace(row.Name) == "" {
			continue
		}
		tables = append(tables, `"`+row.Name+`"`)
	}
	if len(tables) == 0 {
		return nil
	}

	stmt := fmt.Sprintf("TRUNCATE TABLE %s RESTART IDENTITY CASCADE", strings.Join(tables, ", "))
	return dbConn.Exec(stmt).Error
}

func demoTenantID(t *testing.T) string {
	t.Helper()
	var row struct {
		ID snowflake.ID `gorm:"column:id"`
	}
	if err := env.db.Raw(`SELECT id FROM tenants WHERE slug = ?`, "demo").Scan(&row).Error; err != nil {
		t.Fatalf("query demo tenant: %v", err)
	}
	if row.ID == 0 {
		t.Fatalf("demo tenant not seeded")
	}
	return row.ID.String()
}

func authHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + seed.DemoAPIKey}
}

func doJSON(t *testing.T, method, reqURL string, payload any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("encode json: %v", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, reqURL, body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp, data
}

func decodeBody(t *testing.T, body []byte, out any) {
	t.Helper()
	if err := json.Unmarshal(body, out); err != nil {
		t.Fatalf("decode response %s: %v", string(body), err)
	}
}

func TestE2E_HealthCheck(t *testing.T) {
	resetDatabase(t, env.db)

	resp, err := http.Get(env.baseURL + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
}

func TestE2E_APIKeyAuthentication(t *testing.T) {
	resetDatabase(t, env.db)

	resp, body := doJSON(t, http.MethodGet, env.baseURL+"/v1/usage/check", nil, authHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for admission check, got %d: %s", resp.StatusCode, string(body))
	}

	resp, _ = doJSON(t, http.MethodGet, env.baseURL+"/v1/usage/check", nil, map[string]string{
		"Authorization": "Bearer vx_live_key_invalid",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for invalid key, got %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodGet, env.baseURL+"/v1/usage/check", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for missing key, got %d", resp.StatusCode)
	}
}

func TestE2E_RecordUsageAndSummary(t *testing.T) {
	resetDatabase(t, env.db)

	record := map[string]any{
		"call_id":      "e2e-call-1",
		"seconds_used": 185,
	}
	resp, body := doJSON(t, http.MethodPost, env.baseURL+"/v1/usage/record", record, authHeaders())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 for first record, got %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		AlreadyRecorded bool  `json:"already_recorded"`
		MinutesRecorded int64 `json:"minutes_recorded"`
	}
	decodeBody(t, body, &result)
	if result.MinutesRecorded != 4 {
		t.Fatalf("expected 185s to round up to 4 minutes, got %d", result.MinutesRecorded)
	}

	// Replaying the same callId must not double count.
	resp, body = doJSON(t, http.MethodPost, env.baseURL+"/v1/usage/record", record, authHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for duplicate record, got %d: %s", resp.StatusCode, string(body))
	}
	decodeBody(t, body, &result)
	if !result.AlreadyRecorded {
		t.Fatalf("expected already_recorded on duplicate callId")
	}

	resp, body = doJSON(t, http.MethodGet, env.baseURL+"/v1/usage/summary", nil, authHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for summary, got %d: %s", resp.StatusCode, string(body))
	}
	var summary struct {
		Usage struct {
			IncludedMinutesUsed int64 `json:"included_minutes_used"`
			TotalCalls          int64 `json:"total_calls"`
		} `json:"usage"`
	}
	decodeBody(t, body, &summary)
	if summary.Usage.IncludedMinutesUsed != 4 {
		t.Fatalf("expected 4 included minutes used, got %d", summary.Usage.IncludedMinutesUsed)
	}
	if summary.Usage.TotalCalls != 1 {
		t.Fatalf("expected 1 call after duplicate replay, got %d", summary.Usage.TotalCalls)
	}
}

func TestE2E_BlockPolicyDeniesAtLimit(t *testing.T) {
	resetDatabase(t, env.db)
	tenantID := demoTenantID(t)

	update := map[string]any{
		"included_minutes": 2,
		"overage_policy":   "block",
	}
	resp, body := doJSON(t, http.MethodPut, env.baseURL+"/admin/tenants/"+tenantID+"/policy", update, authHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for policy update, got %d: %s", resp.StatusCode, string(body))
	}

	record := map[string]any{"call_id": "e2e-block-1", "seconds_used": 120}
	resp, body = doJSON(t, http.MethodPost, env.baseURL+"/v1/usage/record", record, authHeaders())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 for exhausting record, got %d: %s", resp.StatusCode, string(body))
	}

	resp, body = doJSON(t, http.MethodGet, env.baseURL+"/v1/usage/check", nil, authHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for admission check, got %d: %s", resp.StatusCode, string(body))
	}
	var admission struct {
		CanProceed bool `json:"can_proceed"`
	}
	decodeBody(t, body, &admission)
	if admission.CanProceed {
		t.Fatalf("expected admission denied after included minutes exhausted")
	}

	resp, body = doJSON(t, http.MethodPost, env.baseURL+"/v1/usage/record",
		map[string]any{"call_id": "e2e-block-2", "seconds_used": 60}, authHeaders())
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for blocked tenant, got %d: %s", resp.StatusCode, string(body))
	}
	var payload struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decodeBody(t, body, &payload)
	if payload.Error.Code != "TENANT_BLOCKED" {
		t.Fatalf("expected TENANT_BLOCKED, got %s", payload.Error.Code)
	}
}

func TestE2E_TenantProvisioning(t *testing.T) {
	resetDatabase(t, env.db)

	create := map[string]any{
		"name":          "Acme Voice",
		"slug":          "acme-voice",
		"plan_code":     "starter",
		"timezone_name": "UTC",
	}
	resp, body := doJSON(t, http.MethodPost, env.baseURL+"/admin/tenants", create, authHeaders())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 for tenant create, got %d: %s", resp.StatusCode, string(body))
	}
	var created struct {
		ID string `json:"id"`
	}
	decodeBody(t, body, &created)
	if created.ID == "" {
		t.Fatalf("expected tenant id in response")
	}

	// The outbox consumer seeds the policy and opens the first period.
	if err := env.scheduler.ProvisionConsumerJob(context.Background()); err != nil {
		t.Fatalf("provision consumer: %v", err)
	}

	resp, body = doJSON(t, http.MethodGet, env.baseURL+"/admin/tenants/"+created.ID+"/policy", nil, authHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for provisioned policy, got %d: %s", resp.StatusCode, string(body))
	}
	var policyResp struct {
		IncludedMinutes int64  `json:"included_minutes"`
		OveragePolicy   string `json:"overage_policy"`
	}
	decodeBody(t, body, &policyResp)
	if policyResp.IncludedMinutes != 200 || policyResp.OveragePolicy != "block" {
		t.Fatalf("expected starter plan defaults, got %+v", policyResp)
	}

	var periods int64
	if err := env.db.Raw(
		`SELECT COUNT(*) FROM usage_periods WHERE tenant_id = ?`, created.ID,
	).Scan(&periods).Error; err != nil {
		t.Fatalf("count periods: %v", err)
	}
	if periods != 1 {
		t.Fatalf("expected one opening period, got %d", periods)
	}

	// Duplicate slug is a conflict.
	resp, _ = doJSON(t, http.MethodPost, env.baseURL+"/admin/tenants", create, authHeaders())
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate slug, got %d", resp.StatusCode)
	}
}

func TestE2E_APIKeyLifecycle(t *testing.T) {
	resetDatabase(t, env.db)

	createReq := map[string]any{
		"name":   "ingest",
		"scopes": []string{"usage:write", "usage:read"},
	}
	resp, body := doJSON(t, http.MethodPost, env.baseURL+"/admin/api-keys", createReq, authHeaders())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 for key create, got %d: %s", resp.StatusCode, string(body))
	}
	var secret struct {
		KeyID  string `json:"key_id"`
		APIKey string `json:"api_key"`
	}
	decodeBody(t, body, &secret)
	if secret.APIKey == "" {
		t.Fatalf("expected raw api key in create response")
	}

	ingestHeaders := map[string]string{"Authorization": "Bearer " + secret.APIKey}
	resp, body = doJSON(t, http.MethodPost, env.baseURL+"/v1/usage/record",
		map[string]any{"call_id": "e2e-key-1", "seconds_used": 60}, ingestHeaders)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 with scoped key, got %d: %s", resp.StatusCode, string(body))
	}

	// A usage-scoped key cannot touch the admin surface.
	resp, _ = doJSON(t, http.MethodGet, env.baseURL+"/admin/tenants", nil, ingestHeaders)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin key on admin surface, got %d", resp.StatusCode)
	}

	resp, body = doJSON(t, http.MethodPost, env.baseURL+"/admin/api-keys/"+secret.KeyID+"/rotate", nil, authHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for rotate, got %d: %s", resp.StatusCode, string(body))
	}
	var rotated struct {
		KeyID  string `json:"key_id"`
		APIKey string `json:"api_key"`
	}
	decodeBody(t, body, &rotated)

	// The old secret keeps working during the rotation grace window and the
	// new one is live immediately.
	resp, _ = doJSON(t, http.MethodGet, env.baseURL+"/v1/usage/check", nil, ingestHeaders)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for key in rotation grace window, got %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodGet, env.baseURL+"/v1/usage/check", nil, map[string]string{
		"Authorization": "Bearer " + rotated.APIKey,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for rotated key, got %d", resp.StatusCode)
	}

	// Revocation is immediate, for both generations.
	for _, keyID := range []string{secret.KeyID, rotated.KeyID} {
		resp, _ = doJSON(t, http.MethodPost, env.baseURL+"/admin/api-keys/"+keyID+"/revoke", nil, authHeaders())
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200 for revoke of %s, got %d", keyID, resp.StatusCode)
		}
	}
	resp, _ = doJSON(t, http.MethodGet, env.baseURL+"/v1/usage/check", nil, ingestHeaders)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for revoked key, got %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodGet, env.baseURL+"/v1/usage/check", nil, map[string]string{
		"Authorization": "Bearer " + rotated.APIKey,
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for revoked rotated key, got %d", resp.StatusCode)
	}
}
