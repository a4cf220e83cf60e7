package cache

import (
	"strings"
	"time"

	plandomain "github.com/smallbiznis/voxbill/internal/plan/domain"
	policydomain "github.com/smallbiznis/voxbill/internal/policy/domain"
	tenantdomain "github.com/smallbiznis/voxbill/internal/tenant/domain"
)

const (
	defaultTenantTTL = 45 * time.Second
	defaultPolicyTTL = 15 * time.Second
	defaultPlanTTL   = 10 * time.Minute
)

// AdmissionCache stores the static lookups on the admission hot path:
// tenant, voice policy and plan rows. Usage counters are never cached;
// the admission gate reads those from the ledger every time.
type AdmissionCache interface {
	GetTenant(tenantID string) (*tenantdomain.Tenant, bool)
	SetTenant(tenantID string, tenant *tenantdomain.Tenant)
	GetPolicy(tenantID string) (*policydomain.TenantVoicePolicy, bool)
	SetPolicy(tenantID string, policy *policydomain.TenantVoicePolicy)
	GetPlan(code string) (*plandomain.Plan, bool)
	SetPlan(code string, plan *plandomain.Plan)
	InvalidateTenant(tenantID string)
}

type admissionCache struct {
	tenants  Cache[string, *tenantdomain.Tenant]
	policies Cache[string, *policydomain.TenantVoicePolicy]
	plans    Cache[string, *plandomain.Plan]

	tenantTTL time.Duration
	policyTTL time.Duration
	planTTL   time.Duration
}

// NewAdmissionCache returns an in-memory cache tuned for the admission gate.
func NewAdmissionCache() AdmissionCache {
	return &admissionCache{
		tenants:   NewTTLCache[string, *tenantdomain.Tenant](),
		policies:  NewTTLCache[string, *policydomain.TenantVoicePolicy](),
		plans:     NewTTLCache[string, *plandomain.Plan](),
		tenantTTL: defaultTenantTTL,
		policyTTL: defaultPolicyTTL,
		planTTL:   defaultPlanTTL,
	}
}

func (c *admissionCache) GetTenant(tenantID string) (*tenantdomain.Tenant, bool) {
	return c.tenants.Get(cacheKey(tenantID))
}

func (c *admissionCache) SetTenant(tenantID string, tenant *tenantdomain.Tenant) {
	if tenant == nil {
		return
	}
	c.tenants.Set(cacheKey(tenantID), tenant, c.tenantTTL)
}

func (c *admissionCache) GetPolicy(tenantID string) (*policydomain.TenantVoicePolicy, bool) {
	return c.policies.Get(cacheKey(tenantID))
}

func (c *admissionCache) SetPolicy(tenantID string, policy *policydomain.TenantVoicePolicy) {
	if policy == nil {
		return
	}
	c.policies.Set(cacheKey(tenantID), policy, c.policyTTL)
}

func (c *admissionCache) GetPlan(code string) (*plandomain.Plan, bool) {
	return c.plans.Get(cacheKey(code))
}

func (c *admissionCache) SetPlan(code string, plan *plandomain.Plan) {
	if plan == nil {
		return
	}
	c.plans.Set(cacheKey(code), plan, c.planTTL)
}

func (c *admissionCache) InvalidateTenant(tenantID string) {
	key := cacheKey(tenantID)
	c.tenants.Delete(key)
	c.policies.Delete(key)
}

func cacheKey(part string) string {
	return strings.ToLower(strings.TrimSpace(part))
}
