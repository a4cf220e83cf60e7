package cloudmetrics

import (
	"strings"
	"sync"
)

type Recorder interface {
	RecordMinutes(tenantID string, minutes int64)
	RecordStatementGenerated(tenantID string)
	RecordEngineError(tenantID, operation string)
	SetTenantsTotal(count int64)
	SetMemoryUsage(bytes uint64)
}

type recorder struct {
	metrics         *metrics
	defaultTenantID string
}

type noopRecorder struct{}

func (noopRecorder) RecordMinutes(string, int64) {}

func (noopRecorder) RecordStatementGenerated(string) {}

func (noopRecorder) RecordEngineError(string, string) {}

func (noopRecorder) SetTenantsTotal(int64) {}

func (noopRecorder) SetMemoryUsage(uint64) {}

var (
	activeRecorder Recorder = noopRecorder{}
	recorderMu     sync.RWMutex
)

func setRecorder(rec Recorder) {
	if rec == nil {
		return
	}
	recorderMu.Lock()
	activeRecorder = rec
	recorderMu.Unlock()
}

func current() Recorder {
	recorderMu.RLock()
	rec := activeRecorder
	recorderMu.RUnlock()
	return rec
}

// RecordMinutes counts recorded voice minutes for cloud accounting.
func RecordMinutes(tenantID string, minutes int64) {
	current().RecordMinutes(tenantID, minutes)
}

func RecordStatementGenerated(tenantID string) {
	current().RecordStatementGenerated(tenantID)
}

func RecordEngineError(tenantID, operation string) {
	current().RecordEngineError(tenantID, operation)
}

func SetTenantsTotal(count int64) {
	current().SetTenantsTotal(count)
}

func SetMemoryUsage(bytes uint64) {
	current().SetMemoryUsage(bytes)
}

func (r *recorder) RecordMinutes(tenantID string, minutes int64) {
	if r == nil || r.metrics == nil || minutes <= 0 {
		return
	}
	r.metrics.minutesRecorded.WithLabelValues(r.normalizeTenant(tenantID)).Add(float64(minutes))
}

func (r *recorder) RecordStatementGenerated(tenantID string) {
	if r == nil || r.metrics == nil {
		return
	}
	r.metrics.statementsGenerated.WithLabelValues(r.normalizeTenant(tenantID)).Inc()
}

func (r *recorder) RecordEngineError(tenantID, operation string) {
	if r == nil || r.metrics == nil {
		return
	}
	r.metrics.engineErrors.WithLabelValues(r.normalizeTenant(tenantID), normalizeLabel(operation)).Inc()
}

func (r *recorder) SetTenantsTotal(count int64) {
	if r == nil || r.metrics == nil {
		return
	}
	if count < 0 {
		count = 0
	}
	r.metrics.tenantsTotal.Set(float64(count))
}

func (r *recorder) SetMemoryUsage(bytes uint64) {
	if r == nil || r.metrics == nil {
		return
	}
	r.metrics.memoryBytes.Set(float64(bytes))
}

func (r *recorder) normalizeTenant(tenantID string) string {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		tenantID = strings.TrimSpace(r.defaultTenantID)
	}
	if tenantID == "" {
		return "unknown"
	}
	return tenantID
}

func normalizeLabel(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}
	return value
}
