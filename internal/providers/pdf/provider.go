package pdf

import (
	"context"
	"io"
)

// StatementData is the flattened view of one closed usage period rendered
// into an overage statement. Amounts arrive pre-formatted; the renderer
// does no currency math.
type StatementData struct {
	TenantName      string
	StatementNumber string
	IssueDate       string
	PeriodStart     string
	PeriodEnd       string
	Currency        string

	IncludedMinutes     int64
	IncludedMinutesUsed int64
	OverageMinutes      int64
	TotalCalls          int64

	OverageUnitPrice string
	OverageCharge    string
	AmountDue        string

	BillingStatus      string
	BillingReferenceID string
	PaidAt             string
}

type Provider interface {
	GenerateStatement(ctx context.Context, data StatementData) (io.Reader, error)
}

type NoOpProvider struct{}

func (p *NoOpProvider) GenerateStatement(ctx context.Context, data StatementData) (io.Reader, error) {
	return nil, nil
}
