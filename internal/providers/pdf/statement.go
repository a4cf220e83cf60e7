package pdf

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
)

type PDFProvider struct{}

func New() Provider {
	return &PDFProvider{}
}

func (p *PDFProvider) GenerateStatement(ctx context.Context, data StatementData) (io.Reader, error) {
	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	m.AddRow(14,
		text.NewCol(12, "Overage Statement", props.Text{
			Size:  20,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
	)

	m.AddRow(24,
		col.New(6).Add(
			text.New("Statement number: "+data.StatementNumber, props.Text{Top: 0}),
			text.New("Date of issue: "+data.IssueDate, props.Text{Top: 4}),
			text.New("Billing period: "+data.PeriodStart+" - "+data.PeriodEnd, props.Text{Top: 8}),
			text.New("Status: "+data.BillingStatus, props.Text{Top: 12}),
		),
		col.New(6).Add(
			text.New(data.TenantName, props.Text{Style: fontstyle.Bold}),
			text.New("Currency: "+data.Currency, props.Text{Top: 5}),
		),
	)

	m.AddRow(15,
		text.NewCol(12, "Amount due: "+data.AmountDue, props.Text{
			Size:  14,
			Style: fontstyle.Bold,
			Top:   5,
		}),
	)

	// Table Header
	m.AddRow(10,
		text.NewCol(6, "Description", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(2, "Minutes", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
		text.NewCol(2, "Unit price", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
		text.NewCol(2, "Amount", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)

	m.AddRow(15,
		text.NewCol(6, "Included voice minutes", props.Text{Size: 9}),
		text.NewCol(2, fmt.Sprintf("%d / %d", data.IncludedMinutesUsed, data.IncludedMinutes), props.Text{Size: 9, Align: align.Right}),
		text.NewCol(2, "-", props.Text{Size: 9, Align: align.Right}),
		text.NewCol(2, "0.00", props.Text{Size: 9, Align: align.Right}),
	)
	m.AddRow(15,
		text.NewCol(6, "Overage voice minutes", props.Text{Size: 9}),
		text.NewCol(2, fmt.Sprintf("%d", data.OverageMinutes), props.Text{Size: 9, Align: align.Right}),
		text.NewCol(2, data.OverageUnitPrice, props.Text{Size: 9, Align: align.Right}),
		text.NewCol(2, data.OverageCharge, props.Text{Size: 9, Align: align.Right}),
	)

	m.AddRow(10,
		col.New(8),
		text.NewCol(2, "Total calls", props.Text{Size: 9}),
		text.NewCol(2, fmt.Sprintf("%d", data.TotalCalls), props.Text{Size: 9, Align: align.Right}),
	)
	m.AddRow(10,
		col.New(8),
		text.NewCol(2, "Amount due", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(2, data.AmountDue, props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)

	if data.PaidAt != "" {
		m.AddRow(12,
			text.NewCol(12, "Paid on "+data.PaidAt+" (ref "+data.BillingReferenceID+")", props.Text{
				Size: 9,
				Top:  4,
			}),
		)
	}

	doc, err := m.Generate()
	if err != nil {
		return nil, err
	}

	return bytes.NewReader(doc.GetBytes()), nil
}
