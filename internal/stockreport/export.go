package stockreport

import (
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/forge-erp/forge-erp/internal/valuation"
)

// ContentTypeXLSX is the media type of the spreadsheet exports.
const ContentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

var statementHeader = []any{
	"Code", "Name", "Category", "Unit",
	"Opening Qty", "Opening Rate", "Opening Amount",
	"Receipt Qty", "Receipt Rate", "Receipt Amount",
	"Issue Qty", "Issue Rate", "Issue Amount",
	"Closing Qty", "Closing Rate", "Closing Amount",
	"Shortfall", "Flagged", "Notes",
}

// WriteStatementXLSX renders a statement with a grand-total row.
func WriteStatementXLSX(w io.Writer, sheet string, st valuation.Statement) error {
	rows := make([][]any, 0, len(st.Rows)+1)
	for _, r := range st.Rows {
		rows = append(rows, statementCells(r))
	}
	rows = append(rows, totalCells(st.Total, 0))
	return writeSheet(w, sheet, statementHeader, rows)
}

// WriteFinishedGoodsXLSX renders the finished-goods report with bag counts.
func WriteFinishedGoodsXLSX(w io.Writer, rep FinishedGoodsReport) error {
	header := append(append([]any{}, statementHeader...), "Unit Weight", "Bags")
	rows := make([][]any, 0, len(rep.Rows)+1)
	for _, r := range rep.Rows {
		rows = append(rows, append(statementCells(r.Row), num(r.UnitWeight), num(r.Bags)))
	}
	rows = append(rows, totalCells(rep.Total, 2))
	return writeSheet(w, "Finished Goods", header, rows)
}

// WriteMovementXLSX renders the movement report.
func WriteMovementXLSX(w io.Writer, lines []MovementLine) error {
	header := []any{"Date", "Txn", "Code", "Name", "Kind", "Reference", "Reference ID", "Qty", "Rate", "Amount", "Shortfall", "Balance Qty", "Balance Value", "Remarks"}
	rows := make([][]any, 0, len(lines))
	for _, l := range lines {
		remarks := l.Remarks
		if l.Error != "" {
			remarks = l.Error
		}
		rows = append(rows, []any{
			l.Date.Format(time.DateOnly), l.TransactionID, l.Code, l.Name, l.Kind, string(l.ReferenceType), l.ReferenceID,
			num(l.Quantity), num(l.Rate), num(l.Amount), num(l.Shortfall), num(l.BalanceQty), num(l.BalanceValue), remarks,
		})
	}
	return writeSheet(w, "Movement", header, rows)
}

func statementCells(r valuation.Row) []any {
	notes := r.Error
	for _, w := range r.Warnings {
		if notes != "" {
			notes += "; "
		}
		notes += w
	}
	return []any{
		r.Code, r.Name, string(r.Category), r.Unit,
		num(r.Opening.Quantity), num(r.Opening.Rate), num(r.Opening.Amount),
		num(r.Receipts.Quantity), num(r.Receipts.Rate), num(r.Receipts.Amount),
		num(r.Issues.Quantity), num(r.Issues.Rate), num(r.Issues.Amount),
		num(r.Closing.Quantity), num(r.Closing.Rate), num(r.Closing.Amount),
		num(r.Shortfall), r.Flagged, notes,
	}
}

func totalCells(t valuation.Totals, pad int) []any {
	cells := []any{
		"TOTAL", "", "", "",
		num(t.Opening.Quantity), num(t.Opening.Rate), num(t.Opening.Amount),
		num(t.Receipts.Quantity), num(t.Receipts.Rate), num(t.Receipts.Amount),
		num(t.Issues.Quantity), num(t.Issues.Rate), num(t.Issues.Amount),
		num(t.Closing.Quantity), num(t.Closing.Rate), num(t.Closing.Amount),
		"", t.Flagged > 0, fmt.Sprintf("%d flagged", t.Flagged),
	}
	for i := 0; i < pad; i++ {
		cells = append(cells, "")
	}
	return cells
}

func num(d decimal.Decimal) float64 {
	return d.InexactFloat64()
}

func writeSheet(w io.Writer, sheet string, header []any, rows [][]any) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return err
	}
	for i := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &rows[i]); err != nil {
			return err
		}
	}
	if err := f.SetPanes(sheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"}); err != nil {
		return err
	}
	return f.Write(w)
}
