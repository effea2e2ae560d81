package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/forge-erp/forge-erp/internal/ledger"
	"github.com/forge-erp/forge-erp/internal/stockreport"
	"github.com/forge-erp/forge-erp/internal/valuation"
)

// ExitFlagged is returned when at least one statement row is flagged.
const ExitFlagged = 10

// StatementSource produces FIFO statements.
type StatementSource interface {
	FIFOStatement(ctx context.Context, r stockreport.Range, category *ledger.Category) (valuation.Statement, error)
}

// LedgerVerifyOptions defines the flags of the ledger verify command.
type LedgerVerifyOptions struct {
	From       string
	To         string
	Category   string
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// LedgerVerifySummary is the JSON output of ledger verify.
type LedgerVerifySummary struct {
	OK      bool             `json:"ok"`
	From    string           `json:"from,omitempty"`
	To      string           `json:"to,omitempty"`
	Items   int              `json:"items"`
	Flagged []FlaggedItem    `json:"flagged"`
	Total   valuation.Totals `json:"total"`
}

// FlaggedItem reports one suspicious statement row.
type FlaggedItem struct {
	ItemID            int64    `json:"item_id"`
	Code              string   `json:"code"`
	Shortfall         string   `json:"shortfall"`
	DiscrepancyQty    string   `json:"discrepancy_qty"`
	DiscrepancyAmount string   `json:"discrepancy_amount"`
	Warnings          []string `json:"warnings,omitempty"`
	Error             string   `json:"error,omitempty"`
}

// LedgerCLI verifies ledger statements.
type LedgerCLI struct {
	source StatementSource
}

// NewLedgerCLI builds the helper.
func NewLedgerCLI(source StatementSource) *LedgerCLI {
	return &LedgerCLI{source: source}
}

// VerifyCommand replays every item in range and reports flagged rows.
func (c *LedgerCLI) VerifyCommand(ctx context.Context, opts LedgerVerifyOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	var r stockreport.Range
	var err error
	if r.From, err = parseOptionalDate(opts.From); err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "ledger verify: invalid --from %q (expected YYYY-MM-DD)\n", opts.From)
		return 1
	}
	if r.To, err = parseOptionalDate(opts.To); err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "ledger verify: invalid --to %q (expected YYYY-MM-DD)\n", opts.To)
		return 1
	}
	if !r.From.IsZero() && !r.To.IsZero() && r.From.After(r.To) {
		_, _ = fmt.Fprintln(opts.Stderr, "ledger verify: --from is after --to")
		return 1
	}
	var category *ledger.Category
	if opts.Category != "" {
		cat, err := ledger.ParseCategory(strings.ToUpper(opts.Category))
		if err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "ledger verify: %v\n", err)
			return 1
		}
		category = &cat
	}

	st, err := c.source.FIFOStatement(ctx, r, category)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "ledger verify: %v\n", err)
		return 1
	}
	summary := buildVerifySummary(opts, st)
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "ledger verify: encode json: %v\n", err)
			return 1
		}
	} else {
		renderVerifyHuman(opts.Stdout, summary)
	}
	if !summary.OK {
		return ExitFlagged
	}
	return 0
}

func parseOptionalDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.DateOnly, raw)
}

func buildVerifySummary(opts LedgerVerifyOptions, st valuation.Statement) LedgerVerifySummary {
	flagged := make([]FlaggedItem, 0)
	for _, row := range st.Rows {
		if !row.Flagged {
			continue
		}
		flagged = append(flagged, FlaggedItem{
			ItemID:            row.ItemID,
			Code:              row.Code,
			Shortfall:         row.Shortfall.String(),
			DiscrepancyQty:    row.DiscrepancyQty.String(),
			DiscrepancyAmount: row.DiscrepancyAmount.String(),
			Warnings:          row.Warnings,
			Error:             row.Error,
		})
	}
	return LedgerVerifySummary{
		OK:      len(flagged) == 0,
		From:    strings.TrimSpace(opts.From),
		To:      strings.TrimSpace(opts.To),
		Items:   len(st.Rows),
		Flagged: flagged,
		Total:   st.Total,
	}
}

func renderVerifyHuman(out io.Writer, s LedgerVerifySummary) {
	_, _ = fmt.Fprintf(out, "Ledger verification: %d item(s), closing %s at %s\n", s.Items, s.Total.Closing.Quantity, s.Total.Closing.Amount)
	if s.OK {
		_, _ = fmt.Fprintln(out, "No flagged rows.")
		return
	}
	_, _ = fmt.Fprintf(out, "%d flagged row(s):\n", len(s.Flagged))
	for _, f := range s.Flagged {
		_, _ = fmt.Fprintf(out, " - %d %s shortfall=%s discrepancy=%s/%s", f.ItemID, f.Code, f.Shortfall, f.DiscrepancyQty, f.DiscrepancyAmount)
		if f.Error != "" {
			_, _ = fmt.Fprintf(out, " error=%s", f.Error)
		}
		if len(f.Warnings) > 0 {
			_, _ = fmt.Fprintf(out, " (%s)", strings.Join(f.Warnings, "; "))
		}
		_, _ = fmt.Fprintln(out)
	}
}
