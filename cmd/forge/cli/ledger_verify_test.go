package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/forge-erp/forge-erp/internal/ledger"
	"github.com/forge-erp/forge-erp/internal/stockreport"
	"github.com/forge-erp/forge-erp/internal/valuation"
	"github.com/forge-erp/forge-erp/jobs"
)

type stubStatements struct {
	st       valuation.Statement
	err      error
	gotRange stockreport.Range
	gotCat   *ledger.Category
}

func (s *stubStatements) FIFOStatement(_ context.Context, r stockreport.Range, category *ledger.Category) (valuation.Statement, error) {
	s.gotRange = r
	s.gotCat = category
	return s.st, s.err
}

func cleanStatement() valuation.Statement {
	return valuation.Statement{
		Rows:  []valuation.Row{{ItemID: 1, Code: "SCRAP"}, {ItemID: 2, Code: "C"}},
		Total: valuation.Totals{},
	}
}

func TestVerifyCommandJSONClean(t *testing.T) {
	src := &stubStatements{st: cleanStatement()}
	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	code := NewLedgerCLI(src).VerifyCommand(context.Background(), LedgerVerifyOptions{
		From:       "2024-01-01",
		To:         "2024-01-31",
		Category:   "mineral",
		JSONOutput: true,
		Stdout:     stdout,
		Stderr:     stderr,
	})
	require.Zero(t, code)
	require.Empty(t, stderr.String())
	require.NotNil(t, src.gotCat)
	require.Equal(t, ledger.CategoryMineral, *src.gotCat)
	require.Equal(t, 31, src.gotRange.To.Day())

	var summary LedgerVerifySummary
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &summary))
	require.True(t, summary.OK)
	require.Equal(t, 2, summary.Items)
	require.Empty(t, summary.Flagged)
}

func TestVerifyCommandFlaggedRows(t *testing.T) {
	st := cleanStatement()
	st.Rows[1].Flagged = true
	st.Rows[1].Shortfall = decimal.RequireFromString("10")
	st.Rows[1].Warnings = []string{"issues exceed available stock by 10"}
	src := &stubStatements{st: st}

	stdout := new(bytes.Buffer)
	code := NewLedgerCLI(src).VerifyCommand(context.Background(), LedgerVerifyOptions{JSONOutput: true, Stdout: stdout, Stderr: new(bytes.Buffer)})
	require.Equal(t, ExitFlagged, code)
	require.Nil(t, src.gotCat)

	var summary LedgerVerifySummary
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &summary))
	require.False(t, summary.OK)
	require.Len(t, summary.Flagged, 1)
	require.Equal(t, "C", summary.Flagged[0].Code)
	require.Equal(t, "10", summary.Flagged[0].Shortfall)

	stdout.Reset()
	code = NewLedgerCLI(src).VerifyCommand(context.Background(), LedgerVerifyOptions{Stdout: stdout, Stderr: new(bytes.Buffer)})
	require.Equal(t, ExitFlagged, code)
	require.Contains(t, stdout.String(), "1 flagged row(s)")
	require.Contains(t, stdout.String(), "issues exceed available stock by 10")
}

func TestVerifyCommandRejectsBadInput(t *testing.T) {
	cases := []LedgerVerifyOptions{
		{From: "01/01/2024"},
		{To: "tomorrow"},
		{From: "2024-02-01", To: "2024-01-01"},
		{Category: "gravel"},
	}
	for _, opts := range cases {
		stderr := new(bytes.Buffer)
		opts.Stdout = new(bytes.Buffer)
		opts.Stderr = stderr
		code := NewLedgerCLI(&stubStatements{}).VerifyCommand(context.Background(), opts)
		require.Equal(t, 1, code)
		require.Contains(t, stderr.String(), "ledger verify:")
	}
}

func TestVerifyCommandSourceError(t *testing.T) {
	stderr := new(bytes.Buffer)
	code := NewLedgerCLI(&stubStatements{err: errors.New("db down")}).VerifyCommand(context.Background(), LedgerVerifyOptions{Stdout: new(bytes.Buffer), Stderr: stderr})
	require.Equal(t, 1, code)
	require.Contains(t, stderr.String(), "db down")
}

func TestBuildTask(t *testing.T) {
	task, err := buildTask(jobs.TaskLedgerSnapshot, TriggerOptions{ItemID: 3, AsOf: "2024-01-31"})
	require.NoError(t, err)
	require.Equal(t, jobs.TaskLedgerSnapshot, task.Type())
	require.JSONEq(t, `{"item_id":3,"as_of":"2024-01-31"}`, string(task.Payload()))

	_, err = buildTask(jobs.TaskLedgerSnapshot, TriggerOptions{AsOf: "bad"})
	require.Error(t, err)

	task, err = buildTask(jobs.TaskIdempotencyPurge, TriggerOptions{RetentionHours: 24})
	require.NoError(t, err)
	require.JSONEq(t, `{"retention_hours":24}`, string(task.Payload()))

	_, err = buildTask("unknown", TriggerOptions{})
	require.Error(t, err)
}
