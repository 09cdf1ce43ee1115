package exceltrack

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/garyjia/invoice-orchestrator/internal/port"
)

func testRow(id, status string) port.TrackingRow {
	return port.TrackingRow{
		InvoiceID:     id,
		Vendor:        "Acme Corp",
		InvoiceNumber: "INV-1001",
		InvoiceDate:   "2025-05-30",
		DueDate:       "2025-06-30",
		TotalAmount:   1250.50,
		Currency:      "USD",
		Status:        status,
	}
}

func TestLedgerCreatesWorkbook(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.xlsx")

	_, err := NewLedger(path, zap.NewNop())
	require.NoError(t, err)

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	got, err := f.GetCellValue(sheetName, "A1")
	require.NoError(t, err)
	assert.Equal(t, "Invoice ID", got)
}

func TestLedgerUpsertIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.xlsx")
	ledger, err := NewLedger(path, zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()

	ref1, err := ledger.Upsert(ctx, testRow("inv-1", "staged"))
	require.NoError(t, err)
	assert.Equal(t, "Invoices!A2", ref1)

	// Same invoice again: same row, new status.
	ref2, err := ledger.Upsert(ctx, testRow("inv-1", "approved"))
	require.NoError(t, err)
	assert.Equal(t, ref1, ref2)

	// A second invoice lands on the next row.
	ref3, err := ledger.Upsert(ctx, testRow("inv-2", "staged"))
	require.NoError(t, err)
	assert.Equal(t, "Invoices!A3", ref3)

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(sheetName)
	require.NoError(t, err)
	require.Len(t, rows, 3) // header + two invoices

	status, err := f.GetCellValue(sheetName, "H2")
	require.NoError(t, err)
	assert.Equal(t, "approved", status)
}
