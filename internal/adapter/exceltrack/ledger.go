// Package exceltrack implements the tracking-sink port as an Excel
// ledger workbook. One row per invoice, keyed by invoice id; Upsert
// rewrites the row in place so repeated writes stay idempotent.
package exceltrack

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/garyjia/invoice-orchestrator/internal/port"
)

const sheetName = "Invoices"

var headers = []string{
	"Invoice ID", "Vendor", "Invoice Number", "Invoice Date", "Due Date",
	"Total Amount", "Currency", "Status", "Approver", "Cost Center",
	"Reason", "Transaction ID",
}

// Ledger writes invoice tracking rows into an Excel workbook.
type Ledger struct {
	path   string
	logger *zap.Logger

	// The workbook is a single shared file; writes are serialized.
	mu sync.Mutex
}

// NewLedger opens or creates the ledger workbook at path.
func NewLedger(path string, logger *zap.Logger) (*Ledger, error) {
	l := &Ledger{path: path, logger: logger}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := l.createWorkbook(); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func (l *Ledger) createWorkbook() error {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(sheetName)
	if err != nil {
		return fmt.Errorf("failed to create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		l.logger.Warn("Failed to remove default sheet", zap.Error(err))
	}

	for col, header := range headers {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return fmt.Errorf("failed to build header cell: %w", err)
		}
		if err := f.SetCellValue(sheetName, cell, header); err != nil {
			return fmt.Errorf("failed to write header: %w", err)
		}
	}

	if err := f.SaveAs(l.path); err != nil {
		return fmt.Errorf("failed to save ledger: %w", err)
	}

	l.logger.Info("Created tracking ledger", zap.String("path", l.path))
	return nil
}

// Upsert writes the row for the invoice, replacing an existing one. The
// returned reference is the row's cell range in the workbook.
func (l *Ledger) Upsert(ctx context.Context, row port.TrackingRow) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := excelize.OpenFile(l.path)
	if err != nil {
		return "", fmt.Errorf("failed to open ledger: %w", err)
	}
	defer f.Close()

	rowNum, err := l.findRow(f, row.InvoiceID)
	if err != nil {
		return "", err
	}

	values := []interface{}{
		row.InvoiceID, row.Vendor, row.InvoiceNumber, row.InvoiceDate, row.DueDate,
		row.TotalAmount, row.Currency, row.Status, row.Approver, row.CostCenter,
		row.Reason, row.TransactionID,
	}
	for col, v := range values {
		cell, err := excelize.CoordinatesToCellName(col+1, rowNum)
		if err != nil {
			return "", fmt.Errorf("failed to build cell name: %w", err)
		}
		if err := f.SetCellValue(sheetName, cell, v); err != nil {
			return "", fmt.Errorf("failed to set cell: %w", err)
		}
	}

	if err := f.Save(); err != nil {
		return "", fmt.Errorf("failed to save ledger: %w", err)
	}

	ref := fmt.Sprintf("%s!A%d", sheetName, rowNum)
	l.logger.Info("Tracking row written",
		zap.String("invoice_id", row.InvoiceID),
		zap.String("status", row.Status),
		zap.String("ref", ref))
	return ref, nil
}

// findRow returns the row number holding the invoice id, or the first
// free row when the invoice is new.
func (l *Ledger) findRow(f *excelize.File, invoiceID string) (int, error) {
	rows, err := f.GetRows(sheetName)
	if err != nil {
		return 0, fmt.Errorf("failed to read ledger rows: %w", err)
	}

	for i, r := range rows {
		if i == 0 {
			continue // header
		}
		if len(r) > 0 && r[0] == invoiceID {
			return i + 1, nil
		}
	}
	return len(rows) + 1, nil
}
