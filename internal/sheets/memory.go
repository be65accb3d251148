package sheets

import (
	"context"
	"fmt"
	"sync"

	"github.com/psds-microservice/appeal-service/internal/errs"
)

// Memory is an in-process sheet. Besides the Backend methods it exposes
// helpers that play the part of a human editing the sheet.
type Memory struct {
	mu     sync.Mutex
	tables map[string][][]string
}

func NewMemory() *Memory {
	return &Memory{tables: make(map[string][][]string)}
}

// Seed appends rows to table, creating it if needed.
func (m *Memory) Seed(table string, rows ...[]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		m.tables[table] = append(m.tables[table], append([]string(nil), r...))
	}
}

func (m *Memory) ReadRange(ctx context.Context, table string, r Range) ([][]string, error) {
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrMalformed, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rows, ok := m.tables[table]
	if !ok {
		return nil, fmt.Errorf("%w: unknown table %q", errs.ErrMalformed, table)
	}
	if r.FromRow > len(rows) {
		return nil, nil
	}
	to := len(rows)
	if r.ToRow > 0 && r.ToRow < to {
		to = r.ToRow
	}
	return sliceRows(copyRows(rows[r.FromRow-1:to]), r), nil
}

func (m *Memory) WriteCell(ctx context.Context, table string, row, col int, value string) error {
	if row < 1 || col < 0 {
		return fmt.Errorf("%w: cell %d/%d", errs.ErrMalformed, row, col)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.SetCell(table, row, col, value)
	return nil
}

func (m *Memory) AppendRow(ctx context.Context, table string, values []string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[table] = append(m.tables[table], append([]string(nil), values...))
	return len(m.tables[table]), nil
}

// SetCell writes a cell, growing the table as the sheet UI would.
func (m *Memory) SetCell(table string, row, col int, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.tables[table]
	for len(rows) < row {
		rows = append(rows, nil)
	}
	cells := rows[row-1]
	for len(cells) <= col {
		cells = append(cells, "")
	}
	cells[col] = value
	rows[row-1] = cells
	m.tables[table] = rows
}

// DeleteRow removes a row, shifting the rows below it up.
func (m *Memory) DeleteRow(table string, row int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.tables[table]
	if row < 1 || row > len(rows) {
		return
	}
	m.tables[table] = append(rows[:row-1], rows[row:]...)
}

// Cell returns a single cell, "" when out of range.
func (m *Memory) Cell(table string, row, col int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.tables[table]
	if row < 1 || row > len(rows) || col >= len(rows[row-1]) {
		return ""
	}
	return rows[row-1][col]
}

// Len returns the number of rows including the header.
func (m *Memory) Len(table string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tables[table])
}

func copyRows(rows [][]string) [][]string {
	out := make([][]string, len(rows))
	for i, r := range rows {
		out[i] = append([]string(nil), r...)
	}
	return out
}
