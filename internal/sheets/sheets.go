// Package sheets holds the raw tabular store backends: Google Sheets, a
// Postgres table emulating a sheet, and an in-memory sheet for tests.
// Nothing outside internal/gateway should call a Backend directly.
package sheets

import (
	"context"
	"fmt"
	"strings"
)

// Backend — сырой доступ к таблицам без ретраев и кеша.
// Errors are classified with the errs sentinels (ErrThrottled, ErrUnavailable,
// ErrMalformed) so the gateway can decide what to retry.
type Backend interface {
	ReadRange(ctx context.Context, table string, r Range) ([][]string, error)
	WriteCell(ctx context.Context, table string, row, col int, value string) error
	AppendRow(ctx context.Context, table string, values []string) (int, error)
}

// Range selects rows [FromRow, ToRow] (1-based, as in the sheet UI) and
// columns [FromCol, ToCol] (0-based). ToRow 0 means "to the last row".
type Range struct {
	FromRow int
	ToRow   int
	FromCol int
	ToCol   int
}

// RowsRange covers whole rows of a table with cols columns.
func RowsRange(from, to, cols int) Range {
	return Range{FromRow: from, ToRow: to, FromCol: 0, ToCol: cols - 1}
}

func (r Range) Validate() error {
	if r.FromRow < 1 || (r.ToRow != 0 && r.ToRow < r.FromRow) || r.FromCol < 0 || r.ToCol < r.FromCol {
		return fmt.Errorf("invalid range %+v", r)
	}
	return nil
}

// A1 renders the range in A1 notation, e.g. 'Appeals'!A2:H.
func (r Range) A1(table string) string {
	var b strings.Builder
	b.WriteString(quoteTable(table))
	b.WriteByte('!')
	b.WriteString(ColumnLetter(r.FromCol))
	fmt.Fprintf(&b, "%d:", r.FromRow)
	b.WriteString(ColumnLetter(r.ToCol))
	if r.ToRow > 0 {
		fmt.Fprintf(&b, "%d", r.ToRow)
	}
	return b.String()
}

// CellA1 renders a single cell address.
func CellA1(table string, row, col int) string {
	return fmt.Sprintf("%s!%s%d", quoteTable(table), ColumnLetter(col), row)
}

// ColumnLetter converts a 0-based column index to its letter (0 → A, 26 → AA).
func ColumnLetter(col int) string {
	var out []byte
	for col >= 0 {
		out = append([]byte{byte('A' + col%26)}, out...)
		col = col/26 - 1
	}
	return string(out)
}

func quoteTable(table string) string {
	return "'" + strings.ReplaceAll(table, "'", "''") + "'"
}

// Table describes a logical table: its sheet name, width, header rows and
// the columns that identify a row.
type Table struct {
	Name       string
	Columns    int
	HeaderRows int
	KeyCols    []int
}

// FirstDataRow is the first row after the header.
func (t Table) FirstDataRow() int {
	return t.HeaderRows + 1
}

// DataRange covers every data row of the table.
func (t Table) DataRange() Range {
	return RowsRange(t.FirstDataRow(), 0, t.Columns)
}

// Key extracts the key columns of a row, trimmed and case-folded.
func (t Table) Key(cells []string) []string {
	key := make([]string, len(t.KeyCols))
	for i, c := range t.KeyCols {
		if c < len(cells) {
			key[i] = NormalizeCell(cells[c])
		}
	}
	return key
}

// NormalizeCell trims and case-folds a cell for comparisons.
func NormalizeCell(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// sliceRows applies the column window of r to rows already cut to r's rows.
func sliceRows(rows [][]string, r Range) [][]string {
	out := make([][]string, 0, len(rows))
	for _, row := range rows {
		var cells []string
		for c := r.FromCol; c <= r.ToCol && c < len(row); c++ {
			cells = append(cells, row[c])
		}
		out = append(out, trimTrailingEmpty(cells))
	}
	for len(out) > 0 && len(out[len(out)-1]) == 0 {
		out = out[:len(out)-1]
	}
	return out
}

func trimTrailingEmpty(cells []string) []string {
	n := len(cells)
	for n > 0 && cells[n-1] == "" {
		n--
	}
	return cells[:n]
}
