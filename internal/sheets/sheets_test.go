package sheets

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"testing"

	"google.golang.org/api/googleapi"

	"github.com/psds-microservice/appeal-service/internal/errs"
)

func TestColumnLetter(t *testing.T) {
	cases := map[int]string{0: "A", 7: "H", 25: "Z", 26: "AA", 27: "AB", 701: "ZZ", 702: "AAA"}
	for in, want := range cases {
		if got := ColumnLetter(in); got != want {
			t.Fatalf("ColumnLetter(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestRangeA1(t *testing.T) {
	if got := RowsRange(2, 0, 8).A1("Appeals"); got != "'Appeals'!A2:H" {
		t.Fatalf("unexpected A1: %s", got)
	}
	if got := (Range{FromRow: 5, ToRow: 5, FromCol: 3, ToCol: 4}).A1("It's"); got != "'It''s'!D5:E5" {
		t.Fatalf("unexpected A1: %s", got)
	}
	if got := CellA1("Appeals", 3, 6); got != "'Appeals'!G3" {
		t.Fatalf("unexpected cell: %s", got)
	}
}

func TestRowFromA1(t *testing.T) {
	row, err := rowFromA1("'Appeals'!A12:H12")
	if err != nil || row != 12 {
		t.Fatalf("rowFromA1: %d, %v", row, err)
	}
	if _, err := rowFromA1("garbage!"); !errors.Is(err, errs.ErrMalformed) {
		t.Fatalf("expected malformed, got %v", err)
	}
}

func TestClassifyGoogleErrors(t *testing.T) {
	cases := []struct {
		code int
		want error
	}{
		{http.StatusTooManyRequests, errs.ErrThrottled},
		{http.StatusServiceUnavailable, errs.ErrUnavailable},
		{http.StatusBadRequest, errs.ErrMalformed},
		{http.StatusNotFound, errs.ErrMalformed},
		{http.StatusUnauthorized, errs.ErrAccessDenied},
		{http.StatusForbidden, errs.ErrAccessDenied},
	}
	for _, tc := range cases {
		err := classify(&googleapi.Error{Code: tc.code, Message: "x"})
		if !errors.Is(err, tc.want) {
			t.Fatalf("code %d: got %v, want %v", tc.code, err, tc.want)
		}
	}
	if err := classify(&googleapi.Error{Code: http.StatusForbidden}); errs.IsTransient(err) {
		t.Fatalf("revoked credentials must not be retried")
	}
	if err := classify(fmt.Errorf("dial: %w", errors.New("connection refused"))); !errors.Is(err, errs.ErrUnavailable) {
		t.Fatalf("transport errors are unavailable, got %v", err)
	}
	if err := classify(context.Canceled); !errors.Is(err, context.Canceled) {
		t.Fatalf("context errors pass through, got %v", err)
	}
}

func TestMemoryReadRangeDoesNotPad(t *testing.T) {
	m := NewMemory()
	m.Seed("T", []string{"h1", "h2"}, []string{"a", "b", ""}, []string{"c"})
	ctx := context.Background()

	rows, err := m.ReadRange(ctx, "T", RowsRange(2, 10, 3))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := [][]string{{"a", "b"}, {"c"}}
	if !reflect.DeepEqual(rows, want) {
		t.Fatalf("got %#v, want %#v", rows, want)
	}

	rows, err = m.ReadRange(ctx, "T", RowsRange(9, 0, 3))
	if err != nil || len(rows) != 0 {
		t.Fatalf("expected no rows past the extent, got %#v, %v", rows, err)
	}

	if _, err := m.ReadRange(ctx, "missing", RowsRange(1, 0, 1)); !errors.Is(err, errs.ErrMalformed) {
		t.Fatalf("expected malformed for unknown table, got %v", err)
	}
	if _, err := m.ReadRange(ctx, "T", Range{FromRow: 0, ToCol: 1}); !errors.Is(err, errs.ErrMalformed) {
		t.Fatalf("expected malformed range, got %v", err)
	}
}

func TestMemoryWriteAppendDelete(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.Seed("T", []string{"header"})

	row, err := m.AppendRow(ctx, "T", []string{"x", "y"})
	if err != nil || row != 2 {
		t.Fatalf("append: %d, %v", row, err)
	}
	if err := m.WriteCell(ctx, "T", 2, 4, "z"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := m.Cell("T", 2, 4); got != "z" {
		t.Fatalf("cell = %q", got)
	}
	m.DeleteRow("T", 2)
	if m.Len("T") != 1 {
		t.Fatalf("expected row to be deleted")
	}
}

func TestTableKey(t *testing.T) {
	tbl := Table{Name: "T", Columns: 3, HeaderRows: 1, KeyCols: []int{0, 2}}
	if got := tbl.Key([]string{" ABC ", "x"}); !reflect.DeepEqual(got, []string{"abc", ""}) {
		t.Fatalf("unexpected key %#v", got)
	}
	if tbl.FirstDataRow() != 2 {
		t.Fatalf("unexpected first data row")
	}
}
