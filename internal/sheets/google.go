package sheets

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	sheetsapi "google.golang.org/api/sheets/v4"

	"github.com/psds-microservice/appeal-service/internal/errs"
)

// Google — Backend поверх Google Sheets API v4.
type Google struct {
	spreadsheetID string
	values        *sheetsapi.SpreadsheetsValuesService
}

// NewGoogle connects with a service-account credentials file.
func NewGoogle(ctx context.Context, spreadsheetID, credentialsFile string) (*Google, error) {
	if spreadsheetID == "" {
		return nil, errors.New("sheets: spreadsheet id is required")
	}
	svc, err := sheetsapi.NewService(ctx,
		option.WithCredentialsFile(credentialsFile),
		option.WithScopes(sheetsapi.SpreadsheetsScope),
	)
	if err != nil {
		return nil, fmt.Errorf("sheets: new service: %w", err)
	}
	return &Google{spreadsheetID: spreadsheetID, values: svc.Spreadsheets.Values}, nil
}

func (g *Google) ReadRange(ctx context.Context, table string, r Range) ([][]string, error) {
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrMalformed, err)
	}
	resp, err := g.values.Get(g.spreadsheetID, r.A1(table)).
		ValueRenderOption("FORMATTED_VALUE").
		Context(ctx).
		Do()
	if err != nil {
		return nil, classify(err)
	}
	out := make([][]string, 0, len(resp.Values))
	for _, row := range resp.Values {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = fmt.Sprint(v)
		}
		out = append(out, cells)
	}
	return out, nil
}

func (g *Google) WriteCell(ctx context.Context, table string, row, col int, value string) error {
	if row < 1 || col < 0 {
		return fmt.Errorf("%w: cell %d/%d", errs.ErrMalformed, row, col)
	}
	vr := &sheetsapi.ValueRange{Values: [][]interface{}{{value}}}
	_, err := g.values.Update(g.spreadsheetID, CellA1(table, row, col), vr).
		ValueInputOption("RAW").
		Context(ctx).
		Do()
	if err != nil {
		return classify(err)
	}
	return nil
}

func (g *Google) AppendRow(ctx context.Context, table string, values []string) (int, error) {
	row := make([]interface{}, len(values))
	for i, v := range values {
		row[i] = v
	}
	vr := &sheetsapi.ValueRange{Values: [][]interface{}{row}}
	resp, err := g.values.Append(g.spreadsheetID, RowsRange(1, 0, len(values)).A1(table), vr).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return 0, classify(err)
	}
	if resp.Updates == nil {
		return 0, fmt.Errorf("%w: append returned no updated range", errs.ErrMalformed)
	}
	return rowFromA1(resp.Updates.UpdatedRange)
}

// rowFromA1 extracts the first row number from a range like 'Appeals'!A12:H12.
func rowFromA1(a1 string) (int, error) {
	if i := strings.LastIndexByte(a1, '!'); i >= 0 {
		a1 = a1[i+1:]
	}
	if i := strings.IndexByte(a1, ':'); i >= 0 {
		a1 = a1[:i]
	}
	digits := strings.TrimLeft(a1, "ABCDEFGHIJKLMNOPQRSTUVWXYZ$")
	n, err := strconv.Atoi(digits)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: bad updated range %q", errs.ErrMalformed, a1)
	}
	return n, nil
}

func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %v", errs.ErrThrottled, err)
		case gerr.Code >= 500:
			return fmt.Errorf("%w: %v", errs.ErrUnavailable, err)
		case gerr.Code == http.StatusUnauthorized, gerr.Code == http.StatusForbidden:
			return fmt.Errorf("%w: %v", errs.ErrAccessDenied, err)
		case gerr.Code >= 400:
			return fmt.Errorf("%w: %v", errs.ErrMalformed, err)
		}
	}
	return fmt.Errorf("%w: %v", errs.ErrUnavailable, err)
}
