package service

import (
	"context"

	"github.com/psds-microservice/appeal-service/internal/gateway"
	"github.com/psds-microservice/appeal-service/internal/model"
	"github.com/psds-microservice/appeal-service/internal/sheets"
)

// Store — то, что сервисам нужно от SheetGateway.
type Store interface {
	ReadRow(ctx context.Context, t sheets.Table, row int) ([]string, error)
	WriteCells(ctx context.Context, t sheets.Table, row int, cells ...gateway.Cell) error
	AppendRow(ctx context.Context, t sheets.Table, values []string) (int, error)
	FindRow(ctx context.Context, t sheets.Table, match gateway.Matcher) (int, error)
	Refresh(ctx context.Context, t sheets.Table) ([][]string, error)
	Invalidate(t sheets.Table)
}

var _ Store = (*gateway.Gateway)(nil)

// PartnersTable describes the authorization sheet.
func PartnersTable(name string) sheets.Table {
	return sheets.Table{
		Name:       name,
		Columns:    model.PartnerColumns,
		HeaderRows: 1,
		KeyCols:    []int{model.PartnerColCode, model.PartnerColPhone},
	}
}

// AppealsTable describes the appeals sheet.
func AppealsTable(name string) sheets.Table {
	return sheets.Table{
		Name:       name,
		Columns:    model.TicketColumns,
		HeaderRows: 1,
		KeyCols:    []int{model.TicketColCode, model.TicketColPhone},
	}
}
