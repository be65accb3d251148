package sheets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/psds-microservice/appeal-service/internal/errs"
)

// SheetRow — строка «таблицы» в Postgres (см. миграцию 00001_sheet_rows.sql).
type SheetRow struct {
	Sheet     string         `gorm:"column:sheet_name;primaryKey;type:varchar(128)"`
	RowIndex  int            `gorm:"column:row_index;primaryKey"`
	Cells     pq.StringArray `gorm:"column:cells;type:text[];not null"`
	UpdatedAt time.Time      `gorm:"column:updated_at"`
}

func (SheetRow) TableName() string { return "sheet_rows" }

// SQL emulates a spreadsheet on top of Postgres, one database row per sheet
// row. It is used for staging and local runs; the sheet UI is replaced by
// plain UPDATEs on sheet_rows.
type SQL struct {
	db *gorm.DB
}

func NewSQL(db *gorm.DB) *SQL {
	return &SQL{db: db}
}

func (s *SQL) ReadRange(ctx context.Context, table string, r Range) ([][]string, error) {
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrMalformed, err)
	}
	tx := s.db.WithContext(ctx).
		Where("sheet_name = ? AND row_index >= ?", table, r.FromRow)
	if r.ToRow > 0 {
		tx = tx.Where("row_index <= ?", r.ToRow)
	}
	var items []SheetRow
	if err := tx.Order("row_index").Find(&items).Error; err != nil {
		return nil, classifySQL(err)
	}
	if len(items) == 0 {
		return nil, nil
	}
	rows := make([][]string, items[len(items)-1].RowIndex-r.FromRow+1)
	for _, it := range items {
		rows[it.RowIndex-r.FromRow] = []string(it.Cells)
	}
	return sliceRows(rows, r), nil
}

func (s *SQL) WriteCell(ctx context.Context, table string, row, col int, value string) error {
	if row < 1 || col < 0 {
		return fmt.Errorf("%w: cell %d/%d", errs.ErrMalformed, row, col)
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var item SheetRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("sheet_name = ? AND row_index = ?", table, row).
			Take(&item).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		cells := []string(item.Cells)
		for len(cells) <= col {
			cells = append(cells, "")
		}
		cells[col] = value
		item.Sheet, item.RowIndex, item.Cells, item.UpdatedAt = table, row, pq.StringArray(cells), time.Now()
		return tx.Save(&item).Error
	})
	if err != nil {
		return classifySQL(err)
	}
	return nil
}

func (s *SQL) AppendRow(ctx context.Context, table string, values []string) (int, error) {
	var row int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", table).Error; err != nil {
			return err
		}
		var last int
		if err := tx.Model(&SheetRow{}).
			Where("sheet_name = ?", table).
			Select("COALESCE(MAX(row_index), 0)").
			Scan(&last).Error; err != nil {
			return err
		}
		row = last + 1
		return tx.Create(&SheetRow{
			Sheet:     table,
			RowIndex:  row,
			Cells:     pq.StringArray(append([]string(nil), values...)),
			UpdatedAt: time.Now(),
		}).Error
	})
	if err != nil {
		return 0, classifySQL(err)
	}
	return row, nil
}

func classifySQL(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", errs.ErrUnavailable, err)
}
