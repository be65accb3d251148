package gateway

import (
	"sync"
	"time"

	"github.com/psds-microservice/appeal-service/internal/sheets"
)

// snapshotCache keeps the last read of each table. Writes that succeed are
// patched in without resetting fetchedAt, so a busy table is still re-read
// every SnapshotTTL. Rows are copy-on-write: readers may keep returned slices.
type snapshotCache struct {
	mu    sync.Mutex
	items map[string]*snapshot
}

func newSnapshotCache() *snapshotCache {
	return &snapshotCache{items: make(map[string]*snapshot)}
}

func (c *snapshotCache) get(table string, now time.Time, ttl time.Duration) ([][]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.items[table]
	if !ok || now.Sub(s.fetchedAt) >= ttl {
		return nil, false
	}
	return append([][]string(nil), s.rows...), true
}

func (c *snapshotCache) put(table string, rows [][]string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[table] = &snapshot{rows: append([][]string(nil), rows...), fetchedAt: at, readAt: make(map[int]time.Time)}
}

func (c *snapshotCache) drop(table string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, table)
}

// row returns the cached cells of a sheet row.
func (c *snapshotCache) row(t sheets.Table, row int) ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.items[t.Name]
	if !ok {
		return nil, false
	}
	i := row - t.FirstDataRow()
	if i < 0 || i >= len(s.rows) {
		return nil, false
	}
	return s.rows[i], true
}

// observe stores a row that was just read fresh.
func (c *snapshotCache) observe(t sheets.Table, row int, cells []string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.items[t.Name]
	if !ok {
		return
	}
	i := row - t.FirstDataRow()
	if i < 0 || i >= len(s.rows) {
		return
	}
	s.rows[i] = append([]string(nil), cells...)
	s.readAt[row] = at
}

// fresh reports whether row was read from the store within window.
func (c *snapshotCache) fresh(t sheets.Table, row int, now time.Time, window time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.items[t.Name]
	if !ok {
		return false
	}
	if now.Sub(s.fetchedAt) < window {
		return true
	}
	at, ok := s.readAt[row]
	return ok && now.Sub(at) < window
}

func (c *snapshotCache) patch(t sheets.Table, row, col int, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.items[t.Name]
	if !ok {
		return
	}
	i := row - t.FirstDataRow()
	if i < 0 || i >= len(s.rows) {
		// Written outside the known extent: the snapshot no longer describes the table.
		delete(c.items, t.Name)
		return
	}
	cells := append([]string(nil), s.rows[i]...)
	for len(cells) <= col {
		cells = append(cells, "")
	}
	cells[col] = value
	s.rows[i] = cells
}

func (c *snapshotCache) appendRow(t sheets.Table, row int, values []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.items[t.Name]
	if !ok {
		return
	}
	if row != t.FirstDataRow()+len(s.rows) {
		delete(c.items, t.Name)
		return
	}
	rows := make([][]string, len(s.rows), len(s.rows)+1)
	copy(rows, s.rows)
	s.rows = append(rows, append([]string(nil), values...))
}
