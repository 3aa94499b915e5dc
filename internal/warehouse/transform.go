package warehouse

import (
	"query-orchestrator/internal/models"
)

// Table is a result set shaped for upload: enriched rows plus the key that
// identifies them.
type Table struct {
	Name        string
	ExecutionID string
	Columns     []models.Column
	Rows        [][]any
	Key         Key
}

// Transform enriches every result row with execution_id, any parameter key
// columns and its ordinal in _row_number. Result columns that collide with the
// reserved names are dropped.
func Transform(e models.Execution, rs models.ResultSet, key Key) Table {
	cols := []models.Column{{Name: ColumnExecutionID, Type: models.ColumnString}}
	for _, name := range key.Columns {
		if t, ok := key.Types[name]; ok {
			cols = append(cols, models.Column{Name: name, Type: t})
		}
	}
	var keep []int
	for i, c := range rs.Columns {
		if c.Name == ColumnExecutionID || c.Name == ColumnRowNumber {
			continue
		}
		keep = append(keep, i)
		cols = append(cols, c)
	}
	cols = append(cols, models.Column{Name: ColumnRowNumber, Type: models.ColumnInteger})

	rows := make([][]any, 0, len(rs.Rows))
	for n, src := range rs.Rows {
		row := make([]any, 0, len(cols))
		row = append(row, e.ID)
		for _, name := range key.Columns {
			if _, ok := key.Types[name]; ok {
				row = append(row, key.Values[name])
			}
		}
		for _, i := range keep {
			var v any
			if i < len(src) {
				v = src[i]
			}
			row = append(row, v)
		}
		row = append(row, int64(n+1))
		rows = append(rows, row)
	}
	return Table{Name: e.Sync.Table, ExecutionID: e.ID, Columns: cols, Rows: rows, Key: key}
}
