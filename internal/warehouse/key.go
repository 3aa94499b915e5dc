package warehouse

import (
	"fmt"
	"time"

	"query-orchestrator/internal/models"
)

// Reserved columns added to every uploaded row.
const (
	ColumnExecutionID = "execution_id"
	ColumnRowNumber   = "_row_number"
)

// KeySource names where the composite key came from.
type KeySource string

const (
	KeyFromWindow    KeySource = "window"
	KeyFromWeek      KeySource = "week"
	KeyFromColumn    KeySource = "column"
	KeyFromExecution KeySource = "execution"
)

// Key is the composite idempotency key of one execution's rows. Columns lists
// the key fields between execution_id and _row_number; Values holds the
// constant values for key columns taken from the execution parameters.
type Key struct {
	Source  KeySource
	Columns []string
	Values  map[string]any
	Types   map[string]models.ColumnType
}

// PrimaryKey returns the full ordered primary key.
func (k Key) PrimaryKey() []string {
	pk := make([]string, 0, len(k.Columns)+2)
	pk = append(pk, ColumnExecutionID)
	pk = append(pk, k.Columns...)
	return append(pk, ColumnRowNumber)
}

// Replace reports whether the execution's rows are replaced wholesale rather
// than upserted.
func (k Key) Replace() bool {
	return k.Source == KeyFromExecution
}

// DeriveKey picks the key by priority: explicit window parameters, then a week
// boundary parameter, then the first fully populated date or timestamp column
// of the result, then execution id alone.
func DeriveKey(e models.Execution, rs models.ResultSet) Key {
	if e.Sync.KeyPolicy == models.KeyPolicyExecutionID {
		return Key{Source: KeyFromExecution}
	}
	start, okStart := e.Parameters[models.ParamWindowStart]
	end, okEnd := e.Parameters[models.ParamWindowEnd]
	if okStart && okEnd && start != nil && end != nil {
		return paramKey(KeyFromWindow, rs, map[string]any{
			models.ParamWindowStart: start,
			models.ParamWindowEnd:   end,
		}, models.ParamWindowStart, models.ParamWindowEnd)
	}
	if week, ok := e.Parameters[models.ParamWeekStart]; ok && week != nil {
		return paramKey(KeyFromWeek, rs, map[string]any{models.ParamWeekStart: week}, models.ParamWeekStart)
	}
	for i, c := range rs.Columns {
		if c.Type.Temporal() && complete(rs, i) {
			return Key{Source: KeyFromColumn, Columns: []string{c.Name}}
		}
	}
	return Key{Source: KeyFromExecution}
}

// complete reports whether column i has a value in every row. Key columns
// cannot hold NULL.
func complete(rs models.ResultSet, i int) bool {
	for _, row := range rs.Rows {
		if i >= len(row) || row[i] == nil {
			return false
		}
	}
	return true
}

// paramKey keys rows by parameter values. A result column of the same name
// takes precedence over the parameter value.
func paramKey(src KeySource, rs models.ResultSet, params map[string]any, names ...string) Key {
	k := Key{Source: src, Columns: names, Values: map[string]any{}, Types: map[string]models.ColumnType{}}
	for _, name := range names {
		if rs.ColumnIndex(name) >= 0 {
			continue
		}
		v, t := paramValue(params[name])
		k.Values[name] = v
		k.Types[name] = t
	}
	return k
}

func paramValue(v any) (any, models.ColumnType) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), models.ColumnTimestamp
	case string:
		if d, err := time.Parse(models.DateLayout, t); err == nil {
			return d, models.ColumnDate
		}
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts.UTC(), models.ColumnTimestamp
		}
		return t, models.ColumnString
	default:
		return fmt.Sprint(t), models.ColumnString
	}
}
