package models

// ColumnType is the inferred type of a result column.
type ColumnType string

const (
	ColumnString    ColumnType = "string"
	ColumnInteger   ColumnType = "integer"
	ColumnFloat     ColumnType = "float"
	ColumnBoolean   ColumnType = "boolean"
	ColumnDate      ColumnType = "date"
	ColumnTimestamp ColumnType = "timestamp"
)

// Temporal reports whether the column holds dates or timestamps.
func (t ColumnType) Temporal() bool {
	return t == ColumnDate || t == ColumnTimestamp
}

// Column describes one result column.
type Column struct {
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
}

// ResultSet is a tabular query result.
type ResultSet struct {
	Columns []Column
	Rows    [][]any
	Bytes   int64
}

// ColumnIndex returns the position of the named column or -1.
func (r ResultSet) ColumnIndex(name string) int {
	for i, c := range r.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}
