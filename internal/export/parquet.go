// Package export encodes query results as parquet for download. The schema
// is inferred per column from the first non-nil value, with every column
// optional so null cells survive the round trip.
package export

import (
	"bytes"
	"fmt"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/querydeck/querydeck/internal/engine"
)

type columnKind int

const (
	kindString columnKind = iota
	kindInt
	kindFloat
	kindBool
	kindTime
)

// Encode writes the full result set into an in-memory parquet file.
func Encode(result engine.Result) ([]byte, error) {
	if len(result.Columns) == 0 {
		return nil, fmt.Errorf("result has no columns")
	}

	kinds := make([]columnKind, len(result.Columns))
	group := parquet.Group{}
	for i, column := range result.Columns {
		kinds[i] = inferKind(result.Rows, i)
		group[column] = parquet.Optional(nodeFor(kinds[i]))
	}
	schema := parquet.NewSchema("result", group)

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[map[string]any](buf, schema)
	for _, row := range result.Rows {
		record := make(map[string]any, len(result.Columns))
		for i, column := range result.Columns {
			if i >= len(row) || row[i] == nil {
				continue
			}
			record[column] = coerce(kinds[i], row[i])
		}
		if _, err := writer.Write([]map[string]any{record}); err != nil {
			return nil, fmt.Errorf("write parquet row: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

// inferKind scans down a column until it finds a non-nil value.
func inferKind(rows [][]any, index int) columnKind {
	for _, row := range rows {
		if index >= len(row) || row[index] == nil {
			continue
		}
		switch row[index].(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			return kindInt
		case float32, float64:
			return kindFloat
		case bool:
			return kindBool
		case time.Time:
			return kindTime
		default:
			return kindString
		}
	}
	return kindString
}

func nodeFor(kind columnKind) parquet.Node {
	switch kind {
	case kindInt:
		return parquet.Int(64)
	case kindFloat:
		return parquet.Leaf(parquet.DoubleType)
	case kindBool:
		return parquet.Leaf(parquet.BooleanType)
	case kindTime:
		return parquet.Timestamp(parquet.Millisecond)
	default:
		return parquet.String()
	}
}

func coerce(kind columnKind, value any) any {
	switch kind {
	case kindInt:
		switch v := value.(type) {
		case int:
			return int64(v)
		case int8:
			return int64(v)
		case int16:
			return int64(v)
		case int32:
			return int64(v)
		case int64:
			return v
		case uint:
			return int64(v)
		case uint8:
			return int64(v)
		case uint16:
			return int64(v)
		case uint32:
			return int64(v)
		case uint64:
			return int64(v)
		}
	case kindFloat:
		switch v := value.(type) {
		case float32:
			return float64(v)
		case float64:
			return v
		}
	case kindBool:
		if v, ok := value.(bool); ok {
			return v
		}
	case kindTime:
		if v, ok := value.(time.Time); ok {
			return v.UnixMilli()
		}
	}
	return fmt.Sprintf("%v", value)
}
