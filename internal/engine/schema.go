package engine

import (
	"context"
	"fmt"
	"strings"

	fuzzy "github.com/paul-mannino/go-fuzzywuzzy"
)

type ColumnSchema struct {
	Name string `json:"column"`
	Type string `json:"type"`
}

type TableSchema struct {
	Name    string         `json:"name"`
	Columns []ColumnSchema `json:"columns"`
}

// Schema is the ordered structural description of all registered tables.
// Order follows table registration order; column order follows DESCRIBE
// order. A Schema value is immutable once built.
type Schema []TableSchema

func (s Schema) Table(name string) (TableSchema, bool) {
	for _, table := range s {
		if table.Name == name {
			return table, true
		}
	}
	return TableSchema{}, false
}

func (s Schema) TableNames() []string {
	names := make([]string, 0, len(s))
	for _, table := range s {
		names = append(names, table.Name)
	}
	return names
}

// Restrict returns the subset of the schema containing only the named
// tables, preserving schema order. Unknown names are ignored.
func (s Schema) Restrict(tables []string) Schema {
	keep := make(map[string]bool, len(tables))
	for _, name := range tables {
		keep[name] = true
	}
	out := make(Schema, 0, len(tables))
	for _, table := range s {
		if keep[table.Name] {
			out = append(out, table)
		}
	}
	return out
}

// Schema builds a fresh snapshot of the registered tables and their typed
// columns.
func (e *Engine) Schema(ctx context.Context) (Schema, error) {
	tables := e.Tables()
	schema := make(Schema, 0, len(tables))
	for _, table := range tables {
		columns, err := e.describeTable(ctx, table)
		if err != nil {
			return nil, fmt.Errorf("describe table %q: %w", table, err)
		}
		schema = append(schema, TableSchema{Name: table, Columns: columns})
	}
	return schema, nil
}

func (e *Engine) describeTable(ctx context.Context, table string) ([]ColumnSchema, error) {
	rows, err := e.db.QueryContext(ctx,
		`SELECT column_name, data_type FROM information_schema.columns WHERE table_name = ? ORDER BY ordinal_position`,
		table,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	columns := make([]ColumnSchema, 0)
	for rows.Next() {
		var column ColumnSchema
		if err := rows.Scan(&column.Name, &column.Type); err != nil {
			return nil, err
		}
		columns = append(columns, column)
	}
	return columns, rows.Err()
}

// DetectRelationships finds likely join pairs: columns on distinct tables
// whose names are near-identical under lexical similarity. The output is an
// advisory hint for prompt context, not a verified foreign key.
func DetectRelationships(schema Schema, threshold int) []string {
	if threshold <= 0 {
		threshold = 85
	}
	relationships := make([]string, 0)
	for i, left := range schema {
		for _, right := range schema[i+1:] {
			for _, leftCol := range left.Columns {
				for _, rightCol := range right.Columns {
					score := fuzzy.Ratio(strings.ToLower(leftCol.Name), strings.ToLower(rightCol.Name))
					if score >= threshold {
						relationships = append(relationships,
							fmt.Sprintf("%s.%s <-> %s.%s", left.Name, leftCol.Name, right.Name, rightCol.Name))
					}
				}
			}
		}
	}
	return relationships
}

// CategoricalValues enumerates the full value set of low-cardinality text
// columns (at most limit distinct values). Probe failures skip the column.
func (e *Engine) CategoricalValues(ctx context.Context, schema Schema, limit int) map[string][]string {
	if limit <= 0 {
		limit = 50
	}
	categoricals := make(map[string][]string)
	for _, table := range schema {
		for _, column := range table.Columns {
			if !isTextualType(column.Type) {
				continue
			}
			countSQL := fmt.Sprintf(`SELECT COUNT(DISTINCT %s) FROM %s`,
				quoteIdent(column.Name), quoteIdent(table.Name))
			result, err := e.Execute(ctx, countSQL)
			if err != nil || len(result.Rows) != 1 || len(result.Rows[0]) != 1 {
				continue
			}
			count, ok := result.Rows[0][0].(int64)
			if !ok || count < 1 || count > int64(limit) {
				continue
			}
			values, err := e.DistinctValues(ctx, table.Name, column.Name, limit)
			if err != nil || len(values) == 0 {
				continue
			}
			categoricals[table.Name+"."+column.Name] = values
		}
	}
	return categoricals
}

func isTextualType(declaredType string) bool {
	upper := strings.ToUpper(declaredType)
	return strings.Contains(upper, "VARCHAR") ||
		strings.Contains(upper, "TEXT") ||
		strings.Contains(upper, "STRING")
}
