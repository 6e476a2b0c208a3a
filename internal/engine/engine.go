package engine

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	_ "github.com/marcboeker/go-duckdb/v2"
)

// ExecutionError is the retryable failure class: the statement was rejected
// by DuckDB against the current schema. Anything else returned by the engine
// is an infrastructure failure and must not be fed back into correction.
type ExecutionError struct {
	Query   string
	Message string
}

func (e *ExecutionError) Error() string {
	return "sql execution failed: " + e.Message
}

type Result struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

func (r Result) RowCount() int {
	return len(r.Rows)
}

// Engine owns the live dataset: one DuckDB connection pool plus the list of
// registered tables. Schema-altering operations (load, upload, drop) are
// serialized by the mutex; plain queries go straight to the pool.
type Engine struct {
	db *sql.DB

	mu     sync.RWMutex
	tables []string
}

// New opens a DuckDB database. An empty path means in-memory, which is the
// default deployment: the dataset lives only as long as the process.
func New(databasePath string) (*Engine, error) {
	db, err := sql.Open("duckdb", databasePath)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	return &Engine{db: db}, nil
}

func (e *Engine) Close() error {
	return e.db.Close()
}

func (e *Engine) Ping(ctx context.Context) error {
	return e.db.PingContext(ctx)
}

// Tables returns the registered table names in load order.
func (e *Engine) Tables() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, len(e.tables))
	copy(out, e.tables)
	return out
}

// LoadDir loads every *.csv file in dir as a table named after the sanitized
// file stem. Returns the names of the loaded tables.
func (e *Engine) LoadDir(ctx context.Context, dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read data dir %q: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".csv") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	loaded := make([]string, 0, len(names))
	for _, name := range names {
		stem := strings.TrimSuffix(name, filepath.Ext(name))
		tableName, err := e.CreateTableFromCSV(ctx, stem, filepath.Join(dir, name))
		if err != nil {
			return loaded, fmt.Errorf("load csv %q: %w", name, err)
		}
		loaded = append(loaded, tableName)
	}
	return loaded, nil
}

// CreateTableFromCSV loads one CSV file as a table, replacing any existing
// table with the same sanitized name. Returns the final table name.
func (e *Engine) CreateTableFromCSV(ctx context.Context, name, csvPath string) (string, error) {
	tableName := SanitizeIdentifier(name)

	e.mu.Lock()
	defer e.mu.Unlock()

	dropSQL := fmt.Sprintf(`DROP TABLE IF EXISTS %s`, quoteIdent(tableName))
	if _, err := e.db.ExecContext(ctx, dropSQL); err != nil {
		return "", fmt.Errorf("drop existing table %q: %w", tableName, err)
	}

	createSQL := fmt.Sprintf(
		`CREATE TABLE %s AS SELECT * FROM read_csv_auto(%s, normalize_names=True)`,
		quoteIdent(tableName), quoteString(csvPath),
	)
	if _, err := e.db.ExecContext(ctx, createSQL); err != nil {
		return "", fmt.Errorf("create table %q from csv: %w", tableName, err)
	}

	if !containsString(e.tables, tableName) {
		e.tables = append(e.tables, tableName)
	}
	return tableName, nil
}

// DropTable removes a table and unregisters it. Dropping an unknown table is
// not an error.
func (e *Engine) DropTable(ctx context.Context, name string) error {
	tableName := SanitizeIdentifier(name)

	e.mu.Lock()
	defer e.mu.Unlock()

	dropSQL := fmt.Sprintf(`DROP TABLE IF EXISTS %s`, quoteIdent(tableName))
	if _, err := e.db.ExecContext(ctx, dropSQL); err != nil {
		return fmt.Errorf("drop table %q: %w", tableName, err)
	}
	e.tables = removeString(e.tables, tableName)
	return nil
}

// Execute runs one SQL statement and materializes the full result set.
// Statement failures come back as *ExecutionError.
func (e *Engine) Execute(ctx context.Context, sqlText string) (Result, error) {
	trimmed := stripTrailingSemicolons(sqlText)
	if trimmed == "" {
		return Result{}, &ExecutionError{Query: sqlText, Message: "empty statement"}
	}

	rows, err := e.db.QueryContext(ctx, trimmed)
	if err != nil {
		return Result{}, &ExecutionError{Query: trimmed, Message: err.Error()}
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return Result{}, &ExecutionError{Query: trimmed, Message: err.Error()}
	}

	resultRows := make([][]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return Result{}, &ExecutionError{Query: trimmed, Message: err.Error()}
		}
		resultRows = append(resultRows, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return Result{}, &ExecutionError{Query: trimmed, Message: err.Error()}
	}

	return Result{Columns: columns, Rows: resultRows}, nil
}

// TableSample returns the first n rows of a table.
func (e *Engine) TableSample(ctx context.Context, table string, n int) (Result, error) {
	if n <= 0 {
		n = 3
	}
	sampleSQL := fmt.Sprintf(`SELECT * FROM %s LIMIT %d`, quoteIdent(table), n)
	return e.Execute(ctx, sampleSQL)
}

// DistinctValues returns up to limit distinct non-null values of one column,
// rendered as strings.
func (e *Engine) DistinctValues(ctx context.Context, table, column string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 5
	}
	query := fmt.Sprintf(
		`SELECT DISTINCT %s FROM %s WHERE %s IS NOT NULL LIMIT %d`,
		quoteIdent(column), quoteIdent(table), quoteIdent(column), limit,
	)
	result, err := e.Execute(ctx, query)
	if err != nil {
		return nil, err
	}
	values := make([]string, 0, len(result.Rows))
	for _, row := range result.Rows {
		if len(row) == 0 {
			continue
		}
		values = append(values, fmt.Sprintf("%v", row[0]))
	}
	return values, nil
}

// RowCount returns the number of rows in a table.
func (e *Engine) RowCount(ctx context.Context, table string) (int64, error) {
	countSQL := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, quoteIdent(table))
	result, err := e.Execute(ctx, countSQL)
	if err != nil {
		return 0, err
	}
	if len(result.Rows) != 1 || len(result.Rows[0]) != 1 {
		return 0, fmt.Errorf("unexpected count result shape for table %q", table)
	}
	switch v := result.Rows[0][0].(type) {
	case int64:
		return v, nil
	case int32:
		return int64(v), nil
	case float64:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("unexpected count type %T for table %q", v, table)
	}
}

func normalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		default:
			normalized[i] = typed
		}
	}
	return normalized
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

func quoteString(value string) string {
	return `'` + strings.ReplaceAll(value, `'`, `''`) + `'`
}

func stripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}

func containsString(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}

func removeString(values []string, target string) []string {
	out := values[:0]
	for _, value := range values {
		if value != target {
			out = append(out, value)
		}
	}
	return out
}
