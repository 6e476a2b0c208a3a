package api

import (
	"bytes"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/querydeck/querydeck/internal/engine"
	"github.com/querydeck/querydeck/internal/observability"
)

const maxUploadBytes = 256 << 20

type tableInfo struct {
	Name     string                `json:"name"`
	RowCount int64                 `json:"row_count"`
	Columns  []engine.ColumnSchema `json:"columns"`
}

func handleListTables(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	schema, err := deps.Engine.Schema(r.Context())
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "SCHEMA_ERROR", "failed to inspect schema", true, map[string]any{"details": err.Error()})
		return
	}

	tables := make([]tableInfo, 0, len(schema))
	for _, table := range schema {
		count, err := deps.Engine.RowCount(r.Context(), table.Name)
		if err != nil {
			writeError(r.Context(), w, http.StatusInternalServerError, "SCHEMA_ERROR", "failed to count rows", true, map[string]any{"table": table.Name, "details": err.Error()})
			return
		}
		tables = append(tables, tableInfo{Name: table.Name, RowCount: count, Columns: table.Columns})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tables": tables})
}

// handleUpload registers a CSV file as a queryable table. The file lands in
// the data directory first so the engine can ingest it by path and the
// archive (when configured) mirrors the same bytes.
func handleUpload(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "FILE_REQUIRED", "multipart field \"file\" is required", false, nil)
		return
	}
	defer func() { _ = file.Close() }()

	if !strings.EqualFold(filepath.Ext(header.Filename), ".csv") {
		writeError(r.Context(), w, http.StatusBadRequest, "UNSUPPORTED_FILE_TYPE", "only .csv files are supported", false, map[string]any{"filename": header.Filename})
		return
	}

	stem := strings.TrimSuffix(filepath.Base(header.Filename), filepath.Ext(header.Filename))
	table := engine.SanitizeIdentifier(stem)

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "UPLOAD_READ_FAILED", "failed to read uploaded file", false, map[string]any{"details": err.Error()})
		return
	}

	if err := os.MkdirAll(deps.DataDir, 0o755); err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "STORAGE_ERROR", "failed to prepare data directory", true, map[string]any{"details": err.Error()})
		return
	}
	csvPath := filepath.Join(deps.DataDir, table+".csv")
	if err := os.WriteFile(csvPath, data, 0o644); err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "STORAGE_ERROR", "failed to store uploaded file", true, map[string]any{"details": err.Error()})
		return
	}

	created, err := deps.Engine.CreateTableFromCSV(r.Context(), table, csvPath)
	if err != nil {
		_ = os.Remove(csvPath)
		writeError(r.Context(), w, http.StatusBadRequest, "INGEST_FAILED", "failed to load CSV into a table", false, map[string]any{"table": table, "details": err.Error()})
		return
	}

	schema, err := refreshSchema(deps, r)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "SCHEMA_ERROR", "table created but schema refresh failed", true, map[string]any{"table": created, "details": err.Error()})
		return
	}

	if deps.Archive != nil {
		if err := deps.Archive.PutDataset(r.Context(), created, bytes.NewReader(data), int64(len(data))); err != nil && deps.Logger != nil {
			deps.Logger.Warn("dataset archive upload failed", "table", created, "error", err)
		}
	}

	count, err := deps.Engine.RowCount(r.Context(), created)
	if err != nil {
		count = 0
	}
	columns := []engine.ColumnSchema{}
	if tableSchema, ok := schema.Table(created); ok {
		columns = tableSchema.Columns
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"table":     created,
		"row_count": count,
		"columns":   columns,
	})
}

func handleDeleteTable(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	table := engine.SanitizeIdentifier(r.PathValue("table"))
	if err := deps.Engine.DropTable(r.Context(), table); err != nil {
		writeError(r.Context(), w, http.StatusNotFound, "TABLE_NOT_FOUND", "failed to drop table", false, map[string]any{"table": table, "details": err.Error()})
		return
	}

	if _, err := refreshSchema(deps, r); err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "SCHEMA_ERROR", "table dropped but schema refresh failed", true, map[string]any{"table": table, "details": err.Error()})
		return
	}

	if deps.Archive != nil {
		if err := deps.Archive.DeleteDataset(r.Context(), table); err != nil && deps.Logger != nil {
			deps.Logger.Warn("dataset archive delete failed", "table", table, "error", err)
		}
	}
	if deps.DataDir != "" {
		_ = os.Remove(filepath.Join(deps.DataDir, table+".csv"))
	}

	writeJSON(w, http.StatusOK, map[string]any{"table": table, "dropped": true})
}

// refreshSchema rebuilds the resolver snapshot and the tables-loaded gauge
// after any table mutation.
func refreshSchema(deps Dependencies, r *http.Request) (engine.Schema, error) {
	schema, err := deps.Engine.Schema(r.Context())
	if err != nil {
		return nil, err
	}
	if deps.Refresher != nil {
		if err := deps.Refresher.Refresh(r.Context(), schema); err != nil {
			return nil, err
		}
	}
	observability.SetTablesLoaded(len(schema))
	return schema, nil
}
