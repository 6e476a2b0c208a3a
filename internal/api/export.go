package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/querydeck/querydeck/internal/engine"
	"github.com/querydeck/querydeck/internal/export"
)

type exportRequest struct {
	SQL string `json:"sql"`
}

// handleExport runs a read-only query and returns the full result set as a
// parquet download.
func handleExport(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid export request body", false, map[string]any{"details": err.Error()})
		return
	}
	sqlText := strings.TrimSpace(req.SQL)
	if sqlText == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "SQL_REQUIRED", "sql is required", false, nil)
		return
	}
	if !isReadOnlySQL(sqlText) {
		writeError(r.Context(), w, http.StatusBadRequest, "SQL_NOT_ALLOWED", "only SELECT/WITH queries can be exported", false, nil)
		return
	}

	result, err := deps.Engine.Execute(r.Context(), sqlText)
	if err != nil {
		var execErr *engine.ExecutionError
		if errors.As(err, &execErr) {
			writeError(r.Context(), w, http.StatusBadRequest, "QUERY_EXECUTION_FAILED", "query execution failed", false, map[string]any{"details": execErr.Error()})
			return
		}
		writeError(r.Context(), w, http.StatusInternalServerError, "ENGINE_ERROR", "query execution failed", true, map[string]any{"details": err.Error()})
		return
	}

	data, err := export.Encode(result)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "EXPORT_FAILED", "failed to encode parquet", false, map[string]any{"details": err.Error()})
		return
	}

	filename := fmt.Sprintf("querydeck-export-%s.parquet", time.Now().UTC().Format("20060102-150405"))
	w.Header().Set("Content-Type", "application/vnd.apache.parquet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func isReadOnlySQL(sqlText string) bool {
	normalized := strings.ToLower(strings.TrimSpace(sqlText))
	return strings.HasPrefix(normalized, "select") || strings.HasPrefix(normalized, "with")
}
