package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/querydeck/querydeck/internal/nlq"
)

// handleQuery answers a natural-language question as a server-sent event
// stream. Each pipeline event is one `data:` frame; once the first frame is
// written the HTTP status is committed, so later failures surface as error
// events rather than status codes.
func handleQuery(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	var req nlq.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid query request body", false, map[string]any{"details": err.Error()})
		return
	}
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "QUESTION_REQUIRED", "question is required", false, nil)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(r.Context(), w, http.StatusInternalServerError, "STREAMING_UNSUPPORTED", "response writer does not support streaming", false, nil)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	emit := func(event nlq.Event) error {
		payload, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := deps.Pipeline.RunStream(r.Context(), req, emit); err != nil {
		// The stream is committed; the consumer sees a truncated stream and
		// the log carries the cause.
		if deps.Logger != nil {
			deps.Logger.Warn("query stream aborted", "error", err, "question", req.Question)
		}
	}
}
