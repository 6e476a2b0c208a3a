package nlq

import (
	"github.com/querydeck/querydeck/internal/engine"
)

// MatchMode names the scoring variant the resolver was built with. It is
// fixed at construction and surfaced in the prompt context so the model
// knows how the hints were derived.
type MatchMode string

const (
	ModeLexical MatchMode = "lexical"
	ModeHybrid  MatchMode = "hybrid"
)

// ColumnMatch is a scored association between one question keyword and one
// schema column. Score is in [0,100]; at most one match survives per
// (table, column) pair.
type ColumnMatch struct {
	Keyword string  `json:"keyword"`
	Table   string  `json:"table"`
	Column  string  `json:"column"`
	Score   float64 `json:"score"`
}

// EnrichedContext is the resolver output for one question. An empty match
// list is a valid outcome: callers fall back to the full schema.
type EnrichedContext struct {
	Schema         engine.Schema
	Matches        []ColumnMatch
	ValueHints     map[string][]string
	RelevantTables []string
	Mode           MatchMode
}

// Attempt records one failed try in the correction history. The history is
// append-only and bounded by the retry budget.
type Attempt struct {
	SQL string `json:"sql"`
	Err string `json:"error"`
}

// ExecutionResult is the terminal artifact of the self-correcting executor.
// Attempts counts every try including the final one.
type ExecutionResult struct {
	Success  bool           `json:"success"`
	SQL      string         `json:"sql"`
	Data     *engine.Result `json:"data,omitempty"`
	Err      string         `json:"error,omitempty"`
	Attempts int            `json:"attempts"`
	History  []Attempt      `json:"history,omitempty"`
}

// PipelineResult extends ExecutionResult with the question and the resolver
// findings that shaped the generated SQL.
type PipelineResult struct {
	ExecutionResult
	Question       string        `json:"question"`
	RelevantTables []string      `json:"relevant_tables"`
	Matches        []ColumnMatch `json:"column_matches"`
}

// Turn is one prior conversational exchange, used to resolve pronoun
// references in follow-up questions.
type Turn struct {
	Question string `json:"question"`
	SQL      string `json:"sql"`
}

// Request is one pipeline invocation. SelectedTables restricts the search
// space; empty means all registered tables. A non-empty History bypasses
// the relevance gate.
type Request struct {
	Question       string   `json:"question"`
	SelectedTables []string `json:"selected_tables"`
	History        []Turn   `json:"chat_history"`
}

// Event kinds emitted by the streaming pipeline, in fixed stage order. No
// event follows an error event.
const (
	EventThinking    = "thinking"
	EventSQL         = "sql"
	EventResult      = "result"
	EventSummary     = "summary"
	EventSummaryDone = "summary_done"
	EventError       = "error"
)

type Event struct {
	Type     string `json:"type"`
	Content  any    `json:"content,omitempty"`
	RowCount int    `json:"row_count,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
}
