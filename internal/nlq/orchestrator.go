package nlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/querydeck/querydeck/internal/engine"
	"github.com/querydeck/querydeck/internal/llm"
	"github.com/querydeck/querydeck/internal/observability"
)

// summaryRowLimit bounds the result sample handed to the insight summary.
const summaryRowLimit = 50

// Engine is the full engine surface the orchestrator drives.
type Engine interface {
	SQLExecutor
	Schema(ctx context.Context) (engine.Schema, error)
	CategoricalValues(ctx context.Context, schema engine.Schema, limit int) map[string][]string
}

// RunRecord is the per-question audit entry handed to an optional recorder
// after every completed pipeline run.
type RunRecord struct {
	Question string
	SQL      string
	Success  bool
	Attempts int
	Err      string
	Duration time.Duration
}

// Recorder persists pipeline outcomes. Failures are logged and swallowed;
// recording never affects the result.
type Recorder interface {
	RecordRun(ctx context.Context, rec RunRecord) error
}

// Orchestrator sequences the question-answering stages: relevance gate,
// schema resolution, context assembly, SQL generation, self-correcting
// execution, and a best-effort insight summary on the streaming path.
type Orchestrator struct {
	engine   Engine
	resolver *Resolver
	critic   *Critic
	client   llm.Client
	recorder Recorder
	logger   *slog.Logger

	relevanceThreshold int
	joinThreshold      int
	categoricalLimit   int
}

type OrchestratorConfig struct {
	Engine   Engine
	Resolver *Resolver
	Critic   *Critic
	Client   llm.Client
	Recorder Recorder
	Logger   *slog.Logger

	RelevanceThreshold int
	JoinThreshold      int
	CategoricalLimit   int
}

func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	relevanceThreshold := cfg.RelevanceThreshold
	if relevanceThreshold <= 0 {
		relevanceThreshold = 70
	}
	joinThreshold := cfg.JoinThreshold
	if joinThreshold <= 0 {
		joinThreshold = 85
	}
	categoricalLimit := cfg.CategoricalLimit
	if categoricalLimit <= 0 {
		categoricalLimit = 50
	}
	return &Orchestrator{
		engine:             cfg.Engine,
		resolver:           cfg.Resolver,
		critic:             cfg.Critic,
		client:             cfg.Client,
		recorder:           cfg.Recorder,
		logger:             logger,
		relevanceThreshold: relevanceThreshold,
		joinThreshold:      joinThreshold,
		categoricalLimit:   categoricalLimit,
	}
}

// Run executes the full pipeline and returns one terminal result. Relevance
// rejection and retry exhaustion are failed results, not errors; only
// infrastructure failures (schema load, generation transport) return an
// error.
func (o *Orchestrator) Run(ctx context.Context, req Request) (PipelineResult, error) {
	start := time.Now()
	observability.ObserveQuestion()

	schema, err := o.engine.Schema(ctx)
	if err != nil {
		return PipelineResult{}, fmt.Errorf("load schema: %w", err)
	}

	if len(req.History) == 0 && !relevant(req.Question, schema, o.relevanceThreshold) {
		observability.ObserveRelevanceRejection()
		return PipelineResult{
			ExecutionResult: ExecutionResult{Success: false, Err: rejectionMessage(schema)},
			Question:        req.Question,
		}, nil
	}

	active := activeSchema(schema, req.SelectedTables)
	enriched := o.resolver.Enrich(ctx, req.Question, active)
	observability.ObserveResolverMatches(len(enriched.Matches))

	sqlText, err := o.generate(ctx, req, enriched, active)
	if err != nil {
		return PipelineResult{}, err
	}

	result, err := o.critic.ExecuteWithRetry(ctx, sqlText, req.Question, active)
	if err != nil {
		return PipelineResult{}, err
	}

	pipeline := PipelineResult{
		ExecutionResult: result,
		Question:        req.Question,
		RelevantTables:  enriched.RelevantTables,
		Matches:         enriched.Matches,
	}
	o.finish(ctx, pipeline, time.Since(start))
	return pipeline, nil
}

// RunStream executes the pipeline while emitting typed progress events in
// fixed stage order. The stream ends after the result and summary sequence
// or after the first error event. An emit failure aborts the run.
func (o *Orchestrator) RunStream(ctx context.Context, req Request, emit func(Event) error) error {
	start := time.Now()
	observability.ObserveQuestion()

	if err := emit(Event{Type: EventThinking, Content: "Analyzing your question..."}); err != nil {
		return err
	}

	schema, err := o.engine.Schema(ctx)
	if err != nil {
		return emit(Event{Type: EventError, Content: "failed to load schema"})
	}
	if len(schema) == 0 {
		return emit(Event{Type: EventError, Content: "No tables found in the database."})
	}

	// Follow-up questions carry pronouns that look off-topic in isolation,
	// so the gate only applies to the first turn.
	if len(req.History) == 0 && !relevant(req.Question, schema, o.relevanceThreshold) {
		observability.ObserveRelevanceRejection()
		return emit(Event{Type: EventError, Content: rejectionMessage(schema)})
	}

	if err := emit(Event{Type: EventThinking, Content: "Searching schema for relevant tables..."}); err != nil {
		return err
	}

	active := activeSchema(schema, req.SelectedTables)
	enriched := o.resolver.Enrich(ctx, req.Question, active)
	observability.ObserveResolverMatches(len(enriched.Matches))

	tableList := strings.Join(enriched.RelevantTables, ", ")
	if tableList == "" {
		tableList = "none found"
	}
	if err := emit(Event{Type: EventThinking, Content: "Found relevant tables: " + tableList}); err != nil {
		return err
	}

	sqlText, err := o.generate(ctx, req, enriched, active)
	if err != nil {
		o.logger.Error("sql generation failed", "error", err)
		return emit(Event{Type: EventError, Content: "SQL generation failed: " + err.Error()})
	}
	if err := emit(Event{Type: EventSQL, Content: sqlText}); err != nil {
		return err
	}

	result, err := o.critic.ExecuteWithRetry(ctx, sqlText, req.Question, active)
	if err != nil {
		o.logger.Error("execution aborted", "error", err)
		return emit(Event{Type: EventError, Content: err.Error()})
	}

	if result.Attempts > 1 {
		notice := fmt.Sprintf("Refining query... (attempt %d)", result.Attempts)
		if err := emit(Event{Type: EventThinking, Content: notice}); err != nil {
			return err
		}
	}

	pipeline := PipelineResult{
		ExecutionResult: result,
		Question:        req.Question,
		RelevantTables:  enriched.RelevantTables,
		Matches:         enriched.Matches,
	}
	o.finish(ctx, pipeline, time.Since(start))

	if !result.Success {
		return emit(Event{Type: EventError, Content: result.Err})
	}

	records := resultRecords(result.Data)
	if err := emit(Event{
		Type:     EventResult,
		Content:  records,
		RowCount: len(records),
		Attempts: result.Attempts,
	}); err != nil {
		return err
	}

	return o.streamSummary(ctx, req.Question, records, emit)
}

func (o *Orchestrator) generate(ctx context.Context, req Request, enriched EnrichedContext, active engine.Schema) (string, error) {
	prompt := o.resolver.FormatContext(enriched)

	if relationships := engine.DetectRelationships(active, o.joinThreshold); len(relationships) > 0 {
		prompt += "\n\nDetected Join Relationships:\n" + strings.Join(relationships, "\n")
	}

	if categoricals := o.engine.CategoricalValues(ctx, active, o.categoricalLimit); len(categoricals) > 0 {
		var b strings.Builder
		b.WriteString("\n\nCategorical Values:\n")
		for _, table := range active {
			for _, column := range table.Columns {
				key := table.Name + "." + column.Name
				if values, ok := categoricals[key]; ok {
					b.WriteString(key + ": " + strings.Join(values, ", ") + "\n")
				}
			}
		}
		prompt += b.String()
	}

	raw, err := o.client.Complete(ctx, generationPrompt(prompt, req.Question, req.History))
	if err != nil {
		return "", fmt.Errorf("generate sql: %w", err)
	}
	return CleanSQL(raw), nil
}

// streamSummary is best-effort: a generation failure becomes a non-fatal
// error event after the result has already been delivered.
func (o *Orchestrator) streamSummary(ctx context.Context, question string, records []map[string]any, emit func(Event) error) error {
	if err := emit(Event{Type: EventThinking, Content: "Generating insight summary..."}); err != nil {
		return err
	}

	sample := records
	if len(sample) > summaryRowLimit {
		sample = sample[:summaryRowLimit]
	}
	resultsJSON, err := json.Marshal(sample)
	if err != nil {
		return emit(Event{Type: EventError, Content: "Insight generation failed: " + err.Error()})
	}

	streamErr := o.client.Stream(ctx, summaryPrompt(question, string(resultsJSON)), func(chunk string) error {
		return emit(Event{Type: EventSummary, Content: chunk})
	})
	if streamErr != nil {
		var genErr *llm.GenerationError
		if errors.As(streamErr, &genErr) {
			o.logger.Warn("summary stream failed", "error", streamErr)
			return emit(Event{Type: EventError, Content: "Insight generation failed: " + genErr.Error()})
		}
		return streamErr
	}

	return emit(Event{Type: EventSummaryDone})
}

func (o *Orchestrator) finish(ctx context.Context, pipeline PipelineResult, elapsed time.Duration) {
	observability.ObservePipelineResult(pipeline.Success, pipeline.Attempts, elapsed)
	o.logger.Info("pipeline finished",
		"success", pipeline.Success,
		"attempts", pipeline.Attempts,
		"relevant_tables", pipeline.RelevantTables,
		"duration_ms", elapsed.Milliseconds())

	if o.recorder == nil {
		return
	}
	rec := RunRecord{
		Question: pipeline.Question,
		SQL:      pipeline.SQL,
		Success:  pipeline.Success,
		Attempts: pipeline.Attempts,
		Err:      pipeline.Err,
		Duration: elapsed,
	}
	if err := o.recorder.RecordRun(ctx, rec); err != nil {
		o.logger.Warn("history record failed", "error", err)
	}
}

// activeSchema restricts the schema to the caller-selected tables, falling
// back to the full schema when the selection is empty or matches nothing.
func activeSchema(schema engine.Schema, selected []string) engine.Schema {
	if len(selected) == 0 {
		return schema
	}
	restricted := schema.Restrict(selected)
	if len(restricted) == 0 {
		return schema
	}
	return restricted
}

// resultRecords converts a columnar result into row maps for the event
// payload.
func resultRecords(result *engine.Result) []map[string]any {
	if result == nil {
		return nil
	}
	records := make([]map[string]any, 0, len(result.Rows))
	for _, row := range result.Rows {
		record := make(map[string]any, len(result.Columns))
		for i, column := range result.Columns {
			if i < len(row) {
				record[column] = row[i]
			}
		}
		records = append(records, record)
	}
	return records
}
