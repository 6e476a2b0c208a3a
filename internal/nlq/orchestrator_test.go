package nlq

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/querydeck/querydeck/internal/engine"
	"github.com/querydeck/querydeck/internal/llm"
)

type fakeEngine struct {
	schema       engine.Schema
	schemaErr    error
	executor     scriptedExecutor
	values       map[string][]string
	categoricals map[string][]string
}

func (f *fakeEngine) Execute(ctx context.Context, sql string) (engine.Result, error) {
	return f.executor.Execute(ctx, sql)
}

func (f *fakeEngine) Schema(context.Context) (engine.Schema, error) {
	return f.schema, f.schemaErr
}

func (f *fakeEngine) DistinctValues(_ context.Context, table, column string, _ int) ([]string, error) {
	return f.values[table+"."+column], nil
}

func (f *fakeEngine) CategoricalValues(context.Context, engine.Schema, int) map[string][]string {
	return f.categoricals
}

type memoryRecorder struct {
	records []RunRecord
	err     error
}

func (m *memoryRecorder) RecordRun(_ context.Context, rec RunRecord) error {
	m.records = append(m.records, rec)
	return m.err
}

func newTestOrchestrator(t *testing.T, eng *fakeEngine, client *scriptedClient, recorder Recorder) *Orchestrator {
	t.Helper()
	resolver := NewResolver(ResolverConfig{Sampler: eng})
	if err := resolver.Refresh(context.Background(), eng.schema); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	return NewOrchestrator(OrchestratorConfig{
		Engine:   eng,
		Resolver: resolver,
		Critic:   NewCritic(eng, client, 3, nil),
		Client:   client,
		Recorder: recorder,
	})
}

func TestRunRejectsIrrelevantQuestion(t *testing.T) {
	eng := &fakeEngine{schema: northwindSchema()}
	client := &scriptedClient{}
	o := newTestOrchestrator(t, eng, client, nil)

	result, err := o.Run(context.Background(), Request{Question: "what is the meaning of life"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Success {
		t.Fatal("result.Success = true, want rejection")
	}
	if result.Attempts != 0 {
		t.Fatalf("attempts = %d, want 0", result.Attempts)
	}
	if !strings.Contains(result.Err, "orders, customers") {
		t.Fatalf("rejection message = %q, want example tables", result.Err)
	}
	if len(client.prompts) != 0 {
		t.Fatal("relevance rejection must not spend a generation call")
	}
	if len(eng.executor.executed) != 0 {
		t.Fatal("relevance rejection must not execute sql")
	}
}

func TestRunHistoryBypassesRelevanceGate(t *testing.T) {
	eng := &fakeEngine{
		schema: northwindSchema(),
		executor: scriptedExecutor{outcomes: []execOutcome{
			execSuccess([]string{"n"}, [][]any{{int64(5)}}),
		}},
	}
	client := &scriptedClient{completions: []string{"SELECT COUNT(*) AS n FROM \"orders\""}}
	o := newTestOrchestrator(t, eng, client, nil)

	result, err := o.Run(context.Background(), Request{
		Question: "who are they?",
		History:  []Turn{{Question: "top customers", SQL: "SELECT customerID FROM customers"}},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !result.Success {
		t.Fatalf("result = %+v, want success (gate bypassed)", result)
	}
	if len(client.prompts) == 0 {
		t.Fatal("expected a generation call")
	}
}

func TestRunProducesPipelineResult(t *testing.T) {
	eng := &fakeEngine{
		schema: northwindSchema(),
		executor: scriptedExecutor{outcomes: []execOutcome{
			execSuccess([]string{"total"}, [][]any{{42.5}}),
		}},
		categoricals: map[string][]string{"customers.companyName": {"ACME", "Globex"}},
	}
	client := &scriptedClient{completions: []string{"SELECT SUM(\"total\") AS total FROM \"orders\""}}
	recorder := &memoryRecorder{}
	o := newTestOrchestrator(t, eng, client, recorder)

	result, err := o.Run(context.Background(), Request{Question: "total revenue per customer"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !result.Success || result.Attempts != 1 {
		t.Fatalf("result = %+v", result)
	}
	if result.Question != "total revenue per customer" {
		t.Fatalf("question = %q", result.Question)
	}
	if len(result.RelevantTables) == 0 || len(result.Matches) == 0 {
		t.Fatalf("resolver findings missing: %+v", result)
	}

	prompt := client.prompts[0].Messages[0].Content
	if !strings.Contains(prompt, "Detected Join Relationships:") {
		t.Fatalf("generation prompt missing relationship hints:\n%s", prompt)
	}
	if !strings.Contains(prompt, "Categorical Values:") || !strings.Contains(prompt, "customers.companyName: ACME, Globex") {
		t.Fatalf("generation prompt missing categorical values:\n%s", prompt)
	}

	if len(recorder.records) != 1 {
		t.Fatalf("records = %d, want 1", len(recorder.records))
	}
	rec := recorder.records[0]
	if !rec.Success || rec.Attempts != 1 || rec.Question != "total revenue per customer" {
		t.Fatalf("record = %+v", rec)
	}
	if rec.Duration < 0 || rec.Duration > time.Minute {
		t.Fatalf("duration = %v", rec.Duration)
	}
}

func TestRunRecorderFailureIsSwallowed(t *testing.T) {
	eng := &fakeEngine{
		schema: northwindSchema(),
		executor: scriptedExecutor{outcomes: []execOutcome{
			execSuccess([]string{"n"}, [][]any{{int64(1)}}),
		}},
	}
	client := &scriptedClient{}
	recorder := &memoryRecorder{err: errors.New("pg down")}
	o := newTestOrchestrator(t, eng, client, recorder)

	result, err := o.Run(context.Background(), Request{Question: "how many orders"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !result.Success {
		t.Fatalf("result = %+v", result)
	}
}

func collectEvents(t *testing.T, o *Orchestrator, req Request) []Event {
	t.Helper()
	var events []Event
	err := o.RunStream(context.Background(), req, func(event Event) error {
		events = append(events, event)
		return nil
	})
	if err != nil {
		t.Fatalf("RunStream() error = %v", err)
	}
	return events
}

func eventTypes(events []Event) []string {
	types := make([]string, len(events))
	for i, event := range events {
		types[i] = event.Type
	}
	return types
}

func TestRunStreamEventOrderOnSuccess(t *testing.T) {
	eng := &fakeEngine{
		schema: northwindSchema(),
		executor: scriptedExecutor{outcomes: []execOutcome{
			execSuccess([]string{"total"}, [][]any{{10.0}, {20.0}}),
		}},
	}
	client := &scriptedClient{
		completions:  []string{"SELECT \"total\" FROM \"orders\""},
		streamChunks: []string{"Revenue ", "is up."},
	}
	o := newTestOrchestrator(t, eng, client, nil)

	events := collectEvents(t, o, Request{Question: "total revenue per customer"})

	want := []string{
		EventThinking, EventThinking, EventThinking,
		EventSQL, EventResult,
		EventThinking, EventSummary, EventSummary, EventSummaryDone,
	}
	got := eventTypes(events)
	if len(got) != len(want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %q, want %q (all: %v)", i, got[i], want[i], got)
		}
	}

	var result Event
	for _, event := range events {
		if event.Type == EventResult {
			result = event
		}
	}
	if result.RowCount != 2 || result.Attempts != 1 {
		t.Fatalf("result event = %+v", result)
	}
	records, ok := result.Content.([]map[string]any)
	if !ok || len(records) != 2 || records[0]["total"] != 10.0 {
		t.Fatalf("result content = %#v", result.Content)
	}
}

func TestRunStreamEndsAfterRelevanceError(t *testing.T) {
	eng := &fakeEngine{schema: northwindSchema()}
	client := &scriptedClient{}
	o := newTestOrchestrator(t, eng, client, nil)

	events := collectEvents(t, o, Request{Question: "tell me a joke"})
	got := eventTypes(events)
	if got[len(got)-1] != EventError {
		t.Fatalf("last event = %q, want error", got[len(got)-1])
	}
	for _, event := range events[:len(events)-1] {
		if event.Type == EventError {
			t.Fatalf("error event not terminal: %v", got)
		}
	}
	if len(client.prompts) != 0 {
		t.Fatal("relevance rejection must not spend a generation call")
	}
}

func TestRunStreamReportsExhaustion(t *testing.T) {
	eng := &fakeEngine{
		schema: northwindSchema(),
		executor: scriptedExecutor{outcomes: []execOutcome{
			execFailure("binder error"),
		}},
	}
	client := &scriptedClient{completions: []string{
		"SELECT bad FROM \"orders\"", "SELECT worse", "SELECT worst",
	}}
	o := newTestOrchestrator(t, eng, client, nil)

	events := collectEvents(t, o, Request{Question: "total revenue per customer"})
	got := eventTypes(events)
	if got[len(got)-1] != EventError {
		t.Fatalf("last event = %q, want error (events: %v)", got[len(got)-1], got)
	}
	for _, event := range events {
		if event.Type == EventResult || event.Type == EventSummary {
			t.Fatalf("unexpected %q event after exhaustion: %v", event.Type, got)
		}
	}

	refined := false
	for _, event := range events {
		if event.Type == EventThinking {
			if content, ok := event.Content.(string); ok && strings.Contains(content, "Refining query") {
				refined = true
			}
		}
	}
	if !refined {
		t.Fatalf("missing refinement notice: %v", events)
	}
}

func TestRunStreamSummaryFailureIsNonFatal(t *testing.T) {
	eng := &fakeEngine{
		schema: northwindSchema(),
		executor: scriptedExecutor{outcomes: []execOutcome{
			execSuccess([]string{"n"}, [][]any{{int64(1)}}),
		}},
	}
	client := &scriptedClient{
		completions: []string{"SELECT COUNT(*) AS n FROM \"orders\""},
		streamErr:   &llm.GenerationError{Op: "chat stream", Err: errors.New("503")},
	}
	o := newTestOrchestrator(t, eng, client, nil)

	events := collectEvents(t, o, Request{Question: "how many orders"})
	got := eventTypes(events)

	sawResult := false
	for _, kind := range got {
		if kind == EventResult {
			sawResult = true
		}
	}
	if !sawResult {
		t.Fatalf("result event missing: %v", got)
	}
	if got[len(got)-1] != EventError {
		t.Fatalf("last event = %q, want non-fatal error (events: %v)", got[len(got)-1], got)
	}
}

func TestRunStreamStopsWhenConsumerLeaves(t *testing.T) {
	eng := &fakeEngine{
		schema: northwindSchema(),
		executor: scriptedExecutor{outcomes: []execOutcome{
			execSuccess([]string{"n"}, [][]any{{int64(1)}}),
		}},
	}
	client := &scriptedClient{}
	o := newTestOrchestrator(t, eng, client, nil)

	gone := errors.New("client disconnected")
	count := 0
	err := o.RunStream(context.Background(), Request{Question: "how many orders"}, func(Event) error {
		count++
		if count == 2 {
			return gone
		}
		return nil
	})
	if !errors.Is(err, gone) {
		t.Fatalf("RunStream() error = %v, want disconnect error", err)
	}
	if count != 2 {
		t.Fatalf("emit count = %d, want 2", count)
	}
}

func TestRunStreamEmptySchema(t *testing.T) {
	eng := &fakeEngine{}
	client := &scriptedClient{}
	o := newTestOrchestrator(t, eng, client, nil)

	events := collectEvents(t, o, Request{Question: "anything"})
	last := events[len(events)-1]
	if last.Type != EventError {
		t.Fatalf("last event = %+v, want error", last)
	}
}

func TestRelevantVocabulary(t *testing.T) {
	schema := engine.Schema{
		{Name: "order_details", Columns: []engine.ColumnSchema{
			{Name: "unit_price", Type: "DOUBLE"},
		}},
	}
	tests := []struct {
		question string
		want     bool
	}{
		{"average unit price", true},
		{"show order details", true},
		{"what is the meaning of life", false},
		{"ordr totals", true},
	}
	for _, tt := range tests {
		if got := relevant(tt.question, schema, 70); got != tt.want {
			t.Fatalf("relevant(%q) = %v, want %v", tt.question, got, tt.want)
		}
	}
}
