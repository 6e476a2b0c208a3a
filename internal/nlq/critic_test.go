package nlq

import (
	"context"
	"errors"
	"testing"

	"github.com/querydeck/querydeck/internal/engine"
	"github.com/querydeck/querydeck/internal/llm"
)

type execOutcome struct {
	result engine.Result
	err    error
}

type scriptedExecutor struct {
	outcomes []execOutcome
	executed []string
}

func (s *scriptedExecutor) Execute(_ context.Context, sql string) (engine.Result, error) {
	s.executed = append(s.executed, sql)
	if len(s.outcomes) == 0 {
		return engine.Result{}, &engine.ExecutionError{Query: sql, Message: "no outcome scripted"}
	}
	outcome := s.outcomes[0]
	if len(s.outcomes) > 1 {
		s.outcomes = s.outcomes[1:]
	}
	return outcome.result, outcome.err
}

type scriptedClient struct {
	completions  []string
	completeErr  error
	prompts      []llm.Prompt
	streamChunks []string
	streamErr    error
}

func (s *scriptedClient) Complete(_ context.Context, prompt llm.Prompt) (string, error) {
	s.prompts = append(s.prompts, prompt)
	if s.completeErr != nil {
		return "", s.completeErr
	}
	if len(s.completions) == 0 {
		return "SELECT 1", nil
	}
	out := s.completions[0]
	if len(s.completions) > 1 {
		s.completions = s.completions[1:]
	}
	return out, nil
}

func (s *scriptedClient) Stream(_ context.Context, prompt llm.Prompt, emit func(string) error) error {
	s.prompts = append(s.prompts, prompt)
	if s.streamErr != nil {
		return s.streamErr
	}
	for _, chunk := range s.streamChunks {
		if err := emit(chunk); err != nil {
			return err
		}
	}
	return nil
}

func execFailure(message string) execOutcome {
	return execOutcome{err: &engine.ExecutionError{Message: message}}
}

func execSuccess(columns []string, rows [][]any) execOutcome {
	return execOutcome{result: engine.Result{Columns: columns, Rows: rows}}
}

func TestCriticSucceedsFirstTry(t *testing.T) {
	executor := &scriptedExecutor{outcomes: []execOutcome{
		execSuccess([]string{"n"}, [][]any{{int64(3)}}),
	}}
	client := &scriptedClient{}
	critic := NewCritic(executor, client, 3, nil)

	result, err := critic.ExecuteWithRetry(context.Background(), "SELECT COUNT(*) FROM orders", "how many orders", northwindSchema())
	if err != nil {
		t.Fatalf("ExecuteWithRetry() error = %v", err)
	}
	if !result.Success || result.Attempts != 1 || len(result.History) != 0 {
		t.Fatalf("result = %+v", result)
	}
	if len(client.prompts) != 0 {
		t.Fatal("correction requested despite first-try success")
	}
}

func TestCriticCorrectsAndSucceeds(t *testing.T) {
	executor := &scriptedExecutor{outcomes: []execOutcome{
		execFailure(`Referenced column "customerName" not found`),
		execSuccess([]string{"companyName"}, [][]any{{"ACME"}}),
	}}
	client := &scriptedClient{completions: []string{"```sql\nSELECT \"companyName\" FROM \"customers\"\n```"}}
	critic := NewCritic(executor, client, 3, nil)

	result, err := critic.ExecuteWithRetry(context.Background(),
		"SELECT customerName FROM customers", "list customers", northwindSchema())
	if err != nil {
		t.Fatalf("ExecuteWithRetry() error = %v", err)
	}
	if !result.Success || result.Attempts != 2 {
		t.Fatalf("result = %+v", result)
	}
	if len(result.History) != 1 || result.History[0].SQL != "SELECT customerName FROM customers" {
		t.Fatalf("history = %+v", result.History)
	}
	if got := executor.executed[1]; got != `SELECT "companyName" FROM "customers"` {
		t.Fatalf("corrected sql not cleaned before execution: %q", got)
	}
}

func TestCriticExhaustsRetryBudget(t *testing.T) {
	executor := &scriptedExecutor{outcomes: []execOutcome{
		execFailure("binder error 1"),
	}}
	client := &scriptedClient{completions: []string{"SELECT still_bad_1", "SELECT still_bad_2"}}
	critic := NewCritic(executor, client, 3, nil)

	result, err := critic.ExecuteWithRetry(context.Background(), "SELECT bad", "q", northwindSchema())
	if err != nil {
		t.Fatalf("ExecuteWithRetry() error = %v", err)
	}
	if result.Success {
		t.Fatal("result.Success = true, want false")
	}
	if result.Attempts != 3 || len(result.History) != 3 {
		t.Fatalf("attempts = %d, history = %d, want 3/3", result.Attempts, len(result.History))
	}
	if len(executor.executed) != 3 {
		t.Fatalf("executed %d statements, want 3", len(executor.executed))
	}
	if len(client.prompts) != 2 {
		t.Fatalf("correction calls = %d, want 2", len(client.prompts))
	}
}

func TestCriticGenerationFailureAborts(t *testing.T) {
	executor := &scriptedExecutor{outcomes: []execOutcome{
		execFailure("binder error"),
	}}
	client := &scriptedClient{completeErr: &llm.GenerationError{Op: "chat completion", Err: errors.New("503")}}
	critic := NewCritic(executor, client, 3, nil)

	_, err := critic.ExecuteWithRetry(context.Background(), "SELECT bad", "q", northwindSchema())
	var genErr *llm.GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("error = %v, want *llm.GenerationError", err)
	}
	if len(executor.executed) != 1 {
		t.Fatalf("executed %d statements, want 1 (generation failure is not an attempt)", len(executor.executed))
	}
}

func TestCriticPropagatesNonExecutionErrors(t *testing.T) {
	infra := errors.New("connection reset")
	executor := &scriptedExecutor{outcomes: []execOutcome{{err: infra}}}
	client := &scriptedClient{}
	critic := NewCritic(executor, client, 3, nil)

	_, err := critic.ExecuteWithRetry(context.Background(), "SELECT 1", "q", northwindSchema())
	if !errors.Is(err, infra) {
		t.Fatalf("error = %v, want infra error", err)
	}
	if len(client.prompts) != 0 {
		t.Fatal("correction requested for a non-retryable error")
	}
}

func TestCriticDefaultBudget(t *testing.T) {
	critic := NewCritic(&scriptedExecutor{}, &scriptedClient{}, 0, nil)
	if critic.maxRetries != 3 {
		t.Fatalf("maxRetries = %d, want 3", critic.maxRetries)
	}
}
