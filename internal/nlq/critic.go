package nlq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/querydeck/querydeck/internal/engine"
	"github.com/querydeck/querydeck/internal/llm"
	"github.com/querydeck/querydeck/internal/observability"
)

// SQLExecutor is the engine capability the critic needs. Statement failures
// must come back as *engine.ExecutionError; only that class is retryable.
type SQLExecutor interface {
	Execute(ctx context.Context, sql string) (engine.Result, error)
}

// Critic runs a candidate statement and, on execution failure, requests
// corrected statements conditioned on the full failure history until success
// or the retry budget runs out.
//
// Per invocation the state machine is Attempting(n) -> Succeeded |
// Attempting(n+1) | Exhausted. Corrections are strictly sequential: each one
// depends on the prior failure.
type Critic struct {
	executor   SQLExecutor
	client     llm.Client
	maxRetries int
	logger     *slog.Logger
}

func NewCritic(executor SQLExecutor, client llm.Client, maxRetries int, logger *slog.Logger) *Critic {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Critic{executor: executor, client: client, maxRetries: maxRetries, logger: logger}
}

// ExecuteWithRetry drives the retry loop. Exhaustion is a failed result, not
// an error; a generation failure aborts immediately without being counted as
// an attempt. Any non-execution error from the engine propagates untouched.
func (c *Critic) ExecuteWithRetry(ctx context.Context, sqlText, question string, schema engine.Schema) (ExecutionResult, error) {
	schemaText := formatSchema(schema)
	current := sqlText
	history := make([]Attempt, 0, c.maxRetries)

	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		data, err := c.executor.Execute(ctx, current)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("sql corrected", "attempts", attempt)
			}
			return ExecutionResult{
				Success:  true,
				SQL:      current,
				Data:     &data,
				Attempts: attempt,
				History:  history,
			}, nil
		}

		var execErr *engine.ExecutionError
		if !errors.As(err, &execErr) {
			return ExecutionResult{}, err
		}

		history = append(history, Attempt{SQL: current, Err: execErr.Message})
		c.logger.Warn("sql attempt failed",
			"attempt", attempt, "max_retries", c.maxRetries, "error", execErr.Message)

		if attempt == c.maxRetries {
			observability.ObserveRetryExhaustion()
			return ExecutionResult{
				Success:  false,
				SQL:      current,
				Err:      execErr.Message,
				Attempts: attempt,
				History:  history,
			}, nil
		}

		corrected, err := c.client.Complete(ctx,
			correctionPrompt(schemaText, question, current, execErr.Message, history))
		if err != nil {
			return ExecutionResult{}, fmt.Errorf("request correction: %w", err)
		}
		current = CleanSQL(corrected)
	}

	return ExecutionResult{}, fmt.Errorf("retry loop ended without a terminal state")
}
