package nlq

import (
	"fmt"
	"strings"

	"github.com/querydeck/querydeck/internal/engine"
	"github.com/querydeck/querydeck/internal/llm"
)

const generationSystem = `You are an expert DuckDB SQL generator.

Rules:
- Only use tables and columns from the provided schema.
- Return ONLY the raw SQL query, no markdown, no explanation.
- Never use columns that do not exist in the schema.
- Always use the exact column names provided in the schema context.
- Always wrap table and column identifiers in double quotes.
- Always use LOWER() for string comparisons so filters match regardless of casing.
- Always alias computed columns with clear names.
- Use DuckDB specific syntax (e.g. CURRENT_DATE, INTERVAL).
- If the question cannot be answered with the given schema, return:
  SELECT 'I cannot answer this question with the available data' AS message

Conversational context:
If the current question contains pronouns ('those', 'them', 'it', 'this') or
refers to previous results, use the conversation history below to resolve what
the user is talking about. Extract the concrete entities from the previous
question or SQL and write a brand new, fully self-contained query. Do not
answer that the entity is not in the database when the history identifies it.

Conversation history:
%s`

const correctionSystem = `You are an expert SQL debugger for DuckDB.
You fix broken SQL queries.
Study all previous attempts to avoid repeating the same mistakes.
Return ONLY the raw SQL query.`

const summarySystem = `You are a data analyst. Given the user's original question and this JSON result set, provide exactly ONE sentence summarizing the core insight in plain English. Do not explain the SQL. Keep it punchy.`

func generationPrompt(schemaContext, question string, history []Turn) llm.Prompt {
	historyText := "None"
	if len(history) > 0 {
		lines := make([]string, 0, len(history))
		for _, turn := range history {
			lines = append(lines, fmt.Sprintf("Q: %s\nSQL: %s", turn.Question, turn.SQL))
		}
		historyText = strings.Join(lines, "\n")
	}

	user := fmt.Sprintf("Schema:\n%s\n\nQuestion: %s\n\nReturn only the raw SQL query with no markdown or explanation.",
		schemaContext, question)

	return llm.Prompt{
		System:   fmt.Sprintf(generationSystem, historyText),
		Messages: []llm.Message{{Role: "user", Content: user}},
	}
}

func correctionPrompt(schemaContext, question, failingSQL, errMessage string, history []Attempt) llm.Prompt {
	var b strings.Builder
	fmt.Fprintf(&b, "Original question: %s\n\nSchema:\n%s\n", question, schemaContext)

	if len(history) > 0 {
		b.WriteString("\nPrevious failed attempts:\n")
		for i, attempt := range history {
			fmt.Fprintf(&b, "\nAttempt %d:\nSQL: %s\nError: %s\n", i+1, attempt.SQL, attempt.Err)
		}
	}

	fmt.Fprintf(&b, "\nCurrent failing SQL:\n%s\n\nCurrent error:\n%s\n\n", failingSQL, errMessage)
	b.WriteString("Fix the SQL query. Return only the corrected query with no markdown or explanation.")

	return llm.Prompt{
		System:   correctionSystem,
		Messages: []llm.Message{{Role: "user", Content: b.String()}},
	}
}

func summaryPrompt(question, resultsJSON string) llm.Prompt {
	return llm.Prompt{
		System: summarySystem,
		Messages: []llm.Message{{
			Role:    "user",
			Content: fmt.Sprintf("Question: %s\n\nResults:\n%s", question, resultsJSON),
		}},
		Temperature: 0.7,
		MaxTokens:   200,
	}
}

// formatSchema renders the typed table descriptions the way prompts expect
// them: one block per table, one indented line per column.
func formatSchema(schema engine.Schema) string {
	parts := make([]string, 0, len(schema))
	for _, table := range schema {
		lines := make([]string, 0, len(table.Columns)+1)
		lines = append(lines, "Table: "+table.Name)
		for _, column := range table.Columns {
			lines = append(lines, fmt.Sprintf("    %s (%s)", column.Name, column.Type))
		}
		parts = append(parts, strings.Join(lines, "\n"))
	}
	return strings.Join(parts, "\n\n")
}

// CleanSQL normalizes raw model output into an executable statement: strip
// whitespace, then markdown fences unless the text already starts with a SQL
// keyword. Idempotent: CleanSQL(CleanSQL(x)) == CleanSQL(x).
func CleanSQL(raw string) string {
	cleaned := strings.TrimSpace(raw)

	upper := strings.ToUpper(cleaned)
	for _, keyword := range []string{"SELECT", "WITH", "INSERT", "UPDATE", "DELETE"} {
		if strings.HasPrefix(upper, keyword) {
			return cleaned
		}
	}

	if strings.Contains(cleaned, "```") {
		lines := strings.Split(cleaned, "\n")
		if len(lines) > 0 && strings.HasPrefix(strings.TrimSpace(lines[0]), "```") {
			lines = lines[1:]
		}
		if len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "```" {
			lines = lines[:len(lines)-1]
		}
		cleaned = strings.TrimSpace(strings.Join(lines, "\n"))
	}

	return cleaned
}
