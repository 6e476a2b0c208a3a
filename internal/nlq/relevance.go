package nlq

import (
	"strings"

	fuzzy "github.com/paul-mannino/go-fuzzywuzzy"

	"github.com/querydeck/querydeck/internal/engine"
)

// relevant reports whether the question plausibly targets the loaded
// dataset. The business vocabulary is derived from the schema itself: the
// underscore-split fragments of every table and column name. A token passes
// by vocabulary membership or by fuzzy-matching a table name at or above the
// threshold.
func relevant(question string, schema engine.Schema, threshold int) bool {
	if threshold <= 0 {
		threshold = 70
	}

	vocabulary := make(map[string]bool)
	for _, table := range schema {
		for _, fragment := range strings.Split(strings.ToLower(table.Name), "_") {
			vocabulary[fragment] = true
		}
		for _, column := range table.Columns {
			for _, fragment := range strings.Split(strings.ToLower(column.Name), "_") {
				vocabulary[fragment] = true
			}
		}
	}

	for _, token := range tokenize(question) {
		if vocabulary[token] {
			return true
		}
		for _, table := range schema {
			if fuzzy.PartialRatio(token, table.Name) >= threshold {
				return true
			}
		}
	}
	return false
}

// rejectionMessage names up to three example tables so the user knows what
// the dataset can answer.
func rejectionMessage(schema engine.Schema) string {
	names := schema.TableNames()
	if len(names) > 3 {
		names = names[:3]
	}
	examples := "your data"
	if len(names) > 0 {
		examples = strings.Join(names, ", ")
	}
	return "I can only answer questions about your database. Try asking about " + examples + "."
}
