package nlq

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"sync/atomic"
	"unicode"

	fuzzy "github.com/paul-mannino/go-fuzzywuzzy"

	"github.com/querydeck/querydeck/internal/engine"
	"github.com/querydeck/querydeck/internal/llm"
)

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "in": true, "of": true,
	"for": true, "by": true, "and": true, "or": true, "to": true, "show": true,
	"me": true, "what": true, "how": true, "many": true, "which": true,
	"who": true, "where": true, "get": true, "find": true, "list": true,
	"give": true, "with": true, "per": true,
}

// ValueSampler is the engine capability the resolver needs for value hints.
type ValueSampler interface {
	DistinctValues(ctx context.Context, table, column string, limit int) ([]string, error)
}

type columnEntry struct {
	Table  string
	Column string
	Type   string
}

// snapshot is the immutable matching state built from one schema. Refresh
// swaps in a whole new snapshot; in-flight Enrich calls see old or new,
// never a partial mix.
type snapshot struct {
	columns    []columnEntry
	embeddings [][]float64
}

// Resolver ranks schema columns against free-text question keywords. The
// scoring variant (lexical or hybrid) is chosen once at construction.
type Resolver struct {
	sampler     ValueSampler
	scorer      scorer
	threshold   int
	sampleLimit int
	logger      *slog.Logger

	snap atomic.Pointer[snapshot]
}

type ResolverConfig struct {
	Sampler     ValueSampler
	Embedder    llm.Embedder
	Threshold   int
	SampleLimit int
	Logger      *slog.Logger
}

func NewResolver(cfg ResolverConfig) *Resolver {
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = 70
	}
	sampleLimit := cfg.SampleLimit
	if sampleLimit <= 0 {
		sampleLimit = 5
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var sc scorer = lexicalScorer{}
	if cfg.Embedder != nil {
		sc = &hybridScorer{embedder: cfg.Embedder, logger: logger}
	}

	r := &Resolver{
		sampler:     cfg.Sampler,
		scorer:      sc,
		threshold:   threshold,
		sampleLimit: sampleLimit,
		logger:      logger,
	}
	r.snap.Store(&snapshot{})
	return r
}

func (r *Resolver) Mode() MatchMode {
	return r.scorer.mode()
}

// Refresh rebuilds the matching snapshot from a fresh schema. Must be called
// after every load, upload, or drop.
func (r *Resolver) Refresh(ctx context.Context, schema engine.Schema) error {
	columns := make([]columnEntry, 0)
	for _, table := range schema {
		for _, column := range table.Columns {
			columns = append(columns, columnEntry{Table: table.Name, Column: column.Name, Type: column.Type})
		}
	}

	embeddings, err := r.scorer.prepare(ctx, columns)
	if err != nil {
		return err
	}

	r.snap.Store(&snapshot{columns: columns, embeddings: embeddings})
	return nil
}

// Enrich scores every keyword of the question against the columns of the
// caller-supplied active tables and samples values for the retained matches.
// It never fails: no matches is a valid outcome and sampling errors degrade
// to empty hint lists.
func (r *Resolver) Enrich(ctx context.Context, question string, schema engine.Schema) EnrichedContext {
	snap := r.snap.Load()
	keywords := extractKeywords(question)

	active := make(map[string]bool, len(schema))
	for _, table := range schema {
		active[table.Name] = true
	}

	grid := r.scorer.scores(ctx, keywords, snap)

	// Best match per (table, column), first-seen order. Strict > keeps the
	// earliest keyword on score ties.
	index := make(map[string]int)
	matches := make([]ColumnMatch, 0)
	for ki, keyword := range keywords {
		for ci, entry := range snap.columns {
			if !active[entry.Table] {
				continue
			}
			score := grid[ki][ci]
			if score < float64(r.threshold) {
				continue
			}
			key := entry.Table + "\x00" + entry.Column
			if at, ok := index[key]; ok {
				if score > matches[at].Score {
					matches[at] = ColumnMatch{Keyword: keyword, Table: entry.Table, Column: entry.Column, Score: score}
				}
				continue
			}
			index[key] = len(matches)
			matches = append(matches, ColumnMatch{Keyword: keyword, Table: entry.Table, Column: entry.Column, Score: score})
		}
	}

	hints := make(map[string][]string, len(matches))
	for _, match := range matches {
		values, err := r.sampler.DistinctValues(ctx, match.Table, match.Column, r.sampleLimit)
		if err != nil {
			r.logger.Debug("value sampling failed",
				"table", match.Table, "column", match.Column, "error", err)
			values = []string{}
		}
		hints[match.Table+"."+match.Column] = values
	}

	seen := make(map[string]bool, len(matches))
	tables := make([]string, 0, len(matches))
	for _, match := range matches {
		if !seen[match.Table] {
			seen[match.Table] = true
			tables = append(tables, match.Table)
		}
	}

	return EnrichedContext{
		Schema:         schema,
		Matches:        matches,
		ValueHints:     hints,
		RelevantTables: tables,
		Mode:           r.scorer.mode(),
	}
}

// FormatContext renders the enriched context for the generation prompt. The
// schema is restricted to the relevant tables, falling back to the full
// schema when nothing matched. Pure formatting, no side effects.
func (r *Resolver) FormatContext(enriched EnrichedContext) string {
	restricted := enriched.Schema.Restrict(enriched.RelevantTables)
	if len(restricted) == 0 {
		restricted = enriched.Schema
	}

	parts := []string{
		"Matching mode: " + string(enriched.Mode) + "\n" + formatSchema(restricted),
	}

	if len(enriched.Matches) > 0 {
		parts = append(parts, "Semantic Hints:")
		for _, match := range enriched.Matches {
			parts = append(parts, "  '"+match.Keyword+"' likely refers to "+match.Table+"."+match.Column)
		}
		for _, match := range enriched.Matches {
			key := match.Table + "." + match.Column
			if values := enriched.ValueHints[key]; len(values) > 0 {
				parts = append(parts, "  Sample values for "+key+": "+strings.Join(values, ", "))
			}
		}
	}

	return strings.Join(parts, "\n")
}

// tokenize splits a question on non-word runes and lower-cases the tokens.
func tokenize(question string) []string {
	return strings.FieldsFunc(strings.ToLower(question), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
}

// extractKeywords tokenizes a question and drops stop words.
func extractKeywords(question string) []string {
	tokens := tokenize(question)
	keywords := make([]string, 0, len(tokens))
	for _, token := range tokens {
		if !stopWords[token] {
			keywords = append(keywords, token)
		}
	}
	return keywords
}

// scorer is the two-variant scoring contract: one similarity in [0,100] per
// (keyword, column) pair. The variant is fixed at resolver construction;
// call sites never branch on capability.
type scorer interface {
	mode() MatchMode
	prepare(ctx context.Context, columns []columnEntry) ([][]float64, error)
	scores(ctx context.Context, keywords []string, snap *snapshot) [][]float64
}

type lexicalScorer struct{}

func (lexicalScorer) mode() MatchMode { return ModeLexical }

func (lexicalScorer) prepare(context.Context, []columnEntry) ([][]float64, error) {
	return nil, nil
}

func (lexicalScorer) scores(_ context.Context, keywords []string, snap *snapshot) [][]float64 {
	return lexicalGrid(keywords, snap)
}

// hybridScorer combines lexical partial-ratio with embedding cosine
// similarity, taking the max. Max over average is a deliberate recall bias:
// short tokens often embed poorly but hit lexically.
type hybridScorer struct {
	embedder llm.Embedder
	logger   *slog.Logger
}

func (*hybridScorer) mode() MatchMode { return ModeHybrid }

func (s *hybridScorer) prepare(ctx context.Context, columns []columnEntry) ([][]float64, error) {
	if len(columns) == 0 {
		return nil, nil
	}
	names := make([]string, len(columns))
	for i, column := range columns {
		names[i] = strings.ToLower(column.Column)
	}
	return s.embedder.Embed(ctx, names)
}

func (s *hybridScorer) scores(ctx context.Context, keywords []string, snap *snapshot) [][]float64 {
	grid := lexicalGrid(keywords, snap)
	if len(keywords) == 0 || len(snap.embeddings) != len(snap.columns) {
		return grid
	}

	vectors, err := s.embedder.Embed(ctx, keywords)
	if err != nil {
		s.logger.Warn("keyword embedding failed, lexical scores only", "error", err)
		return grid
	}

	for ki := range keywords {
		for ci := range snap.columns {
			semantic := cosineSimilarity(vectors[ki], snap.embeddings[ci]) * 100
			if semantic > grid[ki][ci] {
				grid[ki][ci] = semantic
			}
		}
	}
	return grid
}

func lexicalGrid(keywords []string, snap *snapshot) [][]float64 {
	grid := make([][]float64, len(keywords))
	for ki, keyword := range keywords {
		row := make([]float64, len(snap.columns))
		for ci, entry := range snap.columns {
			row[ci] = float64(fuzzy.PartialRatio(keyword, strings.ToLower(entry.Column)))
		}
		grid[ki] = row
	}
	return grid
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
