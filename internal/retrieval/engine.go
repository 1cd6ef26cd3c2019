// Package retrieval answers natural-language questions over the indexed
// knowledge base. A query runs as a fixed sequence: embed the query, search
// the vector store, rank and filter, assemble a context block, generate an
// answer, and finally persist the exchange to conversation memory. No stage
// retries; any failure before generation aborts the whole query, and no
// partial answer is ever returned.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/facilityos/knowledge-engine/internal/conversation"
	"github.com/facilityos/knowledge-engine/internal/domain"
	"github.com/facilityos/knowledge-engine/internal/embedding"
	"github.com/facilityos/knowledge-engine/internal/generative"
	"github.com/facilityos/knowledge-engine/internal/store"
)

const (
	// DefaultTopK is how many candidates a search fetches before ranking.
	DefaultTopK = 5

	// DefaultMinScore is the relevance floor applied after ranking.
	DefaultMinScore = 0.3

	// DefaultRecencyWindow is how close two timestamps must be before
	// relevance outranks recency.
	DefaultRecencyWindow = time.Hour

	contextSeparator = "\n\n---\n\n"

	// noResultsMarker is substituted when nothing survives filtering, so
	// the generative call never receives an empty context silently.
	noResultsMarker = "No relevant information was found in the knowledge base for this question."

	systemPrompt = "You are the facility-management assistant. Answer the resident's question " +
		"using only the provided context of incident reports, FAQs, facility records, and " +
		"operating procedures. Answer in the language the question was asked in. If the " +
		"context does not contain the answer, say so and suggest contacting the management office."
)

// Searcher is the single vector-store operation the engine needs.
type Searcher interface {
	Search(ctx context.Context, vector []float32, opts store.SearchOptions) ([]store.ScoredPoint, error)
}

// Memory is the slice of the conversation store the engine uses. A nil
// Memory disables multi-turn context entirely.
type Memory interface {
	Get(ctx context.Context, userID string) *conversation.History
	AppendExchange(ctx context.Context, userID, question, answer string) error
}

// Options tunes one query. Zero values fall back to the engine's configured
// defaults; an empty SourceTypes searches every source type, and an empty
// UserID runs the query without conversation memory.
type Options struct {
	TopK        int
	MinScore    float64
	SourceTypes []domain.SourceType
	UserID      string
	Temperature float64
	MaxTokens   int
}

// Source describes one knowledge entry that informed an answer.
type Source struct {
	VectorID   string  `json:"vector_id"`
	SourceType string  `json:"source_type"`
	SourceID   string  `json:"source_id"`
	Title      string  `json:"title"`
	Score      float64 `json:"score"`
}

// Answer is a completed query.
type Answer struct {
	Answer  string           `json:"answer"`
	Sources []Source         `json:"sources"`
	Usage   generative.Usage `json:"usage"`
}

// Params carries the engine's configured defaults.
type Params struct {
	TopK          int
	MinScore      float64
	RecencyWindow time.Duration
}

// Engine orchestrates query-time retrieval.
type Engine struct {
	embedder  embedding.Provider
	searcher  Searcher
	generator generative.Provider
	memory    Memory
	params    Params
	logger    *slog.Logger
}

// NewEngine creates a retrieval engine. Zero-valued Params fields fall back
// to the package defaults.
func NewEngine(embedder embedding.Provider, searcher Searcher, generator generative.Provider, memory Memory, params Params, logger *slog.Logger) *Engine {
	if params.TopK <= 0 {
		params.TopK = DefaultTopK
	}
	if params.MinScore <= 0 {
		params.MinScore = DefaultMinScore
	}
	if params.RecencyWindow <= 0 {
		params.RecencyWindow = DefaultRecencyWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		embedder:  embedder,
		searcher:  searcher,
		generator: generator,
		memory:    memory,
		params:    params,
		logger:    logger,
	}
}

// Query runs the full retrieval sequence for one question.
func (e *Engine) Query(ctx context.Context, text string, opts Options) (*Answer, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("query text is empty")
	}

	topK := opts.TopK
	if topK <= 0 {
		topK = e.params.TopK
	}
	minScore := opts.MinScore
	if minScore <= 0 {
		minScore = e.params.MinScore
	}

	vector, err := e.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	// The search runs without a score threshold so ranking sees the full
	// score distribution; the floor is applied after ranking.
	raw, err := e.searcher.Search(ctx, vector, store.SearchOptions{
		Limit:       topK,
		SourceTypes: sourceTypeStrings(opts.SourceTypes),
	})
	if err != nil {
		return nil, fmt.Errorf("similarity search failed: %w", err)
	}
	e.logRawScores(raw)

	ranked := rankResults(raw, minScore, e.params.RecencyWindow)

	messages := e.buildMessages(ctx, text, assembleContext(ranked), opts.UserID)

	completion, err := e.generator.Complete(ctx, messages, generative.Options{
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("answer generation failed: %w", err)
	}

	// The answer is already computed; losing the memory write must not
	// lose the answer.
	if opts.UserID != "" && e.memory != nil {
		if err := e.memory.AppendExchange(ctx, opts.UserID, text, completion.Content); err != nil {
			e.logger.Warn("failed to persist conversation exchange",
				"user_id", opts.UserID, "error", err)
		}
	}

	return &Answer{
		Answer:  completion.Content,
		Sources: toSources(ranked),
		Usage:   completion.Usage,
	}, nil
}

// buildMessages assembles the completion request: system prompt, prior
// conversation turns in chronological order, then the current question with
// its retrieved context.
func (e *Engine) buildMessages(ctx context.Context, question, contextBlock, userID string) []generative.Message {
	messages := []generative.Message{
		{Role: generative.RoleSystem, Content: systemPrompt},
	}

	if userID != "" && e.memory != nil {
		for _, turn := range e.memory.Get(ctx, userID).Messages {
			messages = append(messages, generative.Message{
				Role:    generative.Role(turn.Role),
				Content: turn.Content,
			})
		}
	}

	messages = append(messages, generative.Message{
		Role:    generative.RoleUser,
		Content: fmt.Sprintf("Context:\n%s\n\nQuestion: %s", contextBlock, question),
	})
	return messages
}

func (e *Engine) logRawScores(raw []store.ScoredPoint) {
	if len(raw) == 0 {
		e.logger.Debug("search returned no candidates")
		return
	}
	minScore, maxScore := raw[0].Score, raw[0].Score
	for _, p := range raw[1:] {
		minScore = min(minScore, p.Score)
		maxScore = max(maxScore, p.Score)
	}
	e.logger.Debug("raw search scores",
		"candidates", len(raw), "min_score", minScore, "max_score", maxScore)
}

// assembleContext renders the surviving results as a numbered block.
func assembleContext(ranked []store.ScoredPoint) string {
	if len(ranked) == 0 {
		return noResultsMarker
	}

	blocks := make([]string, len(ranked))
	for i, p := range ranked {
		title, _ := p.Payload[store.PayloadTitle].(string)
		sourceType, _ := p.Payload[store.PayloadSourceType].(string)
		content, _ := p.Payload[store.PayloadContent].(string)
		blocks[i] = fmt.Sprintf("[%d] %s (%s, score: %.2f)\n%s",
			i+1, title, sourceType, p.Score, content)
	}
	return strings.Join(blocks, contextSeparator)
}

func toSources(ranked []store.ScoredPoint) []Source {
	sources := make([]Source, len(ranked))
	for i, p := range ranked {
		title, _ := p.Payload[store.PayloadTitle].(string)
		sourceType, _ := p.Payload[store.PayloadSourceType].(string)
		sourceID, _ := p.Payload[store.PayloadSourceID].(string)
		sources[i] = Source{
			VectorID:   p.ID,
			SourceType: sourceType,
			SourceID:   sourceID,
			Title:      title,
			Score:      p.Score,
		}
	}
	return sources
}

func sourceTypeStrings(types []domain.SourceType) []string {
	if len(types) == 0 {
		return nil
	}
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}
