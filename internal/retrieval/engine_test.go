package retrieval

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facilityos/knowledge-engine/internal/conversation"
	"github.com/facilityos/knowledge-engine/internal/domain"
	"github.com/facilityos/knowledge-engine/internal/generative"
	"github.com/facilityos/knowledge-engine/internal/store"
)

const testDim = 4

type fakeEmbedder struct {
	failWith error
}

func (f *fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	return make([]float32, testDim), nil
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = make([]float32, testDim)
	}
	return out, nil
}

func (f *fakeEmbedder) Dimension() int { return testDim }

type fakeSearcher struct {
	results  []store.ScoredPoint
	lastOpts store.SearchOptions
	failWith error
}

func (f *fakeSearcher) Search(_ context.Context, _ []float32, opts store.SearchOptions) ([]store.ScoredPoint, error) {
	f.lastOpts = opts
	if f.failWith != nil {
		return nil, f.failWith
	}
	return f.results, nil
}

type fakeGenerator struct {
	lastMessages []generative.Message
	answer       string
	failWith     error
}

func (f *fakeGenerator) Complete(_ context.Context, messages []generative.Message, _ generative.Options) (*generative.Completion, error) {
	f.lastMessages = messages
	if f.failWith != nil {
		return nil, f.failWith
	}
	return &generative.Completion{
		Content: f.answer,
		Usage:   generative.Usage{PromptTokens: 120, CompletionTokens: 45},
	}, nil
}

type fakeMemory struct {
	histories map[string]*conversation.History
	exchanges int
	appendErr error
	getCalls  int
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{histories: make(map[string]*conversation.History)}
}

func (f *fakeMemory) Get(_ context.Context, userID string) *conversation.History {
	f.getCalls++
	if h, ok := f.histories[userID]; ok {
		return h
	}
	return &conversation.History{UserID: userID}
}

func (f *fakeMemory) AppendExchange(_ context.Context, userID, question, answer string) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	f.exchanges++
	h, ok := f.histories[userID]
	if !ok {
		h = &conversation.History{UserID: userID}
		f.histories[userID] = h
	}
	h.Messages = append(h.Messages,
		conversation.Message{Role: conversation.RoleUser, Content: question},
		conversation.Message{Role: conversation.RoleAssistant, Content: answer},
	)
	return nil
}

func storedHit(id, title, sourceType string, score float64, createdAt time.Time) store.ScoredPoint {
	return store.ScoredPoint{
		ID:    id,
		Score: score,
		Payload: map[string]any{
			store.PayloadTitle:      title,
			store.PayloadSourceType: sourceType,
			store.PayloadSourceID:   "src-" + id,
			store.PayloadContent:    "content of " + title,
			store.PayloadCreatedAt:  createdAt.Format(time.RFC3339),
		},
	}
}

func newTestEngine(searcher *fakeSearcher, generator *fakeGenerator, memory Memory) *Engine {
	return NewEngine(&fakeEmbedder{}, searcher, generator, memory, Params{}, nil)
}

func TestQuery_ReturnsAnswerWithRankedSources(t *testing.T) {
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	searcher := &fakeSearcher{results: []store.ScoredPoint{
		storedHit("older-strong", "Elevator outage B2", "report", 0.9, now.Add(-3*time.Hour)),
		storedHit("newer-weak", "Elevator outage B2 follow-up", "report", 0.6, now),
	}}
	generator := &fakeGenerator{answer: "The B2 elevator is under repair."}
	engine := newTestEngine(searcher, generator, nil)

	answer, err := engine.Query(context.Background(), "elevator B2 status?", Options{})
	require.NoError(t, err)

	assert.Equal(t, "The B2 elevator is under repair.", answer.Answer)
	assert.Equal(t, 120, answer.Usage.PromptTokens)
	require.Len(t, answer.Sources, 2)
	assert.Equal(t, "newer-weak", answer.Sources[0].VectorID,
		"3 hours apart: recency outranks score")
	assert.Equal(t, "src-newer-weak", answer.Sources[0].SourceID)
}

func TestQuery_SearchesWithoutThresholdThenFilters(t *testing.T) {
	searcher := &fakeSearcher{results: []store.ScoredPoint{
		storedHit("good", "Pool hours", "facility", 0.8, time.Now()),
		storedHit("noise", "Parking policy", "facility", 0.1, time.Now()),
	}}
	generator := &fakeGenerator{answer: "ok"}
	engine := newTestEngine(searcher, generator, nil)

	answer, err := engine.Query(context.Background(), "pool hours?", Options{})
	require.NoError(t, err)

	assert.Nil(t, searcher.lastOpts.ScoreThreshold,
		"threshold is applied after ranking, never pushed into the search")
	require.Len(t, answer.Sources, 1, "sub-threshold hits never appear in sources")
	assert.Equal(t, "good", answer.Sources[0].VectorID)
}

func TestQuery_NoSurvivorsUsesMarkerContext(t *testing.T) {
	searcher := &fakeSearcher{}
	generator := &fakeGenerator{answer: "I could not find that."}
	engine := newTestEngine(searcher, generator, nil)

	answer, err := engine.Query(context.Background(), "teleporter schedule?", Options{})
	require.NoError(t, err)

	assert.Empty(t, answer.Sources)
	last := generator.lastMessages[len(generator.lastMessages)-1]
	assert.Contains(t, last.Content, noResultsMarker,
		"the generative call never receives an empty context silently")
}

func TestQuery_SourceTypeFilterReachesSearch(t *testing.T) {
	searcher := &fakeSearcher{}
	engine := newTestEngine(searcher, &fakeGenerator{answer: "ok"}, nil)

	_, err := engine.Query(context.Background(), "gym rules?", Options{
		SourceTypes: []domain.SourceType{domain.SourceFAQ, domain.SourceSOP},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"faq", "sop"}, searcher.lastOpts.SourceTypes)
}

func TestQuery_WithUserIDCarriesHistoryAndPersistsExchange(t *testing.T) {
	memory := newFakeMemory()
	memory.histories["user-1"] = &conversation.History{
		UserID: "user-1",
		Messages: []conversation.Message{
			{Role: conversation.RoleUser, Content: "Is the gym open?"},
			{Role: conversation.RoleAssistant, Content: "Yes, until 22:00."},
		},
	}
	generator := &fakeGenerator{answer: "It closes at 22:00."}
	engine := newTestEngine(&fakeSearcher{}, generator, memory)

	_, err := engine.Query(context.Background(), "And when does it close?", Options{UserID: "user-1"})
	require.NoError(t, err)

	require.Len(t, generator.lastMessages, 4, "system + two prior turns + current question")
	assert.Equal(t, generative.RoleSystem, generator.lastMessages[0].Role)
	assert.Equal(t, "Is the gym open?", generator.lastMessages[1].Content)
	assert.Equal(t, generative.RoleAssistant, generator.lastMessages[2].Role)
	assert.True(t, strings.HasSuffix(generator.lastMessages[3].Content, "Question: And when does it close?"))

	assert.Equal(t, 1, memory.exchanges)
	assert.Len(t, memory.histories["user-1"].Messages, 4, "exactly two new turns were appended")
}

func TestQuery_WithoutUserIDSkipsMemory(t *testing.T) {
	memory := newFakeMemory()
	engine := newTestEngine(&fakeSearcher{}, &fakeGenerator{answer: "ok"}, memory)

	_, err := engine.Query(context.Background(), "pool hours?", Options{})
	require.NoError(t, err)

	assert.Zero(t, memory.getCalls)
	assert.Zero(t, memory.exchanges)
}

func TestQuery_MemoryWriteFailureDoesNotFailQuery(t *testing.T) {
	memory := newFakeMemory()
	memory.appendErr = errors.New("redis down")
	engine := newTestEngine(&fakeSearcher{}, &fakeGenerator{answer: "still answered"}, memory)

	answer, err := engine.Query(context.Background(), "pool hours?", Options{UserID: "user-1"})
	require.NoError(t, err, "the answer already computed is still returned")
	assert.Equal(t, "still answered", answer.Answer)
}

func TestQuery_EmbeddingFailureIsFatal(t *testing.T) {
	engine := NewEngine(&fakeEmbedder{failWith: errors.New("rate limited")},
		&fakeSearcher{}, &fakeGenerator{}, nil, Params{}, nil)

	_, err := engine.Query(context.Background(), "pool hours?", Options{})
	require.Error(t, err)
}

func TestQuery_SearchFailureIsFatal(t *testing.T) {
	searcher := &fakeSearcher{failWith: errors.New("qdrant unreachable")}
	engine := newTestEngine(searcher, &fakeGenerator{}, nil)

	_, err := engine.Query(context.Background(), "pool hours?", Options{})
	require.Error(t, err)
}

func TestQuery_RejectsEmptyText(t *testing.T) {
	engine := newTestEngine(&fakeSearcher{}, &fakeGenerator{}, nil)

	_, err := engine.Query(context.Background(), "   ", Options{})
	require.Error(t, err)
}

func TestPresets_ApplySourceTypeFilters(t *testing.T) {
	searcher := &fakeSearcher{}
	engine := newTestEngine(searcher, &fakeGenerator{answer: "ok"}, nil)

	_, err := engine.SearchFacilities(context.Background(), "where is the pool?")
	require.NoError(t, err)
	assert.Equal(t, []string{"facility"}, searcher.lastOpts.SourceTypes)

	_, err = engine.SimilarReports(context.Background(), "water leak on floor 3")
	require.NoError(t, err)
	assert.Equal(t, []string{"report"}, searcher.lastOpts.SourceTypes)
	assert.Equal(t, 10, searcher.lastOpts.Limit, "similar-report search widens the candidate set")
}
