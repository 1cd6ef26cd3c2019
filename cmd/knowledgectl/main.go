// Package main provides the operator CLI for the knowledge engine: bulk
// syncing records into the index, running ad-hoc queries, and inspecting
// index health.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/facilityos/knowledge-engine/internal/config"
	"github.com/facilityos/knowledge-engine/internal/conversation"
	"github.com/facilityos/knowledge-engine/internal/domain"
	"github.com/facilityos/knowledge-engine/internal/embedding"
	"github.com/facilityos/knowledge-engine/internal/generative"
	"github.com/facilityos/knowledge-engine/internal/queue"
	"github.com/facilityos/knowledge-engine/internal/retrieval"
	"github.com/facilityos/knowledge-engine/internal/store"
	"github.com/facilityos/knowledge-engine/internal/syncer"
	"github.com/facilityos/knowledge-engine/internal/tracker"
)

var (
	configPath string

	queryUserID string
	queryTypes  []string
	queryTopK   int
)

var rootCmd = &cobra.Command{
	Use:   "knowledgectl",
	Short: "Knowledge engine operations tool",
	Long:  "CLI for syncing domain records into the vector index, querying the knowledge base, and inspecting index state.",
}

var syncCmd = &cobra.Command{
	Use:   "sync [file]",
	Short: "Bulk-enqueue records for indexing",
	Long: `Reads newline-delimited JSON records from the given file (or stdin)
and enqueues them for indexing in batches. Processing happens in the
knowledge-worker; this command returns once everything is queued.

Each line is one record:
  {"id":"report-6542","type":"report","title":"...","content":"...","status":"open","created_at":"2026-08-20T09:30:00Z"}

Environment variables:
  OPENAI_API_KEY OpenAI API key (required; the collection name depends on
                 the embedding model's dimension)`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSync,
}

var queryCmd = &cobra.Command{
	Use:   "query <question>",
	Short: "Ask the knowledge base a question",
	Args:  cobra.ExactArgs(1),
	RunE:  runQuery,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show index and ledger state",
	RunE:  runStatus,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the configuration file")

	queryCmd.Flags().StringVar(&queryUserID, "user", "", "user id for conversation memory (empty disables memory)")
	queryCmd.Flags().StringSliceVar(&queryTypes, "type", nil, "restrict to source types (report, faq, facility, sop)")
	queryCmd.Flags().IntVar(&queryTopK, "top-k", 0, "override the number of candidates fetched")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	// Load .env file if present (local development), ignore if missing (production)
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	start := time.Now()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var in io.Reader = os.Stdin
	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open records file: %w", err)
		}
		defer f.Close()
		in = f
	}

	records, err := readRecords(in)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No records to sync.")
		return nil
	}
	fmt.Printf("Read %d records\n", len(records))

	vectorStore, ledger, err := openIndex(ctx, cfg)
	if err != nil {
		return err
	}
	defer vectorStore.Close()
	defer ledger.Close()

	enqueuer := queue.NewEnqueuer(redisOpt(cfg), cfg.Indexing.Queue, cfg.Indexing.MaxRetries)
	defer enqueuer.Close()

	coordinator := syncer.New(enqueuer, vectorStore, ledger, cfg.Indexing.SyncBatchSize, slog.Default())
	result := coordinator.BulkSync(ctx, records)

	fmt.Println()
	fmt.Println("Sync queued!")
	fmt.Printf("  Queued: %d\n", result.Queued)
	fmt.Printf("  Failed: %d\n", result.Failed)
	fmt.Printf("  Duration: %s\n", time.Since(start).Round(time.Millisecond))
	if result.Failed > 0 {
		return fmt.Errorf("%d records failed to queue", result.Failed)
	}
	return nil
}

func runQuery(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	sourceTypes, err := parseSourceTypes(queryTypes)
	if err != nil {
		return err
	}

	client, err := embedding.NewClient()
	if err != nil {
		return fmt.Errorf("failed to create OpenAI client: %w", err)
	}
	embedder, err := embedding.NewOpenAIProvider(client, cfg.OpenAI.EmbeddingModel, cfg.OpenAI.EmbedBatchSize)
	if err != nil {
		return fmt.Errorf("failed to create embedding provider: %w", err)
	}

	coll := store.ResolveCollection(cfg.Qdrant.CollectionBase, embedder.Dimension())
	vectorStore, err := store.New(cfg.Qdrant.Host, cfg.Qdrant.Port, coll, slog.Default())
	if err != nil {
		return fmt.Errorf("failed to connect to Qdrant: %w", err)
	}
	defer vectorStore.Close()

	generator := generative.NewOpenAIProvider(client.Client(), cfg.OpenAI.ChatModel)

	var memory retrieval.Memory
	if queryUserID != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		memory = conversation.NewStore(conversation.NewRedisCache(rdb),
			cfg.Conversation.MaxMessages, cfg.Conversation.TTL(), slog.Default())
	}

	engine := retrieval.NewEngine(embedder, vectorStore, generator, memory, retrieval.Params{
		TopK:          cfg.Retrieval.TopK,
		MinScore:      cfg.Retrieval.MinScore,
		RecencyWindow: cfg.Retrieval.RecencyWindow(),
	}, slog.Default())

	answer, err := engine.Query(ctx, args[0], retrieval.Options{
		TopK:        queryTopK,
		SourceTypes: sourceTypes,
		UserID:      queryUserID,
	})
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}

	fmt.Println(answer.Answer)
	if len(answer.Sources) > 0 {
		fmt.Println()
		fmt.Println("Sources:")
		for i, src := range answer.Sources {
			fmt.Printf("  [%d] %s (%s %s, score %.2f)\n", i+1, src.Title, src.SourceType, src.SourceID, src.Score)
		}
	}
	fmt.Println()
	fmt.Printf("Tokens: %d prompt, %d completion\n",
		answer.Usage.PromptTokens, answer.Usage.CompletionTokens)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	vectorStore, ledger, err := openIndex(ctx, cfg)
	if err != nil {
		return err
	}
	defer vectorStore.Close()
	defer ledger.Close()

	info, err := vectorStore.GetCollectionInfo(ctx)
	if err != nil {
		return fmt.Errorf("failed to read collection info: %w", err)
	}

	active, err := ledger.CountActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to count ledger entries: %w", err)
	}
	total, err := ledger.Count(ctx)
	if err != nil {
		return fmt.Errorf("failed to count ledger entries: %w", err)
	}

	fmt.Printf("Collection: %s\n", vectorStore.Collection().Name)
	fmt.Printf("  Points: %d\n", info.PointsCount)
	fmt.Printf("  Dimension: %d\n", info.Dimension)
	fmt.Println("Ledger:")
	fmt.Printf("  Active: %d\n", active)
	fmt.Printf("  Total: %d\n", total)
	if uint64(active) != info.PointsCount {
		fmt.Println()
		fmt.Println("Ledger and collection disagree; a sync may still be in flight, or run a bulk sync to reconcile.")
	}
	return nil
}

// openIndex connects to Qdrant and the tracker ledger using the active
// embedding model's dimension for the collection name.
func openIndex(ctx context.Context, cfg *config.Config) (*store.Store, *tracker.Tracker, error) {
	client, err := embedding.NewClient()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create OpenAI client: %w", err)
	}
	embedder, err := embedding.NewOpenAIProvider(client, cfg.OpenAI.EmbeddingModel, cfg.OpenAI.EmbedBatchSize)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create embedding provider: %w", err)
	}

	coll := store.ResolveCollection(cfg.Qdrant.CollectionBase, embedder.Dimension())
	vectorStore, err := store.New(cfg.Qdrant.Host, cfg.Qdrant.Port, coll, slog.Default())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to Qdrant: %w", err)
	}
	if err := vectorStore.EnsureCollection(ctx); err != nil {
		vectorStore.Close()
		return nil, nil, fmt.Errorf("failed to ensure collection: %w", err)
	}

	ledger, err := tracker.Open(cfg.Tracker.Path)
	if err != nil {
		vectorStore.Close()
		return nil, nil, fmt.Errorf("failed to open tracker ledger: %w", err)
	}
	return vectorStore, ledger, nil
}

// readRecords parses newline-delimited JSON records, rejecting the whole
// input on the first invalid line so a half-queued sync never happens
// silently.
func readRecords(in io.Reader) ([]domain.Record, error) {
	var records []domain.Record

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec domain.Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("invalid record on line %d: %w", line, err)
		}
		if rec.ID == "" || !rec.Type.Valid() {
			return nil, fmt.Errorf("invalid record on line %d: id and a known type are required", line)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}
	return records, nil
}

func parseSourceTypes(raw []string) ([]domain.SourceType, error) {
	types := make([]domain.SourceType, 0, len(raw))
	for _, s := range raw {
		t := domain.SourceType(s)
		if !t.Valid() {
			return nil, fmt.Errorf("unknown source type %q", s)
		}
		types = append(types, t)
	}
	return types, nil
}

func redisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
}
