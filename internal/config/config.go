// Package config loads application configuration from a YAML file,
// falling back to built-in defaults when the file is absent. Secrets
// (API keys) are never stored in the file and come from the environment.
package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// QdrantConfig contains connection details for the Qdrant vector store.
type QdrantConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// CollectionBase is the collection name prefix; the embedding dimension
	// is appended at startup (e.g. "knowledge_1536") so switching embedding
	// providers never mixes incompatible vectors in one collection.
	CollectionBase string `yaml:"collection_base"`
}

// RedisConfig covers both the indexing queue and the conversation cache.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// TrackerConfig configures the SQLite index-tracker ledger.
type TrackerConfig struct {
	Path string `yaml:"path"`
}

// OpenAIConfig selects the models used for embeddings and generation.
type OpenAIConfig struct {
	EmbeddingModel string `yaml:"embedding_model"`
	ChatModel      string `yaml:"chat_model"`
	EmbedBatchSize int    `yaml:"embed_batch_size"`
}

// IndexingConfig tunes the queue and worker behaviour.
type IndexingConfig struct {
	Queue               string `yaml:"queue"`
	MaxRetries          int    `yaml:"max_retries"`
	BaseDelaySecs       int    `yaml:"base_delay_secs"`
	SyncBatchSize       int    `yaml:"sync_batch_size"`
	WorkerConcurrency   int    `yaml:"worker_concurrency"`
	ContentPreviewRunes int    `yaml:"content_preview_runes"`
}

// RetrievalConfig holds the query-time defaults. MinScore and
// RecencyWindowMins are product constants observed in operation, exposed
// here as tunables rather than hard-coded.
type RetrievalConfig struct {
	TopK              int     `yaml:"top_k"`
	MinScore          float64 `yaml:"min_score"`
	RecencyWindowMins int     `yaml:"recency_window_mins"`
}

// ConversationConfig bounds the short-term chat memory.
type ConversationConfig struct {
	MaxMessages int `yaml:"max_messages"`
	TTLMins     int `yaml:"ttl_mins"`
}

// Config is the root application configuration.
type Config struct {
	Qdrant       QdrantConfig       `yaml:"qdrant"`
	Redis        RedisConfig        `yaml:"redis"`
	Tracker      TrackerConfig      `yaml:"tracker"`
	OpenAI       OpenAIConfig       `yaml:"openai"`
	Indexing     IndexingConfig     `yaml:"indexing"`
	Retrieval    RetrievalConfig    `yaml:"retrieval"`
	Conversation ConversationConfig `yaml:"conversation"`
}

// BaseDelay returns the queue retry base delay as a duration.
func (c IndexingConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelaySecs) * time.Second
}

// RecencyWindow returns the ranking recency window as a duration.
func (c RetrievalConfig) RecencyWindow() time.Duration {
	return time.Duration(c.RecencyWindowMins) * time.Minute
}

// TTL returns the conversation idle expiry as a duration.
func (c ConversationConfig) TTL() time.Duration {
	return time.Duration(c.TTLMins) * time.Minute
}

// Load reads a config from path. A missing file returns the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Qdrant: QdrantConfig{Host: "localhost", Port: 6334, CollectionBase: "knowledge"},
		Redis:  RedisConfig{Addr: "localhost:6379"},
		Tracker: TrackerConfig{
			Path: "knowledge-tracker.db",
		},
		OpenAI: OpenAIConfig{
			EmbeddingModel: "text-embedding-3-small",
			ChatModel:      "gpt-4o-mini",
			EmbedBatchSize: 100,
		},
		Indexing: IndexingConfig{
			Queue:               "indexing",
			MaxRetries:          3,
			BaseDelaySecs:       5,
			SyncBatchSize:       50,
			WorkerConcurrency:   5,
			ContentPreviewRunes: 500,
		},
		Retrieval: RetrievalConfig{
			TopK:              5,
			MinScore:          0.3,
			RecencyWindowMins: 60,
		},
		Conversation: ConversationConfig{
			MaxMessages: 10,
			TTLMins:     30,
		},
	}
}

// applyDefaults fills zero values left by a partial config file.
func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Qdrant.Host == "" {
		cfg.Qdrant.Host = def.Qdrant.Host
	}
	if cfg.Qdrant.Port == 0 {
		cfg.Qdrant.Port = def.Qdrant.Port
	}
	if cfg.Qdrant.CollectionBase == "" {
		cfg.Qdrant.CollectionBase = def.Qdrant.CollectionBase
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = def.Redis.Addr
	}
	if cfg.Tracker.Path == "" {
		cfg.Tracker.Path = def.Tracker.Path
	}
	if cfg.OpenAI.EmbeddingModel == "" {
		cfg.OpenAI.EmbeddingModel = def.OpenAI.EmbeddingModel
	}
	if cfg.OpenAI.ChatModel == "" {
		cfg.OpenAI.ChatModel = def.OpenAI.ChatModel
	}
	if cfg.OpenAI.EmbedBatchSize == 0 {
		cfg.OpenAI.EmbedBatchSize = def.OpenAI.EmbedBatchSize
	}
	if cfg.Indexing.Queue == "" {
		cfg.Indexing.Queue = def.Indexing.Queue
	}
	if cfg.Indexing.MaxRetries == 0 {
		cfg.Indexing.MaxRetries = def.Indexing.MaxRetries
	}
	if cfg.Indexing.BaseDelaySecs == 0 {
		cfg.Indexing.BaseDelaySecs = def.Indexing.BaseDelaySecs
	}
	if cfg.Indexing.SyncBatchSize == 0 {
		cfg.Indexing.SyncBatchSize = def.Indexing.SyncBatchSize
	}
	if cfg.Indexing.WorkerConcurrency == 0 {
		cfg.Indexing.WorkerConcurrency = def.Indexing.WorkerConcurrency
	}
	if cfg.Indexing.ContentPreviewRunes == 0 {
		cfg.Indexing.ContentPreviewRunes = def.Indexing.ContentPreviewRunes
	}
	if cfg.Retrieval.TopK == 0 {
		cfg.Retrieval.TopK = def.Retrieval.TopK
	}
	if cfg.Retrieval.MinScore == 0 {
		cfg.Retrieval.MinScore = def.Retrieval.MinScore
	}
	if cfg.Retrieval.RecencyWindowMins == 0 {
		cfg.Retrieval.RecencyWindowMins = def.Retrieval.RecencyWindowMins
	}
	if cfg.Conversation.MaxMessages == 0 {
		cfg.Conversation.MaxMessages = def.Conversation.MaxMessages
	}
	if cfg.Conversation.TTLMins == 0 {
		cfg.Conversation.TTLMins = def.Conversation.TTLMins
	}
}
