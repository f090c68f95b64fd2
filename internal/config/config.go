package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nidhogg/nuka-memory/internal/embedding"
	"github.com/nidhogg/nuka-memory/internal/prompt"
	"github.com/nidhogg/nuka-memory/internal/retrieval"
	"github.com/nidhogg/nuka-memory/internal/vectorstore"
)

// Config is the top-level configuration structure.
type Config struct {
	Server            ServerConfig        `json:"server" yaml:"server"`
	Providers         []ProviderConfig    `json:"providers" yaml:"providers"`
	Routing           RoutingConfig       `json:"routing" yaml:"routing"`
	Database          DatabaseConfig      `json:"database" yaml:"database"`
	Cache             CacheConfig         `json:"cache" yaml:"cache"`
	Embedding         embedding.Config    `json:"embedding" yaml:"embedding"`
	SemanticEmbedding embedding.Config    `json:"semantic_embedding" yaml:"semantic_embedding"`
	Memory            MemoryConfig        `json:"memory" yaml:"memory"`
	Retrieval         RetrievalConfig     `json:"retrieval" yaml:"retrieval"`
	Prompt            prompt.Config       `json:"prompt" yaml:"prompt"`
	Observability     ObservabilityConfig `json:"observability" yaml:"observability"`
}

type ServerConfig struct {
	Port            int      `json:"port" yaml:"port"`
	LogLevel        string   `json:"log_level" yaml:"log_level"`
	CORSOrigins     []string `json:"cors_origins" yaml:"cors_origins"`
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type ProviderConfig struct {
	ID         string   `json:"id" yaml:"id"`
	Type       string   `json:"type" yaml:"type"`
	Name       string   `json:"name" yaml:"name"`
	Endpoint   string   `json:"endpoint" yaml:"endpoint"`
	APIKey     string   `json:"api_key" yaml:"api_key"`
	Models     []string `json:"models,omitempty" yaml:"models,omitempty"`
	Timeout    Duration `json:"timeout" yaml:"timeout"`
	MaxRetries uint     `json:"max_retries" yaml:"max_retries"`
}

// RoutingConfig binds completion purposes (such as "_compressor") to providers.
type RoutingConfig struct {
	Default   string              `json:"default" yaml:"default"`
	Bindings  map[string]string   `json:"bindings" yaml:"bindings"`
	Fallbacks map[string][]string `json:"fallbacks" yaml:"fallbacks"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig           `json:"postgres" yaml:"postgres"`
	SQLite   SQLiteConfig             `json:"sqlite" yaml:"sqlite"`
	Neo4j    Neo4jConfig              `json:"neo4j" yaml:"neo4j"`
	Redis    RedisConfig              `json:"redis" yaml:"redis"`
	Qdrant   vectorstore.QdrantConfig `json:"qdrant" yaml:"qdrant"`
	Chromem  ChromemConfig            `json:"chromem" yaml:"chromem"`
}

type PostgresConfig struct {
	DSN string `json:"dsn" yaml:"dsn"`
}

type SQLiteConfig struct {
	Path string `json:"path" yaml:"path"`
}

type Neo4jConfig struct {
	URI      string `json:"uri" yaml:"uri"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
}

type RedisConfig struct {
	URL string `json:"url" yaml:"url"`
}

// ChromemConfig is the embedded vector store, used when Qdrant is not configured.
type ChromemConfig struct {
	// Path persists collections; empty keeps them in memory.
	Path string `json:"path" yaml:"path"`
}

type CacheConfig struct {
	MaxCostBytes int64 `json:"max_cost_bytes" yaml:"max_cost_bytes"`
	NumCounters  int64 `json:"num_counters" yaml:"num_counters"`
}

// TTLConfig gives a cached value's lifetime at each cache level.
type TTLConfig struct {
	Local       Duration `json:"local" yaml:"local"`
	Distributed Duration `json:"distributed" yaml:"distributed"`
}

type MemoryConfig struct {
	ShortTerm    ShortTermConfig    `json:"short_term" yaml:"short_term"`
	LongTerm     LongTermConfig     `json:"long_term" yaml:"long_term"`
	VectorRecall VectorRecallConfig `json:"vector_recall" yaml:"vector_recall"`
	Tasks        TasksConfig        `json:"tasks" yaml:"tasks"`
}

type ShortTermConfig struct {
	CompactThreshold int    `json:"compact_threshold" yaml:"compact_threshold"`
	Budget           int    `json:"budget" yaml:"budget"`
	Model            string `json:"model" yaml:"model"`
	// Summarizer is "llm" or "extractive".
	Summarizer string `json:"summarizer" yaml:"summarizer"`
	// Tokenizer is "heuristic" or "tiktoken".
	Tokenizer string    `json:"tokenizer" yaml:"tokenizer"`
	CacheTTL  TTLConfig `json:"cache_ttl" yaml:"cache_ttl"`
}

type LongTermConfig struct {
	SnapshotThreshold int    `json:"snapshot_threshold" yaml:"snapshot_threshold"`
	Collection        string `json:"collection" yaml:"collection"`
	// EntityBackend is "sql" or "neo4j".
	EntityBackend string        `json:"entity_backend" yaml:"entity_backend"`
	CacheTTL      TTLConfig     `json:"cache_ttl" yaml:"cache_ttl"`
	Archive       ArchiveConfig `json:"archive" yaml:"archive"`
}

// ArchiveConfig schedules archive sweeps. An empty schedule disables them.
type ArchiveConfig struct {
	Schedule  string   `json:"schedule" yaml:"schedule"`
	Users     []string `json:"users" yaml:"users"`
	Threshold float64  `json:"threshold" yaml:"threshold"`
}

type VectorRecallConfig struct {
	Collection string    `json:"collection" yaml:"collection"`
	TopK       int       `json:"top_k" yaml:"top_k"`
	MinScore   float64   `json:"min_score" yaml:"min_score"`
	CacheTTL   TTLConfig `json:"cache_ttl" yaml:"cache_ttl"`
}

type TasksConfig struct {
	CacheTTL TTLConfig `json:"cache_ttl" yaml:"cache_ttl"`
}

type RetrievalConfig struct {
	Weights             retrieval.Weights `json:"weights" yaml:"weights"`
	CandidatesPerSource int               `json:"candidates_per_source" yaml:"candidates_per_source"`
	Rerank              RerankConfig      `json:"rerank" yaml:"rerank"`
	Chunk               ChunkConfig       `json:"chunk" yaml:"chunk"`
	Cache               TTLConfig         `json:"cache" yaml:"cache"`
	Warmup              WarmupConfig      `json:"warmup" yaml:"warmup"`
}

type RerankConfig struct {
	// Reranker is "embedding", "provider" or "none".
	Reranker string `json:"reranker" yaml:"reranker"`
	Floor    int    `json:"floor" yaml:"floor"`
}

type ChunkConfig struct {
	Size    int `json:"size" yaml:"size"`
	Overlap int `json:"overlap" yaml:"overlap"`
}

// WarmupConfig schedules cache warmup. An empty schedule disables it.
type WarmupConfig struct {
	Schedule    string   `json:"schedule" yaml:"schedule"`
	Collections []string `json:"collections" yaml:"collections"`
	Keep        int      `json:"keep" yaml:"keep"`
	Replay      int      `json:"replay" yaml:"replay"`
}

type ObservabilityConfig struct {
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

type TracingConfig struct {
	Endpoint     string  `json:"endpoint" yaml:"endpoint"`
	ServiceName  string  `json:"service_name" yaml:"service_name"`
	Environment  string  `json:"environment" yaml:"environment"`
	SamplingRate float64 `json:"sampling_rate" yaml:"sampling_rate"`
	Insecure     bool    `json:"insecure" yaml:"insecure"`
}

type MetricsConfig struct {
	Disabled bool   `json:"disabled" yaml:"disabled"`
	Path     string `json:"path" yaml:"path"`
}

// Duration is a time.Duration that reads "10m" style strings.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n int64
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("duration must be a string like \"10m\": %s", data)
		}
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	return d.parse(s)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.parse(node.Value)
}

func (d *Duration) parse(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// expandEnv substitutes ${VAR} and ${VAR:default} with environment values.
func expandEnv(data []byte) []byte {
	return envVarRe.ReplaceAllFunc(data, func(match []byte) []byte {
		parts := envVarRe.FindSubmatch(match)
		if v := os.Getenv(string(parts[1])); v != "" {
			return []byte(v)
		}
		return parts[2]
	})
}

// Load reads a JSON or YAML config file (chosen by extension), substitutes
// environment variable references and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	resolved := expandEnv(data)

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(resolved, &cfg)
	default:
		err = json.Unmarshal(resolved, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	cfg.ApplyDefaults()
	return &cfg
}
