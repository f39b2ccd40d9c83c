// Package erconfig loads and validates the pipeline configuration
// document (spec.md §6). Structured as a typed struct decoded from YAML
// via gopkg.in/yaml.v3 (used throughout the example pack: fulmenhq-gofulmen,
// vthunder-bud2's config loader), rather than the teacher's flat
// .env-only internal/config/env.go, which has no way to express the
// nested blocking-strategy list this spec requires. Environment
// variable overrides for secrets are kept, generalizing the teacher's
// GetEnv/GetEnvInt/GetEnvBool helpers as EnvOr/EnvOrInt/EnvOrBool.
package erconfig

import (
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ehdc-er/entityresolution/internal/er/errs"
)

// BlockingStrategyConfig configures one blocking strategy instance.
type BlockingStrategyConfig struct {
	Name            string   `yaml:"name"`
	Fields          []string `yaml:"fields"`
	MaxBlockSize    int      `yaml:"max_block_size"`
	LimitPerEntity  int      `yaml:"limit_per_entity"`
	MinScore        float64  `yaml:"min_score"`
	NumHashTables   int      `yaml:"num_hash_tables"`
	NumHyperplanes  int      `yaml:"num_hyperplanes"`
	RandomSeed      int64    `yaml:"random_seed"`
	GateField       string   `yaml:"gate_field"` // vector blocking: require equality on this field too
}

// FieldWeight is one field's Fellegi-Sunter parameters.
type FieldWeight struct {
	Comparator string  `yaml:"comparator"`
	MProb      float64 `yaml:"m_prob"`
	UProb      float64 `yaml:"u_prob"`
	Threshold  float64 `yaml:"threshold"`
	Importance float64 `yaml:"importance"`
}

// SimilarityConfig configures the scoring engine.
type SimilarityConfig struct {
	Algorithm      string                 `yaml:"algorithm"` // "fellegi_sunter"
	FieldWeights   map[string]FieldWeight `yaml:"field_weights"`
	UpperThreshold float64                `yaml:"upper_threshold"`
	LowerThreshold float64                `yaml:"lower_threshold"`
	BatchSize      int                    `yaml:"batch_size"`
	EdgeThreshold  float64                `yaml:"edge_threshold"`
	DropNonMatch   bool                   `yaml:"drop_non_match"`
}

// ClusteringConfig configures the cluster engine.
type ClusteringConfig struct {
	Algorithm      string  `yaml:"algorithm"` // "wcc"
	MinClusterSize int     `yaml:"min_cluster_size"`
	MaxClusterSize int     `yaml:"max_cluster_size"`
	StoreResults   bool    `yaml:"store_results"`
	MaxEdgesFetch  int     `yaml:"max_edges_fetch"`
	WarnEdges      int     `yaml:"warn_edges"`
}

// GoldenConfig configures golden-record construction.
type GoldenConfig struct {
	FusionRules map[string]string `yaml:"fusion_rules"` // field -> rule name
	PriorityList []string         `yaml:"priority_list"` // for the "priority" rule
}

// Config is the full pipeline configuration document.
type Config struct {
	EntityType       string                   `yaml:"entity_type"`
	CollectionName   string                   `yaml:"collection_name"`
	EdgeCollection   string                   `yaml:"edge_collection"`
	ClusterCollection string                  `yaml:"cluster_collection"`
	Blocking         []BlockingStrategyConfig `yaml:"blocking_strategies"`
	Similarity       SimilarityConfig         `yaml:"similarity"`
	Clustering       ClusteringConfig         `yaml:"clustering"`
	Golden           GoldenConfig             `yaml:"golden"`
	EdgeLoadingMethod string                  `yaml:"edge_loading_method"` // "api" | "bulk_import"

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	StoreResults bool `yaml:"store_results"`
}

// Load reads and parses a YAML config document from path, then validates
// it. Returns a *errs.ConfigError (not a bare error) on any problem so
// the orchestrator never starts with an invalid configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.NewConfigError(path, err.Error())
	}
	return Parse(data)
}

// Parse decodes a YAML document already in memory and validates it.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errs.NewConfigError("yaml", err.Error())
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(c *Config) {
	if c.EdgeCollection == "" {
		c.EdgeCollection = "similarities"
	}
	if c.ClusterCollection == "" {
		c.ClusterCollection = "clusters"
	}
	if c.Similarity.BatchSize <= 0 {
		c.Similarity.BatchSize = 2000
	}
	if c.Similarity.UpperThreshold == 0 {
		c.Similarity.UpperThreshold = 2.0
	}
	if c.Similarity.LowerThreshold == 0 {
		c.Similarity.LowerThreshold = -1.0
	}
	if c.Similarity.EdgeThreshold == 0 {
		c.Similarity.EdgeThreshold = 0.7
	}
	if c.Clustering.MinClusterSize == 0 {
		c.Clustering.MinClusterSize = 2
	}
	if c.Clustering.MaxClusterSize == 0 {
		c.Clustering.MaxClusterSize = 100
	}
	if c.Clustering.MaxEdgesFetch == 0 {
		c.Clustering.MaxEdgesFetch = 5_000_000
	}
	if c.Clustering.WarnEdges == 0 {
		c.Clustering.WarnEdges = 500_000
	}
	if c.Clustering.Algorithm == "" {
		c.Clustering.Algorithm = "wcc"
	}
	if c.EdgeLoadingMethod == "" {
		c.EdgeLoadingMethod = "api"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "console"
	}
	for i := range c.Blocking {
		if c.Blocking[i].MaxBlockSize == 0 {
			c.Blocking[i].MaxBlockSize = 100
		}
		if c.Blocking[i].LimitPerEntity == 0 {
			c.Blocking[i].LimitPerEntity = 50
		}
	}
}

func validate(c *Config) error {
	if c.CollectionName == "" {
		return errs.NewConfigError("collection_name", "must not be empty")
	}
	if c.Clustering.MinClusterSize < 2 {
		return errs.NewConfigError("clustering.min_cluster_size", "must be >= 2")
	}
	if c.Clustering.MaxClusterSize < c.Clustering.MinClusterSize {
		return errs.NewConfigError("clustering.max_cluster_size", "must be >= min_cluster_size")
	}
	if c.Similarity.UpperThreshold <= c.Similarity.LowerThreshold {
		return errs.NewConfigError("similarity.upper_threshold", "must be greater than lower_threshold")
	}
	if c.EdgeLoadingMethod != "api" && c.EdgeLoadingMethod != "bulk_import" {
		return errs.NewConfigError("edge_loading_method", "must be 'api' or 'bulk_import'")
	}
	for _, b := range c.Blocking {
		if b.Name == "" {
			return errs.NewConfigError("blocking_strategies[].name", "must not be empty")
		}
	}
	return nil
}

// EnvOr returns the environment variable's value, or def if unset/empty.
// Mirrors github.com/ehdc-llpg/internal/config.GetEnv.
func EnvOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// EnvOrInt mirrors internal/config.GetEnvInt.
func EnvOrInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// EnvOrBool mirrors internal/config.GetEnvBool.
func EnvOrBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return def
}
