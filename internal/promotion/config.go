package promotion

import (
	"errors"
	"log/slog"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/spindle-io/spindle/internal/config"
)

// Type keys routing crawled records to their staging and production
// collections. DetermineType picks one per source; generic is the fallback.
const (
	TypeNews         = "news"
	TypeFinancial    = "financial"
	TypeStock        = "stock"
	TypeExchange     = "exchange"
	TypeMarket       = "market"
	TypeAnnouncement = "announcement"
	TypeGeneric      = "generic"
)

// CollectionPair names the staging and production collections for one type key.
type CollectionPair struct {
	Staging    string `yaml:"staging"`
	Production string `yaml:"production"`
}

// Config holds the promotion collection map loaded from .spindle.yaml.
type Config struct {
	// Collections maps a type key to its staging/production collection pair.
	// File entries override the compiled-in defaults per key; unknown keys
	// add new routes.
	//nolint:tagliatelle // snake_case is intentional for YAML config files
	Collections map[string]CollectionPair `yaml:"promotion_collections"`
}

// DefaultConfigPath is the default location for the spindle configuration file.
const DefaultConfigPath = ".spindle.yaml"

// ConfigPathEnvVar is the environment variable name for custom config path.
const ConfigPathEnvVar = "SPINDLE_CONFIG_PATH"

// knownTypeKeys fixes the scan order for staging lookups and sweeps. Custom
// keys from the config file are appended alphabetically.
var knownTypeKeys = []string{
	TypeNews,
	TypeFinancial,
	TypeStock,
	TypeExchange,
	TypeMarket,
	TypeAnnouncement,
	TypeGeneric,
}

// DefaultConfig returns the compiled-in collection map covering every known
// type key.
func DefaultConfig() *Config {
	return &Config{
		Collections: map[string]CollectionPair{
			TypeNews:         {Staging: "staging_news", Production: "news_articles"},
			TypeFinancial:    {Staging: "staging_financial", Production: "financial_reports"},
			TypeStock:        {Staging: "staging_stock", Production: "stock_prices"},
			TypeExchange:     {Staging: "staging_exchange", Production: "exchange_rates"},
			TypeMarket:       {Staging: "staging_market", Production: "market_indices"},
			TypeAnnouncement: {Staging: "staging_announcement", Production: "announcements"},
			TypeGeneric:      {Staging: "staging_generic", Production: "crawled_data"},
		},
	}
}

// Pair returns the collection pair for a type key.
func (c *Config) Pair(typeKey string) (CollectionPair, bool) {
	pair, ok := c.Collections[typeKey]

	return pair, ok
}

// TypeKeys returns every configured type key in deterministic order: the
// known keys first, then custom keys alphabetically. Staging lookups scan
// collections in this order, so "first hit wins" is stable.
func (c *Config) TypeKeys() []string {
	keys := make([]string, 0, len(c.Collections))

	for _, key := range knownTypeKeys {
		if _, ok := c.Collections[key]; ok {
			keys = append(keys, key)
		}
	}

	known := make(map[string]bool, len(knownTypeKeys))
	for _, key := range knownTypeKeys {
		known[key] = true
	}

	extras := make([]string, 0)

	for key := range c.Collections {
		if !known[key] {
			extras = append(extras, key)
		}
	}

	sort.Strings(extras)

	return append(keys, extras...)
}

// LoadConfig loads the promotion collection map from a YAML file at the
// given path, merged over the compiled-in defaults.
//
// Behavior:
//   - Returns defaults (not error) if file doesn't exist - overrides are optional
//   - Returns defaults + logs warning if YAML is invalid
//   - Merges file entries over defaults on success; entries missing either
//     collection name are skipped with a warning
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Missing file is OK - overrides are optional
			slog.Debug("Config file not found, using default collection map",
				slog.String("path", path))

			return cfg, nil
		}

		// Other read errors (permissions, etc.) - log warning and continue
		slog.Warn("Failed to read config file, using default collection map",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return cfg, nil
	}

	// Empty file is valid - just no overrides
	if len(data) == 0 {
		return cfg, nil
	}

	var loaded Config
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		// Invalid YAML - log warning and continue with defaults
		slog.Warn("Failed to parse config file, using default collection map",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return DefaultConfig(), nil
	}

	for key, pair := range loaded.Collections {
		if pair.Staging == "" || pair.Production == "" {
			slog.Warn("Skipping incomplete collection pair",
				slog.String("type_key", key),
				slog.String("staging", pair.Staging),
				slog.String("production", pair.Production))

			continue
		}

		cfg.Collections[key] = pair
	}

	return cfg, nil
}

// LoadConfigFromEnv loads config from the path specified in SPINDLE_CONFIG_PATH
// environment variable. Falls back to ".spindle.yaml" in current directory if not set.
func LoadConfigFromEnv() (*Config, error) {
	path := config.GetEnvStr(ConfigPathEnvVar, DefaultConfigPath)

	return LoadConfig(path)
}
