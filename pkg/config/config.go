// Package config loads one chain's indexing configuration: the RPC
// endpoint, storage/bus connection settings, and the declared sources a
// deployment wants historically synced. It generalizes the teacher's
// JSON chains.json (one name -> {chainId, rpcUrls, contracts,
// startBlock} record) into a koanf-unmarshalled struct sourced from the
// same TOML file internal/platform.LoadConfig already reads, so a
// deployment configures chain connectivity and its source list in one
// place instead of two.
package config

import (
	"fmt"

	"github.com/knadh/koanf/v2"

	"github.com/0xkanth/indexcore/internal/source"
)

// SourceConfig is one configured Source, TOML/env-shaped.
type SourceConfig struct {
	ID       string   `koanf:"id"`
	Kind     string   `koanf:"kind"` // log_filter, factory_log, call_trace, factory_call_trace, block_interval
	Address  string   `koanf:"address"`
	Topics   []string `koanf:"topics"`
	Start    uint64   `koanf:"start"`
	End      *uint64  `koanf:"end"`
	MaxRange *uint64  `koanf:"max_range"`

	FactoryAddr   string   `koanf:"factory_address"`
	EventSelector string   `koanf:"event_selector"`
	ChildTopics   []string `koanf:"child_topics"`

	Interval uint64 `koanf:"interval"`
	Offset   uint64 `koanf:"offset"`
}

// ChainConfig is one chain's connectivity and source declarations.
type ChainConfig struct {
	ChainID       uint64         `koanf:"chain_id"`
	Name          string         `koanf:"name"`
	RPCEndpoint   string         `koanf:"rpc_endpoint"`
	Confirmations uint64         `koanf:"confirmations"`
	Sources       []SourceConfig `koanf:"sources"`
}

// PostgresConfig is the sync store's connection settings.
type PostgresConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
	Database string `koanf:"database"`
	SSLMode  string `koanf:"sslmode"`
}

// BusConfig is the internal event bus's connection settings.
type BusConfig struct {
	URL          string `koanf:"url"`
	PersistHours int    `koanf:"persist_hours"`
}

// AddrConfig is a bind address for an HTTP surface (metrics, health).
type AddrConfig struct {
	Address string `koanf:"address"`
}

// IndexerConfig tunes the historical sync scheduler itself.
type IndexerConfig struct {
	MaxConcurrency int `koanf:"max_concurrency"`
}

// Config is the full indexing run configuration.
type Config struct {
	Chain    ChainConfig    `koanf:"chain"`
	Postgres PostgresConfig `koanf:"postgres"`
	Bus      BusConfig      `koanf:"bus"`
	Metrics  AddrConfig     `koanf:"metrics"`
	Health   AddrConfig     `koanf:"health"`
	Indexer  IndexerConfig  `koanf:"indexer"`
}

// FromKoanf unmarshals a loaded koanf instance into Config.
func FromKoanf(ko *koanf.Koanf) (*Config, error) {
	var cfg Config
	if err := ko.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

// ResolveSources converts this chain's declared SourceConfigs into
// source.Sources the historical sync scheduler consumes.
func (c ChainConfig) ResolveSources() ([]source.Source, error) {
	out := make([]source.Source, 0, len(c.Sources))
	for _, sc := range c.Sources {
		kind, err := parseKind(sc.Kind)
		if err != nil {
			return nil, fmt.Errorf("config: source %q: %w", sc.ID, err)
		}
		out = append(out, source.Source{
			ID:            sc.ID,
			Kind:          kind,
			ChainID:       c.ChainID,
			Address:       sc.Address,
			Topics:        sc.Topics,
			Start:         sc.Start,
			End:           sc.End,
			MaxRange:      sc.MaxRange,
			FactoryAddr:   sc.FactoryAddr,
			EventSelector: sc.EventSelector,
			ChildTopics:   sc.ChildTopics,
			Interval:      sc.Interval,
			Offset:        sc.Offset,
		})
	}
	return out, nil
}

func parseKind(s string) (source.Kind, error) {
	switch s {
	case "log_filter":
		return source.KindLogFilter, nil
	case "factory_log":
		return source.KindFactoryLog, nil
	case "call_trace":
		return source.KindCallTrace, nil
	case "factory_call_trace":
		return source.KindFactoryCallTrace, nil
	case "block_interval":
		return source.KindBlockInterval, nil
	default:
		return 0, fmt.Errorf("unknown source kind %q", s)
	}
}
