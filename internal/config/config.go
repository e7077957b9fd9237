// Package config loads and validates retcon's TOML configuration file
// (§6), using github.com/BurntSushi/toml — the TOML library the pack's
// dolthub/dolt repository depends on directly.
package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/retcon/retcon/internal/model"
)

// File is the root of the TOML config file.
type File struct {
	Server   Server            `toml:"server"`
	Store    StoreConfig       `toml:"store"`
	Workers  int               `toml:"workers"`
	Policy   string            `toml:"policy"`
	Settings map[string]string `toml:"policy_settings"`
	Entities map[string]Entity `toml:"entities"`
}

// Server configures the request/reply socket (§4.7).
type Server struct {
	Address string `toml:"address"`
}

// StoreConfig configures the identifier store connection. DSN is
// passed straight through to store.New: a file path for the SQLite
// database backing the identifier store and work queue, or one of
// store.NewMemoryDSN's in-memory forms.
type StoreConfig struct {
	DSN string `toml:"dsn"`
}

// Entity is one configured entity and its sources.
type Entity struct {
	Sources map[string]Source `toml:"sources"`
}

// Source is one configured source within an entity: a driver name
// (resolved against the source.Registry's constructors) plus an opaque
// settings map interpreted by that driver.
type Source struct {
	Driver    string            `toml:"driver"`
	Settings  map[string]string `toml:"settings"`
	TimeoutMS int               `toml:"timeout_ms"`
}

// Config is the validated, defaulted form of File that the rest of the
// program consumes.
type Config struct {
	ServerAddress  string
	StoreDSN       string
	Workers        int
	PolicyName     string
	PolicySettings map[string]string
	Entities       map[model.EntityName]EntitySources
	SourceTimeout  time.Duration
}

// EntitySources is one entity's configured sources; Order lists them
// sorted by source name.
type EntitySources struct {
	Order    []model.SourceName
	Drivers  map[model.SourceName]string
	Settings map[model.SourceName]map[string]string
	Timeout  map[model.SourceName]time.Duration
}

const defaultSourceTimeoutMS = 30_000
const defaultStoreDSN = "retcon.db"

// Load reads and validates the config file at path, applying
// RETCON_CONFIG as an override per §6's "Environment" clause. A
// malformed or incomplete config is a model.ConfigError, fatal at
// startup (exit code 1 per §6's CLI contract).
func Load(path string) (*Config, error) {
	if override := os.Getenv("RETCON_CONFIG"); override != "" {
		path = override
	}

	var raw File
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, &model.ConfigError{Reason: fmt.Sprintf("reading %s: %v", path, err)}
	}
	return validate(raw)
}

func validate(raw File) (*Config, error) {
	if raw.Server.Address == "" {
		return nil, &model.ConfigError{Reason: "server.address is required"}
	}
	if len(raw.Entities) == 0 {
		return nil, &model.ConfigError{Reason: "at least one entity must be configured"}
	}
	if raw.Policy == "" {
		raw.Policy = "ignoreConflicts"
	}
	workers := raw.Workers
	if workers <= 0 {
		workers = defaultWorkerCount()
	}
	storeDSN := raw.Store.DSN
	if storeDSN == "" {
		storeDSN = defaultStoreDSN
	}

	cfg := &Config{
		ServerAddress:  raw.Server.Address,
		StoreDSN:       storeDSN,
		Workers:        workers,
		PolicyName:     raw.Policy,
		PolicySettings: raw.Settings,
		Entities:       map[model.EntityName]EntitySources{},
	}

	for name, entity := range raw.Entities {
		if len(entity.Sources) == 0 {
			return nil, &model.ConfigError{Reason: fmt.Sprintf("entity %q must have at least one source", name)}
		}
		es := EntitySources{
			Drivers:  map[model.SourceName]string{},
			Settings: map[model.SourceName]map[string]string{},
			Timeout:  map[model.SourceName]time.Duration{},
		}
		srcNames := make([]string, 0, len(entity.Sources))
		for srcName := range entity.Sources {
			srcNames = append(srcNames, srcName)
		}
		sort.Strings(srcNames)

		for _, srcName := range srcNames {
			src := entity.Sources[srcName]
			if src.Driver == "" {
				return nil, &model.ConfigError{Reason: fmt.Sprintf("entity %q source %q requires a driver", name, srcName)}
			}
			timeoutMS := src.TimeoutMS
			if timeoutMS <= 0 {
				timeoutMS = defaultSourceTimeoutMS
			}
			sn := model.SourceName(srcName)
			es.Order = append(es.Order, sn)
			es.Drivers[sn] = src.Driver
			es.Settings[sn] = src.Settings
			es.Timeout[sn] = time.Duration(timeoutMS) * time.Millisecond
		}
		cfg.Entities[model.EntityName(name)] = es
	}

	return cfg, nil
}
