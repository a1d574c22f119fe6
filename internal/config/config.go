// Package config loads quepasa's run configuration from an optional
// TOML file, the same way smf's internal/parser/toml reads its schema
// files, then lets cobra flags override individual fields. Validation
// (the --ca-cert/--ssl pairing, workers_cap's floor) happens once here
// rather than being re-checked ad hoc at every call site.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"quepasa/internal/executor"
)

// DefaultWorkersCap is used when neither the file nor a flag sets
// workers_cap. Validate raises any smaller explicit value only as far
// as 1.
const DefaultWorkersCap = 10

// DefaultNetwork is used when neither the file nor a flag sets network.
const DefaultNetwork = "mainnet"

// Config is the fully resolved, validated run configuration.
type Config struct {
	ContractIDs      []executor.ContractID
	DatabaseURL      string
	SSL              bool
	CACertPath       string
	NodeURL          string
	Network          string
	ExternalIndexURL string
	WorkersCap       int
	Levels           []int64
	// Init, when true, tells cmd/quepasa to clear the database (see
	// dbsink.Sink.ClearDatabase) before recreating the common tables and
	// backfilling, not merely ensure the common tables exist.
	Init         bool
	AllContracts bool
}

// fileConfig mirrors the on-disk TOML shape. Every field is optional:
// an absent config file, or an absent key within one, just leaves the
// corresponding Config field at its base value for flags to fill in.
type fileConfig struct {
	ContractID       []string `toml:"contract_id"`
	DatabaseURL      string   `toml:"database_url"`
	SSL              bool     `toml:"ssl"`
	CACertPath       string   `toml:"ca_cert"`
	NodeURL          string   `toml:"node_url"`
	Network          string   `toml:"network"`
	ExternalIndexURL string   `toml:"external_index_url"`
	WorkersCap       int      `toml:"workers_cap"`
	Init             bool     `toml:"init"`
	AllContracts     bool     `toml:"all_contracts"`
}

// Default returns a Config seeded with defaults, before any file or
// flag overlay.
func Default() Config {
	return Config{Network: DefaultNetwork, WorkersCap: DefaultWorkersCap}
}

// LoadFile reads a TOML config file and overlays it onto base,
// returning the merged Config. A non-existent path is not an error:
// the config file is optional (flags alone are a valid invocation).
func LoadFile(path string, base Config) (Config, error) {
	if path == "" {
		return base, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return base, nil
	}
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return Config{}, fmt.Errorf("config: decode %q: %w", path, err)
	}
	out := base
	if len(fc.ContractID) > 0 {
		ids, err := parseContractIDs(fc.ContractID)
		if err != nil {
			return Config{}, err
		}
		out.ContractIDs = ids
	}
	if fc.DatabaseURL != "" {
		out.DatabaseURL = fc.DatabaseURL
	}
	if fc.SSL {
		out.SSL = true
	}
	if fc.CACertPath != "" {
		out.CACertPath = fc.CACertPath
	}
	if fc.NodeURL != "" {
		out.NodeURL = fc.NodeURL
	}
	if fc.Network != "" {
		out.Network = fc.Network
	}
	if fc.ExternalIndexURL != "" {
		out.ExternalIndexURL = fc.ExternalIndexURL
	}
	if fc.WorkersCap != 0 {
		out.WorkersCap = fc.WorkersCap
	}
	if fc.Init {
		out.Init = true
	}
	if fc.AllContracts {
		out.AllContracts = true
	}
	return out, nil
}

// parseContractIDs parses a set of "address=name" pairs, the flag/file
// encoding for --contract-id (spec.md §6, SPEC_FULL.md §6).
func parseContractIDs(raw []string) ([]executor.ContractID, error) {
	ids := make([]executor.ContractID, 0, len(raw))
	for _, r := range raw {
		addr, name, ok := strings.Cut(r, "=")
		if !ok || addr == "" || name == "" {
			return nil, fmt.Errorf("config: --contract-id %q must be of the form address=name", r)
		}
		ids = append(ids, executor.ContractID{Address: addr, Name: name})
	}
	return ids, nil
}

// AddContractID parses and appends a single "address=name" pair,
// the form cobra's repeatable --contract-id flag collects one at a
// time.
func AddContractID(cfg *Config, raw string) error {
	ids, err := parseContractIDs([]string{raw})
	if err != nil {
		return err
	}
	cfg.ContractIDs = append(cfg.ContractIDs, ids...)
	return nil
}

// Validate enforces the invariants the Open Question decisions in
// DESIGN.md settled: --ca-cert only makes sense alongside --ssl, and
// workers_cap can't be configured below 1 (spec.md §6/§4.5).
func Validate(cfg *Config) error {
	if cfg.CACertPath != "" && !cfg.SSL {
		return fmt.Errorf("config: --ca-cert requires --ssl")
	}
	if cfg.WorkersCap < 1 {
		cfg.WorkersCap = 1
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("config: --database-url is required")
	}
	if cfg.NodeURL == "" {
		return fmt.Errorf("config: --node-url is required")
	}
	if !cfg.AllContracts && len(cfg.ContractIDs) == 0 {
		return fmt.Errorf("config: at least one --contract-id is required unless --all-contracts is set")
	}
	return nil
}
