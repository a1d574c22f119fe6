// Package main contains the cli implementation of quepasa. It uses
// cobra for command/flag parsing, the same as smf/cmd/smf.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"quepasa/internal/config"
	"quepasa/internal/ddl"
	"quepasa/internal/dbsink"
	"quepasa/internal/executor"
	"quepasa/internal/indexclient"
	"quepasa/internal/logging"
	"quepasa/internal/nodeclient"
	"quepasa/internal/relational"
	"quepasa/internal/typeast"
)

type sharedFlags struct {
	configFile       string
	contractIDs      []string
	databaseURL      string
	ssl              bool
	caCertPath       string
	nodeURL          string
	network          string
	externalIndexURL string
	workersCap       int
	levels           []int64
	init             bool
	allContracts     bool
	logFile          string
	logLevel         string
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "quepasa",
		Short: "Indexes smart contract storage into PostgreSQL",
	}

	rootCmd.AddCommand(indexCmd())
	rootCmd.AddCommand(schemaCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func addSharedFlags(cmd *cobra.Command, flags *sharedFlags) {
	cmd.Flags().StringVar(&flags.configFile, "config", "", "Path to a TOML config file (optional; flags override its values)")
	cmd.Flags().StringArrayVar(&flags.contractIDs, "contract-id", nil, "Tracked contract, as address=name (repeatable)")
	cmd.Flags().StringVar(&flags.databaseURL, "database-url", "", "PostgreSQL connection URL")
	cmd.Flags().BoolVar(&flags.ssl, "ssl", false, "Allow TLS options (--ca-cert) for the node connection; whether TLS is used follows the --node-url scheme")
	cmd.Flags().StringVar(&flags.caCertPath, "ca-cert", "", "Path to a CA certificate for the node connection (requires --ssl)")
	cmd.Flags().StringVar(&flags.nodeURL, "node-url", "", "Base URL of the node RPC")
	cmd.Flags().StringVar(&flags.network, "network", "", "Network name, e.g. mainnet (default \"mainnet\")")
	cmd.Flags().StringVar(&flags.externalIndexURL, "external-index-url", "", "Base URL of an optional external operation-index service")
	cmd.Flags().IntVar(&flags.workersCap, "workers-cap", 0, "Concurrent block-fetch workers (default 10, floor 1)")
	cmd.Flags().Int64SliceVar(&flags.levels, "levels", nil, "Specific levels to index instead of bootstrapping/continuous mode")
	cmd.Flags().BoolVar(&flags.init, "init", false, "Clear the database before backfilling (destructive)")
	cmd.Flags().BoolVar(&flags.allContracts, "all-contracts", false, "Discover and track every contract a block touches")
	cmd.Flags().StringVar(&flags.logFile, "log-file", "", "Rotated JSON log file path (stderr logging always happens)")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "", "Log level: debug, info, warn, error (default info)")
}

// resolveConfig overlays an optional TOML file and the parsed flags
// onto config.Default(), in that order, then validates the result.
func resolveConfig(flags *sharedFlags) (config.Config, error) {
	cfg, err := config.LoadFile(flags.configFile, config.Default())
	if err != nil {
		return config.Config{}, err
	}
	for _, raw := range flags.contractIDs {
		if err := config.AddContractID(&cfg, raw); err != nil {
			return config.Config{}, err
		}
	}
	if flags.databaseURL != "" {
		cfg.DatabaseURL = flags.databaseURL
	}
	if flags.ssl {
		cfg.SSL = true
	}
	if flags.caCertPath != "" {
		cfg.CACertPath = flags.caCertPath
	}
	if flags.nodeURL != "" {
		cfg.NodeURL = flags.nodeURL
	}
	if flags.network != "" {
		cfg.Network = flags.network
	}
	if flags.externalIndexURL != "" {
		cfg.ExternalIndexURL = flags.externalIndexURL
	}
	if flags.workersCap != 0 {
		cfg.WorkersCap = flags.workersCap
	}
	if len(flags.levels) > 0 {
		cfg.Levels = flags.levels
	}
	if flags.init {
		cfg.Init = true
	}
	if flags.allContracts {
		cfg.AllContracts = true
	}
	if err := config.Validate(&cfg); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func indexCmd() *cobra.Command {
	flags := &sharedFlags{}
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Bootstrap, backfill, and continuously index the tracked contracts",
		Long: `index connects to the configured node and database, registers every
tracked contract (deriving its schema from the node's current storage
type if the schema doesn't exist yet), and then either indexes just the
--levels given and stops, or backfills any missing levels and polls the
node head forever, applying reorg recovery as needed.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runIndex(flags)
		},
	}
	addSharedFlags(cmd, flags)
	return cmd
}

func runIndex(flags *sharedFlags) error {
	cfg, err := resolveConfig(flags)
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Config{FilePath: flags.logFile, Level: flags.logLevel})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("connecting to database")
	sink, err := dbsink.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer sink.Close()

	if cfg.Init {
		logger.Warn("--init set: clearing database before backfill")
		if err := sink.ClearDatabase(ctx); err != nil {
			return fmt.Errorf("clear database: %w", err)
		}
	}
	if err := sink.CreateCommonTables(ctx); err != nil {
		return fmt.Errorf("create common tables: %w", err)
	}

	node, err := nodeclient.New(nodeclient.Config{
		BaseURL:    cfg.NodeURL,
		Timeout:    30 * time.Second,
		MaxRetries: 5,
		CACertPath: cfg.CACertPath,
		SSL:        cfg.SSL,
	})
	if err != nil {
		return fmt.Errorf("build node client: %w", err)
	}
	defer node.Close()

	var index *indexclient.Client
	if cfg.ExternalIndexURL != "" {
		index = indexclient.New(indexclient.Config{
			BaseURL:    cfg.ExternalIndexURL,
			Timeout:    20 * time.Second,
			MaxRetries: 5,
		})
		defer index.Close()
	}

	exec := executor.New(sink, node, index, executor.Config{
		Network:    cfg.Network,
		WorkersCap: cfg.WorkersCap,
	}, cfg.AllContracts)

	var newContracts []executor.ContractID
	for _, id := range cfg.ContractIDs {
		logger.Info("registering contract", zap.String("name", id.Name), zap.String("address", id.Address))
		script, err := node.ContractScript(ctx, id.Address)
		if err != nil {
			return fmt.Errorf("fetch script for %s: %w", id.Name, err)
		}
		storageType, err := extractStorageTypeForMain(script)
		if err != nil {
			return fmt.Errorf("extract storage type for %s: %w", id.Name, err)
		}
		if err := exec.RegisterContract(ctx, id, storageType); err != nil {
			return err
		}
		newContracts = append(newContracts, id)
	}

	if len(flags.levels) > 0 {
		logger.Info("indexing explicit levels", zap.Int("count", len(flags.levels)))
		return exec.IndexLevels(ctx, cfg.Levels)
	}

	if len(newContracts) > 0 {
		logger.Info("backfilling newly registered contracts")
		if err := exec.IndexHistorical(ctx, newContracts); err != nil {
			return err
		}
	}

	logger.Info("entering continuous indexing", zap.Int64("level_floor", exec.LevelFloor()))
	return exec.Continuous(ctx)
}

func schemaCmd() *cobra.Command {
	var nodeURL, address, storageFile string
	var ssl bool
	var caCertPath string

	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the derived DDL for a contract's storage, without ingesting anything",
		Long: `schema reads a contract's storage type either from a local file
holding the Michelson storage type JSON (--storage-file) or, when that
flag is empty, directly from the node's contracts/<address>/script RPC
(--node-url/--address), builds the relational schema the indexer would
create, and prints the resulting DDL to stdout.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runSchema(nodeURL, address, storageFile, ssl, caCertPath)
		},
	}
	cmd.Flags().StringVar(&nodeURL, "node-url", "", "Base URL of the node RPC (required unless --storage-file is set)")
	cmd.Flags().StringVar(&address, "address", "", "Contract address (required unless --storage-file is set)")
	cmd.Flags().StringVar(&storageFile, "storage-file", "", "Path to a local Michelson storage type JSON file")
	cmd.Flags().BoolVar(&ssl, "ssl", false, "Allow TLS options (--ca-cert) for the node connection; whether TLS is used follows the --node-url scheme")
	cmd.Flags().StringVar(&caCertPath, "ca-cert", "", "Path to a CA certificate for the node connection (requires --ssl)")
	return cmd
}

func runSchema(nodeURL, address, storageFile string, ssl bool, caCertPath string) error {
	var storageType []byte

	if storageFile != "" {
		raw, err := os.ReadFile(storageFile)
		if err != nil {
			return fmt.Errorf("read storage file: %w", err)
		}
		storageType = raw
	} else {
		if nodeURL == "" || address == "" {
			return fmt.Errorf("schema: --node-url and --address are required unless --storage-file is set")
		}
		node, err := nodeclient.New(nodeclient.Config{
			BaseURL:    nodeURL,
			Timeout:    30 * time.Second,
			MaxRetries: 5,
			CACertPath: caCertPath,
			SSL:        ssl,
		})
		if err != nil {
			return err
		}
		defer node.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		script, err := node.ContractScript(ctx, address)
		if err != nil {
			return fmt.Errorf("fetch contract script: %w", err)
		}
		storageType, err = extractStorageTypeForMain(script)
		if err != nil {
			return err
		}
	}

	ty, err := typeast.Decode(storageType)
	if err != nil {
		return fmt.Errorf("decode storage type: %w", err)
	}
	ast, err := relational.NewBuilder().Build(relational.RootContext(), ty)
	if err != nil {
		return fmt.Errorf("build relational schema: %w", err)
	}
	tables := relational.BuildTables(ast)

	emitter := ddl.NewEmitter()
	fmt.Print(emitter.EmitContractSchema(tables))
	return nil
}

// extractStorageTypeForMain pulls the storage type node out of a
// node's contracts/<addr>/script response, the same narrowing
// internal/executor's discoverContracts applies before deriving a
// schema — duplicated here rather than exported from internal/executor
// since it's a one-line JSON-shape detail this command also needs
// independent of any Executor.
func extractStorageTypeForMain(script []byte) ([]byte, error) {
	var s struct {
		Code []struct {
			Prim string            `json:"prim"`
			Args []json.RawMessage `json:"args"`
		} `json:"code"`
	}
	if err := json.Unmarshal(script, &s); err != nil {
		return nil, fmt.Errorf("decode contract script: %w", err)
	}
	for _, section := range s.Code {
		if section.Prim == "storage" && len(section.Args) == 1 {
			return section.Args[0], nil
		}
	}
	return nil, fmt.Errorf("contract script has no storage type section")
}
