package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quepasa/internal/executor"
)

func TestLoadFileMissingPathReturnsBase(t *testing.T) {
	base := Default()
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.toml"), base)
	require.NoError(t, err)
	assert.Equal(t, base, cfg)
}

func TestLoadFileEmptyPathReturnsBase(t *testing.T) {
	base := Default()
	cfg, err := LoadFile("", base)
	require.NoError(t, err)
	assert.Equal(t, base, cfg)
}

func TestLoadFileOverlaysNonZeroFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quepasa.toml")
	content := `
contract_id = ["KT1abc=token", "KT1def=market"]
database_url = "postgres://localhost/quepasa"
ssl = true
ca_cert = "/etc/ssl/ca.pem"
node_url = "https://node.example"
network = "ghostnet"
workers_cap = 25
init = true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFile(path, Default())
	require.NoError(t, err)

	assert.Equal(t, []executor.ContractID{
		{Address: "KT1abc", Name: "token"},
		{Address: "KT1def", Name: "market"},
	}, cfg.ContractIDs)
	assert.Equal(t, "postgres://localhost/quepasa", cfg.DatabaseURL)
	assert.True(t, cfg.SSL)
	assert.Equal(t, "/etc/ssl/ca.pem", cfg.CACertPath)
	assert.Equal(t, "https://node.example", cfg.NodeURL)
	assert.Equal(t, "ghostnet", cfg.Network)
	assert.Equal(t, 25, cfg.WorkersCap)
	assert.True(t, cfg.Init)
	assert.False(t, cfg.AllContracts)
}

func TestLoadFileRejectsMalformedContractID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte(`contract_id = ["not-a-pair"]`), 0o644))

	_, err := LoadFile(path, Default())
	assert.Error(t, err)
}

func TestAddContractIDAppends(t *testing.T) {
	cfg := Default()
	require.NoError(t, AddContractID(&cfg, "KT1abc=token"))
	require.NoError(t, AddContractID(&cfg, "KT1def=market"))
	assert.Equal(t, []executor.ContractID{
		{Address: "KT1abc", Name: "token"},
		{Address: "KT1def", Name: "market"},
	}, cfg.ContractIDs)
}

func TestAddContractIDRejectsMissingEquals(t *testing.T) {
	cfg := Default()
	assert.Error(t, AddContractID(&cfg, "KT1abc"))
}

func TestValidateRequiresSSLForCACert(t *testing.T) {
	cfg := Config{DatabaseURL: "x", NodeURL: "y", AllContracts: true, CACertPath: "/ca.pem"}
	assert.Error(t, Validate(&cfg))
}

func TestValidateFloorsWorkersCap(t *testing.T) {
	cfg := Config{DatabaseURL: "x", NodeURL: "y", AllContracts: true, WorkersCap: 0}
	require.NoError(t, Validate(&cfg))
	assert.Equal(t, 1, cfg.WorkersCap)
}

func TestValidateRequiresDatabaseURL(t *testing.T) {
	cfg := Config{NodeURL: "y", AllContracts: true}
	assert.Error(t, Validate(&cfg))
}

func TestValidateRequiresNodeURL(t *testing.T) {
	cfg := Config{DatabaseURL: "x", AllContracts: true}
	assert.Error(t, Validate(&cfg))
}

func TestValidateRequiresContractsUnlessAllContracts(t *testing.T) {
	cfg := Config{DatabaseURL: "x", NodeURL: "y"}
	assert.Error(t, Validate(&cfg))

	cfg.ContractIDs = []executor.ContractID{{Address: "KT1abc", Name: "token"}}
	assert.NoError(t, Validate(&cfg))
}
