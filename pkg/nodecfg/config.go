// Package nodecfg loads node configuration the way pkg/config/config.go
// does — a flat struct, an env-var Load, a Validate — trimmed to what a
// consensus node actually needs, plus the YAML genesis/committee file a
// permissioned chain must bootstrap its validator set from.
package nodecfg

import (
	"fmt"
	"os"
	"strconv"
)

// DefaultGasLimit is used when --gas-limit is not supplied on the CLI.
const DefaultGasLimit uint64 = 30_000_000

// BootnodeGossipPort is the fixed TCP port node 0 listens on for gossip;
// node_id n listens on BootnodeGossipPort + n.
const BootnodeGossipPort = 9000

// RPCPortBase is added to node_id to form the JSON-RPC listen address.
const RPCPortBase = 8545

// Config holds everything cmd/node needs to start one node, combining
// CLI-supplied values (NodeID, GasLimit) with environment-driven
// deployment settings (data directory, genesis file path, bootnode
// address), matching config.go's Load/Validate split.
type Config struct {
	NodeID   uint64
	GasLimit uint64

	DataDir      string
	GenesisFile  string
	BootnodeAddr string // required by Validate for node_id != 0; cmd/node dials the genesis gossip addresses, not this one

	GossipListenAddr string
	RPCListenAddr    string
	HealthAddr       string
	MetricsAddr      string

	LogLevel string
}

// Load builds a Config from CLI-derived nodeID/gasLimit (0 meaning "use
// DefaultGasLimit") plus environment variables for the rest, mirroring
// config.go's getEnv-with-default convention.
func Load(nodeID uint64, gasLimit uint64) (*Config, error) {
	if gasLimit == 0 {
		gasLimit = DefaultGasLimit
	}

	// Every committee member listens on a fixed, predictable port
	// (BootnodeGossipPort + node_id) rather than a truly ephemeral one:
	// a permissioned committee is fully known at genesis, and Simplex
	// requires every member to receive votes from every other member
	// directly, which a dial-the-bootnode-only star topology cannot
	// give without a relay/discovery layer this project's Non-goals
	// explicitly exclude. See DESIGN.md's Open Question decisions.
	gossipAddr := fmt.Sprintf("0.0.0.0:%d", BootnodeGossipPort+nodeID)

	cfg := &Config{
		NodeID:           nodeID,
		GasLimit:         gasLimit,
		DataDir:          getEnv("NODE_DATA_DIR", fmt.Sprintf("./data/node-%d", nodeID)),
		GenesisFile:      getEnv("NODE_GENESIS_FILE", "./genesis.yaml"),
		BootnodeAddr:     getEnv("NODE_BOOTNODE_ADDR", fmt.Sprintf("127.0.0.1:%d", BootnodeGossipPort)),
		GossipListenAddr: getEnv("NODE_GOSSIP_ADDR", gossipAddr),
		RPCListenAddr:    getEnv("NODE_RPC_ADDR", fmt.Sprintf("127.0.0.1:%d", RPCPortBase+nodeID)),
		HealthAddr:       getEnv("NODE_HEALTH_ADDR", fmt.Sprintf("127.0.0.1:%d", 8081+nodeID)),
		MetricsAddr:      getEnv("NODE_METRICS_ADDR", fmt.Sprintf("127.0.0.1:%d", 9090+nodeID)),
		LogLevel:         getEnv("NODE_LOG_LEVEL", "info"),
	}
	return cfg, nil
}

// Validate checks the invariants Load cannot enforce by itself.
func (c *Config) Validate() error {
	if c.GenesisFile == "" {
		return fmt.Errorf("nodecfg: genesis file path is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("nodecfg: data directory is required")
	}
	if c.NodeID != 0 && c.BootnodeAddr == "" {
		return fmt.Errorf("nodecfg: non-bootnode requires a bootnode address to dial")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

// ParseGasLimitFlag parses the --gas-limit CLI flag value, returning 0
// (meaning "use the default") for an empty string.
func ParseGasLimitFlag(raw string) (uint64, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("nodecfg: invalid --gas-limit value %q: %w", raw, err)
	}
	return v, nil
}
