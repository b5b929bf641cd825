package nodecfg

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/simplexbft/node/pkg/blscrypto"
	"github.com/simplexbft/node/pkg/types"
)

// ValidatorEntry is one committee member as written in the genesis file:
// a hex-encoded BLS public key and the gossip address other nodes dial
// to reach it.
type ValidatorEntry struct {
	PublicKey  string `yaml:"public_key"`
	GossipAddr string `yaml:"gossip_addr"`
}

// Genesis is the permissioned validator set a chain bootstraps from,
// decoded from YAML the same way pkg/config never gets to but
// gopkg.in/yaml.v3 is already a direct dependency for.
type Genesis struct {
	ChainID   uint64           `yaml:"chain_id"`
	Committee []ValidatorEntry `yaml:"committee"`
}

// LoadGenesis reads and parses the genesis/committee descriptor at path.
func LoadGenesis(path string) (*Genesis, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("nodecfg: read genesis file: %w", err)
	}
	var g Genesis
	if err := yaml.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("nodecfg: parse genesis file: %w", err)
	}
	if len(g.Committee) == 0 {
		return nil, fmt.Errorf("nodecfg: genesis file declares no committee members")
	}
	return &g, nil
}

// CommitteeKeys decodes every entry's hex public key into the group
// element form pkg/consensus.New expects as genesisCommittee.
func (g *Genesis) CommitteeKeys() ([]types.PublicKey, error) {
	keys := make([]types.PublicKey, len(g.Committee))
	for i, v := range g.Committee {
		raw, err := hex.DecodeString(strings.TrimPrefix(v.PublicKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("nodecfg: decode committee[%d] public key: %w", i, err)
		}
		pk, err := blscrypto.PublicKeyFromBytes(raw)
		if err != nil {
			return nil, fmt.Errorf("nodecfg: invalid committee[%d] public key: %w", i, err)
		}
		keys[i] = types.PublicKeyFromBLS(pk)
	}
	return keys, nil
}

// GossipAddr returns the dial address for validator index i, as given
// in the genesis file.
func (g *Genesis) GossipAddr(i int) (string, error) {
	if i < 0 || i >= len(g.Committee) {
		return "", fmt.Errorf("nodecfg: committee index %d out of range", i)
	}
	return g.Committee[i].GossipAddr, nil
}
