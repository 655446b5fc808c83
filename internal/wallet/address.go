package wallet

import (
	"fmt"

	"github.com/bwmarrin/snowflake"

	"github.com/mhc-wallet/mhc_wallet/internal/ledger"
)

// AddressGenerator hands out candidate wallet addresses. Uniqueness is
// enforced by the store, so a generator only needs to make collisions rare.
type AddressGenerator interface {
	NewAddress() string
}

// SnowflakeAddresses derives addresses from time-ordered snowflake ids.
type SnowflakeAddresses struct {
	node *snowflake.Node
}

// NewSnowflakeAddresses creates a generator for the given node id (0-1023).
func NewSnowflakeAddresses(nodeID int64) (*SnowflakeAddresses, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", nodeID, err)
	}
	return &SnowflakeAddresses{node: node}, nil
}

func (g *SnowflakeAddresses) NewAddress() string {
	return ledger.AddressPrefix + g.node.Generate().Base36()
}
