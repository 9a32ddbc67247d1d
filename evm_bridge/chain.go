package evmbridge

import (
	"context"

	"github.com/clydemeng/blocktrace/statecache"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/consensus"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
)

// chainContext serves ancestor hashes to the BLOCKHASH opcode. Lookup
// failures are remembered and turned into a fatal error once the running
// transaction returns.
type chainContext struct {
	ctx    context.Context
	config *params.ChainConfig
	cache  *statecache.Cache
	number uint64      // block being replayed
	parent common.Hash // its parent, known without a lookup
	err    error
}

func (c *chainContext) Engine() consensus.Engine { return nil }

func (c *chainContext) Config() *params.ChainConfig { return c.config }

func (c *chainContext) GetHeader(_ common.Hash, number uint64) *types.Header {
	h, err := c.cache.Header(c.ctx, number)
	if err != nil {
		c.fail(err)
		return nil
	}
	return h
}

// blockHash is installed as the EVM's GetHash. The interpreter has already
// checked that number lies in the 256 block window.
func (c *chainContext) blockHash(number uint64) common.Hash {
	if number+1 == c.number {
		return c.parent
	}
	hash, err := c.cache.BlockHash(c.ctx, number)
	if err != nil {
		c.fail(err)
		return common.Hash{}
	}
	return hash
}

func (c *chainContext) fail(err error) {
	if c.err == nil {
		c.err = err
	}
}
