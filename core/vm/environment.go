package vm

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

// BlockContext carries the per-block parameters shared by every transaction
// of a replay. It is built once and never mutated.
type BlockContext struct {
	Number      uint64
	Hash        common.Hash
	ParentHash  common.Hash
	Beneficiary common.Address
	Time        uint64
	Difficulty  *big.Int
	GasLimit    uint64
	BaseFee     *big.Int // nil before London

	// Post-merge randomness and post-Cancun blob pricing.
	MixDigest     common.Hash
	ExcessBlobGas *uint64
	BlobGasUsed   *uint64
}

// NewBlockContext derives the execution context of the block described by
// header.
func NewBlockContext(header *types.Header, hash common.Hash) BlockContext {
	ctx := BlockContext{
		Number:      header.Number.Uint64(),
		Hash:        hash,
		ParentHash:  header.ParentHash,
		Beneficiary: header.Coinbase,
		Time:        header.Time,
		Difficulty:  new(big.Int),
		GasLimit:    header.GasLimit,
		MixDigest:   header.MixDigest,
	}
	if header.Difficulty != nil {
		ctx.Difficulty.Set(header.Difficulty)
	}
	if header.BaseFee != nil {
		ctx.BaseFee = new(big.Int).Set(header.BaseFee)
	}
	if header.ExcessBlobGas != nil {
		v := *header.ExcessBlobGas
		ctx.ExcessBlobGas = &v
	}
	if header.BlobGasUsed != nil {
		v := *header.BlobGasUsed
		ctx.BlobGasUsed = &v
	}
	return ctx
}

// Header rebuilds a header carrying the fields the interpreter consumes.
func (b BlockContext) Header() *types.Header {
	h := &types.Header{
		ParentHash:    b.ParentHash,
		Coinbase:      b.Beneficiary,
		Number:        new(big.Int).SetUint64(b.Number),
		Time:          b.Time,
		Difficulty:    new(big.Int),
		GasLimit:      b.GasLimit,
		MixDigest:     b.MixDigest,
		ExcessBlobGas: b.ExcessBlobGas,
		BlobGasUsed:   b.BlobGasUsed,
	}
	if b.Difficulty != nil {
		h.Difficulty.Set(b.Difficulty)
	}
	if b.BaseFee != nil {
		h.BaseFee = new(big.Int).Set(b.BaseFee)
	}
	return h
}

// TxEnvironment is everything the engine needs to run one transaction.
// A new value is built for every transaction; nothing carries over.
type TxEnvironment struct {
	Hash  common.Hash
	Index int

	Caller   common.Address
	To       *common.Address // nil for contract creation
	Nonce    uint64
	GasLimit uint64
	GasPrice *big.Int
	// PriorityFee is only set for fee-market transactions.
	PriorityFee *big.Int
	Value       *uint256.Int
	Data        []byte
	ChainID     uint64
	AccessList  types.AccessList

	BlobHashes     []common.Hash
	BlobGasFeeCap  *big.Int
	Authorizations []types.SetCodeAuthorization
}

// IsCreate reports whether the transaction deploys a contract.
func (e *TxEnvironment) IsCreate() bool { return e.To == nil }

// Result summarises the outcome of one executed transaction.
type Result struct {
	GasUsed uint64
	Failed  bool // reverted or ran out of gas; state was still committed
	Err     error
	Return  []byte
}
