package core

import (
	"fmt"
	"math/big"

	"github.com/clydemeng/blocktrace/core/vm"
	"github.com/clydemeng/blocktrace/provider"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

// NewTxEnvironment maps a block transaction onto a fresh execution
// environment.
//
// The gas price is the explicit gas price for legacy and access-list
// transactions and the max fee per gas otherwise. The priority fee is only set
// for fee-market transactions. The chain id always comes from configuration,
// never from the transaction.
func NewTxEnvironment(tx *provider.Transaction, index int, chainID uint64, signer types.Signer) (*vm.TxEnvironment, error) {
	inner := tx.Tx
	env := &vm.TxEnvironment{
		Hash:       inner.Hash(),
		Index:      index,
		Nonce:      inner.Nonce(),
		GasLimit:   inner.Gas(),
		Data:       append([]byte(nil), inner.Data()...),
		ChainID:    chainID,
		AccessList: types.AccessList{},
		BlobHashes: inner.BlobHashes(),
	}
	if tx.From != nil {
		env.Caller = *tx.From
	} else {
		from, err := types.Sender(signer, inner)
		if err != nil {
			return nil, fmt.Errorf("recover sender of %s: %w", inner.Hash().Hex(), err)
		}
		env.Caller = from
	}
	if to := inner.To(); to != nil {
		addr := *to
		env.To = &addr
	}
	value, overflow := uint256.FromBig(inner.Value())
	if overflow {
		return nil, fmt.Errorf("value of %s overflows 256 bits", inner.Hash().Hex())
	}
	env.Value = value

	switch inner.Type() {
	case types.LegacyTxType, types.AccessListTxType:
		env.GasPrice = new(big.Int).Set(inner.GasPrice())
	default:
		env.GasPrice = new(big.Int).Set(inner.GasFeeCap())
		env.PriorityFee = new(big.Int).Set(inner.GasTipCap())
	}
	if al := inner.AccessList(); al != nil {
		env.AccessList = append(types.AccessList{}, al...)
	}
	if fee := inner.BlobGasFeeCap(); fee != nil {
		env.BlobGasFeeCap = new(big.Int).Set(fee)
	}
	if auths := inner.SetCodeAuthorizations(); len(auths) > 0 {
		env.Authorizations = append([]types.SetCodeAuthorization(nil), auths...)
	}
	return env, nil
}
