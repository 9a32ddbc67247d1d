// Package evmbridge runs replayed transactions on the go-ethereum interpreter
// and translates its tracing hooks into call and create records.
package evmbridge

import (
	"context"
	"fmt"
	"math/big"

	bvm "github.com/clydemeng/blocktrace/core/vm"
	"github.com/clydemeng/blocktrace/provider"
	"github.com/clydemeng/blocktrace/statecache"
	trace "github.com/clydemeng/blocktrace/tracing"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"
)

const systemCallGas = 30_000_000

// Executor is the go-ethereum backed bvm.Executor for one block.
type Executor struct {
	config    *params.ChainConfig
	cache     *statecache.Cache
	inspector *trace.Inspector

	block       bvm.BlockContext
	evmContext  vm.BlockContext
	chain       *chainContext
	gasPool     *core.GasPool
	precompiles map[common.Address]struct{}
	deleteEmpty bool
}

// Factory returns a constructor of per-block executors for the given chain.
// Its signature matches the replay loop's executor factory.
func Factory(config *params.ChainConfig) func(context.Context, *provider.Block, *statecache.Cache, *trace.Inspector) (bvm.Executor, error) {
	return func(ctx context.Context, block *provider.Block, cache *statecache.Cache, inspector *trace.Inspector) (bvm.Executor, error) {
		return NewExecutor(ctx, config, block, cache, inspector)
	}
}

// NewExecutor prepares the execution context of block and applies the
// pre-transaction system calls the active forks require.
func NewExecutor(ctx context.Context, config *params.ChainConfig, block *provider.Block, cache *statecache.Cache, inspector *trace.Inspector) (*Executor, error) {
	bc := bvm.NewBlockContext(block.Header, block.Hash)
	if cache.Number()+1 != bc.Number {
		return nil, fmt.Errorf("state cache at height %d cannot replay block %d", cache.Number(), bc.Number)
	}
	chain := &chainContext{ctx: ctx, config: config, cache: cache, number: bc.Number, parent: bc.ParentHash}
	header := bc.Header()
	evmContext := core.NewEVMBlockContext(header, chain, &bc.Beneficiary)
	evmContext.GetHash = chain.blockHash

	rules := config.Rules(header.Number, evmContext.Random != nil, header.Time)
	precompiles := make(map[common.Address]struct{})
	for _, addr := range vm.ActivePrecompiles(rules) {
		precompiles[addr] = struct{}{}
	}
	e := &Executor{
		config:      config,
		cache:       cache,
		inspector:   inspector,
		block:       bc,
		evmContext:  evmContext,
		chain:       chain,
		gasPool:     new(core.GasPool).AddGas(header.GasLimit),
		precompiles: precompiles,
		deleteEmpty: config.IsEIP158(header.Number),
	}
	log.Debug("Prepared executor", "number", bc.Number, "fork", bvm.ForkName(config, bc.Number, bc.Time), "precompiles", len(precompiles))

	if root := block.Header.ParentBeaconRoot; root != nil && config.IsCancun(header.Number, header.Time) {
		if err := e.systemCall(ctx, params.BeaconRootsAddress, root.Bytes()); err != nil {
			return nil, fmt.Errorf("beacon root system call: %w", err)
		}
	}
	if config.IsPrague(header.Number, header.Time) {
		if err := e.systemCall(ctx, params.HistoryStorageAddress, bc.ParentHash.Bytes()); err != nil {
			return nil, fmt.Errorf("parent hash system call: %w", err)
		}
	}
	return e, nil
}

func (e *Executor) Engine() string { return "go-evm" }

// ExecuteAndCommit runs env on a fresh journaled state over the block cache
// and commits the resulting diff. Transactions rejected before execution are
// returned as errors and leave the cache untouched; reverted transactions
// still commit their fee and nonce changes.
func (e *Executor) ExecuteAndCommit(ctx context.Context, env *bvm.TxEnvironment) (*bvm.Result, error) {
	db := newCacheDatabase(ctx, e.cache)
	sdb, err := state.New(types.EmptyRootHash, db)
	if err != nil {
		return nil, fmt.Errorf("open state: %w", err)
	}
	sdb.SetTxContext(env.Hash, env.Index)

	rec := newTxRecorder(e.inspector, sdb, db.reader, e.precompiles)
	hooks := rec.hooks(true)
	hooked := state.NewHookedState(sdb, hooks)
	e.chain.ctx, e.chain.err = ctx, nil

	evm := vm.NewEVM(e.evmContext, hooked, e.config, vm.Config{Tracer: hooks})
	msg := e.message(env)
	evm.SetTxContext(core.NewEVMTxContext(msg))

	res, applyErr := core.ApplyMessage(evm, msg, e.gasPool)
	if err := db.reader.Err(); err != nil {
		return nil, err
	}
	if rec.fatal != nil {
		return nil, rec.fatal
	}
	if e.chain.err != nil {
		return nil, e.chain.err
	}
	if applyErr != nil {
		return nil, applyErr
	}
	if err := sdb.Error(); err != nil {
		return nil, fmt.Errorf("state access: %w", err)
	}
	hooked.Finalise(e.deleteEmpty)
	e.cache.Commit(rec.diff())

	return &bvm.Result{
		GasUsed: res.UsedGas,
		Failed:  res.Failed(),
		Err:     res.Err,
		Return:  res.ReturnData,
	}, nil
}

// message converts env into a consensus message. The effective gas price of
// a fee-market transaction is min(tip + base fee, fee cap).
func (e *Executor) message(env *bvm.TxEnvironment) *core.Message {
	msg := &core.Message{
		To:                    env.To,
		From:                  env.Caller,
		Nonce:                 env.Nonce,
		Value:                 new(big.Int),
		GasLimit:              env.GasLimit,
		GasPrice:              new(big.Int).Set(env.GasPrice),
		GasFeeCap:             new(big.Int).Set(env.GasPrice),
		GasTipCap:             new(big.Int).Set(env.GasPrice),
		Data:                  env.Data,
		AccessList:            env.AccessList,
		BlobGasFeeCap:         env.BlobGasFeeCap,
		BlobHashes:            env.BlobHashes,
		SetCodeAuthorizations: env.Authorizations,
	}
	if env.Value != nil {
		msg.Value = env.Value.ToBig()
	}
	if env.PriorityFee != nil {
		msg.GasTipCap = new(big.Int).Set(env.PriorityFee)
		if e.block.BaseFee != nil {
			effective := new(big.Int).Add(msg.GasTipCap, e.block.BaseFee)
			if effective.Cmp(msg.GasFeeCap) > 0 {
				effective.Set(msg.GasFeeCap)
			}
			msg.GasPrice = effective
		}
	}
	return msg
}

// systemCall invokes a system contract the way block processing does before
// the first transaction. It is not traced.
func (e *Executor) systemCall(ctx context.Context, addr common.Address, data []byte) error {
	db := newCacheDatabase(ctx, e.cache)
	sdb, err := state.New(types.EmptyRootHash, db)
	if err != nil {
		return err
	}
	rec := newTxRecorder(e.inspector, sdb, db.reader, e.precompiles)
	hooks := rec.hooks(false)
	hooked := state.NewHookedState(sdb, hooks)

	evm := vm.NewEVM(e.evmContext, hooked, e.config, vm.Config{Tracer: hooks})
	msg := &core.Message{
		From:      params.SystemAddress,
		GasLimit:  systemCallGas,
		GasPrice:  common.Big0,
		GasFeeCap: common.Big0,
		GasTipCap: common.Big0,
		To:        &addr,
		Data:      data,
	}
	evm.SetTxContext(core.NewEVMTxContext(msg))
	hooked.AddAddressToAccessList(addr)
	_, _, _ = evm.Call(vm.AccountRef(msg.From), addr, msg.Data, systemCallGas, new(uint256.Int))
	if err := db.reader.Err(); err != nil {
		return err
	}
	hooked.Finalise(e.deleteEmpty)
	e.cache.Commit(rec.diff())
	return nil
}

// diff reads back the final state of every touched account once the
// transaction has been finalised. Accounts that no longer exist were
// destroyed, or were empty and pruned.
func (r *txRecorder) diff() statecache.Diff {
	out := make(statecache.Diff, len(r.touched))
	for addr, slots := range r.touched {
		if !r.sdb.Exist(addr) {
			out[addr] = &statecache.AccountDiff{Destroyed: true}
			continue
		}
		d := &statecache.AccountDiff{
			Balance:  new(uint256.Int).Set(r.sdb.GetBalance(addr)),
			Nonce:    r.sdb.GetNonce(addr),
			CodeHash: r.sdb.GetCodeHash(addr),
			Code:     r.sdb.GetCode(addr),
			Storage:  make(map[common.Hash]common.Hash, len(slots)),
		}
		for slot := range slots {
			d.Storage[slot] = r.sdb.GetState(addr, slot)
		}
		out[addr] = d
	}
	return out
}
