package core

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/clydemeng/blocktrace/core/vm"
	"github.com/clydemeng/blocktrace/provider"
	"github.com/clydemeng/blocktrace/statecache"
	"github.com/clydemeng/blocktrace/tracing"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
)

const largeTxGasLimit = 10_000_000 // 10M gas, to measure the execution time of large txs

var (
	blockReplayTimer = metrics.NewRegisteredTimer("replay/block", nil)
	txReplayMeter    = metrics.NewRegisteredMeter("replay/txs", nil)
	txFailureMeter   = metrics.NewRegisteredMeter("replay/txs/failed", nil)
	traceMeter       = metrics.NewRegisteredMeter("replay/traces", nil)
)

// ErrGenesisBlock is returned for block 0, which has no parent state.
var ErrGenesisBlock = errors.New("genesis block cannot be replayed")

// TxExecutionError is a per-transaction failure. It is logged and the replay
// moves on to the next transaction.
type TxExecutionError struct {
	Hash  common.Hash
	Index int
	Err   error
}

func (e *TxExecutionError) Error() string {
	return fmt.Sprintf("tx %d [%s]: %v", e.Index, e.Hash.Hex(), e.Err)
}

func (e *TxExecutionError) Unwrap() error { return e.Err }

// IsFatal reports whether err must abort a block replay.
func IsFatal(err error) bool {
	var (
		perr   *provider.ProviderError
		lookup *tracing.AccountLookupError
	)
	switch {
	case errors.As(err, &perr), errors.As(err, &lookup):
		return true
	case errors.Is(err, provider.ErrBlockNotFound), errors.Is(err, provider.ErrMalformedBlock):
		return true
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}

// BlockSource provides the target block and the parent state it is replayed
// on.
type BlockSource interface {
	statecache.Source
	BlockByNumber(ctx context.Context, number uint64) (*provider.Block, error)
}

// Config tunes a Replayer.
type Config struct {
	ChainID       uint64
	ReplayTimeout time.Duration
	// Prefetch warms the accounts the block obviously touches before the
	// first transaction runs.
	Prefetch      bool
	PrefetchLimit int
}

// TxSummary is the outcome of one replayed transaction.
type TxSummary struct {
	Hash    common.Hash
	Index   int
	GasUsed uint64
	Failed  bool
	Err     error
	Reason  string // decoded revert reason, if any
	Traces  int
	Creates int
}

// ReplayResult is the full trace of one block.
type ReplayResult struct {
	Number uint64
	Hash   common.Hash
	Traces []tracing.CallInfo
	Txs    []TxSummary
}

// Replayer re-executes historical blocks on top of their parent state and
// collects the call and create events of every transaction.
type Replayer struct {
	source      BlockSource
	newExecutor ExecutorFactory
	config      Config
	signer      types.Signer
}

func NewReplayer(source BlockSource, factory ExecutorFactory, config Config) *Replayer {
	return &Replayer{
		source:      source,
		newExecutor: factory,
		config:      config,
		signer:      types.LatestSignerForChainID(new(big.Int).SetUint64(config.ChainID)),
	}
}

// Replay executes every transaction of block number in order, each one on
// top of the committed effects of the ones before it. Per-transaction failures
// are recorded and skipped. Provider failures and create-hook account lookup
// failures abort the replay.
func (r *Replayer) Replay(ctx context.Context, number uint64) (*ReplayResult, error) {
	if number == 0 {
		return nil, ErrGenesisBlock
	}
	if r.config.ReplayTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.ReplayTimeout)
		defer cancel()
	}
	start := time.Now()
	defer blockReplayTimer.UpdateSince(start)

	block, err := r.source.BlockByNumber(ctx, number)
	if err != nil {
		return nil, fmt.Errorf("fetch block %d: %w", number, err)
	}
	log.Info("Replaying block", "number", number, "hash", block.Hash, "txs", len(block.Transactions))

	var opts []statecache.Option
	if r.config.PrefetchLimit > 0 {
		opts = append(opts, statecache.WithPrefetchLimit(r.config.PrefetchLimit))
	}
	cache := statecache.New(r.source, number-1, opts...)
	traces := tracing.NewTraceLog()
	inspector := tracing.NewInspector(traces)

	if r.config.Prefetch {
		cache.Prefetch(ctx, statecache.AccountKeys(r.touchedAccounts(block)))
	}
	executor, err := r.newExecutor(ctx, block, cache, inspector)
	if err != nil {
		return nil, fmt.Errorf("create executor for block %d: %w", number, err)
	}

	result := &ReplayResult{Number: number, Hash: block.Hash, Txs: make([]TxSummary, 0, len(block.Transactions))}
	for i, tx := range block.Transactions {
		summary, err := r.replayTx(ctx, executor, inspector, tx, i)
		if err != nil {
			return nil, err
		}
		result.Txs = append(result.Txs, summary)
	}
	result.Traces = traces.Entries()
	traceMeter.Mark(int64(len(result.Traces)))

	accMiss, storMiss := cache.Misses()
	log.Info("Replayed block", "number", number, "txs", len(result.Txs), "traces", len(result.Traces),
		"accountMisses", accMiss, "storageMisses", storMiss, "engine", executor.Engine(), "elapsed", common.PrettyDuration(time.Since(start)))
	return result, nil
}

func (r *Replayer) replayTx(ctx context.Context, executor vm.Executor, inspector *tracing.Inspector, tx *provider.Transaction, index int) (TxSummary, error) {
	txReplayMeter.Mark(1)
	summary := TxSummary{Hash: tx.Tx.Hash(), Index: index}

	env, err := NewTxEnvironment(tx, index, r.config.ChainID, r.signer)
	if err != nil {
		txErr := &TxExecutionError{Hash: summary.Hash, Index: index, Err: err}
		txFailureMeter.Mark(1)
		log.Warn("Skipping transaction", "err", txErr)
		summary.Failed, summary.Err = true, txErr
		return summary, nil
	}
	inspector.SetTx(env.Hash)
	before := inspector.Log().Len()

	var start time.Time
	if env.GasLimit > largeTxGasLimit {
		start = time.Now()
	}
	res, err := executor.ExecuteAndCommit(ctx, env)
	emitted := inspector.Log().Since(before)
	summary.Traces = len(emitted)
	for _, info := range emitted {
		if info.Action.IsCreate() {
			summary.Creates++
		}
	}
	if err != nil {
		if IsFatal(err) || ctx.Err() != nil {
			return summary, fmt.Errorf("tx %d [%s]: %w", index, env.Hash.Hex(), err)
		}
		txErr := &TxExecutionError{Hash: env.Hash, Index: index, Err: err}
		txFailureMeter.Mark(1)
		log.Warn("Transaction execution failed", "err", txErr, "traces", summary.Traces)
		summary.Failed, summary.Err = true, txErr
		return summary, nil
	}
	summary.GasUsed = res.GasUsed
	summary.Failed = res.Failed
	summary.Err = res.Err
	if res.Failed && len(res.Return) > 0 {
		if reason, err := abi.UnpackRevert(res.Return); err == nil {
			summary.Reason = reason
		}
	}
	if !start.IsZero() && res.GasUsed > largeTxGasLimit {
		log.Info("Large tx execution time", "tx", env.Hash, "gasUsed", res.GasUsed, "elapsed", common.PrettyDuration(time.Since(start)))
	}
	log.Debug("Replayed transaction", "index", index, "tx", env.Hash, "gasUsed", res.GasUsed, "failed", res.Failed, "reason", summary.Reason, "traces", summary.Traces)
	return summary, nil
}

// touchedAccounts collects the accounts every block is certain to read: the
// coinbase, each sender and recipient, and each top-level created address.
func (r *Replayer) touchedAccounts(block *provider.Block) []common.Address {
	seen := mapset.NewThreadUnsafeSet(block.Header.Coinbase)
	out := []common.Address{block.Header.Coinbase}
	add := func(addr common.Address) {
		if seen.Add(addr) {
			out = append(out, addr)
		}
	}
	for _, tx := range block.Transactions {
		var from common.Address
		if tx.From != nil {
			from = *tx.From
		} else if sender, err := types.Sender(r.signer, tx.Tx); err == nil {
			from = sender
		} else {
			continue
		}
		add(from)
		if to := tx.Tx.To(); to != nil {
			add(*to)
		} else {
			add(crypto.CreateAddress(from, tx.Tx.Nonce()))
		}
	}
	return out
}
