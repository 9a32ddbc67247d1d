package evmbridge

import (
	"math/big"

	trace "github.com/clydemeng/blocktrace/tracing"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"
)

// EOF call opcodes. They are matched by value so the bridge keeps working
// against interpreters that do not define them.
const (
	opExtCall         byte = 0xf8
	opExtDelegateCall byte = 0xf9
	opExtStaticCall   byte = 0xfb
)

func callScheme(op byte) (trace.Action, bool) {
	switch op {
	case byte(vm.CALL):
		return trace.ActionCall, true
	case byte(vm.CALLCODE):
		return trace.ActionCallCode, true
	case byte(vm.DELEGATECALL):
		return trace.ActionDelegateCall, true
	case byte(vm.STATICCALL):
		return trace.ActionStaticCall, true
	case opExtCall:
		return trace.ActionExtCall, true
	case opExtDelegateCall:
		return trace.ActionExtDelegateCall, true
	case opExtStaticCall:
		return trace.ActionExtStaticCall, true
	}
	return 0, false
}

// frame is an open call frame. caller is the msg.sender inside the frame and
// target the account whose storage it runs against.
type frame struct {
	caller common.Address
	target common.Address
}

// txRecorder follows one transaction through the interpreter hooks. It feeds
// the Inspector and collects the accounts and slots whose final values make up
// the transaction's state diff.
type txRecorder struct {
	inspector   *trace.Inspector
	sdb         *state.StateDB
	reader      *cacheReader
	precompiles map[common.Address]struct{}

	frames      []frame
	pendingSalt *uint256.Int
	touched     map[common.Address]map[common.Hash]struct{}
	fatal       error
}

func newTxRecorder(inspector *trace.Inspector, sdb *state.StateDB, reader *cacheReader, precompiles map[common.Address]struct{}) *txRecorder {
	return &txRecorder{
		inspector:   inspector,
		sdb:         sdb,
		reader:      reader,
		precompiles: precompiles,
		touched:     make(map[common.Address]map[common.Hash]struct{}),
	}
}

// hooks returns the interpreter hooks. System calls only need the state
// hooks, so the call hooks are left out when withCalls is false.
func (r *txRecorder) hooks(withCalls bool) *tracing.Hooks {
	h := &tracing.Hooks{
		OnBalanceChange: func(addr common.Address, _, _ *big.Int, _ tracing.BalanceChangeReason) { r.touch(addr) },
		OnNonceChange:   func(addr common.Address, _, _ uint64) { r.touch(addr) },
		OnCodeChange:    func(addr common.Address, _ common.Hash, _ []byte, _ common.Hash, _ []byte) { r.touch(addr) },
		OnStorageChange: func(addr common.Address, slot common.Hash, _, _ common.Hash) { r.touchSlot(addr, slot) },
	}
	if withCalls {
		h.OnEnter = r.onEnter
		h.OnExit = r.onExit
		h.OnOpcode = r.onOpcode
	}
	return h
}

func (r *txRecorder) touch(addr common.Address) {
	if _, ok := r.touched[addr]; !ok {
		r.touched[addr] = make(map[common.Hash]struct{})
	}
}

func (r *txRecorder) touchSlot(addr common.Address, slot common.Hash) {
	r.touch(addr)
	r.touched[addr][slot] = struct{}{}
}

func (r *txRecorder) onOpcode(_ uint64, op byte, _, _ uint64, scope tracing.OpContext, _ []byte, _ int, _ error) {
	switch vm.OpCode(op) {
	case vm.CREATE2:
		// Stack top: value, offset, size, salt.
		stack := scope.StackData()
		if len(stack) >= 4 {
			salt := stack[len(stack)-4]
			r.pendingSalt = &salt
		}
	case vm.SELFDESTRUCT:
		r.touch(scope.Address())
		if stack := scope.StackData(); len(stack) >= 1 {
			r.touch(common.Address(stack[len(stack)-1].Bytes20()))
		}
	}
}

func (r *txRecorder) onEnter(depth int, typ byte, from common.Address, to common.Address, input []byte, _ uint64, value *big.Int) {
	r.touch(from)
	r.touch(to)

	switch vm.OpCode(typ) {
	case vm.CREATE, vm.CREATE2:
		inputs := &trace.CreateInputs{
			Scheme:   trace.ActionCreate,
			Caller:   from,
			Value:    toU256(value),
			InitCode: input,
		}
		if vm.OpCode(typ) == vm.CREATE2 {
			inputs.Scheme = trace.ActionCreate2
			inputs.Salt = r.pendingSalt
			r.pendingSalt = nil
		}
		created, err := r.inspector.Create(r, inputs)
		if err != nil {
			if r.fatal == nil {
				r.fatal = err
			}
		} else if created != to {
			log.Warn("Created address mismatch", "tx", r.inspector.TxHash(), "derived", created, "engine", to)
		}
		r.frames = append(r.frames, frame{caller: from, target: to})
		return
	}

	scheme, ok := callScheme(typ)
	if !ok {
		r.frames = append(r.frames, frame{caller: from, target: to})
		return
	}
	caller, target := from, to
	switch scheme {
	case trace.ActionCallCode:
		target = from
	case trace.ActionDelegateCall, trace.ActionExtDelegateCall:
		target = from
		if n := len(r.frames); n > 0 {
			caller = r.frames[n-1].caller
		}
	}
	r.frames = append(r.frames, frame{caller: caller, target: target})
	r.inspector.Call(&trace.CallInputs{
		Scheme:       scheme,
		Caller:       caller,
		Target:       target,
		CodeAddress:  to,
		Value:        toU256(value),
		Input:        input,
		Depth:        depth,
		ExecutesCode: depth > 0 || r.hasCode(to),
	})
}

func (r *txRecorder) onExit(int, []byte, uint64, error, bool) {
	if n := len(r.frames); n > 0 {
		r.frames = r.frames[:n-1]
	}
}

func (r *txRecorder) hasCode(addr common.Address) bool {
	if _, ok := r.precompiles[addr]; ok {
		return true
	}
	return r.sdb.GetCodeSize(addr) > 0
}

// Nonce reads the live journal, so it reflects every nonce bump made so far
// in the running transaction.
func (r *txRecorder) Nonce(addr common.Address) (uint64, error) {
	nonce := r.sdb.GetNonce(addr)
	if err := r.reader.Err(); err != nil {
		return 0, err
	}
	if err := r.sdb.Error(); err != nil {
		return 0, err
	}
	return nonce, nil
}

func toU256(v *big.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	u, _ := uint256.FromBig(v)
	return u
}
