package tracing

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// Journal exposes the live execution state to the create hook. Reads must
// reflect every mutation made so far in the running transaction.
type Journal interface {
	Nonce(addr common.Address) (uint64, error)
}

// CallInputs describes a call-family frame as seen by the execution engine.
type CallInputs struct {
	Scheme      Action
	Caller      common.Address
	Target      common.Address // account whose storage and balance are used
	CodeAddress common.Address // account whose code runs
	Value       *uint256.Int   // transferred or inherited value
	Input       []byte
	Depth       int

	// ExecutesCode is false for a top-level frame that only moves value.
	ExecutesCode bool
}

// CreateInputs describes a create-family frame.
type CreateInputs struct {
	Scheme   Action
	Caller   common.Address
	Value    *uint256.Int
	InitCode []byte
	Salt     *uint256.Int // CREATE2 only
}

// CreatedAddress derives the address of the contract being deployed. The
// nonce is only consulted for CREATE.
func (in *CreateInputs) CreatedAddress(nonce uint64) common.Address {
	if in.Scheme == ActionCreate2 {
		var salt [32]byte
		if in.Salt != nil {
			salt = in.Salt.Bytes32()
		}
		return crypto.CreateAddress2(in.Caller, salt, crypto.Keccak256(in.InitCode))
	}
	return crypto.CreateAddress(in.Caller, nonce)
}

// AccountLookupError is raised when the create hook cannot read the creator
// account from the execution journal. It aborts the whole block replay.
type AccountLookupError struct {
	Address common.Address
	Err     error
}

func (e *AccountLookupError) Error() string {
	return fmt.Sprintf("account lookup for %s failed: %v", e.Address.Hex(), e.Err)
}

func (e *AccountLookupError) Unwrap() error { return e.Err }

// Inspector turns call and create hooks into CallInfo records. It only
// observes: nothing it returns can change how the engine proceeds.
type Inspector struct {
	log    *TraceLog
	txHash common.Hash
}

func NewInspector(log *TraceLog) *Inspector {
	return &Inspector{log: log}
}

// SetTx tags every subsequent record with the given transaction hash.
func (in *Inspector) SetTx(hash common.Hash) {
	in.txHash = hash
}

func (in *Inspector) TxHash() common.Hash { return in.txHash }

// Log returns the sink records are appended to.
func (in *Inspector) Log() *TraceLog { return in.log }

// Call records a call-family frame.
func (in *Inspector) Call(inputs *CallInputs) {
	if inputs.Depth == 0 && !inputs.ExecutesCode {
		return
	}
	in.log.Append(CallInfo{
		TxHash:         in.txHash,
		From:           inputs.Caller,
		To:             inputs.CodeAddress,
		StorageAddress: inputs.Target,
		Value:          valueOrZero(inputs.Value),
		Action:         inputs.Scheme,
		Calldata:       common.CopyBytes(inputs.Input),
	})
}

// Create records a create-family frame. The creator nonce is read from the
// journal at hook time, before the engine bumps it.
func (in *Inspector) Create(journal Journal, inputs *CreateInputs) (common.Address, error) {
	nonce, err := journal.Nonce(inputs.Caller)
	if err != nil {
		return common.Address{}, &AccountLookupError{Address: inputs.Caller, Err: err}
	}
	created := inputs.CreatedAddress(nonce)
	in.log.Append(CallInfo{
		TxHash:         in.txHash,
		From:           inputs.Caller,
		To:             created,
		StorageAddress: created,
		Value:          valueOrZero(inputs.Value),
		Action:         inputs.Scheme,
		Calldata:       []byte{},
	})
	return created, nil
}

func valueOrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}
