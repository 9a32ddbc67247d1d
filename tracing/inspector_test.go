package tracing

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

type staticJournal map[common.Address]uint64

func (j staticJournal) Nonce(addr common.Address) (uint64, error) {
	return j[addr], nil
}

type failingJournal struct{ err error }

func (j failingJournal) Nonce(common.Address) (uint64, error) { return 0, j.err }

var (
	eoa      = common.HexToAddress("0x1000000000000000000000000000000000000001")
	proxy    = common.HexToAddress("0x2000000000000000000000000000000000000002")
	logic    = common.HexToAddress("0x3000000000000000000000000000000000000003")
	testHash = common.HexToHash("0xabcdef")
)

func TestInspectorCallStorageAddress(t *testing.T) {
	tl := NewTraceLog()
	in := NewInspector(tl)
	in.SetTx(testHash)

	in.Call(&CallInputs{Scheme: ActionCall, Caller: eoa, Target: proxy, CodeAddress: proxy, Value: uint256.NewInt(5), Input: []byte{0x01}, ExecutesCode: true})
	in.Call(&CallInputs{Scheme: ActionDelegateCall, Caller: eoa, Target: proxy, CodeAddress: logic, Value: uint256.NewInt(5), Input: []byte{0x02}, Depth: 1, ExecutesCode: true})
	in.Call(&CallInputs{Scheme: ActionStaticCall, Caller: proxy, Target: logic, CodeAddress: logic, Depth: 1, ExecutesCode: true})

	entries := tl.Entries()
	require.Len(t, entries, 3)
	for _, e := range entries {
		require.Equal(t, testHash, e.TxHash)
		if e.Action.IsDelegate() {
			require.NotEqual(t, e.To, e.StorageAddress)
		} else {
			require.Equal(t, e.To, e.StorageAddress)
		}
	}
	require.Equal(t, proxy, entries[1].StorageAddress)
	require.Equal(t, logic, entries[1].To)
	require.Equal(t, eoa, entries[1].From)
	require.Equal(t, uint64(5), entries[1].Value.Uint64())
	require.True(t, entries[2].Value.IsZero())
}

func TestInspectorSkipsTopLevelTransfer(t *testing.T) {
	tl := NewTraceLog()
	in := NewInspector(tl)
	in.Call(&CallInputs{Scheme: ActionCall, Caller: eoa, Target: proxy, CodeAddress: proxy, Value: uint256.NewInt(1)})
	require.Zero(t, tl.Len())

	// Nested frames are recorded even when the callee has no code.
	in.Call(&CallInputs{Scheme: ActionCall, Caller: proxy, Target: eoa, CodeAddress: eoa, Value: uint256.NewInt(1), Depth: 1})
	require.Equal(t, 1, tl.Len())
}

func TestInspectorCreateAddress(t *testing.T) {
	tl := NewTraceLog()
	in := NewInspector(tl)
	in.SetTx(testHash)

	addr, err := in.Create(staticJournal{proxy: 7}, &CreateInputs{Scheme: ActionCreate, Caller: proxy, Value: uint256.NewInt(3), InitCode: []byte{0x00}})
	require.NoError(t, err)
	require.Equal(t, crypto.CreateAddress(proxy, 7), addr)

	initCode := []byte{0x60, 0x00, 0x60, 0x00, 0xf3}
	addr2, err := in.Create(staticJournal{proxy: 99}, &CreateInputs{Scheme: ActionCreate2, Caller: proxy, InitCode: initCode, Salt: uint256.NewInt(42)})
	require.NoError(t, err)
	require.Equal(t, crypto.CreateAddress2(proxy, common.BigToHash(uint256.NewInt(42).ToBig()), crypto.Keccak256(initCode)), addr2)

	// CREATE2 ignores the nonce entirely.
	again := (&CreateInputs{Scheme: ActionCreate2, Caller: proxy, InitCode: initCode, Salt: uint256.NewInt(42)}).CreatedAddress(0)
	require.Equal(t, addr2, again)

	entries := tl.Entries()
	require.Len(t, entries, 2)
	require.Equal(t, ActionCreate, entries[0].Action)
	require.Equal(t, addr, entries[0].To)
	require.Equal(t, addr, entries[0].StorageAddress)
	require.Empty(t, entries[0].Calldata)
	require.Equal(t, uint64(3), entries[0].Value.Uint64())
	require.Equal(t, ActionCreate2, entries[1].Action)
}

func TestInspectorCreateLookupFailure(t *testing.T) {
	tl := NewTraceLog()
	in := NewInspector(tl)
	cause := errors.New("connection reset")

	_, err := in.Create(failingJournal{cause}, &CreateInputs{Scheme: ActionCreate, Caller: proxy})
	require.Error(t, err)

	var lookupErr *AccountLookupError
	require.ErrorAs(t, err, &lookupErr)
	require.Equal(t, proxy, lookupErr.Address)
	require.ErrorIs(t, err, cause)
	require.Zero(t, tl.Len())
}

func TestCallInfoJSON(t *testing.T) {
	info := CallInfo{
		TxHash:         testHash,
		From:           eoa,
		To:             logic,
		StorageAddress: proxy,
		Value:          uint256.NewInt(255),
		Action:         ActionDelegateCall,
		Calldata:       []byte{0xde, 0xad},
	}
	blob, err := json.Marshal(info)
	require.NoError(t, err)

	var fields map[string]string
	require.NoError(t, json.Unmarshal(blob, &fields))
	require.Equal(t, "delegate_call", fields["action"])
	require.Equal(t, "dead", fields["calldata"])
	require.Equal(t, "0xff", fields["value"])
	require.Equal(t, "0x1000000000000000000000000000000000000001", fields["from_addr"])
	require.Equal(t, "0x3000000000000000000000000000000000000003", fields["to_addr"])
	require.Equal(t, "0x2000000000000000000000000000000000000002", fields["storage_addr"])
	require.Equal(t, testHash.Hex(), fields["tx_hash"])

	var decoded CallInfo
	require.NoError(t, json.Unmarshal(blob, &decoded))
	require.Equal(t, info, decoded)
}

func TestActionText(t *testing.T) {
	var a Action
	require.NoError(t, a.UnmarshalText([]byte("ext_delegate_call")))
	require.Equal(t, ActionExtDelegateCall, a)
	require.True(t, a.IsDelegate())
	require.Error(t, a.UnmarshalText([]byte("selfdestruct")))

	_, err := Action(99).MarshalText()
	require.Error(t, err)
}

func TestTraceLogSince(t *testing.T) {
	tl := NewTraceLog()
	tl.Append(CallInfo{Action: ActionCall})
	tl.Append(CallInfo{Action: ActionCreate})
	require.Len(t, tl.Since(1), 1)
	require.Nil(t, tl.Since(2))
}
