package tracing

import (
	"encoding/json"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
)

// CallInfo is a single call or create event observed during block replay.
type CallInfo struct {
	TxHash         common.Hash
	From           common.Address
	To             common.Address
	StorageAddress common.Address
	Value          *uint256.Int
	Action         Action
	Calldata       []byte // empty for creates
}

type callInfoJSON struct {
	TxHash         common.Hash    `json:"tx_hash"`
	From           common.Address `json:"from_addr"`
	To             common.Address `json:"to_addr"`
	StorageAddress common.Address `json:"storage_addr"`
	Value          *hexutil.Big   `json:"value"`
	Action         Action         `json:"action"`
	Calldata       string         `json:"calldata"`
}

// MarshalJSON encodes the record with calldata as bare hex, without the 0x
// prefix.
func (c CallInfo) MarshalJSON() ([]byte, error) {
	value := c.Value
	if value == nil {
		value = new(uint256.Int)
	}
	return json.Marshal(callInfoJSON{
		TxHash:         c.TxHash,
		From:           c.From,
		To:             c.To,
		StorageAddress: c.StorageAddress,
		Value:          (*hexutil.Big)(value.ToBig()),
		Action:         c.Action,
		Calldata:       common.Bytes2Hex(c.Calldata),
	})
}

func (c *CallInfo) UnmarshalJSON(input []byte) error {
	var dec callInfoJSON
	if err := json.Unmarshal(input, &dec); err != nil {
		return err
	}
	c.TxHash = dec.TxHash
	c.From = dec.From
	c.To = dec.To
	c.StorageAddress = dec.StorageAddress
	c.Value = new(uint256.Int)
	if dec.Value != nil {
		c.Value, _ = uint256.FromBig(dec.Value.ToInt())
	}
	c.Action = dec.Action
	c.Calldata = common.FromHex(dec.Calldata)
	return nil
}

// TraceLog is the append-only record sink of a single block replay. The
// replay owns it and hands it to the Inspector.
type TraceLog struct {
	mu      sync.Mutex
	entries []CallInfo
}

func NewTraceLog() *TraceLog {
	return &TraceLog{entries: make([]CallInfo, 0)}
}

func (l *TraceLog) Append(info CallInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, info)
}

func (l *TraceLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Entries returns a copy of the recorded events in discovery order.
func (l *TraceLog) Entries() []CallInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]CallInfo, len(l.entries))
	copy(out, l.entries)
	return out
}

// Since returns the events recorded after the first n.
func (l *TraceLog) Since(n int) []CallInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n >= len(l.entries) {
		return nil
	}
	out := make([]CallInfo, len(l.entries)-n)
	copy(out, l.entries[n:])
	return out
}
