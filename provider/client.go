// Package provider reads historical chain data from an Ethereum JSON-RPC node.
package provider

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/VictoriaMetrics/fastcache"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/ethereum/go-ethereum/rpc"
	lru "github.com/hashicorp/golang-lru"
	"github.com/holiman/uint256"
	"golang.org/x/time/rate"
)

const (
	headerCacheLimit = 1024
	rateLimitBurst   = 10
)

var (
	requestMeter     = metrics.NewRegisteredMeter("provider/requests", nil)
	failureMeter     = metrics.NewRegisteredMeter("provider/failures", nil)
	storageHitMeter  = metrics.NewRegisteredMeter("provider/storage/hit", nil)
	storageMissMeter = metrics.NewRegisteredMeter("provider/storage/miss", nil)
)

// Transaction is a block transaction together with the sender the node
// reported for it.
type Transaction struct {
	Tx   *types.Transaction
	From *common.Address
}

// Block is a header plus its fully decoded transactions.
type Block struct {
	Hash         common.Hash
	Header       *types.Header
	Transactions []*Transaction
}

func (b *Block) NumberU64() uint64 { return b.Header.Number.Uint64() }

// Account is the externally visible state of an address at some height.
type Account struct {
	Balance *uint256.Int
	Nonce   uint64
	Code    []byte
}

// CodeHash returns the keccak of the account code, or the empty code hash.
func (a *Account) CodeHash() common.Hash {
	if len(a.Code) == 0 {
		return types.EmptyCodeHash
	}
	return crypto.Keccak256Hash(a.Code)
}

// Client is a thin typed wrapper over an rpc.Client. Headers and, when
// enabled, storage slots are cached because they never change for a given
// historical number.
type Client struct {
	c       *rpc.Client
	headers *lru.Cache
	storage *fastcache.Cache // nil when disabled
	limiter *rate.Limiter    // nil when unlimited
}

type Option func(*Client)

// WithStorageCache keeps up to sizeMB megabytes of slot values read at
// historical heights, shared by every replay using the client.
func WithStorageCache(sizeMB int) Option {
	return func(ec *Client) {
		if sizeMB > 0 {
			ec.storage = fastcache.New(sizeMB * 1024 * 1024)
		}
	}
}

// WithRateLimit caps the client at rps round trips per second. A batch
// counts as one round trip.
func WithRateLimit(rps float64) Option {
	return func(ec *Client) {
		if rps > 0 {
			ec.limiter = rate.NewLimiter(rate.Limit(rps), rateLimitBurst)
		}
	}
}

// Dial connects to the node at rawurl.
func Dial(ctx context.Context, rawurl string, opts ...Option) (*Client, error) {
	c, err := rpc.DialContext(ctx, rawurl)
	if err != nil {
		return nil, &ProviderError{Method: "dial", Err: err}
	}
	return NewClient(c, opts...), nil
}

func NewClient(c *rpc.Client, opts ...Option) *Client {
	headers, _ := lru.New(headerCacheLimit)
	ec := &Client{c: c, headers: headers}
	for _, opt := range opts {
		opt(ec)
	}
	return ec
}

func (ec *Client) Close() {
	ec.c.Close()
	if ec.storage != nil {
		ec.storage.Reset()
	}
}

func (ec *Client) wait(ctx context.Context, method string) error {
	if ec.limiter == nil {
		return nil
	}
	if err := ec.limiter.Wait(ctx); err != nil {
		return &ProviderError{Method: method, Err: err}
	}
	return nil
}

func (ec *Client) call(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	if err := ec.wait(ctx, method); err != nil {
		return err
	}
	requestMeter.Mark(1)
	if err := ec.c.CallContext(ctx, result, method, args...); err != nil {
		failureMeter.Mark(1)
		return &ProviderError{Method: method, Err: err}
	}
	return nil
}

type rpcBlock struct {
	Hash         common.Hash       `json:"hash"`
	Transactions []json.RawMessage `json:"transactions"`
}

type rpcTransaction struct {
	tx *types.Transaction
	txExtraInfo
}

type txExtraInfo struct {
	From *common.Address `json:"from,omitempty"`
}

func (tx *rpcTransaction) UnmarshalJSON(msg []byte) error {
	if err := json.Unmarshal(msg, &tx.tx); err != nil {
		return err
	}
	return json.Unmarshal(msg, &tx.txExtraInfo)
}

// BlockByNumber fetches the block at number with full transaction bodies.
func (ec *Client) BlockByNumber(ctx context.Context, number uint64) (*Block, error) {
	var raw json.RawMessage
	if err := ec.call(ctx, &raw, "eth_getBlockByNumber", hexutil.EncodeUint64(number), true); err != nil {
		return nil, err
	}
	var head *types.Header
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, &MalformedBlockError{Number: number, Reason: fmt.Sprintf("undecodable header: %v", err)}
	}
	// When the block is not found, the API returns JSON null.
	if head == nil {
		return nil, fmt.Errorf("%w: %d", ErrBlockNotFound, number)
	}
	var body rpcBlock
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, &MalformedBlockError{Number: number, Reason: fmt.Sprintf("undecodable body: %v", err)}
	}
	if head.TxHash == types.EmptyTxsHash && len(body.Transactions) > 0 {
		return nil, &MalformedBlockError{Number: number, Reason: "non-empty transaction list but header indicates no transactions"}
	}
	if head.TxHash != types.EmptyTxsHash && len(body.Transactions) == 0 {
		return nil, &MalformedBlockError{Number: number, Reason: "empty transaction list but header indicates transactions"}
	}
	txs := make([]*Transaction, len(body.Transactions))
	for i, msg := range body.Transactions {
		if len(msg) > 0 && msg[0] == '"' {
			return nil, &MalformedBlockError{Number: number, Reason: "transaction list carries hashes only"}
		}
		var tx rpcTransaction
		if err := json.Unmarshal(msg, &tx); err != nil {
			return nil, &MalformedBlockError{Number: number, Reason: fmt.Sprintf("transaction %d: %v", i, err)}
		}
		txs[i] = &Transaction{Tx: tx.tx, From: tx.From}
	}
	hash := body.Hash
	if hash == (common.Hash{}) {
		hash = head.Hash()
	}
	ec.headers.Add(number, head)
	return &Block{Hash: hash, Header: head, Transactions: txs}, nil
}

// HeaderByNumber returns the header at number, served from cache when
// possible.
func (ec *Client) HeaderByNumber(ctx context.Context, number uint64) (*types.Header, error) {
	if h, ok := ec.headers.Get(number); ok {
		return h.(*types.Header), nil
	}
	var head *types.Header
	if err := ec.call(ctx, &head, "eth_getBlockByNumber", hexutil.EncodeUint64(number), false); err != nil {
		return nil, err
	}
	if head == nil {
		return nil, fmt.Errorf("%w: %d", ErrBlockNotFound, number)
	}
	ec.headers.Add(number, head)
	return head, nil
}

// AccountAt loads balance, nonce and code of addr at the given height in a
// single batch round trip.
func (ec *Client) AccountAt(ctx context.Context, addr common.Address, number uint64) (*Account, error) {
	var (
		balance hexutil.Big
		nonce   hexutil.Uint64
		code    hexutil.Bytes
		block   = hexutil.EncodeUint64(number)
	)
	reqs := []rpc.BatchElem{
		{Method: "eth_getBalance", Args: []interface{}{addr, block}, Result: &balance},
		{Method: "eth_getTransactionCount", Args: []interface{}{addr, block}, Result: &nonce},
		{Method: "eth_getCode", Args: []interface{}{addr, block}, Result: &code},
	}
	if err := ec.wait(ctx, "account batch"); err != nil {
		return nil, err
	}
	requestMeter.Mark(int64(len(reqs)))
	if err := ec.c.BatchCallContext(ctx, reqs); err != nil {
		failureMeter.Mark(1)
		return nil, &ProviderError{Method: "account batch", Err: err}
	}
	for _, req := range reqs {
		if req.Error != nil {
			failureMeter.Mark(1)
			return nil, &ProviderError{Method: req.Method, Err: req.Error}
		}
	}
	bal, overflow := uint256.FromBig(balance.ToInt())
	if overflow {
		return nil, &ProviderError{Method: "eth_getBalance", Err: fmt.Errorf("balance of %s overflows 256 bits", addr.Hex())}
	}
	return &Account{Balance: bal, Nonce: uint64(nonce), Code: code}, nil
}

// StorageAt returns the value of one storage slot at the given height.
func (ec *Client) StorageAt(ctx context.Context, addr common.Address, slot common.Hash, number uint64) (common.Hash, error) {
	var key []byte
	if ec.storage != nil {
		key = storageKey(addr, slot, number)
		if blob, ok := ec.storage.HasGet(nil, key); ok {
			storageHitMeter.Mark(1)
			return common.BytesToHash(blob), nil
		}
		storageMissMeter.Mark(1)
	}
	var result hexutil.Bytes
	if err := ec.call(ctx, &result, "eth_getStorageAt", addr, slot, hexutil.EncodeUint64(number)); err != nil {
		return common.Hash{}, err
	}
	value := common.BytesToHash(result)
	if key != nil {
		ec.storage.Set(key, value.Bytes())
	}
	return value, nil
}

// storageKey is address ++ slot ++ big-endian height.
func storageKey(addr common.Address, slot common.Hash, number uint64) []byte {
	key := make([]byte, 0, common.AddressLength+common.HashLength+8)
	key = append(key, addr.Bytes()...)
	key = append(key, slot.Bytes()...)
	return binary.BigEndian.AppendUint64(key, number)
}

// ChainID reports the chain id the node is serving.
func (ec *Client) ChainID(ctx context.Context) (uint64, error) {
	var result hexutil.Big
	if err := ec.call(ctx, &result, "eth_chainId"); err != nil {
		return 0, err
	}
	return result.ToInt().Uint64(), nil
}
