package provider

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/require"
)

type fakeEth struct {
	blocks   map[uint64]json.RawMessage
	balances map[common.Address]*big.Int
	nonces   map[common.Address]uint64
	codes    map[common.Address][]byte
	slots    map[common.Hash]common.Hash
	failCode bool
	calls    int
	sloads   int
}

func (f *fakeEth) GetBlockByNumber(number hexutil.Uint64, full bool) (json.RawMessage, error) {
	f.calls++
	return f.blocks[uint64(number)], nil
}

func (f *fakeEth) GetBalance(addr common.Address, number hexutil.Uint64) (*hexutil.Big, error) {
	b := f.balances[addr]
	if b == nil {
		b = new(big.Int)
	}
	return (*hexutil.Big)(b), nil
}

func (f *fakeEth) GetTransactionCount(addr common.Address, number hexutil.Uint64) (hexutil.Uint64, error) {
	return hexutil.Uint64(f.nonces[addr]), nil
}

func (f *fakeEth) GetCode(addr common.Address, number hexutil.Uint64) (hexutil.Bytes, error) {
	if f.failCode {
		return nil, errors.New("missing trie node")
	}
	return f.codes[addr], nil
}

func (f *fakeEth) GetStorageAt(addr common.Address, slot common.Hash, number hexutil.Uint64) (hexutil.Bytes, error) {
	f.sloads++
	v := f.slots[slot]
	return v[:], nil
}

func (f *fakeEth) ChainId() *hexutil.Big {
	return (*hexutil.Big)(big.NewInt(1))
}

func newTestClient(t *testing.T, eth *fakeEth, opts ...Option) *Client {
	t.Helper()
	srv := rpc.NewServer()
	require.NoError(t, srv.RegisterName("eth", eth))
	t.Cleanup(srv.Stop)
	c := NewClient(rpc.DialInProc(srv), opts...)
	t.Cleanup(c.Close)
	return c
}

func encodeBlock(t *testing.T, header *types.Header, txs []json.RawMessage) json.RawMessage {
	t.Helper()
	blob, err := json.Marshal(header)
	require.NoError(t, err)
	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(blob, &fields))
	fields["transactions"] = txs
	out, err := json.Marshal(fields)
	require.NoError(t, err)
	return out
}

func signedTx(t *testing.T) (*types.Transaction, common.Address) {
	t.Helper()
	key, _ := crypto.GenerateKey()
	to := common.HexToAddress("0xbeef")
	tx, err := types.SignTx(types.NewTx(&types.LegacyTx{
		Nonce:    3,
		GasPrice: big.NewInt(10),
		Gas:      21000,
		To:       &to,
		Value:    big.NewInt(1),
	}), types.HomesteadSigner{}, key)
	require.NoError(t, err)
	return tx, crypto.PubkeyToAddress(key.PublicKey)
}

func txWithSender(t *testing.T, tx *types.Transaction, from common.Address) json.RawMessage {
	t.Helper()
	blob, err := json.Marshal(tx)
	require.NoError(t, err)
	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(blob, &fields))
	fields["from"] = from
	out, err := json.Marshal(fields)
	require.NoError(t, err)
	return out
}

func testHeader(number int64, withTxs bool) *types.Header {
	h := &types.Header{
		Number:     big.NewInt(number),
		Difficulty: big.NewInt(1),
		GasLimit:   30_000_000,
		Time:       1_700_000_000,
		TxHash:     types.EmptyTxsHash,
		UncleHash:  types.EmptyUncleHash,
		Root:       types.EmptyRootHash,
	}
	if withTxs {
		h.TxHash = common.HexToHash("0x01")
	}
	return h
}

func TestBlockByNumber(t *testing.T) {
	tx, from := signedTx(t)
	eth := &fakeEth{blocks: map[uint64]json.RawMessage{}}
	eth.blocks[10] = encodeBlock(t, testHeader(10, true), []json.RawMessage{txWithSender(t, tx, from)})
	c := newTestClient(t, eth)

	block, err := c.BlockByNumber(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, uint64(10), block.NumberU64())
	require.Len(t, block.Transactions, 1)
	require.Equal(t, tx.Hash(), block.Transactions[0].Tx.Hash())
	require.NotNil(t, block.Transactions[0].From)
	require.Equal(t, from, *block.Transactions[0].From)

	// Header lookups for the same height are served from cache.
	calls := eth.calls
	head, err := c.HeaderByNumber(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, uint64(10), head.Number.Uint64())
	require.Equal(t, calls, eth.calls)
}

func TestBlockByNumberNotFound(t *testing.T) {
	c := newTestClient(t, &fakeEth{blocks: map[uint64]json.RawMessage{}})
	_, err := c.BlockByNumber(context.Background(), 99)
	require.ErrorIs(t, err, ErrBlockNotFound)

	_, err = c.HeaderByNumber(context.Background(), 99)
	require.ErrorIs(t, err, ErrBlockNotFound)
}

func TestBlockByNumberMalformed(t *testing.T) {
	tx, _ := signedTx(t)
	hashOnly, err := json.Marshal(tx.Hash())
	require.NoError(t, err)

	eth := &fakeEth{blocks: map[uint64]json.RawMessage{
		5: encodeBlock(t, testHeader(5, true), []json.RawMessage{hashOnly}),
		6: encodeBlock(t, testHeader(6, true), nil),
	}}
	c := newTestClient(t, eth)

	_, err = c.BlockByNumber(context.Background(), 5)
	require.ErrorIs(t, err, ErrMalformedBlock)
	var malformed *MalformedBlockError
	require.ErrorAs(t, err, &malformed)
	require.Equal(t, uint64(5), malformed.Number)

	_, err = c.BlockByNumber(context.Background(), 6)
	require.ErrorIs(t, err, ErrMalformedBlock)
}

func TestAccountAt(t *testing.T) {
	addr := common.HexToAddress("0xc0ffee")
	eth := &fakeEth{
		balances: map[common.Address]*big.Int{addr: big.NewInt(1000)},
		nonces:   map[common.Address]uint64{addr: 4},
		codes:    map[common.Address][]byte{addr: {0x60, 0x00}},
		slots:    map[common.Hash]common.Hash{common.HexToHash("0x01"): common.HexToHash("0x2a")},
	}
	c := newTestClient(t, eth)

	acct, err := c.AccountAt(context.Background(), addr, 7)
	require.NoError(t, err)
	require.Equal(t, uint64(1000), acct.Balance.Uint64())
	require.Equal(t, uint64(4), acct.Nonce)
	require.Equal(t, []byte{0x60, 0x00}, acct.Code)
	require.Equal(t, crypto.Keccak256Hash([]byte{0x60, 0x00}), acct.CodeHash())

	absent, err := c.AccountAt(context.Background(), common.HexToAddress("0x01"), 7)
	require.NoError(t, err)
	require.True(t, absent.Balance.IsZero())
	require.Equal(t, types.EmptyCodeHash, absent.CodeHash())

	val, err := c.StorageAt(context.Background(), addr, common.HexToHash("0x01"), 7)
	require.NoError(t, err)
	require.Equal(t, common.HexToHash("0x2a"), val)

	id, err := c.ChainID(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(1), id)
}

func TestAccountAtFailure(t *testing.T) {
	c := newTestClient(t, &fakeEth{failCode: true})
	_, err := c.AccountAt(context.Background(), common.HexToAddress("0x01"), 7)
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, "eth_getCode", perr.Method)
}

func TestStorageCache(t *testing.T) {
	slot := common.HexToHash("0x01")
	eth := &fakeEth{slots: map[common.Hash]common.Hash{slot: common.HexToHash("0x2a")}}
	c := newTestClient(t, eth, WithStorageCache(1))
	addr := common.HexToAddress("0xaa")

	for i := 0; i < 3; i++ {
		v, err := c.StorageAt(context.Background(), addr, slot, 100)
		require.NoError(t, err)
		require.Equal(t, common.HexToHash("0x2a"), v)
	}
	require.Equal(t, 1, eth.sloads)

	// A different height is a different key.
	_, err := c.StorageAt(context.Background(), addr, slot, 101)
	require.NoError(t, err)
	require.Equal(t, 2, eth.sloads)

	uncached := newTestClient(t, eth)
	_, err = uncached.StorageAt(context.Background(), addr, slot, 100)
	require.NoError(t, err)
	require.Equal(t, 3, eth.sloads)
}

func TestRateLimit(t *testing.T) {
	eth := &fakeEth{}
	c := newTestClient(t, eth, WithRateLimit(0.001))

	// The burst is served immediately, then the limiter blocks until the
	// context gives up.
	for i := 0; i < rateLimitBurst; i++ {
		_, err := c.ChainID(context.Background())
		require.NoError(t, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.ChainID(ctx)
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, "eth_chainId", perr.Method)
}
