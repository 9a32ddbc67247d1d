package statecache

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/clydemeng/blocktrace/provider"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu       sync.Mutex
	accounts map[common.Address]*provider.Account
	storage  map[common.Address]map[common.Hash]common.Hash
	err      error
	failing  map[common.Address]error
	reads    int
	numbers  []uint64
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		accounts: make(map[common.Address]*provider.Account),
		storage:  make(map[common.Address]map[common.Hash]common.Hash),
	}
}

func (f *fakeSource) AccountAt(_ context.Context, addr common.Address, number uint64) (*provider.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	f.numbers = append(f.numbers, number)
	if f.err != nil {
		return nil, f.err
	}
	if err := f.failing[addr]; err != nil {
		return nil, err
	}
	if acct, ok := f.accounts[addr]; ok {
		return &provider.Account{Balance: new(uint256.Int).Set(acct.Balance), Nonce: acct.Nonce, Code: acct.Code}, nil
	}
	return &provider.Account{Balance: new(uint256.Int)}, nil
}

func (f *fakeSource) StorageAt(_ context.Context, addr common.Address, slot common.Hash, number uint64) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	f.numbers = append(f.numbers, number)
	if f.err != nil {
		return common.Hash{}, f.err
	}
	return f.storage[addr][slot], nil
}

func (f *fakeSource) HeaderByNumber(_ context.Context, number uint64) (*types.Header, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &types.Header{Number: new(big.Int).SetUint64(number), Difficulty: big.NewInt(1)}, nil
}

var (
	alice    = common.HexToAddress("0xa11ce")
	contract = common.HexToAddress("0xc0de")
	slotOne  = common.HexToHash("0x01")
)

func TestCacheReadsAtFrozenHeight(t *testing.T) {
	src := newFakeSource()
	src.accounts[alice] = &provider.Account{Balance: uint256.NewInt(100), Nonce: 2}
	src.storage[contract] = map[common.Hash]common.Hash{slotOne: common.HexToHash("0x05")}

	c := New(src, 41)
	require.Equal(t, uint64(41), c.Number())
	acct, err := c.Account(context.Background(), alice)
	require.NoError(t, err)
	require.Equal(t, uint64(100), acct.Balance.Uint64())
	require.Equal(t, uint64(2), acct.Nonce)

	v, err := c.Storage(context.Background(), contract, slotOne)
	require.NoError(t, err)
	require.Equal(t, common.HexToHash("0x05"), v)

	// Second reads are served locally.
	_, err = c.Account(context.Background(), alice)
	require.NoError(t, err)
	_, err = c.Storage(context.Background(), contract, slotOne)
	require.NoError(t, err)
	require.Equal(t, 2, src.reads)
	for _, n := range src.numbers {
		require.Equal(t, uint64(41), n)
	}
	accMiss, storMiss := c.Misses()
	require.Equal(t, int64(1), accMiss)
	require.Equal(t, int64(1), storMiss)
}

func TestCacheAbsentAccountDefaults(t *testing.T) {
	c := New(newFakeSource(), 1)
	acct, err := c.Account(context.Background(), common.HexToAddress("0xdead"))
	require.NoError(t, err)
	require.True(t, acct.Empty())
	require.Equal(t, types.EmptyCodeHash, acct.CodeHash)
}

func TestCacheCommitShadowsRemote(t *testing.T) {
	src := newFakeSource()
	src.accounts[alice] = &provider.Account{Balance: uint256.NewInt(100)}
	src.storage[contract] = map[common.Hash]common.Hash{slotOne: common.HexToHash("0x05")}
	c := New(src, 9)

	code := []byte{0x60, 0x01, 0x00}
	codeHash := crypto.Keccak256Hash(code)
	c.Commit(Diff{
		alice:    {Balance: uint256.NewInt(40), Nonce: 1, CodeHash: types.EmptyCodeHash},
		contract: {Balance: new(uint256.Int), Nonce: 1, CodeHash: codeHash, Code: code, Storage: map[common.Hash]common.Hash{slotOne: common.HexToHash("0x07")}},
	})

	acct, err := c.Account(context.Background(), alice)
	require.NoError(t, err)
	require.Equal(t, uint64(40), acct.Balance.Uint64())
	require.Equal(t, uint64(1), acct.Nonce)

	v, err := c.Storage(context.Background(), contract, slotOne)
	require.NoError(t, err)
	require.Equal(t, common.HexToHash("0x07"), v)

	got, err := c.Code(context.Background(), contract, codeHash)
	require.NoError(t, err)
	require.Equal(t, code, got)
	require.Zero(t, src.reads)

	// Untouched slots of a committed account still come from the source.
	_, err = c.Storage(context.Background(), contract, common.HexToHash("0x02"))
	require.NoError(t, err)
	require.Equal(t, 1, src.reads)
}

func TestCacheDestroyedAccount(t *testing.T) {
	src := newFakeSource()
	src.accounts[contract] = &provider.Account{Balance: uint256.NewInt(5), Nonce: 1, Code: []byte{0x00}}
	src.storage[contract] = map[common.Hash]common.Hash{slotOne: common.HexToHash("0x05")}
	c := New(src, 9)

	c.Commit(Diff{contract: {Destroyed: true}})

	acct, err := c.Account(context.Background(), contract)
	require.NoError(t, err)
	require.True(t, acct.Empty())

	v, err := c.Storage(context.Background(), contract, slotOne)
	require.NoError(t, err)
	require.Equal(t, common.Hash{}, v)
	require.Zero(t, src.reads)

	// A later resurrection starts from clean storage.
	c.Commit(Diff{contract: {Balance: new(uint256.Int), Nonce: 1, Storage: map[common.Hash]common.Hash{common.HexToHash("0x02"): common.HexToHash("0x09")}}})
	v, err = c.Storage(context.Background(), contract, slotOne)
	require.NoError(t, err)
	require.Equal(t, common.Hash{}, v)
	v, err = c.Storage(context.Background(), contract, common.HexToHash("0x02"))
	require.NoError(t, err)
	require.Equal(t, common.HexToHash("0x09"), v)
}

func TestCacheSourceError(t *testing.T) {
	src := newFakeSource()
	src.err = &provider.ProviderError{Method: "eth_getBalance", Err: errors.New("timeout")}
	c := New(src, 3)

	_, err := c.Account(context.Background(), alice)
	var perr *provider.ProviderError
	require.ErrorAs(t, err, &perr)

	_, err = c.Storage(context.Background(), alice, slotOne)
	require.ErrorAs(t, err, &perr)

	_, err = c.BlockHash(context.Background(), 2)
	require.ErrorAs(t, err, &perr)
}

func TestCachePrefetch(t *testing.T) {
	src := newFakeSource()
	addrs := make([]common.Address, 20)
	for i := range addrs {
		addrs[i] = common.BigToAddress(big.NewInt(int64(i + 1)))
		src.accounts[addrs[i]] = &provider.Account{Balance: uint256.NewInt(uint64(i))}
	}
	c := New(src, 3, WithPrefetchLimit(4))
	keys := AccountKeys(addrs)
	keys = append(keys, BatchKey{Address: contract, Slot: &slotOne})
	c.Prefetch(context.Background(), keys)
	require.Equal(t, 21, src.reads)

	for i, addr := range addrs {
		acct, err := c.Account(context.Background(), addr)
		require.NoError(t, err)
		require.Equal(t, uint64(i), acct.Balance.Uint64())
	}
	require.Equal(t, 21, src.reads)
}

func TestCachePrefetchSurvivesFailures(t *testing.T) {
	src := newFakeSource()
	broken := common.HexToAddress("0xbad")
	src.failing = map[common.Address]error{broken: errors.New("timeout")}
	addrs := []common.Address{broken, alice, contract}
	src.accounts[alice] = &provider.Account{Balance: uint256.NewInt(7)}

	c := New(src, 3, WithPrefetchLimit(1))
	c.Prefetch(context.Background(), AccountKeys(addrs))
	require.Equal(t, 3, src.reads)

	// Keys after the failed one were still loaded.
	acct, err := c.Account(context.Background(), alice)
	require.NoError(t, err)
	require.Equal(t, uint64(7), acct.Balance.Uint64())
	_, err = c.Account(context.Background(), contract)
	require.NoError(t, err)
	require.Equal(t, 3, src.reads)

	// The failure is not cached; execution sees it again.
	_, err = c.Account(context.Background(), broken)
	require.Error(t, err)
	require.Equal(t, 4, src.reads)
}

func TestCacheBlockHash(t *testing.T) {
	c := New(newFakeSource(), 10)
	h, err := c.BlockHash(context.Background(), 8)
	require.NoError(t, err)
	want := (&types.Header{Number: big.NewInt(8), Difficulty: big.NewInt(1)}).Hash()
	require.Equal(t, want, h)
}
