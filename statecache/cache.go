// Package statecache presents chain state frozen at a historical height,
// lazily pulled from a remote source and overlaid with the writes of the
// transactions replayed on top of it.
package statecache

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/clydemeng/blocktrace/provider"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

// Source is the remote state backend. Every read is pinned to an explicit
// block number.
type Source interface {
	AccountAt(ctx context.Context, addr common.Address, number uint64) (*provider.Account, error)
	StorageAt(ctx context.Context, addr common.Address, slot common.Hash, number uint64) (common.Hash, error)
	HeaderByNumber(ctx context.Context, number uint64) (*types.Header, error)
}

// Account is the basic state of an address.
type Account struct {
	Balance  *uint256.Int
	Nonce    uint64
	CodeHash common.Hash
}

// Empty reports whether the account is indistinguishable from a missing one.
func (a *Account) Empty() bool {
	return a.Nonce == 0 && a.Balance.IsZero() && a.CodeHash == types.EmptyCodeHash
}

func (a *Account) copy() *Account {
	return &Account{Balance: new(uint256.Int).Set(a.Balance), Nonce: a.Nonce, CodeHash: a.CodeHash}
}

func emptyAccount() *Account {
	return &Account{Balance: new(uint256.Int), CodeHash: types.EmptyCodeHash}
}

// AccountDiff is the post-transaction state of one touched account.
type AccountDiff struct {
	Destroyed bool
	Balance   *uint256.Int
	Nonce     uint64
	CodeHash  common.Hash
	Code      []byte
	Storage   map[common.Hash]common.Hash
}

// Diff is the state delta of one transaction.
type Diff map[common.Address]*AccountDiff

// localAccount is an entry written by a transaction of this replay. Once an
// account has been destroyed its storage is never read from the source again.
type localAccount struct {
	account *Account // nil while destroyed
	cleared bool
	storage map[common.Hash]common.Hash
}

// Cache is the height-frozen state overlay of a single block replay.
type Cache struct {
	source Source
	number uint64

	mu             sync.Mutex
	remoteAccounts map[common.Address]*Account
	remoteStorage  map[common.Address]map[common.Hash]common.Hash
	local          map[common.Address]*localAccount
	codes          map[common.Hash][]byte
	headers        map[uint64]*types.Header

	prefetchLimit int

	accountMisses atomic.Int64
	storageMisses atomic.Int64
}

type Option func(*Cache)

// WithPrefetchLimit bounds the number of concurrent source reads issued by
// Prefetch.
func WithPrefetchLimit(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.prefetchLimit = n
		}
	}
}

// New creates a cache reading source state at block number.
func New(source Source, number uint64, opts ...Option) *Cache {
	c := &Cache{
		source:         source,
		number:         number,
		remoteAccounts: make(map[common.Address]*Account),
		remoteStorage:  make(map[common.Address]map[common.Hash]common.Hash),
		local:          make(map[common.Address]*localAccount),
		codes:          make(map[common.Hash][]byte),
		headers:        make(map[uint64]*types.Header),
		prefetchLimit:  defaultPrefetchLimit,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Number returns the height the cache is frozen at.
func (c *Cache) Number() uint64 { return c.number }

// Account returns the state of addr. Missing accounts come back as the
// default empty account.
func (c *Cache) Account(ctx context.Context, addr common.Address) (*Account, error) {
	c.mu.Lock()
	if l, ok := c.local[addr]; ok {
		defer c.mu.Unlock()
		if l.account == nil {
			return emptyAccount(), nil
		}
		return l.account.copy(), nil
	}
	if acct, ok := c.remoteAccounts[addr]; ok {
		c.mu.Unlock()
		accountHitMeter.Mark(1)
		return acct.copy(), nil
	}
	c.mu.Unlock()

	acct, err := c.fetchAccount(ctx, addr)
	if err != nil {
		return nil, err
	}
	return acct.copy(), nil
}

func (c *Cache) fetchAccount(ctx context.Context, addr common.Address) (*Account, error) {
	c.accountMisses.Add(1)
	accountMissCounter.Inc(1)

	remote, err := c.source.AccountAt(ctx, addr, c.number)
	if err != nil {
		return nil, err
	}
	acct := &Account{Balance: remote.Balance, Nonce: remote.Nonce, CodeHash: remote.CodeHash()}
	if acct.Balance == nil {
		acct.Balance = new(uint256.Int)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.remoteAccounts[addr]; ok {
		return existing, nil
	}
	c.remoteAccounts[addr] = acct
	if len(remote.Code) > 0 {
		c.codes[acct.CodeHash] = common.CopyBytes(remote.Code)
	}
	return acct, nil
}

// Storage returns the value of slot in the storage of addr.
func (c *Cache) Storage(ctx context.Context, addr common.Address, slot common.Hash) (common.Hash, error) {
	c.mu.Lock()
	if l, ok := c.local[addr]; ok {
		if v, ok := l.storage[slot]; ok {
			c.mu.Unlock()
			return v, nil
		}
		if l.cleared {
			c.mu.Unlock()
			return common.Hash{}, nil
		}
	}
	if slots, ok := c.remoteStorage[addr]; ok {
		if v, ok := slots[slot]; ok {
			c.mu.Unlock()
			storageHitMeter.Mark(1)
			return v, nil
		}
	}
	c.mu.Unlock()

	c.storageMisses.Add(1)
	storageMissCounter.Inc(1)
	v, err := c.source.StorageAt(ctx, addr, slot, c.number)
	if err != nil {
		return common.Hash{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	slots, ok := c.remoteStorage[addr]
	if !ok {
		slots = make(map[common.Hash]common.Hash)
		c.remoteStorage[addr] = slots
	}
	if existing, ok := slots[slot]; ok {
		return existing, nil
	}
	slots[slot] = v
	return v, nil
}

// Code returns the bytecode with the given hash owned by addr. The returned
// slice is a copy.
func (c *Cache) Code(ctx context.Context, addr common.Address, codeHash common.Hash) ([]byte, error) {
	if codeHash == types.EmptyCodeHash || codeHash == (common.Hash{}) {
		return nil, nil
	}
	c.mu.Lock()
	code, ok := c.codes[codeHash]
	c.mu.Unlock()
	if ok {
		return common.CopyBytes(code), nil
	}
	if _, err := c.fetchAccount(ctx, addr); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return common.CopyBytes(c.codes[codeHash]), nil
}

// Header returns the header at number from the source.
func (c *Cache) Header(ctx context.Context, number uint64) (*types.Header, error) {
	c.mu.Lock()
	h, ok := c.headers[number]
	c.mu.Unlock()
	if ok {
		return h, nil
	}
	h, err := c.source.HeaderByNumber(ctx, number)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.headers[number] = h
	c.mu.Unlock()
	return h, nil
}

// BlockHash resolves the canonical hash of block number.
func (c *Cache) BlockHash(ctx context.Context, number uint64) (common.Hash, error) {
	h, err := c.Header(ctx, number)
	if err != nil {
		return common.Hash{}, err
	}
	return h.Hash(), nil
}

// Commit merges the effects of one transaction. Later reads observe them
// ahead of anything the source reports. Nothing is ever written back to the
// source.
func (c *Cache) Commit(diff Diff) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for addr, d := range diff {
		if d.Destroyed {
			c.local[addr] = &localAccount{cleared: true, storage: make(map[common.Hash]common.Hash)}
			continue
		}
		l, ok := c.local[addr]
		if !ok {
			l = &localAccount{storage: make(map[common.Hash]common.Hash)}
			c.local[addr] = l
		}
		balance := d.Balance
		if balance == nil {
			balance = new(uint256.Int)
		}
		codeHash := d.CodeHash
		if codeHash == (common.Hash{}) {
			codeHash = types.EmptyCodeHash
		}
		l.account = &Account{Balance: new(uint256.Int).Set(balance), Nonce: d.Nonce, CodeHash: codeHash}
		if len(d.Code) > 0 {
			c.codes[codeHash] = common.CopyBytes(d.Code)
		}
		for slot, v := range d.Storage {
			l.storage[slot] = v
		}
	}
	commitMeter.Mark(int64(len(diff)))
}

// Misses returns how many account and storage reads had to go to the
// source.
func (c *Cache) Misses() (accounts int64, storage int64) {
	return c.accountMisses.Load(), c.storageMisses.Load()
}
