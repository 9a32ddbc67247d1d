package evmbridge

import (
	"context"
	"sync"

	"github.com/clydemeng/blocktrace/statecache"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/types"
)

// cacheDatabase is a state.Database whose reads are served by a block's
// state cache. The embedded caching database only provides empty tries; no
// trie is ever hashed or committed.
type cacheDatabase struct {
	*state.CachingDB
	reader *cacheReader
}

func newCacheDatabase(ctx context.Context, cache *statecache.Cache) *cacheDatabase {
	return &cacheDatabase{
		CachingDB: state.NewDatabaseForTesting(),
		reader:    &cacheReader{ctx: ctx, cache: cache},
	}
}

func (db *cacheDatabase) Reader(common.Hash) (state.Reader, error) {
	return db.reader, nil
}

// cacheReader adapts statecache.Cache to state.Reader. StateDB memoizes read
// failures as formatted strings, so the first original error is kept here to
// preserve its type.
type cacheReader struct {
	ctx   context.Context
	cache *statecache.Cache

	mu  sync.Mutex
	err error
}

func (r *cacheReader) fail(err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err == nil {
		r.err = err
	}
	return err
}

// Err returns the first read failure, if any.
func (r *cacheReader) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *cacheReader) Account(addr common.Address) (*types.StateAccount, error) {
	acct, err := r.cache.Account(r.ctx, addr)
	if err != nil {
		return nil, r.fail(err)
	}
	if acct.Empty() {
		return nil, nil
	}
	return &types.StateAccount{
		Nonce:    acct.Nonce,
		Balance:  acct.Balance,
		Root:     types.EmptyRootHash,
		CodeHash: acct.CodeHash.Bytes(),
	}, nil
}

func (r *cacheReader) Storage(addr common.Address, slot common.Hash) (common.Hash, error) {
	v, err := r.cache.Storage(r.ctx, addr, slot)
	if err != nil {
		return common.Hash{}, r.fail(err)
	}
	return v, nil
}

func (r *cacheReader) Code(addr common.Address, codeHash common.Hash) ([]byte, error) {
	code, err := r.cache.Code(r.ctx, addr, codeHash)
	if err != nil {
		return nil, r.fail(err)
	}
	return code, nil
}

func (r *cacheReader) CodeSize(addr common.Address, codeHash common.Hash) (int, error) {
	code, err := r.Code(addr, codeHash)
	return len(code), err
}
