package statecache

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"
)

const defaultPrefetchLimit = 16

// BatchKey identifies an (address, storage slot) pair to warm up. A nil Slot
// primes only the account (balance, nonce, code).
type BatchKey struct {
	Address common.Address
	Slot    *common.Hash
}

// AccountKeys turns a set of addresses into account-only batch keys.
func AccountKeys(addrs []common.Address) []BatchKey {
	keys := make([]BatchKey, len(addrs))
	for i, addr := range addrs {
		keys[i] = BatchKey{Address: addr}
	}
	return keys
}

// Prefetch loads the provided keys from the source concurrently so that
// execution can resolve them without a round trip. It is best-effort:
// failures are logged and left for the execution path to surface.
func (c *Cache) Prefetch(ctx context.Context, keys []BatchKey) {
	if len(keys) == 0 {
		return
	}
	defer prefetchTimer.UpdateSince(time.Now())

	var g errgroup.Group
	g.SetLimit(c.prefetchLimit)
	for _, key := range keys {
		g.Go(func() error {
			var err error
			if key.Slot == nil {
				_, err = c.Account(ctx, key.Address)
			} else {
				_, err = c.Storage(ctx, key.Address, *key.Slot)
			}
			if err != nil {
				log.Debug("Prefetch failed", "addr", key.Address, "err", err)
			}
			return nil
		})
	}
	g.Wait()
}
