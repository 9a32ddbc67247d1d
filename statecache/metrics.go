package statecache

import "github.com/ethereum/go-ethereum/metrics"

var (
	accountMissCounter = metrics.NewRegisteredCounter("statecache/account/miss", nil)
	storageMissCounter = metrics.NewRegisteredCounter("statecache/storage/miss", nil)

	accountHitMeter = metrics.NewRegisteredMeter("statecache/account/hit", nil)
	storageHitMeter = metrics.NewRegisteredMeter("statecache/storage/hit", nil)
	commitMeter     = metrics.NewRegisteredMeter("statecache/commit/accounts", nil)

	prefetchTimer = metrics.NewRegisteredTimer("statecache/prefetch", nil)
)
