package core

import (
	"context"

	"github.com/clydemeng/blocktrace/core/vm"
	"github.com/clydemeng/blocktrace/provider"
	"github.com/clydemeng/blocktrace/statecache"
	"github.com/clydemeng/blocktrace/tracing"
)

// ExecutorFactory builds the engine used for one block replay. The returned
// executor reads and commits through cache and reports every call and create
// it performs to inspector.
type ExecutorFactory func(ctx context.Context, block *provider.Block, cache *statecache.Cache, inspector *tracing.Inspector) (vm.Executor, error)
