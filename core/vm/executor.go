package vm

import "context"

// Executor runs transactions of a single block against that block's state
// cache, committing each transaction's effects before returning.
type Executor interface {
	// Engine returns a short human identifier of the backend.
	Engine() string

	// ExecuteAndCommit runs env and merges its state changes. A returned
	// error means nothing was committed; the caller decides whether the
	// error is fatal to the replay.
	ExecuteAndCommit(ctx context.Context, env *TxEnvironment) (*Result, error)
}
