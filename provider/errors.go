package provider

import (
	"errors"
	"fmt"
)

// ErrBlockNotFound is returned when the node has no block at the requested
// height.
var ErrBlockNotFound = errors.New("block not found")

// ErrMalformedBlock matches every MalformedBlockError via errors.Is.
var ErrMalformedBlock = errors.New("malformed block payload")

// ProviderError wraps a transport or RPC level failure.
type ProviderError struct {
	Method string
	Err    error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider call %s failed: %v", e.Method, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// MalformedBlockError reports a block body the client cannot replay, such as
// one carrying only transaction hashes.
type MalformedBlockError struct {
	Number uint64
	Reason string
}

func (e *MalformedBlockError) Error() string {
	return fmt.Sprintf("block %d: %s", e.Number, e.Reason)
}

func (e *MalformedBlockError) Is(target error) bool { return target == ErrMalformedBlock }
