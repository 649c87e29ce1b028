package client

import "errors"

// Sentinel errors surfaced synchronously from Transact/TransactChunk:
// validation failures are rejected at transact time, before any store
// mutation.
var (
	ErrEmptyOperations  = errors.New("client: transaction has no operations")
	ErrMissingEntityID  = errors.New("client: operation is missing an entity id")
	ErrMissingAttribute = errors.New("client: operation is missing an attribute")
	ErrUnknownOperation = errors.New("client: unknown operation kind")
	ErrDisposed         = errors.New("client: client has been disposed")

	// ErrReadOnly is returned once a storage failure has put the client
	// into degraded read-only mode: queries still run against whatever
	// the store can read, but no further transactions are accepted.
	ErrReadOnly = errors.New("client: degraded read-only mode after storage failure")
)
