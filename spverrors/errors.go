// Package spverrors defines the error kinds the sync engine surfaces,
// so a host application can distinguish "drop the peer and carry on"
// conditions from ones that must halt sync and reach the caller.
package spverrors

import (
	"fmt"
)

// WireError signals a framing problem on the wire: bad magic, bad
// checksum, a truncated payload, or an unknown required command. The
// affected peer is dropped; the group continues with the rest.
type WireError struct {
	Op  string
	Err error
}

func (e *WireError) Error() string { return fmt.Sprintf("wire: %s: %v", e.Op, e.Err) }
func (e *WireError) Unwrap() error { return e.Err }

// NewWireError wraps err as a WireError attributed to op.
func NewWireError(op string, err error) error {
	return &WireError{Op: op, Err: err}
}

// ProtocolError signals a violation of the higher-level sync protocol:
// a merkle-root mismatch, a header chain discontinuity, or an invalid
// bloom filter. The peer is dropped and sync reverts to the last
// stored tip.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("protocol: %s: %v", e.Op, e.Err) }
func (e *ProtocolError) Unwrap() error { return e.Err }

// NewProtocolError wraps err as a ProtocolError attributed to op.
func NewProtocolError(op string, err error) error {
	return &ProtocolError{Op: op, Err: err}
}

// TimeoutError signals a handshake, idle, or pong timeout was
// exceeded. The peer is dropped.
type TimeoutError struct {
	Op      string
	Timeout string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout: %s exceeded %s", e.Op, e.Timeout)
}

// NewTimeoutError builds a TimeoutError for op after the given
// duration description.
func NewTimeoutError(op, timeout string) error {
	return &TimeoutError{Op: op, Timeout: timeout}
}

// StoreError signals the persistent index is unavailable or its
// schema does not match what this version expects. This propagates to
// the caller; sync halts until the caller reopens the store.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

// NewStoreError wraps err as a StoreError attributed to op.
func NewStoreError(op string, err error) error {
	return &StoreError{Op: op, Err: err}
}

// ConversionError signals an address could not be decoded (bad
// checksum, unknown version byte). Not fatal: the offending row is
// still stored with an empty address and simply will not appear in
// address queries.
type ConversionError struct {
	Op  string
	Err error
}

func (e *ConversionError) Error() string { return fmt.Sprintf("conversion: %s: %v", e.Op, e.Err) }
func (e *ConversionError) Unwrap() error { return e.Err }

// NewConversionError wraps err as a ConversionError attributed to op.
func NewConversionError(op string, err error) error {
	return &ConversionError{Op: op, Err: err}
}

