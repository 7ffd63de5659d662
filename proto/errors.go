package proto

import "errors"

// Sentinel errors returned by Machine methods. The public façade maps
// these onto cmtspeech.Error values with the matching ErrorCode; they are
// exported only so the façade can match them with errors.Is, not because
// callers are expected to construct a Machine directly.
var (
	ErrSessionEnabled  = errors.New("proto: operation forbidden while session is enabled")
	ErrWrongState      = errors.New("proto: operation invalid in current state")
	ErrTransactionBusy = errors.New("proto: a transaction is already pending")
	ErrUnknownMessage  = errors.New("proto: unrecognized message type")
)

// Unexported aliases keep the rest of the package's call sites terse.
var (
	errSessionEnabled  = ErrSessionEnabled
	errWrongState      = ErrWrongState
	errTransactionBusy = ErrTransactionBusy
	errUnknownMessage  = ErrUnknownMessage
)
