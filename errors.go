package e2ecall

import (
	"fmt"

	"golang.org/x/xerrors"
)

// ErrCode enumerates every failure the core can report. The set is closed:
// callers switch on the code of a rejected block or broadcast instead of
// parsing messages. Validation failures are never retried - a rejected input
// leaves all state untouched.
type ErrCode int32

const (
	// ErrUnknown is the zero value and never returned explicitly.
	ErrUnknown ErrCode = iota

	// Block validation failures.
	ErrInvalidBlock
	ErrInvalidBlockNoChanges
	ErrInvalidBlockInvalidSignature
	ErrInvalidBlockHashMismatch
	ErrInvalidBlockHeightMismatch
	ErrInvalidBlockInvalidStateProofGroup
	ErrInvalidBlockInvalidStateProofSecret
	ErrInvalidBlockNoPermissions
	ErrInvalidBlockInvalidGroupState
	ErrInvalidBlockInvalidSharedSecret

	// Verification broadcast failures.
	ErrInvalidBroadcastInFuture
	ErrInvalidBroadcastNotInCommit
	ErrInvalidBroadcastNotInReveal
	ErrInvalidBroadcastUnknownUserID
	ErrInvalidBroadcastAlreadyApplied
	ErrInvalidBroadcastInvalidReveal
	ErrInvalidBroadcastInvalidBlockHash

	// Call failures.
	ErrCallNotParticipant
	ErrCallWrongUserID
	ErrEncryptUnknownEpoch
	ErrDecryptUnknownEpoch
	ErrInvalidCallChannelID
	ErrCallFailed
	ErrCallKeyAlreadyUsed
)

func (c ErrCode) String() string {
	switch c {
	case ErrInvalidBlock:
		return "InvalidBlock"
	case ErrInvalidBlockNoChanges:
		return "InvalidBlock_NoChanges"
	case ErrInvalidBlockInvalidSignature:
		return "InvalidBlock_InvalidSignature"
	case ErrInvalidBlockHashMismatch:
		return "InvalidBlock_HashMismatch"
	case ErrInvalidBlockHeightMismatch:
		return "InvalidBlock_HeightMismatch"
	case ErrInvalidBlockInvalidStateProofGroup:
		return "InvalidBlock_InvalidStateProof_Group"
	case ErrInvalidBlockInvalidStateProofSecret:
		return "InvalidBlock_InvalidStateProof_Secret"
	case ErrInvalidBlockNoPermissions:
		return "InvalidBlock_NoPermissions"
	case ErrInvalidBlockInvalidGroupState:
		return "InvalidBlock_InvalidGroupState"
	case ErrInvalidBlockInvalidSharedSecret:
		return "InvalidBlock_InvalidSharedSecret"
	case ErrInvalidBroadcastInFuture:
		return "InvalidBroadcast_InFuture"
	case ErrInvalidBroadcastNotInCommit:
		return "InvalidBroadcast_NotInCommit"
	case ErrInvalidBroadcastNotInReveal:
		return "InvalidBroadcast_NotInReveal"
	case ErrInvalidBroadcastUnknownUserID:
		return "InvalidBroadcast_UnknownUserId"
	case ErrInvalidBroadcastAlreadyApplied:
		return "InvalidBroadcast_AlreadyApplied"
	case ErrInvalidBroadcastInvalidReveal:
		return "InvalidBroadcast_InvalidReveal"
	case ErrInvalidBroadcastInvalidBlockHash:
		return "InvalidBroadcast_InvalidBlockHash"
	case ErrCallNotParticipant:
		return "InvalidCallGroupState_NotParticipant"
	case ErrCallWrongUserID:
		return "InvalidCallGroupState_WrongUserId"
	case ErrEncryptUnknownEpoch:
		return "Encrypt_UnknownEpoch"
	case ErrDecryptUnknownEpoch:
		return "Decrypt_UnknownEpoch"
	case ErrInvalidCallChannelID:
		return "InvalidCallChannelId"
	case ErrCallFailed:
		return "CallFailed"
	case ErrCallKeyAlreadyUsed:
		return "CallKeyAlreadyUsed"
	}
	return fmt.Sprintf("ErrCode(%d)", int32(c))
}

// Error carries one of the closed error codes together with an optional
// message and cause. The stack frame of the constructor is kept so that
// "%+v" shows where the rejection happened.
type Error struct {
	code  ErrCode
	msg   string
	err   error
	frame xerrors.Frame
}

// NewError returns an error carrying the given code.
func NewError(code ErrCode, msg string) error {
	return &Error{
		code:  code,
		msg:   msg,
		frame: xerrors.Caller(1),
	}
}

// NewErrorf returns an error carrying the given code with a formatted message.
func NewErrorf(code ErrCode, format string, args ...interface{}) error {
	return &Error{
		code:  code,
		msg:   fmt.Sprintf(format, args...),
		frame: xerrors.Caller(1),
	}
}

// WrapError returns an error carrying the given code and wrapping the cause.
func WrapError(code ErrCode, err error) error {
	if err == nil {
		return nil
	}
	return &Error{
		code:  code,
		err:   err,
		frame: xerrors.Caller(1),
	}
}

// Code returns the error code carried by err, or ErrUnknown when err was not
// created by this package.
func Code(err error) ErrCode {
	var e *Error
	if xerrors.As(err, &e) {
		return e.code
	}
	return ErrUnknown
}

// Code returns the code of this error.
func (e *Error) Code() ErrCode {
	return e.code
}

func (e *Error) Error() string {
	s := e.code.String()
	if e.msg != "" {
		s += ": " + e.msg
	}
	if e.err != nil {
		s += ": " + e.err.Error()
	}
	return s
}

// Unwrap returns the next error in the chain.
func (e *Error) Unwrap() error {
	return e.err
}

// Is makes errors.Is match two Errors by code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.code == e.code
}

// Format prints the error to the formatter.
func (e *Error) Format(f fmt.State, c rune) {
	xerrors.FormatError(e, f, c)
}

// FormatError prints the error to the printer. It prints the stack trace when
// '+' is used in combination with 'v'.
func (e *Error) FormatError(p xerrors.Printer) error {
	p.Print(e.Error())
	if p.Detail() {
		e.frame.Format(p)
	}
	return e.err
}
