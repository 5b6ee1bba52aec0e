// Package apperr is the error taxonomy shared by the settlement components.
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindValidation Kind = iota + 1
	KindAuthentication
	KindAuthorization
	KindNotFound
	KindConflict
	KindExpired
	KindUpstream
	KindIntegrity
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindExpired:
		return "expired"
	case KindUpstream:
		return "upstream"
	case KindIntegrity:
		return "integrity"
	}
	return "unknown"
}

// Stable codes surfaced to clients.
const (
	CodeInvalidField        = "invalid_field"
	CodeUnauthenticated     = "unauthenticated"
	CodeIdentityMismatch    = "identity_mismatch"
	CodeRecipientMismatch   = "recipient_mismatch"
	CodeTransferNotFound    = "transfer_not_found"
	CodeAlreadyClaimed      = "already_claimed"
	CodeTransferExpired     = "transfer_expired"
	CodeNotExpired          = "transfer_not_expired"
	CodeInvalidState        = "invalid_state"
	CodeDuplicate           = "duplicate"
	CodeInsufficientBalance = "insufficient_balance"
	CodeWalletMissing       = "wallet_missing"
	CodeRelayerUnderfunded  = "relayer_underfunded"
	CodeEscrowNotDeployed   = "escrow_not_deployed"
	CodeSubmissionUnknown   = "submission_unknown"
	CodeRPCUnavailable      = "rpc_unavailable"
	CodeUpstream            = "upstream_unavailable"
	CodeEmailHashMismatch   = "email_hash_mismatch"
	CodeInternal            = "internal"
)

// Error is the single typed failure returned across component boundaries.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Field   string
	TxHash  string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = e.Field + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func Wrap(kind Kind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

func Validation(field, message string) *Error {
	return &Error{Kind: KindValidation, Code: CodeInvalidField, Field: field, Message: message}
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, or 0 when err is untyped.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return 0
}

func CodeOf(err error) string {
	if e, ok := As(err); ok {
		return e.Code
	}
	return ""
}
