package model

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by the registry. Handlers map these to HTTP
// status codes; services wrap them with context via fmt.Errorf + %w.
var (
	ErrNotFound          = errors.New("agent not found")
	ErrDuplicateName     = errors.New("agent name already registered")
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrPersistFailed     = errors.New("registry persist failed")
	ErrStoreCorrupt      = errors.New("registry store corrupt")
)

// CardReason is the sub-reason attached to an ErrCardInvalid.
type CardReason string

const (
	ReasonUnreachable       CardReason = "Unreachable"
	ReasonBadSchema         CardReason = "BadSchema"
	ReasonMaliciousPattern  CardReason = "MaliciousPattern"
	ReasonInsecureTransport CardReason = "InsecureTransport"
)

// ErrCardInvalid is returned when a remote agent card fails validation.
type ErrCardInvalid struct {
	Reason CardReason
	Detail string
}

func (e *ErrCardInvalid) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("agent card invalid: %s", e.Reason)
	}
	return fmt.Sprintf("agent card invalid: %s: %s", e.Reason, e.Detail)
}

// ErrValidation is a request validation failure suitable for a 400 response.
type ErrValidation struct {
	Msg string
}

func (e *ErrValidation) Error() string { return e.Msg }
