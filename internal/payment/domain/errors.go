package domain

import (
	"errors"
	"fmt"
)

// GatewayStep names one round trip of the gateway handshake.
type GatewayStep string

const (
	StepAuthenticate GatewayStep = "authenticate"
	StepRegister     GatewayStep = "register_order"
	StepPaymentKey   GatewayStep = "payment_key"
)

var (
	ErrGatewayAuth    = errors.New("gateway: authentication failed")
	ErrGatewayOrder   = errors.New("gateway: order registration failed")
	ErrGatewayKey     = errors.New("gateway: payment key request failed")
	ErrInvalidBilling = errors.New("gateway: billing data incomplete")
)

// GatewayError reports a failed handshake step. Callers retry with a fresh
// handshake, never by replaying a token from a failed one.
type GatewayError struct {
	Step       GatewayStep
	StatusCode int
	// RemoteOrderID is set when registration succeeded before a later step failed.
	RemoteOrderID string
	Err           error
}

func (e *GatewayError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("gateway %s: status %d: %v", e.Step, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("gateway %s: %v", e.Step, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

func (e *GatewayError) Is(target error) bool {
	switch e.Step {
	case StepAuthenticate:
		return target == ErrGatewayAuth
	case StepRegister:
		return target == ErrGatewayOrder
	case StepPaymentKey:
		return target == ErrGatewayKey
	}
	return false
}

type VerificationKind string

const (
	VerificationMalformed VerificationKind = "malformed"
	VerificationInvalid   VerificationKind = "invalid"
)

var (
	ErrMalformed        = errors.New("webhook: malformed notification")
	ErrInvalidSignature = errors.New("webhook: signature mismatch")
)

type VerificationError struct {
	Kind   VerificationKind
	Reason string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("webhook %s: %s", e.Kind, e.Reason)
}

func (e *VerificationError) Is(target error) bool {
	switch e.Kind {
	case VerificationMalformed:
		return target == ErrMalformed
	case VerificationInvalid:
		return target == ErrInvalidSignature
	}
	return false
}

func Malformed(format string, args ...any) error {
	return &VerificationError{Kind: VerificationMalformed, Reason: fmt.Sprintf(format, args...)}
}

func Invalid(reason string) error {
	return &VerificationError{Kind: VerificationInvalid, Reason: reason}
}
