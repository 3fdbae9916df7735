package crawler

import (
	"context"
	"errors"
	"fmt"
)

// FailureKind classifies why a page could not be fetched or was skipped.
type FailureKind string

// Fetch failure kinds plus the policy skip reasons surfaced in session logs.
const (
	FailureNone             FailureKind = ""
	FailureDNS              FailureKind = "DNS"
	FailureConnect          FailureKind = "Connect"
	FailureTLS              FailureKind = "TLS"
	FailureTimeout          FailureKind = "Timeout"
	FailureHTTP4xx          FailureKind = "HttpStatus4xx"
	FailureHTTP5xx          FailureKind = "HttpStatus5xx"
	FailureTooManyRedirects FailureKind = "TooManyRedirects"
	FailurePayloadTooLarge  FailureKind = "PayloadTooLarge"
	FailureCanceled         FailureKind = "Canceled"
	FailureOffDomain        FailureKind = "OffDomain"
	FailureRobotsDisallowed FailureKind = "RobotsDisallowed"
	FailureFresh            FailureKind = "Fresh"
	FailureInvalidURL       FailureKind = "InvalidURL"
	FailureStore            FailureKind = "StoreError"
	FailureParse            FailureKind = "ParseError"
	FailureWorkerCrash      FailureKind = "WorkerCrash"
)

// Transient reports whether the kind is eligible for retry.
func (k FailureKind) Transient() bool {
	switch k {
	case FailureDNS, FailureConnect, FailureTLS, FailureTimeout, FailureHTTP5xx:
		return true
	default:
		return false
	}
}

// ErrorKind is the coarse error taxonomy used for propagation and HTTP mapping.
type ErrorKind string

// Error kinds.
const (
	KindUnknown        ErrorKind = "Unknown"
	KindInput          ErrorKind = "InputError"
	KindPolicyReject   ErrorKind = "PolicyReject"
	KindTransientFetch ErrorKind = "TransientFetchError"
	KindPermanentFetch ErrorKind = "PermanentFetchError"
	KindParse          ErrorKind = "ParseError"
	KindStore          ErrorKind = "StoreError"
	KindIndex          ErrorKind = "IndexError"
	KindQuery          ErrorKind = "QueryError"
	KindCanceled       ErrorKind = "Canceled"
)

// ErrPageNotFound is returned by PageStore.Get when no record exists.
var ErrPageNotFound = errors.New("page not found")

// FetchError carries the failure kind alongside the underlying error.
type FetchError struct {
	Kind FailureKind
	URL  string
	Err  error
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// InputError marks caller mistakes such as malformed URLs.
type InputError struct {
	Msg string
	Err error
}

func (e *InputError) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	return e.Msg + ": " + e.Err.Error()
}

func (e *InputError) Unwrap() error {
	return e.Err
}

// NewInputError builds an InputError with a formatted message.
func NewInputError(format string, args ...any) error {
	return &InputError{Msg: fmt.Sprintf(format, args...)}
}

// StoreError wraps a document-store failure.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("document store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// FailureOf extracts the FailureKind carried by err, if any.
func FailureOf(err error) FailureKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return FailureCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	return FailureNone
}

// KindOf maps an error onto the coarse taxonomy.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var ie *InputError
	if errors.As(err, &ie) {
		return KindInput
	}
	var se *StoreError
	if errors.As(err, &se) {
		return KindStore
	}
	switch kind := FailureOf(err); {
	case kind == FailureCanceled:
		return KindCanceled
	case kind == FailureOffDomain || kind == FailureRobotsDisallowed || kind == FailureFresh || kind == FailureInvalidURL:
		return KindPolicyReject
	case kind.Transient():
		return KindTransientFetch
	case kind != FailureNone:
		return KindPermanentFetch
	}
	return KindUnknown
}
