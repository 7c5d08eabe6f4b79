package provider

import (
	"context"
	"errors"
	"fmt"
)

// Gateway abstracts the messaging backend. Exactly one implementation is
// selected at startup; callers never mix variants per request.
type Gateway interface {
	// SendText delivers a text message and returns the provider-assigned
	// message id.
	SendText(ctx context.Context, to, body string) (providerMsgID string, err error)
	// SendMedia delivers a media message by URL with an optional caption.
	SendMedia(ctx context.Context, to, mediaURL, caption string) (providerMsgID string, err error)
	// CheckReachability reports which of the destinations are reachable on
	// the messaging network.
	CheckReachability(ctx context.Context, numbers []string) ([]Reachability, error)
}

type Reachability struct {
	Number    string `json:"number"`
	Reachable bool   `json:"reachable"`
}

// ErrUnsupported is returned by gateway variants that cannot serve an
// operation (the managed API has no reachability endpoint).
var ErrUnsupported = errors.New("operation not supported by this gateway")

// ErrorKind routes retry decisions upstream. The gateway itself never
// retries auth or rejected failures.
type ErrorKind int

const (
	// KindAuth: bad credentials/key. Fatal for the whole dispatch run.
	KindAuth ErrorKind = iota
	// KindTransient: timeout, 5xx, connectivity, malformed body. Retryable.
	KindTransient
	// KindRejected: business-level 4xx (invalid destination, blocked).
	// Terminal for the attempt, never retried.
	KindRejected
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindTransient:
		return "transient"
	case KindRejected:
		return "rejected"
	}
	return "unknown"
}

type Error struct {
	Kind   ErrorKind
	Status int // HTTP status when applicable, 0 otherwise
	Msg    string
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("provider %s (HTTP %d): %s", e.Kind, e.Status, e.Msg)
	}
	return fmt.Sprintf("provider %s: %s", e.Kind, e.Msg)
}

// Kind classifies any error from a Gateway call. Unrecognized errors
// (including context deadline) count as transient so the caller's backoff
// policy applies.
func Kind(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindTransient
}

// classifyStatus maps an HTTP error status to an error kind.
func classifyStatus(status int, body string) *Error {
	switch {
	case status == 401 || status == 403:
		return &Error{Kind: KindAuth, Status: status, Msg: body}
	case status >= 500 || status == 429:
		return &Error{Kind: KindTransient, Status: status, Msg: body}
	default:
		return &Error{Kind: KindRejected, Status: status, Msg: body}
	}
}
