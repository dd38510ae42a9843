package mailing

import (
	"context"
	"errors"
	"fmt"
)

// ErrTransportNotConfigured means the selected transport is missing
// credentials or was never initialized.
var ErrTransportNotConfigured = errors.New("mail transport not configured")

// Transport sends one rendered message through one outbound account.
// Implementations own credentials and protocol details; the dispatch core
// only sees message-in, message-id-out.
type Transport interface {
	Send(ctx context.Context, msg *EmailMessage) (*SendResult, error)
	Verify(ctx context.Context) error
}

// TransportError wraps a provider failure so the dispatch core can treat
// all transport causes uniformly (retryable, opaque).
type TransportError struct {
	Provider string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s transport: %v", e.Provider, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
