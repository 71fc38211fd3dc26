package errors

import (
	stderrors "errors"
	"fmt"
)

var (
	ErrWorkerPanic   = fmt.Errorf("worker panic")
	ErrSessionClosed = fmt.Errorf("session closed")

	// Wire protocol
	ErrProtocol      = fmt.Errorf("protocol error")
	ErrFrameTooLarge = fmt.Errorf("%w: frame exceeds maximum size", ErrProtocol)
	ErrUnknownFrame  = fmt.Errorf("%w: unknown frame type", ErrProtocol)
	ErrMalformed     = fmt.Errorf("%w: malformed payload", ErrProtocol)
	ErrUnexpected    = fmt.Errorf("%w: unexpected frame", ErrProtocol)
	ErrInvalidJoin   = fmt.Errorf("%w: invalid join", ErrProtocol)

	// Transport and staging collaborators
	ErrTransport = fmt.Errorf("transport error")
	ErrStaging   = fmt.Errorf("staging error")

	// ErrSlowConsumer closes a session whose outbound queue stayed full past the delivery timeout.
	ErrSlowConsumer = fmt.Errorf("%w: slow consumer", ErrTransport)
	ErrIdleTimeout  = fmt.Errorf("%w: idle timeout", ErrTransport)

	// File transfer
	ErrOfferPending   = fmt.Errorf("an offer from this sender is still unresolved")
	ErrRecipientBusy  = fmt.Errorf("a room member already has a pending file offer")
	ErrNoPendingOffer = fmt.Errorf("%w: no pending file offer", ErrProtocol)
	ErrNoUpload       = fmt.Errorf("%w: no upload in progress", ErrProtocol)
	ErrChunkOverrun   = fmt.Errorf("%w: chunk exceeds declared file size", ErrProtocol)
	ErrFileTooLarge   = fmt.Errorf("file exceeds maximum size")
	ErrOfferClosed    = fmt.Errorf("offer already resolved")
	ErrStillReceiving = fmt.Errorf("a file is still being received")
)

// Is and As forward to the standard library so callers only import this package.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }
