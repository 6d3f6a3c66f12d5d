package database

import (
	"context"
	"errors"
	"net"
	"syscall"

	"github.com/koustreak/querygate/internal/errs"
)

// ErrNotConnected is returned by adapters used before Connect or after Close.
var ErrNotConnected = errs.New(errs.KindNotConnected, "adapter is not connected")

// ContextError classifies err as a timeout or cancellation when ctx (or the
// error itself) says so. The boolean is false for any other failure.
//
// A deadline wins over cancellation: the execute context is derived from
// the caller's, and its own deadline is what the caller needs to hear about.
func ContextError(ctx context.Context, err error, msg string) (*errs.Error, bool) {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return errs.Wrap(errs.KindQueryTimeout, msg+": deadline exceeded", err), true
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return errs.Wrap(errs.KindQueryCancelled, msg+": cancelled", err), true
	}
	return nil, false
}

// IsNetworkError reports whether err is a socket or DNS failure.
func IsNetworkError(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH)
}
