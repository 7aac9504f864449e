// Package pkg provides shared utilities for the fx3usb link core.
//
// This package contains functionality used by every layer of the module:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel errors for the argument / timing / transient / cancellation
//     error classes
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with a component tag:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentLink, "fallback to usb2", "attempts", 2)
//
// # Errors
//
// Errors are sentinel values compared with [errors.Is]:
//
//	if errors.Is(err, pkg.ErrAborted) {
//	    // a new SETUP superseded the transfer
//	}
//
// Only [ErrXferFailure] is retried internally (see [IsRetryable]);
// [ErrTimeout] and [ErrAborted] are always surfaced to the caller.
package pkg
