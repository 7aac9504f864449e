package pkg

import "errors"

// Argument errors, returned synchronously by configuration calls and never
// retried.
var (
	// ErrBadArgument indicates an out-of-range or malformed argument.
	ErrBadArgument = errors.New("bad argument")

	// ErrNullPointer indicates a required buffer or object was nil.
	ErrNullPointer = errors.New("null pointer")
)

// Timing, transient and cancellation errors.
var (
	// ErrTimeout indicates a bounded wait exhausted its budget.
	ErrTimeout = errors.New("timeout")

	// ErrXferFailure indicates a recoverable bus-level transfer error.
	ErrXferFailure = errors.New("transfer failure")

	// ErrAborted indicates a transfer was preempted by a new control request.
	ErrAborted = errors.New("transfer aborted")
)

// State and protocol errors.
var (
	// ErrStall indicates an endpoint stall condition.
	ErrStall = errors.New("endpoint stalled")

	// ErrInvalidState indicates the operation is not valid in the current state.
	ErrInvalidState = errors.New("invalid state")

	// ErrInvalidRequest indicates an invalid or unsupported request.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrInvalidEndpoint indicates an invalid endpoint address.
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrNotSupported indicates an unsupported operation or feature.
	ErrNotSupported = errors.New("not supported")

	// ErrAlreadyRunning indicates the link is already started.
	ErrAlreadyRunning = errors.New("already running")

	// ErrNotRunning indicates the link is not started.
	ErrNotRunning = errors.New("not running")

	// ErrBufferTooSmall indicates the provided buffer is too small.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrSetupPacketTooShort indicates setup data shorter than 8 bytes.
	ErrSetupPacketTooShort = errors.New("setup packet too short")

	// ErrDescriptorTooShort indicates the descriptor data is too short.
	ErrDescriptorTooShort = errors.New("descriptor too short")

	// ErrDescriptorTypeMismatch indicates an unexpected descriptor type.
	ErrDescriptorTypeMismatch = errors.New("descriptor type mismatch")
)

// Warm-boot and image errors.
var (
	// ErrBadSignature indicates a persisted structure has an invalid signature.
	ErrBadSignature = errors.New("bad signature")

	// ErrBadChecksum indicates a checksum mismatch.
	ErrBadChecksum = errors.New("checksum mismatch")

	// ErrOutdatedRevision indicates a structure revision older than supported.
	ErrOutdatedRevision = errors.New("outdated revision")

	// ErrBadImage indicates a malformed firmware image.
	ErrBadImage = errors.New("bad firmware image")
)

// TransferStatus represents the completion status of a DMA transfer.
type TransferStatus int

// Transfer status values.
const (
	TransferStatusPending   TransferStatus = iota // Transfer still in flight
	TransferStatusSuccess                         // Transfer completed successfully
	TransferStatusFailure                         // Recoverable bus-level failure
	TransferStatusTimeout                         // Transfer timed out
	TransferStatusAborted                         // Transfer was aborted
	TransferStatusStall                           // Endpoint stalled
)

// String returns a string representation of the transfer status.
func (s TransferStatus) String() string {
	switch s {
	case TransferStatusPending:
		return "pending"
	case TransferStatusSuccess:
		return "success"
	case TransferStatusFailure:
		return "failure"
	case TransferStatusTimeout:
		return "timeout"
	case TransferStatusAborted:
		return "aborted"
	case TransferStatusStall:
		return "stall"
	default:
		return "unknown"
	}
}

// Error returns the error corresponding to the transfer status.
// Pending and Success both return nil.
func (s TransferStatus) Error() error {
	switch s {
	case TransferStatusPending, TransferStatusSuccess:
		return nil
	case TransferStatusFailure:
		return ErrXferFailure
	case TransferStatusTimeout:
		return ErrTimeout
	case TransferStatusAborted:
		return ErrAborted
	case TransferStatusStall:
		return ErrStall
	default:
		return ErrXferFailure
	}
}

// IsRetryable reports whether err is a transient failure that may be retried.
// Timeouts and aborts are surfaced to the caller and never retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrXferFailure)
}
