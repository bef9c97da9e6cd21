package pkg

import "errors"

// USB transfer outcome errors.
var (
	// ErrStall indicates an endpoint stall condition.
	ErrStall = errors.New("endpoint stalled")

	// ErrIO indicates a transfer failed on the bus (CRC, bit stuffing,
	// device not responding, data or buffer overrun/underrun).
	ErrIO = errors.New("I/O error")

	// ErrTimeout indicates a transfer timeout.
	ErrTimeout = errors.New("transfer timeout")

	// ErrCancelled indicates a cancelled transfer.
	ErrCancelled = errors.New("transfer cancelled")

	// ErrInProgress indicates the transfer has not completed yet.
	ErrInProgress = errors.New("transfer in progress")
)

// Driver errors returned synchronously from open, submit and lifecycle calls.
var (
	// ErrInvalidEndpoint indicates an invalid endpoint address.
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrInvalidRequest indicates an invalid or unsupported request.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrBufferTooSmall indicates the provided buffer is too small.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrNotSupported indicates an unsupported operation or feature.
	ErrNotSupported = errors.New("not supported")

	// ErrBusy indicates the resource is busy.
	ErrBusy = errors.New("resource busy")

	// ErrNoMemory indicates DMA memory or descriptors are exhausted.
	ErrNoMemory = errors.New("insufficient memory")

	// ErrAlreadyRunning indicates the controller is already running.
	ErrAlreadyRunning = errors.New("already running")

	// ErrNotRunning indicates the controller is not running.
	ErrNotRunning = errors.New("not running")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrControllerHalted indicates the controller stopped after an
	// unrecoverable error and must be reset before further use.
	ErrControllerHalted = errors.New("controller halted")

	// ErrPipeClosed indicates an operation on a closed pipe.
	ErrPipeClosed = errors.New("pipe closed")

	// ErrUnsupportedRevision indicates the controller reports an OHCI
	// revision the driver does not speak.
	ErrUnsupportedRevision = errors.New("unsupported controller revision")

	// ErrBadAddress indicates a physical address outside any DMA region.
	ErrBadAddress = errors.New("bad physical address")

	// ErrNoDevice indicates no device is attached.
	ErrNoDevice = errors.New("device not present")
)

// TransferStatus represents the state or completion status of a USB transfer.
type TransferStatus int32

// Transfer status values.
const (
	TransferStatusNotStarted TransferStatus = iota // Transfer was never submitted
	TransferStatusInProgress                       // Transfer is owned by the controller
	TransferStatusSuccess                          // Transfer completed successfully
	TransferStatusError                            // Transfer failed with an I/O error
	TransferStatusStall                            // Endpoint stalled
	TransferStatusTimeout                          // Transfer timed out
	TransferStatusCancelled                        // Transfer was cancelled
)

// String returns a string representation of the transfer status.
func (s TransferStatus) String() string {
	switch s {
	case TransferStatusSuccess:
		return "success"
	case TransferStatusError:
		return "error"
	case TransferStatusStall:
		return "stall"
	case TransferStatusTimeout:
		return "timeout"
	case TransferStatusCancelled:
		return "cancelled"
	case TransferStatusNotStarted:
		return "not-started"
	case TransferStatusInProgress:
		return "in-progress"
	default:
		return "unknown"
	}
}

// Done reports whether the status is final.
func (s TransferStatus) Done() bool {
	return s != TransferStatusNotStarted && s != TransferStatusInProgress
}

// Error returns the corresponding error for the transfer status.
func (s TransferStatus) Error() error {
	switch s {
	case TransferStatusSuccess:
		return nil
	case TransferStatusStall:
		return ErrStall
	case TransferStatusTimeout:
		return ErrTimeout
	case TransferStatusCancelled:
		return ErrCancelled
	case TransferStatusNotStarted, TransferStatusInProgress:
		return ErrInProgress
	default:
		return ErrIO
	}
}
