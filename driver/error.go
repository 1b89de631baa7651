package driver

import (
	"fmt"

	"github.com/pkg/errors"
)

// Result is the status code returned by every driver call. The values match CUresult.
type Result int32

const (
	Success                   Result = 0
	ErrorInvalidValue         Result = 1
	ErrorOutOfMemory          Result = 2
	ErrorNotInitialized       Result = 3
	ErrorDeinitialized        Result = 4
	ErrorNoDevice             Result = 100
	ErrorInvalidDevice        Result = 101
	ErrorInvalidImage         Result = 200
	ErrorInvalidContext       Result = 201
	ErrorInvalidHandle        Result = 400
	ErrorNotFound             Result = 500
	ErrorNotReady             Result = 600
	ErrorIllegalAddress       Result = 700
	ErrorLaunchOutOfResources Result = 701
	ErrorLaunchFailed         Result = 719
	ErrorNotSupported         Result = 801
	ErrorUnknown              Result = 999
)

var resultNames = map[Result]string{
	Success:                   "CUDA_SUCCESS",
	ErrorInvalidValue:         "CUDA_ERROR_INVALID_VALUE",
	ErrorOutOfMemory:          "CUDA_ERROR_OUT_OF_MEMORY",
	ErrorNotInitialized:       "CUDA_ERROR_NOT_INITIALIZED",
	ErrorDeinitialized:        "CUDA_ERROR_DEINITIALIZED",
	ErrorNoDevice:             "CUDA_ERROR_NO_DEVICE",
	ErrorInvalidDevice:        "CUDA_ERROR_INVALID_DEVICE",
	ErrorInvalidImage:         "CUDA_ERROR_INVALID_IMAGE",
	ErrorInvalidContext:       "CUDA_ERROR_INVALID_CONTEXT",
	ErrorInvalidHandle:        "CUDA_ERROR_INVALID_HANDLE",
	ErrorNotFound:             "CUDA_ERROR_NOT_FOUND",
	ErrorNotReady:             "CUDA_ERROR_NOT_READY",
	ErrorIllegalAddress:       "CUDA_ERROR_ILLEGAL_ADDRESS",
	ErrorLaunchOutOfResources: "CUDA_ERROR_LAUNCH_OUT_OF_RESOURCES",
	ErrorLaunchFailed:         "CUDA_ERROR_LAUNCH_FAILED",
	ErrorNotSupported:         "CUDA_ERROR_NOT_SUPPORTED",
	ErrorUnknown:              "CUDA_ERROR_UNKNOWN",
}

// String implements fmt.Stringer.
func (r Result) String() string {
	if name, found := resultNames[r]; found {
		return name
	}
	return fmt.Sprintf("CUDA_ERROR(%d)", int32(r))
}

// Error is returned when a driver call fails. It identifies the failing operation.
type Error struct {
	Op   string
	Code Result
}

// Error implements error.
func (e *Error) Error() string {
	return fmt.Sprintf("CUDA driver error in %s: %s (%d)", e.Op, e.Code, int32(e.Code))
}

// toError converts the driver status of operation op to an error, with a stack trace (see github.com/pkg/errors).
// It returns nil on Success.
func toError(op string, r Result) error {
	if r == Success {
		return nil
	}
	return errors.WithStack(&Error{Op: op, Code: r})
}

// IsDriverError reports whether err was caused by a failing driver call with the given code.
func IsDriverError(err error, code Result) bool {
	var driverErr *Error
	if !errors.As(err, &driverErr) {
		return false
	}
	return driverErr.Code == code
}

var (
	// ErrReleased is returned when using a resource whose handle has already been released.
	ErrReleased = errors.New("resource handle already released")

	// ErrNoCurrentContext is returned when attaching to the current context but none is current.
	ErrNoCurrentContext = errors.New("no driver context is current on this thread")

	// ErrEntryPointNotFound is returned when a module has no kernel with the requested name.
	ErrEntryPointNotFound = errors.New("kernel entry point not found in module")

	// ErrArgumentGap is returned at launch time when some argument index below the highest one set was never set.
	ErrArgumentGap = errors.New("kernel arguments are not contiguous")

	// ErrOutOfRange is returned when a copy addresses memory outside the buffer or the host slice.
	ErrOutOfRange = errors.New("copy out of range")

	// ErrEventAlreadyRecorded is returned when recording an Event twice: a new Event is needed for each measurement.
	ErrEventAlreadyRecorded = errors.New("event already recorded")

	// ErrEventNotRecorded is returned when reading the elapsed time of an Event that was never recorded.
	ErrEventNotRecorded = errors.New("event not recorded")

	// ErrContextMismatch is returned when combining resources from different contexts.
	ErrContextMismatch = errors.New("resources belong to different contexts")
)
