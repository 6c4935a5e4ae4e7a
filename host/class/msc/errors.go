package msc

import (
	"errors"
	"fmt"

	"github.com/ardnew/softusb-msc/host/hal"
)

// Driver errors. Caller misuse is reported with these or with the shared
// sentinels in package pkg (ErrBusy, ErrNoDevice, ErrInvalidParameter,
// ErrBufferTooSmall).
var (
	// ErrInvalidDevice indicates a device ID outside [0, MaxDevices).
	ErrInvalidDevice = errors.New("msc: invalid device id")

	// ErrNotReady indicates the device is still enumerating or has failed.
	ErrNotReady = errors.New("msc: device not ready")

	// ErrCapacityUnknown indicates READ CAPACITY has not completed.
	ErrCapacityUnknown = errors.New("msc: capacity unknown")

	// ErrLBAOutOfRange indicates a request extends past the last block.
	ErrLBAOutOfRange = errors.New("msc: lba out of range")

	// ErrWriteProtected indicates a write to a write-protected medium.
	ErrWriteProtected = errors.New("msc: medium write protected")

	// ErrRetryLimit indicates a phase was stalled more often than allowed.
	ErrRetryLimit = errors.New("msc: retry limit exceeded")

	// ErrTransport indicates a fatal transfer failure reported by the host core.
	ErrTransport = errors.New("msc: transport failure")

	// ErrCommandFailed indicates CSW status 1.
	ErrCommandFailed = errors.New("msc: command failed")

	// ErrPhaseError indicates CSW status 2.
	ErrPhaseError = errors.New("msc: phase error")

	// ErrInvalidCSW indicates a CSW with a bad signature, tag or status.
	ErrInvalidCSW = errors.New("msc: invalid csw")
)

// TransportError wraps a non-OK completion code from the host core.
type TransportError struct {
	Status hal.Status
	Phase  string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("msc: transport failure in %s phase: %s", e.Phase, e.Status)
}

// Unwrap lets errors.Is match ErrTransport.
func (e *TransportError) Unwrap() error {
	return ErrTransport
}
