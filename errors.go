package gothrottle

import (
	"fmt"
)

var (
	// ErrDeviceQuiescing is a sentinel for the transient error returned
	// when the target device is being drained or shut down.
	// Callers should retry the submission; the request was not accepted.
	ErrDeviceQuiescing = &DeviceQuiescingError{}

	// ErrUnknownDevice is a sentinel for the error returned when a
	// request or rule references a device that was never registered.
	ErrUnknownDevice = &UnknownDeviceError{}

	// ErrUnknownGroup is a sentinel for the error returned when a
	// statistics or limit lookup references a group that does not exist.
	ErrUnknownGroup = &UnknownGroupError{}

	// ErrInvalidRule is a sentinel for the error returned when a textual
	// throttling rule cannot be parsed or applied.
	ErrInvalidRule = &InvalidRuleError{}

	// ErrInvariantViolation is a sentinel for the error reported through
	// the Logger when internal accounting drifts from its invariants.
	// The throttler clamps the drift and keeps going; the error value is
	// the signal that something upstream needs investigating.
	ErrInvariantViolation = &InvariantViolationError{}
)

// DeviceQuiescingError is returned when a request targets a device that
// is draining or shutting down. It is transient: the caller is expected
// to retry rather than fail the request.
type DeviceQuiescingError struct {
	Device string
}

func (e *DeviceQuiescingError) Error() string {
	return fmt.Sprintf("DeviceQuiescing: device %q is quiescing, retry the submission", e.Device)
}

func (e *DeviceQuiescingError) Is(tgt error) bool {
	_, ok := tgt.(*DeviceQuiescingError)
	return ok
}

// UnknownDeviceError is returned when an operation references a device
// identifier that was never registered with AddDevice.
type UnknownDeviceError struct {
	Device string
}

func (e *UnknownDeviceError) Error() string {
	return fmt.Sprintf("UnknownDevice: device %q is not registered", e.Device)
}

func (e *UnknownDeviceError) Is(tgt error) bool {
	_, ok := tgt.(*UnknownDeviceError)
	return ok
}

// UnknownGroupError is returned when a read-only operation references a
// group for which no state exists on any device.
type UnknownGroupError struct {
	Group string
}

func (e *UnknownGroupError) Error() string {
	return fmt.Sprintf("UnknownGroup: group %q has no throttling state", e.Group)
}

func (e *UnknownGroupError) Is(tgt error) bool {
	_, ok := tgt.(*UnknownGroupError)
	return ok
}

// InvariantViolationError describes internal accounting drifting from
// its invariants, such as a queued-request counter going negative. It is
// reported through the Logger rather than returned: the condition is
// recovered by clamping, not failed.
type InvariantViolationError struct {
	Detail string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("InvariantViolation: %v", e.Detail)
}

func (e *InvariantViolationError) Is(tgt error) bool {
	_, ok := tgt.(*InvariantViolationError)
	return ok
}

// InvalidRuleError is returned when a textual rule has an unknown key,
// a malformed value or a reference that cannot be resolved.
type InvalidRuleError struct {
	Key    string
	Value  string
	Reason string
}

func (e *InvalidRuleError) Error() string {
	return fmt.Sprintf("InvalidRule: cannot apply %q = %q (%v)", e.Key, e.Value, e.Reason)
}

func (e *InvalidRuleError) Is(tgt error) bool {
	_, ok := tgt.(*InvalidRuleError)
	return ok
}
