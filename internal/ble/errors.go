package ble

import (
	"errors"
	"fmt"
)

var (
	ErrAdapterUnavailable    = errors.New("ble: adapter unavailable")
	ErrConnectTimeout        = errors.New("ble: connect timed out")
	ErrConnectFailed         = errors.New("ble: connect failed")
	ErrConnectSuppressed     = errors.New("ble: connect suppressed after repeated failures")
	ErrOperationInProgress   = errors.New("ble: identical operation in progress")
	ErrOperationCanceled     = errors.New("ble: operation canceled")
	ErrPayloadTooLarge       = errors.New("ble: payload too large")
	ErrUnknownPeripheral     = errors.New("ble: unknown peripheral")
	ErrUnknownCharacteristic = errors.New("ble: unknown characteristic")
	ErrNotConnected          = errors.New("ble: peripheral not connected")
	ErrLinkLost              = errors.New("ble: link lost")
	ErrScanThrottled         = errors.New("ble: scan start throttled")
	ErrClosed                = errors.New("ble: engine closed")
	ErrUnsupported           = errors.New("ble: not supported by this radio")
)

// ConnectError carries the radio's reason for a failed connect attempt.
// It matches ErrConnectFailed with errors.Is.
type ConnectError struct {
	Address string
	Reason  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("ble: connect to %s: %v", e.Address, e.Reason)
}

func (e *ConnectError) Is(target error) bool { return target == ErrConnectFailed }

func (e *ConnectError) Unwrap() error { return e.Reason }

// PayloadError reports an oversized write.
type PayloadError struct {
	Size int
	Max  int
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("ble: payload of %d bytes exceeds maximum %d", e.Size, e.Max)
}

func (e *PayloadError) Is(target error) bool { return target == ErrPayloadTooLarge }
