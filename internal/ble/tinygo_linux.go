package ble

import (
	"fmt"

	"tinygo.org/x/bluetooth"
)

// BlueZ support in tinygo bluetooth only issues write commands.
func writeWithResponse(_ *bluetooth.DeviceCharacteristic, _ []byte) error {
	return fmt.Errorf("ble: acknowledged write over BlueZ: %w", ErrUnsupported)
}

// The characteristic flags are not exposed on BlueZ.
func characteristicProperties(*bluetooth.DeviceCharacteristic) Properties {
	return 0
}
