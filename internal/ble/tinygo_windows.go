package ble

import "tinygo.org/x/bluetooth"

func writeWithResponse(ch *bluetooth.DeviceCharacteristic, data []byte) error {
	_, err := ch.Write(data)
	return err
}

// WinRT reports the GATT property bitmask, whose low byte matches
// Properties bit for bit.
func characteristicProperties(ch *bluetooth.DeviceCharacteristic) Properties {
	return Properties(ch.Properties() & 0xff)
}
