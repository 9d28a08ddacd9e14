package ble

import "tinygo.org/x/bluetooth"

func writeWithResponse(ch *bluetooth.DeviceCharacteristic, data []byte) error {
	_, err := ch.Write(data)
	return err
}

// CoreBluetooth properties stay inside the library.
func characteristicProperties(*bluetooth.DeviceCharacteristic) Properties {
	return 0
}
