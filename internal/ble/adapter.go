// Package ble maintains the Bluetooth Low Energy link to the e-nose. It
// finds the device by advertised name, subscribes to its measurement
// characteristic and keeps the subscription alive across link loss.
package ble

import (
	"context"
	"errors"
)

// E-Nose firmware defaults.
const (
	DefaultDeviceName  = "E-Nose_V2_LockIn"
	ServiceUUID        = "bea5692f-939d-4e5a-bfa9-80d3efb8e3cb"
	CharacteristicUUID = "b13493c7-5499-4b0a-a3d9-66eea53f382c"
)

var (
	// ErrDeviceNotFound is returned by FindByName when no peripheral with the
	// requested name advertised before the scan deadline.
	ErrDeviceNotFound = errors.New("ble: device not found")
	// ErrLinkLost reports that an established connection dropped.
	ErrLinkLost = errors.New("ble: link lost")
)

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Subscribe registers a callback for notifications on this characteristic.
	// The buffer passed to the callback may be reused after it returns.
	Subscribe(callback func(data []byte)) error
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name    string
	Address string
	RSSI    int
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// IsConnected reports whether the link is still up.
	IsConnected() bool
	// Disconnect terminates the connection. Safe to call more than once.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// FindByName scans until a peripheral advertising exactly name is seen,
	// ctx is done, or the scan fails. It returns ErrDeviceNotFound when ctx
	// expires first.
	FindByName(ctx context.Context, name string) (Device, error)
	// Connect establishes a connection to a device returned by FindByName.
	Connect(ctx context.Context, dev Device) (Connection, error)
}
