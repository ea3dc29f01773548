package ble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"tinygo.org/x/bluetooth"
)

// TinyGoAdapter wraps tinygo-org/bluetooth (BlueZ on Linux, CoreBluetooth on
// macOS, WinRT on Windows).
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects addrs and connections.
	mu          sync.Mutex
	addrs       map[string]bluetooth.Address // last scan result per address string
	connections map[string]*tinyGoConnection
	enabled     bool
}

// NewTinyGoAdapter creates an adapter on the system default BLE controller.
func NewTinyGoAdapter() *TinyGoAdapter {
	return &TinyGoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		addrs:       make(map[string]bluetooth.Address),
		connections: make(map[string]*tinyGoConnection),
	}
}

func (a *TinyGoAdapter) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.enabled {
		return nil
	}
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// The adapter-level handler fires with connected=false when any
	// peripheral drops; route it to the matching connection.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		a.mu.Lock()
		conn, ok := a.connections[device.Address.String()]
		a.mu.Unlock()
		if ok {
			conn.markDisconnected()
		}
	})

	a.enabled = true
	return nil
}

func (a *TinyGoAdapter) FindByName(ctx context.Context, name string) (Device, error) {
	if err := ctx.Err(); err != nil {
		return Device{}, err
	}
	found := make(chan Device, 1)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.adapter.StopScan()
		case <-done:
		}
	}()

	err := a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		a.handleScanResult(ctx, name, found, result.LocalName(), result.Address, result.RSSI, adapter.StopScan)
	})
	close(done)

	select {
	case dev := <-found:
		return dev, nil
	default:
	}
	if err != nil && ctx.Err() == nil {
		return Device{}, fmt.Errorf("ble: scan: %w", err)
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return Device{}, ctx.Err()
	}
	return Device{}, fmt.Errorf("%w: %q", ErrDeviceNotFound, name)
}

// handleScanResult records a matching advertisement and stops the scan. A
// cancelled ctx also stops it, since the watcher's StopScan is lost when it
// runs before Scan has started.
func (a *TinyGoAdapter) handleScanResult(ctx context.Context, name string, found chan<- Device, localName string, address bluetooth.Address, rssi int16, stop func() error) {
	if ctx.Err() != nil {
		_ = stop()
		return
	}
	if localName != name {
		return
	}
	addr := address.String()
	a.mu.Lock()
	a.addrs[addr] = address
	a.mu.Unlock()

	select {
	case found <- Device{Name: name, Address: addr, RSSI: int(rssi)}:
		_ = stop()
	default:
	}
}

func (a *TinyGoAdapter) Connect(ctx context.Context, dev Device) (Connection, error) {
	a.mu.Lock()
	addr, ok := a.addrs[dev.Address]
	a.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("ble: connect to %s: address not seen in a scan", dev.Address)
	}

	// tinygo/bluetooth's Connect blocks internally with its own timeout.
	// We wrap it to also respect our ctx cancellation.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		// Release a connection that completes after we gave up on it.
		go func() {
			if res := <-ch; res.err == nil {
				_ = res.device.Disconnect()
			}
		}()
		return nil, fmt.Errorf("ble: connect to %s: %w", dev.Address, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", dev.Address, result.err)
		}
		conn := &tinyGoConnection{device: result.device}
		conn.connected.Store(true)

		a.mu.Lock()
		a.connections[dev.Address] = conn
		a.mu.Unlock()
		conn.release = func() {
			a.mu.Lock()
			if a.connections[dev.Address] == conn {
				delete(a.connections, dev.Address)
			}
			a.mu.Unlock()
		}
		return conn, nil
	}
}

// Compile-time check that TinyGoAdapter implements Adapter.
var _ Adapter = (*TinyGoAdapter)(nil)

type tinyGoConnection struct {
	device    bluetooth.Device
	connected atomic.Bool
	release   func()

	mu           sync.Mutex
	disconnectCb func()
	closeOnce    sync.Once
}

func (c *tinyGoConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse service UUID: %w", err)
	}
	charUUIDParsed, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse characteristic UUID: %w", err)
	}

	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("ble: service %s not found", serviceUUID)
	}

	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{charUUIDParsed})
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("ble: characteristic %s not found", charUUID)
	}

	return &tinyGoCharacteristic{char: chars[0]}, nil
}

func (c *tinyGoConnection) IsConnected() bool {
	return c.connected.Load()
}

func (c *tinyGoConnection) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		if c.release != nil {
			c.release()
		}
		err = c.device.Disconnect()
	})
	return err
}

func (c *tinyGoConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *tinyGoConnection) markDisconnected() {
	if !c.connected.Swap(false) {
		return
	}
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type tinyGoCharacteristic struct {
	char bluetooth.DeviceCharacteristic
}

func (c *tinyGoCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(cb)
}
