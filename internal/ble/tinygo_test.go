package ble

import (
	"context"
	"testing"

	"tinygo.org/x/bluetooth"
)

func newTestTinyGoAdapter() *TinyGoAdapter {
	return &TinyGoAdapter{
		addrs:       make(map[string]bluetooth.Address),
		connections: make(map[string]*tinyGoConnection),
	}
}

func TestHandleScanResult(t *testing.T) {
	var addr bluetooth.Address
	tests := []struct {
		name      string
		cancelled bool
		localName string
		wantFound bool
		wantStops int
	}{
		{name: "match", localName: DefaultDeviceName, wantFound: true, wantStops: 1},
		{name: "other device", localName: "Headphones", wantFound: false, wantStops: 0},
		{name: "cancelled before match", cancelled: true, localName: "Headphones", wantFound: false, wantStops: 1},
		{name: "cancelled with match", cancelled: true, localName: DefaultDeviceName, wantFound: false, wantStops: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if tt.cancelled {
				cancel()
			}

			a := newTestTinyGoAdapter()
			found := make(chan Device, 1)
			stops := 0
			stop := func() error {
				stops++
				return nil
			}
			a.handleScanResult(ctx, DefaultDeviceName, found, tt.localName, addr, -60, stop)

			if stops != tt.wantStops {
				t.Errorf("StopScan called %d times, want %d", stops, tt.wantStops)
			}
			select {
			case dev := <-found:
				if !tt.wantFound {
					t.Fatalf("unexpected device %+v", dev)
				}
				if dev.Name != DefaultDeviceName || dev.RSSI != -60 || dev.Address != addr.String() {
					t.Errorf("device = %+v, want name %q rssi -60 address %q", dev, DefaultDeviceName, addr.String())
				}
				if _, ok := a.addrs[dev.Address]; !ok {
					t.Errorf("address %q not recorded for Connect", dev.Address)
				}
			default:
				if tt.wantFound {
					t.Fatal("no device reported")
				}
			}
		})
	}
}

func TestHandleScanResultDuplicateAdvertisement(t *testing.T) {
	var addr bluetooth.Address
	a := newTestTinyGoAdapter()
	found := make(chan Device, 1)
	stops := 0
	stop := func() error {
		stops++
		return nil
	}
	ctx := context.Background()
	a.handleScanResult(ctx, DefaultDeviceName, found, DefaultDeviceName, addr, -60, stop)
	a.handleScanResult(ctx, DefaultDeviceName, found, DefaultDeviceName, addr, -58, stop)

	if stops != 1 {
		t.Errorf("StopScan called %d times, want 1", stops)
	}
	if dev := <-found; dev.RSSI != -60 {
		t.Errorf("RSSI = %d, want the first advertisement's -60", dev.RSSI)
	}
}
