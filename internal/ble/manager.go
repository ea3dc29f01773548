package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/enose-collector/internal/packet"
)

// State is the connection lifecycle state of a Manager.
type State int

const (
	Idle State = iota
	Scanning
	Connecting
	Subscribed
	Disconnected
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Scanning:
		return "scanning"
	case Connecting:
		return "connecting"
	case Subscribed:
		return "subscribed"
	case Disconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// PacketHandler consumes notifications. HandlePacket runs on the transport's
// delivery goroutine and must return quickly.
type PacketHandler interface {
	HandlePacket(raw packet.RawPacket)
}

// PacketHandlerFunc adapts a function to PacketHandler.
type PacketHandlerFunc func(raw packet.RawPacket)

func (f PacketHandlerFunc) HandlePacket(raw packet.RawPacket) { f(raw) }

// Observer is told about every state transition, including the
// Scanning → Scanning retry.
type Observer interface {
	StateChanged(from, to State)
}

// ManagerOptions configures discovery and retry timing.
type ManagerOptions struct {
	DeviceName         string
	ServiceUUID        string
	CharacteristicUUID string

	ScanTimeout      time.Duration // bound on a single scan
	Backoff          time.Duration // delay before every retry
	LivenessInterval time.Duration // link check period while subscribed

	Observer Observer         // optional
	Now      func() time.Time // arrival clock; defaults to time.Now
}

// DefaultManagerOptions returns the firmware defaults.
func DefaultManagerOptions() ManagerOptions {
	return ManagerOptions{
		DeviceName:         DefaultDeviceName,
		ServiceUUID:        ServiceUUID,
		CharacteristicUUID: CharacteristicUUID,
		ScanTimeout:        10 * time.Second,
		Backoff:            5 * time.Second,
		LivenessInterval:   time.Second,
	}
}

// Manager drives scan, connect, subscribe, monitor and retry for a single
// device. Transport failures never escape Run; only cancellation ends it.
type Manager struct {
	adapter Adapter
	handler PacketHandler
	opts    ManagerOptions

	mu    sync.Mutex
	state State
}

// NewManager creates a Manager. Zero durations in opts fall back to the
// defaults.
func NewManager(adapter Adapter, handler PacketHandler, opts ManagerOptions) (*Manager, error) {
	if adapter == nil {
		return nil, errors.New("ble: nil adapter")
	}
	if handler == nil {
		return nil, errors.New("ble: nil packet handler")
	}
	if opts.DeviceName == "" {
		return nil, errors.New("ble: device name must not be empty")
	}

	def := DefaultManagerOptions()
	if opts.ServiceUUID == "" {
		opts.ServiceUUID = def.ServiceUUID
	}
	if opts.CharacteristicUUID == "" {
		opts.CharacteristicUUID = def.CharacteristicUUID
	}
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = def.ScanTimeout
	}
	if opts.Backoff <= 0 {
		opts.Backoff = def.Backoff
	}
	if opts.LivenessInterval <= 0 {
		opts.LivenessInterval = def.LivenessInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Manager{
		adapter: adapter,
		handler: handler,
		opts:    opts,
		state:   Idle,
	}, nil
}

func (m *Manager) setState(to State) {
	m.mu.Lock()
	from := m.state
	m.state = to
	m.mu.Unlock()

	if from != to {
		slog.Debug("[BLE] state", "from", from, "to", to)
	}
	if m.opts.Observer != nil {
		m.opts.Observer.StateChanged(from, to)
	}
}

func (m *Manager) currentState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Run loops until ctx is cancelled, then releases any open connection and
// returns nil.
func (m *Manager) Run(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		err := m.session(ctx, attempt)
		if ctx.Err() != nil {
			slog.Info("[BLE] stopped", "state", m.currentState())
			return nil
		}

		switch {
		case errors.Is(err, ErrDeviceNotFound):
			slog.Info("[BLE] device not found, retrying", "name", m.opts.DeviceName, "backoff", m.opts.Backoff)
		case errors.Is(err, ErrLinkLost):
			slog.Warn("[BLE] disconnected, reconnecting...", "backoff", m.opts.Backoff)
		default:
			slog.Warn("[BLE] connection attempt failed", "error", err, "attempt", attempt, "backoff", m.opts.Backoff)
		}

		if !sleepCtx(ctx, m.opts.Backoff) {
			slog.Info("[BLE] stopped", "state", m.currentState())
			return nil
		}
	}
}

// session performs one scan → connect → subscribe → monitor pass. It always
// returns a non-nil error describing why the pass ended.
func (m *Manager) session(ctx context.Context, attempt int) error {
	m.setState(Scanning)

	if err := m.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	slog.Info("[BLE] scanning", "name", m.opts.DeviceName, "attempt", attempt, "timeout", m.opts.ScanTimeout)
	scanCtx, cancel := context.WithTimeout(ctx, m.opts.ScanTimeout)
	dev, err := m.adapter.FindByName(scanCtx, m.opts.DeviceName)
	cancel()
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %q", ErrDeviceNotFound, m.opts.DeviceName)
		}
		return err
	}

	slog.Info("[BLE] found device, connecting", "name", dev.Name, "address", dev.Address, "rssi", dev.RSSI)
	m.setState(Connecting)

	conn, err := m.adapter.Connect(ctx, dev)
	if err != nil {
		return fmt.Errorf("ble: connect: %w", err)
	}
	defer func() {
		if err := conn.Disconnect(); err != nil {
			slog.Debug("[BLE] disconnect", "error", err)
		}
	}()

	lost := make(chan struct{})
	var lostOnce sync.Once
	conn.OnDisconnect(func() {
		lostOnce.Do(func() { close(lost) })
	})

	char, err := conn.DiscoverCharacteristic(m.opts.ServiceUUID, m.opts.CharacteristicUUID)
	if err != nil {
		return fmt.Errorf("ble: discover characteristic: %w", err)
	}
	if err := char.Subscribe(m.deliver); err != nil {
		return fmt.Errorf("ble: subscribe: %w", err)
	}

	m.setState(Subscribed)
	slog.Info("[BLE] subscribed, waiting for data", "address", dev.Address)

	return m.monitor(ctx, conn, lost)
}

// monitor blocks while the link is up, polling liveness so a dropped link is
// noticed even when the transport never fires its disconnect callback.
func (m *Manager) monitor(ctx context.Context, conn Connection, lost <-chan struct{}) error {
	ticker := time.NewTicker(m.opts.LivenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-lost:
			m.setState(Disconnected)
			return ErrLinkLost
		case <-ticker.C:
			if !conn.IsConnected() {
				m.setState(Disconnected)
				return ErrLinkLost
			}
		}
	}
}

// deliver copies the transport buffer and hands it to the packet handler.
func (m *Manager) deliver(data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)
	m.handler.HandlePacket(packet.RawPacket{Data: buf, ArrivedAt: m.opts.Now()})
}

// sleepCtx waits for d or until ctx is done. It reports whether the full
// delay elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	select {
	case <-ctx.Done():
		timer.Stop()
		return false
	case <-timer.C:
		return true
	}
}
