// Package memchannel implements an in-process devicebridge.Device backed
// by a pair of Go channels. It has no third-party dependency and is the
// simplest possible stand-in for a real transport, for manual loopback
// use; nothing else in this module imports it.
package memchannel

import (
	"errors"
	"sync"
	"time"

	"github.com/relaymesh/devicebridge"
)

// ErrNoData is returned by Device.OnReceive when nothing is waiting.
var ErrNoData = errors.New("memchannel: no data available")

// Device is a loopback transport: frames handed to OnSendToChannelInternal
// are delivered to a connected peer Device's inbox, and OnReceive drains
// this Device's own inbox into PassNetworkPacket calls on its bridge.
type Device struct {
	mu    sync.Mutex
	delay devicebridge.UpdateDelayPolicy

	bridge    *devicebridge.DeviceBridge
	inbox     chan []byte
	peerInbox chan []byte

	// maxAccept caps how many bytes OnSendToChannelInternal reports
	// accepting per call, simulating a transport with a small maximum
	// frame size. Zero means "accept the whole frame" (what a
	// negotiation channel's transport must do).
	maxAccept int

	isChannel bool
}

// New returns a Device with the given per-call accept cap (see
// maxAccept). Pair two Devices with Connect before using them.
func New(maxAccept int, isChannel bool) *Device {
	return &Device{
		inbox:     make(chan []byte, 256),
		maxAccept: maxAccept,
		isChannel: isChannel,
		delay:     devicebridge.FixedDelay(5 * time.Millisecond),
	}
}

// Connect wires a and b so that frames sent on a arrive at b and vice
// versa.
func Connect(a, b *Device) {
	a.peerInbox = b.inbox
	b.peerInbox = a.inbox
}

func (d *Device) OnAttach(bridge *devicebridge.DeviceBridge) {
	d.mu.Lock()
	d.bridge = bridge
	d.mu.Unlock()
}

func (d *Device) OnReceive() error {
	select {
	case frame := <-d.inbox:
		d.mu.Lock()
		b := d.bridge
		d.mu.Unlock()
		if b != nil {
			b.PassNetworkPacket(frame)
		}
		return nil
	default:
		return ErrNoData
	}
}

func (d *Device) OnSendToChannelInternal(frame []byte) (int, error) {
	d.mu.Lock()
	peerInbox, accept := d.peerInbox, d.maxAccept
	d.mu.Unlock()

	if peerInbox == nil {
		return 0, errors.New("memchannel: not connected to a peer")
	}

	n := len(frame)
	if accept > 0 && n > accept {
		n = accept
	}
	peerInbox <- append([]byte(nil), frame[:n]...)
	return n, nil
}

func (d *Device) OnCommandFromConnector(cmd []byte) error { return nil }
func (d *Device) OnRunCommand(cmd []byte) ([]byte, error) { return cmd, nil }
func (d *Device) OnWhoAmI() ([]byte, error)               { return []byte("memchannel"), nil }

func (d *Device) UpdateDelay() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.delay.Next()
}

func (d *Device) SetUpdateDelay(min, max time.Duration) {
	d.mu.Lock()
	d.delay = devicebridge.RandomDelay(min, max)
	d.mu.Unlock()
}

func (d *Device) SetFixedUpdateDelay(dur time.Duration) {
	d.mu.Lock()
	d.delay = devicebridge.FixedDelay(dur)
	d.mu.Unlock()
}

func (d *Device) IsChannel() bool { return d.isChannel }
