// Package devicebridge implements the adapter that sits between a
// polymorphic transport (a Device) and a mesh's routing fabric (a Relay).
// It owns the per-device receive worker, serializes writes into the
// device, and implements the chunked framing protocol that lets logical
// packets of arbitrary size traverse transports with small, irregular
// per-frame capacity.
package devicebridge

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// DeviceBridge binds one Device to one Relay. did, typeNameHash,
// isNegotiationChannel, and isSlave are immutable post-construction, at
// most one worker drives receive, at most one writer at a time reaches
// the device, and every outbound logical packet on a non-negotiation
// channel gets a unique, monotonically increasing message id.
type DeviceBridge struct {
	did          DeviceId
	typeNameHash uint64

	device Device
	relay  Relay

	isNegotiationChannel bool
	isSlave              bool

	inputID, outputID      []byte
	nonNegotiatedArguments []byte

	qos     *QoS
	metrics Metrics

	minFrameSize int

	isAlive  atomic.Bool
	writeMu  sync.Mutex
	errMu    sync.RWMutex
	lastErr  string
}

// NewDeviceBridge constructs a bridge for did over device, backed by
// relay. If isNegotiationChannel, args must open with two length-prefixed
// byte vectors (input_id, output_id); the remainder is retained verbatim
// as non-negotiated arguments for the device-specific handshake. For a
// non-negotiation channel, args is ignored.
//
// The bridge is alive immediately; call OnAttach once, then
// StartUpdatingInSeparateThread to begin the receive loop.
func NewDeviceBridge(did DeviceId, device Device, relay Relay, isNegotiationChannel, isSlave bool, args []byte, opts ...Option) (*DeviceBridge, error) {
	cfg := applyOptions(opts)

	b := &DeviceBridge{
		did:                  did,
		typeNameHash:         typeNameHash(device),
		device:               device,
		relay:                relay,
		isNegotiationChannel: isNegotiationChannel,
		isSlave:              isSlave,
		qos:                  NewQoS(),
		metrics:              cfg.metrics,
		minFrameSize:         cfg.minFrameSize,
	}
	b.isAlive.Store(true)

	if isNegotiationChannel {
		r := NewReader(args)
		inputID, err := r.ReadBytes()
		if err != nil {
			return nil, fmt.Errorf("%w: input_id: %v", ErrDecodeFailure, err)
		}
		outputID, err := r.ReadBytes()
		if err != nil {
			return nil, fmt.Errorf("%w: output_id: %v", ErrDecodeFailure, err)
		}
		b.inputID = append([]byte(nil), inputID...)
		b.outputID = append([]byte(nil), outputID...)
		b.nonNegotiatedArguments = append([]byte(nil), r.Remaining()...)
	}

	device.SetUpdateDelay(cfg.delay.min, cfg.delay.max)

	return b, nil
}

// DeviceId returns the bridge's locally unique device identifier.
func (b *DeviceBridge) DeviceId() DeviceId { return b.did }

// TypeNameHash returns the stable hash of the device's concrete type name.
func (b *DeviceBridge) TypeNameHash() uint64 { return b.typeNameHash }

// IsNegotiationChannel reports whether this bridge was constructed as a
// negotiation channel.
func (b *DeviceBridge) IsNegotiationChannel() bool { return b.isNegotiationChannel }

// IsSlave reports whether this bridge is the accepting side of a
// negotiation channel.
func (b *DeviceBridge) IsSlave() bool { return b.isSlave }

// NegotiationIDs returns the (input_id, output_id) pair parsed from the
// constructor arguments. It returns ErrNotNegotiationChannel if this
// bridge is not a negotiation channel.
func (b *DeviceBridge) NegotiationIDs() (inputID, outputID []byte, err error) {
	if !b.isNegotiationChannel {
		return nil, nil, ErrNotNegotiationChannel
	}
	return b.inputID, b.outputID, nil
}

// NonNegotiatedArguments returns the argument bytes left over after
// parsing (input_id, output_id), for the device-specific handshake.
func (b *DeviceBridge) NonNegotiatedArguments() ([]byte, error) {
	if !b.isNegotiationChannel {
		return nil, ErrNotNegotiationChannel
	}
	return b.nonNegotiatedArguments, nil
}

// IsAlive reports whether the bridge has not yet been Detached.
func (b *DeviceBridge) IsAlive() bool { return b.isAlive.Load() }

// OnAttach hands the device a back-reference to this bridge so it can
// later call PassNetworkPacket and PostCommandToConnector. Called once,
// immediately after construction.
func (b *DeviceBridge) OnAttach() {
	b.device.OnAttach(b)
}

// Send transmits packet, framing it into chunks as needed. Called
// concurrently by any number of senders; serialized internally by the
// write mutex.
func (b *DeviceBridge) Send(packet []byte) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	if !b.isAlive.Load() {
		return ErrDetached
	}

	if b.isNegotiationChannel {
		sent, err := b.device.OnSendToChannelInternal(packet)
		if b.metrics != nil {
			b.metrics.IncrementSends()
		}
		if err != nil {
			return err
		}
		if b.metrics != nil {
			b.metrics.IncrementBytesSent(int64(sent))
		}
		if sent != len(packet) {
			return &NegotiationChunkingViolationError{Expected: len(packet), Actual: sent}
		}
		return nil
	}

	messageID := b.qos.NextOutgoingID()
	originalSize := uint32(len(packet))
	chunkID := uint32(0)
	remaining := packet

	for len(remaining) > 0 {
		frame := encodeChunk(chunkHeader{MessageID: messageID, ChunkID: chunkID, OriginalSize: originalSize}, remaining)

		sent, err := b.device.OnSendToChannelInternal(frame)
		if b.metrics != nil {
			b.metrics.IncrementSends()
		}
		if err != nil {
			return err
		}
		if b.metrics != nil {
			b.metrics.IncrementBytesSent(int64(sent))
		}

		if sent >= b.minFrameSize || sent == len(frame) {
			chunkID++
			advance := sent - HeaderSize
			if advance < 0 {
				advance = 0
			}
			if advance > len(remaining) {
				advance = len(remaining)
			}
			remaining = remaining[advance:]
			continue
		}
		// Transport signaled "too small, resend": retry this chunk with
		// an identical header, no cursor advancement.
	}
	return nil
}

// PassNetworkPacket is invoked by the Device when a frame arrives, on
// whatever goroutine the transport delivers it on (the worker or a
// transport-internal goroutine). It is not mutex-protected; QoS handles
// concurrent pushes itself.
func (b *DeviceBridge) PassNetworkPacket(frame []byte) {
	if b.isNegotiationChannel {
		if h, _, err := decodeChunkHeader(frame); err == nil && (h.ChunkID != 0 || h.OriginalSize+HeaderSize != uint32(len(frame))) {
			violation := &NegotiationReceiveViolationError{ChunkID: h.ChunkID, OriginalSize: h.OriginalSize, FrameLen: len(frame)}
			b.setError(violation)
			b.relay.Log(violation.Error(), b.did)
		}
		b.relay.OnPacketReceived(frame, b)
		if b.metrics != nil {
			b.metrics.IncrementReceives()
			b.metrics.IncrementBytesReceived(int64(len(frame)))
		}
		return
	}

	if err := b.qos.PushReceivedChunk(frame); err != nil {
		b.setError(err)
		b.relay.Log(err.Error(), b.did)
		return
	}
	if b.metrics != nil {
		b.metrics.IncrementBytesReceived(int64(len(frame)))
	}

	if next := b.qos.GetNextPacket(); next != nil {
		if b.metrics != nil {
			b.metrics.IncrementReceives()
		}
		b.relay.OnPacketReceived(next, b)
	}
}

// PostCommandToConnector forwards cmd to the relay's connector.
func (b *DeviceBridge) PostCommandToConnector(cmd []byte) {
	b.relay.PostCommandToConnector(cmd, b)
}

// OnCommandFromConnector delivers cmd to the device, serialized against
// other writers.
func (b *DeviceBridge) OnCommandFromConnector(cmd []byte) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return b.device.OnCommandFromConnector(cmd)
}

// RunCommand is a synchronous request/response into the device.
func (b *DeviceBridge) RunCommand(cmd []byte) ([]byte, error) {
	return b.device.OnRunCommand(cmd)
}

// WhoAreYou forwards an identity probe to the device.
func (b *DeviceBridge) WhoAreYou() ([]byte, error) {
	return b.device.OnWhoAmI()
}

// StartUpdatingInSeparateThread launches the receive worker. The worker
// retains a strong reference to b (via the method value closed over in
// the spawned goroutine), keeping the bridge alive for as long as it
// runs; it exits on its own once Detach flips isAlive, dropping that
// reference.
func (b *DeviceBridge) StartUpdatingInSeparateThread() {
	go b.updateLoop()
}

func (b *DeviceBridge) updateLoop() {
	for b.isAlive.Load() {
		time.Sleep(b.device.UpdateDelay())
		if !b.isAlive.Load() {
			return
		}
		if !b.tick() {
			return
		}
	}
}

// tick runs one OnReceive call under a recover barrier. It returns false
// if the worker should exit (an unknown fault was caught), true
// otherwise (including the case of an ordinary returned error, which is
// logged and absorbed).
func (b *DeviceBridge) tick() (ok bool) {
	ok = true
	defer func() {
		if r := recover(); r != nil {
			fault := &UnknownFaultError{Recovered: r}
			b.setError(fault)
			b.relay.Log(fault.Error(), b.did)
			ok = false
		}
	}()

	if err := b.device.OnReceive(); err != nil {
		b.setError(err)
		b.relay.Log(err.Error(), b.did)
	}
	return
}

// Detach stops the receive worker. It is idempotent: calling it any
// number of times has the same effect as calling it once, and the worker
// exits at most once.
func (b *DeviceBridge) Detach() {
	b.isAlive.Store(false)
}

// Close asks the relay to detach this bridge by DeviceId. The relay is
// expected to call Detach on this bridge in turn.
func (b *DeviceBridge) Close() {
	b.relay.DetachDevice(b.did)
}

// SetErrorStatus records message as the bridge's last human-readable
// error, for out-of-band inspection.
func (b *DeviceBridge) SetErrorStatus(message string) {
	b.errMu.Lock()
	b.lastErr = message
	b.errMu.Unlock()
}

// GetErrorStatus returns the bridge's last recorded error message, or ""
// if none has been set.
func (b *DeviceBridge) GetErrorStatus() string {
	b.errMu.RLock()
	defer b.errMu.RUnlock()
	return b.lastErr
}

func (b *DeviceBridge) setError(err error) {
	b.SetErrorStatus(err.Error())
}
