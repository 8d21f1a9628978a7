package devicebridge

import "time"

// Device is the polymorphic transport collaborator: a channel, peripheral,
// or local connector that exchanges opaque byte payloads with a peer
// somewhere in the mesh. DeviceBridge is the sole driver of
// OnSendToChannelInternal and the sole caller of OnReceive.
type Device interface {
	// OnAttach delivers a back-reference to the owning bridge, one-shot,
	// immediately after construction.
	OnAttach(bridge *DeviceBridge)

	// OnReceive drives inbound I/O for one worker tick. It may return an
	// error (logged, worker continues) or panic (logged as an unknown
	// fault, worker exits).
	OnReceive() error

	// OnSendToChannelInternal attempts to transmit frame and returns how
	// many bytes were actually accepted, <= len(frame). The transport
	// decides how much of a proposed frame it moves; the bridge treats
	// that as ground truth for cursor advancement.
	OnSendToChannelInternal(frame []byte) (int, error)

	// OnCommandFromConnector delivers a command from the local connector
	// to the device, under the bridge's write mutex.
	OnCommandFromConnector(cmd []byte) error
	// OnRunCommand is a synchronous request/response into the device.
	OnRunCommand(cmd []byte) ([]byte, error)
	// OnWhoAmI is an identity probe forwarded to the device.
	OnWhoAmI() ([]byte, error)

	// UpdateDelay returns how long the worker should sleep before the
	// next OnReceive call.
	UpdateDelay() time.Duration
	// SetUpdateDelay installs a randomized-range delay policy.
	SetUpdateDelay(min, max time.Duration)
	// SetFixedUpdateDelay installs a fixed delay policy.
	SetFixedUpdateDelay(d time.Duration)

	// IsChannel reports whether this device is a channel endpoint (as
	// opposed to a peripheral or local connector).
	IsChannel() bool
}

// Relay is the mesh-routing fabric collaborator. Many bridges share one
// Relay; a bridge never owns or outlives it.
type Relay interface {
	// OnPacketReceived delivers one fully reassembled logical packet
	// (or, on a negotiation channel's unchunked fast path, one raw
	// frame) from bridge to the routing fabric.
	OnPacketReceived(packet []byte, bridge *DeviceBridge)
	// PostCommandToConnector forwards a command from bridge to the
	// local connector side of the relay.
	PostCommandToConnector(cmd []byte, bridge *DeviceBridge)
	// DetachDevice asks the relay to remove the bridge identified by did
	// from its registry. The relay is expected to call Detach in turn.
	DetachDevice(did DeviceId)
	// Log records a message attributed to the device identified by did.
	Log(message string, did DeviceId)
}
