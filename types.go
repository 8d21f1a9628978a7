package devicebridge

import (
	"hash/fnv"
	"reflect"

	"github.com/google/uuid"
)

// DeviceId is the locally unique identifier a Relay assigns a bridge at
// registration. It is immutable for the bridge's lifetime.
type DeviceId uuid.UUID

// NewDeviceId generates a fresh random DeviceId.
func NewDeviceId() DeviceId {
	return DeviceId(uuid.New())
}

func (d DeviceId) String() string {
	return uuid.UUID(d).String()
}

// typeNameHash computes a stable FNV-1a hash of a Device's concrete type
// name. The Relay uses this to select compatible peers; the standard
// library's hash/fnv is sufficient here — no pack library offers a
// type-name-hashing primitive, and FNV-1a is the conventional choice for
// short, non-adversarial keys like a Go type name.
func typeNameHash(device Device) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(reflect.TypeOf(device).String()))
	return h.Sum64()
}
