package vhostuser

import (
	"github.com/obviyus/vhost-user-input/internal/virtio"
)

// Notification identifies the kind of signal the transport delivers to a
// queue. Only buffer-available kicks are meaningful for this device; other
// kinds are surfaced to the caller as errors by the device.
type Notification int

const (
	// NotifyBufferAvailable is a queue kick: the driver published new
	// descriptor chains on the available ring.
	NotifyBufferAvailable Notification = iota
	// NotifyDeviceError is delivered when the vring error fd fires.
	NotifyDeviceError
)

// Device is the contract a vhost-user backend implements for the transport.
// It mirrors the slave side of the protocol: queue geometry and feature
// negotiation, memory map updates, kick dispatch, and config space access.
type Device interface {
	// NumQueues returns the fixed number of virtqueues.
	NumQueues() int

	// QueueDepth returns the maximum queue size reported to the master.
	QueueDepth() int

	// OfferedFeatures returns the virtio feature bits the device
	// advertises. Only implemented behavior may be offered.
	OfferedFeatures() uint64

	// AckFeatures stores the feature subset the driver accepted. Later
	// behavior is gated on these bits, never on what was merely offered.
	AckFeatures(features uint64)

	// OfferedProtocolFeatures returns the vhost-user protocol feature bits.
	OfferedProtocolFeatures() uint64

	// SetEventIdx toggles event-index notification suppression on every
	// queue, atomically with respect to concurrent kicks.
	SetEventIdx(enabled bool)

	// UpdateMemory replaces the guest memory handle. Workers observe the
	// new handle on their next descriptor access; a single descriptor
	// chain operation never mixes handles.
	UpdateMemory(mem virtio.GuestMemory)

	// ConfigureQueue runs fn with exclusive access to the indexed queue,
	// serialized against that queue's dispatch path.
	ConfigureQueue(index int, fn func(q *virtio.Queue) error) error

	// Dispatch routes a kick to the indexed queue. The returned notify
	// flag reports whether used buffers were published and the guest
	// wants a notification; false means "no new work, do not re-notify".
	Dispatch(index int, kind Notification) (notify bool, err error)

	// ReadConfig and WriteConfig access the device config space.
	ReadConfig(offset, length uint32) ([]byte, error)
	WriteConfig(offset uint32, data []byte) error

	// QueueAssignments reports which worker context owns which queues,
	// one bitmask per worker, used to route kicks.
	QueueAssignments() []uint64
}
