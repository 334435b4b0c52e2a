package virtio

import (
	"encoding/binary"
	"fmt"
	"io"
)

// GuestMemory provides access to guest physical memory.
// This interface abstracts the memory access needed for virtio queue operations.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt
}

// Descriptor flags from the virtio split-ring layout.
const (
	virtqDescFNext     = 1
	virtqDescFWrite    = 2
	virtqDescFIndirect = 4

	virtqAvailFNoInterrupt = 1
)

// Descriptor represents a single descriptor table entry.
type Descriptor struct {
	Addr   uint64
	Length uint32
	Flags  uint16
	Next   uint16
}

// IsWrite reports whether the descriptor is device-writable.
func (d Descriptor) IsWrite() bool {
	return d.Flags&virtqDescFWrite != 0
}

// Payload represents a single buffer in a descriptor chain.
type Payload struct {
	Addr    uint64
	Length  uint32
	IsWrite bool
}

// Queue represents a virtio split-ring queue with its rings and state.
//
// The guest memory handle is passed into each accessor rather than stored
// on the queue, so a caller can snapshot the current memory table once and
// use it consistently for a whole descriptor-chain operation even if the
// canonical table is swapped concurrently.
type Queue struct {
	DescTableAddr uint64
	AvailRingAddr uint64
	UsedRingAddr  uint64
	Size          uint16
	MaxSize       uint16
	Enabled       bool
	Ready         bool

	// EventIdx tracks whether VIRTIO_RING_F_EVENT_IDX was negotiated;
	// it changes where notification suppression state lives.
	EventIdx bool

	lastAvailIdx uint16
	usedIdx      uint16
}

// NewQueue creates a queue with the given maximum size.
func NewQueue(maxSize uint16) *Queue {
	return &Queue{MaxSize: maxSize}
}

// Reset clears the queue state.
func (q *Queue) Reset() {
	q.Size = 0
	q.Ready = false
	q.Enabled = false
	q.DescTableAddr = 0
	q.AvailRingAddr = 0
	q.UsedRingAddr = 0
	q.lastAvailIdx = 0
	q.usedIdx = 0
}

// SetAddresses configures the queue ring addresses.
func (q *Queue) SetAddresses(descAddr, availAddr, usedAddr uint64) {
	q.DescTableAddr = descAddr
	q.AvailRingAddr = availAddr
	q.UsedRingAddr = usedAddr
}

// SetSize sets the queue size (number of descriptors).
func (q *Queue) SetSize(size uint16) error {
	if size > q.MaxSize {
		return fmt.Errorf("queue size %d exceeds max size %d", size, q.MaxSize)
	}
	if size == 0 {
		return fmt.Errorf("queue size cannot be zero")
	}
	q.Size = size
	return nil
}

// SetBase sets the next available index to consume, as restored by the
// transport (vhost-user SET_VRING_BASE).
func (q *Queue) SetBase(idx uint16) {
	q.lastAvailIdx = idx
	q.usedIdx = idx
}

// Base returns the next available index to consume (vhost-user GET_VRING_BASE).
func (q *Queue) Base() uint16 {
	return q.lastAvailIdx
}

// SetReady marks the queue as ready for operation.
func (q *Queue) SetReady(ready bool) {
	q.Ready = ready
}

func (q *Queue) ensureReady(mem GuestMemory) error {
	if !q.Ready || q.Size == 0 {
		return fmt.Errorf("queue not ready")
	}
	if mem == nil {
		return fmt.Errorf("guest memory accessor is nil")
	}
	return nil
}

// ReadDescriptor reads a descriptor from the descriptor table.
func (q *Queue) ReadDescriptor(mem GuestMemory, idx uint16) (Descriptor, error) {
	if err := q.ensureReady(mem); err != nil {
		return Descriptor{}, err
	}
	if idx >= q.Size {
		return Descriptor{}, fmt.Errorf("descriptor index %d out of bounds (size %d)", idx, q.Size)
	}

	var buf [16]byte
	offset := q.DescTableAddr + uint64(idx)*16
	if err := readGuestInto(mem, offset, buf[:]); err != nil {
		return Descriptor{}, err
	}

	return Descriptor{
		Addr:   binary.LittleEndian.Uint64(buf[0:8]),
		Length: binary.LittleEndian.Uint32(buf[8:12]),
		Flags:  binary.LittleEndian.Uint16(buf[12:14]),
		Next:   binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

// AvailIdx reads the current available-ring index published by the driver.
func (q *Queue) AvailIdx(mem GuestMemory) (uint16, error) {
	if err := q.ensureReady(mem); err != nil {
		return 0, err
	}
	return readGuestUint16(mem, q.AvailRingAddr+2)
}

// PopAvailable reads the next available descriptor head from the available
// ring. Returns the head index and whether a buffer was available.
func (q *Queue) PopAvailable(mem GuestMemory) (head uint16, ok bool, err error) {
	if err := q.ensureReady(mem); err != nil {
		return 0, false, err
	}

	availIdx, err := readGuestUint16(mem, q.AvailRingAddr+2)
	if err != nil {
		return 0, false, err
	}
	if q.lastAvailIdx == availIdx {
		return 0, false, nil
	}

	ringIndex := q.lastAvailIdx % q.Size
	head, err = readGuestUint16(mem, q.AvailRingAddr+4+uint64(ringIndex)*2)
	if err != nil {
		return 0, false, err
	}
	q.lastAvailIdx++

	if q.EventIdx {
		// Publish avail_event so the driver keeps kicking us for new work.
		if err := writeGuestUint16(mem, q.UsedRingAddr+4+uint64(q.Size)*8, q.lastAvailIdx); err != nil {
			return 0, false, err
		}
	}

	return head, true, nil
}

// ReadChain reads a complete descriptor chain starting from head.
// The walk is bounded by the queue size to defend against circular chains.
func (q *Queue) ReadChain(mem GuestMemory, head uint16) ([]Payload, error) {
	if err := q.ensureReady(mem); err != nil {
		return nil, err
	}

	var payloads []Payload
	index := head
	for i := uint16(0); i < q.Size; i++ {
		desc, err := q.ReadDescriptor(mem, index)
		if err != nil {
			return payloads, err
		}
		payloads = append(payloads, Payload{
			Addr:    desc.Addr,
			Length:  desc.Length,
			IsWrite: desc.IsWrite(),
		})
		if desc.Flags&virtqDescFNext == 0 {
			break
		}
		index = desc.Next
	}
	return payloads, nil
}

// UsedElement is one pending used-ring entry.
type UsedElement struct {
	Head   uint16
	Length uint32
}

// PublishUsed writes a batch of used elements and then publishes the new
// used index with a single update, preserving consumption order.
func (q *Queue) PublishUsed(mem GuestMemory, elems []UsedElement) error {
	if err := q.ensureReady(mem); err != nil {
		return err
	}
	if len(elems) == 0 {
		return nil
	}

	idx := q.usedIdx
	for _, e := range elems {
		base := q.UsedRingAddr + 4 + uint64(idx%q.Size)*8
		if err := writeGuestUint32(mem, base, uint32(e.Head)); err != nil {
			return err
		}
		if err := writeGuestUint32(mem, base+4, e.Length); err != nil {
			return err
		}
		idx++
	}

	q.usedIdx = idx
	return writeGuestUint16(mem, q.UsedRingAddr+2, q.usedIdx)
}

// NeedsNotification reports whether the driver wants a notification after
// used entries covering oldUsed..q.usedIdx were published.
//
// With EVENT_IDX negotiated this implements the vring_need_event comparison
// against the used_event word at the end of the available ring. Without it,
// the VIRTQ_AVAIL_F_NO_INTERRUPT flag is honored.
func (q *Queue) NeedsNotification(mem GuestMemory, oldUsed uint16) (bool, error) {
	if err := q.ensureReady(mem); err != nil {
		return false, err
	}

	if !q.EventIdx {
		flags, err := readGuestUint16(mem, q.AvailRingAddr)
		if err != nil {
			return false, err
		}
		return flags&virtqAvailFNoInterrupt == 0, nil
	}

	usedEvent, err := readGuestUint16(mem, q.AvailRingAddr+4+uint64(q.Size)*2)
	if err != nil {
		return false, err
	}
	return vringNeedEvent(usedEvent, q.usedIdx, oldUsed), nil
}

// vringNeedEvent matches the comparison from the virtio specification:
// notify if the event index falls within (old, new] in modular arithmetic.
func vringNeedEvent(eventIdx, newIdx, oldIdx uint16) bool {
	return newIdx-eventIdx-1 < newIdx-oldIdx
}

// UsedIdx returns the device-side used index.
func (q *Queue) UsedIdx() uint16 {
	return q.usedIdx
}

// Guest memory access helpers.

func readGuestInto(mem GuestMemory, addr uint64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	n, err := mem.ReadAt(buf, int64(addr))
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("virtio: short guest memory read (want %d, got %d)", len(buf), n)
	}
	return nil
}

// WriteGuest writes data to guest memory at the given physical address.
func WriteGuest(mem GuestMemory, addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	n, err := mem.WriteAt(data, int64(addr))
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("virtio: short guest memory write (want %d, got %d)", len(data), n)
	}
	return nil
}

// ReadGuest reads length bytes from guest memory at the given physical address.
func ReadGuest(mem GuestMemory, addr uint64, length uint32) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	buf := make([]byte, length)
	if err := readGuestInto(mem, addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readGuestUint16(mem GuestMemory, addr uint64) (uint16, error) {
	var buf [2]byte
	if err := readGuestInto(mem, addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func writeGuestUint16(mem GuestMemory, addr uint64, value uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], value)
	return WriteGuest(mem, addr, buf[:])
}

func writeGuestUint32(mem GuestMemory, addr uint64, value uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	return WriteGuest(mem, addr, buf[:])
}
