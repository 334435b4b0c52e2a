package input

import "encoding/binary"

// EventSize is the wire size of a virtio input event record.
const EventSize = 8

// Event is the wire-format input event written into guest event buffers.
//
//	struct virtio_input_event {
//	    le16 type;
//	    le16 code;
//	    le32 value;
//	}
type Event struct {
	Type  uint16
	Code  uint16
	Value uint32
}

// Encode appends the 8-byte little-endian wire encoding of the event.
func (e Event) Encode(buf []byte) []byte {
	var b [EventSize]byte
	binary.LittleEndian.PutUint16(b[0:2], e.Type)
	binary.LittleEndian.PutUint16(b[2:4], e.Code)
	binary.LittleEndian.PutUint32(b[4:8], e.Value)
	return append(buf, b[:]...)
}

// DecodeEvent parses an 8-byte wire event record.
func DecodeEvent(b []byte) Event {
	return Event{
		Type:  binary.LittleEndian.Uint16(b[0:2]),
		Code:  binary.LittleEndian.Uint16(b[2:4]),
		Value: binary.LittleEndian.Uint32(b[4:8]),
	}
}

// Translate converts a host evdev event into the wire record. Type and code
// are already in wire form; the signed evdev value is carried through as its
// two's-complement bit pattern. Absolute values outside the advertised
// ABS_INFO range are passed through unmodified: clamping is the guest
// driver's job, not the device's.
func Translate(evType uint16, code uint16, value int32) Event {
	return Event{
		Type:  evType,
		Code:  code,
		Value: uint32(value),
	}
}

// SynReport returns the SYN_REPORT event that terminates an event batch.
func SynReport() Event {
	return Event{Type: EV_SYN, Code: SYN_REPORT}
}
