package input

import (
	"errors"
	"sync"
)

// Virtio input config select values
const (
	VIRTIO_INPUT_CFG_UNSET     = 0x00
	VIRTIO_INPUT_CFG_ID_NAME   = 0x01
	VIRTIO_INPUT_CFG_ID_SERIAL = 0x02
	VIRTIO_INPUT_CFG_ID_DEVIDS = 0x03
	VIRTIO_INPUT_CFG_PROP_BITS = 0x10
	VIRTIO_INPUT_CFG_EV_BITS   = 0x11
	VIRTIO_INPUT_CFG_ABS_INFO  = 0x12
)

// Config space wire layout, packed, no padding:
//
//	offset 0: select   (1 byte)
//	offset 1: subsel   (1 byte)
//	offset 2: size     (1 byte)
//	offset 3..131: payload (128 bytes, interpretation keyed by select)
const (
	ConfigPayloadSize = 128
	ConfigSize        = 3 + ConfigPayloadSize

	configOffSelect = 0
	configOffSubsel = 1
	configOffSize   = 2
	configOffData   = 3
)

// ErrOutOfRange reports a config space access beyond the laid-out region.
var ErrOutOfRange = errors.New("input: config access out of range")

// Config is the guest-visible configuration register block. The guest
// writes a (select, subsel) cursor and reads back the size and payload the
// capability table resolves for that pair.
//
// Config reads and writes can arrive interleaved with queue kicks, so all
// access goes through the register's own lock.
type Config struct {
	profile *DeviceProfile

	mu      sync.Mutex
	sel     uint8
	subsel  uint8
	size    uint8
	payload [ConfigPayloadSize]byte
}

// NewConfig creates the config register for a device profile. The register
// starts with the select cursor unset and an empty payload.
func NewConfig(profile *DeviceProfile) *Config {
	return &Config{profile: profile}
}

// Read returns length bytes starting at offset from the logical layout
// [select][subsel][size][payload:size]. Reads beyond the region the current
// size declares fail with ErrOutOfRange.
func (c *Config) Read(offset, length uint32) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	limit := uint32(configOffData) + uint32(c.size)
	if offset+length > limit || offset > offset+length {
		return nil, ErrOutOfRange
	}

	out := make([]byte, length)
	for i := range out {
		switch pos := offset + uint32(i); pos {
		case configOffSelect:
			out[i] = c.sel
		case configOffSubsel:
			out[i] = c.subsel
		case configOffSize:
			out[i] = c.size
		default:
			out[i] = c.payload[pos-configOffData]
		}
	}
	return out, nil
}

// Write applies a guest config write. Only the select and subsel bytes are
// driver-writable; size and payload are recomputed from the capability
// table whenever the cursor changes. Writes past the declared layout fail
// with ErrOutOfRange without partially applying.
func (c *Config) Write(offset uint32, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	end := offset + uint32(len(data))
	if end > ConfigSize || end < offset {
		return ErrOutOfRange
	}

	cursorMoved := false
	for i, b := range data {
		switch pos := offset + uint32(i); pos {
		case configOffSelect:
			c.sel = b
			cursorMoved = true
		case configOffSubsel:
			c.subsel = b
			cursorMoved = true
		default:
			// size and payload are read-only from the guest side
		}
	}

	if cursorMoved {
		c.refresh()
	}
	return nil
}

// refresh recomputes size and payload for the current cursor. Unknown pairs
// resolve to size 0 and an all-zero payload, the driver-observable
// "unsupported" signal. Caller holds c.mu.
func (c *Config) refresh() {
	data := c.profile.Lookup(c.sel, c.subsel)
	c.payload = [ConfigPayloadSize]byte{}
	copy(c.payload[:], data)
	c.size = uint8(len(data))
}

// Select returns the current (select, subsel) cursor.
func (c *Config) Select() (sel, subsel uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sel, c.subsel
}

// PayloadSize returns the valid byte count for the current cursor.
func (c *Config) PayloadSize() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}
