package input

import (
	"encoding/binary"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DevIDs identifies the emulated device to the guest driver.
//
//	struct virtio_input_devids { le16 bustype, vendor, product, version; }
type DevIDs struct {
	BusType uint16 `yaml:"bustype"`
	Vendor  uint16 `yaml:"vendor"`
	Product uint16 `yaml:"product"`
	Version uint16 `yaml:"version"`
}

// Encode returns the 8-byte wire encoding of the device IDs.
func (d DevIDs) Encode() []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint16(b[0:2], d.BusType)
	binary.LittleEndian.PutUint16(b[2:4], d.Vendor)
	binary.LittleEndian.PutUint16(b[4:6], d.Product)
	binary.LittleEndian.PutUint16(b[6:8], d.Version)
	return b
}

// AbsInfo describes one absolute axis.
//
//	struct virtio_input_absinfo { le32 min, max, fuzz, flat, res; }
type AbsInfo struct {
	Min  uint32 `yaml:"min"`
	Max  uint32 `yaml:"max"`
	Fuzz uint32 `yaml:"fuzz"`
	Flat uint32 `yaml:"flat"`
	Res  uint32 `yaml:"res"`
}

// Encode returns the 20-byte wire encoding of the axis info.
func (a AbsInfo) Encode() []byte {
	b := make([]byte, 20)
	binary.LittleEndian.PutUint32(b[0:4], a.Min)
	binary.LittleEndian.PutUint32(b[4:8], a.Max)
	binary.LittleEndian.PutUint32(b[8:12], a.Fuzz)
	binary.LittleEndian.PutUint32(b[12:16], a.Flat)
	binary.LittleEndian.PutUint32(b[16:20], a.Res)
	return b
}

const (
	busVirtual      = 0x06
	virtioVendorID  = 0x1af4
	deviceVersion   = 0x0001
	productKeyboard = 0x0001
	productMouse    = 0x0002
	productTablet   = 0x0003
)

// DeviceProfile is the static capability table behind the config register.
// Lookup is a pure function of (select, subsel); nothing here changes after
// construction.
type DeviceProfile struct {
	Name       string             `yaml:"name"`
	Serial     string             `yaml:"serial"`
	IDs        DevIDs             `yaml:"ids"`
	Properties []uint16           `yaml:"properties"`
	EventCodes map[uint8][]uint16 `yaml:"events"`
	AbsAxes    map[uint8]AbsInfo  `yaml:"abs"`
}

// Lookup resolves a (select, subsel) pair to its payload bytes, truncated to
// the 128-byte payload limit. Unknown pairs return nil, which the config
// register reports to the guest as size 0 rather than an error.
func (p *DeviceProfile) Lookup(sel, subsel uint8) []byte {
	var data []byte

	switch sel {
	case VIRTIO_INPUT_CFG_ID_NAME:
		data = []byte(p.Name)

	case VIRTIO_INPUT_CFG_ID_SERIAL:
		data = []byte(p.Serial)

	case VIRTIO_INPUT_CFG_ID_DEVIDS:
		data = p.IDs.Encode()

	case VIRTIO_INPUT_CFG_PROP_BITS:
		data = CodeBitmap(p.Properties)

	case VIRTIO_INPUT_CFG_EV_BITS:
		if subsel == EV_SYN {
			// The EV_SYN bitmap doubles as the supported-type bitmap.
			types := []uint16{EV_SYN}
			for ev := range p.EventCodes {
				types = append(types, uint16(ev))
			}
			data = CodeBitmap(types)
		} else {
			data = CodeBitmap(p.EventCodes[subsel])
		}

	case VIRTIO_INPUT_CFG_ABS_INFO:
		if info, ok := p.AbsAxes[subsel]; ok {
			data = info.Encode()
		}
	}

	if len(data) > ConfigPayloadSize {
		data = data[:ConfigPayloadSize]
	}
	return data
}

// KeyboardProfile returns the built-in virtio keyboard capability table.
func KeyboardProfile() *DeviceProfile {
	return &DeviceProfile{
		Name:   "vhost-user keyboard",
		Serial: "vhost-user-input-0",
		IDs: DevIDs{
			BusType: busVirtual,
			Vendor:  virtioVendorID,
			Product: productKeyboard,
			Version: deviceVersion,
		},
		EventCodes: map[uint8][]uint16{
			EV_KEY: AllKeyboardKeys(),
			EV_REP: {},
		},
	}
}

// MouseProfile returns the built-in virtio relative-pointer capability table.
func MouseProfile() *DeviceProfile {
	return &DeviceProfile{
		Name:   "vhost-user mouse",
		Serial: "vhost-user-input-0",
		IDs: DevIDs{
			BusType: busVirtual,
			Vendor:  virtioVendorID,
			Product: productMouse,
			Version: deviceVersion,
		},
		Properties: []uint16{INPUT_PROP_POINTER},
		EventCodes: map[uint8][]uint16{
			EV_KEY: AllPointerButtons(),
			EV_REL: {REL_X, REL_Y, REL_WHEEL, REL_HWHEEL},
		},
	}
}

// TabletProfile returns the built-in virtio absolute-pointer capability table.
func TabletProfile() *DeviceProfile {
	return &DeviceProfile{
		Name:   "vhost-user tablet",
		Serial: "vhost-user-input-0",
		IDs: DevIDs{
			BusType: busVirtual,
			Vendor:  virtioVendorID,
			Product: productTablet,
			Version: deviceVersion,
		},
		Properties: []uint16{INPUT_PROP_POINTER, INPUT_PROP_DIRECT},
		EventCodes: map[uint8][]uint16{
			EV_KEY: AllTabletButtons(),
			EV_ABS: {ABS_X, ABS_Y},
		},
		AbsAxes: map[uint8]AbsInfo{
			ABS_X: {Max: TabletAxisMax},
			ABS_Y: {Max: TabletAxisMax},
		},
	}
}

// LoadProfile reads a device profile from a YAML file.
func LoadProfile(path string) (*DeviceProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("input: read profile: %w", err)
	}
	var p DeviceProfile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("input: parse profile %s: %w", path, err)
	}
	if p.Name == "" {
		return nil, fmt.Errorf("input: profile %s has no device name", path)
	}
	return &p, nil
}
