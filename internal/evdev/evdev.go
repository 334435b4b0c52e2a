//go:build linux

// Package evdev reads raw input events from Linux event device nodes and
// exposes them as the host input source for the virtio input backend.
package evdev

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/obviyus/vhost-user-input/internal/input"
)

// rawEventSize is sizeof(struct input_event) on 64-bit Linux:
// two 8-byte timeval words, type, code, value.
const rawEventSize = 24

// ioctl request constants built from the linux/input.h _IOC macros.
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNrShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return dir<<iocDirShift | size<<iocSizeShift | typ<<iocTypeShift | nr<<iocNrShift
}

func eviocgname(length uintptr) uintptr { return ioc(iocRead, 'E', 0x06, length) }
func eviocgbit(ev, length uintptr) uintptr {
	return ioc(iocRead, 'E', 0x20+ev, length)
}
func eviocgabs(axis uintptr) uintptr { return ioc(iocRead, 'E', 0x40+axis, 24) }

var (
	eviocgid   = ioc(iocRead, 'E', 0x02, 8)
	eviocgprop = ioc(iocRead, 'E', 0x09, 128)
	eviocgrab  = ioc(iocWrite, 'E', 0x90, 4)
)

// Device is an opened event device node.
type Device struct {
	f       *os.File
	name    string
	grabbed bool
}

// Open opens an evdev node such as /dev/input/event3. With grab set the
// device is grabbed exclusively so the host session stops seeing its
// events while they are forwarded to the guest.
func Open(path string, grab bool) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("evdev: open %s: %w", path, err)
	}

	d := &Device{f: f}
	if d.name, err = d.ioctlString(eviocgname(256), 256); err != nil {
		f.Close()
		return nil, fmt.Errorf("evdev: query name of %s: %w", path, err)
	}

	if grab {
		if err := d.ioctlInt(eviocgrab, 1); err != nil {
			f.Close()
			return nil, fmt.Errorf("evdev: grab %s: %w", path, err)
		}
		d.grabbed = true
	}
	return d, nil
}

// Name returns the kernel-reported device name.
func (d *Device) Name() string {
	return d.name
}

// Close releases the grab and closes the device node.
func (d *Device) Close() error {
	if d.grabbed {
		// Best effort; the grab dies with the fd anyway.
		_ = d.ioctlInt(eviocgrab, 0)
		d.grabbed = false
	}
	return d.f.Close()
}

// ReadEvent blocks until the next event arrives and returns it in wire
// form. evdev records are native-endian; this reader assumes the
// little-endian hosts this daemon targets.
func (d *Device) ReadEvent() (input.Event, error) {
	var buf [rawEventSize]byte
	if _, err := io.ReadFull(d.f, buf[:]); err != nil {
		return input.Event{}, fmt.Errorf("evdev: read %s: %w", d.name, err)
	}
	evType := binary.LittleEndian.Uint16(buf[16:18])
	code := binary.LittleEndian.Uint16(buf[18:20])
	value := int32(binary.LittleEndian.Uint32(buf[20:24]))
	return input.Translate(evType, code, value), nil
}

// Profile builds a device capability table from the kernel's view of the
// hardware, so the guest sees the same identity and event bitmaps the host
// does.
func (d *Device) Profile() (*input.DeviceProfile, error) {
	p := &input.DeviceProfile{
		Name:       d.name,
		Serial:     "vhost-user-input-0",
		EventCodes: map[uint8][]uint16{},
		AbsAxes:    map[uint8]input.AbsInfo{},
	}

	var id [4]uint16
	if err := d.ioctlBytes(eviocgid, unsafe.Pointer(&id[0])); err != nil {
		return nil, fmt.Errorf("evdev: query device ids: %w", err)
	}
	p.IDs = input.DevIDs{BusType: id[0], Vendor: id[1], Product: id[2], Version: id[3]}

	if props, err := d.ioctlBitmap(eviocgprop, input.INPUT_PROP_MAX); err == nil {
		p.Properties = props
	}

	types, err := d.ioctlBitmap(eviocgbit(0, 4), input.EV_MAX)
	if err != nil {
		return nil, fmt.Errorf("evdev: query event types: %w", err)
	}

	for _, ev := range types {
		max := codeLimit(uint8(ev))
		if max == 0 {
			continue
		}
		codes, err := d.ioctlBitmap(eviocgbit(uintptr(ev), uintptr(max/8+1)), max)
		if err != nil {
			return nil, fmt.Errorf("evdev: query codes for type 0x%x: %w", ev, err)
		}
		p.EventCodes[uint8(ev)] = codes

		if ev == input.EV_ABS {
			for _, axis := range codes {
				var abs [6]int32 // value, min, max, fuzz, flat, resolution
				if err := d.ioctlBytes(eviocgabs(uintptr(axis)), unsafe.Pointer(&abs[0])); err != nil {
					return nil, fmt.Errorf("evdev: query abs axis 0x%x: %w", axis, err)
				}
				p.AbsAxes[uint8(axis)] = input.AbsInfo{
					Min:  uint32(abs[1]),
					Max:  uint32(abs[2]),
					Fuzz: uint32(abs[3]),
					Flat: uint32(abs[4]),
					Res:  uint32(abs[5]),
				}
			}
		}
	}
	return p, nil
}

func codeLimit(ev uint8) uint16 {
	switch ev {
	case input.EV_KEY:
		return input.KEY_MAX
	case input.EV_REL:
		return input.REL_MAX
	case input.EV_ABS:
		return input.ABS_MAX
	default:
		return 0
	}
}

func (d *Device) ioctl(req uintptr, arg unsafe.Pointer) error {
	conn, err := d.f.SyscallConn()
	if err != nil {
		return err
	}
	var ioctlErr error
	err = conn.Control(func(fd uintptr) {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, uintptr(arg))
		if errno != 0 {
			ioctlErr = errno
		}
	})
	if err != nil {
		return err
	}
	return ioctlErr
}

func (d *Device) ioctlInt(req uintptr, v int) error {
	val := v
	return d.ioctl(req, unsafe.Pointer(&val))
}

func (d *Device) ioctlBytes(req uintptr, p unsafe.Pointer) error {
	return d.ioctl(req, p)
}

func (d *Device) ioctlString(req uintptr, size int) (string, error) {
	buf := make([]byte, size)
	if err := d.ioctl(req, unsafe.Pointer(&buf[0])); err != nil {
		return "", err
	}
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i]), nil
		}
	}
	return string(buf), nil
}

// ioctlBitmap reads a kernel capability bitmap and expands it into the
// list of set code numbers up to max inclusive.
func (d *Device) ioctlBitmap(req uintptr, max uint16) ([]uint16, error) {
	buf := make([]byte, int(max)/8+1)
	if err := d.ioctl(req, unsafe.Pointer(&buf[0])); err != nil {
		return nil, err
	}
	var codes []uint16
	for code := uint16(0); code <= max; code++ {
		if buf[code/8]&(1<<(code%8)) != 0 {
			codes = append(codes, code)
		}
	}
	return codes, nil
}
