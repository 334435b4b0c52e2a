package vhostuser

import (
	"encoding/binary"
	"fmt"
)

// Virtio feature bits relevant to this device.
const (
	VirtioRingFEventIdx        = uint64(1) << 29
	VhostUserFProtocolFeatures = uint64(1) << 30
	VirtioFVersion1            = uint64(1) << 32
)

// Vhost-user protocol feature bits.
const (
	ProtocolFeatureMQ       = uint64(1) << 0
	ProtocolFeatureLogShmfd = uint64(1) << 1
	ProtocolFeatureReplyAck = uint64(1) << 3
	ProtocolFeatureConfig   = uint64(1) << 9
)

// Vhost-user message requests (master to slave).
const (
	reqNone                = 0
	reqGetFeatures         = 1
	reqSetFeatures         = 2
	reqSetOwner            = 3
	reqResetOwner          = 4
	reqSetMemTable         = 5
	reqSetVringNum         = 8
	reqSetVringAddr        = 9
	reqSetVringBase        = 10
	reqGetVringBase        = 11
	reqSetVringKick        = 12
	reqSetVringCall        = 13
	reqSetVringErr         = 14
	reqGetProtocolFeatures = 15
	reqSetProtocolFeatures = 16
	reqGetQueueNum         = 17
	reqSetVringEnable      = 18
	reqGetConfig           = 24
	reqSetConfig           = 25
)

var requestNames = map[uint32]string{
	reqGetFeatures:         "GET_FEATURES",
	reqSetFeatures:         "SET_FEATURES",
	reqSetOwner:            "SET_OWNER",
	reqResetOwner:          "RESET_OWNER",
	reqSetMemTable:         "SET_MEM_TABLE",
	reqSetVringNum:         "SET_VRING_NUM",
	reqSetVringAddr:        "SET_VRING_ADDR",
	reqSetVringBase:        "SET_VRING_BASE",
	reqGetVringBase:        "GET_VRING_BASE",
	reqSetVringKick:        "SET_VRING_KICK",
	reqSetVringCall:        "SET_VRING_CALL",
	reqSetVringErr:         "SET_VRING_ERR",
	reqGetProtocolFeatures: "GET_PROTOCOL_FEATURES",
	reqSetProtocolFeatures: "SET_PROTOCOL_FEATURES",
	reqGetQueueNum:         "GET_QUEUE_NUM",
	reqSetVringEnable:      "SET_VRING_ENABLE",
	reqGetConfig:           "GET_CONFIG",
	reqSetConfig:           "SET_CONFIG",
}

func requestName(req uint32) string {
	if name, ok := requestNames[req]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", req)
}

// Message header flags.
const (
	flagVersion1 = 0x1
	flagReply    = 0x4
)

// headerSize is the fixed vhost-user message header: request u32, flags u32,
// payload size u32.
const headerSize = 12

// maxPayloadSize bounds a single message payload. The largest legitimate
// message is a SET_MEM_TABLE with a few dozen regions, far below this.
const maxPayloadSize = 4096

// configMaxSize bounds the size field of GET_CONFIG/SET_CONFIG requests,
// matching the masters' own config space cap.
const configMaxSize = 256

// The file descriptor index sentinel used by SET_VRING_KICK/CALL/ERR when no
// fd accompanies the message.
const vringNoFDMask = 0x100

// header is the wire header preceding every vhost-user message.
type header struct {
	Request uint32
	Flags   uint32
	Size    uint32
}

func (h header) encode() []byte {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Request)
	binary.LittleEndian.PutUint32(buf[4:8], h.Flags)
	binary.LittleEndian.PutUint32(buf[8:12], h.Size)
	return buf
}

func decodeHeader(buf []byte) (header, error) {
	if len(buf) < headerSize {
		return header{}, fmt.Errorf("vhostuser: short header (%d bytes)", len(buf))
	}
	return header{
		Request: binary.LittleEndian.Uint32(buf[0:4]),
		Flags:   binary.LittleEndian.Uint32(buf[4:8]),
		Size:    binary.LittleEndian.Uint32(buf[8:12]),
	}, nil
}

// memoryRegion is one entry of the SET_MEM_TABLE payload.
type memoryRegion struct {
	GuestPhysAddr uint64
	Size          uint64
	UserAddr      uint64
	MmapOffset    uint64
}

const memoryRegionSize = 32

func decodeMemoryRegion(buf []byte) memoryRegion {
	return memoryRegion{
		GuestPhysAddr: binary.LittleEndian.Uint64(buf[0:8]),
		Size:          binary.LittleEndian.Uint64(buf[8:16]),
		UserAddr:      binary.LittleEndian.Uint64(buf[16:24]),
		MmapOffset:    binary.LittleEndian.Uint64(buf[24:32]),
	}
}

// vringAddr is the SET_VRING_ADDR payload.
type vringAddr struct {
	Index     uint32
	Flags     uint32
	DescUser  uint64
	UsedUser  uint64
	AvailUser uint64
	LogGuest  uint64
}

func decodeVringAddr(buf []byte) (vringAddr, error) {
	if len(buf) < 40 {
		return vringAddr{}, fmt.Errorf("vhostuser: short vring addr payload (%d bytes)", len(buf))
	}
	return vringAddr{
		Index:     binary.LittleEndian.Uint32(buf[0:4]),
		Flags:     binary.LittleEndian.Uint32(buf[4:8]),
		DescUser:  binary.LittleEndian.Uint64(buf[8:16]),
		UsedUser:  binary.LittleEndian.Uint64(buf[16:24]),
		AvailUser: binary.LittleEndian.Uint64(buf[24:32]),
		LogGuest:  binary.LittleEndian.Uint64(buf[32:40]),
	}, nil
}

// vringState is the payload for SET_VRING_NUM/BASE/ENABLE and the
// GET_VRING_BASE reply: an index plus one u32 of state.
type vringState struct {
	Index uint32
	Num   uint32
}

func decodeVringState(buf []byte) (vringState, error) {
	if len(buf) < 8 {
		return vringState{}, fmt.Errorf("vhostuser: short vring state payload (%d bytes)", len(buf))
	}
	return vringState{
		Index: binary.LittleEndian.Uint32(buf[0:4]),
		Num:   binary.LittleEndian.Uint32(buf[4:8]),
	}, nil
}

func (s vringState) encode() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], s.Index)
	binary.LittleEndian.PutUint32(buf[4:8], s.Num)
	return buf
}

// configSpace is the GET_CONFIG/SET_CONFIG payload prefix: offset, size,
// flags, followed by the config bytes themselves.
const configHeaderSize = 12

func decodeConfigHeader(buf []byte) (offset, size, flags uint32, err error) {
	if len(buf) < configHeaderSize {
		return 0, 0, 0, fmt.Errorf("vhostuser: short config payload (%d bytes)", len(buf))
	}
	return binary.LittleEndian.Uint32(buf[0:4]),
		binary.LittleEndian.Uint32(buf[4:8]),
		binary.LittleEndian.Uint32(buf[8:12]),
		nil
}
