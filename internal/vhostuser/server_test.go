//go:build linux

package vhostuser

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/obviyus/vhost-user-input/internal/virtio"
)

// fakeDevice records the transport's calls and exposes real queues so the
// vring message handlers have state to mutate. Queue access is serialized
// on its own lock, mirroring the per-queue locking a real backend uses.
type fakeDevice struct {
	mu       sync.Mutex
	acked    uint64
	eventIdx bool
	mem      virtio.GuestMemory
	config   []byte

	qmu    sync.Mutex
	queues []*virtio.Queue

	dispatched chan int
}

func newFakeDevice(numQueues int) *fakeDevice {
	d := &fakeDevice{
		config:     []byte{0x10, 0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17},
		dispatched: make(chan int, 16),
	}
	for i := 0; i < numQueues; i++ {
		d.queues = append(d.queues, virtio.NewQueue(256))
	}
	return d
}

func (d *fakeDevice) NumQueues() int  { return len(d.queues) }
func (d *fakeDevice) QueueDepth() int { return 256 }

func (d *fakeDevice) OfferedFeatures() uint64 {
	return VirtioFVersion1 | VirtioRingFEventIdx | VhostUserFProtocolFeatures
}

func (d *fakeDevice) AckFeatures(features uint64) {
	d.mu.Lock()
	d.acked = features
	d.mu.Unlock()
}

func (d *fakeDevice) OfferedProtocolFeatures() uint64 {
	return ProtocolFeatureMQ | ProtocolFeatureConfig
}

func (d *fakeDevice) SetEventIdx(enabled bool) {
	d.mu.Lock()
	d.eventIdx = enabled
	d.mu.Unlock()
}

func (d *fakeDevice) UpdateMemory(mem virtio.GuestMemory) {
	d.mu.Lock()
	d.mem = mem
	d.mu.Unlock()
}

func (d *fakeDevice) ConfigureQueue(index int, fn func(q *virtio.Queue) error) error {
	if index < 0 || index >= len(d.queues) {
		return fmt.Errorf("queue %d out of range", index)
	}
	d.qmu.Lock()
	defer d.qmu.Unlock()
	return fn(d.queues[index])
}

func (d *fakeDevice) Dispatch(index int, kind Notification) (bool, error) {
	if kind != NotifyBufferAvailable {
		return false, fmt.Errorf("unexpected notification kind %d", kind)
	}
	d.dispatched <- index
	return true, nil
}

func (d *fakeDevice) ReadConfig(offset, length uint32) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if int(offset)+int(length) > len(d.config) {
		return nil, fmt.Errorf("config read out of range")
	}
	out := make([]byte, length)
	copy(out, d.config[offset:])
	return out, nil
}

func (d *fakeDevice) WriteConfig(offset uint32, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if int(offset)+len(data) > len(d.config) {
		return fmt.Errorf("config write out of range")
	}
	copy(d.config[offset:], data)
	return nil
}

func (d *fakeDevice) QueueAssignments() []uint64 {
	masks := make([]uint64, len(d.queues))
	for i := range masks {
		masks[i] = 1 << uint(i)
	}
	return masks
}

func (d *fakeDevice) queueState(index int) virtio.Queue {
	d.qmu.Lock()
	defer d.qmu.Unlock()
	return *d.queues[index]
}

// masterConn is the test's master endpoint over a socketpair.
type masterConn struct {
	t    *testing.T
	conn *net.UnixConn
}

func startServer(t *testing.T, dev Device) (*Server, *masterConn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair failed: %v", err)
	}
	serverConn := fileConn(t, fds[0])
	clientConn := fileConn(t, fds[1])

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewServer(dev, logger)
	go s.Serve(serverConn)

	t.Cleanup(func() {
		clientConn.Close()
		s.Close()
	})
	return s, &masterConn{t: t, conn: clientConn}
}

func fileConn(t *testing.T, fd int) *net.UnixConn {
	t.Helper()
	f := os.NewFile(uintptr(fd), "socketpair")
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		t.Fatalf("FileConn failed: %v", err)
	}
	return conn.(*net.UnixConn)
}

func (m *masterConn) send(req uint32, payload []byte, fds ...int) {
	m.t.Helper()
	hdr := header{Request: req, Flags: flagVersion1, Size: uint32(len(payload))}
	msg := append(hdr.encode(), payload...)

	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}
	if _, _, err := m.conn.WriteMsgUnix(msg, oob, nil); err != nil {
		m.t.Fatalf("send %s failed: %v", requestName(req), err)
	}
}

func (m *masterConn) recv(wantReq uint32) []byte {
	m.t.Helper()
	m.conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	hdrBuf := make([]byte, headerSize)
	if _, err := io.ReadFull(m.conn, hdrBuf); err != nil {
		m.t.Fatalf("read reply header failed: %v", err)
	}
	hdr, err := decodeHeader(hdrBuf)
	if err != nil {
		m.t.Fatalf("decode reply header failed: %v", err)
	}
	if hdr.Request != wantReq {
		m.t.Fatalf("reply to %s, want %s", requestName(hdr.Request), requestName(wantReq))
	}
	if hdr.Flags&flagReply == 0 {
		m.t.Fatalf("reply flag missing: %#x", hdr.Flags)
	}

	payload := make([]byte, hdr.Size)
	if _, err := io.ReadFull(m.conn, payload); err != nil {
		m.t.Fatalf("read reply payload failed: %v", err)
	}
	return payload
}

// roundTripU64 sends a request and decodes the u64 reply.
func (m *masterConn) roundTripU64(req uint32) uint64 {
	m.t.Helper()
	m.send(req, nil)
	return binary.LittleEndian.Uint64(m.recv(req))
}

// sync waits until every previously sent message has been handled; the
// message loop is sequential, so any replied request works as a barrier.
func (m *masterConn) sync() {
	m.roundTripU64(reqGetQueueNum)
}

func u64payload(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

func TestServerNegotiation(t *testing.T) {
	dev := newFakeDevice(2)
	_, m := startServer(t, dev)

	if got := m.roundTripU64(reqGetFeatures); got != dev.OfferedFeatures() {
		t.Fatalf("GET_FEATURES = %#x, want %#x", got, dev.OfferedFeatures())
	}

	acked := VirtioFVersion1 | VirtioRingFEventIdx
	m.send(reqSetFeatures, u64payload(acked))
	m.sync()
	dev.mu.Lock()
	if dev.acked != acked || !dev.eventIdx {
		t.Fatalf("acked=%#x eventIdx=%v after SET_FEATURES", dev.acked, dev.eventIdx)
	}
	dev.mu.Unlock()

	// Dropping EVENT_IDX turns the toggle back off.
	m.send(reqSetFeatures, u64payload(VirtioFVersion1))
	m.sync()
	dev.mu.Lock()
	if dev.eventIdx {
		t.Fatal("eventIdx still set after re-negotiation without the bit")
	}
	dev.mu.Unlock()

	if got := m.roundTripU64(reqGetProtocolFeatures); got != dev.OfferedProtocolFeatures() {
		t.Fatalf("GET_PROTOCOL_FEATURES = %#x", got)
	}
	m.send(reqSetProtocolFeatures, u64payload(ProtocolFeatureMQ|ProtocolFeatureConfig))

	if got := m.roundTripU64(reqGetQueueNum); got != 2 {
		t.Fatalf("GET_QUEUE_NUM = %d, want 2", got)
	}

	m.send(reqSetOwner, nil)
	m.sync()
}

func TestServerPipelinedRequests(t *testing.T) {
	dev := newFakeDevice(2)
	_, m := startServer(t, dev)

	// Two requests coalesced into a single stream write, as a master that
	// does not wait for replies produces them.
	msg := header{Request: reqGetFeatures, Flags: flagVersion1}.encode()
	msg = append(msg, header{Request: reqGetQueueNum, Flags: flagVersion1}.encode()...)
	if _, err := m.conn.Write(msg); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if got := binary.LittleEndian.Uint64(m.recv(reqGetFeatures)); got != dev.OfferedFeatures() {
		t.Fatalf("GET_FEATURES = %#x, want %#x", got, dev.OfferedFeatures())
	}
	if got := binary.LittleEndian.Uint64(m.recv(reqGetQueueNum)); got != 2 {
		t.Fatalf("GET_QUEUE_NUM = %d, want 2", got)
	}
}

func TestServerSplitHeaderDelivery(t *testing.T) {
	dev := newFakeDevice(2)
	_, m := startServer(t, dev)

	msg := header{Request: reqSetFeatures, Flags: flagVersion1, Size: 8}.encode()
	msg = append(msg, u64payload(VirtioFVersion1)...)

	// The header and payload trickle in across three writes, splitting
	// the header itself.
	for _, chunk := range [][]byte{msg[:5], msg[5:14], msg[14:]} {
		if _, err := m.conn.Write(chunk); err != nil {
			t.Fatalf("write failed: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	m.sync()

	dev.mu.Lock()
	acked := dev.acked
	dev.mu.Unlock()
	if acked != VirtioFVersion1 {
		t.Fatalf("features %#x after split delivery, want %#x", acked, VirtioFVersion1)
	}
}

// guestFile creates a memfd-backed guest memory region of the given size.
func guestFile(t *testing.T, size int) int {
	t.Helper()
	fd, err := unix.MemfdCreate("guest-ram", unix.MFD_CLOEXEC)
	if err != nil {
		t.Fatalf("memfd_create failed: %v", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		t.Fatalf("ftruncate failed: %v", err)
	}
	t.Cleanup(func() { unix.Close(fd) })
	return fd
}

func memTablePayload(regions ...memoryRegion) []byte {
	payload := make([]byte, 8+len(regions)*memoryRegionSize)
	binary.LittleEndian.PutUint32(payload[0:4], uint32(len(regions)))
	for i, r := range regions {
		base := 8 + i*memoryRegionSize
		binary.LittleEndian.PutUint64(payload[base:], r.GuestPhysAddr)
		binary.LittleEndian.PutUint64(payload[base+8:], r.Size)
		binary.LittleEndian.PutUint64(payload[base+16:], r.UserAddr)
		binary.LittleEndian.PutUint64(payload[base+24:], r.MmapOffset)
	}
	return payload
}

func TestServerMemTableAndVringSetup(t *testing.T) {
	const (
		regionSize = 1 << 20
		gpa        = uint64(0x40000000)
		userBase   = uint64(0x7f5600000000)
	)

	dev := newFakeDevice(2)
	_, m := startServer(t, dev)

	fd := guestFile(t, regionSize)
	pattern := []byte("vring pages")
	if _, err := unix.Pwrite(fd, pattern, 0x2000); err != nil {
		t.Fatalf("pwrite failed: %v", err)
	}

	m.send(reqSetMemTable, memTablePayload(memoryRegion{
		GuestPhysAddr: gpa,
		Size:          regionSize,
		UserAddr:      userBase,
	}), fd)
	m.sync()

	dev.mu.Lock()
	mem := dev.mem
	dev.mu.Unlock()
	if mem == nil {
		t.Fatal("UpdateMemory never called")
	}
	got := make([]byte, len(pattern))
	if _, err := mem.ReadAt(got, int64(gpa+0x2000)); err != nil {
		t.Fatalf("read through memory table failed: %v", err)
	}
	if !bytes.Equal(got, pattern) {
		t.Fatalf("read %q through table, want %q", got, pattern)
	}

	// Writes through the table land in the shared file.
	if _, err := mem.WriteAt([]byte{0xee}, int64(gpa+0x3000)); err != nil {
		t.Fatalf("write through memory table failed: %v", err)
	}
	var one [1]byte
	if _, err := unix.Pread(fd, one[:], 0x3000); err != nil || one[0] != 0xee {
		t.Fatalf("table write not visible in file: %x err=%v", one[0], err)
	}

	m.send(reqSetVringNum, vringState{Index: 0, Num: 128}.encode())
	m.send(reqSetVringBase, vringState{Index: 0, Num: 7}.encode())

	addrPayload := make([]byte, 40)
	binary.LittleEndian.PutUint32(addrPayload[0:4], 0)
	binary.LittleEndian.PutUint64(addrPayload[8:16], userBase+0x1000)  // desc
	binary.LittleEndian.PutUint64(addrPayload[16:24], userBase+0x3000) // used
	binary.LittleEndian.PutUint64(addrPayload[24:32], userBase+0x2000) // avail
	m.send(reqSetVringAddr, addrPayload)

	m.send(reqSetVringEnable, vringState{Index: 0, Num: 1}.encode())
	m.sync()

	q := dev.queueState(0)
	if q.Size != 128 {
		t.Fatalf("queue size %d, want 128", q.Size)
	}
	if q.Base() != 7 {
		t.Fatalf("queue base %d, want 7", q.Base())
	}
	if q.DescTableAddr != gpa+0x1000 || q.AvailRingAddr != gpa+0x2000 || q.UsedRingAddr != gpa+0x3000 {
		t.Fatalf("ring addresses not translated: desc=%#x avail=%#x used=%#x",
			q.DescTableAddr, q.AvailRingAddr, q.UsedRingAddr)
	}
	if !q.Enabled {
		t.Fatal("queue not enabled after SET_VRING_ENABLE")
	}

	// GET_VRING_BASE returns the base and stops the ring.
	reply := m.recvVringBase(0)
	if reply.Num != 7 {
		t.Fatalf("GET_VRING_BASE = %d, want 7", reply.Num)
	}
	q = dev.queueState(0)
	if q.Ready || q.Enabled {
		t.Fatal("ring still running after GET_VRING_BASE")
	}
}

func (m *masterConn) recvVringBase(index uint32) vringState {
	m.t.Helper()
	m.send(reqGetVringBase, vringState{Index: index}.encode())
	state, err := decodeVringState(m.recv(reqGetVringBase))
	if err != nil {
		m.t.Fatalf("decode GET_VRING_BASE reply failed: %v", err)
	}
	return state
}

// gatedDevice holds the queue lock across a Dispatch that waits for the
// test, modeling a drain in flight while the message loop swaps the
// memory table.
type gatedDevice struct {
	*fakeDevice
	gpa     uint64
	started chan struct{}
	release chan struct{}
	result  chan error
}

func (d *gatedDevice) Dispatch(index int, kind Notification) (bool, error) {
	d.qmu.Lock()
	defer d.qmu.Unlock()

	d.mu.Lock()
	mem := d.mem
	d.mu.Unlock()

	close(d.started)
	<-d.release

	var buf [3]byte
	_, err := mem.ReadAt(buf[:], int64(d.gpa+0x100))
	if err == nil && string(buf[:]) != "old" {
		err = fmt.Errorf("prior handle read %q, want %q", buf, "old")
	}
	d.result <- err
	return false, nil
}

func TestServerMemSwapWaitsForInFlightDispatch(t *testing.T) {
	const (
		regionSize = 1 << 20
		gpa        = uint64(0x40000000)
		userBase   = uint64(0x7f5600000000)
	)

	dev := &gatedDevice{
		fakeDevice: newFakeDevice(1),
		gpa:        gpa,
		started:    make(chan struct{}),
		release:    make(chan struct{}),
		result:     make(chan error, 1),
	}
	_, m := startServer(t, dev)

	fdA := guestFile(t, regionSize)
	if _, err := unix.Pwrite(fdA, []byte("old"), 0x100); err != nil {
		t.Fatalf("pwrite failed: %v", err)
	}
	m.send(reqSetMemTable, memTablePayload(memoryRegion{
		GuestPhysAddr: gpa, Size: regionSize, UserAddr: userBase,
	}), fdA)
	m.sync()

	kickFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		t.Fatalf("eventfd failed: %v", err)
	}
	t.Cleanup(func() { unix.Close(kickFD) })
	m.send(reqSetVringKick, u64payload(0), kickFD)
	m.sync()

	if _, err := unix.Write(kickFD, u64payload(1)); err != nil {
		t.Fatalf("kick write failed: %v", err)
	}
	select {
	case <-dev.started:
	case <-time.After(5 * time.Second):
		t.Fatal("kick never dispatched")
	}

	// The swap arrives while the dispatch still holds the old table.
	fdB := guestFile(t, regionSize)
	if _, err := unix.Pwrite(fdB, []byte("new"), 0x100); err != nil {
		t.Fatalf("pwrite failed: %v", err)
	}
	m.send(reqSetMemTable, memTablePayload(memoryRegion{
		GuestPhysAddr: gpa, Size: regionSize, UserAddr: userBase,
	}), fdB)

	// Give the handler time to reach the unmap; it must block on the
	// queue lock instead.
	time.Sleep(100 * time.Millisecond)
	close(dev.release)

	select {
	case err := <-dev.result:
		if err != nil {
			t.Fatalf("in-flight access through prior handle failed after swap: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch never finished")
	}

	m.sync()
	dev.mu.Lock()
	mem := dev.mem
	dev.mu.Unlock()
	var buf [3]byte
	if _, err := mem.ReadAt(buf[:], int64(gpa+0x100)); err != nil || string(buf[:]) != "new" {
		t.Fatalf("new table read %q err=%v, want %q", buf, err, "new")
	}
}

func TestServerKickAndCall(t *testing.T) {
	dev := newFakeDevice(2)
	_, m := startServer(t, dev)

	kickFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		t.Fatalf("eventfd failed: %v", err)
	}
	t.Cleanup(func() { unix.Close(kickFD) })
	callFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		t.Fatalf("eventfd failed: %v", err)
	}
	t.Cleanup(func() { unix.Close(callFD) })

	// No SET_PROTOCOL_FEATURES: the ring starts enabled on kick setup.
	m.send(reqSetVringCall, u64payload(0), callFD)
	m.send(reqSetVringKick, u64payload(0), kickFD)
	m.sync()

	q := dev.queueState(0)
	if !q.Ready || !q.Enabled {
		t.Fatalf("legacy ring not running after SET_VRING_KICK: ready=%v enabled=%v", q.Ready, q.Enabled)
	}

	// A kick dispatches the queue and the notify request fires the call fd.
	if _, err := unix.Write(kickFD, u64payload(1)); err != nil {
		t.Fatalf("kick write failed: %v", err)
	}
	select {
	case idx := <-dev.dispatched:
		if idx != 0 {
			t.Fatalf("dispatched queue %d, want 0", idx)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("kick never dispatched")
	}

	var buf [8]byte
	if _, err := unix.Read(callFD, buf[:]); err != nil {
		t.Fatalf("call fd read failed: %v", err)
	}
	if binary.LittleEndian.Uint64(buf[:]) == 0 {
		t.Fatal("call fd fired with zero count")
	}
}

func TestServerKickWithoutFD(t *testing.T) {
	dev := newFakeDevice(2)
	_, m := startServer(t, dev)

	// The no-fd mask marks a polled ring; no kick loop must be spawned.
	m.send(reqSetVringKick, u64payload(1|vringNoFDMask))
	m.sync()

	q := dev.queueState(1)
	if !q.Ready {
		t.Fatal("queue not ready after SET_VRING_KICK without fd")
	}
	select {
	case idx := <-dev.dispatched:
		t.Fatalf("unexpected dispatch of queue %d", idx)
	default:
	}
}

func TestServerConfigSpace(t *testing.T) {
	dev := newFakeDevice(2)
	_, m := startServer(t, dev)

	cfgPayload := func(offset, size uint32, data []byte) []byte {
		buf := make([]byte, configHeaderSize+len(data))
		binary.LittleEndian.PutUint32(buf[0:4], offset)
		binary.LittleEndian.PutUint32(buf[4:8], size)
		copy(buf[configHeaderSize:], data)
		return buf
	}

	m.send(reqGetConfig, cfgPayload(2, 4, make([]byte, 4)))
	reply := m.recv(reqGetConfig)
	if len(reply) != configHeaderSize+4 {
		t.Fatalf("reply length %d, want %d", len(reply), configHeaderSize+4)
	}
	if !bytes.Equal(reply[configHeaderSize:], []byte{0x12, 0x13, 0x14, 0x15}) {
		t.Fatalf("config read returned %x", reply[configHeaderSize:])
	}

	// Out-of-range reads answer with a zeroed payload of the asked size.
	m.send(reqGetConfig, cfgPayload(0, 64, make([]byte, 64)))
	reply = m.recv(reqGetConfig)
	if !bytes.Equal(reply[configHeaderSize:], make([]byte, 64)) {
		t.Fatalf("out-of-range read not zeroed: %x", reply[configHeaderSize:])
	}

	// A size beyond the config cap is rejected before any allocation;
	// the connection stays usable.
	m.send(reqGetConfig, cfgPayload(0, 1<<30, nil))
	m.sync()

	m.send(reqSetConfig, cfgPayload(0, 2, []byte{0xaa, 0xbb}))
	m.sync()
	dev.mu.Lock()
	got := dev.config[:2]
	ok := bytes.Equal(got, []byte{0xaa, 0xbb})
	dev.mu.Unlock()
	if !ok {
		t.Fatalf("SET_CONFIG not applied: %x", got)
	}
}

func TestServerMasterDisconnect(t *testing.T) {
	dev := newFakeDevice(2)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair failed: %v", err)
	}
	serverConn := fileConn(t, fds[0])
	clientConn := fileConn(t, fds[1])

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewServer(dev, logger)

	done := make(chan error, 1)
	go func() { done <- s.Serve(serverConn) }()

	clientConn.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve returned %v on disconnect, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after master disconnect")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}
