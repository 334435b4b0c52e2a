package vhostuser

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/obviyus/vhost-user-input/internal/virtio"
)

// vring holds the transport-side file descriptors for one queue. The kick
// descriptor is owned by its kick loop goroutine; kickGen invalidates a
// running loop when the descriptor is replaced or the ring stops.
type vring struct {
	mu      sync.Mutex
	kickFD  int
	callFD  int
	errFD   int
	kickGen uint64
}

func newVring() *vring {
	return &vring{kickFD: -1, callFD: -1, errFD: -1}
}

func (v *vring) setFD(slot *int, fd int) {
	v.mu.Lock()
	if *slot >= 0 {
		unix.Close(*slot)
	}
	*slot = fd
	v.mu.Unlock()
}

// armKick installs a new kick descriptor, retiring any running loop, and
// returns the generation token the new loop must carry.
func (v *vring) armKick(fd int) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.retireKickLocked()
	v.kickFD = fd
	v.kickGen++
	return v.kickGen
}

// retireKickLocked invalidates the running kick loop, if any, and wakes it
// with an eventfd write. Closing the descriptor here would not unblock a
// reader, so the loop closes its own descriptor on exit.
func (v *vring) retireKickLocked() {
	if v.kickFD < 0 {
		return
	}
	v.kickGen++
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	unix.Write(v.kickFD, buf[:])
	v.kickFD = -1
}

func (v *vring) kickLive(gen uint64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.kickGen == gen
}

func (v *vring) close() {
	v.mu.Lock()
	v.retireKickLocked()
	for _, slot := range []*int{&v.callFD, &v.errFD} {
		if *slot >= 0 {
			unix.Close(*slot)
			*slot = -1
		}
	}
	v.mu.Unlock()
}

// Server is the slave side of a vhost-user connection. It speaks the
// message protocol on a unix socket, maintains the memory table and vring
// file descriptors, and drives a Device implementation.
type Server struct {
	dev    Device
	logger *slog.Logger

	mu               sync.Mutex
	mem              *MemoryTable
	protocolFeatures uint64
	conn             *net.UnixConn
	listener         *net.UnixListener
	closed           bool

	vrings []*vring
	wg     sync.WaitGroup
}

// NewServer creates a server for the given device.
func NewServer(dev Device, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{dev: dev, logger: logger}
	for i := 0; i < dev.NumQueues(); i++ {
		s.vrings = append(s.vrings, newVring())
	}
	return s
}

// ListenAndServe binds the unix socket and serves the first master
// connection until it closes or the server is shut down. vhost-user has a
// single master, so no accept loop is needed.
func (s *Server) ListenAndServe(socketPath string) error {
	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("vhostuser: remove stale socket: %w", err)
	}
	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: socketPath, Net: "unix"})
	if err != nil {
		return fmt.Errorf("vhostuser: listen on %s: %w", socketPath, err)
	}
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	defer l.Close()

	s.logger.Info("listening", "socket", socketPath)
	conn, err := l.AcceptUnix()
	if err != nil {
		if s.isClosed() {
			return nil
		}
		return fmt.Errorf("vhostuser: accept: %w", err)
	}
	return s.Serve(conn)
}

// Serve runs the message loop on an established master connection.
func (s *Server) Serve(conn *net.UnixConn) error {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer conn.Close()

	for {
		hdr, payload, fds, err := s.readMessage(conn)
		if err != nil {
			if errors.Is(err, io.EOF) || s.isClosed() {
				s.logger.Info("master disconnected")
				return nil
			}
			return err
		}
		if err := s.handle(conn, hdr, payload, fds); err != nil {
			s.logger.Error("message handling failed",
				"request", requestName(hdr.Request), "err", err)
		}
	}
}

// readMessage reads one framed message plus any SCM_RIGHTS descriptors.
// Masters pipeline requests on the stream socket, so at most headerSize
// bytes are consumed by the first read (ancillary data travels with them)
// and the payload is then read to its declared length; bytes of the next
// message are never touched.
func (s *Server) readMessage(conn *net.UnixConn) (header, []byte, []int, error) {
	hdrBuf := make([]byte, headerSize)
	oob := make([]byte, unix.CmsgSpace(64*4))

	n, oobn, _, _, err := conn.ReadMsgUnix(hdrBuf, oob)
	if err != nil {
		return header{}, nil, nil, err
	}
	if n == 0 {
		return header{}, nil, nil, io.EOF
	}

	var fds []int
	if oobn > 0 {
		cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return header{}, nil, nil, fmt.Errorf("vhostuser: parse control message: %w", err)
		}
		for _, cmsg := range cmsgs {
			got, err := unix.ParseUnixRights(&cmsg)
			if err != nil {
				continue
			}
			fds = append(fds, got...)
		}
	}

	if n < headerSize {
		if _, err := io.ReadFull(conn, hdrBuf[n:]); err != nil {
			closeAll(fds)
			return header{}, nil, nil, fmt.Errorf("vhostuser: read header: %w", err)
		}
	}
	hdr, err := decodeHeader(hdrBuf)
	if err != nil {
		closeAll(fds)
		return header{}, nil, nil, err
	}
	if hdr.Size > maxPayloadSize {
		closeAll(fds)
		return header{}, nil, nil, fmt.Errorf("vhostuser: %s payload of %d bytes exceeds limit",
			requestName(hdr.Request), hdr.Size)
	}

	payload := make([]byte, hdr.Size)
	if hdr.Size > 0 {
		if _, err := io.ReadFull(conn, payload); err != nil {
			closeAll(fds)
			return header{}, nil, nil, fmt.Errorf("vhostuser: read payload: %w", err)
		}
	}
	return hdr, payload, fds, nil
}

func (s *Server) reply(conn *net.UnixConn, req uint32, payload []byte) error {
	hdr := header{Request: req, Flags: flagVersion1 | flagReply, Size: uint32(len(payload))}
	msg := append(hdr.encode(), payload...)
	if _, err := conn.Write(msg); err != nil {
		return fmt.Errorf("vhostuser: write reply: %w", err)
	}
	return nil
}

func replyU64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

func (s *Server) handle(conn *net.UnixConn, hdr header, payload []byte, fds []int) error {
	s.logger.Debug("request", "name", requestName(hdr.Request), "size", hdr.Size, "fds", len(fds))

	switch hdr.Request {
	case reqGetFeatures:
		return s.reply(conn, hdr.Request, replyU64(s.dev.OfferedFeatures()))

	case reqSetFeatures:
		if len(payload) < 8 {
			return fmt.Errorf("vhostuser: short SET_FEATURES payload")
		}
		features := binary.LittleEndian.Uint64(payload)
		s.dev.AckFeatures(features)
		s.dev.SetEventIdx(features&VirtioRingFEventIdx != 0)
		return nil

	case reqGetProtocolFeatures:
		return s.reply(conn, hdr.Request, replyU64(s.dev.OfferedProtocolFeatures()))

	case reqSetProtocolFeatures:
		if len(payload) < 8 {
			return fmt.Errorf("vhostuser: short SET_PROTOCOL_FEATURES payload")
		}
		s.mu.Lock()
		s.protocolFeatures = binary.LittleEndian.Uint64(payload)
		s.mu.Unlock()
		return nil

	case reqGetQueueNum:
		return s.reply(conn, hdr.Request, replyU64(uint64(s.dev.NumQueues())))

	case reqSetOwner, reqResetOwner:
		return nil

	case reqSetMemTable:
		return s.handleSetMemTable(payload, fds)

	case reqSetVringNum:
		state, err := decodeVringState(payload)
		if err != nil {
			return err
		}
		return s.configureQueue(int(state.Index), func(q *virtio.Queue) error {
			return q.SetSize(uint16(state.Num))
		})

	case reqSetVringAddr:
		return s.handleSetVringAddr(payload)

	case reqSetVringBase:
		state, err := decodeVringState(payload)
		if err != nil {
			return err
		}
		return s.configureQueue(int(state.Index), func(q *virtio.Queue) error {
			q.SetBase(uint16(state.Num))
			return nil
		})

	case reqGetVringBase:
		return s.handleGetVringBase(conn, hdr, payload)

	case reqSetVringKick:
		return s.handleSetVringKick(payload, fds)

	case reqSetVringCall:
		idx, fd, err := s.vringFD(payload, fds)
		if err != nil {
			return err
		}
		s.vrings[idx].setFD(&s.vrings[idx].callFD, fd)
		return nil

	case reqSetVringErr:
		idx, fd, err := s.vringFD(payload, fds)
		if err != nil {
			return err
		}
		s.vrings[idx].setFD(&s.vrings[idx].errFD, fd)
		return nil

	case reqSetVringEnable:
		state, err := decodeVringState(payload)
		if err != nil {
			return err
		}
		return s.configureQueue(int(state.Index), func(q *virtio.Queue) error {
			q.Enabled = state.Num != 0
			return nil
		})

	case reqGetConfig:
		return s.handleGetConfig(conn, hdr, payload)

	case reqSetConfig:
		offset, size, _, err := decodeConfigHeader(payload)
		if err != nil {
			return err
		}
		if int(size) > len(payload)-configHeaderSize {
			return fmt.Errorf("vhostuser: SET_CONFIG size %d exceeds payload", size)
		}
		if err := s.dev.WriteConfig(offset, payload[configHeaderSize:configHeaderSize+size]); err != nil {
			return fmt.Errorf("vhostuser: config write rejected: %w", err)
		}
		return nil

	default:
		closeAll(fds)
		s.logger.Warn("unhandled request", "request", requestName(hdr.Request))
		return nil
	}
}

func (s *Server) handleSetMemTable(payload []byte, fds []int) error {
	if len(payload) < 8 {
		closeAll(fds)
		return fmt.Errorf("vhostuser: short SET_MEM_TABLE payload")
	}
	numRegions := int(binary.LittleEndian.Uint32(payload[0:4]))
	body := payload[8:]
	if len(body) < numRegions*memoryRegionSize {
		closeAll(fds)
		return fmt.Errorf("vhostuser: SET_MEM_TABLE payload truncated (%d regions)", numRegions)
	}

	regions := make([]memoryRegion, numRegions)
	for i := range regions {
		regions[i] = decodeMemoryRegion(body[i*memoryRegionSize:])
	}

	table, err := NewMemoryTable(regions, fds)
	closeAll(fds)
	if err != nil {
		return err
	}

	s.mu.Lock()
	old := s.mem
	s.mem = table
	s.mu.Unlock()

	s.dev.UpdateMemory(table)
	if old != nil {
		// A drain that snapshotted the old table holds its queue lock
		// until it finishes. Taking every queue lock once after the swap
		// means no in-flight access can still use the old mapping; later
		// dispatches snapshot the new table.
		for i := 0; i < s.dev.NumQueues(); i++ {
			if err := s.dev.ConfigureQueue(i, func(q *virtio.Queue) error { return nil }); err != nil {
				s.logger.Warn("queue quiesce failed", "queue", i, "err", err)
			}
		}
		if err := old.Close(); err != nil {
			s.logger.Warn("unmap of previous memory table failed", "err", err)
		}
	}

	s.logger.Info("memory table updated", "regions", numRegions)
	return nil
}

func (s *Server) handleSetVringAddr(payload []byte) error {
	addr, err := decodeVringAddr(payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	mem := s.mem
	s.mu.Unlock()
	if mem == nil {
		return fmt.Errorf("vhostuser: SET_VRING_ADDR before SET_MEM_TABLE")
	}

	desc, err := mem.GuestAddress(addr.DescUser)
	if err != nil {
		return err
	}
	avail, err := mem.GuestAddress(addr.AvailUser)
	if err != nil {
		return err
	}
	used, err := mem.GuestAddress(addr.UsedUser)
	if err != nil {
		return err
	}

	return s.configureQueue(int(addr.Index), func(q *virtio.Queue) error {
		q.SetAddresses(desc, avail, used)
		return nil
	})
}

func (s *Server) handleGetVringBase(conn *net.UnixConn, hdr header, payload []byte) error {
	state, err := decodeVringState(payload)
	if err != nil {
		return err
	}

	var base uint16
	err = s.configureQueue(int(state.Index), func(q *virtio.Queue) error {
		base = q.Base()
		// GET_VRING_BASE stops the ring.
		q.SetReady(false)
		q.Enabled = false
		return nil
	})
	if err != nil {
		return err
	}
	if int(state.Index) < len(s.vrings) {
		s.vrings[state.Index].close()
	}
	return s.reply(conn, hdr.Request, vringState{Index: state.Index, Num: uint32(base)}.encode())
}

func (s *Server) handleSetVringKick(payload []byte, fds []int) error {
	idx, fd, err := s.vringFD(payload, fds)
	if err != nil {
		return err
	}

	legacy := false
	s.mu.Lock()
	legacy = s.protocolFeatures == 0
	s.mu.Unlock()

	if err := s.configureQueue(idx, func(q *virtio.Queue) error {
		q.SetReady(true)
		// Without negotiated protocol features rings start enabled.
		if legacy {
			q.Enabled = true
		}
		return nil
	}); err != nil {
		if fd >= 0 {
			unix.Close(fd)
		}
		return err
	}

	if fd >= 0 {
		gen := s.vrings[idx].armKick(fd)
		s.wg.Add(1)
		go s.kickLoop(idx, fd, gen)
	}
	return nil
}

func (s *Server) handleGetConfig(conn *net.UnixConn, hdr header, payload []byte) error {
	offset, size, flags, err := decodeConfigHeader(payload)
	if err != nil {
		return err
	}
	if size > configMaxSize {
		return fmt.Errorf("vhostuser: GET_CONFIG size %d exceeds limit %d", size, configMaxSize)
	}

	reply := make([]byte, configHeaderSize+int(size))
	binary.LittleEndian.PutUint32(reply[0:4], offset)
	binary.LittleEndian.PutUint32(reply[4:8], size)
	binary.LittleEndian.PutUint32(reply[8:12], flags)

	data, err := s.dev.ReadConfig(offset, size)
	if err != nil {
		// Out-of-range reads answer with a zeroed payload; the master
		// treats a mismatched read as invalid.
		s.logger.Warn("config read rejected", "offset", offset, "size", size, "err", err)
	} else {
		copy(reply[configHeaderSize:], data)
	}
	return s.reply(conn, hdr.Request, reply)
}

// vringFD decodes the u64 index payload shared by the SET_VRING_KICK/CALL/
// ERR messages and pairs it with the accompanying descriptor, if any.
func (s *Server) vringFD(payload []byte, fds []int) (int, int, error) {
	if len(payload) < 8 {
		closeAll(fds)
		return 0, -1, fmt.Errorf("vhostuser: short vring fd payload")
	}
	v := binary.LittleEndian.Uint64(payload)
	idx := int(v & 0xff)
	if idx >= len(s.vrings) {
		closeAll(fds)
		return 0, -1, fmt.Errorf("vhostuser: vring index %d out of range", idx)
	}
	if v&vringNoFDMask != 0 {
		return idx, -1, nil
	}
	if len(fds) == 0 {
		return 0, -1, fmt.Errorf("vhostuser: vring fd message without descriptor")
	}
	closeAll(fds[1:])
	return idx, fds[0], nil
}

func (s *Server) configureQueue(index int, fn func(q *virtio.Queue) error) error {
	return s.dev.ConfigureQueue(index, fn)
}

// kickLoop runs on a dedicated goroutine per queue: it blocks on the kick
// eventfd, dispatches the queue, and signals the call eventfd when the
// device published used buffers the guest wants to hear about. This is the
// per-queue execution context the device's queue assignment describes.
func (s *Server) kickLoop(index, kickFD int, gen uint64) {
	defer s.wg.Done()
	defer unix.Close(kickFD)

	v := s.vrings[index]
	var buf [8]byte
	for {
		n, err := unix.Read(kickFD, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil || n == 0 {
			return
		}
		if !v.kickLive(gen) || s.isClosed() {
			return
		}

		notify, err := s.dev.Dispatch(index, NotifyBufferAvailable)
		if err != nil {
			s.logger.Warn("dispatch failed", "queue", index, "err", err)
			continue
		}
		if notify {
			s.SignalUsed(index)
		}
	}
}

// Kick dispatches a queue from outside the vring kick path, used when the
// host input source produces new events while the guest already has
// buffers posted.
func (s *Server) Kick(index int) error {
	notify, err := s.dev.Dispatch(index, NotifyBufferAvailable)
	if err != nil {
		return err
	}
	if notify {
		s.SignalUsed(index)
	}
	return nil
}

// SignalUsed raises the used-buffer notification for a queue by writing
// the call eventfd.
func (s *Server) SignalUsed(index int) {
	if index < 0 || index >= len(s.vrings) {
		return
	}
	v := s.vrings[index]
	v.mu.Lock()
	fd := v.callFD
	v.mu.Unlock()
	if fd < 0 {
		return
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(fd, buf[:]); err != nil {
		s.logger.Warn("call eventfd write failed", "queue", index, "err", err)
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close tears down the connection, vring descriptors, and memory table.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listener := s.listener
	conn := s.conn
	mem := s.mem
	s.mem = nil
	s.mu.Unlock()

	if listener != nil {
		listener.Close()
	}
	if conn != nil {
		conn.Close()
	}
	for _, v := range s.vrings {
		v.close()
	}
	s.wg.Wait()
	if mem != nil {
		return mem.Close()
	}
	return nil
}

func closeAll(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}
