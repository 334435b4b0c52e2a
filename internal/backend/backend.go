// Package backend implements the vhost-user input device emulation engine:
// the config register state machine, per-queue workers that fill guest
// event buffers, and the negotiation lifecycle consumed by the transport.
package backend

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/obviyus/vhost-user-input/internal/input"
	"github.com/obviyus/vhost-user-input/internal/vhostuser"
	"github.com/obviyus/vhost-user-input/internal/virtio"
)

const (
	// The event queue receives guest buffers to fill with input events;
	// the status queue carries driver-to-device writes (LED state etc).
	QueueEvent  = 0
	QueueStatus = 1

	defaultQueueCount = 2
	defaultQueueDepth = 1024
)

var (
	// ErrUnknownQueue reports a dispatch for a queue index out of range.
	ErrUnknownQueue = errors.New("backend: unknown queue index")
	// ErrUnexpectedNotification reports a dispatch with a notification
	// kind other than buffer-available.
	ErrUnexpectedNotification = errors.New("backend: unexpected notification kind")
	// ErrShutdown reports a dispatch after the shutdown signal fired.
	ErrShutdown = errors.New("backend: shut down")
)

// Source is the host input collaborator: a lazy, unbounded sequence of
// translated events polled only when the device can consume them.
type Source interface {
	// Poll returns up to max pending events without blocking.
	Poll(max int) []input.Event
}

// Options configures a Backend.
type Options struct {
	// QueueCount and QueueDepth fix the queue geometry for the lifetime
	// of the backend. Zero values take the defaults (2 queues, depth 1024).
	QueueCount int
	QueueDepth int

	Logger *slog.Logger
}

// Backend aggregates the queue workers, the config register, and the
// negotiated state shared across workers. It implements vhostuser.Device.
type Backend struct {
	config *input.Config
	source Source
	logger *slog.Logger

	queueCount int
	queueDepth int

	// Negotiation state is mutated only by the transport's negotiation
	// handlers under negMu; workers read it under RLock at the start of
	// each drain and never mutate it.
	negMu         sync.RWMutex
	ackedFeatures uint64
	eventIdx      bool
	mem           virtio.GuestMemory

	workers []*queueWorker

	shutdown  chan struct{}
	closeOnce sync.Once
}

// New creates a backend for the given device profile and host input source.
// Queue geometry is fixed here; a bad geometry is a startup failure.
func New(profile *input.DeviceProfile, source Source, opts Options) (*Backend, error) {
	if profile == nil {
		return nil, fmt.Errorf("backend: device profile is nil")
	}
	if source == nil {
		return nil, fmt.Errorf("backend: input source is nil")
	}

	queueCount := opts.QueueCount
	if queueCount == 0 {
		queueCount = defaultQueueCount
	}
	queueDepth := opts.QueueDepth
	if queueDepth == 0 {
		queueDepth = defaultQueueDepth
	}
	if queueCount < 1 || queueCount > 64 {
		return nil, fmt.Errorf("backend: queue count %d out of range", queueCount)
	}
	if queueDepth < 1 || queueDepth > 32768 {
		return nil, fmt.Errorf("backend: queue depth %d out of range", queueDepth)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	b := &Backend{
		config:     input.NewConfig(profile),
		source:     source,
		logger:     logger,
		queueCount: queueCount,
		queueDepth: queueDepth,
		shutdown:   make(chan struct{}),
	}
	for i := 0; i < queueCount; i++ {
		b.workers = append(b.workers, newQueueWorker(b, i, uint16(queueDepth)))
	}
	return b, nil
}

// NumQueues implements vhostuser.Device.
func (b *Backend) NumQueues() int {
	return b.queueCount
}

// QueueDepth implements vhostuser.Device.
func (b *Backend) QueueDepth() int {
	return b.queueDepth
}

// OfferedFeatures implements vhostuser.Device. Every advertised bit has
// implemented behavior behind it.
func (b *Backend) OfferedFeatures() uint64 {
	return vhostuser.VirtioFVersion1 |
		vhostuser.VirtioRingFEventIdx |
		vhostuser.VhostUserFProtocolFeatures
}

// AckFeatures implements vhostuser.Device; the accepted subset is stored
// verbatim and later behavior is gated on it.
func (b *Backend) AckFeatures(features uint64) {
	b.negMu.Lock()
	b.ackedFeatures = features
	b.negMu.Unlock()
	b.logger.Debug("features acked", "features", fmt.Sprintf("0x%x", features))
}

// AckedFeatures returns the driver-accepted feature set.
func (b *Backend) AckedFeatures() uint64 {
	b.negMu.RLock()
	defer b.negMu.RUnlock()
	return b.ackedFeatures
}

// OfferedProtocolFeatures implements vhostuser.Device. CONFIG is required
// for identity discovery and MQ for the event/status queue pair.
func (b *Backend) OfferedProtocolFeatures() uint64 {
	return vhostuser.ProtocolFeatureMQ | vhostuser.ProtocolFeatureConfig
}

// SetEventIdx implements vhostuser.Device. The toggle is observed
// atomically: a concurrent kick sees either the old or the new value for
// all workers, never a half-applied state.
func (b *Backend) SetEventIdx(enabled bool) {
	b.negMu.Lock()
	b.eventIdx = enabled
	b.negMu.Unlock()
}

// UpdateMemory implements vhostuser.Device. The handle is replaced
// wholesale; each drain snapshots it once under its queue lock, so no
// descriptor chain is ever read through a mix of two handles, and taking
// every queue lock once after the swap fences off the prior handle.
func (b *Backend) UpdateMemory(mem virtio.GuestMemory) {
	b.negMu.Lock()
	b.mem = mem
	b.negMu.Unlock()
	b.logger.Debug("guest memory map updated")
}

// snapshot returns the shared state a drain call may use for its duration.
func (b *Backend) snapshot() (virtio.GuestMemory, bool) {
	b.negMu.RLock()
	defer b.negMu.RUnlock()
	eventIdx := b.eventIdx && b.ackedFeatures&vhostuser.VirtioRingFEventIdx != 0
	return b.mem, eventIdx
}

// ConfigureQueue implements vhostuser.Device, serializing ring setup
// against the queue's dispatch path.
func (b *Backend) ConfigureQueue(index int, fn func(q *virtio.Queue) error) error {
	if index < 0 || index >= len(b.workers) {
		return fmt.Errorf("%w: %d", ErrUnknownQueue, index)
	}
	return b.workers[index].configure(fn)
}

// Dispatch implements vhostuser.Device: it routes a kick to the matching
// queue worker. Per-queue errors never touch other queues or shared state.
func (b *Backend) Dispatch(index int, kind vhostuser.Notification) (bool, error) {
	select {
	case <-b.shutdown:
		return false, ErrShutdown
	default:
	}

	if kind != vhostuser.NotifyBufferAvailable {
		return false, fmt.Errorf("%w: %d", ErrUnexpectedNotification, kind)
	}
	if index < 0 || index >= len(b.workers) {
		return false, fmt.Errorf("%w: %d", ErrUnknownQueue, index)
	}

	switch index {
	case QueueEvent:
		_, notify, err := b.workers[index].drain()
		return notify, err
	default:
		// Status queue (and any further queues): acknowledge without
		// processing; LED/force-feedback writes are consumed unread.
		return b.workers[index].consume()
	}
}

// ReadConfig implements vhostuser.Device, delegating to the config
// register. Out-of-range reads surface as the register's ErrOutOfRange,
// which the transport reports as an invalid argument.
func (b *Backend) ReadConfig(offset, length uint32) ([]byte, error) {
	return b.config.Read(offset, length)
}

// WriteConfig implements vhostuser.Device.
func (b *Backend) WriteConfig(offset uint32, data []byte) error {
	return b.config.Write(offset, data)
}

// QueueAssignments implements vhostuser.Device: one worker context per
// queue, so each mask has exactly one bit set.
func (b *Backend) QueueAssignments() []uint64 {
	masks := make([]uint64, len(b.workers))
	for i := range b.workers {
		masks[i] = 1 << uint(i)
	}
	return masks
}

// Violations returns the protocol violation count for a queue.
func (b *Backend) Violations(index int) uint64 {
	if index < 0 || index >= len(b.workers) {
		return 0
	}
	return b.workers[index].violations.Load()
}

// Config exposes the config register for direct embedding.
func (b *Backend) Config() *input.Config {
	return b.config
}

// Close broadcasts the shutdown signal. In-flight drains finish; further
// dispatch is declined with ErrShutdown. Close is idempotent.
func (b *Backend) Close() error {
	b.closeOnce.Do(func() {
		close(b.shutdown)
		b.logger.Debug("backend shut down")
	})
	return nil
}

// Done exposes the shutdown signal for worker and embedder select loops.
func (b *Backend) Done() <-chan struct{} {
	return b.shutdown
}

var _ vhostuser.Device = (*Backend)(nil)
