package backend

import (
	"sync"
	"sync/atomic"

	"github.com/obviyus/vhost-user-input/internal/input"
	"github.com/obviyus/vhost-user-input/internal/virtio"
)

// pollBatch bounds how many events a worker fetches from the source per
// refill, so one drain cannot starve other queues of source access.
const pollBatch = 64

// queueWorker owns one virtqueue's traffic for the device's lifetime.
// Queue-local state is only touched under mu, taken by the dispatch path
// and by transport ring setup.
type queueWorker struct {
	backend *Backend
	index   int

	mu      sync.Mutex
	queue   *virtio.Queue
	pending []input.Event

	// violations counts malformed or undersized descriptor chains. They
	// are skipped and completed with length 0, never fatal.
	violations atomic.Uint64
}

func newQueueWorker(b *Backend, index int, depth uint16) *queueWorker {
	return &queueWorker{
		backend: b,
		index:   index,
		queue:   virtio.NewQueue(depth),
	}
}

func (w *queueWorker) configure(fn func(q *virtio.Queue) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return fn(w.queue)
}

// drain consumes available descriptor chains on the event queue and fills
// them with translated input events, one event per chain.
//
// The guest memory handle is snapshotted under the queue lock and fixed
// for the whole call: a memory map update arriving concurrently is
// observed by the next drain, never mid-chain, and a caller that takes
// every queue lock once after a swap knows no drain still uses the prior
// handle. In event-index mode the worker re-checks for descriptors added
// between the last availability check and the used-ring publish, looping
// until a pass finds nothing; otherwise a single pass per kick suffices.
func (w *queueWorker) drain() (delivered int, notify bool, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	mem, eventIdx := w.backend.snapshot()
	if mem == nil {
		// No memory table yet; nothing can be delivered.
		return 0, false, nil
	}

	w.queue.EventIdx = eventIdx
	for {
		n, consumed, wantNotify, err := w.drainPass(mem)
		delivered += n
		notify = notify || wantNotify
		if err != nil {
			return delivered, notify, err
		}
		if !eventIdx || consumed == 0 {
			return delivered, notify, nil
		}
	}
}

// drainPass is a single availability-check-to-publish cycle. It returns
// the number of events delivered and the number of chains consumed; the
// two differ when violating chains are skipped.
func (w *queueWorker) drainPass(mem virtio.GuestMemory) (delivered, consumed int, notify bool, err error) {
	q := w.queue
	if !q.Ready || !q.Enabled || q.Size == 0 {
		return 0, 0, false, nil
	}

	oldUsed := q.UsedIdx()
	var used []virtio.UsedElement

	for {
		// Check for pending events before consuming a chain: an exhausted
		// source leaves the remaining chains available for the next kick.
		if len(w.pending) == 0 {
			w.pending = w.backend.source.Poll(pollBatch)
			if len(w.pending) == 0 {
				break
			}
		}

		head, ok, perr := q.PopAvailable(mem)
		if perr != nil {
			err = perr
			break
		}
		if !ok {
			break
		}

		chain, cerr := q.ReadChain(mem, head)
		if cerr != nil {
			w.violation("unreadable descriptor chain", "head", head, "err", cerr)
			used = append(used, virtio.UsedElement{Head: head})
			continue
		}

		seg, ok := firstWritable(chain)
		if !ok {
			// A buffer too small for one event record is skipped whole
			// rather than partially written as a torn record.
			w.violation("no writable segment for event record", "head", head)
			used = append(used, virtio.UsedElement{Head: head})
			continue
		}

		ev := w.pending[0]
		if werr := virtio.WriteGuest(mem, seg.Addr, ev.Encode(nil)); werr != nil {
			err = werr
			used = append(used, virtio.UsedElement{Head: head})
			break
		}

		w.pending = w.pending[1:]
		used = append(used, virtio.UsedElement{Head: head, Length: input.EventSize})
		delivered++
	}

	consumed = len(used)
	if consumed > 0 {
		if perr := q.PublishUsed(mem, used); perr != nil && err == nil {
			err = perr
		}
		if err == nil {
			notify, err = q.NeedsNotification(mem, oldUsed)
		}
	}
	return delivered, consumed, notify, err
}

// consume acknowledges all available chains without interpreting them.
// The status queue carries LED and autorepeat writes this device ignores.
func (w *queueWorker) consume() (notify bool, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	mem, eventIdx := w.backend.snapshot()
	if mem == nil {
		return false, nil
	}

	q := w.queue
	q.EventIdx = eventIdx
	if !q.Ready || !q.Enabled || q.Size == 0 {
		return false, nil
	}

	for {
		oldUsed := q.UsedIdx()
		var used []virtio.UsedElement
		for {
			head, ok, perr := q.PopAvailable(mem)
			if perr != nil {
				return notify, perr
			}
			if !ok {
				break
			}
			used = append(used, virtio.UsedElement{Head: head})
		}
		if len(used) == 0 {
			return notify, nil
		}
		if perr := q.PublishUsed(mem, used); perr != nil {
			return notify, perr
		}
		want, perr := q.NeedsNotification(mem, oldUsed)
		if perr != nil {
			return notify, perr
		}
		notify = notify || want
		if !eventIdx {
			return notify, nil
		}
	}
}

func (w *queueWorker) violation(msg string, args ...any) {
	w.violations.Add(1)
	args = append([]any{"queue", w.index}, args...)
	w.backend.logger.Warn("protocol violation: "+msg, args...)
}

// firstWritable returns the first device-writable segment large enough for
// one event record.
func firstWritable(chain []virtio.Payload) (virtio.Payload, bool) {
	for _, p := range chain {
		if p.IsWrite && p.Length >= input.EventSize {
			return p, true
		}
	}
	return virtio.Payload{}, false
}
