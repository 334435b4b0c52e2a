package vhostuser

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/obviyus/vhost-user-input/internal/virtio"
)

// mappedRegion is one guest memory region mapped into this process.
type mappedRegion struct {
	guestPhysAddr uint64
	userAddr      uint64
	size          uint64
	data          []byte
	mmapped       bool
}

// MemoryTable translates guest physical addresses to host mappings
// established by SET_MEM_TABLE. It implements virtio.GuestMemory.
//
// A table is immutable once built. Memory map updates replace the whole
// table; in-flight queue operations keep using the table they snapshotted
// and never observe a partial update.
type MemoryTable struct {
	regions []mappedRegion
}

// NewMemoryTable maps the regions described by a SET_MEM_TABLE message.
// Each region arrives with a file descriptor to mmap; the descriptor can be
// closed by the caller after mapping.
func NewMemoryTable(regions []memoryRegion, fds []int) (*MemoryTable, error) {
	if len(regions) != len(fds) {
		return nil, fmt.Errorf("vhostuser: %d memory regions but %d fds", len(regions), len(fds))
	}

	t := &MemoryTable{}
	for i, r := range regions {
		data, err := unix.Mmap(fds[i], int64(r.MmapOffset), int(r.Size),
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			t.Close()
			return nil, fmt.Errorf("vhostuser: mmap region %d (gpa 0x%x, %d bytes): %w",
				i, r.GuestPhysAddr, r.Size, err)
		}
		t.regions = append(t.regions, mappedRegion{
			guestPhysAddr: r.GuestPhysAddr,
			userAddr:      r.UserAddr,
			size:          r.Size,
			data:          data,
			mmapped:       true,
		})
	}
	return t, nil
}

// NewStaticMemoryTable wraps an in-process buffer as a single guest memory
// region starting at the given guest physical address. Used by tests and by
// embedders that already own the memory.
func NewStaticMemoryTable(guestPhysAddr uint64, data []byte) *MemoryTable {
	return &MemoryTable{regions: []mappedRegion{{
		guestPhysAddr: guestPhysAddr,
		userAddr:      guestPhysAddr,
		size:          uint64(len(data)),
		data:          data,
	}}}
}

// GuestAddress translates a master user-space address (as carried by
// SET_VRING_ADDR) into the guest physical address space the queue engine
// operates on.
func (t *MemoryTable) GuestAddress(userAddr uint64) (uint64, error) {
	for i := range t.regions {
		r := &t.regions[i]
		if userAddr >= r.userAddr && userAddr < r.userAddr+r.size {
			return r.guestPhysAddr + (userAddr - r.userAddr), nil
		}
	}
	return 0, fmt.Errorf("vhostuser: user address 0x%x not in any memory region", userAddr)
}

// Close unmaps all mapped regions. The table must not be used afterwards.
func (t *MemoryTable) Close() error {
	var firstErr error
	for _, r := range t.regions {
		if r.mmapped {
			if err := unix.Munmap(r.data); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	t.regions = nil
	return firstErr
}

func (t *MemoryTable) find(addr uint64) *mappedRegion {
	for i := range t.regions {
		r := &t.regions[i]
		if addr >= r.guestPhysAddr && addr < r.guestPhysAddr+r.size {
			return r
		}
	}
	return nil
}

// ReadAt implements virtio.GuestMemory. The offset is a guest physical
// address; reads may span adjacent regions.
func (t *MemoryTable) ReadAt(p []byte, off int64) (int, error) {
	return t.access(p, uint64(off), false)
}

// WriteAt implements virtio.GuestMemory.
func (t *MemoryTable) WriteAt(p []byte, off int64) (int, error) {
	return t.access(p, uint64(off), true)
}

func (t *MemoryTable) access(p []byte, addr uint64, write bool) (int, error) {
	done := 0
	for done < len(p) {
		r := t.find(addr)
		if r == nil {
			return done, fmt.Errorf("vhostuser: guest address 0x%x not mapped", addr)
		}
		regOff := addr - r.guestPhysAddr
		n := len(p) - done
		if avail := int(r.size - regOff); n > avail {
			n = avail
		}
		if write {
			copy(r.data[regOff:regOff+uint64(n)], p[done:done+n])
		} else {
			copy(p[done:done+n], r.data[regOff:regOff+uint64(n)])
		}
		done += n
		addr += uint64(n)
	}
	return done, nil
}

var _ virtio.GuestMemory = (*MemoryTable)(nil)
