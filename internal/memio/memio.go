// Package memio defines the guest-memory and host DMA-pool contracts this
// core depends on but never implements itself, plus the PRP scatter-gather
// chain walker built on top of them.
package memio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrChainTooLong bounds PRP list traversal against a runaway or corrupt chain.
var ErrChainTooLong = errors.New("memio: PRP chain exceeds maximum supported length")

// maxChainPages caps a single PRP list walk; real transfers are bounded by
// MDTS long before this is reached.
const maxChainPages = 4096

// GuestMemory maps guest-physical ranges into host-addressable byte slices.
// The hypervisor backing this is out of scope; this core only depends on
// the mapping contract.
type GuestMemory interface {
	// Map returns a byte slice backed by guest physical memory
	// [gphys, gphys+length), with write access if writable is set.
	Map(gphys uint64, length int, writable bool) ([]byte, error)

	// Unmap releases a slice previously returned by Map. Implementations
	// may treat this as a no-op if the mapping is kept resident.
	Unmap(b []byte) error

	// PageSize is the guest memory-page granularity PRP chains are walked in.
	PageSize() int
}

// DMAPool allocates host memory physically addressable by the hardware.
type DMAPool interface {
	// Alloc returns a page-aligned buffer of at least n bytes and its
	// physical address.
	Alloc(n int) (buf []byte, physAddr uint64, err error)

	// Free releases a buffer previously returned by Alloc.
	Free(buf []byte) error
}

// GuestBuf is a scatter-gather view over a guest buffer built from a PRP
// chain: one or more host-mapped pages plus the byte range of the final
// page that is actually in use.
type GuestBuf struct {
	pages []guestPage
}

type guestPage struct {
	data []byte
}

// Len returns the total addressable length across all pages.
func (g *GuestBuf) Len() int {
	n := 0
	for _, p := range g.pages {
		n += len(p.data)
	}
	return n
}

// CopyTo copies up to len(dst) bytes from the scatter-gather view starting
// at offset, returning the number of bytes copied.
func (g *GuestBuf) CopyTo(dst []byte, offset int) int {
	return g.copy(dst, offset, true)
}

// CopyFrom copies up to len(src) bytes into the scatter-gather view
// starting at offset, returning the number of bytes copied.
func (g *GuestBuf) CopyFrom(src []byte, offset int) int {
	return g.copy(src, offset, false)
}

func (g *GuestBuf) copy(buf []byte, offset int, toBuf bool) int {
	remaining := offset
	copied := 0
	for _, p := range g.pages {
		if remaining >= len(p.data) {
			remaining -= len(p.data)
			continue
		}
		chunk := p.data[remaining:]
		remaining = 0
		n := len(chunk)
		if n > len(buf)-copied {
			n = len(buf) - copied
		}
		if n <= 0 {
			break
		}
		if toBuf {
			copy(buf[copied:copied+n], chunk[:n])
		} else {
			copy(chunk[:n], buf[copied:copied+n])
		}
		copied += n
		if copied >= len(buf) {
			break
		}
	}
	return copied
}

// WalkPRP builds a GuestBuf over a PRP1/PRP2 chain for a transfer of
// lenBytes. wholeBufferInPRP1 is set for the Apple-vendor quirk where
// flags bit 5 means PRP1 alone carries the entire transfer
func WalkPRP(gm GuestMemory, prp1, prp2 uint64, lenBytes int, wholeBufferInPRP1 bool) (*GuestBuf, error) {
	pageSize := gm.PageSize()
	if wholeBufferInPRP1 {
		data, err := gm.Map(prp1, lenBytes, true)
		if err != nil {
			return nil, fmt.Errorf("memio: map PRP1 whole-buffer: %w", err)
		}
		return &GuestBuf{pages: []guestPage{{data: data}}}, nil
	}

	var pages []guestPage
	firstLen := pageSize - int(prp1%uint64(pageSize))
	if firstLen > lenBytes {
		firstLen = lenBytes
	}
	data, err := gm.Map(prp1, firstLen, true)
	if err != nil {
		return nil, fmt.Errorf("memio: map PRP1: %w", err)
	}
	pages = append(pages, guestPage{data: data})
	remaining := lenBytes - firstLen
	if remaining <= 0 {
		return &GuestBuf{pages: pages}, nil
	}

	if remaining <= pageSize {
		data, err := gm.Map(prp2, remaining, true)
		if err != nil {
			return nil, fmt.Errorf("memio: map PRP2 direct: %w", err)
		}
		pages = append(pages, guestPage{data: data})
		return &GuestBuf{pages: pages}, nil
	}

	// PRP2 points at a list of further PRP pointers, one per page, with the
	// last entry of a page potentially pointing to a continuation list.
	listPtr := prp2
	pagesWalked := 0
	for remaining > 0 {
		if pagesWalked >= maxChainPages {
			return nil, ErrChainTooLong
		}
		list, err := gm.Map(listPtr, pageSize, false)
		if err != nil {
			return nil, fmt.Errorf("memio: map PRP list page: %w", err)
		}
		entriesPerPage := pageSize / 8
		for i := 0; i < entriesPerPage && remaining > 0; i++ {
			entry := binary.LittleEndian.Uint64(list[i*8 : i*8+8])
			last := i == entriesPerPage-1
			chunkLen := pageSize
			if chunkLen > remaining {
				chunkLen = remaining
			}
			if last && remaining > pageSize {
				// This entry is a pointer to the next list page, not data.
				listPtr = entry
				pagesWalked++
				break
			}
			data, err := gm.Map(entry, chunkLen, true)
			if err != nil {
				return nil, fmt.Errorf("memio: map PRP list entry: %w", err)
			}
			pages = append(pages, guestPage{data: data})
			remaining -= chunkLen
			pagesWalked++
		}
	}
	return &GuestBuf{pages: pages}, nil
}
