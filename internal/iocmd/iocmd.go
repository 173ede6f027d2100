// Package iocmd holds the value types shared between the core queue
// machinery and the interceptor ABI. It is kept free of both packages'
// dependencies so each can import it without creating a cycle.
package iocmd

import (
	"time"

	"github.com/ehrlich-b/nvme-shadow/internal/nvmewire"
)

// Request is one in-flight command as it travels from SubmPath through an
// interceptor chain to the host submission queue, and back through CompPath
// to a synthesized guest completion (or, for host-originated requests,
// straight to its callback).
type Request struct {
	// SubmQueueID is the submission queue this request was placed on
	// (guest-origin: the queue it was fetched from; host-origin: the queue
	// the core chose to issue it on, normally the admin queue).
	SubmQueueID uint16

	// CompQueueID is the paired completion queue ID.
	CompQueueID uint16

	// IsHostReq marks a request the core itself originated (namespace
	// enumeration, identify, feature negotiation) rather than fetched from
	// the guest.
	IsHostReq bool

	// OrigCmdID is the guest's own CID, preserved so CompPath can restore
	// it in the synthesized guest completion. Meaningless for host-origin
	// requests.
	OrigCmdID uint16

	// HostSlot is the CID this request was assigned in the host's
	// SubmSlot, set at drain time by submit_queuing.
	HostSlot uint16

	// Entry is the decoded submission entry as fetched from guest memory,
	// or built directly by the core for a host-origin request.
	Entry nvmewire.SubmEntry

	// OrigPRP1/OrigPRP2 preserve the guest's original buffer pointers so a
	// shadowed request can be restored or bypassed at completion time.
	OrigPRP1 uint64
	OrigPRP2 uint64

	// NS carries the active namespace metadata for this request's NSID,
	// populated before an interceptor sees the request.
	NS NamespaceMeta

	// LBAStart/NLBAs/TotalBytes are populated for Read/Write/Compare
	// commands before the interceptor's on_read/on_write/on_compare hook runs.
	// For a deallocating Dataset Management command handed to
	// OnDataManagement, TotalBytes is the byte length of its range list.
	LBAStart   uint64
	NLBAs      uint32
	TotalBytes uint64

	// SubmittedAt is stamped when the request is registered with its
	// RequestHub, used to compute completion latency.
	SubmittedAt time.Time

	// HostScratch is a host-owned scratch page for admin commands that
	// need one (Identify, Get Log Page), with its physical address for
	// PRP1 patching.
	HostScratch      []byte
	HostScratchPhys  uint64

	// Paused is set by an interceptor that wants the core to hold this
	// request rather than forward it to the host queue this round
	//
	Paused bool

	// Dropped marks a request to be failed back to the guest with
	// DropStatus without ever reaching the host queue; the core's Create
	// I/O Queue handlers set it, and SubmPath honors it for any request.
	Dropped    bool
	DropStatus uint16

	// Callback, if non-nil, is invoked by CompPath once this request's
	// completion is observed from the host, before the completion is
	// written back to the guest completion queue (guest-origin) or instead
	// of any guest write (host-origin). Interceptors and the core's own
	// continuation chains (namespace enumeration, identify filtering) use
	// this to transform data or chain the next command.
	Callback func(*Request, *nvmewire.CompEntry)

	// scratch is a reusable buffer interceptors may borrow for bounce
	// operations (e.g. decrypt-in-place); never re-sliced across requests.
	scratch []byte
}

// Scratch returns a byte slice of at least n bytes private to this request,
// growing the backing buffer if necessary.
func (r *Request) Scratch(n int) []byte {
	if cap(r.scratch) < n {
		r.scratch = make([]byte, n)
	}
	return r.scratch[:n]
}

// NamespaceMeta is the subset of Identify Namespace state the core and
// interceptors need without re-parsing the raw 4096-byte payload.
type NamespaceMeta struct {
	NSID       uint32
	LBABytes   uint64
	MetaBytes  uint16
	MetaEndLBA bool
	SizeBlocks uint64
}
