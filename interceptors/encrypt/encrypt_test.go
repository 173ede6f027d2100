package encrypt

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/nvme-shadow/internal/interceptor"
	"github.com/ehrlich-b/nvme-shadow/internal/iocmd"
)

// fakeGuestBuf is a flat in-memory stand-in for interceptor.GuestBuf, used
// so this package's tests do not need a real memio.GuestMemory.
type fakeGuestBuf struct {
	data []byte
}

func (f *fakeGuestBuf) Len() int { return len(f.data) }

// fakeDMABuf is a flat in-memory stand-in for interceptor.DMABuf.
type fakeDMABuf struct {
	buf  []byte
	phys uint64
}

func (f *fakeDMABuf) Bytes() []byte    { return f.buf }
func (f *fakeDMABuf) PhysAddr() uint64 { return f.phys }

// fakeHelpers implements interceptor.Helpers entirely in memory, letting
// this package's tests exercise the ABI without internal/core. lastDMABuf
// exposes whatever buffer the interceptor most recently allocated, standing
// in for the "device writes into the shadow buffer" step a real controller
// would perform via DMA.
type fakeHelpers struct {
	guest      *fakeGuestBuf
	dmaPhys    uint64
	lastDMABuf *fakeDMABuf
	callback   func(*iocmd.Request, interceptor.CompletionView)
}

func (f *fakeHelpers) AllocGuestBuf(req *iocmd.Request) (interceptor.GuestBuf, error) {
	return f.guest, nil
}

func (f *fakeHelpers) MemcpyGuestBuf(g interceptor.GuestBuf, host []byte, offset int, toGuest bool) (int, error) {
	gb := g.(*fakeGuestBuf)
	if toGuest {
		n := copy(gb.data[offset:], host)
		return n, nil
	}
	n := copy(host, gb.data[offset:])
	return n, nil
}

func (f *fakeHelpers) AllocDMABuf(n int) (interceptor.DMABuf, error) {
	f.dmaPhys += 0x1000
	buf := &fakeDMABuf{buf: make([]byte, n), phys: f.dmaPhys}
	f.lastDMABuf = buf
	return buf, nil
}

func (f *fakeHelpers) SetShadowBuffer(req *iocmd.Request, shadow interceptor.DMABuf) {
	req.Entry.PRP1 = shadow.PhysAddr()
}

func (f *fakeHelpers) PauseRequest(req *iocmd.Request)  { req.Paused = true }
func (f *fakeHelpers) ResumeRequest(req *iocmd.Request) { req.Paused = false }

func (f *fakeHelpers) SetCallback(req *iocmd.Request, fn func(*iocmd.Request, interceptor.CompletionView)) {
	f.callback = fn
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	ic, err := New(bytes.Repeat([]byte{0x42}, 32), nil)
	require.NoError(t, err)
	abi := ic.ABI()

	plaintext := []byte("the quick brown fox jumps over the lazy dog....")

	// --- Write path: the interceptor must shadow the guest buffer with
	// ciphertext before the "device" ever sees it.
	writeGuest := &fakeGuestBuf{data: append([]byte(nil), plaintext...)}
	writeHelpers := &fakeHelpers{guest: writeGuest}
	writeReq := &iocmd.Request{NS: iocmd.NamespaceMeta{LBABytes: 512}}

	abi.OnWrite(abi.Self, writeHelpers, writeReq, 7, 100, 1)
	require.EqualValues(t, 1, ic.NIntercepted())
	require.NotNil(t, writeHelpers.callback)
	require.NotNil(t, writeHelpers.lastDMABuf)
	require.NotEqual(t, plaintext, writeHelpers.lastDMABuf.Bytes())

	storedCiphertext := append([]byte(nil), writeHelpers.lastDMABuf.Bytes()...)
	writeHelpers.callback(writeReq, interceptor.CompletionView{Status: 0})
	require.EqualValues(t, 0, ic.NIntercepted())

	// --- Read path: the "device" returns the ciphertext the write produced;
	// the interceptor's completion callback must decrypt it back into the
	// guest's buffer, reproducing the original plaintext.
	readGuest := &fakeGuestBuf{data: make([]byte, len(plaintext))}
	readHelpers := &fakeHelpers{guest: readGuest}
	readReq := &iocmd.Request{NS: iocmd.NamespaceMeta{LBABytes: 512}}

	abi.OnRead(abi.Self, readHelpers, readReq, 7, 100, 1)
	require.NotNil(t, readHelpers.callback)
	require.NotNil(t, readHelpers.lastDMABuf)
	copy(readHelpers.lastDMABuf.Bytes(), storedCiphertext)

	readHelpers.callback(readReq, interceptor.CompletionView{Status: 0})
	require.EqualValues(t, 0, ic.NIntercepted())
	require.Equal(t, plaintext, readGuest.data)
}

func TestErrorStatusSkipsDecrypt(t *testing.T) {
	ic, err := New(bytes.Repeat([]byte{0x11}, 16), nil)
	require.NoError(t, err)
	abi := ic.ABI()

	guest := &fakeGuestBuf{data: make([]byte, 16)}
	helpers := &fakeHelpers{guest: guest}
	req := &iocmd.Request{NS: iocmd.NamespaceMeta{LBABytes: 512}}

	abi.OnRead(abi.Self, helpers, req, 1, 0, 1)
	require.NotNil(t, helpers.callback)
	helpers.callback(req, interceptor.CompletionView{Status: 0x0002 << 1})
	require.EqualValues(t, 0, ic.NIntercepted())
	require.Equal(t, make([]byte, 16), guest.data)
}

func TestCanStopAndPollCompleteness(t *testing.T) {
	ic, err := New(bytes.Repeat([]byte{0x01}, 16), nil)
	require.NoError(t, err)
	abi := ic.ABI()
	require.True(t, abi.CanStop(abi.Self))
	require.False(t, abi.PollCompleteness(abi.Self))
	require.False(t, abi.OnInit(abi.Self))
}

func TestGetFetchingLimitBounds(t *testing.T) {
	ic, err := New(bytes.Repeat([]byte{0x01}, 16), nil)
	require.NoError(t, err)
	abi := ic.ABI()
	require.Equal(t, 16, abi.GetFetchingLimit(abi.Self, 100))
	require.Equal(t, 8, abi.GetFetchingLimit(abi.Self, 0))
	require.Equal(t, 3, abi.GetFetchingLimit(abi.Self, 3))
}
