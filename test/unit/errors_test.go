// Package unit covers small, self-contained pieces of the public API that
// don't need a full fake-hardware harness: error classification, parameter
// defaults, the no-op observer, and the encrypt interceptor's key check.
package unit

import (
	"errors"
	"testing"

	nvmeshadow "github.com/ehrlich-b/nvme-shadow"
	"github.com/stretchr/testify/require"
)

func TestErrorIsMatchesOnCodeNotInstance(t *testing.T) {
	a := &nvmeshadow.Error{Op: "SUBMIT_QUEUING", QueueID: 1, Code: nvmeshadow.ErrSlotExhausted}
	b := &nvmeshadow.Error{Op: "REGISTER_REQUEST", QueueID: 7, Code: nvmeshadow.ErrSlotExhausted}
	c := &nvmeshadow.Error{Op: "SUBMIT_QUEUING", QueueID: 1, Code: nvmeshadow.ErrUnknownQueue}

	require.True(t, errors.Is(a, b), "two *Error values with the same Code must compare equal under errors.Is")
	require.False(t, errors.Is(a, c), "different Codes must not compare equal")
}

func TestErrorUnwrapsInnerCause(t *testing.T) {
	inner := errors.New("boom")
	wrapped := &nvmeshadow.Error{Op: "MMIO_ACCESS", Code: nvmeshadow.ErrHardware, Inner: inner}
	require.ErrorIs(t, wrapped, inner)
}

func TestErrorStringIncludesOpAndQueue(t *testing.T) {
	e := &nvmeshadow.Error{Op: "CREATE_IO_QUEUE", QueueID: 3, Code: nvmeshadow.ErrUnsupportedPC}
	require.Contains(t, e.Error(), "CREATE_IO_QUEUE")
	require.Contains(t, e.Error(), "3")
}
