package nvmeshadow

import "github.com/ehrlich-b/nvme-shadow/internal/core"

// Error is the structured error type every engine operation returns,
// re-exported so callers can use errors.As/errors.Is against it without
// reaching into internal/core.
type Error = core.Error

// Op and ErrCode are re-exported for callers that want to branch on the
// specific operation or error category behind a failed call.
type (
	Op      = core.Op
	ErrCode = core.ErrCode
)

// Error code constants, re-exported from internal/core for callers that
// want to compare against a returned *Error's Code field.
const (
	ErrUnknownQueue  = core.ErrUnknownQueue
	ErrQueueDisabled = core.ErrQueueDisabled
	ErrInvalidPRP    = core.ErrInvalidPRP
	ErrUnsupportedPC = core.ErrUnsupportedPC
	ErrSlotExhausted = core.ErrSlotExhausted
	ErrHardware      = core.ErrHardware
)
