package nvmeshadow

import "github.com/ehrlich-b/nvme-shadow/internal/constants"

// Re-export a handful of constants callers commonly need without reaching
// into internal/constants directly.
const (
	AdminQueueID     = constants.AdminQueueID
	RequiredPageSize = constants.RequiredPageSize
	NoPairedQueue    = constants.NoPairedQueue

	DefaultFetchLimit              = constants.DefaultFetchLimit
	DefaultNamespacePageBytes      = constants.DefaultNamespacePageBytes
	DefaultMDTSBytes               = constants.DefaultMDTSBytes
	LongLatencyCompletionThreshold = constants.LongLatencyCompletionThreshold
)
