package nvmeshadow

import "github.com/ehrlich-b/nvme-shadow/internal/core"

// MetricsSnapshot is a point-in-time copy of engine counters: request
// volume, stall/retry conditions, and completion latency
type MetricsSnapshot = core.MetricsSnapshot

// Observer lets a caller collect the same events the engine tracks
// internally via Metrics, without depending on internal/core directly.
type Observer = core.Observer

// NoOpObserver implements Observer with empty methods, the default when no
// Options.Observer is supplied.
type NoOpObserver struct{}

func (NoOpObserver) ObserveCompletion(queueID uint16, latencyNs uint64, hostOriginated bool) {}
func (NoOpObserver) ObserveDoorbellInconsistency(queueID uint16)                             {}
func (NoOpObserver) ObserveInterceptorPause()                                                {}
func (NoOpObserver) ObserveNamespaceEnumeration(namespaceCount int)                          {}
func (NoOpObserver) ObservePollTimeout(queueID uint16)                                       {}

var _ Observer = NoOpObserver{}
