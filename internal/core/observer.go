package core

// Observer lets a caller above this engine collect the same events this
// package already tracks internally via Metrics, without this package
// depending on anything outside internal/. A nil Observer is always safe to
// call through; every call site guards it.
type Observer interface {
	// ObserveCompletion fires once per completed request, guest- or
	// host-originated, right after the latency is computed.
	ObserveCompletion(queueID uint16, latencyNs uint64, hostOriginated bool)

	// ObserveDoorbellInconsistency fires when UpdateCompDB sees a zero or
	// over-ack completion-doorbell write
	ObserveDoorbellInconsistency(queueID uint16)

	// ObserveInterceptorPause fires when the interceptor's OnInit hook
	// suspends fetch on the first I/O-queue doorbell write.
	ObserveInterceptorPause()

	// ObserveNamespaceEnumeration fires once the self-issued namespace
	// enumeration chain completes, with the final namespace count.
	ObserveNamespaceEnumeration(namespaceCount int)

	// ObservePollTimeout fires just before poll_completeness panics on a
	// deadline miss, so the caller's last log line is not the panic itself.
	ObservePollTimeout(queueID uint16)
}

func (h *Host) observeCompletion(queueID uint16, latencyNs uint64, hostOriginated bool) {
	if h.params.Observer != nil {
		h.params.Observer.ObserveCompletion(queueID, latencyNs, hostOriginated)
	}
}

func (h *Host) observeDoorbellInconsistency(queueID uint16) {
	if h.params.Observer != nil {
		h.params.Observer.ObserveDoorbellInconsistency(queueID)
	}
}

func (h *Host) observeInterceptorPause() {
	if h.params.Observer != nil {
		h.params.Observer.ObserveInterceptorPause()
	}
}

func (h *Host) observeNamespaceEnumeration(namespaceCount int) {
	if h.params.Observer != nil {
		h.params.Observer.ObserveNamespaceEnumeration(namespaceCount)
	}
}

func (h *Host) observePollTimeout(queueID uint16) {
	if h.params.Observer != nil {
		h.params.Observer.ObservePollTimeout(queueID)
	}
}
