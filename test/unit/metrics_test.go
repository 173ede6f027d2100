package unit

import (
	"testing"

	nvmeshadow "github.com/ehrlich-b/nvme-shadow"
	"github.com/stretchr/testify/require"
)

func TestNoOpObserverSatisfiesInterface(t *testing.T) {
	var obs nvmeshadow.Observer = nvmeshadow.NoOpObserver{}
	// Must not panic; these are pure no-ops exercised only for coverage of
	// the default wiring path when no Options.Observer is supplied.
	obs.ObserveCompletion(0, 100, true)
	obs.ObserveDoorbellInconsistency(0)
	obs.ObserveInterceptorPause()
	obs.ObserveNamespaceEnumeration(1)
	obs.ObservePollTimeout(0)
}

func TestDefaultParamsUsesRequiredPageSize(t *testing.T) {
	p := nvmeshadow.DefaultParams()
	require.Equal(t, nvmeshadow.RequiredPageSize, p.PageSize)
	require.Equal(t, uint16(1), p.MaxIOQueues)
	require.NotZero(t, p.PollCompletenessTimeout)
}
