package copilot

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/router-for-me/copilotctl/internal/config"
	apperrors "github.com/router-for-me/copilotctl/internal/errors"
	"github.com/stretchr/testify/require"
)

func idleFlow(t *testing.T, account string) *DeviceFlow {
	t.Helper()
	flow, err := NewCopilotAuth(nil).NewDeviceFlow(config.AccountIndividual, account)
	require.NoError(t, err)
	return flow
}

func TestNormalizeAccountKey(t *testing.T) {
	require.Equal(t, DefaultAccountKey, NormalizeAccountKey(""))
	require.Equal(t, DefaultAccountKey, NormalizeAccountKey("   "))
	require.Equal(t, "octocat", NormalizeAccountKey(" OctoCat "))
}

func TestRegistry_OneActiveFlowPerKey(t *testing.T) {
	reg := NewRegistry()
	first := idleFlow(t, "work")
	second := idleFlow(t, "work")

	require.NoError(t, reg.Acquire("work", first))
	require.NoError(t, reg.Acquire("WORK", first), "re-acquiring the same flow is allowed")

	err := reg.Acquire("work", second)
	require.True(t, errors.Is(err, apperrors.ErrFlowAlreadyInProgress), "got %v", err)
	require.Same(t, first, reg.Get("work"))

	require.NoError(t, reg.Acquire("personal", second), "other keys are independent")
	require.ElementsMatch(t, []string{"work", "personal"}, reg.Active())
}

func TestRegistry_FinishedFlowIsReplaced(t *testing.T) {
	reg := NewRegistry()
	first := idleFlow(t, "")
	require.NoError(t, reg.Acquire("", first))
	require.True(t, first.Cancel())
	require.Empty(t, reg.Active())

	second := idleFlow(t, "")
	require.NoError(t, reg.Acquire(DefaultAccountKey, second))
	require.Same(t, second, reg.Get(""))
}

func TestRegistry_ReleaseOnlyOwnFlow(t *testing.T) {
	reg := NewRegistry()
	first := idleFlow(t, "work")
	second := idleFlow(t, "work")

	require.NoError(t, reg.Acquire("work", first))
	reg.Release("work", second)
	require.Same(t, first, reg.Get("work"))

	reg.Release("work", first)
	require.Nil(t, reg.Get("work"))
	reg.Release("missing", first)
	require.Nil(t, reg.Get("missing"))
}

func TestRegistry_ConcurrentAcquire(t *testing.T) {
	reg := NewRegistry()
	const workers = 32

	flows := make([]*DeviceFlow, workers)
	for i := range flows {
		flows[i] = idleFlow(t, "shared")
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(flow *DeviceFlow) {
			defer wg.Done()
			if err := reg.Acquire("shared", flow); err == nil {
				wins.Add(1)
			} else if !errors.Is(err, apperrors.ErrFlowAlreadyInProgress) {
				t.Errorf("unexpected error: %v", err)
			}
		}(flows[i])
	}
	wg.Wait()

	require.Equal(t, int32(1), wins.Load())
	require.NotNil(t, reg.Get("shared"))
}
