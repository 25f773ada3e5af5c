package registry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/conductor/pkg/api"
)

func noopOrchestrator(ctx api.OrchestrationContext) (any, error) { return nil, nil }
func noopActivity(ctx api.ActivityContext) (any, error)          { return nil, nil }
func noopOperation(ctx api.EntityContext) error                  { return nil }

func TestRegistry_Orchestrators(t *testing.T) {
	r := New()
	require.NoError(t, r.AddOrchestrator("b", noopOrchestrator))
	require.NoError(t, r.AddOrchestrator("a", noopOrchestrator))
	require.Error(t, r.AddOrchestrator("a", noopOrchestrator), "duplicate")
	require.Error(t, r.AddOrchestrator("", noopOrchestrator))
	require.Error(t, r.AddOrchestrator("nil", nil))

	_, err := r.Orchestrator("a")
	require.NoError(t, err)
	_, err = r.Orchestrator("missing")
	require.ErrorIs(t, err, api.ErrUnknownOrchestrator)

	require.Equal(t, []string{"a", "b"}, r.Orchestrators())
}

func TestRegistry_Activities(t *testing.T) {
	r := New()
	policy := &api.RetryPolicy{MaxAttempts: 3}
	require.NoError(t, r.AddActivity("SendWelcome", noopActivity, api.ActivityOptions{Retry: policy}))
	require.Error(t, r.AddActivity("SendWelcome", noopActivity, api.ActivityOptions{}))

	a, err := r.Activity("SendWelcome")
	require.NoError(t, err)
	require.Equal(t, "SendWelcome", a.Name)
	require.Same(t, policy, a.Options.Retry)

	_, err = r.Activity("Missing")
	require.ErrorIs(t, err, api.ErrUnknownActivity)
}

func TestRegistry_EntitiesAreCaseInsensitive(t *testing.T) {
	r := New()
	require.NoError(t, r.AddEntity("Department", map[string]api.EntityOperation{"hire": noopOperation}))
	require.Error(t, r.AddEntity("department", map[string]api.EntityOperation{"hire": noopOperation}))
	require.Error(t, r.AddEntity("empty", nil))

	require.True(t, r.HasEntity("DEPARTMENT"))
	_, err := r.EntityOperation("department", "hire")
	require.NoError(t, err)

	_, err = r.EntityOperation("department", "fire")
	require.ErrorIs(t, err, api.ErrUnknownOperation)
	_, err = r.EntityOperation("team", "hire")
	require.ErrorIs(t, err, api.ErrUnknownEntity)
}
