package env

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fenlake/swarmctl/pkg/rterr"
)

func TestFSMLegalTransitions(t *testing.T) {
	f := NewFSM()
	require.NoError(t, f.Transition(PhaseRunning))
	require.NoError(t, f.Transition(PhasePaused))
	require.NoError(t, f.Transition(PhaseRunning))
	require.NoError(t, f.Transition(PhaseCompleted))
	assert.Equal(t, PhaseCompleted, f.Phase())
}

func TestFSMRejectsIllegalTransitions(t *testing.T) {
	f := NewFSM()
	err := f.Transition(PhasePaused) // cannot pause before running
	assert.ErrorIs(t, err, rterr.ErrInvalidTransition)
	assert.Equal(t, PhaseInitialized, f.Phase())
}

func TestFSMTerminalPhasesRejectEverything(t *testing.T) {
	f := NewFSM()
	require.NoError(t, f.Transition(PhaseRunning))
	require.NoError(t, f.Transition(PhaseTerminated))

	err := f.Transition(PhaseRunning)
	assert.ErrorIs(t, err, rterr.ErrInvalidTransition)
}

func TestStoreGetDoesNotFallBackToEnvScope(t *testing.T) {
	s := NewStore()
	s.Set("env", "season", []byte(`"summer"`))

	v, ok := s.Get("env", "season")
	require.True(t, ok)
	assert.JSONEq(t, `"summer"`, string(v))

	_, ok = s.Get("agent_type:forager", "season")
	assert.False(t, ok)
}

func TestStoreSnapshotGroupsByKind(t *testing.T) {
	s := NewStore()
	s.Set("env", "k1", []byte(`1`))
	s.Set("agent:a1", "k2", []byte(`2`))

	snap := s.Snapshot()
	require.Contains(t, snap, "env")
	require.Contains(t, snap, "agent:a1")
	assert.Equal(t, []byte(`1`), snap["env"]["k1"])
}
