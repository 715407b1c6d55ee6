package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fenlake/swarmctl/pkg/clock"
	"github.com/fenlake/swarmctl/pkg/lock"
)

func TestReallocateThreadsAgentTypeIntoDirectory(t *testing.T) {
	c, _ := clock.NewFake()
	directory := NewDirectory(c)
	directory.RegisterWorker("w1", "ws://w1:7071")

	m := NewMaster(c, directory, lock.NewLocal(c), nil, 0, 1)
	plan := m.Reallocate([]AgentSpec{{ID: "agent-1", Type: "forager"}, {ID: "agent-2", Type: "scout"}}, nil)

	require.Len(t, plan, 2)
	roster := directory.AgentsForWorker("w1")
	assert.ElementsMatch(t, []AgentSpec{{ID: "agent-1", Type: "forager"}, {ID: "agent-2", Type: "scout"}}, roster)
}

func TestReallocateWithNoAliveWorkersProducesEmptyPlan(t *testing.T) {
	c, _ := clock.NewFake()
	directory := NewDirectory(c)

	m := NewMaster(c, directory, lock.NewLocal(c), nil, 0, 1)
	plan := m.Reallocate([]AgentSpec{{ID: "agent-1", Type: "forager"}}, nil)

	assert.Empty(t, plan)
}
