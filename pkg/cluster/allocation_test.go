package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateIsDeterministicForFixedSeed(t *testing.T) {
	agents := []string{"a1", "a2", "a3", "a4", "a5", "a6"}
	edges := []Edge{
		{A: "a1", B: "a2", Weight: 10},
		{A: "a2", B: "a3", Weight: 8},
		{A: "a4", B: "a5", Weight: 9},
		{A: "a5", B: "a6", Weight: 7},
	}
	workers := []string{"w1", "w2"}

	p1 := Allocate(agents, edges, workers, 42)
	p2 := Allocate(agents, edges, workers, 42)

	assert.Equal(t, p1, p2)
}

func TestAllocateCoversEveryAgent(t *testing.T) {
	agents := []string{"a1", "a2", "a3"}
	workers := []string{"w1", "w2"}

	plan := Allocate(agents, nil, workers, 1)
	require.Len(t, plan, len(agents))
	for _, id := range agents {
		w, ok := plan[id]
		assert.True(t, ok)
		assert.Contains(t, workers, w)
	}
}

func TestAllocateHeavilyConnectedAgentsShareAWorker(t *testing.T) {
	agents := []string{"a1", "a2", "a3", "a4"}
	edges := []Edge{
		{A: "a1", B: "a2", Weight: 100},
	}
	workers := []string{"w1", "w2", "w3", "w4"}

	plan := Allocate(agents, edges, workers, 7)
	assert.Equal(t, plan["a1"], plan["a2"], "strongly coupled agents should land on the same worker")
}

func TestAllocateEmptyInputsReturnEmptyPlan(t *testing.T) {
	assert.Empty(t, Allocate(nil, nil, []string{"w1"}, 0))
	assert.Empty(t, Allocate([]string{"a1"}, nil, nil, 0))
}

func TestAllocateBalancesLoadAcrossWorkers(t *testing.T) {
	agents := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		agents = append(agents, string(rune('a'+i)))
	}
	workers := []string{"w1", "w2"}

	plan := Allocate(agents, nil, workers, 3)
	counts := map[string]int{}
	for _, w := range plan {
		counts[w]++
	}
	for _, w := range workers {
		assert.InDelta(t, 10, counts[w], 10, "load should be roughly balanced across workers")
	}
}
