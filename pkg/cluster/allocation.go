package cluster

import (
	"math/rand"
	"sort"
)

// Edge is a weighted interaction between two agents, used as the input to
// allocation: agents that interact heavily should land on the same worker
// when possible, to keep their traffic in-process.
type Edge struct {
	A, B   string
	Weight float64
}

// Plan maps each agent id to the worker id it should run on.
type Plan map[string]string

// Allocate partitions agentIDs across the given workerIDs using a greedy
// label-propagation community detection pass seeded by edges, then packs
// communities onto workers in weight-descending order (heaviest
// communities first) to balance load. Deterministic for a fixed seed.
func Allocate(agentIDs []string, edges []Edge, workerIDs []string, seed int64) Plan {
	plan := make(Plan, len(agentIDs))
	if len(workerIDs) == 0 || len(agentIDs) == 0 {
		return plan
	}

	communities := detectCommunities(agentIDs, edges, seed)

	type community struct {
		members []string
		weight  float64
	}
	byLabel := make(map[string]*community)
	order := make([]string, 0)
	for _, id := range agentIDs {
		label := communities[id]
		c, ok := byLabel[label]
		if !ok {
			c = &community{}
			byLabel[label] = c
			order = append(order, label)
		}
		c.members = append(c.members, id)
	}
	for _, e := range edges {
		if la, ok := communities[e.A]; ok {
			if lb := communities[e.B]; lb == la {
				byLabel[la].weight += e.Weight
			}
		}
	}

	sort.Slice(order, func(i, j int) bool {
		wi, wj := byLabel[order[i]].weight, byLabel[order[j]].weight
		if wi != wj {
			return wi > wj
		}
		return order[i] < order[j] // deterministic tiebreak
	})

	sortedWorkers := append([]string(nil), workerIDs...)
	sort.Strings(sortedWorkers)

	load := make(map[string]int, len(sortedWorkers))
	for _, w := range sortedWorkers {
		load[w] = 0
	}

	for _, label := range order {
		c := byLabel[label]
		// Assign the whole community to the currently least-loaded worker.
		best := sortedWorkers[0]
		for _, w := range sortedWorkers[1:] {
			if load[w] < load[best] {
				best = w
			}
		}
		for _, agentID := range c.members {
			plan[agentID] = best
		}
		load[best] += len(c.members)
	}

	return plan
}

// detectCommunities runs a deterministic, seeded greedy label-propagation
// pass: each agent starts in its own community, then repeatedly adopts the
// label with the highest total incident edge weight among its neighbors,
// ties broken by a seeded deterministic order rather than map iteration
// order.
func detectCommunities(agentIDs []string, edges []Edge, seed int64) map[string]string {
	labels := make(map[string]string, len(agentIDs))
	for _, id := range agentIDs {
		labels[id] = id
	}

	neighbors := make(map[string][]Edge)
	for _, e := range edges {
		neighbors[e.A] = append(neighbors[e.A], e)
		neighbors[e.B] = append(neighbors[e.B], Edge{A: e.B, B: e.A, Weight: e.Weight})
	}

	order := append([]string(nil), agentIDs...)
	rng := rand.New(rand.NewSource(seed))

	const maxPasses = 20
	for pass := 0; pass < maxPasses; pass++ {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		changed := false
		for _, id := range order {
			weights := make(map[string]float64)
			for _, e := range neighbors[id] {
				weights[labels[e.B]] += e.Weight
			}
			if len(weights) == 0 {
				continue
			}
			bestLabel, bestWeight := labels[id], -1.0
			candidates := make([]string, 0, len(weights))
			for l := range weights {
				candidates = append(candidates, l)
			}
			sort.Strings(candidates)
			for _, l := range candidates {
				if weights[l] > bestWeight {
					bestWeight = weights[l]
					bestLabel = l
				}
			}
			if bestLabel != labels[id] {
				labels[id] = bestLabel
				changed = true
			}
		}
		if !changed {
			break
		}
	}

	return labels
}
