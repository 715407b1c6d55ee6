package agent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fenlake/swarmctl/pkg/bus"
	"github.com/fenlake/swarmctl/pkg/event"
	"github.com/fenlake/swarmctl/pkg/registry"
)

// LocalGatherer implements metricsched.Gatherer by requesting a
// DataGet(field) from every registered agent of a given type and
// collecting the numeric replies, accepting partial results on timeout.
type LocalGatherer struct {
	registry *registry.Registry
	bus      *bus.Bus
	typeOf   func(agentID string) string
}

// NewLocalGatherer constructs a Gatherer over reg, using typeOf to filter
// handles by agent type.
func NewLocalGatherer(reg *registry.Registry, b *bus.Bus, typeOf func(agentID string) string) *LocalGatherer {
	return &LocalGatherer{registry: reg, bus: b, typeOf: typeOf}
}

// GatherField requests field from every agent of agentType and returns
// the numeric values that replied before timeout.
func (g *LocalGatherer) GatherField(ctx context.Context, agentType, field string, timeout time.Duration) ([]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var targets []string
	for _, h := range g.registry.All() {
		if g.typeOf(h.AgentID) == agentType {
			targets = append(targets, h.AgentID)
		}
	}

	results := make(chan float64, len(targets))
	for _, agentID := range targets {
		agentID := agentID
		go func() {
			req := event.New(event.KindDataGet, event.Env, agentID, event.WithPayload(event.DataGetPayload{
				SourceKind: "env", TargetKind: "agent", Key: field,
			}))
			resp, err := g.bus.Request(ctx, req, timeout)
			if err != nil {
				return
			}
			var p event.DataGetResponsePayload
			if err := resp.Unmarshal(&p); err != nil || !p.OK {
				return
			}
			var f float64
			if err := json.Unmarshal(p.Value, &f); err != nil {
				return
			}
			select {
			case results <- f:
			case <-ctx.Done():
			}
		}()
	}

	out := make([]float64, 0, len(targets))
	for i := 0; i < len(targets); i++ {
		select {
		case v := <-results:
			out = append(out, v)
		case <-ctx.Done():
			return out, nil // partial results on timeout; fail soft rather than block
		}
	}
	return out, nil
}
