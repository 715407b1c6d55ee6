package agent

import (
	"context"
	"sync/atomic"

	"github.com/fenlake/swarmctl/pkg/event"
)

// StubAgent backs worker-hosted agents whose roster entry names a type
// with no bespoke business logic wired into this binary. It keeps the
// lifecycle contract honest (Start/End/Pause/Resume/Tick all land
// somewhere; Tick events are counted in memory only) rather than
// silently dropping events, which is what would happen if Driver handed
// an assigned agent id no handlers at all.
type StubAgent struct {
	ticks atomic.Uint64
}

// StubHandlers returns the handler table for a StubAgent. agentKind is
// written into the agent's own env-store key ("agent_kind:<agent id>") on
// Start so a scenario can at least observe which agents came up stubbed;
// End clears that key again.
func StubHandlers(agentKind string) map[event.Kind]Handler {
	s := &StubAgent{}
	return map[event.Kind]Handler{
		event.KindStart: func(c *Context, e *event.Event) error {
			return c.SetEnv(context.Background(), "agent_kind:"+c.AgentID(), agentKind)
		},
		event.KindTick: func(c *Context, e *event.Event) error {
			s.ticks.Add(1)
			return nil
		},
		event.KindPause:  func(c *Context, e *event.Event) error { return nil },
		event.KindResume: func(c *Context, e *event.Event) error { return nil },
		event.KindEnd: func(c *Context, e *event.Event) error {
			return c.SetEnv(context.Background(), "agent_kind:"+c.AgentID(), nil)
		},
	}
}
