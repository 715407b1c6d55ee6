package env

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fenlake/swarmctl/pkg/bus"
	"github.com/fenlake/swarmctl/pkg/log"
)

// Layout is the on-disk persisted-trail structure: all paths are rooted
// at trail_id/, newline-delimited JSON, UTF-8.
type Layout struct {
	TrailDir string
}

// NewLayout returns a Layout rooted at baseDir/trailID, creating the
// directory tree if absent.
func NewLayout(baseDir, trailID string) (*Layout, error) {
	root := filepath.Join(baseDir, trailID)
	for _, sub := range []string{"env_states", "agents", "events", "decisions", "metrics"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, fmt.Errorf("env: failed to create %s: %w", sub, err)
		}
	}
	return &Layout{TrailDir: root}, nil
}

// WriteConfig writes trail_id/config.json.
func (l *Layout) WriteConfig(cfg any) error {
	return writeJSONFile(filepath.Join(l.TrailDir, "config.json"), cfg)
}

// WriteEnvState writes env_states/step_{n}.json.
func (l *Layout) WriteEnvState(step uint64, snapshot map[string]map[string][]byte) error {
	return writeJSONFile(filepath.Join(l.TrailDir, "env_states", fmt.Sprintf("step_%d.json", step)), snapshot)
}

// WriteAgentState writes agents/{agent_id}/{step}.json.
func (l *Layout) WriteAgentState(agentID string, step uint64, state any) error {
	dir := filepath.Join(l.TrailDir, "agents", agentID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return writeJSONFile(filepath.Join(dir, fmt.Sprintf("%d.json", step)), state)
}

// AppendEvents appends records to events/step_{n}.jsonl.
func (l *Layout) AppendEvents(step uint64, records []any) error {
	return appendJSONL(filepath.Join(l.TrailDir, "events", fmt.Sprintf("step_%d.jsonl", step)), records)
}

// AppendDecisions appends records to decisions/step_{n}.jsonl.
func (l *Layout) AppendDecisions(step uint64, records []any) error {
	return appendJSONL(filepath.Join(l.TrailDir, "decisions", fmt.Sprintf("step_%d.jsonl", step)), records)
}

// AppendMetric appends one sample to metrics/{name}.jsonl.
func (l *Layout) AppendMetric(name string, sample any) error {
	return appendJSONL(filepath.Join(l.TrailDir, "metrics", name+".jsonl"), []any{sample})
}

// WriteEventFlows writes the bus's exported flow graph to
// event_flows.json.
func (l *Layout) WriteEventFlows(flows []bus.FlowRecord) error {
	return writeJSONFile(filepath.Join(l.TrailDir, "event_flows.json"), flows)
}

func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func appendJSONL(path string, records []any) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

// AsyncWriter serializes persistence calls onto a background goroutine so
// snapshot writes never block the simulation loop. Failures are logged,
// never propagated.
type AsyncWriter struct {
	jobs chan func() error
	done chan struct{}
}

// NewAsyncWriter starts a background writer with a bounded job queue.
func NewAsyncWriter(queueDepth int) *AsyncWriter {
	w := &AsyncWriter{
		jobs: make(chan func() error, queueDepth),
		done: make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *AsyncWriter) run() {
	defer close(w.done)
	for job := range w.jobs {
		if err := job(); err != nil {
			log.WithComponent("env").Error().Err(err).Msg("snapshot write failed")
		}
	}
}

// Submit enqueues a persistence job. If the queue is full, the job is
// dropped and logged rather than blocking the caller.
func (w *AsyncWriter) Submit(job func() error) {
	select {
	case w.jobs <- job:
	default:
		log.WithComponent("env").Warn().Msg("snapshot write queue full, dropping job")
	}
}

// Close stops accepting jobs and waits for the queue to drain.
func (w *AsyncWriter) Close() {
	close(w.jobs)
	<-w.done
}
