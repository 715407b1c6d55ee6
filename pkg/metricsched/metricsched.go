// Package metricsched implements the periodic metrics sampling scheduler:
// at a fixed collection_interval, it gathers samples from named sources
// (environment state keys, or a fan-out RPC across typed agents),
// aggregates them, and appends the result to a bounded time series.
//
// Each definition runs as its own go-co-op/gocron job rather than a bare
// time.Ticker, so independently-intervaled metrics don't share a single
// scheduling goroutine.
package metricsched

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"golang.org/x/sync/errgroup"

	"github.com/fenlake/swarmctl/pkg/env"
	"github.com/fenlake/swarmctl/pkg/log"
)

// Aggregator reduces a set of raw samples to one reported value.
type Aggregator string

const (
	AggregatorSum         Aggregator = "sum"
	AggregatorAvg         Aggregator = "avg"
	AggregatorCount       Aggregator = "count"
	AggregatorHistogram   Aggregator = "histogram"
	AggregatorCategorical Aggregator = "categorical"
)

// SourceKind selects where a metric's raw samples come from.
type SourceKind string

const (
	SourceEnvKey    SourceKind = "env_key"
	SourceAgentType SourceKind = "agent_type"
)

// Source names one input to a metric definition.
type Source struct {
	Kind  SourceKind
	Key   string // env key, when Kind == SourceEnvKey
	Field string // numeric field name to extract, when Kind == SourceAgentType
}

// Gatherer fetches raw numeric samples for an agent-typed source, fanning
// out an RPC to every agent of that type. Implemented by pkg/agent's
// runtime; kept as an interface here to avoid a metricsched -> agent
// import cycle.
type Gatherer interface {
	GatherField(ctx context.Context, agentType, field string, timeout time.Duration) ([]float64, error)
}

// Definition is one configured metric: a name, its sources, and how to
// combine their samples.
type Definition struct {
	Name       string
	Sources    []Source
	Aggregator Aggregator
	Timeout    time.Duration
}

// Sample is one reported point in a metric's time series.
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	Step      uint64    `json:"step"`
	Value     float64   `json:"value,omitempty"`
	Count     int       `json:"count,omitempty"`
	Buckets   map[string]int `json:"buckets,omitempty"`
}

// DefaultMaxSeriesLength bounds in-memory time series retention; older
// samples are persisted (if a sink is configured) and then dropped.
const DefaultMaxSeriesLength = 10_000

// Subscriber receives newly computed samples, e.g. to append them to a
// metrics/{name}.jsonl file.
type Subscriber func(metric string, s Sample)

// Scheduler periodically samples and aggregates every configured metric.
type Scheduler struct {
	store      *env.Store
	gatherer   Gatherer
	scheduler  gocron.Scheduler

	mu          sync.Mutex
	series      map[string][]Sample
	maxSeries   int
	subscribers []Subscriber

	stepper func() uint64
}

// New constructs a metrics Scheduler reading environment state from store
// and agent fields via gatherer. stepper returns the simulation's current
// step, stamped onto every sample.
func New(store *env.Store, gatherer Gatherer, stepper func() uint64) (*Scheduler, error) {
	gs, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		store:     store,
		gatherer:  gatherer,
		scheduler: gs,
		series:    make(map[string][]Sample),
		maxSeries: DefaultMaxSeriesLength,
		stepper:   stepper,
	}, nil
}

// Subscribe registers a callback invoked after every computed sample.
func (s *Scheduler) Subscribe(sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, sub)
}

// Register schedules def to be sampled every interval until the scheduler
// is stopped.
func (s *Scheduler) Register(def Definition, interval time.Duration) error {
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			s.sampleOnce(def)
		}),
	)
	return err
}

// Start begins running scheduled jobs.
func (s *Scheduler) Start() {
	s.scheduler.Start()
}

// Stop halts the scheduler, waiting for in-flight jobs to finish.
func (s *Scheduler) Stop() error {
	return s.scheduler.Shutdown()
}

// sampleOnce gathers, aggregates, and records one sample for def. Failures
// on individual sources are logged and excluded rather than aborting the
// whole metric.
func (s *Scheduler) sampleOnce(def Definition) {
	ctx, cancel := context.WithTimeout(context.Background(), def.Timeout)
	defer cancel()

	raw := s.gather(ctx, def)
	sample := aggregate(def.Aggregator, raw)
	sample.Timestamp = time.Now()
	if s.stepper != nil {
		sample.Step = s.stepper()
	}

	s.mu.Lock()
	series := append(s.series[def.Name], sample)
	if len(series) > s.maxSeries {
		series = series[len(series)-s.maxSeries:]
	}
	s.series[def.Name] = series
	subs := append([]Subscriber(nil), s.subscribers...)
	s.mu.Unlock()

	for _, sub := range subs {
		sub(def.Name, sample)
	}
}

// gather collects raw numeric samples across all of def's sources,
// fanning out agent-typed sources concurrently via errgroup and allowing
// partial results if some time out.
func (s *Scheduler) gather(ctx context.Context, def Definition) []float64 {
	var mu sync.Mutex
	var out []float64

	g, gctx := errgroup.WithContext(ctx)
	for _, src := range def.Sources {
		src := src
		g.Go(func() error {
			switch src.Kind {
			case SourceEnvKey:
				if v, ok := s.store.Get("env", src.Key); ok {
					var f float64
					if err := json.Unmarshal(v, &f); err == nil {
						mu.Lock()
						out = append(out, f)
						mu.Unlock()
					}
				}
			case SourceAgentType:
				if s.gatherer == nil {
					return nil
				}
				vals, err := s.gatherer.GatherField(gctx, src.Key, src.Field, def.Timeout)
				if err != nil {
					log.WithComponent("metricsched").Warn().Err(err).Str("metric", def.Name).Str("agent_type", src.Key).Msg("partial gather failure")
					return nil // fail-soft: missing source does not abort the metric
				}
				mu.Lock()
				out = append(out, vals...)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func aggregate(a Aggregator, samples []float64) Sample {
	switch a {
	case AggregatorSum:
		var sum float64
		for _, v := range samples {
			sum += v
		}
		return Sample{Value: sum}
	case AggregatorAvg:
		if len(samples) == 0 {
			return Sample{}
		}
		var sum float64
		for _, v := range samples {
			sum += v
		}
		return Sample{Value: sum / float64(len(samples))}
	case AggregatorCount:
		return Sample{Count: len(samples)}
	case AggregatorHistogram:
		buckets := make(map[string]int)
		for _, v := range samples {
			buckets[bucketLabel(v)]++
		}
		return Sample{Buckets: buckets}
	case AggregatorCategorical:
		buckets := make(map[string]int)
		for _, v := range samples {
			buckets[bucketLabel(v)]++
		}
		return Sample{Buckets: buckets, Count: len(samples)}
	default:
		return Sample{Count: len(samples)}
	}
}

func bucketLabel(v float64) string {
	switch {
	case v < 0:
		return "negative"
	case v == 0:
		return "zero"
	case v < 1:
		return "fractional"
	case v < 10:
		return "ones"
	case v < 100:
		return "tens"
	default:
		return "hundreds_plus"
	}
}

// Series returns a snapshot of a metric's recorded samples.
func (s *Scheduler) Series(name string) []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Sample, len(s.series[name]))
	copy(out, s.series[name])
	return out
}
