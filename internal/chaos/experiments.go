package chaos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"cardkiosk/internal/cards"
)

// Kiosk is the system under test.
type Kiosk struct {
	Service cards.Service
	Faults  *FaultInjector
}

// Options size the kiosk experiments.
type Options struct {
	// Prefix keeps identifiers unique across runs on the same state.
	Prefix      string
	Scans       int
	Concurrency int
	Latency     time.Duration
	Duration    time.Duration
}

func (o Options) withDefaults() Options {
	if o.Prefix == "" {
		o.Prefix = "CHAOS"
	}
	if o.Scans <= 0 {
		o.Scans = 20
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 100
	}
	if o.Latency <= 0 {
		o.Latency = 300 * time.Millisecond
	}
	if o.Duration <= 0 {
		o.Duration = 5 * time.Second
	}
	return o
}

// RegisterExperiments registers every kiosk experiment with the engine.
func (e *Engine) RegisterExperiments(k Kiosk, opts Options) {
	opts = opts.withDefaults()
	e.RegisterExperiment(RemoteOutageExperiment(k, opts))
	e.RegisterExperiment(RemoteLatencyExperiment(k, opts))
	e.RegisterExperiment(ConcurrentPickupRaceExperiment(k, opts))
}

// RemoteOutageExperiment takes the remote authority down while cards are
// registered, then brings it back and flushes.
func RemoteOutageExperiment(k Kiosk, opts Options) Experiment {
	opts = opts.withDefaults()
	ids := identifiers(opts.Prefix+"-OUT", opts.Scans)
	sc := &scanned{}
	var localFailures atomic.Int64

	return Experiment{
		Name:       "remote-authority-outage",
		Hypothesis: "Every scan is recorded locally during a remote outage and the pending queue drains after recovery",
		SteadyState: []Metric{
			pendingWrites(k),
			{
				Name: "local_scan_failures",
				Query: func(ctx context.Context) (float64, error) {
					return float64(localFailures.Load()), nil
				},
				Threshold: Threshold{Operator: "==", Value: 0},
			},
			missingRecords(k, sc),
		},
		Method: []Action{
			{
				Type:   "outage",
				Target: "remote-authority",
				Execute: func(ctx context.Context) error {
					k.Faults.SetFailing(true)
					for _, id := range ids {
						sc.add(id)
						if _, err := k.Service.Scan(ctx, cards.ModeRegister, id); err != nil {
							localFailures.Add(1)
						}
					}
					return nil
				},
			},
		},
		Rollback: []Action{
			{
				Type:   "restore",
				Target: "remote-authority",
				Execute: func(ctx context.Context) error {
					k.Faults.SetFailing(false)
					_, err := k.Service.Flush(ctx)
					return err
				},
			},
		},
		Validation: []Assertion{
			{
				Metric:    "pending_writes",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "Pending queue should be empty after recovery",
			},
			{
				Metric:    "local_scan_failures",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "No scan should fail locally because the remote is down",
			},
			{
				Metric:    "missing_records",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "Every scanned card should have a local record",
			},
		},
		Duration: opts.Duration,
	}
}

// RemoteLatencyExperiment slows every remote write down and scans cards
// concurrently.
func RemoteLatencyExperiment(k Kiosk, opts Options) Experiment {
	opts = opts.withDefaults()
	ids := identifiers(opts.Prefix+"-LAT", opts.Scans)
	sc := &scanned{}
	var wg sync.WaitGroup

	return Experiment{
		Name:       "remote-latency",
		Hypothesis: "Slow remote writes neither lose local records nor queue writes that eventually succeed",
		SteadyState: []Metric{
			pendingWrites(k),
			missingRecords(k, sc),
		},
		Method: []Action{
			{
				Type:   "latency",
				Target: "remote-authority",
				Execute: func(ctx context.Context) error {
					k.Faults.SetLatency(opts.Latency)
					for _, id := range ids {
						sc.add(id)
						wg.Add(1)
						go func(id string) {
							defer wg.Done()
							_, _ = k.Service.Register(context.WithoutCancel(ctx), id)
						}(id)
					}
					return nil
				},
			},
		},
		Rollback: []Action{
			{
				Type:   "remove-latency",
				Target: "remote-authority",
				Execute: func(ctx context.Context) error {
					wg.Wait()
					k.Faults.SetLatency(0)
					return nil
				},
			},
		},
		Validation: []Assertion{
			{
				Metric:    "missing_records",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "Every card scanned during latency should be recorded",
			},
			{
				Metric:    "pending_writes",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "Slow but successful remote writes should not be queued",
			},
		},
		Duration: opts.Duration,
	}
}

// ConcurrentPickupRaceExperiment hands the same card over from many
// goroutines at once.
func ConcurrentPickupRaceExperiment(k Kiosk, opts Options) Experiment {
	opts = opts.withDefaults()
	id := opts.Prefix + "-RACE-0001"
	var succeeded, unexpected atomic.Int64

	return Experiment{
		Name:       "concurrent-pickup-race",
		Hypothesis: "Exactly one of many simultaneous pickups of the same card succeeds",
		SteadyState: []Metric{
			{
				Name: "successful_pickups",
				Query: func(ctx context.Context) (float64, error) {
					return float64(succeeded.Load()), nil
				},
				Threshold: Threshold{Operator: "<=", Value: 1},
			},
			{
				Name: "unexpected_errors",
				Query: func(ctx context.Context) (float64, error) {
					return float64(unexpected.Load()), nil
				},
				Threshold: Threshold{Operator: "==", Value: 0},
			},
			{
				Name: "withdrawal_entries",
				Query: func(ctx context.Context) (float64, error) {
					n := 0
					for _, a := range k.Service.Activity(ctx, 0) {
						if a.Identifier == id && a.Action == cards.StateWithdrawn {
							n++
						}
					}
					return float64(n), nil
				},
				Threshold: Threshold{Operator: "<=", Value: 1},
			},
		},
		Method: []Action{
			{
				Type:   "concurrent-requests",
				Target: "cards-service",
				Execute: func(ctx context.Context) error {
					if _, err := k.Service.Register(ctx, id); err != nil {
						return fmt.Errorf("register race card: %w", err)
					}
					var wg sync.WaitGroup
					for i := 0; i < opts.Concurrency; i++ {
						wg.Add(1)
						go func() {
							defer wg.Done()
							_, err := k.Service.Pickup(ctx, id)
							switch {
							case err == nil:
								succeeded.Add(1)
							case errors.Is(err, cards.ErrAlreadyWithdrawn):
							default:
								unexpected.Add(1)
							}
						}()
					}
					wg.Wait()
					return nil
				},
			},
		},
		Validation: []Assertion{
			{
				Metric:    "successful_pickups",
				Condition: func(v float64) bool { return v == 1 },
				Message:   "Exactly one pickup should succeed",
			},
			{
				Metric:    "withdrawal_entries",
				Condition: func(v float64) bool { return v == 1 },
				Message:   "The activity log should hold one withdrawal",
			},
			{
				Metric:    "unexpected_errors",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "Losing pickups should only see already-withdrawn",
			},
		},
		Duration: opts.Duration,
	}
}

func pendingWrites(k Kiosk) Metric {
	return Metric{
		Name: "pending_writes",
		Query: func(ctx context.Context) (float64, error) {
			return float64(len(k.Service.Pending(ctx))), nil
		},
		Threshold: Threshold{Operator: "==", Value: 0},
	}
}

// scanned tracks the identifiers an experiment has submitted.
type scanned struct {
	mu  sync.Mutex
	ids []string
}

func (s *scanned) add(id string) {
	s.mu.Lock()
	s.ids = append(s.ids, id)
	s.mu.Unlock()
}

func (s *scanned) list() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ids...)
}

// missingRecords counts submitted identifiers that have no local record.
func missingRecords(k Kiosk, sc *scanned) Metric {
	return Metric{
		Name: "missing_records",
		Query: func(ctx context.Context) (float64, error) {
			missing := 0
			for _, id := range sc.list() {
				if _, err := k.Service.Card(ctx, id); errors.Is(err, cards.ErrNotFound) {
					missing++
				}
			}
			return float64(missing), nil
		},
		Threshold: Threshold{Operator: "==", Value: 0},
	}
}

func identifiers(prefix string, n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s-%04d", prefix, i+1)
	}
	return ids
}
