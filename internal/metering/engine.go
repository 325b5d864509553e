package metering

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/edvin/dbsync/internal/metrics"
	"github.com/edvin/dbsync/internal/model"
)

// Window is the interval a tick accounts for.
type Window struct {
	Start time.Time
	End   time.Time
}

// Source reads cumulative execution time per username.
type Source interface {
	// Units lists the independently readable parts of a network, such as its
	// replica endpoints.
	Units(network string) ([]string, error)
	// Read returns the cumulative execution time in milliseconds of each
	// username found on unit.
	Read(ctx context.Context, network, unit string, usernames []string, window Window) (map[string]float64, error)
}

// Directory maps provisioned usernames of a network to their owners.
type Directory interface {
	Owners(network string) (map[string]model.Owner, error)
}

type Options struct {
	Networks    []string
	Rates       map[string]float64
	Interval    time.Duration
	Timeout     time.Duration
	Concurrency int
	Clock       quartz.Clock
}

type sampleKey struct {
	network  string
	unit     string
	username string
}

// Engine turns cumulative execution-time counters into consumption units.
// Tick must not be called concurrently; the snapshot belongs to the loop.
type Engine struct {
	logger  zerolog.Logger
	source  Source
	dir     Directory
	metrics *metrics.Metrics
	opts    Options

	snapshot map[sampleKey]float64
	lastTick time.Time
}

func NewEngine(logger zerolog.Logger, source Source, dir Directory, m *metrics.Metrics, opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = opts.Interval
	}
	return &Engine{
		logger:   logger.With().Str("component", "metering").Logger(),
		source:   source,
		dir:      dir,
		metrics:  m,
		opts:     opts,
		snapshot: make(map[sampleKey]float64),
	}
}

// Run ticks every interval until ctx is done. A tick in progress when ctx
// ends is completed first.
func (e *Engine) Run(ctx context.Context) error {
	if e.opts.Interval <= 0 {
		return model.ConfigurationError("metering interval", fmt.Errorf("must be positive, got %s", e.opts.Interval))
	}
	e.logger.Info().Dur("interval", e.opts.Interval).Strs("networks", e.opts.Networks).Msg("metering started")

	err := e.opts.Clock.TickerFunc(ctx, e.opts.Interval, func() error {
		e.Tick(context.WithoutCancel(ctx))
		return nil
	}, "metering", "tick").Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	e.logger.Info().Msg("metering stopped")
	return err
}

type job struct {
	network   string
	unit      string
	rate      float64
	owners    map[string]model.Owner
	usernames []string

	samples map[string]float64
	err     error
}

// Tick reads every network once, emits consumption for positive deltas and
// replaces the snapshot.
func (e *Engine) Tick(ctx context.Context) {
	now := e.opts.Clock.Now()
	window := Window{Start: now.Add(-e.opts.Interval), End: now}
	if !e.lastTick.IsZero() {
		window.Start = e.lastTick
	}
	e.lastTick = now

	logger := e.logger.With().Str("tick_id", uuid.NewString()).Logger()
	next := make(map[sampleKey]float64, len(e.snapshot))

	var jobs []*job
	for _, network := range e.opts.Networks {
		nl := logger.With().Str("network", network).Logger()

		rate, ok := e.opts.Rates[network]
		if !ok {
			e.fail(nl, model.ConfigurationError("rate for "+network, errors.New("DCU_PER_SECOND not configured")))
			e.carry(next, network, "")
			continue
		}
		owners, err := e.dir.Owners(network)
		if err != nil {
			e.fail(nl, err)
			e.carry(next, network, "")
			continue
		}
		if len(owners) == 0 {
			continue
		}
		units, err := e.source.Units(network)
		if err != nil {
			e.fail(nl, err)
			e.carry(next, network, "")
			continue
		}

		usernames := make([]string, 0, len(owners))
		for u := range owners {
			usernames = append(usernames, u)
		}
		sort.Strings(usernames)

		for _, unit := range units {
			jobs = append(jobs, &job{network: network, unit: unit, rate: rate, owners: owners, usernames: usernames})
		}
	}

	g := new(errgroup.Group)
	g.SetLimit(e.opts.Concurrency)
	for _, j := range jobs {
		g.Go(func() error {
			rctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
			defer cancel()
			j.samples, j.err = e.source.Read(rctx, j.network, j.unit, j.usernames, window)
			return nil
		})
	}
	_ = g.Wait()

	var emitted float64
	for _, j := range jobs {
		jl := logger.With().Str("network", j.network).Str("endpoint", j.unit).Logger()
		if j.err != nil {
			e.fail(jl, j.err)
			e.carry(next, j.network, j.unit)
			continue
		}

		for username, current := range j.samples {
			owner, ok := j.owners[username]
			if !ok {
				continue
			}
			key := sampleKey{network: j.network, unit: j.unit, username: username}
			next[key] = current

			prev, seen := e.snapshot[key]
			delta := Delta(prev, seen, current)
			if delta <= 0 {
				continue
			}
			units := Consumption(delta, j.rate)
			if units <= 0 {
				continue
			}
			e.metrics.ConsumedDCU(owner.Project, j.network, owner.Resource, owner.Tier, units)
			emitted += units
			jl.Debug().Str("username", username).Float64("delta_ms", delta).Float64("dcu", units).Msg("consumption")
		}
	}

	e.snapshot = next
	logger.Debug().Int("units", len(jobs)).Float64("dcu", emitted).Msg("tick done")
}

// Delta returns the usage between two cumulative samples. Nothing is billed
// for a first sample or after a counter reset, where current becomes the new
// baseline.
func Delta(prev float64, seen bool, current float64) float64 {
	if !seen || current <= prev {
		return 0
	}
	return current - prev
}

// Consumption converts execution milliseconds into whole units, rounding up.
// Any positive usage costs at least one unit.
func Consumption(deltaMS, ratePerSecond float64) float64 {
	x := deltaMS / 1000 * ratePerSecond
	if x <= 0 {
		return 0
	}
	// Float noise just above a whole product must not add a unit.
	if r := math.Round(x); r >= 1 && math.Abs(x-r) < 1e-9 {
		return r
	}
	return math.Ceil(x)
}

// carry keeps the previous baselines of a network, or of one of its units.
func (e *Engine) carry(next map[sampleKey]float64, network, unit string) {
	for k, v := range e.snapshot {
		if k.network == network && (unit == "" || k.unit == unit) {
			next[k] = v
		}
	}
}

func (e *Engine) fail(logger zerolog.Logger, err error) {
	kind := model.KindOf(err)
	e.metrics.MeteringFailure(kind)
	logger.Error().Err(err).Str("kind", string(kind)).Msg("metering skipped")
}
