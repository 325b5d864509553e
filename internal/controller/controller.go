package controller

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/utils/clock"

	"github.com/edvin/dbsync/internal/metrics"
	"github.com/edvin/dbsync/internal/model"
)

// Cache looks up the latest observed state of a port by namespace/name key.
type Cache interface {
	Get(key string) (port *model.DbSyncPort, ok bool, err error)
}

// Options configure a Controller.
type Options struct {
	Workers int
	// Clock drives requeue delays. Defaults to the real clock.
	Clock clock.WithTicker
}

// Controller feeds port keys from change events to a pool of workers. A key
// is never handled by two workers at once.
type Controller struct {
	logger     zerolog.Logger
	cache      Cache
	reconciler *Reconciler
	metrics    *metrics.Metrics
	queue      workqueue.DelayingInterface
	workers    int
}

func New(logger zerolog.Logger, cache Cache, reconciler *Reconciler, m *metrics.Metrics, opts Options) *Controller {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	return &Controller{
		logger:     logger.With().Str("component", "controller").Logger(),
		cache:      cache,
		reconciler: reconciler,
		metrics:    m,
		queue: workqueue.NewDelayingQueueWithConfig(workqueue.DelayingQueueConfig{
			Name:  model.Plural,
			Clock: opts.Clock,
		}),
		workers: opts.Workers,
	}
}

// Enqueue schedules key for an immediate attempt.
func (c *Controller) Enqueue(key string) {
	c.queue.Add(key)
}

// Run processes keys until ctx is done. Keys queued when ctx ends are still
// handled before Run returns; requeues scheduled after that are dropped.
func (c *Controller) Run(ctx context.Context) {
	c.logger.Info().Int("workers", c.workers).Msg("controller started")

	// In-flight attempts run to their transaction boundary after shutdown.
	work := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c.processNext(work) {
			}
		}()
	}

	<-ctx.Done()
	c.queue.ShutDownWithDrain()
	wg.Wait()
	c.logger.Info().Msg("controller stopped")
}

func (c *Controller) processNext(ctx context.Context) bool {
	item, shutdown := c.queue.Get()
	if shutdown {
		return false
	}
	defer c.queue.Done(item)

	key := item.(string)
	if after := c.sync(ctx, key); after > 0 {
		c.queue.AddAfter(key, after)
	}
	return true
}

// sync runs one attempt for key and returns the requeue delay.
func (c *Controller) sync(ctx context.Context, key string) time.Duration {
	logger := c.logger.With().Str("key", key).Str("reconcile_id", uuid.NewString()).Logger()

	port, ok, err := c.cache.Get(key)
	if err != nil {
		logger.Error().Err(err).Msg("read port from cache")
		return RetryDelay
	}
	if !ok {
		logger.Debug().Msg("port gone")
		c.reconciler.forget(key)
		return 0
	}

	ctx = logger.WithContext(ctx)
	start := time.Now()
	action, err := c.reconciler.Handle(ctx, port)
	c.metrics.ObserveReconcile(err != nil, time.Since(start))
	if err != nil {
		action = c.reconciler.ErrorPolicy(ctx, port, err)
	}

	logger.Debug().Str("phase", port.Phase()).Dur("requeue_after", action.RequeueAfter).Msg("reconciled")
	return action.RequeueAfter
}
