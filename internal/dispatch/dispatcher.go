// Package dispatch turns entity change events into queued replication jobs
// and drains the queue by pushing payloads to remote targets.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/austindbirch/harbor_sync/internal/config"
	"github.com/austindbirch/harbor_sync/internal/content"
	"github.com/austindbirch/harbor_sync/internal/delivery"
	"github.com/austindbirch/harbor_sync/internal/logging"
	"github.com/austindbirch/harbor_sync/internal/metrics"
	"github.com/austindbirch/harbor_sync/internal/payload"
	"github.com/austindbirch/harbor_sync/internal/queue"
	"github.com/austindbirch/harbor_sync/internal/syncerr"
	"github.com/austindbirch/harbor_sync/internal/tracing"
)

const (
	DefaultBatchSize    = 10
	DefaultMaxRetries   = 3
	DefaultConcurrency  = 4
	DefaultHTTPTimeout  = 30 * time.Second
	DefaultTickInterval = 5 * time.Minute
)

type Options struct {
	NodeID      string        // token issuer
	BatchSize   int           // jobs claimed per tick
	MaxRetries  int           // attempts before a job is dropped
	Concurrency int           // jobs processed in parallel within a batch
	HTTPTimeout time.Duration // bound on one outbound request
	TokenTTL    time.Duration
	RateLimit   float64 // outbound requests per second, 0 disables
	RateBurst   int
}

// OptionsFromConfig maps the dispatcher section of the service config.
func OptionsFromConfig(c config.Dispatcher) Options {
	return Options{
		NodeID:      c.NodeID,
		BatchSize:   c.BatchSize,
		MaxRetries:  c.MaxRetries,
		Concurrency: c.Concurrency,
		HTTPTimeout: c.HTTPTimeout,
		TokenTTL:    c.TokenTTL,
		RateLimit:   c.RateLimitRPS,
		RateBurst:   c.RateBurst,
	}
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.HTTPTimeout <= 0 {
		o.HTTPTimeout = DefaultHTTPTimeout
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 1
	}
	return o
}

// Deps are the collaborators a Dispatcher is built from.
type Deps struct {
	Queue       queue.Store
	Source      content.Source
	Settings    config.Provider
	Builder     *payload.Builder
	Client      *http.Client
	DeadLetters delivery.Publisher
	Logger      *logging.Logger
	Clock       func() time.Time
}

type Dispatcher struct {
	queue    queue.Store
	source   content.Source
	settings config.Provider
	builder  *payload.Builder
	client   *http.Client
	dlq      delivery.Publisher
	logger   *logging.Logger
	now      func() time.Time
	limiter  *rate.Limiter
	opts     Options
}

func New(deps Deps, opts Options) *Dispatcher {
	opts = opts.withDefaults()
	d := &Dispatcher{
		queue:    deps.Queue,
		source:   deps.Source,
		settings: deps.Settings,
		builder:  deps.Builder,
		client:   deps.Client,
		dlq:      deps.DeadLetters,
		logger:   deps.Logger,
		now:      deps.Clock,
		opts:     opts,
	}
	if d.client == nil {
		d.client = &http.Client{}
	}
	if d.dlq == nil {
		d.dlq = delivery.NopPublisher{}
	}
	if d.logger == nil {
		d.logger = logging.Default()
	}
	if d.now == nil {
		d.now = time.Now
	}
	if opts.RateLimit > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateBurst)
	}
	return d
}

// OnEntityChanged implements content.ChangeListener.
func (d *Dispatcher) OnEntityChanged(ctx context.Context, ev content.Event) error {
	_, err := d.Enqueue(ctx, ev)
	return err
}

// Enqueue queues one job per target that accepts the entity and returns
// how many new jobs were created. It only touches the local queue.
// Entities received from a peer are never queued.
func (d *Dispatcher) Enqueue(ctx context.Context, ev content.Event) (int, error) {
	if ev.Status != content.StatusPublish {
		return 0, nil
	}
	settings, err := d.settings.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("load settings: %w", err)
	}
	if !settings.AutoSync {
		return 0, nil
	}

	e, err := d.source.Entity(ctx, ev.EntityID)
	switch {
	case err == nil:
	case errors.Is(err, syncerr.ErrNotFound) && ev.Categories != nil:
		// The event alone describes the entity.
		e = nil
	default:
		return 0, fmt.Errorf("load entity %d: %w", ev.EntityID, err)
	}

	log := d.logger.WithContext(ctx).WithEntity(ev.EntityID)
	categories, selected := ev.Categories, ev.Targets
	if e != nil {
		if origin, ok := e.Origin(); ok {
			log.WithField("origin", origin).Info("entity came from a peer, not replicating")
			return 0, nil
		}
		if categories == nil {
			categories = e.Categories
		}
		if selected == nil {
			selected, _ = e.SelectedTargets()
		}
	}

	now := d.now()
	created := 0
	for _, t := range settings.Targets {
		if selected != nil && !slices.Contains(selected, t.ID) {
			log.WithTarget(t.ID).Debug("target not selected for entity")
			continue
		}
		if t.Excludes(categories) {
			log.WithTarget(t.ID).Debug("entity excluded by category")
			continue
		}
		job, isNew, err := d.queue.Enqueue(ctx, ev.EntityID, t.ID, now)
		if err != nil {
			return created, fmt.Errorf("enqueue entity %d for %s: %w", ev.EntityID, t.ID, err)
		}
		if isNew {
			created++
			metrics.RecordEnqueued(t.ID)
			log.WithJob(job.ID).WithTarget(t.ID).Info("replication job enqueued")
		}
	}
	return created, nil
}

// Summary counts what one Tick did.
type Summary struct {
	Claimed   int `json:"claimed"`
	Succeeded int `json:"succeeded"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	Dropped   int `json:"dropped"`
	Reaped    int `json:"reaped"`
}

type result int

const (
	resultSucceeded result = iota
	resultRetried
	resultFailed
	resultDropped
)

func (s *Summary) add(r result) {
	switch r {
	case resultSucceeded:
		s.Succeeded++
	case resultRetried:
		s.Retried++
	case resultFailed:
		s.Failed++
	case resultDropped:
		s.Dropped++
	}
}

// Tick claims one batch of due jobs and processes it. Settings are read
// once for the whole batch.
func (d *Dispatcher) Tick(ctx context.Context) (Summary, error) {
	var sum Summary
	ctx, span := tracing.StartSpan(ctx, "dispatch.tick")
	defer span.End()

	settings, err := d.settings.Load(ctx)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return sum, fmt.Errorf("load settings: %w", err)
	}

	jobs, err := d.queue.DequeueBatch(ctx, d.opts.BatchSize, d.now())
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return sum, fmt.Errorf("dequeue batch: %w", err)
	}
	sum.Claimed = len(jobs)
	span.SetAttributes(attribute.Int("batch.size", len(jobs)))

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(d.opts.Concurrency)
	for _, job := range jobs {
		g.Go(func() error {
			r, err := d.process(ctx, settings, job)
			mu.Lock()
			sum.add(r)
			mu.Unlock()
			return err
		})
	}
	batchErr := g.Wait()

	reaped, err := d.reap(ctx, settings)
	sum.Reaped = reaped
	if err != nil {
		batchErr = errors.Join(batchErr, err)
	}

	if depth, err := d.queue.Depth(ctx); err == nil {
		metrics.SetQueueDepth(depth)
	}
	if batchErr != nil {
		tracing.SetSpanError(ctx, batchErr)
	}
	return sum, batchErr
}

// process runs one claimed job to a terminal queue operation. The returned
// error is only set when the queue itself could not be updated.
func (d *Dispatcher) process(ctx context.Context, settings config.Settings, job queue.Job) (result, error) {
	ctx, span := tracing.StartSpan(ctx, "dispatch.job",
		attribute.String("job.id", job.ID),
		attribute.Int64("entity.id", job.EntityID),
		attribute.String("target.id", job.TargetID),
		attribute.Int("attempt", job.AttemptCount),
	)
	defer span.End()
	log := d.logger.WithContext(ctx).WithJob(job.ID).WithEntity(job.EntityID).WithTarget(job.TargetID)

	target, ok := settings.Target(job.TargetID)
	if !ok {
		log.Warn("target no longer configured, dropping job")
		return d.drop(ctx, job, syncerr.New(syncerr.ErrNotFound, "resolve target", job.TargetID))
	}

	entity, err := d.source.Entity(ctx, job.EntityID)
	if errors.Is(err, syncerr.ErrNotFound) {
		log.Warn("entity no longer exists, dropping job")
		return d.drop(ctx, job, err)
	}
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return d.retry(ctx, job, target, nil, Outcome{Kind: Retryable, Err: err})
	}

	if job.AttemptCount >= d.opts.MaxRetries {
		return d.exhaust(ctx, job, target, entity, Outcome{
			Kind: Permanent,
			Err:  syncerr.New(syncerr.ErrExhausted, "dispatch", "attempt ceiling reached before send"),
		})
	}

	if entity.Status != content.StatusPublish {
		log.WithField("status", entity.Status).Info("entity no longer published, skipping")
		return resultDropped, d.queue.Complete(ctx, job.ID, d.now())
	}
	if origin, ok := entity.Origin(); ok {
		log.WithField("origin", origin).Info("entity came from a peer, skipping")
		return resultDropped, d.queue.Complete(ctx, job.ID, d.now())
	}

	out := d.Execute(ctx, target, entity)
	switch out.Kind {
	case Success:
		if err := d.saveRecord(ctx, entity, target.ID, out.RemoteID, content.SyncSuccess); err != nil {
			log.WithError(err).Error("failed to save sync record")
		}
		log.WithFields(map[string]any{
			"remote_id":   out.RemoteID,
			"http_status": out.Status,
		}).Info("entity replicated")
		return resultSucceeded, d.queue.Complete(ctx, job.ID, d.now())
	case Retryable:
		return d.retry(ctx, job, target, entity, out)
	default:
		return d.exhaust(ctx, job, target, entity, out)
	}
}

func (d *Dispatcher) drop(ctx context.Context, job queue.Job, cause error) (result, error) {
	metrics.RecordPermanentFailure(syncerr.Reason(cause))
	tracing.SetSpanError(ctx, cause)
	return resultDropped, d.queue.Complete(ctx, job.ID, d.now())
}

// retry reschedules the job, or gives up once the failed attempt reaches
// the ceiling.
func (d *Dispatcher) retry(ctx context.Context, job queue.Job, target config.Target, entity *content.Entity, out Outcome) (result, error) {
	reason := syncerr.Reason(out.Err)
	tracing.SetSpanError(ctx, out.Err)
	if job.AttemptCount+1 >= d.opts.MaxRetries {
		job.AttemptCount++
		return d.exhaust(ctx, job, target, entity, out)
	}

	failed, err := d.queue.Fail(ctx, job.ID, d.now())
	if err != nil {
		return resultRetried, fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	metrics.RecordRetry(reason)
	d.logger.WithContext(ctx).WithJob(job.ID).WithEntity(job.EntityID).WithTarget(job.TargetID).
		WithError(out.Err).
		WithFields(map[string]any{
			"attempt":         failed.AttemptCount,
			"next_attempt_at": failed.NextAttemptAt.UTC().Format(time.RFC3339),
			"reason":          reason,
		}).Warn("replication failed, will retry")
	return resultRetried, nil
}

// exhaust is the permanent-failure path: log, mark the record failed,
// emit a dead letter and remove the job.
func (d *Dispatcher) exhaust(ctx context.Context, job queue.Job, target config.Target, entity *content.Entity, out Outcome) (result, error) {
	reason := syncerr.Reason(out.Err)
	if out.Kind == Retryable || errors.Is(out.Err, syncerr.ErrExhausted) {
		reason = syncerr.Reason(syncerr.ErrExhausted)
	}
	log := d.logger.WithContext(ctx).WithJob(job.ID).WithEntity(job.EntityID).WithTarget(job.TargetID)
	log.WithError(out.Err).WithFields(map[string]any{
		"attempt": job.AttemptCount,
		"reason":  reason,
	}).Error("replication permanently failed")
	metrics.RecordPermanentFailure(reason)
	tracing.AddSpanEvent(ctx, "dispatch.permanent_failure", attribute.String("reason", reason))

	if entity != nil {
		rec, _ := content.LoadSyncRecord(entity, target.ID)
		if err := d.saveRecord(ctx, entity, target.ID, rec.RemoteID, content.SyncFailed); err != nil {
			log.WithError(err).Error("failed to save sync record")
		}
	}

	d.publishDeadLetter(ctx, job, target, out, reason)
	return resultFailed, d.queue.Complete(ctx, job.ID, d.now())
}

func (d *Dispatcher) publishDeadLetter(ctx context.Context, job queue.Job, target config.Target, out Outcome, reason string) {
	lastErr := ""
	if out.Err != nil {
		lastErr = out.Err.Error()
	}
	task := delivery.TaskFromJob(job, target.BaseURL, tracing.HeadersFromContext(ctx))
	dl := delivery.NewDeadLetter(task, d.now(), out.Status, lastErr, reason)
	if err := d.dlq.PublishDeadLetter(ctx, dl); err != nil {
		d.logger.WithContext(ctx).WithJob(job.ID).WithError(err).Error("dead letter publish failed")
		tracing.SetSpanError(ctx, err)
		return
	}
	metrics.RecordDeadLetter()
}

func (d *Dispatcher) saveRecord(ctx context.Context, e *content.Entity, targetID, remoteID string, status content.SyncStatus) error {
	rec := content.SyncRecord{
		TargetID:     targetID,
		RemoteID:     remoteID,
		LastSyncedAt: d.now(),
		Status:       status,
	}
	return d.source.SetMeta(ctx, e.ID, map[string]any{content.SyncRecordKey(targetID): rec.Value()})
}

// reap drops jobs that reached the attempt ceiling without being
// processed, for example after MaxRetries was lowered.
func (d *Dispatcher) reap(ctx context.Context, settings config.Settings) (int, error) {
	jobs, err := d.queue.ListExhausted(ctx, d.opts.MaxRetries)
	if err != nil {
		return 0, fmt.Errorf("list exhausted: %w", err)
	}
	now := d.now()
	reaped := 0
	for _, job := range jobs {
		if job.LeasedUntil != nil && job.LeasedUntil.After(now) {
			continue
		}
		target, _ := settings.Target(job.TargetID)
		var entity *content.Entity
		if e, err := d.source.Entity(ctx, job.EntityID); err == nil {
			entity = e
		}
		out := Outcome{Kind: Permanent, Err: syncerr.New(syncerr.ErrExhausted, "reap", "attempt ceiling reached")}
		if _, err := d.exhaust(ctx, job, target, entity, out); err != nil {
			return reaped, fmt.Errorf("reap job %s: %w", job.ID, err)
		}
		reaped++
	}
	return reaped, nil
}

// Run ticks immediately and then every interval until ctx is done.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		sum, err := d.Tick(ctx)
		entry := d.logger.Plain().WithFields(map[string]any{
			"claimed":   sum.Claimed,
			"succeeded": sum.Succeeded,
			"retried":   sum.Retried,
			"failed":    sum.Failed,
			"dropped":   sum.Dropped,
			"reaped":    sum.Reaped,
		})
		switch {
		case err != nil && ctx.Err() == nil:
			entry.WithError(err).Error("dispatch tick failed")
		case sum.Claimed > 0 || sum.Reaped > 0:
			entry.Info("dispatch tick")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// SyncNow replicates one entity to one target immediately, bypassing the
// queue. Terminal failures are returned to the caller.
func (d *Dispatcher) SyncNow(ctx context.Context, entityID int64, targetID string) (Outcome, error) {
	settings, err := d.settings.Load(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("load settings: %w", err)
	}
	target, ok := settings.Target(targetID)
	if !ok {
		return Outcome{}, syncerr.New(syncerr.ErrNotFound, "sync now", "target "+targetID)
	}
	entity, err := d.source.Entity(ctx, entityID)
	if err != nil {
		return Outcome{}, err
	}
	if origin, ok := entity.Origin(); ok {
		err := syncerr.New(syncerr.ErrLoopDetected, "sync now", fmt.Sprintf("entity %d came from %s", entityID, origin))
		return Outcome{Kind: Permanent, Err: err}, err
	}

	out := d.Execute(ctx, target, entity)
	if out.Kind != Success {
		return out, out.Err
	}
	if err := d.saveRecord(ctx, entity, target.ID, out.RemoteID, content.SyncSuccess); err != nil {
		return out, fmt.Errorf("save sync record: %w", err)
	}
	return out, nil
}
