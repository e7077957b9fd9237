package worker

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/retcon/retcon/internal/metrics"
	"github.com/retcon/retcon/internal/model"
	"github.com/retcon/retcon/internal/store"
)

// leaseDuration bounds how long a dequeued item stays hidden from other
// consumers; it must comfortably exceed the slowest plausible
// reconciliation step (network round trips to every configured source).
const leaseDuration = 2 * time.Minute

// idlePoll is how long a worker sleeps after finding the queue empty
// before polling again.
const idlePoll = 200 * time.Millisecond

// storeBackoff returns the exponential backoff schedule a worker waits
// out after a StoreUnavailable error, per §7's "retried with
// exponential backoff up to retry cap; worker pauses." Mirrors the
// teacher's defaultBackOff in pkg/diff/diff.go: 1s, 3s, 9s, 27s.
func storeBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.Multiplier = 3
	return backoff.WithMaxRetries(b, 4)
}

// Pool runs a bounded number of goroutines that dequeue work items and
// hand them to a Reconciler, mirroring the teacher's worker-count-many
// goroutines draining one shared channel — except the channel is the
// store-backed durable queue (§4.5), so a crash mid-item loses nothing.
type Pool struct {
	store       *store.Store
	reconciler  *Reconciler
	metrics     *metrics.Registry
	logger      *zap.Logger
	workerCount int
	retryCap    int
}

// PoolConfig bundles Pool's dependencies.
type PoolConfig struct {
	Store       *store.Store
	Reconciler  *Reconciler
	Metrics     *metrics.Registry
	Logger      *zap.Logger
	WorkerCount int
	RetryCap    int
}

// NewPool constructs a Pool. RetryCap defaults to store.DefaultRetryCap
// and WorkerCount to 2 if left unset.
func NewPool(cfg PoolConfig) *Pool {
	retryCap := cfg.RetryCap
	if retryCap <= 0 {
		retryCap = store.DefaultRetryCap
	}
	workers := cfg.WorkerCount
	if workers <= 0 {
		workers = 2
	}
	return &Pool{
		store: cfg.Store, reconciler: cfg.Reconciler, metrics: cfg.Metrics,
		logger: cfg.Logger, workerCount: workers, retryCap: retryCap,
	}
}

// Run starts workerCount consumer goroutines and blocks until ctx is
// cancelled, at which point it waits for all in-flight items to finish
// their current step before returning, per §5's graceful-shutdown
// contract.
func (p *Pool) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workerCount; i++ {
		group.Go(func() error {
			p.loop(ctx)
			return nil
		})
	}
	return group.Wait()
}

func (p *Pool) loop(ctx context.Context) {
	storePause := storeBackoff()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		item, lease, ok, err := p.store.Dequeue(leaseDuration, uuid.NewString)
		if err != nil {
			p.logger.Error("dequeue failed", zap.Error(err))
			sleep(ctx, nextOrCap(storePause, idlePoll))
			continue
		}
		if !ok {
			storePause.Reset()
			sleep(ctx, idlePoll)
			continue
		}

		p.metrics.IncInFlight()
		pause := p.handle(ctx, item, lease)
		p.metrics.DecInFlight()

		if pause {
			sleep(ctx, nextOrCap(storePause, idlePoll))
		} else {
			storePause.Reset()
		}

		if depth, err := p.store.QueueDepth(); err == nil {
			p.metrics.SetQueueDepth(depth)
		}
	}
}

// nextOrCap advances b and returns its next interval, falling back to
// floor once the retry cap (backoff.Stop) is reached so the worker
// keeps polling at the ordinary idle rate rather than busy-looping.
func nextOrCap(b backoff.BackOff, floor time.Duration) time.Duration {
	d := b.NextBackOff()
	if d == backoff.Stop {
		return floor
	}
	return d
}

// handle processes one dequeued item and reports whether the worker
// should pause (via storeBackoff) before its next dequeue: true when
// the store itself was unreachable, per §7.
func (p *Pool) handle(ctx context.Context, item model.WorkItem, lease store.Lease) (pause bool) {
	action, err := p.reconciler.Handle(ctx, item)
	if err == nil {
		if cerr := p.store.Complete(lease); cerr != nil {
			p.logger.Error("completing item failed", zap.Error(cerr))
			return true
		}
		p.logger.Debug("work item completed", zap.String("action", string(action)))
		return false
	}

	if errors.Is(err, errLockContention) {
		// Another goroutine holds this key right now; give it back
		// immediately. Abandon still increments the item's attempt
		// counter; this call uses a cap one above the ordinary one.
		if _, aerr := p.store.Abandon(lease, p.retryCap+1, "lock contention"); aerr != nil {
			p.logger.Error("abandon failed", zap.Error(aerr))
			return true
		}
		return false
	}

	var invariant *model.InvariantViolation
	if errors.As(err, &invariant) {
		p.metrics.RecordInvariantViolation()
		p.logger.Error("invariant violation, dropping item", zap.Error(err))
		if cerr := p.store.Complete(lease); cerr != nil {
			p.logger.Error("completing invariant-violating item failed", zap.Error(cerr))
			return true
		}
		return false
	}

	var unavailable *model.StoreUnavailable
	isStoreUnavailable := errors.As(err, &unavailable)

	requeued, aerr := p.store.Abandon(lease, p.retryCap, err.Error())
	if aerr != nil {
		p.logger.Error("abandon failed", zap.Error(aerr))
		return true
	}
	if requeued {
		p.logger.Warn("work item failed, requeued for retry", zap.Error(err))
	} else {
		p.logger.Error("work item exhausted retries, dead-lettered", zap.Error(err))
	}
	return isStoreUnavailable
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
