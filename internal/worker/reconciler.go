// Package worker implements the per-entity reconciliation state machine
// (§4.6) and the pool of goroutines that drive it off the work queue
// (§4.5, §5), following the shape of the teacher's diff.Syncer: a
// producer/consumer pipeline with a bounded number of concurrent
// consumers, backoff-wrapped calls, and errors converted at the item
// boundary rather than propagated raw.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/retcon/retcon/internal/diffop"
	"github.com/retcon/retcon/internal/document"
	"github.com/retcon/retcon/internal/merge"
	"github.com/retcon/retcon/internal/metrics"
	"github.com/retcon/retcon/internal/model"
	"github.com/retcon/retcon/internal/source"
	"github.com/retcon/retcon/internal/store"
)

// errLockContention is returned when the advisory lock for an item's
// key is already held. It is not a model error because it never
// reaches a client; the pool treats it as an immediate, cheap abandon.
var errLockContention = errors.New("worker: key is already being reconciled")

// Action names which state-machine branch a Handle call took, for
// callers that want to report it (retcon-oneshot prints it per the
// one-shot CLI's documented output).
type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
	ActionParked  Action = "parked"
	ActionDeleted Action = "deleted"
	ActionApplied Action = "applied"
)

// Reconciler executes one WorkItem's state-machine step. It holds no
// per-item state between calls; all durable state lives in the store.
type Reconciler struct {
	store   *store.Store
	sources *source.Registry
	policy  merge.Policy
	locker  *KeyedLocker
	metrics *metrics.Registry
	logger  *zap.Logger

	sourceTimeout func(entity model.EntityName, src model.SourceName) time.Duration
	newID         func() string
}

// Config bundles Reconciler's dependencies.
type Config struct {
	Store         *store.Store
	Sources       *source.Registry
	Policy        merge.Policy
	Metrics       *metrics.Registry
	Logger        *zap.Logger
	SourceTimeout func(entity model.EntityName, src model.SourceName) time.Duration
}

// New constructs a Reconciler.
func New(cfg Config) *Reconciler {
	timeout := cfg.SourceTimeout
	if timeout == nil {
		timeout = func(model.EntityName, model.SourceName) time.Duration { return 30 * time.Second }
	}
	return &Reconciler{
		store: cfg.Store, sources: cfg.Sources, policy: cfg.Policy,
		locker: NewKeyedLocker(), metrics: cfg.Metrics, logger: cfg.Logger,
		sourceTimeout: timeout, newID: uuid.NewString,
	}
}

// Handle dispatches item to the Process or Apply state machine,
// acquiring the appropriate advisory lock first per §4.6's concurrency
// guard. A locked-out item returns errLockContention, which callers
// should treat as a cheap, short-backoff abandon rather than a real
// failure.
func (r *Reconciler) Handle(ctx context.Context, item model.WorkItem) (Action, error) {
	switch item.Kind {
	case model.Process:
		return r.process(ctx, item.Notification)
	case model.Apply:
		return r.handleApply(ctx, item.DiffID, item.Diff)
	default:
		return "", fmt.Errorf("worker: unknown work item kind %v", item.Kind)
	}
}

func (r *Reconciler) process(ctx context.Context, n model.ChangeNotification) (Action, error) {
	fk := n.ForeignKey()

	ik, known, err := r.store.LookupInternal(fk)
	if err != nil {
		return "", &model.StoreUnavailable{Cause: err}
	}

	lockKey := fk.String()
	if known {
		lockKey = ik.String()
	}
	release, ok := r.locker.TryAcquire(lockKey)
	if !ok {
		return "", errLockContention
	}
	defer release()

	if !known {
		return r.create(ctx, n, fk)
	}

	ds, err := r.sources.Lookup(n.Entity, n.Source)
	if err != nil {
		return "", err
	}
	_, err = r.getWithTimeout(ctx, ds, n.Entity, n.Source, fk)
	switch {
	case errors.Is(err, source.ErrMissing):
		return r.delete(ctx, ik, n.Entity)
	case err != nil:
		r.metrics.RecordSourceError(n.Entity, n.Source)
		return "", &model.SourceError{Source: n.Source, Cause: err}
	default:
		return r.update(ctx, ik, n.Entity)
	}
}

// create handles the NEW state: mint an InternalKey, fetch the
// authoritative current document from the triggering source, store it
// as the initial document, and push copies to every other source.
func (r *Reconciler) create(ctx context.Context, n model.ChangeNotification, fk model.ForeignKey) (Action, error) {
	ds, err := r.sources.Lookup(n.Entity, n.Source)
	if err != nil {
		return "", err
	}
	doc, err := r.getWithTimeout(ctx, ds, n.Entity, n.Source, fk)
	if err != nil {
		r.metrics.RecordSourceError(n.Entity, n.Source)
		return "", &model.SourceError{Source: n.Source, Cause: err}
	}

	ik, err := r.store.CreateInternalKey(n.Entity)
	if err != nil {
		return "", &model.StoreUnavailable{Cause: err}
	}
	if err := r.store.RecordForeign(ik, fk); err != nil {
		return "", &model.StoreUnavailable{Cause: err}
	}
	if err := r.store.PutInitial(ik, doc); err != nil {
		return "", &model.StoreUnavailable{Cause: err}
	}

	var errs *multierror.Error
	for _, src := range r.sources.Sources(n.Entity) {
		if src == n.Source {
			continue
		}
		ds, err := r.sources.Lookup(n.Entity, src)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		newFK, err := r.setWithTimeout(ctx, ds, n.Entity, src, doc, model.ForeignKey{Entity: n.Entity, Source: src})
		if err != nil {
			r.metrics.RecordSourceError(n.Entity, src)
			errs = multierror.Append(errs, &model.SourceError{Source: src, Cause: err})
			continue // partial failure: healed by a later Update cycle, no rollback of the trigger source
		}
		if err := r.store.RecordForeign(ik, newFK); err != nil {
			errs = multierror.Append(errs, &model.StoreUnavailable{Cause: err})
		}
	}

	r.metrics.RecordCreated(n.Entity)
	if err := errs.ErrorOrNil(); err != nil {
		return "", err
	}
	return ActionCreated, nil
}

type sourceResult struct {
	src   model.SourceName
	fk    model.ForeignKey
	doc   *document.Document
	hasFK bool
}

// update handles the KNOWN/UPDATED state: fetch every configured
// source's current document, diff each against the remembered initial,
// merge, and either apply the merged result everywhere or park a
// conflict.
func (r *Reconciler) update(ctx context.Context, ik model.InternalKey, entity model.EntityName) (Action, error) {
	var results []sourceResult
	var errs *multierror.Error

	for _, src := range r.sources.Sources(entity) {
		fk, hasFK, err := r.store.LookupForeign(ik, src)
		if err != nil {
			return "", &model.StoreUnavailable{Cause: err}
		}
		if !hasFK {
			results = append(results, sourceResult{src: src})
			continue
		}
		ds, err := r.sources.Lookup(entity, src)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		doc, err := r.getWithTimeout(ctx, ds, entity, src, fk)
		if errors.Is(err, source.ErrMissing) {
			// The entity vanished from a configured source mid-update;
			// the whole entity is gone, so finish the step as a Delete
			// rather than silently excluding this source from the merge.
			return r.delete(ctx, ik, entity)
		}
		if err != nil {
			r.metrics.RecordSourceError(entity, src)
			errs = multierror.Append(errs, &model.SourceError{Source: src, Cause: err})
			continue
		}
		results = append(results, sourceResult{src: src, fk: fk, doc: doc, hasFK: true})
	}

	initial, hasInitial, err := r.store.GetInitial(ik)
	if err != nil {
		return "", &model.StoreUnavailable{Cause: err}
	}
	if !hasInitial {
		initial = bootstrapInitial(results)
	}

	var srcNames []model.SourceName
	var diffs []diffop.Diff[model.SourceName]
	for _, res := range results {
		if res.doc == nil {
			continue
		}
		srcNames = append(srcNames, res.src)
		diffs = append(diffs, diffop.Compute(res.src, initial, res.doc))
	}

	accepted, rejected := r.policy.Merge(initial, srcNames, diffs)

	var action Action
	if allEmpty(rejected) {
		if err := r.applyConverged(ctx, ik, entity, initial, accepted, results); err != nil {
			errs = multierror.Append(errs, err)
		}
		action = ActionUpdated
	} else {
		if err := r.parkConflict(ik, entity, accepted, rejected); err != nil {
			errs = multierror.Append(errs, &model.StoreUnavailable{Cause: err})
		}
		action = ActionParked
	}

	if err := errs.ErrorOrNil(); err != nil {
		return "", err
	}
	return action, nil
}

func bootstrapInitial(results []sourceResult) *document.Document {
	for _, res := range results {
		if res.doc != nil {
			return res.doc
		}
	}
	return document.New()
}

func allEmpty(diffs []diffop.Diff[diffop.Unit]) bool {
	for _, d := range diffs {
		if !d.Empty() {
			return false
		}
	}
	return true
}

// applyConverged pushes the accepted diff's result to every configured
// source (allocating a foreign key for any source that has none yet,
// which self-heals a source left behind by a partial Create), and
// updates the stored initial document.
func (r *Reconciler) applyConverged(
	ctx context.Context, ik model.InternalKey, entity model.EntityName,
	initial *document.Document, accepted diffop.Diff[diffop.Unit], results []sourceResult,
) error {
	merged := diffop.Apply(accepted, initial)

	var errs *multierror.Error
	for _, res := range results {
		ds, err := r.sources.Lookup(entity, res.src)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if !res.hasFK {
			newFK, err := r.setWithTimeout(ctx, ds, entity, res.src, merged, model.ForeignKey{Entity: entity, Source: res.src})
			if err != nil {
				r.metrics.RecordSourceError(entity, res.src)
				errs = multierror.Append(errs, &model.SourceError{Source: res.src, Cause: err})
				continue
			}
			if err := r.store.RecordForeign(ik, newFK); err != nil {
				errs = multierror.Append(errs, &model.StoreUnavailable{Cause: err})
			}
			continue
		}
		if _, err := r.setWithTimeout(ctx, ds, entity, res.src, merged, res.fk); err != nil {
			r.metrics.RecordSourceError(entity, res.src)
			errs = multierror.Append(errs, &model.SourceError{Source: res.src, Cause: err})
		}
	}

	if err := r.store.PutInitial(ik, merged); err != nil {
		errs = multierror.Append(errs, &model.StoreUnavailable{Cause: err})
	}
	if errs.ErrorOrNil() == nil {
		r.metrics.RecordUpdated(entity)
	}
	return errs.ErrorOrNil()
}

// parkConflict persists the conflict record (accepted ops marked,
// rejected ops unmarked, per §4.3's putDiff) without mutating any
// source.
func (r *Reconciler) parkConflict(
	ik model.InternalKey, entity model.EntityName,
	accepted diffop.Diff[diffop.Unit], rejected []diffop.Diff[diffop.Unit],
) error {
	var ops []diffop.Op[diffop.Unit]
	var mask []bool
	for _, op := range accepted.Ops {
		ops = append(ops, op)
		mask = append(mask, true)
	}
	for _, d := range rejected {
		for _, op := range d.Ops {
			ops = append(ops, op)
			mask = append(mask, false)
		}
	}

	combined := diffop.Diff[diffop.Unit]{Ops: ops}
	if _, err := r.store.PutDiff(ik, combined, mask, r.newID); err != nil {
		return err
	}
	r.metrics.RecordConflict(entity)
	return nil
}

// delete handles the VANISHED state: remove the entity from every
// source that still has a foreign key for it, then purge the internal
// key and everything that cascades from it.
func (r *Reconciler) delete(ctx context.Context, ik model.InternalKey, entity model.EntityName) (Action, error) {
	var errs *multierror.Error
	for _, src := range r.sources.Sources(entity) {
		fk, hasFK, err := r.store.LookupForeign(ik, src)
		if err != nil {
			errs = multierror.Append(errs, &model.StoreUnavailable{Cause: err})
			continue
		}
		if !hasFK {
			continue
		}
		ds, err := r.sources.Lookup(entity, src)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if err := r.deleteWithTimeout(ctx, ds, entity, src, fk); err != nil {
			r.metrics.RecordSourceError(entity, src)
			errs = multierror.Append(errs, &model.SourceError{Source: src, Cause: err})
		}
	}
	if errs.ErrorOrNil() != nil {
		return "", errs
	}

	if _, err := r.store.DeleteInternal(ik); err != nil {
		return "", &model.StoreUnavailable{Cause: err}
	}
	r.metrics.RecordDeleted(entity)
	return ActionDeleted, nil
}

func (r *Reconciler) handleApply(ctx context.Context, diffID model.DiffID, diff diffop.Diff[diffop.Unit]) (Action, error) {
	record, ik, ok, err := r.store.GetConflict(diffID)
	if err != nil {
		return "", &model.StoreUnavailable{Cause: err}
	}
	if !ok {
		return "", &model.ConflictResolved{DiffID: diffID}
	}

	release, acquired := r.locker.TryAcquire(ik.String())
	if !acquired {
		return "", errLockContention
	}
	defer release()

	return r.apply(ctx, record, ik, diffID, diff)
}

// apply handles the Apply(DiffID, Diff) work item produced by a
// resolved conflict: apply the chosen ops to the stored initial, push
// the result to every source, and mark every op in the diff accepted,
// closing out the conflict record per §4.6.
func (r *Reconciler) apply(ctx context.Context, record model.ConflictRecord, ik model.InternalKey, diffID model.DiffID, diff diffop.Diff[diffop.Unit]) (Action, error) {
	initial, hasInitial, err := r.store.GetInitial(ik)
	if err != nil {
		return "", &model.StoreUnavailable{Cause: err}
	}
	if !hasInitial {
		initial = document.New()
	}
	merged := diffop.Apply(diff, initial)

	var errs *multierror.Error
	for _, src := range r.sources.Sources(ik.Entity) {
		ds, err := r.sources.Lookup(ik.Entity, src)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		fk, hasFK, err := r.store.LookupForeign(ik, src)
		if err != nil {
			errs = multierror.Append(errs, &model.StoreUnavailable{Cause: err})
			continue
		}
		if !hasFK {
			newFK, err := r.setWithTimeout(ctx, ds, ik.Entity, src, merged, model.ForeignKey{Entity: ik.Entity, Source: src})
			if err != nil {
				r.metrics.RecordSourceError(ik.Entity, src)
				errs = multierror.Append(errs, &model.SourceError{Source: src, Cause: err})
				continue
			}
			if err := r.store.RecordForeign(ik, newFK); err != nil {
				errs = multierror.Append(errs, &model.StoreUnavailable{Cause: err})
			}
			continue
		}
		if _, err := r.setWithTimeout(ctx, ds, ik.Entity, src, merged, fk); err != nil {
			r.metrics.RecordSourceError(ik.Entity, src)
			errs = multierror.Append(errs, &model.SourceError{Source: src, Cause: err})
		}
	}
	if errs.ErrorOrNil() != nil {
		return "", errs
	}

	if err := r.store.PutInitial(ik, merged); err != nil {
		return "", &model.StoreUnavailable{Cause: err}
	}

	allOpIDs := make([]model.DiffOpID, len(record.Ops))
	for i, op := range record.Ops {
		allOpIDs[i] = op.ID
	}
	if err := r.store.MarkResolved(diffID, allOpIDs); err != nil {
		return "", &model.StoreUnavailable{Cause: err}
	}
	r.metrics.RecordResolution(ik.Entity)
	return ActionApplied, nil
}

func (r *Reconciler) getWithTimeout(ctx context.Context, ds source.DataSource, entity model.EntityName, src model.SourceName, fk model.ForeignKey) (*document.Document, error) {
	ctx, cancel := context.WithTimeout(ctx, r.sourceTimeout(entity, src))
	defer cancel()
	return ds.Get(ctx, fk)
}

func (r *Reconciler) setWithTimeout(ctx context.Context, ds source.DataSource, entity model.EntityName, src model.SourceName, doc *document.Document, fk model.ForeignKey) (model.ForeignKey, error) {
	ctx, cancel := context.WithTimeout(ctx, r.sourceTimeout(entity, src))
	defer cancel()
	return ds.Set(ctx, doc, fk)
}

func (r *Reconciler) deleteWithTimeout(ctx context.Context, ds source.DataSource, entity model.EntityName, src model.SourceName, fk model.ForeignKey) error {
	ctx, cancel := context.WithTimeout(ctx, r.sourceTimeout(entity, src))
	defer cancel()
	return ds.Delete(ctx, fk)
}
