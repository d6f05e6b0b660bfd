// Package activator implements the background sequencer reconfiguration
// engine. For every notified log it decides whether the sequencer's epoch
// metadata must be refreshed in place in the epoch store, whether the
// sequencer must be reactivated into a new epoch, or whether nothing needs
// doing — then carries out exactly one of those under a configurable
// in-flight budget, without ever blocking its worker.
//
// All engine state is confined to one deterministic worker. Other threads
// reach the engine through RequestSchedule and RequestNotifyCompletion,
// which post onto that worker.
package activator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/INLOpen/nexuslog/budget"
	"github.com/INLOpen/nexuslog/cluster"
	"github.com/INLOpen/nexuslog/config"
	"github.com/INLOpen/nexuslog/core"
	"github.com/INLOpen/nexuslog/epochstore"
	"github.com/INLOpen/nexuslog/hooks"
	"github.com/INLOpen/nexuslog/nodeset"
	"github.com/INLOpen/nexuslog/sequencer"
	"github.com/INLOpen/nexuslog/utils"
	"github.com/INLOpen/nexuslog/worker"
)

const (
	// drainQuantum caps how long one drain pass may occupy the worker
	// before yielding; yieldDelay is how long the yield lasts. 2ms keeps
	// the pass bounded even with thousands of pending logs, and the 5ms
	// gap gives foreground work headroom.
	drainQuantum = 2 * time.Millisecond
	yieldDelay   = 5 * time.Millisecond

	// rateLimitInterval throttles the engine's per-log log lines.
	rateLimitInterval = 10 * time.Second

	// affinityLabel pins every dispatch to the same worker.
	affinityLabel = "sequencer-background-activator"
)

// WorkerType returns the pool the engine's owner worker belongs to: the
// background pool when one exists, otherwise the general pool.
func WorkerType(p *worker.Processor) worker.Type {
	if p.WorkerCount(worker.TypeBackground) > 0 {
		return worker.TypeBackground
	}
	return worker.TypeGeneral
}

// ThreadAffinity returns the engine's worker index within its pool. It is a
// pure function of the pool size, so every producer lands on the same
// worker.
func ThreadAffinity(workers int) int {
	return worker.StableAffinity(affinityLabel, workers)
}

// UpdateMetadataFunc matches nodeset.UpdateMetadataIfNeeded. The engine
// calls it through a field so alternative reconcilers can be injected.
type UpdateMetadataFunc func(log core.LogID, meta *core.EpochMetaData, cfg *cluster.Config, opts nodeset.UpdateOptions) (nodeset.UpdateResult, bool)

// Options tune a new Activator. The zero value is production behavior.
type Options struct {
	// Clock substitutes the engine's time source.
	Clock utils.Clock
	// Hooks receives the engine's lifecycle events.
	Hooks hooks.Manager
	// PublishMetrics registers the expvar counters globally.
	PublishMetrics bool
	// UpdateMetadata overrides the nodeset reconciler.
	UpdateMetadata UpdateMetadataFunc
}

// Activator is the reconfiguration engine. One instance exists per process,
// bound to one worker; see WorkerType and ThreadAffinity.
type Activator struct {
	processor *worker.Processor
	wtype     worker.Type
	widx      int

	registry   *sequencer.Registry
	store      epochstore.Store
	clusterCfg *cluster.Updateable
	settings   *config.SettingsHolder

	hooks          hooks.Manager
	clock          utils.Clock
	logger         *slog.Logger
	tracer         trace.Tracer
	metrics        *Metrics
	updateMetadata UpdateMetadataFunc

	decisionLog *logLimiter
	raceLog     *logLimiter
	storeLog    *logLimiter

	// Engine state below is confined to the owner worker. The guard is not
	// a lock in the design: it verifies confinement by panicking when two
	// goroutines ever reach the engine at once.
	guard   nonReentrant
	pending *pendingSet
	budget  *budget.Budget
	timer   retryTimer
}

// New wires an engine to its collaborators and installs itself as the
// registry's activation completion notifier. The owner worker is computed
// from the processor's pool sizes and never changes.
func New(p *worker.Processor, reg *sequencer.Registry, store epochstore.Store, clusterCfg *cluster.Updateable, settings *config.SettingsHolder, logger *slog.Logger, opts Options) *Activator {
	if opts.Clock == nil {
		opts.Clock = utils.SystemClock{}
	}
	if opts.Hooks == nil {
		opts.Hooks = hooks.NopManager{}
	}
	if opts.UpdateMetadata == nil {
		opts.UpdateMetadata = nodeset.UpdateMetadataIfNeeded
	}

	wtype := WorkerType(p)
	a := &Activator{
		processor:      p,
		wtype:          wtype,
		widx:           ThreadAffinity(p.WorkerCount(wtype)),
		registry:       reg,
		store:          store,
		clusterCfg:     clusterCfg,
		settings:       settings,
		hooks:          opts.Hooks,
		clock:          opts.Clock,
		logger:         logger.With("component", "SequencerActivator"),
		tracer:         otel.Tracer("github.com/INLOpen/nexuslog/activator"),
		metrics:        NewMetrics(opts.PublishMetrics),
		updateMetadata: opts.UpdateMetadata,
		decisionLog:    newLogLimiter(opts.Clock, rateLimitInterval),
		raceLog:        newLogLimiter(opts.Clock, rateLimitInterval),
		storeLog:       newLogLimiter(opts.Clock, rateLimitInterval),
		pending:        newPendingSet(),
	}
	reg.SetCompletionNotifier(func(log core.LogID, st error) {
		a.RequestNotifyCompletion(log, st)
	})
	a.logger.Info("Background activator bound to worker.", "worker_type", wtype.String(), "worker_index", a.widx)
	return a
}

// Metrics exposes the engine's counters.
func (a *Activator) Metrics() *Metrics { return a.metrics }

// RequestSchedule enqueues logs for re-evaluation from any thread. Metadata
// logs are rejected up front; they are activated through a different path.
// A shutting-down dispatch layer counts as success.
func (a *Activator) RequestSchedule(ids []core.LogID) error {
	for _, id := range ids {
		if core.IsMetadataLog(id) {
			return fmt.Errorf("cannot schedule metadata log %s: %w", id, core.ErrInvalidParam)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	cp := slices.Clone(ids)
	err := a.post(func() { a.Schedule(cp) })
	if errors.Is(err, core.ErrShutdown) {
		return nil
	}
	return err
}

// RequestNotifyCompletion reports a finished background action from any
// thread. Metadata logs are ignored. A shutting-down dispatch layer counts
// as success.
func (a *Activator) RequestNotifyCompletion(log core.LogID, st error) error {
	if core.IsMetadataLog(log) {
		return nil
	}
	err := a.post(func() { a.NotifyCompletion(log, st) })
	if errors.Is(err, core.ErrShutdown) {
		return nil
	}
	return err
}

func (a *Activator) post(fn func()) error {
	return a.processor.Post(a.wtype, a.widx, fn)
}

// Schedule enqueues logs for re-evaluation and drains. Owner worker only.
func (a *Activator) Schedule(ids []core.LogID) {
	defer a.guard.enter()()

	fresh := 0
	for _, id := range ids {
		// Metadata log sequencers don't interact via the epoch store, so
		// this state machine must never see them.
		if core.IsMetadataLog(id) {
			a.logger.Error("Dropping metadata log from schedule request.", "log", id)
			continue
		}
		if a.pending.insert(id) {
			fresh++
		}
	}
	a.metrics.Scheduled.Add(int64(fresh))
	a.maybeProcessQueue()
}

// NotifyCompletion is the completion intake: it releases the sequencer's
// in-flight token, re-enqueues the log for a cheap re-check (config may have
// moved while the action ran), and drains. The status is already classified
// by the callback that posted it, so only the log id matters here. Owner
// worker only.
func (a *Activator) NotifyCompletion(log core.LogID, _ error) {
	defer a.guard.enter()()

	if core.IsMetadataLog(log) {
		return
	}
	seq := a.registry.Find(log)
	if seq == nil {
		// Not an activation we care about.
		return
	}

	hadToken := false
	if tok := seq.TakeBackgroundToken(); tok != nil {
		hadToken = true
		tok.Release()
	}

	inserted := a.pending.insert(log)

	if hadToken && !inserted {
		a.metrics.Completed.Add(1)
	}
	if !hadToken && inserted {
		a.metrics.Scheduled.Add(1)
	}

	a.maybeProcessQueue()
}

// maybeProcessQueue drains the pending set under the in-flight budget,
// yielding after drainQuantum so the worker stays responsive.
func (a *Activator) maybeProcessQueue() {
	ctx, span := a.tracer.Start(context.Background(), "Activator.ProcessQueue")
	defer span.End()

	a.timer.cancel()

	// The budget limit is re-read from live settings on every pass.
	st := a.settings.Get()
	if a.budget == nil {
		a.budget = budget.New(st.MaxInFlight)
	} else if a.budget.Limit() != st.MaxInFlight {
		a.budget.SetLimit(st.MaxInFlight)
	}

	start := a.clock.Now()
	madeProgress := false
	processed := 0
	yielded := false
	deferred := false

	for !a.pending.empty() && a.budget.Available() > 0 {
		if madeProgress && a.clock.Now().Sub(start) > drainQuantum {
			// This is taking a while; yield for a few milliseconds.
			a.armRetryTimer(yieldDelay)
			yielded = true
			break
		}
		madeProgress = true

		id, ok := a.pending.front()
		if !ok {
			break
		}
		tok := a.budget.Acquire()
		if tok == nil {
			break
		}

		if a.processOneLog(ctx, id, tok) {
			a.pending.remove(id)
			processed++
			if tok.Valid() {
				// The token was not moved into the sequencer: nothing is
				// in flight, so nobody else will account this completion.
				tok.Release()
				a.metrics.Completed.Add(1)
			}
		} else {
			// No point retrying immediately; come back on the timer.
			tok.Release()
			a.armRetryTimer(st.RetryInterval)
			deferred = true
			break
		}
	}

	span.SetAttributes(
		attribute.Int("activator.processed", processed),
		attribute.Int("activator.pending", a.pending.len()),
		attribute.Bool("activator.yielded", yielded),
		attribute.Bool("activator.deferred", deferred),
	)
	a.hooks.Trigger(ctx, hooks.NewPostDrainEvent(hooks.PostDrainPayload{
		Processed: processed,
		Deferred:  deferred,
		Yielded:   yielded,
		Pending:   a.pending.len(),
	}))
}

// armRetryTimer schedules a deferred drain. The fire posts back onto the
// owner worker, so the drain still runs confined.
func (a *Activator) armRetryTimer(d time.Duration) {
	a.timer.arm(d, func() {
		_ = a.post(func() {
			defer a.guard.enter()()
			a.maybeProcessQueue()
		})
	})
}

// processOneLog evaluates one pending log holding one transient budget
// token. It returns true when the caller should erase the id (the check is
// done, or an action is now in flight and will drive the next re-check) and
// false when the id should stay pending for a timed retry.
func (a *Activator) processOneLog(ctx context.Context, id core.LogID, tok *budget.Token) bool {
	if err := a.hooks.Trigger(ctx, hooks.NewPreProcessLogEvent(hooks.PreProcessLogPayload{Log: id})); err != nil {
		// A vetoing listener postpones the log, it does not drop it.
		return false
	}

	cfg := a.clusterCfg.Get()
	seq := a.registry.Find(id)
	if seq == nil {
		// No sequencer for that log, we're done with this one.
		return true
	}
	if seq.HasBackgroundToken() {
		// Something's already in flight for this log. We'll be notified
		// and run the check again when it completes.
		return true
	}

	isSequencerNode := cfg.SequencingEnabled(cfg.MyNodeID)
	seq.ApplyConfigUpdate(cfg, isSequencerNode)
	if !isSequencerNode {
		// The sequencer deactivated itself above; nothing to reconcile.
		return true
	}

	err := a.reprovisionOrReactivateIfNeeded(ctx, id, seq, cfg)
	if err == nil {
		// An action is in flight; the token rides with it.
		if aerr := seq.AttachBackgroundToken(tok); aerr != nil {
			a.logger.Error("Token slot occupied right after the vacancy check.", "log", id, "error", aerr)
		}
		return true
	}
	if errors.Is(err, core.ErrUptodate) {
		return true
	}

	shouldRetry := shouldRetryStatus(err)
	if !errors.Is(err, core.ErrInProgress) && !errors.Is(err, core.ErrNoSequencer) && a.decisionLog.allow() {
		a.logger.Info("Checking log for a metadata update did not start an action.",
			"log", id, "error", err, "will_retry", shouldRetry)
	}
	return !shouldRetry
}

// shouldRetryStatus is the decision procedure's retry set. Narrower than
// core.IsTransientStatus: ErrSysLimit is terminal for the pass; only a
// future schedule notification re-checks the log.
func shouldRetryStatus(err error) bool {
	return errors.Is(err, core.ErrFailed) ||
		errors.Is(err, core.ErrNoBufs) ||
		errors.Is(err, core.ErrTooMany) ||
		errors.Is(err, core.ErrNotConn) ||
		errors.Is(err, core.ErrAccess)
}

// reprovisionOrReactivateIfNeeded is the inner reconciler: it decides
// between an in-place nodeset-params refresh and a full reactivation, issues
// the action, and returns nil exactly when an action is now in flight.
// core.ErrUptodate means nothing needed doing.
func (a *Activator) reprovisionOrReactivateIfNeeded(ctx context.Context, id core.LogID, seq *sequencer.Sequencer, cfg *cluster.Config) error {
	// Only do anything if the sequencer is active. Inactive sequencers
	// reprovision on their next activation; an in-flight activation will
	// re-trigger this check when it completes. State and metadata are read
	// separately, so re-check both: a reactivation may have slipped in
	// between.
	state := seq.State()
	meta := seq.CurrentMetadata()
	if state != sequencer.StateActive || meta == nil {
		if state == sequencer.StateActivating {
			return core.ErrInProgress
		}
		return core.ErrNoSequencer
	}
	if meta.Empty() || meta.Disabled {
		a.logger.Error("ACTIVE sequencer with empty or disabled epoch metadata.", "log", id, "metadata", meta)
		return core.ErrInternal
	}

	attrs, ok := cfg.LogGroup(id)
	if !ok {
		// The log is no longer in the config.
		return core.ErrNotFound
	}

	curEpoch := meta.Epoch
	if curEpoch >= core.EpochMax-2 {
		// Ran out of epoch numbers, can't reactivate.
		return core.ErrTooBig
	}

	curOptions, ok := seq.Options()
	if !ok {
		return core.ErrNoSequencer
	}
	newOptions := sequencer.OptionsFromAttrs(attrs)

	settings := a.settings.Get()

	needReactivation := false
	needMetadataUpdate := false
	var newMeta *core.EpochMetaData

	if newOptions != curOptions {
		needReactivation = true
		if a.decisionLog.allow() {
			a.logger.Info("Reactivating sequencer because options changed.",
				"log", id, "epoch", curEpoch, "from", curOptions, "to", newOptions)
		}
	}

	if cfg.SequencersProvisionEpochStore {
		if !meta.WrittenInMetadataLog {
			// Metadata can't be reprovisioned before it reaches the
			// metadata log; the metadata-log writer re-checks afterwards.
			return core.ErrInProgress
		}

		updateOpts := nodeset.UpdateOptions{UseNewStorageSetFormat: settings.UseNewStorageSetFormat}

		// Copy the sequencer's metadata and increment the epoch, giving the
		// record a reactivation would install. The epoch store's record holds
		// the current epoch; a preemption surfaces through the conditioned
		// writes below.
		tentative := meta.Clone()
		tentative.Epoch = curEpoch + 1

		res, onlyParamsChanged := a.updateMetadata(id, tentative, cfg, updateOpts)
		switch res {
		case nodeset.Failed:
			if a.storeLog.allow() {
				a.logger.Error("Failed to consider updating epoch metadata.", "log", id)
			}
			// Unexpected; don't update metadata and don't retry. An
			// options-driven reactivation below may still proceed.
		case nodeset.Unchanged:
			// No update needed.
		case nodeset.Updated:
			needMetadataUpdate = true
			newMeta = tentative
			if !onlyParamsChanged {
				needReactivation = true
				if a.decisionLog.allow() {
					a.logger.Info("Reactivating sequencer to update epoch metadata.",
						"log", id, "epoch", curEpoch, "from", meta, "to", newMeta)
				}
			} else if a.decisionLog.allow() {
				a.logger.Info("Updating nodeset params in epoch store without changing the nodeset.",
					"log", id, "epoch", curEpoch, "from", meta.Params, "to", newMeta.Params)
			}

			// The selector must be satisfied with its own output, or we'd
			// loop reactivating forever. Run it once more on a copy; if
			// either that fails or it wants yet another change, cancel the
			// whole update.
			again := newMeta.Clone()
			res2, _ := a.updateMetadata(id, again, cfg, updateOpts)
			if res2 != nodeset.Unchanged {
				a.logger.Error("Nodeset selector wants to update metadata twice in a row.",
					"log", id, "epoch", curEpoch,
					"first_result", res.String(), "second_result", res2.String(),
					"metadata", newMeta, "second_metadata", again)
				needMetadataUpdate = false
				needReactivation = false
				newMeta = nil
			}
		}
	}

	if needReactivation {
		a.metrics.ReactivationsForMetadataUpdate.Add(1)
		proposed := newMeta
		if proposed == nil {
			// Options changed but the nodeset did not: carry the current
			// metadata into the next epoch.
			proposed = meta.Clone()
		}
		err := a.registry.Activate(id, "background reconfiguration",
			func(*sequencer.Sequencer) bool { return true },
			curEpoch+1, proposed)
		if err != nil {
			return err
		}
		a.hooks.Trigger(ctx, hooks.NewPostReactivationEvent(hooks.PostReactivationPayload{
			Log:      id,
			NewEpoch: curEpoch + 1,
		}))
		return nil
	}

	if needMetadataUpdate {
		// Update the nodeset params in the epoch store without
		// reactivating the sequencer.
		a.metrics.MetadataUpdatesWithoutReactivation.Add(1)
		newParams := newMeta.Params

		// The callback keeps seq alive until the store responds; the
		// registry owns the sequencer's lifetime independently.
		cb := func(st error, cbLog core.LogID, info *core.EpochMetaData, props *epochstore.MetaProperties) {
			if st == nil || errors.Is(st, core.ErrUptodate) {
				if !seq.SetNodesetParamsInCurrentEpoch(curEpoch, newParams) && a.raceLog.allow() {
					a.logger.Info("Lost the race when updating nodeset params. This should be rare.",
						"log", cbLog, "epoch", curEpoch, "params", newParams)
				}
			}
			if errors.Is(st, core.ErrAborted) {
				// The epoch didn't match: our sequencer is preempted.
				preemptor := core.EpochInvalid
				if info != nil {
					preemptor = info.Epoch
				}
				a.registry.NotePreemption(cbLog, preemptor, props, seq, "updating nodeset params")
			}
			if !errors.Is(st, core.ErrShutdown) && !errors.Is(st, core.ErrFailed) {
				a.RequestNotifyCompletion(cbLog, st)
			}
		}

		err := a.store.CreateOrUpdateMetadata(id, epochstore.NodesetParamsUpdater{
			Expected: curEpoch,
			Params:   newParams,
		}, cb)
		if err != nil {
			if a.storeLog.allow() {
				a.logger.Error("Failed to update nodeset params in epoch store.", "log", id, "error", err)
			}
			return err
		}
		a.hooks.Trigger(ctx, hooks.NewPostMetadataUpdateEvent(hooks.PostMetadataUpdatePayload{
			Log:    id,
			Epoch:  curEpoch,
			Params: newParams,
		}))
		return nil
	}

	return core.ErrUptodate
}
