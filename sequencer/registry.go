package sequencer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/INLOpen/nexuslog/cluster"
	"github.com/INLOpen/nexuslog/core"
	"github.com/INLOpen/nexuslog/epochstore"
	"github.com/INLOpen/nexuslog/hooks"
)

// maxConcurrentActivations bounds activation epoch-store traffic from this
// node.
const maxConcurrentActivations = 64

// CompletionNotifier receives the outcome of every activation issued through
// the registry. The background activator wires itself in here to learn when
// its in-flight actions finish.
type CompletionNotifier func(log core.LogID, st error)

// Registry owns the sequencers of this node. It is the only component that
// creates or activates them.
type Registry struct {
	store      epochstore.Store
	clusterCfg *cluster.Updateable
	hooks      hooks.Manager
	logger     *slog.Logger

	mu     sync.Mutex
	seqs   map[core.LogID]*Sequencer
	notify CompletionNotifier

	activations chan struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry(store epochstore.Store, clusterCfg *cluster.Updateable, hk hooks.Manager, logger *slog.Logger) *Registry {
	if hk == nil {
		hk = hooks.NopManager{}
	}
	return &Registry{
		store:       store,
		clusterCfg:  clusterCfg,
		hooks:       hk,
		logger:      logger.With("component", "AllSequencers"),
		seqs:        make(map[core.LogID]*Sequencer),
		activations: make(chan struct{}, maxConcurrentActivations),
	}
}

// SetCompletionNotifier installs the activation outcome callback. Must be
// called during wiring, before any Activate.
func (r *Registry) SetCompletionNotifier(fn CompletionNotifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notify = fn
}

func (r *Registry) completionNotifier() CompletionNotifier {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.notify
}

// Find returns the sequencer for a log, or nil if none exists on this node.
func (r *Registry) Find(log core.LogID) *Sequencer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seqs[core.DataLogID(log)]
}

// GetOrCreate returns the sequencer for a log, creating it on first use.
func (r *Registry) GetOrCreate(log core.LogID) *Sequencer {
	log = core.DataLogID(log)
	r.mu.Lock()
	defer r.mu.Unlock()
	seq, ok := r.seqs[log]
	if !ok {
		seq = newSequencer(log, r.logger)
		r.seqs[log] = seq
	}
	return seq
}

// Bootstrap installs an already ACTIVE sequencer from recovered epoch
// metadata. Used when a node restarts and resumes sequencing from the epoch
// store, and by tests that need a sequencer in a known state.
func (r *Registry) Bootstrap(log core.LogID, meta *core.EpochMetaData, opts ImmutableOptions) *Sequencer {
	seq := r.GetOrCreate(log)
	seq.completeActivation(meta, opts)
	return seq
}

// Activate drives the log's sequencer into a new epoch. The heavy work — the
// epoch-store compare-and-swap — runs asynchronously; Activate itself only
// validates and enqueues, returning an error from the bounded set
// {ErrNotFound, ErrNoBufs, ErrInProgress, ErrFailed, ErrTooMany,
// ErrSysLimit}.
//
// acceptableEpoch pins the epoch the caller computed; unless the store still
// holds the epoch just before it, the activation aborts and the sequencer
// learns it was preempted.
// proposed supplies the metadata of the new epoch.
func (r *Registry) Activate(log core.LogID, reason string, pred func(*Sequencer) bool, acceptableEpoch core.Epoch, proposed *core.EpochMetaData) error {
	if core.IsMetadataLog(log) {
		return fmt.Errorf("metadata log %s: %w", log, core.ErrNotFound)
	}
	cfg := r.clusterCfg.Get()
	attrs, ok := cfg.LogGroup(log)
	if !ok {
		return fmt.Errorf("log %s not in config: %w", log, core.ErrNotFound)
	}
	if acceptableEpoch == core.EpochInvalid || proposed == nil || proposed.Empty() {
		return fmt.Errorf("activation of log %s lacks a target epoch: %w", log, core.ErrFailed)
	}

	seq := r.GetOrCreate(log)
	if pred != nil && !pred(seq) {
		return fmt.Errorf("activation precondition for log %s: %w", log, core.ErrFailed)
	}

	select {
	case r.activations <- struct{}{}:
	default:
		return fmt.Errorf("activation limit reached: %w", core.ErrTooMany)
	}

	if err := seq.beginActivation(); err != nil {
		<-r.activations
		return err
	}

	// The stored record carries the metadata-log write with it: by the time
	// the store accepts the epoch, the record is durable for readers.
	prop := proposed.Clone()
	prop.Epoch = acceptableEpoch
	prop.WrittenInMetadataLog = true

	up := epochstore.ActivationUpdater{AcceptableEpoch: acceptableEpoch, Proposed: prop}
	err := r.store.CreateOrUpdateMetadata(log, up, func(st error, cbLog core.LogID, meta *core.EpochMetaData, props *epochstore.MetaProperties) {
		r.finishActivation(st, cbLog, seq, meta, props, attrs, reason)
	})
	if err != nil {
		seq.failActivation()
		<-r.activations
		// Collapse store posting errors into the bounded activation set.
		mapped := core.ErrFailed
		switch {
		case errors.Is(err, core.ErrNoBufs):
			mapped = core.ErrNoBufs
		case errors.Is(err, core.ErrSysLimit):
			mapped = core.ErrSysLimit
		}
		return fmt.Errorf("epoch store rejected activation of log %s: %w", log, mapped)
	}
	r.logger.Info("Sequencer activation started.", "log", log, "epoch", acceptableEpoch, "reason", reason)
	return nil
}

func (r *Registry) finishActivation(st error, log core.LogID, seq *Sequencer, meta *core.EpochMetaData, props *epochstore.MetaProperties, attrs cluster.LogAttrs, reason string) {
	<-r.activations

	switch {
	case st == nil:
		seq.completeActivation(meta, OptionsFromAttrs(attrs))
		r.logger.Info("Sequencer activated.", "log", log, "epoch", meta.Epoch, "reason", reason)
		r.hooks.Trigger(context.Background(), hooks.NewSequencerActivatedEvent(hooks.SequencerActivatedPayload{
			Log:   log,
			Epoch: meta.Epoch,
		}))
	case errors.Is(st, core.ErrAborted):
		// Someone else won a newer epoch. Note the preemption while the
		// sequencer is still ACTIVATING so it ends PREEMPTED.
		if meta != nil && !meta.Empty() {
			r.NotePreemption(log, meta.Epoch, props, seq, reason)
		}
		seq.failActivation()
	default:
		seq.failActivation()
		r.logger.Warn("Sequencer activation failed.", "log", log, "reason", reason, "error", st)
	}

	if notify := r.completionNotifier(); notify != nil && !errors.Is(st, core.ErrShutdown) && !errors.Is(st, core.ErrFailed) {
		notify(log, st)
	}
}

// NotePreemption records that another sequencer owns preemptor's epoch for
// the log. seq may be nil, in which case the registry looks it up.
func (r *Registry) NotePreemption(log core.LogID, preemptor core.Epoch, props *epochstore.MetaProperties, seq *Sequencer, reason string) {
	if seq == nil {
		seq = r.Find(log)
		if seq == nil {
			return
		}
	}
	seq.notePreempted(preemptor)

	var byNode core.NodeID = core.NodeIDInvalid
	if props != nil {
		byNode = props.LastWriter
	}
	r.logger.Info("Sequencer preempted.", "log", log, "preemptor_epoch", preemptor, "by_node", byNode, "while", reason)
	r.hooks.Trigger(context.Background(), hooks.NewSequencerPreemptedEvent(hooks.SequencerPreemptedPayload{
		Log:       log,
		Preemptor: preemptor,
		Reason:    reason,
	}))
}

// ApplyConfigUpdate pushes a new configuration snapshot to every sequencer.
func (r *Registry) ApplyConfigUpdate(cfg *cluster.Config) {
	isSequencerNode := cfg.SequencingEnabled(cfg.MyNodeID)

	r.mu.Lock()
	seqs := make([]*Sequencer, 0, len(r.seqs))
	for _, seq := range r.seqs {
		seqs = append(seqs, seq)
	}
	r.mu.Unlock()

	for _, seq := range seqs {
		seq.ApplyConfigUpdate(cfg, isSequencerNode)
	}
}
