// Package sequencer holds the per-log sequencer state machines and the
// registry that owns them. A sequencer assigns sequence numbers within the
// current epoch of its log; this package tracks its lifecycle and epoch
// metadata, while record-level sequencing lives with the append path.
package sequencer

import (
	"log/slog"
	"sync"

	"github.com/INLOpen/nexuslog/budget"
	"github.com/INLOpen/nexuslog/cluster"
	"github.com/INLOpen/nexuslog/core"
)

// State is the lifecycle state of a sequencer.
type State int

const (
	// StateUnavailable: created but never activated.
	StateUnavailable State = iota
	// StateInactive: deactivated, e.g. after losing sequencing duty.
	StateInactive
	// StateActivating: an activation is in flight.
	StateActivating
	// StateActive: assigning sequence numbers in the current epoch.
	StateActive
	// StatePreempted: another node advanced the epoch store past us.
	StatePreempted
	// StatePermanentError: the sequencer cannot recover without operator help.
	StatePermanentError
)

func (s State) String() string {
	switch s {
	case StateUnavailable:
		return "UNAVAILABLE"
	case StateInactive:
		return "INACTIVE"
	case StateActivating:
		return "ACTIVATING"
	case StateActive:
		return "ACTIVE"
	case StatePreempted:
		return "PREEMPTED"
	case StatePermanentError:
		return "PERMANENT_ERROR"
	default:
		return "UNKNOWN"
	}
}

// ImmutableOptions are fixed for the lifetime of an epoch; changing any of
// them requires reactivating the sequencer into a new epoch.
type ImmutableOptions struct {
	// WindowSize is the sliding window of in-flight appends.
	WindowSize int
	// SlidingWindow selects the windowed append pipeline.
	SlidingWindow bool
}

// OptionsFromAttrs derives the per-epoch options from the log's configured
// attributes.
func OptionsFromAttrs(attrs cluster.LogAttrs) ImmutableOptions {
	opts := ImmutableOptions{
		WindowSize:    attrs.WindowSize,
		SlidingWindow: attrs.SlidingWindow,
	}
	if opts.WindowSize <= 0 {
		opts.WindowSize = 128
	}
	return opts
}

// Sequencer is the in-memory authority for one log. All fields are guarded
// by mu; accessors return copies so callers never observe a torn update.
type Sequencer struct {
	logID  core.LogID
	logger *slog.Logger

	mu          sync.Mutex
	state       State
	meta        *core.EpochMetaData
	options     *ImmutableOptions
	preemptedBy core.Epoch

	// backgroundToken is the single slot for the in-flight budget token of
	// a background reconfiguration touching this log. At most one such
	// action may be outstanding per log.
	backgroundToken *budget.Token
}

func newSequencer(logID core.LogID, logger *slog.Logger) *Sequencer {
	return &Sequencer{
		logID:  logID,
		logger: logger.With("component", "Sequencer", "log", logID),
		state:  StateUnavailable,
	}
}

// LogID returns the log this sequencer serves.
func (s *Sequencer) LogID() core.LogID { return s.logID }

// State returns the current lifecycle state.
func (s *Sequencer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CurrentMetadata returns a copy of the current epoch metadata, or nil if
// the sequencer has none.
func (s *Sequencer) CurrentMetadata() *core.EpochMetaData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta.Clone()
}

// CurrentEpoch returns the epoch of the current metadata, or EpochInvalid.
func (s *Sequencer) CurrentEpoch() core.Epoch {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.meta == nil {
		return core.EpochInvalid
	}
	return s.meta.Epoch
}

// Options returns the immutable per-epoch options, if the sequencer has ever
// activated.
func (s *Sequencer) Options() (ImmutableOptions, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.options == nil {
		return ImmutableOptions{}, false
	}
	return *s.options, true
}

// PreemptedBy returns the epoch that preempted this sequencer, if any.
func (s *Sequencer) PreemptedBy() core.Epoch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.preemptedBy
}

// AttachBackgroundToken moves an in-flight budget token into the sequencer's
// slot: the caller's handle is invalidated and the credit lives in the slot
// until the completion path takes and releases it. Fails with core.ErrExists
// when the slot is occupied and core.ErrInvalidParam when the token carries
// no credit.
func (s *Sequencer) AttachBackgroundToken(tok *budget.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backgroundToken != nil && s.backgroundToken.Valid() {
		return core.ErrExists
	}
	moved := tok.Move()
	if moved == nil {
		return core.ErrInvalidParam
	}
	s.backgroundToken = moved
	return nil
}

// HasBackgroundToken reports whether a background action is in flight for
// this log.
func (s *Sequencer) HasBackgroundToken() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backgroundToken != nil && s.backgroundToken.Valid()
}

// TakeBackgroundToken empties the slot and returns the token that was in it,
// if any.
func (s *Sequencer) TakeBackgroundToken() *budget.Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok := s.backgroundToken
	s.backgroundToken = nil
	if tok == nil || !tok.Valid() {
		return nil
	}
	return tok
}

// SetNodesetParamsInCurrentEpoch applies freshly stored nodeset params to the
// in-memory metadata, provided the sequencer is still ACTIVE in the epoch the
// write was conditioned on. Returns false when the caller lost that race.
func (s *Sequencer) SetNodesetParamsInCurrentEpoch(epoch core.Epoch, params core.NodesetParams) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive || s.meta == nil || s.meta.Epoch != epoch {
		return false
	}
	s.meta.Params = params
	return true
}

// ApplyConfigUpdate notifies the sequencer of a configuration change. When
// this node lost sequencing duty, or the log disappeared from the
// configuration, an active sequencer steps down.
func (s *Sequencer) ApplyConfigUpdate(cfg *cluster.Config, isSequencerNode bool) {
	_, logConfigured := cfg.LogGroup(s.logID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive && s.state != StateActivating {
		return
	}
	if isSequencerNode && logConfigured {
		return
	}
	reason := "node lost sequencing duty"
	if !logConfigured {
		reason = "log removed from config"
	}
	s.logger.Info("Deactivating sequencer.", "reason", reason, "state", s.state.String())
	s.state = StateInactive
}

// beginActivation transitions to ACTIVATING. Only one activation may be in
// flight.
func (s *Sequencer) beginActivation() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateActivating {
		return core.ErrInProgress
	}
	if s.state == StatePermanentError {
		return core.ErrFailed
	}
	s.state = StateActivating
	return nil
}

// completeActivation installs the metadata of the freshly won epoch.
func (s *Sequencer) completeActivation(meta *core.EpochMetaData, opts ImmutableOptions) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateActive
	s.meta = meta.Clone()
	s.options = &opts
	s.preemptedBy = core.EpochInvalid
}

// failActivation rolls ACTIVATING back to INACTIVE.
func (s *Sequencer) failActivation() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateActivating {
		s.state = StateInactive
	}
}

// notePreempted records that another sequencer owns a later epoch.
func (s *Sequencer) notePreempted(preemptor core.Epoch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if preemptor > s.preemptedBy {
		s.preemptedBy = preemptor
	}
	if s.state == StateActive || s.state == StateActivating {
		s.state = StatePreempted
	}
}
