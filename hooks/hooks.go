// Package hooks lets operators and tests observe, and for Pre-events veto or
// delay, the lifecycle of the sequencing control plane.
package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/INLOpen/nexuslog/core"
)

// EventType defines the type of a hook event.
type EventType string

const (
	// Activator lifecycle events.
	EventPreProcessLog EventType = "PreProcessLog"
	EventPostDrain     EventType = "PostDrain"

	// Reconfiguration outcome events.
	EventPostReactivation   EventType = "PostReactivation"
	EventPostMetadataUpdate EventType = "PostMetadataUpdate"

	// Sequencer lifecycle events.
	EventSequencerActivated EventType = "SequencerActivated"
	EventSequencerPreempted EventType = "SequencerPreempted"
)

// Manager defines the interface for registering and triggering hooks.
type Manager interface {
	// Register adds a listener for a specific event type.
	Register(eventType EventType, listener Listener)
	// Trigger fires all registered listeners for the event. Pre-event
	// listener errors cancel the operation; Post-event errors are logged.
	Trigger(ctx context.Context, event Event) error
	// Stop waits for all asynchronous listeners to complete.
	Stop()
}

// Event is the interface all event objects implement.
type Event interface {
	Type() EventType
	Payload() interface{}
}

// Listener receives events from the Manager.
type Listener interface {
	// OnEvent is called when a registered event fires. An error from a
	// "Pre" event cancels the operation that raised it.
	OnEvent(ctx context.Context, event Event) error
	// Priority orders listeners; lower runs first.
	Priority() int
	// IsAsync requests asynchronous delivery for Post-events.
	IsAsync() bool
}

// BaseEvent provides a base implementation of Event.
type BaseEvent struct {
	eventType EventType
	payload   interface{}
}

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// PreProcessLogPayload is delivered before the activator evaluates a log.
type PreProcessLogPayload struct {
	Log core.LogID
}

// NewPreProcessLogEvent creates the event raised before a log is evaluated.
func NewPreProcessLogEvent(p PreProcessLogPayload) Event {
	return &BaseEvent{eventType: EventPreProcessLog, payload: p}
}

// PostDrainPayload is delivered after a drain pass over the pending set.
type PostDrainPayload struct {
	Processed int
	Deferred  bool
	Yielded   bool
	Pending   int
}

// NewPostDrainEvent creates the event raised after a drain pass.
func NewPostDrainEvent(p PostDrainPayload) Event {
	return &BaseEvent{eventType: EventPostDrain, payload: p}
}

// PostReactivationPayload reports a reactivation issued for a log.
type PostReactivationPayload struct {
	Log      core.LogID
	NewEpoch core.Epoch
}

// NewPostReactivationEvent creates the event raised after a reactivation is issued.
func NewPostReactivationEvent(p PostReactivationPayload) Event {
	return &BaseEvent{eventType: EventPostReactivation, payload: p}
}

// PostMetadataUpdatePayload reports a params-only epoch store write.
type PostMetadataUpdatePayload struct {
	Log    core.LogID
	Epoch  core.Epoch
	Params core.NodesetParams
}

// NewPostMetadataUpdateEvent creates the event raised after a params-only update is issued.
func NewPostMetadataUpdateEvent(p PostMetadataUpdatePayload) Event {
	return &BaseEvent{eventType: EventPostMetadataUpdate, payload: p}
}

// SequencerActivatedPayload reports a sequencer reaching ACTIVE.
type SequencerActivatedPayload struct {
	Log   core.LogID
	Epoch core.Epoch
}

// NewSequencerActivatedEvent creates the event raised when a sequencer activates.
func NewSequencerActivatedEvent(p SequencerActivatedPayload) Event {
	return &BaseEvent{eventType: EventSequencerActivated, payload: p}
}

// SequencerPreemptedPayload reports a sequencer stepping down.
type SequencerPreemptedPayload struct {
	Log       core.LogID
	Preemptor core.Epoch
	Reason    string
}

// NewSequencerPreemptedEvent creates the event raised when a sequencer is preempted.
func NewSequencerPreemptedEvent(p SequencerPreemptedPayload) Event {
	return &BaseEvent{eventType: EventSequencerPreempted, payload: p}
}

type listenerWithPriority struct {
	listener Listener
	priority int
}

// DefaultManager is the standard Manager implementation.
type DefaultManager struct {
	mu        sync.RWMutex
	listeners map[EventType][]*listenerWithPriority
	logger    *slog.Logger
	wg        sync.WaitGroup
}

// NewManager creates an empty hook manager.
func NewManager(logger *slog.Logger) *DefaultManager {
	return &DefaultManager{
		listeners: make(map[EventType][]*listenerWithPriority),
		logger:    logger.With("component", "HookManager"),
	}
}

// Register implements Manager. Listeners are kept sorted by priority.
func (m *DefaultManager) Register(eventType EventType, listener Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &listenerWithPriority{listener: listener, priority: listener.Priority()}
	l := m.listeners[eventType]
	idx := sort.Search(len(l), func(i int) bool {
		return l[i].priority >= item.priority
	})
	l = append(l, nil)
	copy(l[idx+1:], l[idx:])
	l[idx] = item
	m.listeners[eventType] = l
}

// Trigger implements Manager.
func (m *DefaultManager) Trigger(ctx context.Context, event Event) error {
	m.mu.RLock()
	listeners := m.listeners[event.Type()]
	m.mu.RUnlock()

	if len(listeners) == 0 {
		return nil
	}

	// Pre-events must run synchronously so listeners can cancel the
	// operation.
	isPreEvent := strings.HasPrefix(string(event.Type()), "Pre")

	for _, item := range listeners {
		if isPreEvent || !item.listener.IsAsync() {
			if err := item.listener.OnEvent(ctx, event); err != nil {
				if isPreEvent {
					return fmt.Errorf("pre-hook for event %s (priority %d) failed: %w", event.Type(), item.priority, err)
				}
				m.logger.Error("Error from synchronous post-hook listener.", "event", event.Type(), "priority", item.priority, "error", err)
			}
			continue
		}
		m.wg.Add(1)
		go func(current *listenerWithPriority) {
			defer m.wg.Done()
			if err := current.listener.OnEvent(ctx, event); err != nil {
				m.logger.Error("Error from asynchronous post-hook listener.", "event", event.Type(), "priority", current.priority, "error", err)
			}
		}(item)
	}
	return nil
}

// Stop implements Manager.
func (m *DefaultManager) Stop() {
	m.wg.Wait()
}

// NopManager discards every event. Useful as a default when callers do not
// care about hooks.
type NopManager struct{}

func (NopManager) Register(EventType, Listener)         {}
func (NopManager) Trigger(context.Context, Event) error { return nil }
func (NopManager) Stop()                                {}

// FuncListener adapts a function to the Listener interface, running
// synchronously at priority 100.
type FuncListener func(ctx context.Context, event Event) error

func (f FuncListener) OnEvent(ctx context.Context, event Event) error { return f(ctx, event) }
func (f FuncListener) Priority() int                                  { return 100 }
func (f FuncListener) IsAsync() bool                                  { return false }
