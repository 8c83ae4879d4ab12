package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a telemetry event in the stackkit system.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// StackID is the associated stack ID, if applicable.
	StackID string `json:"stack_id,omitempty"`

	// Phase is the associated deployment phase, if applicable.
	Phase string `json:"phase,omitempty"`

	// ResourceID is the associated resource ID, if applicable.
	ResourceID string `json:"resource_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for common event types.
const (
	EventTypeDeploymentStarted   = "deployment.started"
	EventTypeDeploymentCompleted = "deployment.completed"
	EventTypeDeploymentFailed    = "deployment.failed"
	EventTypePhaseStarted        = "phase.started"
	EventTypePhaseCompleted      = "phase.completed"
	EventTypePhaseFailed         = "phase.failed"
	EventTypeRollbackTriggered   = "rollback.triggered"
	EventTypeRollbackCompleted   = "rollback.completed"
	EventTypeConflictDetected    = "sync.conflict_detected"
	EventTypeConflictResolved    = "sync.conflict_resolved"
	EventTypeResourceStateChanged = "resource.state_changed"
	EventTypePolicyViolation     = "policy.violation"
	EventTypeProviderInvoked     = "provider.invoked"
	EventTypeError               = "error"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config:      cfg,
		buffer:      make(chan Event, cfg.BufferSize),
		subscribers: make([]subscriberEntry, 0),
		filters:     make([]EventFilter, 0),
		ctx:         ctx,
		cancel:      cancel,
	}

	// Start the event processing goroutine
	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	// Start the periodic flush goroutine
	if cfg.FlushInterval > 0 {
		ep.wg.Add(1)
		go ep.periodicFlush()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	// Set ID and timestamp if not already set
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Apply global filters
	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil // Event filtered out
		}
	}
	ep.mu.RUnlock()

	// Send to buffer if async, otherwise process immediately
	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			// Buffer full, drop event or log warning
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	// Synchronous publishing
	ep.deliverEvent(event)
	return nil
}

// PublishDeploymentStarted publishes a deployment started event.
func (ep *EventPublisher) PublishDeploymentStarted(stackID, user string) error {
	return ep.Publish(Event{
		Type:    EventTypeDeploymentStarted,
		Source:  "orchestrator",
		StackID: stackID,
		Message: fmt.Sprintf("Deployment of stack %s started by %s", stackID, user),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"user": user,
		},
	})
}

// PublishDeploymentCompleted publishes a deployment completed event.
func (ep *EventPublisher) PublishDeploymentCompleted(stackID, status string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeDeploymentCompleted,
		Source:  "orchestrator",
		StackID: stackID,
		Message: fmt.Sprintf("Deployment of stack %s completed with status: %s", stackID, status),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"status":   status,
			"duration": duration.Seconds(),
		},
	})
}

// PublishDeploymentFailed publishes a deployment failed event.
func (ep *EventPublisher) PublishDeploymentFailed(stackID, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeDeploymentFailed,
		Source:  "orchestrator",
		StackID: stackID,
		Message: fmt.Sprintf("Deployment of stack %s failed: %s", stackID, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishPhaseStarted publishes a phase started event.
func (ep *EventPublisher) PublishPhaseStarted(stackID, phase string) error {
	return ep.Publish(Event{
		Type:    EventTypePhaseStarted,
		Source:  "orchestrator",
		StackID: stackID,
		Phase:   phase,
		Message: fmt.Sprintf("Phase %s started for stack %s", phase, stackID),
		Level:   EventLevelInfo,
	})
}

// PublishPhaseCompleted publishes a phase completed event.
func (ep *EventPublisher) PublishPhaseCompleted(stackID, phase string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypePhaseCompleted,
		Source:  "orchestrator",
		StackID: stackID,
		Phase:   phase,
		Message: fmt.Sprintf("Phase %s completed for stack %s", phase, stackID),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"duration": duration.Seconds(),
		},
	})
}

// PublishPhaseFailed publishes a phase failed event.
func (ep *EventPublisher) PublishPhaseFailed(stackID, phase, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypePhaseFailed,
		Source:  "orchestrator",
		StackID: stackID,
		Phase:   phase,
		Message: fmt.Sprintf("Phase %s failed for stack %s: %s", phase, stackID, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishRollbackTriggered publishes a rollback triggered event.
func (ep *EventPublisher) PublishRollbackTriggered(stackID, trigger, mode string) error {
	return ep.Publish(Event{
		Type:    EventTypeRollbackTriggered,
		Source:  "rollback_engine",
		StackID: stackID,
		Message: fmt.Sprintf("Rollback of stack %s triggered by %s (mode: %s)", stackID, trigger, mode),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"trigger": trigger,
			"mode":    mode,
		},
	})
}

// PublishRollbackCompleted publishes a rollback completed event.
func (ep *EventPublisher) PublishRollbackCompleted(stackID, status string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeRollbackCompleted,
		Source:  "rollback_engine",
		StackID: stackID,
		Message: fmt.Sprintf("Rollback of stack %s completed with status: %s", stackID, status),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"status":   status,
			"duration": duration.Seconds(),
		},
	})
}

// PublishConflictDetected publishes a sync conflict detected event.
func (ep *EventPublisher) PublishConflictDetected(stackID, backend, conflictID string) error {
	return ep.Publish(Event{
		Type:    EventTypeConflictDetected,
		Source:  "syncer",
		StackID: stackID,
		Message: fmt.Sprintf("Sync conflict detected for stack %s on backend %s", stackID, backend),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"backend":     backend,
			"conflict_id": conflictID,
		},
	})
}

// PublishConflictResolved publishes a sync conflict resolved event.
func (ep *EventPublisher) PublishConflictResolved(stackID, conflictID, resolution string) error {
	return ep.Publish(Event{
		Type:    EventTypeConflictResolved,
		Source:  "syncer",
		StackID: stackID,
		Message: fmt.Sprintf("Sync conflict %s for stack %s resolved: %s", conflictID, stackID, resolution),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"conflict_id": conflictID,
			"resolution":  resolution,
		},
	})
}

// PublishResourceStateChanged publishes a resource state change event.
func (ep *EventPublisher) PublishResourceStateChanged(resourceID, oldState, newState string) error {
	return ep.Publish(Event{
		Type:       EventTypeResourceStateChanged,
		Source:     "orchestrator",
		ResourceID: resourceID,
		Message:    fmt.Sprintf("Resource %s state changed from %s to %s", resourceID, oldState, newState),
		Level:      EventLevelInfo,
		Data: map[string]interface{}{
			"old_state": oldState,
			"new_state": newState,
		},
	})
}

// PublishPolicyViolation publishes a policy violation event.
func (ep *EventPublisher) PublishPolicyViolation(stackID, policyName, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypePolicyViolation,
		Source:  "policy_engine",
		StackID: stackID,
		Message: fmt.Sprintf("Policy violation on stack %s: %s - %s", stackID, policyName, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"policy": policyName,
			"reason": reason,
		},
	})
}

// Subscribe adds a new event subscriber.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents processes events from the buffer asynchronously.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)

			// Flush batch if it reaches max size
			if len(batch) >= ep.config.MaxBatchSize {
				ep.flushBatch(batch)
				batch = make([]Event, 0, ep.config.MaxBatchSize)
			}

		case <-ep.ctx.Done():
			// Flush remaining events before shutting down
			if len(batch) > 0 {
				ep.flushBatch(batch)
			}
			return
		}
	}
}

// periodicFlush flushes events periodically.
func (ep *EventPublisher) periodicFlush() {
	defer ep.wg.Done()

	ticker := time.NewTicker(ep.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Trigger flush by draining buffer
			// This is handled by the processEvents goroutine
		case <-ep.ctx.Done():
			return
		}
	}
}

// flushBatch delivers a batch of events to subscribers.
func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

// deliverEvent delivers an event to all subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		// Apply subscriber-specific filter
		if entry.filter != nil && !entry.filter(event) {
			continue
		}

		// Call subscriber in a goroutine to avoid blocking
		go entry.subscriber(event)
	}
}

// Shutdown gracefully shuts down the event publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	// Signal shutdown
	ep.cancel()

	// Wait for processing to complete with timeout
	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// Common event filters.

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByStackID creates a filter that only allows events for a specific stack.
func FilterByStackID(stackID string) EventFilter {
	return func(event Event) bool {
		return event.StackID == stackID
	}
}

// FilterByResourceID creates a filter that only allows events for a specific resource.
func FilterByResourceID(resourceID string) EventFilter {
	return func(event Event) bool {
		return event.ResourceID == resourceID
	}
}
