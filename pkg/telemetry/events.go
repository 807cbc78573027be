package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a telemetry event emitted by the build pipeline.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// RunID is the associated run ID, if applicable.
	RunID string `json:"run_id,omitempty"`

	// Component is the build component name, if applicable.
	Component string `json:"component,omitempty"`

	// Distribution is the target distribution, if applicable.
	Distribution string `json:"distribution,omitempty"`

	// Stage is the pipeline stage, if applicable.
	Stage string `json:"stage,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for common event types.
const (
	EventTypeRunStarted     = "run.started"
	EventTypeRunCompleted   = "run.completed"
	EventTypeRunFailed      = "run.failed"
	EventTypeStageStarted   = "stage.started"
	EventTypeStageCompleted = "stage.completed"
	EventTypeUnitStarted    = "unit.started"
	EventTypeUnitCompleted  = "unit.completed"
	EventTypeUnitFailed     = "unit.failed"
	EventTypeUnitBlocked    = "unit.blocked"
	EventTypeUnitSkipped    = "unit.skipped"
	EventTypeCageOpened     = "cage.opened"
	EventTypeCageDestroyed  = "cage.destroyed"
	EventTypePublishDenied  = "publish.denied"
	EventTypeError          = "error"
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

// PublishRunStarted publishes a run started event.
func (ep *EventPublisher) PublishRunStarted(runID, command string) error {
	return ep.Publish(Event{
		Type:    EventTypeRunStarted,
		Source:  "engine",
		RunID:   runID,
		Message: fmt.Sprintf("Run %s started for %s command", runID, command),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"command": command,
		},
	})
}

// PublishRunCompleted publishes a run completed event.
func (ep *EventPublisher) PublishRunCompleted(runID, status string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeRunCompleted,
		Source:  "engine",
		RunID:   runID,
		Message: fmt.Sprintf("Run %s completed with status: %s", runID, status),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"status":   status,
			"duration": duration.Seconds(),
		},
	})
}

// PublishRunFailed publishes a run failed event.
func (ep *EventPublisher) PublishRunFailed(runID, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeRunFailed,
		Source:  "engine",
		RunID:   runID,
		Message: fmt.Sprintf("Run %s failed: %s", runID, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishUnitStarted publishes a job unit started event.
func (ep *EventPublisher) PublishUnitStarted(runID, component, distribution, stage string) error {
	return ep.Publish(Event{
		Type:         EventTypeUnitStarted,
		Source:       "scheduler",
		RunID:        runID,
		Component:    component,
		Distribution: distribution,
		Stage:        stage,
		Message:      fmt.Sprintf("%s:%s: stage %s started", component, distribution, stage),
		Level:        EventLevelInfo,
	})
}

// PublishUnitCompleted publishes a job unit completed event.
func (ep *EventPublisher) PublishUnitCompleted(runID, component, distribution, stage string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:         EventTypeUnitCompleted,
		Source:       "scheduler",
		RunID:        runID,
		Component:    component,
		Distribution: distribution,
		Stage:        stage,
		Message:      fmt.Sprintf("%s:%s: stage %s completed", component, distribution, stage),
		Level:        EventLevelInfo,
		Data: map[string]interface{}{
			"duration": duration.Seconds(),
		},
	})
}

// PublishUnitFailed publishes a job unit failed event.
func (ep *EventPublisher) PublishUnitFailed(runID, component, distribution, stage, reason string) error {
	return ep.Publish(Event{
		Type:         EventTypeUnitFailed,
		Source:       "scheduler",
		RunID:        runID,
		Component:    component,
		Distribution: distribution,
		Stage:        stage,
		Message:      fmt.Sprintf("%s:%s: stage %s failed: %s", component, distribution, stage, reason),
		Level:        EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishUnitBlocked publishes a job unit blocked event.
func (ep *EventPublisher) PublishUnitBlocked(runID, component, distribution, stage, blockedOn string) error {
	return ep.Publish(Event{
		Type:         EventTypeUnitBlocked,
		Source:       "scheduler",
		RunID:        runID,
		Component:    component,
		Distribution: distribution,
		Stage:        stage,
		Message:      fmt.Sprintf("%s:%s: stage %s blocked on %s", component, distribution, stage, blockedOn),
		Level:        EventLevelWarning,
		Data: map[string]interface{}{
			"blocked_on": blockedOn,
		},
	})
}

// PublishCageOpened publishes a cage allocation event.
func (ep *EventPublisher) PublishCageOpened(runID, cageID, executor string) error {
	return ep.Publish(Event{
		Type:    EventTypeCageOpened,
		Source:  "cage",
		RunID:   runID,
		Message: fmt.Sprintf("Cage %s opened on %s", cageID, executor),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"cage_id":  cageID,
			"executor": executor,
		},
	})
}

// PublishCageDestroyed publishes a cage teardown event.
func (ep *EventPublisher) PublishCageDestroyed(runID, cageID, executor string) error {
	return ep.Publish(Event{
		Type:    EventTypeCageDestroyed,
		Source:  "cage",
		RunID:   runID,
		Message: fmt.Sprintf("Cage %s destroyed on %s", cageID, executor),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"cage_id":  cageID,
			"executor": executor,
		},
	})
}

// PublishPublishDenied publishes a release policy denial event.
func (ep *EventPublisher) PublishPublishDenied(component, distribution, repository, reason string) error {
	return ep.Publish(Event{
		Type:         EventTypePublishDenied,
		Source:       "policy",
		Component:    component,
		Distribution: distribution,
		Message:      fmt.Sprintf("%s:%s: publish to %s denied: %s", component, distribution, repository, reason),
		Level:        EventLevelError,
		Data: map[string]interface{}{
			"repository": repository,
			"reason":     reason,
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

// FilterByRunID creates a filter that only allows events for a specific run.
func FilterByRunID(runID string) EventFilter {
	return func(event Event) bool {
		return event.RunID == runID
	}
}

// FilterByComponent creates a filter that only allows events for a specific component.
func FilterByComponent(component string) EventFilter {
	return func(event Event) bool {
		return event.Component == component
	}
}
