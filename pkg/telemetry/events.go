package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a lifecycle notification emitted by the executor and the cache.
type Event struct {
	ID          string                 `json:"id"`
	Timestamp   time.Time              `json:"timestamp"`
	Type        string                 `json:"type"`
	Source      string                 `json:"source"`
	ExecutionID string                 `json:"execution_id,omitempty"`
	ResourceID  string                 `json:"resource_id,omitempty"`
	Message     string                 `json:"message"`
	Level       string                 `json:"level"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeOperationStarted   = "operation.started"
	EventTypeOperationCompleted = "operation.completed"
	EventTypeOperationFailed    = "operation.failed"
	EventTypeOperationBlocked   = "operation.blocked"
	EventTypeStepFailed         = "step.failed"
	EventTypeRollbackStarted    = "rollback.started"
	EventTypeCacheInvalidated   = "cache.invalidated"
	EventTypeCycleDetected      = "graph.cycle_detected"
	EventTypePolicyDenied       = "policy.denied"
	EventTypeBatchLevelStarted  = "batch.level_started"
	EventTypeBatchCompleted     = "batch.completed"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// ErrEventBufferFull is returned by Publish when an async buffer is saturated.
var ErrEventBufferFull = errors.New("event buffer full, event dropped")

// EventSubscriber handles one event.
type EventSubscriber func(event Event)

// EventFilter reports whether an event should be delivered.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers, either inline or through a
// buffered channel drained by a background goroutine.
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

// NewEventPublisher creates a publisher. A disabled publisher drops everything.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}
	return ep, nil
}

// Publish stamps and delivers an event.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return ErrEventBufferFull
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishOperationStarted announces that an operation moved to running.
func (ep *EventPublisher) PublishOperationStarted(executionID, operationID, resourceID string) error {
	return ep.Publish(Event{
		Type:        EventTypeOperationStarted,
		Source:      "executor",
		ExecutionID: executionID,
		ResourceID:  resourceID,
		Message:     fmt.Sprintf("operation %s started", operationID),
		Level:       EventLevelInfo,
		Data:        map[string]interface{}{"operation_id": operationID},
	})
}

// PublishOperationFinished announces a terminal status.
func (ep *EventPublisher) PublishOperationFinished(executionID, status string, duration time.Duration, reason string) error {
	event := Event{
		Source:      "executor",
		ExecutionID: executionID,
		Data: map[string]interface{}{
			"status":      status,
			"duration_ms": duration.Milliseconds(),
		},
	}
	switch status {
	case "completed":
		event.Type = EventTypeOperationCompleted
		event.Level = EventLevelInfo
		event.Message = fmt.Sprintf("operation %s completed", executionID)
	case "blocked":
		event.Type = EventTypeOperationBlocked
		event.Level = EventLevelWarning
		event.Message = fmt.Sprintf("operation %s blocked: %s", executionID, reason)
	default:
		event.Type = EventTypeOperationFailed
		event.Level = EventLevelError
		event.Message = fmt.Sprintf("operation %s failed: %s", executionID, reason)
	}
	if reason != "" {
		event.Data["reason"] = reason
	}
	return ep.Publish(event)
}

// PublishRollbackStarted announces that rollback steps are about to run.
func (ep *EventPublisher) PublishRollbackStarted(executionID string, steps int) error {
	return ep.Publish(Event{
		Type:        EventTypeRollbackStarted,
		Source:      "executor",
		ExecutionID: executionID,
		Message:     fmt.Sprintf("running %d rollback steps for %s", steps, executionID),
		Level:       EventLevelWarning,
		Data:        map[string]interface{}{"steps": steps},
	})
}

// PublishCacheInvalidated reports a pattern invalidation.
func (ep *EventPublisher) PublishCacheInvalidated(pattern, reason string, count int64) error {
	return ep.Publish(Event{
		Type:    EventTypeCacheInvalidated,
		Source:  "cache",
		Message: fmt.Sprintf("invalidated %d entries matching %s", count, pattern),
		Level:   EventLevelInfo,
		Data:    map[string]interface{}{"pattern": pattern, "reason": reason, "count": count},
	})
}

// PublishPolicyDenied reports a gate rejection.
func (ep *EventPublisher) PublishPolicyDenied(executionID, policy, reason string) error {
	return ep.Publish(Event{
		Type:        EventTypePolicyDenied,
		Source:      "policy",
		ExecutionID: executionID,
		Message:     fmt.Sprintf("policy %s denied %s: %s", policy, executionID, reason),
		Level:       EventLevelError,
		Data:        map[string]interface{}{"policy": policy, "reason": reason},
	})
}

// Subscribe registers a subscriber with an optional filter.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subscribers = append(ep.subscribers, subscriberEntry{subscriber: subscriber, filter: filter})
}

// AddFilter adds a filter applied before any subscriber sees the event.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.filters = append(ep.filters, filter)
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	var tick <-chan time.Time
	if ep.config.FlushInterval > 0 {
		ticker := time.NewTicker(ep.config.FlushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			if len(batch) >= ep.config.MaxBatchSize {
				ep.flushBatch(batch)
				batch = batch[:0]
			}
		case <-tick:
			ep.flushBatch(batch)
			batch = batch[:0]
		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					ep.flushBatch(batch)
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

// deliverEvent calls subscribers inline, in registration order.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown drains pending events and stops the background goroutine.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}
	ep.cancel()

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

// FilterByLevel passes events at or above minLevel.
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

// FilterByType passes only the listed event types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}
	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByExecutionID passes events of a single execution.
func FilterByExecutionID(executionID string) EventFilter {
	return func(event Event) bool {
		return event.ExecutionID == executionID
	}
}

// FilterByResourceID passes events about a single resource.
func FilterByResourceID(resourceID string) EventFilter {
	return func(event Event) bool {
		return event.ResourceID == resourceID
	}
}
