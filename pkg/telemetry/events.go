package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event represents a telemetry event emitted by the sync engine.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// CycleID is the associated sync cycle, if applicable.
	CycleID string `json:"cycle_id,omitempty"`

	// Module is the associated module name, if applicable.
	Module string `json:"module,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeSyncStarted     = "sync.started"
	EventTypeSyncCompleted   = "sync.completed"
	EventTypeSyncFailed      = "sync.failed"
	EventTypeModuleLoaded    = "module.loaded"
	EventTypeModuleFailed    = "module.failed"
	EventTypeModuleRemoved   = "module.removed"
	EventTypeModuleDenied    = "module.denied"
	EventTypePolicyUpdated   = "policy.updated"
	EventTypeSnapshotUpdated = "snapshot.updated"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions. A nil publisher
// drops every event.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	mu          sync.RWMutex
	wg          sync.WaitGroup
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
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
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

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if !ep.config.EnableAsync {
		ep.deliverEvent(event)
		return nil
	}

	select {
	case <-ep.ctx.Done():
		return fmt.Errorf("event publisher stopped")
	default:
	}

	select {
	case ep.buffer <- event:
		return nil
	default:
		return fmt.Errorf("event buffer full, event dropped")
	}
}

// PublishSyncStarted publishes a sync started event.
func (ep *EventPublisher) PublishSyncStarted(cycleID, location string) error {
	return ep.Publish(Event{
		Type:    EventTypeSyncStarted,
		Source:  "syncer",
		CycleID: cycleID,
		Message: fmt.Sprintf("Sync cycle %s started", cycleID),
		Level:   EventLevelInfo,
		Data:    map[string]interface{}{"location": location},
	})
}

// PublishSyncCompleted publishes a sync completed event.
func (ep *EventPublisher) PublishSyncCompleted(cycleID, status string, generation uint64, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeSyncCompleted,
		Source:  "syncer",
		CycleID: cycleID,
		Message: fmt.Sprintf("Sync cycle %s completed with status: %s", cycleID, status),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"status":     status,
			"generation": generation,
			"duration":   duration.Seconds(),
		},
	})
}

// PublishSyncFailed publishes a sync failed event.
func (ep *EventPublisher) PublishSyncFailed(cycleID, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeSyncFailed,
		Source:  "syncer",
		CycleID: cycleID,
		Message: fmt.Sprintf("Sync cycle %s failed: %s", cycleID, reason),
		Level:   EventLevelError,
		Data:    map[string]interface{}{"reason": reason},
	})
}

// PublishModuleLoaded publishes a module loaded event.
func (ep *EventPublisher) PublishModuleLoaded(cycleID, module string) error {
	return ep.Publish(Event{
		Type:    EventTypeModuleLoaded,
		Source:  "loader",
		CycleID: cycleID,
		Module:  module,
		Message: fmt.Sprintf("Module %s loaded", module),
		Level:   EventLevelInfo,
	})
}

// PublishModuleFailed publishes a module failure event.
func (ep *EventPublisher) PublishModuleFailed(cycleID, module, kind, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeModuleFailed,
		Source:  "loader",
		CycleID: cycleID,
		Module:  module,
		Message: fmt.Sprintf("Module %s failed to load: %s", module, reason),
		Level:   EventLevelError,
		Data:    map[string]interface{}{"kind": kind, "reason": reason},
	})
}

// PublishModuleRemoved publishes a module removal event.
func (ep *EventPublisher) PublishModuleRemoved(cycleID, module string) error {
	return ep.Publish(Event{
		Type:    EventTypeModuleRemoved,
		Source:  "syncer",
		CycleID: cycleID,
		Module:  module,
		Message: fmt.Sprintf("Module %s removed", module),
		Level:   EventLevelInfo,
	})
}

// PublishModuleDenied publishes an admission denial event.
func (ep *EventPublisher) PublishModuleDenied(cycleID, module string, reasons []string) error {
	return ep.Publish(Event{
		Type:    EventTypeModuleDenied,
		Source:  "admission",
		CycleID: cycleID,
		Module:  module,
		Message: fmt.Sprintf("Module %s denied by admission policy", module),
		Level:   EventLevelWarning,
		Data:    map[string]interface{}{"reasons": reasons},
	})
}

// PublishPolicyUpdated publishes a content security policy change event.
func (ep *EventPublisher) PublishPolicyUpdated(cycleID, rootModule string) error {
	return ep.Publish(Event{
		Type:    EventTypePolicyUpdated,
		Source:  "rootmodule",
		CycleID: cycleID,
		Module:  rootModule,
		Message: fmt.Sprintf("Content security policy refreshed from %s", rootModule),
		Level:   EventLevelInfo,
	})
}

// Subscribe adds a subscriber. A nil filter receives every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subscribers = append(ep.subscribers, subscriberEntry{subscriber: subscriber, filter: filter})
}

// processEvents delivers buffered events in publish order.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()
	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

// deliverEvent delivers an event to all subscribers.
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

// Shutdown drains buffered events and stops delivery.
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

var eventLevels = map[string]int{
	EventLevelInfo:    0,
	EventLevelWarning: 1,
	EventLevelError:   2,
}

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	minLevelValue := eventLevels[minLevel]
	return func(event Event) bool {
		return eventLevels[event.Level] >= minLevelValue
	}
}

// LogSubscriber writes each event to logger at the matching log level.
func LogSubscriber(logger *Logger) EventSubscriber {
	return func(event Event) {
		var e *zerolog.Event
		switch event.Level {
		case EventLevelError:
			e = logger.zlog.Error()
		case EventLevelWarning:
			e = logger.zlog.Warn()
		default:
			e = logger.zlog.Info()
		}

		e = e.Str("event_id", event.ID).Str("event_type", event.Type).Str("source", event.Source)
		if event.CycleID != "" {
			e = e.Str("cycle_id", event.CycleID)
		}
		if event.Module != "" {
			e = e.Str("module", event.Module)
		}
		if len(event.Data) > 0 {
			e = e.Interface("data", event.Data)
		}
		e.Msg(event.Message)
	}
}
