package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a bus event. Events are delivered to subscribers in process;
// the daemon also appends them to the store's event log.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`

	// Source is the emitting component, "broker" or "policy".
	Source string `json:"source"`

	Device  string                 `json:"device,omitempty"`
	Triple  string                 `json:"triple,omitempty"`
	Message string                 `json:"message"`
	Level   string                 `json:"level"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeDeviceAdded       = "device.added"
	EventTypeDeviceRejected    = "device.rejected"
	EventTypeDeviceEnabled     = "device.enabled"
	EventTypeDeviceDisabled    = "device.disabled"
	EventTypeProtocolPublished = "protocol.published"
	EventTypeBoardInfoChanged  = "board.info_changed"
	EventTypePolicyViolation   = "policy.violation"
)

// Event levels, in increasing severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

var levelRank = map[string]int{
	EventLevelInfo:    0,
	EventLevelWarning: 1,
	EventLevelError:   2,
}

var errPublisherStopped = errors.New("event publisher stopped")

// EventSubscriber receives events.
type EventSubscriber func(event Event)

// EventFilter reports whether an event should be delivered.
type EventFilter func(event Event) bool

type subscription struct {
	fn     EventSubscriber
	filter EventFilter
}

// EventPublisher fans events out to subscribers. In synchronous mode
// subscribers run inside Publish; in async mode a single goroutine
// delivers from a bounded buffer and Publish drops events when it is full.
type EventPublisher struct {
	config EventsConfig

	mu            sync.RWMutex
	subscriptions []subscription
	filters       []EventFilter

	queue    chan Event
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewEventPublisher creates a publisher. A disabled publisher accepts and
// discards every event.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{config: cfg}
	if !cfg.Enabled {
		return ep, nil
	}
	if cfg.EnableAsync && cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("async events need a positive buffer size, got %d", cfg.BufferSize)
	}

	ep.stop = make(chan struct{})
	if cfg.EnableAsync {
		ep.queue = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.run()
	}
	return ep, nil
}

// Publish fills in the event ID, timestamp and source when unset and
// delivers it.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Source == "" {
		event.Source = "pbus"
	}

	ep.mu.RLock()
	for _, keep := range ep.filters {
		if !keep(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if !ep.config.EnableAsync {
		ep.deliver(event)
		return nil
	}

	select {
	case <-ep.stop:
		return errPublisherStopped
	default:
	}
	select {
	case ep.queue <- event:
		return nil
	default:
		return fmt.Errorf("event buffer full, dropped %s", event.Type)
	}
}

func brokerEvent(eventType, level, device, triple, message string, data map[string]interface{}) Event {
	return Event{
		Type:    eventType,
		Source:  "broker",
		Level:   level,
		Device:  device,
		Triple:  triple,
		Message: message,
		Data:    data,
	}
}

func (ep *EventPublisher) PublishDeviceAdded(device, triple, devhost string, nodes int) error {
	return ep.Publish(brokerEvent(EventTypeDeviceAdded, EventLevelInfo, device, triple,
		fmt.Sprintf("Device %s (%s) added to %s", device, triple, devhost),
		map[string]interface{}{"devhost": devhost, "nodes": nodes}))
}

func (ep *EventPublisher) PublishDeviceRejected(device, triple, kind, reason string) error {
	return ep.Publish(brokerEvent(EventTypeDeviceRejected, EventLevelWarning, device, triple,
		fmt.Sprintf("Device %s (%s) rejected: %s", device, triple, reason),
		map[string]interface{}{"kind": kind, "reason": reason}))
}

func (ep *EventPublisher) PublishDeviceStateChanged(device, triple string, enabled bool) error {
	eventType, state := EventTypeDeviceDisabled, "disabled"
	if enabled {
		eventType, state = EventTypeDeviceEnabled, "enabled"
	}
	return ep.Publish(brokerEvent(eventType, EventLevelInfo, device, triple,
		fmt.Sprintf("Device %s (%s) %s", device, triple, state), nil))
}

func (ep *EventPublisher) PublishProtocolPublished(protocol string, replaced bool, waiters int) error {
	return ep.Publish(brokerEvent(EventTypeProtocolPublished, EventLevelInfo, "", "",
		fmt.Sprintf("Protocol %s published", protocol),
		map[string]interface{}{"protocol": protocol, "replaced": replaced, "waiters": waiters}))
}

func (ep *EventPublisher) PublishBoardInfoChanged(board string, oldRevision, newRevision uint32) error {
	return ep.Publish(brokerEvent(EventTypeBoardInfoChanged, EventLevelInfo, "", "",
		fmt.Sprintf("Board %s revision changed from %d to %d", board, oldRevision, newRevision),
		map[string]interface{}{"board": board, "old_revision": oldRevision, "new_revision": newRevision}))
}

// PublishPolicyViolation reports a policy finding. Error and critical
// findings are error-level events; anything else is a warning.
func (ep *EventPublisher) PublishPolicyViolation(device, policyName, severity, reason string) error {
	level := EventLevelWarning
	if severity == "error" || severity == "critical" {
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:    EventTypePolicyViolation,
		Source:  "policy",
		Level:   level,
		Device:  device,
		Message: fmt.Sprintf("Policy %s on device %s: %s", policyName, device, reason),
		Data:    map[string]interface{}{"policy": policyName, "severity": severity, "reason": reason},
	})
}

// Subscribe registers fn for the events filter accepts. A nil filter
// accepts everything.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	ep.subscriptions = append(ep.subscriptions, subscription{fn: fn, filter: filter})
	ep.mu.Unlock()
}

// AddFilter drops events filter rejects before any subscriber sees them.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	ep.filters = append(ep.filters, filter)
	ep.mu.Unlock()
}

func (ep *EventPublisher) run() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.queue:
			ep.deliver(event)
		case <-ep.stop:
			for {
				select {
				case event := <-ep.queue:
					ep.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliver(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, s := range ep.subscriptions {
		if s.filter == nil || s.filter(event) {
			s.fn(event)
		}
	}
}

// Shutdown stops accepting events and, in async mode, waits until the
// queued ones are delivered or ctx is done.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}
	ep.stopOnce.Do(func() { close(ep.stop) })

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

// FilterByLevel accepts events at minLevel or above.
func FilterByLevel(minLevel string) EventFilter {
	floor := levelRank[minLevel]
	return func(event Event) bool {
		return levelRank[event.Level] >= floor
	}
}

// FilterByType accepts events of the given types.
func FilterByType(types ...string) EventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(event Event) bool {
		_, ok := set[event.Type]
		return ok
	}
}

// FilterByDevice accepts events about one device.
func FilterByDevice(device string) EventFilter {
	return func(event Event) bool {
		return event.Device == device
	}
}
