/*
	Copyright NetFoundry Inc.

	Licensed under the Apache License, Version 2.0 (the "License");
	you may not use this file except in compliance with the License.
	You may obtain a copy of the License at

	https://www.apache.org/licenses/LICENSE-2.0

	Unless required by applicable law or agreed to in writing, software
	distributed under the License is distributed on an "AS IS" BASIS,
	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
	See the License for the specific language governing permissions and
	limitations under the License.
*/

package whiteboard

import (
	"fmt"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/google/uuid"
	"github.com/michaelquigley/pfxlog"
	"github.com/openziti/foundation/v2/debugz"
	"github.com/pkg/errors"
)

type EventType string

const (
	EventDeploying  EventType = "DEPLOYING"
	EventDeployed   EventType = "DEPLOYED"
	EventFailed     EventType = "FAILED"
	EventUndeployed EventType = "UNDEPLOYED"
	// EventOverflow tells a subscriber that Dropped events were discarded because its buffer was full.
	EventOverflow EventType = "OVERFLOW"
)

// Event announces a binding transition of one element in one context.
type Event struct {
	ID          string
	Type        EventType
	Owner       string
	ContextID   ContextID
	ContextPath string
	ContextName string
	Element     ElementRef
	Timestamp   time.Time
	Reason      error
	Dropped     int
}

func (event Event) String() string {
	if event.Type == EventOverflow {
		return fmt.Sprintf("%s dropped=%d", event.Type, event.Dropped)
	}
	return fmt.Sprintf("%s %v context=%s", event.Type, event.Element, event.ContextPath)
}

// Listener receives events of a Subscription on its own goroutine. Returned errors are logged and otherwise ignored.
type Listener func(event Event) error

// EventBus delivers lifecycle events to subscribers. Each subscriber has a bounded FIFO and a delivery goroutine,
// so a slow subscriber never blocks producers or other subscribers.
type EventBus struct {
	mu            sync.Mutex
	subscriptions []*Subscription
	bufferSize    int
	closed        bool
}

// NewEventBus creates an EventBus buffering at most bufferSize events per subscriber.
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = DefaultEventBufferSize
	}

	return &EventBus{
		bufferSize: bufferSize,
	}
}

// Subscribe registers a listener for events whose context path is, segment wise, below pathPrefix. An empty or
// "/" prefix receives everything.
func (bus *EventBus) Subscribe(pathPrefix string, listener Listener) (*Subscription, error) {
	if listener == nil {
		return nil, errors.New("listener must not be nil")
	}

	if pathPrefix != "" {
		pathPrefix = NormalizePath(pathPrefix)
	}

	bus.mu.Lock()
	defer bus.mu.Unlock()

	if bus.closed {
		return nil, ErrClosed
	}

	subscription := &Subscription{
		bus:      bus,
		prefix:   pathPrefix,
		listener: listener,
		queue:    queue.New(),
		signal:   make(chan struct{}, 1),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}

	bus.subscriptions = append(bus.subscriptions, subscription)
	go subscription.run()

	pfxlog.Logger().WithField("prefix", pathPrefix).Debugf("event subscription added, %d total", len(bus.subscriptions))

	return subscription, nil
}

// Publish enqueues events for every interested subscriber. The events of one call are enqueued contiguously.
func (bus *EventBus) Publish(events ...Event) {
	if len(events) == 0 {
		return
	}

	now := time.Now()
	for i := range events {
		if events[i].ID == "" {
			events[i].ID = uuid.New().String()
		}
		if events[i].Timestamp.IsZero() {
			events[i].Timestamp = now
		}
	}

	bus.mu.Lock()
	defer bus.mu.Unlock()

	if bus.closed {
		return
	}

	for _, subscription := range bus.subscriptions {
		accepted := false
		for _, event := range events {
			if !HasPathPrefix(event.ContextPath, subscription.prefix) {
				continue
			}
			if subscription.queue.Length() >= bus.bufferSize {
				if subscription.dropped == 0 {
					pfxlog.Logger().WithField("prefix", subscription.prefix).
						Warnf("event buffer of %d full, dropping events until the subscriber catches up", bus.bufferSize)
				}
				subscription.dropped++
				continue
			}
			subscription.queue.Add(event)
			accepted = true
		}

		if accepted {
			subscription.notify()
		}
	}
}

// Close stops every subscription. It waits up to five seconds for in-flight deliveries to return.
func (bus *EventBus) Close() error {
	bus.mu.Lock()
	if bus.closed {
		bus.mu.Unlock()
		return nil
	}
	bus.closed = true
	subscriptions := bus.subscriptions
	bus.subscriptions = nil
	bus.mu.Unlock()

	deadline := time.After(5 * time.Second)
	for _, subscription := range subscriptions {
		subscription.stop()
	}

	for _, subscription := range subscriptions {
		select {
		case <-subscription.done:
		case <-deadline:
			pfxlog.Logger().Warn("timeout waiting for event subscriptions to stop")
			return errors.New("timeout waiting for event subscriptions to stop")
		}
	}

	return nil
}

func (bus *EventBus) remove(subscription *Subscription) {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	for i, s := range bus.subscriptions {
		if s == subscription {
			bus.subscriptions = append(bus.subscriptions[:i], bus.subscriptions[i+1:]...)
			return
		}
	}
}

// Subscription is a registered Listener. Close it to stop delivery, undelivered events are discarded.
type Subscription struct {
	bus      *EventBus
	prefix   string
	listener Listener
	queue    *queue.Queue
	dropped  int
	signal   chan struct{}
	closing  chan struct{}
	done     chan struct{}
	once     sync.Once
}

// Close unsubscribes. It does not wait for an in-flight delivery, so it may be called from the listener itself.
func (subscription *Subscription) Close() {
	subscription.bus.remove(subscription)
	subscription.stop()
}

// Done is closed once the delivery goroutine has exited.
func (subscription *Subscription) Done() <-chan struct{} {
	return subscription.done
}

func (subscription *Subscription) stop() {
	subscription.once.Do(func() {
		close(subscription.closing)
	})
}

func (subscription *Subscription) notify() {
	select {
	case subscription.signal <- struct{}{}:
	default:
	}
}

// next pops the next event. Once the backlog is drained a pending overflow is reported as its own event.
func (subscription *Subscription) next() (Event, bool) {
	subscription.bus.mu.Lock()
	defer subscription.bus.mu.Unlock()

	if subscription.queue.Length() > 0 {
		return subscription.queue.Remove().(Event), true
	}

	if subscription.dropped > 0 {
		event := Event{
			ID:          uuid.New().String(),
			Type:        EventOverflow,
			ContextPath: subscription.prefix,
			Timestamp:   time.Now(),
			Dropped:     subscription.dropped,
		}
		subscription.dropped = 0
		return event, true
	}

	return Event{}, false
}

func (subscription *Subscription) run() {
	defer close(subscription.done)

	for {
		for {
			select {
			case <-subscription.closing:
				return
			default:
			}

			event, ok := subscription.next()
			if !ok {
				break
			}
			subscription.deliver(event)
		}

		select {
		case <-subscription.signal:
		case <-subscription.closing:
			return
		}
	}
}

func (subscription *Subscription) deliver(event Event) {
	log := pfxlog.Logger().WithField("eventId", event.ID).WithField("eventType", event.Type)

	defer func() {
		if panicVal := recover(); panicVal != nil {
			log.Errorf("panic caught by event listener: %v\n%v", panicVal, debugz.GenerateLocalStack())
		}
	}()

	if err := subscription.listener(event); err != nil {
		log.WithError(err).Error("error handling event")
	}
}
