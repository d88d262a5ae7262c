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
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func Test_EventBus(t *testing.T) {
	t.Run("events are filtered by segment aware path prefix", func(t *testing.T) {
		req := require.New(t)
		bus := NewEventBus(16)
		defer func() { _ = bus.Close() }()

		recorder := &eventRecorder{}
		_, err := bus.Subscribe("/war", recorder.listener)
		req.NoError(err)

		bus.Publish(
			Event{Type: EventDeploying, ContextPath: "/war-bundle", Element: ElementRef{ID: 1}},
			Event{Type: EventDeploying, ContextPath: "/war", Element: ElementRef{ID: 2}},
			Event{Type: EventDeploying, ContextPath: "/war/inner", Element: ElementRef{ID: 3}},
		)

		recorder.waitFor(t, EventDeploying, 0, 2)
		time.Sleep(20 * time.Millisecond)

		events := recorder.all()
		req.Len(events, 2)
		req.Equal(ElementID(2), events[0].Element.ID)
		req.Equal(ElementID(3), events[1].Element.ID)
		req.NotEmpty(events[0].ID)
		req.False(events[0].Timestamp.IsZero())
	})

	t.Run("a slow subscriber gets an overflow signal and does not block others", func(t *testing.T) {
		req := require.New(t)
		bus := NewEventBus(2)
		defer func() { _ = bus.Close() }()

		received := make(chan Event, 16)
		release := make(chan struct{})
		_, err := bus.Subscribe("", func(event Event) error {
			received <- event
			if event.Element.ID == 1 {
				<-release
			}
			return nil
		})
		req.NoError(err)

		fast := &eventRecorder{}
		_, err = bus.Subscribe("/", fast.listener)
		req.NoError(err)

		bus.Publish(Event{Type: EventDeployed, ContextPath: "/", Element: ElementRef{ID: 1}})
		req.Equal(ElementID(1), (<-received).Element.ID)

		// one at a time, so only the slow subscriber's buffer fills up
		for id := ElementID(2); id <= 5; id++ {
			bus.Publish(Event{Type: EventDeployed, ContextPath: "/", Element: ElementRef{ID: id}})
			fast.waitFor(t, EventDeployed, id, 1)
		}

		req.Len(fast.matching(EventOverflow, 0), 0)
		close(release)

		req.Equal(ElementID(2), (<-received).Element.ID)
		req.Equal(ElementID(3), (<-received).Element.ID)

		overflow := <-received
		req.Equal(EventOverflow, overflow.Type)
		req.Equal(2, overflow.Dropped)
	})

	t.Run("listener errors and panics are isolated", func(t *testing.T) {
		req := require.New(t)
		bus := NewEventBus(16)
		defer func() { _ = bus.Close() }()

		_, err := bus.Subscribe("/", func(event Event) error {
			if event.Element.ID == 1 {
				panic("listener failure")
			}
			return errors.New("always failing")
		})
		req.NoError(err)

		recorder := &eventRecorder{}
		_, err = bus.Subscribe("/", recorder.listener)
		req.NoError(err)

		bus.Publish(Event{Type: EventDeployed, ContextPath: "/", Element: ElementRef{ID: 1}})
		bus.Publish(Event{Type: EventDeployed, ContextPath: "/", Element: ElementRef{ID: 2}})

		recorder.waitFor(t, EventDeployed, 0, 2)
	})

	t.Run("closed subscriptions receive nothing", func(t *testing.T) {
		req := require.New(t)
		bus := NewEventBus(16)

		recorder := &eventRecorder{}
		subscription, err := bus.Subscribe("/", recorder.listener)
		req.NoError(err)

		subscription.Close()
		select {
		case <-subscription.Done():
		case <-time.After(time.Second):
			req.Fail("subscription did not stop")
		}

		bus.Publish(Event{Type: EventDeployed, ContextPath: "/"})
		req.Empty(recorder.all())

		req.NoError(bus.Close())
		_, err = bus.Subscribe("/", recorder.listener)
		req.ErrorIs(err, ErrClosed)
	})
}
