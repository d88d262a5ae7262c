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
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Pending is the handle returned by Register. It completes with the element's first DEPLOYED or FAILED outcome,
// or with ErrOwnerVanished when the element is unregistered before it ever had one.
type Pending struct {
	ref   ElementRef
	done  chan struct{}
	once  sync.Once
	event Event
	err   error
}

func newPending(ref ElementRef) *Pending {
	return &Pending{
		ref:  ref,
		done: make(chan struct{}),
	}
}

func (pending *Pending) ID() ElementID {
	return pending.ref.ID
}

func (pending *Pending) Element() ElementRef {
	return pending.ref
}

// Done is closed once an outcome is known.
func (pending *Pending) Done() <-chan struct{} {
	return pending.done
}

func (pending *Pending) resolve(event Event, err error) {
	pending.once.Do(func() {
		pending.event = event
		pending.err = err
		close(pending.done)
	})
}

// Await blocks until the outcome is known or ctx is done. A deadline yields ErrAwaitTimeout, the registration itself
// is not affected and its events still fire. A FAILED outcome returns the event together with its reason.
func (pending *Pending) Await(ctx context.Context) (Event, error) {
	select {
	case <-pending.done:
		return pending.event, pending.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Event{}, ErrAwaitTimeout
		}
		return Event{}, ctx.Err()
	}
}

// AwaitTimeout is Await with a relative timeout.
func (pending *Pending) AwaitTimeout(timeout time.Duration) (Event, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return pending.Await(ctx)
}
