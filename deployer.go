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
	"sync/atomic"
	"time"

	"github.com/michaelquigley/pfxlog"
	"github.com/openziti/foundation/v2/debugz"
	"github.com/openziti/foundation/v2/goroutines"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Unit is one deployable unit: an owner, an optional application and the ordered elements it contributes.
type Unit struct {
	Owner       string
	Application *WebElement
	Elements    []*WebElement
}

// UnitHandle tracks an installation started by Deployer.Deploy.
type UnitHandle struct {
	owner    string
	done     chan struct{}
	vanished atomic.Bool

	mu      sync.Mutex
	pending []*Pending
	err     error
}

func (handle *UnitHandle) Owner() string {
	return handle.owner
}

// Done is closed when every element of the unit was registered or the installation was aborted.
func (handle *UnitHandle) Done() <-chan struct{} {
	return handle.done
}

// Err returns the installation error, if any. It is only meaningful once Done is closed.
func (handle *UnitHandle) Err() error {
	handle.mu.Lock()
	defer handle.mu.Unlock()
	return handle.err
}

// Pending returns the handles of the elements registered so far.
func (handle *UnitHandle) Pending() []*Pending {
	handle.mu.Lock()
	defer handle.mu.Unlock()
	return append([]*Pending(nil), handle.pending...)
}

// Await waits for the installation to finish and then for the first outcome of each registered element. It returns
// the outcomes in registration order and the first failure.
func (handle *UnitHandle) Await(ctx context.Context) ([]Event, error) {
	select {
	case <-handle.done:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrAwaitTimeout
		}
		return nil, ctx.Err()
	}

	if err := handle.Err(); err != nil {
		return nil, err
	}

	pending := handle.Pending()
	events := make([]Event, len(pending))

	group, groupCtx := errgroup.WithContext(ctx)
	for i, p := range pending {
		i, p := i, p
		group.Go(func() error {
			event, err := p.Await(groupCtx)
			events[i] = event
			return err
		})
	}

	return events, group.Wait()
}

func (handle *UnitHandle) add(pending *Pending) {
	handle.mu.Lock()
	defer handle.mu.Unlock()
	handle.pending = append(handle.pending, pending)
}

func (handle *UnitHandle) finish(err error) {
	handle.mu.Lock()
	handle.err = err
	handle.mu.Unlock()
	close(handle.done)
}

// Deployer installs units on a small bounded worker pool. Units targeting different paths install in parallel,
// units targeting the same path are serialized by the Whiteboard.
type Deployer struct {
	whiteboard  *Whiteboard
	pool        goroutines.Pool
	closeNotify chan struct{}
	closed      atomic.Bool

	mu         sync.Mutex
	installing map[string]*UnitHandle
}

// NewDeployer creates a Deployer sized by the Whiteboard's options.
func NewDeployer(whiteboard *Whiteboard) (*Deployer, error) {
	closeNotify := make(chan struct{})

	poolConfig := goroutines.PoolConfig{
		QueueSize:   uint32(whiteboard.options.InstallerQueueSize),
		MinWorkers:  0,
		MaxWorkers:  uint32(whiteboard.options.InstallerPoolSize),
		IdleTime:    30 * time.Second,
		CloseNotify: closeNotify,
		PanicHandler: func(err interface{}) {
			pfxlog.Logger().Errorf("panic during unit installation: %v\n%v", err, debugz.GenerateLocalStack())
		},
	}

	pool, err := goroutines.NewPool(poolConfig)
	if err != nil {
		return nil, errors.Wrap(err, "error creating installer pool")
	}

	return &Deployer{
		whiteboard:  whiteboard,
		pool:        pool,
		closeNotify: closeNotify,
		installing:  map[string]*UnitHandle{},
	}, nil
}

// Deploy queues unit for installation. Every element is registered under the unit's owner, the application first.
func (deployer *Deployer) Deploy(unit Unit) (*UnitHandle, error) {
	if deployer.closed.Load() {
		return nil, ErrClosed
	}

	if unit.Owner == "" {
		return nil, errors.Wrap(ErrInvalidElement, "unit owner is required")
	}

	var elements []WebElement
	if unit.Application != nil {
		elements = append(elements, *unit.Application)
	}
	for _, element := range unit.Elements {
		if element != nil {
			elements = append(elements, *element)
		}
	}

	handle := &UnitHandle{
		owner: unit.Owner,
		done:  make(chan struct{}),
	}

	deployer.mu.Lock()
	if _, found := deployer.installing[unit.Owner]; found {
		deployer.mu.Unlock()
		return nil, errors.Errorf("unit of owner [%s] is already installing", unit.Owner)
	}
	deployer.installing[unit.Owner] = handle
	deployer.mu.Unlock()

	err := deployer.pool.Queue(func() {
		deployer.install(handle, elements)
	})

	if err != nil {
		deployer.mu.Lock()
		delete(deployer.installing, unit.Owner)
		deployer.mu.Unlock()
		return nil, errors.Wrapf(err, "unable to queue installation of unit [%s]", unit.Owner)
	}

	return handle, nil
}

func (deployer *Deployer) install(handle *UnitHandle, elements []WebElement) {
	log := pfxlog.Logger().WithField("owner", handle.owner)

	defer func() {
		deployer.mu.Lock()
		if deployer.installing[handle.owner] == handle {
			delete(deployer.installing, handle.owner)
		}
		deployer.mu.Unlock()
	}()

	var err error
	for i := range elements {
		if handle.vanished.Load() {
			break
		}

		element := elements[i]
		element.Owner = handle.owner

		pending, regErr := deployer.whiteboard.Register(&element)
		if regErr != nil {
			err = errors.Wrapf(regErr, "element %d (%s %s) of unit [%s] rejected", i, element.Kind, element.Name, handle.owner)
			break
		}
		handle.add(pending)
	}

	if handle.vanished.Load() {
		deployer.whiteboard.UnregisterOwner(handle.owner)
		log.Info("owner vanished during installation, registrations withdrawn")
		handle.finish(ErrOwnerVanished)
		return
	}

	if err != nil {
		deployer.whiteboard.UnregisterOwner(handle.owner)
		log.WithError(err).Error("unit installation failed, registrations withdrawn")
		handle.finish(err)
		return
	}

	log.Infof("unit installed, %d elements registered", len(elements))
	handle.finish(nil)
}

// Undeploy removes everything owner registered. An installation still in progress stops registering and finishes
// with ErrOwnerVanished.
func (deployer *Deployer) Undeploy(owner string) int {
	deployer.mu.Lock()
	if handle, found := deployer.installing[owner]; found {
		handle.vanished.Store(true)
	}
	deployer.mu.Unlock()

	return deployer.whiteboard.UnregisterOwner(owner)
}

// Shutdown stops accepting units and stops the pool workers.
func (deployer *Deployer) Shutdown() {
	if deployer.closed.Swap(true) {
		return
	}
	close(deployer.closeNotify)
	deployer.pool.Shutdown()
}
