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
	"sync"
	"sync/atomic"

	"github.com/michaelquigley/pfxlog"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Whiteboard owns the context registry and element table of one engine. Mutations are serialized per normalized
// context path, operations on unrelated paths run in parallel.
type Whiteboard struct {
	options *Options
	policy  ApplicationPolicy
	mount   *mountAdapter
	bus     *EventBus
	shards  *shardLocks

	// state guards the maps of contexts and elements. It is never held across engine calls or event delivery.
	state    sync.RWMutex
	contexts *ContextRegistry
	elements *ElementTable

	closed atomic.Bool
}

// NewWhiteboard creates a Whiteboard driving engine. Nil options use DefaultOptions.
func NewWhiteboard(options *Options, engine Engine) (*Whiteboard, error) {
	if options == nil {
		options = DefaultOptions()
	}

	if err := options.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid whiteboard options")
	}

	if engine == nil {
		return nil, errors.New("engine must not be nil")
	}

	policy, err := PolicyByName(options.ApplicationPolicy)
	if err != nil {
		return nil, err
	}

	return &Whiteboard{
		options:  options,
		policy:   policy,
		mount:    &mountAdapter{engine: engine},
		bus:      NewEventBus(options.EventBufferSize),
		shards:   newShardLocks(),
		contexts: newContextRegistry(),
		elements: newElementTable(),
	}, nil
}

func (w *Whiteboard) read(f func()) {
	w.state.RLock()
	defer w.state.RUnlock()
	f()
}

func (w *Whiteboard) write(f func()) {
	w.state.Lock()
	defer w.state.Unlock()
	f()
}

// livePaths returns every path a mutation may currently be serialized on. The caller holds the state lock.
func (w *Whiteboard) livePaths() map[string]bool {
	paths := map[string]bool{"/": true}
	for _, ctx := range w.contexts.all() {
		paths[ctx.path] = true
	}
	for _, path := range w.elements.applications {
		paths[path] = true
	}
	return paths
}

// readSettled runs f under the state lock while every live path is read locked, so f never observes a resolution
// half way. Paths that appear while the locks are taken cause a retry with the larger set.
func (w *Whiteboard) readSettled(f func()) {
	var paths map[string]bool
	w.read(func() {
		paths = w.livePaths()
	})

	for {
		var sorted []string
		for path := range paths {
			sorted = append(sorted, path)
		}
		unlock := w.shards.RLockAll(sorted)

		settled := true
		w.read(func() {
			for path := range w.livePaths() {
				if !paths[path] {
					paths[path] = true
					settled = false
				}
			}
			if settled {
				f()
			}
		})

		unlock()
		if settled {
			return
		}
	}
}

// Options returns the options the Whiteboard was created with.
func (w *Whiteboard) Options() *Options {
	return w.options
}

// Subscribe registers a lifecycle listener for contexts at or below pathPrefix.
func (w *Whiteboard) Subscribe(pathPrefix string, listener Listener) (*Subscription, error) {
	return w.bus.Subscribe(pathPrefix, listener)
}

// CreateContext creates a context owned by owner. Waiting elements whose selectors match it are bound before the
// call returns.
func (w *Whiteboard) CreateContext(name, path, owner string, properties map[string]string) (ContextInfo, error) {
	if w.closed.Load() {
		return ContextInfo{}, ErrClosed
	}

	if name == "" {
		name = DefaultContextName
	}
	path = NormalizePath(path)

	unlock := w.shards.Lock(path)
	defer unlock()

	var ctx *Context
	var err error
	w.write(func() {
		key := contextKey(path, properties)
		if app := w.elements.boundApplication(key); app != nil && app.context.name != name {
			err = &PathConflictError{Path: path, Name: name, ExistingName: app.context.name, ExistingOwner: app.spec.Owner}
			return
		}
		if w.contexts.findOwned(owner, name, key) != nil {
			err = errors.Wrapf(ErrDuplicateContext, "context [%s] at [%s] for owner [%s]", name, path, owner)
			return
		}
		ctx = w.contexts.newContext(name, path, owner, properties)
		w.contexts.add(ctx)
	})

	if err != nil {
		return ContextInfo{}, err
	}

	native, err := w.mount.createContext(ctx)
	if err != nil {
		w.write(func() {
			w.contexts.delete(ctx)
		})
		return ContextInfo{}, err
	}

	var info ContextInfo
	w.write(func() {
		ctx.native = native
		info = ctx.info()
	})

	pfxlog.Logger().WithFields(logrus.Fields{"contextId": ctx.id, "contextPath": path, "contextName": name, "owner": owner}).
		Info("context created")

	sink := &eventSink{}
	w.rematchLocked(map[string]bool{path: true}, sink)
	w.bus.Publish(sink.events...)
	sink.settle()

	return info, nil
}

// UpdateContextProperties replaces the properties of a context and bumps its generation. Bound elements whose
// selector no longer matches are unbound, then every unbound element is matched again.
func (w *Whiteboard) UpdateContextProperties(id ContextID, properties map[string]string) (ContextInfo, error) {
	ctx, unlock, err := w.lockContext(id)
	if err != nil {
		return ContextInfo{}, err
	}

	var info ContextInfo
	var mismatched []*registration
	w.write(func() {
		props := copyProperties(properties)
		props[ContextNameProperty] = ctx.name
		props[ContextPathProperty] = ctx.path
		ctx.properties = props
		ctx.generation++
		info = ctx.info()

		for _, reg := range w.elements.boundTo(ctx.id) {
			if reg.spec.Kind != KindApplication && !ctx.accepts(reg) {
				mismatched = append(mismatched, reg)
			}
		}
	})

	pfxlog.Logger().WithFields(logrus.Fields{"contextId": id, "contextPath": ctx.path, "generation": info.Generation}).
		Info("context properties updated")

	sink := &eventSink{}
	for _, reg := range mismatched {
		w.unbindLocked(reg, ErrSelectorMismatch, sink)
	}
	w.rematchLocked(map[string]bool{ctx.path: true}, sink)
	w.bus.Publish(sink.events...)
	unlock()
	sink.settle()

	w.rematchAll()

	return info, nil
}

// RemoveContext turns a context into a zombie: it accepts no new bindings and is destroyed once its last bound
// element leaves. Contexts created by applications go away with their application.
func (w *Whiteboard) RemoveContext(id ContextID) error {
	ctx, unlock, err := w.lockContext(id)
	if err != nil {
		return err
	}
	defer unlock()

	var destroy bool
	var native NativeContext
	w.write(func() {
		if ctx.application != 0 {
			err = errors.Wrapf(ErrApplicationContext, "context [%d] at [%s]", ctx.id, ctx.path)
			return
		}
		ctx.zombie = true
		if len(w.elements.bound[ctx.id]) == 0 {
			w.contexts.delete(ctx)
			destroy = true
			native = ctx.native
		}
	})

	if err != nil {
		return err
	}

	log := pfxlog.Logger().WithFields(logrus.Fields{"contextId": id, "contextPath": ctx.path})
	if destroy {
		w.mount.destroyContext(ctx, native)
		log.Info("context removed")
	} else {
		log.Warn("context still has bound elements, destroying it when they leave")
	}

	return nil
}

// lockContext write locks the path of a live context, retrying if the context moved out from under the lock.
func (w *Whiteboard) lockContext(id ContextID) (*Context, func(), error) {
	for {
		var ctx *Context
		w.read(func() {
			ctx = w.contexts.get(id)
		})

		if ctx == nil || ctx.zombie {
			return nil, nil, errors.Wrapf(ErrUnknownContext, "context [%d]", id)
		}

		unlock := w.shards.Lock(ctx.path)

		var current *Context
		w.read(func() {
			current = w.contexts.get(id)
		})

		if current == ctx && !ctx.zombie {
			return ctx, unlock, nil
		}

		unlock()
		if current == nil {
			return nil, nil, errors.Wrapf(ErrUnknownContext, "context [%d]", id)
		}
	}
}

// Register adds element to the table and tries to bind it. Selector errors are returned synchronously and leave
// the table untouched; every later outcome is reported through events and the returned Pending.
func (w *Whiteboard) Register(element *WebElement) (*Pending, error) {
	if w.closed.Load() {
		return nil, ErrClosed
	}

	if element == nil {
		return nil, errors.Wrap(ErrInvalidElement, "element must not be nil")
	}

	reg, err := newRegistration(*element)
	if err != nil {
		return nil, err
	}

	var pending *Pending
	w.write(func() {
		w.elements.insert(reg)
		reg.pending = newPending(reg.ref())
		pending = reg.pending
	})

	pfxlog.Logger().WithField("element", reg.ref().String()).WithField("rank", reg.spec.Rank).Debug("element registered")

	w.resolve(reg)

	return pending, nil
}

// Unregister removes an element. Bound elements are undeployed and their slot is handed to the best queued
// candidate. Unknown or already removed elements are ignored.
func (w *Whiteboard) Unregister(id ElementID) error {
	for {
		var reg *registration
		var path string
		var removed bool

		w.write(func() {
			reg = w.elements.get(id)
			if reg == nil {
				return
			}
			if reg.state == StateBound {
				path = reg.context.path
				return
			}
			w.elements.delete(reg)
			removed = true
		})

		if reg == nil {
			return nil
		}

		if removed {
			reg.pending.resolve(Event{}, ErrOwnerVanished)
			pfxlog.Logger().WithField("element", reg.ref().String()).Debug("unbound element unregistered")
			return nil
		}

		unlock := w.shards.Lock(path)

		var current bool
		w.read(func() {
			current = !reg.removed && reg.state == StateBound && reg.context.path == path
		})

		if !current {
			unlock()
			continue
		}

		sink := &eventSink{}
		if reg.spec.Kind == KindApplication {
			w.unbindApplicationLocked(reg, StateWaiting, nil, EventUndeployed, sink)
		} else {
			w.unbindLocked(reg, nil, sink)
		}

		w.write(func() {
			w.elements.delete(reg)
		})
		reg.pending.resolve(Event{}, ErrOwnerVanished)

		w.rematchLocked(map[string]bool{path: true}, sink)
		w.bus.Publish(sink.events...)
		unlock()
		sink.settle()

		pfxlog.Logger().WithField("element", reg.ref().String()).Info("element unregistered")

		w.rematchAll()
		return nil
	}
}

// UnregisterOwner removes every element of owner and retires the contexts it created. The resulting UNDEPLOYED
// events are published as one contiguous batch. It returns the number of removed elements.
func (w *Whiteboard) UnregisterOwner(owner string) int {
	for {
		var regs []*registration
		var contexts []*Context
		var paths []string

		w.read(func() {
			regs = w.elements.owned(owner)
			contexts = w.contexts.owned(owner)
			for _, reg := range regs {
				if reg.state == StateBound {
					paths = append(paths, reg.context.path)
				}
			}
			for _, ctx := range contexts {
				paths = append(paths, ctx.path)
			}
		})

		if len(regs) == 0 && len(contexts) == 0 {
			return 0
		}

		locked := map[string]bool{}
		for _, path := range paths {
			locked[path] = true
		}

		unlock := w.shards.LockAll(paths)

		// withdrawn in the same critical section as the check, binders on other paths skip them from here on
		stable := true
		w.write(func() {
			regs = w.elements.owned(owner)
			contexts = w.contexts.owned(owner)
			for _, reg := range regs {
				if reg.state == StateBound && !locked[reg.context.path] {
					stable = false
				}
			}
			for _, ctx := range contexts {
				if !locked[ctx.path] {
					stable = false
				}
			}
			if stable {
				for _, reg := range regs {
					reg.withdrawn = true
				}
			}
		})

		if !stable {
			unlock()
			continue
		}

		sink := &eventSink{}
		count := 0

		// elements first, so application contexts are empty by the time their applications leave
		for _, apps := range []bool{false, true} {
			for _, reg := range regs {
				if (reg.spec.Kind == KindApplication) != apps {
					continue
				}

				var bound bool
				w.read(func() {
					bound = !reg.removed && reg.state == StateBound
				})

				if bound {
					if apps {
						w.unbindApplicationLocked(reg, StateWaiting, nil, EventUndeployed, sink)
					} else {
						w.unbindLocked(reg, nil, sink)
					}
				}

				var deleted bool
				w.write(func() {
					if !reg.removed {
						w.elements.delete(reg)
						deleted = true
					}
				})

				if deleted {
					count++
					reg.pending.resolve(Event{}, ErrOwnerVanished)
				}
			}
		}

		for _, ctx := range contexts {
			var destroy bool
			var native NativeContext
			w.write(func() {
				if w.contexts.get(ctx.id) != ctx {
					return
				}
				ctx.zombie = true
				if len(w.elements.bound[ctx.id]) == 0 {
					w.contexts.delete(ctx)
					destroy = true
					native = ctx.native
				}
			})
			if destroy {
				w.mount.destroyContext(ctx, native)
			}
		}

		w.rematchLocked(locked, sink)
		w.bus.Publish(sink.events...)
		unlock()
		sink.settle()

		pfxlog.Logger().WithField("owner", owner).Infof("owner unregistered, %d elements removed", count)

		w.rematchAll()
		return count
	}
}

// PathSnapshot is a consistent view of one context path.
type PathSnapshot struct {
	Path     string
	Contexts []ContextInfo
	Bound    []ElementInfo
	Queued   []ElementInfo
}

// Snapshot returns the contexts at path, the elements bound to them and the candidates waiting for them. It holds
// the path's read lock, so it never observes a resolution half way. Elements of an application owner that wait for
// the application's context are listed under its path.
func (w *Whiteboard) Snapshot(path string) PathSnapshot {
	path = NormalizePath(path)

	unlock := w.shards.RLock(path)
	defer unlock()

	snapshot := PathSnapshot{Path: path}

	w.read(func() {
		for _, ctx := range w.contexts.atPath(path) {
			snapshot.Contexts = append(snapshot.Contexts, ctx.info())
			for _, reg := range w.elements.boundTo(ctx.id) {
				snapshot.Bound = append(snapshot.Bound, reg.info())
			}
		}

		for _, reg := range w.elements.unbound() {
			if reg.state == StateQueued && reg.queuedPath == path {
				snapshot.Queued = append(snapshot.Queued, reg.info())
				continue
			}
			if reg.state == StateWaiting {
				if appPath, ok := w.applicationPath(reg); (ok && appPath == path) || w.target(reg) == path {
					snapshot.Queued = append(snapshot.Queued, reg.info())
				}
			}
		}
	})

	return snapshot
}

// Contexts lists every live context, zombies included.
func (w *Whiteboard) Contexts() []ContextInfo {
	var result []ContextInfo
	w.readSettled(func() {
		for _, ctx := range w.contexts.all() {
			result = append(result, ctx.info())
		}
	})
	return result
}

// Elements lists every registered element in precedence order.
func (w *Whiteboard) Elements() []ElementInfo {
	var result []ElementInfo
	w.readSettled(func() {
		var regs []*registration
		for _, reg := range w.elements.elements {
			regs = append(regs, reg)
		}
		sortByPrecedence(regs)
		for _, reg := range regs {
			result = append(result, reg.info())
		}
	})
	return result
}

// Element returns a single element.
func (w *Whiteboard) Element(id ElementID) (ElementInfo, bool) {
	var info ElementInfo
	var found bool
	w.readSettled(func() {
		if reg := w.elements.get(id); reg != nil {
			info = reg.info()
			found = true
		}
	})
	return info, found
}

// FilterChain returns the filters bound to a context in execution order.
func (w *Whiteboard) FilterChain(id ContextID) []ElementInfo {
	var result []ElementInfo
	w.readSettled(func() {
		for _, reg := range w.elements.filterChain(id) {
			result = append(result, reg.info())
		}
	})
	return result
}

// Close stops event delivery. Registered elements stay bound.
func (w *Whiteboard) Close() error {
	if w.closed.Swap(true) {
		return nil
	}
	return w.bus.Close()
}
