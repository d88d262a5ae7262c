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
	"time"

	"github.com/google/uuid"
	"github.com/michaelquigley/pfxlog"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ApplicationPolicy decides whether an arriving application displaces the one already bound at its context key.
type ApplicationPolicy func(candidate, incumbent ElementInfo) bool

// FirstDeployingWins keeps whichever application bound first.
func FirstDeployingWins(ElementInfo, ElementInfo) bool {
	return false
}

// RankPreemption lets a strictly higher ranked application take over a bound context key.
func RankPreemption(candidate, incumbent ElementInfo) bool {
	return candidate.Rank > incumbent.Rank
}

// PolicyByName returns the ApplicationPolicy configured as name.
func PolicyByName(name string) (ApplicationPolicy, error) {
	switch name {
	case "", PolicyFirstDeployingWins:
		return FirstDeployingWins, nil
	case PolicyRankPreemption:
		return RankPreemption, nil
	}
	return nil, errors.Errorf("unknown application policy [%s], expected [%s] or [%s]", name, PolicyFirstDeployingWins, PolicyRankPreemption)
}

type outcome struct {
	pending *Pending
	event   Event
}

// eventSink collects the events of one operation. They are published as a batch while the operation still holds
// its path locks, pending handles are settled after.
type eventSink struct {
	events   []Event
	outcomes []outcome
	changed  bool
}

func (sink *eventSink) add(eventType EventType, reg *registration, ctx *Context, reason error) {
	event := Event{
		ID:          uuid.New().String(),
		Type:        eventType,
		Owner:       reg.spec.Owner,
		ContextID:   ctx.id,
		ContextPath: ctx.path,
		ContextName: ctx.name,
		Element:     reg.ref(),
		Timestamp:   time.Now(),
		Reason:      reason,
	}
	sink.events = append(sink.events, event)

	if reg.pending != nil && (eventType == EventDeployed || eventType == EventFailed) {
		sink.outcomes = append(sink.outcomes, outcome{pending: reg.pending, event: event})
	}

	pfxlog.Logger().WithFields(logrus.Fields{
		"element":     reg.ref().String(),
		"contextPath": ctx.path,
		"event":       eventType,
	}).Debug("binding transition")
}

func (sink *eventSink) settle() {
	for _, o := range sink.outcomes {
		if o.event.Type == EventFailed {
			o.pending.resolve(o.event, o.event.Reason)
		} else {
			o.pending.resolve(o.event, nil)
		}
	}
	sink.outcomes = nil
}

func isUnbound(reg *registration) bool {
	return reg.state == StateWaiting || reg.state == StateQueued
}

// target returns the path whose shard lock serializes the next binding attempt of reg, or "" when nothing can bind
// it right now. The caller holds the state lock.
func (w *Whiteboard) target(reg *registration) string {
	if reg.spec.Kind == KindApplication {
		return reg.spec.ContextPath
	}

	if ctx := w.contexts.best(reg); ctx != nil {
		return ctx.path
	}

	if _, ok := w.applicationPath(reg); ok {
		return ""
	}

	if reg.selector.IsEmpty() && w.options.ImplicitDefaultContext {
		return "/"
	}

	return ""
}

// applicationPath returns the context path of the application whose context a selector-less element of an
// application owner waits for. Such elements never fall back to an implicit default context, even after the
// application itself was unregistered. The caller holds the state lock.
func (w *Whiteboard) applicationPath(reg *registration) (string, bool) {
	if reg.spec.Kind == KindApplication || !reg.selector.IsEmpty() {
		return "", false
	}
	return w.elements.applicationPath(reg.spec.Owner)
}

// resolve binds reg if any context can take it, acquiring whichever path lock its target needs.
func (w *Whiteboard) resolve(reg *registration) {
	for {
		var target string
		w.read(func() {
			if !reg.retired() && isUnbound(reg) {
				target = w.target(reg)
			}
		})

		if target == "" {
			return
		}

		unlock := w.shards.Lock(target)
		sink := &eventSink{}
		done := w.resolveLocked(reg, target, sink)
		if done && sink.changed {
			w.rematchLocked(map[string]bool{target: true}, sink)
		}
		w.bus.Publish(sink.events...)
		unlock()
		sink.settle()

		if done {
			return
		}
	}
}

// resolveLocked attempts one binding of reg while path is locked. It returns false if reg's target is no longer
// path and the caller has to retry under another lock.
func (w *Whiteboard) resolveLocked(reg *registration, path string, sink *eventSink) bool {
	var ctx *Context
	var target string
	var skip bool

	w.read(func() {
		if reg.retired() || !isUnbound(reg) {
			skip = true
			return
		}
		target = w.target(reg)
		if reg.spec.Kind != KindApplication {
			ctx = w.contexts.best(reg)
		}
	})

	if skip {
		return true
	}

	if target != path {
		return target == ""
	}

	if reg.spec.Kind == KindApplication {
		w.bindApplicationLocked(reg, sink)
		return true
	}

	if ctx == nil {
		if ctx = w.createImplicitContextLocked(reg, sink); ctx == nil {
			return true
		}
	}

	w.bindLocked(reg, ctx, sink)
	return true
}

// createImplicitContextLocked creates the default context at "/" for the owner of reg. The "/" lock is held.
func (w *Whiteboard) createImplicitContextLocked(reg *registration, sink *eventSink) *Context {
	var ctx *Context
	w.write(func() {
		ctx = w.contexts.newContext(DefaultContextName, "/", reg.spec.Owner, nil)
		ctx.implicit = true
		w.contexts.add(ctx)
	})

	native, err := w.mount.createContext(ctx)
	if err != nil {
		w.write(func() {
			w.contexts.delete(ctx)
			w.elements.markUnbound(reg, StateFailed, err)
		})
		sink.add(EventDeploying, reg, ctx, nil)
		sink.add(EventFailed, reg, ctx, err)
		return nil
	}

	w.write(func() {
		ctx.native = native
	})
	sink.changed = true

	pfxlog.Logger().WithField("owner", reg.spec.Owner).Info("implicit default context created")
	return ctx
}

type eviction struct {
	reg    *registration
	native NativeElement
}

// bindLocked binds a non application element to ctx, evicting weaker holders of its slots. The ctx path lock is held.
func (w *Whiteboard) bindLocked(reg *registration, ctx *Context, sink *eventSink) {
	var evictions []eviction
	var winner *registration
	var announce, skip bool
	var native NativeContext

	w.write(func() {
		if reg.retired() || !isUnbound(reg) || !ctx.accepts(reg) {
			skip = true
			return
		}

		conflicts := w.elements.conflicts(reg, ctx)
		if len(conflicts) > 0 && !reg.precedes(conflicts[0]) {
			winner = conflicts[0]
			announce = reg.queuedOn != ctx.id && winner.spec.Rank > reg.spec.Rank
			reg.state = StateQueued
			reg.queuedOn = ctx.id
			reg.queuedPath = ctx.path
			reg.reason = ErrConflictLoss
			return
		}

		for _, holder := range conflicts {
			evictions = append(evictions, eviction{reg: holder, native: holder.native})
			w.elements.markUnbound(holder, StateQueued, ErrConflictLoss)
			holder.queuedOn = ctx.id
			holder.queuedPath = ctx.path
		}

		w.elements.markBound(reg, ctx)
		native = ctx.native
	})

	if skip {
		return
	}

	if winner != nil {
		if announce {
			sink.add(EventDeploying, reg, ctx, nil)
			sink.add(EventFailed, reg, ctx, ErrConflictLoss)
		}
		pfxlog.Logger().WithFields(logrus.Fields{"element": reg.ref().String(), "winner": winner.ref().String()}).
			Debug("element queued behind preceding element")
		return
	}

	for _, evicted := range evictions {
		w.mount.detach(evicted.reg.ref(), evicted.native)
		sink.add(EventFailed, evicted.reg, ctx, ErrConflictLoss)
		sink.changed = true
		pfxlog.Logger().WithFields(logrus.Fields{"element": evicted.reg.ref().String(), "winner": reg.ref().String()}).
			Info("element evicted by preceding element")
	}

	sink.add(EventDeploying, reg, ctx, nil)

	element, err := w.mount.attach(reg, ctx, native)
	if err != nil {
		w.write(func() {
			w.elements.markUnbound(reg, StateFailed, err)
		})
		sink.add(EventFailed, reg, ctx, err)
		sink.changed = sink.changed || len(evictions) > 0
		return
	}

	w.write(func() {
		reg.native = element
	})
	sink.add(EventDeployed, reg, ctx, nil)

	if reg.spec.Kind == KindFilter {
		w.reorderFiltersLocked(ctx)
	}
}

// bindApplicationLocked arbitrates reg against the application bound at its context key and, if it wins, creates
// its context. The path lock of the key is held.
func (w *Whiteboard) bindApplicationLocked(reg *registration, sink *eventSink) {
	var incumbent *registration
	var incumbentCtx *Context
	var queued, announce, skip bool

	w.write(func() {
		if reg.retired() || !isUnbound(reg) {
			skip = true
			return
		}

		incumbent = w.elements.boundApplication(reg.appKey)
		if incumbent == nil {
			return
		}

		incumbentCtx = incumbent.context
		if w.policy(reg.info(), incumbent.info()) {
			return
		}

		queued = true
		announce = reg.queuedOn != incumbentCtx.id
		reg.state = StateQueued
		reg.queuedOn = incumbentCtx.id
		reg.queuedPath = incumbentCtx.path
		reg.reason = ErrConflictLoss
	})

	if skip {
		return
	}

	if queued {
		if announce {
			sink.add(EventDeploying, reg, incumbentCtx, nil)
			sink.add(EventFailed, reg, incumbentCtx, ErrConflictLoss)
		}
		pfxlog.Logger().WithFields(logrus.Fields{"element": reg.ref().String(), "winner": incumbent.ref().String()}).
			Info("application queued, context path already taken")
		return
	}

	if incumbent != nil {
		pfxlog.Logger().WithFields(logrus.Fields{"element": reg.ref().String(), "preempted": incumbent.ref().String()}).
			Info("application preempts lower ranked application")
		w.unbindApplicationLocked(incumbent, StateQueued, ErrConflictLoss, EventFailed, sink)
	}

	var ctx *Context
	w.write(func() {
		ctx = w.contexts.newContext(reg.spec.ContextName, reg.spec.ContextPath, reg.spec.Owner, reg.spec.ContextProperties)
		ctx.application = reg.id
		ctx.ownerDefault = true
		w.contexts.add(ctx)
		w.elements.markBound(reg, ctx)
		if incumbent != nil {
			incumbent.queuedOn = ctx.id
			incumbent.queuedPath = ctx.path
		}
	})

	sink.changed = true
	sink.add(EventDeploying, reg, ctx, nil)

	failed := func(err error) {
		w.write(func() {
			ctx.zombie = true
			w.contexts.delete(ctx)
			w.elements.markUnbound(reg, StateFailed, err)
		})
		sink.add(EventFailed, reg, ctx, err)
	}

	nativeCtx, err := w.mount.createContext(ctx)
	if err != nil {
		failed(err)
		return
	}

	w.write(func() {
		ctx.native = nativeCtx
	})

	element, err := w.mount.attach(reg, ctx, nativeCtx)
	if err != nil {
		failed(err)
		w.mount.destroyContext(ctx, nativeCtx)
		return
	}

	w.write(func() {
		reg.native = element
	})
	sink.add(EventDeployed, reg, ctx, nil)

	pfxlog.Logger().WithFields(logrus.Fields{"element": reg.ref().String(), "contextPath": ctx.path}).Info("application deployed")
}

// unbindLocked detaches a bound non application element. A zombie context left empty is destroyed. The path lock
// of its context is held.
func (w *Whiteboard) unbindLocked(reg *registration, reason error, sink *eventSink) {
	var ctx *Context
	var element NativeElement
	var nativeCtx NativeContext
	var destroy bool

	w.write(func() {
		ctx = reg.context
		if ctx == nil {
			return
		}
		element = reg.native
		w.elements.markUnbound(reg, StateWaiting, reason)
		if ctx.zombie && ctx.application == 0 && len(w.elements.bound[ctx.id]) == 0 {
			w.contexts.delete(ctx)
			destroy = true
			nativeCtx = ctx.native
		}
	})

	if ctx == nil {
		return
	}

	w.mount.detach(reg.ref(), element)
	sink.add(EventUndeployed, reg, ctx, reason)
	sink.changed = true

	if destroy {
		w.mount.destroyContext(ctx, nativeCtx)
		pfxlog.Logger().WithField("contextPath", ctx.path).Info("zombie context destroyed")
		return
	}

	if reg.spec.Kind == KindFilter {
		w.reorderFiltersLocked(ctx)
	}
}

// unbindApplicationLocked undeploys every element of an application's context, then the application, then
// destroys the context. The path lock of the context is held.
func (w *Whiteboard) unbindApplicationLocked(app *registration, state BindingState, reason error, eventType EventType, sink *eventSink) {
	var ctx *Context
	var members []*registration

	w.write(func() {
		ctx = app.context
		if ctx == nil {
			return
		}
		ctx.zombie = true
		for _, reg := range w.elements.boundTo(ctx.id) {
			if reg != app {
				members = append(members, reg)
			}
		}
	})

	if ctx == nil {
		return
	}

	for _, reg := range members {
		w.unbindLocked(reg, ErrContextRemoved, sink)
	}

	var element NativeElement
	var nativeCtx NativeContext
	w.write(func() {
		element = app.native
		nativeCtx = ctx.native
		w.elements.markUnbound(app, state, reason)
		w.contexts.delete(ctx)
		if state == StateQueued {
			app.queuedPath = ctx.path
		}
	})

	w.mount.detach(app.ref(), element)
	sink.add(eventType, app, ctx, reason)
	sink.changed = true
	w.mount.destroyContext(ctx, nativeCtx)

	pfxlog.Logger().WithFields(logrus.Fields{"element": app.ref().String(), "contextPath": ctx.path}).Info("application undeployed")
}

func (w *Whiteboard) reorderFiltersLocked(ctx *Context) {
	var natives []NativeElement
	var nativeCtx NativeContext
	w.read(func() {
		nativeCtx = ctx.native
		for _, reg := range w.elements.filterChain(ctx.id) {
			natives = append(natives, reg.native)
		}
	})
	w.mount.orderFilters(ctx, nativeCtx, natives)
}

// rematchLocked retries every unbound element whose target is one of the locked paths, applications first so the
// contexts they create are available to the elements after them. It repeats while bindings change.
func (w *Whiteboard) rematchLocked(locked map[string]bool, sink *eventSink) {
	for {
		sink.changed = false

		var candidates []*registration
		w.read(func() {
			unbound := w.elements.unbound()
			for _, reg := range unbound {
				if reg.spec.Kind == KindApplication {
					candidates = append(candidates, reg)
				}
			}
			for _, reg := range unbound {
				if reg.spec.Kind != KindApplication {
					candidates = append(candidates, reg)
				}
			}
		})

		for _, reg := range candidates {
			var target string
			w.read(func() {
				if !reg.retired() && isUnbound(reg) {
					target = w.target(reg)
				}
			})
			if target != "" && locked[target] {
				w.resolveLocked(reg, target, sink)
			}
		}

		if !sink.changed {
			return
		}
	}
}

// rematchAll retries every unbound element under its own target lock.
func (w *Whiteboard) rematchAll() {
	var candidates []*registration
	w.read(func() {
		candidates = w.elements.unbound()
	})

	for _, reg := range candidates {
		w.resolve(reg)
	}
}
